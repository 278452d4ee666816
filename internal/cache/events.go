package cache

import (
	"sync/atomic"
	"time"
)

// EventType identifies a cache telemetry event
type EventType string

const (
	EventHit          EventType = "hit"
	EventMiss         EventType = "miss"
	EventInvalidation EventType = "invalidation"
	EventError        EventType = "error"
)

// Event is emitted for every cache coordinator operation
type Event struct {
	Type     EventType
	Key      string
	Category string
	Count    int
	Latency  time.Duration
	Err      error
	// Prefetch marks reads issued by pre-warming rather than a consumer
	Prefetch bool
	At       time.Time
}

// Observer receives cache events. Implementations must not block.
type Observer interface {
	OnCacheEvent(Event)
}

// ObserverFunc adapts a function to Observer
type ObserverFunc func(Event)

// OnCacheEvent implements Observer
func (f ObserverFunc) OnCacheEvent(e Event) { f(e) }

// ChannelObserver buffers events on a bounded channel, dropping when full
type ChannelObserver struct {
	ch      chan Event
	dropped atomic.Uint64
}

// NewChannelObserver creates an observer with the given buffer size
func NewChannelObserver(buffer int) *ChannelObserver {
	if buffer <= 0 {
		buffer = 1024
	}
	return &ChannelObserver{ch: make(chan Event, buffer)}
}

// OnCacheEvent implements Observer
func (o *ChannelObserver) OnCacheEvent(e Event) {
	select {
	case o.ch <- e:
	default:
		o.dropped.Add(1)
	}
}

// Events returns the receive side of the buffer
func (o *ChannelObserver) Events() <-chan Event {
	return o.ch
}

// Dropped returns how many events were discarded because the buffer was full
func (o *ChannelObserver) Dropped() uint64 {
	return o.dropped.Load()
}
