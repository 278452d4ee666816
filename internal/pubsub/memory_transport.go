package pubsub

import (
	"bytes"
	"context"
	"sync"

	"go.uber.org/zap"
)

const memoryQueueSize = 256

// Hub connects in-process transports so several coordinators can share a
// channel without an external broker
type Hub struct {
	mu   sync.RWMutex
	subs map[string]map[*memorySubscription]struct{}
}

// NewHub creates an empty hub
func NewHub() *Hub {
	return &Hub{subs: make(map[string]map[*memorySubscription]struct{})}
}

// Transport returns a new transport attached to the hub
func (h *Hub) Transport(logger *zap.Logger) *MemoryTransport {
	return &MemoryTransport{
		hub:    h,
		logger: logger.Named("memory-pubsub"),
		subs:   make(map[string]*memorySubscription),
	}
}

func (h *Hub) publish(channel string, payload []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for sub := range h.subs[channel] {
		sub.enqueue(bytes.Clone(payload))
	}
}

func (h *Hub) add(channel string, sub *memorySubscription) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.subs[channel] == nil {
		h.subs[channel] = make(map[*memorySubscription]struct{})
	}
	h.subs[channel][sub] = struct{}{}
}

func (h *Hub) remove(channel string, sub *memorySubscription) {
	h.mu.Lock()
	defer h.mu.Unlock()

	delete(h.subs[channel], sub)
	if len(h.subs[channel]) == 0 {
		delete(h.subs, channel)
	}
}

// MemoryTransport implements Transport on top of a Hub
type MemoryTransport struct {
	hub    *Hub
	logger *zap.Logger

	mu     sync.Mutex
	subs   map[string]*memorySubscription
	closed bool
}

type memorySubscription struct {
	channel string
	queue   chan []byte
	done    chan struct{}
	logger  *zap.Logger

	mu     sync.Mutex
	closed bool
}

func (s *memorySubscription) enqueue(payload []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	select {
	case s.queue <- payload:
	default:
		s.logger.Warn("Subscriber queue full, dropping message", zap.String("channel", s.channel))
	}
}

func (s *memorySubscription) close() {
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		close(s.queue)
	}
	s.mu.Unlock()
	<-s.done
}

// Publish delivers payload to every subscriber on the hub
func (t *MemoryTransport) Publish(ctx context.Context, channel string, payload []byte) error {
	t.mu.Lock()
	closed := t.closed
	t.mu.Unlock()

	if closed {
		return ErrClosed
	}
	t.hub.publish(channel, payload)
	return nil
}

// Subscribe registers handler for channel
func (t *MemoryTransport) Subscribe(ctx context.Context, channel string, handler Handler) error {
	sub := &memorySubscription{
		channel: channel,
		queue:   make(chan []byte, memoryQueueSize),
		done:    make(chan struct{}),
		logger:  t.logger,
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return ErrClosed
	}
	prev := t.subs[channel]
	t.subs[channel] = sub
	t.mu.Unlock()

	if prev != nil {
		t.hub.remove(channel, prev)
		prev.close()
	}

	go func() {
		defer close(sub.done)
		for payload := range sub.queue {
			dispatch(t.logger, channel, payload, handler)
		}
	}()

	t.hub.add(channel, sub)
	return nil
}

// Unsubscribe stops delivery for channel
func (t *MemoryTransport) Unsubscribe(ctx context.Context, channel string) error {
	t.mu.Lock()
	sub, ok := t.subs[channel]
	delete(t.subs, channel)
	t.mu.Unlock()

	if ok {
		t.hub.remove(channel, sub)
		sub.close()
	}
	return nil
}

// Close drops all subscriptions
func (t *MemoryTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	subs := t.subs
	t.subs = make(map[string]*memorySubscription)
	t.mu.Unlock()

	for channel, sub := range subs {
		t.hub.remove(channel, sub)
		sub.close()
	}
	return nil
}
