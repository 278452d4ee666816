// Package pubsub provides the broadcast channel used to replicate session
// mutations and heartbeats between coordination nodes. Delivery is
// best-effort: the KV store stays the source of truth.
package pubsub

import (
	"context"
	"errors"
)

// ErrClosed is returned by operations on a closed transport
var ErrClosed = errors.New("pubsub transport closed")

// Handler receives messages for a subscribed channel
type Handler func(channel string, payload []byte)

// Transport is a publish/subscribe channel shared by all nodes
type Transport interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	// Subscribe registers handler for channel, replacing any previous handler.
	// It returns once the subscription is active.
	Subscribe(ctx context.Context, channel string, handler Handler) error
	Unsubscribe(ctx context.Context, channel string) error
	Close() error
}
