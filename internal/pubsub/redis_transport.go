package pubsub

import (
	"context"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisTransport implements Transport over Redis PUBLISH/SUBSCRIBE
type RedisTransport struct {
	client *redis.Client
	logger *zap.Logger

	mu     sync.Mutex
	subs   map[string]*redisSubscription
	closed bool
}

type redisSubscription struct {
	ps   *redis.PubSub
	done chan struct{}
}

// NewRedisTransport creates a transport on an existing client
func NewRedisTransport(client *redis.Client, logger *zap.Logger) *RedisTransport {
	return &RedisTransport{
		client: client,
		logger: logger.Named("redis-pubsub"),
		subs:   make(map[string]*redisSubscription),
	}
}

// Publish sends payload to every subscriber of channel
func (t *RedisTransport) Publish(ctx context.Context, channel string, payload []byte) error {
	if t.isClosed() {
		return ErrClosed
	}
	if err := t.client.Publish(ctx, channel, payload).Err(); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", channel, err)
	}
	return nil
}

// Subscribe starts delivering channel messages to handler
func (t *RedisTransport) Subscribe(ctx context.Context, channel string, handler Handler) error {
	ps := t.client.Subscribe(ctx, channel)

	// Wait for confirmation that subscription is created
	if _, err := ps.Receive(ctx); err != nil {
		ps.Close()
		return fmt.Errorf("failed to subscribe to %s: %w", channel, err)
	}

	sub := &redisSubscription{ps: ps, done: make(chan struct{})}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		ps.Close()
		return ErrClosed
	}
	prev := t.subs[channel]
	t.subs[channel] = sub
	t.mu.Unlock()

	if prev != nil {
		t.stop(prev)
	}

	go t.receive(channel, sub, handler)

	t.logger.Info("Subscribed", zap.String("channel", channel))
	return nil
}

func (t *RedisTransport) receive(channel string, sub *redisSubscription, handler Handler) {
	defer close(sub.done)

	for msg := range sub.ps.Channel() {
		dispatch(t.logger, channel, []byte(msg.Payload), handler)
	}
}

// Unsubscribe stops delivery for channel and waits for the receiver to exit
func (t *RedisTransport) Unsubscribe(ctx context.Context, channel string) error {
	t.mu.Lock()
	sub, ok := t.subs[channel]
	delete(t.subs, channel)
	t.mu.Unlock()

	if !ok {
		return nil
	}
	if err := sub.ps.Unsubscribe(ctx, channel); err != nil {
		t.logger.Warn("Unsubscribe failed, closing subscription",
			zap.String("channel", channel),
			zap.Error(err))
	}
	t.stop(sub)
	t.logger.Info("Unsubscribed", zap.String("channel", channel))
	return nil
}

func (t *RedisTransport) stop(sub *redisSubscription) {
	sub.ps.Close()
	<-sub.done
}

// Close drops all subscriptions. The shared client is owned by the store.
func (t *RedisTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	subs := t.subs
	t.subs = make(map[string]*redisSubscription)
	t.mu.Unlock()

	for _, sub := range subs {
		t.stop(sub)
	}
	return nil
}

func (t *RedisTransport) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

// dispatch invokes handler with panic recovery
func dispatch(logger *zap.Logger, channel string, payload []byte, handler Handler) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("Subscriber panic recovered",
				zap.String("channel", channel),
				zap.Any("panic", r))
		}
	}()
	handler(channel, payload)
}
