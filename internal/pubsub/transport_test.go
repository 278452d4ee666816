package pubsub

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// recorder collects delivered payloads per channel
type recorder struct {
	mu   sync.Mutex
	msgs map[string][]string
}

func newRecorder() *recorder {
	return &recorder{msgs: make(map[string][]string)}
}

func (r *recorder) handle(channel string, payload []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs[channel] = append(r.msgs[channel], string(payload))
}

func (r *recorder) get(channel string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.msgs[channel]...)
}

// pair returns two transports that share a channel space
type pairFactory func(t *testing.T) (Transport, Transport)

func memoryPair(t *testing.T) (Transport, Transport) {
	hub := NewHub()
	a, b := hub.Transport(zap.NewNop()), hub.Transport(zap.NewNop())
	t.Cleanup(func() { a.Close(); b.Close() })
	return a, b
}

func redisPair(t *testing.T) (Transport, Transport) {
	mr := miniredis.RunT(t)
	ca := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	cb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	a, b := NewRedisTransport(ca, zap.NewNop()), NewRedisTransport(cb, zap.NewNop())
	t.Cleanup(func() {
		a.Close()
		b.Close()
		ca.Close()
		cb.Close()
	})
	return a, b
}

func gossipPair(t *testing.T) (Transport, Transport) {
	a, err := NewGossipTransport(GossipConfig{NodeID: "gossip-a", BindAddr: "127.0.0.1"}, zap.NewNop())
	require.NoError(t, err)
	b, err := NewGossipTransport(GossipConfig{
		NodeID:   "gossip-b",
		BindAddr: "127.0.0.1",
		Seeds:    []string{a.LocalAddr()},
	}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { b.Close(); a.Close() })

	require.Eventually(t, func() bool { return len(a.Members()) == 2 }, 5*time.Second, 50*time.Millisecond)
	return a, b
}

func forEachTransport(t *testing.T, fn func(t *testing.T, pair pairFactory)) {
	t.Run("memory", func(t *testing.T) { fn(t, memoryPair) })
	t.Run("redis", func(t *testing.T) { fn(t, redisPair) })
	t.Run("gossip", func(t *testing.T) {
		if testing.Short() {
			t.Skip("gossip uses real sockets")
		}
		fn(t, gossipPair)
	})
}

func TestTransport_PublishReachesOtherNode(t *testing.T) {
	forEachTransport(t, func(t *testing.T, pair pairFactory) {
		ctx := context.Background()
		a, b := pair(t)
		rec := newRecorder()

		require.NoError(t, b.Subscribe(ctx, "session-updates", rec.handle))
		require.NoError(t, a.Publish(ctx, "session-updates", []byte("s1")))
		require.NoError(t, a.Publish(ctx, "other", []byte("ignored")))

		assert.Eventually(t, func() bool {
			return len(rec.get("session-updates")) == 1
		}, 5*time.Second, 10*time.Millisecond)
		assert.Equal(t, []string{"s1"}, rec.get("session-updates"))
		assert.Empty(t, rec.get("other"))
	})
}

func TestTransport_UnsubscribeStopsDelivery(t *testing.T) {
	forEachTransport(t, func(t *testing.T, pair pairFactory) {
		ctx := context.Background()
		a, b := pair(t)
		rec := newRecorder()

		require.NoError(t, b.Subscribe(ctx, "hb", rec.handle))
		require.NoError(t, a.Publish(ctx, "hb", []byte("1")))
		require.Eventually(t, func() bool { return len(rec.get("hb")) == 1 }, 5*time.Second, 10*time.Millisecond)

		require.NoError(t, b.Unsubscribe(ctx, "hb"))
		require.NoError(t, a.Publish(ctx, "hb", []byte("2")))

		time.Sleep(200 * time.Millisecond)
		assert.Equal(t, []string{"1"}, rec.get("hb"))
	})
}

func TestTransport_ClosedRejectsPublish(t *testing.T) {
	forEachTransport(t, func(t *testing.T, pair pairFactory) {
		a, _ := pair(t)
		require.NoError(t, a.Close())
		assert.ErrorIs(t, a.Publish(context.Background(), "x", []byte("y")), ErrClosed)
	})
}

func TestMemoryTransport_HandlerPanicDoesNotStopDelivery(t *testing.T) {
	ctx := context.Background()
	a, b := memoryPair(t)
	rec := newRecorder()

	require.NoError(t, b.Subscribe(ctx, "c", func(channel string, payload []byte) {
		if string(payload) == "boom" {
			panic("handler failure")
		}
		rec.handle(channel, payload)
	}))

	require.NoError(t, a.Publish(ctx, "c", []byte("boom")))
	require.NoError(t, a.Publish(ctx, "c", []byte("ok")))

	assert.Eventually(t, func() bool { return len(rec.get("c")) == 1 }, time.Second, 10*time.Millisecond)
}

func TestMemoryTransport_SelfDelivery(t *testing.T) {
	ctx := context.Background()
	a, _ := memoryPair(t)
	rec := newRecorder()

	require.NoError(t, a.Subscribe(ctx, "c", rec.handle))
	require.NoError(t, a.Publish(ctx, "c", []byte("mine")))

	assert.Eventually(t, func() bool { return len(rec.get("c")) == 1 }, time.Second, 10*time.Millisecond)
}
