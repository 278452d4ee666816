package cache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	coorderrors "github.com/devrev/meshcoord/internal/errors"
	"github.com/devrev/meshcoord/internal/model"
	"github.com/devrev/meshcoord/internal/store"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestCoordinator(t *testing.T) (*Coordinator, *store.InMemoryStore, *testClock) {
	clock := &testClock{now: time.Unix(1_700_000_000, 0)}
	kv := store.NewInMemoryStore(zap.NewNop(), store.WithClock(clock.Now))
	t.Cleanup(func() { kv.Close() })

	c := NewCoordinator(kv, Config{DefaultTTL: time.Hour, MaxKeys: 100}, nil, zap.NewNop())
	return c, kv, clock
}

// drain returns every event currently buffered
func drain(o *ChannelObserver) []Event {
	var out []Event
	for {
		select {
		case e := <-o.Events():
			out = append(out, e)
		default:
			return out
		}
	}
}

func TestCoordinator_GetAfterSetUntilExpiry(t *testing.T) {
	c, _, clock := newTestCoordinator(t)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "user:42", []byte(`{"name":"a"}`), WithTTL(5*time.Second)))

	v, ok := c.Get(ctx, "user:42")
	require.True(t, ok)
	assert.Equal(t, `{"name":"a"}`, string(v))

	clock.Advance(6 * time.Second)

	_, ok = c.Get(ctx, "user:42")
	assert.False(t, ok)
}

func TestCoordinator_DefaultTTLApplied(t *testing.T) {
	c, kv, _ := newTestCoordinator(t)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "k", []byte("v")))

	ttl, err := kv.TTL(ctx, "cache:k:k")
	require.NoError(t, err)
	assert.Equal(t, time.Hour, ttl)
}

func TestCoordinator_InvalidateRemovesOnlyMembers(t *testing.T) {
	c, _, clock := newTestCoordinator(t)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "u1", []byte("1"), WithCategory("users"), WithTTL(10*time.Second)))
	clock.Advance(2 * time.Second)
	require.NoError(t, c.Set(ctx, "u2", []byte("2"), WithCategory("users"), WithTTL(time.Minute)))
	require.NoError(t, c.Set(ctx, "o1", []byte("3"), WithCategory("orders"), WithTTL(time.Minute)))
	require.NoError(t, c.Set(ctx, "plain", []byte("4"), WithTTL(time.Minute)))

	n, err := c.Invalidate(ctx, "users")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	for _, k := range []string{"u1", "u2"} {
		_, ok := c.Get(ctx, k)
		assert.False(t, ok, k)
	}
	for _, k := range []string{"o1", "plain"} {
		_, ok := c.Get(ctx, k)
		assert.True(t, ok, k)
	}

	// invalidating again is harmless
	n, err = c.Invalidate(ctx, "users")
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestCoordinator_InvalidateAfterMemberExpiry(t *testing.T) {
	c, _, clock := newTestCoordinator(t)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "short", []byte("1"), WithCategory("c"), WithTTL(time.Second)))
	require.NoError(t, c.Set(ctx, "long", []byte("2"), WithCategory("c"), WithTTL(time.Minute)))
	clock.Advance(5 * time.Second)

	n, err := c.Invalidate(ctx, "c")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, ok := c.Get(ctx, "long")
	assert.False(t, ok)
}

func TestCoordinator_TagSetLivesAsLongAsLongestMember(t *testing.T) {
	c, kv, _ := newTestCoordinator(t)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "a", []byte("1"), WithCategory("c"), WithTTL(30*time.Second)))
	require.NoError(t, c.Set(ctx, "b", []byte("2"), WithCategory("c"), WithTTL(10*time.Second)))

	ttl, err := kv.TTL(ctx, "cache:tag:c")
	require.NoError(t, err)
	assert.Equal(t, 30*time.Second, ttl)
}

func TestCoordinator_RecategorisedKeyDropsOldLink(t *testing.T) {
	c, kv, _ := newTestCoordinator(t)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "a", []byte("1"), WithCategory("c")))
	require.NoError(t, c.Set(ctx, "a", []byte("2")))

	_, err := kv.Get(ctx, "cache:cat:a")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestCoordinator_InvalidateSkipsFormerMembers(t *testing.T) {
	c, _, _ := newTestCoordinator(t)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "a", []byte("1"), WithCategory("old")))
	require.NoError(t, c.Set(ctx, "a", []byte("2"), WithCategory("new")))
	require.NoError(t, c.Set(ctx, "b", []byte("1"), WithCategory("old")))
	require.NoError(t, c.Set(ctx, "b", []byte("2")))
	require.NoError(t, c.Set(ctx, "c", []byte("1"), WithCategory("old")))

	n, err := c.Invalidate(ctx, "old")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, ok := c.Get(ctx, "c")
	assert.False(t, ok)
	v, ok := c.Get(ctx, "a")
	assert.True(t, ok, "a moved to category new")
	assert.Equal(t, []byte("2"), v)
	_, ok = c.Get(ctx, "b")
	assert.True(t, ok, "b no longer has a category")

	n, err = c.Invalidate(ctx, "new")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	_, ok = c.Get(ctx, "a")
	assert.False(t, ok)
}

func TestCoordinator_InvalidateAfterDelAndReset(t *testing.T) {
	c, _, _ := newTestCoordinator(t)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "a", []byte("1"), WithCategory("old")))
	_, err := c.Del(ctx, "a")
	require.NoError(t, err)
	require.NoError(t, c.Set(ctx, "a", []byte("2")))

	n, err := c.Invalidate(ctx, "old")
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	_, ok := c.Get(ctx, "a")
	assert.True(t, ok)
}

func TestCoordinator_Del(t *testing.T) {
	c, _, _ := newTestCoordinator(t)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "a", []byte("1")))
	n, err := c.Del(ctx, "a", "missing")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, ok := c.Get(ctx, "a")
	assert.False(t, ok)
}

func TestCoordinator_Events(t *testing.T) {
	c, _, _ := newTestCoordinator(t)
	ctx := context.Background()
	obs := NewChannelObserver(16)
	c.AddObserver(obs)

	require.NoError(t, c.Set(ctx, "k", []byte("v"), WithCategory("c")))
	c.Get(ctx, "k")
	c.Get(ctx, "missing")
	_, err := c.Invalidate(ctx, "c")
	require.NoError(t, err)

	events := drain(obs)
	require.Len(t, events, 4)
	assert.Equal(t, EventInvalidation, events[0].Type)
	assert.Equal(t, "c", events[0].Category)
	assert.Equal(t, EventHit, events[1].Type)
	assert.Equal(t, "k", events[1].Key)
	assert.False(t, events[1].Prefetch)
	assert.Equal(t, EventMiss, events[2].Type)
	assert.Equal(t, EventInvalidation, events[3].Type)
	assert.Equal(t, 1, events[3].Count)
}

func TestChannelObserver_DropsWhenFull(t *testing.T) {
	obs := NewChannelObserver(1)
	obs.OnCacheEvent(Event{Type: EventHit})
	obs.OnCacheEvent(Event{Type: EventHit})
	obs.OnCacheEvent(Event{Type: EventHit})

	assert.Equal(t, uint64(2), obs.Dropped())
	assert.Len(t, drain(obs), 1)
}

// flakyStore fails selected operations
type flakyStore struct {
	store.KVStore
	mock.Mock
}

func (f *flakyStore) Get(ctx context.Context, key string) ([]byte, error) {
	args := f.Called(ctx, key)
	if v := args.Get(0); v != nil {
		return v.([]byte), args.Error(1)
	}
	return nil, args.Error(1)
}

func (f *flakyStore) Pipeline(ctx context.Context, ops []store.Op) ([]store.OpResult, error) {
	args := f.Called(ctx, ops)
	return nil, args.Error(1)
}

func TestCoordinator_GetFailsOpen(t *testing.T) {
	kv := &flakyStore{KVStore: store.NewInMemoryStore(zap.NewNop())}
	defer kv.KVStore.Close()
	kv.On("Get", mock.Anything, "cache:k:k").Return(nil, coorderrors.TransientStore("get", errors.New("i/o timeout")))

	c := NewCoordinator(kv, Config{}, nil, zap.NewNop())
	obs := NewChannelObserver(4)
	c.AddObserver(obs)

	v, ok := c.Get(context.Background(), "k")
	assert.False(t, ok)
	assert.Nil(t, v)

	events := drain(obs)
	require.Len(t, events, 1)
	assert.Equal(t, EventError, events[0].Type)
	assert.True(t, coorderrors.IsTransientStore(events[0].Err))
	kv.AssertExpectations(t)
}

func TestCoordinator_SetFailsClosed(t *testing.T) {
	kv := &flakyStore{KVStore: store.NewInMemoryStore(zap.NewNop())}
	defer kv.KVStore.Close()
	kv.On("Pipeline", mock.Anything, mock.Anything).Return(nil, coorderrors.TransientStore("pipeline", errors.New("connection refused")))

	c := NewCoordinator(kv, Config{}, nil, zap.NewNop())
	err := c.Set(context.Background(), "k", []byte("v"))
	require.Error(t, err)
	assert.True(t, coorderrors.IsTransientStore(err))
}

func TestCoordinator_GetOrLoadSharesConcurrentLoads(t *testing.T) {
	c, _, _ := newTestCoordinator(t)
	ctx := context.Background()

	var calls int32
	release := make(chan struct{})
	c.SetLoader(func(ctx context.Context, key string) (*model.CacheEntry, error) {
		atomic.AddInt32(&calls, 1)
		<-release
		return &model.CacheEntry{Value: []byte("loaded:" + key), TTL: time.Minute}, nil
	})

	var wg sync.WaitGroup
	results := make([]string, 8)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			v, err := c.GetOrLoad(ctx, "profile")
			if err == nil {
				results[i] = string(v)
			}
		}(i)
	}
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
	for _, r := range results {
		assert.Equal(t, "loaded:profile", r)
	}

	v, ok := c.Get(ctx, "profile")
	require.True(t, ok)
	assert.Equal(t, "loaded:profile", string(v))
}

func TestCoordinator_GetOrLoadWithoutLoader(t *testing.T) {
	c, _, _ := newTestCoordinator(t)

	_, err := c.GetOrLoad(context.Background(), "nothing")
	assert.True(t, coorderrors.IsNotFound(err))
}

func TestCoordinator_WarmMarksPrefetch(t *testing.T) {
	c, _, _ := newTestCoordinator(t)
	ctx := context.Background()
	obs := NewChannelObserver(16)

	require.NoError(t, c.Set(ctx, "k", []byte("v")))
	c.AddObserver(obs)

	ok, err := c.Warm(ctx, "k")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = c.Warm(ctx, "absent")
	require.NoError(t, err)
	assert.False(t, ok)

	for _, e := range drain(obs) {
		assert.True(t, e.Prefetch, e.Type)
	}
}

func TestCoordinator_ExtendTTL(t *testing.T) {
	c, kv, _ := newTestCoordinator(t)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "hot", []byte("v"), WithCategory("c"), WithTTL(10*time.Second)))

	ttl, err := c.ExtendTTL(ctx, "hot", 1.5)
	require.NoError(t, err)
	assert.Equal(t, 15*time.Second, ttl)

	tagTTL, err := kv.TTL(ctx, "cache:tag:c")
	require.NoError(t, err)
	assert.GreaterOrEqual(t, tagTTL, 15*time.Second)

	_, err = c.ExtendTTL(ctx, "missing", 1.5)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestCoordinator_SweepWarnsAboveLimit(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	kv := store.NewInMemoryStore(zap.NewNop())
	defer kv.Close()

	c := NewCoordinator(kv, Config{MaxKeys: 2}, nil, zap.New(core))
	ctx := context.Background()

	for _, k := range []string{"a", "b"} {
		require.NoError(t, c.Set(ctx, k, []byte("v")))
	}
	require.NoError(t, c.Sweep(ctx))
	assert.Equal(t, 0, logs.Len())

	require.NoError(t, c.Set(ctx, "c", []byte("v")))
	require.NoError(t, c.Sweep(ctx))
	assert.Equal(t, 1, logs.FilterMessage("Cache resident keys above limit").Len())

	// soft limit: writes are still accepted
	require.NoError(t, c.Set(ctx, "d", []byte("v")))
}

func TestCoordinator_StartStop(t *testing.T) {
	kv := store.NewInMemoryStore(zap.NewNop())
	defer kv.Close()

	c := NewCoordinator(kv, Config{SweepInterval: 5 * time.Millisecond}, nil, zap.NewNop())
	c.Start(context.Background())
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, c.Stop(time.Second))
}
