package session

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	coorderrors "github.com/devrev/meshcoord/internal/errors"
	"github.com/devrev/meshcoord/internal/lock"
	"github.com/devrev/meshcoord/internal/model"
	"github.com/devrev/meshcoord/internal/pubsub"
	"github.com/devrev/meshcoord/internal/store"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// cluster is a set of nodes sharing one store and one pub/sub hub
type cluster struct {
	kv    *store.InMemoryStore
	hub   *pubsub.Hub
	clock *fakeClock
}

func newCluster(t *testing.T) *cluster {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	kv := store.NewInMemoryStore(zap.NewNop(), store.WithClock(clock.Now))
	t.Cleanup(func() { kv.Close() })
	return &cluster{kv: kv, hub: pubsub.NewHub(), clock: clock}
}

func (cl *cluster) lockConfig(nodeID string) lock.Config {
	return lock.Config{
		NodeID:      nodeID,
		TTL:         10 * time.Second,
		MaxAttempts: 200,
		BaseBackoff: time.Millisecond,
		MaxBackoff:  5 * time.Millisecond,
	}
}

func (cl *cluster) node(t *testing.T, id string, lockCfg lock.Config, opts ...Option) *Coordinator {
	transport := cl.hub.Transport(zap.NewNop())
	locker := lock.NewLocker(cl.kv, lockCfg, nil, zap.NewNop())

	opts = append([]Option{WithClock(cl.clock.Now)}, opts...)
	c, err := NewCoordinator(cl.kv, locker, transport, Config{
		NodeID:            id,
		Address:           id + ":9000",
		SessionTTL:        time.Hour,
		CompletedTTL:      24 * time.Hour,
		NodeTTL:           30 * time.Second,
		HeartbeatInterval: time.Hour,
	}, nil, zap.NewNop(), opts...)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, c.Start(ctx))
	t.Cleanup(func() {
		c.Stop(ctx, time.Second)
		transport.Close()
	})
	return c
}

func (cl *cluster) defaultNode(t *testing.T, id string, opts ...Option) *Coordinator {
	return cl.node(t, id, cl.lockConfig(id), opts...)
}

func TestCoordinator_StartSessionReplicates(t *testing.T) {
	cl := newCluster(t)
	a := cl.defaultNode(t, "node-a")
	b := cl.defaultNode(t, "node-b")
	ctx := context.Background()

	s, err := a.StartSession(ctx, "client-1", "focus")
	require.NoError(t, err)
	assert.Equal(t, model.SessionActive, s.Status)
	assert.Equal(t, "node-a", s.OwnerNode)
	assert.Equal(t, int64(1), s.Version)

	ttl, err := cl.kv.TTL(ctx, activeKey(s.ID))
	require.NoError(t, err)
	assert.Equal(t, time.Hour, ttl)

	assert.Eventually(t, func() bool {
		v, ok := b.LocalView(s.ID)
		return ok && v.ClientID == "client-1"
	}, time.Second, 5*time.Millisecond)

	// the lock is released once the mutation commits
	holder, err := lock.NewLocker(cl.kv, cl.lockConfig("probe"), nil, zap.NewNop()).Holder(ctx, lockResource(s.ID))
	require.NoError(t, err)
	assert.Empty(t, holder)
}

func TestCoordinator_UpdateFromPeerReplicates(t *testing.T) {
	cl := newCluster(t)
	a := cl.defaultNode(t, "node-a")
	b := cl.defaultNode(t, "node-b")
	ctx := context.Background()

	s, err := a.StartSession(ctx, "client-1", "focus")
	require.NoError(t, err)

	updated, err := b.UpdateMetrics(ctx, s.ID, map[string]float64{"focus_score": 0.9})
	require.NoError(t, err)
	assert.Equal(t, int64(2), updated.Version)
	assert.Equal(t, "node-a", updated.OwnerNode)

	assert.Eventually(t, func() bool {
		v, ok := a.LocalView(s.ID)
		return ok && v.Version == 2 && v.Metrics["focus_score"] == 0.9
	}, time.Second, 5*time.Millisecond)
}

func TestCoordinator_UpdateKeepsIdentity(t *testing.T) {
	cl := newCluster(t)
	a := cl.defaultNode(t, "node-a")
	ctx := context.Background()

	s, err := a.StartSession(ctx, "client-1", "focus")
	require.NoError(t, err)

	updated, err := a.UpdateSession(ctx, s.ID, func(st *model.SessionState) error {
		st.ID = "hijacked"
		st.Status = model.SessionCompleted
		st.Mode = "break"
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, s.ID, updated.ID)
	assert.Equal(t, model.SessionActive, updated.Status)
	assert.Equal(t, "break", updated.Mode)

	boom := errors.New("rejected")
	_, err = a.UpdateSession(ctx, s.ID, func(*model.SessionState) error { return boom })
	assert.ErrorIs(t, err, boom)

	got, err := a.GetSession(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), got.Version)
}

func TestCoordinator_StaleEventIgnored(t *testing.T) {
	cl := newCluster(t)
	a := cl.defaultNode(t, "node-a")

	newer := &model.SessionState{ID: "s1", Version: 3, Mode: "new"}
	older := &model.SessionState{ID: "s1", Version: 2, Mode: "old"}

	for _, s := range []*model.SessionState{newer, older} {
		payload, err := json.Marshal(model.SessionEvent{Type: model.SessionEventUpdated, NodeID: "node-b", Session: s})
		require.NoError(t, err)
		a.handleSessionEvent("session-updates", payload)
	}

	v, ok := a.LocalView("s1")
	require.True(t, ok)
	assert.Equal(t, "new", v.Mode)

	// events from this node are already applied locally
	own, err := json.Marshal(model.SessionEvent{
		Type:    model.SessionEventUpdated,
		NodeID:  "node-a",
		Session: &model.SessionState{ID: "s2", Version: 1},
	})
	require.NoError(t, err)
	a.handleSessionEvent("session-updates", own)
	_, ok = a.LocalView("s2")
	assert.False(t, ok)
}

func TestCoordinator_EndSession(t *testing.T) {
	cl := newCluster(t)
	a := cl.defaultNode(t, "node-a")
	b := cl.defaultNode(t, "node-b")
	ctx := context.Background()

	s, err := a.StartSession(ctx, "client-1", "focus")
	require.NoError(t, err)
	cl.clock.Advance(25 * time.Minute)

	ended, err := a.EndSession(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, model.SessionCompleted, ended.Status)
	require.NotNil(t, ended.EndTime)
	assert.Equal(t, 25*time.Minute, ended.EndTime.Sub(ended.StartTime))

	_, err = cl.kv.Get(ctx, activeKey(s.ID))
	assert.ErrorIs(t, err, store.ErrNotFound)
	ttl, err := cl.kv.TTL(ctx, completedKey(s.ID))
	require.NoError(t, err)
	assert.Equal(t, 24*time.Hour, ttl)

	active, err := a.ActiveSessions(ctx)
	require.NoError(t, err)
	assert.Empty(t, active)

	assert.Eventually(t, func() bool {
		v, ok := b.LocalView(s.ID)
		return ok && v.Status == model.SessionCompleted
	}, time.Second, 5*time.Millisecond)

	_, err = a.EndSession(ctx, s.ID)
	assert.True(t, coorderrors.IsNotFound(err))
}

func TestCoordinator_GetSessionFallsBackToStore(t *testing.T) {
	cl := newCluster(t)
	a := cl.defaultNode(t, "node-a")
	ctx := context.Background()

	s, err := a.StartSession(ctx, "client-1", "focus")
	require.NoError(t, err)

	// a node that missed the event reads the durable copy
	late := cl.defaultNode(t, "node-late")
	_, ok := late.LocalView(s.ID)
	require.False(t, ok)

	got, err := late.GetSession(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, "client-1", got.ClientID)
	_, ok = late.LocalView(s.ID)
	assert.True(t, ok)

	_, err = late.GetSession(ctx, "missing")
	assert.True(t, coorderrors.IsNotFound(err))
}

func TestCoordinator_ActiveSessionsOrdered(t *testing.T) {
	cl := newCluster(t)
	a := cl.defaultNode(t, "node-a")
	ctx := context.Background()

	first, err := a.StartSession(ctx, "c1", "focus")
	require.NoError(t, err)
	cl.clock.Advance(time.Second)
	second, err := a.StartSession(ctx, "c2", "focus")
	require.NoError(t, err)

	active, err := a.ActiveSessions(ctx)
	require.NoError(t, err)
	require.Len(t, active, 2)
	assert.Equal(t, first.ID, active[0].ID)
	assert.Equal(t, second.ID, active[1].ID)
}

func TestCoordinator_ConcurrentUpdatesSerialized(t *testing.T) {
	cl := newCluster(t)
	a := cl.defaultNode(t, "node-a")
	b := cl.defaultNode(t, "node-b")
	ctx := context.Background()

	s, err := a.StartSession(ctx, "client-1", "focus")
	require.NoError(t, err)

	const perNode = 10
	var wg sync.WaitGroup
	for _, node := range []*Coordinator{a, b} {
		for i := 0; i < perNode; i++ {
			wg.Add(1)
			go func(c *Coordinator) {
				defer wg.Done()
				_, err := c.UpdateSession(ctx, s.ID, func(st *model.SessionState) error {
					st.Metrics["updates"]++
					return nil
				})
				assert.NoError(t, err)
			}(node)
		}
	}
	wg.Wait()

	data, err := cl.kv.Get(ctx, activeKey(s.ID))
	require.NoError(t, err)
	var final model.SessionState
	require.NoError(t, json.Unmarshal(data, &final))
	assert.Equal(t, float64(2*perNode), final.Metrics["updates"])
	assert.Equal(t, int64(2*perNode+1), final.Version)
}

func TestCoordinator_LockContentionSurfaces(t *testing.T) {
	cl := newCluster(t)
	cfg := cl.lockConfig("node-a")
	cfg.MaxAttempts = 2
	a := cl.node(t, "node-a", cfg)
	ctx := context.Background()

	s, err := a.StartSession(ctx, "client-1", "focus")
	require.NoError(t, err)

	other := lock.NewLocker(cl.kv, cl.lockConfig("node-b"), nil, zap.NewNop())
	held, err := other.Acquire(ctx, lockResource(s.ID))
	require.NoError(t, err)
	defer held.Release(ctx)

	_, err = a.UpdateMetrics(ctx, s.ID, map[string]float64{"x": 1})
	require.Error(t, err)
	assert.True(t, coorderrors.IsLockContention(err))

	got, err := cl.kv.Get(ctx, activeKey(s.ID))
	require.NoError(t, err)
	var stored model.SessionState
	require.NoError(t, json.Unmarshal(got, &stored))
	assert.Equal(t, int64(1), stored.Version)
}

func TestCoordinator_UpdateUnknownSession(t *testing.T) {
	cl := newCluster(t)
	a := cl.defaultNode(t, "node-a")

	_, err := a.UpdateMetrics(context.Background(), "nope", map[string]float64{"x": 1})
	assert.True(t, coorderrors.IsNotFound(err))
}

type staticMetrics struct{ m model.NodeMetrics }

func (s staticMetrics) Collect(context.Context) model.NodeMetrics { return s.m }

func TestCoordinator_HeartbeatsAndLiveness(t *testing.T) {
	cl := newCluster(t)
	a := cl.defaultNode(t, "node-a", WithMetricsSource(staticMetrics{model.NodeMetrics{CPU: 12}}))
	b := cl.defaultNode(t, "node-b")
	ctx := context.Background()

	nodes, err := b.ActiveNodes(ctx)
	require.NoError(t, err)
	require.Len(t, nodes, 2)
	assert.Equal(t, "node-a", nodes[0].NodeID)
	assert.Equal(t, "node-a:9000", nodes[0].Address)
	assert.Equal(t, 12.0, nodes[0].Metrics.CPU)

	ttl, err := cl.kv.TTL(ctx, model.NodeRecordKey("node-a"))
	require.NoError(t, err)
	assert.Equal(t, 30*time.Second, ttl)

	// b started after a's first heartbeat, so prompt one
	require.NoError(t, a.Heartbeat(ctx))
	assert.Eventually(t, func() bool {
		peers := b.Peers()
		return len(peers) == 1 && peers[0].NodeID == "node-a"
	}, time.Second, 5*time.Millisecond)

	// a node that stops heartbeating ages out without deregistering
	cl.clock.Advance(31 * time.Second)
	require.NoError(t, b.Heartbeat(ctx))

	nodes, err = b.ActiveNodes(ctx)
	require.NoError(t, err)
	require.Len(t, nodes, 1)
	assert.Equal(t, "node-b", nodes[0].NodeID)
	assert.Empty(t, b.Peers())
}

func TestCoordinator_StopDeletesLivenessRecord(t *testing.T) {
	cl := newCluster(t)
	a := cl.defaultNode(t, "node-a")
	b := cl.defaultNode(t, "node-b")
	ctx := context.Background()

	require.NoError(t, a.Stop(ctx, time.Second))

	nodes, err := b.ActiveNodes(ctx)
	require.NoError(t, err)
	require.Len(t, nodes, 1)
	assert.Equal(t, "node-b", nodes[0].NodeID)

	// a stopped node no longer hears updates
	s, err := b.StartSession(ctx, "client-1", "focus")
	require.NoError(t, err)
	time.Sleep(20 * time.Millisecond)
	_, ok := a.LocalView(s.ID)
	assert.False(t, ok)
}

type mockArchive struct {
	mock.Mock
}

func (m *mockArchive) ArchiveSession(ctx context.Context, s *model.SessionState) error {
	return m.Called(s.ID).Error(0)
}

func (m *mockArchive) GetArchivedSession(ctx context.Context, id string) (*model.SessionState, error) {
	args := m.Called(id)
	s, _ := args.Get(0).(*model.SessionState)
	return s, args.Error(1)
}

func (m *mockArchive) Ping(ctx context.Context) error { return nil }

func (m *mockArchive) Close() {}

func TestCoordinator_ArchivesEndedSessions(t *testing.T) {
	cl := newCluster(t)
	archive := &mockArchive{}
	a := cl.defaultNode(t, "node-a", WithArchive(archive))
	ctx := context.Background()

	s, err := a.StartSession(ctx, "client-1", "focus")
	require.NoError(t, err)

	archive.On("ArchiveSession", s.ID).Return(errors.New("archive down")).Once()
	ended, err := a.EndSession(ctx, s.ID)
	require.NoError(t, err, "archive failures do not fail the mutation")

	// once the completed record expires a fresh node finds it in the archive
	cl.clock.Advance(25 * time.Hour)
	archive.On("GetArchivedSession", s.ID).Return(ended, nil).Once()
	archive.On("GetArchivedSession", "gone").Return(nil, store.ErrNotFound).Once()

	fresh := cl.defaultNode(t, "node-c", WithArchive(archive))
	got, err := fresh.GetSession(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, model.SessionCompleted, got.Status)

	_, err = fresh.GetSession(ctx, "gone")
	assert.True(t, coorderrors.IsNotFound(err))
	archive.AssertExpectations(t)
}

func TestNewCoordinator_RequiresNodeID(t *testing.T) {
	_, err := NewCoordinator(nil, nil, nil, Config{}, nil, zap.NewNop())
	assert.Error(t, err)
}
