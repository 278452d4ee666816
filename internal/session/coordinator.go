// Package session serializes session mutations across coordination nodes
// and replicates the results over pub/sub. Each node also advertises itself
// with a heartbeat and a TTL-bound liveness record.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	coorderrors "github.com/devrev/meshcoord/internal/errors"
	"github.com/devrev/meshcoord/internal/lock"
	"github.com/devrev/meshcoord/internal/metrics"
	"github.com/devrev/meshcoord/internal/model"
	"github.com/devrev/meshcoord/internal/pubsub"
	"github.com/devrev/meshcoord/internal/routine"
	"github.com/devrev/meshcoord/internal/store"
)

const (
	activePrefix    = "session:active:"
	completedPrefix = "session:completed:"
	lockPrefix      = "session:"
)

// MetricsSource supplies the load figures published in heartbeats
type MetricsSource interface {
	Collect(ctx context.Context) model.NodeMetrics
}

// Config holds session coordinator configuration
type Config struct {
	NodeID            string
	Address           string
	SessionTTL        time.Duration
	CompletedTTL      time.Duration
	NodeTTL           time.Duration
	Channel           string
	HeartbeatChannel  string
	HeartbeatInterval time.Duration
	LocalCacheSize    int
}

// Coordinator owns this node's view of shared session state
type Coordinator struct {
	kv        store.KVStore
	locker    *lock.Locker
	transport pubsub.Transport
	archive   store.SessionArchive
	source    MetricsSource
	cfg       Config
	metrics   metrics.Sink
	logger    *zap.Logger
	routines  *routine.Manager
	now       func() time.Time
	startedAt time.Time

	viewMu sync.Mutex
	local  *lru.Cache[string, *model.SessionState]

	peersMu sync.Mutex
	peers   map[string]model.NodeRecord
}

// Option customises a Coordinator
type Option func(*Coordinator)

// WithArchive stores ended sessions in archive as well as the KV store
func WithArchive(archive store.SessionArchive) Option {
	return func(c *Coordinator) { c.archive = archive }
}

// WithMetricsSource sets where heartbeat load figures come from
func WithMetricsSource(src MetricsSource) Option {
	return func(c *Coordinator) { c.source = src }
}

// WithClock replaces the wall clock used for timestamps
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

// NewCoordinator creates a session coordinator
func NewCoordinator(
	kv store.KVStore,
	locker *lock.Locker,
	transport pubsub.Transport,
	cfg Config,
	sink metrics.Sink,
	logger *zap.Logger,
	opts ...Option,
) (*Coordinator, error) {
	if cfg.NodeID == "" {
		return nil, coorderrors.InvalidArgument("session coordinator requires a node id")
	}
	if cfg.SessionTTL <= 0 {
		cfg.SessionTTL = 24 * time.Hour
	}
	if cfg.CompletedTTL <= 0 {
		cfg.CompletedTTL = 7 * 24 * time.Hour
	}
	if cfg.NodeTTL <= 0 {
		cfg.NodeTTL = 30 * time.Second
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = cfg.NodeTTL / 3
	}
	if cfg.Channel == "" {
		cfg.Channel = "session-updates"
	}
	if cfg.HeartbeatChannel == "" {
		cfg.HeartbeatChannel = "node-heartbeats"
	}
	if cfg.LocalCacheSize <= 0 {
		cfg.LocalCacheSize = 10000
	}
	if sink == nil {
		sink = metrics.NewNop()
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	local, err := lru.New[string, *model.SessionState](cfg.LocalCacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create local session view: %w", err)
	}

	logger = logger.Named("session")
	c := &Coordinator{
		kv:        kv,
		locker:    locker,
		transport: transport,
		cfg:       cfg,
		metrics:   sink,
		logger:    logger,
		routines:  routine.NewManager(logger),
		now:       time.Now,
		local:     local,
		peers:     make(map[string]model.NodeRecord),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.startedAt = c.now()
	return c, nil
}

func activeKey(id string) string { return activePrefix + id }

func completedKey(id string) string { return completedPrefix + id }

func lockResource(id string) string { return lockPrefix + id }

// StartSession creates a new active session owned by this node
func (c *Coordinator) StartSession(ctx context.Context, clientID, mode string) (*model.SessionState, error) {
	if clientID == "" {
		return nil, coorderrors.InvalidArgument("client id is required")
	}

	now := c.now()
	state := &model.SessionState{
		ID:        uuid.NewString(),
		ClientID:  clientID,
		Mode:      mode,
		Status:    model.SessionActive,
		StartTime: now,
		Metrics:   make(map[string]float64),
		OwnerNode: c.cfg.NodeID,
		UpdatedAt: now,
		Version:   1,
	}

	err := c.locker.WithLock(ctx, lockResource(state.ID), func(ctx context.Context) error {
		return c.writeActive(ctx, state)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to start session: %w", err)
	}

	c.remember(state)
	c.publish(ctx, model.SessionEventStarted, state)

	c.logger.Info("Session started",
		zap.String("session_id", state.ID),
		zap.String("client_id", clientID),
		zap.String("mode", mode))
	return state.Clone(), nil
}

// UpdateSession applies fn to the durable copy of an active session while
// holding its lock. ID, status and ownership changes made by fn are ignored.
func (c *Coordinator) UpdateSession(ctx context.Context, id string, fn func(*model.SessionState) error) (*model.SessionState, error) {
	var updated *model.SessionState

	err := c.locker.WithLock(ctx, lockResource(id), func(ctx context.Context) error {
		current, err := c.readActive(ctx, id)
		if err != nil {
			return err
		}

		next := current.Clone()
		if next.Metrics == nil {
			next.Metrics = make(map[string]float64)
		}
		if err := fn(next); err != nil {
			return err
		}
		next.ID = current.ID
		next.Status = current.Status
		next.OwnerNode = current.OwnerNode
		next.StartTime = current.StartTime
		next.Version = current.Version + 1
		next.UpdatedAt = c.now()

		if err := c.writeActive(ctx, next); err != nil {
			return err
		}
		updated = next
		return nil
	})
	if err != nil {
		return nil, err
	}

	c.remember(updated)
	c.publish(ctx, model.SessionEventUpdated, updated)
	return updated.Clone(), nil
}

// UpdateMetrics merges values into the session's metrics
func (c *Coordinator) UpdateMetrics(ctx context.Context, id string, values map[string]float64) (*model.SessionState, error) {
	return c.UpdateSession(ctx, id, func(s *model.SessionState) error {
		for k, v := range values {
			s.Metrics[k] = v
		}
		return nil
	})
}

// EndSession completes an active session. The completed record replaces the
// active one in the store and is archived when an archive is configured.
func (c *Coordinator) EndSession(ctx context.Context, id string) (*model.SessionState, error) {
	var ended *model.SessionState

	err := c.locker.WithLock(ctx, lockResource(id), func(ctx context.Context) error {
		current, err := c.readActive(ctx, id)
		if err != nil {
			return err
		}

		now := c.now()
		next := current.Clone()
		next.Status = model.SessionCompleted
		next.EndTime = &now
		next.UpdatedAt = now
		next.Version = current.Version + 1

		data, err := json.Marshal(next)
		if err != nil {
			return fmt.Errorf("failed to encode session: %w", err)
		}
		results, err := c.kv.Pipeline(ctx, []store.Op{
			{Type: store.OpSet, Key: completedKey(id), Value: data, TTL: c.cfg.CompletedTTL},
			{Type: store.OpDel, Key: activeKey(id)},
		})
		if err != nil {
			return fmt.Errorf("failed to write completed session: %w", err)
		}
		for _, r := range results {
			if r.Err != nil {
				return fmt.Errorf("failed to write completed session: %w", r.Err)
			}
		}
		ended = next
		return nil
	})
	if err != nil {
		return nil, err
	}

	c.remember(ended)
	c.publish(ctx, model.SessionEventEnded, ended)

	if c.archive != nil {
		if err := c.archive.ArchiveSession(ctx, ended); err != nil {
			c.logger.Warn("Failed to archive completed session",
				zap.String("session_id", id),
				zap.Error(err))
		}
	}

	c.logger.Info("Session ended",
		zap.String("session_id", id),
		zap.Duration("duration", ended.EndTime.Sub(ended.StartTime)))
	return ended.Clone(), nil
}

// GetSession returns a session from the local view, falling back to the
// store and then the archive
func (c *Coordinator) GetSession(ctx context.Context, id string) (*model.SessionState, error) {
	if s, ok := c.local.Get(id); ok {
		return s.Clone(), nil
	}

	s, err := c.readActive(ctx, id)
	if coorderrors.IsNotFound(err) {
		s, err = c.read(ctx, completedKey(id), id)
	}
	if coorderrors.IsNotFound(err) && c.archive != nil {
		s, err = c.archive.GetArchivedSession(ctx, id)
		if errors.Is(err, store.ErrNotFound) {
			err = coorderrors.NotFound("session", id)
		}
	}
	if err != nil {
		return nil, err
	}

	c.remember(s)
	return s.Clone(), nil
}

// LocalView returns the replicated copy of a session without touching the store
func (c *Coordinator) LocalView(id string) (*model.SessionState, bool) {
	s, ok := c.local.Peek(id)
	if !ok {
		return nil, false
	}
	return s.Clone(), true
}

// ActiveSessions lists every active session in the store, oldest first
func (c *Coordinator) ActiveSessions(ctx context.Context) ([]*model.SessionState, error) {
	keys, err := c.kv.Keys(ctx, activePrefix+"*")
	if err != nil {
		return nil, fmt.Errorf("failed to list active sessions: %w", err)
	}
	if len(keys) == 0 {
		return nil, nil
	}

	ops := make([]store.Op, len(keys))
	for i, k := range keys {
		ops[i] = store.Op{Type: store.OpGet, Key: k}
	}
	results, err := c.kv.Pipeline(ctx, ops)
	if err != nil {
		return nil, fmt.Errorf("failed to read active sessions: %w", err)
	}

	sessions := make([]*model.SessionState, 0, len(results))
	for i, r := range results {
		if r.Err != nil {
			// ended between the scan and the read
			continue
		}
		var s model.SessionState
		if err := json.Unmarshal(r.Value, &s); err != nil {
			c.logger.Warn("Skipping undecodable session record",
				zap.String("key", keys[i]),
				zap.Error(err))
			continue
		}
		sessions = append(sessions, &s)
	}
	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].StartTime.Before(sessions[j].StartTime)
	})
	return sessions, nil
}

// ActiveNodes lists nodes whose liveness record has not expired
func (c *Coordinator) ActiveNodes(ctx context.Context) ([]model.NodeRecord, error) {
	return store.ListNodeRecords(ctx, c.kv, c.logger)
}

// Peers returns the other nodes heard from over the heartbeat channel
// within the node TTL
func (c *Coordinator) Peers() []model.NodeRecord {
	cutoff := c.now().Add(-c.cfg.NodeTTL)

	c.peersMu.Lock()
	defer c.peersMu.Unlock()

	out := make([]model.NodeRecord, 0, len(c.peers))
	for id, rec := range c.peers {
		if rec.LastHeartbeat.Before(cutoff) {
			delete(c.peers, id)
			continue
		}
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NodeID < out[j].NodeID })
	return out
}

// Start subscribes to replication channels and begins heartbeating
func (c *Coordinator) Start(ctx context.Context) error {
	if err := c.transport.Subscribe(ctx, c.cfg.Channel, c.handleSessionEvent); err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", c.cfg.Channel, err)
	}
	if err := c.transport.Subscribe(ctx, c.cfg.HeartbeatChannel, c.handleHeartbeat); err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", c.cfg.HeartbeatChannel, err)
	}

	if err := c.Heartbeat(ctx); err != nil {
		c.logger.Warn("Initial heartbeat failed", zap.Error(err))
	}
	c.routines.StartPeriodic(ctx, "session-heartbeat", c.cfg.HeartbeatInterval, c.Heartbeat)

	c.logger.Info("Session coordinator started",
		zap.String("node_id", c.cfg.NodeID),
		zap.String("channel", c.cfg.Channel),
		zap.Duration("heartbeat_interval", c.cfg.HeartbeatInterval))
	return nil
}

// Stop halts heartbeating, unsubscribes, and removes this node's liveness
// record so peers stop routing to it immediately
func (c *Coordinator) Stop(ctx context.Context, timeout time.Duration) error {
	var result error

	if err := c.routines.StopAll(timeout); err != nil {
		result = multierror.Append(result, err)
	}
	for _, ch := range []string{c.cfg.Channel, c.cfg.HeartbeatChannel} {
		if err := c.transport.Unsubscribe(ctx, ch); err != nil {
			result = multierror.Append(result, fmt.Errorf("unsubscribe %s: %w", ch, err))
		}
	}
	if _, err := c.kv.Del(ctx, model.NodeRecordKey(c.cfg.NodeID)); err != nil {
		result = multierror.Append(result, fmt.Errorf("delete node record: %w", err))
	}

	c.logger.Info("Session coordinator stopped", zap.String("node_id", c.cfg.NodeID))
	return result
}

// Heartbeat writes this node's liveness record and announces it to peers
func (c *Coordinator) Heartbeat(ctx context.Context) error {
	rec := model.NodeRecord{
		NodeID:        c.cfg.NodeID,
		Address:       c.cfg.Address,
		StartedAt:     c.startedAt,
		LastHeartbeat: c.now(),
	}
	if c.source != nil {
		rec.Metrics = c.source.Collect(ctx)
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to encode node record: %w", err)
	}
	if err := c.kv.Set(ctx, model.NodeRecordKey(c.cfg.NodeID), data, c.cfg.NodeTTL); err != nil {
		return fmt.Errorf("failed to write node record: %w", err)
	}

	payload, err := json.Marshal(model.SessionEvent{
		Type:      model.SessionEventHeartbeat,
		NodeID:    c.cfg.NodeID,
		Record:    &rec,
		Timestamp: rec.LastHeartbeat,
	})
	if err != nil {
		return fmt.Errorf("failed to encode heartbeat: %w", err)
	}
	if err := c.transport.Publish(ctx, c.cfg.HeartbeatChannel, payload); err != nil {
		return fmt.Errorf("failed to publish heartbeat: %w", err)
	}
	c.metrics.RecordSessionEvent(model.SessionEventHeartbeat, "local")
	return nil
}

func (c *Coordinator) readActive(ctx context.Context, id string) (*model.SessionState, error) {
	return c.read(ctx, activeKey(id), id)
}

func (c *Coordinator) read(ctx context.Context, key, id string) (*model.SessionState, error) {
	data, err := c.kv.Get(ctx, key)
	if errors.Is(err, store.ErrNotFound) {
		return nil, coorderrors.NotFound("session", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read session %s: %w", id, err)
	}

	var s model.SessionState
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("failed to decode session %s: %w", id, err)
	}
	return &s, nil
}

func (c *Coordinator) writeActive(ctx context.Context, s *model.SessionState) error {
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("failed to encode session: %w", err)
	}
	if err := c.kv.Set(ctx, activeKey(s.ID), data, c.cfg.SessionTTL); err != nil {
		return fmt.Errorf("failed to write session %s: %w", s.ID, err)
	}
	return nil
}

// remember stores s in the local view unless a newer version is present
func (c *Coordinator) remember(s *model.SessionState) bool {
	c.viewMu.Lock()
	defer c.viewMu.Unlock()

	if cur, ok := c.local.Peek(s.ID); ok && cur.Version >= s.Version {
		return false
	}
	c.local.Add(s.ID, s.Clone())
	return true
}

// publish announces a committed mutation. The store write has already
// succeeded, so a failed publish only delays peers until they read the store.
func (c *Coordinator) publish(ctx context.Context, typ model.SessionEventType, s *model.SessionState) {
	payload, err := json.Marshal(model.SessionEvent{
		Type:      typ,
		NodeID:    c.cfg.NodeID,
		Session:   s,
		Timestamp: c.now(),
	})
	if err == nil {
		err = c.transport.Publish(ctx, c.cfg.Channel, payload)
	}
	if err != nil {
		c.logger.Warn("Failed to publish session event",
			zap.String("session_id", s.ID),
			zap.String("type", string(typ)),
			zap.Error(err))
		return
	}
	c.metrics.RecordSessionEvent(typ, "local")
}

func (c *Coordinator) handleSessionEvent(_ string, payload []byte) {
	var evt model.SessionEvent
	if err := json.Unmarshal(payload, &evt); err != nil {
		c.logger.Warn("Dropping undecodable session event", zap.Error(err))
		return
	}
	if evt.NodeID == c.cfg.NodeID || evt.Session == nil {
		return
	}

	c.metrics.RecordSessionEvent(evt.Type, "remote")
	if !c.remember(evt.Session) {
		c.logger.Debug("Ignoring stale session event",
			zap.String("session_id", evt.Session.ID),
			zap.Int64("version", evt.Session.Version))
	}
}

func (c *Coordinator) handleHeartbeat(_ string, payload []byte) {
	var evt model.SessionEvent
	if err := json.Unmarshal(payload, &evt); err != nil {
		c.logger.Warn("Dropping undecodable heartbeat", zap.Error(err))
		return
	}
	if evt.NodeID == c.cfg.NodeID || evt.Record == nil {
		return
	}

	c.metrics.RecordSessionEvent(model.SessionEventHeartbeat, "remote")

	c.peersMu.Lock()
	defer c.peersMu.Unlock()
	if cur, ok := c.peers[evt.NodeID]; ok && cur.LastHeartbeat.After(evt.Record.LastHeartbeat) {
		return
	}
	c.peers[evt.NodeID] = *evt.Record
}
