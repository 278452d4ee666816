// Package balancer tracks the health of coordination nodes and picks the
// least loaded one for new work, failing over to standby nodes when the
// primary pool is exhausted.
package balancer

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	coorderrors "github.com/devrev/meshcoord/internal/errors"
	"github.com/devrev/meshcoord/internal/metrics"
	"github.com/devrev/meshcoord/internal/model"
	"github.com/devrev/meshcoord/internal/routine"
	"github.com/devrev/meshcoord/internal/store"
)

// maxConcurrentProbes bounds the fan-out of one health check round
const maxConcurrentProbes = 32

// FailoverConfig controls what happens when no registered node qualifies
type FailoverConfig struct {
	Enabled       bool
	MaxRetries    int
	RetryDelay    time.Duration
	FallbackNodes []Target
}

// Config holds load balancer configuration. Thresholds and Weights use the
// NodeMetrics fields as per-metric values.
type Config struct {
	Interval           time.Duration
	Timeout            time.Duration
	UnhealthyThreshold int
	HealthyThreshold   int
	NodeTimeout        time.Duration
	AutoDiscover       bool
	Thresholds         model.NodeMetrics
	Weights            model.NodeMetrics
	Breaker            BreakerConfig
	Failover           FailoverConfig
}

// Selection is the result of GetOptimalNode
type Selection struct {
	NodeID   string           `json:"node_id"`
	Address  string           `json:"address"`
	Score    float64          `json:"score"`
	Status   model.NodeStatus `json:"status"`
	Fallback bool             `json:"fallback"`
	Attempts int              `json:"attempts"`
}

type node struct {
	health  model.NodeHealth
	breaker *CircuitBreaker
}

// Balancer routes work across registered nodes
type Balancer struct {
	prober   Prober
	kv       store.KVStore
	cfg      Config
	metrics  metrics.Sink
	logger   *zap.Logger
	routines *routine.Manager
	now      func() time.Time

	mu    sync.RWMutex
	nodes map[string]*node
}

// Option customises a Balancer
type Option func(*Balancer)

// WithClock replaces the wall clock
func WithClock(now func() time.Time) Option {
	return func(b *Balancer) { b.now = now }
}

// New creates a balancer. kv is only needed for auto-discovery and may be nil.
func New(prober Prober, kv store.KVStore, cfg Config, sink metrics.Sink, logger *zap.Logger, opts ...Option) *Balancer {
	if cfg.Interval <= 0 {
		cfg.Interval = 10 * time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.UnhealthyThreshold <= 0 {
		cfg.UnhealthyThreshold = 3
	}
	if cfg.HealthyThreshold <= 0 {
		cfg.HealthyThreshold = 2
	}
	if cfg.NodeTimeout <= 0 {
		cfg.NodeTimeout = 60 * time.Second
	}
	if sink == nil {
		sink = metrics.NewNop()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("balancer")

	b := &Balancer{
		prober:   prober,
		kv:       kv,
		cfg:      cfg,
		metrics:  sink,
		logger:   logger,
		routines: routine.NewManager(logger),
		now:      time.Now,
		nodes:    make(map[string]*node),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// RegisterNode adds a node to the pool as healthy, or updates its address
func (b *Balancer) RegisterNode(nodeID, address string) error {
	if nodeID == "" || address == "" {
		return coorderrors.InvalidArgument("node id and address are required")
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.register(nodeID, address)
	return nil
}

// register adds or updates a node. Caller holds mu.
func (b *Balancer) register(nodeID, address string) *node {
	if n, ok := b.nodes[nodeID]; ok {
		if n.health.Address != address {
			b.logger.Info("Node address changed",
				zap.String("node_id", nodeID),
				zap.String("old_address", n.health.Address),
				zap.String("new_address", address))
			n.health.Address = address
		}
		return n
	}

	n := &node{
		health: model.NodeHealth{
			NodeID:   nodeID,
			Address:  address,
			Status:   model.NodeStatusHealthy,
			LastSeen: b.now(),
		},
		breaker: NewCircuitBreaker(b.cfg.Breaker, b.now),
	}
	b.nodes[nodeID] = n

	b.metrics.RecordNodeHealth(nodeID, n.health)
	b.metrics.RecordCircuitState(nodeID, model.CircuitClosed)
	b.logger.Info("Node registered",
		zap.String("node_id", nodeID),
		zap.String("address", address))
	return n
}

// DeregisterNode removes a node from the pool
func (b *Balancer) DeregisterNode(nodeID string) bool {
	b.mu.Lock()
	n, ok := b.nodes[nodeID]
	delete(b.nodes, nodeID)
	b.mu.Unlock()

	if !ok {
		return false
	}
	b.forget(n.health)
	b.logger.Info("Node deregistered", zap.String("node_id", nodeID))
	return true
}

type forgetter interface {
	Forget(address string)
}

func (b *Balancer) forget(h model.NodeHealth) {
	b.metrics.RemoveNode(h.NodeID)
	if f, ok := b.prober.(forgetter); ok {
		f.Forget(h.Address)
	}
}

// NodeHealth returns the current view of one node
func (b *Balancer) NodeHealth(nodeID string) (model.NodeHealth, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	n, ok := b.nodes[nodeID]
	if !ok {
		return model.NodeHealth{}, false
	}
	return n.health, true
}

// Nodes returns every registered node ordered by id
func (b *Balancer) Nodes() []model.NodeHealth {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]model.NodeHealth, 0, len(b.nodes))
	for _, n := range b.nodes {
		out = append(out, n.health)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NodeID < out[j].NodeID })
	return out
}

// Breaker returns a snapshot of a node's circuit breaker
func (b *Balancer) Breaker(nodeID string) (BreakerSnapshot, bool) {
	b.mu.RLock()
	n, ok := b.nodes[nodeID]
	b.mu.RUnlock()

	if !ok {
		return BreakerSnapshot{}, false
	}
	return n.breaker.Snapshot(), true
}

// BreakerState returns the state of a node's circuit breaker
func (b *Balancer) BreakerState(nodeID string) (model.CircuitState, bool) {
	snap, ok := b.Breaker(nodeID)
	return snap.State, ok
}

// Admit checks that work may be sent to a specific node. Callers that get
// a CircuitOpen error must pick another node.
func (b *Balancer) Admit(nodeID string) error {
	b.mu.RLock()
	n, ok := b.nodes[nodeID]
	b.mu.RUnlock()

	if !ok {
		return coorderrors.NotFound("node", nodeID)
	}
	if !n.breaker.Allow() {
		return coorderrors.CircuitOpen(nodeID)
	}
	return nil
}

// RecordSuccess reports a successful request to a node
func (b *Balancer) RecordSuccess(nodeID string) {
	b.mu.RLock()
	n, ok := b.nodes[nodeID]
	b.mu.RUnlock()

	if ok {
		from, to := n.breaker.RecordSuccess()
		b.breakerChanged(nodeID, from, to)
	}
}

// RecordFailure reports a failed request to a node
func (b *Balancer) RecordFailure(nodeID string) {
	b.mu.RLock()
	n, ok := b.nodes[nodeID]
	b.mu.RUnlock()

	if ok {
		from, to := n.breaker.RecordFailure()
		b.breakerChanged(nodeID, from, to)
	}
}

func (b *Balancer) breakerChanged(nodeID string, from, to model.CircuitState) {
	if from == to {
		return
	}
	b.metrics.RecordCircuitState(nodeID, to)
	if to == model.CircuitOpen {
		b.logger.Warn("Circuit breaker opened",
			zap.String("node_id", nodeID),
			zap.String("from", string(from)))
		return
	}
	b.logger.Info("Circuit breaker state changed",
		zap.String("node_id", nodeID),
		zap.String("from", string(from)),
		zap.String("to", string(to)))
}

// Score returns the weighted load of m; lower is better. Metrics without a
// positive threshold are ignored.
func (b *Balancer) Score(m model.NodeMetrics) float64 {
	t, w := b.cfg.Thresholds, b.cfg.Weights
	var score float64
	add := func(weight, value, threshold float64) {
		if threshold > 0 {
			score += weight * value / threshold
		}
	}
	add(w.CPU, m.CPU, t.CPU)
	add(w.Memory, m.Memory, t.Memory)
	add(w.ActiveConnections, m.ActiveConnections, t.ActiveConnections)
	add(w.ErrorRate, m.ErrorRate, t.ErrorRate)
	add(w.ResponseTime, m.ResponseTime, t.ResponseTime)
	return score
}

// breaching reports whether any metric is above its warning threshold
func (b *Balancer) breaching(m model.NodeMetrics) bool {
	t := b.cfg.Thresholds
	over := func(value, threshold float64) bool { return threshold > 0 && value > threshold }
	return over(m.CPU, t.CPU) ||
		over(m.Memory, t.Memory) ||
		over(m.ActiveConnections, t.ActiveConnections) ||
		over(m.ErrorRate, t.ErrorRate) ||
		over(m.ResponseTime, t.ResponseTime)
}

// GetOptimalNode returns the lowest-scoring node that is not unhealthy and
// whose breaker admits traffic. With failover enabled it probes the fallback
// nodes and retries after RetryDelay, up to MaxRetries times.
func (b *Balancer) GetOptimalNode(ctx context.Context) (*Selection, error) {
	for attempt := 1; ; attempt++ {
		if sel, ok := b.selectNode(); ok {
			sel.Attempts = attempt
			return sel, nil
		}
		if !b.cfg.Failover.Enabled {
			return nil, coorderrors.NoHealthyNode(attempt)
		}

		if sel, ok := b.tryFallbacks(ctx); ok {
			sel.Attempts = attempt
			return sel, nil
		}
		if attempt > b.cfg.Failover.MaxRetries {
			b.logger.Error("No node available after failover",
				zap.Int("attempts", attempt),
				zap.Int("fallback_nodes", len(b.cfg.Failover.FallbackNodes)))
			return nil, coorderrors.NoHealthyNode(attempt)
		}

		b.logger.Warn("No healthy node, retrying selection",
			zap.Int("attempt", attempt),
			zap.Duration("retry_delay", b.cfg.Failover.RetryDelay))

		timer := time.NewTimer(b.cfg.Failover.RetryDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
}

type candidate struct {
	node  *node
	score float64
}

func (b *Balancer) selectNode() (*Selection, bool) {
	b.mu.RLock()
	candidates := make([]candidate, 0, len(b.nodes))
	for _, n := range b.nodes {
		if n.health.Status == model.NodeStatusUnhealthy || !n.breaker.Available() {
			continue
		}
		candidates = append(candidates, candidate{node: n, score: b.Score(n.health.Metrics)})
	}
	b.mu.RUnlock()

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].score != candidates[j].score {
			return candidates[i].score < candidates[j].score
		}
		return candidates[i].node.health.NodeID < candidates[j].node.health.NodeID
	})

	for _, c := range candidates {
		// a half-open breaker may have handed out its last trial meanwhile
		if !c.node.breaker.Allow() {
			continue
		}
		b.mu.RLock()
		h := c.node.health
		b.mu.RUnlock()
		return &Selection{
			NodeID:  h.NodeID,
			Address: h.Address,
			Score:   c.score,
			Status:  h.Status,
		}, true
	}
	return nil, false
}

// tryFallbacks probes the standby list and returns the first node that
// passes. Passing standbys join the pool.
func (b *Balancer) tryFallbacks(ctx context.Context) (*Selection, bool) {
	for _, target := range b.cfg.Failover.FallbackNodes {
		m, err := b.probe(ctx, target)
		if err != nil {
			b.logger.Debug("Fallback node probe failed",
				zap.String("node_id", target.NodeID),
				zap.String("address", target.Address),
				zap.Error(err))
		}

		b.mu.Lock()
		n, known := b.nodes[target.NodeID]
		if !known && err == nil {
			n, known = b.register(target.NodeID, target.Address), true
		}
		var h model.NodeHealth
		if known {
			b.applyCheck(n, m, err)
			h = n.health
		}
		b.mu.Unlock()

		if err != nil || h.Status == model.NodeStatusUnhealthy || !n.breaker.Allow() {
			continue
		}

		b.logger.Warn("Failing over to fallback node",
			zap.String("node_id", target.NodeID),
			zap.String("address", target.Address))
		return &Selection{
			NodeID:   h.NodeID,
			Address:  h.Address,
			Score:    b.Score(h.Metrics),
			Status:   h.Status,
			Fallback: true,
		}, true
	}
	return nil, false
}

func (b *Balancer) probe(ctx context.Context, target Target) (model.NodeMetrics, error) {
	ctx, cancel := context.WithTimeout(ctx, b.cfg.Timeout)
	defer cancel()

	m, err := b.prober.Probe(ctx, target)
	if err == nil && ctx.Err() != nil {
		err = ctx.Err()
	}
	return m, err
}

type probeResult struct {
	target  Target
	metrics model.NodeMetrics
	err     error
}

// CheckAll probes every registered node once, applies the results to the
// health state machine and breakers, and drops nodes not seen within
// NodeTimeout
func (b *Balancer) CheckAll(ctx context.Context) {
	b.mu.RLock()
	targets := make([]Target, 0, len(b.nodes))
	for _, n := range b.nodes {
		targets = append(targets, Target{NodeID: n.health.NodeID, Address: n.health.Address})
	}
	b.mu.RUnlock()

	results := make([]probeResult, len(targets))
	var g errgroup.Group
	g.SetLimit(maxConcurrentProbes)
	for i, t := range targets {
		g.Go(func() error {
			m, err := b.probe(ctx, t)
			results[i] = probeResult{target: t, metrics: m, err: err}
			return nil
		})
	}
	_ = g.Wait()

	b.mu.Lock()
	for _, r := range results {
		n, ok := b.nodes[r.target.NodeID]
		if !ok {
			continue
		}
		if r.err != nil {
			b.logger.Debug("Health check failed",
				zap.String("node_id", r.target.NodeID),
				zap.Error(r.err))
		}
		b.applyCheck(n, r.metrics, r.err)
	}
	expired := b.expire()
	b.mu.Unlock()

	for _, h := range expired {
		b.forget(h)
		b.logger.Warn("Node removed after missing health checks",
			zap.String("node_id", h.NodeID),
			zap.Time("last_seen", h.LastSeen),
			zap.Duration("node_timeout", b.cfg.NodeTimeout))
	}
}

// applyCheck runs one check result through the health state machine.
// Failed or breaching checks count against the node; only failed checks
// count against the breaker. Caller holds mu.
func (b *Balancer) applyCheck(n *node, m model.NodeMetrics, probeErr error) {
	h := &n.health
	now := b.now()
	prev := h.Status
	h.LastCheck = now

	failed := probeErr != nil
	if !failed {
		h.LastSeen = now
		h.Metrics = m
	}

	if failed || b.breaching(m) {
		h.ConsecutiveFailures++
		h.ConsecutiveSuccesses = 0
		switch {
		case h.ConsecutiveFailures >= b.cfg.UnhealthyThreshold:
			h.Status = model.NodeStatusUnhealthy
		case h.Status == model.NodeStatusHealthy:
			h.Status = model.NodeStatusDegraded
		}
	} else {
		h.ConsecutiveSuccesses++
		h.ConsecutiveFailures = 0
		if h.Status != model.NodeStatusHealthy && h.ConsecutiveSuccesses >= b.cfg.HealthyThreshold {
			h.Status = model.NodeStatusHealthy
		}
	}

	var from, to model.CircuitState
	if failed {
		from, to = n.breaker.RecordFailure()
	} else {
		from, to = n.breaker.RecordSuccess()
	}
	b.breakerChanged(h.NodeID, from, to)

	b.metrics.RecordNodeHealth(h.NodeID, *h)
	if prev != h.Status {
		b.logger.Info("Node health changed",
			zap.String("node_id", h.NodeID),
			zap.String("from", string(prev)),
			zap.String("to", string(h.Status)),
			zap.Int("consecutive_failures", h.ConsecutiveFailures))
	}
}

// expire removes nodes whose last successful check is older than
// NodeTimeout. Caller holds mu.
func (b *Balancer) expire() []model.NodeHealth {
	cutoff := b.now().Add(-b.cfg.NodeTimeout)
	var removed []model.NodeHealth
	for id, n := range b.nodes {
		if n.health.LastSeen.Before(cutoff) {
			removed = append(removed, n.health)
			delete(b.nodes, id)
		}
	}
	return removed
}

// Discover registers every node with a live heartbeat record
func (b *Balancer) Discover(ctx context.Context) (int, error) {
	if b.kv == nil {
		return 0, nil
	}
	records, err := store.ListNodeRecords(ctx, b.kv, b.logger)
	if err != nil {
		return 0, err
	}

	added := 0
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, rec := range records {
		if rec.Address == "" {
			continue
		}
		if _, ok := b.nodes[rec.NodeID]; !ok {
			added++
		}
		b.register(rec.NodeID, rec.Address)
	}
	return added, nil
}

// Start begins periodic discovery and health checking
func (b *Balancer) Start(ctx context.Context) {
	b.routines.StartPeriodic(ctx, "balancer-health-check", b.cfg.Interval, func(ctx context.Context) error {
		var discoverErr error
		if b.cfg.AutoDiscover {
			if _, err := b.Discover(ctx); err != nil {
				discoverErr = fmt.Errorf("node discovery failed: %w", err)
			}
		}
		b.CheckAll(ctx)
		return discoverErr
	})
	b.logger.Info("Load balancer started",
		zap.Duration("interval", b.cfg.Interval),
		zap.Bool("auto_discover", b.cfg.AutoDiscover),
		zap.Bool("failover", b.cfg.Failover.Enabled))
}

// Stop halts background checks
func (b *Balancer) Stop(timeout time.Duration) error {
	return b.routines.StopAll(timeout)
}
