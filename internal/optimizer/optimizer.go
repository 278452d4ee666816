// Package optimizer turns cache hit telemetry into pre-warming and TTL
// extension decisions. All analysis runs on its own schedule, never on the
// read path.
package optimizer

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/devrev/meshcoord/internal/cache"
	"github.com/devrev/meshcoord/internal/metrics"
	"github.com/devrev/meshcoord/internal/routine"
	"github.com/devrev/meshcoord/internal/util/workerpool"
)

// Class is the derived temperature of a key
type Class string

const (
	ClassHot  Class = "hot"
	ClassCold Class = "cold"
)

// Cache is the part of the cache coordinator the optimizer drives
type Cache interface {
	AddObserver(o cache.Observer)
	Warm(ctx context.Context, key string) (bool, error)
	ExtendTTL(ctx context.Context, key string, factor float64) (time.Duration, error)
}

// Config holds optimizer configuration
type Config struct {
	PatternThreshold    int
	AnalysisInterval    time.Duration
	WarmInterval        time.Duration
	ConfidenceThreshold float64
	TTLMultiplier       float64
	MaxConcurrentWarm   int
	WarmRate            float64
	RecentWindow        int
	EventBuffer         int
}

// Prediction is the expected next access of a key
type Prediction struct {
	Key        string
	NextAccess time.Time
	Confidence float64
}

// SweepResult summarises one analysis pass
type SweepResult struct {
	Patterns int
	Hot      int
	Cold     int
	Dropped  int
	Warmed   int
	Extended int
}

// Stats describes the optimizer's current view
type Stats struct {
	TrackedKeys   int
	LastSweep     time.Time
	LastResult    SweepResult
	DroppedEvents uint64
	Pool          workerpool.Stats
}

// Optimizer tracks per-key access patterns and acts on confident predictions
type Optimizer struct {
	cfg      Config
	cache    Cache
	events   *cache.ChannelObserver
	pool     *workerpool.WorkerPool
	limiter  *rate.Limiter
	now      func() time.Time
	metrics  metrics.Sink
	logger   *zap.Logger
	routines *routine.Manager

	mu         sync.Mutex
	patterns   map[string]*AccessPattern
	inflight   map[string]bool
	lastSweep  time.Time
	lastResult SweepResult
}

// Option customises an Optimizer
type Option func(*Optimizer)

// WithClock replaces the wall clock, mainly for tests
func WithClock(now func() time.Time) Option {
	return func(o *Optimizer) { o.now = now }
}

// New creates an optimizer and subscribes it to c's events
func New(c Cache, cfg Config, sink metrics.Sink, logger *zap.Logger, opts ...Option) *Optimizer {
	if cfg.PatternThreshold < 2 {
		cfg.PatternThreshold = 5
	}
	if cfg.AnalysisInterval <= 0 {
		cfg.AnalysisInterval = 60 * time.Second
	}
	if cfg.WarmInterval <= 0 {
		cfg.WarmInterval = cfg.AnalysisInterval
	}
	if cfg.TTLMultiplier < 1 {
		cfg.TTLMultiplier = 1
	}
	if cfg.MaxConcurrentWarm <= 0 {
		cfg.MaxConcurrentWarm = 10
	}
	if cfg.RecentWindow <= 0 {
		cfg.RecentWindow = 10
	}
	if sink == nil {
		sink = metrics.NewNop()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("optimizer")

	limit := rate.Inf
	if cfg.WarmRate > 0 {
		limit = rate.Limit(cfg.WarmRate)
	}

	o := &Optimizer{
		cfg:      cfg,
		cache:    c,
		events:   cache.NewChannelObserver(cfg.EventBuffer),
		limiter:  rate.NewLimiter(limit, cfg.MaxConcurrentWarm),
		now:      time.Now,
		metrics:  sink,
		logger:   logger,
		routines: routine.NewManager(logger),
		patterns: make(map[string]*AccessPattern),
		inflight: make(map[string]bool),
	}
	for _, opt := range opts {
		opt(o)
	}
	o.pool = workerpool.NewWorkerPool(workerpool.Config{
		Name:        "optimizer-warm",
		MaxWorkers:  cfg.MaxConcurrentWarm,
		QueueSize:   cfg.MaxConcurrentWarm * 4,
		TaskTimeout: cfg.WarmInterval,
		Logger:      logger,
	})

	c.AddObserver(o.events)
	return o
}

// Start launches the event consumer and the periodic sweep
func (o *Optimizer) Start(ctx context.Context) {
	o.routines.Start(ctx, "optimizer-events", o.consume)
	o.routines.StartPeriodic(ctx, "optimizer-sweep", o.cfg.AnalysisInterval, func(ctx context.Context) error {
		o.Sweep(ctx)
		return nil
	})
}

// Stop halts the loops and in-flight warm fetches
func (o *Optimizer) Stop(timeout time.Duration) error {
	err := o.routines.StopAll(timeout)
	if perr := o.pool.Stop(timeout); err == nil {
		err = perr
	}
	return err
}

func (o *Optimizer) consume(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case e := <-o.events.Events():
			if e.Type == cache.EventHit && !e.Prefetch {
				o.Record(e.Key, e.At)
			}
		}
	}
}

// Record notes an access to key at the given time
func (o *Optimizer) Record(key string, at time.Time) {
	o.mu.Lock()
	defer o.mu.Unlock()

	p, ok := o.patterns[key]
	if !ok {
		p = newAccessPattern(key)
		o.patterns[key] = p
	}
	p.record(at)
}

// Pattern returns a copy of the tracked pattern for key
func (o *Optimizer) Pattern(key string) (AccessPattern, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()

	p, ok := o.patterns[key]
	if !ok {
		return AccessPattern{}, false
	}
	cp := *p
	cp.history = nil
	return cp, true
}

// Classify returns the current temperature of key. Keys below the pattern
// threshold are not classified.
func (o *Optimizer) Classify(key string) (Class, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()

	p, ok := o.patterns[key]
	if !ok || p.AccessCount < o.cfg.PatternThreshold {
		return "", false
	}
	return o.classify(p, o.now()), true
}

// Predict returns the expected next access of key
func (o *Optimizer) Predict(key string) (Prediction, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()

	p, ok := o.patterns[key]
	if !ok || p.AccessCount < o.cfg.PatternThreshold {
		return Prediction{}, false
	}
	return o.predict(p), true
}

func (o *Optimizer) classify(p *AccessPattern, now time.Time) Class {
	if now.Sub(p.LastAccess) < p.AverageInterval*3/2 {
		return ClassHot
	}
	return ClassCold
}

// predict uses recent intervals rather than the all-time mean so the
// prediction follows changes in behaviour
func (o *Optimizer) predict(p *AccessPattern) Prediction {
	recent := p.recentIntervals(o.cfg.RecentWindow)
	p.PredictedNextAccess = p.LastAccess.Add(meanInterval(recent))
	return Prediction{
		Key:        p.Key,
		NextAccess: p.PredictedNextAccess,
		Confidence: confidence(recent),
	}
}

// stale reports whether p no longer describes live traffic
func (o *Optimizer) stale(p *AccessPattern, now time.Time) bool {
	idle := now.Sub(p.LastAccess)
	if p.AverageInterval <= 0 {
		return idle > o.cfg.AnalysisInterval
	}
	return idle > 2*p.AverageInterval
}

type action struct {
	key    string
	warm   bool
	extend bool
}

// Sweep runs one analysis pass and dispatches warm and TTL-extension work
func (o *Optimizer) Sweep(ctx context.Context) SweepResult {
	start := time.Now()
	now := o.now()
	windowEnd := now.Add(o.cfg.WarmInterval)

	var (
		result  SweepResult
		actions []action
	)

	o.mu.Lock()
	for key, p := range o.patterns {
		if o.stale(p, now) {
			delete(o.patterns, key)
			result.Dropped++
			continue
		}
		if p.AccessCount < o.cfg.PatternThreshold {
			continue
		}
		result.Patterns++

		pred := o.predict(p)
		class := o.classify(p, now)
		if class == ClassHot {
			result.Hot++
		} else {
			result.Cold++
		}

		if pred.Confidence <= o.cfg.ConfidenceThreshold || o.inflight[key] {
			continue
		}
		a := action{
			key:    key,
			warm:   !pred.NextAccess.Before(now) && !pred.NextAccess.After(windowEnd),
			extend: class == ClassHot && o.cfg.TTLMultiplier > 1,
		}
		if a.warm || a.extend {
			actions = append(actions, a)
		}
	}
	o.mu.Unlock()

	deferred := 0
	for _, a := range actions {
		var release func()
		if a.warm {
			var ok bool
			if release, ok = o.takeWarmToken(); !ok {
				deferred++
				if !a.extend {
					continue
				}
				a.warm = false
			}
		}
		if !o.dispatch(a) {
			if release != nil {
				release()
			}
			continue
		}
		if a.warm {
			result.Warmed++
		}
		if a.extend {
			result.Extended++
		}
	}
	if deferred > 0 {
		o.logger.Debug("Warm rate exhausted, deferring keys", zap.Int("deferred", deferred))
	}

	o.mu.Lock()
	o.lastSweep = now
	o.lastResult = result
	o.mu.Unlock()

	o.metrics.RecordOptimizerSweep(result.Hot, result.Cold, result.Warmed, result.Extended, time.Since(start))
	o.logger.Debug("Optimizer sweep complete",
		zap.Int("patterns", result.Patterns),
		zap.Int("hot", result.Hot),
		zap.Int("cold", result.Cold),
		zap.Int("dropped", result.Dropped),
		zap.Int("warmed", result.Warmed),
		zap.Int("extended", result.Extended))
	return result
}

// takeWarmToken reserves one warm slot from the rate limiter. The returned
// func hands the slot back when the warm is never submitted.
func (o *Optimizer) takeWarmToken() (func(), bool) {
	at := time.Now()
	r := o.limiter.ReserveN(at, 1)
	if !r.OK() {
		return nil, false
	}
	if r.DelayFrom(at) > 0 {
		r.CancelAt(at)
		return nil, false
	}
	return func() { r.CancelAt(at) }, true
}

func (o *Optimizer) dispatch(a action) bool {
	o.mu.Lock()
	o.inflight[a.key] = true
	o.mu.Unlock()

	err := o.pool.TrySubmit(workerpool.Task{
		ID: a.key,
		Fn: func(ctx context.Context) error {
			defer o.clearInflight(a.key)

			if a.warm {
				if _, err := o.cache.Warm(ctx, a.key); err != nil {
					return err
				}
			}
			if a.extend {
				if _, err := o.cache.ExtendTTL(ctx, a.key, o.cfg.TTLMultiplier); err != nil {
					return err
				}
			}
			return nil
		},
	})
	if err != nil {
		o.clearInflight(a.key)
		o.logger.Debug("Warm task rejected", zap.String("key", a.key), zap.Error(err))
		return false
	}
	return true
}

func (o *Optimizer) clearInflight(key string) {
	o.mu.Lock()
	delete(o.inflight, key)
	o.mu.Unlock()
}

// Stats returns a snapshot of optimizer state
func (o *Optimizer) Stats() Stats {
	o.mu.Lock()
	defer o.mu.Unlock()

	return Stats{
		TrackedKeys:   len(o.patterns),
		LastSweep:     o.lastSweep,
		LastResult:    o.lastResult,
		DroppedEvents: o.events.Dropped(),
		Pool:          o.pool.Stats(),
	}
}
