package cache

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	coorderrors "github.com/devrev/meshcoord/internal/errors"
	"github.com/devrev/meshcoord/internal/metrics"
	"github.com/devrev/meshcoord/internal/model"
	"github.com/devrev/meshcoord/internal/routine"
	"github.com/devrev/meshcoord/internal/store"
)

// Loader produces the value for a key on a miss
type Loader func(ctx context.Context, key string) (*model.CacheEntry, error)

// Config holds cache coordinator configuration
type Config struct {
	KeyPrefix     string
	DefaultTTL    time.Duration
	MaxKeys       int
	SweepInterval time.Duration
}

// Coordinator is a monitored cache with category based invalidation.
// Reads fail open; writes and invalidations fail closed.
type Coordinator struct {
	store    store.KVStore
	cfg      Config
	metrics  metrics.Sink
	logger   *zap.Logger
	routines *routine.Manager

	mu        sync.RWMutex
	observers []Observer
	loader    Loader
	loads     singleflight.Group
}

// SetOption customises a Set call
type SetOption func(*model.CacheEntry)

// WithTTL overrides the default TTL
func WithTTL(ttl time.Duration) SetOption {
	return func(e *model.CacheEntry) { e.TTL = ttl }
}

// WithCategory tags the entry for group invalidation
func WithCategory(category string) SetOption {
	return func(e *model.CacheEntry) { e.Category = category }
}

// NewCoordinator creates a cache coordinator
func NewCoordinator(kv store.KVStore, cfg Config, sink metrics.Sink, logger *zap.Logger) *Coordinator {
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = "cache:"
	}
	if cfg.DefaultTTL <= 0 {
		cfg.DefaultTTL = time.Hour
	}
	if sink == nil {
		sink = metrics.NewNop()
	}
	logger = logger.Named("cache")
	return &Coordinator{
		store:    kv,
		cfg:      cfg,
		metrics:  sink,
		logger:   logger,
		routines: routine.NewManager(logger),
	}
}

// AddObserver registers an event observer
func (c *Coordinator) AddObserver(o Observer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.observers = append(c.observers, o)
}

// SetLoader registers the function used to fill misses in GetOrLoad
func (c *Coordinator) SetLoader(l Loader) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.loader = l
}

func (c *Coordinator) dataKey(key string) string { return c.cfg.KeyPrefix + "k:" + key }

func (c *Coordinator) categoryKey(key string) string { return c.cfg.KeyPrefix + "cat:" + key }

func (c *Coordinator) tagKey(category string) string { return c.cfg.KeyPrefix + "tag:" + category }

// Get returns the cached value. Store failures are reported as a miss.
func (c *Coordinator) Get(ctx context.Context, key string) ([]byte, bool) {
	return c.get(ctx, key, false)
}

func (c *Coordinator) get(ctx context.Context, key string, prefetch bool) ([]byte, bool) {
	start := time.Now()
	value, err := c.store.Get(ctx, c.dataKey(key))
	latency := time.Since(start)

	switch {
	case err == nil:
		c.metrics.RecordCacheOperation("get", true, latency)
		c.emit(Event{Type: EventHit, Key: key, Latency: latency, Prefetch: prefetch})
		return value, true
	case errors.Is(err, store.ErrNotFound):
		c.metrics.RecordCacheOperation("get", true, latency)
		c.emit(Event{Type: EventMiss, Key: key, Latency: latency, Prefetch: prefetch})
		return nil, false
	default:
		c.metrics.RecordCacheOperation("get", false, latency)
		c.logger.Warn("Cache read failed, treating as miss",
			zap.String("key", key),
			zap.Error(err))
		c.emit(Event{Type: EventError, Key: key, Latency: latency, Err: err, Prefetch: prefetch})
		return nil, false
	}
}

// Set stores value under key
func (c *Coordinator) Set(ctx context.Context, key string, value []byte, opts ...SetOption) error {
	entry := model.CacheEntry{Key: key, Value: value}
	for _, opt := range opts {
		opt(&entry)
	}
	return c.SetEntry(ctx, entry)
}

// SetEntry stores a prepared entry. A categorised entry is added to the
// category's tag set, whose TTL tracks the longest member TTL.
func (c *Coordinator) SetEntry(ctx context.Context, entry model.CacheEntry) error {
	if entry.Key == "" {
		return coorderrors.InvalidArgument("cache key must not be empty")
	}
	if entry.TTL <= 0 {
		entry.TTL = c.cfg.DefaultTTL
	}

	start := time.Now()
	err := c.write(ctx, entry)
	latency := time.Since(start)
	c.metrics.RecordCacheOperation("set", err == nil, latency)

	if err != nil {
		c.emit(Event{Type: EventError, Key: entry.Key, Category: entry.Category, Latency: latency, Err: err})
		return fmt.Errorf("cache set %s: %w", entry.Key, err)
	}
	c.emit(Event{Type: EventInvalidation, Key: entry.Key, Category: entry.Category, Count: 1, Latency: latency})
	return nil
}

func (c *Coordinator) write(ctx context.Context, entry model.CacheEntry) error {
	dataKey := c.dataKey(entry.Key)
	ops := []store.Op{{Type: store.OpSet, Key: dataKey, Value: entry.Value, TTL: entry.TTL}}
	if entry.Category != "" {
		ops = append(ops, store.Op{Type: store.OpSet, Key: c.categoryKey(entry.Key), Value: []byte(entry.Category), TTL: entry.TTL})
	} else {
		ops = append(ops, store.Op{Type: store.OpDel, Key: c.categoryKey(entry.Key)})
	}

	// membership goes in first so a crash between the two never leaves an
	// untagged categorised value behind
	if entry.Category != "" {
		if err := c.store.AddToSet(ctx, c.tagKey(entry.Category), dataKey, entry.TTL); err != nil {
			return err
		}
	}

	results, err := c.store.Pipeline(ctx, ops)
	if err != nil {
		return err
	}
	for _, r := range results {
		if r.Err != nil && !errors.Is(r.Err, store.ErrNotFound) {
			return r.Err
		}
	}
	return nil
}

// Del removes keys and reports how many existed
func (c *Coordinator) Del(ctx context.Context, keys ...string) (int, error) {
	if len(keys) == 0 {
		return 0, nil
	}
	start := time.Now()

	storeKeys := make([]string, 0, len(keys)*2)
	for _, k := range keys {
		storeKeys = append(storeKeys, c.dataKey(k))
	}
	n, err := c.store.Del(ctx, storeKeys...)
	if err == nil {
		catKeys := make([]string, 0, len(keys))
		for _, k := range keys {
			catKeys = append(catKeys, c.categoryKey(k))
		}
		_, err = c.store.Del(ctx, catKeys...)
	}
	latency := time.Since(start)
	c.metrics.RecordCacheOperation("del", err == nil, latency)

	if err != nil {
		c.emit(Event{Type: EventError, Latency: latency, Err: err})
		return 0, fmt.Errorf("cache del: %w", err)
	}
	for _, k := range keys {
		c.emit(Event{Type: EventInvalidation, Key: k, Count: 1, Latency: latency})
	}
	return int(n), nil
}

// Invalidate removes every key tagged with category and returns the number
// of live keys removed
func (c *Coordinator) Invalidate(ctx context.Context, category string) (int, error) {
	if category == "" {
		return 0, coorderrors.InvalidArgument("category must not be empty")
	}
	start := time.Now()
	count, err := c.invalidate(ctx, category)
	latency := time.Since(start)
	c.metrics.RecordCacheOperation("invalidate", err == nil, latency)

	if err != nil {
		c.emit(Event{Type: EventError, Category: category, Latency: latency, Err: err})
		return 0, fmt.Errorf("cache invalidate %s: %w", category, err)
	}

	c.logger.Debug("Invalidated category",
		zap.String("category", category),
		zap.Int("count", count))
	c.emit(Event{Type: EventInvalidation, Category: category, Count: count, Latency: latency})
	return count, nil
}

func (c *Coordinator) invalidate(ctx context.Context, category string) (int, error) {
	tag := c.tagKey(category)
	members, err := c.store.SetMembers(ctx, tag)
	if err != nil {
		return 0, err
	}

	var removed int64
	if len(members) > 0 {
		// the tag set is add-only; a member counts only while its category
		// record still names this category
		ops := make([]store.Op, len(members))
		for i, m := range members {
			ops[i] = store.Op{Type: store.OpGet, Key: c.categoryKey(strings.TrimPrefix(m, c.dataKey("")))}
		}
		results, err := c.store.Pipeline(ctx, ops)
		if err != nil {
			return 0, err
		}

		catKeys := make([]string, 0, len(members))
		dataKeys := make([]string, 0, len(members))
		for i, r := range results {
			if r.Err != nil {
				if errors.Is(r.Err, store.ErrNotFound) {
					continue
				}
				return 0, r.Err
			}
			if string(r.Value) != category {
				continue
			}
			dataKeys = append(dataKeys, members[i])
			catKeys = append(catKeys, ops[i].Key)
		}
		if len(dataKeys) > 0 {
			removed, err = c.store.Del(ctx, dataKeys...)
			if err != nil {
				return 0, err
			}
			if _, err := c.store.Del(ctx, catKeys...); err != nil {
				return 0, err
			}
		}
	}
	if _, err := c.store.Del(ctx, tag); err != nil {
		return 0, err
	}
	return int(removed), nil
}

// GetOrLoad returns the cached value, filling misses through the loader.
// Concurrent misses for one key share a single load.
func (c *Coordinator) GetOrLoad(ctx context.Context, key string) ([]byte, error) {
	if v, ok := c.get(ctx, key, false); ok {
		return v, nil
	}
	return c.load(ctx, key)
}

// Warm reads key on behalf of the optimizer, loading it if absent.
// It reports whether the value is now resident.
func (c *Coordinator) Warm(ctx context.Context, key string) (bool, error) {
	if _, ok := c.get(ctx, key, true); ok {
		return true, nil
	}
	c.mu.RLock()
	hasLoader := c.loader != nil
	c.mu.RUnlock()
	if !hasLoader {
		return false, nil
	}
	if _, err := c.load(ctx, key); err != nil {
		return false, err
	}
	return true, nil
}

func (c *Coordinator) load(ctx context.Context, key string) ([]byte, error) {
	c.mu.RLock()
	loader := c.loader
	c.mu.RUnlock()

	if loader == nil {
		return nil, coorderrors.NotFound("cache key", key)
	}

	v, err, _ := c.loads.Do(key, func() (interface{}, error) {
		entry, err := loader(ctx, key)
		if err != nil {
			return nil, err
		}
		if entry == nil {
			return nil, coorderrors.NotFound("cache key", key)
		}
		entry.Key = key
		if err := c.SetEntry(ctx, *entry); err != nil {
			// the loaded value is still good to return
			c.logger.Warn("Failed to cache loaded value",
				zap.String("key", key),
				zap.Error(err))
		}
		return entry.Value, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]byte), nil
}

// ExtendTTL multiplies the remaining TTL of key by factor and returns the
// new TTL. Keys without expiry are left alone.
func (c *Coordinator) ExtendTTL(ctx context.Context, key string, factor float64) (time.Duration, error) {
	start := time.Now()
	ttl, err := c.extendTTL(ctx, key, factor)
	c.metrics.RecordCacheOperation("extend_ttl", err == nil, time.Since(start))
	return ttl, err
}

func (c *Coordinator) extendTTL(ctx context.Context, key string, factor float64) (time.Duration, error) {
	dataKey := c.dataKey(key)
	remaining, err := c.store.TTL(ctx, dataKey)
	if err != nil {
		return 0, err
	}
	if remaining == store.NoExpiry || factor <= 1 {
		return remaining, nil
	}

	extended := time.Duration(float64(remaining) * factor)
	if _, err := c.store.Expire(ctx, dataKey, extended); err != nil {
		return 0, err
	}

	category, err := c.store.Get(ctx, c.categoryKey(key))
	if errors.Is(err, store.ErrNotFound) {
		return extended, nil
	}
	if err != nil {
		return 0, err
	}
	if _, err := c.store.Expire(ctx, c.categoryKey(key), extended); err != nil {
		return 0, err
	}
	// keep the tag set alive at least as long as its member
	if err := c.store.AddToSet(ctx, c.tagKey(string(category)), dataKey, extended); err != nil {
		return 0, err
	}
	return extended, nil
}

// ResidentKeys counts the values currently held by the cache
func (c *Coordinator) ResidentKeys(ctx context.Context) (int, error) {
	keys, err := c.store.Keys(ctx, c.dataKey("*"))
	if err != nil {
		return 0, err
	}
	return len(keys), nil
}

// Start launches the resident-key sweep
func (c *Coordinator) Start(ctx context.Context) {
	if c.cfg.SweepInterval <= 0 {
		return
	}
	c.routines.StartPeriodic(ctx, "cache-sweep", c.cfg.SweepInterval, c.Sweep)
}

// Stop halts background work
func (c *Coordinator) Stop(timeout time.Duration) error {
	return c.routines.StopAll(timeout)
}

// Sweep records the resident key count and warns above the soft limit
func (c *Coordinator) Sweep(ctx context.Context) error {
	count, err := c.ResidentKeys(ctx)
	if err != nil {
		return fmt.Errorf("cache sweep: %w", err)
	}
	c.metrics.RecordCacheResidentKeys(count)

	if c.cfg.MaxKeys > 0 && count > c.cfg.MaxKeys {
		c.logger.Warn("Cache resident keys above limit",
			zap.Int("count", count),
			zap.Int("max_keys", c.cfg.MaxKeys))
	}
	return nil
}

func (c *Coordinator) emit(e Event) {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	c.mu.RLock()
	observers := c.observers
	c.mu.RUnlock()

	for _, o := range observers {
		o.OnCacheEvent(e)
	}
}
