package store

import (
	"bytes"
	"context"
	"errors"
	"path"
	"sort"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"
)

var errClosed = errors.New("store closed")

// InMemoryStore implements KVStore using an in-memory map. It can be shared
// by several coordinators in one process to stand in for a shared store.
type InMemoryStore struct {
	mu     sync.RWMutex
	data   map[string]*memItem
	now    func() time.Time
	closed bool
	stopCh chan struct{}
	doneCh chan struct{}
	logger *zap.Logger
}

type memItem struct {
	value     []byte
	set       map[string]struct{}
	expiresAt time.Time
}

func (i *memItem) expired(now time.Time) bool {
	return !i.expiresAt.IsZero() && !now.Before(i.expiresAt)
}

// MemoryOption customises an InMemoryStore
type MemoryOption func(*InMemoryStore)

// WithClock replaces the wall clock, mainly for tests
func WithClock(now func() time.Time) MemoryOption {
	return func(s *InMemoryStore) { s.now = now }
}

// NewInMemoryStore creates a new in-memory store
func NewInMemoryStore(logger *zap.Logger, opts ...MemoryOption) *InMemoryStore {
	s := &InMemoryStore{
		data:   make(map[string]*memItem),
		now:    time.Now,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
		logger: logger,
	}
	for _, opt := range opts {
		opt(s)
	}

	// Start cleanup goroutine
	go s.cleanup()

	return s
}

// lookup returns a live item; callers must hold the lock
func (s *InMemoryStore) lookup(key string) (*memItem, bool) {
	item, ok := s.data[key]
	if !ok {
		return nil, false
	}
	if item.expired(s.now()) {
		return nil, false
	}
	return item, true
}

func (s *InMemoryStore) expiry(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return s.now().Add(ttl)
}

// Get retrieves a value
func (s *InMemoryStore) Get(ctx context.Context, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, errClosed
	}
	item, ok := s.lookup(key)
	if !ok || item.set != nil {
		return nil, ErrNotFound
	}
	return bytes.Clone(item.value), nil
}

// Set stores a value with TTL
func (s *InMemoryStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return errClosed
	}
	s.data[key] = &memItem{value: bytes.Clone(value), expiresAt: s.expiry(ttl)}
	return nil
}

// Del removes keys
func (s *InMemoryStore) Del(ctx context.Context, keys ...string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0, errClosed
	}
	var n int64
	for _, key := range keys {
		if _, ok := s.lookup(key); ok {
			n++
		}
		delete(s.data, key)
	}
	return n, nil
}

// Keys returns live keys matching a glob pattern
func (s *InMemoryStore) Keys(ctx context.Context, pattern string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, errClosed
	}
	var keys []string
	now := s.now()
	for key, item := range s.data {
		if item.expired(now) {
			continue
		}
		if ok, err := path.Match(pattern, key); err != nil {
			return nil, err
		} else if ok {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// TTL returns the remaining lifetime of a key
func (s *InMemoryStore) TTL(ctx context.Context, key string) (time.Duration, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	item, ok := s.lookup(key)
	if !ok {
		return 0, ErrNotFound
	}
	if item.expiresAt.IsZero() {
		return NoExpiry, nil
	}
	return item.expiresAt.Sub(s.now()), nil
}

// Expire sets a new TTL on an existing key
func (s *InMemoryStore) Expire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	item, ok := s.lookup(key)
	if !ok {
		return false, nil
	}
	item.expiresAt = s.expiry(ttl)
	return true, nil
}

// SetIfAbsent stores value only if key does not exist
func (s *InMemoryStore) SetIfAbsent(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return false, errClosed
	}
	if _, ok := s.lookup(key); ok {
		return false, nil
	}
	s.data[key] = &memItem{value: bytes.Clone(value), expiresAt: s.expiry(ttl)}
	return true, nil
}

// CompareAndDelete deletes key only if it holds expected
func (s *InMemoryStore) CompareAndDelete(ctx context.Context, key string, expected []byte) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return false, errClosed
	}
	item, ok := s.lookup(key)
	if !ok || item.set != nil || !bytes.Equal(item.value, expected) {
		return false, nil
	}
	delete(s.data, key)
	return true, nil
}

// Incr increments an integer key
func (s *InMemoryStore) Incr(ctx context.Context, key string) (int64, error) {
	return s.add(key, 1)
}

// Decr decrements an integer key
func (s *InMemoryStore) Decr(ctx context.Context, key string) (int64, error) {
	return s.add(key, -1)
}

func (s *InMemoryStore) add(key string, delta int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0, errClosed
	}
	var n int64
	item, ok := s.lookup(key)
	if ok {
		if item.set != nil {
			return 0, errors.New("value is not an integer")
		}
		v, err := strconv.ParseInt(string(item.value), 10, 64)
		if err != nil {
			return 0, errors.New("value is not an integer")
		}
		n = v
	} else {
		item = &memItem{}
		s.data[key] = item
	}
	n += delta
	item.value = []byte(strconv.FormatInt(n, 10))
	return n, nil
}

// AddToSet adds member to a set, raising the set TTL when needed
func (s *InMemoryStore) AddToSet(ctx context.Context, key, member string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return errClosed
	}
	item, ok := s.lookup(key)
	if !ok {
		item = &memItem{set: make(map[string]struct{})}
		s.data[key] = item
		item.expiresAt = s.expiry(ttl)
	} else if item.set == nil {
		return errors.New("value is not a set")
	}
	item.set[member] = struct{}{}

	if ttl <= 0 {
		item.expiresAt = time.Time{}
		return nil
	}
	if item.expiresAt.IsZero() {
		return nil
	}
	if candidate := s.now().Add(ttl); candidate.After(item.expiresAt) {
		item.expiresAt = candidate
	}
	return nil
}

// SetMembers returns all members of a set
func (s *InMemoryStore) SetMembers(ctx context.Context, key string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	item, ok := s.lookup(key)
	if !ok {
		return nil, nil
	}
	members := make([]string, 0, len(item.set))
	for m := range item.set {
		members = append(members, m)
	}
	sort.Strings(members)
	return members, nil
}

// Pipeline executes ops sequentially
func (s *InMemoryStore) Pipeline(ctx context.Context, ops []Op) ([]OpResult, error) {
	results := make([]OpResult, len(ops))
	for i, op := range ops {
		switch op.Type {
		case OpGet:
			v, err := s.Get(ctx, op.Key)
			results[i] = OpResult{Value: v, Err: err}
		case OpSet:
			results[i] = OpResult{Err: s.Set(ctx, op.Key, op.Value, op.TTL)}
		case OpDel:
			n, err := s.Del(ctx, op.Key)
			results[i] = OpResult{Count: n, Err: err}
		case OpExpire:
			ok, err := s.Expire(ctx, op.Key, op.TTL)
			if ok {
				results[i].Count = 1
			}
			results[i].Err = err
		default:
			results[i] = OpResult{Err: errors.New("unknown pipeline op")}
		}
	}
	return results, nil
}

// Ping reports whether the store is open
func (s *InMemoryStore) Ping(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return errClosed
	}
	return nil
}

// Close stops the cleanup goroutine
func (s *InMemoryStore) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	close(s.stopCh)
	<-s.doneCh
	return nil
}

// Size returns the number of live keys
func (s *InMemoryStore) Size() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := 0
	now := s.now()
	for _, item := range s.data {
		if !item.expired(now) {
			n++
		}
	}
	return n
}

// cleanup periodically removes expired entries
func (s *InMemoryStore) cleanup() {
	defer close(s.doneCh)

	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.mu.Lock()
			now := s.now()
			removed := 0
			for key, item := range s.data {
				if item.expired(now) {
					delete(s.data, key)
					removed++
				}
			}
			s.mu.Unlock()
			if removed > 0 {
				s.logger.Debug("Removed expired keys", zap.Int("count", removed))
			}
		}
	}
}
