// Package lock implements a cross-process mutex on top of the KV store's
// set-if-absent and compare-and-delete primitives.
package lock

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.uber.org/zap"

	coorderrors "github.com/devrev/meshcoord/internal/errors"
	"github.com/devrev/meshcoord/internal/metrics"
	"github.com/devrev/meshcoord/internal/model"
	"github.com/devrev/meshcoord/internal/store"
)

const keyPrefix = "lock:"

// errHeld signals a lost set-if-absent race to the retry loop
var errHeld = errors.New("lock held by another node")

// Config holds lock acquisition policy
type Config struct {
	NodeID      string
	TTL         time.Duration
	MaxAttempts int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
}

// Locker acquires and releases named locks for one node
type Locker struct {
	kv      store.KVStore
	cfg     Config
	metrics metrics.Sink
	logger  *zap.Logger
}

// Lock is a held lock. It must be released by the same Locker's node.
type Lock struct {
	model.SessionLock

	key    string
	value  []byte
	locker *Locker
}

// NewLocker creates a locker that identifies itself as cfg.NodeID
func NewLocker(kv store.KVStore, cfg Config, sink metrics.Sink, logger *zap.Logger) *Locker {
	if cfg.TTL <= 0 {
		cfg.TTL = 30 * time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = 100 * time.Millisecond
	}
	if cfg.MaxBackoff < cfg.BaseBackoff {
		cfg.MaxBackoff = cfg.BaseBackoff
	}
	if sink == nil {
		sink = metrics.NewNop()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Locker{
		kv:      kv,
		cfg:     cfg,
		metrics: sink,
		logger:  logger.Named("lock"),
	}
}

// Key returns the store key guarding resource
func Key(resource string) string {
	return keyPrefix + resource
}

// policy returns a jittered exponential schedule whose total wait stays
// under half the lock TTL
func (l *Locker) policy(ctx context.Context) backoff.BackOff {
	p := backoff.NewExponentialBackOff()
	p.InitialInterval = l.cfg.BaseBackoff
	p.MaxInterval = l.cfg.MaxBackoff
	p.RandomizationFactor = 1
	p.Multiplier = 2
	p.MaxElapsedTime = l.cfg.TTL / 2
	p.Reset()
	return backoff.WithContext(backoff.WithMaxRetries(p, uint64(l.cfg.MaxAttempts-1)), ctx)
}

// Acquire takes the lock on resource, retrying with randomized backoff up to
// the configured attempt budget. Retrying also stops once half the lock TTL
// has elapsed, so a short TTL can end the loop before MaxAttempts. A lost
// race after the last attempt returns a LockContention error; store failures
// are returned as they occur.
func (l *Locker) Acquire(ctx context.Context, resource string) (*Lock, error) {
	if resource == "" {
		return nil, coorderrors.InvalidArgument("lock resource is required")
	}

	token := uuid.NewString()
	value := []byte(l.cfg.NodeID + ":" + token)
	key := Key(resource)
	start := time.Now()
	attempts := 0

	err := backoff.Retry(func() error {
		attempts++
		ok, err := l.kv.SetIfAbsent(ctx, key, value, l.cfg.TTL)
		if err != nil {
			return backoff.Permanent(err)
		}
		if !ok {
			return errHeld
		}
		return nil
	}, l.policy(ctx))

	wait := time.Since(start)
	switch {
	case err == nil:
		l.metrics.RecordLockAttempt("acquired", wait)
	case errors.Is(err, errHeld):
		l.metrics.RecordLockAttempt("contended", wait)
		l.logger.Debug("Lock contended",
			zap.String("resource", resource),
			zap.Int("attempts", attempts),
			zap.Duration("wait", wait))
		return nil, coorderrors.LockContention(resource, attempts)
	default:
		l.metrics.RecordLockAttempt("error", wait)
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("failed to acquire lock %s: %w", resource, err)
	}

	return &Lock{
		SessionLock: model.SessionLock{
			Resource:   resource,
			NodeID:     l.cfg.NodeID,
			Token:      token,
			AcquiredAt: start.Add(wait),
			TTL:        l.cfg.TTL,
		},
		key:    key,
		value:  value,
		locker: l,
	}, nil
}

// Release deletes the lock only if this holder still owns it. A lock that
// expired or was taken over is left untouched and LockNotHeld is returned.
func (lk *Lock) Release(ctx context.Context) error {
	l := lk.locker
	deleted, err := l.kv.CompareAndDelete(ctx, lk.key, lk.value)
	if err != nil {
		l.metrics.RecordLockAttempt("error", 0)
		return fmt.Errorf("failed to release lock %s: %w", lk.Resource, err)
	}
	if !deleted {
		l.metrics.RecordLockAttempt("not_held", 0)
		l.logger.Warn("Released lock no longer held",
			zap.String("resource", lk.Resource),
			zap.Duration("held_for", time.Since(lk.AcquiredAt)))
		return coorderrors.LockNotHeld(lk.Resource)
	}
	l.metrics.RecordLockAttempt("released", 0)
	return nil
}

// Holder returns the node currently holding resource, or "" when it is free
func (l *Locker) Holder(ctx context.Context, resource string) (string, error) {
	v, err := l.kv.Get(ctx, Key(resource))
	if errors.Is(err, store.ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	s := string(v)
	if i := strings.LastIndex(s, ":"); i >= 0 {
		return s[:i], nil
	}
	return s, nil
}

// WithLock runs fn while holding the lock on resource. The lock is released
// with a fresh context so a cancelled caller still frees it.
func (l *Locker) WithLock(ctx context.Context, resource string, fn func(ctx context.Context) error) (err error) {
	lk, err := l.Acquire(ctx, resource)
	if err != nil {
		return err
	}
	defer func() {
		rctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if rerr := lk.Release(rctx); rerr != nil && err == nil {
			err = rerr
		}
	}()
	return fn(ctx)
}
