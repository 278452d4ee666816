package store

import (
	"context"
	"errors"
	"time"

	"github.com/devrev/meshcoord/internal/model"
)

// ErrNotFound is returned when a key is not found
var ErrNotFound = errors.New("not found")

// NoExpiry is returned by TTL for keys that exist without an expiration
const NoExpiry time.Duration = -1

// KVStore is the key/value store consumed by the coordination components
type KVStore interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Del(ctx context.Context, keys ...string) (int64, error)
	Keys(ctx context.Context, pattern string) ([]string, error)
	TTL(ctx context.Context, key string) (time.Duration, error)
	Expire(ctx context.Context, key string, ttl time.Duration) (bool, error)

	// Atomic primitives used for locking
	SetIfAbsent(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)
	CompareAndDelete(ctx context.Context, key string, expected []byte) (bool, error)

	Incr(ctx context.Context, key string) (int64, error)
	Decr(ctx context.Context, key string) (int64, error)

	// AddToSet adds member to the set at key. The set TTL is raised to ttl
	// when ttl is longer than what remains; it is never shortened.
	AddToSet(ctx context.Context, key, member string, ttl time.Duration) error
	SetMembers(ctx context.Context, key string) ([]string, error)

	Pipeline(ctx context.Context, ops []Op) ([]OpResult, error)

	Ping(ctx context.Context) error
	Close() error
}

// OpType identifies a pipelined command
type OpType int

const (
	OpGet OpType = iota
	OpSet
	OpDel
	OpExpire
)

// Op is a single command in a pipeline
type Op struct {
	Type  OpType
	Key   string
	Value []byte
	TTL   time.Duration
}

// OpResult is the outcome of a pipelined command
type OpResult struct {
	Value []byte
	Count int64
	Err   error
}

// SessionArchive stores completed sessions outside the KV store
type SessionArchive interface {
	ArchiveSession(ctx context.Context, session *model.SessionState) error
	GetArchivedSession(ctx context.Context, sessionID string) (*model.SessionState, error)
	Ping(ctx context.Context) error
	Close()
}
