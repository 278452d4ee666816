package store

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	coorderrors "github.com/devrev/meshcoord/internal/errors"
	"github.com/devrev/meshcoord/internal/metrics"
)

// compareAndDeleteScript deletes KEYS[1] only if it still holds ARGV[1]
var compareAndDeleteScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// addToSetScript adds ARGV[1] to the set and raises its TTL to ARGV[2] ms
// without ever shortening it. A member with no TTL makes the set persistent.
var addToSetScript = redis.NewScript(`
redis.call("SADD", KEYS[1], ARGV[1])
local ttl = tonumber(ARGV[2])
if ttl <= 0 then
	redis.call("PERSIST", KEYS[1])
	return 1
end
local cur = redis.call("PTTL", KEYS[1])
if cur == -1 and redis.call("SCARD", KEYS[1]) > 1 then
	return 1
end
if cur < ttl then
	redis.call("PEXPIRE", KEYS[1], ttl)
end
return 1
`)

// RedisOptions configures the Redis-backed KV store
type RedisOptions struct {
	Addr             string
	Password         string
	DB               int
	PoolSize         int
	MinIdleConns     int
	DialTimeout      time.Duration
	OperationTimeout time.Duration
	MaxRetries       int
	RetryBackoff     time.Duration
	LatencySamples   int
}

// RedisStore implements KVStore for Redis
type RedisStore struct {
	client  *redis.Client
	opts    RedisOptions
	stats   *opRecorder
	metrics metrics.Sink
	logger  *zap.Logger
}

// NewRedisStore creates a new Redis KV store and verifies the connection
func NewRedisStore(opts RedisOptions, sink metrics.Sink, logger *zap.Logger) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         opts.Addr,
		Password:     opts.Password,
		DB:           opts.DB,
		PoolSize:     opts.PoolSize,
		MinIdleConns: opts.MinIdleConns,
		DialTimeout:  opts.DialTimeout,
		// retries are handled per operation by the store
		MaxRetries: -1,
	})

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return NewRedisStoreFromClient(client, opts, sink, logger), nil
}

// NewRedisStoreFromClient wraps an existing client
func NewRedisStoreFromClient(client *redis.Client, opts RedisOptions, sink metrics.Sink, logger *zap.Logger) *RedisStore {
	if opts.OperationTimeout <= 0 {
		opts.OperationTimeout = 2 * time.Second
	}
	if opts.RetryBackoff <= 0 {
		opts.RetryBackoff = 50 * time.Millisecond
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	if sink == nil {
		sink = metrics.NewNop()
	}
	return &RedisStore{
		client:  client,
		opts:    opts,
		stats:   newOpRecorder(opts.LatencySamples),
		metrics: sink,
		logger:  logger.Named("redis-store"),
	}
}

// Client exposes the underlying client for components sharing the connection
func (s *RedisStore) Client() *redis.Client {
	return s.client
}

// Stats returns per-operation counters and latency percentiles
func (s *RedisStore) Stats() map[string]OpStats {
	return s.stats.snapshot()
}

// Get retrieves a value
func (s *RedisStore) Get(ctx context.Context, key string) ([]byte, error) {
	var data []byte
	err := s.do(ctx, "get", func(ctx context.Context) error {
		var err error
		data, err = s.client.Get(ctx, key).Bytes()
		if err == redis.Nil {
			return ErrNotFound
		}
		return err
	})
	return data, err
}

// Set stores a value with TTL; zero TTL means no expiration
func (s *RedisStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return s.do(ctx, "set", func(ctx context.Context) error {
		return s.client.Set(ctx, key, value, ttl).Err()
	})
}

// Del removes keys and returns how many existed
func (s *RedisStore) Del(ctx context.Context, keys ...string) (int64, error) {
	if len(keys) == 0 {
		return 0, nil
	}
	var n int64
	err := s.do(ctx, "del", func(ctx context.Context) error {
		var err error
		n, err = s.client.Del(ctx, keys...).Result()
		return err
	})
	return n, err
}

// Keys returns keys matching a glob pattern using SCAN
func (s *RedisStore) Keys(ctx context.Context, pattern string) ([]string, error) {
	var keys []string
	err := s.do(ctx, "keys", func(ctx context.Context) error {
		keys = keys[:0]
		iter := s.client.Scan(ctx, 0, pattern, 500).Iterator()
		for iter.Next(ctx) {
			keys = append(keys, iter.Val())
		}
		return iter.Err()
	})
	return keys, err
}

// TTL returns the remaining lifetime of a key, or NoExpiry
func (s *RedisStore) TTL(ctx context.Context, key string) (time.Duration, error) {
	var ttl time.Duration
	err := s.do(ctx, "ttl", func(ctx context.Context) error {
		d, err := s.client.PTTL(ctx, key).Result()
		if err != nil {
			return err
		}
		switch d {
		case -2:
			return ErrNotFound
		case -1:
			ttl = NoExpiry
		default:
			ttl = d
		}
		return nil
	})
	return ttl, err
}

// Expire sets a new TTL on an existing key
func (s *RedisStore) Expire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	var ok bool
	err := s.do(ctx, "expire", func(ctx context.Context) error {
		var err error
		ok, err = s.client.PExpire(ctx, key, ttl).Result()
		return err
	})
	return ok, err
}

// SetIfAbsent atomically stores value only if key does not exist
func (s *RedisStore) SetIfAbsent(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	var ok bool
	err := s.do(ctx, "setnx", func(ctx context.Context) error {
		var err error
		ok, err = s.client.SetNX(ctx, key, value, ttl).Result()
		return err
	})
	return ok, err
}

// CompareAndDelete atomically deletes key if it still holds expected
func (s *RedisStore) CompareAndDelete(ctx context.Context, key string, expected []byte) (bool, error) {
	var deleted bool
	err := s.do(ctx, "cad", func(ctx context.Context) error {
		n, err := compareAndDeleteScript.Run(ctx, s.client, []string{key}, expected).Int64()
		if err != nil {
			return err
		}
		deleted = n == 1
		return nil
	})
	return deleted, err
}

// Incr increments an integer key
func (s *RedisStore) Incr(ctx context.Context, key string) (int64, error) {
	var n int64
	err := s.do(ctx, "incr", func(ctx context.Context) error {
		var err error
		n, err = s.client.Incr(ctx, key).Result()
		return err
	})
	return n, err
}

// Decr decrements an integer key
func (s *RedisStore) Decr(ctx context.Context, key string) (int64, error) {
	var n int64
	err := s.do(ctx, "decr", func(ctx context.Context) error {
		var err error
		n, err = s.client.Decr(ctx, key).Result()
		return err
	})
	return n, err
}

// AddToSet adds member to a set, extending the set TTL when needed
func (s *RedisStore) AddToSet(ctx context.Context, key, member string, ttl time.Duration) error {
	return s.do(ctx, "sadd", func(ctx context.Context) error {
		return addToSetScript.Run(ctx, s.client, []string{key}, member, ttl.Milliseconds()).Err()
	})
}

// SetMembers returns all members of a set
func (s *RedisStore) SetMembers(ctx context.Context, key string) ([]string, error) {
	var members []string
	err := s.do(ctx, "smembers", func(ctx context.Context) error {
		var err error
		members, err = s.client.SMembers(ctx, key).Result()
		return err
	})
	return members, err
}

// Pipeline executes ops in a single round trip
func (s *RedisStore) Pipeline(ctx context.Context, ops []Op) ([]OpResult, error) {
	results := make([]OpResult, len(ops))
	err := s.do(ctx, "pipeline", func(ctx context.Context) error {
		pipe := s.client.Pipeline()
		cmds := make([]redis.Cmder, len(ops))
		for i, op := range ops {
			switch op.Type {
			case OpGet:
				cmds[i] = pipe.Get(ctx, op.Key)
			case OpSet:
				cmds[i] = pipe.Set(ctx, op.Key, op.Value, op.TTL)
			case OpDel:
				cmds[i] = pipe.Del(ctx, op.Key)
			case OpExpire:
				cmds[i] = pipe.PExpire(ctx, op.Key, op.TTL)
			default:
				return fmt.Errorf("unknown pipeline op %d", op.Type)
			}
		}

		if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil && isTransient(err) {
			return err
		}

		for i, cmd := range cmds {
			results[i] = pipelineResult(cmd)
		}
		return nil
	})
	return results, err
}

func pipelineResult(cmd redis.Cmder) OpResult {
	if err := cmd.Err(); err != nil {
		if err == redis.Nil {
			return OpResult{Err: ErrNotFound}
		}
		return OpResult{Err: err}
	}
	switch c := cmd.(type) {
	case *redis.StringCmd:
		b, _ := c.Bytes()
		return OpResult{Value: b}
	case *redis.IntCmd:
		return OpResult{Count: c.Val()}
	case *redis.BoolCmd:
		if c.Val() {
			return OpResult{Count: 1}
		}
		return OpResult{}
	default:
		return OpResult{}
	}
}

// Ping checks the Redis connection
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.do(ctx, "ping", func(ctx context.Context) error {
		return s.client.Ping(ctx).Err()
	})
}

// Close closes the Redis client
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// do runs fn with a per-attempt timeout, retrying transient failures
func (s *RedisStore) do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	start := time.Now()
	attempts := 0

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = s.opts.RetryBackoff
	policy.MaxInterval = 20 * s.opts.RetryBackoff
	policy.MaxElapsedTime = 0

	err := backoff.Retry(func() error {
		attempts++
		opCtx, cancel := context.WithTimeout(ctx, s.opts.OperationTimeout)
		defer cancel()

		err := fn(opCtx)
		if err == nil {
			return nil
		}
		if errors.Is(err, ErrNotFound) || !isTransient(err) || ctx.Err() != nil {
			return backoff.Permanent(err)
		}
		return err
	}, backoff.WithContext(backoff.WithMaxRetries(policy, uint64(s.opts.MaxRetries)), ctx))

	latency := time.Since(start)
	failed := err != nil && !errors.Is(err, ErrNotFound)
	s.stats.record(op, latency, failed)
	s.metrics.RecordStoreOperation(op, !failed, latency)

	if !failed {
		return err
	}
	if isTransient(err) {
		s.logger.Warn("Store operation failed after retries",
			zap.String("operation", op),
			zap.Int("attempts", attempts),
			zap.Duration("latency", latency),
			zap.Error(err))
		return coorderrors.TransientStore(op, err)
	}
	return fmt.Errorf("redis %s: %w", op, err)
}

// isTransient reports whether err is worth retrying
func isTransient(err error) bool {
	if err == nil || err == redis.Nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	msg := err.Error()
	for _, prefix := range []string{"LOADING", "TRYAGAIN", "CLUSTERDOWN", "MASTERDOWN"} {
		if strings.HasPrefix(msg, prefix) {
			return true
		}
	}
	return strings.Contains(msg, "connection pool timeout")
}
