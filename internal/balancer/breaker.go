package balancer

import (
	"sync"
	"time"

	"github.com/devrev/meshcoord/internal/model"
)

// BreakerConfig holds per-node circuit breaker settings
type BreakerConfig struct {
	FailureThreshold    int
	ResetTimeout        time.Duration
	HalfOpenMaxRequests int
}

// CircuitBreaker guards one node. It is independent of the health state
// machine: probes and callers both feed it.
type CircuitBreaker struct {
	cfg BreakerConfig
	now func() time.Time

	mu          sync.Mutex
	state       model.CircuitState
	failures    int
	lastFailure time.Time
	nextAttempt time.Time
	// trials admitted and succeeded while half-open
	admitted  int
	succeeded int
}

// NewCircuitBreaker creates a closed breaker
func NewCircuitBreaker(cfg BreakerConfig, now func() time.Time) *CircuitBreaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = time.Minute
	}
	if cfg.HalfOpenMaxRequests <= 0 {
		cfg.HalfOpenMaxRequests = 1
	}
	if now == nil {
		now = time.Now
	}
	return &CircuitBreaker{cfg: cfg, now: now, state: model.CircuitClosed}
}

// advance moves an open breaker to half-open once the reset timeout passes.
// Caller holds mu.
func (b *CircuitBreaker) advance() {
	if b.state == model.CircuitOpen && !b.now().Before(b.nextAttempt) {
		b.state = model.CircuitHalfOpen
		b.admitted = 0
		b.succeeded = 0
	}
}

// State returns the current state
func (b *CircuitBreaker) State() model.CircuitState {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.advance()
	return b.state
}

// Available reports whether a request could be admitted, without admitting it
func (b *CircuitBreaker) Available() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.advance()

	switch b.state {
	case model.CircuitClosed:
		return true
	case model.CircuitHalfOpen:
		return b.admitted < b.cfg.HalfOpenMaxRequests
	default:
		return false
	}
}

// Allow admits a request. While half-open only a bounded number of trials
// are admitted.
func (b *CircuitBreaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.advance()

	switch b.state {
	case model.CircuitClosed:
		return true
	case model.CircuitHalfOpen:
		if b.admitted >= b.cfg.HalfOpenMaxRequests {
			return false
		}
		b.admitted++
		return true
	default:
		return false
	}
}

// RecordSuccess reports a successful request. Half-open trials close the
// breaker once every admitted trial slot has succeeded.
func (b *CircuitBreaker) RecordSuccess() (from, to model.CircuitState) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.advance()

	from = b.state
	switch b.state {
	case model.CircuitClosed:
		b.failures = 0
	case model.CircuitHalfOpen:
		b.succeeded++
		if b.succeeded >= b.cfg.HalfOpenMaxRequests {
			b.state = model.CircuitClosed
			b.failures = 0
		}
	}
	return from, b.state
}

// RecordFailure reports a failed request
func (b *CircuitBreaker) RecordFailure() (from, to model.CircuitState) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.advance()

	from = b.state
	now := b.now()
	b.lastFailure = now

	switch b.state {
	case model.CircuitHalfOpen:
		b.trip(now)
	case model.CircuitClosed:
		b.failures++
		if b.failures >= b.cfg.FailureThreshold {
			b.trip(now)
		}
	}
	return from, b.state
}

func (b *CircuitBreaker) trip(now time.Time) {
	b.state = model.CircuitOpen
	b.nextAttempt = now.Add(b.cfg.ResetTimeout)
	b.admitted = 0
	b.succeeded = 0
}

// BreakerSnapshot is a point-in-time view of a breaker
type BreakerSnapshot struct {
	State       model.CircuitState `json:"state"`
	Failures    int                `json:"failures"`
	LastFailure time.Time          `json:"last_failure,omitempty"`
	NextAttempt time.Time          `json:"next_attempt,omitempty"`
}

// Snapshot returns the breaker's fields
func (b *CircuitBreaker) Snapshot() BreakerSnapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.advance()
	return BreakerSnapshot{
		State:       b.state,
		Failures:    b.failures,
		LastFailure: b.lastFailure,
		NextAttempt: b.nextAttempt,
	}
}
