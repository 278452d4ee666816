// Package routine supervises the named background loops owned by each
// coordination component.
package routine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Routine is a long-running function that returns when ctx is cancelled
type Routine func(ctx context.Context) error

// Tick is one iteration of a periodic routine
type Tick func(ctx context.Context) error

type routineTracker struct {
	cancel    context.CancelFunc
	stoppedCh chan struct{}
}

func (r *routineTracker) running() bool {
	select {
	case <-r.stoppedCh:
		return false
	default:
		return true
	}
}

// Manager starts and stops named routines
type Manager struct {
	mu       sync.Mutex
	logger   *zap.Logger
	routines map[string]*routineTracker
}

// NewManager creates a routine manager
func NewManager(logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		logger:   logger,
		routines: make(map[string]*routineTracker),
	}
}

// IsRunning reports whether the named routine is active
func (m *Manager) IsRunning(name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if r, ok := m.routines[name]; ok {
		return r.running()
	}
	return false
}

// Start runs routine in the background under name. Starting a name that is
// already running is a no-op.
func (m *Manager) Start(ctx context.Context, name string, routine Routine) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if r, ok := m.routines[name]; ok && r.running() {
		return
	}

	rtCtx, cancel := context.WithCancel(ctx)
	tracker := &routineTracker{
		cancel:    cancel,
		stoppedCh: make(chan struct{}),
	}
	m.routines[name] = tracker

	go m.execute(rtCtx, name, routine, tracker.stoppedCh)
	m.logger.Debug("Started routine", zap.String("routine", name))
}

// StartPeriodic runs tick every interval until stopped. A failing or
// panicking tick is logged and the next tick still runs.
func (m *Manager) StartPeriodic(ctx context.Context, name string, interval time.Duration, tick Tick) {
	m.Start(ctx, name, func(ctx context.Context) error {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-ticker.C:
				m.runTick(ctx, name, tick)
			}
		}
	})
}

func (m *Manager) runTick(ctx context.Context, name string, tick Tick) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("Routine tick panicked",
				zap.String("routine", name),
				zap.Any("panic", r))
		}
	}()

	if err := tick(ctx); err != nil && ctx.Err() == nil {
		m.logger.Warn("Routine tick failed",
			zap.String("routine", name),
			zap.Error(err))
	}
}

func (m *Manager) execute(ctx context.Context, name string, routine Routine, done chan struct{}) {
	defer close(done)
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("Routine panicked",
				zap.String("routine", name),
				zap.Any("panic", r))
		}
	}()

	err := routine(ctx)
	if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		m.logger.Error("Routine exited with error",
			zap.String("routine", name),
			zap.Error(err))
		return
	}
	m.logger.Debug("Stopped routine", zap.String("routine", name))
}

// Stop cancels the named routine and returns a channel closed once it exits
func (m *Manager) Stop(name string) <-chan struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.routines[name]
	if !ok {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	r.cancel()
	delete(m.routines, name)
	return r.stoppedCh
}

// StopAll cancels every routine and waits up to timeout for them to exit
func (m *Manager) StopAll(timeout time.Duration) error {
	m.mu.Lock()
	trackers := make(map[string]*routineTracker, len(m.routines))
	for name, r := range m.routines {
		r.cancel()
		trackers[name] = r
	}
	m.routines = make(map[string]*routineTracker)
	m.mu.Unlock()

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	for name, r := range trackers {
		select {
		case <-r.stoppedCh:
		case <-deadline.C:
			return fmt.Errorf("routine %s did not stop within %v", name, timeout)
		}
	}
	return nil
}
