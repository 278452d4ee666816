package hoststats

import (
	"sync"
	"time"
)

// LoadSnapshot is request load observed since the previous snapshot
type LoadSnapshot struct {
	Active      int64
	Requests    int64
	Errors      int64
	ErrorRate   float64
	AvgResponse time.Duration
}

// LoadTracker counts in-flight requests, errors and response times.
// Counters other than Active reset on every Snapshot.
type LoadTracker struct {
	mu          sync.Mutex
	active      int64
	requests    int64
	errors      int64
	totalTime   time.Duration
	lastAverage time.Duration
}

// NewLoadTracker creates an empty tracker. The coordinator's own HTTP
// server feeds it through httpapi.Track; a service embedding the coordinator
// should wrap its request path with the same middleware so node load reflects
// application traffic.
func NewLoadTracker() *LoadTracker {
	return &LoadTracker{}
}

// Begin marks a request as in flight. The returned func completes it.
func (t *LoadTracker) Begin() func(failed bool) {
	start := time.Now()
	t.mu.Lock()
	t.active++
	t.mu.Unlock()

	var once sync.Once
	return func(failed bool) {
		once.Do(func() {
			t.Observe(time.Since(start), failed)
			t.mu.Lock()
			t.active--
			t.mu.Unlock()
		})
	}
}

// Observe records a completed request
func (t *LoadTracker) Observe(elapsed time.Duration, failed bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.requests++
	t.totalTime += elapsed
	if failed {
		t.errors++
	}
}

// Snapshot returns load since the previous call and resets the window. With
// no requests in the window the previous average response time is kept.
func (t *LoadTracker) Snapshot() LoadSnapshot {
	t.mu.Lock()
	defer t.mu.Unlock()

	snap := LoadSnapshot{
		Active:      t.active,
		Requests:    t.requests,
		Errors:      t.errors,
		AvgResponse: t.lastAverage,
	}
	if t.requests > 0 {
		snap.ErrorRate = float64(t.errors) / float64(t.requests)
		snap.AvgResponse = t.totalTime / time.Duration(t.requests)
		t.lastAverage = snap.AvgResponse
	}

	t.requests = 0
	t.errors = 0
	t.totalTime = 0
	return snap
}
