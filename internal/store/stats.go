package store

import (
	"sort"
	"sync"
	"time"
)

// OpStats summarises one store operation type
type OpStats struct {
	Count  uint64
	Errors uint64
	Avg    time.Duration
	P50    time.Duration
	P95    time.Duration
	P99    time.Duration
}

// opRecorder keeps counters and a bounded ring of latency samples per operation
type opRecorder struct {
	mu         sync.Mutex
	maxSamples int
	ops        map[string]*opSamples
}

type opSamples struct {
	count   uint64
	errors  uint64
	samples []time.Duration
	next    int
}

func newOpRecorder(maxSamples int) *opRecorder {
	if maxSamples <= 0 {
		maxSamples = 1000
	}
	return &opRecorder{
		maxSamples: maxSamples,
		ops:        make(map[string]*opSamples),
	}
}

func (r *opRecorder) record(op string, latency time.Duration, failed bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.ops[op]
	if !ok {
		s = &opSamples{samples: make([]time.Duration, 0, r.maxSamples)}
		r.ops[op] = s
	}
	s.count++
	if failed {
		s.errors++
	}
	if len(s.samples) < r.maxSamples {
		s.samples = append(s.samples, latency)
		return
	}
	s.samples[s.next] = latency
	s.next = (s.next + 1) % r.maxSamples
}

func (r *opRecorder) snapshot() map[string]OpStats {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make(map[string]OpStats, len(r.ops))
	for op, s := range r.ops {
		st := OpStats{Count: s.count, Errors: s.errors}
		if n := len(s.samples); n > 0 {
			sorted := make([]time.Duration, n)
			copy(sorted, s.samples)
			sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

			var total time.Duration
			for _, d := range sorted {
				total += d
			}
			st.Avg = total / time.Duration(n)
			st.P50 = percentile(sorted, 0.50)
			st.P95 = percentile(sorted, 0.95)
			st.P99 = percentile(sorted, 0.99)
		}
		out[op] = st
	}
	return out
}

func percentile(sorted []time.Duration, p float64) time.Duration {
	idx := int(float64(len(sorted)-1) * p)
	return sorted[idx]
}
