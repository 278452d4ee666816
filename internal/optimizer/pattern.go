package optimizer

import (
	"math"
	"time"
)

const historySize = 100

// AccessPattern tracks the access history of one key
type AccessPattern struct {
	Key                 string
	AccessCount         int
	LastAccess          time.Time
	AverageInterval     time.Duration
	PredictedNextAccess time.Time

	history []time.Time
	next    int
}

func newAccessPattern(key string) *AccessPattern {
	return &AccessPattern{Key: key, history: make([]time.Time, 0, 16)}
}

// record appends an access and updates the running mean interval
func (p *AccessPattern) record(at time.Time) {
	if p.AccessCount > 0 && at.Before(p.LastAccess) {
		// out-of-order delivery; keep the history monotonic
		at = p.LastAccess
	}
	if p.AccessCount > 0 {
		interval := at.Sub(p.LastAccess)
		n := time.Duration(p.AccessCount) // intervals seen including this one
		p.AverageInterval += (interval - p.AverageInterval) / n
	}
	p.AccessCount++
	p.LastAccess = at

	if len(p.history) < historySize {
		p.history = append(p.history, at)
		return
	}
	p.history[p.next] = at
	p.next = (p.next + 1) % historySize
}

// ordered returns the history oldest first
func (p *AccessPattern) ordered() []time.Time {
	if len(p.history) < historySize {
		return p.history
	}
	out := make([]time.Time, 0, historySize)
	out = append(out, p.history[p.next:]...)
	return append(out, p.history[:p.next]...)
}

// recentIntervals returns up to n of the most recent inter-access gaps
func (p *AccessPattern) recentIntervals(n int) []time.Duration {
	h := p.ordered()
	if len(h) < 2 {
		return nil
	}
	start := 0
	if n > 0 && len(h)-1 > n {
		start = len(h) - 1 - n
	}
	out := make([]time.Duration, 0, len(h)-1-start)
	for i := start + 1; i < len(h); i++ {
		out = append(out, h[i].Sub(h[i-1]))
	}
	return out
}

// confidence is 1 - stddev/mean of intervals, clamped to [0,1]
func confidence(intervals []time.Duration) float64 {
	if len(intervals) == 0 {
		return 0
	}
	var sum float64
	for _, d := range intervals {
		sum += float64(d)
	}
	mean := sum / float64(len(intervals))
	if mean <= 0 {
		return 0
	}
	var variance float64
	for _, d := range intervals {
		diff := float64(d) - mean
		variance += diff * diff
	}
	stddev := math.Sqrt(variance / float64(len(intervals)))

	c := 1 - stddev/mean
	return math.Max(0, math.Min(1, c))
}

func meanInterval(intervals []time.Duration) time.Duration {
	if len(intervals) == 0 {
		return 0
	}
	var sum time.Duration
	for _, d := range intervals {
		sum += d
	}
	return sum / time.Duration(len(intervals))
}
