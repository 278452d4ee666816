package optimizer

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestAccessPattern_RunningMean(t *testing.T) {
	p := newAccessPattern("k")
	at := epoch
	for _, gap := range []time.Duration{0, 2 * time.Second, 4 * time.Second} {
		at = at.Add(gap)
		p.record(at)
	}
	assert.Equal(t, 3, p.AccessCount)
	assert.Equal(t, 3*time.Second, p.AverageInterval)
	assert.Equal(t, at, p.LastAccess)
}

func TestAccessPattern_OutOfOrderClamped(t *testing.T) {
	p := newAccessPattern("k")
	p.record(epoch.Add(time.Second))
	p.record(epoch)

	assert.Equal(t, epoch.Add(time.Second), p.LastAccess)
	assert.Equal(t, time.Duration(0), p.AverageInterval)
}

func TestAccessPattern_HistoryBounded(t *testing.T) {
	p := newAccessPattern("k")
	at := epoch
	for i := 0; i < historySize+25; i++ {
		p.record(at)
		at = at.Add(time.Second)
	}
	h := p.ordered()
	assert.Len(t, h, historySize)
	assert.Equal(t, p.LastAccess, h[len(h)-1])
	assert.True(t, h[0].Before(h[1]))

	recent := p.recentIntervals(10)
	assert.Len(t, recent, 10)
	for _, d := range recent {
		assert.Equal(t, time.Second, d)
	}
}

func TestConfidence(t *testing.T) {
	assert.Equal(t, 0.0, confidence(nil))
	assert.Equal(t, 1.0, confidence([]time.Duration{time.Second, time.Second, time.Second}))

	low := confidence([]time.Duration{time.Second, 30 * time.Second, time.Second, 30 * time.Second})
	assert.Less(t, low, 0.5)
	assert.GreaterOrEqual(t, low, 0.0)
}
