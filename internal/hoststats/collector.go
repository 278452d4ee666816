// Package hoststats samples local resource usage and request load for the
// node liveness record.
package hoststats

import (
	"context"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	"go.uber.org/zap"

	"github.com/devrev/meshcoord/internal/model"
)

// Source reports resource usage percentages
type Source interface {
	CPUPercent(ctx context.Context) (float64, error)
	MemoryPercent(ctx context.Context) (float64, error)
}

type gopsutilSource struct{}

func (gopsutilSource) CPUPercent(ctx context.Context) (float64, error) {
	// a zero interval compares against the previous call
	pcts, err := cpu.PercentWithContext(ctx, 0, false)
	if err != nil {
		return 0, err
	}
	if len(pcts) == 0 {
		return 0, nil
	}
	return pcts[0], nil
}

func (gopsutilSource) MemoryPercent(ctx context.Context) (float64, error) {
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return 0, err
	}
	return vm.UsedPercent, nil
}

// Collector combines host usage with request load into NodeMetrics
type Collector struct {
	source Source
	load   *LoadTracker
	logger *zap.Logger

	mu   sync.Mutex
	last model.NodeMetrics
}

// NewCollector returns a collector backed by gopsutil. Request load comes
// only from what is recorded on load, usually by wrapping handlers with
// httpapi.Track.
func NewCollector(load *LoadTracker, logger *zap.Logger) *Collector {
	return NewCollectorWithSource(gopsutilSource{}, load, logger)
}

// NewCollectorWithSource returns a collector reading from src
func NewCollectorWithSource(src Source, load *LoadTracker, logger *zap.Logger) *Collector {
	if load == nil {
		load = NewLoadTracker()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Collector{
		source: src,
		load:   load,
		logger: logger.Named("host_stats"),
	}
}

// Load returns the tracker fed by the request path
func (c *Collector) Load() *LoadTracker {
	return c.load
}

// Collect samples current metrics. A failed host reading keeps the previous
// value for that field.
func (c *Collector) Collect(ctx context.Context) model.NodeMetrics {
	c.mu.Lock()
	defer c.mu.Unlock()

	m := c.last
	if v, err := c.source.CPUPercent(ctx); err != nil {
		c.logger.Warn("Failed to collect cpu stats", zap.Error(err))
	} else {
		m.CPU = v
	}
	if v, err := c.source.MemoryPercent(ctx); err != nil {
		c.logger.Warn("Failed to collect memory stats", zap.Error(err))
	} else {
		m.Memory = v
	}

	snap := c.load.Snapshot()
	m.ActiveConnections = float64(snap.Active)
	m.ErrorRate = snap.ErrorRate
	m.ResponseTime = float64(snap.AvgResponse) / float64(time.Millisecond)

	c.last = m
	return m
}

// Last returns the most recent sample without collecting
func (c *Collector) Last() model.NodeMetrics {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.last
}
