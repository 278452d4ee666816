package metrics

import (
	"time"

	"github.com/devrev/meshcoord/internal/model"
)

// Sink receives telemetry from the coordination components
type Sink interface {
	RecordCacheOperation(op string, success bool, latency time.Duration)
	RecordCacheResidentKeys(count int)
	RecordStoreOperation(op string, success bool, latency time.Duration)
	RecordNodeHealth(nodeID string, health model.NodeHealth)
	RecordCircuitState(nodeID string, state model.CircuitState)
	RemoveNode(nodeID string)
	RecordLockAttempt(outcome string, wait time.Duration)
	RecordOptimizerSweep(hot, cold, warmed, extended int, duration time.Duration)
	RecordSessionEvent(eventType model.SessionEventType, origin string)
}

// Nop is a Sink that discards everything
type Nop struct{}

// NewNop returns a Sink that discards everything
func NewNop() Sink { return Nop{} }

func (Nop) RecordCacheOperation(string, bool, time.Duration) {}
func (Nop) RecordCacheResidentKeys(int) {}
func (Nop) RecordStoreOperation(string, bool, time.Duration) {}
func (Nop) RecordNodeHealth(string, model.NodeHealth) {}
func (Nop) RecordCircuitState(string, model.CircuitState) {}
func (Nop) RemoveNode(string) {}
func (Nop) RecordLockAttempt(string, time.Duration) {}
func (Nop) RecordOptimizerSweep(int, int, int, int, time.Duration) {}
func (Nop) RecordSessionEvent(model.SessionEventType, string) {}
