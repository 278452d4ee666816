package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/devrev/meshcoord/internal/model"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	// Cache metrics
	CacheOperations   *prometheus.CounterVec
	CacheLatency      *prometheus.HistogramVec
	CacheResidentKeys prometheus.Gauge

	// Store metrics
	StoreOperations *prometheus.CounterVec
	StoreLatency    *prometheus.HistogramVec

	// Cluster metrics
	NodeStatus       *prometheus.GaugeVec
	NodeCPU          *prometheus.GaugeVec
	NodeMemory       *prometheus.GaugeVec
	NodeFailures     *prometheus.GaugeVec
	CircuitState     *prometheus.GaugeVec
	CircuitTripTotal *prometheus.CounterVec

	// Lock metrics
	LockAttempts *prometheus.CounterVec
	LockWait     prometheus.Histogram

	// Optimizer metrics
	OptimizerKeys     *prometheus.GaugeVec
	OptimizerActions  *prometheus.CounterVec
	OptimizerDuration prometheus.Histogram

	// Session metrics
	SessionEvents *prometheus.CounterVec
}

// NewMetrics creates and registers Prometheus metrics on reg
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		CacheOperations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "meshcoord_cache_operations_total",
				Help: "Total number of cache coordinator operations",
			},
			[]string{"operation", "result"},
		),

		CacheLatency: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "meshcoord_cache_operation_duration_seconds",
				Help:    "Duration of cache coordinator operations",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"operation"},
		),

		CacheResidentKeys: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "meshcoord_cache_resident_keys",
				Help: "Number of keys resident under the cache prefix at the last sweep",
			},
		),

		StoreOperations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "meshcoord_store_operations_total",
				Help: "Total number of KV store operations",
			},
			[]string{"operation", "result"},
		),

		StoreLatency: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "meshcoord_store_operation_duration_seconds",
				Help:    "Duration of KV store operations",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"operation"},
		),

		NodeStatus: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "meshcoord_node_status",
				Help: "Node health status (0=healthy, 1=degraded, 2=unhealthy)",
			},
			[]string{"node_id"},
		),

		NodeCPU: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "meshcoord_node_cpu_percent",
				Help: "Last observed CPU usage per node",
			},
			[]string{"node_id"},
		),

		NodeMemory: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "meshcoord_node_memory_percent",
				Help: "Last observed memory usage per node",
			},
			[]string{"node_id"},
		),

		NodeFailures: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "meshcoord_node_consecutive_failures",
				Help: "Consecutive failed health checks per node",
			},
			[]string{"node_id"},
		),

		CircuitState: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "meshcoord_circuit_state",
				Help: "Circuit breaker state (0=closed, 1=half-open, 2=open)",
			},
			[]string{"node_id"},
		),

		CircuitTripTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "meshcoord_circuit_trips_total",
				Help: "Total number of circuit breaker transitions to open",
			},
			[]string{"node_id"},
		),

		LockAttempts: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "meshcoord_lock_attempts_total",
				Help: "Distributed lock operations by outcome",
			},
			[]string{"outcome"},
		),

		LockWait: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "meshcoord_lock_wait_seconds",
				Help:    "Time spent acquiring distributed locks",
				Buckets: prometheus.DefBuckets,
			},
		),

		OptimizerKeys: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "meshcoord_optimizer_keys",
				Help: "Keys per classification at the last optimizer sweep",
			},
			[]string{"class"},
		),

		OptimizerActions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "meshcoord_optimizer_actions_total",
				Help: "Pre-warm and TTL-extension actions issued by the optimizer",
			},
			[]string{"action"},
		),

		OptimizerDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "meshcoord_optimizer_sweep_duration_seconds",
				Help:    "Duration of optimizer sweeps",
				Buckets: prometheus.DefBuckets,
			},
		),

		SessionEvents: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "meshcoord_session_events_total",
				Help: "Session replication events by type and origin",
			},
			[]string{"type", "origin"},
		),
	}
}

// RecordCacheOperation records a cache coordinator operation
func (m *Metrics) RecordCacheOperation(op string, success bool, latency time.Duration) {
	m.CacheOperations.WithLabelValues(op, result(success)).Inc()
	m.CacheLatency.WithLabelValues(op).Observe(latency.Seconds())
}

// RecordCacheResidentKeys updates the resident key gauge
func (m *Metrics) RecordCacheResidentKeys(count int) {
	m.CacheResidentKeys.Set(float64(count))
}

// RecordStoreOperation records a KV store round trip
func (m *Metrics) RecordStoreOperation(op string, success bool, latency time.Duration) {
	m.StoreOperations.WithLabelValues(op, result(success)).Inc()
	m.StoreLatency.WithLabelValues(op).Observe(latency.Seconds())
}

// RecordNodeHealth records the latest health view of a node
func (m *Metrics) RecordNodeHealth(nodeID string, health model.NodeHealth) {
	m.NodeStatus.WithLabelValues(nodeID).Set(statusValue(health.Status))
	m.NodeCPU.WithLabelValues(nodeID).Set(health.Metrics.CPU)
	m.NodeMemory.WithLabelValues(nodeID).Set(health.Metrics.Memory)
	m.NodeFailures.WithLabelValues(nodeID).Set(float64(health.ConsecutiveFailures))
}

// RecordCircuitState records a breaker transition
func (m *Metrics) RecordCircuitState(nodeID string, state model.CircuitState) {
	switch state {
	case model.CircuitClosed:
		m.CircuitState.WithLabelValues(nodeID).Set(0)
	case model.CircuitHalfOpen:
		m.CircuitState.WithLabelValues(nodeID).Set(1)
	case model.CircuitOpen:
		m.CircuitState.WithLabelValues(nodeID).Set(2)
		m.CircuitTripTotal.WithLabelValues(nodeID).Inc()
	}
}

// RecordLockAttempt records the outcome of a lock operation
func (m *Metrics) RecordLockAttempt(outcome string, wait time.Duration) {
	m.LockAttempts.WithLabelValues(outcome).Inc()
	if outcome == "acquired" || outcome == "contended" {
		m.LockWait.Observe(wait.Seconds())
	}
}

// RecordOptimizerSweep records the result of one optimizer sweep
func (m *Metrics) RecordOptimizerSweep(hot, cold, warmed, extended int, duration time.Duration) {
	m.OptimizerKeys.WithLabelValues("hot").Set(float64(hot))
	m.OptimizerKeys.WithLabelValues("cold").Set(float64(cold))
	m.OptimizerActions.WithLabelValues("warm").Add(float64(warmed))
	m.OptimizerActions.WithLabelValues("extend_ttl").Add(float64(extended))
	m.OptimizerDuration.Observe(duration.Seconds())
}

// RecordSessionEvent records a published or received session event
func (m *Metrics) RecordSessionEvent(eventType model.SessionEventType, origin string) {
	m.SessionEvents.WithLabelValues(string(eventType), origin).Inc()
}

// RemoveNode drops per-node series once a node leaves the pool
func (m *Metrics) RemoveNode(nodeID string) {
	for _, vec := range []*prometheus.GaugeVec{m.NodeStatus, m.NodeCPU, m.NodeMemory, m.NodeFailures, m.CircuitState} {
		vec.DeleteLabelValues(nodeID)
	}
}

func result(success bool) string {
	if success {
		return "success"
	}
	return "error"
}

func statusValue(s model.NodeStatus) float64 {
	switch s {
	case model.NodeStatusHealthy:
		return 0
	case model.NodeStatusDegraded:
		return 1
	default:
		return 2
	}
}

// Compile-time check
var _ Sink = (*Metrics)(nil)
