package model

import "time"

// NodeStatus defines the operational status of a node
type NodeStatus string

const (
	NodeStatusHealthy   NodeStatus = "healthy"
	NodeStatusDegraded  NodeStatus = "degraded"
	NodeStatusUnhealthy NodeStatus = "unhealthy"
)

// NodeMetrics contains the metrics used for health evaluation and routing
type NodeMetrics struct {
	CPU               float64 `json:"cpu"`
	Memory            float64 `json:"memory"`
	ActiveConnections float64 `json:"active_connections"`
	ErrorRate         float64 `json:"error_rate"`
	ResponseTime      float64 `json:"response_time_ms"`
}

// NodeHealth is the load balancer's view of a single node
type NodeHealth struct {
	NodeID               string      `json:"node_id"`
	Address              string      `json:"address"`
	Status               NodeStatus  `json:"status"`
	LastCheck            time.Time   `json:"last_check"`
	LastSeen             time.Time   `json:"last_seen"`
	Metrics              NodeMetrics `json:"metrics"`
	ConsecutiveFailures  int         `json:"consecutive_failures"`
	ConsecutiveSuccesses int         `json:"consecutive_successes"`
}

// NodeRecord is the liveness record a node writes under node:<id>
type NodeRecord struct {
	NodeID        string      `json:"node_id"`
	Address       string      `json:"address"`
	Metrics       NodeMetrics `json:"metrics"`
	StartedAt     time.Time   `json:"started_at"`
	LastHeartbeat time.Time   `json:"last_heartbeat"`
}

// CircuitState is the state of a per-node circuit breaker
type CircuitState string

const (
	CircuitClosed   CircuitState = "closed"
	CircuitOpen     CircuitState = "open"
	CircuitHalfOpen CircuitState = "half-open"
)

// NodeRecordPrefix namespaces node liveness records in the KV store
const NodeRecordPrefix = "node:"

// NodeRecordKey returns the liveness record key for nodeID
func NodeRecordKey(nodeID string) string {
	return NodeRecordPrefix + nodeID
}
