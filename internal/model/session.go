package model

import "time"

// SessionStatus is the lifecycle state of a session
type SessionStatus string

const (
	SessionActive    SessionStatus = "active"
	SessionCompleted SessionStatus = "completed"
)

// SessionState is the shared, lock-protected state of a session
type SessionState struct {
	ID        string             `json:"id"`
	ClientID  string             `json:"client_id"`
	Mode      string             `json:"mode"`
	Status    SessionStatus      `json:"status"`
	StartTime time.Time          `json:"start_time"`
	EndTime   *time.Time         `json:"end_time,omitempty"`
	Metrics   map[string]float64 `json:"metrics,omitempty"`
	OwnerNode string             `json:"owner_node"`
	UpdatedAt time.Time          `json:"updated_at"`
	Version   int64              `json:"version"`
}

// Clone returns a deep copy so callers can't mutate shared state
func (s *SessionState) Clone() *SessionState {
	if s == nil {
		return nil
	}
	c := *s
	if s.EndTime != nil {
		t := *s.EndTime
		c.EndTime = &t
	}
	if s.Metrics != nil {
		c.Metrics = make(map[string]float64, len(s.Metrics))
		for k, v := range s.Metrics {
			c.Metrics[k] = v
		}
	}
	return &c
}

// SessionLock describes a held distributed lock
type SessionLock struct {
	Resource   string        `json:"resource"`
	NodeID     string        `json:"node_id"`
	Token      string        `json:"token"`
	AcquiredAt time.Time     `json:"acquired_at"`
	TTL        time.Duration `json:"ttl"`
}

// SessionEventType identifies a replicated session mutation
type SessionEventType string

const (
	SessionEventStarted   SessionEventType = "started"
	SessionEventUpdated   SessionEventType = "updated"
	SessionEventEnded     SessionEventType = "ended"
	SessionEventHeartbeat SessionEventType = "heartbeat"
)

// SessionEvent is the pub/sub payload shared between nodes
type SessionEvent struct {
	Type      SessionEventType `json:"type"`
	NodeID    string           `json:"node_id"`
	Session   *SessionState    `json:"session,omitempty"`
	Record    *NodeRecord      `json:"record,omitempty"`
	Timestamp time.Time        `json:"timestamp"`
}
