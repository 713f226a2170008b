package model

import "time"

// EventSeverity represents the severity level of a cluster event
type EventSeverity string

const (
	EventSeverityInfo     EventSeverity = "info"
	EventSeverityWarning  EventSeverity = "warning"
	EventSeverityError    EventSeverity = "error"
	EventSeverityCritical EventSeverity = "critical"
)

// EventType represents the type of cluster event
type EventType string

const (
	EventTypeWorkerSpawned   EventType = "worker_spawned"
	EventTypeWorkerExited    EventType = "worker_exited"
	EventTypeWorkerFailed    EventType = "worker_failed"
	EventTypeWorkerKilled    EventType = "worker_killed"
	EventTypeScaleUp         EventType = "scale_up"
	EventTypeScaleDown       EventType = "scale_down"
	EventTypeAtCapacity      EventType = "at_capacity"
	EventTypeWorkerRestarted EventType = "worker_restarted"
)

// ClusterEvent represents an audit event written to the cluster event log
type ClusterEvent struct {
	Timestamp   time.Time              `json:"timestamp"`
	Type        EventType              `json:"event_type"`
	Severity    EventSeverity          `json:"severity"`
	Description string                 `json:"description"`
	WorkerID    string                 `json:"worker_id,omitempty"`
	Details     map[string]interface{} `json:"details,omitempty"`
}

// RequestLog represents one persisted worker request record
type RequestLog struct {
	WorkerID       string    `json:"worker_id"`
	Timestamp      time.Time `json:"timestamp"`
	ResponseTimeMs int64     `json:"response_time_ms"`
	Success        bool      `json:"success"`
	Endpoint       string    `json:"endpoint"`
	Method         string    `json:"http_method"`
}
