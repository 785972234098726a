package domain

import "time"

// EventType names a bus topic.
type EventType string

const (
	EventTaskCreated       EventType = "task.created"
	EventTaskUpdated       EventType = "task.updated"
	EventTaskStatusChanged EventType = "task.status_changed"
	EventSLAWarning        EventType = "sla.warning"
	EventSLAOverdue        EventType = "sla.overdue"
	EventMetricsUpdated    EventType = "metrics.updated"
)

// EventSchemaVersion is stamped on every payload so subscribers can evolve
// additively.
const EventSchemaVersion = "v1"

// Event is an immutable record appended to the bus. EventID is assigned by
// the bus and strictly monotonic; delivery is FIFO per CorrelationID,
// at-least-once.
type Event struct {
	EventID       uint64         `json:"event_id"`
	Type          EventType      `json:"type"`
	Timestamp     time.Time      `json:"timestamp"`
	CorrelationID string         `json:"correlation_id"` // task_id or email_id
	Payload       map[string]any `json:"payload"`
}
