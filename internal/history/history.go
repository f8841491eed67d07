package history

import (
	"context"
	"time"
)

// EventType defines the kind of reconciliation event.
type EventType string

const (
	EventOrphanKill   EventType = "orphan_kill"
	EventPortConflict EventType = "port_conflict"
	EventStatusRepair EventType = "status_repair"
)

// Event represents one supervisor action to be exported to external systems.
type Event struct {
	Type         EventType `json:"type"`
	OccurredAt   time.Time `json:"occurred_at"`
	InstanceID   string    `json:"instance_id,omitempty"`
	InstanceType string    `json:"instance_type,omitempty"`
	Port         int       `json:"port,omitempty"`
	PID          int       `json:"pid,omitempty"`
	Detail       string    `json:"detail,omitempty"`
}

// Sink is a destination for reconciliation events (audit/statistics systems).
// Implementations must be safe for concurrent use.
type Sink interface {
	Send(ctx context.Context, e Event) error
}
