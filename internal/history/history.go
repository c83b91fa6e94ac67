package history

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// EventType defines the kind of lifecycle event.
type EventType string

const (
	EventCycleStarted EventType = "cycle_started"
	EventCycleEnded   EventType = "cycle_ended"
	EventSpawnFailed  EventType = "spawn_failed"
	EventCrashLimit   EventType = "crash_limit"
	EventTunnelReady  EventType = "tunnel_ready"
	EventAuthRequired EventType = "auth_required"
	EventEscalation   EventType = "escalation"
	EventCommand      EventType = "command"
)

// Event is one entry of the tunnel audit trail.
type Event struct {
	ID         string    `json:"id"`
	Type       EventType `json:"type"`
	OccurredAt time.Time `json:"occurred_at"`
	PID        int       `json:"pid,omitempty"`
	Cause      string    `json:"cause,omitempty"`
	Crashes    int       `json:"crashes"`
	Host       string    `json:"host,omitempty"`
	ExitCode   int       `json:"exit_code"`
	Detail     string    `json:"detail,omitempty"`
}

// NewEvent stamps an event with a fresh ID and the current time.
func NewEvent(t EventType) Event {
	return Event{ID: uuid.NewString(), Type: t, OccurredAt: time.Now().UTC()}
}

// Sink is a destination for history events (analytics/statistics systems).
// Implementations must be safe for concurrent use.
type Sink interface {
	Send(ctx context.Context, e Event) error
}
