package supervisor

import "github.com/rs/zerolog"

// Event represents a supervisor lifecycle event.
// Minimal and stable: a name plus optional fields.
type Event struct {
	Name   string
	Fields map[string]any
}

// Lifecycle event names.
const (
	EventSpawnStart     = "spawn_start"
	EventSpawnExit      = "spawn_exit"
	EventSpawnReady     = "spawn_ready"
	EventSpawnStop      = "spawn_stop"
	EventRetryScheduled = "retry_scheduled"
	EventPortReclaimed  = "port_reclaimed"
)

// EventPublisher receives events from the supervisor. Implementations should be
// lightweight and non-blocking; Publish must not panic.
type EventPublisher interface {
	Publish(Event)
}

// noopPublisher is the default; it drops events.
type noopPublisher struct{}

func (noopPublisher) Publish(Event) {}

// LogPublisher writes every event to a zerolog logger at info level.
type LogPublisher struct {
	Log zerolog.Logger
}

func (p LogPublisher) Publish(e Event) {
	ev := p.Log.Info().Str("event", e.Name)
	if len(e.Fields) > 0 {
		ev = ev.Fields(e.Fields)
	}
	ev.Msg("supervisor event")
}
