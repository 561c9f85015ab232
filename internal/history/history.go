package history

import (
	"context"
	"errors"
	"time"
)

// EventType defines the kind of lifecycle event.
type EventType string

const (
	EventSpawn     EventType = "spawn"
	EventExit      EventType = "exit"
	EventRestart   EventType = "restart"
	EventCrashLoop EventType = "crashloop"
	EventKill      EventType = "kill"
	EventDelete    EventType = "delete"
)

// Event represents a lifecycle event of one supervised process, exported to
// external systems.
type Event struct {
	Type       EventType `json:"type"`
	OccurredAt time.Time `json:"occurred_at"`
	ID         uint64    `json:"id"`
	Name       string    `json:"name"`
	PID        int       `json:"pid"`
	ExitCode   int       `json:"exit_code"`
	Message    string    `json:"message,omitempty"`
}

// Sink is a destination for history events (analytics/statistics systems).
// Implementations must be safe for concurrent use.
type Sink interface {
	Send(ctx context.Context, e Event) error
}

// Fanout sends each event to every sink and joins their errors.
type Fanout []Sink

func (f Fanout) Send(ctx context.Context, e Event) error {
	var errs []error
	for _, s := range f {
		if s == nil {
			continue
		}
		if err := s.Send(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close closes every sink that has a Close method.
func (f Fanout) Close() error {
	var errs []error
	for _, s := range f {
		if c, ok := s.(interface{ Close() error }); ok {
			if err := c.Close(); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}
