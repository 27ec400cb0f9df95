// Package stream carries turn events from the core to whatever presentation
// layer is attached. The core only ever calls Sink.Publish.
package stream

import (
	"context"
	"errors"
)

// Terminal event names published outside the execution trace.
const (
	KindError = "error"
	KindFinal = "final"
)

// Event is one published step of a turn.
type Event struct {
	ThreadID  string         `json:"thread_id"`
	Kind      string         `json:"kind"`
	Node      string         `json:"node,omitempty"`
	Name      string         `json:"event_name"`
	Payload   map[string]any `json:"payload,omitempty"`
	Timestamp int64          `json:"timestamp"`
}

// Sink publishes one event. Implementations must be safe for concurrent use.
type Sink interface {
	Publish(ctx context.Context, ev Event) error
}

// Subscriber delivers events published for a thread until ctx ends.
type Subscriber interface {
	Subscribe(ctx context.Context, threadID string) (<-chan Event, error)
}

// Nop discards every event.
type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }

// Multi publishes to every sink and joins their errors.
type Multi []Sink

func (m Multi) Publish(ctx context.Context, ev Event) error {
	var errs []error
	for _, s := range m {
		if s == nil {
			continue
		}
		if err := s.Publish(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, ev Event) error

func (f SinkFunc) Publish(ctx context.Context, ev Event) error { return f(ctx, ev) }

// OrNop returns s, or Nop when s is nil.
func OrNop(s Sink) Sink {
	if s == nil {
		return Nop{}
	}
	return s
}
