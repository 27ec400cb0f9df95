// Package trace records the ordered execution trace of one turn and persists
// it keyed by the assistant message the turn produced.
package trace

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/scott-williams-2002/polyplexity-sub000/internal/stream"
)

// Kind classifies a trace event.
type Kind string

const (
	KindNodeCall    Kind = "node_call"
	KindReasoning   Kind = "reasoning"
	KindSearch      Kind = "search"
	KindStateUpdate Kind = "state_update"
	KindCustom      Kind = "custom"
)

// Valid reports whether k is one of the known kinds.
func (k Kind) Valid() bool {
	switch k {
	case KindNodeCall, KindReasoning, KindSearch, KindStateUpdate, KindCustom:
		return true
	}
	return false
}

// Event is one observable step of a turn. Timestamp is epoch millis.
type Event struct {
	Kind      Kind           `json:"kind"`
	Node      string         `json:"node"`
	Name      string         `json:"event_name,omitempty"`
	Timestamp int64          `json:"timestamp"`
	Payload   map[string]any `json:"payload,omitempty"`
}

// Emitter is what nodes need to report progress. *Recorder implements it.
type Emitter interface {
	Emit(ctx context.Context, kind Kind, node, name string, payload map[string]any)
	Notify(ctx context.Context, node, name string, payload map[string]any)
}

// Discard is an Emitter that drops everything.
type Discard struct{}

func (Discard) Emit(context.Context, Kind, string, string, map[string]any) {}
func (Discard) Notify(context.Context, string, string, map[string]any)     {}

// OrDiscard returns e, or Discard when e is nil.
func OrDiscard(e Emitter) Emitter {
	if e == nil {
		return Discard{}
	}
	return e
}

// Recorder is the turn-scoped trace. A new Recorder is created for every turn
// and never shared across turns. It is safe for concurrent use; the recorded
// order is the order in which Emit calls acquire the lock.
type Recorder struct {
	threadID string
	sink     stream.Sink
	logger   *log.Logger
	now      func() time.Time

	mu     sync.Mutex
	events []Event
}

// NewRecorder creates an empty trace for one turn of threadID. Every recorded
// event is also published to sink.
func NewRecorder(threadID string, sink stream.Sink, logger *log.Logger) *Recorder {
	if logger == nil {
		logger = log.New(log.Writer(), "[TRACE] ", log.LstdFlags)
	}
	return &Recorder{
		threadID: threadID,
		sink:     stream.OrNop(sink),
		logger:   logger,
		now:      time.Now,
	}
}

// Emit appends an event to the trace and publishes it. The event is
// published while the trace lock is held, so the live stream sees events in
// the recorded order. Publish failures are logged and never reach the caller.
func (r *Recorder) Emit(ctx context.Context, kind Kind, node, name string, payload map[string]any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ev := Event{
		Kind:      kind,
		Node:      node,
		Name:      name,
		Timestamp: r.now().UnixMilli(),
		Payload:   payload,
	}
	r.events = append(r.events, ev)
	r.publish(ctx, string(kind), node, name, payload, ev.Timestamp)
}

// Notify publishes a display-only event that is not part of the durable trace.
func (r *Recorder) Notify(ctx context.Context, node, name string, payload map[string]any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.publish(ctx, string(KindCustom), node, name, payload, r.now().UnixMilli())
}

func (r *Recorder) publish(ctx context.Context, kind, node, name string, payload map[string]any, ts int64) {
	err := r.sink.Publish(ctx, stream.Event{
		ThreadID:  r.threadID,
		Kind:      kind,
		Node:      node,
		Name:      name,
		Payload:   payload,
		Timestamp: ts,
	})
	if err != nil {
		r.logger.Printf("publish %s/%s for thread %s: %v", node, name, r.threadID, err)
	}
}

// Events returns a copy of the trace in emission order.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// Len returns the number of recorded events.
func (r *Recorder) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}
