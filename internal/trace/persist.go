package trace

import (
	"context"
	"fmt"
	"log"
)

// Store is the durable side of the trace. Index is the event's position in
// the turn and is stored explicitly.
type Store interface {
	SaveExecutionTrace(ctx context.Context, messageID string, index int, ev Event) error
	CountExecutionTrace(ctx context.Context, messageID string) (int, error)
	ReplaceExecutionTrace(ctx context.Context, messageID string, events []Event) error
}

// Persist saves every event with its index. Individual failures are logged
// and skipped; the number of saved events is returned.
func Persist(ctx context.Context, store Store, messageID string, events []Event, logger *log.Logger) int {
	saved := 0
	for i, ev := range events {
		if err := store.SaveExecutionTrace(ctx, messageID, i, ev); err != nil {
			if logger != nil {
				logger.Printf("save trace event %d for message %s: %v", i, messageID, err)
			}
			continue
		}
		saved++
	}
	return saved
}

// Reconcile compares the stored event count for messageID with events and,
// when storage holds fewer, replaces the stored set wholesale with events.
// It reports whether a rewrite happened.
func Reconcile(ctx context.Context, store Store, messageID string, events []Event) (bool, error) {
	stored, err := store.CountExecutionTrace(ctx, messageID)
	if err != nil {
		return false, fmt.Errorf("count trace for %s: %w", messageID, err)
	}
	if stored >= len(events) {
		return false, nil
	}
	if err := store.ReplaceExecutionTrace(ctx, messageID, events); err != nil {
		return false, fmt.Errorf("replace trace for %s: %w", messageID, err)
	}
	return true, nil
}

// Commit persists events and repairs the stored set if any save was lost.
// Errors are logged, never returned: the trace is a side channel.
func Commit(ctx context.Context, store Store, messageID string, events []Event, logger *log.Logger) {
	if store == nil || messageID == "" || len(events) == 0 {
		return
	}
	if logger == nil {
		logger = log.New(log.Writer(), "[TRACE] ", log.LstdFlags)
	}
	saved := Persist(ctx, store, messageID, events, logger)
	repaired, err := Reconcile(ctx, store, messageID, events)
	if err != nil {
		logger.Printf("reconcile trace for message %s: %v", messageID, err)
		return
	}
	if repaired {
		logger.Printf("rewrote trace for message %s (%d of %d saved)", messageID, saved, len(events))
	}
}
