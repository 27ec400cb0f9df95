package memory

import (
	"strings"
)

// DefaultHistoryCap is the maximum number of raw messages kept between folds.
const DefaultHistoryCap = 50

// Kind distinguishes ordinary history entries from the reset sentinel.
type Kind string

const (
	KindMessage Kind = "message"
	KindReset   Kind = "reset"
)

// Message is one raw conversation entry.
type Message struct {
	Type    Kind   `json:"type,omitempty"`
	Role    string `json:"role,omitempty"`
	Content string `json:"content,omitempty"`
}

// NewMessage builds an ordinary entry.
func NewMessage(role, content string) Message {
	return Message{Type: KindMessage, Role: role, Content: content}
}

// Reset returns the sentinel that, leading a batch, replaces prior history.
func Reset() Message { return Message{Type: KindReset} }

// IsReset reports whether m is the reset sentinel.
func (m Message) IsReset() bool { return m.Type == KindReset }

// Reduce merges incoming into current with the default cap.
func Reduce(current, incoming []Message) []Message {
	return ReduceCap(current, incoming, DefaultHistoryCap)
}

// ReduceCap merges an incoming batch into current history.
//
// A batch led by the reset sentinel replaces history with the rest of the
// batch. Otherwise the batch is appended and the oldest entries are evicted
// down to limit. Reset sentinels anywhere else in a batch are dropped.
// Neither input slice is modified.
func ReduceCap(current, incoming []Message, limit int) []Message {
	if len(incoming) > 0 && incoming[0].IsReset() {
		return withoutResets(incoming[1:])
	}
	merged := make([]Message, 0, len(current)+len(incoming))
	merged = append(merged, current...)
	merged = append(merged, withoutResets(incoming)...)
	if limit > 0 && len(merged) > limit {
		merged = append([]Message(nil), merged[len(merged)-limit:]...)
	}
	return merged
}

func withoutResets(in []Message) []Message {
	out := make([]Message, 0, len(in))
	for _, m := range in {
		if !m.IsReset() {
			out = append(out, m)
		}
	}
	return out
}

// FormatHistory renders entries as "ROLE: content" lines.
func FormatHistory(history []Message) string {
	var b strings.Builder
	for _, m := range history {
		if m.IsReset() {
			continue
		}
		if b.Len() > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(strings.ToUpper(m.Role))
		b.WriteString(": ")
		b.WriteString(m.Content)
	}
	return b.String()
}

// Tail returns at most the last n entries of history.
func Tail(history []Message, n int) []Message {
	if n <= 0 || len(history) <= n {
		return history
	}
	return history[len(history)-n:]
}
