package llm

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Role tags a chat message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one role-tagged block of a prompt.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// System builds a system message.
func System(content string) Message { return Message{Role: RoleSystem, Content: content} }

// User builds a user message.
func User(content string) Message { return Message{Role: RoleUser, Content: content} }

// Model turns a prompt into text. Implementations must honour ctx cancellation.
type Model interface {
	Invoke(ctx context.Context, messages []Message) (string, error)
}

// ModelFunc adapts a function to Model.
type ModelFunc func(ctx context.Context, messages []Message) (string, error)

func (f ModelFunc) Invoke(ctx context.Context, messages []Message) (string, error) {
	return f(ctx, messages)
}

type timeoutModel struct {
	next    Model
	timeout time.Duration
}

// WithTimeout bounds every Invoke call on m. A non-positive timeout returns m unchanged.
func WithTimeout(m Model, timeout time.Duration) Model {
	if timeout <= 0 || m == nil {
		return m
	}
	return &timeoutModel{next: m, timeout: timeout}
}

func (t *timeoutModel) Invoke(ctx context.Context, messages []Message) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()
	out, err := t.next.Invoke(ctx, messages)
	if err != nil && ctx.Err() == context.DeadlineExceeded {
		return "", fmt.Errorf("model call exceeded %s: %w", t.timeout, err)
	}
	return out, err
}

// Text is a convenience wrapper returning trimmed output.
func Text(ctx context.Context, m Model, messages ...Message) (string, error) {
	out, err := m.Invoke(ctx, messages)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}
