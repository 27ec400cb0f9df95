// Package llmtest provides a scripted llm.Model for tests.
package llmtest

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/scott-williams-2002/polyplexity-sub000/internal/llm"
)

// Call records one Invoke.
type Call struct {
	Route    string
	Messages []llm.Message
}

// Prompt joins the call's message contents.
func (c Call) Prompt() string {
	parts := make([]string, 0, len(c.Messages))
	for _, m := range c.Messages {
		parts = append(parts, m.Content)
	}
	return strings.Join(parts, "\n")
}

type route struct {
	name     string
	contains string
	replies  []string
	err      error
	fn       func(Call) (string, error)
	next     int
}

// Scripted answers prompts by the first route whose marker appears in the
// prompt text. Replies are consumed in order and the last one repeats.
type Scripted struct {
	mu     sync.Mutex
	routes []*route
	calls  []Call
}

// New returns an empty script.
func New() *Scripted { return &Scripted{} }

// On registers replies for prompts containing marker.
func (s *Scripted) On(name, marker string, replies ...string) *Scripted {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.routes = append(s.routes, &route{name: name, contains: marker, replies: replies})
	return s
}

// OnError makes prompts containing marker fail with err.
func (s *Scripted) OnError(name, marker string, err error) *Scripted {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.routes = append(s.routes, &route{name: name, contains: marker, err: err})
	return s
}

// OnFunc answers prompts containing marker with fn. fn runs without the
// script's lock held, so it may block or call back into the system under test.
func (s *Scripted) OnFunc(name, marker string, fn func(Call) (string, error)) *Scripted {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.routes = append(s.routes, &route{name: name, contains: marker, fn: fn})
	return s
}

func (s *Scripted) Invoke(ctx context.Context, messages []llm.Message) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	copied := append([]llm.Message(nil), messages...)
	prompt := Call{Messages: copied}.Prompt()

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.routes {
		if !strings.Contains(prompt, r.contains) {
			continue
		}
		call := Call{Route: r.name, Messages: copied}
		s.calls = append(s.calls, call)
		if r.fn != nil {
			s.mu.Unlock()
			defer s.mu.Lock()
			return r.fn(call)
		}
		if r.err != nil {
			return "", r.err
		}
		if len(r.replies) == 0 {
			return "", nil
		}
		idx := r.next
		if idx >= len(r.replies) {
			idx = len(r.replies) - 1
		} else {
			r.next++
		}
		return r.replies[idx], nil
	}
	s.calls = append(s.calls, Call{Route: "", Messages: copied})
	return "", fmt.Errorf("llmtest: no route for prompt %q", truncate(prompt, 120))
}

// Calls returns every recorded call in order.
func (s *Scripted) Calls() []Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Call(nil), s.calls...)
}

// CallsFor returns the calls that matched the named route.
func (s *Scripted) CallsFor(name string) []Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Call
	for _, c := range s.calls {
		if c.Route == name {
			out = append(out, c)
		}
	}
	return out
}

// Count returns how many calls matched the named route.
func (s *Scripted) Count(name string) int {
	return len(s.CallsFor(name))
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
