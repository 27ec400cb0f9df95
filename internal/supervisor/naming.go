package supervisor

import (
	"context"
	"strings"

	"github.com/scott-williams-2002/polyplexity-sub000/internal/llm"
	"github.com/scott-williams-2002/polyplexity-sub000/internal/trace"
)

// nameThread titles a new thread. Failures fall back to a truncated request.
func (s *Supervisor) nameThread(ctx context.Context, st *TurnState, rec *trace.Recorder) string {
	name, err := llm.Text(ctx, s.models.Naming, llm.System(namingSystemPrompt), llm.User(st.UserRequest))
	name = cleanName(name)
	if err != nil || name == "" {
		if err != nil {
			s.logger.Printf("name thread %s: %v", st.ThreadID, err)
		}
		name = FallbackName(st.UserRequest)
	}
	if err := s.store.SetThreadName(ctx, st.ThreadID, name); err != nil {
		s.logger.Printf("save name for thread %s: %v", st.ThreadID, err)
		return ""
	}
	rec.Notify(ctx, NodeNaming, "thread_name", map[string]any{"name": name})
	return name
}

func cleanName(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	s = strings.Trim(s, "\"'`#* ")
	return truncateRunes(s, maxThreadNameRunes)
}

// FallbackName is the request cut to 60 runes on a single line.
func FallbackName(request string) string {
	return truncateRunes(strings.Join(strings.Fields(request), " "), maxThreadNameRunes)
}

func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return strings.TrimSpace(string(r[:n]))
}
