package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// SchemaValidationError reports model output that did not decode into, or
// validate as, the requested structure.
type SchemaValidationError struct {
	Raw string
	Err error
}

func (e *SchemaValidationError) Error() string {
	return fmt.Sprintf("schema validation failed: %v", e.Err)
}

func (e *SchemaValidationError) Unwrap() error { return e.Err }

// Validator is implemented by structured outputs that carry field rules.
type Validator interface {
	Validate() error
}

// Decode extracts the first JSON object in raw, unmarshals it into T and runs
// T's Validate method when present. Failures are *SchemaValidationError.
func Decode[T any](raw string) (T, error) {
	var out T
	body := extractFirstJSON(raw)
	if body == "" {
		return out, &SchemaValidationError{Raw: raw, Err: errors.New("no JSON object in output")}
	}
	if err := json.Unmarshal([]byte(body), &out); err != nil {
		return out, &SchemaValidationError{Raw: raw, Err: err}
	}
	if v, ok := any(&out).(Validator); ok {
		if err := v.Validate(); err != nil {
			return out, &SchemaValidationError{Raw: raw, Err: err}
		}
	}
	return out, nil
}

// Structured performs a single model call and decodes the result into T.
// Transport errors are returned as-is; decoding errors as *SchemaValidationError.
func Structured[T any](ctx context.Context, m Model, messages []Message) (T, error) {
	raw, err := m.Invoke(ctx, messages)
	if err != nil {
		var zero T
		return zero, err
	}
	return Decode[T](raw)
}

// InvokeStructured is Structured wrapped in WithRetry.
func InvokeStructured[T any](ctx context.Context, m Model, messages []Message, maxAttempts int) (T, error) {
	call := WithRetry(func(ctx context.Context) (T, error) {
		return Structured[T](ctx, m, messages)
	}, maxAttempts)
	return call(ctx)
}

// extractFirstJSON returns the first balanced {...} span in s, skipping braces
// inside string literals. Markdown code fences around the object are tolerated.
func extractFirstJSON(s string) string {
	start := -1
	depth := 0
	inString := false
	escaped := false
	for i := 0; i < len(s); i++ {
		ch := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case ch == '\\':
				escaped = true
			case ch == '"':
				inString = false
			}
			continue
		}
		switch ch {
		case '"':
			if start != -1 {
				inString = true
			}
		case '{':
			if depth == 0 {
				start = i
			}
			depth++
		case '}':
			if depth > 0 {
				depth--
				if depth == 0 && start != -1 {
					return strings.TrimSpace(s[start : i+1])
				}
			}
		}
	}
	return ""
}
