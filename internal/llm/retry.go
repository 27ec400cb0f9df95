package llm

import (
	"context"
	"errors"
	"fmt"
)

// DefaultStructuredAttempts bounds retries on malformed structured output.
const DefaultStructuredAttempts = 3

// WithRetry wraps call so that a *SchemaValidationError triggers another
// attempt, up to maxAttempts in total. Any other error, or ctx cancellation,
// stops immediately. There is no backoff between attempts.
func WithRetry[T any](call func(ctx context.Context) (T, error), maxAttempts int) func(ctx context.Context) (T, error) {
	if maxAttempts <= 0 {
		maxAttempts = DefaultStructuredAttempts
	}
	return func(ctx context.Context) (T, error) {
		var zero T
		var lastErr error
		for attempt := 1; attempt <= maxAttempts; attempt++ {
			if err := ctx.Err(); err != nil {
				return zero, err
			}
			out, err := call(ctx)
			if err == nil {
				return out, nil
			}
			var schemaErr *SchemaValidationError
			if !errors.As(err, &schemaErr) {
				return zero, err
			}
			lastErr = err
		}
		return zero, fmt.Errorf("structured output invalid after %d attempts: %w", maxAttempts, lastErr)
	}
}
