package engine

import (
	"context"
	"errors"
	"math"
	"time"

	"github.com/rendis/stepflow/pkg/schema"
)

// errStepDefinition is the cause of failures that come from the step's own
// definition (a config of the wrong type, an unsupported mode). No attempt
// can succeed, so they are never retried.
var errStepDefinition = errors.New("invalid step definition")

func definitionError(stepID, format string, args ...any) error {
	return schema.NewErrorf(schema.ErrCodeValidation, format, args...).
		WithStep(stepID).
		WithCause(errStepDefinition)
}

// IsRetryableError classifies whether a failed attempt should be retried.
// Only the engine's own lookup failures and cancellation end the retry loop
// early; any error a handler returns, whatever its code, is retried until
// the step's maxAttempts is spent.
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, errStepDefinition) {
		return false
	}
	return schema.CodeOf(err) != schema.ErrCodeActionNotFound
}

// ComputeBackoff returns the delay before retry number attempt (1-based: the
// delay between the first and second try is attempt 1):
// base * multiplier^(attempt-1).
func ComputeBackoff(base time.Duration, multiplier float64, attempt int) time.Duration {
	if base <= 0 || attempt < 1 {
		return 0
	}
	d := float64(base) * math.Pow(multiplier, float64(attempt-1))
	if d > math.MaxInt64 || math.IsInf(d, 0) || math.IsNaN(d) {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(d)
}

// WaitForBackoff sleeps for delay or returns early if ctx is cancelled.
func WaitForBackoff(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
