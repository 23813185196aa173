package errors

import (
	"context"
)

// CheckContext returns an error if the context is canceled or timed out.
// This provides a standardized way to check and wrap context errors.
func CheckContext(ctx context.Context, operation string) error {
	if err := ctx.Err(); err != nil {
		return Wrap(err, Canceled, operation+" canceled")
	}
	return nil
}

// IsFatal reports whether err carries a code that must abort the run rather
// than be retried or logged past. Configuration problems and broken
// training-loop invariants are never recoverable mid-run.
func IsFatal(err error) bool {
	switch CodeOf(err) {
	case ConfigurationError, UnsupportedAlgorithm, InvariantViolation:
		return true
	default:
		return false
	}
}
