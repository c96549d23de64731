package engine

import (
	"errors"
	"fmt"
)

var ErrCircuitOpen = errors.New("launch skipped: circuit breaker open")

// NoRetry marks an error as non-retryable.
//
// A task whose launch fails with a NoRetry error is dropped at once instead
// of being requeued, e.g. when its prompt cannot be rendered.
//
// Example:
//
//	return engine.NoRetry(fmt.Errorf("bad input: %w", err))
func NoRetry(err error) error {
	if err == nil {
		return nil
	}
	return noRetryError{err: err}
}

// IsNoRetry reports whether err is wrapped with NoRetry.
func IsNoRetry(err error) bool {
	var e noRetryError
	return errors.As(err, &e)
}

type noRetryError struct{ err error }

func (e noRetryError) Error() string { return fmt.Sprintf("no-retry: %v", e.err) }
func (e noRetryError) Unwrap() error { return e.err }
