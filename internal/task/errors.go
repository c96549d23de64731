package task

import (
	"errors"
	"fmt"
)

// LaunchError reports a failed remote create call. It feeds the retry policy.
type LaunchError struct {
	Task Descriptor
	Err  error
}

func (e *LaunchError) Error() string {
	return fmt.Sprintf("launch %s (%s, attempt %d): %v", e.Task.ID, e.Task.Category, e.Task.RetryCount+1, e.Err)
}

func (e *LaunchError) Unwrap() error { return e.Err }

// PollError reports a failed status refresh for one job.
// It is logged and retried on the next poll cycle.
type PollError struct {
	JobID string
	Err   error
}

func (e *PollError) Error() string { return fmt.Sprintf("poll job %s: %v", e.JobID, e.Err) }

func (e *PollError) Unwrap() error { return e.Err }

// ExhaustedRetryError records a task dropped after its last allowed attempt.
// It is never returned to callers, only recorded.
type ExhaustedRetryError struct {
	Task       Descriptor
	MaxRetries int
	Last       error
}

func (e *ExhaustedRetryError) Error() string {
	return fmt.Sprintf("task %s dropped after %d attempts (max retries %d): %v", e.Task.ID, e.Task.RetryCount, e.MaxRetries, e.Last)
}

func (e *ExhaustedRetryError) Unwrap() error { return e.Last }

// ConfigurationError is fatal: missing credential, empty catalog, bad template.
// It is the only error allowed to halt the scheduler.
type ConfigurationError struct {
	What string
	Err  error
}

func (e *ConfigurationError) Error() string {
	if e.Err == nil {
		return "configuration: " + e.What
	}
	return fmt.Sprintf("configuration: %s: %v", e.What, e.Err)
}

func (e *ConfigurationError) Unwrap() error { return e.Err }

// IsConfigurationError reports whether err wraps a *ConfigurationError.
func IsConfigurationError(err error) bool {
	var ce *ConfigurationError
	return errors.As(err, &ce)
}
