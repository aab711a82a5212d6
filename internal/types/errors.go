package types

import (
	"context"
	"errors"
)

var (
	// ErrInvalidInput marks a bad split or input file.
	ErrInvalidInput = errors.New("invalid input")
	// ErrStorageUnavailable marks a failure at the storage boundary. Retryable.
	ErrStorageUnavailable = errors.New("storage unavailable")
	// ErrNotFound marks a missing path.
	ErrNotFound = errors.New("not found")
	// ErrTaskFailed marks a task that exhausted its retries. Fatal to the job.
	ErrTaskFailed = errors.New("task failed")
	// ErrConfig marks a malformed job submission. Fatal before any task runs.
	ErrConfig = errors.New("config error")
	// ErrCancelled marks a job stopped by its owner.
	ErrCancelled = errors.New("job cancelled")
)

// IsRetryable reports whether a task attempt that returned err may be retried.
func IsRetryable(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, ErrConfig), errors.Is(err, ErrCancelled), errors.Is(err, context.Canceled):
		return false
	default:
		return true
	}
}
