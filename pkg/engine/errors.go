package engine

import (
	"context"
	"errors"
	"fmt"
)

// Sentinel errors for engine operations.
var (
	// ErrAuth indicates authentication or authorization failed. Never retried.
	ErrAuth = errors.New("engine authentication failed")

	// ErrInvalidInput indicates the job parameters were rejected by the
	// engine. The job itself is defective; never retried, never rerouted.
	ErrInvalidInput = errors.New("invalid generation input")

	// ErrRateLimited indicates the engine throttled the request.
	ErrRateLimited = errors.New("engine rate limited")

	// ErrUnavailable indicates the engine service is down or unreachable.
	ErrUnavailable = errors.New("engine unavailable")

	// ErrTimeout indicates the job's wall-clock budget was exhausted.
	ErrTimeout = errors.New("generation timed out")

	// ErrCancelled indicates the surrounding task was cancelled while the
	// job was in flight. Cooperative and clean; not a failure for display.
	ErrCancelled = errors.New("generation cancelled")

	// ErrNotFound indicates the remote has no record of the handle.
	ErrNotFound = errors.New("remote job not found")
)

// Error wraps engine-specific failures with context.
type Error struct {
	// Op is the operation that failed ("Submit", "Poll", "Download").
	Op string

	// Engine is the engine ID.
	Engine string

	// JobID is the job identifier, if applicable.
	JobID string

	// Err is the underlying error.
	Err error
}

func (e *Error) Error() string {
	if e.JobID != "" {
		return fmt.Sprintf("%s %s: job %s: %v", e.Engine, e.Op, e.JobID, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Engine, e.Op, e.Err)
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *Error) Unwrap() error {
	return e.Err
}

// IsAuth reports whether the error indicates an authentication failure.
func IsAuth(err error) bool {
	return errors.Is(err, ErrAuth)
}

// IsInvalidInput reports whether the error indicates defective job input.
func IsInvalidInput(err error) bool {
	return errors.Is(err, ErrInvalidInput)
}

// IsRateLimited reports whether the error indicates remote throttling.
func IsRateLimited(err error) bool {
	return errors.Is(err, ErrRateLimited)
}

// IsUnavailable reports whether the error indicates the engine is down.
func IsUnavailable(err error) bool {
	return errors.Is(err, ErrUnavailable)
}

// IsTimeout reports whether the error indicates an exhausted time budget.
func IsTimeout(err error) bool {
	return errors.Is(err, ErrTimeout)
}

// IsCancelled reports whether the error indicates cooperative cancellation.
func IsCancelled(err error) bool {
	return errors.Is(err, ErrCancelled) || errors.Is(err, context.Canceled)
}

// IsRetryable reports whether a submit/poll failure is transient and safe to
// retry on the same engine. Auth and input errors are permanent; rate limits
// and availability problems belong to the router's fallback logic.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	return !IsAuth(err) && !IsInvalidInput(err) && !IsCancelled(err) &&
		!IsRateLimited(err) && !IsUnavailable(err) && !IsTimeout(err)
}
