package mailbox

import (
	"errors"
	"fmt"
)

var (
	// ErrRateLimited marks a provider "too many requests" response. It is
	// the only error class the client retries.
	ErrRateLimited = errors.New("rate limited")

	// ErrRetryExhausted is reported once every retry attempt was rate limited.
	ErrRetryExhausted = errors.New("retry attempts exhausted")

	// ErrTransient covers timeouts and network failures that are not
	// distinguishable from an overloaded provider.
	ErrTransient = errors.New("transient network error")

	ErrNotFound         = errors.New("not found")
	ErrPermissionDenied = errors.New("permission denied")
	ErrLabelNotFound    = errors.New("label not found")
)

// RetryExhaustedError reports the operation that kept being rate limited.
// It matches both ErrRetryExhausted and the last underlying error.
type RetryExhaustedError struct {
	Op       string
	Attempts int
	Err      error
}

func (e *RetryExhaustedError) Error() string {
	return fmt.Sprintf("%s: gave up after %d attempts: %v", e.Op, e.Attempts, e.Err)
}

func (e *RetryExhaustedError) Unwrap() []error {
	return []error{ErrRetryExhausted, e.Err}
}

// FetchError wraps a failed single-message detail fetch.
type FetchError struct {
	ID  string
	Err error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch message %s: %v", e.ID, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }
