package transport

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrTimeout marks a send that timed out; it may be retried.
	ErrTimeout = errors.New("transport: timed out")
	// ErrNetwork marks a connection-level failure.
	ErrNetwork = errors.New("transport: network error")
)

// RateLimitError is returned when the platform asks the caller to back off.
type RateLimitError struct {
	RetryAfter time.Duration
	Err        error
}

func (e *RateLimitError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("transport: rate limited, retry after %s: %v", e.RetryAfter, e.Err)
	}
	return fmt.Sprintf("transport: rate limited, retry after %s", e.RetryAfter)
}

func (e *RateLimitError) Unwrap() error { return e.Err }
