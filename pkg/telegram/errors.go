package telegram

import (
	"errors"
	"fmt"
	"time"
)

// ErrorCategory classifies a platform failure. Callers branch on the
// variant instead of matching error strings.
type ErrorCategory string

// Platform failure categories.
const (
	CategoryTransient  ErrorCategory = "transient"   // RPC/server/socket errors; retry with backoff
	CategoryFloodWait  ErrorCategory = "flood_wait"  // platform throttling; sleep as directed, never DLQ
	CategoryAuthFailed ErrorCategory = "auth_failed" // terminal for the identity
	CategoryNotFound   ErrorCategory = "not_found"   // channel or message gone
	CategoryPermanent  ErrorCategory = "permanent"   // anything else unretryable
)

// Error is the typed platform error. FloodWait errors carry the wait the
// platform demanded; Method names the RPC that tripped it.
type Error struct {
	Category ErrorCategory
	Method   string
	Seconds  int
	Err      error
}

// Error returns the formatted message.
func (e *Error) Error() string {
	if e.Category == CategoryFloodWait {
		return fmt.Sprintf("platform %s: flood wait %ds", e.Method, e.Seconds)
	}
	return fmt.Sprintf("platform %s: %s: %v", e.Method, e.Category, e.Err)
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error { return e.Err }

// Wait returns the demanded flood-wait duration (zero for other
// categories).
func (e *Error) Wait() time.Duration { return time.Duration(e.Seconds) * time.Second }

// Retryable reports whether the call can succeed on a later attempt
// without operator intervention.
func (e *Error) Retryable() bool {
	return e.Category == CategoryTransient || e.Category == CategoryFloodWait
}

// NewFloodWait builds a flood-wait error for a method.
func NewFloodWait(method string, seconds int) *Error {
	return &Error{Category: CategoryFloodWait, Method: method, Seconds: seconds}
}

// NewTransient wraps a retryable failure.
func NewTransient(method string, err error) *Error {
	return &Error{Category: CategoryTransient, Method: method, Err: err}
}

// NewAuthFailed wraps a terminal authentication failure.
func NewAuthFailed(method string, err error) *Error {
	return &Error{Category: CategoryAuthFailed, Method: method, Err: err}
}

// AsPlatformError extracts the typed error, if any.
func AsPlatformError(err error) (*Error, bool) {
	var pe *Error
	ok := errors.As(err, &pe)
	return pe, ok
}

// IsFloodWait reports whether err is a flood-wait and returns the wait.
func IsFloodWait(err error) (time.Duration, bool) {
	if pe, ok := AsPlatformError(err); ok && pe.Category == CategoryFloodWait {
		return pe.Wait(), true
	}
	return 0, false
}
