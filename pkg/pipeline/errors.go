package pipeline

import (
	"errors"
	"fmt"
)

// DLQ reasons owned by the runner itself. Stage-level reasons are the
// constants in pkg/events.
const (
	ReasonMaxDeliveries = "max_deliveries"
	ReasonSchemaInvalid = "schema_invalid"
)

// PermanentError marks a handler failure that retrying cannot fix. The
// runner acknowledges the message and routes it to the stage DLQ with
// Reason.
type PermanentError struct {
	Reason  string
	Details map[string]any
	Err     error
}

func (e *PermanentError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Reason, e.Err)
	}
	return e.Reason
}

func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent wraps err as a dead-letter failure with the given reason.
func Permanent(reason string, err error) *PermanentError {
	return &PermanentError{Reason: reason, Err: err}
}

// PermanentWithDetails attaches structured context for the DLQ entry.
func PermanentWithDetails(reason string, err error, details map[string]any) *PermanentError {
	return &PermanentError{Reason: reason, Err: err, Details: details}
}

// AsPermanent reports whether err declares itself unretryable.
func AsPermanent(err error) (*PermanentError, bool) {
	var pe *PermanentError
	if errors.As(err, &pe) {
		return pe, true
	}
	return nil, false
}
