package store

import (
	"context"
	"errors"
	"net"

	"github.com/jackc/pgx/v5/pgconn"
)

var (
	// ErrNoSubscription is returned when no subscription links the user to
	// the channel and none may be created.
	ErrNoSubscription = errors.New("no subscription for channel")

	// ErrSubscriptionInactive is returned when the subscription exists but
	// is inactive and the channel does not allow system parsing.
	ErrSubscriptionInactive = errors.New("subscription inactive")

	// ErrNotFound is returned by read paths when the entity does not exist.
	ErrNotFound = errors.New("entity not found")
)

// ErrorCategory classifies a database failure independently of the
// statement that produced it. Stages branch on the category to decide
// between retry, DLQ, and abort.
type ErrorCategory string

// Database failure categories.
const (
	CategoryFKViolation      ErrorCategory = "fk_violation"
	CategoryTimeout          ErrorCategory = "timeout"
	CategoryConnectionError  ErrorCategory = "connection_error"
	CategoryDuplicateKey     ErrorCategory = "duplicate_key"
	CategoryPermissionDenied ErrorCategory = "permission_denied"
	CategoryUnknown          ErrorCategory = "unknown"
)

// Retryable reports whether a failure in this category can succeed on a
// later delivery.
func (c ErrorCategory) Retryable() bool {
	return c == CategoryTimeout || c == CategoryConnectionError
}

// Classify maps a database error onto its category by inspecting the
// PostgreSQL error code when one is present.
func Classify(err error) ErrorCategory {
	if err == nil {
		return CategoryUnknown
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case pgErr.Code == "23503":
			return CategoryFKViolation
		case pgErr.Code == "23505":
			return CategoryDuplicateKey
		case pgErr.Code == "42501":
			return CategoryPermissionDenied
		case pgErr.Code == "57014": // query_canceled
			return CategoryTimeout
		case len(pgErr.Code) >= 2 && pgErr.Code[:2] == "08": // connection_exception class
			return CategoryConnectionError
		}
		return CategoryUnknown
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return CategoryTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return CategoryTimeout
		}
		return CategoryConnectionError
	}

	return CategoryUnknown
}
