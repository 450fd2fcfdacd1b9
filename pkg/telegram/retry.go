package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// RetryPolicy bounds one call site's retry loop. Policies differ per
// endpoint, so the helper takes one explicitly instead of hiding a
// global decorator.
type RetryPolicy struct {
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration

	// MaxFloodWait caps how long a flood-wait is slept in place. Longer
	// waits surface to the caller, which parks the channel in cool-down.
	MaxFloodWait time.Duration
}

// DefaultRetryPolicy suits ordinary platform RPCs.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:     4,
		InitialInterval: time.Second,
		MaxInterval:     30 * time.Second,
		MaxFloodWait:    60 * time.Second,
	}
}

// Retry runs call, retrying transient failures with exponential backoff
// and sleeping out short flood-waits (platform seconds + 1). Permanent
// and auth errors return immediately, as do flood-waits longer than the
// policy's cap.
func Retry(ctx context.Context, policy RetryPolicy, method string, call func() error) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = policy.InitialInterval
	bo.MaxInterval = policy.MaxInterval
	bo.Reset()

	var lastErr error
	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		lastErr = call()
		if lastErr == nil {
			return nil
		}

		pe, ok := AsPlatformError(lastErr)
		if !ok || !pe.Retryable() {
			return lastErr
		}

		var wait time.Duration
		if pe.Category == CategoryFloodWait {
			wait = pe.Wait() + time.Second
			if pe.Wait() > policy.MaxFloodWait {
				return lastErr
			}
			slog.Warn("Flood wait, sleeping before retry",
				"method", method, "seconds", pe.Seconds, "attempt", attempt)
		} else {
			wait = bo.NextBackOff()
			slog.Warn("Transient platform error, backing off",
				"method", method, "wait", wait, "attempt", attempt, "error", lastErr)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
	return fmt.Errorf("retries exhausted for %s: %w", method, lastErr)
}
