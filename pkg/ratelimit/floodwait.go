package ratelimit

import (
	"context"
	"fmt"
	"time"
)

// SetFloodWait records a platform flood-wait for one account/method pair.
// The lock lives for the reported wait plus a buffer, so callers that
// sleep on WaitTime never wake up early.
func (l *Limiter) SetFloodWait(ctx context.Context, account, method string, wait time.Duration) error {
	key := floodKey(account, method)
	if err := l.rdb.Set(ctx, key, wait.Seconds(), wait+floodTTLBuffer).Err(); err != nil {
		return fmt.Errorf("failed to set flood lock for %s/%s: %w", account, method, err)
	}
	floodWaitTotal.WithLabelValues(method).Inc()
	l.log.Warn("Flood-wait lock set",
		"account", account,
		"method", method,
		"wait", wait)
	return nil
}

// IsRateLimited reports whether the account/method pair currently holds a
// flood-wait lock.
func (l *Limiter) IsRateLimited(ctx context.Context, account, method string) (bool, error) {
	n, err := l.rdb.Exists(ctx, floodKey(account, method)).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check flood lock for %s/%s: %w", account, method, err)
	}
	return n > 0, nil
}

// WaitTime returns how long the caller should sleep before retrying the
// method, or zero when no lock is held.
func (l *Limiter) WaitTime(ctx context.Context, account, method string) (time.Duration, error) {
	ttl, err := l.rdb.PTTL(ctx, floodKey(account, method)).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to read flood lock TTL for %s/%s: %w", account, method, err)
	}
	if ttl < 0 {
		return 0, nil
	}
	return ttl, nil
}

// AdaptiveBatchSize recommends a get_messages batch size for the account
// at the given hour of day: double at night when the platform is quiet,
// half during business hours, and half again while a long flood-wait is
// pending.
func (l *Limiter) AdaptiveBatchSize(ctx context.Context, account string, hour int) (int, error) {
	size := float64(l.cfg.BaseBatchSize)

	switch {
	case hour >= 0 && hour < 6:
		size *= 2
	case hour >= 9 && hour < 18:
		size *= 0.5
	}

	wait, err := l.WaitTime(ctx, account, methodGetMessages)
	if err != nil {
		return 0, err
	}
	if wait > 30*time.Second {
		size *= 0.5
	}

	if size < 1 {
		size = 1
	}
	return int(size), nil
}

func floodKey(account, method string) string {
	return floodPrefix + account + ":" + method
}
