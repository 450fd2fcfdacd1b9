package ratelimit

import (
	"context"
	"fmt"
	"time"
)

// SetCooldown suspends all platform calls against a channel for d. The
// ingestion worker sets this when the platform returns a flood-wait
// longer than a minute; every stage must check IsInCooldown before
// touching the channel and skip silently while it holds.
func (l *Limiter) SetCooldown(ctx context.Context, channelID int64, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	key := fmt.Sprintf("%s%d", cooldownPrefix, channelID)
	if err := l.rdb.Set(ctx, key, "1", d).Err(); err != nil {
		return fmt.Errorf("failed to set cooldown for channel %d: %w", channelID, err)
	}
	cooldownsTotal.Inc()
	l.log.Warn("Channel entered cool-down",
		"channel_id", channelID,
		"duration", d)
	return nil
}

// IsInCooldown reports whether the channel is currently suspended.
func (l *Limiter) IsInCooldown(ctx context.Context, channelID int64) (bool, error) {
	key := fmt.Sprintf("%s%d", cooldownPrefix, channelID)
	n, err := l.rdb.Exists(ctx, key).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check cooldown for channel %d: %w", channelID, err)
	}
	return n > 0, nil
}

// CooldownRemaining returns how long the channel stays suspended, or zero
// when it is not in cool-down.
func (l *Limiter) CooldownRemaining(ctx context.Context, channelID int64) (time.Duration, error) {
	key := fmt.Sprintf("%s%d", cooldownPrefix, channelID)
	ttl, err := l.rdb.PTTL(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to read cooldown TTL for channel %d: %w", channelID, err)
	}
	if ttl < 0 {
		return 0, nil
	}
	return ttl, nil
}
