// Package ratelimit provides the three admission services shared by every
// stage that talks to the external platform: a sliding-window limiter, a
// per-channel cool-down state, and per-account/method flood-wait locks,
// all synced through the shared Redis KV so replicas agree.
package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// Key families. Minute buckets make the limiter keys self-describing and
// self-expiring; cool-downs and flood locks are plain TTL keys.
const (
	rateLimitPrefix = "rate_limit:"
	cooldownPrefix  = "channel:cooldown:"
	floodPrefix     = "floodwait:"
)

// methodGetMessages is the platform method whose pending flood-wait
// scales the adaptive batch size down.
const methodGetMessages = "get_messages"

// floodTTLBuffer is added on top of the platform-reported wait so clocks
// slightly ahead of the platform's never release the lock early.
const floodTTLBuffer = 60 * time.Second

// Config carries the per-scope admission limits.
type Config struct {
	UserPerMinute    int
	ChannelPerMinute int
	GlobalPerMinute  int
	AuthPerMinute    int
	BaseBatchSize    int
}

// DefaultConfig returns the built-in limits.
func DefaultConfig() Config {
	return Config{
		UserPerMinute:    20,
		ChannelPerMinute: 10,
		GlobalPerMinute:  100,
		AuthPerMinute:    5,
		BaseBatchSize:    50,
	}
}

// CheckResult is the outcome of one sliding-window admission check.
type CheckResult struct {
	Allowed      bool
	CurrentCount int64
	Remaining    int64
	ResetIn      time.Duration
}

// slidingWindow weighs the previous minute bucket by the share of the
// window it still covers and increments the current bucket only when the
// combined count stays under the limit. Runs server-side so concurrent
// checkers cannot race past the limit.
var slidingWindow = redis.NewScript(`
local curr = tonumber(redis.call('GET', KEYS[1]) or '0')
local prev = tonumber(redis.call('GET', KEYS[2]) or '0')
local elapsed = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])

local weight = (window - elapsed) / window
local count = math.floor(prev * weight + 0.5) + curr

if count >= limit then
	return {0, count}
end

redis.call('INCR', KEYS[1])
redis.call('PEXPIRE', KEYS[1], window * 2)
return {1, count + 1}
`)

// Limiter is safe for concurrent use.
type Limiter struct {
	rdb redis.UniversalClient
	cfg Config
	log *slog.Logger
	now func() time.Time
}

// NewLimiter creates a limiter over an existing Redis connection.
func NewLimiter(rdb redis.UniversalClient, cfg Config) *Limiter {
	if cfg.BaseBatchSize <= 0 {
		cfg.BaseBatchSize = DefaultConfig().BaseBatchSize
	}
	return &Limiter{
		rdb: rdb,
		cfg: cfg,
		log: slog.With("component", "ratelimit"),
		now: time.Now,
	}
}

// Check runs one sliding-window admission check for key with the given
// per-minute limit. When the KV is unreachable the check degrades to
// Allowed with a warning: starving every caller is worse than a brief
// overshoot.
func (l *Limiter) Check(ctx context.Context, key string, limitPerMinute int) (CheckResult, error) {
	const window = time.Minute

	now := l.now()
	bucket := now.Unix() / 60
	currKey := fmt.Sprintf("%s%s:%d", rateLimitPrefix, key, bucket)
	prevKey := fmt.Sprintf("%s%s:%d", rateLimitPrefix, key, bucket-1)
	elapsedMS := now.UnixMilli() % window.Milliseconds()

	res, err := slidingWindow.Run(ctx, l.rdb,
		[]string{currKey, prevKey},
		elapsedMS, window.Milliseconds(), limitPerMinute,
	).Int64Slice()
	if err != nil {
		l.log.Warn("Rate limit check degraded to allow: KV unavailable",
			"key", key,
			"error", err)
		degradedChecksTotal.Inc()
		return CheckResult{Allowed: true}, nil
	}
	if len(res) != 2 {
		return CheckResult{Allowed: true}, nil
	}

	allowed := res[0] == 1
	count := res[1]
	remaining := int64(limitPerMinute) - count
	if remaining < 0 {
		remaining = 0
	}
	if !allowed {
		deniedTotal.WithLabelValues(scopeOf(key)).Inc()
	}
	return CheckResult{
		Allowed:      allowed,
		CurrentCount: count,
		Remaining:    remaining,
		ResetIn:      window - time.Duration(elapsedMS)*time.Millisecond,
	}, nil
}

// AllowUser checks ingestion admission for one user.
func (l *Limiter) AllowUser(ctx context.Context, userID int64) (CheckResult, error) {
	return l.Check(ctx, fmt.Sprintf("user:%d", userID), l.cfg.UserPerMinute)
}

// AllowChannel checks ingestion admission for one channel.
func (l *Limiter) AllowChannel(ctx context.Context, channelID int64) (CheckResult, error) {
	return l.Check(ctx, fmt.Sprintf("channel:%d", channelID), l.cfg.ChannelPerMinute)
}

// AllowGlobal checks the process-wide ingestion budget.
func (l *Limiter) AllowGlobal(ctx context.Context) (CheckResult, error) {
	return l.Check(ctx, "global:all", l.cfg.GlobalPerMinute)
}

// AllowAuth is the strict limiter for authentication endpoints.
func (l *Limiter) AllowAuth(ctx context.Context, key string) (CheckResult, error) {
	return l.Check(ctx, "auth:"+key, l.cfg.AuthPerMinute)
}

// scopeOf extracts the key family for the denial metric label.
func scopeOf(key string) string {
	for i := 0; i < len(key); i++ {
		if key[i] == ':' {
			return key[:i]
		}
	}
	return key
}
