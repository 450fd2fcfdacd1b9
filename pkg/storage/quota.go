package storage

import (
	"context"
	"fmt"
	"time"
)

const gib = float64(1 << 30)

// Usage counter keys in the shared KV. Counters move on every successful
// put and every eviction; RecalculateUsage rebuilds them from a bucket
// listing when they drift.
const (
	usageTotalKey   = "storage:usage:total"
	usagePrefix     = "storage:usage:"
	usageRecalcSync = 24 * time.Hour
)

// QuotaConfig bounds the bucket as a whole, each tenant, and each content
// kind. Zero values fall back to the defaults.
type QuotaConfig struct {
	BucketTotalGB     float64
	BucketEmergencyGB float64
	PerTenantGB       float64
	MediaGB           float64
	VisionGB          float64
	CrawlGB           float64
	MaxObjectBytes    int64
}

// DefaultQuotaConfig returns the built-in limits.
func DefaultQuotaConfig() QuotaConfig {
	return QuotaConfig{
		BucketTotalGB:     15,
		BucketEmergencyGB: 14,
		PerTenantGB:       2,
		MediaGB:           10,
		VisionGB:          2,
		CrawlGB:           2,
		MaxObjectBytes:    40 << 20,
	}
}

func (q QuotaConfig) kindLimitGB(kind string) float64 {
	switch kind {
	case KindMedia:
		return q.MediaGB
	case KindVision, KindAlbum:
		return q.VisionGB
	case KindCrawl:
		return q.CrawlGB
	default:
		return 0
	}
}

// QuotaDecision is the observable outcome of an admission check. A denial
// is not an error: callers skip or drop the item and move on.
type QuotaDecision struct {
	Allowed        bool
	Reason         string
	CurrentUsageGB float64
	TenantLimitGB  float64
}

// Denial reasons.
const (
	DenyTenantLimit    = "tenant_limit"
	DenyKindLimit      = "kind_limit"
	DenyBucketTotal    = "bucket_total"
	DenyObjectTooLarge = "object_too_large"
)

// QuotaDeniedError wraps a denial for the internal put path so callers of
// Put* can distinguish quota skips from real failures with errors.As.
type QuotaDeniedError struct {
	Decision QuotaDecision
}

func (e *QuotaDeniedError) Error() string {
	return fmt.Sprintf("quota denied: %s (usage %.2f GiB, limit %.2f GiB)",
		e.Decision.Reason, e.Decision.CurrentUsageGB, e.Decision.TenantLimitGB)
}

// CheckQuota decides whether size more bytes of kind may be written for
// tenant. Checks run tenant-first so the caller-facing reason names the
// tightest relevant bound.
func (s *Store) CheckQuota(ctx context.Context, tenant string, size int64, kind string) (QuotaDecision, error) {
	tenantUsed, kindUsed, totalUsed, err := s.usage(ctx, tenant, kind)
	if err != nil {
		return QuotaDecision{}, fmt.Errorf("failed to read usage counters: %w", err)
	}

	decision := QuotaDecision{
		CurrentUsageGB: float64(tenantUsed) / gib,
		TenantLimitGB:  s.quota.PerTenantGB,
	}

	switch {
	case float64(tenantUsed+size)/gib > s.quota.PerTenantGB:
		decision.Reason = DenyTenantLimit
	case s.quota.kindLimitGB(kind) > 0 && float64(kindUsed+size)/gib > s.quota.kindLimitGB(kind):
		decision.Reason = DenyKindLimit
	case float64(totalUsed+size)/gib > s.quota.BucketTotalGB:
		decision.Reason = DenyBucketTotal
	case s.quota.MaxObjectBytes > 0 && size > s.quota.MaxObjectBytes:
		decision.Reason = DenyObjectTooLarge
	default:
		decision.Allowed = true
	}

	if !decision.Allowed {
		quotaDeniedTotal.WithLabelValues(decision.Reason).Inc()
	}
	return decision, nil
}

// TotalUsage returns the bucket-wide byte count from the usage counters.
func (s *Store) TotalUsage(ctx context.Context) (int64, error) {
	n, err := s.rdb.Get(ctx, usageTotalKey).Int64()
	if err != nil {
		if isRedisNil(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to read total usage: %w", err)
	}
	return n, nil
}

// EmergencyThresholdBytes is the usage level at which the evictor starts
// working.
func (s *Store) EmergencyThresholdBytes() int64 {
	return int64(s.quota.BucketEmergencyGB * gib)
}

func (s *Store) usage(ctx context.Context, tenant, kind string) (tenantUsed, kindUsed, totalUsed int64, err error) {
	vals, err := s.rdb.MGet(ctx,
		usagePrefix+tenant,
		usagePrefix+tenant+":"+kind,
		usageTotalKey,
	).Result()
	if err != nil {
		return 0, 0, 0, err
	}
	parse := func(v any) int64 {
		s, ok := v.(string)
		if !ok {
			return 0
		}
		var n int64
		_, _ = fmt.Sscan(s, &n)
		return n
	}
	return parse(vals[0]), parse(vals[1]), parse(vals[2]), nil
}

// addUsage moves the three counters after a successful put (positive) or
// eviction (negative).
func (s *Store) addUsage(ctx context.Context, tenant, kind string, delta int64) {
	if delta == 0 {
		return
	}
	pipe := s.rdb.Pipeline()
	pipe.IncrBy(ctx, usagePrefix+tenant, delta)
	pipe.IncrBy(ctx, usagePrefix+tenant+":"+kind, delta)
	pipe.IncrBy(ctx, usageTotalKey, delta)
	if _, err := pipe.Exec(ctx); err != nil {
		s.log.Warn("Failed to update usage counters; RecalculateUsage will reconcile",
			"tenant", tenant,
			"kind", kind,
			"delta", delta,
			"error", err)
	}
}
