package storage

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// EvictionCandidate is one unreferenced blob descriptor, ready to be
// removed. Candidates come from the relational descriptor table, ordered
// oldest-first with crawl before vision before media.
type EvictionCandidate struct {
	SHA256     string
	TenantID   string
	Kind       string
	S3Key      string
	SizeBytes  int64
	LastSeenAt time.Time
}

// CandidateSource supplies eviction candidates and removes their
// descriptors once the blob is gone. Only descriptors with a zero
// reference count may ever be returned.
type CandidateSource interface {
	ListEvictionCandidates(ctx context.Context, limit int) ([]EvictionCandidate, error)
	DeleteBlobDescriptor(ctx context.Context, sha256 string) error
}

// Evictor enforces the bucket's emergency threshold. It only runs blobs
// whose descriptors are unreferenced; a blob currently being fetched is
// unaffected because deletion is logical-first (descriptor, then object).
type Evictor struct {
	store    *Store
	source   CandidateSource
	interval time.Duration
	batch    int
	log      *slog.Logger
}

// NewEvictor creates an evictor sweeping at the given interval.
func NewEvictor(store *Store, source CandidateSource, interval time.Duration) *Evictor {
	return &Evictor{
		store:    store,
		source:   source,
		interval: interval,
		batch:    100,
		log:      slog.With("component", "cas-evictor"),
	}
}

// Run sweeps until the context is cancelled. It is shaped as a supervisor
// task: blocking, returning nil on clean shutdown.
func (e *Evictor) Run(ctx context.Context) error {
	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := e.Sweep(ctx); err != nil {
				e.log.Error("Eviction sweep failed", "error", err)
			}
		}
	}
}

// Sweep deletes unreferenced blobs until usage drops below the emergency
// threshold or no candidates remain.
func (e *Evictor) Sweep(ctx context.Context) error {
	total, err := e.store.TotalUsage(ctx)
	if err != nil {
		return err
	}
	threshold := e.store.EmergencyThresholdBytes()
	if total < threshold {
		return nil
	}

	e.log.Warn("Bucket usage crossed emergency threshold; evicting",
		"usage_bytes", total,
		"threshold_bytes", threshold)

	for total >= threshold {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		candidates, err := e.source.ListEvictionCandidates(ctx, e.batch)
		if err != nil {
			return fmt.Errorf("failed to list eviction candidates: %w", err)
		}
		if len(candidates) == 0 {
			e.log.Warn("No evictable blobs left above emergency threshold",
				"usage_bytes", total)
			return nil
		}

		for _, c := range candidates {
			// Descriptor first: once it is gone no new reference can be
			// created, and a concurrent reader holding the blob finishes
			// its GET untouched.
			if err := e.source.DeleteBlobDescriptor(ctx, c.SHA256); err != nil {
				e.log.Error("Failed to drop blob descriptor; skipping",
					"sha256", c.SHA256,
					"error", err)
				continue
			}
			if err := e.store.Delete(ctx, c.S3Key); err != nil {
				e.log.Error("Failed to delete blob; descriptor already dropped",
					"key", c.S3Key,
					"error", err)
			}
			e.store.addUsage(ctx, c.TenantID, c.Kind, -c.SizeBytes)
			evictionsTotal.WithLabelValues(c.Kind).Inc()

			total -= c.SizeBytes
			if total < threshold {
				break
			}
		}
	}

	e.log.Info("Eviction sweep finished", "usage_bytes", total)
	return nil
}
