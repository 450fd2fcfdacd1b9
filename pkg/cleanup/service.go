// Package cleanup enforces post retention across the relational and
// vector stores.
package cleanup

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/sluicehq/sluice/pkg/config"
	"github.com/sluicehq/sluice/pkg/store"
)

// purgeBatchSize caps how many posts one sweep removes, so a large
// backlog is drained over several ticks instead of one long transaction.
const purgeBatchSize = 500

type postSource interface {
	ListExpiredPosts(ctx context.Context, cutoff time.Time, limit int) ([]store.ExpiredPost, error)
	PurgePosts(ctx context.Context, ids []int64) (int64, error)
}

type vectorDeleter interface {
	DeletePost(ctx context.Context, tenantID string, postID int64) error
}

// Service removes posts older than the graph retention window from the
// relational store and deletes their vector entries, keeping all three
// stores aligned on the same lifetime. Graph nodes expire separately
// through their own pruner. Sweeps are idempotent and safe to run from
// multiple processes.
type Service struct {
	cfg     *config.GraphConfig
	posts   postSource
	vectors vectorDeleter
	logger  *slog.Logger
}

// NewService creates the retention service. vectors may be nil when the
// vector store is not configured; relational rows are still purged.
func NewService(cfg *config.GraphConfig, posts postSource, vectors vectorDeleter) *Service {
	return &Service{
		cfg:     cfg,
		posts:   posts,
		vectors: vectors,
		logger:  slog.With("component", "cleanup"),
	}
}

// RunOnce performs a single retention sweep.
func (s *Service) RunOnce(ctx context.Context) error {
	cutoff := time.Now().Add(-s.cfg.PostTTL())

	expired, err := s.posts.ListExpiredPosts(ctx, cutoff, purgeBatchSize)
	if err != nil {
		return fmt.Errorf("failed to list expired posts: %w", err)
	}
	if len(expired) == 0 {
		return nil
	}

	ids := make([]int64, 0, len(expired))
	for _, p := range expired {
		ids = append(ids, p.ID)
		if s.vectors == nil || p.TenantSlug == "" {
			continue
		}
		// Vector entries go first: a failed relational purge retries the
		// delete next sweep, while the reverse order would strand vectors.
		if err := s.vectors.DeletePost(ctx, p.TenantSlug, p.ID); err != nil {
			s.logger.Warn("Failed to delete vector entry",
				"post_id", p.ID, "tenant", p.TenantSlug, "error", err)
		}
	}

	purged, err := s.posts.PurgePosts(ctx, ids)
	if err != nil {
		return fmt.Errorf("failed to purge expired posts: %w", err)
	}
	postsPurgedTotal.Add(float64(purged))
	s.logger.Info("Retention sweep complete", "purged", purged, "cutoff", cutoff)
	return nil
}
