package store

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/sluicehq/sluice/pkg/events"
)

// StatusStore drives the per-post indexing state machine. Both phases
// reaching a terminal success ("completed" or "skipped") stamps the
// completion time and flips the post's is_processed flag.
type StatusStore struct {
	db *sqlx.DB
}

// NewStatusStore creates a store over the shared pool.
func NewStatusStore(db *sqlx.DB) *StatusStore {
	return &StatusStore{db: db}
}

// MarkProcessing opens (or reopens) the status row for a post.
func (s *StatusStore) MarkProcessing(ctx context.Context, postID int64) error {
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO indexing_status (post_id, embedding_status, graph_status, processing_started_at)
		 VALUES ($1, $2, $2, now())
		 ON CONFLICT (post_id) DO UPDATE SET
		   embedding_status = $2,
		   graph_status = $2,
		   error_message = NULL,
		   processing_started_at = now(),
		   processing_completed_at = NULL,
		   updated_at = now()`,
		postID, events.StatusProcessing,
	); err != nil {
		return fmt.Errorf("failed to mark post %d processing: %w", postID, err)
	}
	return nil
}

// SetEmbedding records the embedding phase outcome.
func (s *StatusStore) SetEmbedding(ctx context.Context, postID int64, status, vectorID, errMsg string) error {
	if _, err := s.db.ExecContext(ctx,
		`UPDATE indexing_status SET
		   embedding_status = $2,
		   vector_id = COALESCE(NULLIF($3, ''), vector_id),
		   error_message = NULLIF($4, ''),
		   updated_at = now()
		 WHERE post_id = $1`,
		postID, status, vectorID, errMsg,
	); err != nil {
		return fmt.Errorf("failed to set embedding status for post %d: %w", postID, err)
	}
	return s.finalizeIfDone(ctx, postID)
}

// SetGraph records the graph phase outcome.
func (s *StatusStore) SetGraph(ctx context.Context, postID int64, status, errMsg string) error {
	if _, err := s.db.ExecContext(ctx,
		`UPDATE indexing_status SET
		   graph_status = $2,
		   error_message = NULLIF($3, ''),
		   updated_at = now()
		 WHERE post_id = $1`,
		postID, status, errMsg,
	); err != nil {
		return fmt.Errorf("failed to set graph status for post %d: %w", postID, err)
	}
	return s.finalizeIfDone(ctx, postID)
}

// finalizeIfDone stamps completion once both phases are terminal
// successes, and mirrors the fact onto the post row.
func (s *StatusStore) finalizeIfDone(ctx context.Context, postID int64) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE indexing_status SET processing_completed_at = now(), updated_at = now()
		 WHERE post_id = $1
		   AND processing_completed_at IS NULL
		   AND embedding_status IN ($2, $3)
		   AND graph_status IN ($2, $3)`,
		postID, events.StatusCompleted, events.StatusSkipped,
	)
	if err != nil {
		return fmt.Errorf("failed to finalize indexing status for post %d: %w", postID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n > 0 {
		if _, err := s.db.ExecContext(ctx,
			`UPDATE posts SET is_processed = TRUE, updated_at = now() WHERE id = $1`,
			postID,
		); err != nil {
			return fmt.Errorf("failed to flag post %d processed: %w", postID, err)
		}
	}
	return nil
}
