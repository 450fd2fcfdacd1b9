package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"
)

// EnrichmentStore owns the post_enrichments table. One row per
// (post, kind); upserts replace the payload in place.
type EnrichmentStore struct {
	db *sqlx.DB
}

// NewEnrichmentStore creates a store over the shared pool.
func NewEnrichmentStore(db *sqlx.DB) *EnrichmentStore {
	return &EnrichmentStore{db: db}
}

// UpsertTags writes the tags enrichment for a post. It returns false
// without touching the row when the stored tags hash already matches, so
// callers can gate downstream emission on a genuine change.
func (s *EnrichmentStore) UpsertTags(ctx context.Context, postID int64, tags []string, meta TagsMetadata, provider, model string) (bool, error) {
	var storedHash string
	err := s.db.QueryRowxContext(ctx,
		`SELECT metadata->>'tags_hash' FROM post_enrichments WHERE post_id = $1 AND kind = $2`,
		postID, KindTags,
	).Scan(&storedHash)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return false, fmt.Errorf("failed to read stored tags hash: %w", err)
	}
	if err == nil && storedHash == meta.TagsHash {
		return false, nil
	}

	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return false, fmt.Errorf("failed to encode tags metadata: %w", err)
	}
	payload, err := json.Marshal(map[string]any{"tags": tags})
	if err != nil {
		return false, fmt.Errorf("failed to encode tags payload: %w", err)
	}

	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO post_enrichments (post_id, kind, payload, metadata, tags, schema_version, provider, model)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (post_id, kind) DO UPDATE SET
		   payload = EXCLUDED.payload,
		   metadata = EXCLUDED.metadata,
		   tags = EXCLUDED.tags,
		   schema_version = EXCLUDED.schema_version,
		   provider = EXCLUDED.provider,
		   model = EXCLUDED.model,
		   updated_at = now()`,
		postID, KindTags, payload, metaJSON, tags, meta.TagsVersion, provider, model,
	); err != nil {
		return false, fmt.Errorf("failed to upsert tags enrichment: %w", err)
	}
	return true, nil
}

// TagsState returns the stored tags plus their metadata, or ErrNotFound.
func (s *EnrichmentStore) TagsState(ctx context.Context, postID int64) ([]string, TagsMetadata, error) {
	var (
		tagsJoined string
		metaJSON   []byte
	)
	err := s.db.QueryRowxContext(ctx,
		`SELECT array_to_string(tags, E'\n'), metadata FROM post_enrichments WHERE post_id = $1 AND kind = $2`,
		postID, KindTags,
	).Scan(&tagsJoined, &metaJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, TagsMetadata{}, ErrNotFound
	}
	if err != nil {
		return nil, TagsMetadata{}, fmt.Errorf("failed to read tags state: %w", err)
	}

	var meta TagsMetadata
	if len(metaJSON) > 0 {
		if err := json.Unmarshal(metaJSON, &meta); err != nil {
			return nil, TagsMetadata{}, fmt.Errorf("failed to decode tags metadata: %w", err)
		}
	}
	var tags []string
	if tagsJoined != "" {
		tags = strings.Split(tagsJoined, "\n")
	}
	return tags, meta, nil
}

// UpsertVision writes the vision enrichment for a post.
func (s *EnrichmentStore) UpsertVision(ctx context.Context, postID int64, payload json.RawMessage, version, provider, model, featuresHash string) error {
	meta, err := json.Marshal(map[string]string{"features_hash": featuresHash})
	if err != nil {
		return fmt.Errorf("failed to encode vision metadata: %w", err)
	}
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO post_enrichments (post_id, kind, payload, metadata, schema_version, provider, model)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (post_id, kind) DO UPDATE SET
		   payload = EXCLUDED.payload,
		   metadata = EXCLUDED.metadata,
		   schema_version = EXCLUDED.schema_version,
		   provider = EXCLUDED.provider,
		   model = EXCLUDED.model,
		   updated_at = now()`,
		postID, KindVision, payload, meta, version, provider, model,
	); err != nil {
		return fmt.Errorf("failed to upsert vision enrichment: %w", err)
	}
	return nil
}

// HasVision reports whether a vision enrichment row exists for the post.
// The vision analyzer consults this before spending model tokens.
func (s *EnrichmentStore) HasVision(ctx context.Context, postID int64) (bool, error) {
	var one int
	err := s.db.QueryRowxContext(ctx,
		`SELECT 1 FROM post_enrichments WHERE post_id = $1 AND kind = $2`,
		postID, KindVision,
	).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to check vision enrichment: %w", err)
	}
	return true, nil
}

// UpsertCrawl writes the crawl enrichment for a post.
func (s *EnrichmentStore) UpsertCrawl(ctx context.Context, postID int64, payload json.RawMessage, version string) error {
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO post_enrichments (post_id, kind, payload, schema_version)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (post_id, kind) DO UPDATE SET
		   payload = EXCLUDED.payload,
		   schema_version = EXCLUDED.schema_version,
		   updated_at = now()`,
		postID, KindCrawl, payload, version,
	); err != nil {
		return fmt.Errorf("failed to upsert crawl enrichment: %w", err)
	}
	return nil
}
