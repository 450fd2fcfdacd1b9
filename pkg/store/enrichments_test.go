package store

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUpsertTags_SkipsWhenHashUnchanged(t *testing.T) {
	db, mock := newMockDB(t)
	s := NewEnrichmentStore(db)

	mock.ExpectQuery(`SELECT metadata->>'tags_hash' FROM post_enrichments`).
		WillReturnRows(sqlmock.NewRows([]string{"hash"}).AddRow("samehash"))

	changed, err := s.UpsertTags(context.Background(), 100,
		[]string{"go", "infra"}, TagsMetadata{TagsHash: "samehash"}, "anthropic", "haiku")
	require.NoError(t, err)
	assert.False(t, changed)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertTags_WritesWhenHashDiffers(t *testing.T) {
	db, mock := newMockDB(t)
	s := NewEnrichmentStore(db)

	mock.ExpectQuery(`SELECT metadata->>'tags_hash' FROM post_enrichments`).
		WillReturnRows(sqlmock.NewRows([]string{"hash"}).AddRow("oldhash"))
	mock.ExpectExec(`INSERT INTO post_enrichments`).
		WillReturnResult(sqlmock.NewResult(1, 1))

	changed, err := s.UpsertTags(context.Background(), 100,
		[]string{"go", "infra"}, TagsMetadata{TagsHash: "newhash"}, "anthropic", "haiku")
	require.NoError(t, err)
	assert.True(t, changed)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertTags_WritesWhenNoRowExists(t *testing.T) {
	db, mock := newMockDB(t)
	s := NewEnrichmentStore(db)

	mock.ExpectQuery(`SELECT metadata->>'tags_hash' FROM post_enrichments`).
		WillReturnRows(sqlmock.NewRows([]string{"hash"}))
	mock.ExpectExec(`INSERT INTO post_enrichments`).
		WillReturnResult(sqlmock.NewResult(1, 1))

	changed, err := s.UpsertTags(context.Background(), 100,
		[]string{"go"}, TagsMetadata{TagsHash: "h1"}, "anthropic", "haiku")
	require.NoError(t, err)
	assert.True(t, changed)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTagsState_RoundTrip(t *testing.T) {
	db, mock := newMockDB(t)
	s := NewEnrichmentStore(db)

	mock.ExpectQuery(`SELECT array_to_string\(tags`).
		WillReturnRows(sqlmock.NewRows([]string{"tags", "metadata"}).
			AddRow("go\ninfra", []byte(`{"tags_hash":"h1","vision_version":"v2","features_hash":"f1"}`)))

	tags, meta, err := s.TagsState(context.Background(), 100)
	require.NoError(t, err)
	assert.Equal(t, []string{"go", "infra"}, tags)
	assert.Equal(t, "h1", meta.TagsHash)
	assert.Equal(t, "v2", meta.VisionVersion)
	assert.Equal(t, "f1", meta.FeaturesHash)
}

func TestTagsState_NotFound(t *testing.T) {
	db, mock := newMockDB(t)
	s := NewEnrichmentStore(db)

	mock.ExpectQuery(`SELECT array_to_string\(tags`).
		WillReturnRows(sqlmock.NewRows([]string{"tags", "metadata"}))

	_, _, err := s.TagsState(context.Background(), 100)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStatusStore_FinalizeFlipsPostFlag(t *testing.T) {
	db, mock := newMockDB(t)
	s := NewStatusStore(db)

	mock.ExpectExec(`UPDATE indexing_status SET\s+graph_status`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE indexing_status SET processing_completed_at`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE posts SET is_processed`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, s.SetGraph(context.Background(), 100, "completed", ""))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStatusStore_NoFinalizeWhileEmbeddingPending(t *testing.T) {
	db, mock := newMockDB(t)
	s := NewStatusStore(db)

	mock.ExpectExec(`UPDATE indexing_status SET\s+graph_status`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE indexing_status SET processing_completed_at`).
		WillReturnResult(sqlmock.NewResult(0, 0)) // guard matched no row

	require.NoError(t, s.SetGraph(context.Background(), 100, "completed", ""))
	assert.NoError(t, mock.ExpectationsWereMet())
}
