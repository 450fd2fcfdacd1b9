package store

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMockDB(t *testing.T) (*sqlx.DB, sqlmock.Sqlmock) {
	t.Helper()
	mockDB, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { mockDB.Close() })
	return sqlx.NewDb(mockDB, "sqlmock"), mock
}

func expectHierarchy(mock sqlmock.Sqlmock, channelStatus string) {
	mock.ExpectQuery(`INSERT INTO tenants`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(7)))
	mock.ExpectQuery(`INSERT INTO identities`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(3)))
	mock.ExpectQuery(`INSERT INTO users`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(11)))
	mock.ExpectQuery(`INSERT INTO channels`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "status"}).AddRow(int64(42), channelStatus))
}

func TestSavePosts_NewSubscriptionCreated(t *testing.T) {
	db, mock := newMockDB(t)
	w := NewBatchWriter(db)

	mock.ExpectBegin()
	expectHierarchy(mock, "active")
	mock.ExpectQuery(`SELECT id, is_active FROM subscriptions`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "is_active"})) // no row
	mock.ExpectExec(`INSERT INTO subscriptions`).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectQuery(`SELECT platform_message_id, content_hash FROM posts`).
		WillReturnRows(sqlmock.NewRows([]string{"platform_message_id", "content_hash"}))
	mock.ExpectQuery(`INSERT INTO posts`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "inserted"}).AddRow(int64(100), true))
	mock.ExpectCommit()

	res, err := w.SavePosts(context.Background(),
		UserDescriptor{TenantSlug: "t1", PlatformUserID: 555},
		ChannelDescriptor{PlatformChannelID: 999},
		[]PostRecord{{PlatformMessageID: 1, Content: "hello", ContentHash: "abc", PostedAt: time.Now()}},
	)
	require.NoError(t, err)
	assert.Equal(t, int64(42), res.ChannelID)
	require.Len(t, res.Posts, 1)
	assert.True(t, res.Posts[0].Inserted)
	assert.False(t, res.Posts[0].ContentChanged)
	assert.Equal(t, 1, res.Written())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSavePosts_InactiveSubscriptionOnHoldChannelAborts(t *testing.T) {
	db, mock := newMockDB(t)
	w := NewBatchWriter(db)

	mock.ExpectBegin()
	expectHierarchy(mock, "on_hold")
	mock.ExpectQuery(`SELECT id, is_active FROM subscriptions`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "is_active"}).AddRow(int64(5), false))
	mock.ExpectRollback()

	_, err := w.SavePosts(context.Background(),
		UserDescriptor{TenantSlug: "t1", PlatformUserID: 555},
		ChannelDescriptor{PlatformChannelID: 999},
		[]PostRecord{{PlatformMessageID: 1, PostedAt: time.Now()}},
	)
	assert.ErrorIs(t, err, ErrSubscriptionInactive)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSavePosts_NoSubscriptionOnHoldChannelAborts(t *testing.T) {
	db, mock := newMockDB(t)
	w := NewBatchWriter(db)

	mock.ExpectBegin()
	expectHierarchy(mock, "on_hold")
	mock.ExpectQuery(`SELECT id, is_active FROM subscriptions`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "is_active"}))
	mock.ExpectRollback()

	_, err := w.SavePosts(context.Background(),
		UserDescriptor{TenantSlug: "t1", PlatformUserID: 555},
		ChannelDescriptor{PlatformChannelID: 999},
		[]PostRecord{{PlatformMessageID: 1, PostedAt: time.Now()}},
	)
	assert.ErrorIs(t, err, ErrNoSubscription)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSavePosts_EditDetectedByHashChange(t *testing.T) {
	db, mock := newMockDB(t)
	w := NewBatchWriter(db)

	mock.ExpectBegin()
	expectHierarchy(mock, "active")
	mock.ExpectQuery(`SELECT id, is_active FROM subscriptions`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "is_active"}).AddRow(int64(5), true))
	mock.ExpectQuery(`SELECT platform_message_id, content_hash FROM posts`).
		WillReturnRows(sqlmock.NewRows([]string{"platform_message_id", "content_hash"}).
			AddRow(int64(1), "oldhash").
			AddRow(int64(2), "samehash"))
	mock.ExpectQuery(`INSERT INTO posts`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "inserted"}).AddRow(int64(100), false))
	mock.ExpectQuery(`INSERT INTO posts`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "inserted"}).AddRow(int64(101), false))
	mock.ExpectCommit()

	res, err := w.SavePosts(context.Background(),
		UserDescriptor{TenantSlug: "t1", PlatformUserID: 555},
		ChannelDescriptor{PlatformChannelID: 999},
		[]PostRecord{
			{PlatformMessageID: 1, Content: "edited", ContentHash: "newhash", PostedAt: time.Now()},
			{PlatformMessageID: 2, Content: "same", ContentHash: "samehash", PostedAt: time.Now()},
		},
	)
	require.NoError(t, err)
	assert.True(t, res.Posts[0].ContentChanged)
	assert.False(t, res.Posts[1].ContentChanged)
	assert.Equal(t, 1, res.Written())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSaveMediaToCAS_RefcountBumpedOnlyOnNewMapRow(t *testing.T) {
	db, mock := newMockDB(t)
	w := NewBatchWriter(db)

	// First ref: map row inserted, refcount bumped.
	mock.ExpectExec(`INSERT INTO media_objects`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO post_media_map`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE media_objects SET refs_count`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	// Replay: map row conflicts, no bump.
	mock.ExpectExec(`INSERT INTO media_objects`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO post_media_map`).
		WillReturnResult(sqlmock.NewResult(0, 0))

	media := []MediaRef{{SHA256: "aa", S3Key: "media/t1/aa/aa.jpg", MimeType: "image/jpeg", SizeBytes: 10}}
	require.NoError(t, w.SaveMediaToCAS(context.Background(), 100, media))
	require.NoError(t, w.SaveMediaToCAS(context.Background(), 100, media))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAdvanceHighWaterMark(t *testing.T) {
	db, mock := newMockDB(t)
	w := NewBatchWriter(db)

	mock.ExpectExec(`UPDATE channels SET`).
		WithArgs(int64(42), int64(1234), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, w.AdvanceHighWaterMark(context.Background(), 42, 1234, time.Now()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorCategory
	}{
		{"fk violation", &pgconn.PgError{Code: "23503"}, CategoryFKViolation},
		{"duplicate key", &pgconn.PgError{Code: "23505"}, CategoryDuplicateKey},
		{"permission denied", &pgconn.PgError{Code: "42501"}, CategoryPermissionDenied},
		{"query canceled", &pgconn.PgError{Code: "57014"}, CategoryTimeout},
		{"connection failure", &pgconn.PgError{Code: "08006"}, CategoryConnectionError},
		{"deadline", context.DeadlineExceeded, CategoryTimeout},
		{"unknown", assert.AnError, CategoryUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.err))
		})
	}

	assert.True(t, CategoryTimeout.Retryable())
	assert.True(t, CategoryConnectionError.Retryable())
	assert.False(t, CategoryFKViolation.Retryable())
	assert.False(t, CategoryDuplicateKey.Retryable())
}
