package outbox

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sluicehq/sluice/pkg/config"
	"github.com/sluicehq/sluice/pkg/eventlog"
	"github.com/sluicehq/sluice/pkg/events"
)

func newTestRelay(t *testing.T) (*Relay, sqlmock.Sqlmock, *redis.Client, *miniredis.Miniredis) {
	t.Helper()

	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	sdb := sqlx.NewDb(db, "pgx")

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	cfg := &config.OutboxConfig{BatchSize: 100, PollIntervalS: 1, MaxRetries: 10}
	return NewRelay(sdb, eventlog.NewClient(rdb), cfg), mock, rdb, mr
}

func rowColumns() []string {
	return []string{"id", "stream", "event", "payload", "idempotency_key", "retry_count"}
}

func TestStage_InsertsPendingRow(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	sdb := sqlx.NewDb(db, "pgx")

	mock.ExpectExec(`INSERT INTO outbox_events`).
		WithArgs(events.TopicPostsParsed, events.TopicPostsParsed, sqlmock.AnyArg(), "parsed:1").
		WillReturnResult(sqlmock.NewResult(1, 1))

	ev := events.PostParsed{
		Envelope: events.NewEnvelope("parsed:1"),
		TenantID: "acme", UserID: 1, ChannelID: 2, PostID: 3,
		Text: "hello", PostedAt: time.Now(),
	}
	require.NoError(t, Stage(context.Background(), sdb, &ev))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDrainOnce_PublishesAndMarksSent(t *testing.T) {
	relay, mock, rdb, _ := newTestRelay(t)

	mock.ExpectQuery(`SELECT id, stream, event, payload, idempotency_key, retry_count FROM outbox_events`).
		WillReturnRows(sqlmock.NewRows(rowColumns()).
			AddRow(1, events.TopicPostsParsed, events.TopicPostsParsed, []byte(`{"post_id":3}`), "parsed:1", 0).
			AddRow(2, events.TopicPostsParsed, events.TopicPostsParsed, []byte(`{"post_id":4}`), "parsed:2", 0))
	mock.ExpectExec(`UPDATE outbox_events SET status = 'sent'`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE outbox_events SET status = 'sent'`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	n, err := relay.DrainOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	streamLen, err := rdb.XLen(context.Background(), eventlog.StreamKey(events.TopicPostsParsed)).Result()
	require.NoError(t, err)
	assert.Equal(t, int64(2), streamLen)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDrainOnce_PublishFailureReschedules(t *testing.T) {
	relay, mock, _, mr := newTestRelay(t)
	mr.Close() // publishing now fails

	mock.ExpectQuery(`SELECT id, stream, event, payload, idempotency_key, retry_count FROM outbox_events`).
		WillReturnRows(sqlmock.NewRows(rowColumns()).
			AddRow(5, events.TopicPostsParsed, events.TopicPostsParsed, []byte(`{"post_id":9}`), "parsed:9", 2))
	mock.ExpectExec(`UPDATE outbox_events SET retry_count = \$2, next_retry_at`).
		WithArgs(int64(5), 3, "4s", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	n, err := relay.DrainOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDrainOnce_ExhaustedRowParksDead(t *testing.T) {
	relay, mock, _, mr := newTestRelay(t)
	mr.Close()

	mock.ExpectQuery(`SELECT id, stream, event, payload, idempotency_key, retry_count FROM outbox_events`).
		WillReturnRows(sqlmock.NewRows(rowColumns()).
			AddRow(6, events.TopicPostsParsed, events.TopicPostsParsed, []byte(`{"post_id":9}`), "parsed:9", 9))
	mock.ExpectExec(`UPDATE outbox_events SET status = 'dead'`).
		WithArgs(int64(6), 10, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	n, err := relay.DrainOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRelay_StartStop(t *testing.T) {
	relay, mock, _, _ := newTestRelay(t)
	mock.ExpectQuery(`SELECT id, stream, event, payload, idempotency_key, retry_count FROM outbox_events`).
		WillReturnRows(sqlmock.NewRows(rowColumns()))

	require.NoError(t, relay.Start(context.Background()))
	time.Sleep(1200 * time.Millisecond)
	relay.Stop()
}
