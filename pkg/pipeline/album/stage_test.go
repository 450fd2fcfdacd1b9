package album

import (
	"context"
	"encoding/json"
	"strings"
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
	"github.com/sluicehq/sluice/pkg/storage"
	"github.com/sluicehq/sluice/pkg/store"
)

type fakeBlobs struct{ puts int }

func (f *fakeBlobs) PutAlbumSummary(ctx context.Context, tenant string, albumID int64, payload []byte) (storage.PutResult, error) {
	f.puts++
	return storage.PutResult{Key: storage.AlbumSummaryKey(tenant, albumID)}, nil
}

func newTestStage(t *testing.T) (*Stage, *fakeBlobs, sqlmock.Sqlmock, *redis.Client) {
	t.Helper()

	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	sdb := sqlx.NewDb(db, "pgx")

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	blobs := &fakeBlobs{}
	cfg := &config.AlbumConfig{SearchWindowMinutes: 10, SearchLimit: 10, StateTTLHours: 6}
	stage := NewStage(cfg, blobs, store.NewQueries(sdb), eventlog.NewClient(rdb), rdb)
	return stage, blobs, mock, rdb
}

func seedAlbum(t *testing.T, stage *Stage, albumID int64, items int) {
	t.Helper()
	ev := events.AlbumParsed{
		Envelope:   events.NewEnvelope("album-parsed:test"),
		TenantID:   "acme",
		AlbumID:    albumID,
		ChannelID:  3,
		ItemsCount: items,
		Caption:    "vacation shots",
		PostedAt:   time.Now(),
	}
	data, err := events.Marshal(&ev)
	require.NoError(t, err)
	require.NoError(t, stage.HandleParsed(context.Background(),
		eventlog.Message{ID: "1-0", Topic: events.TopicAlbumsParsed, Data: data}))
}

func analyzedMessage(t *testing.T, albumID, postID int64, vision events.VisionResult) eventlog.Message {
	t.Helper()
	ev := events.VisionAnalyzed{
		Envelope:  events.NewEnvelope("vision:test"),
		TenantID:  "acme",
		PostID:    postID,
		ChannelID: 3,
		AlbumID:   albumID,
		Vision:    vision,
	}
	data, err := events.Marshal(&ev)
	require.NoError(t, err)
	return eventlog.Message{ID: "1-0", Topic: events.TopicVisionAnalyzed, Data: data}
}

func assembledEvents(t *testing.T, rdb *redis.Client) []events.AlbumAssembled {
	t.Helper()
	entries, err := rdb.XRange(context.Background(),
		eventlog.StreamKey(events.TopicAlbumAssembled), "-", "+").Result()
	require.NoError(t, err)

	out := make([]events.AlbumAssembled, 0, len(entries))
	for _, e := range entries {
		var ev events.AlbumAssembled
		require.NoError(t, json.Unmarshal([]byte(e.Values["data"].(string)), &ev))
		out = append(out, ev)
	}
	return out
}

func TestFanIn_AssemblesOnLastItem(t *testing.T) {
	stage, blobs, mock, rdb := newTestStage(t)
	seedAlbum(t, stage, 42, 2)

	mock.ExpectExec(`UPDATE albums SET vision_summary`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	ctx := context.Background()
	require.NoError(t, stage.HandleAnalyzed(ctx, analyzedMessage(t, 42, 100, events.VisionResult{
		Classification: "photo",
		Description:    "a beach at sunset",
		Labels:         []string{"Beach", "sunset"},
	})))
	assert.Empty(t, assembledEvents(t, rdb))

	require.NoError(t, stage.HandleAnalyzed(ctx, analyzedMessage(t, 42, 101, events.VisionResult{
		Classification: "photo",
		Description:    "a meme about beaches",
		Labels:         []string{"beach", "meme"},
		IsMeme:         true,
		OCRText:        "when the tide comes in",
	})))

	assembled := assembledEvents(t, rdb)
	require.Len(t, assembled, 1)
	out := assembled[0]
	assert.Equal(t, int64(42), out.AlbumID)
	assert.Equal(t, 2, out.ItemsAnalyzed)
	assert.Equal(t, []string{"beach", "meme", "sunset"}, out.Labels)
	assert.True(t, out.HasMeme)
	assert.True(t, out.HasText)
	assert.Contains(t, out.OCRText, "tide")
	assert.Equal(t, 1, blobs.puts)

	// State deleted: no double assembly.
	n, err := rdb.Exists(context.Background(), stateKey(42)).Result()
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestFanIn_DuplicateItemCountedOnce(t *testing.T) {
	stage, _, mock, rdb := newTestStage(t)
	seedAlbum(t, stage, 42, 2)

	mock.ExpectExec(`UPDATE albums SET vision_summary`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	ctx := context.Background()
	msg := analyzedMessage(t, 42, 100, events.VisionResult{
		Classification: "photo", Description: "first item photo",
	})
	require.NoError(t, stage.HandleAnalyzed(ctx, msg))
	require.NoError(t, stage.HandleAnalyzed(ctx, msg))
	assert.Empty(t, assembledEvents(t, rdb))

	require.NoError(t, stage.HandleAnalyzed(ctx, analyzedMessage(t, 42, 101, events.VisionResult{
		Classification: "photo", Description: "second item photo",
	})))
	assert.Len(t, assembledEvents(t, rdb), 1)
}

func TestFanIn_NonAlbumPostIgnored(t *testing.T) {
	stage, _, _, rdb := newTestStage(t)

	require.NoError(t, stage.HandleAnalyzed(context.Background(),
		analyzedMessage(t, 0, 100, events.VisionResult{
			Classification: "photo", Description: "standalone photo",
		})))
	assert.Empty(t, assembledEvents(t, rdb))
}

func TestFanIn_LateItemAfterAssemblyDropped(t *testing.T) {
	stage, blobs, mock, rdb := newTestStage(t)
	seedAlbum(t, stage, 42, 1)

	mock.ExpectExec(`UPDATE albums SET vision_summary`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	ctx := context.Background()
	require.NoError(t, stage.HandleAnalyzed(ctx, analyzedMessage(t, 42, 100, events.VisionResult{
		Classification: "photo", Description: "the only item here",
	})))
	require.Len(t, assembledEvents(t, rdb), 1)

	// A straggler for the same album finds no state and is dropped.
	require.NoError(t, stage.HandleAnalyzed(ctx, analyzedMessage(t, 42, 101, events.VisionResult{
		Classification: "photo", Description: "a late arriving item",
	})))
	assert.Len(t, assembledEvents(t, rdb), 1)
	assert.Equal(t, 1, blobs.puts)
}

func TestSeed_ReseedGrowsItemCount(t *testing.T) {
	stage, _, _, rdb := newTestStage(t)
	seedAlbum(t, stage, 42, 2)
	seedAlbum(t, stage, 42, 3)

	raw, err := rdb.Get(context.Background(), stateKey(42)).Bytes()
	require.NoError(t, err)
	var st state
	require.NoError(t, json.Unmarshal(raw, &st))
	assert.Equal(t, 3, st.ItemsCount)
}

func TestDedupeLabels(t *testing.T) {
	out := dedupeLabels([]string{"Beach", " beach ", "SUNSET", "", "sunset"})
	assert.Equal(t, []string{"beach", "sunset"}, out)
	assert.True(t, strings.HasPrefix(stateKey(7), "album:state:"))
}
