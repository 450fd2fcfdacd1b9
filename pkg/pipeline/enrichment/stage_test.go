package enrichment

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sluicehq/sluice/pkg/crawler"
	"github.com/sluicehq/sluice/pkg/eventlog"
	"github.com/sluicehq/sluice/pkg/events"
	"github.com/sluicehq/sluice/pkg/storage"
	"github.com/sluicehq/sluice/pkg/store"
)

type fakeFetcher struct {
	doc   crawler.Document
	err   error
	calls int
}

func (f *fakeFetcher) Fetch(ctx context.Context, rawURL string) (crawler.Document, error) {
	f.calls++
	return f.doc, f.err
}

type fakeBlobs struct {
	existing map[string]bool
	putErr   error
	puts     int
}

func (f *fakeBlobs) Exists(ctx context.Context, key string) (bool, error) {
	return f.existing[key], nil
}

func (f *fakeBlobs) PutCrawl(ctx context.Context, tenant, urlHash string, markdown []byte) (storage.PutResult, error) {
	f.puts++
	if f.putErr != nil {
		return storage.PutResult{}, f.putErr
	}
	return storage.PutResult{Key: storage.CrawlKey(tenant, urlHash), SizeBytes: int64(len(markdown))}, nil
}

type fixedPolicy struct{ p crawler.Policy }

func (f fixedPolicy) Active() crawler.Policy { return f.p }

func newTestStage(t *testing.T, fetch *fakeFetcher, blobs *fakeBlobs) (*Stage, sqlmock.Sqlmock, *redis.Client) {
	t.Helper()

	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	sdb := sqlx.NewDb(db, "pgx")

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	if blobs.existing == nil {
		blobs.existing = map[string]bool{}
	}
	stage := NewStage(fetch, fixedPolicy{crawler.DefaultPolicy()}, blobs,
		store.NewEnrichmentStore(sdb), eventlog.NewClient(rdb))
	return stage, mock, rdb
}

func taggedMessage(t *testing.T, ev events.PostTagged) eventlog.Message {
	t.Helper()
	if ev.Envelope.IdempotencyKey == "" {
		ev.Envelope = events.NewEnvelope("tagged:test")
	}
	if ev.Trigger == "" {
		ev.Trigger = events.TriggerInitial
	}
	data, err := events.Marshal(&ev)
	require.NoError(t, err)
	return eventlog.Message{ID: "1-0", Topic: events.TopicPostsTagged, Data: data}
}

func lastEnriched(t *testing.T, rdb *redis.Client) events.PostEnriched {
	t.Helper()
	entries, err := rdb.XRange(context.Background(),
		eventlog.StreamKey(events.TopicPostsEnriched), "-", "+").Result()
	require.NoError(t, err)
	require.NotEmpty(t, entries)

	var out events.PostEnriched
	raw := entries[len(entries)-1].Values["data"].(string)
	require.NoError(t, json.Unmarshal([]byte(raw), &out))
	return out
}

func TestHandle_CrawlsMatchingPost(t *testing.T) {
	fetch := &fakeFetcher{doc: crawler.Document{
		CanonicalURL:      "https://example.com/paper",
		URLHash:           "abc123",
		Title:             "A Paper",
		Markdown:          "# A Paper\n\nlots of words here",
		WordCount:         120,
		OriginalWordCount: 150,
		FetchDuration:     200 * time.Millisecond,
	}}
	blobs := &fakeBlobs{}
	stage, mock, rdb := newTestStage(t, fetch, blobs)

	mock.ExpectExec(`INSERT INTO post_enrichments`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	msg := taggedMessage(t, events.PostTagged{
		TenantID: "acme", PostID: 5, ChannelID: 2,
		Tags: []string{"research"},
		URLs: []string{"https://example.com/paper?utm_source=x"},
	})
	require.NoError(t, stage.Handle(context.Background(), msg))

	assert.Equal(t, 1, fetch.calls)
	assert.Equal(t, 1, blobs.puts)

	out := lastEnriched(t, rdb)
	assert.False(t, out.Skipped)
	assert.Equal(t, 120, out.WordCount)
	assert.Equal(t, []string{"https://example.com/paper"}, out.SourceURLs)
	assert.InDelta(t, 0.8, out.QualityScore, 0.001)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestHandle_NoURLSkips(t *testing.T) {
	fetch := &fakeFetcher{}
	stage, _, rdb := newTestStage(t, fetch, &fakeBlobs{})

	msg := taggedMessage(t, events.PostTagged{
		TenantID: "acme", PostID: 5,
		Tags: []string{"research"},
	})
	require.NoError(t, stage.Handle(context.Background(), msg))

	assert.Zero(t, fetch.calls)
	out := lastEnriched(t, rdb)
	assert.True(t, out.Skipped)
	assert.Equal(t, events.SkipNoURL, out.SkipReason)
}

func TestHandle_TagMismatchSkips(t *testing.T) {
	fetch := &fakeFetcher{}
	stage, _, rdb := newTestStage(t, fetch, &fakeBlobs{})

	msg := taggedMessage(t, events.PostTagged{
		TenantID: "acme", PostID: 5,
		Tags: []string{"cats"},
		URLs: []string{"https://example.com/cats"},
	})
	require.NoError(t, stage.Handle(context.Background(), msg))

	assert.Zero(t, fetch.calls)
	assert.Equal(t, events.SkipTagMismatch, lastEnriched(t, rdb).SkipReason)
}

func TestHandle_CacheHitSkipsCrawl(t *testing.T) {
	canonical, err := crawler.Canonicalize("https://example.com/paper")
	require.NoError(t, err)
	key := storage.CrawlKey("acme", crawler.URLHash(canonical))

	fetch := &fakeFetcher{}
	stage, _, rdb := newTestStage(t, fetch, &fakeBlobs{existing: map[string]bool{key: true}})

	msg := taggedMessage(t, events.PostTagged{
		TenantID: "acme", PostID: 5,
		Tags: []string{"research"},
		URLs: []string{"https://example.com/paper"},
	})
	require.NoError(t, stage.Handle(context.Background(), msg))

	assert.Zero(t, fetch.calls)
	assert.Equal(t, events.SkipCacheHit, lastEnriched(t, rdb).SkipReason)
}

func TestHandle_QuotaDenialSkipsAsBudgetExhausted(t *testing.T) {
	fetch := &fakeFetcher{doc: crawler.Document{URLHash: "abc", Markdown: "text", WordCount: 1, OriginalWordCount: 1}}
	blobs := &fakeBlobs{putErr: &storage.QuotaDeniedError{}}
	stage, _, rdb := newTestStage(t, fetch, blobs)

	msg := taggedMessage(t, events.PostTagged{
		TenantID: "acme", PostID: 5,
		Tags: []string{"research"},
		URLs: []string{"https://example.com/paper"},
	})
	require.NoError(t, stage.Handle(context.Background(), msg))

	assert.Equal(t, events.SkipBudgetExhausted, lastEnriched(t, rdb).SkipReason)
}

func TestHandle_FetchFailureIsTransient(t *testing.T) {
	fetch := &fakeFetcher{err: errors.New("connection reset")}
	stage, _, rdb := newTestStage(t, fetch, &fakeBlobs{})

	msg := taggedMessage(t, events.PostTagged{
		TenantID: "acme", PostID: 5,
		Tags: []string{"research"},
		URLs: []string{"https://example.com/paper"},
	})
	err := stage.Handle(context.Background(), msg)
	require.Error(t, err)

	// No event on failure; the message stays pending.
	n, err2 := rdb.XLen(context.Background(), eventlog.StreamKey(events.TopicPostsEnriched)).Result()
	require.NoError(t, err2)
	assert.Zero(t, n)
}
