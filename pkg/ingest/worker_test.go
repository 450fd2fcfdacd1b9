package ingest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sluicehq/sluice/pkg/config"
	"github.com/sluicehq/sluice/pkg/media"
	"github.com/sluicehq/sluice/pkg/ratelimit"
	"github.com/sluicehq/sluice/pkg/store"
	"github.com/sluicehq/sluice/pkg/telegram"
)

type fakeTG struct {
	msgs       []telegram.Message
	iterErr    error
	iterCalls  int
	connectErr error
	authorized bool
}

func (f *fakeTG) Connect(ctx context.Context) error    { return f.connectErr }
func (f *fakeTG) Disconnect(ctx context.Context) error { return nil }
func (f *fakeTG) IsAuthorized(ctx context.Context) (bool, error) {
	return f.authorized, nil
}
func (f *fakeTG) IterMessages(ctx context.Context, channelID int64, opts telegram.IterOptions) ([]telegram.Message, error) {
	f.iterCalls++
	if f.iterErr != nil {
		return nil, f.iterErr
	}
	return f.msgs, nil
}
func (f *fakeTG) IterDialogs(ctx context.Context) ([]telegram.Dialog, error) { return nil, nil }
func (f *fakeTG) DownloadMedia(ctx context.Context, msg telegram.Message, index int, maxBytes int64) ([]byte, error) {
	return nil, nil
}

type fakeSource struct {
	cursors   []store.ChannelCursor
	markCalls int
}

func (f *fakeSource) ActiveChannels(ctx context.Context, platformUserID int64) ([]store.ChannelCursor, error) {
	return f.cursors, nil
}
func (f *fakeSource) MarkIdentityUnauthenticated(ctx context.Context, platformUserID int64) error {
	f.markCalls++
	return nil
}

type fakeWriter struct {
	saved        []store.PostRecord
	result       store.BatchResult
	saveErr      error
	hwmChannelID int64
	hwmMessageID int64
	sidecarCalls int
}

func (f *fakeWriter) SavePosts(ctx context.Context, user store.UserDescriptor, channel store.ChannelDescriptor, posts []store.PostRecord) (store.BatchResult, error) {
	f.saved = posts
	if f.saveErr != nil {
		return store.BatchResult{}, f.saveErr
	}
	return f.result, nil
}

func (f *fakeWriter) AdvanceHighWaterMark(ctx context.Context, channelID, messageID int64, postedAt time.Time) error {
	f.hwmChannelID = channelID
	f.hwmMessageID = messageID
	return nil
}

func (f *fakeWriter) SaveForwardsReactionsReplies(ctx context.Context, postID int64, fwd *store.ForwardInfo, reactions []store.ReactionCount, repliesCount int) {
	f.sidecarCalls++
}

type fakeMedia struct {
	calls  int
	result media.Result
}

func (f *fakeMedia) Process(ctx context.Context, in media.Input) (media.Result, error) {
	f.calls++
	return f.result, nil
}

type fakeLimiter struct {
	cooling     bool
	denyChannel bool
	denyGlobal  bool
	batch       int
	cooldowns   map[int64]time.Duration
	floodWaits  map[string]time.Duration
}

func newFakeLimiter() *fakeLimiter {
	return &fakeLimiter{
		batch:      100,
		cooldowns:  make(map[int64]time.Duration),
		floodWaits: make(map[string]time.Duration),
	}
}

func (f *fakeLimiter) IsInCooldown(ctx context.Context, channelID int64) (bool, error) {
	return f.cooling, nil
}
func (f *fakeLimiter) SetCooldown(ctx context.Context, channelID int64, d time.Duration) error {
	f.cooldowns[channelID] = d
	return nil
}
func (f *fakeLimiter) SetFloodWait(ctx context.Context, account, method string, wait time.Duration) error {
	f.floodWaits[account+":"+method] = wait
	return nil
}
func (f *fakeLimiter) AllowChannel(ctx context.Context, channelID int64) (ratelimit.CheckResult, error) {
	return ratelimit.CheckResult{Allowed: !f.denyChannel}, nil
}
func (f *fakeLimiter) AllowGlobal(ctx context.Context) (ratelimit.CheckResult, error) {
	return ratelimit.CheckResult{Allowed: !f.denyGlobal}, nil
}
func (f *fakeLimiter) AdaptiveBatchSize(ctx context.Context, account string, hour int) (int, error) {
	return f.batch, nil
}

type workerFixture struct {
	worker  *Worker
	tg      *fakeTG
	source  *fakeSource
	writer  *fakeWriter
	media   *fakeMedia
	limiter *fakeLimiter
	mock    sqlmock.Sqlmock
}

func testCursor() store.ChannelCursor {
	return store.ChannelCursor{
		ChannelID:         3,
		PlatformChannelID: 900,
		Username:          "acme_news",
		HighWaterMark:     10,
		UserID:            7,
		TenantSlug:        "acme",
		PlatformUserID:    111,
	}
}

func newTestWorker(t *testing.T) *workerFixture {
	t.Helper()

	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	sdb := sqlx.NewDb(db, "pgx")

	cfg := &config.IngestConfig{
		PollIntervalS:         60,
		WatchdogIntervalS:     1,
		KeepAliveIntervalS:    150,
		ReconnectFailureLimit: 3,
		ReconnectWindowMin:    15,
	}
	tg := &fakeTG{authorized: true}
	source := &fakeSource{cursors: []store.ChannelCursor{testCursor()}}
	writer := &fakeWriter{}
	mediaProc := &fakeMedia{}
	limiter := newFakeLimiter()
	identity := Identity{TenantSlug: "acme", PlatformUserID: 111, Phone: "+15550001", Tier: "standard"}

	w := NewWorker(cfg, identity, tg, source, writer, mediaProc, limiter, sdb)
	return &workerFixture{worker: w, tg: tg, source: source, writer: writer, media: mediaProc, limiter: limiter, mock: mock}
}

func textMsg(id int64, text string) telegram.Message {
	return telegram.Message{ID: id, ChannelID: 900, Text: text, PostedAt: time.Now()}
}

func TestPollOnce_PersistsAndStagesNewPosts(t *testing.T) {
	f := newTestWorker(t)
	f.tg.msgs = []telegram.Message{textMsg(12, "second post"), textMsg(11, "first post")}
	f.writer.result = store.BatchResult{
		UserID: 7, TenantID: 1, ChannelID: 3,
		Posts: []store.PostWriteResult{
			{PostID: 101, PlatformMessageID: 11, Inserted: true},
			{PostID: 102, PlatformMessageID: 12, Inserted: true},
		},
	}
	f.mock.ExpectExec(`INSERT INTO outbox_events`).
		WillReturnResult(sqlmock.NewResult(1, 1))
	f.mock.ExpectExec(`INSERT INTO outbox_events`).
		WillReturnResult(sqlmock.NewResult(2, 1))

	require.NoError(t, f.worker.PollOnce(context.Background()))

	require.Len(t, f.writer.saved, 2)
	assert.Equal(t, int64(11), f.writer.saved[0].PlatformMessageID, "records are written oldest first")
	assert.Equal(t, int64(12), f.writer.saved[1].PlatformMessageID)
	assert.Equal(t, int64(3), f.writer.hwmChannelID)
	assert.Equal(t, int64(12), f.writer.hwmMessageID)
	assert.NoError(t, f.mock.ExpectationsWereMet())
}

func TestPollOnce_SkipsMessagesBelowHighWaterMark(t *testing.T) {
	f := newTestWorker(t)
	f.tg.msgs = []telegram.Message{textMsg(10, "already seen"), textMsg(9, "older")}

	require.NoError(t, f.worker.PollOnce(context.Background()))

	assert.Empty(t, f.writer.saved)
	assert.Zero(t, f.writer.hwmMessageID)
}

func TestPollOnce_CooldownChannelNotFetched(t *testing.T) {
	f := newTestWorker(t)
	f.limiter.cooling = true
	f.tg.msgs = []telegram.Message{textMsg(11, "unreachable")}

	require.NoError(t, f.worker.PollOnce(context.Background()))

	assert.Zero(t, f.tg.iterCalls)
}

func TestPollOnce_RateLimitedChannelSkipped(t *testing.T) {
	f := newTestWorker(t)
	f.limiter.denyChannel = true

	require.NoError(t, f.worker.PollOnce(context.Background()))

	assert.Zero(t, f.tg.iterCalls)
}

func TestPollOnce_LongFloodWaitParksChannel(t *testing.T) {
	f := newTestWorker(t)
	f.tg.iterErr = telegram.NewFloodWait("get_messages", 120)

	require.NoError(t, f.worker.PollOnce(context.Background()))

	assert.Equal(t, 120*time.Second, f.limiter.cooldowns[3])
	assert.Equal(t, 120*time.Second, f.limiter.floodWaits["111:get_messages"])
	assert.Empty(t, f.writer.saved)
}

func TestPollOnce_MissingSubscriptionIsQuiet(t *testing.T) {
	f := newTestWorker(t)
	f.tg.msgs = []telegram.Message{textMsg(11, "no subscription")}
	f.writer.saveErr = store.ErrNoSubscription

	require.NoError(t, f.worker.PollOnce(context.Background()))

	assert.Zero(t, f.writer.hwmMessageID)
}

func TestPollOnce_UnchangedRowsStillAdvanceMark(t *testing.T) {
	f := newTestWorker(t)
	f.tg.msgs = []telegram.Message{textMsg(11, "counter bump only")}
	f.writer.result = store.BatchResult{
		ChannelID: 3,
		Posts:     []store.PostWriteResult{{PostID: 101, PlatformMessageID: 11}},
	}

	require.NoError(t, f.worker.PollOnce(context.Background()))

	assert.Equal(t, int64(11), f.writer.hwmMessageID)
	assert.Zero(t, f.media.calls)
	assert.NoError(t, f.mock.ExpectationsWereMet(), "no outbox rows for unchanged posts")
}

func TestPollOnce_MediaRunsBeforeStaging(t *testing.T) {
	f := newTestWorker(t)
	msg := textMsg(11, "with photo")
	msg.Media = []telegram.Media{{Kind: telegram.MediaPhoto, MimeType: "image/jpeg", SizeBytes: 1024}}
	f.tg.msgs = []telegram.Message{msg}
	f.writer.result = store.BatchResult{
		ChannelID: 3,
		Posts:     []store.PostWriteResult{{PostID: 101, PlatformMessageID: 11, Inserted: true}},
	}
	f.mock.ExpectExec(`INSERT INTO outbox_events`).
		WillReturnResult(sqlmock.NewResult(1, 1))

	require.NoError(t, f.worker.PollOnce(context.Background()))

	assert.Equal(t, 1, f.media.calls)
	assert.NoError(t, f.mock.ExpectationsWereMet())
}

func TestPollOnce_AuthFailureParksIdentity(t *testing.T) {
	f := newTestWorker(t)
	f.tg.iterErr = telegram.NewAuthFailed("get_messages", errors.New("session revoked"))

	require.NoError(t, f.worker.PollOnce(context.Background()))

	assert.Equal(t, 1, f.source.markCalls)
	select {
	case <-f.worker.stopCh:
	default:
		t.Fatal("expected worker stop channel to be closed")
	}
}

func TestReconnectFailures_TripRollingLimit(t *testing.T) {
	f := newTestWorker(t)
	ctx := context.Background()

	f.worker.noteReconnectFailure(ctx)
	f.worker.noteReconnectFailure(ctx)
	assert.Zero(t, f.source.markCalls)

	f.worker.noteReconnectFailure(ctx)
	assert.Equal(t, 1, f.source.markCalls, "third failure within the window parks the identity")
}

func TestReconnectBackoff_DoublesWithCap(t *testing.T) {
	f := newTestWorker(t)
	ctx := context.Background()
	f.source.cursors = nil

	f.worker.noteReconnectFailure(ctx)
	first := f.worker.backoff
	assert.GreaterOrEqual(t, first, time.Duration(float64(time.Second)*2*0.8))
	assert.LessOrEqual(t, first, time.Duration(float64(time.Second)*2*1.2))

	f.worker.markConnected()
	assert.Equal(t, time.Second, f.worker.backoff, "successful call resets the backoff")
}
