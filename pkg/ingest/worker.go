// Package ingest drives the per-identity polling workers: each worker
// owns one platform client, walks the identity's active channels past
// their high-water marks, hands batches to the atomic writer, dispatches
// media, and stages posts.parsed through the outbox. A watchdog keeps
// the connection alive and parks the identity after repeated reconnect
// failures.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/sluicehq/sluice/pkg/config"
	"github.com/sluicehq/sluice/pkg/events"
	"github.com/sluicehq/sluice/pkg/media"
	"github.com/sluicehq/sluice/pkg/outbox"
	"github.com/sluicehq/sluice/pkg/ratelimit"
	"github.com/sluicehq/sluice/pkg/store"
	"github.com/sluicehq/sluice/pkg/telegram"
)

// Reconnect backoff bounds. The delay doubles with ±20% jitter up to the
// cap and resets after any successful platform call.
const (
	reconnectInitialBackoff = time.Second
	reconnectMaxBackoff     = 60 * time.Second
)

// cooldownFloodThreshold is the flood-wait length beyond which the
// channel is parked instead of slept out in place.
const cooldownFloodThreshold = time.Minute

// Identity is one authorised observing account.
type Identity struct {
	TenantSlug     string
	PlatformUserID int64
	Phone          string
	Tier           string
}

// channelSource lists pollable channels and flags broken identities.
type channelSource interface {
	ActiveChannels(ctx context.Context, platformUserID int64) ([]store.ChannelCursor, error)
	MarkIdentityUnauthenticated(ctx context.Context, platformUserID int64) error
}

// batchWriter is the slice of the store writer the worker drives.
type batchWriter interface {
	SavePosts(ctx context.Context, user store.UserDescriptor, channel store.ChannelDescriptor, posts []store.PostRecord) (store.BatchResult, error)
	AdvanceHighWaterMark(ctx context.Context, channelID, messageID int64, postedAt time.Time) error
	SaveForwardsReactionsReplies(ctx context.Context, postID int64, fwd *store.ForwardInfo, reactions []store.ReactionCount, repliesCount int)
}

// mediaProcessor handles one message's attachments.
type mediaProcessor interface {
	Process(ctx context.Context, in media.Input) (media.Result, error)
}

// admission is the slice of the rate limiter the worker consults.
type admission interface {
	IsInCooldown(ctx context.Context, channelID int64) (bool, error)
	SetCooldown(ctx context.Context, channelID int64, d time.Duration) error
	SetFloodWait(ctx context.Context, account, method string, wait time.Duration) error
	AllowChannel(ctx context.Context, channelID int64) (ratelimit.CheckResult, error)
	AllowGlobal(ctx context.Context) (ratelimit.CheckResult, error)
	AdaptiveBatchSize(ctx context.Context, account string, hour int) (int, error)
}

// Worker polls one identity's channels. Exactly one worker owns each
// platform client; only the watchdog mutates connection state.
type Worker struct {
	cfg      *config.IngestConfig
	identity Identity
	client   telegram.Client
	channels channelSource
	writer   batchWriter
	media    mediaProcessor
	limiter  admission
	db       sqlx.ExtContext
	logger   *slog.Logger

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	mu             sync.Mutex
	connected      bool
	backoff        time.Duration
	nextAttempt    time.Time
	reconnectFails []time.Time
	lastKeepAlive  time.Time
}

// NewWorker wires one ingestion worker.
func NewWorker(cfg *config.IngestConfig, identity Identity, client telegram.Client, channels channelSource, writer batchWriter, mediaProc mediaProcessor, limiter admission, db sqlx.ExtContext) *Worker {
	return &Worker{
		cfg:      cfg,
		identity: identity,
		client:   client,
		channels: channels,
		writer:   writer,
		media:    mediaProc,
		limiter:  limiter,
		db:       db,
		backoff:  reconnectInitialBackoff,
		stopCh:   make(chan struct{}),
		logger: slog.With("component", "ingest",
			"platform_user_id", identity.PlatformUserID,
			"tenant", identity.TenantSlug),
	}
}

// Name identifies the worker in supervisor task names and logs.
func (w *Worker) Name() string {
	return strconv.FormatInt(w.identity.PlatformUserID, 10)
}

// Start connects the client and launches the poll and watchdog loops.
// A failed initial connect is not fatal; the watchdog keeps retrying.
func (w *Worker) Start(ctx context.Context) error {
	if err := w.client.Connect(ctx); err != nil {
		w.logger.Warn("Initial connect failed, watchdog will retry", "error", err)
		w.noteReconnectFailure(ctx)
	} else {
		w.markConnected()
	}

	w.wg.Add(2)
	go w.pollLoop(ctx)
	go w.watchdogLoop(ctx)
	w.logger.Info("Ingestion worker started",
		"poll_interval", w.cfg.PollInterval(),
		"watchdog_interval", w.cfg.WatchdogInterval())
	return nil
}

// Stop halts both loops, waits for the in-flight cycle, and disconnects.
func (w *Worker) Stop() {
	w.stopOnce.Do(func() { close(w.stopCh) })
	w.wg.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := w.client.Disconnect(ctx); err != nil {
		w.logger.Warn("Disconnect failed", "error", err)
	}
}

func (w *Worker) pollLoop(ctx context.Context) {
	defer w.wg.Done()

	for {
		delay := w.cfg.PollInterval()
		if j := w.cfg.PollJitter(); j > 0 {
			delay += time.Duration(rand.Int63n(int64(2*j))) - j
		}
		timer := time.NewTimer(delay)
		select {
		case <-w.stopCh:
			timer.Stop()
			return
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		if !w.isConnected() {
			continue
		}
		if err := w.PollOnce(ctx); err != nil {
			w.logger.Error("Polling cycle failed", "error", err)
		}
	}
}

// PollOnce walks every active channel of the identity once.
func (w *Worker) PollOnce(ctx context.Context) error {
	cursors, err := w.channels.ActiveChannels(ctx, w.identity.PlatformUserID)
	if err != nil {
		return err
	}

	for _, cursor := range cursors {
		select {
		case <-w.stopCh:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		if err := w.pollChannel(ctx, cursor); err != nil {
			w.logger.Warn("Channel poll failed",
				"channel_id", cursor.ChannelID,
				"username", cursor.Username,
				"error", err)
		}
	}
	cyclesTotal.Inc()
	return nil
}

// pollChannel fetches, persists, and announces one channel's new posts.
func (w *Worker) pollChannel(ctx context.Context, cursor store.ChannelCursor) error {
	// 1. Admission: cool-down first, then the sliding windows.
	cooling, err := w.limiter.IsInCooldown(ctx, cursor.ChannelID)
	if err != nil {
		return err
	}
	if cooling {
		channelsSkippedTotal.WithLabelValues("cooldown").Inc()
		return nil
	}
	if res, err := w.limiter.AllowGlobal(ctx); err != nil {
		return err
	} else if !res.Allowed {
		channelsSkippedTotal.WithLabelValues("global_rate").Inc()
		return nil
	}
	if res, err := w.limiter.AllowChannel(ctx, cursor.ChannelID); err != nil {
		return err
	} else if !res.Allowed {
		channelsSkippedTotal.WithLabelValues("channel_rate").Inc()
		return nil
	}

	// 2. Fetch past the high-water mark with the adaptive batch size.
	account := strconv.FormatInt(w.identity.PlatformUserID, 10)
	batch, err := w.limiter.AdaptiveBatchSize(ctx, account, time.Now().Hour())
	if err != nil {
		batch = 0 // client default
	}
	msgs, err := w.client.IterMessages(ctx, cursor.PlatformChannelID, telegram.IterOptions{
		Limit: batch,
		MinID: cursor.HighWaterMark,
	})
	if err != nil {
		return w.handleFetchError(ctx, cursor, err)
	}
	w.markConnected()

	records, byMsgID := w.buildRecords(msgs, cursor.HighWaterMark)
	if len(records) == 0 {
		return nil
	}

	// 3. One atomic write per (tenant, channel) batch.
	result, err := w.writer.SavePosts(ctx,
		store.UserDescriptor{
			TenantSlug:     cursor.TenantSlug,
			PlatformUserID: w.identity.PlatformUserID,
			Phone:          w.identity.Phone,
			Tier:           w.identity.Tier,
		},
		store.ChannelDescriptor{
			PlatformChannelID: cursor.PlatformChannelID,
			Username:          cursor.Username,
		},
		records,
	)
	if err != nil {
		if errors.Is(err, store.ErrNoSubscription) || errors.Is(err, store.ErrSubscriptionInactive) {
			channelsSkippedTotal.WithLabelValues("subscription").Inc()
			return nil
		}
		return err
	}

	// 4. Media, sidecars, and events for the rows that genuinely changed.
	var (
		maxID       int64
		maxPostedAt time.Time
	)
	for _, pr := range result.Posts {
		msg, ok := byMsgID[pr.PlatformMessageID]
		if !ok {
			continue
		}
		if pr.PlatformMessageID > maxID {
			maxID = pr.PlatformMessageID
			maxPostedAt = msg.PostedAt
		}
		if !pr.Inserted && !pr.ContentChanged {
			continue
		}
		w.announcePost(ctx, cursor, pr, msg)
	}

	// 5. The mark only advances after the batch committed.
	if maxID > cursor.HighWaterMark {
		if err := w.writer.AdvanceHighWaterMark(ctx, result.ChannelID, maxID, maxPostedAt); err != nil {
			return err
		}
	}
	return nil
}

// buildRecords turns fetched messages into writer records, oldest first,
// skipping anything at or below the high-water mark.
func (w *Worker) buildRecords(msgs []telegram.Message, hwm int64) ([]store.PostRecord, map[int64]telegram.Message) {
	byMsgID := make(map[int64]telegram.Message, len(msgs))
	var records []store.PostRecord
	for _, m := range msgs {
		if m.ID <= hwm {
			continue
		}
		byMsgID[m.ID] = m
		records = append(records, store.PostRecord{
			PlatformMessageID: m.ID,
			Content:           m.Text,
			ContentHash:       events.ContentHash(m.Text),
			PostedAt:          m.PostedAt,
			HasMedia:          len(m.Media) > 0,
			IsForward:         m.IsForward,
			ForwardFrom:       m.ForwardFrom,
			IsReply:           m.ReplyToID != 0,
			ReplyToMessageID:  m.ReplyToID,
			GroupedID:         m.GroupedID,
			Views:             m.Views,
			Reactions:         m.ReactionsTotal(),
			Forwards:          m.Forwards,
			Replies:           m.Replies,
		})
	}
	sort.Slice(records, func(i, j int) bool {
		return records[i].PlatformMessageID < records[j].PlatformMessageID
	})
	return records, byMsgID
}

// announcePost runs media processing and stages posts.parsed for one
// inserted-or-changed row. Failures here never abort the channel: the
// batch already committed.
func (w *Worker) announcePost(ctx context.Context, cursor store.ChannelCursor, pr store.PostWriteResult, msg telegram.Message) {
	var shas []string
	if len(msg.Media) > 0 && w.media != nil {
		res, err := w.media.Process(ctx, media.Input{
			TenantID:          cursor.TenantSlug,
			ChannelID:         cursor.ChannelID,
			PlatformChannelID: cursor.PlatformChannelID,
			PostID:            pr.PostID,
			Msg:               msg,
		})
		if err != nil {
			w.logger.Warn("Media processing failed", "post_id", pr.PostID, "error", err)
		}
		for _, f := range res.Files {
			shas = append(shas, f.SHA256)
		}
	}

	var reactions []store.ReactionCount
	for name, count := range msg.Reactions {
		reactions = append(reactions, store.ReactionCount{Reaction: name, Count: count})
	}
	if len(reactions) > 0 || msg.Replies > 0 {
		w.writer.SaveForwardsReactionsReplies(ctx, pr.PostID, nil, reactions, msg.Replies)
	}

	urls := extractURLs(msg.Text)
	ev := events.PostParsed{
		Envelope: events.NewEnvelope(fmt.Sprintf("parsed:%d:%s",
			pr.PostID, events.ContentHash(msg.Text))),
		TenantID:          cursor.TenantSlug,
		UserID:            cursor.UserID,
		ChannelID:         cursor.ChannelID,
		PostID:            pr.PostID,
		PlatformChannelID: cursor.PlatformChannelID,
		PlatformMessageID: msg.ID,
		Text:              msg.Text,
		URLs:              urls,
		LinkCount:         len(urls),
		PostedAt:          msg.PostedAt,
		ContentHash:       events.ContentHash(msg.Text),
		MediaSHA256List:   shas,
		HasMedia:          len(msg.Media) > 0,
		IsForward:         msg.IsForward,
		IsReply:           msg.ReplyToID != 0,
		AlbumID:           msg.GroupedID,
	}
	if err := outbox.Stage(ctx, w.db, &ev); err != nil {
		w.logger.Error("Failed to stage posts.parsed", "post_id", pr.PostID, "error", err)
		return
	}
	postsStagedTotal.Inc()
}

// handleFetchError classifies one IterMessages failure. Short flood-waits
// are slept out cooperatively; long ones park the channel; auth failures
// are terminal for the identity.
func (w *Worker) handleFetchError(ctx context.Context, cursor store.ChannelCursor, err error) error {
	pe, ok := telegram.AsPlatformError(err)
	if !ok {
		return err
	}

	switch pe.Category {
	case telegram.CategoryFloodWait:
		wait := pe.Wait()
		floodWaitsTotal.Inc()
		account := strconv.FormatInt(w.identity.PlatformUserID, 10)
		if wait > cooldownFloodThreshold {
			if err := w.limiter.SetFloodWait(ctx, account, "get_messages", wait); err != nil {
				w.logger.Warn("Failed to record flood-wait", "error", err)
			}
			if err := w.limiter.SetCooldown(ctx, cursor.ChannelID, wait); err != nil {
				w.logger.Warn("Failed to set cooldown", "error", err)
			}
			return nil
		}
		w.logger.Warn("Flood wait, sleeping out",
			"channel_id", cursor.ChannelID, "seconds", pe.Seconds)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-w.stopCh:
			return nil
		case <-time.After(wait + time.Second):
			return nil
		}
	case telegram.CategoryAuthFailed:
		w.handleAuthFailure(ctx, err)
		return nil
	default:
		w.markDisconnected()
		return err
	}
}

func (w *Worker) watchdogLoop(ctx context.Context) {
	defer w.wg.Done()

	ticker := time.NewTicker(w.cfg.WatchdogInterval())
	defer ticker.Stop()

	for {
		select {
		case <-w.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.watchdogTick(ctx)
		}
	}
}

// watchdogTick verifies connectivity when due and reconnects once the
// backoff window allows another attempt.
func (w *Worker) watchdogTick(ctx context.Context) {
	w.mu.Lock()
	connected := w.connected
	due := time.Since(w.lastKeepAlive) >= w.cfg.KeepAliveInterval()
	attemptAllowed := time.Now().After(w.nextAttempt)
	w.mu.Unlock()

	if connected {
		if !due {
			return
		}
		ok, err := w.client.IsAuthorized(ctx)
		switch {
		case err != nil:
			w.logger.Warn("Keep-alive failed, marking disconnected", "error", err)
			w.markDisconnected()
		case !ok:
			w.handleAuthFailure(ctx, errors.New("session no longer authorized"))
		default:
			w.markConnected()
		}
		return
	}

	if !attemptAllowed {
		return
	}
	if err := w.client.Connect(ctx); err != nil {
		reconnectsTotal.WithLabelValues("failed").Inc()
		w.logger.Warn("Reconnect failed", "error", err)
		w.noteReconnectFailure(ctx)
		return
	}
	reconnectsTotal.WithLabelValues("ok").Inc()
	w.markConnected()
	w.logger.Info("Reconnected")
}

// noteReconnectFailure records one failure in the rolling window, bumps
// the jittered backoff, and parks the identity once the limit is hit.
func (w *Worker) noteReconnectFailure(ctx context.Context) {
	w.mu.Lock()
	now := time.Now()
	cutoff := now.Add(-w.cfg.ReconnectWindow())
	kept := w.reconnectFails[:0]
	for _, t := range w.reconnectFails {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	w.reconnectFails = append(kept, now)
	failures := len(w.reconnectFails)

	jitter := 0.8 + rand.Float64()*0.4
	next := time.Duration(float64(w.backoff) * 2 * jitter)
	if next > reconnectMaxBackoff {
		next = reconnectMaxBackoff
	}
	w.backoff = next
	w.nextAttempt = now.Add(next)
	w.connected = false
	w.mu.Unlock()

	if failures >= w.cfg.ReconnectFailureLimit {
		w.handleAuthFailure(ctx, fmt.Errorf("%d reconnect failures within %s",
			failures, w.cfg.ReconnectWindow()))
	}
}

// handleAuthFailure parks the identity and its channels, then stops the
// worker's loops. Requires an operator to re-authenticate.
func (w *Worker) handleAuthFailure(ctx context.Context, cause error) {
	w.logger.Error("Identity authentication lost, parking channels", "error", cause)
	if err := w.channels.MarkIdentityUnauthenticated(ctx, w.identity.PlatformUserID); err != nil {
		w.logger.Error("Failed to mark identity unauthenticated", "error", err)
	}
	authFailuresTotal.Inc()
	w.stopOnce.Do(func() { close(w.stopCh) })
}

func (w *Worker) isConnected() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.connected
}

func (w *Worker) markConnected() {
	w.mu.Lock()
	w.connected = true
	w.backoff = reconnectInitialBackoff
	w.lastKeepAlive = time.Now()
	w.mu.Unlock()
}

func (w *Worker) markDisconnected() {
	w.mu.Lock()
	w.connected = false
	w.mu.Unlock()
}
