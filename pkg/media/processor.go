// Package media turns a message's attachments into content-addressed
// blobs: it classifies each item, streams the bytes within size and time
// bounds, uploads through the quota-checked store, records the
// descriptors, and announces vision-eligible uploads. Grouped messages
// additionally reconstruct their album so the assembler knows how many
// items to wait for.
package media

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/sluicehq/sluice/pkg/config"
	"github.com/sluicehq/sluice/pkg/eventlog"
	"github.com/sluicehq/sluice/pkg/events"
	"github.com/sluicehq/sluice/pkg/storage"
	"github.com/sluicehq/sluice/pkg/store"
	"github.com/sluicehq/sluice/pkg/telegram"
)

// downloadConcurrency bounds parallel downloads for one message.
const downloadConcurrency = 4

// platformAlbumCap is the most items one grouped message can hold on the
// platform; anything beyond it in the window is a different album echo.
const platformAlbumCap = 10

// downloader is the slice of the platform client the processor uses.
type downloader interface {
	IterMessages(ctx context.Context, channelID int64, opts telegram.IterOptions) ([]telegram.Message, error)
	DownloadMedia(ctx context.Context, msg telegram.Message, index int, maxBytes int64) ([]byte, error)
}

// blobStore uploads raw media through the quota gate.
type blobStore interface {
	PutMedia(ctx context.Context, tenant string, data []byte, mimeType string) (storage.PutResult, error)
}

// casWriter records media descriptors and post links.
type casWriter interface {
	SaveMediaToCAS(ctx context.Context, postID int64, media []store.MediaRef) error
}

// albumStore persists albums and their items.
type albumStore interface {
	UpsertAlbum(ctx context.Context, channelID, platformGroupedID int64, itemsCount int, caption, coverSHA string, postedAt time.Time) (int64, error)
	AddAlbumItem(ctx context.Context, albumID, postID int64, position int) error
}

// Input is one message whose attachments should be processed. ChannelID
// is the relational row; PlatformChannelID is what the platform client
// speaks.
type Input struct {
	TenantID          string
	ChannelID         int64
	PlatformChannelID int64
	PostID            int64
	Msg               telegram.Message
}

// Result reports what landed. Files holds every stored blob in attachment
// order; AlbumID is the album row the post was linked into (0 for single
// messages).
type Result struct {
	Files   []events.MediaFile
	AlbumID int64
}

// Processor downloads, uploads, and records one message's media.
type Processor struct {
	cfg      *config.MediaConfig
	albumCfg *config.AlbumConfig
	client   downloader
	blobs    blobStore
	cas      casWriter
	albums   albumStore
	log      *eventlog.Client
	rdb      redis.UniversalClient
	logger   *slog.Logger
}

// NewProcessor wires the media processor.
func NewProcessor(cfg *config.MediaConfig, albumCfg *config.AlbumConfig, client downloader, blobs blobStore, cas casWriter, albums albumStore, logClient *eventlog.Client, rdb redis.UniversalClient) *Processor {
	return &Processor{
		cfg:      cfg,
		albumCfg: albumCfg,
		client:   client,
		blobs:    blobs,
		cas:      cas,
		albums:   albums,
		log:      logClient,
		rdb:      rdb,
		logger:   slog.With("component", "media"),
	}
}

// Process handles all attachments of one message. Individual download or
// upload failures skip that item; the post itself is never failed over
// its media.
func (p *Processor) Process(ctx context.Context, in Input) (Result, error) {
	var res Result

	files, refs := p.downloadAndStore(ctx, in)
	res.Files = files

	if in.Msg.GroupedID != 0 {
		coverSHA := ""
		if len(files) > 0 {
			coverSHA = files[0].SHA256
		}
		albumID, err := p.linkAlbum(ctx, in, coverSHA)
		if err != nil {
			p.logger.Warn("Failed to link album",
				"channel_id", in.ChannelID,
				"grouped_id", in.Msg.GroupedID,
				"error", err)
		}
		res.AlbumID = albumID
	}

	if len(refs) > 0 {
		if err := p.cas.SaveMediaToCAS(ctx, in.PostID, refs); err != nil {
			// Blobs are durable in the object store; descriptors reconcile on
			// the next sighting of the same SHA.
			p.logger.Warn("Failed to record media descriptors",
				"post_id", in.PostID, "error", err)
		}
	}

	eligible := make([]events.MediaFile, 0, len(files))
	for _, f := range files {
		if storage.IsVisionEligible(f.MimeType) {
			eligible = append(eligible, f)
		}
	}
	if len(eligible) > 0 {
		shas := make([]string, len(eligible))
		for i, f := range eligible {
			shas[i] = f.SHA256
		}
		out := events.VisionUploaded{
			Envelope: events.NewEnvelope(fmt.Sprintf("vision-upload:%d:%s",
				in.PostID, events.ContentHash(strings.Join(shas, ",")))),
			TenantID:       in.TenantID,
			PostID:         in.PostID,
			ChannelID:      in.ChannelID,
			AlbumID:        res.AlbumID,
			MediaFiles:     eligible,
			RequiresVision: true,
		}
		if _, err := p.log.PublishEvent(ctx, out); err != nil {
			return res, fmt.Errorf("failed to publish vision upload: %w", err)
		}
	}
	return res, nil
}

// downloadAndStore fetches and uploads every attachment, preserving
// attachment order in the returned slices.
func (p *Processor) downloadAndStore(ctx context.Context, in Input) ([]events.MediaFile, []store.MediaRef) {
	type slot struct {
		file events.MediaFile
		ok   bool
	}
	slots := make([]slot, len(in.Msg.Media))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(downloadConcurrency)
	for i := range in.Msg.Media {
		g.Go(func() error {
			f, ok := p.fetchOne(gctx, in, i)
			slots[i] = slot{file: f, ok: ok}
			return nil
		})
	}
	_ = g.Wait()

	var (
		files []events.MediaFile
		refs  []store.MediaRef
	)
	for i, s := range slots {
		if !s.ok {
			continue
		}
		files = append(files, s.file)
		refs = append(refs, store.MediaRef{
			SHA256:    s.file.SHA256,
			S3Key:     s.file.S3Key,
			MimeType:  s.file.MimeType,
			SizeBytes: s.file.SizeBytes,
			Position:  i,
		})
	}
	return files, refs
}

// fetchOne downloads and uploads attachment i. Quota denials and
// failures skip the item.
func (p *Processor) fetchOne(ctx context.Context, in Input, i int) (events.MediaFile, bool) {
	m := in.Msg.Media[i]
	maxBytes, timeout := p.cfg.MaxBytesPhoto, p.cfg.PhotoTimeout()
	if m.Kind == telegram.MediaDocument {
		maxBytes, timeout = p.cfg.MaxBytesDoc, p.cfg.DocTimeout()
	}
	if m.SizeBytes > maxBytes {
		downloadsTotal.WithLabelValues(string(m.Kind), "too_large").Inc()
		return events.MediaFile{}, false
	}

	dctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	data, err := p.client.DownloadMedia(dctx, in.Msg, i, maxBytes)
	if err != nil {
		downloadsTotal.WithLabelValues(string(m.Kind), "error").Inc()
		p.logger.Warn("Failed to download media",
			"post_id", in.PostID, "index", i, "kind", m.Kind, "error", err)
		return events.MediaFile{}, false
	}
	downloadDuration.WithLabelValues(string(m.Kind)).Observe(time.Since(start).Seconds())

	put, err := p.blobs.PutMedia(ctx, in.TenantID, data, m.MimeType)
	if err != nil {
		var denied *storage.QuotaDeniedError
		if errors.As(err, &denied) {
			quotaSkippedTotal.WithLabelValues(in.TenantID, denied.Decision.Reason).Inc()
			return events.MediaFile{}, false
		}
		downloadsTotal.WithLabelValues(string(m.Kind), "upload_error").Inc()
		p.logger.Warn("Failed to upload media",
			"post_id", in.PostID, "index", i, "error", err)
		return events.MediaFile{}, false
	}

	downloadsTotal.WithLabelValues(string(m.Kind), "ok").Inc()
	uploadedBytesTotal.Add(float64(put.SizeBytes))
	return events.MediaFile{
		SHA256:    put.SHA256,
		S3Key:     put.Key,
		MimeType:  m.MimeType,
		SizeBytes: put.SizeBytes,
	}, true
}

// linkAlbum ties a grouped message to its album row, reconstructing the
// album on first sight. The negative cache keeps one sibling fetch per
// album; every later member links in without touching the platform.
func (p *Processor) linkAlbum(ctx context.Context, in Input, coverSHA string) (int64, error) {
	seenKey := fmt.Sprintf("album_seen:%d:%d", in.ChannelID, in.Msg.GroupedID)
	seen, err := p.rdb.Exists(ctx, seenKey).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to check album cache: %w", err)
	}

	var albumID int64
	if seen == 0 {
		albumID, err = p.seedAlbum(ctx, in, seenKey, coverSHA)
	} else {
		// Already reconstructed; the GREATEST/COALESCE merge keeps the
		// seeded count and caption intact.
		albumID, err = p.albums.UpsertAlbum(ctx, in.ChannelID, in.Msg.GroupedID, 1, in.Msg.Text, coverSHA, in.Msg.PostedAt)
	}
	if err != nil {
		return 0, err
	}

	// Platform message IDs are monotonic per channel, so they double as a
	// stable ordering key for album items.
	if err := p.albums.AddAlbumItem(ctx, albumID, in.PostID, int(in.Msg.ID)); err != nil {
		return albumID, err
	}
	return albumID, nil
}

// seedAlbum fetches the album's siblings within the search window,
// records the album row, and seeds the assembler's fan-in state.
func (p *Processor) seedAlbum(ctx context.Context, in Input, seenKey, coverSHA string) (int64, error) {
	siblings, err := p.fetchSiblings(ctx, in)
	if err != nil {
		// Leave the cache unset so a later sibling retries the fetch; link
		// this item with the minimum the merge can only grow from.
		p.logger.Warn("Failed to fetch album siblings",
			"channel_id", in.ChannelID, "grouped_id", in.Msg.GroupedID, "error", err)
		return p.albums.UpsertAlbum(ctx, in.ChannelID, in.Msg.GroupedID, 1, in.Msg.Text, coverSHA, in.Msg.PostedAt)
	}

	caption := ""
	postedAt := in.Msg.PostedAt
	for _, s := range siblings {
		if caption == "" && s.Text != "" {
			caption = s.Text
		}
		if s.PostedAt.Before(postedAt) {
			postedAt = s.PostedAt
		}
	}

	albumID, err := p.albums.UpsertAlbum(ctx, in.ChannelID, in.Msg.GroupedID, len(siblings), caption, coverSHA, postedAt)
	if err != nil {
		return 0, err
	}

	if err := p.rdb.Set(ctx, seenKey, "1", p.albumCfg.StateTTL()).Err(); err != nil {
		p.logger.Warn("Failed to set album cache", "key", seenKey, "error", err)
	}

	out := events.AlbumParsed{
		Envelope:          events.NewEnvelope(fmt.Sprintf("album:%d:%d", in.ChannelID, in.Msg.GroupedID)),
		TenantID:          in.TenantID,
		AlbumID:           albumID,
		ChannelID:         in.ChannelID,
		PlatformGroupedID: in.Msg.GroupedID,
		ItemsCount:        len(siblings),
		Caption:           caption,
		CoverSHA256:       coverSHA,
		PostedAt:          postedAt,
	}
	if _, err := p.log.PublishEvent(ctx, out); err != nil {
		return albumID, fmt.Errorf("failed to publish album parsed: %w", err)
	}
	albumsSeededTotal.Inc()
	return albumID, nil
}

// fetchSiblings pulls the messages around the seed and keeps those in the
// same group within the ±window, capped at the platform's album size.
func (p *Processor) fetchSiblings(ctx context.Context, in Input) ([]telegram.Message, error) {
	window := p.albumCfg.SearchWindow()
	msgs, err := p.client.IterMessages(ctx, in.PlatformChannelID, telegram.IterOptions{
		Limit:      p.albumCfg.SearchLimit,
		OffsetDate: in.Msg.PostedAt.Add(window),
	})
	if err != nil {
		return nil, err
	}

	var siblings []telegram.Message
	for _, m := range msgs {
		if m.GroupedID != in.Msg.GroupedID {
			continue
		}
		d := m.PostedAt.Sub(in.Msg.PostedAt)
		if d < -window || d > window {
			continue
		}
		siblings = append(siblings, m)
	}
	if len(siblings) == 0 {
		siblings = []telegram.Message{in.Msg}
	}
	sort.Slice(siblings, func(i, j int) bool { return siblings[i].ID < siblings[j].ID })
	if len(siblings) > platformAlbumCap {
		siblings = siblings[:platformAlbumCap]
	}
	return siblings, nil
}
