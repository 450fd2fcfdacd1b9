// Package album assembles per-item vision results into album-level
// summaries. Fan-in state lives in the shared KV under
// album:state:{album_id}; albums.parsed seeds it, posts.vision.analyzed
// fills it, and the last item triggers exactly one album.assembled.
package album

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/sluicehq/sluice/pkg/config"
	"github.com/sluicehq/sluice/pkg/eventlog"
	"github.com/sluicehq/sluice/pkg/events"
	"github.com/sluicehq/sluice/pkg/pipeline"
	"github.com/sluicehq/sluice/pkg/storage"
	"github.com/sluicehq/sluice/pkg/store"
)

// Consumer groups. The stage reads two topics, one group each.
const (
	ParsedGroup   = "album-seed"
	AnalyzedGroup = "album-fanin"
)

// state is the fan-in record for one album.
type state struct {
	ItemsCount      int       `json:"items_count"`
	Caption         string    `json:"caption,omitempty"`
	ChannelID       int64     `json:"channel_id"`
	ItemsAnalyzed   []int64   `json:"items_analyzed"`
	Labels          []string  `json:"labels,omitempty"`
	OCRParts        []string  `json:"ocr_parts,omitempty"`
	HasMeme         bool      `json:"has_meme"`
	HasText         bool      `json:"has_text"`
	FirstAnalyzedAt time.Time `json:"first_analyzed_at,omitempty"`
	LastAnalyzedAt  time.Time `json:"last_analyzed_at,omitempty"`
}

func (s *state) contains(postID int64) bool {
	for _, id := range s.ItemsAnalyzed {
		if id == postID {
			return true
		}
	}
	return false
}

// summary is the aggregated document persisted on the album.
type summary struct {
	ItemsAnalyzed  int      `json:"items_analyzed"`
	Labels         []string `json:"labels,omitempty"`
	OCRText        string   `json:"ocr_text,omitempty"`
	HasMeme        bool     `json:"has_meme"`
	HasText        bool     `json:"has_text"`
	S3Key          string   `json:"s3_key,omitempty"`
	AssemblyLagSec float64  `json:"assembly_lag_seconds"`
}

// blobStore is the slice of the content-addressed store this stage uses.
type blobStore interface {
	PutAlbumSummary(ctx context.Context, tenant string, albumID int64, payload []byte) (storage.PutResult, error)
}

// Stage wires the assembler's dependencies.
type Stage struct {
	cfg     *config.AlbumConfig
	blobs   blobStore
	queries *store.Queries
	log     *eventlog.Client
	rdb     redis.UniversalClient
	logger  *slog.Logger
}

// NewStage builds the album assembler.
func NewStage(cfg *config.AlbumConfig, blobs blobStore, queries *store.Queries, logClient *eventlog.Client, rdb redis.UniversalClient) *Stage {
	return &Stage{
		cfg:     cfg,
		blobs:   blobs,
		queries: queries,
		log:     logClient,
		rdb:     rdb,
		logger:  slog.With("component", "album"),
	}
}

// Definitions returns the two runner wirings, seed and fan-in. Both are
// serial: state updates for one album must not race.
func (s *Stage) Definitions() []pipeline.Stage {
	return []pipeline.Stage{
		{Name: ParsedGroup, Topic: events.TopicAlbumsParsed, Handler: s.HandleParsed},
		{Name: AnalyzedGroup, Topic: events.TopicVisionAnalyzed, Handler: s.HandleAnalyzed},
	}
}

// HandleParsed seeds fan-in state for a freshly parsed album.
func (s *Stage) HandleParsed(ctx context.Context, msg eventlog.Message) error {
	var ev events.AlbumParsed
	if err := events.Unmarshal(msg.Data, &ev); err != nil {
		return pipeline.Permanent(pipeline.ReasonSchemaInvalid, err)
	}

	st, err := s.loadState(ctx, ev.AlbumID)
	if err != nil {
		return err
	}
	if st == nil {
		st = &state{}
	}
	// Re-parsing the same album can only grow the expected item count.
	if ev.ItemsCount > st.ItemsCount {
		st.ItemsCount = ev.ItemsCount
	}
	if st.Caption == "" {
		st.Caption = ev.Caption
	}
	st.ChannelID = ev.ChannelID

	if err := s.saveState(ctx, ev.AlbumID, st); err != nil {
		return err
	}
	seededTotal.Inc()
	s.logger.Debug("Album state seeded", "album_id", ev.AlbumID, "items", st.ItemsCount)
	return nil
}

// HandleAnalyzed folds one vision result into its album, assembling when
// the last expected item arrives.
func (s *Stage) HandleAnalyzed(ctx context.Context, msg eventlog.Message) error {
	var ev events.VisionAnalyzed
	if err := events.Unmarshal(msg.Data, &ev); err != nil {
		return pipeline.Permanent(pipeline.ReasonSchemaInvalid, err)
	}
	if ev.AlbumID == 0 {
		return nil
	}

	st, err := s.loadState(ctx, ev.AlbumID)
	if err != nil {
		return err
	}
	if st == nil {
		// State expired or the album already assembled; late items are
		// dropped rather than re-opening the album.
		lateItemsTotal.Inc()
		s.logger.Debug("Vision result for unknown album state", "album_id", ev.AlbumID, "post_id", ev.PostID)
		return nil
	}

	if !st.contains(ev.PostID) {
		now := ev.OccurredAt
		if now.IsZero() {
			now = time.Now().UTC()
		}
		st.ItemsAnalyzed = append(st.ItemsAnalyzed, ev.PostID)
		st.Labels = append(st.Labels, ev.Vision.Labels...)
		if ocr := bestOCR(ev.Vision); ocr != "" {
			st.OCRParts = append(st.OCRParts, ocr)
			st.HasText = true
		}
		st.HasMeme = st.HasMeme || ev.Vision.IsMeme
		if st.FirstAnalyzedAt.IsZero() {
			st.FirstAnalyzedAt = now
		}
		st.LastAnalyzedAt = now
	}

	if len(st.ItemsAnalyzed) < st.ItemsCount {
		return s.saveState(ctx, ev.AlbumID, st)
	}
	return s.assemble(ctx, ev, st)
}

// assemble writes the aggregate summary and emits album.assembled, then
// drops the fan-in state so the album can never assemble twice.
func (s *Stage) assemble(ctx context.Context, ev events.VisionAnalyzed, st *state) error {
	lag := st.LastAnalyzedAt.Sub(st.FirstAnalyzedAt).Seconds()
	agg := summary{
		ItemsAnalyzed:  len(st.ItemsAnalyzed),
		Labels:         dedupeLabels(st.Labels),
		OCRText:        strings.Join(st.OCRParts, "\n"),
		HasMeme:        st.HasMeme,
		HasText:        st.HasText,
		AssemblyLagSec: lag,
	}

	payload, err := json.Marshal(agg)
	if err != nil {
		return fmt.Errorf("failed to encode album summary: %w", err)
	}
	put, err := s.blobs.PutAlbumSummary(ctx, ev.TenantID, ev.AlbumID, payload)
	if err != nil {
		return err
	}
	agg.S3Key = put.Key

	dbPayload, err := json.Marshal(agg)
	if err != nil {
		return fmt.Errorf("failed to encode album summary row: %w", err)
	}
	if err := s.queries.SaveAlbumSummary(ctx, ev.AlbumID, dbPayload); err != nil {
		switch cat := store.Classify(err); cat {
		case store.CategoryFKViolation, store.CategoryPermissionDenied:
			return pipeline.Permanent(string(cat), err)
		default:
			return err
		}
	}

	out := events.AlbumAssembled{
		Envelope:           events.ChildEnvelope(ev.Envelope, fmt.Sprintf("album:%d", ev.AlbumID)),
		TenantID:           ev.TenantID,
		AlbumID:            ev.AlbumID,
		ChannelID:          st.ChannelID,
		ItemsAnalyzed:      agg.ItemsAnalyzed,
		Labels:             agg.Labels,
		OCRText:            agg.OCRText,
		HasMeme:            agg.HasMeme,
		HasText:            agg.HasText,
		SummaryS3Key:       put.Key,
		AssemblyLagSeconds: lag,
	}
	if _, err := s.log.PublishEvent(ctx, out); err != nil {
		return err
	}

	if err := s.rdb.Del(ctx, stateKey(ev.AlbumID)).Err(); err != nil {
		s.logger.Warn("Failed to delete album state", "album_id", ev.AlbumID, "error", err)
	}

	assembledTotal.Inc()
	assemblyLag.Observe(lag)
	s.logger.Info("Album assembled",
		"album_id", ev.AlbumID,
		"items", agg.ItemsAnalyzed,
		"lag_seconds", lag)
	return nil
}

func stateKey(albumID int64) string {
	return fmt.Sprintf("album:state:%d", albumID)
}

func (s *Stage) loadState(ctx context.Context, albumID int64) (*state, error) {
	raw, err := s.rdb.Get(ctx, stateKey(albumID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load album state %d: %w", albumID, err)
	}
	var st state
	if err := json.Unmarshal(raw, &st); err != nil {
		return nil, fmt.Errorf("failed to decode album state %d: %w", albumID, err)
	}
	return &st, nil
}

func (s *Stage) saveState(ctx context.Context, albumID int64, st *state) error {
	raw, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("failed to encode album state %d: %w", albumID, err)
	}
	if err := s.rdb.Set(ctx, stateKey(albumID), raw, s.cfg.StateTTL()).Err(); err != nil {
		return fmt.Errorf("failed to save album state %d: %w", albumID, err)
	}
	return nil
}

// bestOCR prefers the enhanced OCR text when the model produced one.
func bestOCR(v events.VisionResult) string {
	if v.OCRTextEnhanced != "" {
		return v.OCRTextEnhanced
	}
	return v.OCRText
}

func dedupeLabels(labels []string) []string {
	seen := make(map[string]struct{}, len(labels))
	out := make([]string, 0, len(labels))
	for _, l := range labels {
		norm := strings.ToLower(strings.TrimSpace(l))
		if norm == "" {
			continue
		}
		if _, ok := seen[norm]; ok {
			continue
		}
		seen[norm] = struct{}{}
		out = append(out, norm)
	}
	sort.Strings(out)
	return out
}
