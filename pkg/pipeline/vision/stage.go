// Package vision consumes posts.vision.uploaded and runs the uploaded
// media through the vision model, behind three gates: policy, per-tenant
// token budget, and per-(post, sha) idempotency. Gated-out posts emit
// posts.vision.skipped; analysed posts emit posts.vision.analyzed.
package vision

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/sluicehq/sluice/pkg/ai"
	"github.com/sluicehq/sluice/pkg/config"
	"github.com/sluicehq/sluice/pkg/eventlog"
	"github.com/sluicehq/sluice/pkg/events"
	"github.com/sluicehq/sluice/pkg/pipeline"
	"github.com/sluicehq/sluice/pkg/storage"
	"github.com/sluicehq/sluice/pkg/store"
)

// GroupName is the consumer group this stage reads vision uploads with.
const GroupName = "vision"

// blobStore is the slice of the content-addressed store this stage uses.
type blobStore interface {
	GetBytes(ctx context.Context, key string) ([]byte, error)
	PutVisionResult(ctx context.Context, tenant, sourceSHA, provider, model, schemaVersion string, payload []byte) (storage.PutResult, error)
}

// Stage wires the vision analyzer's dependencies. Fallback is optional:
// when set, it runs instead of the primary while the primary is
// unreachable (typically an OCR-only adapter).
type Stage struct {
	cfg      *config.VisionConfig
	primary  ai.Vision
	fallback ai.Vision
	blobs    blobStore
	enrich   *store.EnrichmentStore
	log      *eventlog.Client
	rdb      redis.UniversalClient
	logger   *slog.Logger
}

// NewStage builds the vision stage.
func NewStage(cfg *config.VisionConfig, primary, fallback ai.Vision, blobs blobStore, enrich *store.EnrichmentStore, logClient *eventlog.Client, rdb redis.UniversalClient) *Stage {
	return &Stage{
		cfg:      cfg,
		primary:  primary,
		fallback: fallback,
		blobs:    blobs,
		enrich:   enrich,
		log:      logClient,
		rdb:      rdb,
		logger:   slog.With("component", "vision"),
	}
}

// Definition returns the runner wiring for this stage.
func (s *Stage) Definition() pipeline.Stage {
	return pipeline.Stage{
		Name:          GroupName,
		Topic:         events.TopicVisionUploaded,
		Handler:       s.Handle,
		MaxDeliveries: s.cfg.MaxDeliveries,
	}
}

// Handle processes one posts.vision.uploaded message.
func (s *Stage) Handle(ctx context.Context, msg eventlog.Message) error {
	var ev events.VisionUploaded
	if err := events.Unmarshal(msg.Data, &ev); err != nil {
		return pipeline.Permanent(pipeline.ReasonSchemaInvalid, err)
	}

	// 1. Policy gate: media count and formats.
	if skips := s.policySkips(ev); len(skips) > 0 {
		return s.emitSkipped(ctx, ev, skips)
	}

	// 2. Novelty gate: a post with a stored vision row was analysed in a
	// previous run.
	hasVision, err := s.enrich.HasVision(ctx, ev.PostID)
	if err != nil {
		return err
	}
	if hasVision {
		return s.emitSkipped(ctx, ev, allSkipped(ev, events.SkipIdempotency))
	}

	// 3. Budget gate.
	ok, err := s.budgetHasHeadroom(ctx, ev.TenantID)
	if err != nil {
		return err
	}
	if !ok {
		budgetExhaustedTotal.WithLabelValues(ev.TenantID).Inc()
		return s.emitSkipped(ctx, ev, allSkipped(ev, events.SkipBudgetExhausted))
	}

	// 4. Analyse the first eligible item; remaining items ride along as
	// context on the emitted event.
	target := ev.MediaFiles[0]

	// Per-SHA dedup inside the idempotency window.
	seen, err := s.alreadyProcessed(ctx, ev.PostID, target.SHA256)
	if err != nil {
		return err
	}
	if seen {
		return s.emitSkipped(ctx, ev, allSkipped(ev, events.SkipIdempotency))
	}

	data, err := s.blobs.GetBytes(ctx, target.S3Key)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return s.emitSkipped(ctx, ev, allSkipped(ev, events.SkipS3Missing))
		}
		return err
	}

	start := time.Now()
	call, provider, err := s.analyze(ctx, data, target.MimeType)
	if err != nil {
		if errors.Is(err, ai.ErrInvalidResponse) {
			return pipeline.PermanentWithDetails(pipeline.ReasonSchemaInvalid, err, map[string]any{
				"post_id": ev.PostID,
				"sha256":  target.SHA256,
			})
		}
		return err
	}
	duration := time.Since(start)

	resultJSON, err := json.Marshal(call.Result)
	if err != nil {
		return fmt.Errorf("failed to encode vision result: %w", err)
	}

	// 5. Persist: blob first, then the enrichment row, then the dedup key.
	// A crash between steps leaves cheap-to-redo work, never lost results.
	if _, err := s.blobs.PutVisionResult(ctx, ev.TenantID, target.SHA256, provider.Provider(), provider.Model(), s.cfg.Version, resultJSON); err != nil {
		var denied *storage.QuotaDeniedError
		if errors.As(err, &denied) {
			return s.emitSkipped(ctx, ev, allSkipped(ev, events.SkipQuotaExceeded))
		}
		return err
	}

	featuresHash := events.FeaturesHash(mediaSHAs(ev.MediaFiles), s.cfg.Version)
	if err := s.enrich.UpsertVision(ctx, ev.PostID, resultJSON, s.cfg.Version, provider.Provider(), provider.Model(), featuresHash); err != nil {
		switch cat := store.Classify(err); cat {
		case store.CategoryFKViolation, store.CategoryPermissionDenied:
			return pipeline.Permanent(string(cat), err)
		default:
			return err
		}
	}

	if err := s.markProcessed(ctx, ev.PostID, target.SHA256); err != nil {
		s.logger.Warn("Failed to set vision dedup key", "post_id", ev.PostID, "error", err)
	}
	s.spendBudget(ctx, ev.TenantID, call.TokensUsed)

	out := events.VisionAnalyzed{
		Envelope:           events.ChildEnvelope(ev.Envelope, fmt.Sprintf("vision:%d:%s:%s", ev.PostID, target.SHA256, featuresHash)),
		TenantID:           ev.TenantID,
		PostID:             ev.PostID,
		ChannelID:          ev.ChannelID,
		AlbumID:            ev.AlbumID,
		Media:              ev.MediaFiles,
		Vision:             call.Result,
		AnalysisDurationMS: duration.Milliseconds(),
		VisionVersion:      s.cfg.Version,
		FeaturesHash:       featuresHash,
		Provider:           provider.Provider(),
		Model:              provider.Model(),
	}
	if _, err := s.log.PublishEvent(ctx, out); err != nil {
		return err
	}

	analyzedTotal.WithLabelValues(provider.Provider()).Inc()
	tokensSpentTotal.WithLabelValues(ev.TenantID).Add(float64(call.TokensUsed))
	s.logger.Info("Media analysed",
		"post_id", ev.PostID,
		"sha256", target.SHA256,
		"provider", provider.Provider(),
		"tokens", call.TokensUsed,
		"duration_ms", duration.Milliseconds())
	return nil
}

// analyze routes to the primary adapter, falling back to the OCR-only
// adapter only when the primary is unreachable.
func (s *Stage) analyze(ctx context.Context, data []byte, mimeType string) (ai.VisionCall, ai.Vision, error) {
	call, err := s.primary.Analyze(ctx, data, mimeType)
	if err == nil {
		return call, s.primary, nil
	}
	if errors.Is(err, ai.ErrProviderUnavailable) && s.fallback != nil {
		fallbackTotal.Inc()
		s.logger.Warn("Primary vision provider unavailable, using fallback")
		call, ferr := s.fallback.Analyze(ctx, data, mimeType)
		if ferr != nil {
			return ai.VisionCall{}, nil, ferr
		}
		return call, s.fallback, nil
	}
	return ai.VisionCall{}, nil, err
}

// policySkips returns one skip per media item the policy rejects, or nil
// when the post passes.
func (s *Stage) policySkips(ev events.VisionUploaded) []events.MediaSkip {
	if len(ev.MediaFiles) > s.cfg.MaxMediaPerPost {
		return allSkipped(ev, events.SkipPolicy)
	}
	var skips []events.MediaSkip
	for _, f := range ev.MediaFiles {
		if !storage.IsVisionEligible(f.MimeType) {
			skips = append(skips, events.MediaSkip{SHA256: f.SHA256, Reason: events.SkipFormatUnsupported})
		}
	}
	if len(skips) == len(ev.MediaFiles) {
		return skips
	}
	return nil
}

func (s *Stage) emitSkipped(ctx context.Context, ev events.VisionUploaded, skips []events.MediaSkip) error {
	out := events.VisionSkipped{
		Envelope:  events.ChildEnvelope(ev.Envelope, fmt.Sprintf("vision-skip:%d:%s", ev.PostID, skips[0].Reason)),
		TenantID:  ev.TenantID,
		PostID:    ev.PostID,
		ChannelID: ev.ChannelID,
		Skips:     skips,
	}
	if _, err := s.log.PublishEvent(ctx, out); err != nil {
		return err
	}
	skippedTotal.WithLabelValues(skips[0].Reason).Inc()
	return nil
}

func allSkipped(ev events.VisionUploaded, reason string) []events.MediaSkip {
	skips := make([]events.MediaSkip, 0, len(ev.MediaFiles))
	for _, f := range ev.MediaFiles {
		skips = append(skips, events.MediaSkip{SHA256: f.SHA256, Reason: reason})
	}
	return skips
}

func mediaSHAs(files []events.MediaFile) []string {
	shas := make([]string, 0, len(files))
	for _, f := range files {
		shas = append(shas, f.SHA256)
	}
	return shas
}

// budgetKey is the per-tenant monthly token counter.
func budgetKey(tenant string, now time.Time) string {
	return fmt.Sprintf("vision:budget:%s:%s", tenant, now.UTC().Format("200601"))
}

func processedKey(postID int64, sha string) string {
	return fmt.Sprintf("vision:processed:%d:%s", postID, sha)
}

func (s *Stage) budgetHasHeadroom(ctx context.Context, tenant string) (bool, error) {
	if s.cfg.MonthlyTokenBudget <= 0 {
		return true, nil
	}
	spent, err := s.rdb.Get(ctx, budgetKey(tenant, time.Now())).Int64()
	if err != nil && !errors.Is(err, redis.Nil) {
		return false, fmt.Errorf("failed to read vision budget for %s: %w", tenant, err)
	}
	return spent < s.cfg.MonthlyTokenBudget, nil
}

func (s *Stage) spendBudget(ctx context.Context, tenant string, tokens int64) {
	if s.cfg.MonthlyTokenBudget <= 0 || tokens <= 0 {
		return
	}
	key := budgetKey(tenant, time.Now())
	if n, err := s.rdb.IncrBy(ctx, key, tokens).Result(); err != nil {
		s.logger.Warn("Failed to record vision token spend", "tenant", tenant, "error", err)
	} else if n == tokens {
		// First spend this month; counters die with the quarter so stale
		// months do not linger.
		s.rdb.Expire(ctx, key, 90*24*time.Hour)
	}
}

func (s *Stage) alreadyProcessed(ctx context.Context, postID int64, sha string) (bool, error) {
	n, err := s.rdb.Exists(ctx, processedKey(postID, sha)).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check vision dedup key: %w", err)
	}
	return n > 0, nil
}

func (s *Stage) markProcessed(ctx context.Context, postID int64, sha string) error {
	return s.rdb.Set(ctx, processedKey(postID, sha), 1, s.cfg.IdempotencyTTL()).Err()
}
