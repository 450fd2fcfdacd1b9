// Package enrichment consumes tagged posts and decides, by policy,
// whether to crawl the post's first URL. Every consumed message produces
// exactly one posts.enriched event, crawled or skipped.
package enrichment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/sluicehq/sluice/pkg/crawler"
	"github.com/sluicehq/sluice/pkg/eventlog"
	"github.com/sluicehq/sluice/pkg/events"
	"github.com/sluicehq/sluice/pkg/pipeline"
	"github.com/sluicehq/sluice/pkg/storage"
	"github.com/sluicehq/sluice/pkg/store"
)

// GroupName is the consumer group this stage reads posts.tagged with.
const GroupName = "enrichment"

// crawlSchemaVersion stamps the crawl enrichment rows.
const crawlSchemaVersion = "v1"

// fetcher is the crawl dependency; satisfied by *crawler.Crawler.
type fetcher interface {
	Fetch(ctx context.Context, rawURL string) (crawler.Document, error)
}

// blobStore is the slice of the content-addressed store this stage uses.
type blobStore interface {
	Exists(ctx context.Context, key string) (bool, error)
	PutCrawl(ctx context.Context, tenant, urlHash string, markdown []byte) (storage.PutResult, error)
}

// policySource yields the currently active crawl policy; satisfied by
// *crawler.PolicyStore.
type policySource interface {
	Active() crawler.Policy
}

// crawlPayload is the JSON persisted on the crawl enrichment row and
// carried on the event.
type crawlPayload struct {
	CanonicalURL      string `json:"canonical_url"`
	URLHash           string `json:"url_hash"`
	S3Key             string `json:"s3_key"`
	Title             string `json:"title,omitempty"`
	WordCount         int    `json:"word_count"`
	OriginalWordCount int    `json:"original_word_count"`
	Excerpt           string `json:"excerpt,omitempty"`
}

// excerptChars bounds the markdown excerpt stored inline on the row.
const excerptChars = 1500

// Stage wires the enrichment handler's dependencies.
type Stage struct {
	fetch    fetcher
	policies policySource
	blobs    blobStore
	enrich   *store.EnrichmentStore
	log      *eventlog.Client
	logger   *slog.Logger
}

// NewStage builds the enrichment stage.
func NewStage(fetch fetcher, policies policySource, blobs blobStore, enrich *store.EnrichmentStore, logClient *eventlog.Client) *Stage {
	return &Stage{
		fetch:    fetch,
		policies: policies,
		blobs:    blobs,
		enrich:   enrich,
		log:      logClient,
		logger:   slog.With("component", "enrichment"),
	}
}

// Definition returns the runner wiring for this stage.
func (s *Stage) Definition() pipeline.Stage {
	return pipeline.Stage{
		Name:    GroupName,
		Topic:   events.TopicPostsTagged,
		Handler: s.Handle,
	}
}

// Handle processes one posts.tagged message.
func (s *Stage) Handle(ctx context.Context, msg eventlog.Message) error {
	var ev events.PostTagged
	if err := events.Unmarshal(msg.Data, &ev); err != nil {
		return pipeline.Permanent(pipeline.ReasonSchemaInvalid, err)
	}

	decision := s.policies.Active().Evaluate(ev.Tags, ev.URLs)
	if !decision.Crawl {
		return s.emitSkipped(ctx, ev, decision.SkipReason, decision.Policy)
	}

	rawURL := ev.URLs[0]
	canonical, err := crawler.Canonicalize(rawURL)
	if err != nil {
		// An unparseable URL never becomes crawlable.
		return s.emitSkipped(ctx, ev, events.SkipNoURL, decision.Policy)
	}
	urlHash := crawler.URLHash(canonical)

	// Dedup on the canonical URL: an existing blob means another post
	// already paid for this crawl.
	exists, err := s.blobs.Exists(ctx, storage.CrawlKey(ev.TenantID, urlHash))
	if err != nil {
		return err
	}
	if exists {
		cacheHitsTotal.Inc()
		return s.emitSkipped(ctx, ev, events.SkipCacheHit, decision.Policy)
	}

	doc, err := s.fetch.Fetch(ctx, rawURL)
	if err != nil {
		// Fetch failures are transient; max_deliveries bounds the retries.
		return fmt.Errorf("failed to crawl %s: %w", urlHash, err)
	}

	put, err := s.blobs.PutCrawl(ctx, ev.TenantID, doc.URLHash, []byte(doc.Markdown))
	if err != nil {
		var denied *storage.QuotaDeniedError
		if errors.As(err, &denied) {
			quotaDeniedTotal.Inc()
			return s.emitSkipped(ctx, ev, events.SkipBudgetExhausted, decision.Policy)
		}
		return err
	}

	payload := crawlPayload{
		CanonicalURL:      doc.CanonicalURL,
		URLHash:           doc.URLHash,
		S3Key:             put.Key,
		Title:             doc.Title,
		WordCount:         doc.WordCount,
		OriginalWordCount: doc.OriginalWordCount,
		Excerpt:           excerpt(doc.Markdown),
	}
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode crawl payload: %w", err)
	}
	if err := s.enrich.UpsertCrawl(ctx, ev.PostID, payloadJSON, crawlSchemaVersion); err != nil {
		switch cat := store.Classify(err); cat {
		case store.CategoryFKViolation, store.CategoryPermissionDenied:
			return pipeline.Permanent(string(cat), err)
		default:
			return err
		}
	}

	out := events.PostEnriched{
		Envelope:          events.ChildEnvelope(ev.Envelope, fmt.Sprintf("enriched:%d:%s", ev.PostID, doc.URLHash)),
		TenantID:          ev.TenantID,
		PostID:            ev.PostID,
		ChannelID:         ev.ChannelID,
		Enrichment:        payloadJSON,
		SourceURLs:        []string{doc.CanonicalURL},
		WordCount:         doc.WordCount,
		OriginalWordCount: doc.OriginalWordCount,
		CrawlDurationMS:   doc.FetchDuration.Milliseconds(),
		PolicyApplied:     decision.Policy,
		QualityScore:      qualityScore(doc),
	}
	if _, err := s.log.PublishEvent(ctx, out); err != nil {
		return err
	}

	crawledTotal.WithLabelValues("crawled").Inc()
	s.logger.Info("Post enriched",
		"post_id", ev.PostID,
		"url_hash", doc.URLHash,
		"words", doc.WordCount)
	return nil
}

func (s *Stage) emitSkipped(ctx context.Context, ev events.PostTagged, reason, policy string) error {
	out := events.PostEnriched{
		Envelope:      events.ChildEnvelope(ev.Envelope, fmt.Sprintf("enriched:%d:%s", ev.PostID, reason)),
		TenantID:      ev.TenantID,
		PostID:        ev.PostID,
		ChannelID:     ev.ChannelID,
		Skipped:       true,
		SkipReason:    reason,
		PolicyApplied: policy,
	}
	if _, err := s.log.PublishEvent(ctx, out); err != nil {
		return err
	}
	crawledTotal.WithLabelValues(reason).Inc()
	return nil
}

func excerpt(markdown string) string {
	if len(markdown) <= excerptChars {
		return markdown
	}
	return markdown[:excerptChars]
}

// qualityScore is a crude extraction-quality signal: the fraction of the
// original page text that survived readability extraction, capped at 1.
func qualityScore(doc crawler.Document) float64 {
	if doc.OriginalWordCount == 0 {
		return 0
	}
	score := float64(doc.WordCount) / float64(doc.OriginalWordCount)
	if score > 1 {
		return 1
	}
	return score
}
