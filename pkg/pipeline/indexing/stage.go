// Package indexing is the terminal pipeline stage: it composes the
// embedding input from a post and its enrichments, writes the vector
// into the per-tenant collection, writes the property graph, and stamps
// the post's indexing status.
package indexing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sluicehq/sluice/pkg/ai"
	"github.com/sluicehq/sluice/pkg/eventlog"
	"github.com/sluicehq/sluice/pkg/events"
	"github.com/sluicehq/sluice/pkg/graphstore"
	"github.com/sluicehq/sluice/pkg/pipeline"
	"github.com/sluicehq/sluice/pkg/store"
	"github.com/sluicehq/sluice/pkg/vectorstore"
)

// GroupName is the consumer group this stage reads posts.enriched with.
const GroupName = "indexing"

// placeholderTenant is the legacy literal some producers wrote before
// ownership resolution existed. It is never a real tenant; events
// carrying it go through the same resolution chain as an empty field.
const placeholderTenant = "default"

// vectorWriter is the slice of the vector store this stage uses.
type vectorWriter interface {
	EnsureCollection(ctx context.Context, tenantID string) error
	UpsertPost(ctx context.Context, tenantID string, rec vectorstore.Record, vector []float32) error
}

// graphWriter is the slice of the graph store this stage uses.
type graphWriter interface {
	WritePost(ctx context.Context, g graphstore.PostGraph) error
}

// visionFields is the slice of the vision enrichment payload the
// composer reads.
type visionFields struct {
	Description     string   `json:"description"`
	OCRText         string   `json:"ocr_text"`
	OCRTextEnhanced string   `json:"ocr_text_enhanced"`
	IsMeme          bool     `json:"is_meme"`
	Labels          []string `json:"labels"`
}

// crawlFields is the slice of the crawl enrichment payload the composer
// reads.
type crawlFields struct {
	CanonicalURL string `json:"canonical_url"`
	URLHash      string `json:"url_hash"`
	Excerpt      string `json:"excerpt"`
	OCRText      string `json:"ocr_text"`
}

// Stage wires the indexing handler's dependencies.
type Stage struct {
	concurrency int
	embedder    ai.Embedder
	vectors     vectorWriter
	graphs      graphWriter
	queries     *store.Queries
	status      *store.StatusStore
	log         *eventlog.Client
	logger      *slog.Logger
}

// NewStage builds the indexing stage.
func NewStage(concurrency int, embedder ai.Embedder, vectors vectorWriter, graphs graphWriter, queries *store.Queries, status *store.StatusStore, logClient *eventlog.Client) *Stage {
	return &Stage{
		concurrency: concurrency,
		embedder:    embedder,
		vectors:     vectors,
		graphs:      graphs,
		queries:     queries,
		status:      status,
		log:         logClient,
		logger:      slog.With("component", "indexing"),
	}
}

// Definition returns the runner wiring for this stage.
func (s *Stage) Definition() pipeline.Stage {
	return pipeline.Stage{
		Name:        GroupName,
		Topic:       events.TopicPostsEnriched,
		Handler:     s.Handle,
		Concurrency: s.concurrency,
	}
}

// Handle processes one posts.enriched message.
func (s *Stage) Handle(ctx context.Context, msg eventlog.Message) error {
	// Decoded leniently: a missing tenant is resolved below rather than
	// rejected, because this stage owns the resolution fallback chain.
	var ev events.PostEnriched
	if err := json.Unmarshal(msg.Data, &ev); err != nil {
		return pipeline.Permanent(pipeline.ReasonSchemaInvalid, err)
	}
	if ev.PostID == 0 {
		return pipeline.Permanent(pipeline.ReasonSchemaInvalid,
			errors.New("posts.enriched event without post_id"))
	}

	tenant, err := s.resolveTenant(ctx, ev)
	if err != nil {
		return err
	}

	if err := s.status.MarkProcessing(ctx, ev.PostID); err != nil {
		return err
	}

	bundle, err := s.queries.LoadPostBundle(ctx, ev.PostID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return pipeline.Permanent(pipeline.ReasonSchemaInvalid,
				fmt.Errorf("post %d vanished before indexing", ev.PostID))
		}
		return err
	}

	var vision visionFields
	if len(bundle.VisionPayload) > 0 {
		if err := json.Unmarshal(bundle.VisionPayload, &vision); err != nil {
			s.logger.Warn("Unreadable vision payload", "post_id", ev.PostID, "error", err)
		}
	}
	var crawl crawlFields
	if len(bundle.CrawlPayload) > 0 {
		if err := json.Unmarshal(bundle.CrawlPayload, &crawl); err != nil {
			s.logger.Warn("Unreadable crawl payload", "post_id", ev.PostID, "error", err)
		}
	}

	out := events.PostIndexed{
		Envelope: events.ChildEnvelope(ev.Envelope, fmt.Sprintf("indexed:%d", ev.PostID)),
		TenantID: tenant,
		PostID:   ev.PostID,
	}

	// 1. Vector phase.
	text := composeEmbedText(composeParts{
		PostText:   bundle.Content,
		VisionDesc: vision.Description,
		VisionOCR:  bestOCR(vision),
		CrawlText:  crawl.Excerpt,
		CrawlOCR:   crawl.OCRText,
	})
	if text == "" {
		if err := s.status.SetEmbedding(ctx, ev.PostID, events.StatusSkipped, "", "empty"); err != nil {
			return err
		}
		out.EmbeddingStatus = events.StatusSkipped
		skippedTotal.WithLabelValues("empty").Inc()
	} else {
		if err := s.embedAndUpsert(ctx, tenant, ev, bundle, vision, text, &out); err != nil {
			return err
		}
	}

	// 2. Graph phase.
	graphStart := time.Now()
	if err := s.writeGraph(ctx, tenant, bundle, vision, crawl, bundle.GroupedID); err != nil {
		if setErr := s.status.SetGraph(ctx, ev.PostID, events.StatusFailed, err.Error()); setErr != nil {
			s.logger.Warn("Failed to record graph failure", "post_id", ev.PostID, "error", setErr)
		}
		return fmt.Errorf("failed to write graph for post %d: %w", ev.PostID, err)
	}
	if err := s.status.SetGraph(ctx, ev.PostID, events.StatusCompleted, ""); err != nil {
		return err
	}
	out.GraphStatus = events.StatusCompleted
	out.GraphDurationMS = time.Since(graphStart).Milliseconds()
	out.GraphNodes = 2 + len(bundle.Tags)*2 + len(bundle.MediaSHAs)
	out.GraphEdges = 1 + len(bundle.Tags)*2 + len(bundle.MediaSHAs)

	if _, err := s.log.PublishEvent(ctx, out); err != nil {
		return err
	}

	indexedTotal.WithLabelValues(tenant, out.EmbeddingStatus).Inc()
	s.logger.Info("Post indexed",
		"post_id", ev.PostID,
		"tenant", tenant,
		"embedding", out.EmbeddingStatus,
		"graph", out.GraphStatus)
	return nil
}

// embedAndUpsert runs the embedding and vector write, recording status
// transitions and filling the event's vector fields.
func (s *Stage) embedAndUpsert(ctx context.Context, tenant string, ev events.PostEnriched, bundle store.PostBundle, vision visionFields, text string, out *events.PostIndexed) error {
	embedStart := time.Now()
	vector, err := s.embedder.Embed(ctx, text)
	if err != nil {
		if errors.Is(err, ai.ErrProviderUnavailable) {
			return err
		}
		if setErr := s.status.SetEmbedding(ctx, ev.PostID, events.StatusFailed, "", err.Error()); setErr != nil {
			s.logger.Warn("Failed to record embedding failure", "post_id", ev.PostID, "error", setErr)
		}
		return pipeline.Permanent(events.ReasonEmbedGenFail, err)
	}
	out.EmbedDurationMS = time.Since(embedStart).Milliseconds()

	if len(vector) != s.embedder.Dim() {
		err := fmt.Errorf("embedding has %d dimensions, expected %d", len(vector), s.embedder.Dim())
		if setErr := s.status.SetEmbedding(ctx, ev.PostID, events.StatusFailed, "", err.Error()); setErr != nil {
			s.logger.Warn("Failed to record embedding failure", "post_id", ev.PostID, "error", setErr)
		}
		return pipeline.Permanent(events.ReasonEmbedDimMismatch, err)
	}

	if err := s.vectors.EnsureCollection(ctx, tenant); err != nil {
		return err
	}

	rec := vectorstore.Record{
		PostID:    ev.PostID,
		TenantID:  tenant,
		ChannelID: bundle.ChannelID,
		TextShort: bundle.Content,
		AlbumID:   bundle.GroupedID,
		Facets: vectorstore.Facets{
			Tags:      bundle.Tags,
			HasVision: len(bundle.VisionPayload) > 0,
			IsMeme:    vision.IsMeme,
			HasOCR:    bestOCR(vision) != "",
			HasCrawl:  len(bundle.CrawlPayload) > 0,
		},
	}
	upsertStart := time.Now()
	if err := s.vectors.UpsertPost(ctx, tenant, rec, vector); err != nil {
		if setErr := s.status.SetEmbedding(ctx, ev.PostID, events.StatusFailed, "", err.Error()); setErr != nil {
			s.logger.Warn("Failed to record embedding failure", "post_id", ev.PostID, "error", setErr)
		}
		return fmt.Errorf("failed to upsert vector for post %d: %w", ev.PostID, err)
	}
	out.UpsertDurationMS = time.Since(upsertStart).Milliseconds()

	vectorID := fmt.Sprintf("%d", ev.PostID)
	if err := s.status.SetEmbedding(ctx, ev.PostID, events.StatusCompleted, vectorID, ""); err != nil {
		return err
	}
	out.EmbeddingStatus = events.StatusCompleted
	out.VectorID = vectorID
	out.EmbeddingProvider = s.embedder.Provider()
	out.EmbeddingDim = s.embedder.Dim()
	out.QdrantCollection = vectorstore.CollectionName(tenant)
	return nil
}

func (s *Stage) writeGraph(ctx context.Context, tenant string, bundle store.PostBundle, vision visionFields, crawl crawlFields, albumID int64) error {
	g := graphstore.PostGraph{
		PostID:    bundle.PostID,
		TenantID:  tenant,
		ChannelID: bundle.ChannelID,
		PostedAt:  bundle.PostedAt,
		AlbumID:   albumID,
		Tags:      bundle.Tags,
		Topics:    bundle.Tags,
		Entities:  parseEntities(bestOCR(vision)),
	}
	if len(bundle.MediaSHAs) > 0 {
		mimes, err := s.queries.MediaMimeTypes(ctx, bundle.MediaSHAs)
		if err != nil {
			// The sha alone still makes a useful node.
			s.logger.Warn("Failed to load media mime types", "post_id", bundle.PostID, "error", err)
			mimes = map[string]string{}
		}
		for _, sha := range bundle.MediaSHAs {
			g.Images = append(g.Images, graphstore.ImageRef{SHA256: sha, MimeType: mimes[sha]})
		}
	}
	if crawl.URLHash != "" {
		g.PageURLHash = crawl.URLHash
		g.PageURL = crawl.CanonicalURL
	}
	return s.graphs.WritePost(ctx, g)
}

// resolveTenant applies the ownership resolution order: event field,
// then database lookup. A post with no resolvable owner is dead-lettered
// rather than written under a placeholder tenant, so every vector
// collection and graph node carries a real owner.
func (s *Stage) resolveTenant(ctx context.Context, ev events.PostEnriched) (string, error) {
	if ev.TenantID != "" && ev.TenantID != placeholderTenant {
		return ev.TenantID, nil
	}

	tenant, err := s.queries.ResolveTenant(ctx, ev.PostID)
	if err == nil && tenant != "" && tenant != placeholderTenant {
		return tenant, nil
	}
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return "", err
	}

	unresolvedTenantTotal.Inc()
	s.logger.Warn("Post has no resolvable owner, dead-lettering", "post_id", ev.PostID)
	return "", pipeline.PermanentWithDetails(pipeline.ReasonSchemaInvalid,
		fmt.Errorf("post %d has no resolvable tenant", ev.PostID),
		map[string]any{"post_id": ev.PostID})
}

func bestOCR(v visionFields) string {
	if v.OCRTextEnhanced != "" {
		return v.OCRTextEnhanced
	}
	return v.OCRText
}
