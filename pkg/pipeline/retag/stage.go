// Package retag closes the vision-to-tags loop: when a post's vision
// analysis supersedes the signal its tags were computed from, the post
// is re-tagged with the vision output as extra context. The resulting
// posts.tagged carries trigger=vision_retag, which the tagging stage
// ignores, so the loop runs at most once per vision version.
package retag

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/sluicehq/sluice/pkg/ai"
	"github.com/sluicehq/sluice/pkg/eventlog"
	"github.com/sluicehq/sluice/pkg/events"
	"github.com/sluicehq/sluice/pkg/pipeline"
	"github.com/sluicehq/sluice/pkg/store"
)

// GroupName is the consumer group this stage reads vision results with.
const GroupName = "retag"

// tagsVersion stamps the tags metadata written by this stage.
const tagsVersion = "v1"

// Stage wires the retagging handler's dependencies.
type Stage struct {
	tagger  ai.Tagger
	enrich  *store.EnrichmentStore
	queries *store.Queries
	log     *eventlog.Client
	logger  *slog.Logger
}

// NewStage builds the retagging stage.
func NewStage(tagger ai.Tagger, enrich *store.EnrichmentStore, queries *store.Queries, logClient *eventlog.Client) *Stage {
	return &Stage{
		tagger:  tagger,
		enrich:  enrich,
		queries: queries,
		log:     logClient,
		logger:  slog.With("component", "retag"),
	}
}

// Definition returns the runner wiring for this stage.
func (s *Stage) Definition() pipeline.Stage {
	return pipeline.Stage{
		Name:    GroupName,
		Topic:   events.TopicVisionAnalyzed,
		Handler: s.Handle,
	}
}

// Handle processes one posts.vision.analyzed message.
func (s *Stage) Handle(ctx context.Context, msg eventlog.Message) error {
	var ev events.VisionAnalyzed
	if err := events.Unmarshal(msg.Data, &ev); err != nil {
		return pipeline.Permanent(pipeline.ReasonSchemaInvalid, err)
	}

	_, meta, err := s.enrich.TagsState(ctx, ev.PostID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			// Not tagged yet; initial tagging has not run. Nothing to revise.
			decisionsTotal.WithLabelValues("untagged").Inc()
			return nil
		}
		return err
	}

	reason, triggered := retagReason(meta, ev)
	if !triggered {
		decisionsTotal.WithLabelValues("current").Inc()
		return nil
	}

	bundle, err := s.queries.LoadPostBundle(ctx, ev.PostID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return pipeline.Permanent(pipeline.ReasonSchemaInvalid,
				fmt.Errorf("post %d vanished before retagging", ev.PostID))
		}
		return err
	}

	result, err := s.tagger.Tag(ctx, events.NormalizeText(bundle.Content), visionContext(ev.Vision))
	if err != nil {
		if errors.Is(err, ai.ErrInvalidResponse) {
			return pipeline.Permanent(events.ReasonUnhandled, err)
		}
		return err
	}

	tags := events.NormalizeTags(result.Tags)
	tagsHash := events.TagsHash(tags)
	newMeta := store.TagsMetadata{
		TagsHash:      tagsHash,
		TagsVersion:   tagsVersion,
		VisionVersion: ev.VisionVersion,
		FeaturesHash:  ev.FeaturesHash,
		Trigger:       events.TriggerVisionRetag,
	}
	changed, err := s.enrich.UpsertTags(ctx, ev.PostID, tags, newMeta, ev.Provider, ev.Model)
	if err != nil {
		switch cat := store.Classify(err); cat {
		case store.CategoryFKViolation, store.CategoryPermissionDenied:
			return pipeline.Permanent(string(cat), err)
		default:
			return err
		}
	}
	if !changed {
		decisionsTotal.WithLabelValues("unchanged").Inc()
		return nil
	}

	out := events.PostTagged{
		Envelope:      events.ChildEnvelope(ev.Envelope, fmt.Sprintf("retagged:%d:%s", ev.PostID, tagsHash)),
		TenantID:      ev.TenantID,
		PostID:        ev.PostID,
		ChannelID:     ev.ChannelID,
		Tags:          tags,
		TagsHash:      tagsHash,
		Topics:        result.Topics,
		Provider:      ev.Provider,
		LatencyMS:     result.Latency.Milliseconds(),
		Trigger:       events.TriggerVisionRetag,
		VisionVersion: ev.VisionVersion,
		Text:          bundle.Content,
	}
	if _, err := s.log.PublishEvent(ctx, out); err != nil {
		return err
	}

	decisionsTotal.WithLabelValues(reason).Inc()
	s.logger.Info("Post retagged",
		"post_id", ev.PostID,
		"reason", reason,
		"vision_version", ev.VisionVersion)
	return nil
}

// retagReason decides whether the stored tags predate the incoming
// vision signal, and names why.
func retagReason(meta store.TagsMetadata, ev events.VisionAnalyzed) (string, bool) {
	switch {
	case meta.TagsVersion == "":
		return "legacy", true
	case ev.VisionVersion > meta.VisionVersion:
		return "vision_version", true
	case ev.FeaturesHash != "" && ev.FeaturesHash != meta.FeaturesHash:
		return "features_hash", true
	default:
		return "", false
	}
}

// visionContext flattens the vision result into the extra-context string
// handed to the tagging adapter.
func visionContext(v events.VisionResult) string {
	var parts []string
	if v.Description != "" {
		parts = append(parts, "Image description: "+v.Description)
	}
	if len(v.Labels) > 0 {
		parts = append(parts, "Labels: "+strings.Join(v.Labels, ", "))
	}
	if ocr := v.OCRTextEnhanced; ocr != "" {
		parts = append(parts, "Text in image: "+ocr)
	} else if v.OCRText != "" {
		parts = append(parts, "Text in image: "+v.OCRText)
	}
	if v.IsMeme {
		parts = append(parts, "The image is a meme.")
	}
	return strings.Join(parts, "\n")
}
