// Package tagging consumes parsed posts and produces their tag set via
// the AI tagging adapter. It is the first enrichment hop: posts.parsed
// in, posts.tagged out, but only when the tag set actually changed.
package tagging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/sluicehq/sluice/pkg/ai"
	"github.com/sluicehq/sluice/pkg/eventlog"
	"github.com/sluicehq/sluice/pkg/events"
	"github.com/sluicehq/sluice/pkg/pipeline"
	"github.com/sluicehq/sluice/pkg/store"
)

// GroupName is the consumer group this stage reads posts.parsed with.
const GroupName = "tagging"

// tagsVersion stamps the tags metadata written by this stage.
const tagsVersion = "v1"

// cacheSize bounds the in-process tag cache. Keys are content hashes, so
// repeated forwards of the same text short-circuit the AI call.
const cacheSize = 4096

type cachedTags struct {
	Tags   []string
	Topics []string
}

// Stage wires the tagging handler's dependencies.
type Stage struct {
	tagger ai.Tagger
	enrich *store.EnrichmentStore
	log    *eventlog.Client
	cache  *lru.Cache[string, cachedTags]
	logger *slog.Logger
}

// NewStage builds the tagging stage.
func NewStage(tagger ai.Tagger, enrich *store.EnrichmentStore, logClient *eventlog.Client) (*Stage, error) {
	cache, err := lru.New[string, cachedTags](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create tag cache: %w", err)
	}
	return &Stage{
		tagger: tagger,
		enrich: enrich,
		log:    logClient,
		cache:  cache,
		logger: slog.With("component", "tagging"),
	}, nil
}

// Definition returns the runner wiring for this stage.
func (s *Stage) Definition() pipeline.Stage {
	return pipeline.Stage{
		Name:    GroupName,
		Topic:   events.TopicPostsParsed,
		Handler: s.Handle,
	}
}

// Handle processes one posts.parsed message.
func (s *Stage) Handle(ctx context.Context, msg eventlog.Message) error {
	var ev events.PostParsed
	if err := events.Unmarshal(msg.Data, &ev); err != nil {
		return pipeline.Permanent(pipeline.ReasonSchemaInvalid, err)
	}

	// Anti-loop guard: retag traffic belongs to the retagging stage.
	if ev.Trigger == events.TriggerVisionRetag {
		droppedTotal.WithLabelValues("vision_retag").Inc()
		return nil
	}

	text := events.NormalizeText(ev.Text)
	if text == "" && !ev.HasMedia {
		droppedTotal.WithLabelValues("empty").Inc()
		return nil
	}

	result, fromCache, err := s.tagsFor(ctx, text, ev.MediaSHA256List)
	if err != nil {
		if errors.Is(err, ai.ErrInvalidResponse) {
			return pipeline.Permanent(events.ReasonUnhandled, err)
		}
		return err
	}

	tags := events.NormalizeTags(result.Tags)
	tagsHash := events.TagsHash(tags)

	meta := store.TagsMetadata{
		TagsHash:    tagsHash,
		TagsVersion: tagsVersion,
		Trigger:     events.TriggerInitial,
	}
	changed, err := s.enrich.UpsertTags(ctx, ev.PostID, tags, meta, "anthropic", "")
	if err != nil {
		// FK and permission failures cannot succeed on redelivery; anything
		// else stays pending and is bounded by max_deliveries.
		switch cat := store.Classify(err); cat {
		case store.CategoryFKViolation, store.CategoryPermissionDenied:
			return pipeline.Permanent(string(cat), err)
		default:
			return err
		}
	}

	if !changed {
		taggedTotal.WithLabelValues("unchanged").Inc()
		return nil
	}

	out := events.PostTagged{
		Envelope:  events.ChildEnvelope(ev.Envelope, fmt.Sprintf("tagged:%d:%s", ev.PostID, tagsHash)),
		TenantID:  ev.TenantID,
		PostID:    ev.PostID,
		ChannelID: ev.ChannelID,
		Tags:      tags,
		TagsHash:  tagsHash,
		Topics:    result.Topics,
		Provider:  "anthropic",
		LatencyMS: result.Latency.Milliseconds(),
		Trigger:   events.TriggerInitial,
		Text:      ev.Text,
		URLs:      ev.URLs,
	}
	if _, err := s.log.PublishEvent(ctx, out); err != nil {
		return err
	}

	outcome := "tagged"
	if fromCache {
		outcome = "cached"
	}
	taggedTotal.WithLabelValues(outcome).Inc()
	s.logger.Debug("Post tagged",
		"post_id", ev.PostID,
		"tags", len(tags),
		"cached", fromCache)
	return nil
}

// tagsFor resolves the tag set from the cache or the AI adapter. The
// cache key folds in the attached media so identical text with different
// images does not collide.
func (s *Stage) tagsFor(ctx context.Context, text string, mediaSHAs []string) (ai.TagResult, bool, error) {
	key := events.ContentHash(text + "\x00" + strings.Join(mediaSHAs, ","))
	if cached, ok := s.cache.Get(key); ok {
		return ai.TagResult{Tags: cached.Tags, Topics: cached.Topics}, true, nil
	}

	start := time.Now()
	result, err := s.tagger.Tag(ctx, text, "")
	if err != nil {
		return ai.TagResult{}, false, err
	}
	if result.Latency == 0 {
		result.Latency = time.Since(start)
	}

	s.cache.Add(key, cachedTags{Tags: result.Tags, Topics: result.Topics})
	return result, false, nil
}
