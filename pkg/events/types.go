// Package events defines the versioned event envelopes that cross the
// pipeline's append-only log, one payload type per topic.
//
// Every payload embeds Envelope (schema version, trace ID, occurrence
// time, idempotency key) and is validated at both publish and consume
// time. Consumers must treat delivery as at-least-once: the idempotency
// key, not the stream entry ID, identifies the logical event.
package events

// Stream topics. Each topic has a companion dead-letter stream named
// "<topic>.dlq" (see pkg/eventlog).
const (
	TopicPostsParsed    = "posts.parsed"
	TopicPostsTagged    = "posts.tagged"
	TopicPostsEnriched  = "posts.enriched"
	TopicPostsIndexed   = "posts.indexed"
	TopicVisionUploaded = "posts.vision.uploaded"
	TopicVisionAnalyzed = "posts.vision.analyzed"
	TopicVisionSkipped  = "posts.vision.skipped"
	TopicAlbumsParsed   = "albums.parsed"
	TopicAlbumAssembled = "album.assembled"

	// TopicPersonaIngested is consumed by an out-of-core collaborator;
	// the pipeline only publishes it.
	TopicPersonaIngested = "persona.messages.ingested"
)

// Tagging triggers (PostTagged.Trigger).
const (
	TriggerInitial     = "initial"
	TriggerVisionRetag = "vision_retag"
	TriggerManual      = "manual"
)

// Dead-letter reasons. A message routed to a DLQ carries exactly one.
const (
	ReasonSchemaInvalid    = "schema_invalid"
	ReasonNoText           = "no_text"
	ReasonEmbedGenFail     = "embed_gen_fail"
	ReasonEmbedDimMismatch = "embed_dim_mismatch"
	ReasonQdrantFail       = "qdrant_fail"
	ReasonNeo4jFail        = "neo4j_fail"
	ReasonUnhandled        = "unhandled"
)

// Vision skip reasons (VisionSkipped.Skips[].Reason).
const (
	SkipS3Missing         = "s3_missing"
	SkipFormatUnsupported = "format_unsupported"
	SkipBudgetExhausted   = "budget_exhausted"
	SkipQuotaExceeded     = "quota_exceeded"
	SkipIdempotency       = "idempotency"
	SkipPolicy            = "policy"
)

// Enrichment skip reasons (PostEnriched.SkipReason).
const (
	SkipNoURL       = "no_url"
	SkipTagMismatch = "tag_mismatch"
	SkipCacheHit    = "cache_hit"
)

// Indexing phase statuses (PostIndexed.EmbeddingStatus / GraphStatus and
// the indexing_status table).
const (
	StatusPending    = "pending"
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusSkipped    = "skipped"
	StatusFailed     = "failed"
)

// Event is implemented by every payload type. Topic names the stream the
// payload belongs on; Key returns the idempotency key used for dedup.
type Event interface {
	Topic() string
	Key() string
}
