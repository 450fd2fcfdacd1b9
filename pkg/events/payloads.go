package events

import (
	"encoding/json"
	"time"
)

// PostParsed is published after the atomic batch write commits, once per
// genuinely new (or content-changed) post.
type PostParsed struct {
	Envelope
	TenantID          string    `json:"tenant_id" validate:"required,ne=default"`
	UserID            int64     `json:"user_id" validate:"required"`
	ChannelID         int64     `json:"channel_id" validate:"required"`
	PostID            int64     `json:"post_id" validate:"required"`
	PlatformChannelID int64     `json:"platform_channel_id"`
	PlatformMessageID int64     `json:"platform_message_id"`
	Text              string    `json:"text"`
	URLs              []string  `json:"urls,omitempty"`
	LinkCount         int       `json:"link_count"`
	PostedAt          time.Time `json:"posted_at"`
	ContentHash       string    `json:"content_hash"`
	MediaSHA256List   []string  `json:"media_sha256_list"`
	HasMedia          bool      `json:"has_media"`
	IsForward         bool      `json:"is_forward"`
	IsReply           bool      `json:"is_reply"`
	AlbumID           int64     `json:"album_id,omitempty"` // platform grouped_id; 0 for single posts
	Trigger           string    `json:"trigger,omitempty"`
}

// Topic implements Event.
func (PostParsed) Topic() string { return TopicPostsParsed }

// PostTagged is published when the tag set for a post changed. Text and
// URLs are carried forward so the enrichment stage can evaluate its crawl
// policy without a database round trip.
type PostTagged struct {
	Envelope
	TenantID      string   `json:"tenant_id" validate:"required,ne=default"`
	PostID        int64    `json:"post_id" validate:"required"`
	ChannelID     int64    `json:"channel_id"`
	Tags          []string `json:"tags"`
	TagsHash      string   `json:"tags_hash"`
	Topics        []string `json:"topics,omitempty"`
	Provider      string   `json:"provider,omitempty"`
	LatencyMS     int64    `json:"latency_ms"`
	Trigger       string   `json:"trigger" validate:"required,oneof=initial vision_retag manual"`
	VisionVersion string   `json:"vision_version,omitempty"`
	Text          string   `json:"text,omitempty"`
	URLs          []string `json:"urls,omitempty"`
}

// Topic implements Event.
func (PostTagged) Topic() string { return TopicPostsTagged }

// PostEnriched is published for every consumed PostTagged, whether or not
// a crawl actually ran. Skipped carries the gate that fired.
type PostEnriched struct {
	Envelope
	TenantID          string          `json:"tenant_id" validate:"required,ne=default"`
	PostID            int64           `json:"post_id" validate:"required"`
	ChannelID         int64           `json:"channel_id"`
	Enrichment        json.RawMessage `json:"enrichment,omitempty"`
	SourceURLs        []string        `json:"source_urls,omitempty"`
	WordCount         int             `json:"word_count"`
	OriginalWordCount int             `json:"original_word_count"`
	Skipped           bool            `json:"skipped"`
	SkipReason        string          `json:"skip_reason,omitempty"`
	CrawlDurationMS   int64           `json:"crawl_duration_ms"`
	PolicyApplied     string          `json:"policy_applied,omitempty"`
	QualityScore      float64         `json:"quality_score"`
}

// Topic implements Event.
func (PostEnriched) Topic() string { return TopicPostsEnriched }

// PostIndexed reports the terminal state of the indexing stage for one
// post, including per-step durations for latency accounting.
type PostIndexed struct {
	Envelope
	TenantID          string `json:"tenant_id" validate:"required,ne=default"`
	PostID            int64  `json:"post_id" validate:"required"`
	VectorID          string `json:"vector_id,omitempty"`
	EmbeddingProvider string `json:"embedding_provider,omitempty"`
	EmbeddingDim      int    `json:"embedding_dim,omitempty"`
	QdrantCollection  string `json:"qdrant_collection,omitempty"`
	EmbeddingStatus   string `json:"embedding_status" validate:"required,oneof=pending processing completed skipped failed"`
	GraphStatus       string `json:"graph_status" validate:"required,oneof=pending processing completed skipped failed"`
	GraphNodes        int    `json:"graph_nodes"`
	GraphEdges        int    `json:"graph_edges"`
	EmbedDurationMS   int64  `json:"embed_duration_ms"`
	UpsertDurationMS  int64  `json:"upsert_duration_ms"`
	GraphDurationMS   int64  `json:"graph_duration_ms"`
}

// Topic implements Event.
func (PostIndexed) Topic() string { return TopicPostsIndexed }

// MediaFile describes one content-addressed blob attached to a post.
type MediaFile struct {
	SHA256    string `json:"sha256" validate:"required,len=64,hexadecimal"`
	S3Key     string `json:"s3_key" validate:"required"`
	MimeType  string `json:"mime_type"`
	SizeBytes int64  `json:"size_bytes"`
}

// VisionUploaded is published by the media processor once all of a post's
// vision-eligible media landed in the content-addressed store.
type VisionUploaded struct {
	Envelope
	TenantID       string      `json:"tenant_id" validate:"required,ne=default"`
	PostID         int64       `json:"post_id" validate:"required"`
	ChannelID      int64       `json:"channel_id"`
	AlbumID        int64       `json:"album_id,omitempty"`
	MediaFiles     []MediaFile `json:"media_files" validate:"required,min=1,dive"`
	RequiresVision bool        `json:"requires_vision"`
}

// Topic implements Event.
func (VisionUploaded) Topic() string { return TopicVisionUploaded }

// VisionResult is the structured output of the vision model. Bounds are
// enforced at validation time; a result that fails them is treated as a
// permanent error.
type VisionResult struct {
	Classification  string   `json:"classification" validate:"required"`
	Description     string   `json:"description" validate:"required,min=5"`
	Labels          []string `json:"labels" validate:"max=20"`
	Objects         []string `json:"objects" validate:"max=10"`
	IsMeme          bool     `json:"is_meme"`
	OCRText         string   `json:"ocr_text,omitempty"`
	OCRTextEnhanced string   `json:"ocr_text_enhanced,omitempty"`
	NSFWScore       float64  `json:"nsfw_score" validate:"gte=0,lte=1"`
	AestheticScore  float64  `json:"aesthetic_score" validate:"gte=0,lte=1"`
	DominantColors  []string `json:"dominant_colors" validate:"max=5"`
}

// VisionAnalyzed is published once per (tenant, post, sha, features_hash)
// within the idempotency window.
type VisionAnalyzed struct {
	Envelope
	TenantID           string       `json:"tenant_id" validate:"required,ne=default"`
	PostID             int64        `json:"post_id" validate:"required"`
	ChannelID          int64        `json:"channel_id"`
	AlbumID            int64        `json:"album_id,omitempty"`
	Media              []MediaFile  `json:"media"`
	Vision             VisionResult `json:"vision"`
	AnalysisDurationMS int64        `json:"analysis_duration_ms"`
	VisionVersion      string       `json:"vision_version,omitempty"`
	FeaturesHash       string       `json:"features_hash"`
	Provider           string       `json:"provider,omitempty"`
	Model              string       `json:"model,omitempty"`
}

// Topic implements Event.
func (VisionAnalyzed) Topic() string { return TopicVisionAnalyzed }

// MediaSkip names the gate that kept one media item out of vision.
type MediaSkip struct {
	SHA256 string `json:"sha256"`
	Reason string `json:"reason" validate:"required,oneof=s3_missing format_unsupported budget_exhausted quota_exceeded idempotency policy"`
}

// VisionSkipped is the terminal outcome for posts whose media was gated
// out of vision analysis. It is a success from the log's point of view.
type VisionSkipped struct {
	Envelope
	TenantID  string      `json:"tenant_id" validate:"required,ne=default"`
	PostID    int64       `json:"post_id" validate:"required"`
	ChannelID int64       `json:"channel_id"`
	Skips     []MediaSkip `json:"skips" validate:"required,min=1,dive"`
}

// Topic implements Event.
func (VisionSkipped) Topic() string { return TopicVisionSkipped }

// AlbumParsed seeds the album assembler's fan-in state when ingestion
// first sees a grouped message batch.
type AlbumParsed struct {
	Envelope
	TenantID          string    `json:"tenant_id" validate:"required,ne=default"`
	AlbumID           int64     `json:"album_id" validate:"required"`
	ChannelID         int64     `json:"channel_id"`
	PlatformGroupedID int64     `json:"platform_grouped_id"`
	ItemsCount        int       `json:"items_count" validate:"required,min=1"`
	Caption           string    `json:"caption,omitempty"`
	CoverSHA256       string    `json:"cover_sha256,omitempty"`
	PostedAt          time.Time `json:"posted_at"`
	PostIDs           []int64   `json:"post_ids,omitempty"`
}

// Topic implements Event.
func (AlbumParsed) Topic() string { return TopicAlbumsParsed }

// AlbumAssembled is published exactly once per album, after the last item's
// vision analysis arrived and the aggregate summary blob was stored.
type AlbumAssembled struct {
	Envelope
	TenantID           string   `json:"tenant_id" validate:"required,ne=default"`
	AlbumID            int64    `json:"album_id" validate:"required"`
	ChannelID          int64    `json:"channel_id"`
	ItemsAnalyzed      int      `json:"items_analyzed"`
	Labels             []string `json:"labels,omitempty"`
	OCRText            string   `json:"ocr_text,omitempty"`
	HasMeme            bool     `json:"has_meme"`
	HasText            bool     `json:"has_text"`
	SummaryS3Key       string   `json:"s3_key"`
	AssemblyLagSeconds float64  `json:"assembly_lag_seconds"`
}

// Topic implements Event.
func (AlbumAssembled) Topic() string { return TopicAlbumAssembled }
