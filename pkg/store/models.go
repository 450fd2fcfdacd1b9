// Package store is the relational persistence layer: the atomic batch
// writer for tenant→channel→post hierarchies, enrichment upserts, the
// content-addressed media descriptors, and the indexing status machine.
package store

import (
	"encoding/json"
	"time"
)

// UserDescriptor identifies the observing account for one batch write.
// TenantSlug names the isolation boundary; PlatformUserID is the chat
// platform's globally unique account ID.
type UserDescriptor struct {
	TenantSlug     string
	PlatformUserID int64
	Phone          string
	Tier           string
}

// ChannelDescriptor identifies the observed source.
type ChannelDescriptor struct {
	PlatformChannelID int64
	Username          string
	Title             string
}

// PostRecord is one observed message prepared for the batch writer.
type PostRecord struct {
	PlatformMessageID int64
	Content           string
	ContentHash       string
	PostedAt          time.Time
	HasMedia          bool
	IsForward         bool
	ForwardFrom       string
	IsReply           bool
	ReplyToMessageID  int64
	GroupedID         int64
	Views             int
	Reactions         int
	Forwards          int
	Replies           int
}

// PostWriteResult reports the fate of one record inside a committed
// batch. Inserted distinguishes genuinely new rows from counter merges;
// ContentChanged marks edits whose content hash moved.
type PostWriteResult struct {
	PostID            int64
	PlatformMessageID int64
	Inserted          bool
	ContentChanged    bool
}

// BatchResult is the outcome of one atomic batch write.
type BatchResult struct {
	UserID    int64
	TenantID  int64
	ChannelID int64
	Posts     []PostWriteResult
}

// Written counts rows that were inserted or had their content changed,
// which is what drives downstream event emission.
func (r BatchResult) Written() int {
	n := 0
	for _, p := range r.Posts {
		if p.Inserted || p.ContentChanged {
			n++
		}
	}
	return n
}

// MediaRef links one content-addressed blob to a post.
type MediaRef struct {
	SHA256    string
	S3Key     string
	MimeType  string
	SizeBytes int64
	Position  int
	Role      string
}

// MediaObject is the relational descriptor of a content-addressed blob.
// RefsCount mirrors the number of post_media_map rows for the SHA.
type MediaObject struct {
	FileSHA256  string    `db:"file_sha256"`
	MimeType    string    `db:"mime_type"`
	SizeBytes   int64     `db:"size_bytes"`
	S3Key       string    `db:"s3_key"`
	RefsCount   int       `db:"refs_count"`
	FirstSeenAt time.Time `db:"first_seen_at"`
	LastSeenAt  time.Time `db:"last_seen_at"`
}

// Enrichment kinds; at most one row exists per (post, kind).
const (
	KindTags   = "tags"
	KindVision = "vision"
	KindCrawl  = "crawl"
)

// Enrichment is one post_enrichments row.
type Enrichment struct {
	PostID        int64           `db:"post_id"`
	Kind          string          `db:"kind"`
	Payload       json.RawMessage `db:"payload"`
	Metadata      json.RawMessage `db:"metadata"`
	Tags          []string        `db:"-"`
	SchemaVersion string          `db:"schema_version"`
	Provider      string          `db:"provider"`
	Model         string          `db:"model"`
	UpdatedAt     time.Time       `db:"updated_at"`
}

// TagsMetadata is the structured part of the tags enrichment row used by
// the retagging trigger.
type TagsMetadata struct {
	TagsHash      string `json:"tags_hash"`
	TagsVersion   string `json:"tags_version,omitempty"`
	VisionVersion string `json:"vision_version,omitempty"`
	FeaturesHash  string `json:"features_hash,omitempty"`
	Trigger       string `json:"trigger,omitempty"`
}

// PostBundle is everything the indexing stage needs for one post, loaded
// in a single query.
type PostBundle struct {
	PostID            int64
	ChannelID         int64
	PlatformChannelID int64
	TenantSlug        string
	Content           string
	PostedAt          time.Time
	GroupedID         int64
	MediaSHAs         []string
	Tags              []string
	VisionPayload     json.RawMessage
	CrawlPayload      json.RawMessage
}

// ChannelCursor is one pollable channel for the ingestion worker: the
// channel, its high-water mark, and the owning membership.
type ChannelCursor struct {
	ChannelID         int64  `db:"channel_id"`
	PlatformChannelID int64  `db:"platform_channel_id"`
	Username          string `db:"username"`
	HighWaterMark     int64  `db:"high_water_mark"`
	UserID            int64  `db:"user_id"`
	TenantSlug        string `db:"tenant_slug"`
	PlatformUserID    int64  `db:"platform_user_id"`
}

// Album is one albums row.
type Album struct {
	ID                int64     `db:"id"`
	ChannelID         int64     `db:"channel_id"`
	PlatformGroupedID int64     `db:"platform_grouped_id"`
	ItemsCount        int       `db:"items_count"`
	Caption           string    `db:"caption"`
	CoverSHA256       string    `db:"cover_sha256"`
	PostedAt          time.Time `db:"posted_at"`
}

// IdentityRow is one authorised observing account together with its
// oldest membership's tenant and tier.
type IdentityRow struct {
	ID               int64  `db:"id"`
	PlatformUserID   int64  `db:"platform_user_id"`
	Phone            string `db:"phone"`
	SessionEncrypted []byte `db:"session_encrypted"`
	TenantSlug       string `db:"tenant_slug"`
	Tier             string `db:"tier"`
}
