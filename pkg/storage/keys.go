// Package storage implements the content-addressed blob store: SHA-256
// keyed objects on an S3-compatible bucket with per-tenant quotas, usage
// accounting in the shared KV, LRU eviction, and signed reads.
package storage

import (
	"fmt"
	"strings"
)

// Content kinds. Each kind owns a bucket prefix, a quota bucket, and an
// eviction priority (crawl first, media last).
const (
	KindMedia  = "media"
	KindVision = "vision"
	KindCrawl  = "crawl"
	KindAlbum  = "album"
)

// MediaKey derives the canonical key for a raw media blob:
// media/{tenant}/{sha[:2]}/{sha}.{ext}. The two-character fan-out keeps
// any single prefix from growing unbounded.
func MediaKey(tenant, sha256hex, mimeType string) string {
	return fmt.Sprintf("media/%s/%s/%s.%s", tenant, sha256hex[:2], sha256hex, ExtForMime(mimeType))
}

// VisionKey derives the key for a per-SHA vision result:
// vision/{tenant}/{sha}/{provider}_{model}_{schemaver}.json.gz.
func VisionKey(tenant, sha256hex, provider, model, schemaVersion string) string {
	return fmt.Sprintf("vision/%s/%s/%s_%s_%s.json.gz", tenant, sha256hex, provider, model, schemaVersion)
}

// CrawlKey derives the key for a crawled document. The URL hash is the
// SHA-256 of the canonicalised URL; only its first 16 characters are
// used, which is plenty at per-tenant scale.
func CrawlKey(tenant, urlHash string) string {
	if len(urlHash) > 16 {
		urlHash = urlHash[:16]
	}
	return fmt.Sprintf("crawl/%s/%s.md.gz", tenant, urlHash)
}

// AlbumSummaryKey derives the key for a whole-album vision summary.
func AlbumSummaryKey(tenant string, albumID int64) string {
	return fmt.Sprintf("album/%s/%d_vision_summary_v1.json.gz", tenant, albumID)
}

// TenantPrefix returns the listing prefix for one tenant and kind.
func TenantPrefix(kind, tenant string) string {
	return kind + "/" + tenant + "/"
}

// ExtForMime maps a MIME type to the file extension used in media keys.
func ExtForMime(mimeType string) string {
	switch strings.ToLower(mimeType) {
	case "image/jpeg", "image/jpg":
		return "jpg"
	case "image/png":
		return "png"
	case "image/webp":
		return "webp"
	case "image/gif":
		return "gif"
	case "application/pdf":
		return "pdf"
	case "text/plain":
		return "txt"
	case "video/mp4":
		return "mp4"
	default:
		return "bin"
	}
}

// IsVisionEligible reports whether a MIME type is worth sending to the
// vision analyzer: images plus the handful of document types the model
// can read.
func IsVisionEligible(mimeType string) bool {
	m := strings.ToLower(mimeType)
	if strings.HasPrefix(m, "image/") {
		return true
	}
	switch m {
	case "application/pdf",
		"application/msword",
		"application/vnd.openxmlformats-officedocument.wordprocessingml.document",
		"text/plain":
		return true
	}
	return false
}
