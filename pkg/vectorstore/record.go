package vectorstore

import (
	"encoding/json"
	"fmt"
)

// MaxPayloadBytes caps the serialised payload per point. Crossing it
// strips facets progressively; identifiers and the summary always
// survive.
const MaxPayloadBytes = 64 << 10

// maxTextShort bounds the stored text excerpt.
const maxTextShort = 500

// Facets are the compact enrichment signals carried in the payload for
// filtered search.
type Facets struct {
	Tags      []string `json:"tags,omitempty"`
	HasVision bool     `json:"has_vision,omitempty"`
	IsMeme    bool     `json:"is_meme,omitempty"`
	HasOCR    bool     `json:"has_ocr,omitempty"`
	HasCrawl  bool     `json:"has_crawl,omitempty"`
}

// Record is one post's vector payload before encoding.
type Record struct {
	PostID    int64  `json:"post_id"`
	TenantID  string `json:"tenant_id"`
	ChannelID int64  `json:"channel_id"`
	TextShort string `json:"text_short"`
	AlbumID   int64  `json:"album_id,omitempty"`
	Facets    Facets `json:"facets,omitempty"`
}

// BuildPayload truncates the text excerpt, then shrinks the record until
// it fits under MaxPayloadBytes: first the facet tag list, then all
// facets. The returned map is ready for the point upsert.
func BuildPayload(r Record) (map[string]any, error) {
	if len(r.TextShort) > maxTextShort {
		r.TextShort = r.TextShort[:maxTextShort]
	}

	for attempt := 0; ; attempt++ {
		encoded, err := json.Marshal(r)
		if err != nil {
			return nil, fmt.Errorf("failed to encode vector payload: %w", err)
		}
		if len(encoded) <= MaxPayloadBytes {
			var out map[string]any
			if err := json.Unmarshal(encoded, &out); err != nil {
				return nil, fmt.Errorf("failed to shape vector payload: %w", err)
			}
			return out, nil
		}

		switch attempt {
		case 0:
			r.Facets.Tags = nil
		case 1:
			r.Facets = Facets{}
		default:
			// Identifiers plus a capped excerpt cannot exceed the limit.
			return nil, fmt.Errorf("vector payload for post %d irreducibly large", r.PostID)
		}
	}
}
