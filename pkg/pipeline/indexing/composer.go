package indexing

import (
	"strings"
	"unicode"
)

// Per-part caps for the composed embedding input, in priority order.
const (
	capPostText    = 2000
	capVisionDesc  = 500
	capVisionOCR   = 300
	capCrawlText   = 1500
	capCrawlOCR    = 300
	maxEntityCount = 10
)

// composeParts is the ordered input to the embedding composer.
type composeParts struct {
	PostText   string
	VisionDesc string
	VisionOCR  string
	CrawlText  string
	CrawlOCR   string
}

// composeEmbedText concatenates the parts under their caps, dropping
// parts that duplicate earlier ones after normalisation. The comparison
// is case-insensitive on the whitespace-collapsed form.
func composeEmbedText(p composeParts) string {
	parts := []struct {
		text string
		cap_ int
	}{
		{p.PostText, capPostText},
		{p.VisionDesc, capVisionDesc},
		{p.VisionOCR, capVisionOCR},
		{p.CrawlText, capCrawlText},
		{p.CrawlOCR, capCrawlOCR},
	}

	seen := make(map[string]struct{}, len(parts))
	var out []string
	for _, part := range parts {
		norm := collapseWhitespace(part.text)
		if norm == "" {
			continue
		}
		norm = truncate(norm, part.cap_)
		key := strings.ToLower(norm)
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, norm)
	}
	return strings.Join(out, "\n")
}

// collapseWhitespace folds runs of whitespace, newlines included, into
// single spaces.
func collapseWhitespace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}

// parseEntities pulls capitalised tokens out of OCR text as candidate
// entity names for the graph. Crude on purpose: the graph tolerates
// noise, and missed entities cost nothing.
func parseEntities(ocr string) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, tok := range strings.Fields(ocr) {
		tok = strings.TrimFunc(tok, func(r rune) bool {
			return !unicode.IsLetter(r) && !unicode.IsDigit(r)
		})
		if len(tok) < 3 {
			continue
		}
		runes := []rune(tok)
		if !unicode.IsUpper(runes[0]) {
			continue
		}
		key := strings.ToLower(tok)
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, tok)
		if len(out) == maxEntityCount {
			break
		}
	}
	return out
}
