// Package crawler fetches pages referenced by posts under a tag policy,
// extracts readable markdown, and canonicalises URLs for deduplication.
package crawler

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	htmltomarkdown "github.com/JohannesKaufmann/html-to-markdown/v2"
	readability "github.com/go-shiori/go-readability"
)

// Document is one crawled page after extraction.
type Document struct {
	CanonicalURL      string
	URLHash           string
	Title             string
	Markdown          string
	WordCount         int
	OriginalWordCount int
	FetchDuration     time.Duration
}

// Crawler performs bounded-time, bounded-size fetches.
type Crawler struct {
	client    *http.Client
	maxBytes  int64
	userAgent string
}

// NewCrawler builds a crawler. timeout bounds the whole fetch including
// redirects; maxBytes truncates oversized bodies.
func NewCrawler(timeout time.Duration, maxBytes int64, userAgent string) *Crawler {
	return &Crawler{
		client:    &http.Client{Timeout: timeout},
		maxBytes:  maxBytes,
		userAgent: userAgent,
	}
}

// Fetch downloads rawURL, extracts the readable article, and converts it
// to markdown. The URL is canonicalised first; the canonical form is the
// dedup identity of the result.
func (c *Crawler) Fetch(ctx context.Context, rawURL string) (Document, error) {
	var doc Document

	canonical, err := Canonicalize(rawURL)
	if err != nil {
		return doc, err
	}
	doc.CanonicalURL = canonical
	doc.URLHash = URLHash(canonical)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, canonical, nil)
	if err != nil {
		return doc, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml")

	start := time.Now()
	resp, err := c.client.Do(req)
	if err != nil {
		return doc, fmt.Errorf("failed to fetch %s: %w", canonical, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return doc, fmt.Errorf("fetch %s: unexpected status %d", canonical, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, c.maxBytes))
	if err != nil {
		return doc, fmt.Errorf("failed to read body of %s: %w", canonical, err)
	}
	doc.FetchDuration = time.Since(start)
	doc.OriginalWordCount = len(strings.Fields(string(body)))

	pageURL, _ := url.Parse(canonical)
	article, err := readability.FromReader(strings.NewReader(string(body)), pageURL)
	if err != nil {
		return doc, fmt.Errorf("failed to extract article from %s: %w", canonical, err)
	}
	doc.Title = article.Title

	markdown, err := htmltomarkdown.ConvertString(article.Content)
	if err != nil {
		return doc, fmt.Errorf("failed to convert %s to markdown: %w", canonical, err)
	}
	doc.Markdown = strings.TrimSpace(markdown)
	doc.WordCount = len(strings.Fields(doc.Markdown))

	return doc, nil
}
