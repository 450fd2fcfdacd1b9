package crawler

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/url"
	"sort"
	"strings"
)

// trackingParams are stripped during canonicalisation. utm_* is handled
// by prefix.
var trackingParams = map[string]struct{}{
	"fbclid":   {},
	"gclid":    {},
	"ref":      {},
	"source":   {},
	"campaign": {},
}

// Canonicalize normalises a URL for deduplication: lower-case scheme and
// host, default ports dropped, fragment dropped, tracking parameters
// stripped, query keys sorted, trailing slash removed. Idempotent:
// Canonicalize(Canonicalize(u)) == Canonicalize(u).
func Canonicalize(raw string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", fmt.Errorf("failed to parse url: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("url %q has no scheme or host", raw)
	}

	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)

	if host, port, ok := strings.Cut(u.Host, ":"); ok {
		if (u.Scheme == "http" && port == "80") || (u.Scheme == "https" && port == "443") {
			u.Host = host
		}
	}

	u.Fragment = ""

	q := u.Query()
	kept := url.Values{}
	keys := make([]string, 0, len(q))
	for k := range q {
		if strings.HasPrefix(strings.ToLower(k), "utm_") {
			continue
		}
		if _, tracked := trackingParams[strings.ToLower(k)]; tracked {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		for _, v := range q[k] {
			kept.Add(k, v)
		}
	}
	u.RawQuery = kept.Encode()

	u.Path = strings.TrimSuffix(u.Path, "/")

	return u.String(), nil
}

// URLHash returns the hex SHA-256 of the canonical URL, the dedup key
// for crawl blobs and graph WebPage nodes.
func URLHash(canonical string) string {
	sum := sha256.Sum256([]byte(canonical))
	return hex.EncodeToString(sum[:])
}
