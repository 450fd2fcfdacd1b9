package events

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"
)

// NormalizeText collapses runs of whitespace (including newlines) into
// single spaces and trims the ends. Hash inputs and embedding text both
// go through this so that formatting-only edits stay invisible.
func NormalizeText(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// NormalizeTags lowercases, trims, de-duplicates, and sorts a tag set,
// dropping empties. The result is the canonical form used for hashing
// and persistence.
func NormalizeTags(tags []string) []string {
	seen := make(map[string]struct{}, len(tags))
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		t = strings.ToLower(strings.TrimSpace(t))
		if t == "" {
			continue
		}
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// ContentHash is the SHA-256 of the normalised message text, hex-encoded.
func ContentHash(text string) string {
	sum := sha256.Sum256([]byte(NormalizeText(text)))
	return hex.EncodeToString(sum[:])
}

// TagsHash hashes the canonical tag set. Order and duplicates in the
// input do not affect the result.
func TagsHash(tags []string) string {
	sum := sha256.Sum256([]byte(strings.Join(NormalizeTags(tags), "\n")))
	return hex.EncodeToString(sum[:])
}

// FeaturesHash covers the vision inputs for one post: the set of media
// SHA-256 digests plus the vision schema version. Two analyses over the
// same media with the same version hash identically, which is what the
// retagging trigger compares.
func FeaturesHash(sha256s []string, visionVersion string) string {
	set := make([]string, 0, len(sha256s))
	seen := make(map[string]struct{}, len(sha256s))
	for _, s := range sha256s {
		s = strings.ToLower(strings.TrimSpace(s))
		if s == "" {
			continue
		}
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		set = append(set, s)
	}
	sort.Strings(set)
	h := sha256.New()
	for _, s := range set {
		h.Write([]byte(s))
		h.Write([]byte{'\n'})
	}
	h.Write([]byte(visionVersion))
	return hex.EncodeToString(h.Sum(nil))
}
