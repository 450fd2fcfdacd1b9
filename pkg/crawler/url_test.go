package crawler

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanonicalize(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"tracking params stripped", "https://example.com?utm_source=x&utm_medium=y", "https://example.com"},
		{"fbclid stripped", "https://example.com/a?fbclid=123&q=1", "https://example.com/a?q=1"},
		{"scheme and host lowered", "HTTPS://EXAMPLE.com/Path", "https://example.com/Path"},
		{"default https port dropped", "https://example.com:443/a", "https://example.com/a"},
		{"default http port dropped", "http://example.com:80/a", "http://example.com/a"},
		{"non-default port kept", "https://example.com:8443/a", "https://example.com:8443/a"},
		{"fragment dropped", "https://example.com/a#section", "https://example.com/a"},
		{"query keys sorted", "https://example.com/a?b=2&a=1", "https://example.com/a?a=1&b=2"},
		{"trailing slash stripped", "https://example.com/a/", "https://example.com/a"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Canonicalize(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestCanonicalize_Idempotent(t *testing.T) {
	inputs := []string{
		"https://Example.com:443/Path/?utm_source=x&b=2&a=1#frag",
		"http://example.com/a?ref=tw",
		"https://example.com",
	}
	for _, in := range inputs {
		once, err := Canonicalize(in)
		require.NoError(t, err)
		twice, err := Canonicalize(once)
		require.NoError(t, err)
		assert.Equal(t, once, twice, "canon(canon(u)) must equal canon(u) for %q", in)
	}
}

func TestCanonicalize_RejectsRelative(t *testing.T) {
	_, err := Canonicalize("/just/a/path")
	assert.Error(t, err)
}

func TestURLHash_StableAcrossEquivalentForms(t *testing.T) {
	a, err := Canonicalize("https://example.com/a?utm_source=x")
	require.NoError(t, err)
	b, err := Canonicalize("https://EXAMPLE.com:443/a/")
	require.NoError(t, err)
	assert.Equal(t, URLHash(a), URLHash(b))
	assert.Len(t, URLHash(a), 64)
}

func TestPolicyEvaluate(t *testing.T) {
	p := DefaultPolicy()

	d := p.Evaluate([]string{"research", "ai"}, []string{"https://example.com"})
	assert.True(t, d.Crawl)
	assert.Empty(t, d.SkipReason)

	d = p.Evaluate([]string{"memes"}, []string{"https://example.com"})
	assert.False(t, d.Crawl)
	assert.Equal(t, "tag_mismatch", d.SkipReason)

	d = p.Evaluate([]string{"research"}, nil)
	assert.False(t, d.Crawl)
	assert.Equal(t, "no_url", d.SkipReason)
}

func TestPolicyStore_FallbackWithoutFile(t *testing.T) {
	s, err := NewPolicyStore("")
	require.NoError(t, err)
	defer s.Close()
	assert.Equal(t, defaultPolicyName, s.Active().Name)
}
