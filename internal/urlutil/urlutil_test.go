package urlutil

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeBaseURL(t *testing.T) {
	tests := []struct {
		input string
		want  string
	}{
		{"", ""},
		{"api.exa.ai", "https://api.exa.ai"},
		{"https://api.exa.ai/", "https://api.exa.ai"},
		{"http://localhost:8080/", "http://localhost:8080"},
		{"  api.serper.dev  ", "https://api.serper.dev"},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, NormalizeBaseURL(tt.input), "input %q", tt.input)
	}
}

func TestJoinPath(t *testing.T) {
	assert.Equal(t, "https://api.exa.ai/search", JoinPath("https://api.exa.ai", "search"))
	assert.Equal(t, "https://api.exa.ai/search", JoinPath("https://api.exa.ai/", "/search"))
	assert.Equal(t, "/search", JoinPath("", "/search"))
}

func TestIsRemoteURL(t *testing.T) {
	assert.True(t, IsRemoteURL("http://example.com"))
	assert.True(t, IsRemoteURL("https://example.com"))
	assert.True(t, IsRemoteURL("//example.com/x"))
	assert.False(t, IsRemoteURL("example.com"))
	assert.False(t, IsRemoteURL("/relative/path"))
	assert.False(t, IsRemoteURL(""))
}

func TestCanonicalize(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{
			name:  "lowercases scheme and host",
			input: "HTTPS://Example.COM/Path",
			want:  "https://example.com/Path",
		},
		{
			name:  "strips default https port",
			input: "https://example.com:443/a",
			want:  "https://example.com/a",
		},
		{
			name:  "strips default http port",
			input: "http://example.com:80/a",
			want:  "http://example.com/a",
		},
		{
			name:  "keeps non-default port",
			input: "https://example.com:8443/a",
			want:  "https://example.com:8443/a",
		},
		{
			name:  "drops fragment",
			input: "https://example.com/a#section",
			want:  "https://example.com/a",
		},
		{
			name:  "removes tracking params and sorts the rest",
			input: "https://example.com/a?utm_source=x&b=2&a=1&fbclid=zzz",
			want:  "https://example.com/a?a=1&b=2",
		},
		{
			name:  "trims trailing slash",
			input: "https://example.com/a/",
			want:  "https://example.com/a",
		},
		{
			name:  "keeps root slash",
			input: "https://example.com/",
			want:  "https://example.com/",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Canonicalize(tt.input)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestCanonicalize_Errors(t *testing.T) {
	_, err := Canonicalize("not a url at all\x7f")
	assert.Error(t, err)

	_, err = Canonicalize("/relative/only")
	assert.Error(t, err)
}

func TestDedupe(t *testing.T) {
	urls := []string{
		"https://example.com/a",
		"https://EXAMPLE.com/a/",
		"https://example.com/a?utm_source=feed",
		"https://example.com/b",
		"https://example.com/a#frag",
	}

	assert.Equal(t, []string{
		"https://example.com/a",
		"https://example.com/b",
	}, Dedupe(urls))
}

func TestValidateURL(t *testing.T) {
	assert.NoError(t, ValidateURL("https://example.com/a"))
	assert.NoError(t, ValidateURL("http://localhost:8080"))
	assert.Error(t, ValidateURL(""))
	assert.Error(t, ValidateURL("example.com"))
	assert.Error(t, ValidateURL("ftp://example.com"))
	assert.Error(t, ValidateURL("https://"))
}
