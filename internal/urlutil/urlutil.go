// Package urlutil provides URL normalization used when merging provider
// results into a corpus and when configuring provider base URLs.
package urlutil

import (
	"fmt"
	"net/url"
	"strings"
)

// URL scheme constants.
const (
	SchemeHTTP  = "http"
	SchemeHTTPS = "https"
)

// trackingParams are query parameters stripped during canonicalization.
// They vary per click without changing the addressed document.
var trackingParams = map[string]bool{
	"fbclid":  true,
	"gclid":   true,
	"msclkid": true,
	"ref":     true,
}

// NormalizeBaseURL normalizes a provider base URL for consistent use:
//   - Adds https:// scheme if no scheme provided
//   - Removes trailing slash for clean path joining
//
// Examples:
//
//	"api.exa.ai"             -> "https://api.exa.ai"
//	"https://api.exa.ai/"    -> "https://api.exa.ai"
//	"http://localhost:8080/" -> "http://localhost:8080"
func NormalizeBaseURL(baseURL string) string {
	if baseURL == "" {
		return ""
	}

	baseURL = strings.TrimSpace(baseURL)

	if !strings.HasPrefix(baseURL, "http://") && !strings.HasPrefix(baseURL, "https://") {
		baseURL = "https://" + baseURL
	}

	return strings.TrimSuffix(baseURL, "/")
}

// JoinPath joins a base URL with a path, ensuring single slashes.
func JoinPath(baseURL, path string) string {
	if baseURL == "" {
		return path
	}

	baseURL = strings.TrimSuffix(baseURL, "/")
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}

	return baseURL + path
}

// IsRemoteURL checks if a URL can be fetched over HTTP(S). This includes
// protocol-relative URLs (//example.com/...).
func IsRemoteURL(u string) bool {
	return strings.HasPrefix(u, "http://") ||
		strings.HasPrefix(u, "https://") ||
		strings.HasPrefix(u, "//")
}

// Canonicalize reduces a URL to a stable comparison form so the same
// document fetched through different providers deduplicates:
//   - scheme and host lowercased
//   - default ports stripped
//   - fragment dropped
//   - tracking parameters (utm_*, fbclid, gclid, ...) removed
//   - remaining query parameters sorted
//   - trailing slash trimmed from non-root paths
func Canonicalize(raw string) (string, error) {
	parsed, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", fmt.Errorf("parsing URL: %w", err)
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return "", fmt.Errorf("not an absolute URL: %s", raw)
	}

	parsed.Scheme = strings.ToLower(parsed.Scheme)
	parsed.Host = strings.ToLower(parsed.Host)
	parsed.Fragment = ""

	switch {
	case parsed.Scheme == SchemeHTTP && strings.HasSuffix(parsed.Host, ":80"):
		parsed.Host = strings.TrimSuffix(parsed.Host, ":80")
	case parsed.Scheme == SchemeHTTPS && strings.HasSuffix(parsed.Host, ":443"):
		parsed.Host = strings.TrimSuffix(parsed.Host, ":443")
	}

	if query := parsed.Query(); len(query) > 0 {
		for key := range query {
			if strings.HasPrefix(key, "utm_") || trackingParams[key] {
				delete(query, key)
			}
		}
		// Encode sorts keys, which stabilizes parameter order.
		parsed.RawQuery = query.Encode()
	}

	if parsed.Path != "/" {
		parsed.Path = strings.TrimSuffix(parsed.Path, "/")
	}

	return parsed.String(), nil
}

// Dedupe returns urls with canonical duplicates removed, preserving
// first-seen order. Unparseable entries are kept verbatim and deduplicated
// by their raw string.
func Dedupe(urls []string) []string {
	seen := make(map[string]bool, len(urls))
	out := make([]string, 0, len(urls))

	for _, raw := range urls {
		key, err := Canonicalize(raw)
		if err != nil {
			key = raw
		}
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, raw)
	}
	return out
}

// ValidateURL checks that a URL is absolute and uses http or https.
func ValidateURL(u string) error {
	if u == "" {
		return fmt.Errorf("URL is required")
	}

	parsed, err := url.Parse(u)
	if err != nil {
		return fmt.Errorf("invalid URL format: %w", err)
	}

	switch strings.ToLower(parsed.Scheme) {
	case SchemeHTTP, SchemeHTTPS:
		if parsed.Host == "" {
			return fmt.Errorf("URL must include a host")
		}
		return nil
	case "":
		return fmt.Errorf("URL must include a scheme (http:// or https://)")
	default:
		return fmt.Errorf("unsupported URL scheme: %s (supported: http, https)", parsed.Scheme)
	}
}
