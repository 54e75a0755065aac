// Package urlutil provides URL normalization shared by the cache, crawler
// frontier and rate limiter. Two URLs with equal normalized forms identify
// the same resource for dedup and cache keys.
package urlutil

import (
	"net/url"
	"sort"
	"strings"

	"github.com/jmylchreest/distil/internal/kinds"
)

// Normalize canonicalizes a URL string: scheme and host are lowercased, the
// fragment is stripped, query keys are sorted lexicographically and the
// trailing slash is removed from non-root paths. Normalize is idempotent.
func Normalize(rawURL string) (string, error) {
	parsed, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return "", kinds.Wrap(kinds.KindInvalidURL, 400, "cannot parse URL", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return "", kinds.New(kinds.KindInvalidURL, 400, "unsupported scheme: "+parsed.Scheme)
	}

	parsed.Scheme = strings.ToLower(parsed.Scheme)
	parsed.Host = strings.ToLower(parsed.Host)
	parsed.Fragment = ""

	if parsed.Path != "/" {
		parsed.Path = strings.TrimSuffix(parsed.Path, "/")
	}

	if parsed.RawQuery != "" {
		parsed.RawQuery = sortQuery(parsed.RawQuery)
	}

	return parsed.String(), nil
}

// MustNormalize normalizes or returns the input unchanged when it cannot be
// parsed. Callers that already validated the URL use this form.
func MustNormalize(rawURL string) string {
	normalized, err := Normalize(rawURL)
	if err != nil {
		return rawURL
	}
	return normalized
}

// Host extracts the lowercased hostname (without port) of a URL.
func Host(rawURL string) (string, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return "", kinds.Wrap(kinds.KindInvalidURL, 400, "cannot parse URL", err)
	}
	host := strings.ToLower(parsed.Hostname())
	if host == "" {
		return "", kinds.New(kinds.KindInvalidURL, 400, "URL has no host")
	}
	return host, nil
}

// Path extracts the path component of a URL, "/" when empty or the URL is
// unparseable.
func Path(rawURL string) string {
	parsed, err := url.Parse(rawURL)
	if err != nil || parsed.Path == "" {
		return "/"
	}
	return parsed.Path
}

// Resolve resolves a possibly-relative href against a base URL and returns
// the normalized absolute form.
func Resolve(baseURL, href string) (string, error) {
	base, err := url.Parse(baseURL)
	if err != nil {
		return "", kinds.Wrap(kinds.KindInvalidURL, 400, "cannot parse base URL", err)
	}
	ref, err := url.Parse(strings.TrimSpace(href))
	if err != nil {
		return "", kinds.Wrap(kinds.KindInvalidURL, 400, "cannot parse href", err)
	}
	return Normalize(base.ResolveReference(ref).String())
}

// sortQuery re-encodes a raw query with keys in lexicographic order.
// Multi-valued keys keep their relative value order.
func sortQuery(rawQuery string) string {
	values, err := url.ParseQuery(rawQuery)
	if err != nil {
		return rawQuery
	}
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		for _, v := range values[k] {
			if b.Len() > 0 {
				b.WriteByte('&')
			}
			b.WriteString(url.QueryEscape(k))
			b.WriteByte('=')
			b.WriteString(url.QueryEscape(v))
		}
	}
	return b.String()
}
