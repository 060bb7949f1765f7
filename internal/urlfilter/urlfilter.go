// Package urlfilter implements the per-batch content filter used by
// activity fan-out: a pure URL-allowlist predicate, either an exact-host
// match against a configured list or a glob-pattern match ("*"
// wildcard). Disabled means pass-through; enabled with an empty list
// means nothing passes.
package urlfilter

import (
	"net/url"
	"strings"
)

// Filter is the allowlist predicate applied to activity batches before
// forwarding a batch item to channel peers.
type Filter struct {
	enabled         bool
	allowedDomains  map[string]struct{}
	allowedPatterns []string
}

// New builds a Filter from config.
func New(enabled bool, allowedDomains, allowedPatterns []string) *Filter {
	domains := make(map[string]struct{}, len(allowedDomains))
	for _, d := range allowedDomains {
		domains[strings.ToLower(d)] = struct{}{}
	}
	return &Filter{enabled: enabled, allowedDomains: domains, allowedPatterns: allowedPatterns}
}

// Allow reports whether rawURL passes the filter. Disabled filters always
// allow. Malformed URLs never pass once the filter is enabled.
func (f *Filter) Allow(rawURL string) bool {
	if f == nil || !f.enabled {
		return true
	}

	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return false
	}
	host := strings.ToLower(u.Hostname())

	if _, ok := f.allowedDomains[host]; ok {
		return true
	}

	for _, pattern := range f.allowedPatterns {
		if matchGlob(strings.ToLower(pattern), host) {
			return true
		}
	}

	return false
}

// matchGlob implements "*" wildcard matching for hostnames. It is
// deliberately narrower than path/filepath.Match (which treats "/"
// specially, a distinction meaningless for hostnames) and deliberately
// small: hostname globbing is a handful of lines, not a dependency.
func matchGlob(pattern, s string) bool {
	parts := strings.Split(pattern, "*")
	if len(parts) == 1 {
		return pattern == s
	}

	if !strings.HasPrefix(s, parts[0]) {
		return false
	}
	s = s[len(parts[0]):]

	if !strings.HasSuffix(s, parts[len(parts)-1]) {
		return false
	}
	if len(parts) > 2 {
		s = s[:len(s)-len(parts[len(parts)-1])]
	} else {
		s = ""
	}

	for _, mid := range parts[1 : len(parts)-1] {
		idx := strings.Index(s, mid)
		if idx < 0 {
			return false
		}
		s = s[idx+len(mid):]
	}
	return true
}
