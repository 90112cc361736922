// Package urlnorm canonicalizes source URLs so that deduplication, domain
// caps, and citation identity all agree on what "the same source" means.
package urlnorm

import (
	"net/url"
	"strings"
)

// MaxDomainFilters bounds how many include-domains a provider request may carry.
const MaxDomainFilters = 20

// Canonicalize maps URL variants of the same document to one identity:
// scheme forced to https, host lowercased with a leading "www." removed,
// query, params, and fragment dropped, and a trailing "/" stripped.
// Unparseable input is returned trimmed.
func Canonicalize(raw string) string {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return ""
	}
	parsed, err := url.Parse(trimmed)
	if err != nil {
		return trimmed
	}
	if parsed.Host == "" && !strings.Contains(trimmed, "://") {
		reparsed, rerr := url.Parse("https://" + trimmed)
		if rerr != nil {
			return trimmed
		}
		parsed = reparsed
	}
	host := strings.TrimPrefix(strings.ToLower(parsed.Host), "www.")
	path := strings.TrimRight(parsed.EscapedPath(), "/")
	return "https://" + host + path
}

// Domain extracts the registrable host for per-domain bookkeeping. Inputs
// with no recoverable host map to "unknown".
func Domain(raw string) string {
	trimmed := strings.TrimSpace(raw)
	parsed, err := url.Parse(trimmed)
	if err == nil && parsed.Host == "" && !strings.Contains(trimmed, "://") {
		parsed, err = url.Parse("https://" + trimmed)
	}
	if err != nil || parsed == nil || parsed.Host == "" {
		return "unknown"
	}
	host := strings.TrimPrefix(strings.ToLower(parsed.Host), "www.")
	if host == "" {
		return "unknown"
	}
	return host
}

// SanitizeDomains normalizes a caller-supplied domain filter list: values are
// lowercased, schemes and paths are stripped, a leading "www." is removed,
// entries without a dot are rejected, duplicates collapse in first-seen
// order, and the result is capped at MaxDomainFilters.
func SanitizeDomains(values []string) []string {
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, value := range values {
		domain := strings.ToLower(strings.TrimSpace(value))
		if idx := strings.Index(domain, "://"); idx >= 0 {
			domain = domain[idx+3:]
		}
		if idx := strings.Index(domain, "/"); idx >= 0 {
			domain = domain[:idx]
		}
		domain = strings.TrimPrefix(domain, "www.")
		if domain == "" || !strings.Contains(domain, ".") {
			continue
		}
		if _, dup := seen[domain]; dup {
			continue
		}
		seen[domain] = struct{}{}
		out = append(out, domain)
		if len(out) >= MaxDomainFilters {
			break
		}
	}
	return out
}
