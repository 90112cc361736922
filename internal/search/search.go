// Package search talks to the upstream web search providers and routes
// queries across them. Providers normalize their wire formats into
// models.SourceFinding; the Router fans a query out to the configured
// primaries, interleaves the results, and falls back to the secondary
// provider when the primaries come back empty.
package search

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/astra-studio/astra/internal/models"
	"github.com/astra-studio/astra/internal/util"
)

// Field bounds applied to provider responses before anything downstream
// sees them. Oversized upstream payloads are a prompt-budget problem, not
// an error.
const (
	maxQueryLen   = 450
	maxTitleLen   = 300
	maxSnippetLen = 1200
)

// Request is one search invocation against a provider or the router.
type Request struct {
	Query          string
	MaxResults     int
	IncludeDomains []string
}

// Provider is a single search backend.
type Provider interface {
	Name() string
	Search(ctx context.Context, req Request) ([]models.SourceFinding, error)
}

// ErrNoProviders is returned by the router when nothing is configured to
// serve a query.
var ErrNoProviders = errors.New("no search providers are configured")

// ProviderError wraps one provider's failure with its name so the router
// can report which leg of the fan-out broke.
type ProviderError struct {
	Provider string
	Err      error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("%s: %v", e.Provider, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// quotaDetail is the upstream phrase that identifies a plan-quota refusal.
const quotaDetail = "exceeds your plan's set usage limit"

// QuotaError marks a provider refusing calls because the account's plan
// quota is spent. The run reacts by switching to fallback retrieval
// instead of retrying.
type QuotaError struct {
	Provider string
	Detail   string
}

func (e *QuotaError) Error() string {
	return fmt.Sprintf("%s quota exhausted: %s", e.Provider, e.Detail)
}

// IsQuota reports whether err carries a QuotaError anywhere in its chain.
func IsQuota(err error) bool {
	var qe *QuotaError
	return errors.As(err, &qe)
}

// isQuotaBody reports whether an upstream error body is a plan-quota
// refusal rather than an ordinary request failure.
func isQuotaBody(body string) bool {
	return strings.Contains(body, quotaDetail)
}

// AllFailedError is the router's terminal failure: every provider in the
// ladder either errored or returned nothing.
type AllFailedError struct {
	Errs []error
}

func (e *AllFailedError) Error() string {
	parts := make([]string, 0, len(e.Errs))
	for _, err := range e.Errs {
		parts = append(parts, err.Error())
	}
	return "all search providers failed: " + strings.Join(parts, "; ")
}

// Unwrap exposes the per-provider errors so errors.As can find a
// QuotaError buried in the fan-out.
func (e *AllFailedError) Unwrap() []error { return e.Errs }

// cleanQuery collapses runs of whitespace and bounds the query to the
// provider wire limit.
func cleanQuery(query string, maxLen int) string {
	cleaned := strings.Join(strings.Fields(query), " ")
	return util.CutRunes(cleaned, maxLen)
}

func clamp(n, lo, hi int) int {
	if n < lo {
		return lo
	}
	if n > hi {
		return hi
	}
	return n
}

// readErrorBody drains a failed response for error reporting, bounded so
// an upstream HTML error page cannot flood the logs.
func readErrorBody(resp *http.Response) string {
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(raw))
}

// boundTitle normalizes a provider-supplied title.
func boundTitle(title string) string {
	return util.CutRunes(strings.TrimSpace(title), maxTitleLen)
}

// boundSnippet normalizes a provider-supplied snippet, substituting a
// placeholder when the provider sent nothing usable.
func boundSnippet(snippet, title string) string {
	snippet = strings.TrimSpace(snippet)
	if snippet == "" {
		snippet = "Summary unavailable for " + title
	}
	return util.CutRunes(snippet, maxSnippetLen)
}
