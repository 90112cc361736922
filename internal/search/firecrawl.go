package search

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/astra-studio/astra/internal/circuitbreaker"
	"github.com/astra-studio/astra/internal/metrics"
	"github.com/astra-studio/astra/internal/models"
	"github.com/astra-studio/astra/internal/ratecontrol"
	"github.com/astra-studio/astra/internal/tracing"
	"github.com/astra-studio/astra/internal/urlnorm"
)

const firecrawlEndpoint = "https://api.firecrawl.dev/v1/search"

// Firecrawl is a primary provider. Its search API has no domain filter on
// every plan, so domain preference rides along as site: hints in the
// query text.
type Firecrawl struct {
	apiKey   string
	endpoint string
	http     *circuitbreaker.HTTPWrapper
	logger   *zap.Logger
}

func NewFirecrawl(apiKey string, client *http.Client, logger *zap.Logger) *Firecrawl {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Firecrawl{
		apiKey:   strings.TrimSpace(apiKey),
		endpoint: firecrawlEndpoint,
		http:     circuitbreaker.NewHTTPWrapper(client, "firecrawl", logger),
		logger:   logger,
	}
}

func (f *Firecrawl) Name() string { return "firecrawl" }

func (f *Firecrawl) Configured() bool { return f.apiKey != "" }

// domainHintQuery appends "(site:a OR site:b)" for up to three preferred
// domains.
func domainHintQuery(query string, domains []string) string {
	if len(domains) == 0 {
		return query
	}
	var hints []string
	for _, host := range domains {
		if host == "" {
			continue
		}
		hints = append(hints, "site:"+host)
		if len(hints) == 3 {
			break
		}
	}
	if len(hints) == 0 {
		return query
	}
	return fmt.Sprintf("%s (%s)", query, strings.Join(hints, " OR "))
}

type firecrawlResponse struct {
	Data []struct {
		Title       string `json:"title"`
		URL         string `json:"url"`
		Description string `json:"description"`
		Content     string `json:"content"`
		Metadata    struct {
			Title string `json:"title"`
		} `json:"metadata"`
	} `json:"data"`
}

func (f *Firecrawl) Search(ctx context.Context, req Request) ([]models.SourceFinding, error) {
	if f.apiKey == "" {
		return nil, &ProviderError{Provider: "firecrawl", Err: fmt.Errorf("API key is not set")}
	}

	payload := map[string]any{
		"query": domainHintQuery(cleanQuery(req.Query, maxQueryLen), req.IncludeDomains),
		"limit": clamp(req.MaxResults, 1, 10),
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, &ProviderError{Provider: "firecrawl", Err: err}
	}
	if err := ratecontrol.Wait(ctx, "firecrawl"); err != nil {
		return nil, &ProviderError{Provider: "firecrawl", Err: err}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, f.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, &ProviderError{Provider: "firecrawl", Err: err}
	}
	httpReq.Header.Set("Authorization", "Bearer "+f.apiKey)
	httpReq.Header.Set("Content-Type", "application/json")
	tracing.InjectTraceparent(ctx, httpReq)

	start := time.Now()
	resp, err := f.http.Do(httpReq)
	if err != nil {
		metrics.RecordProviderCall("firecrawl", "error", time.Since(start).Seconds())
		return nil, &ProviderError{Provider: "firecrawl", Err: fmt.Errorf("request failed: %w", err)}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		metrics.RecordProviderCall("firecrawl", "error", time.Since(start).Seconds())
		detail := readErrorBody(resp)
		if isQuotaBody(detail) {
			return nil, &QuotaError{Provider: "firecrawl", Detail: detail}
		}
		return nil, &ProviderError{Provider: "firecrawl", Err: fmt.Errorf("request failed: status %d: %s", resp.StatusCode, detail)}
	}

	var decoded firecrawlResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		metrics.RecordProviderCall("firecrawl", "error", time.Since(start).Seconds())
		return nil, &ProviderError{Provider: "firecrawl", Err: fmt.Errorf("decode response: %w", err)}
	}
	metrics.RecordProviderCall("firecrawl", "ok", time.Since(start).Seconds())

	items := decoded.Data
	if limit := req.MaxResults * 2; limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	findings := make([]models.SourceFinding, 0, len(items))
	for _, item := range items {
		title := item.Title
		if title == "" {
			title = item.Metadata.Title
		}
		if item.URL == "" || title == "" {
			continue
		}
		title = boundTitle(title)
		snippet := item.Description
		if snippet == "" {
			snippet = item.Content
		}
		findings = append(findings, models.SourceFinding{
			Title:      title,
			URL:        item.URL,
			Snippet:    boundSnippet(snippet, title),
			SourceName: urlnorm.Domain(item.URL),
		})
	}
	return findings, nil
}
