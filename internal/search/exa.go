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

const exaEndpoint = "https://api.exa.ai/search"

// Exa is a primary provider with native domain filtering.
type Exa struct {
	apiKey   string
	endpoint string
	http     *circuitbreaker.HTTPWrapper
	logger   *zap.Logger
}

func NewExa(apiKey string, client *http.Client, logger *zap.Logger) *Exa {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Exa{
		apiKey:   strings.TrimSpace(apiKey),
		endpoint: exaEndpoint,
		http:     circuitbreaker.NewHTTPWrapper(client, "exa", logger),
		logger:   logger,
	}
}

func (e *Exa) Name() string { return "exa" }

func (e *Exa) Configured() bool { return e.apiKey != "" }

type exaResponse struct {
	Results []struct {
		Title   string `json:"title"`
		URL     string `json:"url"`
		Text    string `json:"text"`
		Summary string `json:"summary"`
	} `json:"results"`
}

func (e *Exa) Search(ctx context.Context, req Request) ([]models.SourceFinding, error) {
	if e.apiKey == "" {
		return nil, &ProviderError{Provider: "exa", Err: fmt.Errorf("API key is not set")}
	}

	payload := map[string]any{
		"query":      cleanQuery(req.Query, maxQueryLen),
		"type":       "auto",
		"numResults": clamp(req.MaxResults, 1, 10),
		"contents":   map[string]any{"text": true},
	}
	if len(req.IncludeDomains) > 0 {
		domains := req.IncludeDomains
		if len(domains) > 10 {
			domains = domains[:10]
		}
		payload["includeDomains"] = domains
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, &ProviderError{Provider: "exa", Err: err}
	}
	if err := ratecontrol.Wait(ctx, "exa"); err != nil {
		return nil, &ProviderError{Provider: "exa", Err: err}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, e.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, &ProviderError{Provider: "exa", Err: err}
	}
	httpReq.Header.Set("x-api-key", e.apiKey)
	httpReq.Header.Set("Content-Type", "application/json")
	tracing.InjectTraceparent(ctx, httpReq)

	start := time.Now()
	resp, err := e.http.Do(httpReq)
	if err != nil {
		metrics.RecordProviderCall("exa", "error", time.Since(start).Seconds())
		return nil, &ProviderError{Provider: "exa", Err: fmt.Errorf("request failed: %w", err)}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		metrics.RecordProviderCall("exa", "error", time.Since(start).Seconds())
		detail := readErrorBody(resp)
		if isQuotaBody(detail) {
			return nil, &QuotaError{Provider: "exa", Detail: detail}
		}
		return nil, &ProviderError{Provider: "exa", Err: fmt.Errorf("request failed: status %d: %s", resp.StatusCode, detail)}
	}

	var decoded exaResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		metrics.RecordProviderCall("exa", "error", time.Since(start).Seconds())
		return nil, &ProviderError{Provider: "exa", Err: fmt.Errorf("decode response: %w", err)}
	}
	metrics.RecordProviderCall("exa", "ok", time.Since(start).Seconds())

	results := decoded.Results
	if limit := req.MaxResults * 2; limit > 0 && len(results) > limit {
		results = results[:limit]
	}
	findings := make([]models.SourceFinding, 0, len(results))
	for _, item := range results {
		if item.URL == "" || item.Title == "" {
			continue
		}
		title := boundTitle(item.Title)
		snippet := item.Text
		if snippet == "" {
			snippet = item.Summary
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
