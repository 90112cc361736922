package search

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
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
	"github.com/astra-studio/astra/internal/util"
)

const tavilyEndpoint = "https://api.tavily.com/search"

// Tavily is the secondary (fallback) provider. Account behavior varies by
// plan, so a request walks a small retry ladder: advanced depth with
// domain filters, advanced without filters, then basic depth.
type Tavily struct {
	apiKey   string
	endpoint string
	http     *circuitbreaker.HTTPWrapper
	logger   *zap.Logger
}

// NewTavily builds the Tavily provider. An empty API key enables stub
// mode for local development: searches return a single synthetic finding
// instead of failing.
func NewTavily(apiKey string, client *http.Client, logger *zap.Logger) *Tavily {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Tavily{
		apiKey:   strings.TrimSpace(apiKey),
		endpoint: tavilyEndpoint,
		http:     circuitbreaker.NewHTTPWrapper(client, "tavily", logger),
		logger:   logger,
	}
}

func (t *Tavily) Name() string { return "tavily" }

// Configured reports whether a real API key is present (stub mode off).
func (t *Tavily) Configured() bool { return t.apiKey != "" }

type tavilyResponse struct {
	Results []struct {
		Title   string `json:"title"`
		URL     string `json:"url"`
		Content string `json:"content"`
		Snippet string `json:"snippet"`
	} `json:"results"`
}

// Search executes the retry ladder and normalizes the response. A
// plan-quota refusal aborts the ladder immediately with a QuotaError;
// retrying a spent account just burns time.
func (t *Tavily) Search(ctx context.Context, req Request) ([]models.SourceFinding, error) {
	if t.apiKey == "" {
		return []models.SourceFinding{{
			Title:      "Stub source for " + util.CutRunes(req.Query, 40),
			URL:        "https://example.com/stub-result",
			Snippet:    "Stub result because no Tavily API key is set.",
			SourceName: "example.com",
		}}, nil
	}

	query := cleanQuery(req.Query, maxQueryLen)
	domains := urlnorm.SanitizeDomains(req.IncludeDomains)

	type attempt struct {
		depth       string
		withDomains bool
	}
	attempts := []attempt{{depth: "advanced", withDomains: len(domains) > 0}}
	if len(domains) > 0 {
		attempts = append(attempts, attempt{depth: "advanced"})
	}
	attempts = append(attempts, attempt{depth: "basic"})

	var attemptErrs []string
	for idx, a := range attempts {
		payload := map[string]any{
			"api_key":             t.apiKey,
			"query":               query,
			"search_depth":        a.depth,
			"max_results":         req.MaxResults,
			"include_answer":      false,
			"include_images":      false,
			"include_raw_content": false,
		}
		if a.withDomains {
			payload["include_domains"] = domains
		}

		decoded, status, err := t.post(ctx, payload)
		if err != nil {
			attemptErrs = append(attemptErrs, fmt.Sprintf("attempt=%d exception=%v", idx+1, err))
			continue
		}
		if status >= 400 {
			body := decoded.raw
			if isQuotaBody(body) {
				metrics.RecordProviderCall("tavily", "quota", 0)
				return nil, &QuotaError{Provider: "tavily", Detail: util.CutRunes(body, 240)}
			}
			if len(body) > 240 {
				body = body[:240] + "..."
			}
			if body == "" {
				body = "(empty)"
			}
			attemptErrs = append(attemptErrs, fmt.Sprintf(
				"attempt=%d status=%d depth=%s domains=%t body=%s",
				idx+1, status, a.depth, a.withDomains, body))
			continue
		}

		findings := make([]models.SourceFinding, 0, len(decoded.parsed.Results))
		for _, item := range decoded.parsed.Results {
			if item.URL == "" || item.Title == "" {
				continue
			}
			title := boundTitle(item.Title)
			snippet := item.Content
			if snippet == "" {
				snippet = item.Snippet
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

	return nil, &ProviderError{
		Provider: "tavily",
		Err:      fmt.Errorf("request failed after retries: %s", strings.Join(attemptErrs, " | ")),
	}
}

type tavilyDecoded struct {
	parsed tavilyResponse
	raw    string
}

func (t *Tavily) post(ctx context.Context, payload map[string]any) (tavilyDecoded, int, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return tavilyDecoded{}, 0, err
	}
	if err := ratecontrol.Wait(ctx, "tavily"); err != nil {
		return tavilyDecoded{}, 0, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, t.endpoint, bytes.NewReader(body))
	if err != nil {
		return tavilyDecoded{}, 0, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+t.apiKey)
	tracing.InjectTraceparent(ctx, httpReq)

	start := time.Now()
	resp, err := t.http.Do(httpReq)
	if err != nil {
		metrics.RecordProviderCall("tavily", "error", time.Since(start).Seconds())
		return tavilyDecoded{}, 0, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		metrics.RecordProviderCall("tavily", "error", time.Since(start).Seconds())
		return tavilyDecoded{}, 0, err
	}

	decoded := tavilyDecoded{raw: strings.TrimSpace(string(raw))}
	if resp.StatusCode < 400 {
		if err := json.Unmarshal(raw, &decoded.parsed); err != nil {
			metrics.RecordProviderCall("tavily", "error", time.Since(start).Seconds())
			return tavilyDecoded{}, 0, fmt.Errorf("decode response: %w", err)
		}
		metrics.RecordProviderCall("tavily", "ok", time.Since(start).Seconds())
	} else {
		metrics.RecordProviderCall("tavily", "error", time.Since(start).Seconds())
	}
	return decoded, resp.StatusCode, nil
}
