package search

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/astra-studio/astra/internal/circuitbreaker"
	"github.com/astra-studio/astra/internal/metrics"
	"github.com/astra-studio/astra/internal/models"
	"github.com/astra-studio/astra/internal/ratecontrol"
	"github.com/astra-studio/astra/internal/tracing"
	"github.com/astra-studio/astra/internal/util"
)

const (
	wikipediaEndpoint = "https://en.wikipedia.org/w/api.php"
	wikiQueryLen      = 350

	// DefaultWikipediaUserAgent is sent when no explicit agent is
	// configured. Wikimedia rejects generic or missing UA traffic.
	DefaultWikipediaUserAgent = "AstraDeepResearchStudio/1.0 (research-assistant; contact: local-dev)"
)

var htmlTagRE = regexp.MustCompile(`<[^>]+>`)

// Wikipedia is the keyless fallback provider. It tries the rich
// list=search mode first, then the more permissive opensearch mode.
type Wikipedia struct {
	endpoint  string
	userAgent string
	http      *circuitbreaker.HTTPWrapper
	logger    *zap.Logger
}

func NewWikipedia(userAgent string, client *http.Client, logger *zap.Logger) *Wikipedia {
	if logger == nil {
		logger = zap.NewNop()
	}
	if strings.TrimSpace(userAgent) == "" {
		userAgent = DefaultWikipediaUserAgent
	}
	return &Wikipedia{
		endpoint:  wikipediaEndpoint,
		userAgent: userAgent,
		http:      circuitbreaker.NewHTTPWrapper(client, "wikipedia", logger),
		logger:    logger,
	}
}

func (w *Wikipedia) Name() string { return "wikipedia" }

func (w *Wikipedia) Search(ctx context.Context, req Request) ([]models.SourceFinding, error) {
	query := cleanQuery(req.Query, wikiQueryLen)

	var attemptErrs []string
	findings, err := w.searchMediaWiki(ctx, query, req.MaxResults)
	if err != nil {
		attemptErrs = append(attemptErrs, err.Error())
	} else if len(findings) > 0 {
		return findings, nil
	}

	findings, err = w.searchOpenSearch(ctx, query, req.MaxResults)
	if err != nil {
		attemptErrs = append(attemptErrs, err.Error())
	} else if len(findings) > 0 {
		return findings, nil
	}

	if len(attemptErrs) == 0 {
		attemptErrs = append(attemptErrs, "empty_results")
	}
	return nil, &ProviderError{
		Provider: "wikipedia",
		Err:      fmt.Errorf("search failed: %s", strings.Join(attemptErrs, " | ")),
	}
}

// cleanSnippet strips the HTML highlighting markup MediaWiki embeds in
// search snippets.
func cleanSnippet(value string) string {
	return strings.Join(strings.Fields(htmlTagRE.ReplaceAllString(value, "")), " ")
}

// pageURL builds the canonical article URL from a page title, escaping
// everything except the characters MediaWiki keeps literal.
func pageURL(title string) string {
	escaped := url.PathEscape(strings.ReplaceAll(title, " ", "_"))
	escaped = strings.NewReplacer("%28", "(", "%29", ")").Replace(escaped)
	return "https://en.wikipedia.org/wiki/" + escaped
}

type mediaWikiResponse struct {
	Query struct {
		Search []struct {
			Title   string `json:"title"`
			Snippet string `json:"snippet"`
		} `json:"search"`
	} `json:"query"`
}

func (w *Wikipedia) searchMediaWiki(ctx context.Context, query string, maxResults int) ([]models.SourceFinding, error) {
	params := url.Values{
		"action":   {"query"},
		"list":     {"search"},
		"srsearch": {query},
		"format":   {"json"},
		"srlimit":  {strconv.Itoa(clamp(maxResults, 1, 8))},
	}

	var decoded mediaWikiResponse
	if err := w.get(ctx, params, &decoded); err != nil {
		return nil, err
	}

	hits := decoded.Query.Search
	if len(hits) > maxResults {
		hits = hits[:maxResults]
	}
	findings := make([]models.SourceFinding, 0, len(hits))
	for _, hit := range hits {
		title := strings.TrimSpace(hit.Title)
		if title == "" {
			continue
		}
		snippet := cleanSnippet(hit.Snippet)
		if snippet == "" {
			snippet = "Wikipedia entry for " + title
		}
		findings = append(findings, models.SourceFinding{
			Title:      util.CutRunes(title, maxTitleLen),
			URL:        pageURL(title),
			Snippet:    util.CutRunes(snippet, maxSnippetLen),
			SourceName: "wikipedia.org",
		})
	}
	return findings, nil
}

func (w *Wikipedia) searchOpenSearch(ctx context.Context, query string, maxResults int) ([]models.SourceFinding, error) {
	params := url.Values{
		"action":    {"opensearch"},
		"search":    {query},
		"limit":     {strconv.Itoa(clamp(maxResults, 1, 8))},
		"namespace": {"0"},
		"format":    {"json"},
	}

	// opensearch schema: [query, titles[], descriptions[], urls[]]
	var raw []json.RawMessage
	if err := w.get(ctx, params, &raw); err != nil {
		return nil, err
	}
	if len(raw) < 4 {
		return nil, nil
	}
	var titles, descriptions, urls []string
	_ = json.Unmarshal(raw[1], &titles)
	_ = json.Unmarshal(raw[2], &descriptions)
	_ = json.Unmarshal(raw[3], &urls)

	if len(titles) > maxResults {
		titles = titles[:maxResults]
	}
	findings := make([]models.SourceFinding, 0, len(titles))
	for idx, title := range titles {
		title = strings.TrimSpace(title)
		var pageRef, description string
		if idx < len(urls) {
			pageRef = strings.TrimSpace(urls[idx])
		}
		if idx < len(descriptions) {
			description = strings.TrimSpace(descriptions[idx])
		}
		if title == "" || pageRef == "" {
			continue
		}
		if description == "" {
			description = "Wikipedia entry for " + title
		}
		findings = append(findings, models.SourceFinding{
			Title:      util.CutRunes(title, maxTitleLen),
			URL:        pageRef,
			Snippet:    util.CutRunes(description, maxSnippetLen),
			SourceName: "wikipedia.org",
		})
	}
	return findings, nil
}

func (w *Wikipedia) get(ctx context.Context, params url.Values, out any) error {
	if err := ratecontrol.Wait(ctx, "wikipedia"); err != nil {
		return err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, w.endpoint+"?"+params.Encode(), nil)
	if err != nil {
		return err
	}
	httpReq.Header.Set("User-Agent", w.userAgent)
	httpReq.Header.Set("Accept", "application/json")
	tracing.InjectTraceparent(ctx, httpReq)

	start := time.Now()
	resp, err := w.http.Do(httpReq)
	if err != nil {
		metrics.RecordProviderCall("wikipedia", "error", time.Since(start).Seconds())
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		metrics.RecordProviderCall("wikipedia", "error", time.Since(start).Seconds())
		return fmt.Errorf("status %d: %s", resp.StatusCode, readErrorBody(resp))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		metrics.RecordProviderCall("wikipedia", "error", time.Since(start).Seconds())
		return fmt.Errorf("decode response: %w", err)
	}
	metrics.RecordProviderCall("wikipedia", "ok", time.Since(start).Seconds())
	return nil
}
