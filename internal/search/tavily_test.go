package search

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestTavilyStubModeWithoutKey(t *testing.T) {
	tavily := NewTavily("", nil, zap.NewNop())

	findings, err := tavily.Search(context.Background(), Request{Query: "solar adoption in southeast asia", MaxResults: 5})
	require.NoError(t, err)
	require.Len(t, findings, 1)
	assert.Equal(t, "https://example.com/stub-result", findings[0].URL)
	assert.Equal(t, "example.com", findings[0].SourceName)
	assert.Contains(t, findings[0].Title, "Stub source for")
	assert.False(t, tavily.Configured())
}

func TestTavilyRetryLadder(t *testing.T) {
	var depths []string
	var domainFlags []bool
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var payload map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		depths = append(depths, payload["search_depth"].(string))
		_, hasDomains := payload["include_domains"]
		domainFlags = append(domainFlags, hasDomains)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))

		// First attempt rejected, second succeeds.
		if len(depths) == 1 {
			w.WriteHeader(http.StatusBadRequest)
			w.Write([]byte(`{"detail":"include_domains not supported"}`))
			return
		}
		json.NewEncoder(w).Encode(map[string]any{
			"results": []map[string]any{
				{"title": "IMF outlook", "url": "https://www.imf.org/report", "content": "Growth projections."},
				{"title": "", "url": "https://example.com/untitled"},
			},
		})
	}))
	defer server.Close()

	tavily := NewTavily("test-key", server.Client(), zap.NewNop())
	tavily.endpoint = server.URL

	findings, err := tavily.Search(context.Background(), Request{
		Query:          "  gdp   outlook ",
		MaxResults:     4,
		IncludeDomains: []string{"imf.org"},
	})
	require.NoError(t, err)

	require.Equal(t, []string{"advanced", "advanced"}, depths)
	require.Equal(t, []bool{true, false}, domainFlags)

	require.Len(t, findings, 1)
	assert.Equal(t, "IMF outlook", findings[0].Title)
	assert.Equal(t, "imf.org", findings[0].SourceName)
	assert.Equal(t, "Growth projections.", findings[0].Snippet)
}

func TestTavilyAllAttemptsFail(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		w.Write([]byte(`{"detail":"bad request"}`))
	}))
	defer server.Close()

	tavily := NewTavily("test-key", server.Client(), zap.NewNop())
	tavily.endpoint = server.URL

	_, err := tavily.Search(context.Background(), Request{Query: "anything", MaxResults: 3})
	require.Error(t, err)
	var perr *ProviderError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, "tavily", perr.Provider)
	assert.Contains(t, err.Error(), "attempt=1")
	assert.False(t, IsQuota(err))
}

func TestTavilyQuotaDetection(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"detail":"This request exceeds your plan's set usage limit."}`))
	}))
	defer server.Close()

	tavily := NewTavily("test-key", server.Client(), zap.NewNop())
	tavily.endpoint = server.URL

	_, err := tavily.Search(context.Background(), Request{Query: "anything", MaxResults: 3})
	require.Error(t, err)
	assert.True(t, IsQuota(err))

	var qerr *QuotaError
	require.ErrorAs(t, err, &qerr)
	assert.Equal(t, "tavily", qerr.Provider)
}

func TestTavilyMissingSnippetPlaceholder(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"results": []map[string]any{
				{"title": "Bare result", "url": "https://news.example.org/a"},
			},
		})
	}))
	defer server.Close()

	tavily := NewTavily("test-key", server.Client(), zap.NewNop())
	tavily.endpoint = server.URL

	findings, err := tavily.Search(context.Background(), Request{Query: "bare", MaxResults: 1})
	require.NoError(t, err)
	require.Len(t, findings, 1)
	assert.Equal(t, "Summary unavailable for Bare result", findings[0].Snippet)
}
