package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/astra-studio/astra/internal/ratecontrol"
)

// The shared openai limiter would make back-to-back test calls wait on its
// real RPM budget, so the whole package runs against a generous override.
func TestMain(m *testing.M) {
	dir, err := os.MkdirTemp("", "llm-rate")
	if err == nil {
		path := filepath.Join(dir, "providers.yaml")
		data := []byte("rate_limits:\n  provider_overrides:\n    openai:\n      rpm: 600000\n")
		if os.WriteFile(path, data, 0o644) == nil {
			os.Setenv("PROVIDERS_CONFIG_PATH", path)
			ratecontrol.Reload()
		}
	}
	code := m.Run()
	if dir != "" {
		os.RemoveAll(dir)
	}
	os.Exit(code)
}

// newTestClient points a client at a fake chat-completions endpoint.
func newTestClient(t *testing.T, cfg Config, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			http.NotFound(w, r)
			return
		}
		handler(w, r)
	}))
	t.Cleanup(srv.Close)
	cfg.APIKey = "test-key"
	cfg.BaseURL = srv.URL + "/v1"
	return New(cfg, zap.NewNop())
}

func respondWith(t *testing.T, w http.ResponseWriter, content string) {
	t.Helper()
	w.Header().Set("Content-Type", "application/json")
	resp := openai.ChatCompletionResponse{
		ID:      "chatcmpl-test",
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   "gpt-4.1-mini",
		Choices: []openai.ChatCompletionChoice{{
			Message:      openai.ChatCompletionMessage{Role: openai.ChatMessageRoleAssistant, Content: content},
			FinishReason: openai.FinishReasonStop,
		}},
	}
	require.NoError(t, json.NewEncoder(w).Encode(resp))
}

func respondError(w http.ResponseWriter, status int, message, errType string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	fmt.Fprintf(w, `{"error":{"message":%q,"type":%q}}`, message, errType)
}

func TestNewDefaults(t *testing.T) {
	c := New(Config{}, nil)
	assert.Equal(t, "gpt-4.1-mini", c.Model())

	c = New(Config{Model: "research-model"}, zap.NewNop())
	assert.Equal(t, "research-model", c.Model())
}

func TestUnconfiguredClientReturnsErrNotConfigured(t *testing.T) {
	c := New(Config{}, zap.NewNop())
	ctx := context.Background()

	var out struct{}
	assert.ErrorIs(t, c.CompleteJSON(ctx, "plan", "sys", "user", &out), ErrNotConfigured)

	_, err := c.CompleteText(ctx, "judge", "sys", "user")
	assert.ErrorIs(t, err, ErrNotConfigured)

	_, err = c.StreamText(ctx, "write", "sys", "user", nil)
	assert.ErrorIs(t, err, ErrNotConfigured)
}

func TestCompleteJSONParsesModelOutput(t *testing.T) {
	var mu sync.Mutex
	var captured openai.ChatCompletionRequest
	c := newTestClient(t, Config{Model: "research-model", Temperature: 0.2}, func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		require.NoError(t, json.NewDecoder(r.Body).Decode(&captured))
		mu.Unlock()
		respondWith(t, w, `{"verdict":"pass","score":88}`)
	})

	var out struct {
		Verdict string `json:"verdict"`
		Score   int    `json:"score"`
	}
	require.NoError(t, c.CompleteJSON(context.Background(), "quality_judge", "You grade reports.", "Grade this.", &out))
	assert.Equal(t, "pass", out.Verdict)
	assert.Equal(t, 88, out.Score)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "research-model", captured.Model)
	require.NotNil(t, captured.ResponseFormat, "JSON mode should be requested")
	assert.Equal(t, openai.ChatCompletionResponseFormatTypeJSONObject, captured.ResponseFormat.Type)
	require.Len(t, captured.Messages, 2)
	assert.Equal(t, openai.ChatMessageRoleSystem, captured.Messages[0].Role)
	assert.Equal(t, "You grade reports.", captured.Messages[0].Content)
	assert.Equal(t, openai.ChatMessageRoleUser, captured.Messages[1].Role)
}

func TestCompleteJSONStripsCodeFence(t *testing.T) {
	c := newTestClient(t, Config{}, func(w http.ResponseWriter, r *http.Request) {
		respondWith(t, w, "```json\n{\"score\": 3}\n```")
	})

	var out struct {
		Score int `json:"score"`
	}
	require.NoError(t, c.CompleteJSON(context.Background(), "plan", "sys", "user", &out))
	assert.Equal(t, 3, out.Score)
}

func TestCompleteJSONMalformedPayload(t *testing.T) {
	c := newTestClient(t, Config{}, func(w http.ResponseWriter, r *http.Request) {
		respondWith(t, w, "{not valid json")
	})

	var out struct{}
	err := c.CompleteJSON(context.Background(), "plan", "sys", "user", &out)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parse plan response")
}

func TestCompleteJSONEmptyOutputLeavesTargetUntouched(t *testing.T) {
	c := newTestClient(t, Config{}, func(w http.ResponseWriter, r *http.Request) {
		respondWith(t, w, "")
	})

	out := struct {
		Score int `json:"score"`
	}{Score: 42}
	require.NoError(t, c.CompleteJSON(context.Background(), "plan", "sys", "user", &out))
	assert.Equal(t, 42, out.Score, "empty model output should not zero the target")
}

func TestCompleteTextReturnsContent(t *testing.T) {
	c := newTestClient(t, Config{}, func(w http.ResponseWriter, r *http.Request) {
		respondWith(t, w, "A short answer.")
	})

	got, err := c.CompleteText(context.Background(), "summary", "sys", "user")
	require.NoError(t, err)
	assert.Equal(t, "A short answer.", got)
}

func TestCompleteTextEmptyChoices(t *testing.T) {
	c := newTestClient(t, Config{}, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"id":"chatcmpl-test","object":"chat.completion","choices":[]}`)
	})

	got, err := c.CompleteText(context.Background(), "summary", "sys", "user")
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestRetriesOnServerError(t *testing.T) {
	var calls int32
	c := newTestClient(t, Config{MaxRetries: 1}, func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			respondError(w, http.StatusInternalServerError, "upstream hiccup", "server_error")
			return
		}
		respondWith(t, w, "recovered")
	})

	got, err := c.CompleteText(context.Background(), "summary", "sys", "user")
	require.NoError(t, err)
	assert.Equal(t, "recovered", got)
	assert.EqualValues(t, 2, atomic.LoadInt32(&calls))
}

func TestDoesNotRetryClientError(t *testing.T) {
	var calls int32
	c := newTestClient(t, Config{MaxRetries: 2}, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		respondError(w, http.StatusBadRequest, "bad prompt", "invalid_request_error")
	})

	_, err := c.CompleteText(context.Background(), "summary", "sys", "user")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "model call summary failed")
	assert.EqualValues(t, 1, atomic.LoadInt32(&calls), "4xx errors are not retried")
}

func TestRetryable(t *testing.T) {
	assert.True(t, retryable(&openai.APIError{HTTPStatusCode: 429}))
	assert.True(t, retryable(&openai.APIError{HTTPStatusCode: 503}))
	assert.False(t, retryable(&openai.APIError{HTTPStatusCode: 400}))
	assert.True(t, retryable(&openai.RequestError{HTTPStatusCode: 500}))
	assert.False(t, retryable(context.Canceled))
	assert.True(t, retryable(errors.New("connection reset")), "transport errors get another attempt")
}

func streamChunks(t *testing.T, w http.ResponseWriter, chunks ...string) {
	t.Helper()
	w.Header().Set("Content-Type", "text/event-stream")
	flusher, ok := w.(http.Flusher)
	require.True(t, ok)
	for _, c := range chunks {
		payload, err := json.Marshal(openai.ChatCompletionStreamResponse{
			ID:     "chatcmpl-test",
			Object: "chat.completion.chunk",
			Model:  "gpt-4.1-mini",
			Choices: []openai.ChatCompletionStreamChoice{{
				Delta: openai.ChatCompletionStreamChoiceDelta{Content: c},
			}},
		})
		require.NoError(t, err)
		fmt.Fprintf(w, "data: %s\n\n", payload)
		flusher.Flush()
	}
	fmt.Fprint(w, "data: [DONE]\n\n")
	flusher.Flush()
}

func TestStreamTextAccumulatesDeltas(t *testing.T) {
	c := newTestClient(t, Config{}, func(w http.ResponseWriter, r *http.Request) {
		streamChunks(t, w, "## Executive Summary\n", "Adoption is ", "accelerating.")
	})

	var deltas []string
	got, err := c.StreamText(context.Background(), "write_report", "sys", "user", func(delta string) error {
		deltas = append(deltas, delta)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, "## Executive Summary\nAdoption is accelerating.", got)
	assert.Equal(t, []string{"## Executive Summary\n", "Adoption is ", "accelerating."}, deltas)
}

func TestStreamTextOnDeltaErrorAborts(t *testing.T) {
	c := newTestClient(t, Config{}, func(w http.ResponseWriter, r *http.Request) {
		streamChunks(t, w, "first", "second", "third")
	})

	abort := errors.New("client went away")
	got, err := c.StreamText(context.Background(), "write_report", "sys", "user", func(delta string) error {
		return abort
	})
	require.ErrorIs(t, err, abort)
	assert.Equal(t, "first", got, "partial text up to the abort is returned")
}

func TestExtractJSON(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want string
	}{
		{"plain object", `{"a":1}`, `{"a":1}`},
		{"surrounding whitespace", "  {\"a\":1}\n", `{"a":1}`},
		{"json fence", "```json\n{\"a\":1}\n```", `{"a":1}`},
		{"bare fence keeps payload", "```\n{\"a\":1}\n```", "\n{\"a\":1}\n"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, ExtractJSON(tc.in))
		})
	}
}
