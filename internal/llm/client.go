// Package llm wraps the OpenAI-compatible chat API behind the three call
// shapes the pipeline needs: JSON-mode completion into a typed struct, and
// streamed text.
package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"github.com/astra-studio/astra/internal/metrics"
	"github.com/astra-studio/astra/internal/ratecontrol"
)

// ErrNotConfigured is returned when no API key is configured. Callers fall
// back to their deterministic paths on it like on any other model failure.
var ErrNotConfigured = errors.New("model API key is not configured")

// Config holds client settings.
type Config struct {
	APIKey         string
	BaseURL        string
	Model          string
	Temperature    float32
	RequestTimeout time.Duration
	MaxRetries     int
}

// Client is the shared model client. Operations are labelled for metrics.
type Client struct {
	api    *openai.Client
	config Config
	logger *zap.Logger
}

// New builds a client. A missing API key is allowed; calls then return
// ErrNotConfigured so the deterministic fallbacks engage.
func New(cfg Config, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Model == "" {
		cfg.Model = "gpt-4.1-mini"
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 60 * time.Second
	}

	var api *openai.Client
	if cfg.APIKey != "" {
		oc := openai.DefaultConfig(cfg.APIKey)
		if cfg.BaseURL != "" {
			oc.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
		}
		api = openai.NewClientWithConfig(oc)
	}
	return &Client{api: api, config: cfg, logger: logger}
}

// Model returns the configured model name.
func (c *Client) Model() string { return c.config.Model }

// CompleteJSON runs a JSON-mode completion and unmarshals the object into
// out. Empty model output leaves out untouched, mirroring an empty object.
func (c *Client) CompleteJSON(ctx context.Context, operation, systemPrompt, userPrompt string, out any) error {
	content, err := c.complete(ctx, operation, systemPrompt, userPrompt, true)
	if err != nil {
		return err
	}
	payload := ExtractJSON(content)
	if payload == "" {
		return nil
	}
	if err := json.Unmarshal([]byte(payload), out); err != nil {
		return fmt.Errorf("parse %s response: %w", operation, err)
	}
	return nil
}

// CompleteText runs a plain completion and returns the text.
func (c *Client) CompleteText(ctx context.Context, operation, systemPrompt, userPrompt string) (string, error) {
	return c.complete(ctx, operation, systemPrompt, userPrompt, false)
}

func (c *Client) complete(ctx context.Context, operation, systemPrompt, userPrompt string, jsonMode bool) (string, error) {
	if c.api == nil {
		return "", ErrNotConfigured
	}
	if err := c.pace(ctx, systemPrompt, userPrompt); err != nil {
		return "", err
	}

	req := openai.ChatCompletionRequest{
		Model:       c.config.Model,
		Temperature: c.config.Temperature,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: userPrompt},
		},
	}
	if jsonMode {
		req.ResponseFormat = &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		}
	}

	started := time.Now()
	var resp openai.ChatCompletionResponse
	err := c.withRetries(ctx, func(callCtx context.Context) error {
		var callErr error
		resp, callErr = c.api.CreateChatCompletion(callCtx, req)
		return callErr
	})
	if err != nil {
		metrics.RecordLLMCall(operation, "error", time.Since(started).Seconds())
		return "", fmt.Errorf("model call %s failed: %w", operation, err)
	}
	metrics.RecordLLMCall(operation, "success", time.Since(started).Seconds())

	if len(resp.Choices) == 0 {
		return "", nil
	}
	return resp.Choices[0].Message.Content, nil
}

// StreamText streams a completion, invoking onDelta for each content chunk,
// and returns the accumulated text. An onDelta error aborts the stream.
func (c *Client) StreamText(ctx context.Context, operation, systemPrompt, userPrompt string, onDelta func(string) error) (string, error) {
	if c.api == nil {
		return "", ErrNotConfigured
	}
	if err := c.pace(ctx, systemPrompt, userPrompt); err != nil {
		return "", err
	}

	callCtx, cancel := context.WithTimeout(ctx, c.config.RequestTimeout)
	defer cancel()

	started := time.Now()
	stream, err := c.api.CreateChatCompletionStream(callCtx, openai.ChatCompletionRequest{
		Model:       c.config.Model,
		Temperature: c.config.Temperature,
		Stream:      true,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: userPrompt},
		},
	})
	if err != nil {
		metrics.RecordLLMCall(operation, "error", time.Since(started).Seconds())
		return "", fmt.Errorf("model stream %s failed: %w", operation, err)
	}
	defer stream.Close()

	var builder strings.Builder
	for {
		chunk, recvErr := stream.Recv()
		if errors.Is(recvErr, io.EOF) {
			break
		}
		if recvErr != nil {
			metrics.RecordLLMCall(operation, "error", time.Since(started).Seconds())
			return builder.String(), fmt.Errorf("model stream %s interrupted: %w", operation, recvErr)
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		delta := chunk.Choices[0].Delta.Content
		if delta == "" {
			continue
		}
		builder.WriteString(delta)
		if onDelta != nil {
			if err := onDelta(delta); err != nil {
				metrics.RecordLLMCall(operation, "error", time.Since(started).Seconds())
				return builder.String(), err
			}
		}
	}
	metrics.RecordLLMCall(operation, "success", time.Since(started).Seconds())
	return builder.String(), nil
}

// pace applies the provider RPM limiter and the token-budget delay before a
// call goes out.
func (c *Client) pace(ctx context.Context, systemPrompt, userPrompt string) error {
	if err := ratecontrol.Wait(ctx, "openai"); err != nil {
		return err
	}
	// Rough 4-characters-per-token estimate is enough for pacing.
	estimated := (len(systemPrompt) + len(userPrompt)) / 4
	if delay := ratecontrol.TokenDelay("openai", estimated); delay > 0 {
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}
	}
	return nil
}

func (c *Client) withRetries(ctx context.Context, call func(context.Context) error) error {
	attempts := c.config.MaxRetries + 1
	if attempts < 1 {
		attempts = 1
	}
	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		callCtx, cancel := context.WithTimeout(ctx, c.config.RequestTimeout)
		err := call(callCtx)
		cancel()
		if err == nil {
			return nil
		}
		lastErr = err
		if !retryable(err) {
			return err
		}
		if attempt < attempts-1 {
			backoff := time.Duration(attempt+1) * 500 * time.Millisecond
			c.logger.Warn("Model call failed, retrying",
				zap.Int("attempt", attempt+1),
				zap.Duration("backoff", backoff),
				zap.Error(err),
			)
			timer := time.NewTimer(backoff)
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
		}
	}
	return lastErr
}

// retryable reports whether an error is worth another attempt: transport
// failures, rate limiting, and server errors.
func retryable(err error) bool {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.HTTPStatusCode == 429 || apiErr.HTTPStatusCode >= 500
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return reqErr.HTTPStatusCode == 429 || reqErr.HTTPStatusCode >= 500
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	// Timeouts and transport errors get another attempt.
	return true
}

// ExtractJSON strips a markdown code fence from model output so the payload
// parses even when the model wraps its JSON.
func ExtractJSON(content string) string {
	stripped := strings.TrimSpace(content)
	if strings.HasPrefix(stripped, "```") {
		stripped = strings.Trim(stripped, "`")
		if strings.HasPrefix(stripped, "json") {
			stripped = strings.TrimSpace(stripped[4:])
		}
	}
	return stripped
}
