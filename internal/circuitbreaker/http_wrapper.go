package circuitbreaker

import (
	"net/http"
	"time"

	"go.uber.org/zap"
)

// HTTPWrapper wraps an http.Client with a per-provider breaker. Search and
// model providers go through one of these so a flapping upstream fails fast
// instead of burning the run's call budget on timeouts.
type HTTPWrapper struct {
	client   *http.Client
	breaker  *Breaker
	provider string
	logger   *zap.Logger
}

// NewHTTPWrapper builds a breaker-guarded HTTP client for one provider.
func NewHTTPWrapper(client *http.Client, provider string, logger *zap.Logger) *HTTPWrapper {
	if client == nil {
		client = &http.Client{Timeout: 20 * time.Second}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HTTPWrapper{
		client:   client,
		breaker:  New(provider, DefaultConfig(), logger),
		provider: provider,
		logger:   logger,
	}
}

// Do executes the request through the breaker. 5xx responses count as
// breaker failures but the response is still handed back so callers can
// inspect status and body; 4xx responses never trip the breaker.
func (hw *HTTPWrapper) Do(req *http.Request) (*http.Response, error) {
	var resp *http.Response
	err := hw.breaker.Execute(req.Context(), func() error {
		var doErr error
		resp, doErr = hw.client.Do(req)
		if doErr != nil {
			return doErr
		}
		if resp.StatusCode >= 500 {
			return &httpStatusError{code: resp.StatusCode}
		}
		return nil
	})

	if _, ok := err.(*httpStatusError); ok {
		return resp, nil
	}
	return resp, err
}

// Breaker exposes the underlying breaker for health reporting.
func (hw *HTTPWrapper) Breaker() *Breaker { return hw.breaker }

// httpStatusError marks 5xx responses for breaker accounting.
type httpStatusError struct{ code int }

func (e *httpStatusError) Error() string { return http.StatusText(e.code) }
