package utils

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/leofalp/chatcheckpoint/providers/observability"
)

// HeaderOption is an extra header sent with a request.
type HeaderOption struct {
	Key   string
	Value string
}

// StatusError is returned by [DoPostSync] when the server answers with a
// non-2xx status.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("non-2xx status %d: %s", e.StatusCode, e.Body)
}

// Temporary reports whether retrying later could succeed (429 and 5xx).
func (e *StatusError) Temporary() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

// DoPostSync performs a synchronous HTTP POST request with JSON body and parses the response.
// It handles observability tracing, authorization headers, and proper resource cleanup.
//
// Error Handling Strategy:
//   - Context errors (timeout, cancellation) are propagated wrapped, so errors.Is still matches them
//   - Non-2xx responses return a *StatusError carrying the truncated body
//   - Response body close errors are logged but don't override primary errors
//   - JSON parsing errors include response preview for debugging
func DoPostSync[OutputStruct any](ctx context.Context, client *http.Client, url string, apiKey string, body any, headers ...HeaderOption) (*http.Response, *OutputStruct, error) {
	span := observability.SpanFromContext(ctx)

	httpClient := client
	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	jsonBody, err := json.Marshal(body)
	if err != nil {
		return nil, nil, fmt.Errorf("error marshaling body: %w", err)
	}

	if span != nil {
		span.AddEvent(observability.EventHTTPRequestStart,
			observability.String(observability.AttrHTTPMethod, http.MethodPost),
			observability.String(observability.AttrHTTPURL, url),
		)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(jsonBody))
	if err != nil {
		return nil, nil, fmt.Errorf("error creating request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	if apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+apiKey)
	}
	for _, h := range headers {
		req.Header.Set(h.Key, h.Value)
	}

	timer := NewTimer()
	res, err := httpClient.Do(req)
	elapsed := timer.Stop()

	if err != nil {
		if span != nil {
			span.AddEvent("http.request.error",
				observability.Error(err),
				observability.Duration(observability.AttrDuration, elapsed),
			)
		}
		return res, nil, fmt.Errorf("error sending request: %w", err)
	}
	defer CloseWithLog(res.Body)

	respBody, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, nil, fmt.Errorf("error reading response body: %w", err)
	}

	if span != nil {
		span.AddEvent("http.response.received",
			observability.Int(observability.AttrHTTPStatusCode, res.StatusCode),
			observability.Duration(observability.AttrDuration, elapsed),
		)
	}

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return res, nil, &StatusError{StatusCode: res.StatusCode, Body: Preview(string(respBody), maxPreviewRunes)}
	}

	var resStruct OutputStruct
	if err = json.Unmarshal(respBody, &resStruct); err != nil {
		return res, nil, fmt.Errorf("error unmarshaling response body (status %d): %w\nResponse preview: %s", res.StatusCode, err, Preview(string(respBody), maxPreviewRunes))
	}

	return res, &resStruct, nil
}

// CloseWithLog closes c and logs, rather than returns, any error.
func CloseWithLog(c io.Closer) {
	if err := c.Close(); err != nil {
		slog.Warn("failed to close resource", "error", err.Error())
	}
}
