package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// maxResponseBytes caps provider response bodies. Provider payloads are
// small; anything larger indicates a misbehaving endpoint.
const maxResponseBytes = 1 << 20

// EnsureTimeout guarantees the context carries a deadline, adding the
// provider default when the caller supplied none. The returned cancel func
// must always be deferred.
func EnsureTimeout(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}
	return context.WithTimeout(ctx, timeout)
}

// DoJSON performs the request and decodes a JSON response body into v.
// Non-2xx statuses are returned as errors carrying the status and a body
// snippet; callers that expect error envelopes on non-2xx statuses should
// use DoRead instead.
func DoJSON(client *http.Client, req *http.Request, v any) error {
	body, status, err := DoRead(client, req)
	if err != nil {
		return err
	}
	if status < 200 || status > 299 {
		return fmt.Errorf("unexpected status %d: %s", status, snippet(body))
	}
	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// DoRead performs the request and returns the raw body and status code.
func DoRead(client *http.Client, req *http.Request) ([]byte, int, error) {
	resp, err := client.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("read response: %w", err)
	}
	return body, resp.StatusCode, nil
}

// GetJSON issues a GET with the given headers and decodes the JSON response.
func GetJSON(ctx context.Context, client *http.Client, rawURL string, headers map[string]string, v any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	for k, val := range headers {
		req.Header.Set(k, val)
	}
	return DoJSON(client, req, v)
}

// PostJSON issues a POST with a JSON body and decodes the JSON response.
// The body and status are returned so callers can parse error envelopes
// that providers deliver with non-2xx statuses.
func PostJSON(ctx context.Context, client *http.Client, rawURL string, headers map[string]string, payload any) ([]byte, int, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, 0, fmt.Errorf("encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, rawURL, strings.NewReader(string(data)))
	if err != nil {
		return nil, 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	for k, val := range headers {
		req.Header.Set(k, val)
	}
	return DoRead(client, req)
}

// PostForm issues a form-encoded POST and returns the raw response.
func PostForm(ctx context.Context, client *http.Client, rawURL string, form url.Values) ([]byte, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, rawURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, 0, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")
	return DoRead(client, req)
}

func snippet(body []byte) string {
	const n = 200
	s := strings.TrimSpace(string(body))
	if len(s) > n {
		return s[:n]
	}
	return s
}
