package search

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"
)

// HTTPClient performs JSON requests with bounded retries and exponential
// backoff. The timeout applies to each attempt.
type HTTPClient struct {
	client  *http.Client
	retries int
	backoff time.Duration
}

func NewHTTPClient(timeout time.Duration, retries int, backoff time.Duration) *HTTPClient {
	if timeout == 0 {
		timeout = 15 * time.Second
	}
	if retries < 0 {
		retries = 0
	}
	if backoff == 0 {
		backoff = 300 * time.Millisecond
	}
	return &HTTPClient{client: &http.Client{Timeout: timeout}, retries: retries, backoff: backoff}
}

// Budget is the longest a DoJSON call can take: every attempt timing out
// plus the backoff between attempts.
func (c *HTTPClient) Budget() time.Duration {
	total := c.client.Timeout * time.Duration(c.retries+1)
	for attempt := 0; attempt < c.retries; attempt++ {
		total += c.backoff * time.Duration(1<<attempt)
	}
	return total
}

// DoJSON sends body (if any) as JSON and decodes a 2xx response into out.
// 429 and 5xx responses and network errors are retried.
func (c *HTTPClient) DoJSON(ctx context.Context, provider, method, url string, headers map[string]string, body any, out any) error {
	var payload []byte
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		payload = b
	}

	var lastErr error
	tries := c.retries + 1
	for attempt := 0; attempt < tries; attempt++ {
		var bodyReader io.Reader
		if payload != nil {
			bodyReader = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, url, bodyReader)
		if err != nil {
			return err
		}
		for k, v := range headers {
			req.Header.Set(k, v)
		}
		if payload != nil && req.Header.Get("Content-Type") == "" {
			req.Header.Set("Content-Type", "application/json")
		}
		req.Header.Set("Accept", "application/json")

		lastErr = c.do(req, provider, out)
		if lastErr == nil {
			return nil
		}
		var statusErr *StatusError
		if errors.As(lastErr, &statusErr) && !statusErr.Temporary() {
			return lastErr
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if attempt < tries-1 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(c.backoff * time.Duration(1<<attempt)):
			}
		}
	}
	return lastErr
}

func (c *HTTPClient) do(req *http.Request, provider string, out any) error {
	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		excerpt, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &StatusError{Provider: provider, Code: resp.StatusCode, Body: string(excerpt)}
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
