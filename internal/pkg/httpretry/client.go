// Package httpretry wraps an HTTP client with bounded retries, exponential
// backoff, and jitter for calls to external providers.
package httpretry

import (
	"fmt"
	"io"
	"log"
	"math"
	"math/rand"
	"net/http"
	"time"
)

// Doer executes HTTP requests. Both *http.Client and *Client satisfy it.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Client retries transient failures: 429/5xx responses and network errors.
// Client errors (4xx other than 429) return immediately.
type Client struct {
	inner      Doer
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
}

// New wraps inner with up to maxRetries retries after the first attempt.
// A nil inner gets a default 30s-timeout http.Client; maxRetries <= 0
// defaults to 3.
func New(inner Doer, maxRetries int) *Client {
	if inner == nil {
		inner = &http.Client{Timeout: 30 * time.Second}
	}
	if maxRetries <= 0 {
		maxRetries = 3
	}
	return &Client{
		inner:      inner,
		maxRetries: maxRetries,
		baseDelay:  time.Second,
		maxDelay:   30 * time.Second,
	}
}

// Do executes the request. The final attempt's response is returned as-is so
// the caller can inspect status and body. Context cancellation stops retrying.
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	var lastErr error

	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if req.Context().Err() != nil {
			if lastErr != nil {
				return nil, lastErr
			}
			return nil, req.Context().Err()
		}

		if attempt > 0 {
			if req.GetBody != nil {
				body, err := req.GetBody()
				if err != nil {
					return nil, fmt.Errorf("httpretry: reset request body: %w", err)
				}
				req.Body = body
			}

			delay := c.delay(attempt)
			log.Printf("[httpretry] attempt %d/%d %s %s (waiting %s)",
				attempt, c.maxRetries, req.Method, req.URL.Host, delay)

			timer := time.NewTimer(delay)
			select {
			case <-timer.C:
			case <-req.Context().Done():
				timer.Stop()
				if lastErr != nil {
					return nil, lastErr
				}
				return nil, req.Context().Err()
			}
		}

		resp, err := c.inner.Do(req)
		if err != nil {
			lastErr = err
			if req.Context().Err() != nil {
				return nil, err
			}
			continue
		}

		if !retryableStatus(resp.StatusCode) {
			return resp, nil
		}
		if attempt == c.maxRetries {
			return resp, nil
		}

		// Drain for connection reuse before the retry.
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
		lastErr = fmt.Errorf("httpretry: retryable status %d", resp.StatusCode)
	}

	return nil, lastErr
}

// delay is exponential backoff with full jitter, floored at 100ms.
func (c *Client) delay(attempt int) time.Duration {
	exp := float64(c.baseDelay) * math.Pow(2, float64(attempt-1))
	if exp > float64(c.maxDelay) {
		exp = float64(c.maxDelay)
	}
	jittered := time.Duration(rand.Float64() * exp)
	if jittered < 100*time.Millisecond {
		jittered = 100 * time.Millisecond
	}
	return jittered
}

func retryableStatus(code int) bool {
	switch code {
	case http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	}
	return false
}
