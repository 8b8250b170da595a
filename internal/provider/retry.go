package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"time"
)

// Status sets for provider retry classification. 529 is Anthropic's
// overloaded response.
var (
	retryableStatus = map[int]bool{
		http.StatusTooManyRequests:     true,
		http.StatusInternalServerError: true,
		http.StatusBadGateway:          true,
		http.StatusServiceUnavailable:  true,
		529:                            true,
	}
	nonRetryableStatus = map[int]bool{
		http.StatusBadRequest:   true,
		http.StatusUnauthorized: true,
		http.StatusForbidden:    true,
		http.StatusNotFound:     true,
	}
)

// HTTPError is a provider-level HTTP failure.
type HTTPError struct {
	Status    int
	Message   string
	Retryable bool
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("provider HTTP %d: %s", e.Status, e.Message)
}

// StatusCode lets DLQ plumbing record the provider status.
func (e *HTTPError) StatusCode() int { return e.Status }

// RetryPolicy is exponential backoff with proportional jitter.
type RetryPolicy struct {
	MaxRetries int           // additional attempts after the first, default 3
	BaseDelay  time.Duration // default 1 s
	MaxDelay   time.Duration // default 30 s
	JitterPct  float64       // default 0.25, i.e. ±25%
}

// DefaultRetryPolicy matches the provider contract.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxRetries: 3, BaseDelay: time.Second, MaxDelay: 30 * time.Second, JitterPct: 0.25}
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	if p.MaxRetries <= 0 {
		p.MaxRetries = 3
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = time.Second
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = 30 * time.Second
	}
	if p.JitterPct <= 0 {
		p.JitterPct = 0.25
	}
	return p
}

// Delay computes the backoff before retry attempt n (1-based), jittered
// within ±JitterPct of the exponential value.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	p = p.withDefaults()
	d := p.BaseDelay << (attempt - 1)
	if d > p.MaxDelay || d <= 0 {
		d = p.MaxDelay
	}
	jitter := time.Duration(float64(d) * p.JitterPct * (rand.Float64()*2 - 1))
	if d += jitter; d < 0 {
		d = 0
	}
	return d
}

// Do runs fn until it succeeds, fails non-retryably, or attempts are
// exhausted. fn owns response-body handling on success; Do drains and
// closes bodies it rejects.
func (p RetryPolicy) Do(ctx context.Context, fn func(ctx context.Context) (*http.Response, error)) (*http.Response, error) {
	p = p.withDefaults()

	var lastErr error
	for attempt := 0; attempt <= p.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(p.Delay(attempt)):
			}
		}

		resp, err := fn(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			// Transport errors are retryable.
			lastErr = err
			continue
		}

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return resp, nil
		}

		herr := &HTTPError{
			Status:    resp.StatusCode,
			Message:   safeErrorBody(resp),
			Retryable: retryableStatus[resp.StatusCode],
		}
		resp.Body.Close()

		if nonRetryableStatus[resp.StatusCode] || !herr.Retryable {
			return nil, herr
		}
		lastErr = herr
	}
	return nil, lastErr
}

// safeErrorBody pulls a short error message out of a failed response
// without echoing arbitrary payloads into logs.
func safeErrorBody(resp *http.Response) string {
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err != nil || len(raw) == 0 {
		return "(empty body)"
	}

	var envelope struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if json.Unmarshal(raw, &envelope) == nil && envelope.Error.Message != "" {
		return envelope.Error.Message
	}
	if len(raw) > 200 {
		raw = raw[:200]
	}
	return string(raw)
}
