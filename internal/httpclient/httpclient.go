// Package httpclient builds the outbound HTTP clients the channel
// adapters share: hard request timeouts, a circuit breaker per host,
// and bounded response reads. Deliveries run inside workers, so a
// hung endpoint must turn into a fast error, never a stalled queue.
package httpclient

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"donna/internal/observability"
)

const defaultTimeout = 30 * time.Second

// New returns a client with an overall request timeout. A
// non-positive timeout falls back to thirty seconds.
func New(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &http.Client{Timeout: timeout}
}

// NewWithBreaker returns a client whose transport stops calling the
// named host while its circuit is open.
func NewWithBreaker(timeout time.Duration, name string, logger *observability.Logger) *http.Client {
	client := New(timeout)
	client.Transport = &breakerTransport{
		base:    http.DefaultTransport,
		breaker: NewBreaker(name, DefaultBreakerConfig(), logger),
	}
	return client
}

type breakerTransport struct {
	base    http.RoundTripper
	breaker *Breaker
}

func (t *breakerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if err := t.breaker.Allow(); err != nil {
		return nil, err
	}
	resp, err := t.base.RoundTrip(req)
	if err != nil {
		// A caller-side cancel says nothing about the host's health.
		if errors.Is(err, context.Canceled) {
			t.breaker.Mark(nil)
			return nil, err
		}
		t.breaker.Mark(err)
		return nil, err
	}
	if resp.StatusCode >= http.StatusInternalServerError || resp.StatusCode == http.StatusTooManyRequests {
		t.breaker.Mark(fmt.Errorf("http status %d", resp.StatusCode))
	} else {
		t.breaker.Mark(nil)
	}
	return resp, nil
}
