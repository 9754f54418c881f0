package connector

import (
	"testing"
	"time"

	"golang.org/x/time/rate"
)

func TestNewHTTPClient_TimeoutConfig(t *testing.T) {
	b := NewBase("c", "n", map[string]any{}, 0)
	h, err := newHTTPClient(&b, 5)
	if err != nil {
		t.Fatal(err)
	}
	if h.client.Timeout != 30*time.Second {
		t.Errorf("default timeout = %v, want 30s", h.client.Timeout)
	}

	b = NewBase("c", "n", map[string]any{"timeout": 5}, 0)
	h, err = newHTTPClient(&b, 5)
	if err != nil {
		t.Fatal(err)
	}
	if h.client.Timeout != 5*time.Second {
		t.Errorf("configured timeout = %v, want 5s", h.client.Timeout)
	}
}

func TestNewHTTPClient_RateLimitAlias(t *testing.T) {
	b := NewBase("c", "n", map[string]any{"rate_limit": 2}, 0)
	h, err := newHTTPClient(&b, 10)
	if err != nil {
		t.Fatal(err)
	}
	if h.limiter.Limit() != rate.Limit(2) {
		t.Errorf("limit = %v, want 2", h.limiter.Limit())
	}

	// requests_per_second wins when both are present.
	b = NewBase("c", "n", map[string]any{"requests_per_second": 7, "rate_limit": 2}, 0)
	h, err = newHTTPClient(&b, 10)
	if err != nil {
		t.Fatal(err)
	}
	if h.limiter.Limit() != rate.Limit(7) {
		t.Errorf("limit = %v, want 7", h.limiter.Limit())
	}
}
