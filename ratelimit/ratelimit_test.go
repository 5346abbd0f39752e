// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package ratelimit

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/absmach/fluxcb/config"
)

func TestIPRateLimiter_Allow(t *testing.T) {
	// 5 requests per second, burst of 2
	limiter := NewIPRateLimiter(5, 2, time.Minute)
	defer limiter.Stop()

	addr := "192.168.1.1:1234"

	if !limiter.Allow(addr) {
		t.Error("First request should be allowed")
	}
	if !limiter.Allow(addr) {
		t.Error("Second request (within burst) should be allowed")
	}
	if limiter.Allow(addr) {
		t.Error("Third request should be rate limited (burst exhausted)")
	}

	time.Sleep(250 * time.Millisecond)

	if !limiter.Allow(addr) {
		t.Error("Request after token refill should be allowed")
	}
}

func TestIPRateLimiter_DifferentIPs(t *testing.T) {
	limiter := NewIPRateLimiter(1, 1, time.Minute)
	defer limiter.Stop()

	if !limiter.Allow("192.168.1.1:1234") {
		t.Error("First request from IP1 should be allowed")
	}
	if !limiter.Allow("192.168.1.2:1234") {
		t.Error("First request from IP2 should be allowed")
	}
	if limiter.Allow("192.168.1.1:4321") {
		t.Error("Second request from IP1 should be rate limited regardless of port")
	}
	if limiter.Allow("192.168.1.2:1234") {
		t.Error("Second request from IP2 should be rate limited")
	}
}

func TestIPRateLimiter_EmptyAddr(t *testing.T) {
	limiter := NewIPRateLimiter(1, 1, time.Minute)
	defer limiter.Stop()

	for i := 0; i < 3; i++ {
		if !limiter.Allow("") {
			t.Error("Empty address should be allowed")
		}
	}
}

func TestIPRateLimiter_RemoveStale(t *testing.T) {
	limiter := NewIPRateLimiter(1, 1, time.Minute)
	defer limiter.Stop()

	limiter.Allow("10.0.0.1:1")
	limiter.Allow("10.0.0.2:1")
	if limiter.Len() != 2 {
		t.Fatalf("expected 2 tracked addresses, got %d", limiter.Len())
	}

	limiter.removeStale(time.Now().Add(time.Second))
	if limiter.Len() != 0 {
		t.Errorf("expected stale entries removed, got %d", limiter.Len())
	}
}

func TestPublisherRateLimiter(t *testing.T) {
	limiter := NewPublisherRateLimiter(5, 2)

	if !limiter.Allow("sensor-1") || !limiter.Allow("sensor-1") {
		t.Error("Requests within burst should be allowed")
	}
	if limiter.Allow("sensor-1") {
		t.Error("Third publish should be rate limited")
	}
	if !limiter.Allow("sensor-2") {
		t.Error("Other publishers have their own budget")
	}

	limiter.Remove("sensor-1")
	if !limiter.Allow("sensor-1") {
		t.Error("Removed publisher should start with a fresh budget")
	}
}

func TestManager_Disabled(t *testing.T) {
	m := NewManager(config.RateLimitConfig{Enabled: false})
	defer m.Stop()

	for i := 0; i < 100; i++ {
		if !m.AllowRequest("10.0.0.1:80") {
			t.Fatal("Disabled manager should allow all requests")
		}
		if !m.AllowPublish("p") {
			t.Fatal("Disabled manager should allow all publishes")
		}
	}
}

func TestManager_Middleware(t *testing.T) {
	m := NewManager(config.RateLimitConfig{
		Enabled:         true,
		RequestRate:     1,
		RequestBurst:    1,
		PublishRate:     1,
		PublishBurst:    1,
		CleanupInterval: time.Minute,
	})
	defer m.Stop()

	h := m.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	req := httptest.NewRequest(http.MethodGet, "/sessions", nil)
	req.RemoteAddr = "10.1.1.1:5555"

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("first request: expected 204, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("second request: expected 429, got %d", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Error("expected Retry-After header")
	}
}
