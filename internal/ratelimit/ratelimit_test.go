package ratelimit

import (
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"
)

func TestLimiterAllow(t *testing.T) {
	l := New(10)

	// Should allow up to 10 requests
	for i := 0; i < 10; i++ {
		if !l.Allow("a") {
			t.Fatalf("request %d should be allowed", i+1)
		}
	}

	// 11th should be denied
	if l.Allow("a") {
		t.Error("11th request should be denied")
	}
}

func TestLimiterUnlimited(t *testing.T) {
	l := New(0)

	for i := 0; i < 1000; i++ {
		if !l.Allow("a") {
			t.Fatalf("request %d should be allowed (unlimited)", i+1)
		}
	}
	if l.RetryAfter("a") != 0 {
		t.Error("unlimited limiter should not ask to retry")
	}
}

func TestLimiterRefill(t *testing.T) {
	l := New(60) // 1 token per second

	for i := 0; i < 60; i++ {
		l.Allow("a")
	}
	if l.Allow("a") {
		t.Error("should be rate limited after exhausting tokens")
	}

	time.Sleep(1100 * time.Millisecond)

	if !l.Allow("a") {
		t.Error("should be allowed after refill")
	}
}

func TestLimiterRetryAfter(t *testing.T) {
	l := New(60)
	for i := 0; i < 60; i++ {
		l.Allow("a")
	}

	retryAfter := l.RetryAfter("a")
	if retryAfter < 1 {
		t.Errorf("expected retry-after >= 1, got %d", retryAfter)
	}
	// Asking does not consume a token.
	if l.RetryAfter("a") != retryAfter {
		t.Error("RetryAfter should not change the bucket")
	}
}

func TestLimiterMultipleClients(t *testing.T) {
	l := New(5)

	for i := 0; i < 5; i++ {
		if !l.Allow("a") {
			t.Fatalf("client a request %d should be allowed", i+1)
		}
	}
	if l.Allow("a") {
		t.Error("client a should be rate limited")
	}
	if !l.Allow("b") {
		t.Error("client b should not be affected by client a's rate limit")
	}
}

func TestLimiterCleanup(t *testing.T) {
	l := New(10)
	l.Allow("a")
	l.Allow("b")

	l.mu.Lock()
	l.clients["a"].lastSeen = time.Now().Add(-2 * time.Hour)
	l.mu.Unlock()

	if n := l.Cleanup(time.Hour); n != 1 {
		t.Errorf("expected 1 bucket removed, got %d", n)
	}

	l.mu.Lock()
	count := len(l.clients)
	l.mu.Unlock()
	if count != 1 {
		t.Errorf("expected 1 bucket after cleanup, got %d", count)
	}
}

func TestMiddleware(t *testing.T) {
	l := New(2)
	h := Middleware(l, nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	do := func(path, addr string) *httptest.ResponseRecorder {
		req := httptest.NewRequest("GET", path, nil)
		req.RemoteAddr = addr
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec
	}

	for i := 0; i < 2; i++ {
		if rec := do("/api/v1/list/", "10.0.0.1:1234"); rec.Code != http.StatusOK {
			t.Fatalf("request %d: status %d", i+1, rec.Code)
		}
	}

	rec := do("/api/v1/list/", "10.0.0.1:5678")
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rec.Code)
	}
	if secs, err := strconv.Atoi(rec.Header().Get("Retry-After")); err != nil || secs < 1 {
		t.Errorf("bad Retry-After %q", rec.Header().Get("Retry-After"))
	}

	if rec := do("/health", "10.0.0.1:1234"); rec.Code != http.StatusOK {
		t.Errorf("health should bypass the limiter, got %d", rec.Code)
	}
	if rec := do("/api/v1/list/", "10.0.0.2:1234"); rec.Code != http.StatusOK {
		t.Errorf("other client should pass, got %d", rec.Code)
	}
}
