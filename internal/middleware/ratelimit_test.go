package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	apperrors "github.com/orderfeed/ingest/pkg/errors"
)

func TestRateLimiterAllow(t *testing.T) {
	rl := NewRateLimiter(3, time.Minute)

	for i := 0; i < 3; i++ {
		if !rl.Allow("key") {
			t.Fatalf("request %d should be allowed", i+1)
		}
	}
	if rl.Allow("key") {
		t.Fatal("4th request should be denied")
	}
}

func TestRateLimiterKeysIndependent(t *testing.T) {
	rl := NewRateLimiter(1, time.Minute)

	if !rl.Allow("key1") {
		t.Fatal("key1 first request should be allowed")
	}
	if rl.Allow("key1") {
		t.Fatal("key1 second request should be denied")
	}
	if !rl.Allow("key2") {
		t.Fatal("key2 has its own bucket")
	}
}

func TestRateLimiterWindowReset(t *testing.T) {
	rl := NewRateLimiter(1, 10*time.Millisecond)

	if !rl.Allow("key") {
		t.Fatal("first request should be allowed")
	}
	if rl.Allow("key") {
		t.Fatal("second request should be denied")
	}

	time.Sleep(15 * time.Millisecond)

	if !rl.Allow("key") {
		t.Fatal("request after window reset should be allowed")
	}
}

func TestRateLimiterCleanup(t *testing.T) {
	rl := NewRateLimiter(1, time.Millisecond)
	rl.Allow("stale")

	rl.cleanupOnce(time.Now().Add(time.Second))

	rl.mu.Lock()
	_, exists := rl.buckets["stale"]
	rl.mu.Unlock()
	if exists {
		t.Fatal("expired bucket should be removed")
	}
}

func TestRateLimitMiddleware(t *testing.T) {
	rl := NewRateLimiter(2, time.Minute)

	handler := RateLimit(rl, IPKeyFunc)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	for i := 0; i < 2; i++ {
		req := httptest.NewRequest("GET", "/api/orders", nil)
		req.RemoteAddr = "203.0.113.7:12345"
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Fatalf("request %d: status = %d, want 200", i+1, rec.Code)
		}
	}

	req := httptest.NewRequest("GET", "/api/orders", nil)
	req.RemoteAddr = "203.0.113.7:12345"
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", rec.Code)
	}
	if rec.Header().Get("Retry-After") != "1" {
		t.Fatalf("Retry-After = %q, want 1", rec.Header().Get("Retry-After"))
	}
	if code := decodeErrorCode(t, rec); code != apperrors.CodeRateLimited {
		t.Fatalf("code = %s, want RATE_LIMITED", code)
	}
}

func TestIPKeyFunc(t *testing.T) {
	// 直连公网地址：不信任 XFF
	req := httptest.NewRequest("GET", "/", nil)
	req.RemoteAddr = "203.0.113.7:12345"
	req.Header.Set("X-Forwarded-For", "10.0.0.1")
	if key := IPKeyFunc(req); key != "203.0.113.7" {
		t.Fatalf("key = %q, want peer ip", key)
	}

	// 内网代理：取 XFF 链首个
	req = httptest.NewRequest("GET", "/", nil)
	req.RemoteAddr = "192.168.1.1:12345"
	req.Header.Set("X-Forwarded-For", "198.51.100.9, 10.0.0.1")
	if key := IPKeyFunc(req); key != "198.51.100.9" {
		t.Fatalf("key = %q, want first forwarded ip", key)
	}

	// 无 XFF：退回对端地址
	req = httptest.NewRequest("GET", "/", nil)
	req.RemoteAddr = "192.168.1.1:12345"
	if key := IPKeyFunc(req); key != "192.168.1.1" {
		t.Fatalf("key = %q, want peer ip", key)
	}
}
