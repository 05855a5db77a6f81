package middleware

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"detection-lab/internal/config"
)

func quiet() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func testLimiter(requests, burst int) (*RateLimiter, *time.Time) {
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	rl := NewRateLimiter(config.RateLimitConfig{
		Enabled:       true,
		RequestsPerIP: requests,
		BurstSize:     burst,
		WindowSize:    time.Minute,
		ExemptPaths:   []string{"/health"},
	}, quiet())
	rl.now = func() time.Time { return now }
	return rl, &now
}

func TestRateLimiter_Allow(t *testing.T) {
	rl, _ := testLimiter(10, 2)
	defer rl.Stop()

	for i := 0; i < 12; i++ {
		allowed, remaining, _ := rl.Allow("192.168.1.100", 1)
		if !allowed {
			t.Fatalf("request %d should be allowed", i+1)
		}
		if want := 12 - i - 1; remaining != want {
			t.Errorf("request %d: remaining = %d, want %d", i+1, remaining, want)
		}
	}
	allowed, remaining, wait := rl.Allow("192.168.1.100", 1)
	if allowed || remaining != 0 {
		t.Errorf("request 13: allowed = %v, remaining = %d", allowed, remaining)
	}
	// 10 tokens per minute refill one token every 6s
	if wait != 6*time.Second {
		t.Errorf("request 13: wait = %v, want 6s", wait)
	}
	if allowed, _, _ := rl.Allow("192.168.1.101", 1); !allowed {
		t.Error("other IP should have its own bucket")
	}

	stats := rl.Stats()
	if stats.TrackedIPs != 2 || stats.Allowed != 13 || stats.Limited != 1 {
		t.Errorf("Stats() = %+v", stats)
	}
}

func TestRateLimiter_Refill(t *testing.T) {
	rl, now := testLimiter(1, 0)
	defer rl.Stop()

	rl.Allow("10.0.0.1", 1)
	if allowed, _, _ := rl.Allow("10.0.0.1", 1); allowed {
		t.Fatal("second request in window should be limited")
	}
	*now = now.Add(61 * time.Second)
	if allowed, _, _ := rl.Allow("10.0.0.1", 1); !allowed {
		t.Error("request after refill should be allowed")
	}
}

func TestRateLimiter_Costs(t *testing.T) {
	rl, _ := testLimiter(10, 0)
	rl.cfg.Costs = map[string]int{"/v1/lab": 4, "/v1/free": 0}
	defer rl.Stop()

	tests := []struct {
		path string
		want int
	}{
		{"/v1/lab", 4},
		{"/v1/jobs", 1},
		{"/v1/free", 1},
	}
	for _, tt := range tests {
		if got := rl.Cost(tt.path); got != tt.want {
			t.Errorf("Cost(%s) = %d, want %d", tt.path, got, tt.want)
		}
	}

	for i := 0; i < 2; i++ {
		if ok, _, _ := rl.Allow("10.0.0.3", 4); !ok {
			t.Fatalf("evaluation %d should be allowed", i+1)
		}
	}
	ok, remaining, _ := rl.Allow("10.0.0.3", 4)
	if ok || remaining != 2 {
		t.Errorf("third evaluation: allowed = %v, remaining = %d", ok, remaining)
	}
	if ok, _, _ := rl.Allow("10.0.0.3", 1); !ok {
		t.Error("cheap request should fit in the remaining tokens")
	}
	if ok, _, wait := rl.Allow("10.0.0.4", 11); ok || wait != time.Minute {
		t.Errorf("oversized request: allowed = %v, wait = %v", ok, wait)
	}
}

func TestRateLimiter_Cleanup(t *testing.T) {
	rl, now := testLimiter(5, 0)
	defer rl.Stop()

	rl.Allow("10.0.0.1", 1)
	rl.Allow("10.0.0.2", 1)
	if removed := rl.cleanup(); removed != 0 {
		t.Errorf("cleanup() removed %d live clients", removed)
	}
	*now = now.Add(3 * time.Minute)
	if removed := rl.cleanup(); removed != 2 {
		t.Errorf("cleanup() removed %d, want 2", removed)
	}
	rl.Stop()
}

func TestRateLimitHandler(t *testing.T) {
	rl, _ := testLimiter(2, 0)
	defer rl.Stop()
	h := rl.Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	do := func(path string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		req.RemoteAddr = "203.0.113.7:5555"
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec
	}

	for i := 0; i < 2; i++ {
		if rec := do("/v1/jobs"); rec.Code != http.StatusOK {
			t.Fatalf("request %d status = %d", i+1, rec.Code)
		}
	}
	rec := do("/v1/jobs")
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" || rec.Header().Get("X-RateLimit-Limit") != "2" {
		t.Errorf("headers = %v", rec.Header())
	}
	var body map[string]string
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil || body["code"] != "RATE_LIMITED" {
		t.Errorf("body = %v, %v", body, err)
	}

	if rec := do("/health"); rec.Code != http.StatusOK {
		t.Errorf("exempt path status = %d", rec.Code)
	}
}

func TestRateLimitHandler_Disabled(t *testing.T) {
	rl := NewRateLimiter(config.RateLimitConfig{Enabled: false}, quiet())
	defer rl.Stop()
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {})
	h := rl.Handler(next)
	for i := 0; i < 5; i++ {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/jobs", nil))
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d", rec.Code)
		}
	}
}

func TestRateLimiter_Concurrent(t *testing.T) {
	rl, _ := testLimiter(100, 0)
	defer rl.Stop()

	var wg sync.WaitGroup
	var mu sync.Mutex
	allowed := 0
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				if ok, _, _ := rl.Allow("10.1.1.1", 1); ok {
					mu.Lock()
					allowed++
					mu.Unlock()
				}
			}
		}()
	}
	wg.Wait()
	if allowed != 100 {
		t.Errorf("allowed = %d, want 100", allowed)
	}
}

func TestClientIP(t *testing.T) {
	tests := []struct {
		name       string
		remote     string
		headers    map[string]string
		trustProxy bool
		want       string
	}{
		{"remote addr", "192.0.2.1:1234", nil, false, "192.0.2.1"},
		{"remote without port", "192.0.2.1", nil, false, "192.0.2.1"},
		{"xff ignored", "192.0.2.1:1234", map[string]string{"X-Forwarded-For": "10.0.0.1"}, false, "192.0.2.1"},
		{"xff rightmost", "192.0.2.1:1234", map[string]string{"X-Forwarded-For": "1.1.1.1, 10.0.0.9"}, true, "10.0.0.9"},
		{"real ip", "192.0.2.1:1234", map[string]string{"X-Real-IP": "10.0.0.5"}, true, "10.0.0.5"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.RemoteAddr = tt.remote
			for k, v := range tt.headers {
				req.Header.Set(k, v)
			}
			if got := ClientIP(req, tt.trustProxy); got != tt.want {
				t.Errorf("ClientIP() = %s, want %s", got, tt.want)
			}
		})
	}
}
