// Package middleware provides HTTP middleware for the lab control API.
package middleware

import (
	"log/slog"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"detection-lab/internal/config"
)

// RateLimiter gives every client IP a token bucket holding RequestsPerIP +
// BurstSize tokens and refilling RequestsPerIP tokens per WindowSize. A
// request spends the cost configured for its path, or one token.
type RateLimiter struct {
	cfg      config.RateLimitConfig
	every    rate.Limit
	capacity int
	exempt   map[string]bool
	now      func() time.Time
	logger   *slog.Logger

	mu       sync.Mutex
	visitors map[string]*rate.Limiter

	stop     chan struct{}
	stopOnce sync.Once

	allowed atomic.Uint64
	limited atomic.Uint64
}

// NewRateLimiter creates a limiter. A cleanup loop runs when CleanupPeriod
// is set.
func NewRateLimiter(cfg config.RateLimitConfig, logger *slog.Logger) *RateLimiter {
	if logger == nil {
		logger = slog.Default()
	}
	rl := &RateLimiter{
		cfg:      cfg,
		capacity: cfg.RequestsPerIP + cfg.BurstSize,
		exempt:   make(map[string]bool, len(cfg.ExemptPaths)),
		now:      time.Now,
		logger:   logger.With("component", "ratelimit"),
		visitors: make(map[string]*rate.Limiter),
		stop:     make(chan struct{}),
	}
	if cfg.WindowSize > 0 {
		rl.every = rate.Limit(float64(cfg.RequestsPerIP) / cfg.WindowSize.Seconds())
	}
	for _, p := range cfg.ExemptPaths {
		rl.exempt[p] = true
	}
	if cfg.CleanupPeriod > 0 {
		go rl.cleanupLoop()
	}
	return rl
}

// Limit is the bucket capacity of one IP.
func (rl *RateLimiter) Limit() int { return rl.capacity }

// Cost returns the tokens a request to path spends.
func (rl *RateLimiter) Cost(path string) int {
	if c, ok := rl.cfg.Costs[path]; ok && c > 0 {
		return c
	}
	return 1
}

func (rl *RateLimiter) visitor(ip string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	lim, ok := rl.visitors[ip]
	if !ok {
		lim = rate.NewLimiter(rl.every, rl.capacity)
		rl.visitors[ip] = lim
	}
	return lim
}

// Allow spends cost tokens from ip's bucket. It reports whether the request
// may proceed, the whole tokens left and, when refused, how long until the
// bucket holds cost tokens again.
func (rl *RateLimiter) Allow(ip string, cost int) (bool, int, time.Duration) {
	now := rl.now()
	lim := rl.visitor(ip)
	if lim.AllowN(now, cost) {
		rl.allowed.Add(1)
		return true, int(lim.TokensAt(now)), 0
	}
	rl.limited.Add(1)
	tokens := lim.TokensAt(now)
	return false, max(0, int(tokens)), rl.refill(cost, tokens)
}

// refill is the time until a bucket holding tokens can pay cost. Requests
// that can never fit are told to wait a whole window.
func (rl *RateLimiter) refill(cost int, tokens float64) time.Duration {
	if rl.every <= 0 || cost > rl.capacity {
		return rl.cfg.WindowSize
	}
	return time.Duration((float64(cost) - tokens) / float64(rl.every) * float64(time.Second))
}

func (rl *RateLimiter) cleanupLoop() {
	ticker := time.NewTicker(rl.cfg.CleanupPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			rl.cleanup()
		case <-rl.stop:
			return
		}
	}
}

// cleanup forgets IPs whose bucket is full again.
func (rl *RateLimiter) cleanup() int {
	now := rl.now()
	rl.mu.Lock()
	defer rl.mu.Unlock()

	removed := 0
	for ip, lim := range rl.visitors {
		if lim.TokensAt(now) >= float64(lim.Burst()) {
			delete(rl.visitors, ip)
			removed++
		}
	}
	if removed > 0 {
		rl.logger.Debug("rate limiter cleanup", "removed", removed, "remaining", len(rl.visitors))
	}
	return removed
}

// Stop ends the cleanup loop. It is safe to call more than once.
func (rl *RateLimiter) Stop() {
	rl.stopOnce.Do(func() { close(rl.stop) })
}

// RateLimiterStats holds limiter counters.
type RateLimiterStats struct {
	TrackedIPs int    `json:"tracked_ips"`
	Allowed    uint64 `json:"allowed"`
	Limited    uint64 `json:"limited"`
}

func (rl *RateLimiter) Stats() RateLimiterStats {
	rl.mu.Lock()
	tracked := len(rl.visitors)
	rl.mu.Unlock()
	return RateLimiterStats{TrackedIPs: tracked, Allowed: rl.allowed.Load(), Limited: rl.limited.Load()}
}

// Handler wraps next with the limiter. Refused requests get 429 with a
// Retry-After header.
func (rl *RateLimiter) Handler(next http.Handler) http.Handler {
	if !rl.cfg.Enabled {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if rl.exempt[r.URL.Path] {
			next.ServeHTTP(w, r)
			return
		}

		ip := ClientIP(r, rl.cfg.TrustProxy)
		cost := rl.Cost(r.URL.Path)
		ok, remaining, wait := rl.Allow(ip, cost)

		h := w.Header()
		h.Set("X-RateLimit-Limit", strconv.Itoa(rl.capacity))
		h.Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
		if !ok {
			rl.logger.Warn("rate limit exceeded", "ip", ip, "path", r.URL.Path, "method", r.Method, "cost", cost)
			h.Set("Retry-After", strconv.Itoa(int(math.Ceil(wait.Seconds()))))
			writeError(w, http.StatusTooManyRequests, "RATE_LIMITED", "too many requests")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// ClientIP returns the request's client address. With trustProxy the
// rightmost X-Forwarded-For entry, then X-Real-IP, is preferred.
func ClientIP(r *http.Request, trustProxy bool) string {
	if trustProxy {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			hops := strings.Split(xff, ",")
			if ip := strings.TrimSpace(hops[len(hops)-1]); ip != "" {
				return ip
			}
		}
		if ip := strings.TrimSpace(r.Header.Get("X-Real-IP")); ip != "" {
			return ip
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
