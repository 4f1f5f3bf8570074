// Package middleware provides HTTP middleware for the response engine API.
package middleware

import (
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// RateLimitConfig holds per-client rate limiting settings.
type RateLimitConfig struct {
	Enabled           bool          `yaml:"enabled"`
	RequestsPerClient int           `yaml:"requests_per_client"` // per window
	WindowSize        time.Duration `yaml:"window_size"`
	BurstSize         int           `yaml:"burst_size"`
	MaxClients        int           `yaml:"max_clients"` // tracked clients; least recent are evicted
	ExemptPaths       []string      `yaml:"exempt_paths"`
	TrustProxy        bool          `yaml:"trust_proxy"` // trust X-Forwarded-For
}

// DefaultRateLimitConfig returns the default rate limiting settings.
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		Enabled:           true,
		RequestsPerClient: 600,
		WindowSize:        time.Minute,
		BurstSize:         50,
		MaxClients:        10000,
		ExemptPaths:       []string{"/health", "/metrics"},
	}
}

// RateLimiter is a fixed-window limiter keyed by client address.
type RateLimiter struct {
	cfg         RateLimitConfig
	clients     *expirable.LRU[string, *clientState]
	mu          sync.Mutex
	exemptPaths map[string]bool
	limited     prometheus.Counter
	allowed     prometheus.Counter
}

type clientState struct {
	mu        sync.Mutex
	count     int
	windowEnd time.Time
}

// NewRateLimiter creates a limiter. reg may be nil to skip metrics.
func NewRateLimiter(cfg RateLimitConfig, reg prometheus.Registerer) *RateLimiter {
	if cfg.WindowSize <= 0 {
		cfg.WindowSize = time.Minute
	}
	if cfg.MaxClients <= 0 {
		cfg.MaxClients = 10000
	}

	exempt := make(map[string]bool, len(cfg.ExemptPaths))
	for _, p := range cfg.ExemptPaths {
		exempt[p] = true
	}

	// Entries outlive their window so a client cannot reset it by idling
	// until eviction.
	rl := &RateLimiter{
		cfg:         cfg,
		clients:     expirable.NewLRU[string, *clientState](cfg.MaxClients, nil, 2*cfg.WindowSize),
		exemptPaths: exempt,
	}

	if reg != nil {
		factory := promauto.With(reg)
		rl.limited = factory.NewCounter(prometheus.CounterOpts{
			Name: "response_http_rate_limited_total",
			Help: "Requests rejected by the rate limiter.",
		})
		rl.allowed = factory.NewCounter(prometheus.CounterOpts{
			Name: "response_http_rate_allowed_total",
			Help: "Requests admitted by the rate limiter.",
		})
	}
	return rl
}

// Limit returns the number of requests a client may make per window.
func (rl *RateLimiter) Limit() int {
	return rl.cfg.RequestsPerClient + rl.cfg.BurstSize
}

// Allow reports whether a request from client is admitted, how many remain
// in the current window, and when the window resets.
func (rl *RateLimiter) Allow(client string) (bool, int, time.Time) {
	now := time.Now()

	rl.mu.Lock()
	state, ok := rl.clients.Get(client)
	if !ok {
		state = &clientState{windowEnd: now.Add(rl.cfg.WindowSize)}
		rl.clients.Add(client, state)
	}
	rl.mu.Unlock()

	state.mu.Lock()
	defer state.mu.Unlock()

	if now.After(state.windowEnd) {
		state.count = 0
		state.windowEnd = now.Add(rl.cfg.WindowSize)
	}

	limit := rl.Limit()
	if state.count >= limit {
		if rl.limited != nil {
			rl.limited.Inc()
		}
		return false, 0, state.windowEnd
	}

	state.count++
	if rl.allowed != nil {
		rl.allowed.Inc()
	}
	return true, limit - state.count, state.windowEnd
}

// IsExempt reports whether path bypasses the limiter.
func (rl *RateLimiter) IsExempt(path string) bool {
	return rl.exemptPaths[path]
}

// TrackedClients returns the number of clients currently tracked.
func (rl *RateLimiter) TrackedClients() int {
	return rl.clients.Len()
}

// Middleware wraps next with the limiter. Rejected requests get 429 with a
// Retry-After header.
func (rl *RateLimiter) Middleware(next http.Handler, logger *slog.Logger) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "ratelimit")

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !rl.cfg.Enabled || rl.IsExempt(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		client := clientAddr(r, rl.cfg.TrustProxy)
		allowed, remaining, reset := rl.Allow(client)

		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(rl.Limit()))
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
		w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(reset.Unix(), 10))

		if !allowed {
			logger.Warn("rate limit exceeded", "client", client, "path", r.URL.Path, "method", r.Method)

			retryAfter := int(time.Until(reset).Seconds()) + 1
			w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusTooManyRequests)
			json.NewEncoder(w).Encode(map[string]any{
				"success":     false,
				"error":       "too many requests",
				"retry_after": retryAfter,
			})
			return
		}

		next.ServeHTTP(w, r)
	})
}

// clientAddr extracts the client address. With trustProxy the rightmost
// X-Forwarded-For entry wins, since that one was set by our own proxy.
func clientAddr(r *http.Request, trustProxy bool) string {
	if trustProxy {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			parts := strings.Split(xff, ",")
			for i := len(parts) - 1; i >= 0; i-- {
				if ip := strings.TrimSpace(parts[i]); ip != "" {
					return ip
				}
			}
		}
		if xri := r.Header.Get("X-Real-IP"); xri != "" {
			return xri
		}
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
