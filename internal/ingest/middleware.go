package ingest

import (
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"
)

// WithMiddleware wraps the handler with the standard middleware chain.
// Innermost first: recovery, logging, rate limiting, auth.
func WithMiddleware(handler http.Handler, auth AuthConfig, rate RateLimitConfig, logger *slog.Logger) http.Handler {
	h := handler
	h = recoveryMiddleware(h, logger)
	h = loggingMiddleware(h, logger)
	h = RateLimitMiddleware(rate, logger)(h)
	h = AuthMiddleware(auth, logger)(h)
	return h
}

func loggingMiddleware(next http.Handler, logger *slog.Logger) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(wrapped, r)

		logger.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", wrapped.statusCode,
			"duration_ms", time.Since(start).Milliseconds(),
			"remote_addr", r.RemoteAddr,
		)
	})
}

func recoveryMiddleware(next http.Handler, logger *slog.Logger) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				logger.Error("panic recovered", "error", err, "path", r.URL.Path)
				respondError(w, http.StatusInternalServerError, "internal server error", "")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// responseWriter captures the status code for request logging.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// RateLimitConfig configures per-IP rate limiting.
type RateLimitConfig struct {
	Enabled       bool          `yaml:"enabled"`
	RequestsPerIP int           `yaml:"requests_per_ip"`
	BurstSize     int           `yaml:"burst_size"`
	WindowSize    time.Duration `yaml:"window_size"`
	CleanupPeriod time.Duration `yaml:"cleanup_period"`
	TrustProxy    bool          `yaml:"trust_proxy"`
	ExemptPaths   []string      `yaml:"exempt_paths"`
}

// DefaultRateLimitConfig returns the default rate limit configuration.
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		Enabled:       true,
		RequestsPerIP: 1000,
		BurstSize:     100,
		WindowSize:    time.Minute,
		CleanupPeriod: 5 * time.Minute,
		ExemptPaths:   []string{"/health", "/metrics"},
	}
}

// RateLimiter tracks request counts per client IP over a fixed window.
type RateLimiter struct {
	cfg     RateLimitConfig
	mu      sync.Mutex
	clients map[string]*clientWindow
	exempt  map[string]bool
	stopCh  chan struct{}
	logger  *slog.Logger
}

type clientWindow struct {
	count     int
	windowEnd time.Time
}

// NewRateLimiter creates a rate limiter and starts its cleanup loop.
func NewRateLimiter(cfg RateLimitConfig, logger *slog.Logger) *RateLimiter {
	if logger == nil {
		logger = slog.Default()
	}
	exempt := make(map[string]bool, len(cfg.ExemptPaths))
	for _, p := range cfg.ExemptPaths {
		exempt[p] = true
	}
	rl := &RateLimiter{
		cfg:     cfg,
		clients: make(map[string]*clientWindow),
		exempt:  exempt,
		stopCh:  make(chan struct{}),
		logger:  logger,
	}
	if cfg.CleanupPeriod > 0 {
		go rl.cleanupLoop()
	}
	return rl
}

// Allow checks and counts one request from the given IP. Returns whether
// the request is allowed, the remaining budget and the window reset time.
func (rl *RateLimiter) Allow(ip string) (bool, int, time.Time) {
	now := time.Now()
	limit := rl.cfg.RequestsPerIP + rl.cfg.BurstSize

	rl.mu.Lock()
	defer rl.mu.Unlock()

	c, ok := rl.clients[ip]
	if !ok || now.After(c.windowEnd) {
		c = &clientWindow{windowEnd: now.Add(rl.cfg.WindowSize)}
		rl.clients[ip] = c
	}

	if c.count >= limit {
		return false, 0, c.windowEnd
	}
	c.count++
	return true, limit - c.count, c.windowEnd
}

func (rl *RateLimiter) cleanupLoop() {
	ticker := time.NewTicker(rl.cfg.CleanupPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-rl.stopCh:
			return
		case <-ticker.C:
			rl.cleanup()
		}
	}
}

func (rl *RateLimiter) cleanup() {
	cutoff := time.Now().Add(-rl.cfg.WindowSize)

	rl.mu.Lock()
	defer rl.mu.Unlock()
	for ip, c := range rl.clients {
		if c.windowEnd.Before(cutoff) {
			delete(rl.clients, ip)
		}
	}
}

// Stop stops the cleanup loop.
func (rl *RateLimiter) Stop() {
	close(rl.stopCh)
}

// RateLimitMiddleware applies per-IP rate limiting, returning 429 with
// standard rate limit headers when the budget is spent.
func RateLimitMiddleware(cfg RateLimitConfig, logger *slog.Logger) func(http.Handler) http.Handler {
	limiter := NewRateLimiter(cfg, logger)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !cfg.Enabled || limiter.exempt[r.URL.Path] {
				next.ServeHTTP(w, r)
				return
			}

			ip := clientIP(r, cfg.TrustProxy)
			allowed, remaining, reset := limiter.Allow(ip)

			w.Header().Set("X-RateLimit-Limit", fmt.Sprintf("%d", cfg.RequestsPerIP+cfg.BurstSize))
			w.Header().Set("X-RateLimit-Remaining", fmt.Sprintf("%d", remaining))
			w.Header().Set("X-RateLimit-Reset", fmt.Sprintf("%d", reset.Unix()))

			if !allowed {
				retryAfter := int(time.Until(reset).Seconds()) + 1
				w.Header().Set("Retry-After", fmt.Sprintf("%d", retryAfter))
				respondError(w, http.StatusTooManyRequests, "too many requests", "")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// clientIP extracts the client IP. With a trusted proxy the rightmost
// X-Forwarded-For entry wins; the client cannot spoof it.
func clientIP(r *http.Request, trustProxy bool) string {
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

	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}
