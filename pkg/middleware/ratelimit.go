package middleware

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/bec-project/bec-atlas/pkg/contextkeys"
	"github.com/bec-project/bec-atlas/pkg/observability"
)

// RateLimitConfig defines rate limiting configuration
type RateLimitConfig struct {
	// RequestsPerWindow is the max requests allowed in the time window
	RequestsPerWindow int
	// WindowDuration is the time window for rate limiting
	WindowDuration time.Duration
}

// DefaultRateLimitConfig returns default rate limit settings
func DefaultRateLimitConfig() *RateLimitConfig {
	return &RateLimitConfig{
		RequestsPerWindow: 600,
		WindowDuration:    time.Minute,
	}
}

// Counter increments a windowed counter. store.Client implements it.
type Counter interface {
	IncrWindow(ctx context.Context, key string, window time.Duration) (int64, error)
}

// DistributedRateLimiter implements rate limiting on shared counters, so
// limits hold across every replica
type DistributedRateLimiter struct {
	counter Counter
	config  *RateLimitConfig
	prefix  string
}

// NewDistributedRateLimiter creates a store-backed rate limiter
func NewDistributedRateLimiter(counter Counter, config *RateLimitConfig, prefix string) *DistributedRateLimiter {
	if config == nil {
		config = DefaultRateLimitConfig()
	}
	if prefix == "" {
		prefix = "ratelimit"
	}
	return &DistributedRateLimiter{
		counter: counter,
		config:  config,
		prefix:  prefix,
	}
}

// Allow counts a request for key and reports whether it is within the limit,
// along with the requests left in the window
func (rl *DistributedRateLimiter) Allow(ctx context.Context, key string) (bool, int, error) {
	count, err := rl.counter.IncrWindow(ctx, fmt.Sprintf("%s:%s", rl.prefix, key), rl.config.WindowDuration)
	if err != nil {
		return true, 0, err
	}
	remaining := rl.config.RequestsPerWindow - int(count)
	if remaining < 0 {
		remaining = 0
	}
	return count <= int64(rl.config.RequestsPerWindow), remaining, nil
}

// RateLimit limits requests per principal, or per client address for
// requests without one. Counter failures let the request through.
func RateLimit(rl *DistributedRateLimiter, logger *observability.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = observability.NopLogger()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := "ip:" + clientIP(r)
			if user := contextkeys.User(r.Context()); user != nil {
				key = "user:" + user.Email
			}

			allowed, remaining, err := rl.Allow(r.Context(), key)
			if err != nil {
				logger.WithError(err).Warn("rate limit counter unavailable")
				next.ServeHTTP(w, r)
				return
			}

			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(rl.config.RequestsPerWindow))
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
			if !allowed {
				retryAfter := rl.config.WindowDuration.Seconds()
				w.Header().Set("Content-Type", "application/json")
				w.Header().Set("Retry-After", fmt.Sprintf("%.0f", retryAfter))
				w.WriteHeader(http.StatusTooManyRequests)
				w.Write([]byte(`{"error":"rate limit exceeded","retry_after":` + fmt.Sprintf("%.0f", retryAfter) + `}`))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		return strings.TrimSpace(strings.Split(fwd, ",")[0])
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
