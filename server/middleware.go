package server

import (
	"context"
	"log"
	"net"
	"net/http"
	"sync"

	"github.com/getsentry/sentry-go"
	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"emrner/auth"
	"emrner/config"
)

type requestIDKey struct{}

// RequestIDFromContext returns the request id, or "" if not set.
func RequestIDFromContext(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey{}).(string); ok {
		return id
	}
	return ""
}

// requestIDMiddleware accepts a client-supplied X-Request-ID or mints one,
// stores it in the request context and echoes it on the response.
func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}

		w.Header().Set("X-Request-ID", requestID)
		ctx := context.WithValue(r.Context(), requestIDKey{}, requestID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// recoverMiddleware converts handler panics into 500 responses and reports
// them to Sentry when a DSN is configured.
func recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				log.Printf("[Server] Panic serving %s %s: %v", r.Method, r.URL.Path, rec)
				sentry.CurrentHub().Recover(rec)
				http.Error(w, `{"error": "internal server error"}`, http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// clientLimiter applies a per-client token bucket. Clients are keyed by
// the authenticated subject when available, otherwise by remote host.
type clientLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	cfg      config.RateLimitConfig
}

func newClientLimiter(cfg config.RateLimitConfig) *clientLimiter {
	return &clientLimiter{
		limiters: make(map[string]*rate.Limiter),
		cfg:      cfg,
	}
}

func (c *clientLimiter) limiterFor(key string) *rate.Limiter {
	c.mu.Lock()
	defer c.mu.Unlock()

	limiter, ok := c.limiters[key]
	if !ok {
		limiter = rate.NewLimiter(rate.Limit(c.cfg.RequestsPerSecond), c.cfg.Burst)
		c.limiters[key] = limiter
	}
	return limiter
}

func (c *clientLimiter) clientKey(r *http.Request) string {
	if authCtx := auth.FromContext(r.Context()); authCtx.Subject != "" && authCtx.Subject != "anonymous" {
		return authCtx.Subject
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func (c *clientLimiter) middleware(next http.Handler) http.Handler {
	if !c.cfg.Enabled {
		return next
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := c.clientKey(r)
		if !c.limiterFor(key).Allow() {
			log.Printf("[Server] Rate limit exceeded for client %s", key)
			w.Header().Set("Retry-After", "1")
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusTooManyRequests)
			if _, err := w.Write([]byte(`{"error": "rate limit exceeded"}`)); err != nil {
				log.Printf("[Server] Failed to write rate limit response: %v", err)
			}
			return
		}
		next.ServeHTTP(w, r)
	})
}
