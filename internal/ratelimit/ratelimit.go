// Package ratelimit throttles requests per key with token buckets.
package ratelimit

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"estatechat/internal/models"

	"golang.org/x/time/rate"
)

const idleTimeout = 10 * time.Minute

// LimiterStore maintains per-key rate limiters and drops idle ones.
type LimiterStore struct {
	mu      sync.Mutex
	limit   rate.Limit
	burst   int
	clients map[string]*clientEntry
	now     func() time.Time
}

type clientEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewLimiterStore allows limitPerMinute events per key with the given burst.
// Cleanup runs every cleanupInterval until ctx is done.
func NewLimiterStore(ctx context.Context, limitPerMinute, burst int, cleanupInterval time.Duration) *LimiterStore {
	if limitPerMinute <= 0 {
		limitPerMinute = 60
	}
	if burst <= 0 {
		burst = 1
	}
	s := &LimiterStore{
		limit:   rate.Every(time.Minute / time.Duration(limitPerMinute)),
		burst:   burst,
		clients: map[string]*clientEntry{},
		now:     time.Now,
	}
	if cleanupInterval > 0 {
		go s.cleanupLoop(ctx, cleanupInterval)
	}
	return s
}

func (s *LimiterStore) cleanupLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.cleanup()
		case <-ctx.Done():
			return
		}
	}
}

func (s *LimiterStore) cleanup() {
	cutoff := s.now().Add(-idleTimeout)
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, v := range s.clients {
		if v.lastSeen.Before(cutoff) {
			delete(s.clients, k)
		}
	}
}

func (s *LimiterStore) getLimiter(key string) *rate.Limiter {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	if e, ok := s.clients[key]; ok {
		e.lastSeen = now
		return e.limiter
	}
	limiter := rate.NewLimiter(s.limit, s.burst)
	s.clients[key] = &clientEntry{limiter: limiter, lastSeen: now}
	return limiter
}

// Allow reports whether an event for key is permitted now.
func (s *LimiterStore) Allow(key string) bool {
	return s.getLimiter(key).AllowN(s.now(), 1)
}

func (s *LimiterStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

// Middleware rejects requests over the limit with 429. Requests for which
// key returns "" pass through untouched.
func Middleware(store *LimiterStore, key func(*http.Request) string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			k := key(r)
			if k != "" && !store.Allow(k) {
				slog.Warn("rate limit exceeded", "key", k, "path", r.URL.Path)
				w.Header().Set("Content-Type", "application/json")
				w.Header().Set("Retry-After", "1")
				w.WriteHeader(http.StatusTooManyRequests)
				if err := json.NewEncoder(w).Encode(models.APIResponse{
					Success: false,
					Message: models.ErrRateLimited.Error(),
				}); err != nil {
					slog.Error("failed to encode response", "error", err)
				}
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
