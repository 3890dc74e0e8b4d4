package auth

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/actionexec/core/pkg/apierror"
)

// BackpressurePolicy is a per-actor token-bucket limit.
type BackpressurePolicy struct {
	RPM   int // tokens refilled per minute
	Burst int // bucket capacity
}

// LimiterStore enforces a BackpressurePolicy per actor key.
type LimiterStore interface {
	Allow(ctx context.Context, key string, policy BackpressurePolicy, n int) (bool, error)
}

type bucket struct {
	tokens     float64
	lastRefill time.Time
}

// InMemoryLimiterStore is a process-local token bucket per actor key,
// suitable for a single-instance deployment or tests. A multi-instance
// deployment should back this with the same Lua-script token bucket the
// resilience package uses per connector.
type InMemoryLimiterStore struct {
	mu      sync.Mutex
	buckets map[string]*bucket
}

// NewInMemoryLimiterStore builds an empty store.
func NewInMemoryLimiterStore() *InMemoryLimiterStore {
	return &InMemoryLimiterStore{buckets: make(map[string]*bucket)}
}

func (s *InMemoryLimiterStore) Allow(ctx context.Context, key string, policy BackpressurePolicy, n int) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	capacity := float64(policy.Burst)
	refillPerSecond := float64(policy.RPM) / 60.0

	b, ok := s.buckets[key]
	if !ok {
		b = &bucket{tokens: capacity, lastRefill: time.Now()}
		s.buckets[key] = b
	}

	now := time.Now()
	elapsed := now.Sub(b.lastRefill).Seconds()
	b.tokens += elapsed * refillPerSecond
	if b.tokens > capacity {
		b.tokens = capacity
	}
	b.lastRefill = now

	if b.tokens < float64(n) {
		return false, nil
	}
	b.tokens -= float64(n)
	return true, nil
}

// RateLimitMiddleware enforces per-actor rate limiting at the HTTP layer.
// It extracts the actor ID from the authenticated Principal (falls back to remote IP).
// On rate limit exceeded, it returns 429 with a Retry-After header.
func RateLimitMiddleware(store LimiterStore, policy BackpressurePolicy) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// Fail open if no store configured (dev mode)
			if store == nil {
				next.ServeHTTP(w, r)
				return
			}

			actorID := r.RemoteAddr
			if principal, err := GetPrincipal(r.Context()); err == nil {
				actorID = principal.GetTenantID() + "/" + principal.GetID()
			}

			allowed, err := store.Allow(r.Context(), actorID, policy, 1)
			if err != nil {
				// Fail open on limiter errors to avoid blocking all traffic
				next.ServeHTTP(w, r)
				return
			}

			if !allowed {
				retryAfter := 60 / policy.RPM
				if retryAfter < 1 {
					retryAfter = 1
				}
				apierror.WriteTooManyRequests(w, retryAfter)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
