package relay

import (
	"context"
	"fmt"

	"github.com/toolrelay/relay/internal/config"
	"github.com/toolrelay/relay/internal/kv"
)

// RateLimiter enforces the relay's per-endpoint sliding-window caps on
// top of the KV store's atomic counter primitive. Counters for
// different endpoints are independent: exhausting one class never
// affects another, even for the same IP.
type RateLimiter struct {
	store kv.Store
	cfg   config.RateLimitConfig
}

// NewRateLimiter builds a RateLimiter backed by store.
func NewRateLimiter(store kv.Store, cfg config.RateLimitConfig) *RateLimiter {
	return &RateLimiter{store: store, cfg: cfg}
}

// LimitKind names which of the three rate-limited endpoint classes a
// caller is checking, matching the keys from spec.md's persisted state
// layout (`ratelimit:{endpoint}:{scope}`).
type LimitKind string

const (
	LimitSessions  LimitKind = "sessions"
	LimitRequests  LimitKind = "request"
	LimitResponses LimitKind = "response"
)

// Allow increments the counter for kind/scope and reports whether the
// caller is still within its cap. scope is the IP for sessions, and
// "ip:code" for requests/responses.
func (rl *RateLimiter) Allow(ctx context.Context, kind LimitKind, scope string) (bool, error) {
	key := fmt.Sprintf("ratelimit:%s:%s", kind, scope)
	count, err := rl.store.IncrementRateLimit(ctx, key, rl.cfg.Window)
	if err != nil {
		return false, fmt.Errorf("increment rate limit: %w", err)
	}
	return count <= rl.capFor(kind), nil
}

func (rl *RateLimiter) capFor(kind LimitKind) int64 {
	switch kind {
	case LimitSessions:
		return int64(rl.cfg.SessionsPerIP)
	case LimitRequests:
		return int64(rl.cfg.RequestsPerCode)
	case LimitResponses:
		return int64(rl.cfg.ResponsesPerCode)
	default:
		return 0
	}
}

// errorCodeFor returns the machine-readable discriminator used in the
// 429 response body for the given limit kind.
func errorCodeFor(kind LimitKind) string {
	switch kind {
	case LimitSessions:
		return "SESSION_RATE_LIMIT"
	case LimitRequests:
		return "REQUEST_RATE_LIMIT"
	case LimitResponses:
		return "RESPONSE_RATE_LIMIT"
	default:
		return "RATE_LIMIT"
	}
}
