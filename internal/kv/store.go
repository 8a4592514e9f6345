// Package kv defines the key-value abstraction the relay is built on:
// session records with TTL, two FIFO envelope lists per session (also
// TTL-bounded), and sliding-window rate-limit counters. The only
// implementation shipped is SQLite-backed (see sqlite.go); nothing above
// this package knows that.
package kv

import (
	"context"
	"errors"
	"time"

	"github.com/toolrelay/relay/internal/domain"
)

// ErrNotFound is returned when a session lookup misses (either the
// record never existed or its TTL has lapsed).
var ErrNotFound = errors.New("kv: not found")

// Store is the persistence boundary for the relay. Every method is safe
// for concurrent use; the relay has no mutable state of its own beyond
// open stream handlers, so all cross-request state lives here.
type Store interface {
	// Ping verifies connectivity, used by the /healthz endpoint.
	Ping(ctx context.Context) error

	// CreateSession writes a new session record with the given TTL.
	// Returns ErrNotFound... never; it returns a conflict-style error if
	// the code already exists so the caller can retry with a new code.
	CreateSession(ctx context.Context, code string, ttl time.Duration) (domain.Session, error)

	// GetSession returns the session record for code, or ErrNotFound if
	// it does not exist or has expired.
	GetSession(ctx context.Context, code string) (domain.Session, error)

	// AppendRequest appends req to the session's request queue and
	// refreshes the queue's TTL to queueTTL.
	AppendRequest(ctx context.Context, code string, req domain.RequestEnvelope, queueTTL time.Duration) error

	// DrainRequests atomically retrieves and removes every queued
	// request envelope for code, in FIFO order. Used by both the stream
	// drain tick and the polling-fallback endpoint.
	DrainRequests(ctx context.Context, code string) ([]domain.RequestEnvelope, error)

	// AppendResponse appends resp to the session's response queue and
	// refreshes the queue's TTL to queueTTL.
	AppendResponse(ctx context.Context, code string, resp domain.ResponseEnvelope, queueTTL time.Duration) error

	// FindResponse scans the session's response queue for an envelope
	// whose ID matches id. The second return value is false if none is
	// found (callers surface this as 204 No Content).
	FindResponse(ctx context.Context, code, id string) (domain.ResponseEnvelope, bool, error)

	// IncrementRateLimit atomically increments the counter at key. If
	// this is the first increment in the current window, the counter's
	// TTL is set to window. Returns the post-increment value.
	IncrementRateLimit(ctx context.Context, key string, window time.Duration) (int64, error)

	// Sweep deletes every row (sessions, queues, rate-limit counters)
	// whose TTL has lapsed. Called by the background TTL worker.
	Sweep(ctx context.Context) error

	Close() error
}
