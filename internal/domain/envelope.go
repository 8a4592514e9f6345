// Package domain holds the wire and record shapes shared by the relay
// and the worker: sessions, request/response envelopes, and the
// in-memory records the worker keeps about itself.
package domain

import (
	"encoding/json"
	"time"
)

// Session is a short-lived logical channel between one producer and one
// consumer, identified by its Code. A session exists iff its KV record
// exists; all of its per-session queues share the session's TTL boundary.
type Session struct {
	Code         string    `json:"code"`
	CreatedAt    time.Time `json:"createdAt"`
	LastActivity time.Time `json:"lastActivity"`
	TTLSeconds   int       `json:"ttl"`
	// Revision is bumped on every LastActivity touch. It is a log
	// correlation aid only, never serialized onto the wire protocol.
	Revision int64 `json:"-"`
}

// ExpiresAt returns the instant at which the session's TTL lapses,
// measured from CreatedAt (the KV record's own TTL is authoritative;
// this is for response bodies and client-side display only).
func (s Session) ExpiresAt() time.Time {
	return s.CreatedAt.Add(time.Duration(s.TTLSeconds) * time.Second)
}

// ContentItem is one entry of a ResponseEnvelope's content bundle.
// Type is a closed discriminator; "text" is the only variant today,
// modeled as a union so future content kinds don't break older workers.
type ContentItem struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// TextContent builds a single-item text content bundle.
func TextContent(text string) []ContentItem {
	return []ContentItem{{Type: "text", Text: text}}
}

// RequestEnvelope is an instruction to run one tool. (Code, ID) is its
// correlation key; the relay does not enforce ID uniqueness, so the
// worker must deduplicate deliveries by ID itself.
type RequestEnvelope struct {
	Code       string          `json:"code"`
	ID         string          `json:"id"`
	Tool       string          `json:"tool"`
	Args       json.RawMessage `json:"args,omitempty"`
	EnqueuedAt time.Time       `json:"enqueuedAt"`
}

// ResponseResult is the result payload of a ResponseEnvelope.
type ResponseResult struct {
	Content []ContentItem `json:"content"`
}

// ResponseEnvelope is the outcome of executing a RequestEnvelope. Its ID
// must match some request the producer issued in the same session.
// Reason is set only on an error response, naming which error-taxonomy
// category produced it (tool_not_found, invalid_args, execution_error,
// timeout); it rides along on the wire as an informational extra field
// the relay stores and replays but never interprets.
type ResponseEnvelope struct {
	Code     string         `json:"code"`
	ID       string         `json:"id"`
	Result   ResponseResult `json:"result"`
	PostedAt time.Time      `json:"postedAt"`
	Reason   string         `json:"reason,omitempty"`
}

// DeadLetter records a ResponseEnvelope the Poster permanently failed to
// deliver. It is worker-scoped, in-memory only, and surfaced through the
// Supervisor's status subscription — nothing in the relay ever sees it.
type DeadLetter struct {
	Code     string    `json:"code"`
	ID       string    `json:"id"`
	Tool     string    `json:"tool"`
	Reason   string    `json:"reason"`
	FailedAt time.Time `json:"failedAt"`
}
