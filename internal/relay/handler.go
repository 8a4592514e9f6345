// Package relay implements the stateless HTTP surface described by the
// session-scoped request/response relay: session creation, request and
// response enqueue, streaming delivery, and polling retrieval. All
// cross-request state lives in the KV store; the Handler itself holds
// no mutable state beyond its dependencies.
package relay

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/toolrelay/relay/internal/config"
	"github.com/toolrelay/relay/internal/domain"
	"github.com/toolrelay/relay/internal/kv"
)

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode JSON response", "error", err)
	}
}

// apiError writes the relay's error body shape: {error, message, code?}.
func apiError(w http.ResponseWriter, status int, errName, message string, code string) {
	body := map[string]string{"error": errName, "message": message}
	if code != "" {
		body["code"] = code
	}
	JSON(w, status, body)
}

// Handler implements the relay's HTTP endpoints.
type Handler struct {
	store      kv.Store
	limiter    *RateLimiter
	sessionTTL time.Duration
	queueTTL   time.Duration

	heartbeatInterval time.Duration
	drainTick         time.Duration
	streamDeadline    time.Duration
}

// NewHandler builds a Handler over store, rate-limited per cfg.
func NewHandler(store kv.Store, relayCfg *config.RelayConfig, rateCfg config.RateLimitConfig) *Handler {
	return &Handler{
		store:             store,
		limiter:           NewRateLimiter(store, rateCfg),
		sessionTTL:        relayCfg.SessionTTL,
		queueTTL:          relayCfg.QueueTTL,
		heartbeatInterval: relayCfg.HeartbeatInterval,
		drainTick:         relayCfg.DrainTick,
		streamDeadline:    relayCfg.StreamDeadline,
	}
}

const maxSessionCreateRetries = 5

// CreateSession handles POST /sessions.
func (h *Handler) CreateSession(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		apiError(w, http.StatusMethodNotAllowed, "method_not_allowed", "use POST", "")
		return
	}

	allowed, err := h.limiter.Allow(r.Context(), LimitSessions, ipFromRequest(r))
	if err != nil {
		slog.Error("rate limit check failed", "error", err)
		apiError(w, http.StatusInternalServerError, "internal_server_error", "rate limit check failed", "")
		return
	}
	if !allowed {
		apiError(w, http.StatusTooManyRequests, "rate_limit_exceeded", "too many session creations", errorCodeFor(LimitSessions))
		return
	}

	var sess domain.Session
	for attempt := 0; attempt < maxSessionCreateRetries; attempt++ {
		code, genErr := generateCode()
		if genErr != nil {
			slog.Error("generate session code failed", "error", genErr)
			apiError(w, http.StatusInternalServerError, "internal_server_error", "failed to generate session code", "")
			return
		}

		created, createErr := h.store.CreateSession(r.Context(), code, h.sessionTTL)
		if createErr == nil {
			sess = created
			break
		}
		slog.Warn("session code collision, retrying", "attempt", attempt+1, "error", createErr)
	}
	if sess.Code == "" {
		apiError(w, http.StatusInternalServerError, "internal_server_error", "failed to allocate session code after retries", "")
		return
	}

	JSON(w, http.StatusCreated, map[string]interface{}{
		"code":      sess.Code,
		"ttl":       sess.TTLSeconds,
		"expiresAt": sess.ExpiresAt(),
	})
}

type requestBody struct {
	Code string          `json:"code"`
	ID   string          `json:"id"`
	Tool string          `json:"tool"`
	Args json.RawMessage `json:"args,omitempty"`
}

// PostRequest handles POST /request.
func (h *Handler) PostRequest(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		apiError(w, http.StatusMethodNotAllowed, "method_not_allowed", "use POST", "")
		return
	}

	var body requestBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		apiError(w, http.StatusBadRequest, "invalid_json", err.Error(), "")
		return
	}

	if !isValidCode(body.Code) {
		apiError(w, http.StatusBadRequest, "invalid_session_code", "code must match ^[A-Z2-7]{8}$", "")
		return
	}
	if body.ID == "" {
		apiError(w, http.StatusBadRequest, "validation_error", "id must be non-empty", "")
		return
	}
	if body.Tool == "" {
		apiError(w, http.StatusBadRequest, "validation_error", "tool must be non-empty", "")
		return
	}

	if _, err := h.store.GetSession(r.Context(), body.Code); err != nil {
		if errors.Is(err, kv.ErrNotFound) {
			apiError(w, http.StatusNotFound, "session_not_found", "no session with that code", "")
			return
		}
		slog.Error("lookup session failed", "error", err)
		apiError(w, http.StatusInternalServerError, "internal_server_error", "failed to look up session", "")
		return
	}

	allowed, err := h.limiter.Allow(r.Context(), LimitRequests, ipFromRequest(r)+":"+body.Code)
	if err != nil {
		slog.Error("rate limit check failed", "error", err)
		apiError(w, http.StatusInternalServerError, "internal_server_error", "rate limit check failed", "")
		return
	}
	if !allowed {
		apiError(w, http.StatusTooManyRequests, "rate_limit_exceeded", "too many requests for this session", errorCodeFor(LimitRequests))
		return
	}

	env := domain.RequestEnvelope{
		Code:       body.Code,
		ID:         body.ID,
		Tool:       body.Tool,
		Args:       body.Args,
		EnqueuedAt: time.Now().UTC(),
	}
	if err := h.store.AppendRequest(r.Context(), body.Code, env, h.queueTTL); err != nil {
		slog.Error("append request failed", "error", err)
		apiError(w, http.StatusInternalServerError, "internal_server_error", "failed to enqueue request", "")
		return
	}

	JSON(w, http.StatusAccepted, map[string]string{"id": body.ID, "status": "queued"})
}

type responseBody struct {
	Code   string                `json:"code"`
	ID     string                `json:"id"`
	Result domain.ResponseResult `json:"result"`
	Reason string                `json:"reason,omitempty"`
}

// PostResponse handles POST /response.
func (h *Handler) PostResponse(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		apiError(w, http.StatusMethodNotAllowed, "method_not_allowed", "use POST", "")
		return
	}

	var body responseBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		apiError(w, http.StatusBadRequest, "invalid_json", err.Error(), "")
		return
	}

	if !isValidCode(body.Code) {
		apiError(w, http.StatusBadRequest, "invalid_session_code", "code must match ^[A-Z2-7]{8}$", "")
		return
	}
	if body.ID == "" {
		apiError(w, http.StatusBadRequest, "validation_error", "id must be non-empty", "")
		return
	}

	if _, err := h.store.GetSession(r.Context(), body.Code); err != nil {
		if errors.Is(err, kv.ErrNotFound) {
			apiError(w, http.StatusNotFound, "session_not_found", "no session with that code", "")
			return
		}
		slog.Error("lookup session failed", "error", err)
		apiError(w, http.StatusInternalServerError, "internal_server_error", "failed to look up session", "")
		return
	}

	allowed, err := h.limiter.Allow(r.Context(), LimitResponses, ipFromRequest(r)+":"+body.Code)
	if err != nil {
		slog.Error("rate limit check failed", "error", err)
		apiError(w, http.StatusInternalServerError, "internal_server_error", "rate limit check failed", "")
		return
	}
	if !allowed {
		apiError(w, http.StatusTooManyRequests, "rate_limit_exceeded", "too many responses for this session", errorCodeFor(LimitResponses))
		return
	}

	env := domain.ResponseEnvelope{
		Code:     body.Code,
		ID:       body.ID,
		Result:   body.Result,
		PostedAt: time.Now().UTC(),
		Reason:   body.Reason,
	}
	if err := h.store.AppendResponse(r.Context(), body.Code, env, h.queueTTL); err != nil {
		slog.Error("append response failed", "error", err)
		apiError(w, http.StatusInternalServerError, "internal_server_error", "failed to store response", "")
		return
	}

	JSON(w, http.StatusAccepted, map[string]string{"id": body.ID, "status": "stored"})
}

// GetResponse handles GET /response?code=&id=, the polling retrieval
// path for producers that cannot subscribe to the stream.
func (h *Handler) GetResponse(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		apiError(w, http.StatusMethodNotAllowed, "method_not_allowed", "use GET", "")
		return
	}

	code := r.URL.Query().Get("code")
	id := r.URL.Query().Get("id")
	if !isValidCode(code) {
		apiError(w, http.StatusBadRequest, "invalid_session_code", "code must match ^[A-Z2-7]{8}$", "")
		return
	}
	if id == "" {
		apiError(w, http.StatusBadRequest, "validation_error", "id must be non-empty", "")
		return
	}

	if _, err := h.store.GetSession(r.Context(), code); err != nil {
		if errors.Is(err, kv.ErrNotFound) {
			apiError(w, http.StatusNotFound, "session_not_found", "no session with that code", "")
			return
		}
		slog.Error("lookup session failed", "error", err)
		apiError(w, http.StatusInternalServerError, "internal_server_error", "failed to look up session", "")
		return
	}

	env, ok, err := h.store.FindResponse(r.Context(), code, id)
	if err != nil {
		slog.Error("find response failed", "error", err)
		apiError(w, http.StatusInternalServerError, "internal_server_error", "failed to look up response", "")
		return
	}
	if !ok {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	JSON(w, http.StatusOK, env)
}

// GetRequests handles GET /requests?code=, the worker's bulk-polling
// fallback endpoint. It shares list-and-clear semantics with the
// stream's drain tick, callable at 1 Hz by a worker that has fallen
// back from the stream channel.
func (h *Handler) GetRequests(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		apiError(w, http.StatusMethodNotAllowed, "method_not_allowed", "use GET", "")
		return
	}

	code := r.URL.Query().Get("code")
	if !isValidCode(code) {
		apiError(w, http.StatusBadRequest, "invalid_session_code", "code must match ^[A-Z2-7]{8}$", "")
		return
	}

	if _, err := h.store.GetSession(r.Context(), code); err != nil {
		if errors.Is(err, kv.ErrNotFound) {
			apiError(w, http.StatusNotFound, "session_not_found", "no session with that code", "")
			return
		}
		slog.Error("lookup session failed", "error", err)
		apiError(w, http.StatusInternalServerError, "internal_server_error", "failed to look up session", "")
		return
	}

	envelopes, err := h.store.DrainRequests(r.Context(), code)
	if err != nil {
		slog.Error("drain requests failed", "error", err)
		apiError(w, http.StatusInternalServerError, "internal_server_error", "failed to drain requests", "")
		return
	}
	if envelopes == nil {
		envelopes = []domain.RequestEnvelope{}
	}

	JSON(w, http.StatusOK, map[string]interface{}{"requests": envelopes})
}

// Healthz handles GET /healthz.
func (h *Handler) Healthz(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	checks := map[string]string{"kv": "ok"}
	status := "healthy"
	code := http.StatusOK

	if err := h.store.Ping(ctx); err != nil {
		slog.Error("healthz: kv ping failed", "error", err)
		checks["kv"] = "unreachable"
		status = "degraded"
		code = http.StatusServiceUnavailable
	}

	JSON(w, code, map[string]interface{}{"status": status, "checks": checks})
}
