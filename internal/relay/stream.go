package relay

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/toolrelay/relay/internal/kv"
)

// Stream handles GET /stream?code=…, the primary delivery path. It
// opens an SSE connection, emits one connected event, then runs two
// independent periodic loops (heartbeat, drain) until the client
// aborts or the absolute deadline is reached.
func (h *Handler) Stream(w http.ResponseWriter, r *http.Request) {
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

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	flusher, ok := w.(http.Flusher)
	if !ok {
		apiError(w, http.StatusInternalServerError, "internal_server_error", "streaming not supported", "")
		return
	}

	w.WriteHeader(http.StatusOK)

	connected := map[string]interface{}{
		"code":      code,
		"timestamp": time.Now().UTC(),
		"message":   "connected",
	}
	if err := writeSSE(w, "connected", connected); err != nil {
		slog.Warn("failed to write connected event", "error", err, "code", code)
		return
	}
	flusher.Flush()

	heartbeat := time.NewTicker(h.heartbeatInterval)
	defer heartbeat.Stop()

	drain := time.NewTicker(h.drainTick)
	defer drain.Stop()

	deadline := time.NewTimer(h.streamDeadline)
	defer deadline.Stop()

	slog.Info("stream connected", "code", code)

	for {
		select {
		case <-r.Context().Done():
			slog.Info("stream client aborted", "code", code)
			return

		case <-deadline.C:
			if err := writeSSE(w, "timeout", map[string]string{"code": code}); err != nil {
				slog.Warn("failed to write timeout event", "error", err, "code", code)
			}
			flusher.Flush()
			slog.Info("stream reached absolute deadline", "code", code)
			return

		case <-heartbeat.C:
			if err := writeSSE(w, "heartbeat", map[string]interface{}{"timestamp": time.Now().UTC()}); err != nil {
				slog.Warn("failed to write heartbeat event", "error", err, "code", code)
				return
			}
			flusher.Flush()

		case <-drain.C:
			envelopes, err := h.store.DrainRequests(r.Context(), code)
			if err != nil {
				slog.Error("stream drain failed", "error", err, "code", code)
				if writeErr := writeSSE(w, "error", map[string]string{"message": "drain failed"}); writeErr != nil {
					return
				}
				flusher.Flush()
				continue
			}
			for _, env := range envelopes {
				if err := writeSSE(w, "tool-request", env); err != nil {
					slog.Warn("failed to write tool-request event", "error", err, "code", code)
					return
				}
			}
			if len(envelopes) > 0 {
				flusher.Flush()
			}
		}
	}
}

// writeSSE writes one `event: <name>\ndata: <json>\n\n` frame.
func writeSSE(w io.Writer, event string, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal sse payload: %w", err)
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
	return err
}
