package relay

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/toolrelay/relay/internal/config"
	"github.com/toolrelay/relay/internal/kv"
)

func newTestHandler(t *testing.T) *Handler {
	t.Helper()
	store, err := kv.NewSQLite(filepath.Join(t.TempDir(), "relay.db"))
	if err != nil {
		t.Fatalf("NewSQLite: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	relayCfg := &config.RelayConfig{
		SessionTTL:        time.Hour,
		QueueTTL:          time.Hour,
		HeartbeatInterval: 30 * time.Second,
		DrainTick:         time.Second,
		StreamDeadline:    10 * time.Minute,
	}
	rateCfg := config.RateLimitConfig{Window: time.Minute, SessionsPerIP: 30, RequestsPerCode: 60, ResponsesPerCode: 60}
	return NewHandler(store, relayCfg, rateCfg)
}

func createTestSession(t *testing.T, h *Handler) string {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/sessions", nil)
	req.RemoteAddr = "10.0.0.1:1234"
	rec := httptest.NewRecorder()
	h.CreateSession(rec, req)

	if rec.Code != http.StatusCreated {
		t.Fatalf("CreateSession status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var body struct {
		Code string `json:"code"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode session body: %v", err)
	}
	return body.Code
}

func TestCreateSessionReturnsValidCode(t *testing.T) {
	h := newTestHandler(t)
	code := createTestSession(t, h)
	if !isValidCode(code) {
		t.Errorf("session code %q does not match grammar", code)
	}
}

func TestPostRequestRejectsUnknownSession(t *testing.T) {
	h := newTestHandler(t)
	body, _ := json.Marshal(requestBody{Code: "ZZZZ2222", ID: "r1", Tool: "echo"})
	req := httptest.NewRequest(http.MethodPost, "/request", bytes.NewReader(body))
	req.RemoteAddr = "10.0.0.1:1234"
	rec := httptest.NewRecorder()

	h.PostRequest(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestPostRequestRejectsEmptyID(t *testing.T) {
	h := newTestHandler(t)
	code := createTestSession(t, h)
	body, _ := json.Marshal(requestBody{Code: code, ID: "", Tool: "echo"})
	req := httptest.NewRequest(http.MethodPost, "/request", bytes.NewReader(body))
	req.RemoteAddr = "10.0.0.1:1234"
	rec := httptest.NewRecorder()

	h.PostRequest(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestRequestResponseRoundTrip(t *testing.T) {
	h := newTestHandler(t)
	code := createTestSession(t, h)

	reqBody, _ := json.Marshal(requestBody{Code: code, ID: "r1", Tool: "echo", Args: json.RawMessage(`{"text":"hi"}`)})
	req := httptest.NewRequest(http.MethodPost, "/request", bytes.NewReader(reqBody))
	req.RemoteAddr = "10.0.0.1:1234"
	rec := httptest.NewRecorder()
	h.PostRequest(rec, req)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("PostRequest status = %d: %s", rec.Code, rec.Body.String())
	}

	respBody, _ := json.Marshal(map[string]interface{}{
		"code": code, "id": "r1",
		"result": map[string]interface{}{"content": []map[string]string{{"type": "text", "text": "hi"}}},
	})
	presp := httptest.NewRequest(http.MethodPost, "/response", bytes.NewReader(respBody))
	presp.RemoteAddr = "10.0.0.1:1234"
	prec := httptest.NewRecorder()
	h.PostResponse(prec, presp)
	if prec.Code != http.StatusAccepted {
		t.Fatalf("PostResponse status = %d: %s", prec.Code, prec.Body.String())
	}

	getReq := httptest.NewRequest(http.MethodGet, "/response?code="+code+"&id=r1", nil)
	getRec := httptest.NewRecorder()
	h.GetResponse(getRec, getReq)
	if getRec.Code != http.StatusOK {
		t.Fatalf("GetResponse status = %d: %s", getRec.Code, getRec.Body.String())
	}
}

func TestGetResponseNoContentWhenMissing(t *testing.T) {
	h := newTestHandler(t)
	code := createTestSession(t, h)

	req := httptest.NewRequest(http.MethodGet, "/response?code="+code+"&id=nope", nil)
	rec := httptest.NewRecorder()
	h.GetResponse(rec, req)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rec.Code)
	}
}

func TestGetRequestsDrainsQueue(t *testing.T) {
	h := newTestHandler(t)
	code := createTestSession(t, h)

	for _, id := range []string{"r1", "r2"} {
		reqBody, _ := json.Marshal(requestBody{Code: code, ID: id, Tool: "echo"})
		req := httptest.NewRequest(http.MethodPost, "/request", bytes.NewReader(reqBody))
		req.RemoteAddr = "10.0.0.1:1234"
		rec := httptest.NewRecorder()
		h.PostRequest(rec, req)
	}

	getReq := httptest.NewRequest(http.MethodGet, "/requests?code="+code, nil)
	getRec := httptest.NewRecorder()
	h.GetRequests(getRec, getReq)
	if getRec.Code != http.StatusOK {
		t.Fatalf("GetRequests status = %d: %s", getRec.Code, getRec.Body.String())
	}

	var body struct {
		Requests []struct {
			ID string `json:"id"`
		} `json:"requests"`
	}
	if err := json.Unmarshal(getRec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body.Requests) != 2 {
		t.Fatalf("expected 2 drained requests, got %d", len(body.Requests))
	}

	// A second poll observes an empty queue.
	secondRec := httptest.NewRecorder()
	h.GetRequests(secondRec, httptest.NewRequest(http.MethodGet, "/requests?code="+code, nil))
	var second struct {
		Requests []json.RawMessage `json:"requests"`
	}
	_ = json.Unmarshal(secondRec.Body.Bytes(), &second)
	if len(second.Requests) != 0 {
		t.Fatalf("expected empty second drain, got %d", len(second.Requests))
	}
}

func TestInvalidSessionCodeRejected(t *testing.T) {
	h := newTestHandler(t)
	for _, code := range []string{"SHORT", "TOOLONGCODEX", "lowercase", "HAS-DASH!"} {
		body, _ := json.Marshal(requestBody{Code: code, ID: "r1", Tool: "echo"})
		req := httptest.NewRequest(http.MethodPost, "/request", bytes.NewReader(body))
		req.RemoteAddr = "10.0.0.1:1234"
		rec := httptest.NewRecorder()
		h.PostRequest(rec, req)
		if rec.Code != http.StatusBadRequest {
			t.Errorf("code %q: expected 400, got %d", code, rec.Code)
		}
	}
}

func TestRateLimitExceeded(t *testing.T) {
	h := newTestHandler(t)
	h.limiter = NewRateLimiter(h.store, config.RateLimitConfig{Window: time.Minute, SessionsPerIP: 1, RequestsPerCode: 1, ResponsesPerCode: 1})

	req1 := httptest.NewRequest(http.MethodPost, "/sessions", nil)
	req1.RemoteAddr = "10.0.0.9:1234"
	rec1 := httptest.NewRecorder()
	h.CreateSession(rec1, req1)
	if rec1.Code != http.StatusCreated {
		t.Fatalf("first session creation should succeed, got %d", rec1.Code)
	}

	req2 := httptest.NewRequest(http.MethodPost, "/sessions", nil)
	req2.RemoteAddr = "10.0.0.9:1234"
	rec2 := httptest.NewRecorder()
	h.CreateSession(rec2, req2)
	if rec2.Code != http.StatusTooManyRequests {
		t.Fatalf("second session creation should be rate limited, got %d: %s", rec2.Code, rec2.Body.String())
	}
}

func TestHealthzReportsOK(t *testing.T) {
	h := newTestHandler(t)
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	h.Healthz(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}
