package httpapi

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"

	"cryptodesk/internal/auth"
	"cryptodesk/internal/gateway"
	"cryptodesk/internal/metrics"
	"cryptodesk/internal/ratelimit"
	"cryptodesk/pkg/protocol"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func newTestRouter(t *testing.T, limit int) (*gin.Engine, *gateway.Hub) {
	t.Helper()
	quiet := slog.New(slog.NewTextHandler(io.Discard, nil))
	tokens := auth.NewStatic()
	tokens.Put("tok", "user1", time.Time{})

	reg := prometheus.NewRegistry()
	m := metrics.NewMetrics(reg)
	cfg := gateway.DefaultConfig()
	cfg.PollWait = 50 * time.Millisecond
	hub := gateway.NewHub(cfg, gateway.Options{Validator: tokens, Metrics: m, Logger: quiet})
	t.Cleanup(hub.Close)

	r := NewRouter(Options{
		Hub:      hub,
		Health:   metrics.NewHealthStatus(),
		Metrics:  m,
		Limiter:  ratelimit.NewMemory(limit, time.Minute),
		Gatherer: reg,
		Logger:   quiet,
		Debug:    true,
	})
	return r, hub
}

func do(r http.Handler, method, path string, body string) *httptest.ResponseRecorder {
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, rd)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestPingRateLimitHeaders(t *testing.T) {
	r, _ := newTestRouter(t, 2)

	for i, wantRemaining := range []string{"1", "0"} {
		w := do(r, http.MethodGet, "/api/ping", "")
		if w.Code != http.StatusOK {
			t.Fatalf("request %d: status %d", i, w.Code)
		}
		if got := w.Header().Get("X-RateLimit-Remaining"); got != wantRemaining {
			t.Fatalf("request %d: remaining = %s, want %s", i, got, wantRemaining)
		}
		if w.Header().Get("X-RateLimit-Limit") != "2" {
			t.Fatalf("limit header = %q", w.Header().Get("X-RateLimit-Limit"))
		}
	}

	w := do(r, http.MethodGet, "/api/ping", "")
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", w.Code)
	}
	retry, err := strconv.Atoi(w.Header().Get("Retry-After"))
	if err != nil || retry < 1 || retry > 60 {
		t.Fatalf("Retry-After = %q", w.Header().Get("Retry-After"))
	}
	var body struct {
		Error          string `json:"error"`
		RateLimitReset int64  `json:"rateLimitReset"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	resetSec, _ := strconv.ParseInt(w.Header().Get("X-RateLimit-Reset"), 10, 64)
	if body.Error != "rate_limited" || body.RateLimitReset != resetSec*1000 {
		t.Fatalf("body = %+v, reset header = %d", body, resetSec)
	}
}

func TestHealthEndpoints(t *testing.T) {
	r, _ := newTestRouter(t, 100)

	w := do(r, http.MethodGet, "/api/health", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var body map[string]any
	json.Unmarshal(w.Body.Bytes(), &body)
	if body["status"] != "healthy" || body["gateway"] == nil {
		t.Fatalf("body = %v", body)
	}

	if w := do(r, http.MethodGet, "/healthz", ""); w.Code != http.StatusOK {
		t.Fatalf("/healthz status = %d", w.Code)
	}
	if w := do(r, http.MethodGet, "/api/metrics", ""); w.Code != http.StatusOK || !strings.Contains(w.Body.String(), "connections") {
		t.Fatalf("/api/metrics = %d %s", w.Code, w.Body.String())
	}
}

func TestPrometheusEndpoint(t *testing.T) {
	r, _ := newTestRouter(t, 100)
	do(r, http.MethodPost, "/rt/poll", "")
	w := do(r, http.MethodGet, "/metrics", "")
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), "rt_connections_total") {
		t.Fatalf("metrics = %d\n%s", w.Code, w.Body.String())
	}
}

func TestPollingSessionOverHTTP(t *testing.T) {
	r, hub := newTestRouter(t, 100)

	w := do(r, http.MethodPost, "/rt/poll", "")
	var open struct {
		SID string `json:"sid"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &open); err != nil || open.SID == "" {
		t.Fatalf("open = %d %s", w.Code, w.Body.String())
	}
	path := "/rt/poll/" + open.SID

	msgs := pollHTTP(t, r, path)
	if len(msgs) != 1 || msgs[0].MessageType() != protocol.TypeConnected {
		t.Fatalf("greeting = %v", msgs)
	}

	var batch bytes.Buffer
	batch.WriteString("[")
	batch.Write(protocol.MustEncode(protocol.Authenticate{UserID: "user1", Token: "tok"}))
	batch.WriteString(",")
	batch.Write(protocol.MustEncode(protocol.Subscribe{Channels: []string{"prices", "orders:user1"}}))
	batch.WriteString("]")
	if w := do(r, http.MethodPost, path, batch.String()); w.Code != http.StatusNoContent {
		t.Fatalf("send = %d %s", w.Code, w.Body.String())
	}

	msgs = pollHTTP(t, r, path)
	if len(msgs) != 2 {
		t.Fatalf("replies = %v", msgs)
	}
	if a, ok := msgs[0].(protocol.Authenticated); !ok || !a.Success {
		t.Fatalf("first reply = %+v", msgs[0])
	}
	if s, ok := msgs[1].(protocol.Subscribed); !ok || len(s.Channels) != 2 {
		t.Fatalf("second reply = %+v", msgs[1])
	}

	// Empty poll returns an empty array, not null.
	if w := do(r, http.MethodGet, path, ""); strings.TrimSpace(w.Body.String()) != "[]" {
		t.Fatalf("idle poll body = %q", w.Body.String())
	}

	if w := do(r, http.MethodDelete, path, ""); w.Code != http.StatusNoContent {
		t.Fatalf("close = %d", w.Code)
	}
	if hub.ConnCount() != 0 {
		t.Fatal("session still registered")
	}
	if w := do(r, http.MethodGet, path, ""); w.Code != http.StatusGone {
		t.Fatalf("poll after close = %d, want 410", w.Code)
	}
	if w := do(r, http.MethodPost, path, `[]`); w.Code != http.StatusGone {
		t.Fatalf("send after close = %d, want 410", w.Code)
	}
}

func TestPollSendRejectsNonArray(t *testing.T) {
	r, hub := newTestRouter(t, 100)
	c, _ := hub.OpenPoll("x")
	if w := do(r, http.MethodPost, "/rt/poll/"+c.ID(), `{"type":"ping"}`); w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", w.Code)
	}
	if w := do(r, http.MethodPost, "/rt/poll/nope", `[]`); w.Code != http.StatusNotFound {
		t.Fatalf("unknown sid status = %d", w.Code)
	}
}

func TestCORSPreflight(t *testing.T) {
	r, _ := newTestRouter(t, 100)
	req := httptest.NewRequest(http.MethodOptions, "/api/ping", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusNoContent || w.Header().Get("Access-Control-Allow-Origin") != "http://localhost:3000" {
		t.Fatalf("preflight = %d %v", w.Code, w.Header())
	}
}

func pollHTTP(t *testing.T, r http.Handler, path string) []protocol.Message {
	t.Helper()
	w := do(r, http.MethodGet, path, "")
	if w.Code != http.StatusOK {
		t.Fatalf("poll = %d %s", w.Code, w.Body.String())
	}
	var raw []json.RawMessage
	if err := json.Unmarshal(w.Body.Bytes(), &raw); err != nil {
		t.Fatal(err)
	}
	out := make([]protocol.Message, 0, len(raw))
	for _, m := range raw {
		msg, err := protocol.Decode(m)
		if err != nil {
			t.Fatal(err)
		}
		out = append(out, msg)
	}
	return out
}
