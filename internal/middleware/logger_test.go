package middleware

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func TestRequestIDAndLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := zerolog.New(&buf)

	var ctxID string
	h := RequestID(Logger(logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctxID = RequestIDFromContext(r.Context())
		zerolog.Ctx(r.Context()).Info().Msg("handler")
		w.WriteHeader(http.StatusAccepted)
		_, _ = w.Write([]byte("ok"))
	})))

	req := httptest.NewRequest(http.MethodPost, "/v1/dream", nil)
	req.Header.Set("X-Request-ID", "req-1")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if ctxID != "req-1" || rec.Header().Get("X-Request-ID") != "req-1" {
		t.Fatalf("request id = %q / %q", ctxID, rec.Header().Get("X-Request-ID"))
	}
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("log lines = %d: %s", len(lines), buf.String())
	}
	var access map[string]any
	if err := json.Unmarshal([]byte(lines[1]), &access); err != nil {
		t.Fatalf("decode access line: %v", err)
	}
	if access["request_id"] != "req-1" || access["status"] != float64(http.StatusAccepted) || access["bytes"] != float64(2) {
		t.Fatalf("access line = %v", access)
	}
	if !strings.Contains(lines[0], `"request_id":"req-1"`) {
		t.Fatalf("handler line lacks request id: %s", lines[0])
	}
}

func TestRequestIDReplacesUnusableHeader(t *testing.T) {
	h := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Request-ID", strings.Repeat("x", 100))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if got := rec.Header().Get("X-Request-ID"); len(got) != 36 {
		t.Fatalf("X-Request-ID = %q, want a fresh uuid", got)
	}
}

func TestCORS(t *testing.T) {
	h := CORS([]string{"https://chat.example"})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	req := httptest.NewRequest(http.MethodOptions, "/v1/dream", nil)
	req.Header.Set("Origin", "https://chat.example")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusNoContent || rec.Header().Get("Access-Control-Allow-Origin") != "https://chat.example" {
		t.Fatalf("preflight = %d %v", rec.Code, rec.Header())
	}

	req = httptest.NewRequest(http.MethodGet, "/v1/info", nil)
	req.Header.Set("Origin", "https://evil.example")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Header().Get("Access-Control-Allow-Origin") != "" {
		t.Fatalf("unlisted origin allowed")
	}
}
