package middleware

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
)

// serveLogged はhをロギングミドルウェア越しに実行し、出力された1行のログを返す。
func serveLogged(t *testing.T, h http.HandlerFunc, req *http.Request) map[string]any {
	t.Helper()
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelInfo}))

	NewLoggingMiddleware(logger)(h).ServeHTTP(httptest.NewRecorder(), req)

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("failed to parse JSON log: %v\nraw: %s", err, buf.String())
	}
	return entry
}

func TestLoggingMiddleware_LogsRequestFields(t *testing.T) {
	entry := serveLogged(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"success":true}`))
	}, httptest.NewRequest(http.MethodGet, "/api/events/cand-42", nil))

	if entry["msg"] != "http_request" {
		t.Errorf("msg = %v, want http_request", entry["msg"])
	}
	if entry["method"] != "GET" {
		t.Errorf("method = %v, want GET", entry["method"])
	}
	if entry["path"] != "/api/events/cand-42" {
		t.Errorf("path = %v", entry["path"])
	}
	// WriteHeaderを呼ばずにWriteすると暗黙的に200になる
	if entry["status"] != float64(200) {
		t.Errorf("status = %v, want 200", entry["status"])
	}
	if entry["bytes"] != float64(len(`{"success":true}`)) {
		t.Errorf("bytes = %v", entry["bytes"])
	}
	if d, ok := entry["duration_ms"].(float64); !ok || d < 0 {
		t.Errorf("duration_ms = %v, want >= 0", entry["duration_ms"])
	}
	for _, k := range []string{"user_id", "request_id", "route"} {
		if _, ok := entry[k]; ok {
			t.Errorf("%s should be omitted when unknown: %v", k, entry[k])
		}
	}
}

func TestLoggingMiddleware_IncludesUserID(t *testing.T) {
	// 認証ミドルウェアは内側で実行され、解決したユーザーIDを外側のログに渡す
	entry := serveLogged(t, func(w http.ResponseWriter, r *http.Request) {
		recordUserID(r.Context(), "user-123")
		w.WriteHeader(http.StatusOK)
	}, httptest.NewRequest(http.MethodGet, "/api/events/cand-42", nil))

	if entry["user_id"] != "user-123" {
		t.Errorf("user_id = %v, want user-123", entry["user_id"])
	}
}

func TestLoggingMiddleware_IncludesRouteAndRequestID(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelInfo}))

	r := chi.NewRouter()
	r.Use(NewRequestIDMiddleware())
	r.Use(NewLoggingMiddleware(logger))
	r.Delete("/api/event/{eventId}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	req := httptest.NewRequest(http.MethodDelete, "/api/event/abc123", nil)
	req.Header.Set(RequestIDHeader, "req-7")
	r.ServeHTTP(httptest.NewRecorder(), req)

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("failed to parse JSON log: %v", err)
	}
	if entry["route"] != "/api/event/{eventId}" {
		t.Errorf("route = %v, want /api/event/{eventId}", entry["route"])
	}
	if entry["request_id"] != "req-7" {
		t.Errorf("request_id = %v, want req-7", entry["request_id"])
	}
}

func TestLoggingMiddleware_StatusAndLevel(t *testing.T) {
	tests := []struct {
		status int
		level  string
	}{
		{http.StatusOK, "INFO"},
		{http.StatusCreated, "INFO"},
		{http.StatusBadRequest, "WARN"},
		{http.StatusConflict, "WARN"},
		{http.StatusTooManyRequests, "WARN"},
		{http.StatusInternalServerError, "ERROR"},
		{http.StatusBadGateway, "ERROR"},
	}

	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			entry := serveLogged(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
			}, httptest.NewRequest(http.MethodPost, "/api/event-create", nil))

			if entry["status"] != float64(tt.status) {
				t.Errorf("status = %v, want %d", entry["status"], tt.status)
			}
			if entry["level"] != tt.level {
				t.Errorf("level = %v, want %s", entry["level"], tt.level)
			}
		})
	}
}

func TestStatusRecorder_FirstWriteHeaderWins(t *testing.T) {
	rec := &statusRecorder{ResponseWriter: httptest.NewRecorder(), statusCode: http.StatusOK}
	rec.WriteHeader(http.StatusConflict)
	rec.WriteHeader(http.StatusInternalServerError)
	rec.Write([]byte("x"))

	if rec.statusCode != http.StatusConflict {
		t.Errorf("statusCode = %d, want %d", rec.statusCode, http.StatusConflict)
	}
	if rec.Unwrap() == nil {
		t.Error("Unwrap should return the underlying writer")
	}
}

func TestRecordUserID_OutsideLoggingMiddleware_IsNoop(t *testing.T) {
	recordUserID(httptest.NewRequest(http.MethodGet, "/", nil).Context(), "user-1")
}
