package middleware

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/hitoshi/schedman/internal/model"
)

// TestWriteErrorResponse_DomainErrors は定義済みエラーが統一フォーマットで書き込まれることを検証する。
func TestWriteErrorResponse_DomainErrors(t *testing.T) {
	tests := []struct {
		name       string
		statusCode int
		apiErr     *model.APIError
		wantCode   string
		wantCat    string
	}{
		{"forbidden", http.StatusForbidden, model.NewForbiddenError(), model.ErrCodeForbidden, "auth"},
		{"not authenticated", http.StatusUnauthorized, model.NewNotAuthenticatedError(), model.ErrCodeNotAuthenticated, "auth"},
		{"duplicate round", http.StatusConflict, model.NewDuplicateRoundError("C1", 2), model.ErrCodeDuplicateRound, "calendar"},
		{"not found", http.StatusNotFound, model.NewEventNotFoundError("ev1", nil), model.ErrCodeNotFound, "calendar"},
		{"invalid request", http.StatusBadRequest, model.NewInvalidRequestError("cid is required"), model.ErrCodeInvalidRequest, "validation"},
		{"internal", http.StatusInternalServerError, model.NewInternalError(), model.ErrCodeInternal, "system"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			WriteErrorResponse(w, tt.statusCode, tt.apiErr)

			resp := w.Result()
			if resp.StatusCode != tt.statusCode {
				t.Errorf("status = %d, want %d", resp.StatusCode, tt.statusCode)
			}
			if ct := resp.Header.Get("Content-Type"); ct != "application/json" {
				t.Errorf("Content-Type = %q, want application/json", ct)
			}

			var body ErrorResponseBody
			if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
				t.Fatalf("failed to decode: %v", err)
			}
			if body.Success {
				t.Error("success should be false")
			}
			if body.Code != tt.wantCode {
				t.Errorf("code = %q, want %q", body.Code, tt.wantCode)
			}
			if body.Category != tt.wantCat {
				t.Errorf("category = %q, want %q", body.Category, tt.wantCat)
			}
			if body.Message == "" || body.Action == "" {
				t.Errorf("message and action should be set: %+v", body)
			}
		})
	}
}

// TestWriteErrorResponse_DoesNotLeakCause はプロバイダー由来の詳細がレスポンスに出ないことを検証する。
func TestWriteErrorResponse_DoesNotLeakCause(t *testing.T) {
	w := httptest.NewRecorder()
	cause := errors.New("oauth2: invalid_grant refresh_token=1//secret")

	WriteErrorResponse(w, http.StatusBadGateway, model.NewRefreshFailedError(cause))

	if strings.Contains(w.Body.String(), "secret") || strings.Contains(w.Body.String(), "invalid_grant") {
		t.Errorf("response leaks cause: %s", w.Body.String())
	}
}

// TestWriteErrorResponse_IncludesRequestID はレスポンスヘッダーのリクエストIDをボディに含めることを検証する。
func TestWriteErrorResponse_IncludesRequestID(t *testing.T) {
	w := httptest.NewRecorder()
	w.Header().Set(RequestIDHeader, "req-42")

	WriteErrorResponse(w, http.StatusNotFound, model.NewEventNotFoundError("ev1", nil))

	var raw map[string]any
	if err := json.NewDecoder(w.Result().Body).Decode(&raw); err != nil {
		t.Fatalf("failed to decode: %v", err)
	}
	if raw["request_id"] != "req-42" {
		t.Errorf("request_id = %v, want req-42", raw["request_id"])
	}
	for _, field := range []string{"success", "code", "message", "category", "action"} {
		if _, ok := raw[field]; !ok {
			t.Errorf("missing required field: %s", field)
		}
	}
}

// TestWriteErrorResponse_OmitsEmptyRequestID はリクエストIDが無ければフィールドを省略することを検証する。
func TestWriteErrorResponse_OmitsEmptyRequestID(t *testing.T) {
	w := httptest.NewRecorder()
	WriteInternalServerError(w)

	if w.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want %d", w.Code, http.StatusInternalServerError)
	}
	if strings.Contains(w.Body.String(), "request_id") {
		t.Errorf("request_id should be omitted: %s", w.Body.String())
	}
}
