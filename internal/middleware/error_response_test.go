package middleware

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/hitoshi/safetrack/internal/model"
)

// TestWriteErrorResponse_WritesUnifiedFormat は統一エラーフォーマットでレスポンスが書き込まれることを検証する。
func TestWriteErrorResponse_WritesUnifiedFormat(t *testing.T) {
	w := httptest.NewRecorder()

	WriteErrorResponse(w, http.StatusNotFound, model.NewAlertNotFoundError("01HZY"))

	resp := w.Result()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusNotFound)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q, want %q", ct, "application/json")
	}

	var body ErrorResponseBody
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode response body: %v", err)
	}
	if body.Code != model.ErrCodeAlertNotFound {
		t.Errorf("code = %q, want %q", body.Code, model.ErrCodeAlertNotFound)
	}
	if body.Category != "sos" {
		t.Errorf("category = %q, want %q", body.Category, "sos")
	}
	if body.Message == "" || body.Action == "" {
		t.Errorf("message/action should not be empty: %+v", body)
	}
}

// TestWriteError_MapsCodesToStatus はエラーコードに応じたステータスで書き込まれることを検証する。
func TestWriteError_MapsCodesToStatus(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"AlertNotFound", model.NewAlertNotFoundError("a1"), http.StatusNotFound},
		{"HistoryNotFound", model.NewHistoryNotFoundError("h1"), http.StatusNotFound},
		{"AlertFinalized", model.NewAlertFinalizedError("a1", model.AlertStatusResolved), http.StatusConflict},
		{"OTPExpired", model.NewOTPExpiredError(), http.StatusGone},
		{"OTPInvalid", model.NewOTPInvalidError(), http.StatusUnauthorized},
		{"InvalidMedia", model.NewInvalidMediaError("bad kind"), http.StatusBadRequest},
		{"RateLimited", model.NewRateLimitedError(), http.StatusTooManyRequests},
		{"Wrapped", fmt.Errorf("resolve: %w", model.NewOTPInvalidError()), http.StatusUnauthorized},
		{"PlainError", errors.New("db down"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			WriteError(w, tt.err)
			if w.Code != tt.want {
				t.Errorf("status = %d, want %d", w.Code, tt.want)
			}
		})
	}
}

// TestWriteError_HidesInternalDetails は内部エラーの詳細をレスポンスに含めないことを検証する。
func TestWriteError_HidesInternalDetails(t *testing.T) {
	w := httptest.NewRecorder()

	WriteError(w, errors.New("pq: password authentication failed"))

	var body ErrorResponseBody
	if err := json.NewDecoder(w.Result().Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode: %v", err)
	}
	if body.Code != "INTERNAL_ERROR" || body.Category != "system" {
		t.Errorf("body = %+v", body)
	}
}

// TestErrorResponseBody_AllFieldsPresent は全フィールドがJSONレスポンスに含まれることを検証する。
func TestErrorResponseBody_AllFieldsPresent(t *testing.T) {
	w := httptest.NewRecorder()

	WriteErrorResponse(w, http.StatusBadRequest, &model.APIError{
		Code:     "CODE",
		Message:  "MSG",
		Category: "CAT",
		Action:   "ACT",
	})

	var raw map[string]interface{}
	if err := json.NewDecoder(w.Result().Body).Decode(&raw); err != nil {
		t.Fatalf("failed to decode: %v", err)
	}

	for _, field := range []string{"code", "message", "category", "action"} {
		if _, ok := raw[field]; !ok {
			t.Errorf("missing required field: %s", field)
		}
	}
}
