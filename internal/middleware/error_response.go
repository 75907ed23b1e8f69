package middleware

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/hitoshi/safetrack/internal/model"
)

// ErrorResponseBody はAPIエラーレスポンスの統一フォーマット。
// 原因カテゴリと対処方法を含む。WebSocketのerrorイベントでも同じ形式を使う。
type ErrorResponseBody struct {
	Code     string `json:"code"`
	Message  string `json:"message"`
	Category string `json:"category"`
	Action   string `json:"action"`
}

// NewErrorResponseBody はAPIErrorから統一フォーマットのボディを生成する。
func NewErrorResponseBody(apiErr *model.APIError) ErrorResponseBody {
	return ErrorResponseBody{
		Code:     apiErr.Code,
		Message:  apiErr.Message,
		Category: apiErr.Category,
		Action:   apiErr.Action,
	}
}

// WriteErrorResponse は統一エラーフォーマットでHTTPエラーレスポンスを書き込む。
// すべてのAPIエンドポイントで一貫したエラーレスポンスを提供する。
func WriteErrorResponse(w http.ResponseWriter, statusCode int, apiErr *model.APIError) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(NewErrorResponseBody(apiErr))
}

// WriteInternalServerError は内部サーバーエラーの統一レスポンスを書き込む。
// 詳細はログのみに記録し、ユーザーには一般的なメッセージを返す。
func WriteInternalServerError(w http.ResponseWriter) {
	WriteErrorResponse(w, http.StatusInternalServerError, InternalError())
}

// InternalError は詳細を含まない内部エラーを返す。
func InternalError() *model.APIError {
	return &model.APIError{
		Code:     "INTERNAL_ERROR",
		Message:  "内部エラーが発生しました。",
		Category: "system",
		Action:   "しばらく待ってから再度お試しください。",
	}
}

// WriteError はerrがAPIErrorであればコードに対応するステータスで、
// それ以外は500で統一エラーレスポンスを書き込む。
func WriteError(w http.ResponseWriter, err error) {
	var apiErr *model.APIError
	if errors.As(err, &apiErr) {
		WriteErrorResponse(w, StatusForCode(apiErr.Code), apiErr)
		return
	}
	WriteInternalServerError(w)
}

// StatusForCode はエラーコードに対応するHTTPステータスを返す。
func StatusForCode(code string) int {
	switch code {
	case model.ErrCodeAlertNotFound, model.ErrCodeUserNotFound, model.ErrCodeHistoryNotFound:
		return http.StatusNotFound
	case model.ErrCodeAlertFinalized, model.ErrCodeNoActiveSession:
		return http.StatusConflict
	case model.ErrCodeOTPExpired:
		return http.StatusGone
	case model.ErrCodeOTPInvalid:
		return http.StatusUnauthorized
	case model.ErrCodeInvalidMedia, model.ErrCodeInvalidEvent, model.ErrCodeInsufficientData:
		return http.StatusBadRequest
	case model.ErrCodeRateLimited:
		return http.StatusTooManyRequests
	case model.ErrCodePredictionFailed:
		return http.StatusBadGateway
	case model.ErrCodeNotJoined:
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}
