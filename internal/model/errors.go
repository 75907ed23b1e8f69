// Package model はドメインモデルを定義する。
package model

import (
	"errors"
	"fmt"
)

// APIError は統一エラーフォーマットを表す。
// 要求元のコネクション（またはHTTPクライアント）にのみ返すユーザーエラーに使用する。
type APIError struct {
	Code     string // エラーコード
	Message  string // エラーメッセージ
	Category string // カテゴリ: sharing, sos, validation, system
	Action   string // ユーザー向け対処方法
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// 定義済みエラーコード
const (
	ErrCodeNoActiveSession  = "NO_ACTIVE_SESSION"
	ErrCodeInsufficientData = "INSUFFICIENT_DATA"
	ErrCodeAlertNotFound    = "ALERT_NOT_FOUND"
	ErrCodeAlertFinalized   = "ALERT_FINALIZED"
	ErrCodeOTPExpired       = "OTP_EXPIRED"
	ErrCodeOTPInvalid       = "OTP_INVALID"
	ErrCodeInvalidMedia     = "INVALID_MEDIA"
	ErrCodeInvalidEvent     = "INVALID_EVENT"
	ErrCodeNotJoined        = "NOT_JOINED"
	ErrCodeRateLimited      = "RATE_LIMITED"
	ErrCodePredictionFailed = "PREDICTION_FAILED"
	ErrCodeUserNotFound     = "USER_NOT_FOUND"
	ErrCodeHistoryNotFound  = "HISTORY_NOT_FOUND"
)

// HasCode はerrがAPIErrorであり、指定コードを持つかを返す。
func HasCode(err error, code string) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Code == code
	}
	return false
}

// NewNoActiveSessionError はアクティブな位置共有セッションがない場合のエラーを生成する。
func NewNoActiveSessionError(user string) *APIError {
	return &APIError{
		Code:     ErrCodeNoActiveSession,
		Message:  fmt.Sprintf("アクティブな位置共有セッションがありません: %s", user),
		Category: "sharing",
		Action:   "位置共有を開始してから位置情報を送信してください。",
	}
}

// NewInsufficientDataError は経路予測に必要なサンプル数が不足している場合のエラーを生成する。
func NewInsufficientDataError(have, need int) *APIError {
	return &APIError{
		Code:     ErrCodeInsufficientData,
		Message:  fmt.Sprintf("経路予測に必要な位置サンプルが不足しています: %d件（%d件以上必要）", have, need),
		Category: "sharing",
		Action:   "位置共有中にもう少し位置情報を送信してから再度お試しください。",
	}
}

// NewAlertNotFoundError はSOSアラートが見つからない場合のエラーを生成する。
func NewAlertNotFoundError(alertID string) *APIError {
	return &APIError{
		Code:     ErrCodeAlertNotFound,
		Message:  fmt.Sprintf("指定されたSOSアラートが見つかりません: %s", alertID),
		Category: "sos",
		Action:   "アラートIDを確認してください。",
	}
}

// NewAlertFinalizedError はすでに確定（解除・取消）したアラートを操作しようとした場合のエラーを生成する。
func NewAlertFinalizedError(alertID string, status AlertStatus) *APIError {
	return &APIError{
		Code:     ErrCodeAlertFinalized,
		Message:  fmt.Sprintf("SOSアラートはすでに確定しています: %s (%s)", alertID, status),
		Category: "sos",
		Action:   "新しいアラートを発報する必要がある場合は、再度SOSを発報してください。",
	}
}

// NewOTPExpiredError はOTPの有効期限切れエラーを生成する。
func NewOTPExpiredError() *APIError {
	return &APIError{
		Code:     ErrCodeOTPExpired,
		Message:  "OTPの有効期限が切れています。",
		Category: "sos",
		Action:   "OTPの再発行を要求してください。アラートは発報中のままです。",
	}
}

// NewOTPInvalidError はOTP不一致エラーを生成する。
func NewOTPInvalidError() *APIError {
	return &APIError{
		Code:     ErrCodeOTPInvalid,
		Message:  "OTPが正しくありません。",
		Category: "sos",
		Action:   "届いたOTPを確認して再度入力してください。",
	}
}

// NewInvalidMediaError は添付メディアが不正な場合のエラーを生成する。
func NewInvalidMediaError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidMedia,
		Message:  fmt.Sprintf("添付メディアが不正です: %s", reason),
		Category: "validation",
		Action:   "種別には audio、video、photo のいずれかを指定し、参照URIを指定してください。",
	}
}

// NewInvalidEventError はイベントのペイロードが不正な場合のエラーを生成する。
func NewInvalidEventError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidEvent,
		Message:  fmt.Sprintf("イベントが不正です: %s", reason),
		Category: "validation",
		Action:   "イベントの種別とペイロードを確認してください。",
	}
}

// NewNotJoinedError はjoin前に他のイベントを送信した場合のエラーを生成する。
func NewNotJoinedError() *APIError {
	return &APIError{
		Code:     ErrCodeNotJoined,
		Message:  "コネクションがユーザーに紐付いていません。",
		Category: "validation",
		Action:   "最初にjoinイベントを送信してください。",
	}
}

// NewRateLimitedError はイベント送信がレート制限を超えた場合のエラーを生成する。
func NewRateLimitedError() *APIError {
	return &APIError{
		Code:     ErrCodeRateLimited,
		Message:  "イベントの送信頻度が上限を超えています。",
		Category: "system",
		Action:   "しばらく待ってから再度お試しください。",
	}
}

// NewPredictionFailedError は経路予測に失敗した場合のエラーを生成する。
func NewPredictionFailedError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodePredictionFailed,
		Message:  fmt.Sprintf("経路予測に失敗しました: %s", reason),
		Category: "sharing",
		Action:   "しばらく待ってから再度お試しください。位置共有セッションは継続しています。",
	}
}

// NewUserNotFoundError はユーザーが見つからない場合のエラーを生成する。
func NewUserNotFoundError(user string) *APIError {
	return &APIError{
		Code:     ErrCodeUserNotFound,
		Message:  fmt.Sprintf("ユーザーが見つかりません: %s", user),
		Category: "validation",
		Action:   "ユーザー名を確認してください。",
	}
}

// NewHistoryNotFoundError は位置共有履歴が見つからない場合のエラーを生成する。
func NewHistoryNotFoundError(historyID string) *APIError {
	return &APIError{
		Code:     ErrCodeHistoryNotFound,
		Message:  fmt.Sprintf("指定された位置共有履歴が見つかりません: %s", historyID),
		Category: "sharing",
		Action:   "履歴IDを確認してください。",
	}
}
