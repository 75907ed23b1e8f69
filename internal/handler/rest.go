package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/hitoshi/safetrack/internal/middleware"
	"github.com/hitoshi/safetrack/internal/model"
)

const (
	defaultListLimit = 20
	maxListLimit     = 100
)

// HistoryLister は位置共有履歴の参照インターフェース。
type HistoryLister interface {
	FindByID(ctx context.Context, id string) (*model.HistoryRecord, error)
	ListByUser(ctx context.Context, username string, limit int) ([]*model.HistoryRecord, error)
}

// AuditLister は監査ログの参照インターフェース。
type AuditLister interface {
	ListByUser(ctx context.Context, username string, eventType model.AuditEventType, limit int) ([]*model.AuditEntry, error)
}

// HealthChecker はDBの疎通確認を行う。*sql.DBが満たす。
type HealthChecker interface {
	PingContext(ctx context.Context) error
}

// SOSHandler はSOSアラートのREST APIハンドラー。
type SOSHandler struct {
	service SOSService
}

// NewSOSHandler はSOSHandlerを生成する。
func NewSOSHandler(service SOSService) *SOSHandler {
	return &SOSHandler{service: service}
}

type attachMediaRequest struct {
	Kind      string `json:"kind"`
	Reference string `json:"reference"`
}

type resolveRequest struct {
	OTP  string `json:"otp"`
	User string `json:"user"`
}

type alertResponse struct {
	AlertID string `json:"alert_id"`
	Status  string `json:"status"`
}

// AttachMedia はアラートにメディア参照を追加する。
// POST /api/sos/{id}/media
func (h *SOSHandler) AttachMedia(w http.ResponseWriter, r *http.Request) {
	alertID := chi.URLParam(r, "id")

	var req attachMediaRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeInvalidRequest(w)
		return
	}

	if err := h.service.AttachMedia(r.Context(), alertID, model.MediaKind(req.Kind), req.Reference); err != nil {
		handleServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, alertResponse{AlertID: alertID, Status: "media_attached"})
}

// Resolve はOTPを検証してアラートを解除する。
// POST /api/sos/{id}/resolve
func (h *SOSHandler) Resolve(w http.ResponseWriter, r *http.Request) {
	alertID := chi.URLParam(r, "id")

	var req resolveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeInvalidRequest(w)
		return
	}
	if req.OTP == "" {
		middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewOTPInvalidError())
		return
	}

	if err := h.service.Resolve(r.Context(), alertID, req.OTP, req.User); err != nil {
		handleServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, alertResponse{AlertID: alertID, Status: string(model.AlertStatusResolved)})
}

// UserHandler はユーザーごとの履歴と監査ログのREST APIハンドラー。
type UserHandler struct {
	history HistoryLister
	audit   AuditLister
}

// NewUserHandler はUserHandlerを生成する。
func NewUserHandler(history HistoryLister, audit AuditLister) *UserHandler {
	return &UserHandler{history: history, audit: audit}
}

type historyResponse struct {
	ID          string                 `json:"id"`
	User        string                 `json:"user"`
	StartTime   time.Time              `json:"start_time"`
	EndTime     time.Time              `json:"end_time"`
	SampleCount int                    `json:"sample_count"`
	Samples     []model.LocationSample `json:"samples"`
}

type auditResponse struct {
	ID        int64          `json:"id"`
	EventType string         `json:"event_type"`
	Action    string         `json:"action"`
	EventRef  string         `json:"event_ref,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// ListHistory は終了した位置共有セッションの一覧を返す。
// GET /api/users/{username}/history?limit=N
func (h *UserHandler) ListHistory(w http.ResponseWriter, r *http.Request) {
	username := chi.URLParam(r, "username")

	records, err := h.history.ListByUser(r.Context(), username, parseLimit(r))
	if err != nil {
		handleServiceError(w, r, err)
		return
	}

	resp := make([]historyResponse, 0, len(records))
	for _, rec := range records {
		resp = append(resp, newHistoryResponse(rec))
	}
	writeJSON(w, http.StatusOK, resp)
}

// GetHistory は1件の位置共有履歴をサンプル列付きで返す。
// GET /api/history/{id}
// IDの形式が不正な場合も存在しない履歴として扱う。
func (h *UserHandler) GetHistory(w http.ResponseWriter, r *http.Request) {
	historyID := chi.URLParam(r, "id")
	if _, err := uuid.Parse(historyID); err != nil {
		middleware.WriteError(w, model.NewHistoryNotFoundError(historyID))
		return
	}

	rec, err := h.history.FindByID(r.Context(), historyID)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	if rec == nil {
		middleware.WriteError(w, model.NewHistoryNotFoundError(historyID))
		return
	}
	writeJSON(w, http.StatusOK, newHistoryResponse(rec))
}

func newHistoryResponse(rec *model.HistoryRecord) historyResponse {
	return historyResponse{
		ID:          rec.ID,
		User:        rec.Owner,
		StartTime:   rec.StartTime,
		EndTime:     rec.EndTime,
		SampleCount: len(rec.Samples),
		Samples:     rec.Samples,
	}
}

// ListAudit はユーザーの監査ログを新しい順に返す。
// GET /api/users/{username}/audit?limit=N&event_type=sos
func (h *UserHandler) ListAudit(w http.ResponseWriter, r *http.Request) {
	username := chi.URLParam(r, "username")

	eventType := model.AuditEventType(r.URL.Query().Get("event_type"))
	switch eventType {
	case "", model.AuditEventSOS, model.AuditEventLocationShare, model.AuditEventOther:
	default:
		middleware.WriteErrorResponse(w, http.StatusBadRequest, &model.APIError{
			Code:     "INVALID_REQUEST",
			Message:  "event_typeが不正です。",
			Category: "validation",
			Action:   "sos、location_share、otherのいずれかを指定してください。",
		})
		return
	}

	entries, err := h.audit.ListByUser(r.Context(), username, eventType, parseLimit(r))
	if err != nil {
		handleServiceError(w, r, err)
		return
	}

	resp := make([]auditResponse, 0, len(entries))
	for _, e := range entries {
		resp = append(resp, auditResponse{
			ID:        e.ID,
			EventType: string(e.EventType),
			Action:    e.Action,
			EventRef:  e.EventRef,
			Details:   e.Details,
			CreatedAt: e.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

// ConnectionCounter は接続中のWebSocketコネクション数を返す。*presence.Registryが満たす。
type ConnectionCounter interface {
	ConnectionCount() int
}

// NewHealthHandler はDBへの疎通を確認するヘルスチェックハンドラーを返す。
// counterがnilでなければ接続数をconnectionsとして含める。
// GET /health
func NewHealthHandler(checker HealthChecker, counter ConnectionCounter) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if checker != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
			defer cancel()
			if err := checker.PingContext(ctx); err != nil {
				slog.Error("health check failed", slog.String("error", err.Error()))
				writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "unavailable"})
				return
			}
		}
		resp := map[string]any{"status": "ok"}
		if counter != nil {
			resp["connections"] = counter.ConnectionCount()
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

// parseLimit はクエリパラメータlimitを解析する。不正な値はデフォルト値とする。
func parseLimit(r *http.Request) int {
	limit, err := strconv.Atoi(r.URL.Query().Get("limit"))
	if err != nil || limit <= 0 {
		return defaultListLimit
	}
	if limit > maxListLimit {
		return maxListLimit
	}
	return limit
}

// handleServiceError はサービス層のエラーを統一エラーレスポンスに変換する。
// APIError以外は内部エラーとしてログに記録し、詳細をクライアントに返さない。
func handleServiceError(w http.ResponseWriter, r *http.Request, err error) {
	var apiErr *model.APIError
	if !errors.As(err, &apiErr) {
		slog.Error("request failed",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.String("error", err.Error()),
		)
	}
	middleware.WriteError(w, err)
}

func writeInvalidRequest(w http.ResponseWriter) {
	middleware.WriteErrorResponse(w, http.StatusBadRequest, &model.APIError{
		Code:     "INVALID_REQUEST",
		Message:  "リクエストボディの解析に失敗しました。",
		Category: "validation",
		Action:   "正しいJSON形式でリクエストしてください。",
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
