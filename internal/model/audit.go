package model

import "time"

// AuditEventType は監査ログのイベント種別。
type AuditEventType string

const (
	AuditEventSOS           AuditEventType = "sos"
	AuditEventLocationShare AuditEventType = "location_share"
	AuditEventOther         AuditEventType = "other"
)

// 監査ログのアクション名。
const (
	AuditActionSharingStarted    = "sharing_started"
	AuditActionSharingStopped    = "sharing_stopped"
	AuditActionPersistFailed     = "persist_failed"
	AuditActionSOSTriggered      = "sos_triggered"
	AuditActionSOSResolved       = "sos_resolved"
	AuditActionOTPInvalid        = "otp_invalid"
	AuditActionOTPExpired        = "otp_expired"
	AuditActionOTPReissued       = "otp_reissued"
	AuditActionOTPDeliveryFailed = "otp_delivery_failed"
	AuditActionMediaAttached     = "media_attached"
)

// AuditEntry はセキュリティ上重要な状態遷移の記録。
type AuditEntry struct {
	ID        int64
	Username  string
	EventType AuditEventType
	Action    string
	EventRef  string
	Details   map[string]any
	CreatedAt time.Time
}
