package model

import "time"

// AlertStatus はSOSアラートの状態を表す。
type AlertStatus string

const (
	// AlertStatusPending は発報前の確認待ち状態。現在の実装では使用せず、即座にActiveとなる。
	AlertStatusPending AlertStatus = "pending"
	// AlertStatusActive は発報中の状態。
	AlertStatusActive AlertStatus = "active"
	// AlertStatusResolved はOTPにより解除された状態。
	AlertStatusResolved AlertStatus = "resolved"
	// AlertStatusCancelled は取り消された状態。
	AlertStatusCancelled AlertStatus = "cancelled"
)

// Open はアラートがまだ確定していない（Pending/Active）かを返す。
func (s AlertStatus) Open() bool {
	return s == AlertStatusPending || s == AlertStatusActive
}

// MediaKind は添付メディアの種別。
type MediaKind string

const (
	MediaKindAudio MediaKind = "audio"
	MediaKindVideo MediaKind = "video"
	MediaKindPhoto MediaKind = "photo"
)

// Valid は既知のメディア種別かどうかを返す。
func (k MediaKind) Valid() bool {
	switch k {
	case MediaKindAudio, MediaKindVideo, MediaKindPhoto:
		return true
	}
	return false
}

// MediaRef はSOSアラートに添付されたメディアの参照。
type MediaRef struct {
	Kind      MediaKind `json:"kind"`
	Reference string    `json:"reference"`
	AddedAt   time.Time `json:"addedAt"`
}

// GeoPoint は緯度経度の組。
type GeoPoint struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// SOSAlert は緊急アラートを表す。
// OTPは平文では保持せず、bcryptハッシュのみを保持する。
type SOSAlert struct {
	ID              string
	Owner           string
	TriggerLocation GeoPoint
	Status          AlertStatus
	OTPHash         []byte
	OTPExpiresAt    time.Time
	Media           []MediaRef
	CreatedAt       time.Time
	UpdatedAt       time.Time
	ResolvedAt      *time.Time
	ResolvedBy      string
}

// Clone はメディア列を含めてアラートを複製する。
func (a *SOSAlert) Clone() *SOSAlert {
	cp := *a
	cp.OTPHash = append([]byte(nil), a.OTPHash...)
	cp.Media = append([]MediaRef(nil), a.Media...)
	if a.ResolvedAt != nil {
		t := *a.ResolvedAt
		cp.ResolvedAt = &t
	}
	return &cp
}

// OTPExpired は指定時刻の時点でOTPが失効しているかを返す。
func (a *SOSAlert) OTPExpired(now time.Time) bool {
	return now.After(a.OTPExpiresAt)
}
