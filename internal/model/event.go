package model

import "time"

// EventType はトランスポート上で送受信するイベントの種別。
type EventType string

// 友人のコネクションへ配信するイベント。
const (
	EventLocationUpdate EventType = "locationUpdate"
	EventPredictedPath  EventType = "predictedPath"
	EventSharingEnded   EventType = "sharingEnded"
	EventSOSTriggered   EventType = "sosTriggered"
	EventSOSResolved    EventType = "sosResolved"
)

// 要求元のコネクションにのみ返すイベント。
const (
	EventAck              EventType = "ack"
	EventError            EventType = "error"
	EventPredictionResult EventType = "predictionResult"
)

// Event はトランスポートに依存しないイベントの封筒。
type Event struct {
	Type    EventType `json:"type"`
	Payload any       `json:"payload,omitempty"`
}

// LocationUpdatePayload はlocationUpdateイベントのペイロード。
// 配信は並行に行われるため到着順は保証しない。SeqはSessionStartで識別されるセッション内の
// 1始まりの追記順で、永続化されるサンプルの順序と一致する。受信側はこれで並べ替える。
type LocationUpdatePayload struct {
	User         string    `json:"user"`
	Latitude     float64   `json:"latitude"`
	Longitude    float64   `json:"longitude"`
	PlaceName    string    `json:"placeName,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
	SessionStart time.Time `json:"sessionStart"`
	Seq          int       `json:"seq"`
}

// SharingEndedPayload はsharingEndedイベントのペイロード。
type SharingEndedPayload struct {
	User    string         `json:"user"`
	Summary SessionSummary `json:"sessionSummary"`
}

// SOSTriggeredPayload はsosTriggeredイベントのペイロード。
type SOSTriggeredPayload struct {
	User      string  `json:"user"`
	AlertID   string  `json:"alertId"`
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// SOSResolvedPayload はsosResolvedイベントのペイロード。
type SOSResolvedPayload struct {
	User       string    `json:"user"`
	AlertID    string    `json:"alertId"`
	ResolvedAt time.Time `json:"resolvedAt"`
}

// NewLocationUpdateEvent はセッションのseq番目のサンプルからlocationUpdateイベントを生成する。
func NewLocationUpdateEvent(user string, sessionStart time.Time, seq int, s LocationSample) Event {
	return Event{
		Type: EventLocationUpdate,
		Payload: LocationUpdatePayload{
			User:         user,
			Latitude:     s.Latitude,
			Longitude:    s.Longitude,
			PlaceName:    s.PlaceName,
			Timestamp:    s.Timestamp,
			SessionStart: sessionStart,
			Seq:          seq,
		},
	}
}

// NewPredictedPathEvent はpredictedPathイベントを生成する。
// ライブの位置更新と区別できるよう、locationUpdateとは別の種別で配信する。
func NewPredictedPathEvent(p PredictedPath) Event {
	return Event{Type: EventPredictedPath, Payload: p}
}

// NewSharingEndedEvent はsharingEndedイベントを生成する。
func NewSharingEndedEvent(user string, summary SessionSummary) Event {
	return Event{
		Type:    EventSharingEnded,
		Payload: SharingEndedPayload{User: user, Summary: summary},
	}
}

// NewSOSTriggeredEvent はsosTriggeredイベントを生成する。
func NewSOSTriggeredEvent(alert *SOSAlert) Event {
	return Event{
		Type: EventSOSTriggered,
		Payload: SOSTriggeredPayload{
			User:      alert.Owner,
			AlertID:   alert.ID,
			Latitude:  alert.TriggerLocation.Latitude,
			Longitude: alert.TriggerLocation.Longitude,
		},
	}
}

// NewSOSResolvedEvent はsosResolvedイベントを生成する。
func NewSOSResolvedEvent(alert *SOSAlert) Event {
	p := SOSResolvedPayload{User: alert.Owner, AlertID: alert.ID}
	if alert.ResolvedAt != nil {
		p.ResolvedAt = *alert.ResolvedAt
	}
	return Event{Type: EventSOSResolved, Payload: p}
}
