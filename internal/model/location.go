// Package model はドメインモデルを定義する。
package model

import "time"

// LocationSample は位置情報の1サンプルを表す。値として扱い、生成後は変更しない。
type LocationSample struct {
	Latitude  float64   `json:"latitude"`
	Longitude float64   `json:"longitude"`
	PlaceName string    `json:"placeName,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// SharingSession はユーザーごとの位置共有セッションを表す。
// 1ユーザーにつきアクティブなセッションは高々1つ。
// EndTimeはシール（確定）時に1度だけ設定され、以降Samplesは変更されない。
type SharingSession struct {
	Owner     string
	StartTime time.Time
	Samples   []LocationSample
	Active    bool
	EndTime   *time.Time
	// HistoryID はシール時に採番される履歴レコードのID。永続化の冪等キーとして使う。
	HistoryID string
}

// Sealed はセッションがシール済みかどうかを返す。
func (s *SharingSession) Sealed() bool {
	return !s.Active && s.EndTime != nil
}

// Snapshot はサンプル列をコピーしたセッションのスナップショットを返す。
func (s *SharingSession) Snapshot() SharingSession {
	cp := *s
	cp.Samples = make([]LocationSample, len(s.Samples))
	copy(cp.Samples, s.Samples)
	if s.EndTime != nil {
		end := *s.EndTime
		cp.EndTime = &end
	}
	return cp
}

// Summary はセッション終了通知用のサマリーを生成する。
func (s *SharingSession) Summary() SessionSummary {
	summary := SessionSummary{
		HistoryID:   s.HistoryID,
		StartTime:   s.StartTime,
		SampleCount: len(s.Samples),
	}
	if s.EndTime != nil {
		summary.EndTime = *s.EndTime
	}
	if n := len(s.Samples); n > 0 {
		last := s.Samples[n-1]
		summary.LastSample = &last
	}
	return summary
}

// SessionSummary は終了したセッションの要約。sharingEndedイベントで友人に配信する。
type SessionSummary struct {
	HistoryID   string          `json:"historyId"`
	StartTime   time.Time       `json:"startTime"`
	EndTime     time.Time       `json:"endTime"`
	SampleCount int             `json:"sampleCount"`
	LastSample  *LocationSample `json:"lastSample,omitempty"`
}

// HistoryRecord は永続化されたシール済みセッション。
type HistoryRecord struct {
	ID        string
	Owner     string
	StartTime time.Time
	EndTime   time.Time
	Samples   []LocationSample
	CreatedAt time.Time
}

// NewHistoryRecord はシール済みセッションから履歴レコードを生成する。
// シールされていないセッションの場合はfalseを返す。
func NewHistoryRecord(s *SharingSession) (*HistoryRecord, bool) {
	if !s.Sealed() || s.HistoryID == "" {
		return nil, false
	}
	samples := make([]LocationSample, len(s.Samples))
	copy(samples, s.Samples)
	return &HistoryRecord{
		ID:        s.HistoryID,
		Owner:     s.Owner,
		StartTime: s.StartTime,
		EndTime:   *s.EndTime,
		Samples:   samples,
	}, true
}

// PredictedPath は予測経路。永続化せず、生成時に1度だけ配信する。
type PredictedPath struct {
	Owner       string           `json:"user"`
	Basis       []LocationSample `json:"-"`
	Predicted   []LocationSample `json:"predicted"`
	GeneratedAt time.Time        `json:"generatedAt"`
}
