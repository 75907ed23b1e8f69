// Package sharing はユーザーごとの位置共有セッションの状態遷移を管理する。
// セッションの開始、位置サンプルの記録と友人への配信、終了時のシールと履歴の永続化、
// オフライン時の経路予測を担当する。
package sharing

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/safetrack/internal/graph"
	"github.com/hitoshi/safetrack/internal/keylock"
	"github.com/hitoshi/safetrack/internal/metrics"
	"github.com/hitoshi/safetrack/internal/model"
	"github.com/hitoshi/safetrack/internal/prediction"
	"github.com/hitoshi/safetrack/internal/repository"
	"github.com/hitoshi/safetrack/internal/retry"
	"github.com/hitoshi/safetrack/internal/security"
)

// storeName はメトリクスに記録する永続化先の名前。
const storeName = "history"


// Deliverer は友人のコネクションへイベントを配信する。
type Deliverer interface {
	DeliverMany(ctx context.Context, users []string, event model.Event) int
}

// Predictor はサンプル列から将来の経路を予測する。
type Predictor interface {
	Predict(ctx context.Context, samples []model.LocationSample) ([]model.LocationSample, error)
}

// Auditor は監査ログを記録する。呼び出しはブロックしないこと。
type Auditor interface {
	Record(entry model.AuditEntry)
}

// PredictionOutcome は経路予測リクエストの結果。
type PredictionOutcome struct {
	Path      model.PredictedPath
	Delivered int
}

// Manager は位置共有セッションを管理する。
// 同一ユーザーの操作はkeylockで直列化し、異なるユーザーの操作は並列に実行する。
// 友人への配信と永続化はセッションのロックを保持せずに行う。
type Manager struct {
	// sessionLocks はセッションの変更を保護する。
	sessionLocks *keylock.Locker
	// persistLocks は同一ユーザーの永続化を直列化する。セッションのロックとは独立している。
	persistLocks *keylock.Locker

	mu       sync.RWMutex
	sessions map[string]*model.SharingSession
	// pending はリトライ上限まで永続化に失敗したシール済みセッション。FlushPendingが再試行する。
	pending map[string][]*model.SharingSession

	graph     graph.Gateway
	presence  Deliverer
	history   repository.HistoryRepository
	predictor Predictor
	auditor   Auditor
	sanitizer security.TextSanitizer
	metrics   metrics.MetricsCollector
	policy    retry.Policy
	logger    *slog.Logger
	now       func() time.Time
	newID     func() string
}

// Option はManagerの設定を変更する関数。
type Option func(*Manager)

// WithRetryPolicy は履歴の永続化に使うリトライポリシーを設定する。
func WithRetryPolicy(p retry.Policy) Option {
	return func(m *Manager) { m.policy = p }
}

// WithMetrics はメトリクスコレクターを設定する。
func WithMetrics(c metrics.MetricsCollector) Option {
	return func(m *Manager) {
		if c != nil {
			m.metrics = c
		}
	}
}

// WithLogger はロガーを設定する。
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

// WithSanitizer は地名のサニタイザーを設定する。
func WithSanitizer(s security.TextSanitizer) Option {
	return func(m *Manager) {
		if s != nil {
			m.sanitizer = s
		}
	}
}

// WithClock は現在時刻の取得関数を設定する。テスト用。
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// NewManager はManagerを生成する。
func NewManager(
	g graph.Gateway,
	presence Deliverer,
	history repository.HistoryRepository,
	predictor Predictor,
	auditor Auditor,
	opts ...Option,
) *Manager {
	m := &Manager{
		sessionLocks: keylock.New(),
		persistLocks: keylock.New(),
		sessions:     make(map[string]*model.SharingSession),
		pending:      make(map[string][]*model.SharingSession),
		graph:        g,
		presence:     presence,
		history:      history,
		predictor:    predictor,
		auditor:      auditor,
		sanitizer:    security.NewTextSanitizer(security.DefaultMaxTextLength),
		metrics:      metrics.NopCollector{},
		policy:       retry.DefaultPolicy(),
		logger:       slog.Default(),
		now:          time.Now,
		newID:        uuid.NewString,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Manager) session(user string) *model.SharingSession {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sessions[user]
}

// StartSharing はユーザーの位置共有セッションを開始する。
// すでにアクティブなセッションがある場合は何もせずfalseを返す。
func (m *Manager) StartSharing(ctx context.Context, user string) (bool, error) {
	unlock := m.sessionLocks.Lock(user)

	current := m.session(user)
	if current != nil && current.Active {
		unlock()
		m.logger.DebugContext(ctx, "位置共有はすでに開始されています", slog.String("user", user))
		return false, nil
	}

	s := &model.SharingSession{
		Owner:     user,
		StartTime: m.now(),
		Active:    true,
	}

	m.mu.Lock()
	m.sessions[user] = s
	m.mu.Unlock()
	unlock()

	m.logger.InfoContext(ctx, "位置共有を開始しました", slog.String("user", user))
	m.audit(user, model.AuditActionSharingStarted, "", nil)
	return true, nil
}

// RecordSample はアクティブなセッションにサンプルを追加し、友人へlocationUpdateを配信する。
// アクティブなセッションがない場合はNoActiveSessionエラーを返し、サンプルは破棄する。
func (m *Manager) RecordSample(ctx context.Context, user string, sample model.LocationSample) (int, error) {
	sample.PlaceName = m.sanitizer.SanitizeText(sample.PlaceName)
	if sample.Timestamp.IsZero() {
		sample.Timestamp = m.now()
	}

	unlock := m.sessionLocks.Lock(user)
	s := m.session(user)
	if s == nil || !s.Active {
		unlock()
		m.logger.WarnContext(ctx, "アクティブなセッションがないため位置サンプルを破棄しました",
			slog.String("user", user),
		)
		return 0, model.NewNoActiveSessionError(user)
	}
	if s.EndTime != nil {
		unlock()
		m.logger.ErrorContext(ctx, "シール済みセッションへの追加を検出しました", slog.String("user", user))
		return 0, fmt.Errorf("シール済みセッションは変更できません: %s", user)
	}
	s.Samples = append(s.Samples, sample)
	event := model.NewLocationUpdateEvent(user, s.StartTime, len(s.Samples), sample)
	unlock()

	m.metrics.RecordSample()
	return m.fanOut(ctx, user, event), nil
}

// StopSharing はセッションをシールして履歴へ永続化し、友人へsharingEndedを配信してからメモリから削除する。
// アクティブなセッションがない場合は警告を出して何もしない（nil, nil）。
// 永続化は呼び出し元のキャンセルで中断せず、リトライ上限に達した場合はエラーを返す。
// このときシール済みセッションは保留キューへ移り、FlushPendingで再試行される。
func (m *Manager) StopSharing(ctx context.Context, user string) (*model.SessionSummary, error) {
	unlockPersist := m.persistLocks.Lock(user)
	defer unlockPersist()

	unlock := m.sessionLocks.Lock(user)
	s := m.session(user)
	if s == nil || !s.Active {
		unlock()
		m.logger.WarnContext(ctx, "アクティブなセッションがないため停止要求を無視しました", slog.String("user", user))
		return nil, nil
	}
	end := m.now()
	s.Active = false
	s.EndTime = &end
	s.HistoryID = m.newID()
	record, ok := model.NewHistoryRecord(s)
	summary := s.Summary()
	unlock()

	if !ok {
		m.logger.ErrorContext(ctx, "シールされていないセッションは永続化できません", slog.String("user", user))
		return nil, fmt.Errorf("セッションのシールに失敗しました: %s", user)
	}

	if err := m.persist(ctx, record); err != nil {
		m.park(user, s)
		m.audit(user, model.AuditActionPersistFailed, record.ID, map[string]any{
			"samples": len(record.Samples),
			"error":   err.Error(),
		})
		return nil, fmt.Errorf("セッション履歴の永続化に失敗しました: %w", err)
	}

	m.fanOut(ctx, user, model.NewSharingEndedEvent(user, summary))
	m.evict(user, s)

	m.logger.InfoContext(ctx, "位置共有を終了しました",
		slog.String("user", user),
		slog.String("history_id", record.ID),
		slog.Int("samples", len(record.Samples)),
	)
	m.audit(user, model.AuditActionSharingStopped, record.ID, map[string]any{
		"samples": len(record.Samples),
	})
	return &summary, nil
}

// FlushPending は保留キューにあるシール済みセッションの永続化を再試行する。
// 永続化に成功した件数を返す。バックグラウンドのワーカーから定期的に呼び出す。
func (m *Manager) FlushPending(ctx context.Context) int {
	m.mu.RLock()
	users := make([]string, 0, len(m.pending))
	for user := range m.pending {
		users = append(users, user)
	}
	m.mu.RUnlock()

	flushed := 0
	for _, user := range users {
		if ctx.Err() != nil {
			break
		}
		flushed += m.flushUser(ctx, user)
	}
	return flushed
}

func (m *Manager) flushUser(ctx context.Context, user string) int {
	unlockPersist := m.persistLocks.Lock(user)
	defer unlockPersist()

	m.mu.RLock()
	queued := append([]*model.SharingSession(nil), m.pending[user]...)
	m.mu.RUnlock()

	flushed := 0
	for _, s := range queued {
		record, ok := model.NewHistoryRecord(s)
		if !ok {
			m.logger.ErrorContext(ctx, "保留キューにシールされていないセッションがあります", slog.String("user", user))
			continue
		}
		if err := m.persist(ctx, record); err != nil {
			m.logger.ErrorContext(ctx, "保留中のセッション履歴の永続化に失敗しました",
				slog.String("user", user),
				slog.String("history_id", record.ID),
				slog.String("error", err.Error()),
			)
			continue
		}
		m.fanOut(ctx, user, model.NewSharingEndedEvent(user, s.Summary()))
		m.evict(user, s)
		m.audit(user, model.AuditActionSharingStopped, record.ID, map[string]any{
			"samples": len(record.Samples),
			"flushed": true,
		})
		flushed++
	}
	return flushed
}

// persist はリトライ付きで履歴を保存する。呼び出し元のキャンセルと期限は伝播させず、
// 各試行の上限時間はリトライポリシーのAttemptTimeoutに従う。
func (m *Manager) persist(ctx context.Context, record *model.HistoryRecord) error {
	err := retry.Do(context.WithoutCancel(ctx), m.policy, m.logger, "save sharing history",
		func(ctx context.Context) error {
			return m.history.Save(ctx, record)
		},
		func(int, error) {
			m.metrics.RecordPersistRetry(storeName)
		},
	)
	if err != nil {
		m.metrics.RecordPersistFailure(storeName)
		m.logger.ErrorContext(ctx, "セッション履歴の永続化がリトライ上限に達しました",
			slog.String("user", record.Owner),
			slog.String("history_id", record.ID),
			slog.String("error", err.Error()),
		)
		return err
	}
	m.metrics.RecordSessionSealed()
	return nil
}

// park は永続化に失敗したシール済みセッションを保留キューへ移す。
// 永続化中に新しいセッションが開始されていた場合、そのセッションには触れない。
func (m *Manager) park(user string, s *model.SharingSession) {
	unlock := m.sessionLocks.Lock(user)
	defer unlock()

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sessions[user] == s {
		delete(m.sessions, user)
	}
	m.pending[user] = append(m.pending[user], s)
}

// evict は永続化済みのセッションをメモリから削除する。
// 保留キューから再永続化した場合は保留キュー側から削除する。
func (m *Manager) evict(user string, s *model.SharingSession) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.sessions[user] == s {
		delete(m.sessions, user)
		return
	}
	queued := m.pending[user]
	for i, p := range queued {
		if p == s {
			queued = append(queued[:i], queued[i+1:]...)
			break
		}
	}
	if len(queued) == 0 {
		delete(m.pending, user)
	} else {
		m.pending[user] = queued
	}
}

// RequestPredictedPath はアクティブなセッションのサンプルから経路を予測し、友人へpredictedPathを配信する。
// サンプルが足りない場合は外部サービスを呼び出さずInsufficientDataを返す。
// 予測に失敗した場合はエラーを返すだけで、セッションには影響しない。
func (m *Manager) RequestPredictedPath(ctx context.Context, user string) (*PredictionOutcome, error) {
	unlock := m.sessionLocks.Lock(user)
	s := m.session(user)
	if s == nil || !s.Active {
		unlock()
		return nil, model.NewInsufficientDataError(0, prediction.MinSamples)
	}
	basis := s.Snapshot().Samples
	unlock()

	if len(basis) < prediction.MinSamples {
		return nil, model.NewInsufficientDataError(len(basis), prediction.MinSamples)
	}

	predicted, err := m.predictor.Predict(ctx, basis)
	if err != nil {
		m.logger.WarnContext(ctx, "経路予測に失敗しました",
			slog.String("user", user),
			slog.String("error", err.Error()),
		)
		return nil, err
	}
	for i := range predicted {
		predicted[i].PlaceName = m.sanitizer.SanitizeText(predicted[i].PlaceName)
	}

	path := model.PredictedPath{
		Owner:       user,
		Basis:       basis,
		Predicted:   predicted,
		GeneratedAt: m.now(),
	}
	delivered := m.fanOut(ctx, user, model.NewPredictedPathEvent(path))
	return &PredictionOutcome{Path: path, Delivered: delivered}, nil
}

// ActiveSession はユーザーのセッションのスナップショットを返す。
// 停止処理中でシール済みのセッションも含む。保留キューのセッションは含まない。
func (m *Manager) ActiveSession(user string) (model.SharingSession, bool) {
	unlock := m.sessionLocks.Lock(user)
	defer unlock()

	s := m.session(user)
	if s == nil {
		return model.SharingSession{}, false
	}
	return s.Snapshot(), true
}

// ActiveCount はアクティブなセッション数を返す。
func (m *Manager) ActiveCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	n := 0
	for _, s := range m.sessions {
		if s.Active {
			n++
		}
	}
	return n
}

// PendingCount は永続化待ちで保留中のセッション数を返す。
func (m *Manager) PendingCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	n := 0
	for _, queued := range m.pending {
		n += len(queued)
	}
	return n
}

// fanOut はユーザーの友人にイベントを配信し、配信したコネクション数を返す。
// 友人の解決に失敗した場合は警告を出して配信を諦める。
func (m *Manager) fanOut(ctx context.Context, user string, event model.Event) int {
	friends, err := m.graph.FriendsOf(ctx, user)
	if err != nil {
		m.logger.WarnContext(ctx, "友人の解決に失敗したため配信をスキップしました",
			slog.String("user", user),
			slog.String("event", string(event.Type)),
			slog.String("error", err.Error()),
		)
		return 0
	}
	if len(friends) == 0 {
		return 0
	}
	return m.presence.DeliverMany(ctx, friends, event)
}

func (m *Manager) audit(user, action, ref string, details map[string]any) {
	if m.auditor == nil {
		return
	}
	m.auditor.Record(model.AuditEntry{
		Username:  user,
		EventType: model.AuditEventLocationShare,
		Action:    action,
		EventRef:  ref,
		Details:   details,
		CreatedAt: m.now(),
	})
}
