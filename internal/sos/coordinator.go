// Package sos はSOSアラートの状態遷移（発報、メディア添付、OTPによる解除）を管理する。
package sos

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"golang.org/x/crypto/bcrypt"

	"github.com/hitoshi/safetrack/internal/graph"
	"github.com/hitoshi/safetrack/internal/keylock"
	"github.com/hitoshi/safetrack/internal/metrics"
	"github.com/hitoshi/safetrack/internal/model"
	"github.com/hitoshi/safetrack/internal/otp"
	"github.com/hitoshi/safetrack/internal/repository"
	"github.com/hitoshi/safetrack/internal/retry"
)

const (
	// storeName はメトリクスに記録する永続化先の名前。
	storeName = "alert"
	// DefaultOTPTTL はOTPの有効期間のデフォルト値。
	DefaultOTPTTL = 10 * time.Minute
	// maxReferenceLength はメディア参照の最大長。
	maxReferenceLength = 2048
)

// Deliverer は友人のコネクションへイベントを配信する。
type Deliverer interface {
	DeliverMany(ctx context.Context, users []string, event model.Event) int
}

// Auditor は監査ログを記録する。呼び出しはブロックしないこと。
type Auditor interface {
	Record(entry model.AuditEntry)
}

// TriggerResult はSOS発報の結果。
type TriggerResult struct {
	AlertID      string
	OTPDelivered bool
	// Notified はsosTriggeredを配信したコネクション数。
	Notified int
}

// Coordinator はSOSアラートを管理する。
// 同一アラートの操作はkeylockで直列化する。メモリ上には未確定のアラートのみを保持する。
type Coordinator struct {
	locks *keylock.Locker

	mu     sync.RWMutex
	alerts map[string]*model.SOSAlert

	repo     repository.AlertRepository
	graph    graph.Gateway
	presence Deliverer
	sender   otp.Sender
	auditor  Auditor

	metrics    metrics.MetricsCollector
	policy     retry.Policy
	ttl        time.Duration
	bcryptCost int
	logger     *slog.Logger
	now        func() time.Time
	generate   func() (string, error)
}

// Option はCoordinatorの設定を変更する関数。
type Option func(*Coordinator)

// WithRetryPolicy はアラートの永続化に使うリトライポリシーを設定する。
func WithRetryPolicy(p retry.Policy) Option {
	return func(c *Coordinator) { c.policy = p }
}

// WithMetrics はメトリクスコレクターを設定する。
func WithMetrics(m metrics.MetricsCollector) Option {
	return func(c *Coordinator) {
		if m != nil {
			c.metrics = m
		}
	}
}

// WithLogger はロガーを設定する。
func WithLogger(l *slog.Logger) Option {
	return func(c *Coordinator) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithOTPTTL はOTPの有効期間を設定する。
func WithOTPTTL(ttl time.Duration) Option {
	return func(c *Coordinator) {
		if ttl > 0 {
			c.ttl = ttl
		}
	}
}

// WithBcryptCost はOTPハッシュのbcryptコストを設定する。
func WithBcryptCost(cost int) Option {
	return func(c *Coordinator) {
		if cost >= bcrypt.MinCost && cost <= bcrypt.MaxCost {
			c.bcryptCost = cost
		}
	}
}

// WithClock は現在時刻の取得関数を設定する。テスト用。
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

// WithCodeGenerator はOTPの生成関数を設定する。テスト用。
func WithCodeGenerator(fn func() (string, error)) Option {
	return func(c *Coordinator) { c.generate = fn }
}

// NewCoordinator はCoordinatorを生成する。
func NewCoordinator(
	repo repository.AlertRepository,
	g graph.Gateway,
	presence Deliverer,
	sender otp.Sender,
	auditor Auditor,
	opts ...Option,
) *Coordinator {
	c := &Coordinator{
		locks:      keylock.New(),
		alerts:     make(map[string]*model.SOSAlert),
		repo:       repo,
		graph:      g,
		presence:   presence,
		sender:     sender,
		auditor:    auditor,
		metrics:    metrics.NopCollector{},
		policy:     retry.DefaultPolicy(),
		ttl:        DefaultOTPTTL,
		bcryptCost: bcrypt.DefaultCost,
		logger:     slog.Default(),
		now:        time.Now,
		generate:   otp.Generate,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Trigger は新しいSOSアラートを発報する。
// アラートの永続化に失敗した場合は発報自体を失敗させる。
// 友人への通知とOTPの送信はベストエフォートで、失敗してもアラートはActiveのまま残る。
func (c *Coordinator) Trigger(ctx context.Context, user string, location model.GeoPoint) (*TriggerResult, error) {
	now := c.now()
	code, hash, err := c.newCode()
	if err != nil {
		return nil, err
	}

	alert := &model.SOSAlert{
		ID:              ulid.MustNew(ulid.Timestamp(now), ulid.DefaultEntropy()).String(),
		Owner:           user,
		TriggerLocation: location,
		Status:          model.AlertStatusActive,
		OTPHash:         hash,
		OTPExpiresAt:    now.Add(c.ttl),
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	if err := c.persist(ctx, "save sos alert", alert.ID, func(ctx context.Context) error {
		return c.repo.Save(ctx, alert)
	}); err != nil {
		return nil, fmt.Errorf("SOSアラートの永続化に失敗しました: %w", err)
	}

	snapshot := alert.Clone()
	c.mu.Lock()
	c.alerts[alert.ID] = alert
	c.mu.Unlock()

	c.metrics.RecordSOSTriggered()
	c.logger.WarnContext(ctx, "SOSアラートが発報されました",
		slog.String("user", user),
		slog.String("alert_id", alert.ID),
		slog.Float64("latitude", location.Latitude),
		slog.Float64("longitude", location.Longitude),
	)

	result := &TriggerResult{AlertID: alert.ID}
	result.Notified = c.fanOut(ctx, user, model.NewSOSTriggeredEvent(snapshot))
	result.OTPDelivered = c.sendCode(ctx, snapshot, code)

	c.audit(user, model.AuditActionSOSTriggered, alert.ID, map[string]any{
		"latitude":      location.Latitude,
		"longitude":     location.Longitude,
		"notified":      result.Notified,
		"otp_delivered": result.OTPDelivered,
	})
	return result, nil
}

// AttachMedia は未確定のアラートにメディア参照を追加する。
// メディアはアラートストアへの保存に成功してからメモリ上のアラートに反映する。
func (c *Coordinator) AttachMedia(ctx context.Context, alertID string, kind model.MediaKind, reference string) error {
	unlock := c.locks.Lock(alertID)
	defer unlock()

	alert, err := c.load(ctx, alertID)
	if err != nil {
		return err
	}
	if !alert.Status.Open() {
		return model.NewAlertFinalizedError(alertID, alert.Status)
	}
	reference = strings.TrimSpace(reference)
	if err := validateMedia(kind, reference); err != nil {
		return err
	}

	media := model.MediaRef{Kind: kind, Reference: reference, AddedAt: c.now()}
	if err := c.persist(ctx, "add sos media", alertID, func(ctx context.Context) error {
		return c.repo.AddMedia(ctx, alertID, media)
	}); err != nil {
		return fmt.Errorf("メディア参照の永続化に失敗しました: %w", err)
	}
	alert.Media = append(alert.Media, media)
	alert.UpdatedAt = media.AddedAt

	c.logger.InfoContext(ctx, "SOSアラートにメディアを添付しました",
		slog.String("alert_id", alertID),
		slog.String("kind", string(kind)),
	)
	c.audit(alert.Owner, model.AuditActionMediaAttached, alertID, map[string]any{
		"kind":      string(kind),
		"reference": reference,
	})
	return nil
}

// validateMedia はメディア種別と参照を検証する。
func validateMedia(kind model.MediaKind, reference string) error {
	if !kind.Valid() {
		return model.NewInvalidMediaError(fmt.Sprintf("unknown media kind %q", kind))
	}
	if reference == "" {
		return model.NewInvalidMediaError("reference is required")
	}
	if len(reference) > maxReferenceLength {
		return model.NewInvalidMediaError("reference is too long")
	}
	u, err := url.Parse(reference)
	if err != nil || u.Scheme == "" {
		return model.NewInvalidMediaError("reference must be an absolute URI")
	}
	return nil
}

// Resolve はOTPを検証してアラートを解除する。
// 検証順序は、アラートの存在、確定済みかどうか、OTPの期限、OTPの一致。
// 期限切れや不一致の場合、アラートの状態は変わらない。
func (c *Coordinator) Resolve(ctx context.Context, alertID, suppliedOTP, resolvedBy string) error {
	unlock := c.locks.Lock(alertID)

	alert, err := c.load(ctx, alertID)
	if err != nil {
		unlock()
		return err
	}
	if !alert.Status.Open() {
		unlock()
		return model.NewAlertFinalizedError(alertID, alert.Status)
	}

	now := c.now()
	if alert.OTPExpired(now) {
		unlock()
		c.logger.WarnContext(ctx, "期限切れのOTPで解除が試行されました", slog.String("alert_id", alertID))
		c.audit(alert.Owner, model.AuditActionOTPExpired, alertID, map[string]any{"by": resolvedBy})
		return model.NewOTPExpiredError()
	}
	if bcrypt.CompareHashAndPassword(alert.OTPHash, []byte(suppliedOTP)) != nil {
		unlock()
		c.logger.WarnContext(ctx, "OTPが一致しませんでした", slog.String("alert_id", alertID))
		c.audit(alert.Owner, model.AuditActionOTPInvalid, alertID, map[string]any{"by": resolvedBy})
		return model.NewOTPInvalidError()
	}

	if resolvedBy == "" {
		resolvedBy = alert.Owner
	}
	prev := alert.Clone()
	alert.Status = model.AlertStatusResolved
	alert.ResolvedAt = &now
	alert.ResolvedBy = resolvedBy
	alert.UpdatedAt = now

	if err := c.persist(ctx, "resolve sos alert", alertID, func(ctx context.Context) error {
		return c.repo.Update(ctx, alert)
	}); err != nil {
		*alert = *prev
		unlock()
		return fmt.Errorf("SOSアラート解除の永続化に失敗しました: %w", err)
	}

	resolved := alert.Clone()
	c.mu.Lock()
	delete(c.alerts, alertID)
	c.mu.Unlock()
	unlock()

	c.metrics.RecordSOSResolved()
	c.logger.InfoContext(ctx, "SOSアラートが解除されました",
		slog.String("alert_id", alertID),
		slog.String("user", resolved.Owner),
		slog.String("resolved_by", resolvedBy),
	)
	c.audit(resolved.Owner, model.AuditActionSOSResolved, alertID, map[string]any{"by": resolvedBy})
	c.fanOut(ctx, resolved.Owner, model.NewSOSResolvedEvent(resolved))
	return nil
}

// ReissueOTP は新しいOTPを発行してユーザーへ送り直す。
// OTPの期限切れや送信失敗からの回復に使う。アラートの状態はActiveのまま変わらない。
func (c *Coordinator) ReissueOTP(ctx context.Context, alertID string) error {
	unlock := c.locks.Lock(alertID)

	alert, err := c.load(ctx, alertID)
	if err != nil {
		unlock()
		return err
	}
	if !alert.Status.Open() {
		unlock()
		return model.NewAlertFinalizedError(alertID, alert.Status)
	}

	code, hash, err := c.newCode()
	if err != nil {
		unlock()
		return err
	}
	now := c.now()
	prev := alert.Clone()
	alert.OTPHash = hash
	alert.OTPExpiresAt = now.Add(c.ttl)
	alert.UpdatedAt = now

	if err := c.persist(ctx, "reissue sos otp", alertID, func(ctx context.Context) error {
		return c.repo.Update(ctx, alert)
	}); err != nil {
		*alert = *prev
		unlock()
		return fmt.Errorf("OTP再発行の永続化に失敗しました: %w", err)
	}
	snapshot := alert.Clone()
	unlock()

	c.audit(snapshot.Owner, model.AuditActionOTPReissued, alertID, map[string]any{
		"expires_at": snapshot.OTPExpiresAt,
	})
	if !c.sendCode(ctx, snapshot, code) {
		return fmt.Errorf("再発行したOTPの送信に失敗しました: %s", alertID)
	}
	return nil
}

// ExpiredAlerts はOTPが期限切れになった未確定アラートのスナップショットを返す。
func (c *Coordinator) ExpiredAlerts(now time.Time) []*model.SOSAlert {
	c.mu.RLock()
	ids := make([]string, 0, len(c.alerts))
	for id := range c.alerts {
		ids = append(ids, id)
	}
	c.mu.RUnlock()

	var expired []*model.SOSAlert
	for _, id := range ids {
		if a, ok := c.Get(id); ok && a.Status.Open() && a.OTPExpired(now) {
			expired = append(expired, a)
		}
	}
	return expired
}

// Restore は起動時にアラートストアから未確定のアラートを読み込む。
// すでにメモリ上にあるアラートは上書きしない。読み込んだ件数を返す。
func (c *Coordinator) Restore(ctx context.Context) (int, error) {
	alerts, err := c.repo.ListActive(ctx)
	if err != nil {
		return 0, fmt.Errorf("未確定のSOSアラートの読み込みに失敗しました: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	restored := 0
	for _, a := range alerts {
		if _, ok := c.alerts[a.ID]; ok || !a.Status.Open() {
			continue
		}
		c.alerts[a.ID] = a
		restored++
	}
	if restored > 0 {
		c.logger.InfoContext(ctx, "未確定のSOSアラートを復元しました", slog.Int("count", restored))
	}
	return restored, nil
}

// Get はメモリ上の未確定アラートのスナップショットを返す。
func (c *Coordinator) Get(alertID string) (*model.SOSAlert, bool) {
	unlock := c.locks.Lock(alertID)
	defer unlock()

	c.mu.RLock()
	a, ok := c.alerts[alertID]
	c.mu.RUnlock()
	if !ok {
		return nil, false
	}
	return a.Clone(), true
}

// ActiveCount はメモリ上の未確定アラート数を返す。
func (c *Coordinator) ActiveCount() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.alerts)
}

// load はアラートをメモリから取得し、なければアラートストアから読み込む。
// ストアにある未確定のアラートはメモリに載せる。呼び出し元はアラートのロックを保持すること。
func (c *Coordinator) load(ctx context.Context, alertID string) (*model.SOSAlert, error) {
	c.mu.RLock()
	a, ok := c.alerts[alertID]
	c.mu.RUnlock()
	if ok {
		return a, nil
	}

	a, err := c.repo.FindByID(ctx, alertID)
	if err != nil {
		return nil, fmt.Errorf("SOSアラートの取得に失敗しました: %w", err)
	}
	if a == nil {
		return nil, model.NewAlertNotFoundError(alertID)
	}
	if a.Status.Open() {
		c.mu.Lock()
		c.alerts[alertID] = a
		c.mu.Unlock()
	}
	return a, nil
}

// newCode はOTPを生成し、平文とbcryptハッシュを返す。
func (c *Coordinator) newCode() (string, []byte, error) {
	code, err := c.generate()
	if err != nil {
		return "", nil, err
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(code), c.bcryptCost)
	if err != nil {
		return "", nil, fmt.Errorf("failed to hash otp: %w", err)
	}
	return code, hash, nil
}

// sendCode はOTPをユーザーへ送信し、成功したかを返す。
func (c *Coordinator) sendCode(ctx context.Context, alert *model.SOSAlert, code string) bool {
	err := c.sender.Send(ctx, alert.Owner, code, alert.OTPExpiresAt)
	if err == nil {
		return true
	}
	c.metrics.RecordOTPDeliveryFailure()
	c.logger.ErrorContext(ctx, "OTPの送信に失敗しました",
		slog.String("alert_id", alert.ID),
		slog.String("user", alert.Owner),
		slog.String("error", err.Error()),
	)
	c.audit(alert.Owner, model.AuditActionOTPDeliveryFailed, alert.ID, map[string]any{
		"error": err.Error(),
	})
	return false
}

// persist はリトライ付きでアラートストアへ書き込む。呼び出し元のキャンセルと期限は伝播させず、
// 各試行の上限時間はリトライポリシーのAttemptTimeoutに従う。
func (c *Coordinator) persist(ctx context.Context, operation, alertID string, fn func(ctx context.Context) error) error {
	err := retry.Do(context.WithoutCancel(ctx), c.policy, c.logger, operation, fn,
		func(int, error) {
			c.metrics.RecordPersistRetry(storeName)
		},
	)
	if err != nil {
		c.metrics.RecordPersistFailure(storeName)
		c.logger.ErrorContext(ctx, "SOSアラートの永続化がリトライ上限に達しました",
			slog.String("operation", operation),
			slog.String("alert_id", alertID),
			slog.String("error", err.Error()),
		)
	}
	return err
}

// fanOut はユーザーの友人にイベントを配信する。失敗してもアラートの処理は継続する。
func (c *Coordinator) fanOut(ctx context.Context, user string, event model.Event) int {
	friends, err := c.graph.FriendsOf(ctx, user)
	if err != nil {
		c.logger.WarnContext(ctx, "友人の解決に失敗したため通知をスキップしました",
			slog.String("user", user),
			slog.String("event", string(event.Type)),
			slog.String("error", err.Error()),
		)
		return 0
	}
	if len(friends) == 0 {
		return 0
	}
	return c.presence.DeliverMany(ctx, friends, event)
}

func (c *Coordinator) audit(user, action, ref string, details map[string]any) {
	if c.auditor == nil {
		return
	}
	c.auditor.Record(model.AuditEntry{
		Username:  user,
		EventType: model.AuditEventSOS,
		Action:    action,
		EventRef:  ref,
		Details:   details,
		CreatedAt: c.now(),
	})
}
