// Package expiry はSOSアラートのOTP期限切れと、永続化待ちの位置共有セッションを
// 定期的に処理するバックグラウンドジョブを提供する。
package expiry

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/hitoshi/safetrack/internal/escalation"
	"github.com/hitoshi/safetrack/internal/model"
)

// escalationReason はOTP期限切れでエスカレーションする際の理由。
const escalationReason = "otp_expired"

// AlertSource はOTPが期限切れになったアラートの取得と再発行を行う。
type AlertSource interface {
	ExpiredAlerts(now time.Time) []*model.SOSAlert
	ReissueOTP(ctx context.Context, alertID string) error
}

// PendingFlusher は永続化待ちのセッションの再永続化を行う。
type PendingFlusher interface {
	FlushPending(ctx context.Context) int
}

// Scheduler はOTP期限切れの検出と永続化待ちセッションの再試行を定期実行する。
// 期限切れのアラートは解除も取り消しもせず、OTPを再発行したうえで外部窓口へ通知する。
type Scheduler struct {
	alerts         AlertSource
	sessions       PendingFlusher
	notifier       escalation.Notifier
	logger         *slog.Logger
	maxConcurrency int
	now            func() time.Time
}

// NewScheduler はSchedulerの新しいインスタンスを生成する。
// maxConcurrencyが0以下の場合はデフォルト値4を使用する。
// notifierがnilの場合はエスカレーション通知を行わない。
func NewScheduler(
	alerts AlertSource,
	sessions PendingFlusher,
	notifier escalation.Notifier,
	logger *slog.Logger,
	maxConcurrency int,
) *Scheduler {
	if maxConcurrency <= 0 {
		maxConcurrency = 4
	}
	if notifier == nil {
		notifier = escalation.NopNotifier{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		alerts:         alerts,
		sessions:       sessions,
		notifier:       notifier,
		logger:         logger,
		maxConcurrency: maxConcurrency,
		now:            time.Now,
	}
}

// Start は期限切れ検出と保留セッションの再試行をそれぞれの間隔で実行する。
// コンテキストがキャンセルされるまで実行を継続する。
func (s *Scheduler) Start(ctx context.Context, sweepInterval, flushInterval time.Duration) {
	sweep := time.NewTicker(sweepInterval)
	defer sweep.Stop()
	flush := time.NewTicker(flushInterval)
	defer flush.Stop()

	s.logger.Info("期限切れ監視スケジューラを開始しました",
		slog.Duration("sweep_interval", sweepInterval),
		slog.Duration("flush_interval", flushInterval),
		slog.Int("max_concurrency", s.maxConcurrency),
	)

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("期限切れ監視スケジューラを停止しました")
			return
		case <-sweep.C:
			s.SweepOnce(ctx)
		case <-flush.C:
			s.FlushOnce(ctx)
		}
	}
}

// SweepOnce はOTPが期限切れのアラートを1回走査し、OTPの再発行とエスカレーション通知を行う。
// 処理したアラート数を返す。
func (s *Scheduler) SweepOnce(ctx context.Context) int {
	expired := s.alerts.ExpiredAlerts(s.now())
	if len(expired) == 0 {
		return 0
	}

	start := time.Now()
	s.logger.Info("OTPが期限切れのSOSアラートを処理します",
		slog.Int("alert_count", len(expired)),
	)

	// semaphoreパターンで並列数を制御
	sem := make(chan struct{}, s.maxConcurrency)
	var wg sync.WaitGroup

	for _, alert := range expired {
		wg.Add(1)
		sem <- struct{}{}

		go func(a *model.SOSAlert) {
			defer wg.Done()
			defer func() { <-sem }()
			s.handleExpired(ctx, a)
		}(alert)
	}

	wg.Wait()

	s.logger.Info("期限切れアラートの処理が完了しました",
		slog.Int("alert_count", len(expired)),
		slog.Float64("duration_ms", float64(time.Since(start).Milliseconds())),
	)
	return len(expired)
}

func (s *Scheduler) handleExpired(ctx context.Context, alert *model.SOSAlert) {
	if err := s.notifier.Escalate(ctx, alert, escalationReason); err != nil {
		s.logger.Error("エスカレーション通知に失敗しました",
			slog.String("alert_id", alert.ID),
			slog.String("error", err.Error()),
		)
	}

	if err := s.alerts.ReissueOTP(ctx, alert.ID); err != nil {
		if model.HasCode(err, model.ErrCodeAlertFinalized) || model.HasCode(err, model.ErrCodeAlertNotFound) {
			// 走査後に解除された
			return
		}
		s.logger.Error("OTPの再発行に失敗しました",
			slog.String("alert_id", alert.ID),
			slog.String("user", alert.Owner),
			slog.String("error", err.Error()),
		)
	}
}

// FlushOnce は永続化待ちのセッションを1回再試行し、永続化できた件数を返す。
func (s *Scheduler) FlushOnce(ctx context.Context) int {
	if s.sessions == nil {
		return 0
	}
	n := s.sessions.FlushPending(ctx)
	if n > 0 {
		s.logger.Info("保留中のセッション履歴を永続化しました", slog.Int("count", n))
	}
	return n
}
