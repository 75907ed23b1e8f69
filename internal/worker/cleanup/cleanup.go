// Package cleanup は監査ログの保持期間管理ジョブを提供する。
// 保持期間（デフォルト90日）を超過したaudit_logsの行を日次バッチで削除する。
// SOSアラートと位置共有の履歴は削除対象にしない。
package cleanup

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"
)

// DefaultRetentionDays は監査ログの保持日数のデフォルト値。
const DefaultRetentionDays = 90

// Executor はSQLのExecContextを抽象化するインターフェース。
// *sql.DB や *sql.Tx を受け付けることができる。
type Executor interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// AuditRetentionJob は保持期間を超過した監査ログを削除するジョブ。
// 削除は冪等で、対象がない場合もエラーにならない。
type AuditRetentionJob struct {
	db            Executor
	logger        *slog.Logger
	RetentionDays int
}

// NewAuditRetentionJob は新しいAuditRetentionJobを生成する。
// retentionDaysが0以下の場合はデフォルトの90日を使用する。
func NewAuditRetentionJob(db Executor, logger *slog.Logger, retentionDays int) *AuditRetentionJob {
	if retentionDays <= 0 {
		retentionDays = DefaultRetentionDays
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &AuditRetentionJob{
		db:            db,
		logger:        logger,
		RetentionDays: retentionDays,
	}
}

// Run はcreated_atがRetentionDays日前より古い監査ログを削除する。
func (j *AuditRetentionJob) Run(ctx context.Context) error {
	start := time.Now()
	interval := fmt.Sprintf("%d days", j.RetentionDays)

	result, err := j.db.ExecContext(ctx,
		`DELETE FROM audit_logs WHERE created_at < now() - $1::interval`, interval)
	if err != nil {
		j.logger.Error("監査ログの保持期間ジョブの実行に失敗しました",
			slog.String("error", err.Error()),
			slog.Int("retention_days", j.RetentionDays),
		)
		return fmt.Errorf("監査ログの削除に失敗: %w", err)
	}

	deleted, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("削除件数の取得に失敗: %w", err)
	}

	j.logger.Info("監査ログの保持期間ジョブが完了しました",
		slog.Int64("deleted_count", deleted),
		slog.Int("retention_days", j.RetentionDays),
		slog.Float64("duration_ms", float64(time.Since(start).Milliseconds())),
	)
	return nil
}

// Start は起動直後に1回実行し、以降intervalごとにRunを実行する。
// コンテキストがキャンセルされるまで実行を継続する。
func (j *AuditRetentionJob) Start(ctx context.Context, interval time.Duration) {
	if err := j.Run(ctx); err != nil && ctx.Err() == nil {
		j.logger.Error("audit retention job failed", slog.String("error", err.Error()))
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := j.Run(ctx); err != nil && ctx.Err() == nil {
				j.logger.Error("audit retention job failed", slog.String("error", err.Error()))
			}
		}
	}
}
