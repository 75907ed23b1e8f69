package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/lib/pq"

	"github.com/hitoshi/safetrack/internal/model"
)

// PostgresAlertRepo はPostgreSQLを使用したSOSアラートリポジトリ。
type PostgresAlertRepo struct {
	db *sql.DB
}

// NewPostgresAlertRepo はPostgresAlertRepoを生成する。
func NewPostgresAlertRepo(db *sql.DB) *PostgresAlertRepo {
	return &PostgresAlertRepo{db: db}
}

const alertColumns = `id, username, latitude, longitude, status, otp_hash, otp_expires_at,
	resolved_at, resolved_by, created_at, updated_at`

// Save は新規アラートを保存する。リトライによる再送はID衝突として無視する。
func (r *PostgresAlertRepo) Save(ctx context.Context, alert *model.SOSAlert) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO sos_alerts (`+alertColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		 ON CONFLICT (id) DO NOTHING`,
		alert.ID, alert.Owner, alert.TriggerLocation.Latitude, alert.TriggerLocation.Longitude,
		string(alert.Status), alert.OTPHash, alert.OTPExpiresAt,
		alert.ResolvedAt, alert.ResolvedBy, alert.CreatedAt, alert.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert sos alert: %w", err)
	}
	return nil
}

// Update はアラートの状態、OTP、解除情報を更新する。
// 対象のアラートが存在しない場合はエラーを返す。
func (r *PostgresAlertRepo) Update(ctx context.Context, alert *model.SOSAlert) error {
	result, err := r.db.ExecContext(ctx,
		`UPDATE sos_alerts
		 SET status = $2, otp_hash = $3, otp_expires_at = $4,
		     resolved_at = $5, resolved_by = $6, updated_at = $7
		 WHERE id = $1`,
		alert.ID, string(alert.Status), alert.OTPHash, alert.OTPExpiresAt,
		alert.ResolvedAt, alert.ResolvedBy, alert.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to update sos alert: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("sos alert not found: %s", alert.ID)
	}
	return nil
}

// AddMedia はアラートにメディア参照を追加する。
func (r *PostgresAlertRepo) AddMedia(ctx context.Context, alertID string, media model.MediaRef) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO sos_alert_media (alert_id, kind, reference, created_at)
		 VALUES ($1, $2, $3, $4)`,
		alertID, string(media.Kind), media.Reference, media.AddedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert sos alert media: %w", err)
	}
	return nil
}

// FindByID は指定IDのアラートをメディア付きで取得する。見つからない場合はnilを返す。
func (r *PostgresAlertRepo) FindByID(ctx context.Context, id string) (*model.SOSAlert, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+alertColumns+` FROM sos_alerts WHERE id = $1`,
		id,
	)
	alert, err := scanAlert(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find sos alert by ID: %w", err)
	}

	if err := r.attachMedia(ctx, []*model.SOSAlert{alert}); err != nil {
		return nil, err
	}
	return alert, nil
}

// ListActive は未確定（pending/active）のアラートをすべて返す。
func (r *PostgresAlertRepo) ListActive(ctx context.Context) ([]*model.SOSAlert, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+alertColumns+` FROM sos_alerts
		 WHERE status IN ('pending', 'active')
		 ORDER BY created_at`,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list active sos alerts: %w", err)
	}
	defer rows.Close()

	var alerts []*model.SOSAlert
	for rows.Next() {
		alert, err := scanAlert(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan sos alert: %w", err)
		}
		alerts = append(alerts, alert)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate sos alerts: %w", err)
	}

	if err := r.attachMedia(ctx, alerts); err != nil {
		return nil, err
	}
	return alerts, nil
}

// attachMedia はアラート群のメディアを1クエリで読み込んで各アラートに設定する。
func (r *PostgresAlertRepo) attachMedia(ctx context.Context, alerts []*model.SOSAlert) error {
	if len(alerts) == 0 {
		return nil
	}

	byID := make(map[string]*model.SOSAlert, len(alerts))
	ids := make([]string, 0, len(alerts))
	for _, a := range alerts {
		byID[a.ID] = a
		ids = append(ids, a.ID)
	}

	rows, err := r.db.QueryContext(ctx,
		`SELECT alert_id, kind, reference, created_at FROM sos_alert_media
		 WHERE alert_id = ANY($1)
		 ORDER BY id`,
		pq.Array(ids),
	)
	if err != nil {
		return fmt.Errorf("failed to list sos alert media: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var alertID, kind string
		var m model.MediaRef
		if err := rows.Scan(&alertID, &kind, &m.Reference, &m.AddedAt); err != nil {
			return fmt.Errorf("failed to scan sos alert media: %w", err)
		}
		m.Kind = model.MediaKind(kind)
		if a, ok := byID[alertID]; ok {
			a.Media = append(a.Media, m)
		}
	}
	return rows.Err()
}

// rowScanner は*sql.Rowと*sql.Rowsの共通インターフェース。
type rowScanner interface {
	Scan(dest ...any) error
}

func scanAlert(s rowScanner) (*model.SOSAlert, error) {
	a := &model.SOSAlert{}
	var status string
	var resolvedAt sql.NullTime
	err := s.Scan(
		&a.ID, &a.Owner, &a.TriggerLocation.Latitude, &a.TriggerLocation.Longitude,
		&status, &a.OTPHash, &a.OTPExpiresAt,
		&resolvedAt, &a.ResolvedBy, &a.CreatedAt, &a.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	a.Status = model.AlertStatus(status)
	if resolvedAt.Valid {
		t := resolvedAt.Time
		a.ResolvedAt = &t
	}
	return a, nil
}

var _ AlertRepository = (*PostgresAlertRepo)(nil)
