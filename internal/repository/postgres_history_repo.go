package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/hitoshi/safetrack/internal/model"
)

// PostgresHistoryRepo はPostgreSQLを使用した位置共有履歴リポジトリ。
// サンプル列はJSONBとして1行にまとめて保存する。
type PostgresHistoryRepo struct {
	db *sql.DB
}

// NewPostgresHistoryRepo はPostgresHistoryRepoを生成する。
func NewPostgresHistoryRepo(db *sql.DB) *PostgresHistoryRepo {
	return &PostgresHistoryRepo{db: db}
}

// Save は履歴レコードを保存する。
// リトライで同じレコードが再送されても重複しないよう、ID衝突時は何もしない。
func (r *PostgresHistoryRepo) Save(ctx context.Context, record *model.HistoryRecord) error {
	samples, err := json.Marshal(record.Samples)
	if err != nil {
		return fmt.Errorf("failed to encode samples: %w", err)
	}

	_, err = r.db.ExecContext(ctx,
		`INSERT INTO sharing_history (id, username, start_time, end_time, samples, sample_count)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (id) DO NOTHING`,
		record.ID, record.Owner, record.StartTime, record.EndTime, samples, len(record.Samples),
	)
	if err != nil {
		return fmt.Errorf("failed to insert sharing history: %w", err)
	}
	return nil
}

// FindByID は指定IDの履歴を取得する。見つからない場合はnilを返す。
func (r *PostgresHistoryRepo) FindByID(ctx context.Context, id string) (*model.HistoryRecord, error) {
	rec := &model.HistoryRecord{}
	var raw []byte
	err := r.db.QueryRowContext(ctx,
		`SELECT id, username, start_time, end_time, samples, created_at
		 FROM sharing_history
		 WHERE id = $1`,
		id,
	).Scan(&rec.ID, &rec.Owner, &rec.StartTime, &rec.EndTime, &raw, &rec.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find sharing history: %w", err)
	}
	if err := json.Unmarshal(raw, &rec.Samples); err != nil {
		return nil, fmt.Errorf("failed to decode samples of %s: %w", rec.ID, err)
	}
	return rec, nil
}

// ListByUser はユーザーの履歴を終了時刻の降順で最大limit件返す。
func (r *PostgresHistoryRepo) ListByUser(ctx context.Context, username string, limit int) ([]*model.HistoryRecord, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, username, start_time, end_time, samples, created_at
		 FROM sharing_history
		 WHERE username = $1
		 ORDER BY end_time DESC
		 LIMIT $2`,
		username, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list sharing history: %w", err)
	}
	defer rows.Close()

	var records []*model.HistoryRecord
	for rows.Next() {
		rec := &model.HistoryRecord{}
		var raw []byte
		if err := rows.Scan(&rec.ID, &rec.Owner, &rec.StartTime, &rec.EndTime, &raw, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan sharing history: %w", err)
		}
		if err := json.Unmarshal(raw, &rec.Samples); err != nil {
			return nil, fmt.Errorf("failed to decode samples of %s: %w", rec.ID, err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate sharing history: %w", err)
	}

	return records, nil
}

var _ HistoryRepository = (*PostgresHistoryRepo)(nil)
