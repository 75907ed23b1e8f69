package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/hitoshi/safetrack/internal/model"
)

// PostgresAuditRepo はPostgreSQLを使用した監査ログリポジトリ。
type PostgresAuditRepo struct {
	db *sql.DB
}

// NewPostgresAuditRepo はPostgresAuditRepoを生成する。
func NewPostgresAuditRepo(db *sql.DB) *PostgresAuditRepo {
	return &PostgresAuditRepo{db: db}
}

// Insert は監査ログを1件追加し、採番されたIDをentryに設定する。
func (r *PostgresAuditRepo) Insert(ctx context.Context, entry *model.AuditEntry) error {
	details := entry.Details
	if details == nil {
		details = map[string]any{}
	}
	raw, err := json.Marshal(details)
	if err != nil {
		return fmt.Errorf("failed to encode audit details: %w", err)
	}

	err = r.db.QueryRowContext(ctx,
		`INSERT INTO audit_logs (username, event_type, action, event_ref, details, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 RETURNING id`,
		entry.Username, string(entry.EventType), entry.Action, entry.EventRef, raw, entry.CreatedAt,
	).Scan(&entry.ID)
	if err != nil {
		return fmt.Errorf("failed to insert audit log: %w", err)
	}
	return nil
}

// ListByUser はユーザーの監査ログを新しい順に最大limit件返す。
// eventTypeが空の場合は全種別を対象とする。
func (r *PostgresAuditRepo) ListByUser(ctx context.Context, username string, eventType model.AuditEventType, limit int) ([]*model.AuditEntry, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, username, event_type, action, event_ref, details, created_at
		 FROM audit_logs
		 WHERE username = $1 AND ($2::text = '' OR event_type = $2::text)
		 ORDER BY created_at DESC, id DESC
		 LIMIT $3`,
		username, string(eventType), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list audit logs: %w", err)
	}
	defer rows.Close()

	var entries []*model.AuditEntry
	for rows.Next() {
		e := &model.AuditEntry{}
		var et string
		var raw []byte
		if err := rows.Scan(&e.ID, &e.Username, &et, &e.Action, &e.EventRef, &raw, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan audit log: %w", err)
		}
		e.EventType = model.AuditEventType(et)
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &e.Details); err != nil {
				return nil, fmt.Errorf("failed to decode audit details: %w", err)
			}
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate audit logs: %w", err)
	}

	return entries, nil
}

var _ AuditRepository = (*PostgresAuditRepo)(nil)
