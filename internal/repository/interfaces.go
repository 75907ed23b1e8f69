// Package repository はデータ永続化のインターフェースを定義する。
package repository

import (
	"context"

	"github.com/hitoshi/safetrack/internal/model"
)

// UserRepository はユーザー連絡先の参照インターフェース。
type UserRepository interface {
	// FindByUsername は指定ユーザー名のユーザーを取得する。見つからない場合はnilを返す。
	FindByUsername(ctx context.Context, username string) (*model.User, error)
}

// FriendRepository は友人関係の参照インターフェース。
// 友人関係の作成・削除はこのサービスの責務外で、読み取りのみを行う。
type FriendRepository interface {
	// ListFriends は承認済みの友人のユーザー名を返す。どちらの向きに登録された関係も含む。
	ListFriends(ctx context.Context, username string) ([]string, error)
}

// HistoryRepository は終了した位置共有セッションの永続化インターフェース。
type HistoryRepository interface {
	// Save は履歴レコードを保存する。同一IDの再保存は何もしない（冪等）。
	Save(ctx context.Context, record *model.HistoryRecord) error

	// FindByID は指定IDの履歴を取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.HistoryRecord, error)

	// ListByUser はユーザーの履歴を終了時刻の降順で最大limit件返す。
	ListByUser(ctx context.Context, username string, limit int) ([]*model.HistoryRecord, error)
}

// AlertRepository はSOSアラートの永続化インターフェース。
type AlertRepository interface {
	// Save は新規アラートを保存する。同一IDの再保存は何もしない（冪等）。
	Save(ctx context.Context, alert *model.SOSAlert) error

	// Update はアラートの状態、OTP、解除情報を更新する。
	Update(ctx context.Context, alert *model.SOSAlert) error

	// AddMedia はアラートにメディア参照を追加する。
	AddMedia(ctx context.Context, alertID string, media model.MediaRef) error

	// FindByID は指定IDのアラートをメディア付きで取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.SOSAlert, error)

	// ListActive は未確定（pending/active）のアラートをすべて返す。
	ListActive(ctx context.Context) ([]*model.SOSAlert, error)
}

// AuditRepository は監査ログの永続化インターフェース。
type AuditRepository interface {
	// Insert は監査ログを1件追加する。
	Insert(ctx context.Context, entry *model.AuditEntry) error

	// ListByUser はユーザーの監査ログを新しい順に最大limit件返す。
	// eventTypeが空の場合は全種別を対象とする。
	ListByUser(ctx context.Context, username string, eventType model.AuditEventType, limit int) ([]*model.AuditEntry, error)
}
