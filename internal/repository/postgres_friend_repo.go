package repository

import (
	"context"
	"database/sql"
	"fmt"
)

// PostgresFriendRepo はPostgreSQLを使用した友人関係リポジトリ。
type PostgresFriendRepo struct {
	db *sql.DB
}

// NewPostgresFriendRepo はPostgresFriendRepoを生成する。
func NewPostgresFriendRepo(db *sql.DB) *PostgresFriendRepo {
	return &PostgresFriendRepo{db: db}
}

// ListFriends は承認済みの友人のユーザー名を返す。
// friendshipsは片方向の行で登録されることがあるため、両方向を合わせて重複を除く。
func (r *PostgresFriendRepo) ListFriends(ctx context.Context, username string) ([]string, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT friend_username FROM friendships WHERE username = $1 AND status = 'accepted'
		 UNION
		 SELECT username FROM friendships WHERE friend_username = $1 AND status = 'accepted'
		 ORDER BY 1`,
		username,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list friends: %w", err)
	}
	defer rows.Close()

	var friends []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("failed to scan friend: %w", err)
		}
		friends = append(friends, name)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate friends: %w", err)
	}

	return friends, nil
}

var _ FriendRepository = (*PostgresFriendRepo)(nil)
