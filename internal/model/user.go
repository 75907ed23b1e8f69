// Package model はドメインモデルを定義する。
package model

import "time"

// User はサービス利用ユーザーを表す。
// usernameがグローバルに一意な識別子となる。
type User struct {
	Username  string
	Email     string
	Phone     string
	CreatedAt time.Time
}
