// Package model はドメインモデルを定義する。
package model

import "time"

// Session はユーザーのログインセッションを表す。
// セッションの発行は外部の認証サービスが行い、本サービスは検証のみを行う。
type Session struct {
	ID        string    `db:"id"`
	UserID    string    `db:"user_id"`
	ExpiresAt time.Time `db:"expires_at"`
	CreatedAt time.Time `db:"created_at"`
}
