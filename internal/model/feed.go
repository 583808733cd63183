// Package model はドメインモデルを定義する。
package model

import "time"

// Feed はRSS/Atomフィードを表す。
// feed_urlで一意に識別され、全ユーザーで共有される。
type Feed struct {
	ID          string    `db:"id"`
	FeedURL     string    `db:"feed_url"`
	SiteURL     string    `db:"site_url"`
	Title       string    `db:"title"`
	FaviconData []byte    `db:"favicon_data"`
	FaviconMime string    `db:"favicon_mime"`
	CreatedAt   time.Time `db:"created_at"`
	UpdatedAt   time.Time `db:"updated_at"`
}

// FeedType はフィードの種類（RSS/Atom）を表す。
type FeedType string

const (
	// FeedTypeRSS はRSSフィード。
	FeedTypeRSS FeedType = "rss"
	// FeedTypeAtom はAtomフィード。
	FeedTypeAtom FeedType = "atom"
)

// FeedOption はサイトが複数のフィードを公開している場合にユーザーへ提示する候補。
// 永続化されず、レスポンスでのみ使用される。
type FeedOption struct {
	Title    string
	URL      string
	FeedType FeedType
}

// Subscription はユーザーとフィードの購読関係を表す。
// (UserID, FeedID) の組はユニーク。
type Subscription struct {
	ID        string    `db:"id"`
	UserID    string    `db:"user_id"`
	FeedID    string    `db:"feed_id"`
	Title     string    `db:"title"` // ユーザーごとの表示タイトル
	Push      bool      `db:"push"`  // プッシュ通知の有効/無効
	CreatedAt time.Time `db:"created_at"`
	UpdatedAt time.Time `db:"updated_at"`
}

// SubscriptionFields は一括更新で変更可能な購読フィールド。
// nilのフィールドは変更しない。
type SubscriptionFields struct {
	Title *string
	Push  *bool
}
