// Package repository はデータ永続化のインターフェースとPostgreSQL実装を提供する。
package repository

import (
	"context"

	"github.com/hitoshi/feedsub/internal/model"
)

// SessionRepository はセッションデータの永続化インターフェース。
// セッションの発行は外部の認証サービスが行うため、本サービスでは検証にのみ使用する。
type SessionRepository interface {
	// Create はセッションを作成する。
	Create(ctx context.Context, session *model.Session) error
	// FindByID は指定IDのセッションを取得する。期限切れの場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.Session, error)
	// DeleteByID は指定IDのセッションを削除する。
	DeleteByID(ctx context.Context, id string) error
}

// FeedRepository はフィードデータの永続化インターフェース。
type FeedRepository interface {
	// FindByID は指定IDのフィードを取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.Feed, error)

	// FindOrCreate はfeed_urlをキーにフィードを取得し、無ければ作成する。
	// 既存フィードのsite_urlとtitleが空の場合のみ引数の値で補完する。
	FindOrCreate(ctx context.Context, feed *model.Feed) (*model.Feed, error)

	// ListIDsByUserID はユーザーが購読するフィードのIDを購読日時順に返す。
	ListIDsByUserID(ctx context.Context, userID string) ([]string, error)

	// FindByIDs は指定IDのフィードをまとめて取得する。存在しないIDは結果に含まれない。
	FindByIDs(ctx context.Context, ids []string) ([]*model.Feed, error)

	// ListAllByUserID はユーザーが購読する全フィードを購読日時順に返す。
	ListAllByUserID(ctx context.Context, userID string) ([]*model.Feed, error)

	// UpdateFavicon はフィードのfaviconデータを更新する。
	UpdateFavicon(ctx context.Context, feedID string, faviconData []byte, faviconMime string) error
}

// SubscriptionRepository は購読データの永続化インターフェース。
type SubscriptionRepository interface {
	// Subscribe はユーザーをフィードに購読させる。
	// 既に購読済みの場合は既存の購読を返し、createdはfalseになる。
	Subscribe(ctx context.Context, userID, feedID, title string) (sub *model.Subscription, created bool, err error)

	// FindByID は指定IDの購読を取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.Subscription, error)

	// ListByUserIDWithFeedInfo はユーザーの購読一覧をフィード情報付きで返す。
	ListByUserIDWithFeedInfo(ctx context.Context, userID string) ([]SubscriptionWithFeedInfo, error)

	// ListIDsByUserID はユーザーが所有する購読IDの一覧を返す。
	ListIDsByUserID(ctx context.Context, userID string) ([]string, error)

	// Delete はユーザーが所有する指定IDの購読を削除する。該当が無い場合はfalseを返す。
	Delete(ctx context.Context, userID, id string) (bool, error)

	// DeleteByIDs はユーザーが所有する購読のうち ids に含まれるものを削除し、削除件数を返す。
	DeleteByIDs(ctx context.Context, userID string, ids []string) (int64, error)

	// DeleteByUserID はユーザーの全購読を削除し、削除件数を返す。
	DeleteByUserID(ctx context.Context, userID string) (int64, error)

	// UpdateFields はユーザーが所有する購読の title / push を更新する。nilのフィールドは変更しない。
	// 該当が無い場合はfalseを返す。
	UpdateFields(ctx context.Context, userID, id string, fields model.SubscriptionFields) (bool, error)
}

// SubscriptionWithFeedInfo は購読とフィード情報を結合した構造体。
type SubscriptionWithFeedInfo struct {
	model.Subscription
	FeedTitle   string `db:"feed_title"`
	FeedURL     string `db:"feed_url"`
	SiteURL     string `db:"site_url"`
	FaviconData []byte `db:"favicon_data"`
	FaviconMime string `db:"favicon_mime"`
}

// DisplayTitle は購読の表示名を返す。ユーザーが設定したタイトルが空ならフィードのタイトルを使う。
func (s SubscriptionWithFeedInfo) DisplayTitle() string {
	if s.Title != "" {
		return s.Title
	}
	return s.FeedTitle
}

// Transactor は複数のリポジトリ操作を1つのトランザクションで実行する。
type Transactor interface {
	WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error
}
