package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/hitoshi/feedsub/internal/model"
)

const feedColumns = `f.id, f.feed_url, f.site_url, f.title, f.favicon_data, f.favicon_mime, f.created_at, f.updated_at`

// PostgresFeedRepo はPostgreSQLを使用したフィードリポジトリ。
type PostgresFeedRepo struct {
	db *sqlx.DB
}

// NewPostgresFeedRepo はPostgresFeedRepoを生成する。
func NewPostgresFeedRepo(db *sqlx.DB) *PostgresFeedRepo {
	return &PostgresFeedRepo{db: db}
}

// FindByID は指定IDのフィードを取得する。見つからない場合はnilを返す。
func (r *PostgresFeedRepo) FindByID(ctx context.Context, id string) (*model.Feed, error) {
	feed := &model.Feed{}
	err := sqlx.GetContext(ctx, executor(ctx, r.db), feed,
		`SELECT `+feedColumns+` FROM feeds f WHERE f.id = $1`,
		id,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("フィードの取得に失敗しました: %w", err)
	}
	return feed, nil
}

// FindOrCreate はfeed_urlの一意制約を使ったUPSERTでフィードを取得または作成する。
// 同じURLを同時に登録しても行は1つしか作られない。
func (r *PostgresFeedRepo) FindOrCreate(ctx context.Context, feed *model.Feed) (*model.Feed, error) {
	id := feed.ID
	if id == "" {
		id = uuid.New().String()
	}

	saved := &model.Feed{}
	err := sqlx.GetContext(ctx, executor(ctx, r.db), saved,
		`INSERT INTO feeds AS f (id, feed_url, site_url, title, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, now(), now())
		 ON CONFLICT (feed_url) DO UPDATE SET
		     site_url = CASE WHEN f.site_url = '' THEN EXCLUDED.site_url ELSE f.site_url END,
		     title = CASE WHEN f.title = '' THEN EXCLUDED.title ELSE f.title END,
		     updated_at = CASE WHEN f.site_url = '' OR f.title = '' THEN now() ELSE f.updated_at END
		 RETURNING `+feedColumns,
		id, feed.FeedURL, feed.SiteURL, feed.Title,
	)
	if err != nil {
		return nil, fmt.Errorf("フィードの登録に失敗しました: %w", err)
	}
	return saved, nil
}

// ListIDsByUserID はユーザーが購読するフィードのIDを購読日時順に返す。
// 同時刻の購読は購読IDで順序を固定する。
func (r *PostgresFeedRepo) ListIDsByUserID(ctx context.Context, userID string) ([]string, error) {
	ids := []string{}
	err := sqlx.SelectContext(ctx, executor(ctx, r.db), &ids,
		`SELECT s.feed_id
		 FROM subscriptions s
		 WHERE s.user_id = $1
		 ORDER BY s.created_at ASC, s.id ASC`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("購読フィードIDの取得に失敗しました: %w", err)
	}
	return ids, nil
}

// FindByIDs は指定IDのフィードをまとめて取得する。存在しないIDは結果に含まれない。
func (r *PostgresFeedRepo) FindByIDs(ctx context.Context, ids []string) ([]*model.Feed, error) {
	feeds := []*model.Feed{}
	if len(ids) == 0 {
		return feeds, nil
	}

	query, args, err := sqlx.In(`SELECT `+feedColumns+` FROM feeds f WHERE f.id IN (?)`, ids)
	if err != nil {
		return nil, fmt.Errorf("フィード取得クエリの構築に失敗しました: %w", err)
	}

	ext := executor(ctx, r.db)
	if err := sqlx.SelectContext(ctx, ext, &feeds, ext.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("フィードの取得に失敗しました: %w", err)
	}
	return feeds, nil
}

// ListAllByUserID はユーザーが購読する全フィードを購読日時順に返す。
func (r *PostgresFeedRepo) ListAllByUserID(ctx context.Context, userID string) ([]*model.Feed, error) {
	feeds := []*model.Feed{}
	err := sqlx.SelectContext(ctx, executor(ctx, r.db), &feeds,
		`SELECT `+feedColumns+`
		 FROM feeds f
		 JOIN subscriptions s ON s.feed_id = f.id
		 WHERE s.user_id = $1
		 ORDER BY s.created_at ASC, s.id ASC`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("購読フィード一覧の取得に失敗しました: %w", err)
	}
	return feeds, nil
}

// UpdateFavicon はフィードのfaviconデータを更新する。
func (r *PostgresFeedRepo) UpdateFavicon(ctx context.Context, feedID string, faviconData []byte, faviconMime string) error {
	_, err := executor(ctx, r.db).ExecContext(ctx,
		`UPDATE feeds SET favicon_data = $2, favicon_mime = $3, updated_at = now() WHERE id = $1`,
		feedID, faviconData, faviconMime,
	)
	if err != nil {
		return fmt.Errorf("faviconの更新に失敗しました: %w", err)
	}
	return nil
}

// compile-time interface check
var _ FeedRepository = (*PostgresFeedRepo)(nil)
