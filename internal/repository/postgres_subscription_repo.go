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

const subscriptionColumns = `id, user_id, feed_id, title, push, created_at, updated_at`

// PostgresSubscriptionRepo はPostgreSQLを使用した購読リポジトリ。
type PostgresSubscriptionRepo struct {
	db *sqlx.DB
}

// NewPostgresSubscriptionRepo はPostgresSubscriptionRepoを生成する。
func NewPostgresSubscriptionRepo(db *sqlx.DB) *PostgresSubscriptionRepo {
	return &PostgresSubscriptionRepo{db: db}
}

// Subscribe は (user_id, feed_id) の一意制約を使って購読を冪等に作成する。
// 競合した場合は何もせず、既存の購読を読み直して返す。
func (r *PostgresSubscriptionRepo) Subscribe(ctx context.Context, userID, feedID, title string) (*model.Subscription, bool, error) {
	ext := executor(ctx, r.db)

	sub := &model.Subscription{}
	err := sqlx.GetContext(ctx, ext, sub,
		`INSERT INTO subscriptions (id, user_id, feed_id, title, push, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, FALSE, now(), now())
		 ON CONFLICT (user_id, feed_id) DO NOTHING
		 RETURNING `+subscriptionColumns,
		uuid.New().String(), userID, feedID, title,
	)
	if err == nil {
		return sub, true, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, false, fmt.Errorf("購読の作成に失敗しました: %w", err)
	}

	err = sqlx.GetContext(ctx, ext, sub,
		`SELECT `+subscriptionColumns+` FROM subscriptions WHERE user_id = $1 AND feed_id = $2`,
		userID, feedID,
	)
	if err != nil {
		return nil, false, fmt.Errorf("既存購読の取得に失敗しました: %w", err)
	}
	return sub, false, nil
}

// FindByID は指定IDの購読を取得する。見つからない場合はnilを返す。
func (r *PostgresSubscriptionRepo) FindByID(ctx context.Context, id string) (*model.Subscription, error) {
	sub := &model.Subscription{}
	err := sqlx.GetContext(ctx, executor(ctx, r.db), sub,
		`SELECT `+subscriptionColumns+` FROM subscriptions WHERE id = $1`,
		id,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("購読の取得に失敗しました: %w", err)
	}
	return sub, nil
}

// ListByUserIDWithFeedInfo はユーザーの購読一覧をフィード情報付きで購読日時順に返す。
func (r *PostgresSubscriptionRepo) ListByUserIDWithFeedInfo(ctx context.Context, userID string) ([]SubscriptionWithFeedInfo, error) {
	results := []SubscriptionWithFeedInfo{}
	err := sqlx.SelectContext(ctx, executor(ctx, r.db), &results,
		`SELECT
			s.id, s.user_id, s.feed_id, s.title, s.push, s.created_at, s.updated_at,
			f.title AS feed_title, f.feed_url, f.site_url, f.favicon_data, f.favicon_mime
		 FROM subscriptions s
		 JOIN feeds f ON s.feed_id = f.id
		 WHERE s.user_id = $1
		 ORDER BY s.created_at ASC, s.id ASC`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("購読一覧（フィード情報付き）の取得に失敗しました: %w", err)
	}
	return results, nil
}

// ListIDsByUserID はユーザーが所有する購読IDの一覧を返す。
func (r *PostgresSubscriptionRepo) ListIDsByUserID(ctx context.Context, userID string) ([]string, error) {
	ids := []string{}
	err := sqlx.SelectContext(ctx, executor(ctx, r.db), &ids,
		`SELECT id FROM subscriptions WHERE user_id = $1`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("購読ID一覧の取得に失敗しました: %w", err)
	}
	return ids, nil
}

// Delete はユーザーが所有する指定IDの購読を削除する。
func (r *PostgresSubscriptionRepo) Delete(ctx context.Context, userID, id string) (bool, error) {
	result, err := executor(ctx, r.db).ExecContext(ctx,
		`DELETE FROM subscriptions WHERE id = $1 AND user_id = $2`,
		id, userID,
	)
	if err != nil {
		return false, fmt.Errorf("購読の削除に失敗しました: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("削除結果の取得に失敗しました: %w", err)
	}
	return rowsAffected > 0, nil
}

// DeleteByIDs はユーザーが所有する購読のうち ids に含まれるものをまとめて削除する。
func (r *PostgresSubscriptionRepo) DeleteByIDs(ctx context.Context, userID string, ids []string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}

	query, args, err := sqlx.In(`DELETE FROM subscriptions WHERE user_id = ? AND id IN (?)`, userID, ids)
	if err != nil {
		return 0, fmt.Errorf("一括削除クエリの構築に失敗しました: %w", err)
	}

	ext := executor(ctx, r.db)
	result, err := ext.ExecContext(ctx, ext.Rebind(query), args...)
	if err != nil {
		return 0, fmt.Errorf("購読の一括削除に失敗しました: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("削除結果の取得に失敗しました: %w", err)
	}
	return rowsAffected, nil
}

// DeleteByUserID はユーザーの全購読を削除する。
func (r *PostgresSubscriptionRepo) DeleteByUserID(ctx context.Context, userID string) (int64, error) {
	result, err := executor(ctx, r.db).ExecContext(ctx,
		`DELETE FROM subscriptions WHERE user_id = $1`,
		userID,
	)
	if err != nil {
		return 0, fmt.Errorf("ユーザーの全購読の削除に失敗しました: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("削除結果の取得に失敗しました: %w", err)
	}
	return rowsAffected, nil
}

// UpdateFields は購読の title / push を部分更新する。
func (r *PostgresSubscriptionRepo) UpdateFields(ctx context.Context, userID, id string, fields model.SubscriptionFields) (bool, error) {
	var title sql.NullString
	if fields.Title != nil {
		title = sql.NullString{String: *fields.Title, Valid: true}
	}
	var push sql.NullBool
	if fields.Push != nil {
		push = sql.NullBool{Bool: *fields.Push, Valid: true}
	}

	result, err := executor(ctx, r.db).ExecContext(ctx,
		`UPDATE subscriptions SET
		    title = COALESCE($3, title),
		    push = COALESCE($4, push),
		    updated_at = now()
		 WHERE id = $1 AND user_id = $2`,
		id, userID, title, push,
	)
	if err != nil {
		return false, fmt.Errorf("購読の更新に失敗しました: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("更新結果の取得に失敗しました: %w", err)
	}
	return rowsAffected > 0, nil
}

// compile-time interface check
var _ SubscriptionRepository = (*PostgresSubscriptionRepo)(nil)
