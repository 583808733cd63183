package subscription

import (
	"context"
	"encoding/base64"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/feedsub/internal/cache"
	"github.com/hitoshi/feedsub/internal/guard"
	"github.com/hitoshi/feedsub/internal/model"
	"github.com/hitoshi/feedsub/internal/repository"
	"github.com/hitoshi/feedsub/internal/security"
)

// SubscriptionInfo は購読情報とフィード情報を結合したドメインオブジェクト。
type SubscriptionInfo struct {
	ID         string
	FeedID     string
	Title      string // 表示名。ユーザーが設定していなければフィードのタイトル
	FeedTitle  string
	FeedURL    string
	SiteURL    string
	FaviconURL *string
	Push       bool
	CreatedAt  time.Time
}

// FaviconHashReader は保存済みのfavicon集合のハッシュを返す。cache.FaviconState が実装する。
type FaviconHashReader interface {
	Hash(ctx context.Context, userID string) (string, error)
}

var _ FaviconHashReader = (*cache.RedisFaviconState)(nil)

// Service は購読管理のサービス層。
// 購読一覧の取得、購読解除、一括解除、一括更新、OPMLエクスポートを提供する。
type Service struct {
	subRepo   repository.SubscriptionRepository
	tx        repository.Transactor
	sanitizer security.TitleSanitizer
	state     FaviconHashReader
	now       func() time.Time
}

// NewService はServiceの新しいインスタンスを生成する。
func NewService(
	subRepo repository.SubscriptionRepository,
	tx repository.Transactor,
	sanitizer security.TitleSanitizer,
	state FaviconHashReader,
) *Service {
	return &Service{
		subRepo:   subRepo,
		tx:        tx,
		sanitizer: sanitizer,
		state:     state,
		now:       time.Now,
	}
}

// ListSubscriptions はユーザーの購読一覧をフィード情報付きで購読日時順に返す。
func (s *Service) ListSubscriptions(ctx context.Context, userID string) ([]SubscriptionInfo, error) {
	rows, err := s.subRepo.ListByUserIDWithFeedInfo(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("購読一覧の取得に失敗しました: %w", err)
	}

	results := make([]SubscriptionInfo, len(rows))
	for i, row := range rows {
		info := SubscriptionInfo{
			ID:        row.ID,
			FeedID:    row.FeedID,
			Title:     row.DisplayTitle(),
			FeedTitle: row.FeedTitle,
			FeedURL:   row.FeedURL,
			SiteURL:   row.SiteURL,
			Push:      row.Push,
			CreatedAt: row.CreatedAt,
		}

		// faviconデータがある場合はdata URLに変換
		if len(row.FaviconData) > 0 && row.FaviconMime != "" {
			dataURL := fmt.Sprintf("data:%s;base64,%s", row.FaviconMime, base64.StdEncoding.EncodeToString(row.FaviconData))
			info.FaviconURL = &dataURL
		}

		results[i] = info
	}

	return results, nil
}

// FaviconHash はユーザーのfavicon集合の最新ハッシュを返す。未計算の場合は空文字列。
func (s *Service) FaviconHash(ctx context.Context, userID string) (string, error) {
	return s.state.Hash(ctx, userID)
}

// Unsubscribe は購読を解除する。
// 存在しない購読と他ユーザーの購読は区別せず、どちらも購読未検出エラーを返す。
func (s *Service) Unsubscribe(ctx context.Context, userID, subscriptionID string) error {
	if _, err := uuid.Parse(subscriptionID); err != nil {
		return model.NewSubscriptionNotFoundError(subscriptionID)
	}

	deleted, err := s.subRepo.Delete(ctx, userID, subscriptionID)
	if err != nil {
		return fmt.Errorf("購読の削除に失敗しました: %w", err)
	}
	if !deleted {
		return model.NewSubscriptionNotFoundError(subscriptionID)
	}
	return nil
}

// BulkUnsubscribe は所有チェックを通過した購読だけをまとめて解除し、解除件数を返す。
// 他ユーザーの購読IDは黙って無視する。
func (s *Service) BulkUnsubscribe(ctx context.Context, userID string, subscriptionIDs []string) (int64, error) {
	var deleted int64
	err := s.tx.WithTransaction(ctx, func(ctx context.Context) error {
		owned, err := s.subRepo.ListIDsByUserID(ctx, userID)
		if err != nil {
			return fmt.Errorf("所有購読IDの取得に失敗しました: %w", err)
		}

		allowed := guard.FilterOwned(subscriptionIDs, owned)
		deleted, err = s.subRepo.DeleteByIDs(ctx, userID, allowed)
		if err != nil {
			return fmt.Errorf("購読の一括解除に失敗しました: %w", err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return deleted, nil
}

// BulkUpdate は所有チェックを通過した購読の title / push をまとめて更新し、更新件数を返す。
// titleはマークアップを除去してから保存する。他ユーザーの購読IDは黙って無視する。
func (s *Service) BulkUpdate(ctx context.Context, userID string, updates map[string]model.SubscriptionFields) (int, error) {
	updated := 0
	err := s.tx.WithTransaction(ctx, func(ctx context.Context) error {
		owned, err := s.subRepo.ListIDsByUserID(ctx, userID)
		if err != nil {
			return fmt.Errorf("所有購読IDの取得に失敗しました: %w", err)
		}

		for id, fields := range guard.FilterOwnedMap(updates, owned) {
			if fields.Title == nil && fields.Push == nil {
				continue
			}
			if fields.Title != nil {
				title := s.sanitizer.Sanitize(*fields.Title)
				fields.Title = &title
			}

			ok, err := s.subRepo.UpdateFields(ctx, userID, id, fields)
			if err != nil {
				return fmt.Errorf("購読 %s の更新に失敗しました: %w", id, err)
			}
			if ok {
				updated++
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return updated, nil
}

// UnsubscribeAll はユーザーの全購読を解除し、解除件数を返す。
func (s *Service) UnsubscribeAll(ctx context.Context, userID string) (int64, error) {
	deleted, err := s.subRepo.DeleteByUserID(ctx, userID)
	if err != nil {
		return 0, fmt.Errorf("全購読の解除に失敗しました: %w", err)
	}
	return deleted, nil
}
