package handler

import (
	"context"
	"log/slog"

	"github.com/hitoshi/feedsub/internal/model"
	"github.com/hitoshi/feedsub/internal/subscription"
)

// Ingester はURLの一覧を解決して購読する。subscription.Ingestor が実装する。
type Ingester interface {
	Ingest(ctx context.Context, userID string, urls []string, siteURL string) *subscription.Result
}

// SubscriptionManager は購読の参照と変更を行う。subscription.Service が実装する。
type SubscriptionManager interface {
	ListSubscriptions(ctx context.Context, userID string) ([]subscription.SubscriptionInfo, error)
	FaviconHash(ctx context.Context, userID string) (string, error)
	ExportOPML(ctx context.Context, userID string) ([]byte, error)
	Unsubscribe(ctx context.Context, userID, subscriptionID string) error
	BulkUnsubscribe(ctx context.Context, userID string, subscriptionIDs []string) (int64, error)
	BulkUpdate(ctx context.Context, userID string, updates map[string]model.SubscriptionFields) (int, error)
	UnsubscribeAll(ctx context.Context, userID string) (int64, error)
}

var (
	_ Ingester            = (*subscription.Ingestor)(nil)
	_ SubscriptionManager = (*subscription.Service)(nil)
)

// SubscriptionServiceAdapter は subscription.Ingestor と subscription.Service を
// SubscriptionServiceInterface に適合させるアダプタ。
type SubscriptionServiceAdapter struct {
	ingester Ingester
	svc      SubscriptionManager
	logger   *slog.Logger
}

var _ SubscriptionServiceInterface = (*SubscriptionServiceAdapter)(nil)

// NewSubscriptionServiceAdapter はSubscriptionServiceAdapterを生成する。
func NewSubscriptionServiceAdapter(ingester Ingester, svc SubscriptionManager, logger *slog.Logger) *SubscriptionServiceAdapter {
	if logger == nil {
		logger = slog.Default()
	}
	return &SubscriptionServiceAdapter{ingester: ingester, svc: svc, logger: logger}
}

// Subscribe はURLの一覧を購読し、handlerレスポンス型で返す。
//
// 1件でも成功した場合は、最新の購読一覧、最初に成功したフィードのID、
// 現在のfaviconハッシュを付ける。これらの取得に失敗しても登録結果は返す。
func (a *SubscriptionServiceAdapter) Subscribe(ctx context.Context, userID string, urls []string, siteURL string) (*subscribeResponse, error) {
	result := a.ingester.Ingest(ctx, userID, urls, siteURL)

	resp := &subscribeResponse{
		Success: make([]feedResponse, 0, len(result.Successes)),
		Options: make([][]feedOptionResponse, 0, len(result.Options)),
		Failed:  result.Failures,
	}
	if resp.Failed == nil {
		resp.Failed = []string{}
	}
	for _, f := range result.Successes {
		resp.Success = append(resp.Success, feedResponse{
			ID:      f.ID,
			FeedURL: f.FeedURL,
			SiteURL: f.SiteURL,
			Title:   f.Title,
		})
	}
	for _, opts := range result.Options {
		group := make([]feedOptionResponse, 0, len(opts))
		for _, o := range opts {
			group = append(group, feedOptionResponse{
				Title:    o.Title,
				URL:      o.URL,
				FeedType: string(o.FeedType),
			})
		}
		resp.Options = append(resp.Options, group)
	}

	if len(result.Successes) == 0 {
		return resp, nil
	}

	resp.SelectedFeedID = result.Successes[0].ID

	infos, err := a.svc.ListSubscriptions(ctx, userID)
	if err != nil {
		a.logger.WarnContext(ctx, "登録後の購読一覧の取得に失敗しました",
			slog.String("user_id", userID),
			slog.String("error", err.Error()),
		)
	} else {
		resp.Feeds = toSubscriptionResponses(infos)
	}

	hash, err := a.svc.FaviconHash(ctx, userID)
	if err != nil {
		a.logger.WarnContext(ctx, "faviconハッシュの取得に失敗しました",
			slog.String("user_id", userID),
			slog.String("error", err.Error()),
		)
	} else {
		resp.FaviconHash = hash
	}

	return resp, nil
}

// ListSubscriptions はユーザーの購読一覧をhandlerレスポンス型で返す。
func (a *SubscriptionServiceAdapter) ListSubscriptions(ctx context.Context, userID string) ([]subscriptionResponse, error) {
	infos, err := a.svc.ListSubscriptions(ctx, userID)
	if err != nil {
		return nil, err
	}
	return toSubscriptionResponses(infos), nil
}

// ExportOPML はOPML文書を返す。
func (a *SubscriptionServiceAdapter) ExportOPML(ctx context.Context, userID string) ([]byte, error) {
	return a.svc.ExportOPML(ctx, userID)
}

// Unsubscribe は購読を解除する。
func (a *SubscriptionServiceAdapter) Unsubscribe(ctx context.Context, userID, subscriptionID string) error {
	return a.svc.Unsubscribe(ctx, userID, subscriptionID)
}

// BulkUnsubscribe は購読を一括解除する。
func (a *SubscriptionServiceAdapter) BulkUnsubscribe(ctx context.Context, userID string, subscriptionIDs []string) (int64, error) {
	return a.svc.BulkUnsubscribe(ctx, userID, subscriptionIDs)
}

// BulkUpdate は購読を一括更新する。
func (a *SubscriptionServiceAdapter) BulkUpdate(ctx context.Context, userID string, updates map[string]model.SubscriptionFields) (int, error) {
	return a.svc.BulkUpdate(ctx, userID, updates)
}

// UnsubscribeAll は全購読を解除する。
func (a *SubscriptionServiceAdapter) UnsubscribeAll(ctx context.Context, userID string) (int64, error) {
	return a.svc.UnsubscribeAll(ctx, userID)
}

func toSubscriptionResponses(infos []subscription.SubscriptionInfo) []subscriptionResponse {
	results := make([]subscriptionResponse, len(infos))
	for i, info := range infos {
		results[i] = subscriptionResponse{
			ID:         info.ID,
			FeedID:     info.FeedID,
			Title:      info.Title,
			FeedTitle:  info.FeedTitle,
			FeedURL:    info.FeedURL,
			SiteURL:    info.SiteURL,
			FaviconURL: info.FaviconURL,
			Push:       info.Push,
			CreatedAt:  info.CreatedAt,
		}
	}
	return results
}
