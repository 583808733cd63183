// Package favicon はユーザーのfavicon集合をバックグラウンドでリフレッシュするワーカーを提供する。
//
// favicon_refresh ジョブを受けると購読数を数えて範囲に分割し、範囲ごとに
// favicon_refresh_range ジョブを投入する。全範囲の処理が終わった時点で
// favicon集合のハッシュを計算してキャッシュに保存する。
package favicon

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hitoshi/feedsub/internal/batch"
	"github.com/hitoshi/feedsub/internal/cache"
	"github.com/hitoshi/feedsub/internal/feed"
	"github.com/hitoshi/feedsub/internal/jobs"
	"github.com/hitoshi/feedsub/internal/metrics"
	"github.com/hitoshi/feedsub/internal/model"
)

// defaultMaxConcurrency は1範囲内でfaviconを並列取得する数のデフォルト値。
const defaultMaxConcurrency = 8

// FeedStore はワーカーが使用するフィードの永続化操作。
type FeedStore interface {
	ListIDsByUserID(ctx context.Context, userID string) ([]string, error)
	FindByIDs(ctx context.Context, ids []string) ([]*model.Feed, error)
	ListAllByUserID(ctx context.Context, userID string) ([]*model.Feed, error)
	UpdateFavicon(ctx context.Context, feedID string, faviconData []byte, faviconMime string) error
}

// Fetcher はサイトのfaviconを取得する。取得できない場合はnilデータを返す。
type Fetcher interface {
	FetchFaviconForSite(ctx context.Context, siteURL string) (data []byte, mimeType string, err error)
}

var _ Fetcher = (*feed.FaviconFetcher)(nil)

// Worker はfaviconリフレッシュジョブを処理する。
type Worker struct {
	feeds          FeedStore
	fetcher        Fetcher
	state          cache.FaviconState
	publisher      jobs.Publisher
	batchSize      int
	maxConcurrency int
	logger         *slog.Logger
	metrics        metrics.MetricsCollector
}

// Config はWorkerの設定。
type Config struct {
	// BatchSize は1つの範囲ジョブが担当する購読数。0以下の場合は batch.DefaultSize。
	BatchSize int
	// MaxConcurrency は1範囲内でfaviconを並列取得する数。0以下の場合は8。
	MaxConcurrency int
}

// NewWorker はWorkerを生成する。
func NewWorker(
	feeds FeedStore,
	fetcher Fetcher,
	state cache.FaviconState,
	publisher jobs.Publisher,
	cfg Config,
	logger *slog.Logger,
	m metrics.MetricsCollector,
) *Worker {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = batch.DefaultSize
	}
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = defaultMaxConcurrency
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{
		feeds:          feeds,
		fetcher:        fetcher,
		state:          state,
		publisher:      publisher,
		batchSize:      cfg.BatchSize,
		maxConcurrency: cfg.MaxConcurrency,
		logger:         logger,
		metrics:        m,
	}
}

// Handle はジョブ種別に応じて処理を振り分ける。jobs.Handler として使用する。
func (w *Worker) Handle(ctx context.Context, job jobs.Job) error {
	if err := job.Validate(); err != nil {
		return err
	}
	switch job.Type {
	case jobs.TypeFaviconRefresh:
		return w.HandleRefresh(ctx, job.UserID)
	default:
		return w.HandleRefreshRange(ctx, job)
	}
}

// HandleRefresh はユーザーの購読フィードIDを固定し、範囲に分割して範囲ジョブを投入する。
// 購読が0件の場合は空集合のハッシュをその場で保存する。
// 現在の世代が完了済み、または同じ世代のリフレッシュが進行中の場合は何もしない。
func (w *Worker) HandleRefresh(ctx context.Context, userID string) error {
	generation, stale, err := w.state.IsStale(ctx, userID)
	if err != nil {
		return err
	}
	if !stale {
		w.logger.DebugContext(ctx, "favicon集合は最新のためリフレッシュをスキップしました",
			slog.String("user_id", userID),
			slog.Int64("generation", generation),
		)
		return nil
	}

	feedIDs, err := w.feeds.ListIDsByUserID(ctx, userID)
	if err != nil {
		return fmt.Errorf("購読フィードIDの取得に失敗しました: %w", err)
	}

	if len(feedIDs) == 0 {
		return w.complete(ctx, userID, generation)
	}

	count, err := batch.Count(len(feedIDs), w.batchSize)
	if err != nil {
		return err
	}
	started, err := w.state.BeginRefresh(ctx, userID, generation, count)
	if err != nil {
		return err
	}
	if !started {
		w.logger.DebugContext(ctx, "同じ世代のfaviconリフレッシュが進行中のためスキップしました",
			slog.String("user_id", userID),
			slog.Int64("generation", generation),
		)
		return nil
	}

	dispatched, err := jobs.PublishRanges(ctx, w.publisher, userID, generation, feedIDs, w.batchSize)
	w.metrics.RecordRangesDispatched(dispatched)
	if err != nil {
		return err
	}

	w.logger.InfoContext(ctx, "faviconリフレッシュを開始しました",
		slog.String("user_id", userID),
		slog.Int64("generation", generation),
		slog.Int("subscription_count", len(feedIDs)),
		slog.Int("range_count", dispatched),
	)
	return nil
}

// HandleRefreshRange は範囲ジョブが持つフィードのfaviconを取得して保存する。
// 最後の範囲を処理したワーカーが集合全体のハッシュを計算する。
func (w *Worker) HandleRefreshRange(ctx context.Context, job jobs.Job) error {
	start := time.Now()

	feeds, err := w.feeds.FindByIDs(ctx, job.FeedIDs)
	if err != nil {
		return fmt.Errorf("範囲 %s のフィード取得に失敗しました: %w", job.Range, err)
	}

	updated := w.refreshFavicons(ctx, feeds)

	w.logger.InfoContext(ctx, "faviconの範囲リフレッシュが完了しました",
		slog.String("user_id", job.UserID),
		slog.Int64("generation", job.Generation),
		slog.String("range", job.Range.String()),
		slog.Int("feed_count", len(feeds)),
		slog.Int("updated_count", updated),
		slog.Float64("duration_ms", float64(time.Since(start).Milliseconds())),
	)

	remaining, err := w.state.FinishRange(ctx, job.UserID, job.Generation)
	if err != nil {
		return err
	}
	if remaining > 0 {
		return nil
	}
	return w.complete(ctx, job.UserID, job.Generation)
}

// refreshFavicons はsemaphoreで並列数を制御しながらfaviconを取得し、更新できた件数を返す。
func (w *Worker) refreshFavicons(ctx context.Context, feeds []*model.Feed) int {
	sem := make(chan struct{}, w.maxConcurrency)
	var wg sync.WaitGroup
	var mu sync.Mutex
	updated := 0

	for _, f := range feeds {
		if f.SiteURL == "" {
			continue
		}

		wg.Add(1)
		sem <- struct{}{}

		go func(f *model.Feed) {
			defer wg.Done()
			defer func() { <-sem }()

			data, mime, err := w.fetcher.FetchFaviconForSite(ctx, f.SiteURL)
			if err != nil {
				w.logger.WarnContext(ctx, "faviconの取得に失敗しました",
					slog.String("feed_id", f.ID),
					slog.String("site_url", f.SiteURL),
					slog.String("error", err.Error()),
				)
				return
			}
			if data == nil {
				return
			}
			if err := w.feeds.UpdateFavicon(ctx, f.ID, data, mime); err != nil {
				w.logger.ErrorContext(ctx, "faviconの保存に失敗しました",
					slog.String("feed_id", f.ID),
					slog.String("error", err.Error()),
				)
				return
			}
			mu.Lock()
			updated++
			mu.Unlock()
		}(f)
	}

	wg.Wait()
	return updated
}

// complete は現在の購読フィード全体からハッシュを計算し、generation の完了として保存する。
func (w *Worker) complete(ctx context.Context, userID string, generation int64) error {
	feeds, err := w.feeds.ListAllByUserID(ctx, userID)
	if err != nil {
		return fmt.Errorf("購読フィード一覧の取得に失敗しました: %w", err)
	}

	hash := ComputeHash(feeds)
	applied, err := w.state.Complete(ctx, userID, generation, hash)
	if err != nil {
		return err
	}
	if !applied {
		w.logger.InfoContext(ctx, "より新しい世代が完了済みのためfaviconハッシュを保存しませんでした",
			slog.String("user_id", userID),
			slog.Int64("generation", generation),
		)
		return nil
	}

	w.logger.InfoContext(ctx, "faviconハッシュを更新しました",
		slog.String("user_id", userID),
		slog.Int64("generation", generation),
		slog.String("hash", hash),
	)
	return nil
}
