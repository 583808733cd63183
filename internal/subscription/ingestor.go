// Package subscription は購読の登録と管理のドメインロジックを提供する。
package subscription

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/hitoshi/feedsub/internal/cache"
	"github.com/hitoshi/feedsub/internal/jobs"
	"github.com/hitoshi/feedsub/internal/metrics"
	"github.com/hitoshi/feedsub/internal/model"
	"github.com/hitoshi/feedsub/internal/resolve"
)

const (
	defaultMaxConcurrent  = 4
	defaultEnqueueTimeout = 5 * time.Second
	defaultResolveTimeout = 60 * time.Second
)

// FeedResolver は入力URLを1つのフィードに解決する。resolve.Resolver が実装する。
type FeedResolver interface {
	Resolve(ctx context.Context, rawURL, siteURL string) resolve.Outcome
}

// Subscriber は購読を冪等に作成する。
type Subscriber interface {
	Subscribe(ctx context.Context, userID, feedID, title string) (*model.Subscription, bool, error)
}

// FaviconStaleMarker はfavicon集合が古くなったことを記録する。cache.FaviconState が実装する。
type FaviconStaleMarker interface {
	MarkStale(ctx context.Context, userID string) error
}

var _ FaviconStaleMarker = (*cache.RedisFaviconState)(nil)

// Result は1回の登録リクエストの結果。
// 3つのスライスはいずれもnilにならず、Successes と Failures は入力順を保つ。
type Result struct {
	Successes []*model.Feed
	Options   [][]model.FeedOption
	Failures  []string
}

// IngestorConfig はIngestorの設定。
type IngestorConfig struct {
	// MaxConcurrent は同時に解決するURLの最大数。0以下の場合は4。
	MaxConcurrent int
	// EnqueueTimeout はfaviconリフレッシュジョブの投入にかける時間の上限。0以下の場合は5秒。
	EnqueueTimeout time.Duration
	// ResolveTimeout は1リクエスト内の全URLの解決にかける時間の上限。0以下の場合は60秒。
	// 期限までに解決できなかったURLは Failures に入る。
	ResolveTimeout time.Duration
}

// Ingestor はユーザーが入力したURLの一覧を解決し、購読を登録する。
type Ingestor struct {
	resolver       FeedResolver
	subs           Subscriber
	state          FaviconStaleMarker
	publisher      jobs.Publisher
	reporter       resolve.ErrorReporter
	logger         *slog.Logger
	metrics        metrics.MetricsCollector
	maxConcurrent  int
	enqueueTimeout time.Duration
	resolveTimeout time.Duration

	wg sync.WaitGroup
}

// NewIngestor はIngestorを生成する。
func NewIngestor(
	resolver FeedResolver,
	subs Subscriber,
	state FaviconStaleMarker,
	publisher jobs.Publisher,
	reporter resolve.ErrorReporter,
	cfg IngestorConfig,
	logger *slog.Logger,
	m metrics.MetricsCollector,
) *Ingestor {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = defaultMaxConcurrent
	}
	if cfg.EnqueueTimeout <= 0 {
		cfg.EnqueueTimeout = defaultEnqueueTimeout
	}
	if cfg.ResolveTimeout <= 0 {
		cfg.ResolveTimeout = defaultResolveTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Ingestor{
		resolver:       resolver,
		subs:           subs,
		state:          state,
		publisher:      publisher,
		reporter:       reporter,
		logger:         logger,
		metrics:        m,
		maxConcurrent:  cfg.MaxConcurrent,
		enqueueTimeout: cfg.EnqueueTimeout,
		resolveTimeout: cfg.ResolveTimeout,
	}
}

// Ingest はurlsを共通のsiteURLヒントで解決し、解決できたフィードを購読する。
//
// URLの解決は並列に行うが、結果の集約と購読の作成は入力順に逐次行う。
// 1件でも購読できた場合はfavicon集合をstaleにし、リフレッシュジョブを1件だけ非同期に投入する。
// 解決は全体で ResolveTimeout までに打ち切り、間に合わなかったURLはFailuresに入る。
// ctxがキャンセルされても作成済みの購読は取り消さず、未処理のURLはFailuresに入る。
func (in *Ingestor) Ingest(ctx context.Context, userID string, urls []string, siteURL string) *Result {
	resolveCtx, cancel := context.WithTimeout(ctx, in.resolveTimeout)
	outcomes := in.resolveAll(resolveCtx, urls, siteURL)
	cancel()

	result := &Result{
		Successes: []*model.Feed{},
		Options:   [][]model.FeedOption{},
		Failures:  []string{},
	}
	created := 0

	for i, out := range outcomes {
		rawURL := urls[i]

		switch out.Kind() {
		case resolve.KindResolved:
			if ctx.Err() != nil {
				result.Failures = append(result.Failures, rawURL)
				continue
			}
			f := out.Feed()
			_, isNew, err := in.subs.Subscribe(ctx, userID, f.ID, f.Title)
			if err != nil {
				in.reporter.Report(ctx, resolve.StagePersist, rawURL, err)
				result.Failures = append(result.Failures, rawURL)
				continue
			}
			if isNew {
				created++
			}
			result.Successes = append(result.Successes, f)
		case resolve.KindAmbiguous:
			result.Options = append(result.Options, out.Options())
		default:
			result.Failures = append(result.Failures, rawURL)
		}
	}

	if created > 0 {
		in.metrics.RecordSubscriptionsCreated(created)
	}

	in.logger.InfoContext(ctx, "フィード登録を処理しました",
		slog.String("user_id", userID),
		slog.Int("url_count", len(urls)),
		slog.Int("success_count", len(result.Successes)),
		slog.Int("option_count", len(result.Options)),
		slog.Int("failure_count", len(result.Failures)),
		slog.Int("created_count", created),
	)

	if len(result.Successes) > 0 {
		in.scheduleFaviconRefresh(ctx, userID)
	}
	return result
}

// resolveAll はsemaphoreで並列数を制御しながら全URLを解決する。
// 戻り値のi番目はurlsのi番目の結果。
func (in *Ingestor) resolveAll(ctx context.Context, urls []string, siteURL string) []resolve.Outcome {
	outcomes := make([]resolve.Outcome, len(urls))
	sem := make(chan struct{}, in.maxConcurrent)
	var wg sync.WaitGroup

	for i, rawURL := range urls {
		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			outcomes[i] = resolve.Failed(ctx.Err())
			continue
		}

		wg.Add(1)
		go func(i int, rawURL string) {
			defer wg.Done()
			defer func() { <-sem }()
			outcomes[i] = in.resolver.Resolve(ctx, rawURL, siteURL)
		}(i, rawURL)
	}

	wg.Wait()
	return outcomes
}

// scheduleFaviconRefresh はfavicon集合をstaleにし、リフレッシュジョブを非同期に投入する。
// いずれの失敗もログに記録するだけで、呼び出し元には返さない。
func (in *Ingestor) scheduleFaviconRefresh(ctx context.Context, userID string) {
	detached := context.WithoutCancel(ctx)

	in.wg.Add(1)
	go func() {
		defer in.wg.Done()

		ctx, cancel := context.WithTimeout(detached, in.enqueueTimeout)
		defer cancel()

		if err := in.state.MarkStale(ctx, userID); err != nil {
			in.logger.WarnContext(ctx, "favicon状態の更新に失敗しました",
				slog.String("user_id", userID),
				slog.String("error", err.Error()),
			)
		}

		if err := in.publisher.Publish(ctx, jobs.NewFaviconRefresh(userID)); err != nil {
			in.metrics.RecordJobFailed(string(jobs.TypeFaviconRefresh))
			in.logger.ErrorContext(ctx, "faviconリフレッシュジョブの投入に失敗しました",
				slog.String("user_id", userID),
				slog.String("error", err.Error()),
			)
		}
	}()
}

// Wait は投入中のバックグラウンド処理が終わるまで待つ。シャットダウン時とテストで使用する。
func (in *Ingestor) Wait() {
	in.wg.Wait()
}
