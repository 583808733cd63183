// Package app はコマンドごとの依存関係の組み立てと起動を行う。
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/hitoshi/feedsub/internal/cache"
	"github.com/hitoshi/feedsub/internal/config"
	"github.com/hitoshi/feedsub/internal/database"
	"github.com/hitoshi/feedsub/internal/feed"
	"github.com/hitoshi/feedsub/internal/handler"
	"github.com/hitoshi/feedsub/internal/jobs"
	"github.com/hitoshi/feedsub/internal/logger"
	"github.com/hitoshi/feedsub/internal/metrics"
	"github.com/hitoshi/feedsub/internal/middleware"
	"github.com/hitoshi/feedsub/internal/repository"
	"github.com/hitoshi/feedsub/internal/resolve"
	"github.com/hitoshi/feedsub/internal/security"
	"github.com/hitoshi/feedsub/internal/subscription"
	"github.com/hitoshi/feedsub/internal/worker/cleanup"
	"github.com/hitoshi/feedsub/internal/worker/favicon"
)

// shutdownTimeout はグレースフルシャットダウンの待ち時間の上限。
const shutdownTimeout = 30 * time.Second

// dbPingTimeout は起動時のデータベース接続確認のタイムアウト。
const dbPingTimeout = 5 * time.Second

// writeMargin は登録リクエストの解決期限に加える応答書き込みの余裕。
const writeMargin = 30 * time.Second

// writeTimeout はHTTPサーバーのWriteTimeoutを返す。
// 登録リクエストは解決を IngestTimeout で打ち切るため、それより長くなければならない。
func writeTimeout(cfg *config.Config) time.Duration {
	return cfg.IngestTimeout + writeMargin
}

// Init はアプリケーションの初期化を行う。
// JSON構造化ログをセットアップし、環境変数からConfigを読み込む。
// 設定の読み込み後、LOG_LEVELに合わせてログレベルを設定し直す。
func Init(w io.Writer) (*config.Config, error) {
	// 設定読み込み前にログを使えるようにする
	logger.SetupDefault(w, "info")

	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	logger.SetupDefault(w, cfg.LogLevel)
	return cfg, nil
}

// Run はアプリケーションのメインエントリーポイント。
// argsにはos.Args[1:]を渡す。
func Run(w io.Writer, args []string) error {
	cmd := ParseCommand(args)

	// healthcheck は軽量サブコマンドのため、フル初期化をスキップする
	if cmd == CommandHealthcheck {
		port := os.Getenv("SERVER_PORT")
		if port == "" {
			port = "8080"
		}
		return runHealthcheck(port)
	}

	cfg, err := Init(w)
	if err != nil {
		return fmt.Errorf("initialization failed: %w", err)
	}

	slog.Info("アプリケーションを起動します",
		slog.String("command", string(cmd)),
		slog.String("port", cfg.ServerPort),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	switch cmd {
	case CommandWorker:
		return runWorker(ctx, cfg)
	case CommandMigrate:
		var rest []string
		if len(args) > 1 {
			rest = args[1:]
		}
		return runMigrate(cfg, rest)
	default:
		return runServe(ctx, cfg)
	}
}

// infra はserveとworkerで共有する外部接続。
type infra struct {
	db      *sqlx.DB
	state   *cache.RedisFaviconState
	queue   *jobs.RabbitMQ
	metrics *metrics.Collector
	reg     *prometheus.Registry
	closers []func() error
}

func (in *infra) Close() {
	for i := len(in.closers) - 1; i >= 0; i-- {
		if err := in.closers[i](); err != nil {
			slog.Warn("接続のクローズに失敗しました", slog.String("error", err.Error()))
		}
	}
}

// openInfra はPostgreSQL、Redis、RabbitMQへの接続とメトリクスレジストリを準備する。
// 途中で失敗した場合は開いた接続をすべて閉じる。
func openInfra(ctx context.Context, cfg *config.Config) (in *infra, err error) {
	in = &infra{}
	defer func() {
		if err != nil {
			in.Close()
		}
	}()

	in.reg = prometheus.NewRegistry()
	in.reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	in.metrics = metrics.NewCollector(in.reg)

	in.db, err = database.Open(cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	in.closers = append(in.closers, in.db.Close)
	if err = database.Ping(ctx, in.db, dbPingTimeout); err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	slog.Info("データベースに接続しました")

	redisClient, err := cache.NewClient(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	in.closers = append(in.closers, redisClient.Close)
	in.state = cache.NewRedisFaviconState(redisClient)
	slog.Info("Redisに接続しました", slog.String("addr", cfg.RedisAddr))

	in.queue, err = jobs.Dial(jobs.Config{
		URL:        cfg.AMQPURL,
		Exchange:   cfg.AMQPExchange,
		QueueName:  cfg.AMQPQueue,
		RoutingKey: cfg.AMQPRoutingKey,
	}, slog.Default(), in.metrics)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to job queue: %w", err)
	}
	in.closers = append(in.closers, in.queue.Close)

	return in, nil
}

// runServe はAPIサーバーモードで起動する。
// ctxがキャンセルされるとグレースフルシャットダウンを行い、投入中のジョブの完了を待つ。
func runServe(ctx context.Context, cfg *config.Config) error {
	in, err := openInfra(ctx, cfg)
	if err != nil {
		return err
	}
	defer in.Close()

	log := slog.Default()

	// リポジトリ
	sessionRepo := repository.NewPostgresSessionRepo(in.db)
	feedRepo := repository.NewPostgresFeedRepo(in.db)
	subRepo := repository.NewPostgresSubscriptionRepo(in.db)
	txManager := repository.NewTxManager(in.db)

	// セキュリティ
	urlGuard := security.NewURLGuard()
	sanitizer := security.NewTitleSanitizer()

	// ドメインサービス
	detector := feed.NewFeedDetector(urlGuard, sanitizer, cfg.ResolveTimeout)
	reporter := resolve.NewLogReporter(log, in.metrics)
	resolver := resolve.NewResolver(detector, feedRepo, reporter, in.metrics, cfg.ResolveTimeout)
	ingestor := subscription.NewIngestor(resolver, subRepo, in.state, in.queue, reporter, subscription.IngestorConfig{
		MaxConcurrent:  cfg.ResolveMaxConcurrent,
		EnqueueTimeout: cfg.EnqueueTimeout,
		ResolveTimeout: cfg.IngestTimeout,
	}, log, in.metrics)
	subService := subscription.NewService(subRepo, txManager, sanitizer, in.state)

	// ルーター
	rateLimiter := middleware.NewRateLimiter(middleware.RateLimiterConfig{
		GeneralPerMinute:   cfg.RateLimitGeneral,
		SubscribePerMinute: cfg.RateLimitSubscribe,
	}, log)
	defer rateLimiter.Stop()

	router := handler.NewRouter(&handler.RouterDeps{
		Logger:              log,
		SessionFinder:       sessionRepo,
		CORSAllowedOrigin:   cfg.CORSAllowedOrigin,
		RateLimiter:         rateLimiter,
		StatusRecorder:      in.metrics,
		HealthChecker:       in.db,
		MetricsHandler:      metrics.Handler(in.reg),
		SubscriptionService: handler.NewSubscriptionServiceAdapter(ingestor, subService, log),
		MaxFeedsPerRequest:  cfg.MaxFeedsPerRequest,
	})

	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: writeTimeout(cfg),
		IdleTimeout:  60 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Info("APIサーバーを起動しました", slog.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	select {
	case err := <-serverErr:
		if err != nil {
			return fmt.Errorf("server listen error: %w", err)
		}
	case <-ctx.Done():
	}

	log.Info("APIサーバーを停止します")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	// faviconリフレッシュジョブの投入を待ってから接続を閉じる
	ingestor.Wait()

	log.Info("APIサーバーを停止しました")
	return nil
}

// runWorker はワーカーモードで起動する。
// ジョブキューからfaviconリフレッシュジョブを受信して処理し、並行して期限切れセッションを削除する。
// ctxがキャンセルされると受信を止めて終了する。
func runWorker(ctx context.Context, cfg *config.Config) error {
	in, err := openInfra(ctx, cfg)
	if err != nil {
		return err
	}
	defer in.Close()

	log := slog.Default()

	feedRepo := repository.NewPostgresFeedRepo(in.db)
	fetcher := feed.NewFaviconFetcher(security.NewURLGuard(), cfg.FaviconTimeout, log)

	worker := favicon.NewWorker(feedRepo, fetcher, in.state, in.queue, favicon.Config{
		BatchSize: cfg.FaviconBatchSize,
	}, log, in.metrics)

	cleanupJob := cleanup.NewSessionCleanupJob(in.db, log)
	go cleanupJob.Start(ctx, cleanup.DefaultInterval)

	log.Info("ワーカーを起動しました",
		slog.String("queue", cfg.AMQPQueue),
		slog.Int("batch_size", cfg.FaviconBatchSize),
	)

	if err := in.queue.Consume(ctx, worker.Handle); err != nil {
		return fmt.Errorf("job consumer stopped: %w", err)
	}

	log.Info("ワーカーを停止しました")
	return nil
}

// runMigrate はデータベースマイグレーションを実行する。
func runMigrate(cfg *config.Config, args []string) error {
	ma, err := ParseMigrateArgs(args)
	if err != nil {
		return err
	}

	slog.Info("マイグレーションを実行します",
		slog.String("action", string(ma.Action)),
		slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
	)

	switch ma.Action {
	case MigrateDown:
		if err := database.RollbackMigrations(cfg.DatabaseURL, ma.Steps); err != nil {
			return fmt.Errorf("rollback failed: %w", err)
		}
		slog.Info("ロールバックが完了しました", slog.Int("steps", ma.Steps))
	case MigrateVersion:
		version, dirty, err := database.MigrationVersion(cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("failed to read migration version: %w", err)
		}
		slog.Info("現在のマイグレーションバージョン",
			slog.Uint64("version", uint64(version)),
			slog.Bool("dirty", dirty),
		)
	default:
		if err := database.RunMigrations(cfg.DatabaseURL); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
		slog.Info("マイグレーションが完了しました")
	}
	return nil
}

// runHealthcheck はヘルスチェックを実行する。
// distroless環境でのDockerヘルスチェック用サブコマンド。
func runHealthcheck(port string) error {
	target := fmt.Sprintf("http://localhost:%s/health", port)
	client := &http.Client{Timeout: 5 * time.Second}

	resp, err := client.Get(target)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}
	return nil
}

// maskDatabaseURL はデータベースURLのパスワードをマスクする。
// 解析できないURLは全体を伏せる。
func maskDatabaseURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "***"
	}
	return u.Redacted()
}
