// Package handler はHTTPハンドラーとルーティングを提供する。
package handler

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/feedsub/internal/middleware"
)

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	Logger *slog.Logger

	// ミドルウェア依存
	SessionFinder     middleware.SessionFinder
	CORSAllowedOrigin string
	RateLimiter       *middleware.RateLimiter
	StatusRecorder    middleware.StatusRecorder

	// ヘルスチェックとメトリクス
	HealthChecker  HealthChecker
	MetricsHandler http.Handler

	// 購読
	SubscriptionService SubscriptionServiceInterface
	MaxFeedsPerRequest  int
}

// NewRouter は全APIエンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	Recovery → Logging → SecurityHeaders → CORS → Session → RateLimit(General)
//
// /health と /metrics はセッション不要。
func NewRouter(deps *RouterDeps) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.NewRecoveryMiddleware(deps.Logger))
	r.Use(middleware.NewLoggingMiddleware(deps.Logger, deps.StatusRecorder))
	r.Use(middleware.NewSecurityHeadersMiddleware())
	r.Use(middleware.NewCORSMiddleware(deps.CORSAllowedOrigin))

	// --- 認証不要のルート ---
	r.Get("/health", HealthHandler(deps.HealthChecker))
	if deps.MetricsHandler != nil {
		r.Handle("/metrics", deps.MetricsHandler)
	}

	subHandler := NewSubscriptionHandler(deps.SubscriptionService, deps.MaxFeedsPerRequest)

	// --- 認証が必要なルート ---
	r.Group(func(r chi.Router) {
		r.Use(middleware.NewSessionMiddleware(deps.SessionFinder, deps.Logger))
		r.Use(deps.RateLimiter.GeneralMiddleware())

		r.Route("/api/subscriptions", func(r chi.Router) {
			r.With(deps.RateLimiter.SubscribeMiddleware()).Post("/", subHandler.Subscribe)
			r.Get("/", subHandler.ListSubscriptions)
			r.Delete("/", subHandler.BulkUnsubscribe)
			r.Patch("/", subHandler.BulkPatch)

			r.Get("/export", subHandler.ExportOPML)
			r.Delete("/all", subHandler.UnsubscribeAll)
			r.Delete("/{id}", subHandler.Unsubscribe)
		})
	})

	return r
}
