package middleware

import (
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/hitoshi/feedsub/internal/model"
	"golang.org/x/time/rate"
)

// RateLimiterConfig はレート制限の設定を保持する。
type RateLimiterConfig struct {
	GeneralPerMinute   int           // API全般の1分あたりの上限（ユーザーごと）
	SubscribePerMinute int           // 購読登録の1分あたりの上限（ユーザーごと）
	CleanupInterval    time.Duration // 期限切れエントリのクリーンアップ間隔
}

// DefaultRateLimiterConfig はデフォルトのレート制限設定を返す。
// API全般 120 req/min/user、購読登録 10 req/min/user。
func DefaultRateLimiterConfig() RateLimiterConfig {
	return RateLimiterConfig{
		GeneralPerMinute:   120,
		SubscribePerMinute: 10,
		CleanupInterval:    5 * time.Minute,
	}
}

// limiterGroup はユーザーIDごとのトークンバケットを管理する。
type limiterGroup struct {
	name  string
	limit rate.Limit
	burst int

	mu      sync.Mutex
	entries map[string]*userLimiter
}

type userLimiter struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

func newLimiterGroup(name string, perMinute int) *limiterGroup {
	if perMinute <= 0 {
		perMinute = 1
	}
	return &limiterGroup{
		name:    name,
		limit:   rate.Limit(float64(perMinute) / 60.0),
		burst:   perMinute,
		entries: make(map[string]*userLimiter),
	}
}

// allow はユーザーのバケットから1トークン消費できるかを返す。
func (g *limiterGroup) allow(userID string, now time.Time) bool {
	g.mu.Lock()
	ul, ok := g.entries[userID]
	if !ok {
		ul = &userLimiter{limiter: rate.NewLimiter(g.limit, g.burst)}
		g.entries[userID] = ul
	}
	ul.lastAccess = now
	g.mu.Unlock()

	return ul.limiter.AllowN(now, 1)
}

// evict は最終アクセスからttlを超えたエントリを削除する。
func (g *limiterGroup) evict(now time.Time, ttl time.Duration) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for userID, ul := range g.entries {
		if now.Sub(ul.lastAccess) > ttl {
			delete(g.entries, userID)
		}
	}
}

func (g *limiterGroup) len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.entries)
}

// retryAfterSeconds はトークン1つが補充されるまでの秒数（最低1秒）を返す。
func (g *limiterGroup) retryAfterSeconds() int {
	sec := int(math.Ceil(1.0 / float64(g.limit)))
	if sec < 1 {
		sec = 1
	}
	return sec
}

// RateLimiter はユーザーごとのレート制限を管理する。
// API全般と購読登録の2種類のバケットは互いに独立している。
type RateLimiter struct {
	config    RateLimiterConfig
	general   *limiterGroup
	subscribe *limiterGroup
	logger    *slog.Logger
	now       func() time.Time

	stopOnce sync.Once
	stopCh   chan struct{}
}

// NewRateLimiter は新しいRateLimiterを生成し、バックグラウンドで期限切れエントリのクリーンアップを開始する。
func NewRateLimiter(config RateLimiterConfig, logger *slog.Logger) *RateLimiter {
	if logger == nil {
		logger = slog.Default()
	}
	if config.CleanupInterval <= 0 {
		config.CleanupInterval = DefaultRateLimiterConfig().CleanupInterval
	}
	rl := &RateLimiter{
		config:    config,
		general:   newLimiterGroup("general", config.GeneralPerMinute),
		subscribe: newLimiterGroup("subscribe", config.SubscribePerMinute),
		logger:    logger,
		now:       time.Now,
		stopCh:    make(chan struct{}),
	}

	go rl.cleanupLoop()

	return rl
}

// Stop はクリーンアップのバックグラウンドゴルーチンを停止する。複数回呼んでもよい。
func (rl *RateLimiter) Stop() {
	rl.stopOnce.Do(func() { close(rl.stopCh) })
}

// GeneralMiddleware はAPI全般のレート制限ミドルウェアを返す。
// SessionMiddlewareの後に配置すること。
func (rl *RateLimiter) GeneralMiddleware() func(next http.Handler) http.Handler {
	return rl.middleware(rl.general)
}

// SubscribeMiddleware は購読登録専用のレート制限ミドルウェアを返す。
func (rl *RateLimiter) SubscribeMiddleware() func(next http.Handler) http.Handler {
	return rl.middleware(rl.subscribe)
}

func (rl *RateLimiter) middleware(g *limiterGroup) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			userID, err := UserIDFromContext(r.Context())
			if err != nil {
				WriteErrorResponse(w, http.StatusUnauthorized, model.NewUnauthorizedError())
				return
			}

			if !g.allow(userID, rl.now()) {
				rl.logger.WarnContext(r.Context(), "レート制限を超過しました",
					slog.String("user_id", userID),
					slog.String("limit_type", g.name),
				)
				w.Header().Set("Retry-After", strconv.Itoa(g.retryAfterSeconds()))
				WriteErrorResponse(w, http.StatusTooManyRequests, model.NewRateLimitExceededError())
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// GeneralLimiterCount は管理中のAPI全般リミッターのエントリ数を返す。
func (rl *RateLimiter) GeneralLimiterCount() int { return rl.general.len() }

// SubscribeLimiterCount は管理中の購読登録リミッターのエントリ数を返す。
func (rl *RateLimiter) SubscribeLimiterCount() int { return rl.subscribe.len() }

func (rl *RateLimiter) cleanupLoop() {
	ticker := time.NewTicker(rl.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			rl.cleanup()
		case <-rl.stopCh:
			return
		}
	}
}

// cleanup は最終アクセス時刻がCleanupIntervalの2倍を超えたエントリを削除する。
func (rl *RateLimiter) cleanup() {
	ttl := rl.config.CleanupInterval * 2
	now := rl.now()
	rl.general.evict(now, ttl)
	rl.subscribe.evict(now, ttl)
}
