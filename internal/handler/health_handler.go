package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"
)

// HealthChecker は依存サービスの疎通を確認する。*sqlx.DB が実装する。
type HealthChecker interface {
	PingContext(ctx context.Context) error
}

// healthCheckTimeout はヘルスチェック1回あたりの待ち時間の上限。
const healthCheckTimeout = 2 * time.Second

// HealthHandler は /health を処理する。
// checkerがnilの場合はプロセスの生存のみを返す。
func HealthHandler(checker HealthChecker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if checker != nil {
			ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
			defer cancel()
			if err := checker.PingContext(ctx); err != nil {
				slog.WarnContext(r.Context(), "ヘルスチェックに失敗しました", slog.String("error", err.Error()))
				writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
				return
			}
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}
