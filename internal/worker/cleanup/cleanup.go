// Package cleanup は期限切れセッションの定期削除ジョブを提供する。
// セッションの発行は外部の認証サービスが行うため、期限切れの行は本サービス側で掃除する。
package cleanup

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"
)

// DefaultGracePeriod は期限切れから削除までの猶予のデフォルト値。
const DefaultGracePeriod = 24 * time.Hour

// DefaultInterval はジョブの実行間隔のデフォルト値。
const DefaultInterval = time.Hour

// Executor はSQLのExecContextを抽象化するインターフェース。
// *sqlx.DB や *sql.Tx を受け付けることができる。
type Executor interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// SessionCleanupJob は期限切れセッションの削除ジョブ。
// 削除は冪等で、対象が無くてもエラーにならない。
type SessionCleanupJob struct {
	db          Executor
	logger      *slog.Logger
	GracePeriod time.Duration
}

// NewSessionCleanupJob は新しいSessionCleanupJobを生成する。
func NewSessionCleanupJob(db Executor, logger *slog.Logger) *SessionCleanupJob {
	if logger == nil {
		logger = slog.Default()
	}
	return &SessionCleanupJob{
		db:          db,
		logger:      logger,
		GracePeriod: DefaultGracePeriod,
	}
}

// Run はexpires_atがGracePeriodより前のセッションを削除し、削除件数を返す。
func (j *SessionCleanupJob) Run(ctx context.Context) (int64, error) {
	start := time.Now()

	const query = `DELETE FROM sessions WHERE expires_at < now() - make_interval(secs => $1)`
	result, err := j.db.ExecContext(ctx, query, j.GracePeriod.Seconds())
	if err != nil {
		j.logger.ErrorContext(ctx, "セッションクリーンアップジョブの実行に失敗しました",
			slog.String("error", err.Error()),
			slog.Duration("grace_period", j.GracePeriod),
		)
		return 0, fmt.Errorf("セッションクリーンアップの実行に失敗: %w", err)
	}

	deleted, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("削除件数の取得に失敗: %w", err)
	}

	j.logger.InfoContext(ctx, "セッションクリーンアップジョブが完了しました",
		slog.Int64("deleted_count", deleted),
		slog.Duration("grace_period", j.GracePeriod),
		slog.Float64("duration_ms", float64(time.Since(start).Milliseconds())),
	)
	return deleted, nil
}

// Start は起動直後に1回、その後interval毎にRunを実行する。ctxがキャンセルされるまでブロックする。
// 個々の実行の失敗はログに記録して次回に持ち越す。
func (j *SessionCleanupJob) Start(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultInterval
	}

	_, _ = j.Run(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_, _ = j.Run(ctx)
		}
	}
}
