package resolve

import (
	"context"
	"log/slog"

	"github.com/hitoshi/feedsub/internal/metrics"
)

// LogReporter は障害を構造化ログとメトリクスに記録するErrorReporter。
type LogReporter struct {
	logger  *slog.Logger
	metrics metrics.MetricsCollector
}

// NewLogReporter はLogReporterを生成する。
func NewLogReporter(logger *slog.Logger, m metrics.MetricsCollector) *LogReporter {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogReporter{logger: logger, metrics: m}
}

var _ ErrorReporter = (*LogReporter)(nil)

// Report は障害を記録する。
func (r *LogReporter) Report(ctx context.Context, stage Stage, rawURL string, err error) {
	r.metrics.RecordResolveError(string(stage))
	r.logger.WarnContext(ctx, "フィード解決に失敗しました",
		slog.String("stage", string(stage)),
		slog.String("url", rawURL),
		slog.String("error", err.Error()),
	)
}
