// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsCollector はメトリクス収集のインターフェース。
// リゾルバ、購読サービス、ジョブキュー、ワーカーから利用する。
type MetricsCollector interface {
	// RecordResolveOutcome は解決結果（resolved / ambiguous / failed）を記録する。
	RecordResolveOutcome(kind string)
	// RecordResolveError は解決中に発生した障害を発生箇所（discovery / persist / panic / timeout）別に記録する。
	RecordResolveError(stage string)
	RecordResolveLatency(duration time.Duration)
	RecordSubscriptionsCreated(count int)
	RecordJobPublished(jobType string)
	RecordJobFailed(jobType string)
	RecordRangesDispatched(count int)
	RecordHTTPStatus(statusCode int)
}

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	resolveOutcome      *prometheus.CounterVec
	resolveErrors       *prometheus.CounterVec
	resolveLatency      prometheus.Histogram
	subscriptionCreated prometheus.Counter
	jobsPublished       *prometheus.CounterVec
	jobsFailed          *prometheus.CounterVec
	rangesDispatched    prometheus.Counter
	httpStatus          *prometheus.CounterVec
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		resolveOutcome: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "feedsub_resolve_outcome_total",
			Help: "フィード解決の結果別件数",
		}, []string{"kind"}),
		resolveErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "feedsub_resolve_errors_total",
			Help: "フィード解決中に発生した障害の発生箇所別件数",
		}, []string{"stage"}),
		resolveLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "feedsub_resolve_latency_seconds",
			Help:    "フィード解決1件あたりのレイテンシ（秒）",
			Buckets: prometheus.DefBuckets,
		}),
		subscriptionCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "feedsub_subscriptions_created_total",
			Help: "新規に作成された購読の合計数",
		}),
		jobsPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "feedsub_jobs_published_total",
			Help: "キューに投入したジョブの種類別件数",
		}, []string{"type"}),
		jobsFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "feedsub_jobs_failed_total",
			Help: "処理に失敗したジョブの種類別件数",
		}, []string{"type"}),
		rangesDispatched: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "feedsub_batch_ranges_dispatched_total",
			Help: "分割して投入したバッチ範囲の合計数",
		}),
		httpStatus: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "feedsub_http_status_total",
			Help: "HTTPステータスコード別のレスポンス数",
		}, []string{"status_code"}),
	}

	reg.MustRegister(
		c.resolveOutcome,
		c.resolveErrors,
		c.resolveLatency,
		c.subscriptionCreated,
		c.jobsPublished,
		c.jobsFailed,
		c.rangesDispatched,
		c.httpStatus,
	)

	return c
}

var _ MetricsCollector = (*Collector)(nil)

func (c *Collector) RecordResolveOutcome(kind string) {
	c.resolveOutcome.WithLabelValues(kind).Inc()
}

func (c *Collector) RecordResolveError(stage string) {
	c.resolveErrors.WithLabelValues(stage).Inc()
}

func (c *Collector) RecordResolveLatency(duration time.Duration) {
	c.resolveLatency.Observe(duration.Seconds())
}

func (c *Collector) RecordSubscriptionsCreated(count int) {
	c.subscriptionCreated.Add(float64(count))
}

func (c *Collector) RecordJobPublished(jobType string) {
	c.jobsPublished.WithLabelValues(jobType).Inc()
}

func (c *Collector) RecordJobFailed(jobType string) {
	c.jobsFailed.WithLabelValues(jobType).Inc()
}

func (c *Collector) RecordRangesDispatched(count int) {
	c.rangesDispatched.Add(float64(count))
}

// RecordHTTPStatus はHTTPステータスコードを記録する。
func (c *Collector) RecordHTTPStatus(statusCode int) {
	c.httpStatus.WithLabelValues(strconv.Itoa(statusCode)).Inc()
}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}
