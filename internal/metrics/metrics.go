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
// フェッチワーカー、タスクオーケストレーター、学習ストアから利用する。
type MetricsCollector interface {
	RecordFetchSuccess(sourceURL string)
	RecordFetchFailure(sourceURL string, reason string)
	RecordParseFailure(sourceURL string)
	RecordHTTPStatus(statusCode int)
	RecordFetchLatency(duration time.Duration)
	RecordCacheHit()
	RecordCacheMiss()
	RecordArticlesExtracted(count int)
	RecordTaskTransition(status string)
	RecordTaskDuration(status string, duration time.Duration)
	RecordAdmissionDenied()
	RecordSelectionSize(size int)
	RecordLearningUpdate(interactionType string)
}

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	fetchSuccess      prometheus.Counter
	fetchFail         *prometheus.CounterVec
	parseFail         prometheus.Counter
	httpStatus        *prometheus.CounterVec
	fetchLatency      prometheus.Histogram
	cacheLookups      *prometheus.CounterVec
	articlesExtracted prometheus.Counter
	taskTransitions   *prometheus.CounterVec
	taskDuration      *prometheus.HistogramVec
	admissionDenied   prometheus.Counter
	selectionSize     prometheus.Histogram
	learningUpdates   *prometheus.CounterVec
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		fetchSuccess: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "audiobrief_fetch_success_total",
			Help: "RSSフェッチ成功の合計数",
		}),
		fetchFail: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "audiobrief_fetch_fail_total",
			Help: "RSSフェッチ失敗の合計数",
		}, []string{"reason"}),
		parseFail: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "audiobrief_parse_fail_total",
			Help: "フィードパース失敗の合計数",
		}),
		httpStatus: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "audiobrief_http_status_total",
			Help: "RSSソースのHTTPステータスコード別のレスポンス数",
		}, []string{"status_code"}),
		fetchLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "audiobrief_fetch_latency_seconds",
			Help:    "RSSフェッチのレイテンシ（秒）",
			Buckets: prometheus.DefBuckets,
		}),
		cacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "audiobrief_feed_cache_lookups_total",
			Help: "フィードキャッシュの参照数（hit/miss別）",
		}, []string{"result"}),
		articlesExtracted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "audiobrief_articles_extracted_total",
			Help: "フィードから抽出された記事の合計数",
		}),
		taskTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "audiobrief_task_transitions_total",
			Help: "タスク状態遷移の合計数（遷移先の状態別）",
		}, []string{"status"}),
		taskDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "audiobrief_task_duration_seconds",
			Help:    "タスク作成から終端状態までの所要時間（秒）",
			Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600},
		}, []string{"status"}),
		admissionDenied: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "audiobrief_admission_denied_total",
			Help: "同時実行上限によりタスク作成を拒否した合計数",
		}),
		selectionSize: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "audiobrief_selection_size",
			Help:    "1回の選定で選ばれた記事数",
			Buckets: []float64{0, 1, 2, 3, 5, 8, 10, 15, 20},
		}),
		learningUpdates: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "audiobrief_learning_updates_total",
			Help: "嗜好学習の更新数（インタラクション種別別）",
		}, []string{"interaction_type"}),
	}

	reg.MustRegister(
		c.fetchSuccess,
		c.fetchFail,
		c.parseFail,
		c.httpStatus,
		c.fetchLatency,
		c.cacheLookups,
		c.articlesExtracted,
		c.taskTransitions,
		c.taskDuration,
		c.admissionDenied,
		c.selectionSize,
		c.learningUpdates,
	)

	return c
}

// RecordFetchSuccess はフェッチ成功を記録する。
func (c *Collector) RecordFetchSuccess(sourceURL string) {
	c.fetchSuccess.Inc()
}

// RecordFetchFailure はフェッチ失敗を記録する。
// ラベルのカーディナリティを抑えるため、sourceURLはラベルに含めない。
func (c *Collector) RecordFetchFailure(sourceURL string, reason string) {
	c.fetchFail.WithLabelValues(reason).Inc()
}

// RecordParseFailure はパース失敗を記録する。
func (c *Collector) RecordParseFailure(sourceURL string) {
	c.parseFail.Inc()
}

// RecordHTTPStatus はHTTPステータスコードを記録する。
func (c *Collector) RecordHTTPStatus(statusCode int) {
	c.httpStatus.WithLabelValues(strconv.Itoa(statusCode)).Inc()
}

// RecordFetchLatency はフェッチのレイテンシを記録する。
func (c *Collector) RecordFetchLatency(duration time.Duration) {
	c.fetchLatency.Observe(duration.Seconds())
}

// RecordCacheHit はキャッシュヒットを記録する。
func (c *Collector) RecordCacheHit() {
	c.cacheLookups.WithLabelValues("hit").Inc()
}

// RecordCacheMiss はキャッシュミス（未登録または期限切れ）を記録する。
func (c *Collector) RecordCacheMiss() {
	c.cacheLookups.WithLabelValues("miss").Inc()
}

// RecordArticlesExtracted は抽出された記事数を記録する。
func (c *Collector) RecordArticlesExtracted(count int) {
	c.articlesExtracted.Add(float64(count))
}

// RecordTaskTransition はタスクの状態遷移を記録する。
func (c *Collector) RecordTaskTransition(status string) {
	c.taskTransitions.WithLabelValues(status).Inc()
}

// RecordTaskDuration はタスクの所要時間を記録する。
func (c *Collector) RecordTaskDuration(status string, duration time.Duration) {
	c.taskDuration.WithLabelValues(status).Observe(duration.Seconds())
}

// RecordAdmissionDenied はタスク作成の拒否を記録する。
func (c *Collector) RecordAdmissionDenied() {
	c.admissionDenied.Inc()
}

// RecordSelectionSize は選定記事数を記録する。
func (c *Collector) RecordSelectionSize(size int) {
	c.selectionSize.Observe(float64(size))
}

// RecordLearningUpdate は嗜好学習の更新を記録する。
func (c *Collector) RecordLearningUpdate(interactionType string) {
	c.learningUpdates.WithLabelValues(interactionType).Inc()
}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}
