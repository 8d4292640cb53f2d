// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// 結果ラベルの値
const (
	ResultSuccess  = "success"
	ResultFailure  = "failure"
	ResultNotFound = "not_found"
)

// MetricsCollector はメトリクス収集のインターフェース。
// サービス層とワーカーから利用する。
type MetricsCollector interface {
	RecordProviderCall(operation, result string)
	RecordProviderLatency(operation string, duration time.Duration)
	RecordTokenRefresh(result string)
	RecordCompensation(operation string)
	RecordReconcileRepair(kind string)
}

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	providerCalls    *prometheus.CounterVec
	providerLatency  *prometheus.HistogramVec
	tokenRefreshes   *prometheus.CounterVec
	compensations    *prometheus.CounterVec
	reconcileRepairs *prometheus.CounterVec
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		providerCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "schedman_provider_calls_total",
			Help: "Googleカレンダー呼び出しの操作別・結果別の合計数",
		}, []string{"operation", "result"}),
		providerLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "schedman_provider_latency_seconds",
			Help:    "Googleカレンダー呼び出しのレイテンシ（秒）",
			Buckets: prometheus.DefBuckets,
		}, []string{"operation"}),
		tokenRefreshes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "schedman_token_refresh_total",
			Help: "アクセストークン更新の結果別の合計数",
		}, []string{"result"}),
		compensations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "schedman_compensation_total",
			Help: "ローカル保存失敗後の補償処理の合計数",
		}, []string{"operation"}),
		reconcileRepairs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "schedman_reconcile_repairs_total",
			Help: "突き合わせジョブによる修復の種類別の合計数",
		}, []string{"kind"}),
	}

	reg.MustRegister(
		c.providerCalls,
		c.providerLatency,
		c.tokenRefreshes,
		c.compensations,
		c.reconcileRepairs,
	)

	return c
}

// RecordProviderCall はプロバイダー呼び出しの結果を記録する。
func (c *Collector) RecordProviderCall(operation, result string) {
	c.providerCalls.WithLabelValues(operation, result).Inc()
}

// RecordProviderLatency はプロバイダー呼び出しのレイテンシを記録する。
func (c *Collector) RecordProviderLatency(operation string, duration time.Duration) {
	c.providerLatency.WithLabelValues(operation).Observe(duration.Seconds())
}

// RecordTokenRefresh はトークン更新の結果を記録する。
func (c *Collector) RecordTokenRefresh(result string) {
	c.tokenRefreshes.WithLabelValues(result).Inc()
}

// RecordCompensation は補償処理の実行を記録する。
func (c *Collector) RecordCompensation(operation string) {
	c.compensations.WithLabelValues(operation).Inc()
}

// RecordReconcileRepair は突き合わせによる修復を記録する。
func (c *Collector) RecordReconcileRepair(kind string) {
	c.reconcileRepairs.WithLabelValues(kind).Inc()
}

// nopCollector は何も記録しないMetricsCollector。
type nopCollector struct{}

func (nopCollector) RecordProviderCall(string, string)           {}
func (nopCollector) RecordProviderLatency(string, time.Duration) {}
func (nopCollector) RecordTokenRefresh(string)                   {}
func (nopCollector) RecordCompensation(string)                   {}
func (nopCollector) RecordReconcileRepair(string)                {}

// Nop は何も記録しないMetricsCollectorを返す。テストやメトリクス無効時に使う。
func Nop() MetricsCollector {
	return nopCollector{}
}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// SetupMetricsRoute は/metricsエンドポイントを提供するHTTPハンドラーを返す。
// Prometheusスクレイプに対応する。
func SetupMetricsRoute(gatherer prometheus.Gatherer) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler(gatherer))
	return mux
}

// compile-time interface check
var _ MetricsCollector = (*Collector)(nil)
