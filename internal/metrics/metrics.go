// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsCollector はメトリクス収集のインターフェース。
// プレゼンス、位置共有、SOS、経路予測、監査ログの各コンポーネントから利用する。
type MetricsCollector interface {
	RecordDelivery(eventType string, connections int)
	RecordSample()
	RecordSessionSealed()
	RecordPersistRetry(store string)
	RecordPersistFailure(store string)
	RecordSOSTriggered()
	RecordSOSResolved()
	RecordOTPDeliveryFailure()
	RecordPrediction(outcome string, duration time.Duration)
	SetConnections(n int)
	RecordAuditDropped()
}

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	deliveries      *prometheus.CounterVec
	samples         prometheus.Counter
	sessionsSealed  prometheus.Counter
	persistRetries  *prometheus.CounterVec
	persistFailures *prometheus.CounterVec
	sosTriggered    prometheus.Counter
	sosResolved     prometheus.Counter
	otpFailures     prometheus.Counter
	predictions     *prometheus.CounterVec
	predictLatency  prometheus.Histogram
	connections     prometheus.Gauge
	auditDropped    prometheus.Counter
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "safetrack_events_delivered_total",
			Help: "コネクションへ配信したイベントの合計数（イベント種別別）",
		}, []string{"event_type"}),
		samples: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "safetrack_location_samples_total",
			Help: "記録した位置サンプルの合計数",
		}),
		sessionsSealed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "safetrack_sessions_sealed_total",
			Help: "シールして永続化した位置共有セッションの合計数",
		}),
		persistRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "safetrack_persist_retries_total",
			Help: "永続化のリトライ回数（ストア別）",
		}, []string{"store"}),
		persistFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "safetrack_persist_failures_total",
			Help: "リトライ上限に達した永続化失敗の合計数（ストア別）",
		}, []string{"store"}),
		sosTriggered: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "safetrack_sos_triggered_total",
			Help: "発報したSOSアラートの合計数",
		}),
		sosResolved: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "safetrack_sos_resolved_total",
			Help: "OTPで解除したSOSアラートの合計数",
		}),
		otpFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "safetrack_otp_delivery_failures_total",
			Help: "OTP送信失敗の合計数",
		}),
		predictions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "safetrack_predictions_total",
			Help: "経路予測の実行結果別の合計数",
		}, []string{"outcome"}),
		predictLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "safetrack_prediction_latency_seconds",
			Help:    "経路予測のレイテンシ（秒）",
			Buckets: prometheus.DefBuckets,
		}),
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "safetrack_live_connections",
			Help: "現在接続中のコネクション数",
		}),
		auditDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "safetrack_audit_dropped_total",
			Help: "キュー溢れで破棄した監査ログの合計数",
		}),
	}

	reg.MustRegister(
		c.deliveries,
		c.samples,
		c.sessionsSealed,
		c.persistRetries,
		c.persistFailures,
		c.sosTriggered,
		c.sosResolved,
		c.otpFailures,
		c.predictions,
		c.predictLatency,
		c.connections,
		c.auditDropped,
	)

	return c
}

// RecordDelivery は配信したコネクション数をイベント種別ごとに記録する。
func (c *Collector) RecordDelivery(eventType string, connections int) {
	c.deliveries.WithLabelValues(eventType).Add(float64(connections))
}

// RecordSample は位置サンプルの記録を記録する。
func (c *Collector) RecordSample() {
	c.samples.Inc()
}

// RecordSessionSealed はセッションの永続化完了を記録する。
func (c *Collector) RecordSessionSealed() {
	c.sessionsSealed.Inc()
}

// RecordPersistRetry は永続化のリトライを記録する。
func (c *Collector) RecordPersistRetry(store string) {
	c.persistRetries.WithLabelValues(store).Inc()
}

// RecordPersistFailure はリトライ上限に達した永続化失敗を記録する。
func (c *Collector) RecordPersistFailure(store string) {
	c.persistFailures.WithLabelValues(store).Inc()
}

// RecordSOSTriggered はSOS発報を記録する。
func (c *Collector) RecordSOSTriggered() {
	c.sosTriggered.Inc()
}

// RecordSOSResolved はSOS解除を記録する。
func (c *Collector) RecordSOSResolved() {
	c.sosResolved.Inc()
}

// RecordOTPDeliveryFailure はOTP送信失敗を記録する。
func (c *Collector) RecordOTPDeliveryFailure() {
	c.otpFailures.Inc()
}

// RecordPrediction は経路予測の結果とレイテンシを記録する。
func (c *Collector) RecordPrediction(outcome string, duration time.Duration) {
	c.predictions.WithLabelValues(outcome).Inc()
	c.predictLatency.Observe(duration.Seconds())
}

// SetConnections は現在のコネクション数を設定する。
func (c *Collector) SetConnections(n int) {
	c.connections.Set(float64(n))
}

// RecordAuditDropped は破棄した監査ログを記録する。
func (c *Collector) RecordAuditDropped() {
	c.auditDropped.Inc()
}

// NopCollector は何も記録しないMetricsCollector。テストやメトリクス無効時に使用する。
type NopCollector struct{}

func (NopCollector) RecordDelivery(string, int)               {}
func (NopCollector) RecordSample()                            {}
func (NopCollector) RecordSessionSealed()                     {}
func (NopCollector) RecordPersistRetry(string)                {}
func (NopCollector) RecordPersistFailure(string)              {}
func (NopCollector) RecordSOSTriggered()                      {}
func (NopCollector) RecordSOSResolved()                       {}
func (NopCollector) RecordOTPDeliveryFailure()                {}
func (NopCollector) RecordPrediction(string, time.Duration)   {}
func (NopCollector) SetConnections(int)                       {}
func (NopCollector) RecordAuditDropped()                      {}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}
