// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsCollector はメトリクス収集のインターフェース。
// 会話エンジンとリマインダー配信から利用する。
type MetricsCollector interface {
	RecordEvent(kind string)
	RecordHandlerFailure(reason string)
	RecordReminderPushed(count int)
	RecordPushFailure()
	RecordDueReminders(count int)
	RecordTickLatency(duration time.Duration)
}

// ハンドラー失敗の理由ラベル。
const (
	FailureBotError    = "bot_error"
	FailureSystem      = "system"
	FailurePanic       = "panic"
	FailureRateLimited = "rate_limited"
	FailureReply       = "reply"
)

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	events          *prometheus.CounterVec
	handlerFailures *prometheus.CounterVec
	remindersPushed prometheus.Counter
	pushFailures    prometheus.Counter
	dueReminders    prometheus.Histogram
	tickLatency     prometheus.Histogram
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "medremind_webhook_events_total",
			Help: "種類別の受信イベント数",
		}, []string{"kind"}),
		handlerFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "medremind_handler_failures_total",
			Help: "理由別のイベント処理失敗数",
		}, []string{"reason"}),
		remindersPushed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "medremind_reminders_pushed_total",
			Help: "送信した服薬リマインダーの合計数",
		}),
		pushFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "medremind_push_failures_total",
			Help: "プッシュ送信失敗の合計数",
		}),
		dueReminders: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "medremind_due_reminders",
			Help:    "1回の配信で通知対象となったスケジュール数",
			Buckets: []float64{0, 1, 5, 10, 50, 100, 500},
		}),
		tickLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "medremind_tick_latency_seconds",
			Help:    "リマインダー配信1回あたりの処理時間（秒）",
			Buckets: prometheus.DefBuckets,
		}),
	}

	reg.MustRegister(
		c.events,
		c.handlerFailures,
		c.remindersPushed,
		c.pushFailures,
		c.dueReminders,
		c.tickLatency,
	)

	return c
}

// RecordEvent は受信イベントを種類別に記録する。
func (c *Collector) RecordEvent(kind string) {
	c.events.WithLabelValues(kind).Inc()
}

// RecordHandlerFailure はイベント処理の失敗を記録する。
func (c *Collector) RecordHandlerFailure(reason string) {
	c.handlerFailures.WithLabelValues(reason).Inc()
}

// RecordReminderPushed は送信したリマインダー数を記録する。
func (c *Collector) RecordReminderPushed(count int) {
	c.remindersPushed.Add(float64(count))
}

// RecordPushFailure はプッシュ送信の失敗を記録する。
func (c *Collector) RecordPushFailure() {
	c.pushFailures.Inc()
}

// RecordDueReminders は1回の配信で通知対象となったスケジュール数を記録する。
func (c *Collector) RecordDueReminders(count int) {
	c.dueReminders.Observe(float64(count))
}

// RecordTickLatency は配信1回の処理時間を記録する。
func (c *Collector) RecordTickLatency(duration time.Duration) {
	c.tickLatency.Observe(duration.Seconds())
}

// Nop は何も記録しないMetricsCollector。
type Nop struct{}

func (Nop) RecordEvent(string)              {}
func (Nop) RecordHandlerFailure(string)     {}
func (Nop) RecordReminderPushed(int)        {}
func (Nop) RecordPushFailure()              {}
func (Nop) RecordDueReminders(int)          {}
func (Nop) RecordTickLatency(time.Duration) {}

var (
	_ MetricsCollector = (*Collector)(nil)
	_ MetricsCollector = Nop{}
)

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}
