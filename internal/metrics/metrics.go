package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics 业务指标，方法对 nil 接收者安全，测试可直接传 nil
type Metrics struct {
	registry *prometheus.Registry

	ingestTotal          *prometheus.CounterVec
	compensationTotal    *prometheus.CounterVec
	syncRunsTotal        *prometheus.CounterVec
	syncItemsTotal       *prometheus.CounterVec
	syncDuration         *prometheus.HistogramVec
	balanceRejections    *prometheus.CounterVec
	outboxPublishedTotal *prometheus.CounterVec
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		ingestTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "cardledger",
				Subsystem: "reconciler",
				Name:      "ingest_total",
				Help:      "Card transaction ingestions partitioned by kind and outcome.",
			},
			[]string{"kind", "result"},
		),
		compensationTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "cardledger",
				Subsystem: "compensator",
				Name:      "actions_total",
				Help:      "Auto-withdrawal and remediation actions partitioned by action and outcome.",
			},
			[]string{"action", "result"},
		),
		syncRunsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "cardledger",
				Subsystem: "sync",
				Name:      "runs_total",
				Help:      "Provider sync job runs partitioned by job and outcome.",
			},
			[]string{"job", "result"},
		),
		syncItemsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "cardledger",
				Subsystem: "sync",
				Name:      "items_total",
				Help:      "Items processed by provider sync jobs partitioned by job and outcome.",
			},
			[]string{"job", "result"},
		),
		syncDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "cardledger",
				Subsystem: "sync",
				Name:      "duration_seconds",
				Help:      "Provider sync job duration.",
				Buckets:   prometheus.ExponentialBuckets(0.5, 2, 10),
			},
			[]string{"job"},
		),
		balanceRejections: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "cardledger",
				Subsystem: "balance",
				Name:      "rejections_total",
				Help:      "Balance-gated operations rejected for insufficient available amount.",
			},
			[]string{"operation"},
		),
		outboxPublishedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "cardledger",
				Subsystem: "outbox",
				Name:      "published_total",
				Help:      "Outbox messages published to Kafka partitioned by topic and outcome.",
			},
			[]string{"topic", "result"},
		),
	}
}

// Handler /metrics 暴露端点
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) ObserveIngest(kind, result string) {
	if m == nil {
		return
	}
	m.ingestTotal.WithLabelValues(kind, result).Inc()
}

func (m *Metrics) ObserveCompensation(action, result string) {
	if m == nil {
		return
	}
	m.compensationTotal.WithLabelValues(action, result).Inc()
}

// ObserveSync 记录一次同步任务，items 按 inserted/merged/skipped/errors 分组
func (m *Metrics) ObserveSync(job string, elapsed time.Duration, items map[string]int, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.syncRunsTotal.WithLabelValues(job, result).Inc()
	m.syncDuration.WithLabelValues(job).Observe(elapsed.Seconds())
	for k, v := range items {
		m.syncItemsTotal.WithLabelValues(job, k).Add(float64(v))
	}
}

func (m *Metrics) ObserveBalanceRejection(operation string) {
	if m == nil {
		return
	}
	m.balanceRejections.WithLabelValues(operation).Inc()
}

func (m *Metrics) ObserveOutboxPublish(topic string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.outboxPublishedTotal.WithLabelValues(topic, result).Inc()
}
