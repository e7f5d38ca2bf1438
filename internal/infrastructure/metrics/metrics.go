package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics 对账服务的 Prometheus 指标
// 所有方法对 nil 接收者安全，测试中可以直接传 nil
type Metrics struct {
	webhookEvents    *prometheus.CounterVec
	creditsGranted   *prometheus.CounterVec
	outboxDeliveries *prometheus.CounterVec
	webhookDuration  prometheus.Histogram
}

func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		webhookEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "creditsync",
			Name:      "webhook_events_total",
			Help:      "Billing webhook events by normalized type and outcome.",
		}, []string{"type", "outcome"}),
		creditsGranted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "creditsync",
			Name:      "credits_granted_total",
			Help:      "Credits granted through the ledger by category.",
		}, []string{"category"}),
		outboxDeliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "creditsync",
			Name:      "outbox_deliveries_total",
			Help:      "Outbox delivery attempts by topic and result.",
		}, []string{"topic", "result"}),
		webhookDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "creditsync",
			Name:      "webhook_duration_seconds",
			Help:      "Time spent handling one webhook delivery.",
			Buckets:   prometheus.DefBuckets,
		}),
	}
	reg.MustRegister(m.webhookEvents, m.creditsGranted, m.outboxDeliveries, m.webhookDuration)
	return m
}

func (m *Metrics) ObserveEvent(eventType, outcome string) {
	if m == nil {
		return
	}
	if eventType == "" {
		eventType = "unrecognized"
	}
	m.webhookEvents.WithLabelValues(eventType, outcome).Inc()
}

func (m *Metrics) ObserveGrant(category string, credits int64) {
	if m == nil || credits <= 0 {
		return
	}
	m.creditsGranted.WithLabelValues(category).Add(float64(credits))
}

func (m *Metrics) ObserveDelivery(topic, result string) {
	if m == nil {
		return
	}
	m.outboxDeliveries.WithLabelValues(topic, result).Inc()
}

func (m *Metrics) ObserveDuration(seconds float64) {
	if m == nil {
		return
	}
	m.webhookDuration.Observe(seconds)
}
