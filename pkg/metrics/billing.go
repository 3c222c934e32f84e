package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// BillingMetrics tracks the reliability surfaces of the billing core.
type BillingMetrics struct {
	deliveries      *prometheus.CounterVec
	deliveryLatency *prometheus.HistogramVec
	inbound         *prometheus.CounterVec
	usageReports    *prometheus.CounterVec
}

func NewBillingMetrics(reg prometheus.Registerer) *BillingMetrics {
	if reg == nil {
		return &BillingMetrics{}
	}
	deliveries := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "billing_webhook_deliveries_total",
		Help: "Outbound webhook delivery attempts by outcome.",
	}, []string{"outcome"})
	deliveryLatency := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "billing_webhook_delivery_seconds",
		Help:    "Latency of outbound webhook HTTP attempts.",
		Buckets: prometheus.DefBuckets,
	}, []string{"outcome"})
	inbound := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "billing_webhook_inbound_events_total",
		Help: "Inbound gateway events by processing outcome.",
	}, []string{"outcome"})
	usageReports := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "billing_usage_reports_total",
		Help: "Aggregated usage reports sent to the payment gateway by outcome.",
	}, []string{"outcome"})
	reg.MustRegister(deliveries, deliveryLatency, inbound, usageReports)
	return &BillingMetrics{
		deliveries:      deliveries,
		deliveryLatency: deliveryLatency,
		inbound:         inbound,
		usageReports:    usageReports,
	}
}

// ObserveDelivery records one outbound attempt.
func (m *BillingMetrics) ObserveDelivery(outcome string, took time.Duration) {
	if m == nil || m.deliveries == nil {
		return
	}
	label := normalizeLabel(outcome)
	m.deliveries.WithLabelValues(label).Inc()
	m.deliveryLatency.WithLabelValues(label).Observe(took.Seconds())
}

func (m *BillingMetrics) IncInbound(outcome string) {
	if m == nil || m.inbound == nil {
		return
	}
	m.inbound.WithLabelValues(normalizeLabel(outcome)).Inc()
}

func (m *BillingMetrics) IncUsageReport(outcome string) {
	if m == nil || m.usageReports == nil {
		return
	}
	m.usageReports.WithLabelValues(normalizeLabel(outcome)).Inc()
}
