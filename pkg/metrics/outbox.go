package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// OutboxMetrics tracks the outbox relay. A nil value is a valid no-op.
type OutboxMetrics struct {
	events  *prometheus.CounterVec
	batches prometheus.Histogram
}

func NewOutboxMetrics(reg prometheus.Registerer) *OutboxMetrics {
	if reg == nil {
		return nil
	}
	m := &OutboxMetrics{
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "billing_outbox_events_total",
			Help: "Outbox rows handled by the relay, by event type and outcome.",
		}, []string{"event_type", "outcome"}),
		batches: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "billing_outbox_batch_seconds",
			Help:    "Time spent relaying one batch of outbox rows.",
			Buckets: prometheus.DefBuckets,
		}),
	}
	reg.MustRegister(m.events, m.batches)
	return m
}

func (m *OutboxMetrics) IncEvent(eventType, outcome string) {
	if m == nil {
		return
	}
	m.events.WithLabelValues(normalizeLabel(eventType), normalizeLabel(outcome)).Inc()
}

func (m *OutboxMetrics) ObserveBatch(took time.Duration) {
	if m == nil {
		return
	}
	m.batches.Observe(took.Seconds())
}
