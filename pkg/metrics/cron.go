package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	runOK     = "ok"
	runFailed = "failed"
)

// CronJobMetrics tracks scheduled job runs. A nil value is a valid no-op.
type CronJobMetrics struct {
	runs         *prometheus.CounterVec
	duration     *prometheus.HistogramVec
	lastSuccess  *prometheus.GaugeVec
	lockFailures *prometheus.CounterVec
}

func NewCronJobMetrics(reg prometheus.Registerer) *CronJobMetrics {
	if reg == nil {
		return nil
	}
	m := &CronJobMetrics{
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "billing_cron_job_runs_total",
			Help: "Billing cron job runs by result.",
		}, []string{"job", "result"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "billing_cron_job_duration_seconds",
			Help:    "Wall time of billing cron job runs.",
			Buckets: []float64{.05, .25, 1, 5, 15, 60, 300, 900},
		}, []string{"job"}),
		lastSuccess: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "billing_cron_job_last_success_timestamp_seconds",
			Help: "Unix time of the last successful run per job.",
		}, []string{"job"}),
		lockFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "billing_cron_job_lock_errors_total",
			Help: "Runs abandoned because the distributed lock could not be checked.",
		}, []string{"job"}),
	}
	reg.MustRegister(m.runs, m.duration, m.lastSuccess, m.lockFailures)
	return m
}

// ObserveRun records one finished run; err decides the result label.
func (m *CronJobMetrics) ObserveRun(job string, took time.Duration, err error) {
	if m == nil {
		return
	}
	job = normalizeLabel(job)
	m.duration.WithLabelValues(job).Observe(took.Seconds())
	if err != nil {
		m.runs.WithLabelValues(job, runFailed).Inc()
		return
	}
	m.runs.WithLabelValues(job, runOK).Inc()
	m.lastSuccess.WithLabelValues(job).SetToCurrentTime()
}

func (m *CronJobMetrics) IncLockError(job string) {
	if m == nil {
		return
	}
	m.lockFailures.WithLabelValues(normalizeLabel(job)).Inc()
}

func normalizeLabel(value string) string {
	if value == "" {
		return "unknown"
	}
	return value
}
