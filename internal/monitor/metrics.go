// Package monitor exposes Prometheus metrics and OpenTelemetry spans for the
// approval pipeline. A nil *Metrics is valid and records nothing.
package monitor

import (
	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	Registry *prometheus.Registry

	SubmissionsTotal  *prometheus.CounterVec
	DecisionsTotal    *prometheus.CounterVec
	AwaitResults      *prometheus.CounterVec
	ExecutionsTotal   *prometheus.CounterVec
	ExecutionDuration prometheus.Histogram
	StoreRetries      *prometheus.CounterVec
	PendingTickets    prometheus.Gauge
	ExpiredTickets    prometheus.Counter
}

// NewMetrics registers all collectors on a dedicated registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		Registry: reg,

		SubmissionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "sqlgate",
				Name:      "submissions_total",
				Help:      "Submitted statements by risk level and outcome.",
			},
			[]string{"level", "outcome"},
		),

		DecisionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "sqlgate",
				Name:      "decisions_total",
				Help:      "Approval decisions by action and result.",
			},
			[]string{"action", "result"},
		),

		AwaitResults: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "sqlgate",
				Name:      "await_results_total",
				Help:      "Results of bounded waits for a decision.",
			},
			[]string{"result"},
		),

		ExecutionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "sqlgate",
				Name:      "executions_total",
				Help:      "Guarded executions by result.",
			},
			[]string{"result"},
		),

		ExecutionDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "sqlgate",
				Name:      "execution_duration_seconds",
				Help:      "Duration of guarded statement transactions.",
				Buckets:   []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
			},
		),

		StoreRetries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "sqlgate",
				Subsystem: "ticket_store",
				Name:      "retries_total",
				Help:      "Retries of unavailable ticket store operations.",
			},
			[]string{"op"},
		),

		PendingTickets: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "sqlgate",
				Name:      "pending_tickets",
				Help:      "Tickets awaiting a decision at the last sweep.",
			},
		),

		ExpiredTickets: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "sqlgate",
				Name:      "expired_tickets_total",
				Help:      "Tickets moved to EXPIRED.",
			},
		),
	}

	reg.MustRegister(
		m.SubmissionsTotal,
		m.DecisionsTotal,
		m.AwaitResults,
		m.ExecutionsTotal,
		m.ExecutionDuration,
		m.StoreRetries,
		m.PendingTickets,
		m.ExpiredTickets,
	)
	return m
}

func (m *Metrics) RecordSubmission(level, outcome string) {
	if m == nil {
		return
	}
	m.SubmissionsTotal.WithLabelValues(level, outcome).Inc()
}

func (m *Metrics) RecordDecision(action, result string) {
	if m == nil {
		return
	}
	m.DecisionsTotal.WithLabelValues(action, result).Inc()
}

func (m *Metrics) RecordAwait(result string) {
	if m == nil {
		return
	}
	m.AwaitResults.WithLabelValues(result).Inc()
}

func (m *Metrics) RecordExecution(result string, durationSec float64) {
	if m == nil {
		return
	}
	m.ExecutionsTotal.WithLabelValues(result).Inc()
	m.ExecutionDuration.Observe(durationSec)
}

func (m *Metrics) RecordStoreRetry(op string) {
	if m == nil {
		return
	}
	m.StoreRetries.WithLabelValues(op).Inc()
}

func (m *Metrics) SetPending(n int) {
	if m == nil {
		return
	}
	m.PendingTickets.Set(float64(n))
}

func (m *Metrics) RecordExpired(n int) {
	if m == nil {
		return
	}
	m.ExpiredTickets.Add(float64(n))
}
