// Package metrics exposes Prometheus instruments for triage runs.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the triage instruments. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	registry *prometheus.Registry

	MessagesTotal      *prometheus.CounterVec
	VerdictsTotal      *prometheus.CounterVec
	UnavailableTotal   *prometheus.CounterVec
	RiskScore          prometheus.Histogram
	PhaseDuration      *prometheus.HistogramVec
	ConnectFailures    prometheus.Counter
	LastRunTimestamp   prometheus.Gauge
	UnverifiedMessages prometheus.Gauge
}

// New registers the instruments on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,

		MessagesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "phishtriage_messages_total",
				Help: "Mailbox messages processed by ingestion, by outcome",
			},
			[]string{"outcome"},
		),

		VerdictsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "phishtriage_verdicts_total",
				Help: "Messages scored by verification, by result",
			},
			[]string{"result"},
		),

		UnavailableTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "phishtriage_signal_unavailable_total",
				Help: "Scoring runs in which an external capability was unavailable",
			},
			[]string{"capability"},
		),

		RiskScore: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "phishtriage_risk_score",
				Help:    "Distribution of combined risk scores",
				Buckets: []float64{0, 1, 2, 3, 4, 5, 6, 8, 10, 15},
			},
		),

		PhaseDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "phishtriage_phase_duration_seconds",
				Help:    "Duration of ingestion and verification phases",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"phase"},
		),

		ConnectFailures: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "phishtriage_connect_failures_total",
				Help: "Failed mailbox connection attempts",
			},
		),

		LastRunTimestamp: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "phishtriage_last_run_timestamp_seconds",
				Help: "Unix time of the last completed triage run",
			},
		),

		UnverifiedMessages: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "phishtriage_unverified_messages",
				Help: "Stored messages awaiting verification",
			},
		),
	}
}

func (m *Metrics) RecordMessage(outcome string) {
	if m == nil {
		return
	}
	m.MessagesTotal.WithLabelValues(outcome).Inc()
}

// RecordVerdict counts a verdict and observes its score.
func (m *Metrics) RecordVerdict(phishing bool, score float64, unavailable []string) {
	if m == nil {
		return
	}
	result := "clean"
	if phishing {
		result = "phishing"
	}
	m.VerdictsTotal.WithLabelValues(result).Inc()
	m.RiskScore.Observe(score)
	for _, c := range unavailable {
		m.UnavailableTotal.WithLabelValues(c).Inc()
	}
}

func (m *Metrics) RecordPhase(phase string, d time.Duration) {
	if m == nil {
		return
	}
	m.PhaseDuration.WithLabelValues(phase).Observe(d.Seconds())
}

func (m *Metrics) RecordConnectFailure() {
	if m == nil {
		return
	}
	m.ConnectFailures.Inc()
}

func (m *Metrics) RecordRunCompleted(at time.Time, unverified int) {
	if m == nil {
		return
	}
	m.LastRunTimestamp.Set(float64(at.Unix()))
	m.UnverifiedMessages.Set(float64(unverified))
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
