// Package metrics holds the prometheus metrics for optimization runs and
// exports them over HTTP (daemon mode) or to a node_exporter textfile.
package metrics

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics contains all prometheus metrics for the optimizer
type Metrics struct {
	// Run tracking
	Runs        *prometheus.CounterVec
	RunDuration prometheus.Histogram
	LastRun     prometheus.Gauge

	// Candidate evaluation
	Candidates    prometheus.Gauge
	Reachable     prometheus.Gauge
	ProbeFailures *prometheus.CounterVec
	Blacklisted   prometheus.Gauge

	// Selection outcome
	BestScore    prometheus.Gauge
	CurrentScore prometheus.Gauge
	Gain         prometheus.Gauge
	Decisions    *prometheus.CounterVec
	Mutations    *prometheus.CounterVec
}

// NewMetrics creates and registers all optimizer metrics
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Runs: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ntp_optimizer_runs_total",
				Help: "Total number of optimization runs by result",
			},
			[]string{"result"},
		),

		RunDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "ntp_optimizer_run_duration_seconds",
				Help:    "Time spent on an optimization run in seconds",
				Buckets: []float64{1, 2.5, 5, 10, 20, 30, 60, 120, 300},
			},
		),

		LastRun: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "ntp_optimizer_last_run_timestamp_seconds",
				Help: "Unix time of the last completed run",
			},
		),

		Candidates: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "ntp_optimizer_candidates",
				Help: "Number of candidate servers probed in the last run",
			},
		),

		Reachable: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "ntp_optimizer_candidates_reachable",
				Help: "Number of candidate servers that answered in the last run",
			},
		),

		ProbeFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ntp_optimizer_probe_failures_total",
				Help: "Total number of servers that did not answer any probe",
			},
			[]string{"region"},
		),

		Blacklisted: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "ntp_optimizer_blacklisted_servers",
				Help: "Number of blacklisted servers",
			},
		),

		BestScore: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "ntp_optimizer_best_score",
				Help: "Score of the best candidate in the last run",
			},
		),

		CurrentScore: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "ntp_optimizer_current_score",
				Help: "Score of the configured server in the last run, 0 if unmeasured",
			},
		),

		Gain: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "ntp_optimizer_gain_ratio",
				Help: "Relative improvement of the best candidate over the configured server",
			},
		),

		Decisions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ntp_optimizer_decisions_total",
				Help: "Total number of selection decisions",
			},
			[]string{"action", "reason"},
		),

		Mutations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ntp_optimizer_mutations_total",
				Help: "Total number of configuration changes by final state",
			},
			[]string{"state"},
		),
	}

	reg.MustRegister(
		m.Runs,
		m.RunDuration,
		m.LastRun,
		m.Candidates,
		m.Reachable,
		m.ProbeFailures,
		m.Blacklisted,
		m.BestScore,
		m.CurrentScore,
		m.Gain,
		m.Decisions,
		m.Mutations,
	)

	return m
}

// TrackRun records a finished run.
func (m *Metrics) TrackRun(start time.Time, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.Runs.WithLabelValues(result).Inc()
	m.RunDuration.Observe(time.Since(start).Seconds())
	m.LastRun.SetToCurrentTime()
}

func (m *Metrics) TrackDecision(action, reason string) {
	m.Decisions.WithLabelValues(action, reason).Inc()
}

func (m *Metrics) TrackMutation(state string) {
	m.Mutations.WithLabelValues(state).Inc()
}

// WriteTextfile writes the registry in the text exposition format for the
// node_exporter textfile collector. The file is replaced atomically.
func WriteTextfile(path string, g prometheus.Gatherer) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("metrics textfile: %w", err)
	}
	return prometheus.WriteToTextfile(path, g)
}
