// Package metrics records per-run counters and pushes them to a Prometheus
// Pushgateway. A CLI run is too short-lived to be scraped.
package metrics

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/push"
)

// Metrics holds the collectors for one run.
//
// Metrics:
//   - patchloop_attempts_total{outcome} - attempts by outcome (success, retry, fatal)
//   - patchloop_failures_total{kind} - failures by error kind
//   - patchloop_gate_duration_seconds{gate,passed} - gate command durations
//   - patchloop_attempt_duration_seconds - wall time per attempt
//   - patchloop_runs_total{result} - finished runs (published, dry_run, failed)
type Metrics struct {
	registry *prometheus.Registry

	AttemptsTotal   *prometheus.CounterVec
	FailuresTotal   *prometheus.CounterVec
	GateDuration    *prometheus.HistogramVec
	AttemptDuration prometheus.Histogram
	RunsTotal       *prometheus.CounterVec
}

// New creates metrics on a private registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)
	return &Metrics{
		registry: reg,
		AttemptsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "patchloop_attempts_total",
			Help: "Generation attempts by outcome",
		}, []string{"outcome"}),
		FailuresTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "patchloop_failures_total",
			Help: "Attempt failures by error kind",
		}, []string{"kind"}),
		GateDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "patchloop_gate_duration_seconds",
			Help:    "Duration of gate commands in seconds",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600},
		}, []string{"gate", "passed"}),
		AttemptDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "patchloop_attempt_duration_seconds",
			Help:    "Wall time of one generate-validate-transact attempt",
			Buckets: []float64{5, 15, 30, 60, 120, 300, 600, 1200},
		}),
		RunsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "patchloop_runs_total",
			Help: "Finished runs by result",
		}, []string{"result"}),
	}
}

// Registry exposes the underlying registry, mostly for tests.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// ObserveAttempt records one finished attempt.
func (m *Metrics) ObserveAttempt(outcome, kind string, d time.Duration) {
	m.AttemptsTotal.WithLabelValues(outcome).Inc()
	if kind != "" {
		m.FailuresTotal.WithLabelValues(kind).Inc()
	}
	m.AttemptDuration.Observe(d.Seconds())
}

// ObserveGate records one gate command.
func (m *Metrics) ObserveGate(gate string, passed bool, d time.Duration) {
	m.GateDuration.WithLabelValues(gate, fmt.Sprint(passed)).Observe(d.Seconds())
}

// ObserveRun records the final result of a run.
func (m *Metrics) ObserveRun(result string) {
	m.RunsTotal.WithLabelValues(result).Inc()
}

// Push sends every collector to the gateway, grouped by run id. An empty
// url is a no-op.
func (m *Metrics) Push(ctx context.Context, url, job, runID string) error {
	if url == "" {
		return nil
	}
	err := push.New(url, job).
		Gatherer(m.registry).
		Grouping("run_id", runID).
		PushContext(ctx)
	if err != nil {
		return fmt.Errorf("push metrics: %w", err)
	}
	return nil
}
