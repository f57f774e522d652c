package telemetry

import (
	"context"
	"fmt"
	"net/http"
	_ "net/http/pprof"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/wonderhq/coordinator/common/logger"
)

// Metrics are the coordinator's Prometheus series (spec §8 supplemental:
// operational metrics alongside the semantic/trace event streams).
type Metrics struct {
	RunsStarted    prometheus.Counter
	RunsCompleted  *prometheus.CounterVec // label: status (completed|failed|cancelled)
	StepDuration   *prometheus.HistogramVec // labels: action_kind
	ActiveTokens   prometheus.Gauge
	EventsEmitted  *prometheus.CounterVec // label: stream
}

// IncRunsStarted records one more workflow run starting.
func (m *Metrics) IncRunsStarted() {
	m.RunsStarted.Inc()
}

// IncRunsCompleted records one run reaching a terminal status
// (completed|failed|cancelled).
func (m *Metrics) IncRunsCompleted(status string) {
	m.RunsCompleted.WithLabelValues(status).Inc()
}

// SetActiveTokens reports the current in-process active token count.
func (m *Metrics) SetActiveTokens(n int) {
	m.ActiveTokens.Set(float64(n))
}

// ObserveStepDuration records one step's execution time by action kind.
func (m *Metrics) ObserveStepDuration(actionKind string, seconds float64) {
	m.StepDuration.WithLabelValues(actionKind).Observe(seconds)
}

// IncEventsEmitted records one event appended to a run's log.
func (m *Metrics) IncEventsEmitted(stream string) {
	m.EventsEmitted.WithLabelValues(stream).Inc()
}

func newMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		RunsStarted: factory.NewCounter(prometheus.CounterOpts{
			Name: "wonder_coordinator_runs_started_total",
			Help: "Total workflow runs started.",
		}),
		RunsCompleted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "wonder_coordinator_runs_completed_total",
			Help: "Total workflow runs completed, by terminal status.",
		}, []string{"status"}),
		StepDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "wonder_coordinator_step_duration_seconds",
			Help:    "Step execution duration by action kind.",
			Buckets: prometheus.DefBuckets,
		}, []string{"action_kind"}),
		ActiveTokens: factory.NewGauge(prometheus.GaugeOpts{
			Name: "wonder_coordinator_active_tokens",
			Help: "Tokens currently active across all in-memory runs.",
		}),
		EventsEmitted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "wonder_coordinator_events_emitted_total",
			Help: "Events appended to run event logs, by stream.",
		}, []string{"stream"}),
	}
}

// Telemetry holds observability components: a pprof endpoint, a
// Prometheus metrics endpoint, and structured logging helpers.
type Telemetry struct {
	log         *logger.Logger
	pprofAddr   string
	metricsAddr string
	registry    *prometheus.Registry
	Metrics     *Metrics
}

// New creates telemetry components with a private Prometheus registry.
func New(pprofPort, metricsPort int, log *logger.Logger) *Telemetry {
	reg := prometheus.NewRegistry()
	return &Telemetry{
		log:         log,
		pprofAddr:   fmt.Sprintf("localhost:%d", pprofPort),
		metricsAddr: fmt.Sprintf("localhost:%d", metricsPort),
		registry:    reg,
		Metrics:     newMetrics(reg),
	}
}

// Start starts the pprof and Prometheus metrics HTTP endpoints.
func (t *Telemetry) Start(ctx context.Context) error {
	go func() {
		t.log.Info("pprof server starting", "addr", t.pprofAddr)
		if err := http.ListenAndServe(t.pprofAddr, nil); err != nil {
			t.log.Error("pprof server error", "error", err)
		}
	}()

	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(t.registry, promhttp.HandlerOpts{}))
		t.log.Info("metrics server starting", "addr", t.metricsAddr)
		if err := http.ListenAndServe(t.metricsAddr, mux); err != nil {
			t.log.Error("metrics server error", "error", err)
		}
	}()

	return nil
}

// RecordDuration records operation duration in the structured log.
func (t *Telemetry) RecordDuration(operation string, start time.Time) {
	duration := time.Since(start)
	t.log.Debug("operation completed",
		"operation", operation,
		"duration_ms", duration.Milliseconds(),
	)
}

// RecordEvent records a telemetry event in the structured log.
func (t *Telemetry) RecordEvent(event string, attrs map[string]any) {
	t.log.Info("telemetry_event",
		"event", event,
		"attrs", attrs,
	)
}
