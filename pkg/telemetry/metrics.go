package telemetry

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

// Metrics provides Prometheus metrics for feature execution.
// A Metrics value with collection disabled is a no-op.
type Metrics struct {
	config MetricsConfig

	// Feature metrics
	featuresStarted   prometheus.Counter
	featuresCompleted *prometheus.CounterVec
	featureDuration   *prometheus.HistogramVec

	// Workstream metrics
	workstreamsCompleted *prometheus.CounterVec
	attempts             *prometheus.CounterVec
	attemptDuration      *prometheus.HistogramVec
	escalations          *prometheus.CounterVec

	// Routing and persistence metrics
	routerSelections *prometheus.CounterVec
	checkpointSaves  *prometheus.CounterVec

	// Error metrics
	errorsByClass *prometheus.CounterVec

	// System metrics
	activeFeatures prometheus.Gauge
	inFlightBuilds prometheus.Gauge

	registry *prometheus.Registry
}

// NewMetrics creates a new metrics collector with the given configuration.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		return &Metrics{config: cfg}, nil
	}

	namespace := cfg.Namespace
	buckets := cfg.DefaultHistogramBuckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		featuresStarted: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "features_started_total",
				Help:      "Total number of feature executions started",
			},
		),
		featuresCompleted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "features_finished_total",
				Help:      "Total number of feature executions finished, by final status",
			},
			[]string{"status"},
		),
		featureDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "feature_duration_seconds",
				Help:      "Duration of feature executions in seconds",
				Buckets:   buckets,
			},
			[]string{"status"},
		),

		workstreamsCompleted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "workstreams_completed_total",
				Help:      "Total number of workstreams completed",
			},
			[]string{"tier"},
		),
		attempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "build_attempts_total",
				Help:      "Total number of build attempts, by result",
			},
			[]string{"tier", "backend", "result"},
		),
		attemptDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "build_attempt_duration_seconds",
				Help:      "Duration of build attempts in seconds",
				Buckets:   buckets,
			},
			[]string{"tier", "backend"},
		),
		escalations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "escalations_total",
				Help:      "Total number of workstreams escalated to a human",
			},
			[]string{"tier"},
		),

		routerSelections: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "router_selections_total",
				Help:      "Total number of backend selections",
			},
			[]string{"tier", "backend"},
		),
		checkpointSaves: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "checkpoint_saves_total",
				Help:      "Total number of checkpoint saves, by result",
			},
			[]string{"result"},
		),

		errorsByClass: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_by_class_total",
				Help:      "Total number of errors by error class",
			},
			[]string{"class"},
		),

		activeFeatures: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_features",
				Help:      "Current number of features executing",
			},
		),
		inFlightBuilds: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "in_flight_builds",
				Help:      "Current number of build attempts in flight",
			},
		),
	}

	registry.MustRegister(
		m.featuresStarted,
		m.featuresCompleted,
		m.featureDuration,
		m.workstreamsCompleted,
		m.attempts,
		m.attemptDuration,
		m.escalations,
		m.routerSelections,
		m.checkpointSaves,
		m.errorsByClass,
		m.activeFeatures,
		m.inFlightBuilds,
	)

	return m, nil
}

// NewNopMetrics returns a metrics collector that records nothing.
func NewNopMetrics() *Metrics {
	return &Metrics{}
}

// Registry returns the registry metrics are registered on, or nil when disabled.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Feature Metrics

// RecordFeatureStarted increments the counter for started feature executions.
func (m *Metrics) RecordFeatureStarted() {
	if m.featuresStarted == nil {
		return
	}
	m.featuresStarted.Inc()
	m.activeFeatures.Inc()
}

// RecordFeatureFinished records a finished feature execution.
func (m *Metrics) RecordFeatureFinished(status string, duration time.Duration) {
	if m.featuresCompleted == nil {
		return
	}
	m.featuresCompleted.WithLabelValues(status).Inc()
	m.featureDuration.WithLabelValues(status).Observe(duration.Seconds())
	m.activeFeatures.Dec()
}

// Workstream Metrics

// RecordWorkstreamCompleted records a completed workstream.
func (m *Metrics) RecordWorkstreamCompleted(tier string) {
	if m.workstreamsCompleted == nil {
		return
	}
	m.workstreamsCompleted.WithLabelValues(tier).Inc()
}

// RecordAttempt records a build attempt with its result and duration.
func (m *Metrics) RecordAttempt(tier, backend string, success bool, duration time.Duration) {
	if m.attempts == nil {
		return
	}
	result := "failure"
	if success {
		result = "success"
	}
	m.attempts.WithLabelValues(tier, backend, result).Inc()
	m.attemptDuration.WithLabelValues(tier, backend).Observe(duration.Seconds())
}

// RecordEscalation records an escalated workstream.
func (m *Metrics) RecordEscalation(tier string) {
	if m.escalations == nil {
		return
	}
	m.escalations.WithLabelValues(tier).Inc()
}

// BuildStarted marks a build attempt as in flight.
func (m *Metrics) BuildStarted() {
	if m.inFlightBuilds == nil {
		return
	}
	m.inFlightBuilds.Inc()
}

// BuildFinished marks a build attempt as no longer in flight.
func (m *Metrics) BuildFinished() {
	if m.inFlightBuilds == nil {
		return
	}
	m.inFlightBuilds.Dec()
}

// Routing and Persistence Metrics

// RecordRouterSelection records the backend chosen for a tier.
func (m *Metrics) RecordRouterSelection(tier, backend string) {
	if m.routerSelections == nil {
		return
	}
	m.routerSelections.WithLabelValues(tier, backend).Inc()
}

// RecordCheckpointSave records a checkpoint save attempt.
func (m *Metrics) RecordCheckpointSave(err error) {
	if m.checkpointSaves == nil {
		return
	}
	result := "success"
	if err != nil {
		result = "failure"
	}
	m.checkpointSaves.WithLabelValues(result).Inc()
}

// Error Metrics

// RecordError records an error by class.
func (m *Metrics) RecordError(errorClass string) {
	if m.errorsByClass == nil {
		return
	}
	if errorClass == "" {
		errorClass = "unclassified"
	}
	m.errorsByClass.WithLabelValues(errorClass).Inc()
}

// Timer provides a convenient way to time operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Duration returns the elapsed time since the timer was created.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// StartMetricsServer serves the metrics endpoint on the configured address
// until ctx is done. It returns once the listener is bound.
func (m *Metrics) StartMetricsServer(ctx context.Context) error {
	if !m.config.Enabled || m.config.ListenAddress == "" {
		return nil
	}

	path := m.config.Path
	if path == "" {
		path = "/metrics"
	}

	mux := http.NewServeMux()
	mux.Handle(path, m.Handler())

	listener, err := net.Listen("tcp", m.config.ListenAddress)
	if err != nil {
		return err
	}

	server := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	go func() {
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("metrics server stopped")
		}
	}()

	return nil
}
