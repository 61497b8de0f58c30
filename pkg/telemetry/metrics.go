package telemetry

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// Metrics provides Prometheus metrics for the shim. A disabled instance is
// a no-op.
type Metrics struct {
	config MetricsConfig

	invocations        *prometheus.CounterVec
	invocationDuration *prometheus.HistogramVec
	resolutions        *prometheus.CounterVec
	transformErrors    *prometheus.CounterVec
	scriptReloads      *prometheus.CounterVec

	activeSessions prometheus.Gauge
	loadedAdapters prometheus.Gauge

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

		invocations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "capability_invocations_total",
				Help:      "Total number of capability handler invocations",
			},
			[]string{"capability", "code"},
		),
		invocationDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "capability_invocation_duration_seconds",
				Help:      "Duration of capability handler invocations in seconds",
				Buckets:   buckets,
			},
			[]string{"capability"},
		),
		resolutions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "capability_resolutions_total",
				Help:      "Total number of capability resolutions by winning tier",
			},
			[]string{"capability", "tier"},
		),
		transformErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "transform_errors_total",
				Help:      "Total number of request or response transform failures",
			},
			[]string{"capability", "phase"},
		),
		scriptReloads: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "script_reloads_total",
				Help:      "Total number of model script reloads",
			},
			[]string{"result"},
		),
		activeSessions: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "sessions_active",
				Help:      "Current number of open sessions",
			},
		),
		loadedAdapters: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "adapters_loaded",
				Help:      "Current number of registered adapters",
			},
		),
	}

	registry.MustRegister(
		m.invocations,
		m.invocationDuration,
		m.resolutions,
		m.transformErrors,
		m.scriptReloads,
		m.activeSessions,
		m.loadedAdapters,
	)

	return m, nil
}

// Enabled reports whether metrics are collected.
func (m *Metrics) Enabled() bool {
	return m != nil && m.registry != nil
}

// RecordInvocation records a completed capability call.
func (m *Metrics) RecordInvocation(capability string, status int, duration time.Duration) {
	if !m.Enabled() {
		return
	}
	m.invocations.WithLabelValues(capability, strconv.Itoa(status)).Inc()
	m.invocationDuration.WithLabelValues(capability).Observe(duration.Seconds())
}

// RecordResolution records the tier a capability resolved to.
func (m *Metrics) RecordResolution(capability, tier string) {
	if !m.Enabled() {
		return
	}
	m.resolutions.WithLabelValues(capability, tier).Inc()
}

// RecordTransformError records a failed transform. Phase is request or
// response.
func (m *Metrics) RecordTransformError(capability, phase string) {
	if !m.Enabled() {
		return
	}
	m.transformErrors.WithLabelValues(capability, phase).Inc()
}

// RecordScriptReload records a model script reload.
func (m *Metrics) RecordScriptReload(err error) {
	if !m.Enabled() {
		return
	}
	result := "success"
	if err != nil {
		result = "error"
	}
	m.scriptReloads.WithLabelValues(result).Inc()
}

// SetActiveSessions sets the current number of open sessions.
func (m *Metrics) SetActiveSessions(count int) {
	if !m.Enabled() {
		return
	}
	m.activeSessions.Set(float64(count))
}

// SetLoadedAdapters sets the current number of registered adapters.
func (m *Metrics) SetLoadedAdapters(count int) {
	if !m.Enabled() {
		return
	}
	m.loadedAdapters.Set(float64(count))
}

// Registry returns the underlying Prometheus registry, or nil when disabled.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Timer measures elapsed time for an operation.
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
	if !m.Enabled() {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// StartMetricsServer serves metrics on a dedicated listener when
// ListenAddress is set. The returned server is nil otherwise.
func (m *Metrics) StartMetricsServer(logger zerolog.Logger) *http.Server {
	if !m.Enabled() || m.config.ListenAddress == "" {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle(m.config.Path, m.Handler())

	server := &http.Server{
		Addr:              m.config.ListenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Str("addr", m.config.ListenAddress).Msg("Metrics server failed")
		}
	}()

	return server
}
