package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds Prometheus counters and gauges for the camera orchestrator.
type Metrics struct {
	registry              *prometheus.Registry
	requestsTotal         prometheus.Counter
	errorsTotal           prometheus.Counter
	sessionsStartedTotal  prometheus.Counter
	sessionsFailedTotal   prometheus.Counter
	pipelineRestartsTotal prometheus.Counter
	capturesTotal         prometheus.Counter
	previewClients        prometheus.Gauge
	pipelineRunning       prometheus.Gauge
}

// New creates and registers Prometheus metrics for the orchestrator.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	requestsTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "camera_requests_total",
		Help: "Total number of HTTP requests received",
	})
	errorsTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "camera_errors_total",
		Help: "Total number of HTTP responses with error status (4xx or 5xx)",
	})
	sessionsStartedTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "camera_sessions_started_total",
		Help: "Total number of recording sessions started",
	})
	sessionsFailedTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "camera_sessions_failed_total",
		Help: "Total number of recording sessions that ended in failure",
	})
	pipelineRestartsTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "camera_pipeline_restarts_total",
		Help: "Total number of automatic pipeline restarts after a crash",
	})
	capturesTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "camera_captures_total",
		Help: "Total number of still captures taken",
	})
	previewClients := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "camera_preview_clients",
		Help: "Number of attached preview stream clients",
	})
	pipelineRunning := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "camera_pipeline_running",
		Help: "Whether the shared camera pipeline is running (1) or not (0)",
	})

	registry.MustRegister(
		requestsTotal,
		errorsTotal,
		sessionsStartedTotal,
		sessionsFailedTotal,
		pipelineRestartsTotal,
		capturesTotal,
		previewClients,
		pipelineRunning,
	)

	return &Metrics{
		registry:              registry,
		requestsTotal:         requestsTotal,
		errorsTotal:           errorsTotal,
		sessionsStartedTotal:  sessionsStartedTotal,
		sessionsFailedTotal:   sessionsFailedTotal,
		pipelineRestartsTotal: pipelineRestartsTotal,
		capturesTotal:         capturesTotal,
		previewClients:        previewClients,
		pipelineRunning:       pipelineRunning,
	}
}

// IncRequests increments the total request counter.
func (m *Metrics) IncRequests() {
	m.requestsTotal.Inc()
}

// IncErrors increments the errors counter.
func (m *Metrics) IncErrors() {
	m.errorsTotal.Inc()
}

// IncSessionsStarted increments the sessions started counter.
func (m *Metrics) IncSessionsStarted() {
	m.sessionsStartedTotal.Inc()
}

// IncSessionsFailed increments the sessions failed counter.
func (m *Metrics) IncSessionsFailed() {
	m.sessionsFailedTotal.Inc()
}

// IncPipelineRestarts increments the pipeline restart counter.
func (m *Metrics) IncPipelineRestarts() {
	m.pipelineRestartsTotal.Inc()
}

// IncCaptures increments the still capture counter.
func (m *Metrics) IncCaptures() {
	m.capturesTotal.Inc()
}

// SetPreviewClients sets the preview client gauge.
func (m *Metrics) SetPreviewClients(n int) {
	m.previewClients.Set(float64(n))
}

// SetPipelineRunning sets the pipeline running gauge.
func (m *Metrics) SetPipelineRunning(running bool) {
	if running {
		m.pipelineRunning.Set(1)
	} else {
		m.pipelineRunning.Set(0)
	}
}

// Handler returns an http.Handler that serves Prometheus metrics.
// updateGauges is called before each scrape to refresh gauge values (e.g. pipeline state).
func (m *Metrics) Handler(updateGauges func()) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if updateGauges != nil {
			updateGauges()
		}
		promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}).ServeHTTP(w, r)
	})
}
