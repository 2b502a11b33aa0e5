// Package observability collects Prometheus metrics for the status
// server and the run lifecycle.
package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics aggregates the Prometheus registry and application metrics.
type Metrics struct {
	registry        *prometheus.Registry
	handler         http.Handler
	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	runsStarted     prometheus.Counter
	runsFinished    *prometheus.CounterVec
	rowsMigrated    prometheus.Counter
	phaseChanges    *prometheus.CounterVec
}

// NewMetrics initialises the registry and base metrics.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	requests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "roleshift_http_requests_total",
		Help: "HTTP requests served by route and status code.",
	}, []string{"route", "code"})
	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "roleshift_http_request_duration_seconds",
		Help:    "HTTP request duration per route.",
		Buckets: prometheus.DefBuckets,
	}, []string{"route"})
	runsStarted := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "roleshift_runs_started_total",
		Help: "Migration runs started.",
	})
	runsFinished := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "roleshift_runs_finished_total",
		Help: "Migration runs finished by terminal outcome.",
	}, []string{"outcome"})
	rowsMigrated := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "roleshift_rows_migrated_total",
		Help: "Principal rows remapped across all runs.",
	})
	phaseChanges := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "roleshift_phase_transitions_total",
		Help: "Run phase transitions by target phase.",
	}, []string{"phase"})
	registry.MustRegister(requests, duration, runsStarted, runsFinished, rowsMigrated, phaseChanges)
	return &Metrics{
		registry:        registry,
		handler:         promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		requestsTotal:   requests,
		requestDuration: duration,
		runsStarted:     runsStarted,
		runsFinished:    runsFinished,
		rowsMigrated:    rowsMigrated,
		phaseChanges:    phaseChanges,
	}
}

// RunStarted counts a new run.
func (m *Metrics) RunStarted() {
	if m != nil {
		m.runsStarted.Inc()
	}
}

// RunFinished counts a terminal outcome.
func (m *Metrics) RunFinished(outcome string) {
	if m != nil {
		m.runsFinished.WithLabelValues(outcome).Inc()
	}
}

// PhaseChanged counts a phase transition.
func (m *Metrics) PhaseChanged(phase string) {
	if m != nil {
		m.phaseChanges.WithLabelValues(phase).Inc()
	}
}

// RowsMigrated adds remapped rows.
func (m *Metrics) RowsMigrated(n int64) {
	if m != nil && n > 0 {
		m.rowsMigrated.Add(float64(n))
	}
}

// Handler returns the http.Handler for the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, http.StatusText(http.StatusServiceUnavailable), http.StatusServiceUnavailable)
		})
	}
	return m.handler
}

// Middleware records request metrics for every HTTP request.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	if m == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		recorder := statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(&recorder, r)
		route := routePattern(r)
		m.requestsTotal.WithLabelValues(route, strconv.Itoa(recorder.status)).Inc()
		m.requestDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	})
}

// Registerer exposes the registry for extra metric registration.
func (m *Metrics) Registerer() prometheus.Registerer {
	if m == nil {
		return prometheus.DefaultRegisterer
	}
	return m.registry
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func routePattern(r *http.Request) string {
	if routeCtx := chi.RouteContext(r.Context()); routeCtx != nil {
		if pattern := routeCtx.RoutePattern(); pattern != "" {
			return pattern
		}
	}
	return "unknown"
}
