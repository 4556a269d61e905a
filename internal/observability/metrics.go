// Package observability exposes the Prometheus registry shared by the server.
package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics collects Prometheus metrics for the application.
type Metrics struct {
	registry           *prometheus.Registry
	handler            http.Handler
	requestsTotal      *prometheus.CounterVec
	requestDuration    *prometheus.HistogramVec
	datastoreOps       *prometheus.CounterVec
	profileResolutions *prometheus.CounterVec
	profileAttempts    prometheus.Histogram
	reportCache        *prometheus.CounterVec
}

// NewMetrics initialises the registry and the application collectors.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	requests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "dealerdesk_http_requests_total",
		Help: "HTTP requests by route and status code.",
	}, []string{"route", "code"})
	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "dealerdesk_http_request_duration_seconds",
		Help:    "HTTP request duration per route.",
		Buckets: prometheus.DefBuckets,
	}, []string{"route"})
	datastoreOps := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "dealerdesk_datastore_operations_total",
		Help: "Data access operations by table, operation and result.",
	}, []string{"table", "op", "result"})
	resolutions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "dealerdesk_profile_resolutions_total",
		Help: "Profile resolutions by outcome.",
	}, []string{"outcome"})
	attempts := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "dealerdesk_profile_resolution_attempts",
		Help:    "Profile fetch attempts needed per resolution.",
		Buckets: []float64{1, 2, 3, 4, 5},
	})
	reportCache := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "dealerdesk_report_cache_total",
		Help: "Report cache lookups by result.",
	}, []string{"result"})
	registry.MustRegister(requests, duration, datastoreOps, resolutions, attempts, reportCache)
	return &Metrics{
		registry:           registry,
		handler:            promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		requestsTotal:      requests,
		requestDuration:    duration,
		datastoreOps:       datastoreOps,
		profileResolutions: resolutions,
		profileAttempts:    attempts,
		reportCache:        reportCache,
	}
}

// Handler returns the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, http.StatusText(http.StatusServiceUnavailable), http.StatusServiceUnavailable)
		})
	}
	return m.handler
}

// Middleware records request count and latency per route.
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

// ObserveDatastoreOp counts a repository operation.
func (m *Metrics) ObserveDatastoreOp(table, op string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.datastoreOps.WithLabelValues(table, op, result).Inc()
}

// ObserveProfileResolution counts a settled profile resolution.
func (m *Metrics) ObserveProfileResolution(outcome string, attempts int) {
	if m == nil {
		return
	}
	m.profileResolutions.WithLabelValues(outcome).Inc()
	if attempts > 0 {
		m.profileAttempts.Observe(float64(attempts))
	}
}

// ObserveReportCache counts a report cache lookup by result (hit, miss, error).
func (m *Metrics) ObserveReportCache(result string) {
	if m == nil {
		return
	}
	m.reportCache.WithLabelValues(result).Inc()
}

// Registerer exposes the registry for additional collectors.
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
