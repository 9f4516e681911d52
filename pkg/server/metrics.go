package server

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the Prometheus metrics served on the admin listener.
type Metrics struct {
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec
	httpResponseSize    *prometheus.HistogramVec

	configReloads *prometheus.CounterVec
	routesActive  prometheus.Gauge

	registry *prometheus.Registry
}

// NewMetrics creates a metrics instance on a private registry.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		httpRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "render_http_requests_total",
				Help: "Total number of HTTP requests by listener, method and status code",
			},
			[]string{"listener", "method", "status_code"},
		),

		httpRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "render_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"listener", "method"},
		),

		httpResponseSize: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "render_http_response_size_bytes",
				Help:    "Size of HTTP response bodies in bytes",
				Buckets: prometheus.ExponentialBuckets(256, 4, 8),
			},
			[]string{"listener"},
		),

		configReloads: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "render_config_reloads_total",
				Help: "Total number of configuration reload attempts by status",
			},
			[]string{"status"},
		),

		routesActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "render_routes_active",
				Help: "Number of routes in the serving table",
			},
		),

		registry: registry,
	}

	registry.MustRegister(
		m.httpRequestsTotal,
		m.httpRequestDuration,
		m.httpResponseSize,
		m.configReloads,
		m.routesActive,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return m
}

// RecordHTTPRequest records a served request.
func (m *Metrics) RecordHTTPRequest(listener, method string, statusCode int, size int64, duration time.Duration) {
	m.httpRequestsTotal.WithLabelValues(listener, method, strconv.Itoa(statusCode)).Inc()
	m.httpRequestDuration.WithLabelValues(listener, method).Observe(duration.Seconds())
	m.httpResponseSize.WithLabelValues(listener).Observe(float64(size))
}

// RecordConfigReload records a configuration reload attempt.
func (m *Metrics) RecordConfigReload(status string) {
	m.configReloads.WithLabelValues(status).Inc()
}

// SetActiveRoutes reports the size of the serving table.
func (m *Metrics) SetActiveRoutes(n int) {
	m.routesActive.Set(float64(n))
}

// Handler returns the Prometheus metrics HTTP handler.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the Prometheus registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Middleware records request metrics under the given listener label.
func (m *Metrics) Middleware(listener string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := newStatusRecorder(w)

		next.ServeHTTP(rec, r)

		m.RecordHTTPRequest(listener, r.Method, rec.status, rec.size, time.Since(start))
	})
}
