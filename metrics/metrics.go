// Package metrics holds the prometheus collectors for the broker.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups the collectors registered on a single registry
type Metrics struct {
	registry         *prometheus.Registry
	requestCounter   *prometheus.CounterVec
	latencyHistogram *prometheus.HistogramVec
	upstreamCounter  *prometheus.CounterVec
}

// New registers the collectors on a fresh registry
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		requestCounter: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total HTTP requests",
			},
			[]string{"path", "method", "status"},
		),
		latencyHistogram: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Request latency",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"path", "method"},
		),
		upstreamCounter: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bling_upstream_requests_total",
				Help: "Calls made to the Bling API by operation and outcome",
			},
			[]string{"operation", "status"},
		),
	}
	m.registry.MustRegister(m.requestCounter, m.latencyHistogram, m.upstreamCounter)
	return m
}

// Handler serves the registry in the prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveUpstream counts a call to Bling; status 0 is a transport error
func (m *Metrics) ObserveUpstream(operation string, status int) {
	if m == nil {
		return
	}
	m.upstreamCounter.WithLabelValues(operation, strconv.Itoa(status)).Inc()
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

// Middleware records request counts and latency labelled by the mux
// route template, so path parameters do not explode cardinality
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		path := r.URL.Path
		if route := mux.CurrentRoute(r); route != nil {
			if tpl, err := route.GetPathTemplate(); err == nil {
				path = tpl
			}
		}
		m.requestCounter.WithLabelValues(path, r.Method, strconv.Itoa(rec.status)).Inc()
		m.latencyHistogram.WithLabelValues(path, r.Method).Observe(time.Since(start).Seconds())
	})
}
