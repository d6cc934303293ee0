package main

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// telemetry bundles the Prometheus registry and the HTTP-facing metrics the
// provider exposes on the telemetry listener, mirroring dex's
// prometheusRegistry wiring in cmd/dex/serve.go (Go/process collectors plus
// request counters/histograms registered up front).
type telemetry struct {
	registry *prometheus.Registry

	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
}

func newTelemetry() (*telemetry, error) {
	registry := prometheus.NewRegistry()
	if err := registry.Register(prometheus.NewGoCollector()); err != nil {
		return nil, err
	}
	if err := registry.Register(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{})); err != nil {
		return nil, err
	}

	t := &telemetry{
		registry: registry,
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "authrim",
			Name:      "http_requests_total",
			Help:      "HTTP requests served by the provider, by route and status code.",
		}, []string{"route", "status"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "authrim",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency, by route.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route"}),
	}
	if err := registry.Register(t.requestsTotal); err != nil {
		return nil, err
	}
	if err := registry.Register(t.requestDuration); err != nil {
		return nil, err
	}
	return t, nil
}

// instrument wraps h, recording request counts and latency per route
// template (not the raw, cardinality-unbounded path).
func (t *telemetry) instrument(route string, h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		h.ServeHTTP(sw, r)
		t.requestsTotal.WithLabelValues(route, strconv.Itoa(sw.status)).Inc()
		t.requestDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

func (t *telemetry) handler() http.Handler {
	return promhttp.HandlerFor(t.registry, promhttp.HandlerOpts{})
}
