// Package metrics holds the service's Prometheus collectors on a private
// registry, plus HTTP instrumentation.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "mapstats"

// Registry is the registry every collector below is registered with.
var Registry = prometheus.NewRegistry()

var factory = promauto.With(Registry)

var (
	httpInflight = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "http",
		Name:      "inflight_requests",
		Help:      "Current number of inflight HTTP requests.",
	})
	httpRequests = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "http",
		Name:      "requests_total",
		Help:      "HTTP requests processed, by status code and method.",
	}, []string{"code", "method"})
	httpLatency = factory.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "http",
		Name:      "request_duration_seconds",
		Help:      "Latency of HTTP requests.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"code", "method"})

	// Presigns counts issued presigned URLs by HTTP method.
	Presigns = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "signer",
		Name:      "presigned_urls_total",
		Help:      "Presigned URLs issued, by method.",
	}, []string{"method"})

	// SignFailures counts signing-endpoint failures by error class.
	SignFailures = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "signer",
		Name:      "failures_total",
		Help:      "Signing endpoint failures, by class (bad_request, forbidden, upstream, internal).",
	}, []string{"class"})

	// TileProxyResults counts tile proxy responses by outcome.
	TileProxyResults = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "tileproxy",
		Name:      "responses_total",
		Help:      "Tile proxy responses, by outcome (hit, missing, error, bad_request).",
	}, []string{"outcome"})

	// UploadItems counts orchestrated upload items by outcome.
	UploadItems = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "uploader",
		Name:      "items_total",
		Help:      "Batch upload items, by outcome (succeeded, failed).",
	}, []string{"outcome"})

	// MultipartSessions counts multipart session transitions by target state.
	MultipartSessions = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "multipart",
		Name:      "transitions_total",
		Help:      "Multipart session transitions, by resulting state.",
	}, []string{"state"})

	// CircuitBreakerState is 0 closed, 1 half-open, 2 open.
	CircuitBreakerState = factory.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "upstream",
		Name:      "circuit_breaker_state",
		Help:      "Circuit breaker state (0 closed, 1 half-open, 2 open).",
	}, []string{"name"})
)

// Handler serves the registry in the Prometheus exposition format.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// statusRecorder captures the HTTP status code written by a handler.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Middleware records inflight, count and latency for every request.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		httpInflight.Inc()
		defer httpInflight.Dec()

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		code := strconv.Itoa(rec.status)
		httpRequests.WithLabelValues(code, r.Method).Inc()
		httpLatency.WithLabelValues(code, r.Method).Observe(time.Since(start).Seconds())
	})
}
