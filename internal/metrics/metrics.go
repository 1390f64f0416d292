// Package metrics holds the Prometheus collectors exported on /metrics.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "learnd_http_requests_total",
			Help: "Total HTTP requests by method, route and status.",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "learnd_http_request_duration_seconds",
			Help:    "HTTP request latency in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// JobTransitions counts content jobs reaching a status, by content type.
	JobTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "learnd_content_jobs_total",
			Help: "Content jobs by type and resulting status.",
		},
		[]string{"content_type", "status"},
	)

	// JobDuration observes time from claim to terminal state.
	JobDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "learnd_content_job_duration_seconds",
			Help:    "Time spent generating one content job.",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600},
		},
		[]string{"content_type"},
	)

	// ChatOutcomes counts chat turns by mode and outcome (ok, rate_limited,
	// timeout, provider_failure, no_context).
	ChatOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "learnd_chat_turns_total",
			Help: "Chat turns by mode and outcome.",
		},
		[]string{"mode", "outcome"},
	)

	UploadRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "learnd_upload_rejections_total",
			Help: "Rejected knowledge uploads by reason.",
		},
		[]string{"reason"},
	)

	Downloads = promauto.NewCounter(prometheus.CounterOpts{
		Name: "learnd_downloads_total",
		Help: "Successful content downloads.",
	})

	CacheHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "learnd_session_cache_hits_total",
			Help: "Session live-memory cache hits by backend.",
		},
		[]string{"backend"},
	)

	CacheMisses = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "learnd_session_cache_misses_total",
			Help: "Session live-memory cache misses by backend.",
		},
		[]string{"backend"},
	)
)

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware records request count and latency. The path label is the chi
// route pattern, so ids in URLs do not inflate cardinality.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := newResponseWriter(w)
		next.ServeHTTP(wrapped, r)

		path := "unmatched"
		if rc := chi.RouteContext(r.Context()); rc != nil {
			if p := rc.RoutePattern(); p != "" {
				path = p
			}
		}
		httpRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.statusCode)).Inc()
		httpRequestDuration.WithLabelValues(r.Method, path).Observe(time.Since(start).Seconds())
	})
}

type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func newResponseWriter(w http.ResponseWriter) *responseWriter {
	return &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}
