package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Counter: store operations per tier (exact | near) and result (hit | miss | error).
	CacheLookupsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cache_lookups_total",
			Help: "Cache store lookups by tier and result.",
		},
		[]string{"tier", "result"},
	)

	// Counter: store writes per tier and result (ok | error).
	CacheWritesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cache_writes_total",
			Help: "Cache store writes by tier and result.",
		},
		[]string{"tier", "result"},
	)

	// Counter: final coordinator decision (exact | near_duplicate | miss).
	CacheDecisionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cache_decisions_total",
			Help: "Cache lookup outcomes by source.",
		},
		[]string{"source"},
	)

	// Counter: misses that piggybacked on an identical in-flight upstream call.
	InflightSharedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "cache_inflight_shared_total",
			Help: "Cache misses served by an identical in-flight upstream call.",
		},
	)

	// Histogram: upstream vision model latency in seconds.
	UpstreamLatencySeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "upstream_latency_seconds",
			Help:    "Latency of upstream vision model calls in seconds.",
			Buckets: []float64{0.25, 0.5, 1, 2, 5, 10, 20, 30, 60},
		},
	)

	// Histogram: gateway HTTP latency in seconds.
	GatewayLatencySeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "gateway_latency_seconds",
			Help:    "HTTP request latency for the gateway in seconds.",
			Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"path", "method", "status_code"},
	)
)

// Register is called once in main() to register metrics.
func Register() {
	prometheus.MustRegister(
		CacheLookupsTotal,
		CacheWritesTotal,
		CacheDecisionsTotal,
		InflightSharedTotal,
		UpstreamLatencySeconds,
		GatewayLatencySeconds,
	)
}

// Handler exposes the /metrics endpoint for Prometheus to scrape.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware measures gateway latency for each HTTP request.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		rec := &statusRecorder{
			ResponseWriter: w,
			statusCode:     http.StatusOK,
		}

		next.ServeHTTP(rec, r)

		GatewayLatencySeconds.
			WithLabelValues(r.URL.Path, r.Method, strconv.Itoa(rec.statusCode)).
			Observe(time.Since(start).Seconds())
	})
}

type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.statusCode = code
	r.ResponseWriter.WriteHeader(code)
}
