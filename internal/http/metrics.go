package httpx

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/splax/kubeploy/internal/metrics"
)

var histogramBuckets = []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10}

type routerMetrics struct {
	requests      *prometheus.CounterVec
	latency       *prometheus.HistogramVec
	rateLimitHits *prometheus.CounterVec
}

func newRouterMetrics() routerMetrics {
	return routerMetrics{
		requests:      metrics.NewCounterVec("http", "requests_total", "Count of processed HTTP requests", "method", "route", "status"),
		latency:       metrics.NewHistogramVec("http", "request_duration_seconds", "Latency distribution of HTTP handlers", histogramBuckets, "method", "route", "status"),
		rateLimitHits: metrics.NewCounterVec("http", "rate_limit_hits_total", "Number of rate-limited responses", "route"),
	}
}

func (m routerMetrics) observe(method, route string, status int, duration time.Duration) {
	labels := prometheus.Labels{"method": method, "route": route, "status": strconv.Itoa(status)}
	m.requests.With(labels).Inc()
	m.latency.With(labels).Observe(duration.Seconds())
}
