package api

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	apiMetricsOnce  sync.Once
	apiRequests     *prometheus.CounterVec
	apiDuration     *prometheus.HistogramVec
	apiRateLimited  *prometheus.CounterVec
	knownRoutePaths = map[string]bool{
		"/api/health":          true,
		"/api/providers":       true,
		"/api/diagnose":        true,
		"/api/capture/start":   true,
		"/api/capture/status":  true,
		"/api/capture/stop":    true,
		"/api/capture/analyze": true,
		"/api/capture/history": true,
		"/api/capture/watch":   true,
	}
)

func initAPIMetrics() {
	apiMetricsOnce.Do(func() {
		apiRequests = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "netdiag",
				Subsystem: "http",
				Name:      "requests_total",
				Help:      "HTTP requests by method, route and status",
			},
			[]string{"method", "route", "status"},
		)
		apiDuration = prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "netdiag",
				Subsystem: "http",
				Name:      "request_duration_seconds",
				Help:      "HTTP request latency by route",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"route"},
		)
		apiRateLimited = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "netdiag",
				Subsystem: "http",
				Name:      "rate_limited_total",
				Help:      "Requests rejected by the per-client rate limiter",
			},
			[]string{"route"},
		)
		prometheus.MustRegister(apiRequests, apiDuration, apiRateLimited)
	})
}

// routeLabel keeps metric cardinality bounded to the known routes.
func routeLabel(path string) string {
	if knownRoutePaths[path] {
		return path
	}
	return "other"
}

func recordAPIRequest(method, route string, status int, elapsed time.Duration) {
	initAPIMetrics()
	apiRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	apiDuration.WithLabelValues(route).Observe(elapsed.Seconds())
}

func recordRateLimited(route string) {
	initAPIMetrics()
	apiRateLimited.WithLabelValues(route).Inc()
}
