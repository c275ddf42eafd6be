package tools

import (
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const maxLabelLen = 64

// sanitizeLabel keeps label values bounded and non-empty.
func sanitizeLabel(s string) string {
	if s == "" {
		return "unknown"
	}
	s = strings.ReplaceAll(s, " ", "_")
	if len(s) > maxLabelLen {
		s = s[:maxLabelLen]
	}
	return s
}

// RegistryMetrics instruments provider connections and tool calls.
type RegistryMetrics struct {
	connectFailures *prometheus.CounterVec
	toolCalls       *prometheus.CounterVec
	toolDuration    *prometheus.HistogramVec
}

var (
	registryMetricsInstance *RegistryMetrics
	registryMetricsOnce     sync.Once
)

// GetRegistryMetrics returns the singleton registry metrics instance.
func GetRegistryMetrics() *RegistryMetrics {
	registryMetricsOnce.Do(func() {
		registryMetricsInstance = newRegistryMetrics()
	})
	return registryMetricsInstance
}

func newRegistryMetrics() *RegistryMetrics {
	m := &RegistryMetrics{
		connectFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "netdiag",
				Subsystem: "tools",
				Name:      "provider_connect_failures_total",
				Help:      "Provider connection or catalog failures by provider and reason",
			},
			[]string{"provider", "reason"},
		),
		toolCalls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "netdiag",
				Subsystem: "tools",
				Name:      "calls_total",
				Help:      "Tool invocations by provider and outcome",
			},
			[]string{"provider", "outcome"},
		),
		toolDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "netdiag",
				Subsystem: "tools",
				Name:      "call_duration_seconds",
				Help:      "Tool invocation latency by provider",
				Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
			},
			[]string{"provider"},
		),
	}
	prometheus.MustRegister(m.connectFailures, m.toolCalls, m.toolDuration)
	return m
}

// RecordConnectFailure counts a provider that could not join the registry.
func (m *RegistryMetrics) RecordConnectFailure(provider, reason string) {
	m.connectFailures.WithLabelValues(sanitizeLabel(provider), sanitizeLabel(reason)).Inc()
}

// RecordCall counts one invocation. outcome is "ok" or a ToolError kind.
func (m *RegistryMetrics) RecordCall(provider, outcome string, d time.Duration) {
	m.toolCalls.WithLabelValues(sanitizeLabel(provider), sanitizeLabel(outcome)).Inc()
	m.toolDuration.WithLabelValues(sanitizeLabel(provider)).Observe(d.Seconds())
}
