package summary

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// SummaryMetrics counts summarizer outcomes.
type SummaryMetrics struct {
	requests *prometheus.CounterVec
}

var (
	summaryMetricsInstance *SummaryMetrics
	summaryMetricsOnce     sync.Once
)

// GetSummaryMetrics returns the singleton summary metrics instance.
func GetSummaryMetrics() *SummaryMetrics {
	summaryMetricsOnce.Do(func() {
		summaryMetricsInstance = &SummaryMetrics{
			requests: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: "netdiag",
					Subsystem: "summary",
					Name:      "requests_total",
					Help:      "Capture summaries by outcome (ok, fallback)",
				},
				[]string{"outcome"},
			),
		}
		prometheus.MustRegister(summaryMetricsInstance.requests)
	})
	return summaryMetricsInstance
}

// RecordOutcome counts one summary.
func (m *SummaryMetrics) RecordOutcome(outcome string) {
	m.requests.WithLabelValues(outcome).Inc()
}
