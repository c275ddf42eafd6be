package chat

import (
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// maxLabelLen is the maximum length for a metric label value
const maxLabelLen = 64

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

// ChatMetrics instruments the agentic loop.
type ChatMetrics struct {
	rounds      *prometheus.CounterVec
	forcedFinal *prometheus.CounterVec
	runs        *prometheus.CounterVec
}

var (
	chatMetricsInstance *ChatMetrics
	chatMetricsOnce     sync.Once
)

// GetChatMetrics returns the singleton chat metrics instance.
func GetChatMetrics() *ChatMetrics {
	chatMetricsOnce.Do(func() {
		chatMetricsInstance = newChatMetrics()
	})
	return chatMetricsInstance
}

func newChatMetrics() *ChatMetrics {
	m := &ChatMetrics{
		rounds: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "netdiag",
				Subsystem: "ai",
				Name:      "rounds_total",
				Help:      "Total model rounds by provider",
			},
			[]string{"provider"},
		),
		forcedFinal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "netdiag",
				Subsystem: "ai",
				Name:      "forced_final_rounds_total",
				Help:      "Runs that exhausted the round budget and were forced to answer without tools",
			},
			[]string{"provider"},
		),
		runs: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "netdiag",
				Subsystem: "ai",
				Name:      "runs_total",
				Help:      "Orchestration runs by provider and outcome",
			},
			[]string{"provider", "outcome"},
		),
	}

	prometheus.MustRegister(m.rounds, m.forcedFinal, m.runs)
	return m
}

// RecordRound records one model invocation of the loop.
func (m *ChatMetrics) RecordRound(provider string) {
	m.rounds.WithLabelValues(sanitizeLabel(provider)).Inc()
}

// RecordForcedFinal records a round issued with tools disabled because the
// budget ran out.
func (m *ChatMetrics) RecordForcedFinal(provider string) {
	m.forcedFinal.WithLabelValues(sanitizeLabel(provider)).Inc()
}

// RecordRun records the outcome of a whole run.
func (m *ChatMetrics) RecordRun(provider, outcome string) {
	m.runs.WithLabelValues(sanitizeLabel(provider), sanitizeLabel(outcome)).Inc()
}
