package capture

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// CaptureMetrics instruments the session manager.
type CaptureMetrics struct {
	started  *prometheus.CounterVec
	finished *prometheus.CounterVec
}

var (
	captureMetricsInstance *CaptureMetrics
	captureMetricsOnce     sync.Once
)

// GetCaptureMetrics returns the singleton capture metrics instance.
func GetCaptureMetrics() *CaptureMetrics {
	captureMetricsOnce.Do(func() {
		captureMetricsInstance = newCaptureMetrics()
	})
	return captureMetricsInstance
}

func newCaptureMetrics() *CaptureMetrics {
	m := &CaptureMetrics{
		started: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "netdiag",
				Subsystem: "capture",
				Name:      "sessions_started_total",
				Help:      "Capture sessions started by mode",
			},
			[]string{"mode"},
		),
		finished: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "netdiag",
				Subsystem: "capture",
				Name:      "sessions_finished_total",
				Help:      "Capture sessions that reached a terminal state, by status",
			},
			[]string{"status"},
		),
	}
	prometheus.MustRegister(m.started, m.finished)
	return m
}

var knownModes = map[string]bool{"auto": true, "dns": true, "http": true, "https": true, "tcp": true, "udp": true, "icmp": true}

// RecordStart counts a started session. Modes are user input, so anything
// unexpected is folded into "other".
func (m *CaptureMetrics) RecordStart(mode string) {
	if !knownModes[mode] {
		mode = "other"
	}
	m.started.WithLabelValues(mode).Inc()
}

// RecordFinished counts a session reaching a terminal state.
func (m *CaptureMetrics) RecordFinished(status Status) {
	m.finished.WithLabelValues(string(status)).Inc()
}
