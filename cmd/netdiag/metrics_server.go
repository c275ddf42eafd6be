package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/rcourtman/netdiag/internal/config"
	"github.com/rcourtman/netdiag/internal/logging"
)

// Scrapes are small and quick; these only need to stop a stuck client
// from pinning a connection.
const (
	metricsReadHeaderTimeout = 5 * time.Second
	metricsWriteTimeout      = 10 * time.Second
	metricsIdleTimeout       = 30 * time.Second
)

// newMetricsServer returns the Prometheus listener for cfg.MetricsAddr, or
// nil when metrics are not exposed.
func newMetricsServer(cfg *config.Config) *http.Server {
	if cfg.MetricsAddr == "" {
		return nil
	}

	handler := promhttp.InstrumentMetricHandler(
		prometheus.DefaultRegisterer,
		promhttp.HandlerFor(prometheus.DefaultGatherer, promhttp.HandlerOpts{
			ErrorHandling: promhttp.ContinueOnError,
		}),
	)
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", handler)

	return &http.Server{
		Addr:              cfg.MetricsAddr,
		Handler:           mux,
		ReadHeaderTimeout: metricsReadHeaderTimeout,
		WriteTimeout:      metricsWriteTimeout,
		IdleTimeout:       metricsIdleTimeout,
	}
}

// serveMetrics runs srv until it is shut down. A failing metrics listener
// is logged and never takes the API down with it.
func serveMetrics(srv *http.Server) {
	logger := logging.ForComponent("metrics")
	logger.Info().Str("addr", srv.Addr).Msg("Metrics endpoint listening")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error().Err(err).Str("addr", srv.Addr).Msg("Metrics listener failed")
	}
}

// shutdownServer drains srv within the deadline on ctx. A nil server is a
// no-op so optional listeners can be passed unconditionally.
func shutdownServer(ctx context.Context, component string, srv *http.Server) {
	if srv == nil {
		return
	}
	logger := logging.ForComponent(component)
	if err := srv.Shutdown(ctx); err != nil {
		logger.Warn().Err(err).Msg("Listener did not drain before the shutdown deadline")
		return
	}
	logger.Debug().Msg("Listener stopped")
}
