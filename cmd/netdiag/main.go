package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/rcourtman/netdiag/internal/ai/chat"
	"github.com/rcourtman/netdiag/internal/ai/circuit"
	"github.com/rcourtman/netdiag/internal/ai/providers"
	"github.com/rcourtman/netdiag/internal/ai/summary"
	"github.com/rcourtman/netdiag/internal/ai/tools"
	"github.com/rcourtman/netdiag/internal/api"
	"github.com/rcourtman/netdiag/internal/capture"
	"github.com/rcourtman/netdiag/internal/config"
	"github.com/rcourtman/netdiag/internal/logging"
)

// Version information (set at build time with -ldflags)
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

var rootCmd = &cobra.Command{
	Use:     "netdiag",
	Short:   "netdiag - AI-driven network diagnostics",
	Long:    `netdiag orchestrates diagnostic tool providers and a language model to investigate network problems`,
	Version: Version,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer()
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the diagnostics API server (default)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer()
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "netdiag %s\n", Version)
		if BuildTime != "unknown" {
			fmt.Fprintf(cmd.OutOrStdout(), "Built: %s\n", BuildTime)
		}
		if GitCommit != "unknown" {
			fmt.Fprintf(cmd.OutOrStdout(), "Commit: %s\n", GitCommit)
		}
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(providersCmd)
	rootCmd.AddCommand(captureCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// loadCatalog reads providers.json. A missing file yields an empty catalog
// so the server still answers without tools.
func loadCatalog(cfg *config.Config) (*config.Catalog, error) {
	list, err := config.LoadProviders(cfg.ProvidersFile)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			log.Warn().Str("path", cfg.ProvidersFile).Msg("Provider catalog not found, starting without tool providers")
			return config.NewCatalog(nil), nil
		}
		return nil, err
	}
	return config.NewCatalog(list), nil
}

func runServer() error {
	logging.Init(logging.Config{
		Format:    "auto",
		Level:     "info",
		Component: "netdiag",
	})

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}

	logging.Init(logging.Config{
		Format:    cfg.LogFormat,
		Level:     cfg.LogLevel,
		Component: "netdiag",
		FilePath:  cfg.LogFile,
		MaxSizeMB: cfg.LogMaxSizeMB,
	})
	defer logging.Shutdown()

	log.Info().Str("version", Version).Msg("Starting netdiag server")

	metricsSrv := newMetricsServer(cfg)
	if metricsSrv != nil {
		go serveMetrics(metricsSrv)
	}

	catalog, err := loadCatalog(cfg)
	if err != nil {
		return err
	}

	watcher, err := config.NewProviderWatcher(cfg.ProvidersFile, catalog)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to create provider watcher, catalog changes will require restart")
	} else {
		watcher.OnReload(func(count int) {
			log.Debug().Int("providers", count).Int("catalog_version", catalog.Version()).Msg("New diagnostic runs will use the reloaded catalog")
		})
		if err := watcher.Start(); err != nil {
			log.Warn().Err(err).Msg("Failed to start provider watcher")
		}
		defer watcher.Stop()
	}

	// A missing model only disables diagnosis; capture still works.
	model, err := providers.NewFromConfig(cfg)
	if err != nil {
		log.Warn().Err(err).Str("provider", cfg.AIProvider).Msg("AI provider not configured")
	}

	var history capture.HistoryStore
	if cfg.CaptureHistoryLimit > 0 {
		sqliteHistory, err := capture.NewSQLiteHistory(cfg.DataDir, cfg.CaptureHistoryLimit)
		if err != nil {
			log.Warn().Err(err).Msg("Failed to open capture history database, keeping history in memory")
			history = capture.NewMemoryHistory(cfg.CaptureHistoryLimit)
		} else {
			history = sqliteHistory
		}
		defer history.Close()
	}

	dialer := tools.TransportDialer{ClientVersion: Version}
	manager := capture.NewManager(capture.ManagerConfig{
		Caller: &capture.ProviderCaller{
			Catalog:  catalog,
			Provider: cfg.CaptureProvider,
			Dialer:   dialer,
			Timeout:  cfg.ToolCallTimeout,
		},
		History: history,
	})

	var diagnoser api.Diagnoser
	var summarizer *summary.Summarizer
	if model != nil {
		diagnoser = chat.NewService(chat.ServiceConfig{
			Config:       cfg,
			Provider:     model,
			Catalog:      catalog,
			Dialer:       dialer,
			Breakers:     circuit.NewSet(circuit.DefaultConfig()),
			Interceptors: []chat.Interceptor{capture.NewInterceptor(manager, cfg.CaptureProvider)},
		})
		summarizer = summary.New(model, cfg.AIModel)
	} else {
		summarizer = summary.New(nil, "")
	}

	limiter := api.NewRateLimiter(cfg.DiagnoseRateLimit, cfg.DiagnoseBurst)
	defer limiter.Stop()

	router := api.NewRouter(api.Deps{
		Diagnoser:  diagnoser,
		Capture:    manager,
		Summarizer: summarizer,
		Limiter:    limiter,
		Version:    Version,
	})

	// WriteTimeout stays off: /api/diagnose streams and the watch socket is long lived.
	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           router,
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Info().Str("addr", cfg.ListenAddr).Msg("Server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	sigChan := make(chan os.Signal, 1)
	reloadChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	signal.Notify(reloadChan, syscall.SIGHUP)

loop:
	for {
		select {
		case <-reloadChan:
			log.Info().Msg("Received SIGHUP, reloading provider catalog")
			if watcher != nil {
				watcher.Reload()
			}
		case err := <-serveErr:
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
			shutdownServer(shutdownCtx, "metrics", metricsSrv)
			shutdownCancel()
			return fmt.Errorf("http server: %w", err)
		case <-sigChan:
			log.Info().Msg("Shutting down server...")
			break loop
		}
	}

	// API first so in-flight runs finish while their metrics can still be scraped.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer shutdownCancel()
	shutdownServer(shutdownCtx, "api", srv)
	shutdownServer(shutdownCtx, "metrics", metricsSrv)

	log.Info().Msg("Server stopped")
	return nil
}
