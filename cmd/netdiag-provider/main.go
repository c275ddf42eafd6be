package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/rcourtman/netdiag/internal/logging"
	"github.com/rcourtman/netdiag/internal/netprobe"
)

// Version information (set at build time with -ldflags)
var Version = "dev"

var logLevel string

var rootCmd = &cobra.Command{
	Use:   "netdiag-provider",
	Short: "Network diagnostics tool provider speaking MCP over stdio",
	Long: `netdiag-provider exposes ping, connectivity_check, dns_lookup and list_interfaces
as MCP tools on stdin/stdout. Add it to providers.json with the stdio transport.`,
	Version:      Version,
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return run(cmd.Context())
	},
}

func init() {
	rootCmd.Flags().StringVar(&logLevel, "log-level", "info", "log level (logs go to stderr)")
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	// stdout carries the protocol; logging.Init writes to stderr.
	logging.Init(logging.Config{
		Format:    "json",
		Level:     logLevel,
		Component: "netdiag-provider",
	})

	prober := netprobe.NewProber()
	defer prober.Close()

	server := netprobe.NewServer(prober, Version)
	log.Info().Str("version", Version).Msg("Diagnostics provider serving on stdio")
	if err := server.Run(ctx, &mcp.StdioTransport{}); err != nil && ctx.Err() == nil {
		return fmt.Errorf("serve: %w", err)
	}
	return nil
}
