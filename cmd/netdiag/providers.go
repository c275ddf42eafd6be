package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/rcourtman/netdiag/internal/ai/chat"
	"github.com/rcourtman/netdiag/internal/ai/tools"
	"github.com/rcourtman/netdiag/internal/config"
)

var (
	providersJSON    bool
	providersTimeout time.Duration
)

var providersCmd = &cobra.Command{
	Use:   "providers",
	Short: "Connect to every configured provider and list its tools",
	Long:  `Connects once to each provider in providers.json, prints the resulting capability map and disconnects`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return fmt.Errorf("load configuration: %w", err)
		}
		catalog, err := loadCatalog(cfg)
		if err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(cmd.Context(), providersTimeout)
		defer cancel()
		return listProviders(ctx, cmd.OutOrStdout(), cfg, catalog, tools.TransportDialer{ClientVersion: Version}, providersJSON)
	},
}

func init() {
	providersCmd.Flags().BoolVar(&providersJSON, "json", false, "print the capability map as JSON")
	providersCmd.Flags().DurationVar(&providersTimeout, "timeout", time.Minute, "overall timeout")
}

func listProviders(ctx context.Context, out io.Writer, cfg *config.Config, catalog *config.Catalog, dialer tools.Dialer, asJSON bool) error {
	svc := chat.NewService(chat.ServiceConfig{
		Config:  cfg,
		Catalog: catalog,
		Dialer:  dialer,
	})
	caps := svc.Capabilities(ctx)

	if asJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(caps)
	}

	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "PROVIDER\tSTATUS\tDETAIL")
	for _, name := range caps.Providers {
		fmt.Fprintf(tw, "%s\tconnected\t\n", name)
	}
	for _, u := range caps.Unavailable {
		fmt.Fprintf(tw, "%s\tunavailable\t%s\n", u.Name, u.Reason)
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	fmt.Fprintf(out, "\n%d tools\n", len(caps.Tools))
	for _, name := range caps.Tools {
		fmt.Fprintf(out, "  %s\n", name)
	}
	return nil
}
