// Copyright (c) 2026 Devfarm Authors
// SPDX-License-Identifier: MIT
// See LICENSES/MIT.txt for full license text

package cli

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/devfarm/devfarm/internal/app"
	"github.com/devfarm/devfarm/internal/version"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the dashboard API server",
	Long: `Starts the dashboard: the HTTP API, the event stream, the periodic
registry reconciler and the container status watcher.

The server stops gracefully on SIGINT or SIGTERM.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().String("listen", "", "Override server.listen_addr")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if addr, _ := cmd.Flags().GetString("listen"); addr != "" {
		cfg.Server.ListenAddr = addr
	}

	logger, closer := setupLogging(cmd, cfg)
	defer closer.Close()
	logger.Info("devfarm starting", "version", version.Short(), "data_dir", cfg.Data.Dir)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to start: %w", err)
	}
	defer a.Close()

	return a.Run(ctx)
}
