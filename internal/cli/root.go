// Copyright (c) 2026 Devfarm Authors
// SPDX-License-Identifier: MIT
// See LICENSES/MIT.txt for full license text

// Package cli implements the devfarm command tree.
package cli

import (
	"io"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/devfarm/devfarm/internal/config"
	"github.com/devfarm/devfarm/internal/logging"
	"github.com/devfarm/devfarm/internal/version"
)

var rootCmd = &cobra.Command{
	Use:   "devfarm",
	Short: "devfarm - a dashboard for containerized development environments",
	Long: `devfarm creates, tracks and updates code-server development environments
running as Docker containers, and serves a dashboard API for them.`,
	Version:       version.Info(),
	SilenceUsage:  true,
	SilenceErrors: false,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringP("config", "c", "", "Path to a config file (yaml, json or toml)")
	rootCmd.PersistentFlags().String("log-level", "", "Override log.level (debug, info, warn, error)")
}

// loadConfig reads the file named by --config, if any, and applies the
// --log-level override.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if lvl, _ := cmd.Flags().GetString("log-level"); lvl != "" {
		cfg.Log.Level = lvl
	}
	return cfg, nil
}

// setupLogging installs the configured logger. Command output goes to
// stdout, so logs always go to stderr.
func setupLogging(cmd *cobra.Command, cfg *config.Config) (*slog.Logger, io.Closer) {
	return logging.Setup(cfg.Log, cmd.ErrOrStderr())
}
