// SPDX-FileCopyrightText: Copyright 2026 Snowgate Authors
// SPDX-License-Identifier: Apache-2.0

// Package app provides the entry point for the snowgate command-line application.
package app

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/snowgate/snowgate/pkg/config"
	"github.com/snowgate/snowgate/pkg/gateway/server"
	"github.com/snowgate/snowgate/pkg/logger"
	"github.com/snowgate/snowgate/pkg/versions"
)

var rootCmd = &cobra.Command{
	Use:               "snowgate",
	DisableAutoGenTag: true,
	Short:             "Snowgate - Multi-client MCP gateway for Snowflake",
	Long: `Snowgate is an MCP (Model Context Protocol) gateway that exposes
Snowflake to many concurrent AI clients through a single endpoint. It provides:

- Read-only SQL tools (list, describe, and query databases and views)
- SQL risk validation before any statement reaches the warehouse
- Per-client rate limits, quotas, and database/schema isolation
- A shared connection pool with health checks and a circuit breaker
- Prometheus metrics, alerting, and an admin API for operations

All configuration is read from SNOWGATE_-prefixed environment variables.`,
	Run: func(cmd *cobra.Command, _ []string) {
		// If no subcommand is provided, print help
		if err := cmd.Help(); err != nil {
			logger.Errorf("Error displaying help: %v", err)
		}
	},
	PersistentPreRun: func(_ *cobra.Command, _ []string) {
		logger.Initialize()
	},
}

// NewRootCmd creates a new root command for the snowgate CLI.
func NewRootCmd() *cobra.Command {
	rootCmd.PersistentFlags().Bool("debug", false, "Enable debug mode")
	if err := viper.BindPFlag("debug", rootCmd.PersistentFlags().Lookup("debug")); err != nil {
		logger.Errorf("Error binding debug flag: %v", err)
	}

	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newVersionCmd())
	rootCmd.AddCommand(newValidateCmd())

	// Silence printing the usage on error
	rootCmd.SilenceUsage = true

	return rootCmd
}

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the gateway",
		Long: `Start the Snowgate gateway.

The gateway reads its configuration from the environment, connects to the
configured Snowflake account (or the local backend), and serves MCP clients
on the /mcp endpoint until it receives a shutdown signal. With --stdio the
gateway speaks MCP over stdin/stdout instead, for desktop assistants; the
admin HTTP surface is disabled in that mode.`,
		RunE: runServe,
	}
	cmd.Flags().Bool("stdio", false, "Serve MCP over stdin/stdout instead of HTTP")
	return cmd
}

func newVersionCmd() *cobra.Command {
	var outputJSON bool
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Long:  "Display version information for snowgate",
		RunE: func(cmd *cobra.Command, _ []string) error {
			info := versions.GetVersionInfo()
			if outputJSON {
				out, err := json.MarshalIndent(info, "", "  ")
				if err != nil {
					return fmt.Errorf("failed to marshal version info: %w", err)
				}
				cmd.Println(string(out))
				return nil
			}
			cmd.Printf("snowgate %s\n", info.Version)
			cmd.Printf("  commit:     %s\n", info.Commit)
			cmd.Printf("  built:      %s\n", info.BuildDate)
			cmd.Printf("  go version: %s\n", info.GoVersion)
			cmd.Printf("  platform:   %s\n", info.Platform)
			return nil
		},
	}
	cmd.Flags().BoolVar(&outputJSON, "json", false, "Output version information as JSON")
	return cmd
}

func newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate the environment configuration",
		Long: `Load the SNOWGATE_-prefixed environment variables, apply defaults, and
run the full validation pass without starting the gateway. Exits non-zero
when the configuration would prevent startup.`,
		RunE: func(_ *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				logger.Errorf("Configuration validation failed: %v", err)
				return err
			}

			logger.Infof("Configuration is valid")
			logger.Infof("  Backend: %s", cfg.Snowflake.Backend)
			logger.Infof("  Listen: %s", cfg.HTTP.Addr())
			logger.Infof("  Pool: %d-%d connections", cfg.Pool.MinSize, cfg.Pool.MaxSize)
			logger.Infof("  Read-only: %t", cfg.Security.ReadOnly)
			logger.Infof("  Auth enabled: %t", cfg.Security.AuthEnabled)
			if len(cfg.Security.AllowedDatabases) > 0 {
				logger.Infof("  Allowed databases: %d configured", len(cfg.Security.AllowedDatabases))
			}
			if len(cfg.Security.AllowedSchemas) > 0 {
				logger.Infof("  Allowed schemas: %d configured", len(cfg.Security.AllowedSchemas))
			}
			return nil
		},
	}
}

// runServe implements the serve command logic
func runServe(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()

	cfg, err := config.Load()
	if err != nil {
		logger.Errorf("Failed to load configuration: %v", err)
		return fmt.Errorf("configuration loading failed: %w", err)
	}

	info := versions.GetVersionInfo()
	logger.Infof("Starting snowgate %s (backend: %s)", info.Version, cfg.Snowflake.Backend)

	srv, err := server.New(ctx, cfg, info.Version)
	if err != nil {
		return fmt.Errorf("failed to build gateway: %w", err)
	}

	if stdio, _ := cmd.Flags().GetBool("stdio"); stdio {
		return srv.RunStdio(ctx, os.Stdin, os.Stdout)
	}

	// Run blocks until the signal context is canceled.
	return srv.Run(ctx)
}
