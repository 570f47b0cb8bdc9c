// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/AleutianAI/lifecast/pkg/logging"
	"github.com/AleutianAI/lifecast/services/lifecast"
	"github.com/AleutianAI/lifecast/services/lifecast/viewer"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

// logFlags are shared by every subcommand.
type logFlags struct {
	level  string
	format string
	dir    string
}

func (f logFlags) build(service string, quiet bool) (*logging.Logger, error) {
	level, err := logging.ParseLevel(f.level)
	if err != nil {
		return nil, err
	}
	format, err := logging.ParseFormat(f.format)
	if err != nil {
		return nil, err
	}
	return logging.New(logging.Config{
		Level:   level,
		Format:  format,
		LogDir:  f.dir,
		Service: service,
		Quiet:   quiet,
	}), nil
}

// newRootCmd builds the command tree.
func newRootCmd() *cobra.Command {
	var logs logFlags

	rootCmd := &cobra.Command{
		Use:   "lifecast",
		Short: "Stream Conway's Game of Life to browsers over websockets",
		Long: `lifecast runs an independent, randomly seeded Game of Life for every
websocket client and pushes each generation as an htmx fragment.`,
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVar(&logs.level, "log-level", "info", "log level: debug, info, warn, error")
	rootCmd.PersistentFlags().StringVar(&logs.format, "log-format", "auto", "console log format: auto, text, json")
	rootCmd.PersistentFlags().StringVar(&logs.dir, "log-dir", "", "also write JSON logs to this directory")

	rootCmd.AddCommand(newServeCmd(&logs), newWatchCmd(&logs), newConfigCmd())
	return rootCmd
}

// addServerFlags binds the server configuration flags to cfg.
func addServerFlags(cmd *cobra.Command, cfg *lifecast.Config) {
	def := lifecast.DefaultConfig()
	cmd.Flags().StringVar(&cfg.Addr, "addr", def.Addr, "listen address")
	cmd.Flags().StringVar(&cfg.Path, "path", def.Path, "websocket endpoint path")
	cmd.Flags().BoolVar(&cfg.EnableMetrics, "metrics", def.EnableMetrics, "serve Prometheus metrics on /metrics")
	cmd.Flags().StringVar(&cfg.OTelEndpoint, "otel-endpoint", "", "OTLP gRPC collector address, e.g. localhost:4317")
	cmd.Flags().BoolVar(&cfg.TraceStdout, "trace-stdout", false, "print spans to stdout when no collector is set")
	cmd.Flags().StringVar(&cfg.GinMode, "gin-mode", def.GinMode, "gin mode: debug, release, test")
	cmd.Flags().DurationVar(&cfg.ShutdownTimeout, "shutdown-timeout", def.ShutdownTimeout, "graceful shutdown limit")
}

// =============================================================================
// serve
// =============================================================================

func newServeCmd(logs *logFlags) *cobra.Command {
	var cfg lifecast.Config
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the websocket server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := logs.build("lifecast", false)
			if err != nil {
				return err
			}
			defer logger.Close()
			slog.SetDefault(logger.Slog())

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, cfg, logger.Slog())
		},
	}
	addServerFlags(cmd, &cfg)
	return cmd
}

func runServe(ctx context.Context, cfg lifecast.Config, logger *slog.Logger) error {
	cfg.Logger = logger
	svc, err := lifecast.New(cfg)
	if err != nil {
		return err
	}
	return svc.Run(ctx)
}

// =============================================================================
// watch
// =============================================================================

func newWatchCmd(logs *logFlags) *cobra.Command {
	var url string
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Watch a simulation in the terminal",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			// The TUI owns the terminal; logs only go to --log-dir.
			logger, err := logs.build("lifecast-watch", true)
			if err != nil {
				return err
			}
			defer logger.Close()

			ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
			client, err := viewer.Dial(ctx, url)
			cancel()
			if err != nil {
				return err
			}
			defer client.Close()
			logger.Info("connected", "url", url)

			p := tea.NewProgram(viewer.NewModel(client, url), tea.WithContext(cmd.Context()))
			go client.Listen(p.Send)

			final, err := p.Run()
			if err != nil {
				return fmt.Errorf("viewer: %w", err)
			}
			if m, ok := final.(viewer.Model); ok && m.Err() != nil {
				logger.Warn("viewer stopped", "error", m.Err(), "frames", m.Frames())
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&url, "url", "ws://127.0.0.1:7936/", "websocket URL of a lifecast server")
	return cmd
}

// =============================================================================
// config
// =============================================================================

func newConfigCmd() *cobra.Command {
	var cfg lifecast.Config
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Print the effective server configuration as YAML",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			resolved := cfg.Resolved()
			if err := resolved.Validate(); err != nil {
				return err
			}
			enc := yaml.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent(2)
			if err := enc.Encode(resolved); err != nil {
				return fmt.Errorf("encode config: %w", err)
			}
			return enc.Close()
		},
	}
	addServerFlags(cmd, &cfg)
	return cmd
}
