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

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/warden/cmd/warden/config"
	"github.com/AleutianAI/warden/pkg/logging"
	"github.com/AleutianAI/warden/services/warden/api"
	"github.com/AleutianAI/warden/services/warden/daemon"
	"github.com/AleutianAI/warden/services/warden/telemetry"
)

const telemetryShutdownTimeout = 5 * time.Second

// newLogger builds the process logger. Text goes to an interactive stderr,
// JSON otherwise, unless the config forces JSON.
func newLogger(cfg config.LoggingConfig) (*logging.Logger, error) {
	level, err := logging.ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	fd := os.Stderr.Fd()
	interactive := isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
	return logging.New(logging.Config{
		Level:   level,
		LogDir:  cfg.Dir,
		Service: "warden",
		JSON:    cfg.JSON || !interactive,
	}), nil
}

// runDaemon runs the daemon and the API until SIGINT or SIGTERM.
func runDaemon(cmd *cobra.Command, _ []string) error {
	cfg := config.Global

	logger, err := newLogger(cfg.Logging)
	if err != nil {
		return err
	}
	logger.Install()
	defer logger.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdown, err := telemetry.Init(ctx, cfg.Telemetry)
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), telemetryShutdownTimeout)
		defer cancel()
		if err := shutdown(sctx); err != nil {
			slog.Warn("telemetry shutdown failed", "error", err)
		}
	}()

	d, err := daemon.New(ctx, cfg.Daemon)
	if err != nil {
		return err
	}
	defer func() {
		if err := d.Close(); err != nil {
			slog.Error("daemon close failed", "error", err)
		}
	}()

	srv := api.New(d, cfg.API)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return d.Run(gctx) })
	g.Go(func() error { return srv.Run(gctx) })

	slog.Info("warden running",
		"data_dir", cfg.Daemon.DataDir,
		"repo", cfg.Daemon.RepoPath,
		"api", cfg.API.Addr)
	err = g.Wait()
	slog.Info("warden stopped")
	return err
}

// runMaintain applies one sweep without starting the pipeline. The data
// directory lock makes it fail fast while a daemon is running.
func runMaintain(cmd *cobra.Command, _ []string) error {
	cfg := config.Global
	logger, err := newLogger(cfg.Logging)
	if err != nil {
		return err
	}
	logger.Install()
	defer logger.Close()

	d, err := daemon.New(cmd.Context(), cfg.Daemon)
	if err != nil {
		return err
	}
	defer d.Close()

	report, err := d.Maintain(cmd.Context())
	if err != nil {
		return err
	}
	if jsonOutput {
		return printJSON(cmd.OutOrStdout(), report)
	}
	printMaintenance(cmd.OutOrStdout(), report)
	return nil
}

func runConfig(cmd *cobra.Command, _ []string) error {
	data, err := yaml.Marshal(config.Global)
	if err != nil {
		return err
	}
	_, err = cmd.OutOrStdout().Write(data)
	return err
}
