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
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/bundlenudge/bundlenudge/pkg/logging"
	"github.com/bundlenudge/bundlenudge/services/catalog"
	"github.com/bundlenudge/bundlenudge/services/observability"
	kv "github.com/bundlenudge/bundlenudge/services/storage/badger"
	"github.com/bundlenudge/bundlenudge/services/updateserver"
)

type rootFlags struct {
	configPath string
	logLevel   string
	logFormat  string
	logDir     string
}

func newRootCmd() *cobra.Command {
	flags := &rootFlags{}
	root := &cobra.Command{
		Use:           "bundlenudge-server",
		Short:         "Serve bundle update decisions and collect device telemetry",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&flags.configPath, "config", "c", "bundlenudge-server.yaml", "config file (YAML or JSON)")
	root.PersistentFlags().StringVar(&flags.logLevel, "log-level", "info", "debug, info, warn, or error")
	root.PersistentFlags().StringVar(&flags.logFormat, "log-format", "", "text or json (default: text on a terminal)")
	root.PersistentFlags().StringVar(&flags.logDir, "log-dir", "", "also write JSON logs to this directory")

	root.AddCommand(newServeCmd(flags), newSeedCmd(flags))
	return root
}

func (f *rootFlags) logger() (*slog.Logger, func() error, error) {
	level, err := logging.ParseLevel(f.logLevel)
	if err != nil {
		return nil, nil, err
	}
	logger, closeFn := logging.New(logging.Config{
		Level:   level,
		Format:  logging.Format(f.logFormat),
		LogDir:  f.logDir,
		Service: "bundlenudge-server",
	})
	slog.SetDefault(logger)
	return logger, closeFn, nil
}

func newServeCmd(flags *rootFlags) *cobra.Command {
	var port int
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			logger, closeLog, err := flags.logger()
			if err != nil {
				return err
			}
			defer closeLog()

			cfg, err := updateserver.LoadConfig(flags.configPath)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("port") {
				cfg.Port = port
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			shutdownTelemetry, err := observability.Init(ctx, cfg.Telemetry)
			if err != nil {
				return fmt.Errorf("init observability: %w", err)
			}
			defer func() {
				if err := shutdownTelemetry(context.Background()); err != nil {
					logger.Warn("telemetry shutdown", slog.String("error", err.Error()))
				}
			}()

			srv, err := updateserver.New(ctx, cfg, updateserver.WithLogger(logger))
			if err != nil {
				return err
			}
			defer srv.Close()
			return srv.Run(ctx)
		},
	}
	cmd.Flags().IntVarP(&port, "port", "p", 0, "listen port (overrides config)")
	return cmd
}

func newSeedCmd(flags *rootFlags) *cobra.Command {
	var dataDir string
	cmd := &cobra.Command{
		Use:   "seed FILE",
		Short: "Apply a catalog seed file to the server database and exit",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, closeLog, err := flags.logger()
			if err != nil {
				return err
			}
			defer closeLog()

			cfg, err := updateserver.LoadConfig(flags.configPath)
			if err != nil {
				return err
			}
			if dataDir != "" {
				cfg.DataDir = dataDir
			}

			seed, err := catalog.LoadSeed(args[0])
			if err != nil {
				return err
			}

			dbCfg := kv.DefaultConfig()
			dbCfg.Path = filepath.Join(cfg.DataDir, "db")
			dbCfg.GCInterval = 0
			db, err := kv.Open(dbCfg)
			if err != nil {
				return err
			}
			defer db.Close()

			stats, err := catalog.ApplySeed(cmd.Context(), catalog.NewStore(db), seed, logger)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "apps created: %d, channels created: %d, releases created: %d, releases updated: %d\n",
				stats.AppsCreated, stats.ChannelsCreated, stats.ReleasesCreated, stats.ReleasesUpdated)
			return nil
		},
	}
	cmd.Flags().StringVar(&dataDir, "data-dir", "", "server data directory (overrides config)")
	return cmd
}
