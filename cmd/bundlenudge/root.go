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
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/bundlenudge/bundlenudge/pkg/logging"
	"github.com/bundlenudge/bundlenudge/pkg/ux"
	"github.com/bundlenudge/bundlenudge/services/device/agent"
	"github.com/bundlenudge/bundlenudge/services/device/rollback"
	"github.com/bundlenudge/bundlenudge/services/device/updater"
)

type cliFlags struct {
	configPath string
	logLevel   string
	plain      bool
}

func newRootCmd() *cobra.Command {
	flags := &cliFlags{}
	root := &cobra.Command{
		Use:           "bundlenudge",
		Short:         "Device-side bundle update agent",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(*cobra.Command, []string) {
			ux.InitMode(flags.plain)
		},
	}
	root.PersistentFlags().StringVarP(&flags.configPath, "config", "c", "", "agent config file (YAML or JSON)")
	root.PersistentFlags().StringVar(&flags.logLevel, "log-level", "warn", "debug, info, warn, or error")
	root.PersistentFlags().BoolVar(&flags.plain, "plain", false, "disable colors and boxes")

	root.AddCommand(
		newStartCmd(flags),
		newReadyCmd(flags),
		newHealthCmd(flags),
		newCheckCmd(flags),
		newDownloadCmd(flags),
		newRollbackCmd(flags),
		newVerifyCmd(flags),
		newStatusCmd(flags),
		newClearCmd(flags),
	)
	return root
}

// withAgent opens the agent, runs fn, and reports fn's error through ux.
func withAgent(cmd *cobra.Command, flags *cliFlags, fn func(ctx context.Context, a *agent.Agent, out io.Writer) error) error {
	out := cmd.OutOrStdout()
	level, err := logging.ParseLevel(flags.logLevel)
	if err != nil {
		ux.Error(cmd.ErrOrStderr(), err.Error())
		return err
	}
	logger, closeLog := logging.New(logging.Config{
		Level:   level,
		Service: "bundlenudge",
		Output:  cmd.ErrOrStderr(),
	})
	defer closeLog()

	cfg, err := agent.LoadConfig(flags.configPath)
	if err != nil {
		ux.Error(cmd.ErrOrStderr(), err.Error())
		return err
	}
	ctx := cmd.Context()
	a, err := agent.New(ctx, cfg, agent.WithLogger(logger))
	if err != nil {
		ux.Error(cmd.ErrOrStderr(), err.Error())
		return err
	}
	defer func() {
		if cerr := a.Close(); cerr != nil {
			logger.Warn("close agent", slog.String("error", cerr.Error()))
		}
	}()

	if err := fn(ctx, a, out); err != nil {
		ux.Error(cmd.ErrOrStderr(), err.Error())
		return err
	}
	return nil
}

func newStartCmd(flags *cliFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Run app-start processing: apply pending bundle, evaluate crash window",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withAgent(cmd, flags, func(ctx context.Context, a *agent.Agent, out io.Writer) error {
				res, err := a.Start(ctx)
				if err != nil {
					return err
				}
				switch {
				case res.RolledBack:
					ux.Warning(out, "crash threshold reached, rolled back")
				case res.Applied:
					ux.Success(out, "applied "+res.AppliedVersion)
				default:
					ux.Success(out, "started")
				}
				ux.Panel(out, "Start", []ux.Field{
					{Label: "State", Value: res.State.String()},
					{Label: "Crash count", Value: strconv.Itoa(res.CrashCount)},
					{Label: "Verifying", Value: strconv.FormatBool(res.Verifying)},
				})
				return nil
			})
		},
	}
}

func newReadyCmd(flags *cliFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "ready",
		Short: "Signal that the app finished loading",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withAgent(cmd, flags, func(ctx context.Context, a *agent.Agent, out io.Writer) error {
				verified, err := a.NotifyAppReady(ctx)
				if err != nil {
					return err
				}
				reportVerified(out, "app ready recorded", verified)
				return nil
			})
		},
	}
}

func newHealthCmd(flags *cliFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Signal that the app's health checks passed",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withAgent(cmd, flags, func(ctx context.Context, a *agent.Agent, out io.Writer) error {
				verified, err := a.NotifyHealthPassed(ctx)
				if err != nil {
					return err
				}
				reportVerified(out, "health check recorded", verified)
				return nil
			})
		},
	}
}

func reportVerified(out io.Writer, msg string, verified bool) {
	if verified {
		ux.Success(out, msg+"; update verified")
		return
	}
	ux.Success(out, msg)
}

func newCheckCmd(flags *cliFlags) *cobra.Command {
	var download bool
	cmd := &cobra.Command{
		Use:   "check",
		Short: "Ask the server for an update",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withAgent(cmd, flags, func(ctx context.Context, a *agent.Agent, out io.Writer) error {
				res := a.CheckForUpdate(ctx)
				switch res.Outcome {
				case updater.CheckFailed:
					return fmt.Errorf("update check failed: %w", res.Err)
				case updater.CheckNoUpdate:
					ux.Success(out, "up to date")
					return nil
				case updater.CheckAlreadyPending:
					ux.Warning(out, "update "+res.PendingVersion+" already downloaded; restart to apply")
					return nil
				case updater.CheckLimitExceeded:
					ux.Warning(out, "server is not serving updates for this app right now")
					return nil
				}

				ux.Panel(out, "Update available", []ux.Field{
					{Label: "Version", Value: res.Release.Version},
					{Label: "Channel", Value: res.Release.Channel},
					{Label: "Rollout", Value: strconv.Itoa(res.Release.RolloutPercentage) + "%"},
					{Label: "Hash", Value: res.Release.Hash},
				})
				if !download {
					return nil
				}
				version, err := a.Download(ctx)
				if err != nil {
					return err
				}
				ux.Success(out, "downloaded "+version+"; restart to apply")
				return nil
			})
		},
	}
	cmd.Flags().BoolVarP(&download, "download", "d", false, "download the offered bundle")
	return cmd
}

func newDownloadCmd(flags *cliFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "download",
		Short: "Check for an update and download it when offered",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withAgent(cmd, flags, func(ctx context.Context, a *agent.Agent, out io.Writer) error {
				res := a.CheckForUpdate(ctx)
				switch res.Outcome {
				case updater.CheckFailed:
					return fmt.Errorf("update check failed: %w", res.Err)
				case updater.CheckUpdateAvailable:
				default:
					ux.Warning(out, "nothing to download ("+res.Outcome.String()+")")
					return nil
				}
				version, err := a.Download(ctx)
				if err != nil {
					return err
				}
				ux.Success(out, "downloaded "+version+"; restart to apply")
				return nil
			})
		},
	}
}

func newRollbackCmd(flags *cliFlags) *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "rollback",
		Short: "Revert to the previous bundle",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withAgent(cmd, flags, func(ctx context.Context, a *agent.Agent, out io.Writer) error {
				res, err := a.Rollback(ctx, reason)
				if errors.Is(err, rollback.ErrNoPreviousVersion) {
					return errors.New("nothing to roll back to")
				}
				if err != nil {
					return err
				}
				to := res.ToVersion
				if to == "" {
					to = "embedded bundle"
				}
				ux.Success(out, fmt.Sprintf("rolled back %s -> %s", res.FromVersion, to))
				if res.RestartErr != nil {
					ux.Warning(out, "restart failed: "+res.RestartErr.Error())
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "manual", "reason reported to the server")
	return cmd
}

func newVerifyCmd(flags *cliFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "verify",
		Short: "Mark the running update as verified and drop the previous bundle",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withAgent(cmd, flags, func(ctx context.Context, a *agent.Agent, out io.Writer) error {
				changed, err := a.MarkUpdateVerified(ctx)
				if err != nil {
					return err
				}
				if !changed {
					ux.Warning(out, "no update awaiting verification")
					return nil
				}
				ux.Success(out, "update verified")
				return nil
			})
		},
	}
}

func newStatusCmd(flags *cliFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show persisted device state",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withAgent(cmd, flags, func(ctx context.Context, a *agent.Agent, out io.Writer) error {
				st, err := a.Status(ctx)
				if err != nil {
					return err
				}
				ux.Panel(out, "BundleNudge", statusFields(st))
				return nil
			})
		},
	}
}

func statusFields(st agent.Status) []ux.Field {
	lastCrash := "-"
	if st.LastCrashTime != nil {
		lastCrash = st.LastCrashTime.Local().Format(time.RFC3339)
	}
	bundle := st.BundlePath
	if bundle == "" {
		bundle = "(embedded)"
	}
	return []ux.Field{
		{Label: "Device", Value: st.DeviceID},
		{Label: "State", Value: st.State.String()},
		{Label: "Current", Value: orDash(st.CurrentVersion)},
		{Label: "Pending", Value: orDash(st.PendingVersion)},
		{Label: "Previous", Value: orDash(st.PreviousVersion)},
		{Label: "Crashes", Value: strconv.Itoa(st.CrashCount)},
		{Label: "Last crash", Value: lastCrash},
		{Label: "App ready", Value: strconv.FormatBool(st.AppReady)},
		{Label: "Health", Value: strconv.FormatBool(st.HealthPassed)},
		{Label: "Bundle", Value: bundle},
		{Label: "Stored", Value: strconv.Itoa(len(st.StoredBundles))},
	}
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func newClearCmd(flags *cliFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "clear",
		Short: "Delete downloaded bundles and reset to the embedded bundle",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withAgent(cmd, flags, func(ctx context.Context, a *agent.Agent, out io.Writer) error {
				if err := a.ClearUpdates(ctx); err != nil {
					return err
				}
				ux.Success(out, "cleared")
				return nil
			})
		},
	}
}
