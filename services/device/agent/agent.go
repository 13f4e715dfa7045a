// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package agent assembles the device-side update components.
//
// # Description
//
// Agent is what a host application embeds. It owns the metadata store, bundle
// storage, the server client, the telemetry reporter, the rollback manager,
// the crash detector and the update state machine, and exposes the
// lifecycle hooks a host calls:
//
//	BundlePath    before loading JavaScript, to pick the bundle
//	Start         once per launch
//	NotifyAppReady / NotifyHealthPassed when the app proves itself
//	CheckForUpdate / Download whenever convenient
//
// # Thread Safety
//
// Safe for concurrent use.
package agent

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/bundlenudge/bundlenudge/pkg/clock"
	"github.com/bundlenudge/bundlenudge/services/device/api"
	"github.com/bundlenudge/bundlenudge/services/device/bundles"
	"github.com/bundlenudge/bundlenudge/services/device/crash"
	"github.com/bundlenudge/bundlenudge/services/device/metadata"
	"github.com/bundlenudge/bundlenudge/services/device/rollback"
	"github.com/bundlenudge/bundlenudge/services/device/updater"
)

// Agent is the device update agent.
type Agent struct {
	cfg      Config
	logger   *slog.Logger
	store    metadata.Store
	bundles  *bundles.Store
	client   *api.Client
	reporter *api.Reporter
	rollback *rollback.Manager
	detector *crash.Detector
	machine  *updater.Machine
}

type options struct {
	logger     *slog.Logger
	clock      clock.Clock
	httpClient *http.Client
	restarter  rollback.Restarter
	hook       rollback.Hook
	store      metadata.Store
}

// Option customizes an Agent.
type Option func(*options)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(o *options) { o.logger = l } }

// WithClock sets the clock driving the verification window.
func WithClock(c clock.Clock) Option { return func(o *options) { o.clock = c } }

// WithHTTPClient sets the client for server calls and downloads.
func WithHTTPClient(c *http.Client) Option { return func(o *options) { o.httpClient = c } }

// WithRestarter replaces the restart collaborator.
func WithRestarter(r rollback.Restarter) Option { return func(o *options) { o.restarter = r } }

// WithRollbackHook sets the synchronous rollback hook.
func WithRollbackHook(h rollback.Hook) Option { return func(o *options) { o.hook = h } }

// WithStore replaces the metadata store selected by Config.Store.
func WithStore(s metadata.Store) Option { return func(o *options) { o.store = s } }

// New builds an Agent from cfg.
func New(ctx context.Context, cfg Config, opts ...Option) (*Agent, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	o := options{logger: slog.Default(), clock: clock.Real()}
	for _, opt := range opts {
		opt(&o)
	}
	logger := o.logger.With(slog.String("app_id", cfg.AppID))

	store := o.store
	if store == nil {
		var err error
		store, err = openStore(cfg, logger)
		if err != nil {
			return nil, err
		}
	}

	var clientOpts []api.ClientOption
	bundleOpts := []bundles.Option{bundles.WithLogger(logger)}
	if o.httpClient != nil {
		clientOpts = append(clientOpts, api.WithHTTPClient(o.httpClient))
		bundleOpts = append(bundleOpts, bundles.WithHTTPClient(o.httpClient))
	}
	client := api.NewClient(cfg.ServerURL, clientOpts...)
	bundleStore := bundles.New(filepath.Join(cfg.DataDir, "bundles"), bundleOpts...)
	reporter := api.NewReporter(client, cfg.ReportTimeout, logger)

	md, err := store.Load(ctx)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("load device metadata: %w", err)
	}
	reporter.SetIdentity(md.DeviceID, cfg.AppID)

	restarter := o.restarter
	if restarter == nil {
		restarter = &CommandRestarter{Command: cfg.RestartCommand, Logger: logger}
	}
	rb := rollback.New(rollback.Options{
		Store:     store,
		Hook:      o.hook,
		Reporter:  reporter,
		Restarter: restarter,
		Pruner:    bundleStore,
		Logger:    logger,
		AppID:     cfg.AppID,
		Now:       o.clock.Now,
	})

	machine, err := updater.New(ctx, updater.Options{
		Config: updater.Config{
			AppID:      cfg.AppID,
			Channel:    cfg.Channel,
			Platform:   cfg.Platform,
			AppVersion: cfg.AppVersion,
			DeviceInfo: cfg.DeviceInfo,
		},
		Store:    store,
		Checker:  client,
		Bundles:  bundleStore,
		Reporter: reporter,
		Logger:   logger,
		Now:      o.clock.Now,
	})
	if err != nil {
		store.Close()
		return nil, err
	}

	detector, err := crash.New(crash.Options{
		Config:     cfg.Crash,
		Store:      store,
		Rollbacker: rb.Rollbacker(),
		Reporter:   reporter,
		OnVerified: machine.MarkVerified,
		Clock:      o.clock,
		Logger:     logger,
		AppID:      cfg.AppID,
	})
	if err != nil {
		store.Close()
		return nil, err
	}
	machine.SetMonitor(detector)

	return &Agent{
		cfg:      cfg,
		logger:   logger,
		store:    store,
		bundles:  bundleStore,
		client:   client,
		reporter: reporter,
		rollback: rb,
		detector: detector,
		machine:  machine,
	}, nil
}

func openStore(cfg Config, logger *slog.Logger) (metadata.Store, error) {
	switch cfg.Store {
	case StoreBadger:
		return metadata.OpenBadgerStore(filepath.Join(cfg.DataDir, "db"), logger)
	default:
		return metadata.NewFileStore(filepath.Join(cfg.DataDir, "metadata.json")), nil
	}
}

// Start runs the launch sequence: apply pending, crash check, verification.
func (a *Agent) Start(ctx context.Context) (updater.StartResult, error) {
	return a.machine.OnAppStart(ctx)
}

// NotifyAppReady records the app-ready gate.
func (a *Agent) NotifyAppReady(ctx context.Context) (bool, error) {
	return a.detector.NotifyAppReady(ctx)
}

// NotifyHealthPassed records the health gate.
func (a *Agent) NotifyHealthPassed(ctx context.Context) (bool, error) {
	return a.detector.NotifyHealthPassed(ctx)
}

// RecordCrash counts a crash reported by the host.
func (a *Agent) RecordCrash(ctx context.Context) (crash.StartResult, error) {
	res, err := a.detector.RecordCrash(ctx)
	if res.RolledBack {
		a.machine.MarkRolledBack()
	}
	return res, err
}

// CheckForUpdate asks the server for an update.
func (a *Agent) CheckForUpdate(ctx context.Context) updater.CheckResult {
	return a.machine.CheckForUpdate(ctx)
}

// Download fetches the offered bundle.
func (a *Agent) Download(ctx context.Context) (string, error) {
	return a.machine.Download(ctx)
}

// CanRollback reports whether a previous version exists.
func (a *Agent) CanRollback(ctx context.Context) (bool, error) {
	return a.rollback.CanRollback(ctx)
}

// Rollback reverts to the previous version.
func (a *Agent) Rollback(ctx context.Context, reason string) (rollback.Result, error) {
	a.detector.Stop()
	res, err := a.rollback.Rollback(ctx, reason)
	if err != nil {
		return res, err
	}
	a.machine.MarkRolledBack()
	return res, nil
}

// MarkUpdateVerified trusts the current version without waiting for both
// verification gates.
func (a *Agent) MarkUpdateVerified(ctx context.Context) (bool, error) {
	ok, err := a.rollback.MarkUpdateVerified(ctx)
	if err != nil || !ok {
		return ok, err
	}
	a.detector.Stop()
	md, err := a.store.Load(ctx)
	if err != nil {
		return true, fmt.Errorf("load metadata after verify: %w", err)
	}
	a.machine.MarkVerified(md.CurrentVersion)
	return true, nil
}

// BundlePath returns the bundle to load, or "" for the embedded one.
func (a *Agent) BundlePath(ctx context.Context) (string, error) {
	return a.machine.BundlePath(ctx)
}

// ClearUpdates resets all update state except the device id.
func (a *Agent) ClearUpdates(ctx context.Context) error {
	return a.machine.ClearUpdates(ctx)
}

// Status is a snapshot of the agent's state.
type Status struct {
	DeviceID        string
	State           updater.State
	CurrentVersion  string
	PendingVersion  string
	PreviousVersion string
	CrashCount      int
	LastCrashTime   *time.Time
	AppReady        bool
	HealthPassed    bool
	BundlePath      string
	StoredBundles   []string
}

// Status returns a snapshot of persisted and in-memory state.
func (a *Agent) Status(ctx context.Context) (Status, error) {
	md, err := a.store.Load(ctx)
	if err != nil {
		return Status{}, err
	}
	path, err := a.machine.BundlePath(ctx)
	if err != nil {
		return Status{}, err
	}
	stored, err := a.bundles.Versions()
	if err != nil {
		return Status{}, err
	}
	return Status{
		DeviceID:        md.DeviceID,
		State:           a.machine.State(),
		CurrentVersion:  md.CurrentVersion,
		PendingVersion:  md.PendingVersion,
		PreviousVersion: md.PreviousVersion,
		CrashCount:      md.CrashCount,
		LastCrashTime:   md.LastCrashTime,
		AppReady:        md.Verification.AppReady,
		HealthPassed:    md.Verification.HealthPassed,
		BundlePath:      path,
		StoredBundles:   stored,
	}, nil
}

// Close stops timers, waits for in-flight telemetry, and closes the store.
func (a *Agent) Close() error {
	a.detector.Stop()
	a.reporter.Wait()
	return a.store.Close()
}

// CommandRestarter relaunches the host by running a command. With no
// command it only logs the request.
type CommandRestarter struct {
	Command []string
	Logger  *slog.Logger
}

// Restart starts the command without waiting for it.
func (r *CommandRestarter) Restart(ctx context.Context) error {
	logger := r.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if len(r.Command) == 0 {
		logger.Info("restart requested; no restart command configured")
		return nil
	}
	cmd := exec.Command(r.Command[0], r.Command[1:]...)
	cmd.Stdout, cmd.Stderr = os.Stdout, os.Stderr
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start restart command: %w", err)
	}
	go func() {
		if err := cmd.Wait(); err != nil {
			logger.Warn("restart command exited", slog.String("error", err.Error()))
		}
	}()
	return nil
}
