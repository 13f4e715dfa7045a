// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package rollback reverts a device to its last known-good bundle.
package rollback

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/bundlenudge/bundlenudge/pkg/protocol"
	"github.com/bundlenudge/bundlenudge/services/device/metadata"
)

// ErrNoPreviousVersion is returned by Rollback when there is nothing to
// revert to. No restart is requested in that case.
var ErrNoPreviousVersion = errors.New("no previous version to roll back to")

// Hook is notified synchronously after the revert is durable.
type Hook interface {
	OnRollback(reason, fromVersion string)
}

// HookFunc adapts a function to Hook.
type HookFunc func(reason, fromVersion string)

// OnRollback calls f.
func (f HookFunc) OnRollback(reason, fromVersion string) { f(reason, fromVersion) }

// Reporter delivers telemetry without blocking the caller.
type Reporter interface {
	Report(event protocol.TelemetryEvent)
}

// Restarter restarts the host application so it boots the reverted bundle.
type Restarter interface {
	Restart(ctx context.Context) error
}

// Pruner removes bundle files that are no longer referenced.
type Pruner interface {
	Prune(keep ...string) error
}

// Options are the manager's collaborators. Only Store is required.
type Options struct {
	Store     metadata.Store
	Hook      Hook
	Reporter  Reporter
	Restarter Restarter
	Pruner    Pruner
	Logger    *slog.Logger
	AppID     string
	Now       func() time.Time
}

// Result describes a completed rollback.
type Result struct {
	Reason      string
	FromVersion string
	ToVersion   string
	// RestartErr is set when the revert is durable but the restart request
	// failed. The next natural launch boots ToVersion.
	RestartErr error
}

// Manager executes rollbacks and manual verification.
//
// # Description
//
// Rollback runs four steps in order: a single durable metadata write, the
// synchronous hook, a fire-and-forget report, and the restart request. The
// metadata write completes before the restart is attempted, so a process
// killed mid-restart still boots the reverted bundle.
//
// # Thread Safety
//
// Safe for concurrent use; all state lives in the metadata store.
type Manager struct {
	store     metadata.Store
	hook      Hook
	reporter  Reporter
	restarter Restarter
	pruner    Pruner
	logger    *slog.Logger
	appID     string
	now       func() time.Time
}

// New creates a Manager.
func New(opts Options) *Manager {
	m := &Manager{
		store:     opts.Store,
		hook:      opts.Hook,
		reporter:  opts.Reporter,
		restarter: opts.Restarter,
		pruner:    opts.Pruner,
		logger:    opts.Logger,
		appID:     opts.AppID,
		now:       opts.Now,
	}
	if m.hook == nil {
		m.hook = HookFunc(func(string, string) {})
	}
	if m.reporter == nil {
		m.reporter = nopReporter{}
	}
	if m.restarter == nil {
		m.restarter = nopRestarter{}
	}
	if m.logger == nil {
		m.logger = slog.Default()
	}
	if m.now == nil {
		m.now = time.Now
	}
	m.logger = m.logger.With(slog.String("component", "rollback"))
	return m
}

// CanRollback reports whether a previous version is recorded.
func (m *Manager) CanRollback(ctx context.Context) (bool, error) {
	md, err := m.store.Load(ctx)
	if err != nil {
		return false, fmt.Errorf("load metadata: %w", err)
	}
	return md.AwaitingVerification(), nil
}

// Rollback reverts to the previous version and requests a restart.
//
// # Inputs
//
//   - ctx: Bounds the metadata write and the restart request.
//   - reason: Free-form cause, forwarded to the hook and telemetry.
//
// # Outputs
//
//   - Result: Versions involved. RestartErr is non-nil if only the restart
//     failed.
//   - error: ErrNoPreviousVersion, or a storage error. Nothing is changed
//     and no restart is requested when an error is returned.
func (m *Manager) Rollback(ctx context.Context, reason string) (Result, error) {
	var from, to, deviceID string
	_, err := m.store.Update(ctx, func(md *metadata.DeviceMetadata) error {
		if !md.AwaitingVerification() {
			return ErrNoPreviousVersion
		}
		from, to, deviceID = md.CurrentVersion, md.PreviousVersion, md.DeviceID
		if to == metadata.EmbeddedVersion {
			md.CurrentVersion, md.CurrentVersionHash = "", ""
		} else {
			md.CurrentVersion, md.CurrentVersionHash = md.PreviousVersion, md.PreviousVersionHash
		}
		md.PreviousVersion, md.PreviousVersionHash = "", ""
		md.PendingVersion, md.PendingVersionHash = "", ""
		md.ResetCrashState()
		md.Verification = metadata.VerificationState{}
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrNoPreviousVersion) {
			return Result{}, err
		}
		return Result{}, fmt.Errorf("revert metadata: %w", err)
	}

	result := Result{Reason: reason, FromVersion: from, ToVersion: to}
	m.logger.Warn("rolled back",
		slog.String("reason", reason),
		slog.String("from", from),
		slog.String("to", to))

	m.hook.OnRollback(reason, from)

	m.reporter.Report(protocol.TelemetryEvent{
		DeviceID:      deviceID,
		AppID:         m.appID,
		EventType:     protocol.EventRollbackTriggered,
		BundleVersion: from,
		Metadata: protocol.EventMetadata{
			Reason:       reason,
			RolledBackTo: to,
			FromVersion:  from,
		},
		Timestamp: m.now().UTC(),
	})

	if err := m.restarter.Restart(ctx); err != nil {
		m.logger.Error("restart after rollback failed", slog.String("error", err.Error()))
		result.RestartErr = err
	}
	return result, nil
}

// MarkUpdateVerified trusts the current version without a rollback event.
// Returns false when nothing was awaiting verification. Unreferenced bundle
// files are handed to the Pruner.
func (m *Manager) MarkUpdateVerified(ctx context.Context) (bool, error) {
	var changed bool
	md, err := m.store.Update(ctx, func(md *metadata.DeviceMetadata) error {
		changed = md.AwaitingVerification()
		if !changed {
			return nil
		}
		md.PreviousVersion, md.PreviousVersionHash = "", ""
		md.ResetCrashState()
		md.Verification = metadata.VerificationState{}
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("mark verified: %w", err)
	}
	if !changed {
		return false, nil
	}
	m.logger.Info("update marked verified", slog.String("version", md.CurrentVersion))
	if m.pruner != nil {
		if err := m.pruner.Prune(md.CurrentVersion, md.PendingVersion); err != nil {
			m.logger.Warn("prune bundles failed", slog.String("error", err.Error()))
		}
	}
	return true, nil
}

// Rollbacker adapts the manager to interfaces that only need an error.
func (m *Manager) Rollbacker() RollbackFunc {
	return func(ctx context.Context, reason string) error {
		_, err := m.Rollback(ctx, reason)
		return err
	}
}

// RollbackFunc adapts a function to a Rollback(ctx, reason) error method.
type RollbackFunc func(ctx context.Context, reason string) error

// Rollback calls f.
func (f RollbackFunc) Rollback(ctx context.Context, reason string) error { return f(ctx, reason) }

type nopReporter struct{}

func (nopReporter) Report(protocol.TelemetryEvent) {}

type nopRestarter struct{}

func (nopRestarter) Restart(context.Context) error { return nil }
