// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package crash decides when an applied update should be rolled back and
// when it should be trusted.
//
// # Description
//
// Detector owns two independent windows:
//
// Crash counting: on every app start while an update is unverified, the
// start is compared to the previous start. A start within CrashWindow of
// the last one counts as a crash; a start after a longer gap resets the
// counter. Reaching CrashThreshold triggers a rollback, at most once per
// detector.
//
// Verification: once per update cycle a timer is armed for
// VerificationWindow. The update is trusted when both NotifyAppReady and
// NotifyHealthPassed have been observed, in any order and at any time. The
// timer expiring only disarms the timer. It never clears state, so an
// update that is never confirmed can still be rolled back by a later crash
// loop.
package crash

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/bundlenudge/bundlenudge/pkg/clock"
	"github.com/bundlenudge/bundlenudge/pkg/protocol"
	"github.com/bundlenudge/bundlenudge/services/device/metadata"
)

// Default window and threshold values.
const (
	DefaultCrashWindow        = 10 * time.Second
	DefaultCrashThreshold     = 3
	DefaultVerificationWindow = 60 * time.Second
)

// RollbackReason is passed to the Rollbacker when the crash threshold is hit.
const RollbackReason = "crash_threshold_exceeded"

// ErrInvalidConfig is returned by New for non-positive windows or thresholds.
var ErrInvalidConfig = errors.New("invalid crash detector config")

// Config holds the detector's windows.
type Config struct {
	CrashWindow        time.Duration `yaml:"crash_window"`
	CrashThreshold     int           `yaml:"crash_threshold"`
	VerificationWindow time.Duration `yaml:"verification_window"`
}

// DefaultConfig returns a 10s crash window, a threshold of 3 and a 60s
// verification window.
func DefaultConfig() Config {
	return Config{
		CrashWindow:        DefaultCrashWindow,
		CrashThreshold:     DefaultCrashThreshold,
		VerificationWindow: DefaultVerificationWindow,
	}
}

// Validate checks that every field is positive.
func (c Config) Validate() error {
	if c.CrashWindow <= 0 {
		return fmt.Errorf("%w: crash window must be positive", ErrInvalidConfig)
	}
	if c.CrashThreshold <= 0 {
		return fmt.Errorf("%w: crash threshold must be positive", ErrInvalidConfig)
	}
	if c.VerificationWindow <= 0 {
		return fmt.Errorf("%w: verification window must be positive", ErrInvalidConfig)
	}
	return nil
}

// Rollbacker reverts the device to its previous bundle.
type Rollbacker interface {
	Rollback(ctx context.Context, reason string) error
}

// Reporter delivers telemetry without blocking the caller.
type Reporter interface {
	Report(event protocol.TelemetryEvent)
}

// Options are the detector's collaborators. Store and Rollbacker are
// required; the rest default to no-ops, the real clock and slog.Default.
type Options struct {
	Config     Config
	Store      metadata.Store
	Rollbacker Rollbacker
	Reporter   Reporter
	// OnVerified is called once per completed verification with the version
	// that became trusted.
	OnVerified func(version string)
	Clock      clock.Clock
	Logger     *slog.Logger
	AppID      string
}

// StartResult describes what OnAppStart decided.
type StartResult struct {
	// Evaluated is false when there was no unverified update to judge.
	Evaluated bool
	// CrashCount is the persisted count after this start.
	CrashCount int
	// RolledBack is true when this start triggered the rollback.
	RolledBack bool
}

// Detector implements crash counting and dual-gated verification.
//
// # Thread Safety
//
// Safe for concurrent use. Persisted state changes go through
// metadata.Store.Update; the timer is guarded by an internal mutex.
type Detector struct {
	cfg        Config
	store      metadata.Store
	rollbacker Rollbacker
	reporter   Reporter
	onVerified func(string)
	clock      clock.Clock
	logger     *slog.Logger
	appID      string

	mu          sync.Mutex
	timer       clock.Timer
	rolledBack  bool
	windowEnded bool
}

// New creates a Detector.
func New(opts Options) (*Detector, error) {
	if err := opts.Config.Validate(); err != nil {
		return nil, err
	}
	if opts.Store == nil {
		return nil, errors.New("crash detector requires a metadata store")
	}
	if opts.Rollbacker == nil {
		return nil, errors.New("crash detector requires a rollbacker")
	}
	d := &Detector{
		cfg:        opts.Config,
		store:      opts.Store,
		rollbacker: opts.Rollbacker,
		reporter:   opts.Reporter,
		onVerified: opts.OnVerified,
		clock:      opts.Clock,
		logger:     opts.Logger,
		appID:      opts.AppID,
	}
	if d.reporter == nil {
		d.reporter = nopReporter{}
	}
	if d.onVerified == nil {
		d.onVerified = func(string) {}
	}
	if d.clock == nil {
		d.clock = clock.Real()
	}
	if d.logger == nil {
		d.logger = slog.Default()
	}
	d.logger = d.logger.With(slog.String("component", "crash_detector"))
	return d, nil
}

// =============================================================================
// Crash counting
// =============================================================================

// OnAppStart records an app start and triggers a rollback when the start
// completes a crash loop.
//
// # Description
//
// With no unverified update nothing is written. Otherwise, in one atomic
// update: a start within CrashWindow of lastCrashTime increments
// crashCount; any other start resets it to 0; lastCrashTime becomes now.
// When crashCount reaches CrashThreshold the Rollbacker is invoked, once
// per detector, after the counter write is durable.
//
// # Outputs
//
//   - StartResult: The decision taken.
//   - error: Storage or rollback failure.
func (d *Detector) OnAppStart(ctx context.Context) (StartResult, error) {
	now := d.clock.Now()
	var result StartResult
	var counted bool
	var version, deviceID string

	_, err := d.store.Update(ctx, func(m *metadata.DeviceMetadata) error {
		result, counted = StartResult{}, false
		version, deviceID = m.CurrentVersion, m.DeviceID
		if !m.AwaitingVerification() {
			return nil
		}
		result.Evaluated = true
		if m.LastCrashTime != nil && now.Sub(*m.LastCrashTime) <= d.cfg.CrashWindow {
			m.CrashCount++
			counted = true
		} else {
			m.CrashCount = 0
		}
		t := now.UTC()
		m.LastCrashTime = &t
		result.CrashCount = m.CrashCount
		return nil
	})
	if err != nil {
		return StartResult{}, fmt.Errorf("record app start: %w", err)
	}
	if !result.Evaluated {
		return result, nil
	}

	if counted {
		d.logger.Warn("crash detected",
			slog.String("version", version),
			slog.Int("crash_count", result.CrashCount),
			slog.Int("threshold", d.cfg.CrashThreshold))
		d.reporter.Report(protocol.TelemetryEvent{
			DeviceID:      deviceID,
			AppID:         d.appID,
			EventType:     protocol.EventCrashDetected,
			BundleVersion: version,
			Metadata:      protocol.EventMetadata{CrashCount: result.CrashCount},
			Timestamp:     now.UTC(),
		})
	}

	if result.CrashCount < d.cfg.CrashThreshold {
		return result, nil
	}

	d.mu.Lock()
	if d.rolledBack {
		d.mu.Unlock()
		return result, nil
	}
	d.rolledBack = true
	d.stopTimerLocked()
	d.mu.Unlock()

	d.logger.Error("crash threshold reached, rolling back",
		slog.String("version", version),
		slog.Int("crash_count", result.CrashCount))
	if err := d.rollbacker.Rollback(ctx, RollbackReason); err != nil {
		// Release the latch so the next crash report retries.
		d.mu.Lock()
		d.rolledBack = false
		d.mu.Unlock()
		return result, fmt.Errorf("rollback after crash loop: %w", err)
	}
	result.RolledBack = true
	return result, nil
}

// RecordCrash is an alias of OnAppStart for hosts that detect crashes
// explicitly rather than through restarts.
func (d *Detector) RecordCrash(ctx context.Context) (StartResult, error) {
	return d.OnAppStart(ctx)
}

// =============================================================================
// Verification
// =============================================================================

// StartVerification arms the verification timer when an update is awaiting
// verification. Calling it again re-arms the timer. Returns false when
// there is nothing to verify.
func (d *Detector) StartVerification(ctx context.Context) (bool, error) {
	m, err := d.store.Load(ctx)
	if err != nil {
		return false, fmt.Errorf("load metadata: %w", err)
	}
	if !m.AwaitingVerification() {
		return false, nil
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	d.stopTimerLocked()
	d.windowEnded = false
	d.timer = d.clock.AfterFunc(d.cfg.VerificationWindow, d.onWindowExpired)
	d.logger.Info("verification window started",
		slog.String("version", m.CurrentVersion),
		slog.Duration("window", d.cfg.VerificationWindow))
	return true, nil
}

func (d *Detector) onWindowExpired() {
	d.mu.Lock()
	d.timer = nil
	d.windowEnded = true
	d.mu.Unlock()
	d.logger.Warn("verification window expired before both signals arrived; update stays unverified")
}

// NotifyAppReady records that the app rendered. Returns true when this call
// completed verification.
func (d *Detector) NotifyAppReady(ctx context.Context) (bool, error) {
	return d.signal(ctx, func(v *metadata.VerificationState) { v.AppReady = true })
}

// NotifyHealthPassed records that critical health checks passed. Returns
// true when this call completed verification.
func (d *Detector) NotifyHealthPassed(ctx context.Context) (bool, error) {
	return d.signal(ctx, func(v *metadata.VerificationState) { v.HealthPassed = true })
}

// signal sets one gate and checks completion in the same transaction.
func (d *Detector) signal(ctx context.Context, set func(v *metadata.VerificationState)) (bool, error) {
	var completed bool
	var version string
	_, err := d.store.Update(ctx, func(m *metadata.DeviceMetadata) error {
		completed, version = false, m.CurrentVersion
		if !m.AwaitingVerification() {
			return nil
		}
		set(&m.Verification)
		if !m.Verification.Complete() {
			return nil
		}
		m.ResetCrashState()
		m.PreviousVersion = ""
		m.PreviousVersionHash = ""
		m.Verification = metadata.VerificationState{}
		completed = true
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("record verification signal: %w", err)
	}
	if !completed {
		return false, nil
	}

	d.mu.Lock()
	d.stopTimerLocked()
	late := d.windowEnded
	d.mu.Unlock()

	d.logger.Info("update verified", slog.String("version", version), slog.Bool("after_window", late))
	d.onVerified(version)
	return true, nil
}

// Stop cancels any pending verification timer. Persisted state is untouched.
func (d *Detector) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stopTimerLocked()
}

// VerificationActive reports whether the verification timer is armed.
func (d *Detector) VerificationActive() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.timer != nil
}

func (d *Detector) stopTimerLocked() {
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
}

type nopReporter struct{}

func (nopReporter) Report(protocol.TelemetryEvent) {}
