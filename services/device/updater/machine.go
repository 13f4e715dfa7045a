// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package updater drives a device through check, download, apply, verify,
// and commit or rollback.
//
// # Description
//
// Machine is the single write path for update-lifecycle transitions on the
// device. Every operation that mutates metadata holds one mutex for its
// whole duration, and each durable transition is a single metadata.Store
// Update, so a process killed between any two instructions restarts in a
// consistent state.
//
// The state diagram is:
//
//	Idle -> Checking -> Downloading -> Downloaded -> Applying -> Verifying
//	Verifying -> Committed | RolledBack
//
// A persisted pendingVersion rehydrates a new Machine in Downloaded.
package updater

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bundlenudge/bundlenudge/pkg/protocol"
	"github.com/bundlenudge/bundlenudge/services/device/api"
	"github.com/bundlenudge/bundlenudge/services/device/crash"
	"github.com/bundlenudge/bundlenudge/services/device/metadata"
)

// State is a lifecycle state.
type State int32

const (
	StateIdle State = iota
	StateChecking
	StateDownloading
	StateDownloaded
	StateApplying
	StateVerifying
	StateCommitted
	StateRolledBack
)

var stateNames = [...]string{"idle", "checking", "downloading", "downloaded", "applying", "verifying", "committed", "rolled_back"}

// String returns the lowercase state name.
func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("state(%d)", int32(s))
	}
	return stateNames[s]
}

// ErrNothingToDownload is returned by Download when no release was offered.
var ErrNothingToDownload = errors.New("no offered release to download")

// Checker performs the update check.
type Checker interface {
	Check(ctx context.Context, req protocol.CheckRequest) (protocol.CheckResponse, error)
}

// Bundles is the bundle storage collaborator.
type Bundles interface {
	Fetch(ctx context.Context, version, expectedHash, url string) (string, error)
	Path(version string) (string, bool)
	Prune(keep ...string) error
	RemoveAll() error
}

// Monitor is the crash and verification collaborator.
type Monitor interface {
	OnAppStart(ctx context.Context) (crash.StartResult, error)
	StartVerification(ctx context.Context) (bool, error)
	Stop()
}

// Reporter delivers telemetry without blocking the caller.
type Reporter interface {
	Report(event protocol.TelemetryEvent)
}

// Config identifies the app in update checks.
type Config struct {
	AppID      string
	Channel    string
	Platform   string
	AppVersion string
	DeviceInfo protocol.DeviceInfo
}

// Options are the machine's collaborators. Store, Checker and Bundles are
// required. Monitor may be attached later with SetMonitor.
type Options struct {
	Config   Config
	Store    metadata.Store
	Checker  Checker
	Bundles  Bundles
	Monitor  Monitor
	Reporter Reporter
	Logger   *slog.Logger
	Now      func() time.Time
}

// CheckOutcome classifies a CheckForUpdate result.
type CheckOutcome int

const (
	CheckNoUpdate CheckOutcome = iota
	CheckUpdateAvailable
	CheckAlreadyPending
	CheckLimitExceeded
	CheckFailed
)

var checkOutcomeNames = [...]string{"no_update", "update_available", "already_pending", "limit_exceeded", "failed"}

func (o CheckOutcome) String() string {
	if o < 0 || int(o) >= len(checkOutcomeNames) {
		return fmt.Sprintf("outcome(%d)", int(o))
	}
	return checkOutcomeNames[o]
}

// CheckResult is the outcome of CheckForUpdate. Failures are reported here
// rather than as an error; the machine is back in Idle.
type CheckResult struct {
	Outcome        CheckOutcome
	Release        *protocol.ReleaseInfo
	PendingVersion string
	Err            error
}

// StartResult is the outcome of OnAppStart.
type StartResult struct {
	Applied        bool
	AppliedVersion string
	CrashCount     int
	RolledBack     bool
	Verifying      bool
	State          State
}

// Machine is the device update state machine.
//
// # Thread Safety
//
// Safe for concurrent use. Mutating operations are serialized; State may be
// read at any time.
type Machine struct {
	cfg      Config
	store    metadata.Store
	checker  Checker
	bundles  Bundles
	monitor  Monitor
	reporter Reporter
	logger   *slog.Logger
	now      func() time.Time

	mu      sync.Mutex
	offered *protocol.ReleaseInfo
	state   atomic.Int32
}

// New creates a Machine and rehydrates its state from the store.
func New(ctx context.Context, opts Options) (*Machine, error) {
	if opts.Store == nil || opts.Checker == nil || opts.Bundles == nil {
		return nil, errors.New("updater requires a store, a checker and bundle storage")
	}
	m := &Machine{
		cfg:      opts.Config,
		store:    opts.Store,
		checker:  opts.Checker,
		bundles:  opts.Bundles,
		monitor:  opts.Monitor,
		reporter: opts.Reporter,
		logger:   opts.Logger,
		now:      opts.Now,
	}
	if m.reporter == nil {
		m.reporter = nopReporter{}
	}
	if m.logger == nil {
		m.logger = slog.Default()
	}
	if m.now == nil {
		m.now = time.Now
	}
	if m.cfg.Channel == "" {
		m.cfg.Channel = "production"
	}
	m.logger = m.logger.With(slog.String("component", "updater"))

	md, err := m.store.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("load metadata: %w", err)
	}
	if md.HasPending() {
		m.setState(StateDownloaded)
	}
	return m, nil
}

// SetMonitor attaches the crash monitor. It must be called before OnAppStart.
func (m *Machine) SetMonitor(mon Monitor) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.monitor = mon
}

// State returns the current state.
func (m *Machine) State() State {
	return State(m.state.Load())
}

func (m *Machine) setState(s State) {
	prev := State(m.state.Swap(int32(s)))
	if prev != s {
		m.logger.Debug("state transition", slog.String("from", prev.String()), slog.String("to", s.String()))
	}
}

// =============================================================================
// Check and download
// =============================================================================

// CheckForUpdate asks the server for an update.
//
// # Description
//
// While a download is in progress or a bundle is already downloaded, the
// call is a no-op that reports the existing pending version. Otherwise the
// machine moves to Checking, then to Downloading when a release is offered
// or back to Idle in every other case, including server errors, the MAU
// limit, and malformed responses.
func (m *Machine) CheckForUpdate(ctx context.Context) CheckResult {
	m.mu.Lock()
	defer m.mu.Unlock()

	md, err := m.store.Load(ctx)
	if err != nil {
		return CheckResult{Outcome: CheckFailed, Err: fmt.Errorf("load metadata: %w", err)}
	}
	switch m.State() {
	case StateDownloading:
		if m.offered != nil {
			return CheckResult{Outcome: CheckAlreadyPending, PendingVersion: m.offered.Version, Release: m.offered}
		}
	case StateDownloaded:
		return CheckResult{Outcome: CheckAlreadyPending, PendingVersion: md.PendingVersion}
	}
	if md.HasPending() {
		m.setState(StateDownloaded)
		return CheckResult{Outcome: CheckAlreadyPending, PendingVersion: md.PendingVersion}
	}

	prev := m.State()
	m.setState(StateChecking)
	current := md.CurrentVersion
	resp, err := m.checker.Check(ctx, protocol.CheckRequest{
		AppID:                m.cfg.AppID,
		DeviceID:             md.DeviceID,
		Platform:             m.cfg.Platform,
		AppVersion:           m.cfg.AppVersion,
		CurrentBundleVersion: current,
		Channel:              m.cfg.Channel,
		DeviceInfo:           m.cfg.DeviceInfo,
	})
	settle := func() {
		// A check never disturbs an active verification cycle.
		if prev == StateVerifying {
			m.setState(StateVerifying)
			return
		}
		m.setState(StateIdle)
	}
	if err != nil {
		settle()
		if errors.Is(err, api.ErrMAULimitExceeded) {
			m.logger.Warn("update check refused: MAU limit exceeded")
			return CheckResult{Outcome: CheckLimitExceeded, Err: err}
		}
		m.logger.Warn("update check failed", slog.String("error", err.Error()))
		return CheckResult{Outcome: CheckFailed, Err: err}
	}
	if !resp.UpdateAvailable || resp.Release == nil || protocol.SameVersion(resp.Release.Version, current) {
		settle()
		return CheckResult{Outcome: CheckNoUpdate}
	}

	rel := *resp.Release
	m.offered = &rel
	m.setState(StateDownloading)
	m.logger.Info("update available", slog.String("version", rel.Version), slog.String("channel", rel.Channel))
	return CheckResult{Outcome: CheckUpdateAvailable, Release: &rel}
}

// Download fetches and verifies the offered bundle.
//
// # Outputs
//
//   - string: The pending version on success, or the existing one when a
//     bundle is already downloaded.
//   - error: ErrNothingToDownload when no release was offered; otherwise a
//     fetch, integrity, or storage error. On any error the partial file is
//     gone, metadata is unchanged, and the machine is Idle.
func (m *Machine) Download(ctx context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.State() == StateDownloaded {
		md, err := m.store.Load(ctx)
		if err != nil {
			return "", fmt.Errorf("load metadata: %w", err)
		}
		if md.HasPending() {
			return md.PendingVersion, nil
		}
	}
	if m.State() != StateDownloading || m.offered == nil {
		return "", ErrNothingToDownload
	}
	rel := *m.offered

	fail := func(err error) (string, error) {
		m.offered = nil
		m.setState(StateIdle)
		m.logger.Warn("download failed", slog.String("version", rel.Version), slog.String("error", err.Error()))
		return "", err
	}

	if _, err := m.bundles.Fetch(ctx, rel.Version, rel.Hash, rel.DownloadURL); err != nil {
		return fail(err)
	}
	_, err := m.store.Update(ctx, func(md *metadata.DeviceMetadata) error {
		md.PendingVersion = rel.Version
		md.PendingVersionHash = rel.Hash
		return nil
	})
	if err != nil {
		return fail(fmt.Errorf("record pending version: %w", err))
	}

	m.offered = nil
	m.setState(StateDownloaded)
	m.logger.Info("update downloaded", slog.String("version", rel.Version))
	return rel.Version, nil
}

// =============================================================================
// Apply and start
// =============================================================================

// ApplyPendingUpdate promotes the pending bundle to current. It must only
// be called while the app is restarting, before the bundle is loaded.
// Returns the applied version, or "" when nothing was pending.
func (m *Machine) ApplyPendingUpdate(ctx context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.applyLocked(ctx)
}

func (m *Machine) applyLocked(ctx context.Context) (string, error) {
	md, err := m.store.Load(ctx)
	if err != nil {
		return "", fmt.Errorf("load metadata: %w", err)
	}
	if !md.HasPending() {
		return "", nil
	}
	if _, ok := m.bundles.Path(md.PendingVersion); !ok {
		// The file vanished; drop the pending pointer so the device keeps
		// booting its current bundle.
		m.logger.Warn("pending bundle missing, discarding", slog.String("version", md.PendingVersion))
		_, err := m.store.Update(ctx, func(d *metadata.DeviceMetadata) error {
			d.PendingVersion, d.PendingVersionHash = "", ""
			return nil
		})
		m.setState(StateIdle)
		if err != nil {
			return "", fmt.Errorf("discard missing pending bundle: %w", err)
		}
		return "", nil
	}

	m.setState(StateApplying)
	var from, to, deviceID string
	_, err = m.store.Update(ctx, func(d *metadata.DeviceMetadata) error {
		from, to, deviceID = "", "", d.DeviceID
		if !d.HasPending() {
			return nil
		}
		from, to = d.CurrentVersion, d.PendingVersion
		if d.CurrentVersion == "" {
			d.PreviousVersion, d.PreviousVersionHash = metadata.EmbeddedVersion, ""
		} else {
			d.PreviousVersion, d.PreviousVersionHash = d.CurrentVersion, d.CurrentVersionHash
		}
		d.CurrentVersion, d.CurrentVersionHash = d.PendingVersion, d.PendingVersionHash
		d.PendingVersion, d.PendingVersionHash = "", ""
		d.ResetCrashState()
		d.Verification = metadata.VerificationState{}
		return nil
	})
	if err != nil {
		m.setState(StateDownloaded)
		return "", fmt.Errorf("apply pending update: %w", err)
	}
	if to == "" {
		m.setState(StateIdle)
		return "", nil
	}

	m.logger.Info("update applied", slog.String("from", from), slog.String("to", to))
	m.reporter.Report(protocol.TelemetryEvent{
		DeviceID:      deviceID,
		AppID:         m.cfg.AppID,
		EventType:     protocol.EventUpdateApplied,
		BundleVersion: to,
		Metadata:      protocol.EventMetadata{FromVersion: from},
		Timestamp:     m.now().UTC(),
	})
	return to, nil
}

// OnAppStart runs the restart sequence.
//
// # Description
//
// Applies the pending bundle if there is one, lets the crash monitor judge
// this start, and when an update still awaits verification arms the
// verification window. A crash loop ends in RolledBack; an unverified
// update leaves the machine in Verifying.
func (m *Machine) OnAppStart(ctx context.Context) (StartResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var res StartResult
	applied, err := m.applyLocked(ctx)
	if err != nil {
		return res, err
	}
	res.Applied, res.AppliedVersion = applied != "", applied

	if m.monitor != nil {
		cr, err := m.monitor.OnAppStart(ctx)
		if err != nil {
			return res, fmt.Errorf("crash check: %w", err)
		}
		res.CrashCount = cr.CrashCount
		if cr.RolledBack {
			res.RolledBack = true
			m.setState(StateRolledBack)
			res.State = StateRolledBack
			return res, nil
		}
	}

	md, err := m.store.Load(ctx)
	if err != nil {
		return res, fmt.Errorf("load metadata: %w", err)
	}
	switch {
	case md.AwaitingVerification():
		if m.monitor != nil {
			if _, err := m.monitor.StartVerification(ctx); err != nil {
				return res, fmt.Errorf("start verification: %w", err)
			}
		}
		res.Verifying = true
		m.setState(StateVerifying)
	case md.HasPending():
		m.setState(StateDownloaded)
	default:
		m.setState(StateIdle)
	}
	res.State = m.State()
	return res, nil
}

// MarkVerified records that verification completed. It is wired as the
// crash detector's verified callback and must not take the machine lock.
func (m *Machine) MarkVerified(version string) {
	m.setState(StateCommitted)
	m.logger.Info("update committed", slog.String("version", version))
	keep := []string{version}
	if md, err := m.store.Load(context.Background()); err == nil {
		keep = append(keep, md.PendingVersion)
	}
	if err := m.bundles.Prune(keep...); err != nil {
		m.logger.Warn("prune bundles failed", slog.String("error", err.Error()))
	}
}

// MarkRolledBack records that a rollback happened outside OnAppStart.
func (m *Machine) MarkRolledBack() {
	m.setState(StateRolledBack)
}

// =============================================================================
// Queries and reset
// =============================================================================

// BundlePath returns the file to boot, or "" for the bundle embedded in the
// application.
func (m *Machine) BundlePath(ctx context.Context) (string, error) {
	md, err := m.store.Load(ctx)
	if err != nil {
		return "", fmt.Errorf("load metadata: %w", err)
	}
	if md.CurrentVersion == "" {
		return "", nil
	}
	p, ok := m.bundles.Path(md.CurrentVersion)
	if !ok {
		m.logger.Warn("current bundle missing, using embedded bundle", slog.String("version", md.CurrentVersion))
		return "", nil
	}
	return p, nil
}

// ClearUpdates resets metadata (keeping the device id), deletes every
// downloaded bundle, and returns the machine to Idle.
func (m *Machine) ClearUpdates(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.monitor != nil {
		m.monitor.Stop()
	}
	if _, err := m.store.ClearUpdates(ctx); err != nil {
		return fmt.Errorf("clear metadata: %w", err)
	}
	m.offered = nil
	m.setState(StateIdle)
	if err := m.bundles.RemoveAll(); err != nil {
		return fmt.Errorf("remove bundles: %w", err)
	}
	m.logger.Info("updates cleared")
	return nil
}

type nopReporter struct{}

func (nopReporter) Report(protocol.TelemetryEvent) {}
