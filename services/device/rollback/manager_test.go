// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package rollback

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"github.com/bundlenudge/bundlenudge/pkg/protocol"
	"github.com/bundlenudge/bundlenudge/services/device/metadata"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu    sync.Mutex
	steps []string

	events  []protocol.TelemetryEvent
	pruned  [][]string
	restart error
	store   metadata.Store
	// bootVersion is the current version observed when Restart runs.
	bootVersion string
}

func (r *recorder) OnRollback(reason, from string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.steps = append(r.steps, "hook:"+reason+":"+from)
}

func (r *recorder) Report(e protocol.TelemetryEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.steps = append(r.steps, "report")
	r.events = append(r.events, e)
}

func (r *recorder) Restart(ctx context.Context) error {
	m, err := r.store.Load(ctx)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.steps = append(r.steps, "restart")
	r.bootVersion = m.CurrentVersion
	return r.restart
}

func (r *recorder) Prune(keep ...string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pruned = append(r.pruned, keep)
	return nil
}

func setup(t *testing.T) (*Manager, *recorder, metadata.Store) {
	t.Helper()
	store := metadata.NewFileStore(filepath.Join(t.TempDir(), "metadata.json"))
	rec := &recorder{store: store}
	mgr := New(Options{
		Store:     store,
		Hook:      rec,
		Reporter:  rec,
		Restarter: rec,
		Pruner:    rec,
		AppID:     "app-1",
	})
	return mgr, rec, store
}

func seed(t *testing.T, store metadata.Store, fn func(m *metadata.DeviceMetadata)) {
	t.Helper()
	_, err := store.Update(context.Background(), func(m *metadata.DeviceMetadata) error {
		fn(m)
		return nil
	})
	require.NoError(t, err)
}

func TestRollback_NoPreviousVersion(t *testing.T) {
	mgr, rec, store := setup(t)
	seed(t, store, func(m *metadata.DeviceMetadata) { m.CurrentVersion = "1.0.0" })

	ok, err := mgr.CanRollback(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = mgr.Rollback(context.Background(), "manual")
	assert.ErrorIs(t, err, ErrNoPreviousVersion)
	assert.Empty(t, rec.steps, "no hook, report or restart")

	m, err := store.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "1.0.0", m.CurrentVersion)
}

func TestRollback_RevertsBeforeRestart(t *testing.T) {
	mgr, rec, store := setup(t)
	seed(t, store, func(m *metadata.DeviceMetadata) {
		m.CurrentVersion, m.CurrentVersionHash = "1.1.0", "sha256:new"
		m.PreviousVersion, m.PreviousVersionHash = "1.0.0", "sha256:old"
		m.PendingVersion = "1.2.0"
		m.CrashCount = 2
		m.Verification.AppReady = true
	})

	ok, err := mgr.CanRollback(context.Background())
	require.NoError(t, err)
	assert.True(t, ok)

	res, err := mgr.Rollback(context.Background(), "manual")
	require.NoError(t, err)
	assert.Equal(t, Result{Reason: "manual", FromVersion: "1.1.0", ToVersion: "1.0.0"}, res)

	assert.Equal(t, []string{"hook:manual:1.1.0", "report", "restart"}, rec.steps)
	assert.Equal(t, "1.0.0", rec.bootVersion, "revert is durable before restart")

	m, err := store.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "1.0.0", m.CurrentVersion)
	assert.Equal(t, "sha256:old", m.CurrentVersionHash)
	assert.Empty(t, m.PreviousVersion)
	assert.Empty(t, m.PendingVersion)
	assert.Zero(t, m.CrashCount)
	assert.False(t, m.Verification.AppReady)

	require.Len(t, rec.events, 1)
	ev := rec.events[0]
	assert.Equal(t, protocol.EventRollbackTriggered, ev.EventType)
	assert.Equal(t, m.DeviceID, ev.DeviceID)
	assert.Equal(t, "app-1", ev.AppID)
	assert.Equal(t, "1.0.0", ev.Metadata.RolledBackTo)
	assert.Equal(t, "manual", ev.Metadata.Reason)
}

func TestRollback_ToEmbeddedBundle(t *testing.T) {
	mgr, _, store := setup(t)
	seed(t, store, func(m *metadata.DeviceMetadata) {
		m.CurrentVersion = "1.0.0"
		m.PreviousVersion = metadata.EmbeddedVersion
	})

	res, err := mgr.Rollback(context.Background(), "manual")
	require.NoError(t, err)
	assert.Equal(t, metadata.EmbeddedVersion, res.ToVersion)

	m, err := store.Load(context.Background())
	require.NoError(t, err)
	assert.Empty(t, m.CurrentVersion)
}

func TestRollback_RestartFailureKeepsRevert(t *testing.T) {
	mgr, rec, store := setup(t)
	rec.restart = errors.New("no activity")
	seed(t, store, func(m *metadata.DeviceMetadata) {
		m.CurrentVersion = "1.1.0"
		m.PreviousVersion = "1.0.0"
	})

	res, err := mgr.Rollback(context.Background(), "manual")
	require.NoError(t, err)
	assert.Error(t, res.RestartErr)

	m, err := store.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "1.0.0", m.CurrentVersion)
}

func TestMarkUpdateVerified(t *testing.T) {
	mgr, rec, store := setup(t)
	seed(t, store, func(m *metadata.DeviceMetadata) {
		m.CurrentVersion = "1.1.0"
		m.PreviousVersion = "1.0.0"
		m.CrashCount = 1
	})

	changed, err := mgr.MarkUpdateVerified(context.Background())
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Empty(t, rec.events, "no rollback event")
	require.Len(t, rec.pruned, 1)
	assert.Equal(t, []string{"1.1.0", ""}, rec.pruned[0])

	m, err := store.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "1.1.0", m.CurrentVersion)
	assert.Empty(t, m.PreviousVersion)
	assert.Zero(t, m.CrashCount)

	changed, err = mgr.MarkUpdateVerified(context.Background())
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Len(t, rec.pruned, 1)
}

func TestNew_Defaults(t *testing.T) {
	store := metadata.NewFileStore(filepath.Join(t.TempDir(), "metadata.json"))
	seed(t, store, func(m *metadata.DeviceMetadata) {
		m.CurrentVersion = "2.0.0"
		m.PreviousVersion = "1.0.0"
	})
	res, err := New(Options{Store: store}).Rollback(context.Background(), "manual")
	require.NoError(t, err)
	assert.Equal(t, "1.0.0", res.ToVersion)
	assert.NoError(t, res.RestartErr)
}
