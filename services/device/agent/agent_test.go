// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package agent

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/bundlenudge/bundlenudge/pkg/clock"
	"github.com/bundlenudge/bundlenudge/pkg/protocol"
	"github.com/bundlenudge/bundlenudge/services/device/rollback"
	"github.com/bundlenudge/bundlenudge/services/device/updater"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeServer serves one release and records telemetry.
type fakeServer struct {
	mu      sync.Mutex
	version string
	body    []byte
	events  []protocol.TelemetryEvent
	srv     *httptest.Server
}

func newFakeServer(t *testing.T) *fakeServer {
	t.Helper()
	f := &fakeServer{}
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/updates/check", func(w http.ResponseWriter, r *http.Request) {
		var req protocol.CheckRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		f.mu.Lock()
		defer f.mu.Unlock()
		resp := protocol.CheckResponse{}
		if f.version != "" && f.version != req.CurrentBundleVersion {
			sum := sha256.Sum256(f.body)
			resp = protocol.CheckResponse{UpdateAvailable: true, Release: &protocol.ReleaseInfo{
				Version:           f.version,
				Hash:              "sha256:" + hex.EncodeToString(sum[:]),
				DownloadURL:       f.srv.URL + "/bundles/" + f.version,
				Channel:           req.Channel,
				RolloutPercentage: 100,
			}}
		}
		_ = json.NewEncoder(w).Encode(resp)
	})
	mux.HandleFunc("/v1/telemetry", func(w http.ResponseWriter, r *http.Request) {
		var ev protocol.TelemetryEvent
		_ = json.NewDecoder(r.Body).Decode(&ev)
		f.mu.Lock()
		f.events = append(f.events, ev)
		f.mu.Unlock()
		w.WriteHeader(http.StatusAccepted)
	})
	mux.HandleFunc("/bundles/", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		w.Write(f.body)
	})
	f.srv = httptest.NewServer(mux)
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeServer) release(version, body string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.version, f.body = version, []byte(body)
}

func (f *fakeServer) eventsOf(t protocol.EventType) []protocol.TelemetryEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []protocol.TelemetryEvent
	for _, e := range f.events {
		if e.EventType == t {
			out = append(out, e)
		}
	}
	return out
}

type restarts struct {
	mu sync.Mutex
	n  int
}

func (r *restarts) Restart(context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.n++
	return nil
}

func testConfig(serverURL, dir string) Config {
	cfg := DefaultConfig()
	cfg.ServerURL = serverURL
	cfg.AppID = "app-1"
	cfg.DataDir = dir
	cfg.ReportTimeout = time.Second
	return cfg
}

// launch simulates one process start.
func launch(t *testing.T, cfg Config, clk clock.Clock, r *restarts) *Agent {
	t.Helper()
	a, err := New(context.Background(), cfg, WithClock(clk), WithRestarter(r))
	require.NoError(t, err)
	return a
}

func installVerified(t *testing.T, srv *fakeServer, cfg Config, clk clock.Clock, r *restarts, version string) {
	t.Helper()
	ctx := context.Background()
	srv.release(version, "bundle "+version)

	a := launch(t, cfg, clk, r)
	require.Equal(t, updater.CheckUpdateAvailable, a.CheckForUpdate(ctx).Outcome)
	_, err := a.Download(ctx)
	require.NoError(t, err)
	require.NoError(t, a.Close())

	a = launch(t, cfg, clk, r)
	_, err = a.Start(ctx)
	require.NoError(t, err)
	_, err = a.NotifyAppReady(ctx)
	require.NoError(t, err)
	done, err := a.NotifyHealthPassed(ctx)
	require.NoError(t, err)
	require.True(t, done)
	require.NoError(t, a.Close())
}

func TestAgent_CrashLoopRollsBack(t *testing.T) {
	for _, backend := range []string{StoreFile, StoreBadger} {
		t.Run(backend, func(t *testing.T) {
			ctx := context.Background()
			srv := newFakeServer(t)
			cfg := testConfig(srv.srv.URL, t.TempDir())
			cfg.Store = backend
			clk := clock.NewFake(time.Date(2025, 7, 1, 8, 0, 0, 0, time.UTC))
			r := &restarts{}

			installVerified(t, srv, cfg, clk, r, "1.0.0")

			srv.release("1.1.0", "bundle 1.1.0")
			a := launch(t, cfg, clk, r)
			require.Equal(t, updater.CheckUpdateAvailable, a.CheckForUpdate(ctx).Outcome)
			_, err := a.Download(ctx)
			require.NoError(t, err)
			require.NoError(t, a.Close())

			var res updater.StartResult
			for i := 0; i < 4; i++ {
				a = launch(t, cfg, clk, r)
				res, err = a.Start(ctx)
				require.NoError(t, err)
				if i < 3 {
					require.NoError(t, a.Close())
					clk.Advance(2 * time.Second)
				}
			}
			assert.True(t, res.RolledBack)
			assert.Equal(t, 1, r.n)

			st, err := a.Status(ctx)
			require.NoError(t, err)
			assert.Equal(t, "1.0.0", st.CurrentVersion)
			assert.Empty(t, st.PreviousVersion)
			data, err := os.ReadFile(st.BundlePath)
			require.NoError(t, err)
			assert.Equal(t, "bundle 1.0.0", string(data))
			require.NoError(t, a.Close())

			rollbacks := srv.eventsOf(protocol.EventRollbackTriggered)
			require.Len(t, rollbacks, 1)
			assert.Equal(t, "1.0.0", rollbacks[0].Metadata.RolledBackTo)
			assert.Equal(t, "app-1", rollbacks[0].AppID)
			assert.Equal(t, st.DeviceID, rollbacks[0].DeviceID)
		})
	}
}

func TestAgent_LateHealthSignalStillVerifies(t *testing.T) {
	ctx := context.Background()
	srv := newFakeServer(t)
	cfg := testConfig(srv.srv.URL, t.TempDir())
	clk := clock.NewFake(time.Date(2025, 7, 1, 8, 0, 0, 0, time.UTC))
	r := &restarts{}

	installVerified(t, srv, cfg, clk, r, "1.0.0")
	srv.release("1.1.0", "bundle 1.1.0")
	a := launch(t, cfg, clk, r)
	a.CheckForUpdate(ctx)
	_, err := a.Download(ctx)
	require.NoError(t, err)
	require.NoError(t, a.Close())

	a = launch(t, cfg, clk, r)
	defer a.Close()
	res, err := a.Start(ctx)
	require.NoError(t, err)
	require.True(t, res.Verifying)

	_, err = a.NotifyAppReady(ctx)
	require.NoError(t, err)
	clk.Advance(70 * time.Second)

	st, err := a.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, "1.0.0", st.PreviousVersion, "timeout keeps the update unverified")

	done, err := a.NotifyHealthPassed(ctx)
	require.NoError(t, err)
	assert.True(t, done)

	st, err = a.Status(ctx)
	require.NoError(t, err)
	assert.Empty(t, st.PreviousVersion)
	assert.Equal(t, updater.StateCommitted, st.State)
	assert.Equal(t, []string{"1.1.0"}, st.StoredBundles)
}

func TestAgent_ManualRollbackAndPreconditions(t *testing.T) {
	ctx := context.Background()
	srv := newFakeServer(t)
	cfg := testConfig(srv.srv.URL, t.TempDir())
	clk := clock.NewFake(time.Date(2025, 7, 1, 8, 0, 0, 0, time.UTC))
	r := &restarts{}

	a := launch(t, cfg, clk, r)
	_, err := a.Rollback(ctx, "manual")
	assert.ErrorIs(t, err, rollback.ErrNoPreviousVersion)
	assert.Zero(t, r.n)
	require.NoError(t, a.Close())

	srv.release("1.0.0", "bundle 1.0.0")
	a = launch(t, cfg, clk, r)
	a.CheckForUpdate(ctx)
	_, err = a.Download(ctx)
	require.NoError(t, err)
	require.NoError(t, a.Close())

	a = launch(t, cfg, clk, r)
	defer a.Close()
	_, err = a.Start(ctx)
	require.NoError(t, err)
	ok, err := a.CanRollback(ctx)
	require.NoError(t, err)
	assert.True(t, ok)

	res, err := a.Rollback(ctx, "manual")
	require.NoError(t, err)
	assert.Equal(t, "1.0.0", res.FromVersion)
	assert.Equal(t, 1, r.n)

	path, err := a.BundlePath(ctx)
	require.NoError(t, err)
	assert.Empty(t, path, "rolled back to the embedded bundle")
}

func TestAgent_MarkUpdateVerifiedAndClear(t *testing.T) {
	ctx := context.Background()
	srv := newFakeServer(t)
	cfg := testConfig(srv.srv.URL, t.TempDir())
	clk := clock.NewFake(time.Date(2025, 7, 1, 8, 0, 0, 0, time.UTC))
	r := &restarts{}

	srv.release("2.0.0", "bundle 2.0.0")
	a := launch(t, cfg, clk, r)
	a.CheckForUpdate(ctx)
	_, err := a.Download(ctx)
	require.NoError(t, err)
	require.NoError(t, a.Close())

	a = launch(t, cfg, clk, r)
	defer a.Close()
	_, err = a.Start(ctx)
	require.NoError(t, err)

	changed, err := a.MarkUpdateVerified(ctx)
	require.NoError(t, err)
	assert.True(t, changed)
	st, err := a.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, updater.StateCommitted, st.State)
	assert.Equal(t, "2.0.0", st.CurrentVersion)
	ok, err := a.CanRollback(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	before, err := a.Status(ctx)
	require.NoError(t, err)
	require.NoError(t, a.ClearUpdates(ctx))
	after, err := a.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, before.DeviceID, after.DeviceID)
	assert.Empty(t, after.CurrentVersion)
	assert.Empty(t, after.StoredBundles)
}

func TestLoadConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "agent.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server_url: https://updates.example.com
app_id: app-9
platform: android
data_dir: /tmp/bn
crash:
  crash_window: 5s
  crash_threshold: 2
  verification_window: 30s
`), 0o644))

	t.Setenv("BUNDLENUDGE_CHANNEL", "staging")
	t.Setenv("BUNDLENUDGE_CRASH_THRESHOLD", "4")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "https://updates.example.com", cfg.ServerURL)
	assert.Equal(t, "app-9", cfg.AppID)
	assert.Equal(t, "android", cfg.Platform)
	assert.Equal(t, "staging", cfg.Channel)
	assert.Equal(t, 5*time.Second, cfg.Crash.CrashWindow)
	assert.Equal(t, 4, cfg.Crash.CrashThreshold)
	assert.Equal(t, 30*time.Second, cfg.Crash.VerificationWindow)
	assert.Equal(t, StoreFile, cfg.Store)
}

func TestLoadConfig_Invalid(t *testing.T) {
	t.Setenv("BUNDLENUDGE_APP_ID", "")
	_, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorIs(t, err, ErrInvalidConfig)
}
