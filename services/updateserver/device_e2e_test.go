// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package updateserver

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bundlenudge/bundlenudge/pkg/clock"
	"github.com/bundlenudge/bundlenudge/pkg/protocol"
	"github.com/bundlenudge/bundlenudge/services/catalog"
	"github.com/bundlenudge/bundlenudge/services/device/agent"
	"github.com/bundlenudge/bundlenudge/services/device/updater"
)

// bundleCDN serves bundle bodies by path.
type bundleCDN struct {
	mu     sync.Mutex
	bodies map[string][]byte
	srv    *httptest.Server
}

func newBundleCDN(t *testing.T) *bundleCDN {
	t.Helper()
	cdn := &bundleCDN{bodies: map[string][]byte{}}
	cdn.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cdn.mu.Lock()
		body, ok := cdn.bodies[r.URL.Path]
		cdn.mu.Unlock()
		if !ok {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write(body)
	}))
	t.Cleanup(cdn.srv.Close)
	return cdn
}

// publish stores body and returns its URL and hash.
func (c *bundleCDN) publish(version, body string) (string, string) {
	path := "/demo/" + version + ".bundle"
	c.mu.Lock()
	c.bodies[path] = []byte(body)
	c.mu.Unlock()
	sum := sha256.Sum256([]byte(body))
	return c.srv.URL + path, "sha256:" + hex.EncodeToString(sum[:])
}

type countingRestarter struct {
	mu sync.Mutex
	n  int
}

func (r *countingRestarter) Restart(context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.n++
	return nil
}

func (r *countingRestarter) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.n
}

func publishRelease(t *testing.T, srv *Server, cdn *bundleCDN, version string) {
	t.Helper()
	url, hash := cdn.publish(version, "bundle "+version)
	w := do(t, srv, http.MethodPost, "/v1/apps/demo/releases", catalog.ReleaseInput{
		Channel:           catalog.ChannelProduction,
		Version:           version,
		BundleHash:        hash,
		DownloadURL:       url,
		RolloutPercentage: 100,
		Status:            catalog.StatusActive,
	}, testToken)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
}

func eventsOf(sink *recordingSink, eventType protocol.EventType) []protocol.TelemetryEvent {
	var out []protocol.TelemetryEvent
	for _, e := range sink.Events() {
		if e.EventType == eventType {
			out = append(out, e)
		}
	}
	return out
}

// TestDeviceAgainstServer drives a real device agent against the server:
// install and verify one release, then crash-loop the next one until the
// device rolls back and reports it.
func TestDeviceAgainstServer(t *testing.T) {
	ctx := context.Background()
	srv, sink := newTestServer(t, testConfig(t))
	api := httptest.NewServer(srv.Router())
	t.Cleanup(api.Close)
	cdn := newBundleCDN(t)
	createApp(t, srv)

	cfg := agent.DefaultConfig()
	cfg.ServerURL = api.URL
	cfg.AppID = "demo"
	cfg.DataDir = t.TempDir()
	cfg.ReportTimeout = time.Second
	clk := clock.NewFake(time.Date(2026, 10, 1, 8, 0, 0, 0, time.UTC))
	restarter := &countingRestarter{}
	launch := func() *agent.Agent {
		a, err := agent.New(ctx, cfg, agent.WithClock(clk), agent.WithRestarter(restarter))
		require.NoError(t, err)
		return a
	}

	// Nothing published yet.
	a := launch()
	assert.Equal(t, updater.CheckNoUpdate, a.CheckForUpdate(ctx).Outcome)
	require.NoError(t, a.Close())

	// Install and verify 1.1.0.
	publishRelease(t, srv, cdn, "1.1.0")
	a = launch()
	res := a.CheckForUpdate(ctx)
	require.Equal(t, updater.CheckUpdateAvailable, res.Outcome, "%v", res.Err)
	assert.Equal(t, "1.1.0", res.Release.Version)
	_, err := a.Download(ctx)
	require.NoError(t, err)
	require.NoError(t, a.Close())

	a = launch()
	started, err := a.Start(ctx)
	require.NoError(t, err)
	assert.True(t, started.Applied)
	_, err = a.NotifyAppReady(ctx)
	require.NoError(t, err)
	verified, err := a.NotifyHealthPassed(ctx)
	require.NoError(t, err)
	require.True(t, verified)
	assert.Equal(t, updater.CheckNoUpdate, a.CheckForUpdate(ctx).Outcome, "device is on the active release")
	require.NoError(t, a.Close())

	applied := eventsOf(sink, protocol.EventUpdateApplied)
	require.Len(t, applied, 1)
	assert.Equal(t, "demo", applied[0].AppID)
	assert.Equal(t, "1.1.0", applied[0].BundleVersion)

	// 1.2.0 crashes on every launch.
	publishRelease(t, srv, cdn, "1.2.0")
	a = launch()
	require.Equal(t, updater.CheckUpdateAvailable, a.CheckForUpdate(ctx).Outcome)
	_, err = a.Download(ctx)
	require.NoError(t, err)
	require.NoError(t, a.Close())

	for i := 0; i < 4; i++ {
		a = launch()
		started, err = a.Start(ctx)
		require.NoError(t, err)
		if i < 3 {
			require.NoError(t, a.Close())
			clk.Advance(2 * time.Second)
		}
	}
	assert.True(t, started.RolledBack)
	assert.Equal(t, 1, restarter.count())

	st, err := a.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, "1.1.0", st.CurrentVersion)
	data, err := os.ReadFile(st.BundlePath)
	require.NoError(t, err)
	assert.Equal(t, "bundle 1.1.0", string(data))
	require.NoError(t, a.Close())

	rollbacks := eventsOf(sink, protocol.EventRollbackTriggered)
	require.Len(t, rollbacks, 1)
	assert.Equal(t, st.DeviceID, rollbacks[0].DeviceID)
	assert.Equal(t, "1.1.0", rollbacks[0].Metadata.RolledBackTo)
}
