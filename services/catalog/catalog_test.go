// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package catalog

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	kv "github.com/bundlenudge/bundlenudge/services/storage/badger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testHash = "sha256:" + strings.Repeat("ab", 32)

func newStore(t *testing.T) *Store {
	t.Helper()
	db, err := kv.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewStore(db)
}

func newApp(t *testing.T, s *Store, id string) {
	t.Helper()
	_, _, err := s.CreateApp(context.Background(), App{ID: id, Name: id})
	require.NoError(t, err)
}

func release(appID, channel, version string) ReleaseInput {
	return ReleaseInput{
		AppID:             appID,
		Channel:           channel,
		Version:           version,
		BundleHash:        testHash,
		DownloadURL:       "https://cdn.example.com/" + appID + "/" + version + ".bundle",
		RolloutPercentage: 100,
	}
}

func TestCreateApp_DefaultChannels(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	app, channels, err := s.CreateApp(ctx, App{ID: "shop", Name: "Shop"})
	require.NoError(t, err)
	assert.Equal(t, "shop", app.ID)
	require.Len(t, channels, 3)

	listed, err := s.ListChannels(ctx, "shop")
	require.NoError(t, err)
	var names []string
	for _, ch := range listed {
		names = append(names, ch.Name)
		assert.True(t, ch.IsDefault)
	}
	assert.ElementsMatch(t, DefaultChannels, names)

	_, _, err = s.CreateApp(ctx, App{ID: "shop"})
	assert.ErrorIs(t, err, ErrConflict)

	_, _, err = s.CreateApp(ctx, App{ID: "Bad ID"})
	assert.ErrorIs(t, err, ErrInvalid)
}

func TestDefaultChannelsAreImmutable(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	newApp(t, s, "shop")

	for _, name := range DefaultChannels {
		_, err := s.RenameChannel(ctx, "shop", name, "other")
		assert.ErrorIs(t, err, ErrDefaultChannel)
		assert.ErrorIs(t, err, ErrConflict)
		assert.ErrorIs(t, s.DeleteChannel(ctx, "shop", name), ErrDefaultChannel)
	}
}

func TestCustomChannelLifecycle(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	newApp(t, s, "shop")

	ch, err := s.CreateChannel(ctx, "shop", "beta")
	require.NoError(t, err)
	assert.False(t, ch.IsDefault)

	_, err = s.CreateChannel(ctx, "shop", "beta")
	assert.ErrorIs(t, err, ErrConflict)
	_, err = s.CreateChannel(ctx, "missing", "beta")
	assert.ErrorIs(t, err, ErrNotFound)

	rel, err := s.CreateRelease(ctx, release("shop", "beta", "1.0.0"))
	require.NoError(t, err)

	renamed, err := s.RenameChannel(ctx, "shop", "beta", "canary")
	require.NoError(t, err)
	assert.Equal(t, ch.ID, renamed.ID)
	_, err = s.GetChannel(ctx, "shop", "beta")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = s.SetActiveRelease(ctx, "shop", "canary", rel.ID)
	require.NoError(t, err, "releases follow a renamed channel")
	assert.ErrorIs(t, s.DeleteChannel(ctx, "shop", "canary"), ErrConflict)

	_, err = s.SetActiveRelease(ctx, "shop", "canary", "")
	require.NoError(t, err)
	require.NoError(t, s.DeleteChannel(ctx, "shop", "canary"))
}

func TestCreateRelease_Validation(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	newApp(t, s, "shop")

	bad := release("shop", "production", "not-a-version")
	_, err := s.CreateRelease(ctx, bad)
	assert.ErrorIs(t, err, ErrInvalid)

	bad = release("shop", "production", "1.0.0")
	bad.RolloutPercentage = 101
	_, err = s.CreateRelease(ctx, bad)
	assert.ErrorIs(t, err, ErrInvalid)

	bad = release("shop", "production", "1.0.0")
	bad.BundleHash = "xyz"
	_, err = s.CreateRelease(ctx, bad)
	assert.ErrorIs(t, err, ErrInvalid)

	_, err = s.CreateRelease(ctx, release("shop", "nope", "1.0.0"))
	assert.ErrorIs(t, err, ErrNotFound)

	rel, err := s.CreateRelease(ctx, release("shop", "production", "v1.0.0"))
	require.NoError(t, err)
	assert.Equal(t, StatusDraft, rel.Status)
	assert.NotEmpty(t, rel.ID)

	_, err = s.CreateRelease(ctx, release("shop", "production", "1.0.0"))
	assert.ErrorIs(t, err, ErrConflict, "v1.0.0 and 1.0.0 are the same version")

	_, err = s.CreateRelease(ctx, release("shop", "staging", "1.0.0"))
	assert.NoError(t, err, "same version on another channel is allowed")
}

func TestSetActiveRelease_SingleActivePerChannel(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	newApp(t, s, "shop")

	first, err := s.CreateRelease(ctx, release("shop", "production", "1.0.0"))
	require.NoError(t, err)
	second, err := s.CreateRelease(ctx, release("shop", "production", "1.1.0"))
	require.NoError(t, err)

	_, err = s.SetActiveRelease(ctx, "shop", "production", first.ID)
	require.NoError(t, err)
	ch, err := s.SetActiveRelease(ctx, "shop", "production", second.ID)
	require.NoError(t, err)
	assert.Equal(t, second.ID, ch.ActiveReleaseID)

	got, err := s.GetRelease(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPaused, got.Status)

	active, activeCh, err := s.ActiveRelease(ctx, "shop", "production")
	require.NoError(t, err)
	assert.Equal(t, second.ID, active.ID)
	assert.Equal(t, StatusActive, active.Status)
	assert.Equal(t, "production", activeCh.Name)

	staging, err := s.CreateRelease(ctx, release("shop", "staging", "2.0.0"))
	require.NoError(t, err)
	_, err = s.SetActiveRelease(ctx, "shop", "production", staging.ID)
	assert.ErrorIs(t, err, ErrConflict, "release from another channel")
}

func TestUpdateRelease(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	newApp(t, s, "shop")
	rel, err := s.CreateRelease(ctx, release("shop", "production", "1.0.0"))
	require.NoError(t, err)

	pct := 25
	plans := []string{"pro"}
	active := StatusActive
	updated, err := s.UpdateRelease(ctx, rel.ID, ReleasePatch{RolloutPercentage: &pct, TargetPlans: &plans, Status: &active})
	require.NoError(t, err)
	assert.Equal(t, 25, updated.RolloutPercentage)
	assert.Equal(t, []string{"pro"}, updated.TargetPlans)

	ch, err := s.GetChannel(ctx, "shop", "production")
	require.NoError(t, err)
	assert.Equal(t, rel.ID, ch.ActiveReleaseID, "activating through patch sets the channel pointer")

	tooMuch := 150
	_, err = s.UpdateRelease(ctx, rel.ID, ReleasePatch{RolloutPercentage: &tooMuch})
	assert.ErrorIs(t, err, ErrInvalid)

	_, err = s.UpdateRelease(ctx, "missing", ReleasePatch{})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDeleteRelease(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	newApp(t, s, "shop")
	in := release("shop", "production", "1.0.0")
	in.Status = StatusActive
	rel, err := s.CreateRelease(ctx, in)
	require.NoError(t, err)

	assert.ErrorIs(t, s.DeleteRelease(ctx, rel.ID), ErrConflict)

	_, err = s.SetActiveRelease(ctx, "shop", "production", "")
	require.NoError(t, err)
	require.NoError(t, s.DeleteRelease(ctx, rel.ID))

	list, err := s.ListReleases(ctx, "shop")
	require.NoError(t, err)
	assert.Empty(t, list)
	assert.ErrorIs(t, s.DeleteRelease(ctx, rel.ID), ErrNotFound)
}

func TestActiveRelease_NotFound(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	newApp(t, s, "shop")

	_, _, err := s.ActiveRelease(ctx, "shop", "production")
	assert.ErrorIs(t, err, ErrNotFound)
	_, _, err = s.ActiveRelease(ctx, "shop", "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestOnChangeFiresAfterCommit(t *testing.T) {
	s := newStore(t)
	var changed []string
	s.OnChange(func(appID string) { changed = append(changed, appID) })

	newApp(t, s, "shop")
	_, err := s.CreateChannel(context.Background(), "shop", "beta")
	require.NoError(t, err)
	_, err = s.CreateChannel(context.Background(), "shop", "beta")
	require.Error(t, err)

	assert.Equal(t, []string{"shop", "shop"}, changed)
}

func TestVersionHelpers(t *testing.T) {
	assert.True(t, ValidVersion("1.2.3"))
	assert.True(t, ValidVersion("v1.2.3-beta.1"))
	assert.False(t, ValidVersion(""))
	assert.False(t, ValidVersion("latest"))
	assert.Equal(t, 0, CompareVersions("1.0.0", "v1.0.0"))
	assert.Equal(t, -1, CompareVersions("1.0.0", "1.1.0"))
}

// =============================================================================
// Cache
// =============================================================================

type countingResolver struct {
	calls atomic.Int32
	gate  chan struct{}
	err   error
}

func (c *countingResolver) ActiveRelease(ctx context.Context, appID, channel string) (Release, Channel, error) {
	c.calls.Add(1)
	if c.gate != nil {
		<-c.gate
	}
	if c.err != nil {
		return Release{}, Channel{}, c.err
	}
	return Release{ID: "r-" + channel, AppID: appID}, Channel{Name: channel}, nil
}

func TestCachedResolver_CoalescesAndCaches(t *testing.T) {
	src := &countingResolver{gate: make(chan struct{})}
	c := NewCachedResolver(src, time.Minute)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rel, _, err := c.ActiveRelease(ctx, "shop", "production")
			assert.NoError(t, err)
			assert.Equal(t, "r-production", rel.ID)
		}()
	}
	require.Eventually(t, func() bool { return src.calls.Load() >= 1 }, time.Second, time.Millisecond)
	close(src.gate)
	wg.Wait()

	before := src.calls.Load()
	_, _, err := c.ActiveRelease(ctx, "shop", "production")
	require.NoError(t, err)
	assert.Equal(t, before, src.calls.Load(), "served from cache")
	assert.LessOrEqual(t, before, int32(10))

	c.Invalidate("shop")
	assert.Zero(t, c.Len())
	_, _, err = c.ActiveRelease(ctx, "shop", "production")
	require.NoError(t, err)
	assert.Equal(t, before+1, src.calls.Load())
}

func TestCachedResolver_TTLAndErrors(t *testing.T) {
	src := &countingResolver{err: ErrNotFound}
	c := NewCachedResolver(src, time.Minute)
	now := time.Now()
	c.now = func() time.Time { return now }
	ctx := context.Background()

	_, _, err := c.ActiveRelease(ctx, "shop", "production")
	assert.ErrorIs(t, err, ErrNotFound)
	_, _, err = c.ActiveRelease(ctx, "shop", "production")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, int32(1), src.calls.Load(), "not-found results are cached")

	now = now.Add(2 * time.Minute)
	_, _, _ = c.ActiveRelease(ctx, "shop", "production")
	assert.Equal(t, int32(2), src.calls.Load(), "expired entries are refreshed")

	src.err = errors.New("disk on fire")
	c.InvalidateAll()
	_, _, _ = c.ActiveRelease(ctx, "shop", "staging")
	_, _, _ = c.ActiveRelease(ctx, "shop", "staging")
	assert.Equal(t, int32(4), src.calls.Load(), "storage errors are not cached")
}

func TestCachedResolver_StoreInvalidation(t *testing.T) {
	s := newStore(t)
	c := NewCachedResolver(s, time.Hour)
	s.OnChange(c.Invalidate)
	ctx := context.Background()
	newApp(t, s, "shop")

	_, _, err := c.ActiveRelease(ctx, "shop", "production")
	assert.ErrorIs(t, err, ErrNotFound)

	in := release("shop", "production", "1.0.0")
	in.Status = StatusActive
	rel, err := s.CreateRelease(ctx, in)
	require.NoError(t, err)

	got, _, err := c.ActiveRelease(ctx, "shop", "production")
	require.NoError(t, err)
	assert.Equal(t, rel.ID, got.ID)
}

// =============================================================================
// Seed
// =============================================================================

const seedYAML = `
apps:
  - id: shop
    name: Shop
    channels: [beta]
    releases:
      - id: shop-110
        version: 1.1.0
        channel: production
        bundle_hash: sha256:abababababababababababababababababababababababababababababababab
        download_url: https://cdn.example.com/shop/1.1.0.bundle
        rollout_percentage: 50
        target_plans: [pro]
        status: active
      - version: 2.0.0-beta.1
        channel: beta
        bundle_hash: abababababababababababababababababababababababababababababababab
        download_url: https://cdn.example.com/shop/2.0.0-beta.1.bundle
        rollout_percentage: 100
`

func TestParseSeed(t *testing.T) {
	seed, err := ParseSeed([]byte(seedYAML))
	require.NoError(t, err)
	require.Len(t, seed.Apps, 1)
	assert.Len(t, seed.Apps[0].Releases, 2)
	assert.Equal(t, 50, seed.Apps[0].Releases[0].RolloutPercentage)

	_, err = ParseSeed([]byte("apps:\n  - id: shop\n    colour: red\n"))
	assert.ErrorIs(t, err, ErrInvalid, "unknown keys rejected")

	_, err = ParseSeed([]byte("apps:\n  - id: Shop!\n"))
	assert.ErrorIs(t, err, ErrInvalid)

	_, err = ParseSeed([]byte("apps:\n  - id: shop\n    releases:\n      - version: latest\n        channel: production\n"))
	assert.ErrorIs(t, err, ErrInvalid)
}

func TestApplySeed_IsIdempotent(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	seed, err := ParseSeed([]byte(seedYAML))
	require.NoError(t, err)

	stats, err := ApplySeed(ctx, s, seed, nil)
	require.NoError(t, err)
	assert.Equal(t, SeedStats{AppsCreated: 1, ChannelsCreated: 1, ReleasesCreated: 2}, stats)

	rel, _, err := s.ActiveRelease(ctx, "shop", "production")
	require.NoError(t, err)
	assert.Equal(t, "shop-110", rel.ID)
	assert.Equal(t, []string{"pro"}, rel.TargetPlans)

	seed.Apps[0].Releases[0].RolloutPercentage = 80
	stats, err = ApplySeed(ctx, s, seed, nil)
	require.NoError(t, err)
	assert.Equal(t, SeedStats{ReleasesUpdated: 2}, stats)

	rel, err = s.GetRelease(ctx, "shop-110")
	require.NoError(t, err)
	assert.Equal(t, 80, rel.RolloutPercentage)
}

func TestSeedWatcher_ReloadsOnChange(t *testing.T) {
	s := newStore(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "catalog.yaml")
	require.NoError(t, os.WriteFile(path, []byte("apps: []\n"), 0o644))

	var reloads atomic.Int32
	w, err := NewSeedWatcher(path, s, nil, func(_ SeedStats, err error) {
		if err == nil {
			reloads.Add(1)
		}
	})
	require.NoError(t, err)
	w.debounce = 10 * time.Millisecond
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, w.Start(ctx))
	defer w.Stop()

	require.NoError(t, os.WriteFile(path, []byte(seedYAML), 0o644))
	require.Eventually(t, func() bool {
		_, err := s.GetApp(context.Background(), "shop")
		return err == nil
	}, 5*time.Second, 20*time.Millisecond)
	assert.GreaterOrEqual(t, reloads.Load(), int32(1))
}
