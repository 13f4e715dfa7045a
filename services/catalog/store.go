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
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"

	kv "github.com/bundlenudge/bundlenudge/services/storage/badger"
)

// Key layout:
//
//	app/{appID}                      App
//	channel/{appID}/{name}           Channel
//	release/{id}                     Release
//	release-index/{appID}/{id}       empty, lists an app's releases
func appKey(appID string) []byte {
	return []byte("app/" + appID)
}

func channelPrefix(appID string) []byte {
	return []byte("channel/" + appID + "/")
}

func channelKey(appID, name string) []byte {
	return []byte("channel/" + appID + "/" + name)
}

func releaseKey(id string) []byte {
	return []byte("release/" + id)
}

func releaseIndexPrefix(appID string) []byte {
	return []byte("release-index/" + appID + "/")
}

func releaseIndexKey(appID, id string) []byte {
	return []byte("release-index/" + appID + "/" + id)
}

// ReleaseInput describes a release to create. Channel is the channel name.
type ReleaseInput struct {
	ID                string        `yaml:"id" json:"id"`
	AppID             string        `yaml:"-" json:"-"`
	Channel           string        `yaml:"channel" json:"channel" binding:"required"`
	Version           string        `yaml:"version" json:"version" binding:"required"`
	BundleHash        string        `yaml:"bundle_hash" json:"bundleHash" binding:"required"`
	DownloadURL       string        `yaml:"download_url" json:"downloadUrl" binding:"required"`
	RolloutPercentage int           `yaml:"rollout_percentage" json:"rolloutPercentage"`
	Allowlist         []string      `yaml:"allowlist" json:"allowlist"`
	Blocklist         []string      `yaml:"blocklist" json:"blocklist"`
	TargetPlans       []string      `yaml:"target_plans" json:"targetPlans"`
	Status            ReleaseStatus `yaml:"status" json:"status"`
}

// ReleasePatch lists the mutable fields of a release. Nil fields are left
// unchanged.
type ReleasePatch struct {
	RolloutPercentage *int           `json:"rolloutPercentage"`
	DownloadURL       *string        `json:"downloadUrl"`
	Allowlist         *[]string      `json:"allowlist"`
	Blocklist         *[]string      `json:"blocklist"`
	TargetPlans       *[]string      `json:"targetPlans"`
	Status            *ReleaseStatus `json:"status"`
}

// Store persists the catalog in BadgerDB.
//
// # Thread Safety
//
// Safe for concurrent use. Each operation is one badger transaction.
type Store struct {
	db  *kv.DB
	now func() time.Time

	mu        sync.RWMutex
	listeners []func(appID string)
}

// NewStore creates a Store over db.
func NewStore(db *kv.DB) *Store {
	return &Store{db: db, now: time.Now}
}

// OnChange registers fn to be called after any committed change to an
// app's channels or releases.
func (s *Store) OnChange(fn func(appID string)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, fn)
}

func (s *Store) changed(appID string) {
	s.mu.RLock()
	listeners := append([]func(string){}, s.listeners...)
	s.mu.RUnlock()
	for _, fn := range listeners {
		fn(appID)
	}
}

func (s *Store) update(ctx context.Context, appID string, fn func(txn *badger.Txn) error) error {
	err := s.db.WithTxn(ctx, fn)
	if errors.Is(err, badger.ErrConflict) {
		return fmt.Errorf("%w: concurrent modification, retry", ErrConflict)
	}
	if err == nil {
		s.changed(appID)
	}
	return err
}

func (s *Store) view(ctx context.Context, fn func(txn *badger.Txn) error) error {
	return s.db.WithReadTxn(ctx, fn)
}

func notFound(err error, what string) error {
	if errors.Is(err, kv.ErrNotFound) {
		return fmt.Errorf("%w: %s", ErrNotFound, what)
	}
	return err
}

// =============================================================================
// Apps
// =============================================================================

// CreateApp registers an app and its default channels.
func (s *Store) CreateApp(ctx context.Context, app App) (App, []Channel, error) {
	if err := ValidateStruct(app); err != nil {
		return App{}, nil, err
	}
	now := s.now().UTC()
	app.CreatedAt = now
	var channels []Channel
	err := s.update(ctx, app.ID, func(txn *badger.Txn) error {
		var existing App
		if err := kv.GetJSON(txn, appKey(app.ID), &existing); err == nil {
			return fmt.Errorf("%w: app %s already exists", ErrConflict, app.ID)
		} else if !errors.Is(err, kv.ErrNotFound) {
			return err
		}
		if err := kv.SetJSON(txn, appKey(app.ID), app); err != nil {
			return err
		}
		channels = channels[:0]
		for _, name := range DefaultChannels {
			ch := Channel{
				ID:        uuid.NewString(),
				AppID:     app.ID,
				Name:      name,
				IsDefault: true,
				CreatedAt: now,
				UpdatedAt: now,
			}
			if err := kv.SetJSON(txn, channelKey(app.ID, name), ch); err != nil {
				return err
			}
			channels = append(channels, ch)
		}
		return nil
	})
	if err != nil {
		return App{}, nil, err
	}
	return app, channels, nil
}

// GetApp returns one app.
func (s *Store) GetApp(ctx context.Context, appID string) (App, error) {
	var app App
	err := s.view(ctx, func(txn *badger.Txn) error {
		return kv.GetJSON(txn, appKey(appID), &app)
	})
	return app, notFound(err, "app "+appID)
}

// ListApps returns every app ordered by id.
func (s *Store) ListApps(ctx context.Context) ([]App, error) {
	var apps []App
	err := s.view(ctx, func(txn *badger.Txn) error {
		var err error
		apps, err = kv.ListJSON[App](txn, []byte("app/"))
		return err
	})
	return apps, err
}

func requireApp(txn *badger.Txn, appID string) error {
	var app App
	return notFound(kv.GetJSON(txn, appKey(appID), &app), "app "+appID)
}

// =============================================================================
// Channels
// =============================================================================

// ListChannels returns an app's channels ordered by name.
func (s *Store) ListChannels(ctx context.Context, appID string) ([]Channel, error) {
	var channels []Channel
	err := s.view(ctx, func(txn *badger.Txn) error {
		if err := requireApp(txn, appID); err != nil {
			return err
		}
		var err error
		channels, err = kv.ListJSON[Channel](txn, channelPrefix(appID))
		return err
	})
	return channels, err
}

// GetChannel returns one channel by name.
func (s *Store) GetChannel(ctx context.Context, appID, name string) (Channel, error) {
	var ch Channel
	err := s.view(ctx, func(txn *badger.Txn) error {
		return kv.GetJSON(txn, channelKey(appID, name), &ch)
	})
	return ch, notFound(err, "channel "+name)
}

// CreateChannel adds a custom channel.
func (s *Store) CreateChannel(ctx context.Context, appID, name string) (Channel, error) {
	now := s.now().UTC()
	ch := Channel{ID: uuid.NewString(), AppID: appID, Name: name, CreatedAt: now, UpdatedAt: now}
	if err := ValidateStruct(ch); err != nil {
		return Channel{}, err
	}
	err := s.update(ctx, appID, func(txn *badger.Txn) error {
		if err := requireApp(txn, appID); err != nil {
			return err
		}
		var existing Channel
		if err := kv.GetJSON(txn, channelKey(appID, name), &existing); err == nil {
			return fmt.Errorf("%w: channel %s already exists", ErrConflict, name)
		} else if !errors.Is(err, kv.ErrNotFound) {
			return err
		}
		return kv.SetJSON(txn, channelKey(appID, name), ch)
	})
	if err != nil {
		return Channel{}, err
	}
	return ch, nil
}

// RenameChannel renames a custom channel. Releases follow the channel
// because they reference its id.
func (s *Store) RenameChannel(ctx context.Context, appID, name, newName string) (Channel, error) {
	if IsDefaultChannel(name) {
		return Channel{}, ErrDefaultChannel
	}
	var ch Channel
	err := s.update(ctx, appID, func(txn *badger.Txn) error {
		if err := kv.GetJSON(txn, channelKey(appID, name), &ch); err != nil {
			return notFound(err, "channel "+name)
		}
		if newName == name {
			return nil
		}
		var existing Channel
		if err := kv.GetJSON(txn, channelKey(appID, newName), &existing); err == nil {
			return fmt.Errorf("%w: channel %s already exists", ErrConflict, newName)
		} else if !errors.Is(err, kv.ErrNotFound) {
			return err
		}
		ch.Name = newName
		ch.UpdatedAt = s.now().UTC()
		if err := ValidateStruct(ch); err != nil {
			return err
		}
		if err := kv.Delete(txn, channelKey(appID, name)); err != nil {
			return err
		}
		return kv.SetJSON(txn, channelKey(appID, newName), ch)
	})
	if err != nil {
		return Channel{}, err
	}
	return ch, nil
}

// DeleteChannel removes a custom channel that has no active release.
func (s *Store) DeleteChannel(ctx context.Context, appID, name string) error {
	if IsDefaultChannel(name) {
		return ErrDefaultChannel
	}
	return s.update(ctx, appID, func(txn *badger.Txn) error {
		var ch Channel
		if err := kv.GetJSON(txn, channelKey(appID, name), &ch); err != nil {
			return notFound(err, "channel "+name)
		}
		if ch.ActiveReleaseID != "" {
			return fmt.Errorf("%w: channel %s has an active release", ErrConflict, name)
		}
		return kv.Delete(txn, channelKey(appID, name))
	})
}

// =============================================================================
// Releases
// =============================================================================

// CreateRelease adds a release to a channel. Versions are unique per
// channel. A release created with status active becomes the channel's
// active release.
func (s *Store) CreateRelease(ctx context.Context, in ReleaseInput) (Release, error) {
	now := s.now().UTC()
	status := in.Status
	if status == "" {
		status = StatusDraft
	}
	id := in.ID
	if id == "" {
		id = uuid.NewString()
	}
	rel := Release{
		ID:                id,
		AppID:             in.AppID,
		Version:           in.Version,
		BundleHash:        strings.ToLower(in.BundleHash),
		DownloadURL:       in.DownloadURL,
		RolloutPercentage: in.RolloutPercentage,
		Allowlist:         in.Allowlist,
		Blocklist:         in.Blocklist,
		TargetPlans:       in.TargetPlans,
		Status:            status,
		CreatedAt:         now,
		UpdatedAt:         now,
	}

	err := s.update(ctx, in.AppID, func(txn *badger.Txn) error {
		var ch Channel
		if err := kv.GetJSON(txn, channelKey(in.AppID, in.Channel), &ch); err != nil {
			return notFound(err, "channel "+in.Channel)
		}
		rel.ChannelID = ch.ID
		if err := ValidateStruct(rel); err != nil {
			return err
		}
		var existing Release
		if err := kv.GetJSON(txn, releaseKey(rel.ID), &existing); err == nil {
			return fmt.Errorf("%w: release %s already exists", ErrConflict, rel.ID)
		} else if !errors.Is(err, kv.ErrNotFound) {
			return err
		}
		siblings, err := s.releasesTxn(txn, in.AppID)
		if err != nil {
			return err
		}
		for _, r := range siblings {
			if r.ChannelID == ch.ID && CompareVersions(r.Version, rel.Version) == 0 {
				return fmt.Errorf("%w: version %s already released on %s", ErrConflict, rel.Version, in.Channel)
			}
		}
		if err := kv.SetJSON(txn, releaseIndexKey(in.AppID, rel.ID), struct{}{}); err != nil {
			return err
		}
		if rel.Status == StatusActive {
			return s.activateTxn(txn, &ch, &rel, now)
		}
		return kv.SetJSON(txn, releaseKey(rel.ID), rel)
	})
	if err != nil {
		return Release{}, err
	}
	return rel, nil
}

// GetRelease returns one release.
func (s *Store) GetRelease(ctx context.Context, id string) (Release, error) {
	var rel Release
	err := s.view(ctx, func(txn *badger.Txn) error {
		return kv.GetJSON(txn, releaseKey(id), &rel)
	})
	return rel, notFound(err, "release "+id)
}

// ListReleases returns an app's releases, newest first.
func (s *Store) ListReleases(ctx context.Context, appID string) ([]Release, error) {
	var out []Release
	err := s.view(ctx, func(txn *badger.Txn) error {
		if err := requireApp(txn, appID); err != nil {
			return err
		}
		var err error
		out, err = s.releasesTxn(txn, appID)
		return err
	})
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, err
}

func (s *Store) releasesTxn(txn *badger.Txn, appID string) ([]Release, error) {
	prefix := releaseIndexPrefix(appID)
	opts := badger.DefaultIteratorOptions
	opts.PrefetchValues = false
	opts.Prefix = prefix
	it := txn.NewIterator(opts)
	defer it.Close()

	var ids []string
	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		ids = append(ids, strings.TrimPrefix(string(it.Item().Key()), string(prefix)))
	}
	out := make([]Release, 0, len(ids))
	for _, id := range ids {
		var rel Release
		if err := kv.GetJSON(txn, releaseKey(id), &rel); err != nil {
			return nil, err
		}
		out = append(out, rel)
	}
	return out, nil
}

// UpdateRelease applies patch. Setting status to active makes the release
// its channel's active release.
func (s *Store) UpdateRelease(ctx context.Context, id string, patch ReleasePatch) (Release, error) {
	rel, err := s.GetRelease(ctx, id)
	if err != nil {
		return Release{}, err
	}

	err = s.update(ctx, rel.AppID, func(txn *badger.Txn) error {
		if err := kv.GetJSON(txn, releaseKey(id), &rel); err != nil {
			return notFound(err, "release "+id)
		}
		now := s.now().UTC()
		if patch.RolloutPercentage != nil {
			rel.RolloutPercentage = *patch.RolloutPercentage
		}
		if patch.DownloadURL != nil {
			rel.DownloadURL = *patch.DownloadURL
		}
		if patch.Allowlist != nil {
			rel.Allowlist = *patch.Allowlist
		}
		if patch.Blocklist != nil {
			rel.Blocklist = *patch.Blocklist
		}
		if patch.TargetPlans != nil {
			rel.TargetPlans = *patch.TargetPlans
		}
		activate := false
		if patch.Status != nil {
			activate = *patch.Status == StatusActive && rel.Status != StatusActive
			rel.Status = *patch.Status
		}
		rel.UpdatedAt = now
		if err := ValidateStruct(rel); err != nil {
			return err
		}
		if activate {
			ch, err := channelByID(txn, rel.AppID, rel.ChannelID)
			if err != nil {
				return err
			}
			return s.activateTxn(txn, &ch, &rel, now)
		}
		return kv.SetJSON(txn, releaseKey(rel.ID), rel)
	})
	if err != nil {
		return Release{}, err
	}
	return rel, nil
}

// DeleteRelease removes a release that is not active on its channel.
func (s *Store) DeleteRelease(ctx context.Context, id string) error {
	rel, err := s.GetRelease(ctx, id)
	if err != nil {
		return err
	}
	return s.update(ctx, rel.AppID, func(txn *badger.Txn) error {
		ch, err := channelByID(txn, rel.AppID, rel.ChannelID)
		if err == nil && ch.ActiveReleaseID == id {
			return fmt.Errorf("%w: release %s is active on %s", ErrConflict, id, ch.Name)
		}
		if err := kv.Delete(txn, releaseIndexKey(rel.AppID, id)); err != nil {
			return err
		}
		return kv.Delete(txn, releaseKey(id))
	})
}

// SetActiveRelease points a channel at releaseID and marks it active. The
// release it replaces is paused. An empty releaseID clears the pointer and
// pauses the current active release.
func (s *Store) SetActiveRelease(ctx context.Context, appID, channel, releaseID string) (Channel, error) {
	var ch Channel
	err := s.update(ctx, appID, func(txn *badger.Txn) error {
		if err := kv.GetJSON(txn, channelKey(appID, channel), &ch); err != nil {
			return notFound(err, "channel "+channel)
		}
		now := s.now().UTC()
		if releaseID == "" {
			if err := pauseTxn(txn, ch.ActiveReleaseID, now); err != nil {
				return err
			}
			ch.ActiveReleaseID = ""
			ch.UpdatedAt = now
			return kv.SetJSON(txn, channelKey(appID, channel), ch)
		}
		var rel Release
		if err := kv.GetJSON(txn, releaseKey(releaseID), &rel); err != nil {
			return notFound(err, "release "+releaseID)
		}
		if rel.AppID != appID || rel.ChannelID != ch.ID {
			return fmt.Errorf("%w: release %s does not belong to channel %s", ErrConflict, releaseID, channel)
		}
		return s.activateTxn(txn, &ch, &rel, now)
	})
	if err != nil {
		return Channel{}, err
	}
	return ch, nil
}

// activateTxn makes rel the channel's only active release.
func (s *Store) activateTxn(txn *badger.Txn, ch *Channel, rel *Release, now time.Time) error {
	if ch.ActiveReleaseID != "" && ch.ActiveReleaseID != rel.ID {
		if err := pauseTxn(txn, ch.ActiveReleaseID, now); err != nil {
			return err
		}
	}
	rel.Status = StatusActive
	rel.UpdatedAt = now
	if err := kv.SetJSON(txn, releaseKey(rel.ID), rel); err != nil {
		return err
	}
	ch.ActiveReleaseID = rel.ID
	ch.UpdatedAt = now
	return kv.SetJSON(txn, channelKey(ch.AppID, ch.Name), ch)
}

func pauseTxn(txn *badger.Txn, releaseID string, now time.Time) error {
	if releaseID == "" {
		return nil
	}
	var prev Release
	err := kv.GetJSON(txn, releaseKey(releaseID), &prev)
	if errors.Is(err, kv.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if prev.Status != StatusActive {
		return nil
	}
	prev.Status = StatusPaused
	prev.UpdatedAt = now
	return kv.SetJSON(txn, releaseKey(prev.ID), prev)
}

func channelByID(txn *badger.Txn, appID, channelID string) (Channel, error) {
	channels, err := kv.ListJSON[Channel](txn, channelPrefix(appID))
	if err != nil {
		return Channel{}, err
	}
	for _, ch := range channels {
		if ch.ID == channelID {
			return ch, nil
		}
	}
	return Channel{}, fmt.Errorf("%w: channel %s", ErrNotFound, channelID)
}

// =============================================================================
// Resolution
// =============================================================================

// ActiveRelease returns the channel and its active release. ErrNotFound
// covers a missing channel and a channel with no active release.
func (s *Store) ActiveRelease(ctx context.Context, appID, channel string) (Release, Channel, error) {
	var rel Release
	var ch Channel
	err := s.view(ctx, func(txn *badger.Txn) error {
		if err := kv.GetJSON(txn, channelKey(appID, channel), &ch); err != nil {
			return notFound(err, "channel "+channel)
		}
		if ch.ActiveReleaseID == "" {
			return fmt.Errorf("%w: no active release on %s", ErrNotFound, channel)
		}
		return notFound(kv.GetJSON(txn, releaseKey(ch.ActiveReleaseID), &rel), "release "+ch.ActiveReleaseID)
	})
	if err != nil {
		return Release{}, Channel{}, err
	}
	return rel, ch, nil
}
