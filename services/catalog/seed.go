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
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"
)

// SeedFile is the declarative catalog format loaded by "seed" and by the
// server's seed watcher.
//
//	apps:
//	  - id: shop
//	    name: Shop
//	    channels: [beta]
//	    releases:
//	      - version: 1.1.0
//	        channel: production
//	        bundle_hash: sha256:...
//	        download_url: https://cdn.example.com/shop/1.1.0.bundle
//	        rollout_percentage: 50
//	        status: active
type SeedFile struct {
	Apps []SeedApp `yaml:"apps" validate:"dive"`
}

// SeedApp declares one app.
type SeedApp struct {
	ID       string         `yaml:"id" validate:"required,slug"`
	Name     string         `yaml:"name" validate:"max=128"`
	Channels []string       `yaml:"channels" validate:"dive,slug"`
	Releases []ReleaseInput `yaml:"releases"`
}

// SeedStats counts what ApplySeed changed.
type SeedStats struct {
	AppsCreated     int
	ChannelsCreated int
	ReleasesCreated int
	ReleasesUpdated int
}

// LoadSeed reads and validates a seed file. Unknown keys are rejected.
func LoadSeed(path string) (SeedFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return SeedFile{}, fmt.Errorf("read seed file: %w", err)
	}
	return ParseSeed(data)
}

// ParseSeed decodes and validates seed YAML.
func ParseSeed(data []byte) (SeedFile, error) {
	var seed SeedFile
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&seed); err != nil {
		return SeedFile{}, fmt.Errorf("%w: parse seed: %v", ErrInvalid, err)
	}
	if err := ValidateStruct(seed); err != nil {
		return SeedFile{}, err
	}
	for _, app := range seed.Apps {
		for i, r := range app.Releases {
			if r.Channel == "" || !ValidVersion(r.Version) {
				return SeedFile{}, fmt.Errorf("%w: app %s release %d needs a channel and a semver version", ErrInvalid, app.ID, i)
			}
		}
	}
	return seed, nil
}

// ApplySeed upserts the seed into store. Apps and channels are created when
// missing. A release is matched by id when given, otherwise by channel and
// version; matched releases get their rollout fields and status updated,
// unmatched ones are created.
func ApplySeed(ctx context.Context, store *Store, seed SeedFile, logger *slog.Logger) (SeedStats, error) {
	if logger == nil {
		logger = slog.Default()
	}
	var stats SeedStats
	for _, sa := range seed.Apps {
		if _, err := store.GetApp(ctx, sa.ID); errors.Is(err, ErrNotFound) {
			if _, _, err := store.CreateApp(ctx, App{ID: sa.ID, Name: sa.Name}); err != nil {
				return stats, fmt.Errorf("seed app %s: %w", sa.ID, err)
			}
			stats.AppsCreated++
		} else if err != nil {
			return stats, err
		}

		for _, name := range sa.Channels {
			if _, err := store.GetChannel(ctx, sa.ID, name); errors.Is(err, ErrNotFound) {
				if _, err := store.CreateChannel(ctx, sa.ID, name); err != nil {
					return stats, fmt.Errorf("seed channel %s/%s: %w", sa.ID, name, err)
				}
				stats.ChannelsCreated++
			} else if err != nil {
				return stats, err
			}
		}

		existing, err := store.ListReleases(ctx, sa.ID)
		if err != nil {
			return stats, err
		}
		for _, in := range sa.Releases {
			in.AppID = sa.ID
			ch, err := store.GetChannel(ctx, sa.ID, in.Channel)
			if err != nil {
				return stats, fmt.Errorf("seed release %s: %w", in.Version, err)
			}
			match := findRelease(existing, in, ch.ID)
			if match == nil {
				if _, err := store.CreateRelease(ctx, in); err != nil {
					return stats, fmt.Errorf("seed release %s: %w", in.Version, err)
				}
				stats.ReleasesCreated++
				continue
			}
			patch := ReleasePatch{
				RolloutPercentage: &in.RolloutPercentage,
				DownloadURL:       &in.DownloadURL,
				Allowlist:         &in.Allowlist,
				Blocklist:         &in.Blocklist,
				TargetPlans:       &in.TargetPlans,
			}
			if in.Status != "" {
				patch.Status = &in.Status
			}
			if _, err := store.UpdateRelease(ctx, match.ID, patch); err != nil {
				return stats, fmt.Errorf("seed release %s: %w", in.Version, err)
			}
			stats.ReleasesUpdated++
		}
	}
	logger.Info("catalog seeded",
		slog.Int("apps_created", stats.AppsCreated),
		slog.Int("channels_created", stats.ChannelsCreated),
		slog.Int("releases_created", stats.ReleasesCreated),
		slog.Int("releases_updated", stats.ReleasesUpdated))
	return stats, nil
}

func findRelease(existing []Release, in ReleaseInput, channelID string) *Release {
	for i := range existing {
		r := &existing[i]
		if in.ID != "" {
			if r.ID == in.ID {
				return r
			}
			continue
		}
		if r.ChannelID == channelID && CompareVersions(r.Version, in.Version) == 0 {
			return r
		}
	}
	return nil
}
