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
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultSeedDebounce is how long the watcher waits for writes to settle.
const DefaultSeedDebounce = 250 * time.Millisecond

// SeedWatcher re-applies a seed file whenever it changes on disk.
//
// # Description
//
// The parent directory is watched rather than the file itself, because
// editors and config-management tools usually replace files by rename,
// which drops a watch held on the old inode. Bursts of events are debounced
// into one reload. A seed that fails to parse or apply is logged and the
// catalog keeps its previous contents.
//
// # Thread Safety
//
// Start and Stop may be called from any goroutine. Reloads run on the
// watcher goroutine, one at a time.
type SeedWatcher struct {
	path     string
	store    *Store
	logger   *slog.Logger
	debounce time.Duration
	onReload func(SeedStats, error)

	watcher  *fsnotify.Watcher
	done     chan struct{}
	stopOnce sync.Once
}

// NewSeedWatcher creates a watcher for path. onReload, if non-nil, is called
// after every reload attempt.
func NewSeedWatcher(path string, store *Store, logger *slog.Logger, onReload func(SeedStats, error)) (*SeedWatcher, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve seed path: %w", err)
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create seed watcher: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &SeedWatcher{
		path:     abs,
		store:    store,
		logger:   logger.With(slog.String("component", "seed_watcher"), slog.String("path", abs)),
		debounce: DefaultSeedDebounce,
		onReload: onReload,
		watcher:  w,
		done:     make(chan struct{}),
	}, nil
}

// Start begins watching. The loop exits when ctx is cancelled or Stop is
// called.
func (w *SeedWatcher) Start(ctx context.Context) error {
	if err := w.watcher.Add(filepath.Dir(w.path)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(w.path), err)
	}
	go w.loop(ctx)
	return nil
}

// Stop ends the watch.
func (w *SeedWatcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.done)
		w.watcher.Close()
	})
}

func (w *SeedWatcher) loop(ctx context.Context) {
	var timer *time.Timer
	var fire <-chan time.Time
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.done:
			return
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != w.path {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(w.debounce)
			} else {
				timer.Reset(w.debounce)
			}
			fire = timer.C
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("seed watcher error", slog.String("error", err.Error()))
		case <-fire:
			fire = nil
			w.reload(ctx)
		}
	}
}

func (w *SeedWatcher) reload(ctx context.Context) {
	seed, err := LoadSeed(w.path)
	var stats SeedStats
	if err == nil {
		stats, err = ApplySeed(ctx, w.store, seed, w.logger)
	}
	if err != nil {
		w.logger.Error("seed reload failed", slog.String("error", err.Error()))
	} else {
		w.logger.Info("seed reloaded")
	}
	if w.onReload != nil {
		w.onReload(stats, err)
	}
}
