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
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// Resolver looks up a channel's active release.
type Resolver interface {
	ActiveRelease(ctx context.Context, appID, channel string) (Release, Channel, error)
}

// DefaultCacheTTL bounds how stale a cached resolution may be when change
// notifications are missed.
const DefaultCacheTTL = 30 * time.Second

type cacheEntry struct {
	rel     Release
	ch      Channel
	err     error
	expires time.Time
}

// CachedResolver memoizes active-release lookups.
//
// # Description
//
// Update checks arrive in bursts from many devices of the same app, all
// asking about the same channel. Concurrent misses for one channel share a
// single store read through singleflight, and results (including "not
// found") are kept for the TTL or until Invalidate is called for the app.
// Storage errors other than ErrNotFound are not cached.
//
// # Thread Safety
//
// Safe for concurrent use.
type CachedResolver struct {
	src Resolver
	ttl time.Duration
	now func() time.Time

	flight  singleflight.Group
	mu      sync.RWMutex
	entries map[string]cacheEntry
}

// NewCachedResolver wraps src. A non-positive ttl uses DefaultCacheTTL.
func NewCachedResolver(src Resolver, ttl time.Duration) *CachedResolver {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &CachedResolver{
		src:     src,
		ttl:     ttl,
		now:     time.Now,
		entries: make(map[string]cacheEntry),
	}
}

func cacheKey(appID, channel string) string {
	return appID + "\x00" + channel
}

// ActiveRelease returns the cached resolution or reads through to src.
func (c *CachedResolver) ActiveRelease(ctx context.Context, appID, channel string) (Release, Channel, error) {
	key := cacheKey(appID, channel)
	c.mu.RLock()
	e, ok := c.entries[key]
	c.mu.RUnlock()
	if ok && c.now().Before(e.expires) {
		return e.rel, e.ch, e.err
	}

	v, err, _ := c.flight.Do(key, func() (interface{}, error) {
		rel, ch, err := c.src.ActiveRelease(ctx, appID, channel)
		entry := cacheEntry{rel: rel, ch: ch, err: err, expires: c.now().Add(c.ttl)}
		if err == nil || errors.Is(err, ErrNotFound) {
			c.mu.Lock()
			c.entries[key] = entry
			c.mu.Unlock()
		}
		return entry, nil
	})
	if err != nil {
		return Release{}, Channel{}, err
	}
	entry := v.(cacheEntry)
	return entry.rel, entry.ch, entry.err
}

// Invalidate drops every cached resolution for appID.
func (c *CachedResolver) Invalidate(appID string) {
	prefix := appID + "\x00"
	c.mu.Lock()
	defer c.mu.Unlock()
	for k := range c.entries {
		if strings.HasPrefix(k, prefix) {
			delete(c.entries, k)
		}
	}
}

// InvalidateAll empties the cache.
func (c *CachedResolver) InvalidateAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]cacheEntry)
}

// Len returns the number of cached entries.
func (c *CachedResolver) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
