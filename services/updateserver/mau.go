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
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"

	kv "github.com/bundlenudge/bundlenudge/services/storage/badger"
)

// MAUGate admits or rejects a device's update check against the app's
// monthly active device limit.
type MAUGate interface {
	Admit(ctx context.Context, appID, deviceID string) (bool, error)
}

// maxMAURetries bounds retries on badger.ErrConflict.
const maxMAURetries = 5

type mauCounter struct {
	Count int `json:"count"`
}

type mauSeen struct {
	FirstSeen time.Time `json:"firstSeen"`
}

// BadgerMAUGate counts distinct devices per app per UTC calendar month.
//
// # Description
//
// A device seen earlier in the month is always admitted. A new device is
// admitted and recorded while the month's count is below the limit, and
// rejected once the limit is reached. The membership record and the counter
// change in one transaction.
//
// # Thread Safety
//
// Safe for concurrent use.
type BadgerMAUGate struct {
	db    *kv.DB
	limit int
	now   func() time.Time
}

// NewBadgerMAUGate creates a gate. A limit of zero admits everything and
// records nothing.
func NewBadgerMAUGate(db *kv.DB, limit int) *BadgerMAUGate {
	return &BadgerMAUGate{db: db, limit: limit, now: time.Now}
}

func monthKey(t time.Time) string {
	return t.UTC().Format("2006-01")
}

func mauCountKey(appID, month string) []byte {
	return []byte("mau-count/" + appID + "/" + month)
}

func mauDeviceKey(appID, month, deviceID string) []byte {
	return []byte("mau/" + appID + "/" + month + "/" + deviceID)
}

// Admit implements MAUGate.
func (g *BadgerMAUGate) Admit(ctx context.Context, appID, deviceID string) (bool, error) {
	if g.limit <= 0 {
		return true, nil
	}
	now := g.now()
	month := monthKey(now)
	var admitted bool
	var err error
	for attempt := 0; attempt < maxMAURetries; attempt++ {
		err = g.db.WithTxn(ctx, func(txn *badger.Txn) error {
			var seen mauSeen
			getErr := kv.GetJSON(txn, mauDeviceKey(appID, month, deviceID), &seen)
			if getErr == nil {
				admitted = true
				return nil
			}
			if !errors.Is(getErr, kv.ErrNotFound) {
				return getErr
			}

			var counter mauCounter
			if getErr := kv.GetJSON(txn, mauCountKey(appID, month), &counter); getErr != nil && !errors.Is(getErr, kv.ErrNotFound) {
				return getErr
			}
			if counter.Count >= g.limit {
				admitted = false
				return nil
			}
			counter.Count++
			if setErr := kv.SetJSON(txn, mauCountKey(appID, month), &counter); setErr != nil {
				return setErr
			}
			admitted = true
			return kv.SetJSON(txn, mauDeviceKey(appID, month, deviceID), &mauSeen{FirstSeen: now.UTC()})
		})
		if !errors.Is(err, badger.ErrConflict) {
			break
		}
	}
	if err != nil {
		return false, fmt.Errorf("mau gate %s: %w", appID, err)
	}
	return admitted, nil
}

// Count returns the number of distinct devices recorded for appID this month.
func (g *BadgerMAUGate) Count(ctx context.Context, appID string) (int, error) {
	var counter mauCounter
	err := g.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		return kv.GetJSON(txn, mauCountKey(appID, monthKey(g.now())), &counter)
	})
	if errors.Is(err, kv.ErrNotFound) {
		return 0, nil
	}
	return counter.Count, err
}
