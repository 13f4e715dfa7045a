// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package metadata

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	kv "github.com/bundlenudge/bundlenudge/services/storage/badger"
	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
)

// metadataKey is the single key holding the device document.
var metadataKey = []byte("device/metadata")

// BadgerStore keeps the metadata document in BadgerDB.
type BadgerStore struct {
	db     *kv.DB
	ownsDB bool
	now    func() time.Time
}

// OpenBadgerStore opens (or creates) a synced BadgerDB at dir.
//
// # Inputs
//
//   - dir: Directory for database files. Created if missing.
//   - logger: Receives badger's internal warnings. May be nil.
//
// # Outputs
//
//   - *BadgerStore: Caller must Close it.
//   - error: Non-nil if the database cannot be opened.
func OpenBadgerStore(dir string, logger *slog.Logger) (*BadgerStore, error) {
	cfg := kv.DefaultConfig()
	cfg.Path = dir
	cfg.Logger = logger
	db, err := kv.Open(cfg)
	if err != nil {
		return nil, fmt.Errorf("open metadata store: %w", err)
	}
	return &BadgerStore{db: db, ownsDB: true, now: time.Now}, nil
}

// NewBadgerStore wraps an already open database. Close does not close db.
func NewBadgerStore(db *kv.DB) *BadgerStore {
	return &BadgerStore{db: db, now: time.Now}
}

// WithNow overrides the clock used for UpdatedAt. Used by tests.
func (s *BadgerStore) WithNow(now func() time.Time) *BadgerStore {
	s.now = now
	return s
}

// Load returns the document, creating it with a new DeviceID on first use.
// An existing document is read without a write.
func (s *BadgerStore) Load(ctx context.Context) (DeviceMetadata, error) {
	var doc DeviceMetadata
	err := s.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		return kv.GetJSON(txn, metadataKey, &doc)
	})
	switch {
	case err == nil && doc.DeviceID != "":
		return doc, nil
	case err == nil, errors.Is(err, kv.ErrNotFound):
		return s.Update(ctx, func(*DeviceMetadata) error { return nil })
	case errors.Is(err, kv.ErrDecode):
		return DeviceMetadata{}, fmt.Errorf("%w: %v", ErrCorrupt, err)
	default:
		return DeviceMetadata{}, fmt.Errorf("load device metadata: %w", err)
	}
}

// Update applies mutate in one BadgerDB transaction.
func (s *BadgerStore) Update(ctx context.Context, mutate func(m *DeviceMetadata) error) (DeviceMetadata, error) {
	var userErr error
	doc, err := kv.UpdateJSON(ctx, s.db, metadataKey, func(doc *DeviceMetadata, found bool) error {
		userErr = nil
		deviceID := doc.DeviceID
		if !found || deviceID == "" {
			deviceID = uuid.NewString()
		}
		doc.DeviceID = deviceID
		if err := mutate(doc); err != nil {
			userErr = err
			return err
		}
		doc.DeviceID = deviceID
		doc.UpdatedAt = s.now().UTC()
		return nil
	})
	if userErr != nil {
		return DeviceMetadata{}, userErr
	}
	if err != nil {
		if errors.Is(err, kv.ErrDecode) {
			return DeviceMetadata{}, fmt.Errorf("%w: %v", ErrCorrupt, err)
		}
		return DeviceMetadata{}, fmt.Errorf("update device metadata: %w", err)
	}
	return doc, nil
}

// ClearUpdates resets all fields except DeviceID.
func (s *BadgerStore) ClearUpdates(ctx context.Context) (DeviceMetadata, error) {
	return s.Update(ctx, func(m *DeviceMetadata) error {
		m.ResetUpdates()
		return nil
	})
}

// Close closes the database if this store opened it.
func (s *BadgerStore) Close() error {
	if s.ownsDB {
		return s.db.Close()
	}
	return nil
}
