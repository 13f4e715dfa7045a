// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package metadata persists the device's update state.
//
// # Description
//
// DeviceMetadata is a single small document that records which bundle the
// device runs, which bundle is waiting to be applied, which bundle to revert
// to, and the crash and verification counters. It is read before the host
// application initializes (it decides which bundle is loaded) and must
// survive the process being killed at any instruction.
//
// Two Store implementations are provided:
//
//   - BadgerStore: the document lives in an embedded BadgerDB with synced
//     writes; Update is one serializable transaction.
//   - FileStore: the document is a JSON file replaced atomically (temp file,
//     fsync, rename, fsync directory); Update is serialized through a mutex.
//
// # Invariant
//
// PreviousVersion is non-empty iff an applied update has not yet been
// confirmed safe. Only verification completion, rollback, an explicit
// "mark verified", or ClearUpdates may clear it.
package metadata

import (
	"context"
	"errors"
	"time"
)

// EmbeddedVersion is recorded as the previous version when an update is
// applied over the bundle shipped inside the application binary.
const EmbeddedVersion = "embedded"

// ErrCorrupt is returned when the persisted document cannot be decoded.
var ErrCorrupt = errors.New("device metadata is corrupt")

// VerificationState holds the two independent verification gates.
type VerificationState struct {
	AppReady     bool `json:"appReady"`
	HealthPassed bool `json:"healthPassed"`
}

// Complete reports whether both gates are set.
func (v VerificationState) Complete() bool {
	return v.AppReady && v.HealthPassed
}

// DeviceMetadata is the persisted update state of one installed client.
// Empty version strings mean "absent".
type DeviceMetadata struct {
	DeviceID            string            `json:"deviceId"`
	CurrentVersion      string            `json:"currentVersion,omitempty"`
	CurrentVersionHash  string            `json:"currentVersionHash,omitempty"`
	PendingVersion      string            `json:"pendingVersion,omitempty"`
	PendingVersionHash  string            `json:"pendingVersionHash,omitempty"`
	PreviousVersion     string            `json:"previousVersion,omitempty"`
	PreviousVersionHash string            `json:"previousVersionHash,omitempty"`
	CrashCount          int               `json:"crashCount"`
	LastCrashTime       *time.Time        `json:"lastCrashTime,omitempty"`
	Verification        VerificationState `json:"verificationState"`
	UpdatedAt           time.Time         `json:"updatedAt"`
}

// HasPending reports whether a downloaded bundle is waiting to be applied.
func (m DeviceMetadata) HasPending() bool {
	return m.PendingVersion != ""
}

// AwaitingVerification reports whether an applied update is unconfirmed.
func (m DeviceMetadata) AwaitingVerification() bool {
	return m.PreviousVersion != ""
}

// ResetCrashState clears the crash window counters.
func (m *DeviceMetadata) ResetCrashState() {
	m.CrashCount = 0
	m.LastCrashTime = nil
}

// ResetUpdates clears every field except DeviceID.
func (m *DeviceMetadata) ResetUpdates() {
	*m = DeviceMetadata{DeviceID: m.DeviceID}
}

// Store is durable storage for a device's metadata.
//
// # Description
//
// Every rollback-relevant transition is expressed as one Update call. The
// mutation runs against the latest committed document and its result is
// committed all-or-nothing. Implementations ensure a DeviceID exists on the
// first Load or Update, and never change it afterwards.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use; concurrent Updates are
// serialized.
type Store interface {
	// Load returns the current document, creating an empty one with a fresh
	// DeviceID on first use.
	Load(ctx context.Context) (DeviceMetadata, error)

	// Update applies mutate atomically. If mutate returns an error nothing
	// is written and the error is returned unchanged. mutate may be invoked
	// more than once and must not have side effects.
	Update(ctx context.Context, mutate func(m *DeviceMetadata) error) (DeviceMetadata, error)

	// ClearUpdates resets all fields except DeviceID.
	ClearUpdates(ctx context.Context) (DeviceMetadata, error)

	// Close releases resources held by the store.
	Close() error
}
