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
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
)

// FileStore keeps the metadata document in a single JSON file.
//
// Writes go to a uniquely named temporary file in the same directory which
// is fsynced and renamed over the target, then the directory is fsynced. A
// reader never observes a partial document. Mutations are serialized across
// processes with an advisory lock on a sidecar <path>.lock file.
type FileStore struct {
	path string
	now  func() time.Time

	mu sync.Mutex
}

// NewFileStore returns a store backed by path. The parent directory is
// created on first write.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path, now: time.Now}
}

// WithNow overrides the clock used for UpdatedAt. Used by tests.
func (s *FileStore) WithNow(now func() time.Time) *FileStore {
	s.now = now
	return s
}

// Path returns the backing file path.
func (s *FileStore) Path() string {
	return s.path
}

// Load returns the document, creating it with a new DeviceID on first use.
// An existing document is read without taking the file lock.
func (s *FileStore) Load(ctx context.Context) (DeviceMetadata, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, found, err := s.read()
	if err != nil {
		return DeviceMetadata{}, err
	}
	if found && doc.DeviceID != "" {
		return doc, nil
	}
	err = s.withFileLock(func() error {
		// Another process may have created the document since the read.
		doc, found, err = s.read()
		if err != nil || (found && doc.DeviceID != "") {
			return err
		}
		doc.DeviceID = uuid.NewString()
		doc.UpdatedAt = s.now().UTC()
		return s.write(doc)
	})
	if err != nil {
		return DeviceMetadata{}, err
	}
	return doc, nil
}

// Update applies mutate and persists the result. The read-mutate-write runs
// under both the in-process mutex and an exclusive advisory lock on
// <path>.lock, so separate processes sharing the file do not lose updates.
func (s *FileStore) Update(ctx context.Context, mutate func(m *DeviceMetadata) error) (DeviceMetadata, error) {
	if err := ctx.Err(); err != nil {
		return DeviceMetadata{}, fmt.Errorf("context cancelled: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var doc DeviceMetadata
	err := s.withFileLock(func() error {
		var err error
		doc, _, err = s.read()
		if err != nil {
			return err
		}
		deviceID := doc.DeviceID
		if deviceID == "" {
			deviceID = uuid.NewString()
		}
		doc.DeviceID = deviceID
		if err := mutate(&doc); err != nil {
			return err
		}
		doc.DeviceID = deviceID
		doc.UpdatedAt = s.now().UTC()
		return s.write(doc)
	})
	if err != nil {
		return DeviceMetadata{}, err
	}
	return doc, nil
}

// ClearUpdates resets all fields except DeviceID.
func (s *FileStore) ClearUpdates(ctx context.Context) (DeviceMetadata, error) {
	return s.Update(ctx, func(m *DeviceMetadata) error {
		m.ResetUpdates()
		return nil
	})
}

// Close is a no-op; the file is not held open between calls.
func (s *FileStore) Close() error {
	return nil
}

// withFileLock runs fn while holding an exclusive lock on the sidecar lock
// file. The lock file is never removed; deleting it would let two processes
// lock different inodes.
func (s *FileStore) withFileLock(fn func() error) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return fmt.Errorf("create metadata directory: %w", err)
	}
	f, err := os.OpenFile(s.path+".lock", os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return fmt.Errorf("open metadata lock file: %w", err)
	}
	defer f.Close()

	if err := lockFile(f); err != nil {
		return fmt.Errorf("lock metadata file: %w", err)
	}
	defer unlockFile(f)
	return fn()
}

func (s *FileStore) read() (DeviceMetadata, bool, error) {
	var doc DeviceMetadata
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return doc, false, nil
	}
	if err != nil {
		return doc, false, fmt.Errorf("read device metadata: %w", err)
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return DeviceMetadata{}, false, fmt.Errorf("%w: %s: %v", ErrCorrupt, s.path, err)
	}
	return doc, true, nil
}

func (s *FileStore) write(doc DeviceMetadata) error {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("encode device metadata: %w", err)
	}
	data = append(data, '\n')

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create metadata directory: %w", err)
	}

	f, err := os.CreateTemp(dir, filepath.Base(s.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temporary metadata file: %w", err)
	}
	tmp := f.Name()
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("write temporary metadata file: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("sync temporary metadata file: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("close temporary metadata file: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename metadata file into place: %w", err)
	}

	if d, err := os.Open(dir); err == nil {
		d.Sync()
		d.Close()
	}
	return nil
}
