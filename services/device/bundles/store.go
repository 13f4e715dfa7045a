// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package bundles stores downloaded bundle files on the device.
//
// Each version lives in its own file under the bundle directory. Downloads
// are streamed into a staging file while being hashed, and only renamed into
// place after the SHA-256 digest matches the release hash, so a bundle path
// returned by this package always names a complete, verified file.
package bundles

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"
)

var (
	// ErrIntegrity is returned when a downloaded bundle does not match its
	// expected hash. The downloaded bytes are discarded.
	ErrIntegrity = errors.New("bundle integrity check failed")

	// ErrInvalidVersion is returned for versions unsafe to use as file names.
	ErrInvalidVersion = errors.New("invalid bundle version")

	// ErrDownload wraps transport failures and non-200 responses.
	ErrDownload = errors.New("bundle download failed")
)

const (
	bundleExt  = ".bundle"
	stagingDir = ".staging"

	// DefaultMaxBundleSize caps a single download.
	DefaultMaxBundleSize int64 = 256 << 20
)

var versionPattern = regexp.MustCompile(`^[0-9A-Za-z][0-9A-Za-z.+_-]{0,63}$`)

// Store manages bundle files in one directory.
//
// # Thread Safety
//
// Fetches of different versions may run concurrently. The device agent
// serializes operations on the same version through the update state
// machine.
type Store struct {
	dir     string
	client  *http.Client
	maxSize int64
	logger  *slog.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithHTTPClient sets the client used for downloads.
func WithHTTPClient(c *http.Client) Option {
	return func(s *Store) { s.client = c }
}

// WithMaxSize caps the size of a single bundle.
func WithMaxSize(n int64) Option {
	return func(s *Store) { s.maxSize = n }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// New creates a Store rooted at dir. The directory is created lazily.
func New(dir string, opts ...Option) *Store {
	s := &Store{
		dir:     dir,
		client:  &http.Client{Timeout: 120 * time.Second},
		maxSize: DefaultMaxBundleSize,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With(slog.String("component", "bundles"))
	return s
}

// Dir returns the bundle directory.
func (s *Store) Dir() string {
	return s.dir
}

// Fetch downloads the bundle for version from url and verifies it against
// expectedHash.
//
// # Inputs
//
//   - version: Release version; used as the file name.
//   - expectedHash: Hex SHA-256, optionally prefixed with "sha256:".
//   - url: Download location.
//
// # Outputs
//
//   - string: Path of the verified bundle file.
//   - error: ErrInvalidVersion, ErrDownload, ErrIntegrity, or a filesystem
//     error. No partial file remains on failure.
func (s *Store) Fetch(ctx context.Context, version, expectedHash, url string) (string, error) {
	if err := ValidateVersion(version); err != nil {
		return "", err
	}
	want, err := normalizeHash(expectedHash)
	if err != nil {
		return "", err
	}

	staging := filepath.Join(s.dir, stagingDir)
	if err := os.MkdirAll(staging, 0o755); err != nil {
		return "", fmt.Errorf("create staging directory: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrDownload, err)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrDownload, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%w: HTTP %d", ErrDownload, resp.StatusCode)
	}

	tmp, err := os.CreateTemp(staging, version+"-*.tmp")
	if err != nil {
		return "", fmt.Errorf("create staging file: %w", err)
	}
	tmpPath := tmp.Name()
	discard := func() {
		tmp.Close()
		os.Remove(tmpPath)
	}

	hasher := sha256.New()
	n, err := io.Copy(io.MultiWriter(tmp, hasher), io.LimitReader(resp.Body, s.maxSize+1))
	if err != nil {
		discard()
		return "", fmt.Errorf("%w: %v", ErrDownload, err)
	}
	if n > s.maxSize {
		discard()
		return "", fmt.Errorf("%w: bundle exceeds %d bytes", ErrDownload, s.maxSize)
	}
	got := hex.EncodeToString(hasher.Sum(nil))
	if got != want {
		discard()
		s.logger.Warn("bundle hash mismatch",
			slog.String("version", version),
			slog.String("expected", want),
			slog.String("actual", got))
		return "", fmt.Errorf("%w: version %s", ErrIntegrity, version)
	}
	if err := tmp.Sync(); err != nil {
		discard()
		return "", fmt.Errorf("sync bundle: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return "", fmt.Errorf("close bundle: %w", err)
	}

	dest := s.pathFor(version)
	if err := os.Rename(tmpPath, dest); err != nil {
		os.Remove(tmpPath)
		return "", fmt.Errorf("move bundle into place: %w", err)
	}
	s.logger.Info("bundle stored", slog.String("version", version), slog.Int64("bytes", n))
	return dest, nil
}

// Path returns the file for version and whether it exists.
func (s *Store) Path(version string) (string, bool) {
	if ValidateVersion(version) != nil {
		return "", false
	}
	p := s.pathFor(version)
	info, err := os.Stat(p)
	if err != nil || info.IsDir() {
		return "", false
	}
	return p, true
}

// Remove deletes the file for version. Missing files are not an error.
func (s *Store) Remove(version string) error {
	if err := ValidateVersion(version); err != nil {
		return err
	}
	if err := os.Remove(s.pathFor(version)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove bundle %s: %w", version, err)
	}
	return nil
}

// Versions lists the stored bundle versions.
func (s *Store) Versions() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("list bundles: %w", err)
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), bundleExt) {
			continue
		}
		out = append(out, strings.TrimSuffix(e.Name(), bundleExt))
	}
	return out, nil
}

// Prune removes every stored bundle except the listed versions, and any
// leftover staging files. Empty entries in keep are ignored.
func (s *Store) Prune(keep ...string) error {
	keepSet := make(map[string]struct{}, len(keep))
	for _, v := range keep {
		if v != "" {
			keepSet[v] = struct{}{}
		}
	}
	versions, err := s.Versions()
	if err != nil {
		return err
	}
	var errs []error
	for _, v := range versions {
		if _, ok := keepSet[v]; ok {
			continue
		}
		if err := s.Remove(v); err != nil {
			errs = append(errs, err)
			continue
		}
		s.logger.Debug("pruned bundle", slog.String("version", v))
	}
	if err := os.RemoveAll(filepath.Join(s.dir, stagingDir)); err != nil {
		errs = append(errs, fmt.Errorf("remove staging: %w", err))
	}
	return errors.Join(errs...)
}

// RemoveAll deletes every stored bundle.
func (s *Store) RemoveAll() error {
	return s.Prune()
}

func (s *Store) pathFor(version string) string {
	return filepath.Join(s.dir, version+bundleExt)
}

// ValidateVersion rejects versions that cannot be used as file names.
func ValidateVersion(version string) error {
	if !versionPattern.MatchString(version) || strings.Contains(version, "..") {
		return fmt.Errorf("%w: %q", ErrInvalidVersion, version)
	}
	return nil
}

// HashFile returns the hex SHA-256 of the file at path.
func HashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func normalizeHash(h string) (string, error) {
	h = strings.TrimPrefix(strings.ToLower(strings.TrimSpace(h)), "sha256:")
	if len(h) != sha256.Size*2 {
		return "", fmt.Errorf("%w: expected hash is not a sha256 digest", ErrIntegrity)
	}
	if _, err := hex.DecodeString(h); err != nil {
		return "", fmt.Errorf("%w: expected hash is not hex", ErrIntegrity)
	}
	return h, nil
}
