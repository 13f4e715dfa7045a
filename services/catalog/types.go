// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package catalog stores apps, channels and releases for the update server.
//
// # Description
//
// The catalog is the server's source of truth for what can be offered. Each
// app owns a set of named channels; a channel points at most at one active
// release through ActiveReleaseID. Every app is created with the default
// channels production, staging and development, which cannot be renamed or
// deleted.
//
// Records are JSON documents in BadgerDB. Multi-record changes, such as
// activating a release and pausing the one it replaces, happen in a single
// transaction.
package catalog

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/bundlenudge/bundlenudge/pkg/protocol"
	"github.com/go-playground/validator/v10"
	"golang.org/x/mod/semver"
)

var (
	// ErrNotFound is returned when an app, channel or release does not exist.
	ErrNotFound = errors.New("not found")

	// ErrConflict is returned when a change collides with existing state.
	ErrConflict = errors.New("conflict")

	// ErrDefaultChannel is returned when renaming or deleting a default
	// channel. It wraps ErrConflict.
	ErrDefaultChannel = fmt.Errorf("%w: default channels cannot be renamed or deleted", ErrConflict)

	// ErrInvalid is returned for records that fail validation.
	ErrInvalid = errors.New("invalid catalog record")
)

// Default channel names.
const (
	ChannelProduction  = "production"
	ChannelStaging     = "staging"
	ChannelDevelopment = "development"
)

// DefaultChannels lists the channels every app is created with.
var DefaultChannels = []string{ChannelProduction, ChannelStaging, ChannelDevelopment}

// IsDefaultChannel reports whether name is one of DefaultChannels.
func IsDefaultChannel(name string) bool {
	for _, c := range DefaultChannels {
		if c == name {
			return true
		}
	}
	return false
}

// ReleaseStatus is a release's lifecycle state.
type ReleaseStatus string

const (
	StatusDraft    ReleaseStatus = "draft"
	StatusActive   ReleaseStatus = "active"
	StatusPaused   ReleaseStatus = "paused"
	StatusDisabled ReleaseStatus = "disabled"
)

// App is a registered application.
type App struct {
	ID        string    `json:"id" validate:"required,slug"`
	Name      string    `json:"name" validate:"max=128"`
	CreatedAt time.Time `json:"createdAt"`
}

// Channel is a named deployment environment of an app.
type Channel struct {
	ID              string    `json:"id"`
	AppID           string    `json:"appId" validate:"required,slug"`
	Name            string    `json:"name" validate:"required,slug"`
	ActiveReleaseID string    `json:"activeReleaseId,omitempty"`
	IsDefault       bool      `json:"isDefault"`
	CreatedAt       time.Time `json:"createdAt"`
	UpdatedAt       time.Time `json:"updatedAt"`
}

// Release is a published bundle and its rollout policy.
type Release struct {
	ID                string        `json:"id"`
	AppID             string        `json:"appId" validate:"required,slug"`
	ChannelID         string        `json:"channelId" validate:"required"`
	Version           string        `json:"version" validate:"required,semver"`
	BundleHash        string        `json:"bundleHash" validate:"required,sha256hash"`
	DownloadURL       string        `json:"downloadUrl" validate:"required,url"`
	RolloutPercentage int           `json:"rolloutPercentage" validate:"gte=0,lte=100"`
	Allowlist         []string      `json:"allowlist,omitempty" validate:"max=10000,dive,required"`
	Blocklist         []string      `json:"blocklist,omitempty" validate:"max=10000,dive,required"`
	TargetPlans       []string      `json:"targetPlans,omitempty" validate:"dive,required"`
	Status            ReleaseStatus `json:"status" validate:"oneof=draft active paused disabled"`
	CreatedAt         time.Time     `json:"createdAt"`
	UpdatedAt         time.Time     `json:"updatedAt"`
}

// Allowed reports whether deviceID is on the allowlist.
func (r *Release) Allowed(deviceID string) bool {
	return contains(r.Allowlist, deviceID)
}

// Blocked reports whether deviceID is on the blocklist.
func (r *Release) Blocked(deviceID string) bool {
	return contains(r.Blocklist, deviceID)
}

// TargetsPlan reports whether plan passes the targetPlans filter. An empty
// filter admits every plan.
func (r *Release) TargetsPlan(plan string) bool {
	return len(r.TargetPlans) == 0 || contains(r.TargetPlans, plan)
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// =============================================================================
// Validation
// =============================================================================

var (
	validate    *validator.Validate
	slugPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]{0,63}$`)
	hashPattern = regexp.MustCompile(`^(sha256:)?[0-9a-f]{64}$`)
)

func init() {
	validate = validator.New()
	_ = validate.RegisterValidation("semver", validateSemver)
	_ = validate.RegisterValidation("slug", validateSlug)
	_ = validate.RegisterValidation("sha256hash", validateHash)
}

// CanonicalVersion returns v with a leading "v" for semver comparison.
func CanonicalVersion(v string) string {
	return protocol.CanonicalVersion(v)
}

// ValidVersion reports whether v is a semantic version, with or without a
// leading "v".
func ValidVersion(v string) bool {
	return v != "" && semver.IsValid(CanonicalVersion(v))
}

// CompareVersions orders two versions by semver precedence.
func CompareVersions(a, b string) int {
	return semver.Compare(CanonicalVersion(a), CanonicalVersion(b))
}

func validateSemver(fl validator.FieldLevel) bool {
	return ValidVersion(fl.Field().String())
}

func validateSlug(fl validator.FieldLevel) bool {
	return slugPattern.MatchString(fl.Field().String())
}

func validateHash(fl validator.FieldLevel) bool {
	return hashPattern.MatchString(strings.ToLower(fl.Field().String()))
}

// ValidateStruct runs tag validation and wraps failures in ErrInvalid.
func ValidateStruct(v any) error {
	if err := validate.Struct(v); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return fmt.Errorf("%w: %s failed %q", ErrInvalid, fe.Namespace(), fe.Tag())
		}
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return nil
}
