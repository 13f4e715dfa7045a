// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package protocol defines the JSON messages exchanged between the device
// agent and the update server.
//
// The server binds these types with gin (binding tags are validated by
// go-playground/validator), and the device agent encodes them with
// encoding/json, so both sides share one definition of the wire format.
package protocol

import "time"

// Error codes returned in ErrorResponse.Error.
const (
	ErrCodeMAULimitExceeded = "MAU_LIMIT_EXCEEDED"
	ErrCodeInvalidRequest   = "INVALID_REQUEST"
	ErrCodeUnauthorized     = "UNAUTHORIZED"
	ErrCodeNotFound         = "NOT_FOUND"
	ErrCodeConflict         = "CONFLICT"
	ErrCodeRateLimited      = "RATE_LIMITED"
	ErrCodeInternal         = "INTERNAL_ERROR"
)

// DeviceInfo carries optional descriptive fields about the device. Plan and
// OrgID take part in release targeting; the rest is informational.
type DeviceInfo struct {
	Plan      string `json:"plan,omitempty"`
	OrgID     string `json:"orgId,omitempty"`
	OSVersion string `json:"osVersion,omitempty"`
	Model     string `json:"model,omitempty"`
	Locale    string `json:"locale,omitempty"`
}

// CheckRequest asks the server whether an update is available.
type CheckRequest struct {
	AppID                string     `json:"appId" binding:"required,max=128"`
	DeviceID             string     `json:"deviceId" binding:"required,max=128"`
	Platform             string     `json:"platform" binding:"required,oneof=ios android"`
	AppVersion           string     `json:"appVersion" binding:"required,max=64"`
	CurrentBundleVersion string     `json:"currentBundleVersion,omitempty" binding:"max=64"`
	Channel              string     `json:"channel,omitempty" binding:"max=64"`
	DeviceInfo           DeviceInfo `json:"deviceInfo"`
}

// ReleaseInfo describes the bundle a device should download.
type ReleaseInfo struct {
	Version           string `json:"version"`
	Hash              string `json:"hash"`
	DownloadURL       string `json:"downloadUrl"`
	Channel           string `json:"channel"`
	RolloutPercentage int    `json:"rolloutPercentage"`
}

// CheckResponse is the 200 body of an update check.
type CheckResponse struct {
	UpdateAvailable bool         `json:"updateAvailable"`
	Release         *ReleaseInfo `json:"release,omitempty"`
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

// EventType names a telemetry event.
type EventType string

const (
	EventRollbackTriggered EventType = "rollback_triggered"
	EventUpdateApplied     EventType = "update_applied"
	EventCrashDetected     EventType = "crash_detected"
)

// Valid reports whether e is one of the known event types.
func (e EventType) Valid() bool {
	switch e {
	case EventRollbackTriggered, EventUpdateApplied, EventCrashDetected:
		return true
	}
	return false
}

// EventMetadata is the free-form part of a telemetry event.
type EventMetadata struct {
	Reason       string `json:"reason,omitempty"`
	RolledBackTo string `json:"rolledBackTo,omitempty"`
	FromVersion  string `json:"fromVersion,omitempty"`
	CrashCount   int    `json:"crashCount,omitempty"`
}

// TelemetryEvent is posted to /v1/telemetry by the device agent.
type TelemetryEvent struct {
	DeviceID      string        `json:"deviceId" binding:"required,max=128"`
	AppID         string        `json:"appId" binding:"required,max=128"`
	EventType     EventType     `json:"eventType" binding:"required,oneof=rollback_triggered update_applied crash_detected"`
	BundleVersion string        `json:"bundleVersion" binding:"max=64"`
	Metadata      EventMetadata `json:"metadata"`
	Timestamp     time.Time     `json:"timestamp"`
}
