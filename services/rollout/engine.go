// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package rollout decides which release, if any, a device is offered.
//
// A decision reads the channel's active release through a catalog.Resolver
// and applies, in order: a status and consistency check, the up-to-date
// short-circuit, the blocklist and allowlist, plan targeting, and finally
// percentage gating on a stable per-device bucket. The engine never writes
// and never fails: every problem with upstream data resolves to "no update"
// so the device keeps running its current bundle.
package rollout

import (
	"context"
	"errors"
	"log/slog"

	"github.com/cespare/xxhash/v2"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/bundlenudge/bundlenudge/pkg/logging"
	"github.com/bundlenudge/bundlenudge/pkg/protocol"
	"github.com/bundlenudge/bundlenudge/services/catalog"
	"github.com/bundlenudge/bundlenudge/services/observability"
)

const tracerName = "bundlenudge.rollout"

// Buckets is the number of rollout buckets. A release at N percent is
// offered to buckets [0, N).
const Buckets = 100

// Reason explains a decision. Values are stable and used as metric labels.
type Reason string

const (
	ReasonChannelNotFound Reason = "channel_not_found"
	ReasonLookupFailed    Reason = "lookup_failed"
	ReasonReleaseInactive Reason = "release_inactive"
	ReasonInconsistent    Reason = "release_inconsistent"
	ReasonUpToDate        Reason = "up_to_date"
	ReasonBlocklisted     Reason = "blocklisted"
	ReasonAllowlisted     Reason = "allowlisted"
	ReasonPlanExcluded    Reason = "plan_excluded"
	ReasonInRollout       Reason = "in_rollout"
	ReasonOutsideRollout  Reason = "outside_rollout"
)

// Request carries the device facts a decision depends on.
type Request struct {
	AppID                string
	DeviceID             string
	Channel              string
	CurrentBundleVersion string
	Plan                 string
	OrgID                string
	Platform             string
	AppVersion           string
}

// RequestFromCheck converts a wire check request.
func RequestFromCheck(req protocol.CheckRequest) Request {
	return Request{
		AppID:                req.AppID,
		DeviceID:             req.DeviceID,
		Channel:              req.Channel,
		CurrentBundleVersion: req.CurrentBundleVersion,
		Plan:                 req.DeviceInfo.Plan,
		OrgID:                req.DeviceInfo.OrgID,
		Platform:             req.Platform,
		AppVersion:           req.AppVersion,
	}
}

// Decision is the outcome of Decide. Release and Channel are set only when
// Offer is true. Bucket is -1 when the decision was made before bucketing.
type Decision struct {
	Offer   bool
	Reason  Reason
	Bucket  int
	Release catalog.Release
	Channel catalog.Channel
}

// Outcome returns "offer" or "no_update".
func (d Decision) Outcome() string {
	if d.Offer {
		return "offer"
	}
	return "no_update"
}

// Response renders the decision as a check response body.
func (d Decision) Response() protocol.CheckResponse {
	if !d.Offer {
		return protocol.CheckResponse{UpdateAvailable: false}
	}
	return protocol.CheckResponse{
		UpdateAvailable: true,
		Release: &protocol.ReleaseInfo{
			Version:           d.Release.Version,
			Hash:              d.Release.BundleHash,
			DownloadURL:       d.Release.DownloadURL,
			Channel:           d.Channel.Name,
			RolloutPercentage: d.Release.RolloutPercentage,
		},
	}
}

// Bucketer maps a device and release to a bucket in [0, Buckets).
//
// Implementations must be deterministic: the same pair always yields the
// same bucket, so raising a release's percentage only ever adds devices.
type Bucketer interface {
	Bucket(deviceID, releaseID string) int
}

// HashBucketer buckets by xxhash64(deviceID + releaseID) mod Buckets.
type HashBucketer struct{}

// Bucket implements Bucketer.
func (HashBucketer) Bucket(deviceID, releaseID string) int {
	d := xxhash.New()
	_, _ = d.WriteString(deviceID)
	_, _ = d.WriteString(releaseID)
	return int(d.Sum64() % Buckets)
}

// BucketerFunc adapts a function to Bucketer.
type BucketerFunc func(deviceID, releaseID string) int

// Bucket implements Bucketer.
func (f BucketerFunc) Bucket(deviceID, releaseID string) int {
	return f(deviceID, releaseID)
}

// Options configures an Engine. Catalog is required.
type Options struct {
	Catalog  catalog.Resolver
	Bucketer Bucketer
	Logger   *slog.Logger
}

// Engine evaluates rollout decisions.
//
// # Thread Safety
//
// Stateless and safe for concurrent use.
type Engine struct {
	catalog  catalog.Resolver
	bucketer Bucketer
	logger   *slog.Logger
}

// New creates an Engine. A nil Bucketer uses HashBucketer.
func New(opts Options) *Engine {
	b := opts.Bucketer
	if b == nil {
		b = HashBucketer{}
	}
	return &Engine{
		catalog:  opts.Catalog,
		bucketer: b,
		logger:   logging.OrDefault(opts.Logger),
	}
}

// Decide returns the release to offer the device, if any.
//
// # Description
//
// Resolves the active release of req.Channel (production when empty) and
// evaluates the rollout policy in a fixed order:
//
//  1. missing channel, no active release, lookup failure, or a release that
//     is not active: no update
//  2. a release not belonging to this app and channel, with a percentage
//     outside [0,100], or without a version: no update
//  3. release version equals the device's current bundle: no update
//  4. blocklisted: no update; allowlisted: offer
//  5. targetPlans set and the device plan not in it: no update
//  6. bucket < rolloutPercentage: offer; otherwise no update
//
// # Outputs
//
//   - Decision: Never an error. Upstream problems resolve to no update.
//
// # Thread Safety
//
// Safe for concurrent use. Performs no writes.
func (e *Engine) Decide(ctx context.Context, req Request) Decision {
	channel := req.Channel
	if channel == "" {
		channel = catalog.ChannelProduction
	}

	ctx, span := observability.StartSpan(ctx, tracerName, "rollout.Engine.Decide",
		trace.WithAttributes(
			attribute.String("app.id", req.AppID),
			attribute.String("rollout.channel", channel),
		),
	)
	defer span.End()

	d := e.decide(ctx, req, channel)

	span.SetAttributes(
		attribute.Bool("rollout.offer", d.Offer),
		attribute.String("rollout.reason", string(d.Reason)),
		attribute.Int("rollout.bucket", d.Bucket),
	)
	if d.Release.ID != "" {
		span.SetAttributes(attribute.String("release.id", d.Release.ID))
	}
	decisionsTotal.WithLabelValues(d.Outcome(), string(d.Reason)).Inc()

	e.logger.Debug("rollout decision",
		slog.String("app_id", req.AppID),
		slog.String("device_id", req.DeviceID),
		slog.String("channel", channel),
		slog.String("outcome", d.Outcome()),
		slog.String("reason", string(d.Reason)),
		slog.Int("bucket", d.Bucket),
	)
	return d
}

func (e *Engine) decide(ctx context.Context, req Request, channel string) Decision {
	noUpdate := func(r Reason) Decision {
		return Decision{Reason: r, Bucket: -1}
	}

	if e.catalog == nil {
		return noUpdate(ReasonLookupFailed)
	}
	rel, ch, err := e.catalog.ActiveRelease(ctx, req.AppID, channel)
	if err != nil {
		if errors.Is(err, catalog.ErrNotFound) {
			return noUpdate(ReasonChannelNotFound)
		}
		observability.RecordError(trace.SpanFromContext(ctx), err)
		e.logger.Warn("active release lookup failed",
			slog.String("app_id", req.AppID),
			slog.String("channel", channel),
			slog.String("error", err.Error()),
		)
		return noUpdate(ReasonLookupFailed)
	}
	if rel.Status != catalog.StatusActive {
		return noUpdate(ReasonReleaseInactive)
	}
	if !consistent(rel, ch, req.AppID) {
		return noUpdate(ReasonInconsistent)
	}

	if protocol.SameVersion(req.CurrentBundleVersion, rel.Version) {
		return noUpdate(ReasonUpToDate)
	}

	offer := func(r Reason, bucket int) Decision {
		return Decision{Offer: true, Reason: r, Bucket: bucket, Release: rel, Channel: ch}
	}

	if rel.Blocked(req.DeviceID) {
		return noUpdate(ReasonBlocklisted)
	}
	if rel.Allowed(req.DeviceID) {
		return offer(ReasonAllowlisted, -1)
	}
	if !rel.TargetsPlan(req.Plan) {
		return noUpdate(ReasonPlanExcluded)
	}

	bucket := e.bucketer.Bucket(req.DeviceID, rel.ID)
	if bucket < rel.RolloutPercentage {
		return offer(ReasonInRollout, bucket)
	}
	return Decision{Reason: ReasonOutsideRollout, Bucket: bucket}
}

func consistent(rel catalog.Release, ch catalog.Channel, appID string) bool {
	return rel.ID != "" &&
		rel.Version != "" &&
		rel.AppID == appID &&
		ch.AppID == appID &&
		rel.ChannelID == ch.ID &&
		ch.ActiveReleaseID == rel.ID &&
		rel.RolloutPercentage >= 0 &&
		rel.RolloutPercentage <= 100
}
