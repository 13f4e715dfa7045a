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
	"fmt"
	"log/slog"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"

	"github.com/bundlenudge/bundlenudge/pkg/logging"
	"github.com/bundlenudge/bundlenudge/pkg/protocol"
)

// Sink stores telemetry events received from devices.
type Sink interface {
	Write(ctx context.Context, event protocol.TelemetryEvent) error
	Close() error
}

// LogSink writes events as structured log records.
type LogSink struct {
	logger *slog.Logger
}

// NewLogSink creates a LogSink. A nil logger uses slog.Default.
func NewLogSink(logger *slog.Logger) *LogSink {
	return &LogSink{logger: logging.OrDefault(logger)}
}

// Write implements Sink.
func (s *LogSink) Write(ctx context.Context, e protocol.TelemetryEvent) error {
	s.logger.LogAttrs(ctx, slog.LevelInfo, "telemetry event",
		slog.String("event_type", string(e.EventType)),
		slog.String("app_id", e.AppID),
		slog.String("device_id", e.DeviceID),
		slog.String("bundle_version", e.BundleVersion),
		slog.String("reason", e.Metadata.Reason),
		slog.String("rolled_back_to", e.Metadata.RolledBackTo),
		slog.Time("timestamp", e.Timestamp),
	)
	return nil
}

// Close implements Sink.
func (s *LogSink) Close() error { return nil }

// InfluxSink writes each event as a point in the "bundlenudge_events"
// measurement. Tags are low-cardinality (app, event type, version); the
// device id is a field.
type InfluxSink struct {
	client   influxdb2.Client
	writeAPI api.WriteAPIBlocking
}

// NewInfluxSink connects to InfluxDB. No request is made until the first
// Write.
func NewInfluxSink(cfg InfluxConfig) *InfluxSink {
	client := influxdb2.NewClient(cfg.URL, cfg.Token)
	return &InfluxSink{
		client:   client,
		writeAPI: client.WriteAPIBlocking(cfg.Org, cfg.Bucket),
	}
}

// Write implements Sink.
func (s *InfluxSink) Write(ctx context.Context, e protocol.TelemetryEvent) error {
	ts := e.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	p := influxdb2.NewPointWithMeasurement("bundlenudge_events").
		AddTag("app_id", e.AppID).
		AddTag("event_type", string(e.EventType)).
		AddField("device_id", e.DeviceID).
		AddField("reason", e.Metadata.Reason).
		AddField("rolled_back_to", e.Metadata.RolledBackTo).
		AddField("from_version", e.Metadata.FromVersion).
		AddField("crash_count", e.Metadata.CrashCount).
		SetTime(ts)
	if e.BundleVersion != "" {
		p.AddTag("bundle_version", e.BundleVersion)
	}
	if err := s.writeAPI.WritePoint(ctx, p); err != nil {
		return fmt.Errorf("write influx point: %w", err)
	}
	return nil
}

// Close implements Sink.
func (s *InfluxSink) Close() error {
	s.client.Close()
	return nil
}
