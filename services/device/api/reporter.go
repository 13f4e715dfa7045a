// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package api

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/bundlenudge/bundlenudge/pkg/protocol"
)

// DefaultReportTimeout bounds a single telemetry delivery.
const DefaultReportTimeout = 5 * time.Second

// defaultMaxInFlight caps concurrent deliveries; extra events are dropped.
const defaultMaxInFlight = 16

// EventSender delivers a single event synchronously.
type EventSender interface {
	SendEvent(ctx context.Context, ev protocol.TelemetryEvent) error
}

// Reporter sends telemetry fire-and-forget.
//
// # Description
//
// Report returns immediately. Each event is delivered on its own goroutine
// under a bounded timeout. Failures are logged at debug level and dropped;
// there are no retries. When too many deliveries are already in flight the
// event is dropped.
//
// # Thread Safety
//
// Safe for concurrent use.
type Reporter struct {
	sender   EventSender
	timeout  time.Duration
	logger   *slog.Logger
	deviceID string
	appID    string

	slots chan struct{}
	wg    sync.WaitGroup
	mu    sync.Mutex
}

// NewReporter creates a Reporter. A zero timeout uses DefaultReportTimeout.
func NewReporter(sender EventSender, timeout time.Duration, logger *slog.Logger) *Reporter {
	if timeout <= 0 {
		timeout = DefaultReportTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Reporter{
		sender:  sender,
		timeout: timeout,
		logger:  logger.With(slog.String("component", "telemetry_reporter")),
		slots:   make(chan struct{}, defaultMaxInFlight),
	}
}

// SetIdentity fills DeviceID and AppID on events that leave them empty.
func (r *Reporter) SetIdentity(deviceID, appID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deviceID, r.appID = deviceID, appID
}

// Report queues ev for delivery and returns immediately.
func (r *Reporter) Report(ev protocol.TelemetryEvent) {
	r.mu.Lock()
	if ev.DeviceID == "" {
		ev.DeviceID = r.deviceID
	}
	if ev.AppID == "" {
		ev.AppID = r.appID
	}
	r.mu.Unlock()
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}

	select {
	case r.slots <- struct{}{}:
	default:
		r.logger.Debug("telemetry dropped, too many in flight", slog.String("event", string(ev.EventType)))
		return
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer func() { <-r.slots }()
		ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
		defer cancel()
		if err := r.sender.SendEvent(ctx, ev); err != nil {
			r.logger.Debug("telemetry delivery failed",
				slog.String("event", string(ev.EventType)),
				slog.String("error", err.Error()))
		}
	}()
}

// Wait blocks until in-flight deliveries finish. Used on shutdown and in
// tests.
func (r *Reporter) Wait() {
	r.wg.Wait()
}

// EventSenderFunc adapts a function to EventSender.
type EventSenderFunc func(ctx context.Context, ev protocol.TelemetryEvent) error

// SendEvent calls f.
func (f EventSenderFunc) SendEvent(ctx context.Context, ev protocol.TelemetryEvent) error {
	return f(ctx, ev)
}
