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
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/bundlenudge/bundlenudge/pkg/protocol"
	"github.com/bundlenudge/bundlenudge/pkg/validation"
	"github.com/bundlenudge/bundlenudge/services/catalog"
	"github.com/bundlenudge/bundlenudge/services/observability"
	"github.com/bundlenudge/bundlenudge/services/rollout"
)

func writeError(c *gin.Context, status int, code, message string) {
	c.AbortWithStatusJSON(status, protocol.ErrorResponse{Error: code, Message: message})
}

// writeCatalogError maps catalog sentinels to HTTP statuses.
func writeCatalogError(c *gin.Context, logger *slog.Logger, err error) {
	switch {
	case errors.Is(err, catalog.ErrNotFound):
		writeError(c, http.StatusNotFound, protocol.ErrCodeNotFound, err.Error())
	case errors.Is(err, catalog.ErrConflict):
		writeError(c, http.StatusConflict, protocol.ErrCodeConflict, err.Error())
	case errors.Is(err, catalog.ErrInvalid):
		writeError(c, http.StatusBadRequest, protocol.ErrCodeInvalidRequest, err.Error())
	default:
		logger.Error("catalog operation failed",
			slog.String("route", c.FullPath()),
			slog.String("request_id", GetRequestID(c)),
			slog.String("error", err.Error()),
		)
		writeError(c, http.StatusInternalServerError, protocol.ErrCodeInternal, "internal error")
	}
}

// HealthCheck reports liveness.
func HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// HandleCheck serves POST /v1/updates/check.
//
// # Description
//
// Binds and validates the request, applies the MAU gate, then asks the
// rollout engine for a decision. A MAU storage failure admits the device:
// the gate protects billing, not device safety.
//
// # Outputs
//
//   - 200 with a CheckResponse.
//   - 400 INVALID_REQUEST on binding or validation failure.
//   - 403 MAU_LIMIT_EXCEEDED when the app is over its monthly limit.
func HandleCheck(engine *rollout.Engine, gate MAUGate, logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req protocol.CheckRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			writeError(c, http.StatusBadRequest, protocol.ErrCodeInvalidRequest, err.Error())
			return
		}
		if err := validateIDs(req.AppID, req.DeviceID, req.Channel); err != nil {
			writeError(c, http.StatusBadRequest, protocol.ErrCodeInvalidRequest, err.Error())
			return
		}
		ctx := c.Request.Context()

		if gate != nil {
			ok, err := gate.Admit(ctx, req.AppID, req.DeviceID)
			switch {
			case err != nil:
				observability.LoggerWithTrace(ctx, logger).Warn("mau gate failed, admitting device",
					slog.String("app_id", req.AppID),
					slog.String("error", err.Error()),
				)
			case !ok:
				mauRejectionsTotal.Inc()
				writeError(c, http.StatusForbidden, protocol.ErrCodeMAULimitExceeded, "monthly active device limit reached")
				return
			}
		}

		d := engine.Decide(ctx, rollout.RequestFromCheck(req))
		c.JSON(http.StatusOK, d.Response())
	}
}

// validateIDs rejects identifiers that cannot be used as key segments.
func validateIDs(appID, deviceID, channel string) error {
	if err := validation.ValidateIdentifier("appId", appID); err != nil {
		return err
	}
	if err := validation.ValidateIdentifier("deviceId", deviceID); err != nil {
		return err
	}
	return validation.ValidateOptionalIdentifier("channel", channel)
}

// HandleTelemetry serves POST /v1/telemetry. Accepted events are counted and
// handed to sink; sink failures are logged and still answered with 202,
// since devices never retry.
func HandleTelemetry(sink Sink, logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		var event protocol.TelemetryEvent
		if err := c.ShouldBindJSON(&event); err != nil {
			writeError(c, http.StatusBadRequest, protocol.ErrCodeInvalidRequest, err.Error())
			return
		}
		if err := validateIDs(event.AppID, event.DeviceID, ""); err != nil {
			writeError(c, http.StatusBadRequest, protocol.ErrCodeInvalidRequest, err.Error())
			return
		}
		if event.Timestamp.IsZero() {
			event.Timestamp = time.Now().UTC()
		}
		telemetryEventsTotal.WithLabelValues(string(event.EventType)).Inc()

		ctx := c.Request.Context()
		if err := sink.Write(ctx, event); err != nil {
			telemetrySinkErrors.Inc()
			observability.LoggerWithTrace(ctx, logger).Warn("telemetry sink write failed",
				slog.String("event_type", string(event.EventType)),
				slog.String("error", err.Error()),
			)
		}
		c.JSON(http.StatusAccepted, gin.H{"status": "accepted"})
	}
}
