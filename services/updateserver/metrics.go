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
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	httpRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "bundlenudge_http_request_duration_seconds",
		Help:    "HTTP request latency by route and status",
		Buckets: prometheus.ExponentialBuckets(0.0005, 2, 14), // 0.5ms to ~4s
	}, []string{"method", "route", "status"})

	telemetryEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bundlenudge_telemetry_events_total",
		Help: "Telemetry events received by type",
	}, []string{"event_type"})

	telemetrySinkErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bundlenudge_telemetry_sink_errors_total",
		Help: "Telemetry events the sink failed to store",
	})

	mauRejectionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bundlenudge_mau_rejections_total",
		Help: "Update checks rejected by the monthly active device limit",
	})

	rateLimitedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bundlenudge_rate_limited_total",
		Help: "Requests rejected by the per-client rate limiter",
	})

	catalogReloadsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bundlenudge_catalog_reloads_total",
		Help: "Catalog seed file reloads by result",
	}, []string{"result"})
)
