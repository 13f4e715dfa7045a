// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package observability initializes OpenTelemetry for the update server.
//
// Traces go to an OTLP collector (Jaeger, Tempo, or any OTLP backend) or to
// stdout. Metrics are exposed through the OTel Prometheus exporter, which
// registers with the default Prometheus registry, so collectors created with
// promauto elsewhere in the server are served from the same /metrics handler.
//
// # Usage
//
//	cfg := observability.DefaultConfig()
//	shutdown, err := observability.Init(ctx, cfg)
//	if err != nil {
//	    return fmt.Errorf("init observability: %w", err)
//	}
//	defer shutdown(context.Background())
//
// # Environment Variables
//
//   - OTEL_EXPORTER_OTLP_ENDPOINT: OTLP endpoint (default: localhost:4317)
//   - OTEL_TRACES_EXPORTER: otlp, stdout, or none (default: none)
//   - OTEL_METRICS_EXPORTER: prometheus, stdout, or none (default: prometheus)
//   - BUNDLENUDGE_ENV: environment name (default: development)
//
// # Thread Safety
//
// All exported functions are safe for concurrent use after Init returns.
package observability
