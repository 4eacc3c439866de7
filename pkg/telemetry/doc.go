// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package telemetry sets up OpenTelemetry tracing and metrics for SAGE.
//
// The trigger server, the device API and the condition poller use the OTel
// APIs directly (otel.Tracer, otel.Meter). This package only installs the
// providers and exporters behind them, so swapping backends is a config
// change.
//
// # Trace Backend (default: none)
//
// "otlp" exports over gRPC to any OTLP receiver (Jaeger, Tempo, a
// collector). "stdout" pretty-prints spans, which is handy while writing
// condition routines.
//
// # Metrics Backend (default: prometheus)
//
// "prometheus" registers the OTel exporter as a collector on the same
// registry as the service's prometheus metrics, so a single /metrics
// route serves both. "stdout" prints periodically.
//
// # Usage
//
//	cfg := telemetry.DefaultConfig()
//	cfg.Registerer = registry
//	shutdown, err := telemetry.Init(ctx, cfg)
//	if err != nil {
//	    return fmt.Errorf("init telemetry: %w", err)
//	}
//	defer shutdown(context.Background())
//
// # Environment Variables
//
//   - OTEL_EXPORTER_OTLP_ENDPOINT: OTLP endpoint (default: localhost:4317)
//   - OTEL_TRACES_EXPORTER: otlp, stdout, or none (default: none)
//   - OTEL_METRICS_EXPORTER: prometheus, stdout, or none (default: prometheus)
//   - SAGE_ENV: environment name (default: development)
//
// # Thread Safety
//
// All exported functions are safe for concurrent use after Init returns.
package telemetry
