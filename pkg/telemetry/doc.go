// Package telemetry provides logging, tracing and metrics for the shim.
//
// Structured logging uses zerolog, tracing uses OpenTelemetry with OTLP or
// stdout exporters, and metrics are Prometheus collectors registered on a
// private registry.
//
// Initialize telemetry at startup:
//
//	cfg := telemetry.DefaultConfig()
//	tel, err := telemetry.NewTelemetry(cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer tel.Shutdown(context.Background())
//
// Components take a zerolog.Logger derived from tel.Logger.Zerolog() and
// add their own "component" field.
//
// # Metrics
//
// Exposed collectors, prefixed with the configured namespace:
//
//	capability_invocations_total{capability,code}
//	capability_invocation_duration_seconds{capability}
//	capability_resolutions_total{capability,tier}
//	transform_errors_total{capability,phase}
//	script_reloads_total{result}
//	sessions_active
//	adapters_loaded
//
// A disabled Metrics value accepts every call and records nothing.
//
// # Tracing
//
// Every capability dispatch is a span named capability.<name>. The server
// extracts W3C traceparent and baggage headers with ExtractHTTP, so spans
// join the caller's trace when one is present.
package telemetry
