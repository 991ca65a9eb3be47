// Package otel binds authflow counters and the exchange latency histogram
// to OpenTelemetry observable instruments.
//
// [NewOTelExporter] registers one callback that reads
// [authflow.Engine.MetricsSnapshot] on each collection cycle.
//
// # What this package must NOT do
//
//   - Own the MeterProvider; callers supply the Meter.
//   - Mutate engine state.
package otel
