// Package prometheus exposes authflow metrics in Prometheus text format.
//
// [NewPrometheusExporter] wraps an [authflow.Engine] and serves an
// [http.Handler]. Counter names are authflow_*_total; the single histogram
// is authflow_exchange_latency_seconds.
//
// # What this package must NOT do
//
//   - Register metrics in a global Prometheus registry; callers mount the Handler.
//   - Mutate engine state.
package prometheus
