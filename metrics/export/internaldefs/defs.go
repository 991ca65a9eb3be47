package internaldefs

import (
	"github.com/mimora/authflow"
)

// CounterDef names one flow counter for exporters.
type CounterDef struct {
	ID   authflow.MetricID
	Name string
	Help string
}

// HistogramDef names one latency histogram for exporters.
type HistogramDef struct {
	ID   authflow.MetricID
	Name string
	Help string
}

// CounterDefs lists every exported counter in render order.
var CounterDefs = []CounterDef{
	{ID: authflow.MetricFlowStarted, Name: "authflow_flow_started_total", Help: "Flow sessions started."},
	{ID: authflow.MetricChallengeSent, Name: "authflow_challenge_sent_total", Help: "Verification challenges issued."},
	{ID: authflow.MetricChallengeFailed, Name: "authflow_challenge_failed_total", Help: "Verification challenges the provider refused."},
	{ID: authflow.MetricResend, Name: "authflow_resend_total", Help: "Challenges re-issued after the cool-down."},
	{ID: authflow.MetricResendSuppressed, Name: "authflow_resend_suppressed_total", Help: "Resend requests ignored during the cool-down."},
	{ID: authflow.MetricVerificationSuccess, Name: "authflow_verification_success_total", Help: "Codes accepted by the provider."},
	{ID: authflow.MetricVerificationFailure, Name: "authflow_verification_failure_total", Help: "Codes rejected by the provider."},
	{ID: authflow.MetricExchangeSuccess, Name: "authflow_exchange_success_total", Help: "Proof tokens exchanged for a user."},
	{ID: authflow.MetricExchangeFailure, Name: "authflow_exchange_failure_total", Help: "Failed identity exchanges."},
	{ID: authflow.MetricExchangeUnauthorized, Name: "authflow_exchange_unauthorized_total", Help: "Identity exchanges rejected as unauthorized."},
	{ID: authflow.MetricOAuthSuccess, Name: "authflow_oauth_success_total", Help: "Completed third-party sign-ins."},
	{ID: authflow.MetricOAuthFailure, Name: "authflow_oauth_failure_total", Help: "Failed third-party sign-ins."},
	{ID: authflow.MetricOAuthCancelled, Name: "authflow_oauth_cancelled_total", Help: "Third-party sign-ins cancelled by the user."},
	{ID: authflow.MetricFlowSuccess, Name: "authflow_flow_success_total", Help: "Flows that reached the success step."},
	{ID: authflow.MetricPersistFailure, Name: "authflow_persist_failure_total", Help: "Signed-in sessions that could not be persisted."},
	{ID: authflow.MetricValidationRejected, Name: "authflow_validation_rejected_total", Help: "Submits blocked by field validation."},
	{ID: authflow.MetricStaleResultDiscarded, Name: "authflow_stale_result_discarded_total", Help: "Results dropped after reset or close."},
	{ID: authflow.MetricHistoryPop, Name: "authflow_history_pop_total", Help: "Back and forward navigations applied."},
}

// HistogramDefs lists every exported histogram.
var HistogramDefs = []HistogramDef{
	{ID: authflow.MetricExchangeLatency, Name: "authflow_exchange_latency_seconds", Help: "Identity exchange round-trip latency."},
}

// HistogramBounds are the upper bounds of the exchange latency buckets.
var HistogramBounds = []string{
	"0.025",
	"0.05",
	"0.1",
	"0.25",
	"0.5",
	"1",
	"2.5",
	"+Inf",
}

// Gauges and labelled counters fed from the engine rather than the counter
// table.
const (
	ActiveFlowsName = "authflow_active_flows"
	ActiveFlowsHelp = "Flow sessions created and not yet closed."
	AuditEventsName = "authflow_audit_events_total"
	AuditEventsHelp = "Audit events by dispatcher outcome."
)

// NormalizeBuckets copies raw into a fixed-size array, zero-filling missing
// buckets.
func NormalizeBuckets(raw []uint64) [8]uint64 {
	var out [8]uint64
	for i := 0; i < len(out) && i < len(raw); i++ {
		out[i] = raw[i]
	}
	return out
}

// CumulativeBuckets turns per-bucket counts into running totals.
func CumulativeBuckets(raw [8]uint64) [8]uint64 {
	var out [8]uint64
	var running uint64
	for i := 0; i < len(raw); i++ {
		running += raw[i]
		out[i] = running
	}
	return out
}
