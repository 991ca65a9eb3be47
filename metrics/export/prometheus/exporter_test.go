package prometheus

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/mimora/authflow"
)

type fakeSource struct {
	snapshot authflow.MetricsSnapshot
	audit    authflow.AuditStats
	active   int
}

func (f fakeSource) MetricsSnapshot() authflow.MetricsSnapshot { return f.snapshot }
func (f fakeSource) AuditStats() authflow.AuditStats           { return f.audit }
func (f fakeSource) ActiveFlows() int                          { return f.active }

type nopChallenges struct{}

func (nopChallenges) IssueChallenge(context.Context, string) (string, error) { return "h", nil }
func (nopChallenges) ConsumeChallenge(context.Context, string, string) (string, error) {
	return "", nil
}

func TestRenderEmptyWhenMetricsDisabled(t *testing.T) {
	exp := NewPrometheusExporterFromSource(fakeSource{
		snapshot: authflow.MetricsSnapshot{
			Counters:   map[authflow.MetricID]uint64{},
			Histograms: map[authflow.MetricID][]uint64{},
		},
	})

	if got := exp.Render(); got != "" {
		t.Fatalf("expected empty output for disabled metrics, got:\n%s", got)
	}
}

func TestRenderIncludesCounterAndHistogram(t *testing.T) {
	exp := NewPrometheusExporterFromSource(fakeSource{
		snapshot: authflow.MetricsSnapshot{
			Counters: map[authflow.MetricID]uint64{
				authflow.MetricFlowSuccess: 7,
			},
			Histograms: map[authflow.MetricID][]uint64{
				authflow.MetricExchangeLatency: {1, 2, 3, 4, 5, 6, 7, 8},
			},
		},
		audit:  authflow.AuditStats{Accepted: 9, Delivered: 7, Dropped: 2},
		active: 3,
	})

	out := exp.Render()
	for _, want := range []string{
		"authflow_flow_success_total 7",
		"authflow_challenge_sent_total 0",
		"authflow_exchange_latency_seconds_bucket{le=\"0.025\"} 1",
		"authflow_exchange_latency_seconds_bucket{le=\"+Inf\"} 36",
		"authflow_exchange_latency_seconds_count 36",
		"# TYPE authflow_active_flows gauge",
		"authflow_active_flows 3",
		"authflow_audit_events_total{outcome=\"accepted\"} 9",
		"authflow_audit_events_total{outcome=\"dropped\"} 2",
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("expected %q in output, got:\n%s", want, out)
		}
	}
}

func TestRenderFromEngine(t *testing.T) {
	engine, err := authflow.New().WithChallengeProvider(nopChallenges{}).Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	defer engine.Close()
	flow, err := engine.NewFlow(authflow.NewMemoryHistory())
	if err != nil {
		t.Fatalf("NewFlow: %v", err)
	}
	defer flow.Close()

	out := NewPrometheusExporter(engine).Render()
	if !strings.Contains(out, "authflow_flow_started_total 1") || !strings.Contains(out, "authflow_active_flows 1") {
		t.Fatalf("expected started flow counted, got:\n%s", out)
	}
}

func TestHandlerWritesPrometheusContentType(t *testing.T) {
	exp := NewPrometheusExporterFromSource(fakeSource{
		snapshot: authflow.MetricsSnapshot{
			Counters:   map[authflow.MetricID]uint64{authflow.MetricFlowStarted: 1},
			Histograms: map[authflow.MetricID][]uint64{},
		},
	})

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	exp.Handler().ServeHTTP(rec, req)

	if got := rec.Header().Get("Content-Type"); !strings.Contains(got, "text/plain") {
		t.Fatalf("expected prometheus content type, got %q", got)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func BenchmarkRender(b *testing.B) {
	exp := NewPrometheusExporterFromSource(fakeSource{
		snapshot: authflow.MetricsSnapshot{
			Counters: map[authflow.MetricID]uint64{
				authflow.MetricFlowStarted:         1000,
				authflow.MetricChallengeSent:       900,
				authflow.MetricVerificationFailure: 40,
				authflow.MetricExchangeSuccess:     800,
				authflow.MetricFlowSuccess:         800,
			},
			Histograms: map[authflow.MetricID][]uint64{
				authflow.MetricExchangeLatency: {10, 20, 30, 40, 50, 60, 70, 80},
			},
		},
	})

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = exp.Render()
	}
}
