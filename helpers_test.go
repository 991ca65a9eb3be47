package authflow

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/mimora/authflow/internal/clock"
	"github.com/mimora/authflow/storage"
	"github.com/mimora/authflow/verification"
)

const (
	validPhone = "9876543210"
	goodCode   = "123456"
)

// fakeChallenges issues sequential handles h-1, h-2, ... that accept
// goodCode and yield proof tokens "proof-h-N".
type fakeChallenges struct {
	mu         sync.Mutex
	seq        int
	issued     []string
	consumed   int
	live       map[string]bool
	issueErr   error
	consumeErr error
	gate       chan struct{}
	entered    chan struct{}
	// consumeGate and consumeEntered hold ConsumeChallenge the same way.
	consumeGate    chan struct{}
	consumeEntered chan struct{}
}

func newFakeChallenges() *fakeChallenges {
	return &fakeChallenges{live: make(map[string]bool)}
}

func (p *fakeChallenges) IssueChallenge(ctx context.Context, target string) (string, error) {
	p.mu.Lock()
	gate, entered := p.gate, p.entered
	p.mu.Unlock()
	if entered != nil {
		entered <- struct{}{}
	}
	if gate != nil {
		<-gate
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.issued = append(p.issued, target)
	if p.issueErr != nil {
		return "", p.issueErr
	}
	p.seq++
	h := fmt.Sprintf("h-%d", p.seq)
	p.live[h] = true
	return h, nil
}

func (p *fakeChallenges) ConsumeChallenge(ctx context.Context, handle, code string) (string, error) {
	p.mu.Lock()
	gate, entered := p.consumeGate, p.consumeEntered
	p.mu.Unlock()
	if entered != nil {
		entered <- struct{}{}
	}
	if gate != nil {
		<-gate
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.consumed++
	if p.consumeErr != nil {
		return "", p.consumeErr
	}
	if !p.live[handle] {
		return "", &verification.ProviderError{Code: verification.CodeSessionExpired}
	}
	if code != goodCode {
		return "", &verification.ProviderError{Code: verification.CodeInvalidCode}
	}
	delete(p.live, handle)
	return "proof-" + handle, nil
}

func (p *fakeChallenges) issuedTargets() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.issued...)
}

func (p *fakeChallenges) consumeCalls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.consumed
}

type backendCall struct {
	Path   string
	Auth   string
	Body   string
	Status int
}

// fakeBackend serves the exchange endpoints. respond may override the
// status and body per call; by default every exchange succeeds.
type fakeBackend struct {
	srv     *httptest.Server
	mu      sync.Mutex
	calls   []backendCall
	respond func(n int, path string) (int, any)
}

func newFakeBackend(t testing.TB) *fakeBackend {
	t.Helper()
	b := &fakeBackend{}
	b.srv = httptest.NewServer(http.HandlerFunc(b.handle))
	t.Cleanup(b.srv.Close)
	return b
}

func (b *fakeBackend) handle(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)

	b.mu.Lock()
	n := len(b.calls)
	respond := b.respond
	b.mu.Unlock()

	status, payload := http.StatusOK, any(nil)
	if respond != nil {
		status, payload = respond(n, r.URL.Path)
	}
	if payload == nil {
		name := "Asha Rao"
		payload = map[string]any{
			"id":         42,
			"email":      "asha@example.com",
			"name":       name,
			"provider":   "phone",
			"created_at": "2024-01-01T00:00:00Z",
		}
	}

	b.mu.Lock()
	b.calls = append(b.calls, backendCall{
		Path:   r.URL.Path,
		Auth:   r.Header.Get("Authorization"),
		Body:   string(body),
		Status: status,
	})
	b.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func (b *fakeBackend) recorded() []backendCall {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]backendCall(nil), b.calls...)
}

type flowEnv struct {
	engine   *Engine
	flow     *Controller
	history  *MemoryHistory
	clock    *clock.Manual
	provider *fakeChallenges
	backend  *fakeBackend
	store    storage.Store
}

func quietLogger() log.FieldLogger {
	l := log.New()
	l.SetOutput(io.Discard)
	return l
}

func testConfig(baseURL string) Config {
	cfg := DefaultConfig()
	cfg.Exchange.BaseURL = baseURL
	cfg.Exchange.Timeout = 5 * time.Second
	cfg.OperationTimeout = 5 * time.Second
	return cfg
}

// newFlowEnv builds an engine around fakes and starts one flow. configure
// may adjust the builder before Build.
func newFlowEnv(t testing.TB, configure ...func(*Builder, *Config)) *flowEnv {
	t.Helper()

	env := &flowEnv{
		clock:    clock.NewManual(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)),
		provider: newFakeChallenges(),
		backend:  newFakeBackend(t),
		store:    storage.NewMemoryStore(),
		history:  NewMemoryHistory(),
	}

	cfg := testConfig(env.backend.srv.URL)
	b := New().
		WithLogger(quietLogger()).
		WithChallengeProvider(env.provider).
		WithStore(env.store).
		withClock(env.clock)
	for _, f := range configure {
		f(b, &cfg)
	}
	b.WithConfig(cfg)

	engine, err := b.Build()
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	t.Cleanup(engine.Close)

	flow, err := engine.NewFlow(env.history)
	if err != nil {
		t.Fatalf("NewFlow failed: %v", err)
	}
	env.engine = engine
	env.flow = flow
	return env
}

func mustOK(t testing.TB, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func codeOf(s string) []string {
	out := make([]string, 0, len(s))
	for _, r := range s {
		out = append(out, string(r))
	}
	return out
}

// toPhoneLogin drives a customer to the phone login step with a valid
// number entered.
func (env *flowEnv) toPhoneLogin(t testing.TB) {
	t.Helper()
	mustOK(t, env.flow.SelectProfile(ProfileCustomer))
	mustOK(t, env.flow.GetStarted())
	mustOK(t, env.flow.SetPhone(validPhone))
}

// sendChallenge submits the contact step and expects a code to be awaited.
func (env *flowEnv) sendChallenge(t testing.TB) {
	t.Helper()
	mustOK(t, env.flow.Submit(context.Background()))
	if !env.flow.CodeSent() {
		t.Fatalf("expected challenge to be sent, flow error %q", env.flow.Err())
	}
}

func (env *flowEnv) submitCode(t testing.TB, code string) {
	t.Helper()
	mustOK(t, env.flow.SetCode(codeOf(code)))
	mustOK(t, env.flow.Submit(context.Background()))
}

func (env *flowEnv) metric(id MetricID) uint64 {
	return env.engine.MetricsSnapshot().Counters[id]
}

func historySteps(h *MemoryHistory) []Step {
	entries, _ := h.Entries()
	out := make([]Step, len(entries))
	for i, e := range entries {
		out[i] = e.Step
	}
	return out
}
