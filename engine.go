package authflow

import (
	"context"
	"sync"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/mimora/authflow/exchange"
	internalaudit "github.com/mimora/authflow/internal/audit"
	"github.com/mimora/authflow/internal/clock"
	"github.com/mimora/authflow/oauth"
	"github.com/mimora/authflow/storage"
	"github.com/mimora/authflow/verification"
)

// Engine holds the collaborators shared by every flow: the challenge
// provider, the exchange client, persistence, audit and metrics. It is safe
// for concurrent use. Each user-facing flow session is a Controller obtained
// from NewFlow.
type Engine struct {
	config   Config
	logger   log.FieldLogger
	clock    clock.Clock
	provider verification.ChallengeProvider
	exchange *exchange.Client
	oauth    oauth.Provider
	store    storage.Store
	audit    *internalaudit.Dispatcher
	metrics  *Metrics

	mu     sync.Mutex
	flows  map[*Controller]struct{}
	closed bool
}

// NewFlow starts a flow session at StepProfileSelection and replaces the
// current history entry with it. The returned Controller must be closed
// when its host view is torn down.
func (e *Engine) NewFlow(history History) (*Controller, error) {
	if history == nil {
		return nil, ErrHistoryRequired
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil, ErrEngineClosed
	}
	c := newController(e, uuid.NewString(), history)
	if e.flows == nil {
		e.flows = make(map[*Controller]struct{})
	}
	e.flows[c] = struct{}{}
	e.mu.Unlock()

	e.metricInc(MetricFlowStarted)
	c.emitAudit(context.Background(), AuditEventFlowStarted, true, StepProfileSelection, MethodNone, 0, nil, nil)
	return c, nil
}

func (e *Engine) release(c *Controller) {
	e.mu.Lock()
	delete(e.flows, c)
	e.mu.Unlock()
}

// ActiveFlows reports how many flows were created and not yet closed.
func (e *Engine) ActiveFlows() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.flows)
}

// Close closes every open flow and flushes the audit dispatcher.
func (e *Engine) Close() {
	if e == nil {
		return
	}
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	flows := make([]*Controller, 0, len(e.flows))
	for c := range e.flows {
		flows = append(flows, c)
	}
	e.mu.Unlock()

	for _, c := range flows {
		c.Close()
	}
	if e.audit != nil {
		e.audit.Close()
	}
}

// Config returns a copy of the engine configuration.
func (e *Engine) Config() Config {
	return cloneConfig(e.config)
}

// Store exposes where sign-ins are persisted, so hosts can read back the
// stored session.
func (e *Engine) Store() storage.Store {
	return e.store
}

// StoredSession returns the last persisted user and proof token.
func (e *Engine) StoredSession(ctx context.Context) (*exchange.User, string, error) {
	return storage.LoadSession(ctx, e.store, e.storageKeys())
}

// AuditDropped reports how many audit events were dropped, either because
// the buffer was full or because the emitting operation was cancelled.
func (e *Engine) AuditDropped() uint64 {
	if e == nil || e.audit == nil {
		return 0
	}
	return e.audit.Dropped()
}

// AuditStats is the zero value when audit is disabled.
func (e *Engine) AuditStats() AuditStats {
	if e == nil {
		return AuditStats{}
	}
	return e.audit.Stats()
}

func (e *Engine) MetricsSnapshot() MetricsSnapshot {
	if e == nil || e.metrics == nil {
		return MetricsSnapshot{
			Counters:   map[MetricID]uint64{},
			Histograms: map[MetricID][]uint64{},
		}
	}
	return e.metrics.Snapshot()
}

func (e *Engine) metricInc(id MetricID) {
	if e == nil || e.metrics == nil {
		return
	}
	e.metrics.Inc(id)
}

func (e *Engine) storageKeys() storage.Keys {
	return storage.Keys{User: e.config.Storage.UserKey, Token: e.config.Storage.TokenKey}
}
