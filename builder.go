package authflow

import (
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"github.com/mimora/authflow/exchange"
	internalaudit "github.com/mimora/authflow/internal/audit"
	"github.com/mimora/authflow/internal/clock"
	"github.com/mimora/authflow/oauth"
	"github.com/mimora/authflow/storage"
	"github.com/mimora/authflow/verification"
)

// Builder assembles an Engine. A Builder can be built once.
type Builder struct {
	config Config

	logger     log.FieldLogger
	provider   verification.ChallengeProvider
	oauth      oauth.Provider
	store      storage.Store
	redis      redis.UniversalClient
	httpClient *http.Client
	auditSink  AuditSink
	clock      clock.Clock

	built bool
}

// New returns a Builder seeded with DefaultConfig.
func New() *Builder {
	return &Builder{
		config: DefaultConfig(),
	}
}

func (b *Builder) WithConfig(cfg Config) *Builder {
	b.config = cloneConfig(cfg)
	return b
}

func (b *Builder) WithLogger(l log.FieldLogger) *Builder {
	b.logger = l
	return b
}

// WithChallengeProvider sets the service that issues and consumes
// verification codes. It is required.
func (b *Builder) WithChallengeProvider(p verification.ChallengeProvider) *Builder {
	b.provider = p
	return b
}

// WithOAuthProvider enables SignInWithProvider.
func (b *Builder) WithOAuthProvider(p oauth.Provider) *Builder {
	b.oauth = p
	return b
}

// WithStore sets where a successful sign-in is persisted. Without a store
// or Redis client the session is kept in memory only.
func (b *Builder) WithStore(s storage.Store) *Builder {
	b.store = s
	return b
}

// WithRedis persists sign-ins in Redis. WithStore takes precedence.
func (b *Builder) WithRedis(client redis.UniversalClient) *Builder {
	b.redis = client
	return b
}

// WithHTTPClient overrides the transport of the exchange client.
func (b *Builder) WithHTTPClient(c *http.Client) *Builder {
	b.httpClient = c
	return b
}

func (b *Builder) WithAuditSink(sink AuditSink) *Builder {
	b.auditSink = sink
	return b
}

func (b *Builder) WithMetricsEnabled(enabled bool) *Builder {
	b.config.Metrics.Enabled = enabled
	return b
}

func (b *Builder) WithLatencyHistograms(enabled bool) *Builder {
	b.config.Metrics.EnableLatencyHistograms = enabled
	return b
}

func (b *Builder) withClock(c clock.Clock) *Builder {
	b.clock = c
	return b
}

// Build validates the configuration and returns the Engine.
func (b *Builder) Build() (*Engine, error) {
	if b.built {
		return nil, ErrBuilderUsed
	}
	if err := b.config.Validate(); err != nil {
		return nil, err
	}
	if b.provider == nil {
		return nil, ErrProviderRequired
	}

	cfg := cloneConfig(b.config)

	logger := b.logger
	if logger == nil {
		logger = log.StandardLogger()
	}
	clk := b.clock
	if clk == nil {
		clk = clock.Real()
	}

	store := b.store
	if store == nil && b.redis != nil {
		store = storage.NewRedisStore(b.redis, "")
	}
	if store == nil {
		store = storage.NewMemoryStore()
	}

	metrics := NewMetrics(cfg.Metrics)

	e := &Engine{
		config:   cfg,
		logger:   logger.WithField("component", "authflow"),
		clock:    clk,
		provider: b.provider,
		oauth:    b.oauth,
		store:    store,
		metrics:  metrics,
	}
	e.exchange = exchange.NewClient(exchange.Config{
		BaseURL:    cfg.Exchange.BaseURL,
		OTPPath:    cfg.Exchange.OTPPath,
		OAuthPath:  cfg.Exchange.OAuthPath,
		EmailPath:  cfg.Exchange.EmailLoginPath,
		Timeout:    cfg.Exchange.Timeout,
		HTTPClient: b.httpClient,
		OnResult: func(path string, status int, d time.Duration, err error) {
			metrics.Observe(MetricExchangeLatency, d)
			e.logger.WithFields(log.Fields{
				"path":       path,
				"status":     status,
				"elapsed_ms": d.Milliseconds(),
			}).Debug("exchange request completed")
		},
	})
	if cfg.Audit.Enabled {
		e.audit = internalaudit.NewDispatcher(internalaudit.Config{
			Enabled:    cfg.Audit.Enabled,
			BufferSize: cfg.Audit.BufferSize,
			DropIfFull: cfg.Audit.DropIfFull,
			Now:        e.clock.Now,
			OnDrop: func(ev internalaudit.Event) {
				e.logger.WithField("event", ev.EventType).Debug("audit event dropped")
			},
		}, b.auditSink)
	}

	b.built = true
	return e, nil
}
