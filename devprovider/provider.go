package devprovider

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"github.com/mimora/authflow/internal"
	"github.com/mimora/authflow/internal/clock"
	"github.com/mimora/authflow/jwt"
	"github.com/mimora/authflow/verification"
)

// Config tunes a Provider.
type Config struct {
	CodeLength  int
	CodeTTL     time.Duration
	MaxAttempts int
	// MaxIssuesPerWindow caps challenges per target. Zero disables it.
	MaxIssuesPerWindow int
	IssueWindow        time.Duration
	KeyPrefix          string
}

// DefaultConfig returns six-digit codes valid for five minutes with five
// guesses, and at most ten issues per target per hour.
func DefaultConfig() Config {
	return Config{
		CodeLength:         6,
		CodeTTL:            5 * time.Minute,
		MaxAttempts:        5,
		MaxIssuesPerWindow: 10,
		IssueWindow:        time.Hour,
		KeyPrefix:          "af",
	}
}

// Provider issues codes through a Sender and trades correct codes for
// proof tokens.
type Provider struct {
	cfg      Config
	store    *ChallengeStore
	throttle *Throttle
	sender   Sender
	tokens   *jwt.Manager
	clock    clock.Clock
	logger   log.FieldLogger
}

// Option customizes a Provider.
type Option func(*Provider)

// WithClock replaces the wall clock used for record expiry.
func WithClock(c clock.Clock) Option { return func(p *Provider) { p.clock = c } }

// WithLogger sets the logger.
func WithLogger(l log.FieldLogger) Option { return func(p *Provider) { p.logger = l } }

// New returns a Provider. tokens must be able to sign.
func New(rdb redis.UniversalClient, sender Sender, tokens *jwt.Manager, cfg Config, opts ...Option) *Provider {
	def := DefaultConfig()
	if cfg.CodeLength == 0 {
		cfg.CodeLength = def.CodeLength
	}
	if cfg.CodeTTL <= 0 {
		cfg.CodeTTL = def.CodeTTL
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = def.KeyPrefix
	}
	if sender == nil {
		sender = LogSender{}
	}
	p := &Provider{
		cfg:      cfg,
		store:    NewChallengeStore(rdb, cfg.KeyPrefix+"c"),
		throttle: NewThrottle(rdb, cfg.KeyPrefix+"i", cfg.MaxIssuesPerWindow, cfg.IssueWindow),
		sender:   sender,
		tokens:   tokens,
		clock:    clock.Real(),
		logger:   log.StandardLogger(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// IssueChallenge validates target, applies the issuance throttle, stores a
// hashed code under a fresh handle and hands the code to the Sender.
func (p *Provider) IssueChallenge(ctx context.Context, target string) (string, error) {
	if code := checkTarget(target); code != "" {
		return "", &verification.ProviderError{Code: code}
	}
	if err := p.throttle.Check(ctx, target); err != nil {
		if errors.Is(err, ErrIssueRateLimited) {
			return "", &verification.ProviderError{Code: verification.CodeTooManyRequests}
		}
		return "", &verification.ProviderError{Code: verification.CodeUnavailable, Message: err.Error()}
	}

	code, err := internal.NewOTP(p.cfg.CodeLength)
	if err != nil {
		return "", &verification.ProviderError{Code: verification.CodeUnavailable, Message: err.Error()}
	}
	handle := uuid.NewString()
	record := &ChallengeRecord{
		Target:    target,
		CodeHash:  internal.HashChallengeCode(handle, code),
		ExpiresAt: p.clock.Now().Add(p.cfg.CodeTTL).Unix(),
	}
	if err := p.store.Save(ctx, handle, record, p.cfg.CodeTTL); err != nil {
		return "", &verification.ProviderError{Code: verification.CodeUnavailable, Message: err.Error()}
	}

	if err := p.sender.Send(ctx, target, code); err != nil {
		p.logger.WithError(err).WithField("target", target).Warn("code delivery failed")
		_ = p.store.Delete(ctx, handle)
		return "", &verification.ProviderError{Code: verification.CodeUnavailable, Message: "Failed to send OTP"}
	}
	return handle, nil
}

// ConsumeChallenge checks code and, on a match, returns a signed proof token
// for the challenge's target.
func (p *Provider) ConsumeChallenge(ctx context.Context, handle, code string) (string, error) {
	record, err := p.store.Consume(ctx, handle, internal.HashChallengeCode(handle, code), p.cfg.MaxAttempts, p.clock.Now())
	switch {
	case err == nil:
	case errors.Is(err, ErrChallengeCodeMismatch):
		return "", &verification.ProviderError{Code: verification.CodeInvalidCode}
	case errors.Is(err, ErrChallengeExpired):
		return "", &verification.ProviderError{Code: verification.CodeCodeExpired}
	case errors.Is(err, ErrChallengeNotFound):
		return "", &verification.ProviderError{Code: verification.CodeSessionExpired}
	case errors.Is(err, ErrChallengeAttemptsExceeded):
		return "", &verification.ProviderError{Code: verification.CodeAttemptsExceeded}
	default:
		return "", &verification.ProviderError{Code: verification.CodeUnavailable, Message: err.Error()}
	}

	source := jwt.SourcePhone
	if strings.Contains(record.Target, "@") {
		source = jwt.SourceEmail
	}
	token, _, err := p.tokens.Issue(source, record.Target, "")
	if err != nil {
		return "", &verification.ProviderError{Code: verification.CodeUnavailable, Message: err.Error()}
	}
	return token, nil
}

// checkTarget returns a provider error code for malformed targets.
func checkTarget(target string) string {
	if strings.Contains(target, "@") {
		at := strings.IndexByte(target, '@')
		if at <= 0 || at != strings.LastIndexByte(target, '@') || !strings.Contains(target[at+1:], ".") {
			return verification.CodeInvalidEmail
		}
		return ""
	}
	if target == "" || target == "+" {
		return verification.CodeMissingPhoneNumber
	}
	if target[0] != '+' || len(target) < 9 || len(target) > 16 {
		return verification.CodeInvalidPhoneNumber
	}
	for i := 1; i < len(target); i++ {
		if target[i] < '0' || target[i] > '9' {
			return verification.CodeInvalidPhoneNumber
		}
	}
	return ""
}
