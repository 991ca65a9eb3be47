package authflow

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"

	"github.com/mimora/authflow/exchange"
	"github.com/mimora/authflow/storage"
	"github.com/mimora/authflow/validate"
	"github.com/mimora/authflow/verification"
)

// Config holds every tunable of an Engine. Values are copied at Build time
// and treated as immutable afterwards.
type Config struct {
	Exchange     ExchangeConfig
	Verification VerificationConfig
	Storage      StorageConfig
	Validation   ValidationConfig
	History      HistoryConfig
	Audit        AuditConfig
	Metrics      MetricsConfig

	// OperationTimeout bounds each provider or exchange call made by a
	// controller. Zero leaves the caller's context in charge.
	OperationTimeout time.Duration `env:"AUTHFLOW_OPERATION_TIMEOUT"`
}

/*
====================================
EXCHANGE CONFIG
====================================
*/

// ExchangeConfig points the identity exchange client at the backend.
type ExchangeConfig struct {
	BaseURL        string        `env:"AUTHFLOW_EXCHANGE_BASE_URL"`
	OTPPath        string        `env:"AUTHFLOW_EXCHANGE_OTP_PATH"`
	OAuthPath      string        `env:"AUTHFLOW_EXCHANGE_OAUTH_PATH"`
	EmailLoginPath string        `env:"AUTHFLOW_EXCHANGE_EMAIL_LOGIN_PATH"`
	Timeout        time.Duration `env:"AUTHFLOW_EXCHANGE_TIMEOUT"`

	// EmailLogin routes the LoginEmail step through EmailLoginPath instead
	// of the OTP endpoint.
	EmailLogin bool `env:"AUTHFLOW_EXCHANGE_EMAIL_LOGIN"`
}

/*
====================================
VERIFICATION CONFIG
====================================
*/

// VerificationConfig tunes the challenge lifecycle.
type VerificationConfig struct {
	CooldownUnits      int           `env:"AUTHFLOW_VERIFICATION_COOLDOWN_UNITS"`
	CooldownUnit       time.Duration `env:"AUTHFLOW_VERIFICATION_COOLDOWN_UNIT"`
	DefaultCountryCode string        `env:"AUTHFLOW_VERIFICATION_DEFAULT_COUNTRY_CODE"`
}

// StorageConfig names the keys a successful exchange is persisted under.
type StorageConfig struct {
	UserKey  string `env:"AUTHFLOW_STORAGE_USER_KEY"`
	TokenKey string `env:"AUTHFLOW_STORAGE_TOKEN_KEY"`
}

// ValidationConfig tunes the field validators.
type ValidationConfig struct {
	// CodeBlocklist lists codes the submit-time validator rejects even when
	// complete. It exists to simulate provider rejections in tests and is
	// empty by default.
	CodeBlocklist []string `env:"AUTHFLOW_VALIDATION_CODE_BLOCKLIST" envSeparator:","`

	// PhonePolicies maps a country code to its mobile numbering policy.
	// Unknown country codes fall back to the default policy.
	PhonePolicies validate.PhonePolicies
}

// HistoryConfig sets the path recorded with every history entry.
type HistoryConfig struct {
	Path string `env:"AUTHFLOW_HISTORY_PATH"`
}

// AuditConfig controls the asynchronous audit dispatcher.
type AuditConfig struct {
	Enabled    bool `env:"AUTHFLOW_AUDIT_ENABLED"`
	BufferSize int  `env:"AUTHFLOW_AUDIT_BUFFER_SIZE"`
	DropIfFull bool `env:"AUTHFLOW_AUDIT_DROP_IF_FULL"`
}

// MetricsConfig controls in-process counters and latency histograms.
type MetricsConfig struct {
	Enabled                 bool `env:"AUTHFLOW_METRICS_ENABLED"`
	EnableLatencyHistograms bool `env:"AUTHFLOW_METRICS_LATENCY_HISTOGRAMS"`
}

// DefaultConfig returns the configuration used when Builder.WithConfig is
// not called.
func DefaultConfig() Config {
	return Config{
		Exchange: ExchangeConfig{
			BaseURL:        exchange.DefaultBaseURL,
			OTPPath:        exchange.DefaultOTPPath,
			OAuthPath:      exchange.DefaultOAuthPath,
			EmailLoginPath: exchange.DefaultEmailPath,
			Timeout:        15 * time.Second,
		},
		Verification: VerificationConfig{
			CooldownUnits:      verification.DefaultCooldownUnits,
			CooldownUnit:       time.Second,
			DefaultCountryCode: validate.DefaultCountryCode,
		},
		Storage: StorageConfig{
			UserKey:  storage.DefaultUserKey,
			TokenKey: storage.DefaultTokenKey,
		},
		Validation: ValidationConfig{
			PhonePolicies: validate.DefaultPhonePolicies(),
		},
		History: HistoryConfig{
			Path: "/auth",
		},
		Audit: AuditConfig{
			Enabled:    false,
			BufferSize: 1024,
			DropIfFull: true,
		},
		Metrics: MetricsConfig{
			Enabled: true,
		},
		OperationTimeout: 30 * time.Second,
	}
}

func cloneConfig(cfg Config) Config {
	out := cfg
	if cfg.Validation.CodeBlocklist != nil {
		out.Validation.CodeBlocklist = append([]string(nil), cfg.Validation.CodeBlocklist...)
	}
	if cfg.Validation.PhonePolicies != nil {
		out.Validation.PhonePolicies = make(validate.PhonePolicies, len(cfg.Validation.PhonePolicies))
		for k, v := range cfg.Validation.PhonePolicies {
			out.Validation.PhonePolicies[k] = v
		}
	}
	return out
}

// ConfigFromEnv overlays AUTHFLOW_* environment variables on DefaultConfig
// and validates the result.
func ConfigFromEnv() (Config, error) {
	cfg := DefaultConfig()
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

/*
====================================
VALIDATION
====================================
*/

// Validate reports the first configuration error, if any.
func (c *Config) Validate() error {
	// Exchange
	u, err := url.Parse(c.Exchange.BaseURL)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return errors.New("Exchange BaseURL must be an absolute http(s) URL")
	}
	for name, p := range map[string]string{
		"OTPPath":        c.Exchange.OTPPath,
		"OAuthPath":      c.Exchange.OAuthPath,
		"EmailLoginPath": c.Exchange.EmailLoginPath,
	} {
		if !strings.HasPrefix(p, "/") {
			return fmt.Errorf("Exchange %s must start with /", name)
		}
	}
	if c.Exchange.Timeout < 0 {
		return errors.New("Exchange Timeout must be >= 0")
	}

	// Verification
	if c.Verification.CooldownUnits <= 0 {
		return errors.New("Verification CooldownUnits must be > 0")
	}
	if c.Verification.CooldownUnit <= 0 {
		return errors.New("Verification CooldownUnit must be > 0")
	}
	if !strings.HasPrefix(c.Verification.DefaultCountryCode, "+") || len(c.Verification.DefaultCountryCode) < 2 {
		return errors.New("Verification DefaultCountryCode must look like +<digits>")
	}

	// Storage
	if c.Storage.UserKey == "" || c.Storage.TokenKey == "" {
		return errors.New("Storage UserKey and TokenKey must be set")
	}
	if c.Storage.UserKey == c.Storage.TokenKey {
		return errors.New("Storage UserKey and TokenKey must differ")
	}

	// Validation
	for _, code := range c.Validation.CodeBlocklist {
		if len(code) != CodeLength {
			return fmt.Errorf("Validation CodeBlocklist entry %q must have %d digits", code, CodeLength)
		}
	}
	for cc, p := range c.Validation.PhonePolicies {
		if p.Digits <= 0 {
			return fmt.Errorf("Validation PhonePolicies[%s] Digits must be > 0", cc)
		}
	}

	// History
	if !strings.HasPrefix(c.History.Path, "/") {
		return errors.New("History Path must start with /")
	}

	// Audit
	if c.Audit.Enabled && c.Audit.BufferSize <= 0 {
		return errors.New("Audit BufferSize must be > 0 when audit is enabled")
	}

	if c.OperationTimeout < 0 {
		return errors.New("OperationTimeout must be >= 0")
	}

	return nil
}
