package authflow

import (
	"fmt"
	"net"
	"net/url"
	"strings"
	"time"
)

// LintWarning is a configuration smell that Validate accepts but that is
// unlikely to be intended outside tests.
type LintWarning struct {
	Code    string
	Message string
}

// LintWarnings is the result of Config.Lint.
type LintWarnings []LintWarning

// Codes returns the warning codes in report order.
func (ws LintWarnings) Codes() []string {
	out := make([]string, 0, len(ws))
	for _, w := range ws {
		out = append(out, w.Code)
	}
	return out
}

func (ws LintWarnings) String() string {
	parts := make([]string, 0, len(ws))
	for _, w := range ws {
		parts = append(parts, w.Code+": "+w.Message)
	}
	return strings.Join(parts, "; ")
}

// Lint reports suspicious but valid settings.
func (c *Config) Lint() LintWarnings {
	var ws LintWarnings
	add := func(code, format string, args ...any) {
		ws = append(ws, LintWarning{Code: code, Message: fmt.Sprintf(format, args...)})
	}

	if strings.HasPrefix(c.Exchange.BaseURL, "http://") && !isLoopbackURL(c.Exchange.BaseURL) {
		add("exchange_plaintext", "proof tokens are sent as bearer credentials over plain http to %s", c.Exchange.BaseURL)
	}
	if c.Exchange.Timeout == 0 {
		add("exchange_no_timeout", "exchange requests have no client-side timeout")
	}
	if len(c.Validation.CodeBlocklist) > 0 {
		add("code_blocklist_enabled", "submit-time code blocklist is a test seam and rejects %d valid codes", len(c.Validation.CodeBlocklist))
	}
	if total := time.Duration(c.Verification.CooldownUnits) * c.Verification.CooldownUnit; total > 0 && total < 10*time.Second {
		add("cooldown_short", "resend cool-down of %s invites challenge flooding", total)
	} else if total > 5*time.Minute {
		add("cooldown_long", "resend cool-down of %s outlives most challenges", total)
	}
	if c.Audit.Enabled && !c.Audit.DropIfFull {
		add("audit_blocking", "a slow audit sink will stall flow transitions")
	}
	if c.Metrics.EnableLatencyHistograms && !c.Metrics.Enabled {
		add("histograms_without_metrics", "latency histograms are ignored while metrics are disabled")
	}
	if c.OperationTimeout == 0 {
		add("operation_no_timeout", "provider calls are bounded only by the caller's context")
	}
	return ws
}

func isLoopbackURL(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	host := u.Hostname()
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
