package verification

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/mimora/authflow/internal/clock"
)

// Channel is the contact medium a challenge is delivered over.
type Channel int

const (
	ChannelPhone Channel = iota
	ChannelEmail
)

func (c Channel) String() string {
	if c == ChannelEmail {
		return "email"
	}
	return "phone"
}

// Contact is the raw address a challenge is requested for.
type Contact struct {
	Channel     Channel
	Address     string
	CountryCode string
}

// Session is one outstanding challenge.
type Session struct {
	Handle  string
	Target  string
	Channel Channel
	SentAt  time.Time
}

// ChallengeProvider issues and consumes one-time-code challenges. Errors
// should be *ProviderError so they can be mapped onto the closed taxonomy.
type ChallengeProvider interface {
	IssueChallenge(ctx context.Context, target string) (handle string, err error)
	ConsumeChallenge(ctx context.Context, handle, code string) (proofToken string, err error)
}

// Config tunes a Client.
type Config struct {
	CooldownUnits      int
	CooldownUnit       time.Duration
	DefaultCountryCode string
	Clock              clock.Clock
}

// Client owns the single active Session and the resend Cooldown.
//
// Methods are safe for concurrent use. Provider calls are made without
// holding the client lock.
type Client struct {
	mu        sync.Mutex
	provider  ChallengeProvider
	clock     clock.Clock
	cooldown  *Cooldown
	defaultCC string

	session *Session
	target  *Contact
	gen     uint64
	closed  bool
}

// NewClient returns a Client issuing challenges through provider.
func NewClient(provider ChallengeProvider, cfg Config) *Client {
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.DefaultCountryCode == "" {
		cfg.DefaultCountryCode = "+91"
	}
	return &Client{
		provider:  provider,
		clock:     cfg.Clock,
		cooldown:  NewCooldown(cfg.Clock, cfg.CooldownUnits, cfg.CooldownUnit),
		defaultCC: cfg.DefaultCountryCode,
	}
}

// Cooldown exposes the resend timer.
func (c *Client) Cooldown() *Cooldown { return c.cooldown }

// CanResend reports whether Resend would issue a new challenge.
func (c *Client) CanResend() bool { return c.cooldown.CanResend() }

// Session returns the active session, if any.
func (c *Client) Session() (Session, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == nil {
		return Session{}, false
	}
	return *c.session, true
}

// Normalize returns the provider-facing address: phone numbers are prefixed
// with their country code, email addresses are trimmed and lower-cased.
func Normalize(contact Contact, defaultCountryCode string) string {
	addr := strings.TrimSpace(contact.Address)
	if contact.Channel == ChannelEmail {
		return strings.ToLower(addr)
	}

	var digits strings.Builder
	digits.Grow(len(addr))
	for i := 0; i < len(addr); i++ {
		if addr[i] >= '0' && addr[i] <= '9' {
			digits.WriteByte(addr[i])
		}
	}
	if strings.HasPrefix(addr, "+") {
		return "+" + digits.String()
	}

	cc := strings.TrimSpace(contact.CountryCode)
	if cc == "" {
		cc = defaultCountryCode
	}
	if !strings.HasPrefix(cc, "+") {
		cc = "+" + cc
	}
	return cc + digits.String()
}

// Start issues a challenge for contact. Any previous session is invalidated
// before the provider is called. On success the cool-down restarts.
func (c *Client) Start(ctx context.Context, contact Contact) (Session, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return Session{}, ErrClosed
	}
	c.gen++
	gen := c.gen
	c.session = nil
	target := contact
	c.target = &target
	c.mu.Unlock()

	c.cooldown.Stop()
	normalized := Normalize(contact, c.defaultCC)
	handle, err := c.provider.IssueChallenge(ctx, normalized)

	c.mu.Lock()
	if gen != c.gen || c.closed {
		c.mu.Unlock()
		return Session{}, ErrSuperseded
	}
	if err != nil {
		c.mu.Unlock()
		return Session{}, mapIssueError(err, contact.Channel)
	}
	s := &Session{
		Handle:  handle,
		Target:  normalized,
		Channel: contact.Channel,
		SentAt:  c.clock.Now(),
	}
	c.session = s
	out := *s
	c.mu.Unlock()

	c.cooldown.Start()
	return out, nil
}

// Resend re-issues a challenge to the last target. Before the cool-down has
// elapsed it is a no-op and reports false.
func (c *Client) Resend(ctx context.Context) (Session, bool, error) {
	if !c.cooldown.CanResend() {
		return Session{}, false, nil
	}
	c.mu.Lock()
	if c.target == nil {
		c.mu.Unlock()
		return Session{}, false, ErrNoTarget
	}
	target := *c.target
	c.mu.Unlock()

	s, err := c.Start(ctx, target)
	return s, true, err
}

// Consume submits code against the active session.
func (c *Client) Consume(ctx context.Context, code string) (string, error) {
	s, ok := c.Session()
	if !ok {
		return "", &VerificationError{Reason: ReasonNoActiveSession}
	}
	return c.ConsumeSession(ctx, s, code)
}

// ConsumeSession submits code against s, which must still be the active
// session. On success the session is discarded and the proof token
// returned.
func (c *Client) ConsumeSession(ctx context.Context, s Session, code string) (string, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return "", ErrClosed
	}
	if c.session == nil || c.session.Handle != s.Handle {
		c.mu.Unlock()
		return "", &VerificationError{Reason: ReasonNoActiveSession}
	}
	gen := c.gen
	handle := c.session.Handle
	c.mu.Unlock()

	token, err := c.provider.ConsumeChallenge(ctx, handle, code)

	c.mu.Lock()
	if gen != c.gen || c.closed {
		c.mu.Unlock()
		return "", ErrSuperseded
	}
	if c.session == nil || c.session.Handle != handle {
		c.mu.Unlock()
		return "", &VerificationError{Reason: ReasonNoActiveSession}
	}
	if err != nil {
		mapped, keep := mapConsumeError(err)
		if !keep {
			c.session = nil
		}
		c.mu.Unlock()
		return "", mapped
	}
	c.session = nil
	c.mu.Unlock()

	c.cooldown.Stop()
	return token, nil
}

// Discard drops the active session and stops the cool-down, e.g. when the
// user switches contact method.
func (c *Client) Discard() {
	c.mu.Lock()
	c.gen++
	c.session = nil
	c.target = nil
	c.mu.Unlock()

	c.cooldown.Stop()
}

// Close discards state and cancels the timer. Results of calls still in
// flight are dropped.
func (c *Client) Close() {
	c.mu.Lock()
	c.closed = true
	c.gen++
	c.session = nil
	c.mu.Unlock()

	c.cooldown.Stop()
}
