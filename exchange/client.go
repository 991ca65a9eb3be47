package exchange

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/tidwall/gjson"
)

// Default endpoint paths.
const (
	DefaultBaseURL    = "http://localhost:8000"
	DefaultOTPPath    = "/auth/customer/otp"
	DefaultOAuthPath  = "/auth/customer/oauth"
	DefaultEmailPath  = "/auth/customer/login"
	maxErrorBodyBytes = 64 << 10
)

// Config configures a Client. Zero values fall back to the defaults above.
type Config struct {
	BaseURL   string
	OTPPath   string
	OAuthPath string
	EmailPath string
	Timeout   time.Duration
	// HTTPClient overrides the transport. Timeout is ignored when set.
	HTTPClient *http.Client
	// OnResult, if set, observes every completed request.
	OnResult func(path string, status int, d time.Duration, err error)
}

// Client calls the backend exchange endpoints.
type Client struct {
	baseURL   string
	otpPath   string
	oauthPath string
	emailPath string
	http      *http.Client
	onResult  func(string, int, time.Duration, error)

	mu    sync.Mutex
	spent map[string]struct{}
}

// NewClient returns a Client for cfg.
func NewClient(cfg Config) *Client {
	c := &Client{
		baseURL:   strings.TrimRight(orDefault(cfg.BaseURL, DefaultBaseURL), "/"),
		otpPath:   orDefault(cfg.OTPPath, DefaultOTPPath),
		oauthPath: orDefault(cfg.OAuthPath, DefaultOAuthPath),
		emailPath: orDefault(cfg.EmailPath, DefaultEmailPath),
		http:      cfg.HTTPClient,
		onResult:  cfg.OnResult,
		spent:     make(map[string]struct{}),
	}
	if c.http == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 15 * time.Second
		}
		c.http = &http.Client{Timeout: timeout}
	}
	return c
}

func orDefault(v, d string) string {
	if strings.TrimSpace(v) == "" {
		return d
	}
	return v
}

// ExchangeOTPProof exchanges a verification proof token plus profile
// attributes for a User.
func (c *Client) ExchangeOTPProof(ctx context.Context, token string, attrs ProfileAttributes) (*User, error) {
	body, err := json.Marshal(otpRequest{Name: attrs.FullName})
	if err != nil {
		return nil, fmt.Errorf("encode otp request: %w", err)
	}
	return c.post(ctx, c.otpPath, token, body)
}

// ExchangeOAuthProof exchanges a third-party identity token for a User.
func (c *Client) ExchangeOAuthProof(ctx context.Context, token string) (*User, error) {
	return c.post(ctx, c.oauthPath, token, nil)
}

// ExchangeEmailProof exchanges an email sign-in token for an existing
// account's User.
func (c *Client) ExchangeEmailProof(ctx context.Context, token string) (*User, error) {
	return c.post(ctx, c.emailPath, token, nil)
}

// Spent reports whether token was rejected as unauthorized by this Client.
func (c *Client) Spent(token string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.spent[token]
	return ok
}

func (c *Client) markSpent(token string) {
	c.mu.Lock()
	c.spent[token] = struct{}{}
	c.mu.Unlock()
}

func (c *Client) post(ctx context.Context, path, token string, body []byte) (*User, error) {
	if token == "" {
		return nil, ErrEmptyToken
	}
	if c.Spent(token) {
		return nil, &Error{Kind: KindUnauthorized, Status: http.StatusUnauthorized, Detail: "Proof token already rejected"}
	}

	start := time.Now()
	user, status, err := c.do(ctx, path, token, body)
	if c.onResult != nil {
		c.onResult(path, status, time.Since(start), err)
	}
	if IsUnauthorized(err) {
		c.markSpent(token)
	}
	return user, err
}

func (c *Client) do(ctx context.Context, path, token string, body []byte) (*User, int, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, reader)
	if err != nil {
		return nil, 0, &Error{Kind: KindServerError, Err: fmt.Errorf("build exchange request: %w", err)}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, 0, &Error{Kind: KindServerError, Err: fmt.Errorf("exchange request: %w", err)}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
		return nil, resp.StatusCode, &Error{
			Kind:   kindForStatus(resp.StatusCode),
			Status: resp.StatusCode,
			Detail: detailFrom(raw),
		}
	}

	var user User
	if err := json.NewDecoder(resp.Body).Decode(&user); err != nil {
		return nil, resp.StatusCode, &Error{
			Kind:   KindServerError,
			Status: resp.StatusCode,
			Err:    fmt.Errorf("decode exchange response: %w", err),
		}
	}
	return &user, resp.StatusCode, nil
}

// detailFrom extracts the human-readable detail from an error body. FastAPI
// style validation errors carry a list; the first message is used.
func detailFrom(raw []byte) string {
	if !gjson.ValidBytes(raw) {
		return ""
	}
	d := gjson.GetBytes(raw, "detail")
	switch {
	case d.Type == gjson.String:
		return d.String()
	case d.IsArray():
		return d.Get("0.msg").String()
	}
	return ""
}
