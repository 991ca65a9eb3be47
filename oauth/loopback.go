package oauth

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"github.com/skratchdot/open-golang/open"
	"golang.org/x/oauth2"
)

const (
	defaultListenAddr   = "127.0.0.1:0"
	defaultCallbackPath = "/oauth2callback"
	defaultTimeout      = 5 * time.Minute
)

// LoopbackConfig configures a LoopbackProvider.
type LoopbackConfig struct {
	// OAuth2 supplies the client ID, endpoints and scopes. RedirectURL is
	// overwritten with the loopback listener's address.
	OAuth2 oauth2.Config
	// ListenAddr defaults to an ephemeral port on 127.0.0.1.
	ListenAddr   string
	CallbackPath string
	// Timeout bounds the wait for the browser redirect. Expiry is reported
	// as ErrCancelled.
	Timeout time.Duration
	// UserInfoURL is queried with the access token when the token response
	// carries no id_token.
	UserInfoURL string
	// Open launches the browser. Defaults to open.Run.
	Open   func(url string) error
	Logger log.FieldLogger
}

// LoopbackProvider signs in through the system browser using the
// authorization-code flow with PKCE (S256).
type LoopbackProvider struct {
	cfg LoopbackConfig
}

// NewLoopbackProvider returns a LoopbackProvider for cfg.
func NewLoopbackProvider(cfg LoopbackConfig) *LoopbackProvider {
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = defaultListenAddr
	}
	if cfg.CallbackPath == "" {
		cfg.CallbackPath = defaultCallbackPath
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.Open == nil {
		cfg.Open = open.Run
	}
	if cfg.Logger == nil {
		cfg.Logger = log.StandardLogger()
	}
	if len(cfg.OAuth2.Scopes) == 0 {
		cfg.OAuth2.Scopes = []string{"openid", "email", "profile"}
	}
	return &LoopbackProvider{cfg: cfg}
}

type callback struct {
	code string
	err  error
}

// SignIn blocks until the redirect arrives, the timeout expires or ctx is
// done.
func (p *LoopbackProvider) SignIn(ctx context.Context) (Result, error) {
	ln, err := net.Listen("tcp", p.cfg.ListenAddr)
	if err != nil {
		return Result{}, fmt.Errorf("oauth: listen for callback: %w", err)
	}

	conf := p.cfg.OAuth2
	conf.RedirectURL = fmt.Sprintf("http://%s%s", ln.Addr().String(), p.cfg.CallbackPath)
	state := uuid.NewString()
	verifier := oauth2.GenerateVerifier()

	results := make(chan callback, 1)
	mux := http.NewServeMux()
	mux.HandleFunc(p.cfg.CallbackPath, func(w http.ResponseWriter, r *http.Request) {
		cb := parseCallback(r, state)
		if cb.err != nil {
			_, _ = fmt.Fprintf(w, "Sign-in failed: %s", MessageFor(cb.err))
		} else {
			_, _ = fmt.Fprint(w, "<html><body><h1>Signed in</h1><p>You can close this window.</p></body></html>")
		}
		select {
		case results <- cb:
		default:
		}
	})
	server := &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			p.cfg.Logger.WithError(err).Error("oauth callback server failed")
		}
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	authURL := conf.AuthCodeURL(state, oauth2.S256ChallengeOption(verifier))
	if err := p.cfg.Open(authURL); err != nil {
		p.cfg.Logger.WithError(err).Warn("could not open browser for sign-in")
		return Result{}, fmt.Errorf("%w: %v", ErrPopupBlocked, err)
	}
	p.cfg.Logger.Debug("waiting for sign-in callback")

	timer := time.NewTimer(p.cfg.Timeout)
	defer timer.Stop()

	var code string
	select {
	case cb := <-results:
		if cb.err != nil {
			return Result{}, cb.err
		}
		code = cb.code
	case <-timer.C:
		return Result{}, fmt.Errorf("%w: timed out waiting for callback", ErrCancelled)
	case <-ctx.Done():
		return Result{}, fmt.Errorf("%w: %v", ErrCancelled, ctx.Err())
	}

	token, err := conf.Exchange(ctx, code, oauth2.VerifierOption(verifier))
	if err != nil {
		return Result{}, fmt.Errorf("oauth: exchange code: %w", err)
	}
	return p.result(ctx, &conf, token)
}

func parseCallback(r *http.Request, state string) callback {
	q := r.URL.Query()
	if e := q.Get("error"); e != "" {
		switch e {
		case "access_denied":
			return callback{err: ErrCancelled}
		case "unauthorized_client", "invalid_client", "redirect_uri_mismatch":
			return callback{err: ErrUnauthorizedDomain}
		}
		return callback{err: fmt.Errorf("oauth: provider error: %s", e)}
	}
	if q.Get("state") != state {
		return callback{err: ErrStateMismatch}
	}
	code := q.Get("code")
	if code == "" {
		return callback{err: errors.New("oauth: code not found in callback")}
	}
	return callback{code: code}
}

func (p *LoopbackProvider) result(ctx context.Context, conf *oauth2.Config, token *oauth2.Token) (Result, error) {
	if idToken, _ := token.Extra("id_token").(string); idToken != "" {
		prof, err := ProfileFromIDToken(idToken)
		if err != nil {
			return Result{}, err
		}
		return Result{ProofToken: idToken, Email: prof.Email, DisplayName: prof.DisplayName}, nil
	}
	if token.AccessToken == "" {
		return Result{}, ErrNoProofToken
	}

	res := Result{ProofToken: token.AccessToken}
	if p.cfg.UserInfoURL == "" {
		return res, nil
	}
	prof, err := p.userInfo(ctx, conf, token)
	if err != nil {
		p.cfg.Logger.WithError(err).Warn("userinfo lookup failed")
		return res, nil
	}
	res.Email, res.DisplayName = prof.Email, prof.DisplayName
	return res, nil
}

func (p *LoopbackProvider) userInfo(ctx context.Context, conf *oauth2.Config, token *oauth2.Token) (Profile, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.cfg.UserInfoURL, nil)
	if err != nil {
		return Profile{}, err
	}
	resp, err := conf.Client(ctx, token).Do(req)
	if err != nil {
		return Profile{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return Profile{}, fmt.Errorf("userinfo returned %s", resp.Status)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Profile{}, err
	}
	return ProfileFromUserInfo(body)
}
