package oauth

import (
	"context"
	"errors"
)

var (
	// ErrCancelled means the user dismissed or abandoned the sign-in.
	ErrCancelled = errors.New("Sign-in cancelled")
	// ErrPopupBlocked means the sign-in window could not be opened.
	ErrPopupBlocked = errors.New("Popup blocked. Please allow popups for this site")
	// ErrUnauthorizedDomain means the provider refused this client or
	// redirect origin.
	ErrUnauthorizedDomain = errors.New("This domain is not authorized for sign-in")
	// ErrStateMismatch means the redirect did not belong to this sign-in.
	ErrStateMismatch = errors.New("oauth: state mismatch")
	// ErrNoProofToken means the provider returned neither an ID token nor an
	// access token.
	ErrNoProofToken = errors.New("oauth: provider returned no token")
)

// DefaultFailureMessage is shown when a provider error carries no text.
const DefaultFailureMessage = "Failed to sign in"

// Result is a completed third-party sign-in.
type Result struct {
	ProofToken  string
	Email       string
	DisplayName string
}

// Provider runs one interactive sign-in.
type Provider interface {
	SignIn(ctx context.Context) (Result, error)
}

// ProviderFunc adapts a function to Provider.
type ProviderFunc func(ctx context.Context) (Result, error)

func (f ProviderFunc) SignIn(ctx context.Context) (Result, error) { return f(ctx) }

// MessageFor returns the user-facing text for a sign-in failure.
func MessageFor(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrCancelled):
		return ErrCancelled.Error()
	case errors.Is(err, ErrPopupBlocked):
		return ErrPopupBlocked.Error()
	case errors.Is(err, ErrUnauthorizedDomain):
		return ErrUnauthorizedDomain.Error()
	case err.Error() != "":
		return err.Error()
	}
	return DefaultFailureMessage
}
