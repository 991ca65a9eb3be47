package exchange

import (
	"errors"
	"net/http"
)

// Kind classifies exchange failures.
type Kind int

const (
	// KindServerError covers transport failures and any non-2xx status not
	// mapped below. Retrying may succeed.
	KindServerError Kind = iota
	// KindUnauthorized means the proof token was rejected. It is spent.
	KindUnauthorized
	// KindConflict means the backend refused the account state. Retrying
	// may succeed.
	KindConflict
)

func (k Kind) String() string {
	switch k {
	case KindUnauthorized:
		return "unauthorized"
	case KindConflict:
		return "conflict"
	default:
		return "server_error"
	}
}

// DefaultErrorMessage is used when the backend supplies no detail.
const DefaultErrorMessage = "Request failed"

// ErrEmptyToken is returned before any request when the proof token is empty.
var ErrEmptyToken = errors.New("exchange: empty proof token")

// Error is a failed exchange.
type Error struct {
	Kind   Kind
	Status int
	Detail string
	Err    error
}

// Error returns the backend detail verbatim when one was provided.
func (e *Error) Error() string {
	if e.Detail != "" {
		return e.Detail
	}
	return DefaultErrorMessage
}

func (e *Error) Unwrap() error { return e.Err }

// Retryable reports whether the same token may be presented again.
func (e *Error) Retryable() bool { return e.Kind != KindUnauthorized }

// IsUnauthorized reports whether err is an unauthorized exchange failure.
func IsUnauthorized(err error) bool { return IsKind(err, KindUnauthorized) }

// IsKind reports whether err is an *Error of kind k.
func IsKind(err error, k Kind) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == k
}

func kindForStatus(status int) Kind {
	switch status {
	case http.StatusUnauthorized, http.StatusForbidden:
		return KindUnauthorized
	case http.StatusConflict:
		return KindConflict
	default:
		return KindServerError
	}
}
