package verification

import (
	"errors"
	"fmt"
)

var (
	// ErrSuperseded is returned when a start, resend or consume response
	// arrives after a newer challenge or Discard replaced the session, or
	// after the client was closed.
	ErrSuperseded = errors.New("verification: challenge superseded")
	// ErrNoTarget is returned by Resend before any challenge was started.
	ErrNoTarget = errors.New("verification: no challenge target")
	// ErrClosed is returned once Close has been called.
	ErrClosed = errors.New("verification: client closed")
)

// ChallengeReason is the closed taxonomy of issuance failures.
type ChallengeReason int

const (
	ReasonProviderUnavailable ChallengeReason = iota
	ReasonInvalidAddress
	ReasonRateLimited
)

func (r ChallengeReason) String() string {
	switch r {
	case ReasonInvalidAddress:
		return "invalid_address"
	case ReasonRateLimited:
		return "rate_limited"
	default:
		return "provider_unavailable"
	}
}

// ChallengeError reports a failed challenge issuance. It is recoverable by
// retrying or resending. Channel and Code pick the user-facing message.
type ChallengeError struct {
	Reason  ChallengeReason
	Channel Channel
	Code    string
	Err     error
}

func (e *ChallengeError) Error() string {
	switch e.Reason {
	case ReasonInvalidAddress:
		if e.Channel == ChannelEmail {
			return "Please enter a valid email address"
		}
		return "Invalid phone number format"
	case ReasonRateLimited:
		if e.Code == CodeQuotaExceeded {
			if e.Channel == ChannelEmail {
				return "Email quota exceeded. Please try again later"
			}
			return "SMS quota exceeded. Please try again later"
		}
		return "Too many attempts. Please try again later"
	}
	if e.Err != nil && e.Err.Error() != "" {
		return e.Err.Error()
	}
	return "Failed to send OTP"
}

func (e *ChallengeError) Unwrap() error { return e.Err }

// VerificationReason is the closed taxonomy of code-consumption failures.
type VerificationReason int

const (
	ReasonNoActiveSession VerificationReason = iota
	ReasonInvalidCode
	ReasonExpired
)

func (r VerificationReason) String() string {
	switch r {
	case ReasonInvalidCode:
		return "invalid_code"
	case ReasonExpired:
		return "expired"
	default:
		return "no_active_session"
	}
}

// VerificationError reports a failed code consumption. InvalidCode is
// recoverable by re-entering the code; Expired and NoActiveSession require a
// new challenge.
type VerificationError struct {
	Reason VerificationReason
	Err    error
}

func (e *VerificationError) Error() string {
	switch e.Reason {
	case ReasonInvalidCode:
		return "Invalid OTP. Please check and try again"
	case ReasonExpired:
		return "OTP has expired. Please request a new one"
	default:
		return "Please send OTP first"
	}
}

func (e *VerificationError) Unwrap() error { return e.Err }

// RequiresNewChallenge reports whether the failure can only be recovered
// from by issuing a fresh challenge.
func (e *VerificationError) RequiresNewChallenge() bool {
	return e.Reason != ReasonInvalidCode
}

// IsChallengeReason reports whether err is a ChallengeError with reason r.
func IsChallengeReason(err error, r ChallengeReason) bool {
	var ce *ChallengeError
	return errors.As(err, &ce) && ce.Reason == r
}

// IsVerificationReason reports whether err is a VerificationError with
// reason r.
func IsVerificationReason(err error, r VerificationReason) bool {
	var ve *VerificationError
	return errors.As(err, &ve) && ve.Reason == r
}

// ProviderError is the error shape challenge providers return. Code is a
// provider-specific identifier such as "too-many-requests".
type ProviderError struct {
	Code    string
	Message string
}

func (e *ProviderError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return fmt.Sprintf("provider error: %s", e.Code)
}

// Provider error codes understood by the mapping functions.
const (
	CodeInvalidPhoneNumber = "invalid-phone-number"
	CodeMissingPhoneNumber = "missing-phone-number"
	CodeInvalidEmail       = "invalid-email"
	CodeTooManyRequests    = "too-many-requests"
	CodeQuotaExceeded      = "quota-exceeded"
	CodeInvalidCode        = "invalid-verification-code"
	CodeCodeExpired        = "code-expired"
	CodeSessionExpired     = "session-expired"
	CodeAttemptsExceeded   = "attempts-exceeded"
	CodeUnavailable        = "unavailable"
)

func mapIssueError(err error, ch Channel) error {
	if err == nil {
		return nil
	}
	ce := &ChallengeError{Reason: ReasonProviderUnavailable, Channel: ch, Err: err}
	var pe *ProviderError
	if errors.As(err, &pe) {
		ce.Code = pe.Code
		switch pe.Code {
		case CodeInvalidPhoneNumber, CodeMissingPhoneNumber, CodeInvalidEmail:
			ce.Reason = ReasonInvalidAddress
		case CodeTooManyRequests, CodeQuotaExceeded:
			ce.Reason = ReasonRateLimited
		}
	}
	return ce
}

// mapConsumeError returns the mapped error and whether the session survives.
func mapConsumeError(err error) (error, bool) {
	var pe *ProviderError
	if errors.As(err, &pe) {
		switch pe.Code {
		case CodeInvalidCode:
			return &VerificationError{Reason: ReasonInvalidCode, Err: err}, true
		case CodeCodeExpired, CodeSessionExpired, CodeAttemptsExceeded:
			return &VerificationError{Reason: ReasonExpired, Err: err}, false
		}
	}
	// Transport-level failures leave the session in place so the user can
	// retry the same code.
	return err, true
}
