package authflow

import "github.com/mimora/authflow/exchange"

// View is the view-model of the active step. Its dynamic type is exactly
// one of the *View structs below; hosts select a renderer with a type
// switch.
type View interface {
	Step() Step
	isView()
}

// Common carries what every non-terminal view shows.
type Common struct {
	// Errors holds the rejection reasons of touched fields.
	Errors map[Field]string
	// FlowError is the display-only message of the last failed attempt.
	FlowError string
	Busy      bool
	// OAuthAvailable reports whether third-party sign-in is offered.
	OAuthAvailable bool
}

// CodeEntry describes the code input shown once a challenge was sent.
type CodeEntry struct {
	Sent     bool
	Code     [CodeLength]string
	Cooldown CooldownStatus
}

type ProfileSelectionView struct {
	Common
	Selected    ProfileType
	CanContinue bool
}

type CreateAccountView struct {
	Common
	FullName    string
	CountryCode string
	Phone       string
}

// SignupView serves both customer signup steps; Method tells which contact
// field is shown.
type SignupView struct {
	Common
	Method      AuthMethod
	FullName    string
	Email       string
	CountryCode string
	Phone       string
	CodeEntry
	Verified bool
}

type LoginView struct {
	Common
	Method      AuthMethod
	Email       string
	CountryCode string
	Phone       string
	CodeEntry
}

type OTPVerificationView struct {
	Common
	Method      AuthMethod
	FullName    string
	Email       string
	CountryCode string
	Phone       string
	CodeEntry
	// Verified is the "Verified" affordance of the active channel. It is a
	// UI hint, never proof of a backend session.
	Verified bool
}

type SuccessView struct {
	User *exchange.User
}

func (ProfileSelectionView) Step() Step { return StepProfileSelection }
func (CreateAccountView) Step() Step    { return StepCreateAccount }
func (v SignupView) Step() Step {
	if v.Method == MethodEmail {
		return StepSignupCustomerEmail
	}
	return StepSignupCustomerPhone
}
func (v LoginView) Step() Step {
	if v.Method == MethodEmail {
		return StepLoginEmail
	}
	return StepLoginPhone
}
func (OTPVerificationView) Step() Step { return StepOTPVerification }
func (SuccessView) Step() Step         { return StepSuccess }

func (ProfileSelectionView) isView() {}
func (CreateAccountView) isView()    {}
func (SignupView) isView()           {}
func (LoginView) isView()            {}
func (OTPVerificationView) isView()  {}
func (SuccessView) isView()          {}

// View builds the view-model of the active step.
func (c *Controller) View() View {
	cooldown := c.Cooldown()

	c.mu.Lock()
	defer c.mu.Unlock()

	s := c.state
	common := Common{
		Errors:         c.fieldErrorsLocked(),
		FlowError:      c.err,
		Busy:           c.busy,
		OAuthAvailable: c.engine.oauth != nil,
	}
	entry := CodeEntry{
		Sent:     c.codeStageLocked(),
		Code:     s.Form.Code,
		Cooldown: cooldown,
	}

	switch s.Step {
	case StepProfileSelection:
		return ProfileSelectionView{
			Common:      common,
			Selected:    s.ProfileType,
			CanContinue: s.ProfileType != ProfileNone,
		}
	case StepCreateAccount:
		return CreateAccountView{
			Common:      common,
			FullName:    s.Form.FullName,
			CountryCode: s.Form.CountryCode,
			Phone:       s.Form.Phone,
		}
	case StepSignupCustomerPhone, StepSignupCustomerEmail:
		method := MethodPhone
		verified := s.PhoneVerified
		if s.Step == StepSignupCustomerEmail {
			method = MethodEmail
			verified = s.EmailVerified
		}
		return SignupView{
			Common:      common,
			Method:      method,
			FullName:    s.Form.FullName,
			Email:       s.Form.Email,
			CountryCode: s.Form.CountryCode,
			Phone:       s.Form.Phone,
			CodeEntry:   entry,
			Verified:    verified,
		}
	case StepLoginEmail, StepLoginPhone:
		method := MethodPhone
		if s.Step == StepLoginEmail {
			method = MethodEmail
		}
		return LoginView{
			Common:      common,
			Method:      method,
			Email:       s.Form.Email,
			CountryCode: s.Form.CountryCode,
			Phone:       s.Form.Phone,
			CodeEntry:   entry,
		}
	case StepOTPVerification:
		method := c.methodLocked()
		verified := s.PhoneVerified
		if method == MethodEmail {
			verified = s.EmailVerified
		}
		return OTPVerificationView{
			Common:      common,
			Method:      method,
			FullName:    s.Form.FullName,
			Email:       s.Form.Email,
			CountryCode: s.Form.CountryCode,
			Phone:       s.Form.Phone,
			CodeEntry:   entry,
			Verified:    verified,
		}
	default:
		return SuccessView{User: c.user.Clone()}
	}
}
