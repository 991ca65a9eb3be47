package authflow

import (
	"strings"

	"github.com/mimora/authflow/validate"
	"github.com/mimora/authflow/verification"
)

// Step identifies the active screen of a flow. Exactly one step is active at
// a time and StepSuccess is terminal.
type Step int

const (
	StepProfileSelection Step = iota
	StepCreateAccount
	StepSignupCustomerPhone
	StepSignupCustomerEmail
	StepLoginEmail
	StepLoginPhone
	StepOTPVerification
	StepSuccess
)

var stepNames = [...]string{
	StepProfileSelection:    "profile-selection",
	StepCreateAccount:       "create-account",
	StepSignupCustomerPhone: "signup-customer",
	StepSignupCustomerEmail: "signup-customer-email",
	StepLoginEmail:          "login-email",
	StepLoginPhone:          "login-phone",
	StepOTPVerification:     "otp-verification",
	StepSuccess:             "success",
}

func (s Step) String() string {
	if s < 0 || int(s) >= len(stepNames) {
		return "unknown"
	}
	return stepNames[s]
}

// Valid reports whether s names a known step.
func (s Step) Valid() bool {
	return s >= StepProfileSelection && s <= StepSuccess
}

// ParseStep is the inverse of Step.String.
func ParseStep(v string) (Step, bool) {
	for i, name := range stepNames {
		if name == v {
			return Step(i), true
		}
	}
	return 0, false
}

// ProfileType is the kind of account being created or signed into.
type ProfileType int

const (
	ProfileNone ProfileType = iota
	ProfileCustomer
	ProfileProvider
)

func (p ProfileType) String() string {
	switch p {
	case ProfileCustomer:
		return "customer"
	case ProfileProvider:
		return "provider"
	default:
		return ""
	}
}

// AuthMethod selects the authoritative contact channel of the current attempt.
type AuthMethod int

const (
	MethodNone AuthMethod = iota
	MethodEmail
	MethodPhone
)

func (m AuthMethod) String() string {
	switch m {
	case MethodEmail:
		return "email"
	case MethodPhone:
		return "phone"
	default:
		return ""
	}
}

func (m AuthMethod) channel() verification.Channel {
	if m == MethodEmail {
		return verification.ChannelEmail
	}
	return verification.ChannelPhone
}

func (m AuthMethod) field() validate.Field {
	if m == MethodEmail {
		return validate.FieldEmail
	}
	return validate.FieldPhone
}

// Field aliases the validated form inputs so hosts need not import validate.
type Field = validate.Field

const (
	FieldFullName = validate.FieldFullName
	FieldEmail    = validate.FieldEmail
	FieldPhone    = validate.FieldPhone
	FieldCode     = validate.FieldCode
)

// CodeLength is the number of digits in a verification code.
const CodeLength = validate.CodeLength

// FormData is the in-progress input of a flow. It survives every
// navigation, including history pops, and is only reset by Reset or, for
// Code, by sending a new challenge.
type FormData struct {
	FullName    string
	Email       string
	Phone       string
	CountryCode string
	Code        [CodeLength]string
}

// CodeString joins the code digits.
func (f FormData) CodeString() string {
	return strings.Join(f.Code[:], "")
}

func (f FormData) codeSlice() []string {
	return f.Code[:]
}

// FlowState is a point-in-time copy of a controller's state.
type FlowState struct {
	Step          Step
	ProfileType   ProfileType
	AuthMethod    AuthMethod
	Form          FormData
	EmailVerified bool
	PhoneVerified bool
}

func initialState(countryCode string) FlowState {
	return FlowState{
		Step: StepProfileSelection,
		Form: FormData{CountryCode: countryCode},
	}
}

// HistoryEntry is the payload carried by one navigation history entry.
type HistoryEntry struct {
	Step Step
	Path string
}
