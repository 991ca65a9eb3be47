package authflow

import "errors"

var (
	// ErrControllerClosed is returned by every operation after Close.
	ErrControllerClosed = errors.New("controller is closed")
	// ErrEngineClosed is returned by NewFlow after Engine.Close.
	ErrEngineClosed = errors.New("engine is closed")
	// ErrProfileRequired is returned by GetStarted before a profile is chosen.
	ErrProfileRequired = errors.New("profile type is required")
	// ErrInvalidStep is returned when an operation is not available on the
	// active step.
	ErrInvalidStep = errors.New("operation not available on current step")
	// ErrInvalidCodeIndex is returned by SetCodeDigit for an out-of-range position.
	ErrInvalidCodeIndex = errors.New("code digit index out of range")
	// ErrHistoryRequired is returned by NewFlow without a history port.
	ErrHistoryRequired = errors.New("history is required")
	// ErrProviderRequired is returned by Build without a challenge provider.
	ErrProviderRequired = errors.New("challenge provider is required")
	// ErrOAuthNotConfigured is returned by SignInWithProvider when the engine
	// was built without a third-party provider.
	ErrOAuthNotConfigured = errors.New("third-party sign-in is not configured")
	// ErrBuilderUsed is returned by a second call to Build.
	ErrBuilderUsed = errors.New("builder already used")
)

// ValidationError reports a rejected field. It is always recoverable and is
// surfaced inline, never logged as a failure.
type ValidationError struct {
	Field   Field
	Message string
}

func (e *ValidationError) Error() string {
	return string(e.Field) + ": " + e.Message
}
