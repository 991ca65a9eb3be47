package authflow

import (
	"context"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/mimora/authflow/exchange"
	"github.com/mimora/authflow/validate"
	"github.com/mimora/authflow/verification"
)

// Controller drives one flow session: the step state machine, its form
// data, the pending challenge and the history entries it pushes.
//
// Methods are safe for concurrent use. The state lock is never held across
// provider or network calls; an operation started before Reset or Close
// has its result discarded. Only one challenge, verification or sign-in
// operation runs at a time; further submits while one is in flight are
// ignored.
//
// Operations return an error only for misuse, such as calling them on a
// closed controller or on a step that does not offer them. User-facing
// failures are reported through FieldErrors and Err.
type Controller struct {
	engine      *Engine
	id          string
	logger      log.FieldLogger
	history     History
	unsubscribe func()
	verifier    *verification.Client
	policies    validate.PhonePolicies
	blocklist   []string

	life   context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	state   FlowState
	touched validate.Touched
	err     string
	user    *exchange.User
	busy    bool
	epoch   uint64
	closed  bool

	// pending is set while a challenge issued for pendingStep awaits a code.
	pending     bool
	pendingStep Step
	// proof holds a consumed proof token whose exchange has not yet
	// succeeded, so a retryable exchange failure does not burn the code.
	proof     string
	proofStep Step

	listenMu sync.Mutex
	listener func()
}

func newController(e *Engine, id string, history History) *Controller {
	cfg := e.config
	c := &Controller{
		engine:  e,
		id:      id,
		logger:  e.logger.WithField("flow_id", id),
		history: history,
		verifier: verification.NewClient(e.provider, verification.Config{
			CooldownUnits:      cfg.Verification.CooldownUnits,
			CooldownUnit:       cfg.Verification.CooldownUnit,
			DefaultCountryCode: cfg.Verification.DefaultCountryCode,
			Clock:              e.clock,
		}),
		policies:  cfg.Validation.PhonePolicies,
		blocklist: cfg.Validation.CodeBlocklist,
		state:     initialState(cfg.Verification.DefaultCountryCode),
	}
	if c.policies == nil {
		c.policies = validate.DefaultPhonePolicies()
	}
	c.life, c.cancel = context.WithCancel(context.Background())
	c.verifier.Cooldown().OnChange(func(verification.CooldownState, int) { c.notify() })

	history.ReplaceStep(c.entry(StepProfileSelection))
	c.unsubscribe = history.OnPopStep(c.onPop)
	return c
}

// ID identifies the flow in logs and audit events.
func (c *Controller) ID() string { return c.id }

// OnChange registers f to be called after every state change, including
// cool-down ticks. f runs without any controller lock held and may call
// back into the controller.
func (c *Controller) OnChange(f func()) {
	c.listenMu.Lock()
	c.listener = f
	c.listenMu.Unlock()
}

func (c *Controller) notify() {
	c.listenMu.Lock()
	f := c.listener
	c.listenMu.Unlock()
	if f != nil {
		f()
	}
}

// State returns a copy of the flow state.
func (c *Controller) State() FlowState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Err returns the flow-level error message of the last attempt. It is
// cleared when the next attempt starts.
func (c *Controller) Err() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// User returns the signed-in user once the flow reached StepSuccess.
func (c *Controller) User() *exchange.User {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.user.Clone()
}

// Busy reports whether an operation is in flight.
func (c *Controller) Busy() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.busy
}

// CodeSent reports whether the active step is waiting for a code.
func (c *Controller) CodeSent() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.codeStageLocked()
}

// CooldownStatus is a snapshot of the resend timer.
type CooldownStatus struct {
	State     verification.CooldownState
	Remaining int
	Display   string
	CanResend bool
}

func (c *Controller) Cooldown() CooldownStatus {
	cd := c.verifier.Cooldown()
	state, remaining := cd.State(), cd.Remaining()
	return CooldownStatus{
		State:     state,
		Remaining: remaining,
		Display:   verification.FormatRemaining(remaining),
		CanResend: state == verification.CooldownExpired,
	}
}

// FieldErrors returns the rejection reasons of the touched fields shown on
// the active step.
func (c *Controller) FieldErrors() map[Field]string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.fieldErrorsLocked()
}

func (c *Controller) fieldErrorsLocked() map[Field]string {
	out := make(map[Field]string, 4)
	for _, f := range c.visibleFieldsLocked() {
		if msg := c.touched.Display(f, c.checkLocked(f)); msg != "" {
			out[f] = msg
		}
	}
	return out
}

func (c *Controller) visibleFieldsLocked() []Field {
	var fields []Field
	switch c.state.Step {
	case StepCreateAccount:
		fields = []Field{FieldFullName, FieldPhone}
	case StepSignupCustomerPhone:
		fields = []Field{FieldFullName, FieldPhone}
	case StepSignupCustomerEmail:
		fields = []Field{FieldFullName, FieldEmail}
	case StepLoginEmail:
		fields = []Field{FieldEmail}
	case StepLoginPhone:
		fields = []Field{FieldPhone}
	case StepOTPVerification:
		if !c.codeStageLocked() {
			fields = []Field{c.methodLocked().field()}
		}
	default:
		return nil
	}
	if c.codeStageLocked() {
		fields = append(fields, FieldCode)
	}
	return fields
}

// checkLocked runs the validator of f against the current form.
func (c *Controller) checkLocked(f Field) string {
	form := &c.state.Form
	switch f {
	case FieldFullName:
		return validate.Name(form.FullName)
	case FieldEmail:
		return validate.Email(form.Email)
	case FieldPhone:
		return c.policies.PhoneFor(form.CountryCode, form.Phone)
	case FieldCode:
		return validate.SubmitCode(form.codeSlice(), c.blocklist)
	}
	return ""
}

/*
====================================
FIELD INPUT
====================================
*/

func (c *Controller) SelectProfile(p ProfileType) error {
	return c.mutate(func() error {
		if c.state.Step != StepProfileSelection {
			return ErrInvalidStep
		}
		c.state.ProfileType = p
		return nil
	})
}

func (c *Controller) SetFullName(v string) error {
	return c.mutate(func() error { c.state.Form.FullName = v; return nil })
}

func (c *Controller) SetEmail(v string) error {
	return c.mutate(func() error { c.state.Form.Email = v; return nil })
}

func (c *Controller) SetPhone(v string) error {
	return c.mutate(func() error { c.state.Form.Phone = v; return nil })
}

func (c *Controller) SetCountryCode(v string) error {
	return c.mutate(func() error { c.state.Form.CountryCode = v; return nil })
}

// SetCode replaces the code digits. Positions beyond CodeLength are
// ignored, missing ones are cleared. Editing the code marks it touched.
func (c *Controller) SetCode(code []string) error {
	return c.mutate(func() error {
		var next [CodeLength]string
		copy(next[:], code)
		c.state.Form.Code = next
		c.touched.Touch(FieldCode)
		return nil
	})
}

func (c *Controller) SetCodeDigit(i int, d string) error {
	return c.mutate(func() error {
		if i < 0 || i >= CodeLength {
			return ErrInvalidCodeIndex
		}
		c.state.Form.Code[i] = d
		c.touched.Touch(FieldCode)
		return nil
	})
}

// Blur marks f touched so its rejection reason becomes visible.
func (c *Controller) Blur(f Field) error {
	return c.mutate(func() error { c.touched.Touch(f); return nil })
}

func (c *Controller) mutate(f func() error) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrControllerClosed
	}
	err := f()
	c.mu.Unlock()

	if err == nil {
		c.notify()
	}
	return err
}

/*
====================================
NAVIGATION
====================================
*/

// GetStarted leaves profile selection: customers go to phone login,
// providers to account creation.
func (c *Controller) GetStarted() error {
	return c.mutate(func() error {
		if c.state.Step != StepProfileSelection {
			return ErrInvalidStep
		}
		switch c.state.ProfileType {
		case ProfileCustomer:
			c.state.AuthMethod = MethodPhone
			c.transitionLocked(StepLoginPhone)
		case ProfileProvider:
			c.state.AuthMethod = MethodPhone
			c.transitionLocked(StepCreateAccount)
		default:
			return ErrProfileRequired
		}
		return nil
	})
}

func (c *Controller) GoToCreateAccount() error {
	return c.navigate(StepCreateAccount, MethodPhone)
}

func (c *Controller) GoToCustomerSignup() error {
	return c.navigate(StepSignupCustomerPhone, MethodPhone)
}

func (c *Controller) GoToCustomerEmailSignup() error {
	return c.navigate(StepSignupCustomerEmail, MethodEmail)
}

// GoToLogin opens the login step of method, email when none is given.
func (c *Controller) GoToLogin(method AuthMethod) error {
	if method == MethodPhone {
		return c.navigate(StepLoginPhone, MethodPhone)
	}
	return c.navigate(StepLoginEmail, MethodEmail)
}

func (c *Controller) navigate(to Step, method AuthMethod) error {
	return c.mutate(func() error {
		if c.state.Step == StepSuccess {
			return ErrInvalidStep
		}
		if c.state.Step != to {
			c.abandonLocked()
		}
		c.err = ""
		c.state.AuthMethod = method
		c.transitionLocked(to)
		return nil
	})
}

// SwitchLoginMethod toggles between email and phone login. Entered values
// survive; the touched state of the channel being left and any pending
// challenge are dropped.
func (c *Controller) SwitchLoginMethod() error {
	err := c.mutate(func() error {
		var to Step
		switch c.state.Step {
		case StepLoginEmail:
			to = StepLoginPhone
		case StepLoginPhone:
			to = StepLoginEmail
		default:
			return ErrInvalidStep
		}
		left := c.methodLocked()
		c.touched.Clear(left.field())
		c.abandonLocked()
		c.dropChallengeLocked()
		c.err = ""
		if to == StepLoginEmail {
			c.state.AuthMethod = MethodEmail
		} else {
			c.state.AuthMethod = MethodPhone
		}
		c.transitionLocked(to)
		return nil
	})
	if err != nil {
		return err
	}
	c.verifier.Discard()
	return nil
}

// SwitchVerificationMethod flips the channel verified on the OTP step. The
// pending challenge is discarded; the next Submit sends one to the other
// channel.
func (c *Controller) SwitchVerificationMethod() error {
	err := c.mutate(func() error {
		if c.state.Step != StepOTPVerification {
			return ErrInvalidStep
		}
		if c.methodLocked() == MethodEmail {
			c.state.AuthMethod = MethodPhone
		} else {
			c.state.AuthMethod = MethodEmail
		}
		c.abandonLocked()
		c.dropChallengeLocked()
		c.err = ""
		return nil
	})
	if err != nil {
		return err
	}
	c.verifier.Discard()
	return nil
}

// onPop restores the step of a history entry. It does not validate, push
// or start any I/O; form data is already live.
func (c *Controller) onPop(entry HistoryEntry) {
	c.mu.Lock()
	if c.closed || !entry.Step.Valid() {
		c.mu.Unlock()
		return
	}
	from := c.state.Step
	if entry.Step != from {
		c.abandonLocked()
	}
	c.state.Step = entry.Step
	c.err = ""
	c.mu.Unlock()

	c.engine.metricInc(MetricHistoryPop)
	c.logger.WithFields(log.Fields{"from": from.String(), "to": entry.Step.String()}).Debug("history pop")
	c.notify()
}

func (c *Controller) transitionLocked(to Step) {
	from := c.state.Step
	if from == to {
		return
	}
	c.state.Step = to
	c.history.PushStep(c.entry(to))
	c.logger.WithFields(log.Fields{"from": from.String(), "to": to.String()}).Debug("step transition")
}

func (c *Controller) entry(step Step) HistoryEntry {
	return HistoryEntry{Step: step, Path: c.engine.config.History.Path}
}

// methodLocked returns the authoritative channel, phone when unset.
func (c *Controller) methodLocked() AuthMethod {
	if c.state.AuthMethod == MethodEmail {
		return MethodEmail
	}
	return MethodPhone
}

func (c *Controller) codeStageLocked() bool {
	step := c.state.Step
	return (c.pending && c.pendingStep == step) || (c.proof != "" && c.proofStep == step)
}

// dropChallengeLocked forgets the pending challenge and the entered code.
// The caller discards the verifier session after unlocking.
func (c *Controller) dropChallengeLocked() {
	c.pending = false
	c.proof = ""
	c.clearCodeLocked()
}

func (c *Controller) clearCodeLocked() {
	c.state.Form.Code = [CodeLength]string{}
	c.touched.Clear(FieldCode)
}

/*
====================================
LIFECYCLE
====================================
*/

// Reset returns the flow to profile selection with empty form data.
// Results of operations still in flight are discarded.
func (c *Controller) Reset() error {
	err := c.mutate(func() error {
		c.epoch++
		c.busy = false
		c.err = ""
		c.user = nil
		c.pending = false
		c.proof = ""
		c.touched.Reset()
		step := c.state.Step
		c.state = initialState(c.engine.config.Verification.DefaultCountryCode)
		c.state.Step = step
		c.transitionLocked(StepProfileSelection)
		return nil
	})
	if err != nil {
		return err
	}
	c.verifier.Discard()
	return nil
}

// Close cancels the resend timer and in-flight calls, unsubscribes from
// history and detaches from the engine. It is idempotent.
func (c *Controller) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.epoch++
	c.busy = false
	c.mu.Unlock()

	c.cancel()
	c.verifier.Close()
	if c.unsubscribe != nil {
		c.unsubscribe()
	}
	c.engine.release(c)
	c.logger.Debug("flow closed")
}

/*
====================================
OPERATION BOOKKEEPING
====================================
*/

// beginLocked marks an operation in flight and clears the flow error. It
// returns false when another operation is running.
func (c *Controller) beginLocked() (uint64, bool) {
	if c.busy {
		return 0, false
	}
	c.busy = true
	c.err = ""
	return c.epoch, true
}

// abandonLocked makes the result of the in-flight operation, if any, stale.
// Navigation away from the step it was started on calls it.
func (c *Controller) abandonLocked() {
	if c.busy {
		c.epoch++
		c.busy = false
	}
}

// currentLocked reports whether results of the operation begun at epoch
// may still be applied, and ends the operation if so.
func (c *Controller) currentLocked(epoch uint64) bool {
	if c.closed || c.epoch != epoch {
		return false
	}
	c.busy = false
	return true
}

func (c *Controller) discardStale(op string) {
	c.engine.metricInc(MetricStaleResultDiscarded)
	c.logger.WithField("operation", op).Debug("discarding result of superseded operation")
}

// opContext derives the context of one provider or network call. It is
// cancelled by Close and bounded by OperationTimeout.
func (c *Controller) opContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	var cancel context.CancelFunc
	if t := c.engine.config.OperationTimeout; t > 0 {
		ctx, cancel = context.WithTimeout(ctx, t)
	} else {
		ctx, cancel = context.WithCancel(ctx)
	}
	stop := context.AfterFunc(c.life, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}
