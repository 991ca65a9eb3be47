package authflow

import (
	"context"
	"errors"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/mimora/authflow/exchange"
	"github.com/mimora/authflow/storage"
	"github.com/mimora/authflow/verification"
)

// Submit performs the primary action of the active step.
//
// On profile selection it is GetStarted. On account creation it sends a
// challenge to the phone and moves to OTP verification. On the signup,
// login and OTP steps the first submit validates the contact and sends a
// challenge; once a code is awaited, submit consumes it, exchanges the
// proof token for a user, persists both and moves to StepSuccess.
func (c *Controller) Submit(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrControllerClosed
	}
	step := c.state.Step
	codeStage := c.codeStageLocked()
	c.mu.Unlock()

	switch step {
	case StepProfileSelection:
		return c.GetStarted()
	case StepSuccess:
		return ErrInvalidStep
	}
	if codeStage {
		return c.submitCode(ctx, step)
	}
	return c.submitContact(ctx, step)
}

type contactPlan struct {
	method      AuthMethod
	requireName bool
}

func (c *Controller) planContactLocked(step Step) contactPlan {
	switch step {
	case StepCreateAccount, StepSignupCustomerPhone:
		return contactPlan{method: MethodPhone, requireName: true}
	case StepSignupCustomerEmail:
		return contactPlan{method: MethodEmail, requireName: true}
	case StepLoginEmail:
		return contactPlan{method: MethodEmail}
	case StepLoginPhone:
		return contactPlan{method: MethodPhone}
	default:
		return contactPlan{method: c.methodLocked()}
	}
}

func (c *Controller) submitContact(ctx context.Context, step Step) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrControllerClosed
	}
	if c.state.Step != step {
		c.mu.Unlock()
		return nil
	}
	plan := c.planContactLocked(step)
	fields := []Field{plan.method.field()}
	if plan.requireName {
		fields = append([]Field{FieldFullName}, fields...)
	}
	c.touched.TouchAll(fields...)
	if c.rejectLocked(fields...) {
		c.mu.Unlock()
		c.engine.metricInc(MetricValidationRejected)
		c.notify()
		return nil
	}
	epoch, ok := c.beginLocked()
	if !ok {
		c.mu.Unlock()
		return nil
	}
	c.state.AuthMethod = plan.method
	form := c.state.Form
	c.mu.Unlock()
	c.notify()

	contact := verification.Contact{Channel: plan.method.channel(), CountryCode: form.CountryCode}
	if plan.method == MethodEmail {
		contact.Address = form.Email
	} else {
		contact.Address = form.Phone
	}

	opCtx, cancel := c.opContext(ctx)
	session, err := c.verifier.Start(opCtx, contact)
	cancel()

	c.mu.Lock()
	if !c.currentLocked(epoch) || isSuperseded(err) {
		c.mu.Unlock()
		c.discardStale("start_challenge")
		return nil
	}
	if err != nil {
		c.err = err.Error()
		c.pending = false
		c.mu.Unlock()
		c.challengeFailed(ctx, step, plan.method, err)
		c.notify()
		return nil
	}

	c.clearCodeLocked()
	c.proof = ""
	c.pending = true
	c.pendingStep = step
	if step == StepCreateAccount {
		c.pendingStep = StepOTPVerification
		if c.state.Step == step {
			c.transitionLocked(StepOTPVerification)
		}
	}
	c.mu.Unlock()

	c.engine.metricInc(MetricChallengeSent)
	c.emitAudit(ctx, AuditEventChallengeSent, true, step, plan.method, 0, nil, nil)
	c.logger.WithFields(log.Fields{"step": step.String(), "channel": session.Channel.String()}).Debug("challenge sent")
	c.notify()
	return nil
}

// Resend re-issues the pending challenge once the cool-down has elapsed.
// Before that, or when no code is awaited, it does nothing.
func (c *Controller) Resend(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrControllerClosed
	}
	if !c.pending || c.pendingStep != c.state.Step {
		c.mu.Unlock()
		return nil
	}
	if !c.verifier.CanResend() {
		c.mu.Unlock()
		c.engine.metricInc(MetricResendSuppressed)
		return nil
	}
	epoch, ok := c.beginLocked()
	if !ok {
		c.mu.Unlock()
		return nil
	}
	step := c.state.Step
	method := c.methodLocked()
	c.clearCodeLocked()
	c.mu.Unlock()
	c.notify()

	opCtx, cancel := c.opContext(ctx)
	_, issued, err := c.verifier.Resend(opCtx)
	cancel()

	c.mu.Lock()
	if !c.currentLocked(epoch) || isSuperseded(err) {
		c.mu.Unlock()
		c.discardStale("resend_challenge")
		return nil
	}
	if err != nil {
		// the prior session was invalidated before the provider call
		c.pending = false
		c.err = err.Error()
		c.mu.Unlock()
		c.challengeFailed(ctx, step, method, err)
		c.notify()
		return nil
	}
	c.mu.Unlock()

	if issued {
		c.engine.metricInc(MetricResend)
		c.emitAudit(ctx, AuditEventResend, true, step, method, 0, nil, nil)
	}
	c.notify()
	return nil
}

func (c *Controller) challengeFailed(ctx context.Context, step Step, method AuthMethod, err error) {
	c.engine.metricInc(MetricChallengeFailed)
	c.emitAudit(ctx, AuditEventChallengeFailed, false, step, method, 0, err, nil)
	c.logger.WithFields(log.Fields{"step": step.String(), "reason": auditErrorCode(err)}).Info("challenge failed")
}

func (c *Controller) submitCode(ctx context.Context, step Step) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrControllerClosed
	}
	if c.state.Step != step {
		c.mu.Unlock()
		return nil
	}
	c.touched.Touch(FieldCode)
	if c.rejectLocked(FieldCode) {
		c.mu.Unlock()
		c.engine.metricInc(MetricValidationRejected)
		c.notify()
		return nil
	}
	epoch, ok := c.beginLocked()
	if !ok {
		c.mu.Unlock()
		return nil
	}
	method := c.methodLocked()
	proof := ""
	if c.proof != "" && c.proofStep == step {
		proof = c.proof
	}
	code := c.state.Form.CodeString()
	name := c.state.Form.FullName
	c.mu.Unlock()
	c.notify()

	opCtx, cancel := c.opContext(ctx)
	defer cancel()

	if proof == "" {
		token, err := c.verifier.Consume(opCtx, code)

		c.mu.Lock()
		if !c.currentLocked(epoch) || isSuperseded(err) {
			c.mu.Unlock()
			c.discardStale("consume_code")
			return nil
		}
		if err != nil {
			c.err = err.Error()
			var vErr *verification.VerificationError
			if !errors.As(err, &vErr) || vErr.RequiresNewChallenge() {
				c.pending = false
				c.clearCodeLocked()
			}
			c.mu.Unlock()

			c.engine.metricInc(MetricVerificationFailure)
			c.emitAudit(ctx, AuditEventVerificationFailure, false, step, method, 0, err, nil)
			c.notify()
			return nil
		}
		if method == MethodEmail {
			c.state.EmailVerified = true
		} else {
			c.state.PhoneVerified = true
		}
		c.pending = false
		c.proof = token
		c.proofStep = step
		c.busy = true
		c.mu.Unlock()

		c.engine.metricInc(MetricVerificationSuccess)
		c.emitAudit(ctx, AuditEventVerificationSuccess, true, step, method, 0, nil, nil)
		c.notify()
		proof = token
	}

	start := time.Now()
	user, err := c.exchangeProof(opCtx, step, proof, name)
	elapsed := time.Since(start)

	c.mu.Lock()
	if !c.currentLocked(epoch) {
		c.mu.Unlock()
		c.discardStale("exchange_proof")
		return nil
	}
	if err != nil {
		c.err = err.Error()
		unauthorized := exchange.IsUnauthorized(err)
		if unauthorized {
			c.dropChallengeLocked()
		}
		c.mu.Unlock()

		c.exchangeFailed(ctx, step, method, err, elapsed)
		if unauthorized {
			c.verifier.Discard()
		}
		c.notify()
		return nil
	}
	c.busy = true
	c.mu.Unlock()

	c.engine.metricInc(MetricExchangeSuccess)
	c.emitAudit(ctx, AuditEventExchangeSuccess, true, step, method, user.ID, nil, elapsedMetadata(elapsed))
	return c.complete(ctx, epoch, step, method, user, proof)
}

func (c *Controller) exchangeProof(ctx context.Context, step Step, token, name string) (*exchange.User, error) {
	if step == StepLoginEmail && c.engine.config.Exchange.EmailLogin {
		return c.engine.exchange.ExchangeEmailProof(ctx, token)
	}
	return c.engine.exchange.ExchangeOTPProof(ctx, token, exchange.ProfileAttributes{FullName: name})
}

func (c *Controller) exchangeFailed(ctx context.Context, step Step, method AuthMethod, err error, elapsed time.Duration) {
	c.engine.metricInc(MetricExchangeFailure)
	if exchange.IsUnauthorized(err) {
		c.engine.metricInc(MetricExchangeUnauthorized)
	}
	c.emitAudit(ctx, AuditEventExchangeFailure, false, step, method, 0, err, elapsedMetadata(elapsed))
	c.logger.WithFields(log.Fields{"step": step.String(), "reason": auditErrorCode(err)}).Info("exchange failed")
}

// complete persists the signed-in user and moves to StepSuccess. The
// operation begun at epoch is still marked busy on entry.
func (c *Controller) complete(ctx context.Context, epoch uint64, from Step, method AuthMethod, user *exchange.User, token string) error {
	persistCtx, cancel := c.opContext(ctx)
	err := storage.SaveSession(persistCtx, c.engine.store, c.engine.storageKeys(), user, token)
	cancel()
	if err != nil {
		c.engine.metricInc(MetricPersistFailure)
		c.emitAudit(ctx, AuditEventPersistFailure, false, from, method, user.ID, err, nil)
		c.logger.WithError(err).Warn("failed to persist signed-in user")
	}

	c.mu.Lock()
	if !c.currentLocked(epoch) {
		c.mu.Unlock()
		c.discardStale("complete")
		return nil
	}
	c.user = user.Clone()
	c.proof = ""
	c.pending = false
	c.transitionLocked(StepSuccess)
	c.mu.Unlock()

	c.verifier.Discard()
	c.engine.metricInc(MetricFlowSuccess)
	c.emitAudit(ctx, AuditEventFlowSuccess, true, from, method, user.ID, nil, nil)
	c.logger.WithFields(log.Fields{"user_id": user.ID, "from": from.String()}).Info("flow completed")
	c.notify()
	return nil
}

// rejectLocked reports whether any of fields fails validation.
func (c *Controller) rejectLocked(fields ...Field) bool {
	for _, f := range fields {
		if c.checkLocked(f) != "" {
			return true
		}
	}
	return false
}

func isSuperseded(err error) bool {
	return errors.Is(err, verification.ErrSuperseded) || errors.Is(err, verification.ErrClosed)
}
