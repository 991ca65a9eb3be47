package authflow

import (
	"context"
	"errors"
	"time"

	"github.com/mimora/authflow/oauth"
)

// SignInWithProvider runs the third-party sign-in from any non-terminal
// step, bypassing code verification. The provider's proof token goes
// straight to the OAuth exchange endpoint. Cancellation and blocked popups
// land in Err with the step unchanged.
func (c *Controller) SignInWithProvider(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrControllerClosed
	}
	if c.engine.oauth == nil {
		c.mu.Unlock()
		return ErrOAuthNotConfigured
	}
	step := c.state.Step
	if step == StepSuccess {
		c.mu.Unlock()
		return ErrInvalidStep
	}
	epoch, ok := c.beginLocked()
	if !ok {
		c.mu.Unlock()
		return nil
	}
	method := c.state.AuthMethod
	c.mu.Unlock()
	c.notify()

	opCtx, cancel := c.opContext(ctx)
	defer cancel()

	result, err := c.engine.oauth.SignIn(opCtx)
	if err == nil && result.ProofToken == "" {
		err = oauth.ErrNoProofToken
	}

	c.mu.Lock()
	if !c.currentLocked(epoch) {
		c.mu.Unlock()
		c.discardStale("oauth_sign_in")
		return nil
	}
	if err != nil {
		c.err = oauth.MessageFor(err)
		c.mu.Unlock()

		if errors.Is(err, oauth.ErrCancelled) {
			c.engine.metricInc(MetricOAuthCancelled)
		} else {
			c.engine.metricInc(MetricOAuthFailure)
		}
		c.emitAudit(ctx, AuditEventOAuthFailure, false, step, method, 0, err, nil)
		c.notify()
		return nil
	}
	if c.state.Form.Email == "" {
		c.state.Form.Email = result.Email
	}
	if c.state.Form.FullName == "" {
		c.state.Form.FullName = result.DisplayName
	}
	c.busy = true
	c.mu.Unlock()

	c.engine.metricInc(MetricOAuthSuccess)
	c.emitAudit(ctx, AuditEventOAuthSuccess, true, step, method, 0, nil, nil)
	c.notify()

	start := time.Now()
	user, err := c.engine.exchange.ExchangeOAuthProof(opCtx, result.ProofToken)
	elapsed := time.Since(start)

	c.mu.Lock()
	if !c.currentLocked(epoch) {
		c.mu.Unlock()
		c.discardStale("oauth_exchange")
		return nil
	}
	if err != nil {
		c.err = err.Error()
		c.mu.Unlock()
		c.exchangeFailed(ctx, step, method, err, elapsed)
		c.notify()
		return nil
	}
	c.busy = true
	c.mu.Unlock()

	c.engine.metricInc(MetricExchangeSuccess)
	c.emitAudit(ctx, AuditEventExchangeSuccess, true, step, method, user.ID, nil, elapsedMetadata(elapsed))
	return c.complete(ctx, epoch, step, method, user, result.ProofToken)
}
