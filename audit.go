package authflow

import (
	"context"
	"errors"
	"io"
	"strconv"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/mimora/authflow/exchange"
	internalaudit "github.com/mimora/authflow/internal/audit"
	"github.com/mimora/authflow/oauth"
	"github.com/mimora/authflow/storage"
	"github.com/mimora/authflow/verification"
)

// AuditEvent is one flow audit record.
type AuditEvent = internalaudit.Event

// AuditSink receives audit events from the dispatcher goroutine.
type AuditSink = internalaudit.Sink

type NoOpSink = internalaudit.NoOpSink

type ChannelSink = internalaudit.ChannelSink

type JSONWriterSink = internalaudit.JSONWriterSink

// LogSink writes audit events through a logrus logger.
type LogSink = internalaudit.LogSink

// AuditStats reports accepted, delivered and dropped audit events.
type AuditStats = internalaudit.Stats

func NewChannelSink(buffer int) *ChannelSink {
	return internalaudit.NewChannelSink(buffer)
}

func NewJSONWriterSink(w io.Writer) *JSONWriterSink {
	return internalaudit.NewJSONWriterSink(w)
}

func NewLogSink(logger log.FieldLogger) *LogSink {
	return internalaudit.NewLogSink(logger)
}

const (
	AuditEventFlowStarted         = "flow_started"
	AuditEventChallengeSent       = "challenge_sent"
	AuditEventChallengeFailed     = "challenge_failed"
	AuditEventResend              = "resend"
	AuditEventVerificationSuccess = "verification_success"
	AuditEventVerificationFailure = "verification_failure"
	AuditEventExchangeSuccess     = "exchange_success"
	AuditEventExchangeFailure     = "exchange_failure"
	AuditEventOAuthSuccess        = "oauth_success"
	AuditEventOAuthFailure        = "oauth_failure"
	AuditEventFlowSuccess         = "flow_success"
	AuditEventPersistFailure      = "persist_failure"
)

// AuditErrorCode is the closed set of values placed in AuditEvent.Error.
// Provider messages and exchange details are never copied into events.
type AuditErrorCode string

const (
	auditErrInvalidAddress      AuditErrorCode = "invalid_address"
	auditErrRateLimited         AuditErrorCode = "rate_limited"
	auditErrProviderUnavailable AuditErrorCode = "provider_unavailable"
	auditErrNoActiveSession     AuditErrorCode = "no_active_session"
	auditErrInvalidCode         AuditErrorCode = "invalid_code"
	auditErrExpired             AuditErrorCode = "expired"
	auditErrUnauthorized        AuditErrorCode = "unauthorized"
	auditErrConflict            AuditErrorCode = "conflict"
	auditErrServerError         AuditErrorCode = "server_error"
	auditErrCancelled           AuditErrorCode = "cancelled"
	auditErrPopupBlocked        AuditErrorCode = "popup_blocked"
	auditErrUnauthorizedDomain  AuditErrorCode = "unauthorized_domain"
	auditErrStorageUnavailable  AuditErrorCode = "storage_unavailable"
	auditErrInternal            AuditErrorCode = "internal_error"
)

func (c *Controller) emitAudit(
	ctx context.Context,
	eventType string,
	success bool,
	step Step,
	method AuthMethod,
	userID int64,
	err error,
	metadataBuilder func() map[string]string,
) {
	e := c.engine
	if e == nil || e.audit == nil {
		return
	}

	var metadata map[string]string
	if metadataBuilder != nil {
		metadata = metadataBuilder()
	}

	event := AuditEvent{
		Timestamp: e.clock.Now().UTC(),
		EventType: eventType,
		FlowID:    c.id,
		Step:      step.String(),
		Channel:   method.String(),
		Success:   success,
		Metadata:  metadata,
	}
	if userID != 0 {
		event.UserID = strconv.FormatInt(userID, 10)
	}
	if code := auditErrorCode(err); code != "" {
		event.Error = string(code)
	}

	e.audit.Emit(ctx, event)
}

func auditErrorCode(err error) AuditErrorCode {
	if err == nil {
		return ""
	}

	var (
		chErr *verification.ChallengeError
		vErr  *verification.VerificationError
		xErr  *exchange.Error
	)
	switch {
	case errors.As(err, &chErr):
		switch chErr.Reason {
		case verification.ReasonInvalidAddress:
			return auditErrInvalidAddress
		case verification.ReasonRateLimited:
			return auditErrRateLimited
		default:
			return auditErrProviderUnavailable
		}
	case errors.As(err, &vErr):
		switch vErr.Reason {
		case verification.ReasonInvalidCode:
			return auditErrInvalidCode
		case verification.ReasonExpired:
			return auditErrExpired
		default:
			return auditErrNoActiveSession
		}
	case errors.As(err, &xErr):
		switch xErr.Kind {
		case exchange.KindUnauthorized:
			return auditErrUnauthorized
		case exchange.KindConflict:
			return auditErrConflict
		default:
			return auditErrServerError
		}
	case errors.Is(err, oauth.ErrCancelled):
		return auditErrCancelled
	case errors.Is(err, oauth.ErrPopupBlocked):
		return auditErrPopupBlocked
	case errors.Is(err, oauth.ErrUnauthorizedDomain):
		return auditErrUnauthorizedDomain
	case errors.Is(err, storage.ErrUnavailable):
		return auditErrStorageUnavailable
	default:
		return auditErrInternal
	}
}

func elapsedMetadata(d time.Duration) func() map[string]string {
	return func() map[string]string {
		return map[string]string{"elapsed_ms": strconv.FormatInt(d.Milliseconds(), 10)}
	}
}
