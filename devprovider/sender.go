package devprovider

import (
	"context"

	log "github.com/sirupsen/logrus"
)

// Sender delivers a code to its target.
type Sender interface {
	Send(ctx context.Context, target, code string) error
}

// SenderFunc adapts a function to Sender.
type SenderFunc func(ctx context.Context, target, code string) error

func (f SenderFunc) Send(ctx context.Context, target, code string) error { return f(ctx, target, code) }

// LogSender writes codes to a logger. Development only.
type LogSender struct {
	Logger log.FieldLogger
}

func (s LogSender) Send(_ context.Context, target, code string) error {
	l := s.Logger
	if l == nil {
		l = log.StandardLogger()
	}
	l.WithFields(log.Fields{"target": target, "code": code}).Info("verification code issued")
	return nil
}
