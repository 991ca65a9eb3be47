package audit

import (
	"context"
	"encoding/json"
	"io"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// Event is one flow audit record. FlowID correlates every event emitted by a
// single flow session; Seq orders events across flows sharing a dispatcher.
type Event struct {
	Seq       uint64            `json:"seq"`
	Timestamp time.Time         `json:"timestamp"`
	EventType string            `json:"event_type"`
	FlowID    string            `json:"flow_id,omitempty"`
	Step      string            `json:"step,omitempty"`
	Channel   string            `json:"channel,omitempty"`
	UserID    string            `json:"user_id,omitempty"`
	Success   bool              `json:"success"`
	Error     string            `json:"error,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// Sink receives emitted audit events.
type Sink interface {
	Emit(ctx context.Context, event Event)
}

// NoOpSink drops audit events.
type NoOpSink struct{}

func (NoOpSink) Emit(context.Context, Event) {}

// ChannelSink hands events to a buffered channel. Emit blocks until the
// reader catches up or ctx is done.
type ChannelSink struct {
	events chan Event
}

func NewChannelSink(buffer int) *ChannelSink {
	if buffer <= 0 {
		buffer = 1
	}
	return &ChannelSink{events: make(chan Event, buffer)}
}

func (s *ChannelSink) Emit(ctx context.Context, event Event) {
	select {
	case s.events <- event:
	case <-ctx.Done():
	}
}

func (s *ChannelSink) Events() <-chan Event {
	return s.events
}

// JSONWriterSink writes one JSON object per line.
type JSONWriterSink struct {
	mu sync.Mutex
	w  io.Writer
}

func NewJSONWriterSink(w io.Writer) *JSONWriterSink {
	return &JSONWriterSink{w: w}
}

func (s *JSONWriterSink) Emit(_ context.Context, event Event) {
	if s == nil || s.w == nil {
		return
	}
	data, err := json.Marshal(event)
	if err != nil {
		return
	}
	data = append(data, '\n')

	s.mu.Lock()
	_, _ = s.w.Write(data)
	s.mu.Unlock()
}

// LogSink writes events as structured log entries. Failures log at warn,
// everything else at info.
type LogSink struct {
	logger log.FieldLogger
}

func NewLogSink(logger log.FieldLogger) *LogSink {
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &LogSink{logger: logger}
}

func (s *LogSink) Emit(_ context.Context, event Event) {
	fields := log.Fields{
		"audit_seq": event.Seq,
		"event":     event.EventType,
		"success":   event.Success,
	}
	if event.FlowID != "" {
		fields["flow_id"] = event.FlowID
	}
	if event.Step != "" {
		fields["step"] = event.Step
	}
	if event.Channel != "" {
		fields["channel"] = event.Channel
	}
	if event.UserID != "" {
		fields["user_id"] = event.UserID
	}
	for k, v := range event.Metadata {
		fields["meta_"+k] = v
	}
	entry := s.logger.WithFields(fields)
	if event.Error != "" {
		entry.WithField("error_code", event.Error).Warn("audit")
		return
	}
	entry.Info("audit")
}
