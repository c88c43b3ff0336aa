// Package audit records notable service actions as structured events. Events
// always land in the log; when NATS is connected they are also published for
// external consumers.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
)

// Kind names the action being audited.
type Kind string

const (
	KindWebhookReceived   Kind = "webhook_received"
	KindSignatureRejected Kind = "signature_rejected"
	KindJobDispatched     Kind = "job_dispatched"
	KindPlanGenerated     Kind = "plan_generated"
	KindPlanExecuted      Kind = "plan_executed"
	KindContainerOp       Kind = "container_op"
	KindTaskCancelled     Kind = "task_cancelled"
)

// Event is one audit record.
type Event struct {
	ID      string            `json:"id"`
	Kind    Kind              `json:"kind"`
	At      time.Time         `json:"at"`
	TaskID  string            `json:"task_id,omitempty"`
	JobID   string            `json:"job_id,omitempty"`
	Details map[string]string `json:"details,omitempty"`
}

// Sink receives audit events. Emit must not block the caller's critical path
// for long; sinks that talk to the network should fail soft.
type Sink interface {
	Emit(ctx context.Context, ev Event)
}

// NewEvent builds an event with a fresh id and timestamp.
func NewEvent(kind Kind) Event {
	return Event{
		ID:   uuid.New().String(),
		Kind: kind,
		At:   time.Now().UTC(),
	}
}

// SlogSink writes events to the structured log.
type SlogSink struct {
	logger *slog.Logger
}

// NewSlogSink creates a sink over the given logger.
func NewSlogSink(logger *slog.Logger) *SlogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &SlogSink{logger: logger}
}

// Emit logs the event at info level.
func (s *SlogSink) Emit(_ context.Context, ev Event) {
	attrs := []any{
		"audit_id", ev.ID,
		"kind", string(ev.Kind),
	}
	if ev.TaskID != "" {
		attrs = append(attrs, "task_id", ev.TaskID)
	}
	if ev.JobID != "" {
		attrs = append(attrs, "job_id", ev.JobID)
	}
	for k, v := range ev.Details {
		attrs = append(attrs, k, v)
	}
	s.logger.Info("audit", attrs...)
}

// NATSSink publishes events as JSON to issuepilot.audit.<kind>.
type NATSSink struct {
	nc     *nats.Conn
	logger *slog.Logger
}

// NewNATSSink creates a sink over an established NATS connection.
func NewNATSSink(nc *nats.Conn, logger *slog.Logger) *NATSSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &NATSSink{nc: nc, logger: logger}
}

// Emit publishes the event. Publish failures are logged, never propagated.
func (s *NATSSink) Emit(_ context.Context, ev Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		s.logger.Error("audit event marshal failed", "kind", string(ev.Kind), "error", err)
		return
	}
	subject := fmt.Sprintf("issuepilot.audit.%s", ev.Kind)
	if err := s.nc.Publish(subject, data); err != nil {
		s.logger.Warn("audit event publish failed",
			"subject", subject,
			"error", err)
	}
}

// MultiSink fans an event out to every configured sink.
type MultiSink []Sink

// Emit delivers the event to each sink in order.
func (m MultiSink) Emit(ctx context.Context, ev Event) {
	for _, s := range m {
		s.Emit(ctx, ev)
	}
}

// Nop is a sink that discards everything, for tests and disabled wiring.
type Nop struct{}

func (Nop) Emit(context.Context, Event) {}
