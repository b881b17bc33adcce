package eventing

import (
	"context"

	"fieldops-cloud/internal/logging"
)

// Sink delivers one envelope downstream.
type Sink interface {
	Deliver(ctx context.Context, env Envelope) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, env Envelope) error

func (f SinkFunc) Deliver(ctx context.Context, env Envelope) error { return f(ctx, env) }

// OutboxStore provides access to outbox records.
type OutboxStore interface {
	ListPending(ctx context.Context, limit int) ([]OutboxRecord, error)
	MarkSent(ctx context.Context, id string) error
	MarkFailed(ctx context.Context, id, reason string) error
}

// OutboxRecord represents a pending outbox entry.
type OutboxRecord struct {
	ID       string
	Envelope Envelope
}

// DispatchStats summarizes one Dispatch run.
type DispatchStats struct {
	Sent   int
	Failed int
}

// Dispatcher drains pending outbox records into a sink.
type Dispatcher struct {
	sink   Sink
	outbox OutboxStore
	logger *logging.Logger
}

// NewDispatcher constructs a dispatcher.
func NewDispatcher(sink Sink, outbox OutboxStore, logger *logging.Logger) *Dispatcher {
	if logger == nil {
		logger = logging.Nop()
	}
	return &Dispatcher{sink: sink, outbox: outbox, logger: logger}
}

// Dispatch pulls pending outbox messages and delivers them. A failed
// delivery marks the record failed and moves on.
func (d *Dispatcher) Dispatch(ctx context.Context, limit int) (DispatchStats, error) {
	var stats DispatchStats
	if d == nil || d.outbox == nil || d.sink == nil {
		return stats, nil
	}
	if limit <= 0 {
		limit = 50
	}
	records, err := d.outbox.ListPending(ctx, limit)
	if err != nil {
		return stats, err
	}

	for _, record := range records {
		env := record.Envelope
		if err := d.sink.Deliver(ctx, env); err != nil {
			d.logger.Warn("outbox delivery failed", "outbox_id", record.ID, "event_type", env.EventType, "error", err)
			if markErr := d.outbox.MarkFailed(ctx, record.ID, err.Error()); markErr != nil {
				return stats, markErr
			}
			stats.Failed++
			continue
		}
		if err := d.outbox.MarkSent(ctx, record.ID); err != nil {
			return stats, err
		}
		stats.Sent++
	}
	return stats, nil
}

// LogSink writes each envelope to the structured log.
type LogSink struct {
	Logger *logging.Logger
}

func (s LogSink) Deliver(_ context.Context, env Envelope) error {
	logger := s.Logger
	if logger == nil {
		logger = logging.Nop()
	}
	logger.Info("billing event",
		"event_id", env.EventID,
		"event_type", env.EventType,
		"session_id", env.SessionID,
		"tenant_id", env.TenantID,
		"correlation_id", env.CorrelationID,
		"occurred_at", env.OccurredAt,
		"payload", string(env.Payload),
	)
	return nil
}
