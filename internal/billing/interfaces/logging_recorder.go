package interfaces

import (
	"context"

	"fieldops-cloud/internal/billing/application"
	"fieldops-cloud/internal/billing/domain"
	"fieldops-cloud/internal/logging"
)

// LoggingRecorder logs billing events. It pairs with the in-memory store,
// which has no outbox.
type LoggingRecorder struct {
	logger *logging.Logger
}

var _ application.Recorder = (*LoggingRecorder)(nil)

// NewLoggingRecorder constructs a logging recorder.
func NewLoggingRecorder(logger *logging.Logger) *LoggingRecorder {
	if logger == nil {
		logger = logging.Nop()
	}
	return &LoggingRecorder{logger: logger}
}

// RecordSplit logs the event.
func (r *LoggingRecorder) RecordSplit(_ context.Context, _ billing.Tx, event application.SessionSplit) error {
	r.logger.Info("billing session split",
		"session_id", event.SessionID,
		"child_session_id", event.ChildSessionID,
		"moved_items", len(event.MovedItems),
		"moved_company", event.MovedCompanyTotal.StringFixed(billing.MoneyPlaces),
		"moved_technician", event.MovedTechnicianTotal.StringFixed(billing.MoneyPlaces),
		"actor", event.Actor,
	)
	return nil
}

// RecordRevert logs the event.
func (r *LoggingRecorder) RecordRevert(_ context.Context, _ billing.Tx, event application.SplitReverted) error {
	r.logger.Info("billing split reverted",
		"session_id", event.SessionID,
		"deleted_child_id", event.DeletedChildID,
		"restored_items", len(event.RestoredItems),
		"actor", event.Actor,
	)
	return nil
}
