package scim

import (
	"github.com/rs/zerolog"
)

// AuditRecorder consumes executor outcomes in plan order.
type AuditRecorder interface {
	Record(outcome OperationOutcome)
}

type logAuditRecorder struct {
	logger zerolog.Logger
}

// NewLogAuditRecorder returns a recorder writing one structured event per outcome.
func NewLogAuditRecorder(logger zerolog.Logger) AuditRecorder {
	return &logAuditRecorder{logger: logger}
}

func (r *logAuditRecorder) Record(outcome OperationOutcome) {
	var event *zerolog.Event
	switch outcome.Status {
	case Failed:
		event = r.logger.Error().Err(outcome.Err)
	case Skipped, Cancelled:
		event = r.logger.Warn()
	default:
		event = r.logger.Info()
	}
	event = event.
		Int("index", outcome.Index).
		Str("kind", outcome.Operation.Kind.String()).
		Str("status", outcome.Status.String())
	if outcome.Attempts > 0 {
		event = event.Int("attempts", outcome.Attempts)
	}
	if len(outcome.ResourceId) > 0 {
		event = event.Str("resource_id", outcome.ResourceId)
	}
	if len(outcome.Cause) > 0 {
		event = event.Str("cause", outcome.Cause)
	}
	event.Msg(outcome.Operation.Description())
}
