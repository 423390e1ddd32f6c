package store

import (
	"context"

	"go.uber.org/zap"

	"github.com/dshills/agentflow-go/graph/emit"
)

// AuditEmitter appends workflow events to the events table as they are
// emitted, so the audit log mirrors the live stream. Heartbeats are
// transport keep-alives and are not recorded.
type AuditEmitter struct {
	events Events
	log    *zap.Logger
}

func NewAuditEmitter(events Events, log *zap.Logger) *AuditEmitter {
	if log == nil {
		log = zap.NewNop()
	}
	return &AuditEmitter{events: events, log: log}
}

func (a *AuditEmitter) Emit(event emit.Event) {
	if event.Type == emit.TypeHeartbeat || event.DecisionSetID == "" {
		return
	}
	rec := &EventRecord{
		WorkflowID: event.DecisionSetID,
		Kind:       event.Type,
		Payload:    event.Payload(),
		CreatedAt:  event.Timestamp,
	}
	if err := a.events.Append(context.Background(), rec); err != nil {
		a.log.Warn("failed to append audit event",
			zap.String("decision_set_id", event.DecisionSetID),
			zap.String("kind", event.Type),
			zap.Error(err))
	}
}

func (a *AuditEmitter) EmitBatch(ctx context.Context, events []emit.Event) error {
	for _, event := range events {
		a.Emit(event)
	}
	return nil
}

func (a *AuditEmitter) Flush(context.Context) error { return nil }
