package emit

import (
	"context"

	"go.uber.org/zap"
)

// ZapEmitter writes events to a structured zap logger.
//
// Heartbeats are logged at debug level to keep production logs readable;
// errors at error level; everything else at info.
type ZapEmitter struct {
	log *zap.Logger
}

// NewZapEmitter creates an emitter backed by the given logger.
// A nil logger falls back to zap.NewNop().
func NewZapEmitter(log *zap.Logger) *ZapEmitter {
	if log == nil {
		log = zap.NewNop()
	}
	return &ZapEmitter{log: log}
}

func (z *ZapEmitter) Emit(event Event) {
	fields := []zap.Field{
		zap.String("decision_set_id", event.DecisionSetID),
		zap.Int("step", event.Step),
	}
	if event.Node != "" {
		fields = append(fields, zap.String("node", event.Node))
	}
	if len(event.Data) > 0 {
		fields = append(fields, zap.Any("data", event.Data))
	}

	switch event.Type {
	case TypeHeartbeat:
		z.log.Debug(event.Type, fields...)
	case TypeError:
		z.log.Error(event.Type, fields...)
	default:
		z.log.Info(event.Type, fields...)
	}
}

func (z *ZapEmitter) EmitBatch(_ context.Context, events []Event) error {
	for _, event := range events {
		z.Emit(event)
	}
	return nil
}

func (z *ZapEmitter) Flush(_ context.Context) error {
	_ = z.log.Sync()
	return nil
}
