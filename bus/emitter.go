package bus

import (
	"context"

	"github.com/dshills/agentflow-go/graph/emit"
)

// Emitter adapts a Bus to the emit.Emitter interface so the workflow engine
// can publish straight onto the live stream.
type Emitter struct {
	bus *Bus
}

func NewEmitter(b *Bus) *Emitter { return &Emitter{bus: b} }

func (e *Emitter) Emit(event emit.Event) {
	e.bus.Publish(event.DecisionSetID, event)
}

func (e *Emitter) EmitBatch(_ context.Context, events []emit.Event) error {
	for _, event := range events {
		e.bus.Publish(event.DecisionSetID, event)
	}
	return nil
}

func (e *Emitter) Flush(context.Context) error { return nil }
