package emit

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// OTelEmitter converts workflow events into OpenTelemetry spans.
//
// Each event becomes a span named after the event type, attributed with the
// decision set, node, and step, so a trace view shows the pipeline's
// progression node by node.
type OTelEmitter struct {
	tracer trace.Tracer
}

func NewOTelEmitter(tracer trace.Tracer) *OTelEmitter {
	return &OTelEmitter{tracer: tracer}
}

func (o *OTelEmitter) Emit(event Event) {
	_, span := o.tracer.Start(context.Background(), event.Type)
	defer span.End()
	o.annotate(span, event)
}

func (o *OTelEmitter) EmitBatch(ctx context.Context, events []Event) error {
	for _, event := range events {
		_, span := o.tracer.Start(ctx, event.Type)
		o.annotate(span, event)
		span.End()
	}
	return nil
}

func (o *OTelEmitter) annotate(span trace.Span, event Event) {
	span.SetAttributes(
		attribute.String("workflow.decision_set_id", event.DecisionSetID),
		attribute.Int("workflow.step", event.Step),
	)
	if event.Node != "" {
		span.SetAttributes(attribute.String("workflow.node", event.Node))
	}
	for k, v := range event.Data {
		switch val := v.(type) {
		case string:
			span.SetAttributes(attribute.String("workflow."+k, val))
		case int:
			span.SetAttributes(attribute.Int("workflow."+k, val))
		case int64:
			span.SetAttributes(attribute.Int64("workflow."+k, val))
		case float64:
			span.SetAttributes(attribute.Float64("workflow."+k, val))
		case bool:
			span.SetAttributes(attribute.Bool("workflow."+k, val))
		}
	}
	if event.Type == TypeError {
		msg, _ := event.Data["error"].(string)
		span.SetStatus(codes.Error, msg)
		if msg != "" {
			span.RecordError(fmt.Errorf("%s", msg))
		}
	}
}

func (o *OTelEmitter) Flush(ctx context.Context) error {
	tp := otel.GetTracerProvider()

	type flusher interface {
		ForceFlush(context.Context) error
	}
	if f, ok := tp.(flusher); ok {
		return f.ForceFlush(ctx)
	}
	return nil
}
