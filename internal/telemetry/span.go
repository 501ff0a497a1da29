package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"orderflow/internal/broker"
	"orderflow/internal/contracts"
)

const tracerName = "orderflow"

// TraceHandler wraps a broker handler so every handled message gets a
// consumer span carrying the message type and correlation id.
func TraceHandler(name string, h broker.Handler) broker.Handler {
	tracer := otel.Tracer(tracerName)
	return func(ctx context.Context, env contracts.Envelope) error {
		ctx, span := tracer.Start(ctx, name+" "+env.Type,
			trace.WithSpanKind(trace.SpanKindConsumer),
			trace.WithAttributes(
				attribute.String("messaging.message.type", env.Type),
				attribute.String("messaging.message.id", env.ID),
				attribute.String("order.id", env.CorrelationID),
			),
		)
		defer span.End()

		err := h(ctx, env)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		return err
	}
}
