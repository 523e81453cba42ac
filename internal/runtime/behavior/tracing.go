package behavior

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/drblury/relayflow/internal/runtime/envelope"
)

const tracerName = "github.com/drblury/relayflow"

// ConsumerTracing continues the trace propagated in the message headers and
// wraps the inbound pipeline in a consumer span.
func ConsumerTracing() Behavior[*ConsumerContext] {
	return Behavior[*ConsumerContext]{
		Name:      "consumer_tracing",
		SortIndex: ConsumerTracingIndex,
		Handle: func(ctx context.Context, cc *ConsumerContext, next Next[*ConsumerContext]) error {
			attrs := []attribute.KeyValue{
				attribute.String("messaging.destination.name", cc.Endpoint.Topic),
				attribute.String("relayflow.endpoint", cc.Endpoint.Name),
				attribute.Int("relayflow.failed_attempts", cc.Attempts),
			}
			if cc.Envelope != nil {
				headers := cc.Envelope.Headers
				ctx = otel.GetTextMapPropagator().Extract(ctx, envelope.HeaderCarrier{Headers: &headers})
				attrs = append(attrs, attribute.String("messaging.message.id", cc.Envelope.MessageID()))
				if cc.Envelope.Identifier != nil {
					attrs = append(attrs, attribute.String("relayflow.identifier", cc.Envelope.Identifier.String()))
				}
			}

			ctx, span := otel.Tracer(tracerName).Start(ctx, "relayflow.consume",
				trace.WithSpanKind(trace.SpanKindConsumer),
				trace.WithAttributes(attrs...),
			)
			defer span.End()

			err := next(ctx, cc)
			span.SetAttributes(attribute.String("relayflow.outcome", cc.Outcome.String()))
			if err != nil {
				span.RecordError(err)
				span.SetStatus(codes.Error, err.Error())
			}
			return err
		},
	}
}

// ProducerTracing wraps the outbound pipeline in a producer span and injects
// the trace context into the message headers.
func ProducerTracing() Behavior[*ProducerContext] {
	return Behavior[*ProducerContext]{
		Name:      "producer_tracing",
		SortIndex: ProducerTracingIndex,
		Handle: func(ctx context.Context, pc *ProducerContext, next Next[*ProducerContext]) error {
			ctx, span := otel.Tracer(tracerName).Start(ctx, "relayflow.produce",
				trace.WithSpanKind(trace.SpanKindProducer),
				trace.WithAttributes(
					attribute.String("messaging.destination.name", pc.Endpoint.Topic),
					attribute.String("relayflow.endpoint", pc.Endpoint.Name),
					attribute.String("relayflow.strategy", pc.Endpoint.Strategy.String()),
				),
			)
			defer span.End()

			otel.GetTextMapPropagator().Inject(ctx, envelope.HeaderCarrier{Headers: &pc.Envelope.Headers})

			err := next(ctx, pc)
			if err != nil {
				span.RecordError(err)
				span.SetStatus(codes.Error, err.Error())
			}
			return err
		},
	}
}
