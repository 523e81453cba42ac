package behavior

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/drblury/relayflow/internal/runtime/endpoint"
	"github.com/drblury/relayflow/internal/runtime/envelope"
	rterrors "github.com/drblury/relayflow/internal/runtime/errors"
	"github.com/drblury/relayflow/internal/runtime/ids"
	"github.com/drblury/relayflow/internal/runtime/logging"
	"github.com/drblury/relayflow/internal/runtime/metrics"
	"github.com/drblury/relayflow/internal/runtime/outbox"
	"github.com/drblury/relayflow/internal/runtime/serialization"
)

// Sort indexes of the built-in producer behaviors.
const (
	ProducerTracingIndex   = 0
	InitializerIndex       = 100
	ProducerValidatorIndex = 200
	ProducerMetricsIndex   = 250
	SerializerIndex        = 300
	OutboxRouterIndex      = 400
	ChunkSplitterIndex     = 500
)

// OutboxWriter stores outbound messages for later relay.
type OutboxWriter interface {
	Write(ctx context.Context, entry outbox.Entry) error
}

// ProducerContext travels through the outbound pipeline.
type ProducerContext struct {
	Endpoint endpoint.Producer
	Envelope *envelope.Outbound
	Outbox   OutboxWriter
	// Raw is set when the payload is already serialized.
	Raw bool
	// Relay is set when the outbox worker forwards a stored entry, so the
	// message goes to the broker even on outbox endpoints.
	Relay bool
	// Sent counts the envelopes handed to the final stage.
	Sent int
}

// ProducerOptions supplies the collaborators of the built-in producer behaviors.
type ProducerOptions struct {
	Logger    logging.ServiceLogger
	Metrics   *metrics.Collectors
	Validator Validator
}

// DefaultProducerBehaviors returns the built-in outbound behaviors.
func DefaultProducerBehaviors(opts ProducerOptions) []Behavior[*ProducerContext] {
	logger := opts.Logger
	if logger == nil {
		logger = logging.NopLogger()
	}
	return []Behavior[*ProducerContext]{
		ProducerTracing(),
		Initializer(),
		ProducerValidator(opts.Validator, logger),
		ProducerMetrics(opts.Metrics),
		Serializer(),
		OutboxRouter(),
		ChunkSplitter(),
	}
}

// Initializer assigns the message id, the message type and the endpoint
// routing fields.
func Initializer() Behavior[*ProducerContext] {
	return Behavior[*ProducerContext]{
		Name:      "initializer",
		SortIndex: InitializerIndex,
		Handle: func(ctx context.Context, pc *ProducerContext, next Next[*ProducerContext]) error {
			env := pc.Envelope
			env.Endpoint = pc.Endpoint.Name
			env.Topic = pc.Endpoint.Topic
			env.Headers.AddIfNotExists(envelope.HeaderMessageID, ids.CreateULID())

			if env.MessageType == "" {
				env.MessageType = pc.Endpoint.MessageType
			}
			if env.MessageType == "" {
				env.MessageType = env.Headers.Value(envelope.HeaderMessageType)
			}
			if env.MessageType == "" && env.Message != nil {
				env.MessageType = serialization.TypeName(env.Message)
			}
			if env.MessageType != "" {
				env.Headers.AddIfNotExists(envelope.HeaderMessageType, env.MessageType)
			}
			return next(ctx, pc)
		},
	}
}

func ProducerValidator(v Validator, logger logging.ServiceLogger) Behavior[*ProducerContext] {
	return Behavior[*ProducerContext]{
		Name:      "producer_validator",
		SortIndex: ProducerValidatorIndex,
		Handle: func(ctx context.Context, pc *ProducerContext, next Next[*ProducerContext]) error {
			fields := logging.LogFields{
				"endpoint":   pc.Endpoint.Name,
				"topic":      pc.Endpoint.Topic,
				"message_id": pc.Envelope.MessageID(),
			}
			if err := applyValidation(pc.Endpoint.Validation, v, pc.Envelope.Message, logger, fields); err != nil {
				return err
			}
			return next(ctx, pc)
		},
	}
}

// ProducerMetrics counts produced messages per endpoint and strategy.
func ProducerMetrics(m *metrics.Collectors) Behavior[*ProducerContext] {
	return Behavior[*ProducerContext]{
		Name:      "producer_metrics",
		SortIndex: ProducerMetricsIndex,
		Handle: func(ctx context.Context, pc *ProducerContext, next Next[*ProducerContext]) error {
			if err := next(ctx, pc); err != nil {
				return err
			}
			strategy := pc.Endpoint.Strategy.String()
			if pc.Relay {
				strategy = "relay"
			}
			m.Produced(pc.Endpoint.Name, strategy)
			return nil
		},
	}
}

// Serializer encodes the message unless the payload is already raw.
func Serializer() Behavior[*ProducerContext] {
	return Behavior[*ProducerContext]{
		Name:      "serializer",
		SortIndex: SerializerIndex,
		Handle: func(ctx context.Context, pc *ProducerContext, next Next[*ProducerContext]) error {
			if pc.Raw {
				return next(ctx, pc)
			}
			var serializer serialization.Serializer = serialization.AnyJSON{}
			if pc.Endpoint.Serializer != nil {
				serializer = pc.Endpoint.Serializer
			}
			payload, err := serializer.Serialize(ctx, pc.Envelope.Message, &pc.Envelope.Headers)
			if err != nil {
				return fmt.Errorf("failed to serialize message: %w", err)
			}
			pc.Envelope.Payload = payload
			return next(ctx, pc)
		},
	}
}

// OutboxRouter writes messages of outbox endpoints to the outbox and stops
// the pipeline. The outbox worker relays them later.
func OutboxRouter() Behavior[*ProducerContext] {
	return Behavior[*ProducerContext]{
		Name:      "outbox_router",
		SortIndex: OutboxRouterIndex,
		Handle: func(ctx context.Context, pc *ProducerContext, next Next[*ProducerContext]) error {
			if pc.Endpoint.Strategy != endpoint.Outbox || pc.Relay {
				return next(ctx, pc)
			}
			if pc.Outbox == nil {
				return rterrors.ErrOutboxNotConfigured
			}
			env := pc.Envelope
			return pc.Outbox.Write(ctx, outbox.Entry{
				MessageType: env.MessageType,
				Content:     env.Payload,
				Headers:     env.Headers.Clone(),
				Endpoint:    pc.Endpoint.Name,
				CreatedAt:   time.Now(),
			})
		},
	}
}

// ChunkSplitter splits payloads larger than the endpoint chunk size and hands
// every chunk to the rest of the pipeline in order. All chunks share the
// message id.
func ChunkSplitter() Behavior[*ProducerContext] {
	return Behavior[*ProducerContext]{
		Name:      "chunk_splitter",
		SortIndex: ChunkSplitterIndex,
		Handle: func(ctx context.Context, pc *ProducerContext, next Next[*ProducerContext]) error {
			size := pc.Endpoint.Chunk.Size
			payload := pc.Envelope.Payload
			if size <= 0 || (len(payload) <= size && !pc.Endpoint.Chunk.AlwaysAddHeaders) {
				return next(ctx, pc)
			}

			original := pc.Envelope
			defer func() { pc.Envelope = original }()

			count := max((len(payload)+size-1)/size, 1)
			for i := range count {
				chunk := original.Clone()
				chunk.Payload = payload[i*size : min((i+1)*size, len(payload))]
				chunk.Headers.Set(envelope.HeaderChunkIndex, strconv.Itoa(i))
				chunk.Headers.Set(envelope.HeaderChunkCount, strconv.Itoa(count))
				if i == count-1 {
					chunk.Headers.Set(envelope.HeaderChunkLast, "true")
				}
				pc.Envelope = chunk
				if err := next(ctx, pc); err != nil {
					return fmt.Errorf("failed to produce chunk %d of %d: %w", i, count, err)
				}
			}
			return nil
		},
	}
}

// Send returns the final stage of the outbound pipeline.
func Send(send func(ctx context.Context, env *envelope.Outbound) error) Next[*ProducerContext] {
	return func(ctx context.Context, pc *ProducerContext) error {
		if err := send(ctx, pc.Envelope); err != nil {
			return err
		}
		pc.Sent++
		return nil
	}
}
