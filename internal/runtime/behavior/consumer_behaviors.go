package behavior

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/drblury/relayflow/internal/runtime/envelope"
	rterrors "github.com/drblury/relayflow/internal/runtime/errors"
	"github.com/drblury/relayflow/internal/runtime/logging"
	"github.com/drblury/relayflow/internal/runtime/metrics"
	"github.com/drblury/relayflow/internal/runtime/sequence"
	"github.com/drblury/relayflow/internal/runtime/serialization"
)

// FatalErrorLogger logs every error escaping the inner pipeline and turns
// panics into fatal errors. The error is returned unchanged.
func FatalErrorLogger(logger logging.ServiceLogger) Behavior[*ConsumerContext] {
	return Behavior[*ConsumerContext]{
		Name:      "fatal_error_logger",
		SortIndex: FatalLoggerIndex,
		Handle: func(ctx context.Context, cc *ConsumerContext, next Next[*ConsumerContext]) (err error) {
			defer func() {
				if r := recover(); r != nil {
					err = rterrors.Fatal(fmt.Errorf("panic while processing message: %v", r))
					logger.Error("Recovered from panic in consumer pipeline", err, logging.Merge(cc.Fields(), logging.LogFields{
						"stack": string(debug.Stack()),
					}))
					return
				}
				if err != nil {
					logger.Error("Failed to process message", err, logging.Merge(cc.Fields(), logging.LogFields{
						"error_kind": rterrors.Classify(err).String(),
					}))
				}
			}()
			return next(ctx, cc)
		},
	}
}

// ConsumerMetrics records the outcome and duration of every run.
func ConsumerMetrics(m *metrics.Collectors) Behavior[*ConsumerContext] {
	return Behavior[*ConsumerContext]{
		Name:      "consumer_metrics",
		SortIndex: ConsumerMetricsIndex,
		Handle: func(ctx context.Context, cc *ConsumerContext, next Next[*ConsumerContext]) error {
			start := time.Now()
			err := next(ctx, cc)

			name := cc.Endpoint.Name
			m.Consumed(name, cc.Outcome.String(), time.Since(start), err)
			if err == nil && cc.Outcome == OutcomeSkipped {
				m.Duplicate(name)
			}
			if batch, ok := cc.CompletedBatch(); ok && err == nil {
				m.SequenceCompleted(name, batch.Kind().String())
			}
			if cc.Chunk != nil {
				switch cc.Chunk.State() {
				case sequence.Aborted:
					m.SequenceAborted(name, cc.Chunk.Kind().String(), abortReason(cc.Chunk.Err()))
				case sequence.Completed:
					if err == nil {
						m.SequenceCompleted(name, cc.Chunk.Kind().String())
					}
				}
			}
			return err
		},
	}
}

func abortReason(err error) string {
	var abortErr *sequence.AbortError
	if errors.As(err, &abortErr) {
		return abortErr.Reason.String()
	}
	return "unknown"
}

// ChunkSequencer collects chunked envelopes and continues the pipeline with
// the reassembled message once the last chunk arrived. Envelopes without chunk
// headers pass through.
func ChunkSequencer() Behavior[*ConsumerContext] {
	return Behavior[*ConsumerContext]{
		Name:      "chunk_sequencer",
		SortIndex: ChunkSequencerIndex,
		Handle: func(ctx context.Context, cc *ConsumerContext, next Next[*ConsumerContext]) error {
			if cc.Envelope == nil || (cc.Chunk != nil && cc.Chunk.State() == sequence.Completed) {
				return next(ctx, cc)
			}
			info, ok, err := sequence.ReadChunkInfo(cc.Envelope.Headers)
			if err != nil {
				return err
			}
			if !ok {
				return next(ctx, cc)
			}

			chunk, err := openChunk(cc, info)
			if err != nil {
				return err
			}
			cc.Chunk = chunk

			result, err := chunk.Add(cc.Envelope)
			if err != nil {
				return err
			}
			if err := chunk.Transaction().Enlist(cc.Tx); err != nil {
				return err
			}
			if result != sequence.AddCompleted {
				cc.Outcome = OutcomeBuffered
				return nil
			}

			whole, err := chunk.Reassemble()
			if err != nil {
				return err
			}
			cc.Envelope = whole
			ctx = cc.renewTx(ctx)
			if err := cc.Tx.Enlist(chunk.Transaction()); err != nil {
				return err
			}
			return next(ctx, cc)
		},
	}
}

func openChunk(cc *ConsumerContext, info sequence.ChunkInfo) (*sequence.Chunk, error) {
	id := cc.Envelope.MessageID()
	if id == "" {
		return nil, fmt.Errorf("%w: chunk without %s", rterrors.ErrInvalidChunkHeaders, envelope.HeaderMessageID)
	}
	if seq, ok := cc.Sequences.Get(id); ok {
		chunk, isChunk := seq.(*sequence.Chunk)
		if !isChunk {
			return nil, fmt.Errorf("%w: %s is a %s sequence", rterrors.ErrSequenceExists, id, seq.Kind())
		}
		return chunk, nil
	}
	return cc.Sequences.NewChunk(id, info.Count, cc.Endpoint.Sequence)
}

// ExactlyOnceGuard skips envelopes the endpoint strategy reports as already
// processed. Store failures are fatal.
func ExactlyOnceGuard() Behavior[*ConsumerContext] {
	return Behavior[*ConsumerContext]{
		Name:      "exactly_once_guard",
		SortIndex: ExactlyOnceIndex,
		Handle: func(ctx context.Context, cc *ConsumerContext, next Next[*ConsumerContext]) error {
			strategy := cc.Endpoint.ExactlyOnce
			if cc.Envelope == nil || strategy == nil {
				return next(ctx, cc)
			}
			processed, err := strategy.Check(ctx, cc.Envelope, cc.Endpoint.Name)
			if err != nil {
				return rterrors.Fatal(fmt.Errorf("exactly-once %s check failed: %w", strategy.Name(), err))
			}
			if processed {
				cc.Outcome = OutcomeSkipped
				return nil
			}
			return next(ctx, cc)
		},
	}
}

// Deserializer decodes the payload with the endpoint serializer.
func Deserializer() Behavior[*ConsumerContext] {
	return Behavior[*ConsumerContext]{
		Name:      "deserializer",
		SortIndex: DeserializerIndex,
		Handle: func(ctx context.Context, cc *ConsumerContext, next Next[*ConsumerContext]) error {
			if cc.Envelope == nil || cc.Envelope.Message != nil {
				return next(ctx, cc)
			}
			var serializer serialization.Serializer = serialization.AnyJSON{}
			if cc.Endpoint.Serializer != nil {
				serializer = cc.Endpoint.Serializer
			}
			msg, err := serializer.Deserialize(ctx, cc.Envelope.Payload, cc.Envelope.Headers)
			if err != nil {
				return fmt.Errorf("failed to deserialize message: %w", err)
			}
			decoded := *cc.Envelope
			decoded.Message = msg
			cc.Envelope = &decoded
			return next(ctx, cc)
		},
	}
}

// ConsumerValidator validates the deserialized message according to the
// endpoint validation mode.
func ConsumerValidator(v Validator, logger logging.ServiceLogger) Behavior[*ConsumerContext] {
	return Behavior[*ConsumerContext]{
		Name:      "consumer_validator",
		SortIndex: ConsumerValidatorIndex,
		Handle: func(ctx context.Context, cc *ConsumerContext, next Next[*ConsumerContext]) error {
			if cc.Envelope == nil {
				return next(ctx, cc)
			}
			if err := applyValidation(cc.Endpoint.Validation, v, cc.Envelope.Message, logger, cc.Fields()); err != nil {
				return err
			}
			return next(ctx, cc)
		},
	}
}

// Sequencer groups envelopes into batches or hands them to a stream when the
// endpoint asks for it and otherwise prepares a single-envelope message.
func Sequencer() Behavior[*ConsumerContext] {
	return Behavior[*ConsumerContext]{
		Name:      "sequencer",
		SortIndex: SequencerIndex,
		Handle: func(ctx context.Context, cc *ConsumerContext, next Next[*ConsumerContext]) error {
			if batch, ok := cc.CompletedBatch(); ok {
				cc.Message = InboundMessage{Batch: batch.Envelopes()}
				return next(ctx, cc)
			}
			if cc.Envelope == nil {
				return nil
			}
			switch {
			case cc.Endpoint.Batching():
				return addToBatch(ctx, cc, next)
			case cc.Endpoint.Stream.Enabled:
				return addToStream(ctx, cc)
			default:
				cc.Message = InboundMessage{Envelope: cc.Envelope}
				return next(ctx, cc)
			}
		},
	}
}

func addToBatch(ctx context.Context, cc *ConsumerContext, next Next[*ConsumerContext]) error {
	var (
		batch  *sequence.Batch
		result sequence.AddResult
		err    error
	)
	// The batch timer may close the active batch between lookup and Add.
	for range 2 {
		batch, err = activeBatch(cc)
		if err != nil {
			return err
		}
		result, err = batch.Add(cc.Envelope)
		if !errors.Is(err, rterrors.ErrSequenceNotAdding) {
			break
		}
	}
	if err != nil {
		return err
	}

	cc.Sequence = batch
	if err := batch.Transaction().Enlist(cc.Tx); err != nil {
		return err
	}
	if result != sequence.AddCompleted {
		cc.Outcome = OutcomeBuffered
		return nil
	}
	ctx = cc.renewTx(ctx)
	cc.Message = InboundMessage{Batch: batch.Envelopes()}
	return next(ctx, cc)
}

func activeBatch(cc *ConsumerContext) (*sequence.Batch, error) {
	if seq, ok := cc.Sequences.Active(sequence.KindBatch); ok {
		if batch, isBatch := seq.(*sequence.Batch); isBatch {
			return batch, nil
		}
	}
	return cc.Sequences.NewBatch(cc.Endpoint.Batch.Size, cc.Endpoint.Batch.MaxWait)
}

func addToStream(ctx context.Context, cc *ConsumerContext) error {
	stream, err := activeStream(cc)
	if err != nil {
		return err
	}
	cc.Sequence = stream
	if err := stream.Add(ctx, cc.Envelope); err != nil {
		return err
	}
	cc.Outcome = OutcomeStreamed
	return nil
}

func activeStream(cc *ConsumerContext) (*sequence.Stream, error) {
	if seq, ok := cc.Sequences.Active(sequence.KindStream); ok {
		if stream, isStream := seq.(*sequence.Stream); isStream {
			return stream, nil
		}
	}
	if cc.Streams == nil {
		return nil, errors.New("stream endpoint has no stream launcher")
	}
	stream, err := cc.Sequences.NewStream(cc.Endpoint.Stream.BufferSize, cc.Endpoint.Sequence)
	if err != nil {
		return nil, err
	}
	reader, err := stream.Subscribe()
	if err != nil {
		stream.Abort(err)
		return nil, err
	}
	cc.Streams.Launch(stream, reader)
	return stream, nil
}
