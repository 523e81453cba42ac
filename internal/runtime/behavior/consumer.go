package behavior

import (
	"context"
	"errors"
	"strconv"

	"github.com/drblury/relayflow/internal/runtime/endpoint"
	"github.com/drblury/relayflow/internal/runtime/envelope"
	rterrors "github.com/drblury/relayflow/internal/runtime/errors"
	"github.com/drblury/relayflow/internal/runtime/logging"
	"github.com/drblury/relayflow/internal/runtime/metrics"
	"github.com/drblury/relayflow/internal/runtime/sequence"
	"github.com/drblury/relayflow/internal/runtime/transaction"
)

// Sort indexes of the built-in consumer behaviors.
const (
	ConsumerTracingIndex   = 0
	FatalLoggerIndex       = 50
	ConsumerMetricsIndex   = 70
	HooksIndex             = 80
	ChunkSequencerIndex    = 150
	ExactlyOnceIndex       = 250
	DeserializerIndex      = 300
	ConsumerValidatorIndex = 350
	SequencerIndex         = 400
)

// Outcome is what the inbound pipeline did with an envelope.
type Outcome int

const (
	// OutcomeProcessed means the subscriber received the message.
	OutcomeProcessed Outcome = iota
	// OutcomeBuffered means the envelope is held by an open sequence.
	OutcomeBuffered
	// OutcomeSkipped means the envelope was already processed.
	OutcomeSkipped
	// OutcomeStreamed means the envelope was handed to a stream subscriber.
	OutcomeStreamed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeBuffered:
		return "buffered"
	case OutcomeSkipped:
		return "skipped"
	case OutcomeStreamed:
		return "streamed"
	default:
		return "processed"
	}
}

// InboundMessage is what a subscriber receives. Exactly one of Envelope,
// Batch and Stream is set.
type InboundMessage struct {
	Envelope *envelope.Inbound
	Batch    []*envelope.Inbound
	Stream   *sequence.Reader
}

// Subscriber handles inbound messages.
type Subscriber func(ctx context.Context, msg InboundMessage) error

// StreamLauncher starts the subscriber of a newly opened stream.
type StreamLauncher interface {
	Launch(stream *sequence.Stream, reader *sequence.Reader)
}

// ConsumerContext travels through the inbound pipeline.
type ConsumerContext struct {
	Endpoint endpoint.Consumer
	// Envelope is nil when a sequence completed outside of a delivery, e.g. a
	// batch closed by its timer.
	Envelope *envelope.Inbound
	// Chunk is the chunk sequence the envelope belongs to. Once completed the
	// Envelope holds the reassembled message.
	Chunk *sequence.Chunk
	// Sequence is the batch or stream the message joined.
	Sequence  sequence.Sequence
	Sequences *sequence.Store
	Streams   StreamLauncher
	// Tx holds the side effects of this run. Sequencers move it into the
	// sequence transaction when they buffer the envelope.
	Tx       *transaction.Transaction
	Message  InboundMessage
	Outcome  Outcome
	Attempts int
}

// NewConsumerContext prepares a context for one pipeline run and returns the
// matching context.Context carrying the run transaction.
func NewConsumerContext(ctx context.Context, ep endpoint.Consumer, env *envelope.Inbound, store *sequence.Store) (context.Context, *ConsumerContext) {
	cc := &ConsumerContext{Endpoint: ep, Envelope: env, Sequences: store}
	if env != nil {
		cc.Attempts = env.FailedAttempts()
	}
	return cc.renewTx(ctx), cc
}

func (c *ConsumerContext) renewTx(ctx context.Context) context.Context {
	c.Tx = transaction.New()
	return transaction.WithTransaction(ctx, c.Tx)
}

// MessageID returns the id of the current envelope, if any.
func (c *ConsumerContext) MessageID() string {
	if c.Envelope == nil {
		return ""
	}
	return c.Envelope.MessageID()
}

// Fields returns log fields describing the current run.
func (c *ConsumerContext) Fields() logging.LogFields {
	fields := logging.LogFields{
		"endpoint": c.Endpoint.Name,
		"topic":    c.Endpoint.Topic,
		"attempts": c.Attempts,
	}
	if c.Envelope != nil {
		fields["message_id"] = c.Envelope.MessageID()
		if c.Envelope.Identifier != nil {
			fields["identifier"] = c.Envelope.Identifier.String()
		}
		for k, v := range c.Envelope.Diagnostics {
			fields[k] = v
		}
	}
	if c.Chunk != nil {
		fields["chunk_sequence_id"] = c.Chunk.ID()
	}
	if c.Sequence != nil {
		fields["sequence_id"] = c.Sequence.ID()
		fields["sequence_kind"] = c.Sequence.Kind().String()
	}
	return fields
}

// CompletedBatch returns the batch dispatched by this run, if any.
func (c *ConsumerContext) CompletedBatch() (*sequence.Batch, bool) {
	batch, ok := c.Sequence.(*sequence.Batch)
	if !ok || batch.State() != sequence.Completed {
		return nil, false
	}
	return batch, true
}

// Identifiers returns the broker identifiers settled by this run: the
// delivered envelope, every chunk of its chunk sequence and, once a batch
// completed, every envelope of the batch.
func (c *ConsumerContext) Identifiers() []envelope.Identifier {
	var ids []envelope.Identifier
	seen := map[string]struct{}{}
	add := func(list ...envelope.Identifier) {
		for _, id := range list {
			if id == nil {
				continue
			}
			key := id.Key() + "/" + id.String()
			if _, dup := seen[key]; dup {
				continue
			}
			seen[key] = struct{}{}
			ids = append(ids, id)
		}
	}
	if c.Envelope != nil {
		add(c.Envelope.Identifier)
	}
	if c.Chunk != nil {
		add(c.Chunk.Identifiers()...)
	}
	if batch, ok := c.CompletedBatch(); ok {
		add(batch.Identifiers()...)
	}
	return ids
}

// Commit commits the side effects of the run and of the batch it completed.
func (c *ConsumerContext) Commit(ctx context.Context) error {
	var errs []error
	if batch, ok := c.CompletedBatch(); ok {
		errs = append(errs, ignoreCompleted(batch.Transaction().Commit(ctx)))
	}
	errs = append(errs, ignoreCompleted(c.Tx.Commit(ctx)))
	return errors.Join(errs...)
}

// Rollback discards the side effects of the run, of an aborted chunk
// sequence and of the batch it completed.
func (c *ConsumerContext) Rollback(ctx context.Context) error {
	var errs []error
	if batch, ok := c.CompletedBatch(); ok {
		errs = append(errs, ignoreCompleted(batch.Transaction().Rollback(ctx)))
	}
	if c.Chunk != nil && c.Chunk.State() == sequence.Aborted {
		errs = append(errs, ignoreCompleted(c.Chunk.Transaction().Rollback(ctx)))
	}
	errs = append(errs, ignoreCompleted(c.Tx.Rollback(ctx)))
	return errors.Join(errs...)
}

// Retry rolls back the side effects of the failed attempt and prepares the
// next one. The attempt counter and the x-failed-attempts header are
// incremented. A completed chunk or batch is dispatched again without being
// rebuilt.
func (c *ConsumerContext) Retry(ctx context.Context) (context.Context, *ConsumerContext, error) {
	var errs []error
	if c.Chunk != nil && c.Chunk.State() == sequence.Aborted {
		errs = append(errs, ignoreCompleted(c.Chunk.Transaction().Rollback(ctx)))
	}
	errs = append(errs, ignoreCompleted(c.Tx.Rollback(ctx)))

	next := &ConsumerContext{
		Endpoint:  c.Endpoint,
		Envelope:  c.Envelope,
		Sequences: c.Sequences,
		Streams:   c.Streams,
		Attempts:  c.Attempts + 1,
	}
	if c.Chunk != nil && c.Chunk.State() == sequence.Completed {
		next.Chunk = c.Chunk
	}
	if batch, ok := c.CompletedBatch(); ok {
		next.Sequence = batch
		next.Envelope = nil
	}
	if next.Envelope != nil {
		retried := &envelope.Inbound{Raw: next.Envelope.CloneRaw(), Message: next.Envelope.Message}
		retried.Headers.Set(envelope.HeaderFailedAttempts, strconv.Itoa(next.Attempts))
		next.Envelope = retried
	}
	return next.renewTx(ctx), next, errors.Join(errs...)
}

func ignoreCompleted(err error) error {
	if errors.Is(err, rterrors.ErrTransactionCompleted) {
		return nil
	}
	return err
}

// ConsumerOptions supplies the collaborators of the built-in consumer behaviors.
type ConsumerOptions struct {
	Logger    logging.ServiceLogger
	Metrics   *metrics.Collectors
	Hooks     JobHooks
	Validator Validator
}

// DefaultConsumerBehaviors returns the built-in inbound behaviors.
func DefaultConsumerBehaviors(opts ConsumerOptions) []Behavior[*ConsumerContext] {
	logger := opts.Logger
	if logger == nil {
		logger = logging.NopLogger()
	}
	return []Behavior[*ConsumerContext]{
		ConsumerTracing(),
		FatalErrorLogger(logger),
		ConsumerMetrics(opts.Metrics),
		Hooks(opts.Hooks),
		ChunkSequencer(),
		ExactlyOnceGuard(),
		Deserializer(),
		ConsumerValidator(opts.Validator, logger),
		Sequencer(),
	}
}

// Dispatch returns the final stage of the inbound pipeline, handing the
// prepared message to subscriber.
func Dispatch(subscriber Subscriber) Next[*ConsumerContext] {
	return func(ctx context.Context, cc *ConsumerContext) error {
		return subscriber(ctx, cc.Message)
	}
}
