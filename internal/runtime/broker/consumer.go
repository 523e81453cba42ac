package broker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/drblury/relayflow/internal/runtime/behavior"
	"github.com/drblury/relayflow/internal/runtime/endpoint"
	"github.com/drblury/relayflow/internal/runtime/envelope"
	"github.com/drblury/relayflow/internal/runtime/errorpolicy"
	rterrors "github.com/drblury/relayflow/internal/runtime/errors"
	"github.com/drblury/relayflow/internal/runtime/logging"
	"github.com/drblury/relayflow/internal/runtime/sequence"
	"github.com/drblury/relayflow/internal/runtime/status"
)

const (
	resubscribeAttempts = 5
	resubscribeDelay    = 100 * time.Millisecond
)

// Consumer receives the messages of one endpoint. All processing happens on
// a single goroutine, in arrival order.
type Consumer struct {
	broker     *Broker
	endpoint   endpoint.Consumer
	subscriber behavior.Subscriber
	tracker    *status.Tracker
	logger     logging.ServiceLogger

	mu      sync.Mutex
	store   *sequence.Store
	ctx     context.Context
	cancel  context.CancelFunc
	done    chan struct{}
	err     error
	streams sync.WaitGroup
	failed  chan streamFailure
}

type streamFailure struct {
	stream *sequence.Stream
	err    error
}

func newConsumer(b *Broker, ep endpoint.Consumer, subscriber behavior.Subscriber) *Consumer {
	c := &Consumer{
		broker:     b,
		endpoint:   ep,
		subscriber: subscriber,
		tracker:    status.NewConsumerTracker(),
		logger:     b.logger.With(logging.LogFields{"endpoint": ep.Name, "topic": ep.Topic}),
	}
	c.tracker.OnChange(func(change status.Change) {
		b.metrics.Status("consumer", ep.Name, int(change.Status))
		c.logger.Debug("Consumer status changed", logging.LogFields{"status": change.Status.String()})
	})
	return c
}

func (c *Consumer) Endpoint() endpoint.Consumer { return c.endpoint }

// Status returns the tracker recording the consumer lifecycle.
func (c *Consumer) Status() *status.Tracker { return c.tracker }

// Err returns the error that stopped the consumer, nil while it runs or after
// a regular disconnect.
func (c *Consumer) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Done is closed once the consumer loop has exited.
func (c *Consumer) Done() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.done == nil {
		closed := make(chan struct{})
		close(closed)
		return closed
	}
	return c.done
}

func (c *Consumer) start(ctx context.Context) error {
	c.tracker.RecordConnected(false)

	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	deliveries, err := c.broker.adapter.Receive(loopCtx, c.endpoint.Topic)
	if err != nil {
		cancel()
		c.tracker.RecordDisconnected()
		return err
	}

	c.mu.Lock()
	c.store = sequence.NewStore()
	c.ctx = loopCtx
	c.cancel = cancel
	c.done = make(chan struct{})
	c.err = nil
	c.failed = make(chan streamFailure)
	c.mu.Unlock()

	c.tracker.RecordReady()
	c.logger.Info("Consumer started", nil)
	go c.run(loopCtx, deliveries)
	return nil
}

// stop cancels the loop and waits for it. Safe to call repeatedly.
func (c *Consumer) stop() {
	c.mu.Lock()
	cancel, done := c.cancel, c.done
	c.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (c *Consumer) run(ctx context.Context, deliveries <-chan *envelope.Inbound) {
	err := c.loop(ctx, deliveries)
	c.shutdown(err)
}

func (c *Consumer) loop(ctx context.Context, deliveries <-chan *envelope.Inbound) error {
	events := c.store.Events()
	for {
		select {
		case <-ctx.Done():
			return nil
		case env, ok := <-deliveries:
			if !ok {
				if ctx.Err() != nil {
					return nil
				}
				var err error
				if deliveries, err = c.resubscribe(ctx); err != nil {
					if ctx.Err() != nil {
						return nil
					}
					return err
				}
				continue
			}
			if err := c.deliver(ctx, env); err != nil {
				return err
			}
		case ev := <-events:
			if err := c.handleEvent(ctx, ev); err != nil {
				return err
			}
		case failure := <-c.failed:
			if err := c.handleStreamFailure(ctx, failure); err != nil {
				return err
			}
		}
	}
}

// resubscribe replaces a delivery channel the adapter closed on its own. The
// consumer steps back to connected until the new subscription is up.
func (c *Consumer) resubscribe(ctx context.Context) (<-chan *envelope.Inbound, error) {
	c.tracker.RecordConnected(true)
	c.logger.Warn("Delivery channel closed by the adapter, resubscribing", nil)

	var errs []error
	for attempt := 1; attempt <= resubscribeAttempts; attempt++ {
		deliveries, err := c.broker.adapter.Receive(ctx, c.endpoint.Topic)
		if err == nil {
			c.tracker.RecordReady()
			c.logger.Info("Consumer resubscribed", logging.LogFields{"attempt": attempt})
			return deliveries, nil
		}
		errs = append(errs, err)
		if attempt < resubscribeAttempts && !sleep(ctx, resubscribeDelay*time.Duration(attempt)) {
			return nil, ctx.Err()
		}
	}
	return nil, fmt.Errorf("delivery channel closed by the adapter, resubscribing failed: %w", errors.Join(errs...))
}

func (c *Consumer) shutdown(cause error) {
	c.cancel()
	// Every open sequence is aborted as disconnected and its delivery
	// transaction rolled back.
	ctx := context.WithoutCancel(c.ctx)
	for _, seq := range c.store.Close(rterrors.ErrSequenceCancelled) {
		c.discard(ctx, seq)
	}
	c.streams.Wait()
	c.tracker.RecordDisconnected()

	c.mu.Lock()
	c.err = cause
	c.cancel = nil
	close(c.done)
	c.mu.Unlock()

	if cause != nil {
		c.logger.Error("Consumer stopped", cause, nil)
		return
	}
	c.logger.Info("Consumer stopped", nil)
}

// deliver runs one delivered envelope through the pipeline.
func (c *Consumer) deliver(ctx context.Context, env *envelope.Inbound) error {
	env.Endpoint = c.endpoint.Name
	runCtx, cc := behavior.NewConsumerContext(ctx, c.endpoint, env, c.store)
	cc.Streams = c
	return c.process(ctx, runCtx, cc, env.Identifier)
}

// handleEvent settles sequences finished by their timers.
func (c *Consumer) handleEvent(ctx context.Context, ev sequence.Event) error {
	seq := ev.Sequence
	switch ev.Kind {
	case sequence.EventCompleted:
		runCtx, cc := behavior.NewConsumerContext(ctx, c.endpoint, nil, c.store)
		cc.Streams = c
		cc.Sequence = seq
		return c.process(ctx, runCtx, cc, nil)
	case sequence.EventTimedOut:
		c.logger.Warn("Sequence timed out", logging.LogFields{
			"sequence_id":   seq.ID(),
			"sequence_kind": seq.Kind().String(),
			"envelopes":     seq.Len(),
		})
		c.broker.metrics.SequenceAborted(c.endpoint.Name, seq.Kind().String(), sequence.AbortTimeout.String())
		c.discard(ctx, seq)
	}
	return nil
}

// discard rolls back an aborted sequence. Stream envelopes were settled when
// they were handed off.
func (c *Consumer) discard(ctx context.Context, seq sequence.Sequence) {
	if err := seq.Transaction().Rollback(ctx); err != nil && !errors.Is(err, rterrors.ErrTransactionCompleted) {
		c.logger.Error("Failed to roll back sequence", err, logging.LogFields{"sequence_id": seq.ID()})
	}
	if seq.Kind() == sequence.KindStream {
		return
	}
	c.rollback(ctx, seq.Identifiers())
}

// process executes the pipeline and applies the error policy until the run
// is settled. A returned error stops the consumer.
func (c *Consumer) process(ctx, runCtx context.Context, cc *behavior.ConsumerContext, delivered envelope.Identifier) error {
	for {
		err := c.broker.consumerPipeline.Execute(runCtx, cc, behavior.Dispatch(c.subscriber))
		if err == nil {
			return c.settle(ctx, cc, delivered)
		}
		if ctx.Err() != nil {
			c.abandon(ctx, cc)
			return nil
		}
		if rterrors.IsFatal(err) {
			c.abandon(ctx, cc)
			return err
		}

		failure := errorpolicy.Failure{Envelope: cc.Envelope, Err: err, Attempts: cc.Attempts + 1}
		action := decide(c.endpoint.ErrorPolicy, failure)
		c.broker.metrics.PolicyAction(c.endpoint.Name, action.Kind.String())
		fields := logging.Merge(cc.Fields(), logging.LogFields{
			"action": action.Kind.String(),
			"policy": action.Policy,
		})

		switch action.Kind {
		case errorpolicy.ActionSkip:
			c.logger.Warn("Skipping failed message", logging.Merge(fields, logging.LogFields{"error": err.Error()}))
			c.rollbackRun(ctx, cc)
			c.commit(ctx, cc.Identifiers())
			return nil
		case errorpolicy.ActionRetry:
			c.logger.Info("Retrying failed message", logging.Merge(fields, logging.LogFields{"delay": action.Delay.String()}))
			if !sleep(ctx, action.Delay) {
				c.abandon(ctx, cc)
				return nil
			}
			var retryErr error
			runCtx, cc, retryErr = cc.Retry(ctx)
			if retryErr != nil {
				c.logger.Error("Failed to roll back before retry", retryErr, fields)
			}
		case errorpolicy.ActionMove:
			if moveErr := c.move(ctx, cc, action, err); moveErr != nil {
				c.abandon(ctx, cc)
				return fmt.Errorf("failed to move message to %q: %w", action.Endpoint, errors.Join(moveErr, err))
			}
			c.logger.Warn("Moved failed message", logging.Merge(fields, logging.LogFields{"target": action.Endpoint}))
			c.rollbackRun(ctx, cc)
			c.commit(ctx, cc.Identifiers())
			return nil
		default:
			c.abandon(ctx, cc)
			return err
		}
	}
}

func decide(policy errorpolicy.Policy, f errorpolicy.Failure) errorpolicy.Action {
	if policy == nil || !policy.CanHandle(f) {
		return errorpolicy.Action{Kind: errorpolicy.ActionStop}
	}
	return policy.Handle(f)
}

// settle commits a successful run. Buffered envelopes are only released;
// their transaction belongs to the sequence.
func (c *Consumer) settle(ctx context.Context, cc *behavior.ConsumerContext, delivered envelope.Identifier) error {
	if delivered != nil {
		c.tracker.RecordActivity(delivered)
	}
	if cc.Outcome == behavior.OutcomeBuffered {
		if delivered != nil {
			c.release(ctx, []envelope.Identifier{delivered})
		}
		return nil
	}
	if err := cc.Commit(ctx); err != nil {
		c.abandon(ctx, cc)
		return rterrors.Fatal(fmt.Errorf("failed to commit transaction: %w", err))
	}
	c.commit(ctx, cc.Identifiers())
	return nil
}

// abandon rolls back the run and hands its identifiers back to the broker.
// It also runs while the consumer is stopping.
func (c *Consumer) abandon(ctx context.Context, cc *behavior.ConsumerContext) {
	ctx = context.WithoutCancel(ctx)
	c.rollbackRun(ctx, cc)
	c.rollback(ctx, cc.Identifiers())
}

func (c *Consumer) rollbackRun(ctx context.Context, cc *behavior.ConsumerContext) {
	if err := cc.Rollback(ctx); err != nil {
		c.logger.Error("Failed to roll back transaction", err, cc.Fields())
	}
}

func (c *Consumer) commit(ctx context.Context, ids []envelope.Identifier) {
	if len(ids) == 0 {
		return
	}
	if err := c.broker.adapter.Commit(ctx, ids); err != nil {
		c.tracker.RecordConnected(true)
		c.logger.Error("Failed to commit identifiers", err, logging.LogFields{"identifiers": len(ids)})
	}
}

func (c *Consumer) rollback(ctx context.Context, ids []envelope.Identifier) {
	if len(ids) == 0 {
		return
	}
	if err := c.broker.adapter.Rollback(ctx, ids); err != nil {
		c.tracker.RecordConnected(true)
		c.logger.Error("Failed to roll back identifiers", err, logging.LogFields{"identifiers": len(ids)})
	}
}

func (c *Consumer) release(ctx context.Context, ids []envelope.Identifier) {
	releaser, ok := c.broker.adapter.(Releaser)
	if !ok {
		return
	}
	if err := releaser.Release(ctx, ids); err != nil {
		c.logger.Error("Failed to release identifiers", err, logging.LogFields{"identifiers": len(ids)})
	}
}

// move republishes the failed content to the target endpoint. A failed batch
// moves every envelope.
func (c *Consumer) move(ctx context.Context, cc *behavior.ConsumerContext, action errorpolicy.Action, cause error) error {
	target, err := c.broker.targets().ProducerByName(action.Endpoint)
	if err != nil {
		return err
	}
	envelopes := []*envelope.Inbound{cc.Envelope}
	if batch, ok := cc.CompletedBatch(); ok {
		envelopes = batch.Envelopes()
	}
	for _, env := range envelopes {
		if env == nil {
			continue
		}
		headers := env.Headers.Clone()
		headers.Remove(envelope.HeaderChunkIndex)
		headers.Remove(envelope.HeaderChunkCount)
		headers.Remove(envelope.HeaderChunkLast)
		if action.FailureHeaders {
			headers.Set(envelope.HeaderFailureReason, cause.Error())
			headers.Set(envelope.HeaderSourceEndpoint, c.endpoint.Name)
		}
		if err := target.RawProduce(ctx, env.Payload, headers); err != nil {
			return err
		}
	}
	c.broker.metrics.Moved(c.endpoint.Name, action.Endpoint, cc.Attempts+1)
	return nil
}

// Launch runs the subscriber of a new stream on its own goroutine.
func (c *Consumer) Launch(stream *sequence.Stream, reader *sequence.Reader) {
	c.streams.Add(1)
	go func() {
		defer c.streams.Done()
		err := c.subscriber(c.ctx, behavior.InboundMessage{Stream: reader})
		if err == nil {
			if stream.Complete() {
				c.broker.metrics.SequenceCompleted(c.endpoint.Name, stream.Kind().String())
			}
			return
		}
		stream.Abort(err)
		select {
		case c.failed <- streamFailure{stream: stream, err: err}:
		case <-c.ctx.Done():
		}
	}()
}

// handleStreamFailure applies the error policy to a failed stream subscriber.
// Only Skip keeps the consumer running.
func (c *Consumer) handleStreamFailure(ctx context.Context, failure streamFailure) error {
	fields := logging.LogFields{"sequence_id": failure.stream.ID()}
	if errors.Is(failure.err, context.Canceled) && failure.stream.State() == sequence.Aborted {
		// The stream timed out; handleEvent reports it.
		c.logger.Debug("Stream subscriber cancelled", fields)
		return nil
	}
	action := decide(c.endpoint.ErrorPolicy, errorpolicy.Failure{Err: failure.err, Attempts: 1})
	c.broker.metrics.PolicyAction(c.endpoint.Name, action.Kind.String())
	c.broker.metrics.SequenceAborted(c.endpoint.Name, sequence.KindStream.String(), sequence.AbortExplicit.String())
	if action.Kind == errorpolicy.ActionSkip {
		c.logger.Warn("Skipping failed stream", logging.Merge(fields, logging.LogFields{"error": failure.err.Error()}))
		return nil
	}
	return fmt.Errorf("stream subscriber failed: %w", failure.err)
}

func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}
