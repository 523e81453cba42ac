package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/drblury/relayflow/internal/runtime/envelope"
	rterrors "github.com/drblury/relayflow/internal/runtime/errors"
)

// Adapter exposes a Watermill transport through the relayflow broker
// contract. Delivered messages stay pending until their identifiers are
// committed, rolled back or released.
type Adapter struct {
	name      string
	caps      Capabilities
	transport Transport
	identify  IdentifierFunc
	logger    watermill.LoggerAdapter

	// inflight maps identifier keys to pending *message.Message values.
	inflight sync.Map

	mu        sync.Mutex
	connected bool
	closed    bool
	cancel    context.CancelFunc
	runCtx    context.Context
	receivers sync.WaitGroup
}

// NewAdapter wraps t. A nil logger discards Watermill logs.
func NewAdapter(name string, t Transport, caps Capabilities, logger watermill.LoggerAdapter) *Adapter {
	if logger == nil {
		logger = watermill.NopLogger{}
	}
	identify := t.Identify
	if identify == nil {
		identify = IdentifyByUUID
	}
	if caps.Name == "" {
		caps.Name = name
	}
	return &Adapter{
		name:      name,
		caps:      caps,
		transport: t,
		identify:  identify,
		logger:    logger.With(watermill.LogFields{"transport": name}),
	}
}

func (a *Adapter) Name() string { return a.name }

func (a *Adapter) Capabilities() Capabilities { return a.caps }

// Connect prepares the adapter for Receive. Watermill publishers and
// subscribers connect lazily, so nothing is dialed here. An adapter can be
// connected again after Disconnect, but not after Close.
func (a *Adapter) Connect(context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.connected {
		return rterrors.ErrBrokerConnected
	}
	if a.closed {
		return fmt.Errorf("transport %q is closed", a.name)
	}
	if a.transport.Publisher == nil || a.transport.Subscriber == nil {
		return fmt.Errorf("transport %q has no publisher or subscriber", a.name)
	}
	a.runCtx, a.cancel = context.WithCancel(context.Background())
	a.connected = true
	return nil
}

// Disconnect stops every receiver and negatively acknowledges messages that
// are still pending. The Watermill publisher and subscriber stay open so the
// adapter can connect again.
func (a *Adapter) Disconnect(context.Context) error {
	a.mu.Lock()
	if !a.connected {
		a.mu.Unlock()
		return rterrors.ErrBrokerNotConnected
	}
	a.connected = false
	a.cancel()
	a.mu.Unlock()

	a.receivers.Wait()
	a.inflight.Range(func(key, value any) bool {
		if _, loaded := a.inflight.LoadAndDelete(key); loaded {
			value.(*message.Message).Nack()
		}
		return true
	})
	return nil
}

// Close disconnects the adapter if needed and closes the Watermill publisher
// and subscriber. Closing twice is a no-op.
func (a *Adapter) Close(ctx context.Context) error {
	if err := a.Disconnect(ctx); err != nil && !errors.Is(err, rterrors.ErrBrokerNotConnected) {
		return err
	}

	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	a.mu.Unlock()

	var errs []error
	if a.transport.Publisher != nil {
		if err := a.transport.Publisher.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close publisher: %w", err))
		}
	}
	if a.transport.Subscriber == nil {
		return errors.Join(errs...)
	}
	if err := a.transport.Subscriber.Close(); err != nil {
		errs = append(errs, fmt.Errorf("failed to close subscriber: %w", err))
	}
	return errors.Join(errs...)
}

// Send publishes env on its topic. The Watermill UUID is always fresh because
// chunks share their message id.
func (a *Adapter) Send(ctx context.Context, env *envelope.Outbound) error {
	if !a.isConnected() {
		return rterrors.ErrBrokerNotConnected
	}
	msg := message.NewMessage(watermill.NewULID(), env.Payload)
	msg.Metadata = envelope.ToWatermill(env.Headers)
	msg.SetContext(ctx)
	if err := a.transport.Publisher.Publish(env.Topic, msg); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", env.Topic, err)
	}
	return nil
}

// Receive subscribes to topic. The channel closes when ctx is cancelled, the
// adapter disconnects or the subscription ends.
func (a *Adapter) Receive(ctx context.Context, topic string) (<-chan *envelope.Inbound, error) {
	a.mu.Lock()
	if !a.connected {
		a.mu.Unlock()
		return nil, rterrors.ErrBrokerNotConnected
	}
	runCtx := a.runCtx
	a.receivers.Add(1)
	a.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(runCtx, cancel)

	messages, err := a.transport.Subscriber.Subscribe(ctx, topic)
	if err != nil {
		stop()
		cancel()
		a.receivers.Done()
		return nil, fmt.Errorf("failed to subscribe to %s: %w", topic, err)
	}

	out := make(chan *envelope.Inbound)
	go func() {
		defer a.receivers.Done()
		defer cancel()
		defer stop()
		defer close(out)
		a.forward(ctx, topic, messages, out)
	}()
	return out, nil
}

func (a *Adapter) forward(ctx context.Context, topic string, messages <-chan *message.Message, out chan<- *envelope.Inbound) {
	for {
		var msg *message.Message
		select {
		case <-ctx.Done():
			return
		case m, ok := <-messages:
			if !ok {
				return
			}
			msg = m
		}

		id := a.identify(topic, msg)
		key := identifierKey(id)
		if _, loaded := a.inflight.LoadOrStore(key, msg); loaded {
			a.logger.Info("Message is being processed already", watermill.LogFields{
				"topic":      topic,
				"identifier": id.String(),
			})
			msg.Ack()
			continue
		}

		env := &envelope.Inbound{Raw: envelope.Raw{
			Headers:    envelope.FromWatermill(msg.Metadata),
			Payload:    msg.Payload,
			Topic:      topic,
			Identifier: id,
			Diagnostics: map[string]string{
				"transport":      a.name,
				"watermill_uuid": msg.UUID,
			},
		}}
		select {
		case out <- env:
		case <-ctx.Done():
			a.settle([]envelope.Identifier{id}, (*message.Message).Nack)
			return
		}
	}
}

// Commit acknowledges the messages behind ids.
func (a *Adapter) Commit(_ context.Context, ids []envelope.Identifier) error {
	a.settle(ids, (*message.Message).Ack)
	return nil
}

// Rollback negatively acknowledges the messages behind ids so the transport
// redelivers them.
func (a *Adapter) Rollback(_ context.Context, ids []envelope.Identifier) error {
	a.settle(ids, (*message.Message).Nack)
	return nil
}

// Release acknowledges buffered messages early so transports that deliver one
// message at a time keep going. Later commits and rollbacks of released
// identifiers are no-ops.
func (a *Adapter) Release(ctx context.Context, ids []envelope.Identifier) error {
	if !a.caps.BlocksUntilAck {
		return nil
	}
	return a.Commit(ctx, ids)
}

// Pending returns the number of delivered messages that are not settled yet.
func (a *Adapter) Pending() int {
	n := 0
	a.inflight.Range(func(any, any) bool {
		n++
		return true
	})
	return n
}

func (a *Adapter) settle(ids []envelope.Identifier, fn func(*message.Message) bool) {
	for _, id := range ids {
		if id == nil {
			continue
		}
		if pending, ok := a.inflight.LoadAndDelete(identifierKey(id)); ok {
			fn(pending.(*message.Message))
		}
	}
}

func (a *Adapter) isConnected() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.connected
}

func identifierKey(id envelope.Identifier) string {
	return id.Key() + "/" + id.Value()
}
