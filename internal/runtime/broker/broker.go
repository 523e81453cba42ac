package broker

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/drblury/relayflow/internal/runtime/behavior"
	"github.com/drblury/relayflow/internal/runtime/endpoint"
	"github.com/drblury/relayflow/internal/runtime/errorpolicy"
	rterrors "github.com/drblury/relayflow/internal/runtime/errors"
	"github.com/drblury/relayflow/internal/runtime/logging"
	"github.com/drblury/relayflow/internal/runtime/metrics"
	"github.com/drblury/relayflow/internal/runtime/outbox"
)

// Options configures a Broker. Only the adapter passed to New is required.
type Options struct {
	// Name identifies the broker inside a Collection. Defaults to the adapter name.
	Name   string
	Logger logging.ServiceLogger
	// Metrics may be nil.
	Metrics *metrics.Collectors
	// Outbox receives messages of producers using the outbox strategy.
	Outbox    behavior.OutboxWriter
	Hooks     behavior.JobHooks
	Validator behavior.Validator
	// ConsumerBehaviors and ProducerBehaviors are added to the built-in ones.
	ConsumerBehaviors []behavior.Behavior[*behavior.ConsumerContext]
	ProducerBehaviors []behavior.Behavior[*behavior.ProducerContext]
}

// producerLookup finds producers by endpoint name, across brokers when the
// broker belongs to a Collection.
type producerLookup interface {
	ProducerByName(name string) (*Producer, error)
}

// Broker owns the producers and consumers of one adapter.
type Broker struct {
	name    string
	adapter Adapter
	logger  logging.ServiceLogger
	metrics *metrics.Collectors
	outbox  behavior.OutboxWriter

	producerPipeline *behavior.Pipeline[*behavior.ProducerContext]
	consumerPipeline *behavior.Pipeline[*behavior.ConsumerContext]

	// lifecycle serializes Connect, Disconnect and AddConsumer.
	lifecycle sync.Mutex
	mu        sync.RWMutex
	connected bool
	producers map[string]*Producer
	order     []string
	consumers []*Consumer
	lookup    producerLookup
}

// New creates a broker for adapter.
func New(adapter Adapter, opts Options) (*Broker, error) {
	if adapter == nil {
		return nil, rterrors.ErrAdapterRequired
	}
	name := opts.Name
	if name == "" {
		name = adapter.Name()
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.NopLogger()
	}
	logger = logger.With(logging.LogFields{"broker": name})

	b := &Broker{
		name:      name,
		adapter:   adapter,
		logger:    logger,
		metrics:   opts.Metrics,
		outbox:    opts.Outbox,
		producers: map[string]*Producer{},
	}
	b.lookup = b
	b.producerPipeline = behavior.NewPipeline(behavior.DefaultProducerBehaviors(behavior.ProducerOptions{
		Logger:    logger,
		Metrics:   opts.Metrics,
		Validator: opts.Validator,
	})...).With(opts.ProducerBehaviors...)
	b.consumerPipeline = behavior.NewPipeline(behavior.DefaultConsumerBehaviors(behavior.ConsumerOptions{
		Logger:    logger,
		Metrics:   opts.Metrics,
		Hooks:     opts.Hooks,
		Validator: opts.Validator,
	})...).With(opts.ConsumerBehaviors...)
	return b, nil
}

func (b *Broker) Name() string { return b.name }

func (b *Broker) Adapter() Adapter { return b.adapter }

// GetProducer returns the producer of ep, creating it on first use. Later
// calls with the same endpoint name return the existing producer.
func (b *Broker) GetProducer(ep endpoint.Producer) (*Producer, error) {
	if err := ep.Validate(); err != nil {
		return nil, err
	}
	ep = ep.WithDefaults()

	b.mu.Lock()
	defer b.mu.Unlock()
	if p, ok := b.producers[ep.Name]; ok {
		return p, nil
	}
	p := newProducer(b, ep)
	if b.connected {
		p.tracker.RecordConnected(false)
		p.tracker.RecordReady()
	}
	b.producers[ep.Name] = p
	b.order = append(b.order, ep.Name)
	return p, nil
}

// ProducerByName returns a producer created earlier with GetProducer.
func (b *Broker) ProducerByName(name string) (*Producer, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if p, ok := b.producers[name]; ok {
		return p, nil
	}
	return nil, fmt.Errorf("%w: producer %q", rterrors.ErrEndpointNotFound, name)
}

// producerByType returns the first producer whose endpoint carries messageType.
func (b *Broker) producerByType(messageType string) (*Producer, bool) {
	if messageType == "" {
		return nil, false
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, name := range b.order {
		if p := b.producers[name]; p.endpoint.MessageType == messageType {
			return p, true
		}
	}
	return nil, false
}

// ResolveProducer finds the producer relaying an outbox entry: by endpoint
// name first, by message type second. The returned producer bypasses the
// outbox.
func (b *Broker) ResolveProducer(endpointName, messageType string) (outbox.RawProducer, error) {
	if p, err := b.ProducerByName(endpointName); err == nil {
		return relay{p}, nil
	}
	if p, ok := b.producerByType(messageType); ok {
		return relay{p}, nil
	}
	return nil, fmt.Errorf("%w: no producer for endpoint %q or message type %q", rterrors.ErrEndpointNotFound, endpointName, messageType)
}

// AddConsumer registers subscriber for ep. Consumers can only be added while
// the broker is disconnected.
func (b *Broker) AddConsumer(ep endpoint.Consumer, subscriber behavior.Subscriber) (*Consumer, error) {
	if subscriber == nil {
		return nil, rterrors.ErrSubscriberRequired
	}
	if err := ep.Validate(); err != nil {
		return nil, err
	}
	ep = ep.WithDefaults()
	if strategy := ep.ExactlyOnce; strategy != nil && strategy.RequiresOffsets() && !b.adapter.Capabilities().SupportsOffsets {
		return nil, rterrors.NewConfigValidationError(fmt.Errorf(
			"endpoint %q: exactly-once strategy %q requires offsets, which the %s adapter does not provide; use the log strategy",
			ep.Name, strategy.Name(), b.adapter.Name()))
	}

	b.lifecycle.Lock()
	defer b.lifecycle.Unlock()
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.connected {
		return nil, rterrors.ErrBrokerConnected
	}
	if slices.ContainsFunc(b.consumers, func(c *Consumer) bool { return c.endpoint.Name == ep.Name }) {
		return nil, rterrors.NewConfigValidationError(fmt.Errorf("endpoint %q: consumer already registered", ep.Name))
	}
	c := newConsumer(b, ep, subscriber)
	b.consumers = append(b.consumers, c)
	return c, nil
}

// Connect connects the adapter and starts every consumer.
func (b *Broker) Connect(ctx context.Context) error {
	b.lifecycle.Lock()
	defer b.lifecycle.Unlock()
	if b.IsConnected() {
		return rterrors.ErrBrokerConnected
	}
	consumers := b.Consumers()
	if err := b.validateMoveTargets(consumers); err != nil {
		return err
	}
	if err := b.adapter.Connect(ctx); err != nil {
		return fmt.Errorf("failed to connect %s: %w", b.name, err)
	}
	b.setConnected(true)

	for i, c := range consumers {
		if err := c.start(ctx); err != nil {
			for _, started := range consumers[:i] {
				started.stop()
			}
			b.setConnected(false)
			return errors.Join(fmt.Errorf("failed to start consumer %q: %w", c.endpoint.Name, err), b.adapter.Disconnect(ctx))
		}
	}
	b.logger.Info("Broker connected", logging.LogFields{
		"producers": len(b.Producers()),
		"consumers": len(consumers),
	})
	return nil
}

// Disconnect stops every consumer, waits for stream subscribers and
// disconnects the adapter.
func (b *Broker) Disconnect(ctx context.Context) error {
	b.lifecycle.Lock()
	defer b.lifecycle.Unlock()
	if !b.IsConnected() {
		return rterrors.ErrBrokerNotConnected
	}
	// Consumers stop first so in-flight subscribers can still produce.
	for _, c := range b.Consumers() {
		c.stop()
	}
	b.setConnected(false)

	err := b.adapter.Disconnect(ctx)
	b.logger.Info("Broker disconnected", nil)
	if err != nil {
		return fmt.Errorf("failed to disconnect %s: %w", b.name, err)
	}
	return nil
}

// Close disconnects the broker when connected and releases the adapter.
// The broker cannot connect again afterwards.
func (b *Broker) Close(ctx context.Context) error {
	var errs []error
	if b.IsConnected() {
		if err := b.Disconnect(ctx); err != nil && !errors.Is(err, rterrors.ErrBrokerNotConnected) {
			errs = append(errs, err)
		}
	}
	if closer, ok := b.adapter.(Closer); ok {
		if err := closer.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("failed to close %s: %w", b.name, err))
		}
	}
	return errors.Join(errs...)
}

// validateMoveTargets fails when a Move policy names a producer endpoint
// that does not exist. Targets are looked up across the collection.
func (b *Broker) validateMoveTargets(consumers []*Consumer) error {
	lookup := b.targets()
	var errs []error
	for _, c := range consumers {
		for _, target := range errorpolicy.MoveTargets(c.endpoint.ErrorPolicy) {
			if _, err := lookup.ProducerByName(target); err != nil {
				errs = append(errs, fmt.Errorf("endpoint %q: move target: %w", c.endpoint.Name, err))
			}
		}
	}
	if len(errs) == 0 {
		return nil
	}
	return rterrors.NewConfigValidationError(errors.Join(errs...))
}

func (b *Broker) setConnected(connected bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.connected = connected
	for _, p := range b.producers {
		if connected {
			p.tracker.RecordConnected(false)
			p.tracker.RecordReady()
		} else {
			p.tracker.RecordDisconnected()
		}
	}
}

func (b *Broker) IsConnected() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.connected
}

// Producers returns the producers in creation order.
func (b *Broker) Producers() []*Producer {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]*Producer, 0, len(b.order))
	for _, name := range b.order {
		out = append(out, b.producers[name])
	}
	return out
}

func (b *Broker) Consumers() []*Consumer {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return slices.Clone(b.consumers)
}

func (b *Broker) targets() producerLookup {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.lookup
}
