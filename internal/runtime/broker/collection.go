package broker

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/drblury/relayflow/internal/runtime/behavior"
	"github.com/drblury/relayflow/internal/runtime/endpoint"
	rterrors "github.com/drblury/relayflow/internal/runtime/errors"
	"github.com/drblury/relayflow/internal/runtime/outbox"
)

// Collection routes endpoints to brokers by the endpoint's Broker field.
// Endpoints without a broker name go to the first broker added.
type Collection struct {
	mu      sync.RWMutex
	brokers map[string]*Broker
	order   []string
}

func NewCollection(brokers ...*Broker) (*Collection, error) {
	c := &Collection{brokers: map[string]*Broker{}}
	for _, b := range brokers {
		if err := c.Add(b); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// Add registers b. Moved messages of its consumers may then target producers
// of any broker in the collection.
func (c *Collection) Add(b *Broker) error {
	if b == nil {
		return rterrors.ErrAdapterRequired
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.brokers[b.Name()]; exists {
		return rterrors.NewConfigValidationError(fmt.Errorf("broker %q registered twice", b.Name()))
	}
	c.brokers[b.Name()] = b
	c.order = append(c.order, b.Name())

	b.mu.Lock()
	b.lookup = c
	b.mu.Unlock()
	return nil
}

// Broker returns the broker called name, or the default broker for "".
func (c *Collection) Broker(name string) (*Broker, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if name == "" {
		if len(c.order) == 0 {
			return nil, rterrors.ErrBrokerNotFound
		}
		return c.brokers[c.order[0]], nil
	}
	if b, ok := c.brokers[name]; ok {
		return b, nil
	}
	return nil, fmt.Errorf("%w: %q", rterrors.ErrBrokerNotFound, name)
}

// Brokers returns the brokers in the order they were added.
func (c *Collection) Brokers() []*Broker {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*Broker, 0, len(c.order))
	for _, name := range c.order {
		out = append(out, c.brokers[name])
	}
	return out
}

func (c *Collection) GetProducer(ep endpoint.Producer) (*Producer, error) {
	b, err := c.Broker(ep.Broker)
	if err != nil {
		return nil, err
	}
	return b.GetProducer(ep)
}

func (c *Collection) AddConsumer(ep endpoint.Consumer, subscriber behavior.Subscriber) (*Consumer, error) {
	b, err := c.Broker(ep.Broker)
	if err != nil {
		return nil, err
	}
	return b.AddConsumer(ep, subscriber)
}

// ProducerByName searches every broker in order.
func (c *Collection) ProducerByName(name string) (*Producer, error) {
	for _, b := range c.Brokers() {
		if p, err := b.ProducerByName(name); err == nil {
			return p, nil
		}
	}
	return nil, fmt.Errorf("%w: producer %q", rterrors.ErrEndpointNotFound, name)
}

// ResolveProducer resolves outbox entries across brokers: endpoint name on
// every broker first, message type second.
func (c *Collection) ResolveProducer(endpointName, messageType string) (outbox.RawProducer, error) {
	if p, err := c.ProducerByName(endpointName); err == nil {
		return relay{p}, nil
	}
	for _, b := range c.Brokers() {
		if p, ok := b.producerByType(messageType); ok {
			return relay{p}, nil
		}
	}
	return nil, fmt.Errorf("%w: no producer for endpoint %q or message type %q", rterrors.ErrEndpointNotFound, endpointName, messageType)
}

// Connect connects every broker. Brokers connected before a failure are
// disconnected again.
func (c *Collection) Connect(ctx context.Context) error {
	brokers := c.Brokers()
	for i, b := range brokers {
		if err := b.Connect(ctx); err != nil {
			errs := []error{err}
			for _, connected := range brokers[:i] {
				errs = append(errs, connected.Disconnect(ctx))
			}
			return errors.Join(errs...)
		}
	}
	return nil
}

// Disconnect disconnects every connected broker, in reverse order.
func (c *Collection) Disconnect(ctx context.Context) error {
	brokers := c.Brokers()
	var errs []error
	for i := len(brokers) - 1; i >= 0; i-- {
		if !brokers[i].IsConnected() {
			continue
		}
		errs = append(errs, brokers[i].Disconnect(ctx))
	}
	return errors.Join(errs...)
}

// Close closes every broker, in reverse order. The collection cannot connect
// again afterwards.
func (c *Collection) Close(ctx context.Context) error {
	brokers := c.Brokers()
	var errs []error
	for i := len(brokers) - 1; i >= 0; i-- {
		errs = append(errs, brokers[i].Close(ctx))
	}
	return errors.Join(errs...)
}
