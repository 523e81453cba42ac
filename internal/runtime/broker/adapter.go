// Package broker runs producers and consumers on top of a broker adapter.
//
// A Broker owns one adapter, creates producers lazily per endpoint and runs
// one goroutine per consumer. The consumer loop feeds deliveries through the
// inbound behavior pipeline, turns failures into error policy actions and
// settles broker identifiers accordingly.
package broker

import (
	"context"

	"github.com/drblury/relayflow/internal/runtime/envelope"
	"github.com/drblury/relayflow/transport"
)

// Adapter connects the broker to a physical message broker.
type Adapter interface {
	Name() string
	Capabilities() transport.Capabilities
	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error
	Send(ctx context.Context, env *envelope.Outbound) error
	// Receive delivers the envelopes of topic until ctx is cancelled or the
	// adapter disconnects. A channel closed while ctx is still live is
	// resubscribed by the consumer.
	Receive(ctx context.Context, topic string) (<-chan *envelope.Inbound, error)
	// Commit acknowledges processed identifiers.
	Commit(ctx context.Context, ids []envelope.Identifier) error
	// Rollback hands identifiers back for redelivery.
	Rollback(ctx context.Context, ids []envelope.Identifier) error
}

// Releaser is implemented by adapters that must acknowledge buffered
// envelopes before delivering the next one.
type Releaser interface {
	Release(ctx context.Context, ids []envelope.Identifier) error
}

// Closer is implemented by adapters holding resources that outlive a
// Disconnect. Close is final.
type Closer interface {
	Close(ctx context.Context) error
}

var (
	_ Adapter  = (*transport.Adapter)(nil)
	_ Releaser = (*transport.Adapter)(nil)
	_ Closer   = (*transport.Adapter)(nil)
)
