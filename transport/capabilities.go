package transport

// Capabilities describes what a transport backend offers to the broker.
type Capabilities struct {
	// Name is the human-readable name of the transport.
	Name string

	// SupportsOffsets indicates deliveries carry comparable partition offsets,
	// which the offset exactly-once strategy requires.
	SupportsOffsets bool

	// SupportsOrdering indicates messages within a partition or stream are
	// delivered in order.
	SupportsOrdering bool

	// SupportsTracing indicates the transport carries tracing headers.
	SupportsTracing bool

	// SupportsAck indicates the transport supports explicit acknowledgment.
	SupportsAck bool

	// SupportsNack indicates the transport redelivers negatively acknowledged messages.
	SupportsNack bool

	// SupportsNativeDLQ indicates the transport has built-in dead letter queues.
	SupportsNativeDLQ bool

	// BlocksUntilAck indicates the subscriber waits for the pending message to
	// be settled before delivering the next one. Buffered envelopes are then
	// released early.
	BlocksUntilAck bool

	// MaxMessageSize is the maximum message size in bytes (0 = unknown).
	MaxMessageSize int64
}

// SupportsReliableDelivery reports at-least-once delivery (ack + nack).
func (c Capabilities) SupportsReliableDelivery() bool {
	return c.SupportsAck && c.SupportsNack
}

// SuggestedChunkSize returns a chunk size that keeps every chunk below the
// transport message limit, leaving room for headers. Zero means no limit.
func (c Capabilities) SuggestedChunkSize() int {
	if c.MaxMessageSize <= 0 {
		return 0
	}
	return int(c.MaxMessageSize * 9 / 10)
}

// Predefined capability sets of the bundled transports.
var (
	ChannelCapabilities = Capabilities{
		Name:             "channel",
		SupportsOrdering: true,
		SupportsAck:      true,
		SupportsNack:     true,
		BlocksUntilAck:   true,
	}

	KafkaCapabilities = Capabilities{
		Name:             "kafka",
		SupportsOffsets:  true,
		SupportsOrdering: true,
		SupportsTracing:  true,
		SupportsAck:      true,
		SupportsNack:     true,
		BlocksUntilAck:   true,
		MaxMessageSize:   1048576,
	}

	RabbitMQCapabilities = Capabilities{
		Name:              "rabbitmq",
		SupportsOrdering:  true,
		SupportsTracing:   true,
		SupportsAck:       true,
		SupportsNack:      true,
		SupportsNativeDLQ: true,
		BlocksUntilAck:    true,
	}

	NATSCapabilities = Capabilities{
		Name:            "nats",
		SupportsTracing: true,
		MaxMessageSize:  1048576,
	}

	NATSJetStreamCapabilities = Capabilities{
		Name:              "nats-jetstream",
		SupportsOrdering:  true,
		SupportsTracing:   true,
		SupportsAck:       true,
		SupportsNack:      true,
		SupportsNativeDLQ: true,
		BlocksUntilAck:    true,
		MaxMessageSize:    1048576,
	}

	AWSCapabilities = Capabilities{
		Name:              "aws",
		SupportsOrdering:  true,
		SupportsTracing:   true,
		SupportsAck:       true,
		SupportsNack:      true,
		SupportsNativeDLQ: true,
		BlocksUntilAck:    true,
		MaxMessageSize:    262144,
	}

	HTTPCapabilities = Capabilities{
		Name:            "http",
		SupportsTracing: true,
		BlocksUntilAck:  true,
	}
)

// GetCapabilities returns the capabilities registered for a transport name.
// Unknown transports get a zero value carrying only the name.
func GetCapabilities(transportName string) Capabilities {
	return DefaultRegistry.GetCapabilities(transportName)
}
