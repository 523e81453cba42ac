// Package transport builds Watermill publishers and subscribers from
// configuration and adapts them to the relayflow broker contract. Each
// transport implementation (kafka, rabbitmq, aws, etc.) lives in its own
// sub-package and registers itself with the transport registry.
package transport

import (
	"context"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/drblury/relayflow/internal/runtime/envelope"
)

// Transport combines a publisher and subscriber pair produced by a factory.
type Transport struct {
	Publisher  message.Publisher
	Subscriber message.Subscriber
	// Identify maps a delivered message to its broker identifier. Nil
	// identifies messages by their Watermill UUID.
	Identify IdentifierFunc
}

// IdentifierFunc returns the broker identifier of a message delivered on topic.
type IdentifierFunc func(topic string, msg *message.Message) envelope.Identifier

// IdentifyByUUID identifies messages by their Watermill UUID.
func IdentifyByUUID(_ string, msg *message.Message) envelope.Identifier {
	return envelope.MessageIdentifier{ID: msg.UUID}
}

// Builder is the function signature for creating a transport from config.
// Each transport package provides a Builder that it registers.
type Builder func(ctx context.Context, cfg Config, logger watermill.LoggerAdapter) (Transport, error)

// Config provides the configuration values needed by transports.
// This interface allows transports to access only the config they need
// without depending on the full config package.
type Config interface {
	// GetPubSubSystem returns the transport type name.
	GetPubSubSystem() string

	// Kafka
	GetKafkaBrokers() []string
	GetKafkaConsumerGroup() string

	// RabbitMQ
	GetRabbitMQURL() string

	// NATS
	GetNATSURL() string

	// HTTP
	GetHTTPServerAddress() string
	GetHTTPPublisherURL() string

	// AWS
	GetAWSRegion() string
	GetAWSAccountID() string
	GetAWSAccessKeyID() string
	GetAWSSecretAccessKey() string
	GetAWSEndpoint() string
}

// CapabilitiesProvider is implemented by transports that can report their capabilities.
type CapabilitiesProvider interface {
	Capabilities() Capabilities
}
