// Package kafka provides a Kafka transport.
package kafka

import (
	"context"
	"strconv"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-kafka/v3/pkg/kafka"
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/drblury/relayflow/internal/runtime/envelope"
	"github.com/drblury/relayflow/transport"
)

// TransportName is the name used to register this transport.
const TransportName = "kafka"

// PublisherFactory allows overriding the publisher creation for testing.
var PublisherFactory = func(cfg kafka.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
	return kafka.NewPublisher(cfg, logger)
}

// SubscriberFactory allows overriding the subscriber creation for testing.
var SubscriberFactory = func(cfg kafka.SubscriberConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
	return kafka.NewSubscriber(cfg, logger)
}

func init() {
	Register()
}

// Register adds the kafka transport to the default registry.
func Register() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.KafkaCapabilities)
}

// Build creates a new Kafka transport. Messages are partitioned by their
// message id so every chunk of a message lands on the same partition.
func Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	brokers := cfg.GetKafkaBrokers()
	consumerGroup := cfg.GetKafkaConsumerGroup()

	publisher, err := PublisherFactory(
		kafka.PublisherConfig{
			Brokers:   brokers,
			Marshaler: kafka.NewWithPartitioningMarshaler(PartitionKey),
		},
		logger,
	)
	if err != nil {
		return transport.Transport{}, err
	}

	subscriber, err := SubscriberFactory(
		kafka.SubscriberConfig{
			Brokers:       brokers,
			Unmarshaler:   kafka.DefaultMarshaler{},
			ConsumerGroup: consumerGroup,
		},
		logger,
	)
	if err != nil {
		_ = publisher.Close()
		return transport.Transport{}, err
	}

	return transport.Transport{
		Publisher:  publisher,
		Subscriber: subscriber,
		Identify:   Identify,
	}, nil
}

// PartitionKey keys messages by x-message-id, falling back to the Watermill UUID.
func PartitionKey(_ string, msg *message.Message) (string, error) {
	if id := msg.Metadata.Get(envelope.HeaderMessageID); id != "" {
		return id, nil
	}
	return msg.UUID, nil
}

// Identify identifies a delivered message by its partition and offset. The
// partition key includes the topic so offsets of different topics never compare.
func Identify(topic string, msg *message.Message) envelope.Identifier {
	ctx := msg.Context()
	partition, okPartition := kafka.MessagePartitionFromCtx(ctx)
	offset, okOffset := kafka.MessagePartitionOffsetFromCtx(ctx)
	if !okPartition || !okOffset {
		return transport.IdentifyByUUID(topic, msg)
	}
	return envelope.Offset{
		Partition: topic + "/" + strconv.FormatInt(int64(partition), 10),
		Position:  offset,
	}
}

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.KafkaCapabilities
}
