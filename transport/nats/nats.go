// Package nats provides a NATS Core transport.
//
// Core NATS has no redelivery: a nacked message is lost for this subscriber.
// Use the nats-jetstream transport when consumers rely on rollback.
package nats

import (
	"context"
	"fmt"

	"github.com/ThreeDotsLabs/watermill"
	wmnats "github.com/ThreeDotsLabs/watermill-nats/v2/pkg/nats"
	"github.com/ThreeDotsLabs/watermill/message"
	nc "github.com/nats-io/nats.go"

	"github.com/drblury/relayflow/transport"
)

const (
	// TransportName is the name used to register this transport.
	TransportName = "nats"
	// ConnectionName identifies relayflow connections on the NATS server.
	ConnectionName = "relayflow"
)

// PublisherFactory allows overriding the publisher creation for testing.
var PublisherFactory = func(cfg wmnats.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
	return wmnats.NewPublisher(cfg, logger)
}

// SubscriberFactory allows overriding the subscriber creation for testing.
var SubscriberFactory = func(cfg wmnats.SubscriberConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
	return wmnats.NewSubscriber(cfg, logger)
}

func init() {
	Register()
}

// Register adds the transport to the default registry.
func Register() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.NATSCapabilities)
}

// ConnectionOptions keep reconnecting for as long as the transport lives, so
// a server restart does not end the subscriptions.
func ConnectionOptions() []nc.Option {
	return []nc.Option{
		nc.Name(ConnectionName),
		nc.RetryOnFailedConnect(true),
		nc.MaxReconnects(-1),
	}
}

// PublisherConfig returns the core NATS publisher settings for url.
func PublisherConfig(url string) wmnats.PublisherConfig {
	return wmnats.PublisherConfig{
		URL:         url,
		NatsOptions: ConnectionOptions(),
		Marshaler:   &wmnats.NATSMarshaler{},
		JetStream:   wmnats.JetStreamConfig{Disabled: true},
	}
}

// SubscriberConfig returns the core NATS subscriber settings for url. One
// subscription per topic keeps deliveries in publish order.
func SubscriberConfig(url string) wmnats.SubscriberConfig {
	return wmnats.SubscriberConfig{
		URL:              url,
		NatsOptions:      ConnectionOptions(),
		SubscribersCount: 1,
		Unmarshaler:      &wmnats.NATSMarshaler{},
		JetStream:        wmnats.JetStreamConfig{Disabled: true},
	}
}

// Build creates a NATS Core transport with JetStream disabled.
func Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	url := cfg.GetNATSURL()

	publisher, err := PublisherFactory(PublisherConfig(url), logger)
	if err != nil {
		return transport.Transport{}, fmt.Errorf("failed to create nats publisher: %w", err)
	}
	subscriber, err := SubscriberFactory(SubscriberConfig(url), logger)
	if err != nil {
		// the publisher already holds a connection
		_ = publisher.Close()
		return transport.Transport{}, fmt.Errorf("failed to create nats subscriber: %w", err)
	}

	return transport.Transport{
		Publisher:  publisher,
		Subscriber: subscriber,
	}, nil
}

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.NATSCapabilities
}
