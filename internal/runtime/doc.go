/*
Package runtime assembles the relayflow components into a Service.

# Architecture Overview

The runtime is organised leaves first. Every package below is usable on its
own; the Service only wires them together from configuration.

## Core Service (service.go)

The Service struct builds:
  - The broker adapter of the configured transport (transport registry)
  - A broker Collection holding that broker and any extra adapters
  - The outbox store, writer and relay worker
  - Prometheus collectors and the /metrics HTTP endpoint

# Sub-packages

  - envelope/: Headers, identifiers and the inbound/outbound envelope shapes
  - endpoint/: Producer and consumer endpoint configuration
  - status/: Producer and consumer status tracking
  - transaction/: Ambient transaction shared through the context
  - serialization/: JSON, typed JSON, protobuf and raw serializers
  - behavior/: Ordered behavior pipelines and the built-in behaviors
  - sequence/: Chunk reassembly, batches and streams
  - errorpolicy/: Skip, retry, move and stop policies and their chain
  - outbox/: Outbox store contract, transactional writer and relay worker
  - exactlyonce/: Offset and inbound log strategies
  - broker/: Broker, producers, consumers and the broker collection
  - metrics/: Prometheus collectors and snapshots
  - config/: Service configuration with validation
  - errors/: Sentinel errors and tagged results
  - ids/: ULID generation for message IDs
  - jsoncodec/: JSON marshaling utilities
  - logging/: Logger interface and adapters

# Usage Example

	cfg := &relayflow.Config{
		PubSubSystem:   "kafka",
		KafkaBrokers:   []string{"localhost:9092"},
		MetricsEnabled: true,
		MetricsPort:    9090,
	}

	svc := relayflow.NewService(cfg, logger, ctx, relayflow.ServiceDependencies{})

	producer, _ := svc.GetProducer(relayflow.ProducerEndpoint{Topic: "orders.processed"})
	svc.AddConsumer(relayflow.ConsumerEndpoint{
		Topic:       "orders.created",
		ErrorPolicy: relayflow.Retry(3),
	}, processOrder)

	svc.Start(ctx)
*/
package runtime
