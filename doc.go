// Package relayflow is a reliable-messaging layer between application code
// and one or more message brokers. It reads the target transport (Kafka,
// RabbitMQ, AWS SNS/SQS, NATS, NATS JetStream, HTTP, or Go Channels) from
// Config, builds a Watermill based broker adapter for it and adds the
// guarantees the broker client does not give on its own.
//
// A Service owns the brokers, the transactional outbox worker and the metrics
// endpoint. Producers are created lazily per ProducerEndpoint and consumers
// are registered per ConsumerEndpoint with a Subscriber; Start connects
// everything and blocks until the context is cancelled.
//
// # Producing
//
// Produce runs the outbound behavior pipeline (tracing, validation, metrics,
// serialization, outbox routing, chunking) and either sends through the
// broker adapter or, with the Outbox strategy, writes to the OutboxStore
// inside the caller's Transaction for later relay by the outbox worker.
//
// # Consuming
//
// Deliveries flow through the inbound pipeline: tracing, fatal error logging,
// metrics, job hooks, chunk reassembly, the exactly-once guard,
// deserialization, validation and batch or stream sequencing. Broker
// identifiers are committed once the subscriber succeeds.
//
// # Error policies
//
// Failures are offered to the consumer's ErrorPolicy: Skip, Retry, Move and
// Stop can be combined into a chain with ApplyTo, Exclude, ApplyWhen and
// MaxFailedAttempts. Unhandled failures roll the identifiers back and stop
// the consumer. Errors tagged with Fatal bypass the policy.
//
// # Exactly once
//
// OffsetStrategy remembers the last processed offset per partition and needs
// a transport with comparable offsets (Kafka). LogStrategy records every
// processed message identifier and works with any transport.
package relayflow
