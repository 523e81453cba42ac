// Package jetstream provides a NATS JetStream transport.
package jetstream

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/nats-io/nats.go"

	"github.com/drblury/relayflow/internal/runtime/envelope"
	"github.com/drblury/relayflow/transport"
)

// TransportName is the name used to register this transport.
const TransportName = "nats-jetstream"

const (
	// DefaultStreamName is the stream used when Config.StreamName is empty.
	DefaultStreamName = "RELAYFLOW"

	// DefaultMaxDeliver is the default max delivery attempts.
	DefaultMaxDeliver = 3

	// DefaultAckWait is the default ack wait timeout.
	DefaultAckWait = 30 * time.Second

	// DefaultFetchSize is the number of messages pulled per fetch.
	DefaultFetchSize = 10
)

var errClosed = errors.New("jetstream transport is closed")

func init() {
	Register()
}

// Register adds the JetStream transport to the default registry.
func Register() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.NATSJetStreamCapabilities)
}

// Build creates a new NATS JetStream transport.
func Build(_ context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	t, err := New(Config{URL: cfg.GetNATSURL()}, logger)
	if err != nil {
		return transport.Transport{}, err
	}
	return transport.Transport{
		Publisher:  t,
		Subscriber: t,
		Identify:   Identify,
	}, nil
}

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.NATSJetStreamCapabilities
}

// Config holds NATS JetStream-specific configuration.
type Config struct {
	URL string

	// StreamName is the JetStream stream holding every topic as a subject.
	StreamName string

	// MaxDeliver is the maximum number of delivery attempts.
	MaxDeliver int

	// AckWait is the duration to wait for acknowledgment.
	AckWait time.Duration

	// Replicas is the number of stream replicas (for clustering).
	Replicas int

	// RetentionPolicy: "limits" (default), "interest", or "workqueue"
	RetentionPolicy string

	FetchSize int
}

func (c Config) withDefaults() Config {
	if c.StreamName == "" {
		c.StreamName = DefaultStreamName
	}
	if c.MaxDeliver <= 0 {
		c.MaxDeliver = DefaultMaxDeliver
	}
	if c.AckWait <= 0 {
		c.AckWait = DefaultAckWait
	}
	if c.Replicas <= 0 {
		c.Replicas = 1
	}
	if c.FetchSize <= 0 {
		c.FetchSize = DefaultFetchSize
	}
	return c
}

// Transport implements Publisher and Subscriber for NATS JetStream.
type Transport struct {
	nc     *nats.Conn
	js     nats.JetStreamContext
	config Config
	logger watermill.LoggerAdapter

	subscriptions map[string]*nats.Subscription
	subMu         sync.Mutex

	closed     bool
	closedMu   sync.RWMutex
	closedChan chan struct{}
}

// New connects to NATS and makes sure the stream exists.
func New(cfg Config, logger watermill.LoggerAdapter) (*Transport, error) {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = watermill.NopLogger{}
	}

	nc, err := nats.Connect(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	t := &Transport{
		nc:            nc,
		js:            js,
		config:        cfg,
		logger:        logger,
		subscriptions: make(map[string]*nats.Subscription),
		closedChan:    make(chan struct{}),
	}

	if err := t.ensureStream(); err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to ensure stream: %w", err)
	}
	return t, nil
}

func (t *Transport) streamConfig() *nats.StreamConfig {
	streamCfg := &nats.StreamConfig{
		Name:     t.config.StreamName,
		Subjects: []string{t.config.StreamName + ".>"},
		MaxAge:   24 * time.Hour * 7,
		Replicas: t.config.Replicas,
	}
	switch t.config.RetentionPolicy {
	case "interest":
		streamCfg.Retention = nats.InterestPolicy
	case "workqueue":
		streamCfg.Retention = nats.WorkQueuePolicy
	default:
		streamCfg.Retention = nats.LimitsPolicy
	}
	return streamCfg
}

func (t *Transport) ensureStream() error {
	streamCfg := t.streamConfig()
	if _, err := t.js.AddStream(streamCfg); err == nil {
		return nil
	}
	if _, err := t.js.UpdateStream(streamCfg); err != nil {
		return err
	}
	t.logger.Info("JetStream stream updated", watermill.LogFields{"stream": t.config.StreamName})
	return nil
}

func (t *Transport) isClosed() bool {
	t.closedMu.RLock()
	defer t.closedMu.RUnlock()
	return t.closed
}

// Publish stores messages in the stream. The Watermill UUID becomes the
// Nats-Msg-Id so the server drops publish retries of the same message.
func (t *Transport) Publish(topic string, messages ...*message.Message) error {
	if t.isClosed() {
		return errClosed
	}
	subject := t.topicToSubject(topic)

	for _, msg := range messages {
		headers := nats.Header{}
		for k, v := range msg.Metadata {
			headers.Set(k, v)
		}
		headers.Set(nats.MsgIdHdr, msg.UUID)

		natsMsg := &nats.Msg{Subject: subject, Data: msg.Payload, Header: headers}
		if _, err := t.js.PublishMsg(natsMsg, nats.Context(msg.Context())); err != nil {
			return fmt.Errorf("failed to publish to JetStream: %w", err)
		}
	}
	return nil
}

// Subscribe pulls messages of topic through a durable consumer. The next
// message is only handed out once the previous one was acked or nacked.
func (t *Transport) Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error) {
	if t.isClosed() {
		return nil, errClosed
	}

	subject := t.topicToSubject(topic)
	consumerName := t.topicToConsumer(topic)
	consumerCfg := &nats.ConsumerConfig{
		Durable:       consumerName,
		FilterSubject: subject,
		AckPolicy:     nats.AckExplicitPolicy,
		MaxDeliver:    t.config.MaxDeliver,
		AckWait:       t.config.AckWait,
		DeliverPolicy: nats.DeliverAllPolicy,
	}
	if _, err := t.js.AddConsumer(t.config.StreamName, consumerCfg); err != nil {
		if _, err := t.js.UpdateConsumer(t.config.StreamName, consumerCfg); err != nil {
			return nil, fmt.Errorf("failed to create consumer: %w", err)
		}
	}

	sub, err := t.js.PullSubscribe(subject, consumerName)
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe: %w", err)
	}

	t.subMu.Lock()
	t.subscriptions[topic] = sub
	t.subMu.Unlock()

	output := make(chan *message.Message)
	go t.fetchMessages(ctx, sub, output, topic)
	return output, nil
}

func (t *Transport) fetchMessages(ctx context.Context, sub *nats.Subscription, output chan<- *message.Message, topic string) {
	defer close(output)
	fields := watermill.LogFields{"topic": topic}

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.closedChan:
			return
		default:
		}

		msgs, err := sub.Fetch(t.config.FetchSize, nats.MaxWait(time.Second))
		if err != nil {
			if errors.Is(err, nats.ErrTimeout) {
				continue
			}
			if t.isClosed() || ctx.Err() != nil {
				return
			}
			t.logger.Error("Failed to fetch messages", err, fields)
			continue
		}

		for _, natsMsg := range msgs {
			if !t.deliver(ctx, natsMsg, output, fields) {
				return
			}
		}
	}
}

// deliver hands natsMsg to output and settles it. It returns false once the
// subscription ends; the unsettled message is redelivered after AckWait.
func (t *Transport) deliver(ctx context.Context, natsMsg *nats.Msg, output chan<- *message.Message, fields watermill.LogFields) bool {
	wmMsg := toWatermill(natsMsg)
	select {
	case output <- wmMsg:
	case <-ctx.Done():
		return false
	case <-t.closedChan:
		return false
	}

	select {
	case <-wmMsg.Acked():
		if err := natsMsg.Ack(); err != nil {
			t.logger.Error("Failed to ack", err, fields)
		}
	case <-wmMsg.Nacked():
		if err := natsMsg.Nak(); err != nil {
			t.logger.Error("Failed to nak", err, fields)
		}
	case <-ctx.Done():
		return false
	case <-t.closedChan:
		return false
	}
	return true
}

type sequenceKey struct{}

// position is the stream position of a delivered message.
type position struct {
	stream   string
	consumer string
	sequence uint64
}

func toWatermill(natsMsg *nats.Msg) *message.Message {
	uuid := natsMsg.Header.Get(nats.MsgIdHdr)
	if uuid == "" {
		uuid = watermill.NewULID()
	}
	wmMsg := message.NewMessage(uuid, natsMsg.Data)
	for k, v := range natsMsg.Header {
		if len(v) > 0 && k != nats.MsgIdHdr {
			wmMsg.Metadata.Set(k, v[0])
		}
	}
	if meta, err := natsMsg.Metadata(); err == nil {
		wmMsg.SetContext(context.WithValue(wmMsg.Context(), sequenceKey{}, position{
			stream:   meta.Stream,
			consumer: meta.Consumer,
			sequence: meta.Sequence.Stream,
		}))
	}
	return wmMsg
}

// Identify identifies a delivered message by its stream sequence, which
// stays the same across redeliveries.
func Identify(topic string, msg *message.Message) envelope.Identifier {
	pos, ok := msg.Context().Value(sequenceKey{}).(position)
	if !ok {
		return transport.IdentifyByUUID(topic, msg)
	}
	return envelope.Offset{
		Partition: pos.stream + "/" + pos.consumer,
		Position:  int64(pos.sequence),
	}
}

func (t *Transport) topicToSubject(topic string) string {
	return t.config.StreamName + "." + topic
}

func (t *Transport) topicToConsumer(topic string) string {
	return "consumer_" + topic
}

// Close unsubscribes every consumer and closes the connection.
func (t *Transport) Close() error {
	t.closedMu.Lock()
	if t.closed {
		t.closedMu.Unlock()
		return nil
	}
	t.closed = true
	close(t.closedChan)
	t.closedMu.Unlock()

	t.subMu.Lock()
	var errs []error
	for topic, sub := range t.subscriptions {
		if err := sub.Unsubscribe(); err != nil {
			errs = append(errs, fmt.Errorf("failed to unsubscribe %s: %w", topic, err))
		}
	}
	t.subscriptions = make(map[string]*nats.Subscription)
	t.subMu.Unlock()

	t.nc.Close()
	return errors.Join(errs...)
}
