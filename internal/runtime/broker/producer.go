package broker

import (
	"context"

	"github.com/drblury/relayflow/internal/runtime/behavior"
	"github.com/drblury/relayflow/internal/runtime/endpoint"
	"github.com/drblury/relayflow/internal/runtime/envelope"
	rterrors "github.com/drblury/relayflow/internal/runtime/errors"
	"github.com/drblury/relayflow/internal/runtime/logging"
	"github.com/drblury/relayflow/internal/runtime/status"
)

// Producer publishes messages to one endpoint through the outbound pipeline.
type Producer struct {
	broker   *Broker
	endpoint endpoint.Producer
	tracker  *status.Tracker
}

func newProducer(b *Broker, ep endpoint.Producer) *Producer {
	p := &Producer{broker: b, endpoint: ep, tracker: status.NewProducerTracker()}
	p.tracker.OnChange(func(change status.Change) {
		b.metrics.Status("producer", ep.Name, int(change.Status))
		b.logger.Debug("Producer status changed", logging.LogFields{
			"endpoint": ep.Name,
			"status":   change.Status.String(),
		})
	})
	return p
}

func (p *Producer) Endpoint() endpoint.Producer { return p.endpoint }

// Status returns the tracker recording the producer lifecycle.
func (p *Producer) Status() *status.Tracker { return p.tracker }

// Produce serializes msg and publishes it, or writes it to the outbox when
// the endpoint uses the outbox strategy. headers are copied.
func (p *Producer) Produce(ctx context.Context, msg any, headers ...envelope.Header) error {
	env := &envelope.Outbound{
		Raw:     envelope.Raw{Headers: envelope.Headers(headers).Clone()},
		Message: msg,
	}
	return p.execute(ctx, &behavior.ProducerContext{Envelope: env})
}

// RawProduce publishes already serialized content with headers.
func (p *Producer) RawProduce(ctx context.Context, content []byte, headers envelope.Headers) error {
	return p.execute(ctx, &behavior.ProducerContext{Raw: true, Envelope: rawEnvelope(content, headers)})
}

func (p *Producer) execute(ctx context.Context, pc *behavior.ProducerContext) error {
	pc.Endpoint = p.endpoint
	pc.Outbox = p.broker.outbox
	return p.broker.producerPipeline.Execute(ctx, pc, behavior.Send(p.send))
}

func (p *Producer) send(ctx context.Context, env *envelope.Outbound) error {
	if !p.broker.IsConnected() {
		return rterrors.ErrBrokerNotConnected
	}
	if err := p.broker.adapter.Send(ctx, env); err != nil {
		// Broker errors step the producer back until the next successful send.
		p.tracker.RecordConnected(true)
		return err
	}
	p.tracker.RecordActivity(envelope.MessageIdentifier{ID: env.MessageID()})
	return nil
}

func rawEnvelope(content []byte, headers envelope.Headers) *envelope.Outbound {
	headers = headers.Clone()
	return &envelope.Outbound{
		Raw:         envelope.Raw{Headers: headers, Payload: content},
		MessageType: headers.Value(envelope.HeaderMessageType),
	}
}

// relay forwards outbox entries. It bypasses the outbox router.
type relay struct {
	p *Producer
}

func (r relay) RawProduce(ctx context.Context, content []byte, headers envelope.Headers) error {
	return r.p.execute(ctx, &behavior.ProducerContext{Raw: true, Relay: true, Envelope: rawEnvelope(content, headers)})
}
