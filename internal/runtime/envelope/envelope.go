// Package envelope defines the data unit flowing through producer and consumer pipelines.
package envelope

import "maps"

// Raw is the shape shared by inbound and outbound envelopes.
type Raw struct {
	Headers    Headers
	Payload    []byte
	Endpoint   string
	Topic      string
	Identifier Identifier
	// Diagnostics carries extra key/values for logs, e.g. the broker's partition.
	Diagnostics map[string]string
}

// MessageID returns the x-message-id header.
func (r Raw) MessageID() string {
	return r.Headers.Value(HeaderMessageID)
}

// FailedAttempts returns the x-failed-attempts header, zero when missing or malformed.
func (r Raw) FailedAttempts() int {
	n, _, err := r.Headers.Int(HeaderFailedAttempts)
	if err != nil {
		return 0
	}
	return n
}

// CloneRaw copies headers, payload and diagnostics so the copy can be changed freely.
func (r Raw) CloneRaw() Raw {
	clone := r
	clone.Headers = r.Headers.Clone()
	if r.Payload != nil {
		clone.Payload = append([]byte(nil), r.Payload...)
	}
	clone.Diagnostics = maps.Clone(r.Diagnostics)
	return clone
}

// Inbound is a received envelope. Message is set once the payload has been deserialized.
type Inbound struct {
	Raw
	Message any
}

// WithPayload returns a copy of the envelope carrying payload and no message.
func (e *Inbound) WithPayload(payload []byte) *Inbound {
	clone := &Inbound{Raw: e.CloneRaw()}
	clone.Payload = payload
	return clone
}

// Outbound is an envelope on its way to a broker.
type Outbound struct {
	Raw
	Message any
	// MessageType is the routing hint stored in x-message-type.
	MessageType string
}

func (e *Outbound) Clone() *Outbound {
	return &Outbound{Raw: e.CloneRaw(), Message: e.Message, MessageType: e.MessageType}
}
