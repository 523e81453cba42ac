// Package endpoint holds the producer and consumer configuration objects.
package endpoint

import (
	"errors"
	"fmt"
	"time"

	"github.com/drblury/relayflow/internal/runtime/errorpolicy"
	rterrors "github.com/drblury/relayflow/internal/runtime/errors"
	"github.com/drblury/relayflow/internal/runtime/exactlyonce"
	"github.com/drblury/relayflow/internal/runtime/sequence"
	"github.com/drblury/relayflow/internal/runtime/serialization"
)

// Strategy selects how a producer hands messages to the broker.
type Strategy int

const (
	// Direct sends through the broker adapter immediately.
	Direct Strategy = iota
	// Outbox writes to the outbox store inside the caller's transaction.
	Outbox
)

func (s Strategy) String() string {
	if s == Outbox {
		return "outbox"
	}
	return "direct"
}

// ValidationMode controls what happens to messages that fail validation.
type ValidationMode int

const (
	ValidationNone ValidationMode = iota
	ValidationLogWarning
	ValidationReturnError
)

func (m ValidationMode) String() string {
	switch m {
	case ValidationLogWarning:
		return "log_warning"
	case ValidationReturnError:
		return "return_error"
	default:
		return "none"
	}
}

// ChunkSettings splits payloads larger than Size bytes. Zero disables chunking.
type ChunkSettings struct {
	Size int
	// AlwaysAddHeaders writes chunk headers even on single-chunk messages.
	AlwaysAddHeaders bool
}

// Producer configures one outbound destination.
type Producer struct {
	Name        string
	Topic       string
	Broker      string
	MessageType string
	Serializer  serialization.Serializer
	Chunk       ChunkSettings
	Strategy    Strategy
	Validation  ValidationMode
}

// DisplayName returns Name, falling back to Topic.
func (p Producer) DisplayName() string {
	if p.Name != "" {
		return p.Name
	}
	return p.Topic
}

// WithDefaults fills Name and Serializer.
func (p Producer) WithDefaults() Producer {
	p.Name = p.DisplayName()
	if p.Serializer == nil {
		p.Serializer = serialization.AnyJSON{}
	}
	return p
}

func (p Producer) Validate() error {
	var errs []error
	if p.Topic == "" {
		errs = append(errs, rterrors.ErrTopicRequired)
	}
	if p.Chunk.Size < 0 {
		errs = append(errs, fmt.Errorf("chunk size must not be negative, got %d", p.Chunk.Size))
	}
	if p.Strategy != Direct && p.Strategy != Outbox {
		errs = append(errs, fmt.Errorf("unknown produce strategy %d", p.Strategy))
	}
	return wrap(p.DisplayName(), errs)
}

// BatchSettings groups inbound messages. Size zero disables batching.
type BatchSettings struct {
	Size    int
	MaxWait time.Duration
}

// StreamSettings hands inbound messages to a long running subscriber.
type StreamSettings struct {
	Enabled    bool
	BufferSize int
}

// Consumer configures one inbound source.
type Consumer struct {
	Name        string
	Topic       string
	Broker      string
	Serializer  serialization.Serializer
	Sequence    sequence.Settings
	Batch       BatchSettings
	Stream      StreamSettings
	ErrorPolicy errorpolicy.Policy
	ExactlyOnce exactlyonce.Strategy
	Validation  ValidationMode
}

func (c Consumer) DisplayName() string {
	if c.Name != "" {
		return c.Name
	}
	return c.Topic
}

// WithDefaults fills Name, Serializer and the sequence timeout.
func (c Consumer) WithDefaults() Consumer {
	c.Name = c.DisplayName()
	if c.Serializer == nil {
		c.Serializer = serialization.AnyJSON{}
	}
	c.Sequence = c.Sequence.WithDefaults()
	return c
}

// Batching reports whether inbound messages are grouped into batches.
func (c Consumer) Batching() bool {
	return c.Batch.Size > 0
}

func (c Consumer) Validate() error {
	var errs []error
	if c.Topic == "" {
		errs = append(errs, rterrors.ErrTopicRequired)
	}
	if err := c.Sequence.Validate(); err != nil {
		errs = append(errs, err)
	}
	if c.Batch.Size < 0 {
		errs = append(errs, fmt.Errorf("batch size must not be negative, got %d", c.Batch.Size))
	}
	if c.Batch.MaxWait < 0 {
		errs = append(errs, fmt.Errorf("batch max wait must not be negative, got %s", c.Batch.MaxWait))
	}
	if c.Stream.BufferSize < 0 {
		errs = append(errs, fmt.Errorf("stream buffer size must not be negative, got %d", c.Stream.BufferSize))
	}
	if c.Batching() && c.Stream.Enabled {
		errs = append(errs, errors.New("batch and stream cannot be enabled together"))
	}
	return wrap(c.DisplayName(), errs)
}

func wrap(name string, errs []error) error {
	if len(errs) == 0 {
		return nil
	}
	return rterrors.NewConfigValidationError(fmt.Errorf("endpoint %q: %w", name, errors.Join(errs...)))
}
