// Package exactlyonce skips inbound messages that were already processed.
package exactlyonce

import (
	"context"
	"fmt"
	"time"

	"github.com/drblury/relayflow/internal/runtime/envelope"
	rterrors "github.com/drblury/relayflow/internal/runtime/errors"
)

// Strategy checks an inbound envelope against a durable store. Check returns
// processed=true for duplicates. For new messages it records the envelope
// inside the ambient transaction of ctx.
type Strategy interface {
	Name() string
	// RequiresOffsets is true when the strategy only works with comparable offsets.
	RequiresOffsets() bool
	Check(ctx context.Context, env *envelope.Inbound, endpoint string) (processed bool, err error)
}

// OffsetStore keeps the latest processed offset per endpoint and partition key.
type OffsetStore interface {
	GetLatestValue(ctx context.Context, key, endpoint string) (envelope.Offset, bool, error)
	Store(ctx context.Context, offset envelope.Offset, endpoint string) error
}

// Record is one processed inbound message.
type Record struct {
	Endpoint   string
	MessageID  string
	Offset     string
	ConsumedAt time.Time
}

// InboundLog records processed message ids per endpoint.
type InboundLog interface {
	Exists(ctx context.Context, messageID, endpoint string) (bool, error)
	Add(ctx context.Context, record Record) error
}

type offsetStrategy struct {
	store OffsetStore
}

// OffsetStrategy deduplicates by comparing broker offsets.
func OffsetStrategy(store OffsetStore) Strategy {
	return &offsetStrategy{store: store}
}

func (s *offsetStrategy) Name() string          { return "offset" }
func (s *offsetStrategy) RequiresOffsets() bool { return true }

func (s *offsetStrategy) Check(ctx context.Context, env *envelope.Inbound, endpoint string) (bool, error) {
	offset, ok := env.Identifier.(envelope.Offset)
	if !ok {
		return false, fmt.Errorf("%w: got %T, use the log strategy instead", rterrors.ErrIdentifierNotComparable, env.Identifier)
	}

	latest, found, err := s.store.GetLatestValue(ctx, offset.Partition, endpoint)
	if err != nil {
		return false, fmt.Errorf("failed to read latest offset: %w", err)
	}
	if found {
		if cmp, comparable := offset.Compare(latest); comparable && cmp <= 0 {
			return true, nil
		}
	}
	if err := s.store.Store(ctx, offset, endpoint); err != nil {
		return false, fmt.Errorf("failed to store offset: %w", err)
	}
	return false, nil
}

type logStrategy struct {
	log InboundLog
	now func() time.Time
}

// LogStrategy deduplicates by message id and endpoint.
func LogStrategy(log InboundLog) Strategy {
	return &logStrategy{log: log, now: time.Now}
}

func (s *logStrategy) Name() string          { return "log" }
func (s *logStrategy) RequiresOffsets() bool { return false }

func (s *logStrategy) Check(ctx context.Context, env *envelope.Inbound, endpoint string) (bool, error) {
	messageID := env.MessageID()
	if messageID == "" && env.Identifier != nil {
		messageID = env.Identifier.Value()
	}
	if messageID == "" {
		return false, fmt.Errorf("%w: inbound log needs %s", rterrors.ErrMessageValidation, envelope.HeaderMessageID)
	}

	exists, err := s.log.Exists(ctx, messageID, endpoint)
	if err != nil {
		return false, fmt.Errorf("failed to query inbound log: %w", err)
	}
	if exists {
		return true, nil
	}

	record := Record{Endpoint: endpoint, MessageID: messageID, ConsumedAt: s.now()}
	if env.Identifier != nil {
		record.Offset = env.Identifier.String()
	}
	if err := s.log.Add(ctx, record); err != nil {
		return false, fmt.Errorf("failed to add inbound log record: %w", err)
	}
	return false, nil
}
