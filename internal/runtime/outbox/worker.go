package outbox

import (
	"context"
	"fmt"
	"time"

	"github.com/drblury/relayflow/internal/runtime/envelope"
	"github.com/drblury/relayflow/internal/runtime/logging"
)

const (
	DefaultInterval  = 500 * time.Millisecond
	DefaultBatchSize = 1000
)

// RawProducer publishes already serialized content.
type RawProducer interface {
	RawProduce(ctx context.Context, content []byte, headers envelope.Headers) error
}

// ProducerResolver finds the producer for an entry, by endpoint name first and
// message type second.
type ProducerResolver interface {
	ResolveProducer(endpoint, messageType string) (RawProducer, error)
}

// Observer receives relay outcomes, typically metrics collectors.
type Observer interface {
	OutboxRelayed(endpoint string)
	OutboxFailed(endpoint string)
	OutboxPending(n int)
}

// WorkerConfig tunes the relay loop. Zero values use the defaults.
type WorkerConfig struct {
	Interval  time.Duration
	BatchSize int
	// RelaxedOrdering keeps relaying the batch after a failure.
	RelaxedOrdering bool
}

func (c WorkerConfig) withDefaults() WorkerConfig {
	if c.Interval <= 0 {
		c.Interval = DefaultInterval
	}
	if c.BatchSize <= 0 {
		c.BatchSize = DefaultBatchSize
	}
	return c
}

// Worker relays stored entries to their producers.
type Worker struct {
	store    Store
	resolver ProducerResolver
	logger   logging.ServiceLogger
	observer Observer
	conf     WorkerConfig
	trigger  chan struct{}
}

func NewWorker(store Store, resolver ProducerResolver, logger logging.ServiceLogger, conf WorkerConfig) *Worker {
	if logger == nil {
		logger = logging.NopLogger()
	}
	return &Worker{
		store:    store,
		resolver: resolver,
		logger:   logger.With(logging.LogFields{"component": "outbox_worker"}),
		conf:     conf.withDefaults(),
		trigger:  make(chan struct{}, 1),
	}
}

// SetObserver registers o to receive relay outcomes.
func (w *Worker) SetObserver(o Observer) {
	w.observer = o
}

// EnforcesOrder reports whether a failure stops the rest of the batch.
func (w *Worker) EnforcesOrder() bool {
	return !w.conf.RelaxedOrdering
}

// Trigger requests an immediate cycle. It never blocks.
func (w *Worker) Trigger() {
	select {
	case w.trigger <- struct{}{}:
	default:
	}
}

// Run processes the queue on every tick and trigger until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.conf.Interval)
	defer ticker.Stop()

	w.logger.Info("Outbox worker started", logging.LogFields{
		"interval":      w.conf.Interval.String(),
		"batch_size":    w.conf.BatchSize,
		"enforce_order": w.EnforcesOrder(),
	})
	for {
		if _, err := w.ProcessQueue(ctx); err != nil && ctx.Err() == nil {
			w.logger.Error("Outbox cycle failed", err, nil)
		}
		select {
		case <-ctx.Done():
			w.logger.Info("Outbox worker stopped", nil)
			return nil
		case <-ticker.C:
		case <-w.trigger:
		}
	}
}

// ProcessQueue relays one batch and returns how many entries were relayed.
// A failing entry gets its retry counter incremented. With ordering enforced
// the remaining entries wait for the next cycle. Cancellation is honored
// between entries only.
func (w *Worker) ProcessQueue(ctx context.Context) (int, error) {
	entries, err := w.store.ReadBatch(ctx, w.conf.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("failed to read outbox batch: %w", err)
	}
	if len(entries) == 0 {
		w.logger.Trace("Outbox is empty", nil)
		w.reportPending(0)
		return 0, nil
	}

	relayed := 0
	for i, entry := range entries {
		if i > 0 {
			if err := ctx.Err(); err != nil {
				return relayed, err
			}
		}
		if err := w.relay(ctx, entry); err != nil {
			w.logger.Error("Failed to relay outbox entry", err, logging.LogFields{
				"entry_id": entry.ID,
				"endpoint": entry.Endpoint,
				"retries":  entry.Retries,
			})
			if w.observer != nil {
				w.observer.OutboxFailed(entry.Endpoint)
			}
			if retryErr := w.store.Retry(ctx, entry); retryErr != nil {
				w.logger.Error("Failed to update outbox retry counter", retryErr, logging.LogFields{"entry_id": entry.ID})
			}
			if w.EnforcesOrder() {
				w.logger.Debug("Stopping outbox batch to preserve message order", logging.LogFields{"remaining": len(entries) - i - 1})
				break
			}
			continue
		}
		relayed++
		if w.observer != nil {
			w.observer.OutboxRelayed(entry.Endpoint)
		}
	}
	w.reportPending(len(entries) - relayed)
	return relayed, nil
}

func (w *Worker) relay(ctx context.Context, entry Entry) error {
	producer, err := w.resolver.ResolveProducer(entry.Endpoint, entry.MessageType)
	if err != nil {
		return err
	}
	if err := producer.RawProduce(ctx, entry.Content, entry.Headers); err != nil {
		return err
	}
	if err := w.store.Acknowledge(ctx, entry); err != nil {
		return fmt.Errorf("produced but not acknowledged: %w", err)
	}
	return nil
}

func (w *Worker) reportPending(fallback int) {
	if w.observer == nil {
		return
	}
	if l, ok := w.store.(interface{ Length() int }); ok {
		w.observer.OutboxPending(l.Length())
		return
	}
	w.observer.OutboxPending(fallback)
}
