package behavior

import (
	"context"
	"time"

	"github.com/drblury/relayflow/internal/runtime/envelope"
	"github.com/drblury/relayflow/internal/runtime/logging"
)

// JobContext provides information about one inbound pipeline run to hooks.
type JobContext struct {
	// Endpoint is the name of the consumer endpoint.
	Endpoint string
	// Topic is the topic/queue the message was received from.
	Topic string
	// MessageID is the x-message-id of the message, empty for timer-completed batches.
	MessageID string
	// Headers are the message headers.
	Headers envelope.Headers
	// Context is the context of the run.
	Context context.Context
	// StartedAt is when the run started.
	StartedAt time.Time
	// Duration is how long the run took (only set in OnJobDone and OnJobError).
	Duration time.Duration
	// Attempts is the number of failed attempts before this run.
	Attempts int
	// Outcome is what the pipeline did with the message (only set in OnJobDone).
	Outcome Outcome
}

// JobHooks defines callbacks for job lifecycle events.
// All hooks are optional - nil hooks are simply not called.
type JobHooks struct {
	// OnJobStart is called before the rest of the pipeline runs.
	OnJobStart func(ctx JobContext)

	// OnJobDone is called when the pipeline completes without error.
	OnJobDone func(ctx JobContext)

	// OnJobError is called when the pipeline returns an error.
	OnJobError func(ctx JobContext, err error)
}

// Merge combines two JobHooks, creating a new JobHooks that calls both.
// The hooks from 'other' are called after the hooks from 'h'.
func (h JobHooks) Merge(other JobHooks) JobHooks {
	return JobHooks{
		OnJobStart: chainHooks(h.OnJobStart, other.OnJobStart),
		OnJobDone:  chainHooks(h.OnJobDone, other.OnJobDone),
		OnJobError: chainErrorHooks(h.OnJobError, other.OnJobError),
	}
}

func (h JobHooks) empty() bool {
	return h.OnJobStart == nil && h.OnJobDone == nil && h.OnJobError == nil
}

func chainHooks(a, b func(JobContext)) func(JobContext) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(ctx JobContext) {
		a(ctx)
		b(ctx)
	}
}

func chainErrorHooks(a, b func(JobContext, error)) func(JobContext, error) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(ctx JobContext, err error) {
		a(ctx, err)
		b(ctx, err)
	}
}

// Hooks invokes the provided hooks around the rest of the inbound pipeline.
func Hooks(hooks JobHooks) Behavior[*ConsumerContext] {
	return Behavior[*ConsumerContext]{
		Name:      "job_hooks",
		SortIndex: HooksIndex,
		Handle: func(ctx context.Context, cc *ConsumerContext, next Next[*ConsumerContext]) error {
			if hooks.empty() {
				return next(ctx, cc)
			}

			jobCtx := JobContext{
				Endpoint:  cc.Endpoint.Name,
				Topic:     cc.Endpoint.Topic,
				MessageID: cc.MessageID(),
				Context:   ctx,
				StartedAt: time.Now(),
				Attempts:  cc.Attempts,
			}
			if cc.Envelope != nil {
				jobCtx.Headers = cc.Envelope.Headers
			}

			if hooks.OnJobStart != nil {
				hooks.OnJobStart(jobCtx)
			}

			err := next(ctx, cc)

			jobCtx.Duration = time.Since(jobCtx.StartedAt)
			if err != nil {
				if hooks.OnJobError != nil {
					hooks.OnJobError(jobCtx, err)
				}
				return err
			}
			jobCtx.Outcome = cc.Outcome
			if hooks.OnJobDone != nil {
				hooks.OnJobDone(jobCtx)
			}
			return nil
		},
	}
}

// LoggingHooks returns pre-built hooks that log job lifecycle events.
func LoggingHooks(logger logging.ServiceLogger) JobHooks {
	return JobHooks{
		OnJobStart: func(ctx JobContext) {
			logger.Debug("Job started", logging.LogFields{
				"endpoint":   ctx.Endpoint,
				"topic":      ctx.Topic,
				"message_id": ctx.MessageID,
				"attempts":   ctx.Attempts,
			})
		},
		OnJobDone: func(ctx JobContext) {
			logger.Info("Job completed", logging.LogFields{
				"endpoint":    ctx.Endpoint,
				"topic":       ctx.Topic,
				"message_id":  ctx.MessageID,
				"outcome":     ctx.Outcome.String(),
				"duration_ms": ctx.Duration.Milliseconds(),
			})
		},
		OnJobError: func(ctx JobContext, err error) {
			logger.Error("Job failed", err, logging.LogFields{
				"endpoint":    ctx.Endpoint,
				"topic":       ctx.Topic,
				"message_id":  ctx.MessageID,
				"duration_ms": ctx.Duration.Milliseconds(),
				"attempts":    ctx.Attempts,
			})
		},
	}
}

// MetricsHooks returns pre-built hooks that record job metrics.
func MetricsHooks(onStart, onDone, onError func(endpoint, topic string)) JobHooks {
	return JobHooks{
		OnJobStart: func(ctx JobContext) {
			if onStart != nil {
				onStart(ctx.Endpoint, ctx.Topic)
			}
		},
		OnJobDone: func(ctx JobContext) {
			if onDone != nil {
				onDone(ctx.Endpoint, ctx.Topic)
			}
		},
		OnJobError: func(ctx JobContext, _ error) {
			if onError != nil {
				onError(ctx.Endpoint, ctx.Topic)
			}
		},
	}
}

// AlertingHooks returns pre-built hooks that trigger alerts on job errors.
func AlertingHooks(alertFunc func(ctx JobContext, err error)) JobHooks {
	return JobHooks{
		OnJobError: alertFunc,
	}
}
