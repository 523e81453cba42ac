package behavior

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/relayflow/internal/runtime/endpoint"
)

func TestJobHooksMerge(t *testing.T) {
	var calls []string

	h1 := JobHooks{
		OnJobStart: func(JobContext) { calls = append(calls, "h1-start") },
		OnJobDone:  func(JobContext) { calls = append(calls, "h1-done") },
	}
	h2 := JobHooks{
		OnJobStart: func(JobContext) { calls = append(calls, "h2-start") },
		OnJobError: func(JobContext, error) { calls = append(calls, "h2-error") },
	}

	merged := h1.Merge(h2)
	merged.OnJobStart(JobContext{})
	merged.OnJobDone(JobContext{})
	merged.OnJobError(JobContext{}, errors.New("x"))

	assert.Equal(t, []string{"h1-start", "h2-start", "h1-done", "h2-error"}, calls)
}

func TestJobHooksMergeWithNil(t *testing.T) {
	merged := JobHooks{}.Merge(JobHooks{})
	assert.Nil(t, merged.OnJobStart)
	assert.Nil(t, merged.OnJobDone)
	assert.Nil(t, merged.OnJobError)
	assert.True(t, merged.empty())
}

func TestHooksBehaviorSuccess(t *testing.T) {
	var started, done JobContext
	hooks := JobHooks{
		OnJobStart: func(ctx JobContext) { started = ctx },
		OnJobDone:  func(ctx JobContext) { done = ctx },
		OnJobError: func(JobContext, error) { t.Fatal("unexpected error hook") },
	}
	h := newConsumerHarness(t, endpoint.Consumer{Topic: "orders", Name: "order-consumer"}, ConsumerOptions{Hooks: hooks})

	_, err := h.run(inbound("m1", 1, `"x"`), (&received{}).subscriber)
	require.NoError(t, err)

	assert.Equal(t, "order-consumer", started.Endpoint)
	assert.Equal(t, "orders", started.Topic)
	assert.Equal(t, "m1", started.MessageID)
	assert.False(t, started.StartedAt.IsZero())
	assert.Equal(t, OutcomeProcessed, done.Outcome)
	assert.GreaterOrEqual(t, done.Duration.Nanoseconds(), int64(0))
}

func TestHooksBehaviorError(t *testing.T) {
	boom := errors.New("boom")
	var hookErr error
	var alerted bool
	hooks := AlertingHooks(func(JobContext, error) { alerted = true }).
		Merge(JobHooks{OnJobError: func(_ JobContext, err error) { hookErr = err }})
	h := newConsumerHarness(t, endpoint.Consumer{Topic: "orders"}, ConsumerOptions{Hooks: hooks})

	_, err := h.run(inbound("m1", 1, `"x"`), func(context.Context, InboundMessage) error { return boom })
	require.ErrorIs(t, err, boom)
	assert.True(t, alerted)
	assert.Same(t, boom, hookErr)
}

func TestMetricsHooks(t *testing.T) {
	var started, done, failed []string
	hooks := MetricsHooks(
		func(endpoint, topic string) { started = append(started, endpoint+"/"+topic) },
		func(endpoint, topic string) { done = append(done, endpoint+"/"+topic) },
		func(endpoint, topic string) { failed = append(failed, endpoint+"/"+topic) },
	)

	hooks.OnJobStart(JobContext{Endpoint: "c", Topic: "t"})
	hooks.OnJobDone(JobContext{Endpoint: "c", Topic: "t"})
	hooks.OnJobError(JobContext{Endpoint: "c", Topic: "t"}, errors.New("x"))

	assert.Equal(t, []string{"c/t"}, started)
	assert.Equal(t, []string{"c/t"}, done)
	assert.Equal(t, []string{"c/t"}, failed)

	assert.NotPanics(t, func() {
		empty := MetricsHooks(nil, nil, nil)
		empty.OnJobStart(JobContext{})
		empty.OnJobDone(JobContext{})
		empty.OnJobError(JobContext{}, nil)
	})
}

func TestLoggingHooks(t *testing.T) {
	var buf bytes.Buffer
	hooks := LoggingHooks(newBufferLogger(&buf))

	hooks.OnJobStart(JobContext{Endpoint: "c", MessageID: "m1"})
	hooks.OnJobDone(JobContext{Endpoint: "c", MessageID: "m1", Outcome: OutcomeBuffered})
	hooks.OnJobError(JobContext{Endpoint: "c", MessageID: "m1"}, errors.New("boom"))

	out := buf.String()
	assert.Contains(t, out, "Job started")
	assert.Contains(t, out, "outcome=buffered")
	assert.Contains(t, out, "Job failed")
	assert.Contains(t, out, "error=boom")
}
