package behavior

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/drblury/relayflow/internal/runtime/endpoint"
	"github.com/drblury/relayflow/internal/runtime/envelope"
	rterrors "github.com/drblury/relayflow/internal/runtime/errors"
	"github.com/drblury/relayflow/internal/runtime/exactlyonce"
	"github.com/drblury/relayflow/internal/runtime/logging"
	"github.com/drblury/relayflow/internal/runtime/metrics"
	"github.com/drblury/relayflow/internal/runtime/sequence"
	"github.com/drblury/relayflow/internal/runtime/serialization"
)

type received struct {
	mu   sync.Mutex
	msgs []InboundMessage
}

func (r *received) subscriber(_ context.Context, msg InboundMessage) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, msg)
	return nil
}

func (r *received) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.msgs)
}

type consumerHarness struct {
	t        *testing.T
	endpoint endpoint.Consumer
	store    *sequence.Store
	pipeline *Pipeline[*ConsumerContext]
	streams  StreamLauncher
}

func newConsumerHarness(t *testing.T, ep endpoint.Consumer, opts ConsumerOptions) *consumerHarness {
	t.Helper()
	store := sequence.NewStore()
	t.Cleanup(func() { store.Close(nil) })
	return &consumerHarness{
		t:        t,
		endpoint: ep.WithDefaults(),
		store:    store,
		pipeline: NewPipeline(DefaultConsumerBehaviors(opts)...),
	}
}

func (h *consumerHarness) run(env *envelope.Inbound, sub Subscriber) (*ConsumerContext, error) {
	ctx, cc := NewConsumerContext(h.t.Context(), h.endpoint, env, h.store)
	cc.Streams = h.streams
	err := h.pipeline.Execute(ctx, cc, Dispatch(sub))
	return cc, err
}

func inbound(id string, position int64, payload string, headers ...string) *envelope.Inbound {
	return &envelope.Inbound{Raw: envelope.Raw{
		Headers:    envelope.New(append([]string{envelope.HeaderMessageID, id}, headers...)...),
		Payload:    []byte(payload),
		Identifier: envelope.Offset{Partition: "p0", Position: position},
	}}
}

func chunkOf(id string, position int64, payload string, index int, last bool) *envelope.Inbound {
	headers := []string{envelope.HeaderChunkIndex, strconv.Itoa(index)}
	if last {
		headers = append(headers, envelope.HeaderChunkLast, "true")
	}
	return inbound(id, position, payload, headers...)
}

func TestConsumerDeliversDeserializedEnvelope(t *testing.T) {
	h := newConsumerHarness(t, endpoint.Consumer{Topic: "orders"}, ConsumerOptions{})
	rec := &received{}

	cc, err := h.run(inbound("m1", 1, `{"id":"42"}`), rec.subscriber)
	require.NoError(t, err)

	assert.Equal(t, OutcomeProcessed, cc.Outcome)
	require.Equal(t, 1, rec.count())
	assert.Equal(t, map[string]any{"id": "42"}, rec.msgs[0].Envelope.Message)
	assert.Len(t, cc.Identifiers(), 1)
	assert.NoError(t, cc.Commit(t.Context()))
}

func TestChunkSequencerReassembles(t *testing.T) {
	h := newConsumerHarness(t, endpoint.Consumer{Topic: "files", Serializer: serialization.Raw{}}, ConsumerOptions{})
	rec := &received{}

	parts := []string{"hel", "lo ", "world"}
	var last *ConsumerContext
	for i, part := range parts {
		cc, err := h.run(chunkOf("file-1", int64(i), part, i, i == len(parts)-1), rec.subscriber)
		require.NoError(t, err)
		if i < len(parts)-1 {
			assert.Equal(t, OutcomeBuffered, cc.Outcome)
			assert.Zero(t, rec.count())
		}
		last = cc
	}

	require.Equal(t, 1, rec.count())
	env := rec.msgs[0].Envelope
	assert.Equal(t, []byte("hello world"), env.Message)
	assert.False(t, env.Headers.Contains(envelope.HeaderChunkIndex))
	assert.Equal(t, OutcomeProcessed, last.Outcome)
	assert.Len(t, last.Identifiers(), 3)
	assert.Equal(t, 0, h.store.Len())
	assert.NoError(t, last.Commit(t.Context()))
}

func TestChunkSequencerIgnoresRepeatedLastIndex(t *testing.T) {
	h := newConsumerHarness(t, endpoint.Consumer{Topic: "files", Serializer: serialization.Raw{}}, ConsumerOptions{})
	rec := &received{}

	steps := []*envelope.Inbound{
		chunkOf("file-1", 0, "a", 0, false),
		chunkOf("file-1", 1, "b", 1, false),
		chunkOf("file-1", 2, "b", 1, false),
		chunkOf("file-1", 3, "c", 2, true),
	}
	for i, env := range steps {
		cc, err := h.run(env, rec.subscriber)
		require.NoError(t, err, "step %d", i)
		if i == 2 {
			assert.Equal(t, OutcomeBuffered, cc.Outcome)
			assert.Equal(t, sequence.Adding, cc.Chunk.State())
			assert.Equal(t, 2, cc.Chunk.Len())
		}
	}

	require.Equal(t, 1, rec.count())
	assert.Equal(t, []byte("abc"), rec.msgs[0].Envelope.Message)
}

func TestChunkSequencerAbortsOnGap(t *testing.T) {
	h := newConsumerHarness(t, endpoint.Consumer{Topic: "files"}, ConsumerOptions{})
	rec := &received{}

	_, err := h.run(chunkOf("file-1", 0, "a", 0, false), rec.subscriber)
	require.NoError(t, err)

	cc, err := h.run(chunkOf("file-1", 1, "c", 2, true), rec.subscriber)
	require.ErrorIs(t, err, rterrors.ErrSequenceOrdering)
	assert.Equal(t, sequence.Aborted, cc.Chunk.State())
	assert.Zero(t, h.store.Len())
	assert.Zero(t, rec.count())
	assert.Len(t, cc.Identifiers(), 2, "identifiers of discarded chunks are kept for rollback")
	assert.NoError(t, cc.Rollback(t.Context()))
}

func TestChunkSequencerRejectsMissingMessageID(t *testing.T) {
	h := newConsumerHarness(t, endpoint.Consumer{Topic: "files"}, ConsumerOptions{})
	env := &envelope.Inbound{Raw: envelope.Raw{Headers: envelope.New(envelope.HeaderChunkIndex, "0")}}

	_, err := h.run(env, (&received{}).subscriber)
	assert.ErrorIs(t, err, rterrors.ErrInvalidChunkHeaders)
}

func TestExactlyOnceOffsetGuard(t *testing.T) {
	store := exactlyonce.NewMemoryOffsetStore()
	h := newConsumerHarness(t, endpoint.Consumer{Topic: "orders", ExactlyOnce: exactlyonce.OffsetStrategy(store)}, ConsumerOptions{})
	rec := &received{}

	outcomes := make([]Outcome, 0, 3)
	for _, position := range []int64{5, 5, 6} {
		cc, err := h.run(inbound("m"+strconv.FormatInt(position, 10), position, `"x"`), rec.subscriber)
		require.NoError(t, err)
		require.NoError(t, cc.Commit(t.Context()))
		outcomes = append(outcomes, cc.Outcome)
	}

	assert.Equal(t, []Outcome{OutcomeProcessed, OutcomeSkipped, OutcomeProcessed}, outcomes)
	assert.Equal(t, 2, rec.count())
}

func TestExactlyOnceRollbackForgetsRecord(t *testing.T) {
	log := exactlyonce.NewMemoryInboundLog()
	h := newConsumerHarness(t, endpoint.Consumer{Topic: "orders", ExactlyOnce: exactlyonce.LogStrategy(log)}, ConsumerOptions{})
	boom := errors.New("boom")

	cc, err := h.run(inbound("m1", 1, `"x"`), func(context.Context, InboundMessage) error { return boom })
	require.ErrorIs(t, err, boom)
	require.NoError(t, cc.Rollback(t.Context()))
	assert.Zero(t, log.Len())

	cc, err = h.run(inbound("m1", 1, `"x"`), (&received{}).subscriber)
	require.NoError(t, err)
	assert.Equal(t, OutcomeProcessed, cc.Outcome)
	require.NoError(t, cc.Commit(t.Context()))
	assert.Equal(t, 1, log.Len())
}

type failingStrategy struct{}

func (failingStrategy) Name() string          { return "failing" }
func (failingStrategy) RequiresOffsets() bool { return false }
func (failingStrategy) Check(context.Context, *envelope.Inbound, string) (bool, error) {
	return false, errors.New("store unavailable")
}

func TestExactlyOnceStoreErrorIsFatal(t *testing.T) {
	h := newConsumerHarness(t, endpoint.Consumer{Topic: "orders", ExactlyOnce: failingStrategy{}}, ConsumerOptions{})

	_, err := h.run(inbound("m1", 1, `"x"`), (&received{}).subscriber)
	assert.True(t, rterrors.IsFatal(err))
}

func newBufferLogger(buf *bytes.Buffer) logging.ServiceLogger {
	return logging.NewSlogServiceLogger(slog.New(slog.NewTextHandler(buf, &slog.HandlerOptions{Level: logging.LevelTrace})))
}

func TestFatalErrorLoggerRecoversPanics(t *testing.T) {
	var buf bytes.Buffer
	h := newConsumerHarness(t, endpoint.Consumer{Topic: "orders"}, ConsumerOptions{Logger: newBufferLogger(&buf)})

	_, err := h.run(inbound("m1", 1, `"x"`), func(context.Context, InboundMessage) error {
		panic("kaboom")
	})

	require.Error(t, err)
	assert.True(t, rterrors.IsFatal(err))
	assert.Contains(t, buf.String(), "Recovered from panic in consumer pipeline")
	assert.Contains(t, buf.String(), "kaboom")
}

func TestFatalErrorLoggerLogsAndReturnsUnchanged(t *testing.T) {
	var buf bytes.Buffer
	h := newConsumerHarness(t, endpoint.Consumer{Topic: "orders"}, ConsumerOptions{Logger: newBufferLogger(&buf)})
	boom := errors.New("boom")

	_, err := h.run(inbound("m1", 1, `"x"`), func(context.Context, InboundMessage) error { return boom })

	assert.Same(t, boom, err)
	assert.Contains(t, buf.String(), "error_kind=retryable")
}

type validated struct {
	err error
}

func (v validated) Validate() error { return v.err }

func TestConsumerValidationModes(t *testing.T) {
	invalid := errors.New("name is required")
	tests := []struct {
		name      string
		mode      endpoint.ValidationMode
		wantErr   bool
		wantWarns bool
	}{
		{"none", endpoint.ValidationNone, false, false},
		{"log warning", endpoint.ValidationLogWarning, false, true},
		{"return error", endpoint.ValidationReturnError, true, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			rejecting := ValidatorFunc(func(any) error { return invalid })
			h := newConsumerHarness(t, endpoint.Consumer{Topic: "orders", Validation: tt.mode},
				ConsumerOptions{Logger: newBufferLogger(&buf), Validator: rejecting})
			rec := &received{}

			_, err := h.run(inbound("m1", 1, `{"name":""}`), rec.subscriber)
			if tt.wantErr {
				assert.ErrorIs(t, err, rterrors.ErrMessageValidation)
				assert.ErrorIs(t, err, invalid)
				assert.Zero(t, rec.count())
				return
			}
			require.NoError(t, err)
			assert.Equal(t, 1, rec.count())
			assert.Equal(t, tt.wantWarns, bytes.Contains(buf.Bytes(), []byte("Message is not valid")))
		})
	}
}

func TestValidateFallsBackToMessageMethod(t *testing.T) {
	invalid := errors.New("invalid")
	assert.ErrorIs(t, validate(nil, validated{err: invalid}), invalid)
	assert.NoError(t, validate(nil, validated{}))
	assert.NoError(t, validate(nil, "plain"))
	assert.NoError(t, validate(nil, nil))
}

func TestBatchCompletesAtSize(t *testing.T) {
	h := newConsumerHarness(t, endpoint.Consumer{Topic: "orders", Batch: endpoint.BatchSettings{Size: 2}}, ConsumerOptions{})
	rec := &received{}

	first, err := h.run(inbound("m1", 1, `"a"`), rec.subscriber)
	require.NoError(t, err)
	assert.Equal(t, OutcomeBuffered, first.Outcome)
	assert.Zero(t, rec.count())

	second, err := h.run(inbound("m2", 2, `"b"`), rec.subscriber)
	require.NoError(t, err)
	assert.Equal(t, OutcomeProcessed, second.Outcome)

	require.Equal(t, 1, rec.count())
	batch := rec.msgs[0].Batch
	require.Len(t, batch, 2)
	assert.Equal(t, "a", batch[0].Message)
	assert.Equal(t, "b", batch[1].Message)
	assert.Len(t, second.Identifiers(), 2)
	assert.NoError(t, second.Commit(t.Context()))
	assert.True(t, first.Tx.Done(), "buffered run transactions complete with the batch")
}

func TestBatchTimerCompletion(t *testing.T) {
	h := newConsumerHarness(t, endpoint.Consumer{Topic: "orders", Batch: endpoint.BatchSettings{Size: 10, MaxWait: 20 * time.Millisecond}}, ConsumerOptions{})
	rec := &received{}

	_, err := h.run(inbound("m1", 1, `"a"`), rec.subscriber)
	require.NoError(t, err)

	var ev sequence.Event
	select {
	case ev = <-h.store.Events():
	case <-time.After(time.Second):
		t.Fatal("batch did not complete")
	}
	require.Equal(t, sequence.EventCompleted, ev.Kind)

	ctx, cc := NewConsumerContext(t.Context(), h.endpoint, nil, h.store)
	cc.Sequence = ev.Sequence
	require.NoError(t, h.pipeline.Execute(ctx, cc, Dispatch(rec.subscriber)))

	require.Equal(t, 1, rec.count())
	assert.Len(t, rec.msgs[0].Batch, 1)
	assert.Len(t, cc.Identifiers(), 1)
}

type recordingLauncher struct {
	readers chan *sequence.Reader
}

func (l *recordingLauncher) Launch(_ *sequence.Stream, reader *sequence.Reader) {
	l.readers <- reader
}

func TestStreamHandsOffToSingleSubscriber(t *testing.T) {
	h := newConsumerHarness(t, endpoint.Consumer{Topic: "ticks", Stream: endpoint.StreamSettings{Enabled: true, BufferSize: 4}}, ConsumerOptions{})
	launcher := &recordingLauncher{readers: make(chan *sequence.Reader, 2)}
	h.streams = launcher

	for i := range 3 {
		cc, err := h.run(inbound("m"+strconv.Itoa(i), int64(i), strconv.Itoa(i)), (&received{}).subscriber)
		require.NoError(t, err)
		assert.Equal(t, OutcomeStreamed, cc.Outcome)
	}

	require.Len(t, launcher.readers, 1, "one subscriber per stream")
	reader := <-launcher.readers
	for i := range 3 {
		env, err := reader.Next(t.Context())
		require.NoError(t, err)
		assert.Equal(t, "m"+strconv.Itoa(i), env.MessageID())
	}
}

func TestStreamWithoutLauncherFails(t *testing.T) {
	h := newConsumerHarness(t, endpoint.Consumer{Topic: "ticks", Stream: endpoint.StreamSettings{Enabled: true}}, ConsumerOptions{})

	_, err := h.run(inbound("m1", 1, `1`), (&received{}).subscriber)
	assert.Error(t, err)
}

func TestRetryIncrementsAttempts(t *testing.T) {
	h := newConsumerHarness(t, endpoint.Consumer{Topic: "orders"}, ConsumerOptions{})
	boom := errors.New("boom")

	cc, err := h.run(inbound("m1", 1, `"x"`), func(context.Context, InboundMessage) error { return boom })
	require.ErrorIs(t, err, boom)

	ctx, retry, err := cc.Retry(t.Context())
	require.NoError(t, err)
	assert.True(t, cc.Tx.Done())
	assert.Equal(t, 1, retry.Attempts)
	assert.Equal(t, 1, retry.Envelope.FailedAttempts())
	assert.Zero(t, cc.Envelope.FailedAttempts(), "the failed envelope is not mutated")

	var seen InboundMessage
	require.NoError(t, h.pipeline.Execute(ctx, retry, Dispatch(func(_ context.Context, msg InboundMessage) error {
		seen = msg
		return nil
	})))
	assert.Equal(t, 1, seen.Envelope.FailedAttempts())
}

func TestRetryReplaysCompletedBatch(t *testing.T) {
	h := newConsumerHarness(t, endpoint.Consumer{Topic: "orders", Batch: endpoint.BatchSettings{Size: 2}}, ConsumerOptions{})
	fail := true
	rec := &received{}
	sub := func(ctx context.Context, msg InboundMessage) error {
		if fail {
			return errors.New("boom")
		}
		return rec.subscriber(ctx, msg)
	}

	_, err := h.run(inbound("m1", 1, `"a"`), sub)
	require.NoError(t, err)
	cc, err := h.run(inbound("m2", 2, `"b"`), sub)
	require.Error(t, err)

	ctx, retry, err := cc.Retry(t.Context())
	require.NoError(t, err)
	assert.Nil(t, retry.Envelope)

	fail = false
	require.NoError(t, h.pipeline.Execute(ctx, retry, Dispatch(sub)))
	require.Equal(t, 1, rec.count())
	assert.Len(t, rec.msgs[0].Batch, 2)
	assert.NoError(t, retry.Commit(t.Context()))
}

func TestConsumerMetricsSnapshot(t *testing.T) {
	collectors := metrics.New(prometheus.NewRegistry())
	require.NoError(t, collectors.Register())
	store := exactlyonce.NewMemoryOffsetStore()
	h := newConsumerHarness(t, endpoint.Consumer{Topic: "orders", ExactlyOnce: exactlyonce.OffsetStrategy(store)},
		ConsumerOptions{Metrics: collectors})

	for range 2 {
		cc, err := h.run(inbound("m1", 1, `"x"`), (&received{}).subscriber)
		require.NoError(t, err)
		require.NoError(t, cc.Commit(t.Context()))
	}

	stats := collectors.Snapshot().Endpoints["orders"]
	assert.Equal(t, uint64(2), stats.Consumed)
	assert.Equal(t, uint64(1), stats.Duplicates)
}

func TestConsumerTracingContinuesPropagatedTrace(t *testing.T) {
	previous := otel.GetTextMapPropagator()
	otel.SetTextMapPropagator(propagation.TraceContext{})
	t.Cleanup(func() { otel.SetTextMapPropagator(previous) })

	h := newConsumerHarness(t, endpoint.Consumer{Topic: "orders"}, ConsumerOptions{})
	env := inbound("m1", 1, `"x"`, "traceparent", "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01")

	var traceID string
	_, err := h.run(env, func(ctx context.Context, _ InboundMessage) error {
		traceID = trace.SpanContextFromContext(ctx).TraceID().String()
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, "4bf92f3577b34da6a3ce929d0e0e4736", traceID)
}
