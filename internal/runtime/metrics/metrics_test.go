package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegisterIsIdempotent(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := New(reg)
	require.NoError(t, c.Register())
	require.NoError(t, c.Register())

	again := New(reg)
	assert.NoError(t, again.Register(), "already registered collectors are tolerated")
}

func TestConsumedAndSnapshot(t *testing.T) {
	c := New(prometheus.NewRegistry())
	require.NoError(t, c.Register())

	c.Consumed("orders", "processed", 10*time.Millisecond, nil)
	c.Consumed("orders", "processed", 10*time.Millisecond, errors.New("boom"))
	c.Duplicate("orders")
	c.Moved("orders", "orders-dlq", 3)
	c.Moved("orders", "orders-dlq", 5)

	assert.Equal(t, 1.0, testutil.ToFloat64(c.consumed.WithLabelValues("orders", "processed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.consumed.WithLabelValues("orders", "failed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.duplicates.WithLabelValues("orders")))

	snap := c.Snapshot()
	stats := snap.Endpoints["orders"]
	assert.EqualValues(t, 1, stats.Consumed)
	assert.EqualValues(t, 1, stats.Failed)
	assert.EqualValues(t, 2, stats.Moved)
	assert.Equal(t, 4.0, stats.AvgMoveRetry)
	assert.False(t, stats.LastUpdatedAt.IsZero())
}

func TestOutboxObserver(t *testing.T) {
	c := New(prometheus.NewRegistry())
	c.OutboxRelayed("orders")
	c.OutboxRelayed("orders")
	c.OutboxFailed("orders")
	c.OutboxPending(7)

	assert.Equal(t, 2.0, testutil.ToFloat64(c.outboxRelayed.WithLabelValues("orders")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.outboxFailed.WithLabelValues("orders")))
	assert.Equal(t, 7.0, testutil.ToFloat64(c.outboxPending))
	assert.Equal(t, 7, c.Snapshot().OutboxPending)
}

func TestSequencesAndStatus(t *testing.T) {
	c := New(prometheus.NewRegistry())
	c.SequenceCompleted("orders", "chunk")
	c.SequenceAborted("orders", "stream", "timeout")
	c.Status("consumer", "orders", 4)
	c.PolicyAction("orders", "retry")
	c.Produced("orders", "direct")

	assert.Equal(t, 1.0, testutil.ToFloat64(c.seqCompleted.WithLabelValues("orders", "chunk")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.seqAborted.WithLabelValues("orders", "stream", "timeout")))
	assert.Equal(t, 4.0, testutil.ToFloat64(c.endpointsStatus.WithLabelValues("consumer", "orders")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.policyActions.WithLabelValues("orders", "retry")))
	assert.EqualValues(t, 1, c.Snapshot().Endpoints["orders"].Produced)
}

func TestNilCollectorsAreNoops(t *testing.T) {
	var c *Collectors
	assert.NotPanics(t, func() {
		require.NoError(t, c.Register())
		c.Produced("a", "direct")
		c.Consumed("a", "processed", time.Second, nil)
		c.OutboxPending(1)
		c.Status("producer", "a", 1)
	})
	assert.Empty(t, c.Snapshot().Endpoints)
}
