package broker

import (
	"context"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/drblury/relayflow/internal/runtime/envelope"
	rterrors "github.com/drblury/relayflow/internal/runtime/errors"
	"github.com/drblury/relayflow/transport"
)

// loopbackAdapter delivers every sent envelope to the receiver of its topic.
type loopbackAdapter struct {
	name string
	caps transport.Capabilities

	mu         sync.Mutex
	connected  bool
	receivers  map[string]chan *envelope.Inbound
	drops      map[string]chan struct{}
	subscribed map[string]int
	receiveErr error
	sent       []*envelope.Outbound
	committed  []string
	rolledBack []string
	released   []string
	next       int64
}

func newLoopback(name string) *loopbackAdapter {
	return &loopbackAdapter{
		name:       name,
		caps:       transport.Capabilities{Name: name, BlocksUntilAck: true},
		receivers:  map[string]chan *envelope.Inbound{},
		drops:      map[string]chan struct{}{},
		subscribed: map[string]int{},
	}
}

func (a *loopbackAdapter) Name() string                         { return a.name }
func (a *loopbackAdapter) Capabilities() transport.Capabilities { return a.caps }

func (a *loopbackAdapter) Connect(context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.connected = true
	return nil
}

func (a *loopbackAdapter) Disconnect(context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.connected = false
	return nil
}

func (a *loopbackAdapter) Send(_ context.Context, env *envelope.Outbound) error {
	a.mu.Lock()
	if !a.connected {
		a.mu.Unlock()
		return rterrors.ErrBrokerNotConnected
	}
	a.sent = append(a.sent, env)
	a.next++
	in := &envelope.Inbound{Raw: env.CloneRaw()}
	in.Endpoint = ""
	in.Identifier = envelope.Offset{Partition: env.Topic + "/0", Position: a.next}
	ch, ok := a.receivers[env.Topic]
	a.mu.Unlock()

	if ok {
		ch <- in
	}
	return nil
}

func (a *loopbackAdapter) Receive(ctx context.Context, topic string) (<-chan *envelope.Inbound, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.connected {
		return nil, rterrors.ErrBrokerNotConnected
	}
	a.subscribed[topic]++
	if a.receiveErr != nil {
		return nil, a.receiveErr
	}
	in := make(chan *envelope.Inbound, 64)
	drop := make(chan struct{})
	a.receivers[topic] = in
	a.drops[topic] = drop

	out := make(chan *envelope.Inbound)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case <-drop:
				return
			case env := <-in:
				select {
				case out <- env:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

// drop ends the subscription of topic as a lost broker connection would.
// Later Receive calls fail with err while it is set.
func (a *loopbackAdapter) drop(topic string, err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.receiveErr = err
	if ch, ok := a.drops[topic]; ok {
		close(ch)
		delete(a.drops, topic)
		delete(a.receivers, topic)
	}
}

// Subscriptions counts the Receive calls for topic, failed ones included.
func (a *loopbackAdapter) Subscriptions(topic string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.subscribed[topic]
}

func (a *loopbackAdapter) record(target *[]string, ids []envelope.Identifier) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, id := range ids {
		*target = append(*target, id.String())
	}
}

func (a *loopbackAdapter) Commit(_ context.Context, ids []envelope.Identifier) error {
	a.record(&a.committed, ids)
	return nil
}

func (a *loopbackAdapter) Rollback(_ context.Context, ids []envelope.Identifier) error {
	a.record(&a.rolledBack, ids)
	return nil
}

func (a *loopbackAdapter) Release(_ context.Context, ids []envelope.Identifier) error {
	a.record(&a.released, ids)
	return nil
}

func (a *loopbackAdapter) snapshot(list *[]string) []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), (*list)...)
}

func (a *loopbackAdapter) Committed() []string  { return a.snapshot(&a.committed) }
func (a *loopbackAdapter) RolledBack() []string { return a.snapshot(&a.rolledBack) }
func (a *loopbackAdapter) Released() []string   { return a.snapshot(&a.released) }

func (a *loopbackAdapter) Sent() []*envelope.Outbound {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]*envelope.Outbound(nil), a.sent...)
}

// inject delivers a raw envelope to topic as if it came from the broker.
func (a *loopbackAdapter) inject(t *testing.T, topic string, payload string, headers ...string) envelope.Identifier {
	t.Helper()
	a.mu.Lock()
	ch, ok := a.receivers[topic]
	a.next++
	id := envelope.Offset{Partition: topic + "/0", Position: a.next}
	a.mu.Unlock()
	require.True(t, ok, "no receiver for %s", topic)

	ch <- &envelope.Inbound{Raw: envelope.Raw{
		Topic:      topic,
		Payload:    []byte(payload),
		Headers:    envelope.New(headers...),
		Identifier: id,
	}}
	return id
}

func offsetID(topic string, position int) string {
	return topic + "/0@" + strconv.Itoa(position)
}

func connect(t *testing.T, b *Broker) {
	t.Helper()
	require.NoError(t, b.Connect(t.Context()))
	t.Cleanup(func() {
		if b.IsConnected() {
			require.NoError(t, b.Disconnect(context.Background()))
		}
	})
}

// calls collects subscriber invocations.
type calls struct {
	mu       sync.Mutex
	messages []string
	attempts []int
}

func (c *calls) add(msg string, attempts int) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.messages = append(c.messages, msg)
	c.attempts = append(c.attempts, attempts)
	return len(c.messages)
}

func (c *calls) Messages() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.messages...)
}

func (c *calls) Attempts() []int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]int(nil), c.attempts...)
}

func (c *calls) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.messages)
}

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)
