// Package status tracks the connection and activity state of producers and consumers.
package status

import (
	"slices"
	"sync"
	"time"

	"github.com/drblury/relayflow/internal/runtime/envelope"
)

// Status is ordered: Disconnected < Connected < Ready < Producing|Consuming.
type Status int

const (
	Disconnected Status = iota
	Connected
	Ready
	Producing
	Consuming
)

func (s Status) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connected:
		return "connected"
	case Ready:
		return "ready"
	case Producing:
		return "producing"
	case Consuming:
		return "consuming"
	default:
		return "unknown"
	}
}

// Change is one entry of the status history.
type Change struct {
	Status    Status
	Timestamp time.Time
}

// Tracker records status transitions and activity. All methods are safe for
// concurrent use.
type Tracker struct {
	active Status
	now    func() time.Time

	mu               sync.Mutex
	status           Status
	history          []Change
	activityCount    int64
	latestActivity   time.Time
	latestIdentifier envelope.Identifier
	onChange         func(Change)
}

// NewProducerTracker returns a tracker whose active status is Producing.
func NewProducerTracker() *Tracker {
	return newTracker(Producing)
}

// NewConsumerTracker returns a tracker whose active status is Consuming.
func NewConsumerTracker() *Tracker {
	return newTracker(Consuming)
}

func newTracker(active Status) *Tracker {
	return &Tracker{active: active, now: time.Now}
}

// OnChange registers fn to observe every transition. fn runs without the
// tracker lock held.
func (t *Tracker) OnChange(fn func(Change)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onChange = fn
}

// RecordConnected moves to Connected when the tracker is below Connected.
// allowStepBack forces the transition, which is used when a client reports a
// new connection without a disconnect in between.
func (t *Tracker) RecordConnected(allowStepBack bool) {
	t.transition(func(current Status) bool {
		return allowStepBack || current < Connected
	}, Connected)
}

// RecordReady moves to Ready when the tracker is below Ready.
func (t *Tracker) RecordReady() {
	t.transition(func(current Status) bool { return current < Ready }, Ready)
}

// RecordDisconnected resets the tracker.
func (t *Tracker) RecordDisconnected() {
	t.transition(func(current Status) bool { return current != Disconnected }, Disconnected)
}

// RecordActivity counts one produced or consumed message. The first activity
// after Connected or Ready moves the tracker to its active status.
func (t *Tracker) RecordActivity(id envelope.Identifier) {
	t.mu.Lock()
	now := t.now()
	t.activityCount++
	t.latestActivity = now
	t.latestIdentifier = id

	var (
		change   Change
		notify   func(Change)
		switched bool
	)
	if t.status == Connected || t.status == Ready {
		change, switched = t.apply(t.active, now), true
		notify = t.onChange
	}
	t.mu.Unlock()

	if switched && notify != nil {
		notify(change)
	}
}

func (t *Tracker) transition(allowed func(Status) bool, next Status) {
	t.mu.Lock()
	if !allowed(t.status) {
		t.mu.Unlock()
		return
	}
	change := t.apply(next, t.now())
	notify := t.onChange
	t.mu.Unlock()

	if notify != nil {
		notify(change)
	}
}

func (t *Tracker) apply(next Status, at time.Time) Change {
	change := Change{Status: next, Timestamp: at}
	t.status = next
	t.history = append(t.history, change)
	return change
}

func (t *Tracker) Status() Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

// History returns a copy of the recorded transitions, oldest first.
func (t *Tracker) History() []Change {
	t.mu.Lock()
	defer t.mu.Unlock()
	return slices.Clone(t.history)
}

func (t *Tracker) ActivityCount() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.activityCount
}

func (t *Tracker) LatestActivity() time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.latestActivity
}

func (t *Tracker) LatestIdentifier() envelope.Identifier {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.latestIdentifier
}
