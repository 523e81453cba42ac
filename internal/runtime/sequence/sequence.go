// Package sequence groups correlated inbound envelopes into chunked messages,
// batches and streams.
package sequence

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/drblury/relayflow/internal/runtime/envelope"
	rterrors "github.com/drblury/relayflow/internal/runtime/errors"
	"github.com/drblury/relayflow/internal/runtime/transaction"
)

// DefaultTimeout applies when Settings.Timeout is zero.
const DefaultTimeout = 30 * time.Minute

// Settings configures chunk and stream sequences. Batches ignore Timeout.
type Settings struct {
	Timeout time.Duration
}

// WithDefaults returns s with DefaultTimeout applied.
func (s Settings) WithDefaults() Settings {
	if s.Timeout == 0 {
		s.Timeout = DefaultTimeout
	}
	return s
}

func (s Settings) Validate() error {
	if s.Timeout < 0 {
		return fmt.Errorf("sequence timeout must be greater than zero, got %s", s.Timeout)
	}
	return nil
}

type Kind int

const (
	KindChunk Kind = iota
	KindBatch
	KindStream
)

func (k Kind) String() string {
	switch k {
	case KindChunk:
		return "chunk"
	case KindBatch:
		return "batch"
	case KindStream:
		return "stream"
	default:
		return "unknown"
	}
}

type State int

const (
	Adding State = iota
	Completed
	Aborted
)

func (s State) String() string {
	switch s {
	case Adding:
		return "adding"
	case Completed:
		return "completed"
	case Aborted:
		return "aborted"
	default:
		return "unknown"
	}
}

// AddResult tells the caller what happened to an envelope handed to a sequence.
type AddResult int

const (
	AddAdded AddResult = iota
	AddDuplicate
	AddCompleted
)

type AbortReason int

const (
	AbortTimeout AbortReason = iota
	AbortOrdering
	AbortDisconnected
	AbortExplicit
)

func (r AbortReason) String() string {
	switch r {
	case AbortTimeout:
		return "timeout"
	case AbortOrdering:
		return "ordering"
	case AbortDisconnected:
		return "disconnected"
	default:
		return "explicit"
	}
}

// AbortError is the error of an aborted sequence. Timeouts and disconnects
// match context.Canceled so stream subscribers see a cancellation.
type AbortError struct {
	Reason AbortReason
	Err    error
}

func (e *AbortError) Error() string {
	return fmt.Sprintf("sequence aborted (%s): %v", e.Reason, e.Err)
}

func (e *AbortError) Unwrap() error { return e.Err }

func (e *AbortError) Is(target error) bool {
	return target == context.Canceled && (e.Reason == AbortTimeout || e.Reason == AbortDisconnected)
}

// Sequence is the behavior shared by every sequence kind.
type Sequence interface {
	ID() string
	Kind() Kind
	State() State
	// Err is the abort error, nil unless the sequence was aborted.
	Err() error
	// Identifiers lists the broker identifiers of every accepted envelope,
	// including envelopes discarded by an abort.
	Identifiers() []envelope.Identifier
	Len() int
	// Transaction collects the delivery transactions of buffered envelopes.
	Transaction() *transaction.Transaction
	Done() <-chan struct{}
	Abort(err error) bool
}

type base struct {
	id      string
	kind    Kind
	store   *Store
	timeout time.Duration
	tx      *transaction.Transaction
	done    chan struct{}

	mu        sync.Mutex
	state     State
	err       error
	ids       []envelope.Identifier
	envelopes []*envelope.Inbound
	timer     *time.Timer
	deadline  time.Time
}

func newBase(id string, kind Kind, store *Store, timeout time.Duration) base {
	return base{
		id:      id,
		kind:    kind,
		store:   store,
		timeout: timeout,
		tx:      transaction.New(),
		done:    make(chan struct{}),
	}
}

func (b *base) ID() string                            { return b.id }
func (b *base) Kind() Kind                            { return b.kind }
func (b *base) Transaction() *transaction.Transaction { return b.tx }
func (b *base) Done() <-chan struct{}                 { return b.done }

func (b *base) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *base) Err() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.err
}

func (b *base) Identifiers() []envelope.Identifier {
	b.mu.Lock()
	defer b.mu.Unlock()
	return slices.Clone(b.ids)
}

func (b *base) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.ids)
}

// Envelopes returns the buffered envelopes in arrival order.
func (b *base) Envelopes() []*envelope.Inbound {
	b.mu.Lock()
	defer b.mu.Unlock()
	return slices.Clone(b.envelopes)
}

// Abort stops the sequence with err and discards buffered envelopes. It
// reports false when the sequence was already finished.
func (b *base) Abort(err error) bool {
	if err == nil {
		err = rterrors.ErrSequenceCancelled
	}
	var abortErr *AbortError
	if !asAbort(err, &abortErr) {
		abortErr = &AbortError{Reason: AbortExplicit, Err: err}
	}
	return b.abort(abortErr)
}

func (b *base) abort(err *AbortError) bool {
	b.mu.Lock()
	ok := b.finishLocked(Aborted, err)
	b.mu.Unlock()
	if ok {
		b.store.remove(b.id)
	}
	return ok
}

func (b *base) complete() bool {
	b.mu.Lock()
	ok := b.finishLocked(Completed, nil)
	b.mu.Unlock()
	if ok {
		b.store.remove(b.id)
	}
	return ok
}

// finishLocked moves the sequence to a terminal state. The caller holds b.mu.
func (b *base) finishLocked(state State, err error) bool {
	if b.state != Adding {
		return false
	}
	b.state = state
	if err != nil {
		b.err = err
	}
	if state == Aborted {
		b.envelopes = nil
	}
	if b.timer != nil {
		b.timer.Stop()
	}
	close(b.done)
	return true
}

// touchLocked pushes the inactivity deadline forward. The caller holds b.mu.
func (b *base) touchLocked(onExpire func()) {
	if b.timeout <= 0 {
		return
	}
	b.deadline = time.Now().Add(b.timeout)
	if b.timer == nil {
		b.timer = time.AfterFunc(b.timeout, onExpire)
	}
}

// expired reports whether the inactivity deadline passed. When it has not,
// the timer is re-armed for the remaining time.
func (b *base) expired() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != Adding {
		return false
	}
	remaining := time.Until(b.deadline)
	if remaining > 0 {
		b.timer.Reset(remaining)
		return false
	}
	return true
}

func (b *base) onTimeout(self Sequence) func() {
	return func() {
		if !b.expired() {
			return
		}
		timeoutErr := &AbortError{Reason: AbortTimeout, Err: rterrors.ErrSequenceTimeout}
		if b.abort(timeoutErr) {
			b.store.emit(Event{Kind: EventTimedOut, Sequence: self})
		}
	}
}

func asAbort(err error, target **AbortError) bool {
	ae, ok := err.(*AbortError)
	if ok {
		*target = ae
	}
	return ok
}
