package sequence

import (
	"github.com/drblury/relayflow/internal/runtime/envelope"
	rterrors "github.com/drblury/relayflow/internal/runtime/errors"
)

// Batch collects up to size envelopes or whatever arrived within maxWait.
type Batch struct {
	base
	size int
}

// Add appends env and completes the batch once it holds size envelopes.
func (b *Batch) Add(env *envelope.Inbound) (AddResult, error) {
	b.mu.Lock()
	if b.state != Adding {
		b.mu.Unlock()
		return AddAdded, rterrors.ErrSequenceNotAdding
	}
	b.envelopes = append(b.envelopes, env)
	b.ids = append(b.ids, env.Identifier)
	full := b.size > 0 && len(b.envelopes) >= b.size
	b.mu.Unlock()

	if full && b.complete() {
		return AddCompleted, nil
	}
	return AddAdded, nil
}

func (b *Batch) Size() int { return b.size }

func (b *Batch) expire() {
	b.mu.Lock()
	empty := len(b.envelopes) == 0
	b.mu.Unlock()

	if empty {
		b.abort(&AbortError{Reason: AbortTimeout, Err: rterrors.ErrSequenceTimeout})
		return
	}
	if b.complete() {
		b.store.emit(Event{Kind: EventCompleted, Sequence: b})
	}
}
