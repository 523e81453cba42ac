// Package transaction provides the ambient unit of work that outbox writes and
// inbound deduplication records enlist in.
package transaction

import (
	"context"
	"errors"
	"sync"

	rterrors "github.com/drblury/relayflow/internal/runtime/errors"
	"github.com/drblury/relayflow/internal/runtime/ids"
)

// Participant takes part in a transaction.
type Participant interface {
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// Funcs adapts a pair of functions to Participant. Nil functions are no-ops.
type Funcs struct {
	OnCommit   func(ctx context.Context) error
	OnRollback func(ctx context.Context) error
}

func (f Funcs) Commit(ctx context.Context) error {
	if f.OnCommit == nil {
		return nil
	}
	return f.OnCommit(ctx)
}

func (f Funcs) Rollback(ctx context.Context) error {
	if f.OnRollback == nil {
		return nil
	}
	return f.OnRollback(ctx)
}

// Transaction collects participants and completes them together. It is itself
// a Participant so one transaction can be enlisted in another.
type Transaction struct {
	id string

	mu           sync.Mutex
	participants []Participant
	keyed        map[any]Participant
	done         bool
}

func New() *Transaction {
	return &Transaction{id: ids.CreateTransactionID(), keyed: map[any]Participant{}}
}

func (t *Transaction) ID() string { return t.id }

// Enlist adds p. Participants complete in enlistment order.
func (t *Transaction) Enlist(p Participant) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done {
		return rterrors.ErrTransactionCompleted
	}
	t.participants = append(t.participants, p)
	return nil
}

// EnlistOnce returns the participant registered under key, creating and
// enlisting it with factory on first use. Stores use it to stage writes.
func (t *Transaction) EnlistOnce(key any, factory func() Participant) (Participant, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done {
		return nil, rterrors.ErrTransactionCompleted
	}
	if p, ok := t.keyed[key]; ok {
		return p, nil
	}
	p := factory()
	t.keyed[key] = p
	t.participants = append(t.participants, p)
	return p, nil
}

// Len returns the number of enlisted participants.
func (t *Transaction) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.participants)
}

// Commit commits every participant, even when an earlier one fails.
func (t *Transaction) Commit(ctx context.Context) error {
	return t.complete(ctx, Participant.Commit)
}

// Rollback rolls back every participant, even when an earlier one fails.
func (t *Transaction) Rollback(ctx context.Context) error {
	return t.complete(ctx, Participant.Rollback)
}

func (t *Transaction) complete(ctx context.Context, fn func(Participant, context.Context) error) error {
	t.mu.Lock()
	if t.done {
		t.mu.Unlock()
		return rterrors.ErrTransactionCompleted
	}
	t.done = true
	participants := t.participants
	t.participants = nil
	t.keyed = nil
	t.mu.Unlock()

	var errs []error
	for _, p := range participants {
		if err := fn(p, ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Done reports whether the transaction has been committed or rolled back.
func (t *Transaction) Done() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.done
}

type contextKey struct{}

// WithTransaction returns a context carrying tx.
func WithTransaction(ctx context.Context, tx *Transaction) context.Context {
	return context.WithValue(ctx, contextKey{}, tx)
}

// FromContext returns the ambient transaction, if any.
func FromContext(ctx context.Context) (*Transaction, bool) {
	tx, ok := ctx.Value(contextKey{}).(*Transaction)
	return tx, ok && tx != nil
}
