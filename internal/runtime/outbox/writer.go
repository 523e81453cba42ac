package outbox

import (
	"context"

	"github.com/drblury/relayflow/internal/runtime/transaction"
)

// Writer adds entries to the outbox as part of the caller's transaction.
type Writer struct {
	store Store
}

func NewWriter(store Store) *Writer {
	return &Writer{store: store}
}

// Write stages entry in the ambient transaction of ctx so it reaches the store
// on commit and is dropped on rollback. Without a transaction it writes immediately.
func (w *Writer) Write(ctx context.Context, entry Entry) error {
	tx, ok := transaction.FromContext(ctx)
	if !ok {
		return w.store.Write(ctx, entry)
	}
	p, err := tx.EnlistOnce(w, func() transaction.Participant { return &staging{store: w.store} })
	if err != nil {
		return err
	}
	s := p.(*staging)
	s.pending = append(s.pending, entry)
	return nil
}

type staging struct {
	store   Store
	pending []Entry
}

func (s *staging) Commit(ctx context.Context) error {
	pending := s.pending
	s.pending = nil
	for _, entry := range pending {
		if err := s.store.Write(ctx, entry); err != nil {
			return err
		}
	}
	return nil
}

func (s *staging) Rollback(context.Context) error {
	s.pending = nil
	return nil
}
