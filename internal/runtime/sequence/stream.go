package sequence

import (
	"context"
	"io"
	"iter"
	"sync/atomic"

	"github.com/drblury/relayflow/internal/runtime/envelope"
	rterrors "github.com/drblury/relayflow/internal/runtime/errors"
)

// Stream hands envelopes to exactly one subscriber through a channel. It
// never completes on its own.
type Stream struct {
	base
	ch         chan *envelope.Inbound
	subscribed atomic.Bool
}

// Add pushes env to the subscriber, blocking while the buffer is full.
func (s *Stream) Add(ctx context.Context, env *envelope.Inbound) error {
	s.mu.Lock()
	if s.state != Adding {
		err := s.err
		s.mu.Unlock()
		if err == nil {
			err = rterrors.ErrSequenceNotAdding
		}
		return err
	}
	s.ids = append(s.ids, env.Identifier)
	s.touchLocked(s.onTimeout(s))
	s.mu.Unlock()

	select {
	case s.ch <- env:
		return nil
	case <-s.done:
		if err := s.Err(); err != nil {
			return err
		}
		return rterrors.ErrSequenceNotAdding
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Subscribe returns the single reader of the stream.
func (s *Stream) Subscribe() (*Reader, error) {
	if !s.subscribed.CompareAndSwap(false, true) {
		return nil, rterrors.ErrStreamAlreadySubscribed
	}
	return &Reader{stream: s}, nil
}

// Complete ends the stream successfully, used when the subscriber returns.
func (s *Stream) Complete() bool {
	return s.complete()
}

// Reader iterates a stream once.
type Reader struct {
	stream *Stream
}

// Next blocks until the next envelope arrives. It returns io.EOF after the
// stream completed and the abort error after an abort.
func (r *Reader) Next(ctx context.Context) (*envelope.Inbound, error) {
	select {
	case <-r.stream.done:
		return nil, r.terminalErr()
	default:
	}

	select {
	case env := <-r.stream.ch:
		return env, nil
	case <-r.stream.done:
		return nil, r.terminalErr()
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// All yields envelopes until the stream ends. A terminal error other than
// io.EOF is yielded once with a nil envelope.
func (r *Reader) All(ctx context.Context) iter.Seq2[*envelope.Inbound, error] {
	return func(yield func(*envelope.Inbound, error) bool) {
		for {
			env, err := r.Next(ctx)
			if err == io.EOF {
				return
			}
			if err != nil {
				yield(nil, err)
				return
			}
			if !yield(env, nil) {
				return
			}
		}
	}
}

func (r *Reader) terminalErr() error {
	if err := r.stream.Err(); err != nil {
		return err
	}
	return io.EOF
}
