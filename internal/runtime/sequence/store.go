package sequence

import (
	"sync"
	"time"

	"github.com/drblury/relayflow/internal/runtime/envelope"
	rterrors "github.com/drblury/relayflow/internal/runtime/errors"
	"github.com/drblury/relayflow/internal/runtime/ids"
)

type EventKind int

const (
	EventTimedOut EventKind = iota
	EventCompleted
)

// Event reports a sequence that finished outside of Add, e.g. through a timer.
type Event struct {
	Kind     EventKind
	Sequence Sequence
}

const eventBuffer = 64

// Store holds the open sequences of one consumer.
type Store struct {
	mu        sync.Mutex
	sequences map[string]Sequence
	closed    bool

	events    chan Event
	closing   chan struct{}
	closeOnce sync.Once
}

func NewStore() *Store {
	return &Store{
		sequences: map[string]Sequence{},
		events:    make(chan Event, eventBuffer),
		closing:   make(chan struct{}),
	}
}

// Events delivers timer-driven completions and timeouts to the owning consumer loop.
func (s *Store) Events() <-chan Event {
	return s.events
}

func (s *Store) emit(ev Event) {
	select {
	case s.events <- ev:
	case <-s.closing:
	}
}

// Get returns the open sequence with the given id.
func (s *Store) Get(id string) (Sequence, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	seq, ok := s.sequences[id]
	return seq, ok
}

// Active returns an open sequence of the given kind. Consumers hold at most
// one open batch and one open stream.
func (s *Store) Active(kind Kind) (Sequence, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, seq := range s.sequences {
		if seq.Kind() == kind {
			return seq, true
		}
	}
	return nil, false
}

func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sequences)
}

// NewChunk opens a chunk sequence. countHint is zero when the total is unknown.
func (s *Store) NewChunk(id string, countHint int, settings Settings) (*Chunk, error) {
	settings = settings.WithDefaults()
	c := &Chunk{base: newBase(id, KindChunk, s, settings.Timeout), lastIndex: -1, count: countHint}
	if err := s.add(c); err != nil {
		return nil, err
	}
	return c, nil
}

// NewBatch opens a batch that completes after size envelopes or maxWait.
func (s *Store) NewBatch(size int, maxWait time.Duration) (*Batch, error) {
	b := &Batch{base: newBase(ids.CreateULID(), KindBatch, s, 0), size: size}
	if err := s.add(b); err != nil {
		return nil, err
	}
	if maxWait > 0 {
		b.mu.Lock()
		b.timer = time.AfterFunc(maxWait, b.expire)
		b.mu.Unlock()
	}
	return b, nil
}

// NewStream opens a stream whose channel holds up to bufferSize envelopes.
func (s *Store) NewStream(bufferSize int, settings Settings) (*Stream, error) {
	settings = settings.WithDefaults()
	if bufferSize < 0 {
		bufferSize = 0
	}
	st := &Stream{
		base: newBase(ids.CreateULID(), KindStream, s, settings.Timeout),
		ch:   make(chan *envelope.Inbound, bufferSize),
	}
	if err := s.add(st); err != nil {
		return nil, err
	}
	st.mu.Lock()
	st.touchLocked(st.onTimeout(st))
	st.mu.Unlock()
	return st, nil
}

func (s *Store) add(seq Sequence) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return rterrors.ErrConsumerStopped
	}
	if _, exists := s.sequences[seq.ID()]; exists {
		return rterrors.ErrSequenceExists
	}
	s.sequences[seq.ID()] = seq
	return nil
}

// Remove drops id from the store without changing the sequence state.
func (s *Store) Remove(id string) {
	s.remove(id)
}

func (s *Store) remove(id string) {
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sequences, id)
}

// Close aborts every open sequence as disconnected and returns them so their
// identifiers can be rolled back. cause defaults to ErrSequenceCancelled.
func (s *Store) Close(cause error) []Sequence {
	if cause == nil {
		cause = rterrors.ErrSequenceCancelled
	}

	s.mu.Lock()
	s.closed = true
	open := make([]Sequence, 0, len(s.sequences))
	for _, seq := range s.sequences {
		open = append(open, seq)
	}
	s.mu.Unlock()

	s.closeOnce.Do(func() { close(s.closing) })

	aborted := make([]Sequence, 0, len(open))
	for _, seq := range open {
		if seq.Abort(&AbortError{Reason: AbortDisconnected, Err: cause}) {
			aborted = append(aborted, seq)
		}
	}
	return aborted
}
