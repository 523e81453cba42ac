// Package outbox stores outbound messages together with the caller's
// transaction and relays them to the brokers in the background.
package outbox

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/drblury/relayflow/internal/runtime/envelope"
	rterrors "github.com/drblury/relayflow/internal/runtime/errors"
)

// Entry is one stored outbound message.
type Entry struct {
	// ID is assigned by the store on write.
	ID          int64
	MessageType string
	Content     []byte
	Headers     envelope.Headers
	// Endpoint is the name of the producer endpoint that relays the entry.
	Endpoint  string
	Retries   int
	CreatedAt time.Time
}

// Store is the durable outbox contract.
type Store interface {
	Write(ctx context.Context, entry Entry) error
	// ReadBatch returns up to limit entries, oldest first.
	ReadBatch(ctx context.Context, limit int) ([]Entry, error)
	// Acknowledge removes a relayed entry.
	Acknowledge(ctx context.Context, entry Entry) error
	// Retry increments the retry counter and leaves the entry in place.
	Retry(ctx context.Context, entry Entry) error
}

// MemoryStore is an in-process Store.
type MemoryStore struct {
	mu      sync.Mutex
	nextID  int64
	entries []Entry
	now     func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{now: time.Now}
}

func (m *MemoryStore) Write(_ context.Context, entry Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	entry.ID = m.nextID
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = m.now()
	}
	entry.Headers = entry.Headers.Clone()
	m.entries = append(m.entries, entry)
	return nil
}

func (m *MemoryStore) ReadBatch(_ context.Context, limit int) ([]Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := len(m.entries)
	if limit > 0 && limit < n {
		n = limit
	}
	return slices.Clone(m.entries[:n]), nil
}

func (m *MemoryStore) Acknowledge(_ context.Context, entry Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	i := m.indexOf(entry.ID)
	if i < 0 {
		return fmt.Errorf("%w: %d", rterrors.ErrOutboxEntryNotFound, entry.ID)
	}
	m.entries = slices.Delete(m.entries, i, i+1)
	return nil
}

func (m *MemoryStore) Retry(_ context.Context, entry Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	i := m.indexOf(entry.ID)
	if i < 0 {
		return fmt.Errorf("%w: %d", rterrors.ErrOutboxEntryNotFound, entry.ID)
	}
	m.entries[i].Retries++
	return nil
}

// Length returns the number of pending entries.
func (m *MemoryStore) Length() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

func (m *MemoryStore) indexOf(id int64) int {
	return slices.IndexFunc(m.entries, func(e Entry) bool { return e.ID == id })
}
