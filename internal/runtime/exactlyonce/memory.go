package exactlyonce

import (
	"context"
	"sync"

	"github.com/drblury/relayflow/internal/runtime/envelope"
	"github.com/drblury/relayflow/internal/runtime/transaction"
)

type offsetKey struct {
	endpoint  string
	partition string
}

// MemoryOffsetStore keeps offsets in memory. Writes made inside an ambient
// transaction become visible on commit.
type MemoryOffsetStore struct {
	mu      sync.Mutex
	offsets map[offsetKey]envelope.Offset
}

func NewMemoryOffsetStore() *MemoryOffsetStore {
	return &MemoryOffsetStore{offsets: map[offsetKey]envelope.Offset{}}
}

func (m *MemoryOffsetStore) GetLatestValue(_ context.Context, key, endpoint string) (envelope.Offset, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	offset, ok := m.offsets[offsetKey{endpoint: endpoint, partition: key}]
	return offset, ok, nil
}

func (m *MemoryOffsetStore) Store(ctx context.Context, offset envelope.Offset, endpoint string) error {
	tx, ok := transaction.FromContext(ctx)
	if !ok {
		m.apply(endpoint, offset)
		return nil
	}
	p, err := tx.EnlistOnce(m, func() transaction.Participant { return &offsetStaging{store: m} })
	if err != nil {
		return err
	}
	staging := p.(*offsetStaging)
	staging.pending = append(staging.pending, stagedOffset{endpoint: endpoint, offset: offset})
	return nil
}

func (m *MemoryOffsetStore) apply(endpoint string, offset envelope.Offset) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := offsetKey{endpoint: endpoint, partition: offset.Partition}
	if current, ok := m.offsets[key]; ok && current.Position >= offset.Position {
		return
	}
	m.offsets[key] = offset
}

type stagedOffset struct {
	endpoint string
	offset   envelope.Offset
}

type offsetStaging struct {
	store   *MemoryOffsetStore
	pending []stagedOffset
}

func (s *offsetStaging) Commit(context.Context) error {
	for _, p := range s.pending {
		s.store.apply(p.endpoint, p.offset)
	}
	s.pending = nil
	return nil
}

func (s *offsetStaging) Rollback(context.Context) error {
	s.pending = nil
	return nil
}

type logKey struct {
	endpoint  string
	messageID string
}

// MemoryInboundLog keeps processed message ids in memory with the same
// staging rules as MemoryOffsetStore.
type MemoryInboundLog struct {
	mu      sync.Mutex
	records map[logKey]Record
}

func NewMemoryInboundLog() *MemoryInboundLog {
	return &MemoryInboundLog{records: map[logKey]Record{}}
}

func (m *MemoryInboundLog) Exists(_ context.Context, messageID, endpoint string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.records[logKey{endpoint: endpoint, messageID: messageID}]
	return ok, nil
}

func (m *MemoryInboundLog) Add(ctx context.Context, record Record) error {
	tx, ok := transaction.FromContext(ctx)
	if !ok {
		m.apply(record)
		return nil
	}
	p, err := tx.EnlistOnce(m, func() transaction.Participant { return &logStaging{log: m} })
	if err != nil {
		return err
	}
	staging := p.(*logStaging)
	staging.pending = append(staging.pending, record)
	return nil
}

// Len returns the number of committed records.
func (m *MemoryInboundLog) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.records)
}

func (m *MemoryInboundLog) apply(record Record) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[logKey{endpoint: record.Endpoint, messageID: record.MessageID}] = record
}

type logStaging struct {
	log     *MemoryInboundLog
	pending []Record
}

func (s *logStaging) Commit(context.Context) error {
	for _, r := range s.pending {
		s.log.apply(r)
	}
	s.pending = nil
	return nil
}

func (s *logStaging) Rollback(context.Context) error {
	s.pending = nil
	return nil
}
