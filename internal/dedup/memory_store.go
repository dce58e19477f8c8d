package dedup

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-memory dedup store for demo/development mode.
type MemoryStore struct {
	records map[string]Record
	mu      sync.Mutex
}

// NewMemoryStore creates a new in-memory dedup store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[string]Record),
	}
}

// Claim is atomic under the store mutex: check and insert happen in one
// critical section, so two racing claims of the same pair see exactly one
// winner.
func (m *MemoryStore) Claim(ctx context.Context, msgID, nonce string, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	k := key(msgID, nonce)
	if _, ok := m.records[k]; ok {
		return false, nil
	}
	m.records[k] = Record{MsgID: msgID, Nonce: nonce, ProcessedAt: at}
	return true, nil
}

func (m *MemoryStore) IsDuplicate(ctx context.Context, msgID, nonce string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	_, ok := m.records[key(msgID, nonce)]
	return ok, nil
}

// Len reports the number of recorded pairs.
func (m *MemoryStore) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.records)
}
