package listing

import (
	"context"
	"sort"
	"sync"

	"github.com/tverne/souk/internal/pagination"
)

// MemoryStore is an in-memory listing store for demo/development mode.
type MemoryStore struct {
	listings map[string]*Listing
	mu       sync.RWMutex
}

// NewMemoryStore creates a new in-memory listing store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		listings: make(map[string]*Listing),
	}
}

func (m *MemoryStore) Create(ctx context.Context, l *Listing) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *l
	m.listings[l.Hash] = &cp
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, hash string) (*Listing, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	l, ok := m.listings[hash]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *l
	if l.ImageHashes != nil {
		cp.ImageHashes = make([]string, len(l.ImageHashes))
		copy(cp.ImageHashes, l.ImageHashes)
	}
	return &cp, nil
}

func (m *MemoryStore) ListBySeller(ctx context.Context, seller string, limit int, before *pagination.Cursor) ([]*Listing, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Listing
	for _, l := range m.listings {
		if l.Seller != seller {
			continue
		}
		if before != nil && !beforeCursor(l, before) {
			continue
		}
		cp := *l
		result = append(result, &cp)
	}

	sort.Slice(result, func(i, j int) bool {
		if result[i].ReceivedAt.Equal(result[j].ReceivedAt) {
			return result[i].Hash > result[j].Hash
		}
		return result[i].ReceivedAt.After(result[j].ReceivedAt)
	})
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

// beforeCursor reports whether l sorts strictly after the cursor position in
// the newest-first ordering.
func beforeCursor(l *Listing, c *pagination.Cursor) bool {
	if l.ReceivedAt.Equal(c.CreatedAt) {
		return l.Hash < c.ID
	}
	return l.ReceivedAt.Before(c.CreatedAt)
}
