package bid

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/tverne/souk/internal/pagination"
	"github.com/tverne/souk/internal/protocol"
)

// MemoryStore is an in-memory bid store for demo/development mode.
type MemoryStore struct {
	bids map[string]*Bid
	mu   sync.RWMutex
}

// NewMemoryStore creates a new in-memory bid store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		bids: make(map[string]*Bid),
	}
}

func (m *MemoryStore) Create(ctx context.Context, b *Bid) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.bids[b.Hash] = copyBid(b)
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, hash string) (*Bid, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	b, ok := m.bids[hash]
	if !ok {
		return nil, ErrNotFound
	}
	return copyBid(b), nil
}

func (m *MemoryStore) Update(ctx context.Context, b *Bid) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.bids[b.Hash]; !ok {
		return ErrNotFound
	}
	// Mirror the partial unique index the Postgres store relies on: at most
	// one accepted bid per listing, enforced at the write.
	if b.Status == StatusAccepted {
		for _, other := range m.bids {
			if other.ListingHash == b.ListingHash && other.Hash != b.Hash && other.Status == StatusAccepted {
				return fmt.Errorf("%w: listing %s already has accepted bid %s",
					protocol.ErrInvalidTransition, b.ListingHash, other.Hash)
			}
		}
	}
	m.bids[b.Hash] = copyBid(b)
	return nil
}

func (m *MemoryStore) GetAcceptedByListing(ctx context.Context, listingHash string) (*Bid, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, b := range m.bids {
		if b.ListingHash == listingHash && b.Status == StatusAccepted {
			return copyBid(b), nil
		}
	}
	return nil, ErrNotFound
}

func (m *MemoryStore) ListByListing(ctx context.Context, listingHash string, limit int, before *pagination.Cursor) ([]*Bid, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Bid
	for _, b := range m.bids {
		if b.ListingHash != listingHash {
			continue
		}
		if before != nil && !beforeCursor(b, before) {
			continue
		}
		result = append(result, copyBid(b))
	}

	sort.Slice(result, func(i, j int) bool {
		if result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].Hash > result[j].Hash
		}
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

// beforeCursor reports whether b sorts strictly after the cursor position in
// the newest-first ordering.
func beforeCursor(b *Bid, c *pagination.Cursor) bool {
	if b.CreatedAt.Equal(c.CreatedAt) {
		return b.Hash < c.ID
	}
	return b.CreatedAt.Before(c.CreatedAt)
}

// copyBid deep-copies a bid so callers never share the stored map.
func copyBid(b *Bid) *Bid {
	cp := *b
	if b.Data != nil {
		cp.Data = make(map[string]string, len(b.Data))
		for k, v := range b.Data {
			cp.Data[k] = v
		}
	}
	return &cp
}
