package order

import (
	"context"
	"sort"
	"sync"

	"github.com/tverne/souk/internal/pagination"
)

// MemoryStore is an in-memory order store for demo/development mode.
type MemoryStore struct {
	orders map[string]*Order
	mu     sync.RWMutex
}

// NewMemoryStore creates a new in-memory order store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		orders: make(map[string]*Order),
	}
}

func (m *MemoryStore) Create(ctx context.Context, o *Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.orders[o.Hash] = copyOrder(o)
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, hash string) (*Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	o, ok := m.orders[hash]
	if !ok {
		return nil, ErrNotFound
	}
	return copyOrder(o), nil
}

func (m *MemoryStore) Update(ctx context.Context, o *Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.orders[o.Hash]; !ok {
		return ErrNotFound
	}
	m.orders[o.Hash] = copyOrder(o)
	return nil
}

func (m *MemoryStore) GetByBid(ctx context.Context, bidHash string) (*Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, o := range m.orders {
		if o.BidHash == bidHash {
			return copyOrder(o), nil
		}
	}
	return nil, ErrNotFound
}

func (m *MemoryStore) ListByParty(ctx context.Context, addr string, limit int, before *pagination.Cursor) ([]*Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Order
	for _, o := range m.orders {
		if o.Buyer != addr && o.Seller != addr {
			continue
		}
		if before != nil && !beforeCursor(o, before) {
			continue
		}
		result = append(result, copyOrder(o))
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

// beforeCursor reports whether o sorts strictly after the cursor position in
// the newest-first ordering.
func beforeCursor(o *Order, c *pagination.Cursor) bool {
	if o.CreatedAt.Equal(c.CreatedAt) {
		return o.Hash < c.ID
	}
	return o.CreatedAt.Before(c.CreatedAt)
}

// copyOrder deep-copies an order so callers never share the stored maps.
func copyOrder(o *Order) *Order {
	cp := *o
	if o.Items != nil {
		cp.Items = make([]OrderItem, len(o.Items))
		copy(cp.Items, o.Items)
	}
	if o.Confirmations != nil {
		cp.Confirmations = make(map[Action][]string, len(o.Confirmations))
		for action, senders := range o.Confirmations {
			cp.Confirmations[action] = append([]string(nil), senders...)
		}
	}
	return &cp
}
