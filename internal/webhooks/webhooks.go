// Package webhooks delivers marketplace lifecycle events to external URLs.
//
// Parties register webhook URLs to be notified about:
// - Listings and bids as they arrive
// - Order status changes (escrow lock, shipping, completion, refunds)
package webhooks

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/tverne/souk/internal/events"
	"github.com/tverne/souk/internal/metrics"
	"github.com/tverne/souk/internal/retry"
)

// Subscription represents a webhook subscription. An empty Address receives
// every matching event; otherwise only events naming the address as a party.
type Subscription struct {
	ID                  string        `json:"id"`
	Address             string        `json:"address,omitempty"`
	URL                 string        `json:"url"`
	Secret              string        `json:"-"` // Used for HMAC signing
	Kinds               []events.Kind `json:"kinds"`
	Active              bool          `json:"active"`
	CreatedAt           time.Time     `json:"createdAt"`
	LastSuccess         *time.Time    `json:"lastSuccess,omitempty"`
	LastError           string        `json:"lastError,omitempty"`
	ConsecutiveFailures int           `json:"consecutiveFailures,omitempty"`
}

// wantsKind reports whether the subscription covers the event kind.
func (s *Subscription) wantsKind(kind events.Kind) bool {
	for _, k := range s.Kinds {
		if k == kind {
			return true
		}
	}
	return false
}

// wantsEvent applies both the kind and the party filter.
func (s *Subscription) wantsEvent(e *events.Event) bool {
	if !s.wantsKind(e.Kind) {
		return false
	}
	if s.Address == "" {
		return true
	}
	for _, p := range e.Parties {
		if p == s.Address {
			return true
		}
	}
	return false
}

// Store persists webhook subscriptions
type Store interface {
	Create(ctx context.Context, sub *Subscription) error
	Get(ctx context.Context, id string) (*Subscription, error)
	GetByAddress(ctx context.Context, address string) ([]*Subscription, error)
	GetByKind(ctx context.Context, kind events.Kind) ([]*Subscription, error)
	Update(ctx context.Context, sub *Subscription) error
	Delete(ctx context.Context, id string) error
}

// Dispatcher sends webhook events
type Dispatcher struct {
	store  Store
	client *http.Client
}

// NewDispatcher creates a new webhook dispatcher
func NewDispatcher(store Store) *Dispatcher {
	return &Dispatcher{
		store: store,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// Dispatch sends an event to all matching active subscribers.
func (d *Dispatcher) Dispatch(ctx context.Context, e *events.Event) error {
	subs, err := d.store.GetByKind(ctx, e.Kind)
	if err != nil {
		return fmt.Errorf("failed to get subscribers: %w", err)
	}

	for _, sub := range subs {
		if !sub.Active || !sub.wantsEvent(e) {
			continue
		}

		// Send async to avoid blocking
		go d.send(ctx, sub, e)
	}

	return nil
}

func (d *Dispatcher) send(ctx context.Context, sub *Subscription, e *events.Event) {
	payload, err := json.Marshal(e)
	if err != nil {
		d.updateError(ctx, sub, "failed to marshal event")
		return
	}

	// Transient failures are retried with backoff; 4xx responses are not.
	err = retry.Do(ctx, 3, 500*time.Millisecond, func() error {
		return d.attempt(ctx, sub, e, payload)
	})
	if err != nil {
		d.updateError(ctx, sub, err.Error())
		return
	}
	d.updateSuccess(ctx, sub)
}

func (d *Dispatcher) attempt(ctx context.Context, sub *Subscription, e *events.Event, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, "POST", sub.URL, bytes.NewReader(payload))
	if err != nil {
		return retry.Permanent(fmt.Errorf("failed to create request: %w", err))
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Souk-Event", string(e.Kind))
	req.Header.Set("X-Souk-Timestamp", fmt.Sprintf("%d", e.At.Unix()))

	// Sign the payload if secret is set
	if sub.Secret != "" {
		signature := Sign(payload, sub.Secret)
		req.Header.Set("X-Souk-Signature", signature)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return retry.Permanent(fmt.Errorf("status %d", resp.StatusCode))
	default:
		return fmt.Errorf("status %d", resp.StatusCode)
	}
}

// Sign computes the hex HMAC-SHA256 signature receivers verify against.
func Sign(payload []byte, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}

func (d *Dispatcher) updateSuccess(ctx context.Context, sub *Subscription) {
	metrics.WebhookDeliveriesTotal.WithLabelValues("success").Inc()
	now := time.Now()
	sub.LastSuccess = &now
	sub.LastError = ""
	sub.ConsecutiveFailures = 0
	d.store.Update(ctx, sub)
}

func (d *Dispatcher) updateError(ctx context.Context, sub *Subscription, errMsg string) {
	metrics.WebhookDeliveriesTotal.WithLabelValues("error").Inc()
	sub.LastError = errMsg
	sub.ConsecutiveFailures++
	d.store.Update(ctx, sub)
}

// MemoryStore is an in-memory implementation for demo/development mode
type MemoryStore struct {
	subs map[string]*Subscription
	mu   sync.RWMutex
}

// NewMemoryStore creates a new in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		subs: make(map[string]*Subscription),
	}
}

func (m *MemoryStore) Create(ctx context.Context, sub *Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subs[sub.ID] = sub
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if sub, ok := m.subs[id]; ok {
		return sub, nil
	}
	return nil, fmt.Errorf("subscription not found")
}

func (m *MemoryStore) GetByAddress(ctx context.Context, address string) ([]*Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []*Subscription
	for _, sub := range m.subs {
		if sub.Address == address {
			result = append(result, sub)
		}
	}
	return result, nil
}

func (m *MemoryStore) GetByKind(ctx context.Context, kind events.Kind) ([]*Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []*Subscription
	for _, sub := range m.subs {
		if sub.wantsKind(kind) {
			result = append(result, sub)
		}
	}
	return result, nil
}

func (m *MemoryStore) Update(ctx context.Context, sub *Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subs[sub.ID] = sub
	return nil
}

func (m *MemoryStore) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.subs, id)
	return nil
}
