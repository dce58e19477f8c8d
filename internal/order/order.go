// Package order derives and advances order status from escrow messages.
//
// Flow:
//  1. An accepted bid spawns the order in AWAITING_ESCROW
//  2. Parties confirm the escrow lock → ESCROW_LOCKED once policy is satisfied
//  3. Seller marks shipped (local operation) → SHIPPING
//  4. Parties confirm release → COMPLETE
//
// A refund path branches off before shipping: any party may request a refund
// (REFUND_REQUESTED), and sufficient refund confirmations terminate the order
// in REFUNDED. Status only moves forward; the refund path is the sole exit.
package order

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/tverne/souk/internal/hashing"
	"github.com/tverne/souk/internal/pagination"
	"github.com/tverne/souk/internal/policy"
	"github.com/tverne/souk/internal/protocol"
)

// ErrNotFound is returned when an order is unknown to this node.
var ErrNotFound = errors.New("order not found")

// Action names an escrow conversation an order tracks confirmations for.
type Action string

const (
	ActionLock    Action = "lock"
	ActionRelease Action = "release"
	ActionRefund  Action = "refund"
)

// OrderItem is one ordered listing item. The item hash participates in the
// order's canonical identity; everything else about the item is mutable and
// deliberately excluded.
type OrderItem struct {
	ItemHash string `json:"itemHash"`
}

// Order is a buyer/seller agreement spawned by an accepted bid, addressed by
// its canonical hash.
type Order struct {
	Hash          string              `json:"hash"`
	BidHash       string              `json:"bidHash"`
	Buyer         string              `json:"buyer"`
	Seller        string              `json:"seller"`
	EscrowType    policy.EscrowType   `json:"escrowType"`
	Ratio         policy.Ratio        `json:"ratio"`
	Items         []OrderItem         `json:"items"`
	Status        policy.OrderStatus  `json:"status"`
	Confirmations map[Action][]string `json:"confirmations,omitempty"` // action → distinct confirming parties
	RefundReason  string              `json:"refundReason,omitempty"`
	CreatedAt     time.Time           `json:"createdAt"`
	UpdatedAt     time.Time           `json:"updatedAt"`
}

// IsTerminal returns true if the order is in a final state.
func (o *Order) IsTerminal() bool {
	switch o.Status {
	case policy.OrderComplete, policy.OrderRefunded:
		return true
	}
	return false
}

// IsParty reports whether addr is the order's buyer or seller.
func (o *Order) IsParty(addr string) bool {
	return addr == o.Buyer || addr == o.Seller
}

// confirm records a distinct confirmation and reports whether it was new.
func (o *Order) confirm(action Action, sender string) bool {
	for _, s := range o.Confirmations[action] {
		if s == sender {
			return false
		}
	}
	if o.Confirmations == nil {
		o.Confirmations = make(map[Action][]string)
	}
	o.Confirmations[action] = append(o.Confirmations[action], sender)
	return true
}

// confirmed returns the number of distinct confirmations for an action.
func (o *Order) confirmed(action Action) int {
	return len(o.Confirmations[action])
}

// Spec carries everything needed to spawn an order from an accepted bid.
type Spec struct {
	BidHash    string
	Buyer      string
	Seller     string
	EscrowType policy.EscrowType
	Ratio      policy.Ratio
	ItemHashes []string
}

// Store persists order data.
type Store interface {
	Create(ctx context.Context, o *Order) error
	Get(ctx context.Context, hash string) (*Order, error)
	Update(ctx context.Context, o *Order) error
	GetByBid(ctx context.Context, bidHash string) (*Order, error)
	ListByParty(ctx context.Context, addr string, limit int, before *pagination.Cursor) ([]*Order, error)
}

// Service implements the order state machine.
type Service struct {
	store Store
}

// NewService creates an order service.
func NewService(store Store) *Service {
	return &Service{store: store}
}

// Create spawns an order in AWAITING_ESCROW from an accepted bid. Idempotent:
// if the canonical hash is already on file (the AcceptBid message was
// redelivered under a fresh nonce) the existing order is returned unchanged.
func (s *Service) Create(ctx context.Context, spec Spec) (o *Order, created bool, err error) {
	norm, err := hashing.CanonicalizeOrder(spec.Buyer, spec.Seller, spec.ItemHashes)
	if err != nil {
		return nil, false, fmt.Errorf("%w: %v", protocol.ErrMalformedPayload, err)
	}
	hash := norm.Hash()

	if existing, err := s.store.Get(ctx, hash); err == nil {
		return existing, false, nil
	} else if !errors.Is(err, ErrNotFound) {
		return nil, false, err
	}

	items := make([]OrderItem, len(spec.ItemHashes))
	for i, ih := range spec.ItemHashes {
		items[i] = OrderItem{ItemHash: ih}
	}

	now := time.Now().UTC()
	o = &Order{
		Hash:       hash,
		BidHash:    spec.BidHash,
		Buyer:      norm.Buyer,
		Seller:     norm.Seller,
		EscrowType: spec.EscrowType,
		Ratio:      spec.Ratio,
		Items:      items,
		Status:     policy.OrderAwaitingEscrow,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := s.store.Create(ctx, o); err != nil {
		return nil, false, fmt.Errorf("store order %s: %w", hash, err)
	}
	return o, true, nil
}

// ApplyLock records one party's LockEscrow confirmation. The order advances
// to ESCROW_LOCKED once the distinct confirmations reach the policy
// threshold; a below-threshold confirmation is persisted but surfaces
// ErrPolicyViolation so the caller knows no transition happened.
func (s *Service) ApplyLock(ctx context.Context, sender, orderHash string) (*Order, error) {
	return s.applyConfirmation(ctx, sender, orderHash, ActionLock,
		policy.OrderAwaitingEscrow, policy.OrderEscrowLocked)
}

// ApplyRelease records one party's ReleaseEscrow confirmation; at threshold
// the order completes. Only valid once the seller has marked it shipped.
func (s *Service) ApplyRelease(ctx context.Context, sender, orderHash string) (*Order, error) {
	return s.applyConfirmation(ctx, sender, orderHash, ActionRelease,
		policy.OrderShipping, policy.OrderComplete)
}

// ApplyRefund records one party's RefundEscrow confirmation; at threshold the
// order terminates in REFUNDED. Only valid after a refund was requested.
func (s *Service) ApplyRefund(ctx context.Context, sender, orderHash string) (*Order, error) {
	return s.applyConfirmation(ctx, sender, orderHash, ActionRefund,
		policy.OrderRefundRequested, policy.OrderRefunded)
}

// ApplyRefundRequest moves the order onto the refund path. Any party may
// request; no confirmation threshold applies to the request itself.
func (s *Service) ApplyRefundRequest(ctx context.Context, sender, orderHash, reason string) (*Order, error) {
	o, err := s.loadForTransition(ctx, sender, orderHash, protocol.TypeRequestRefundEscrow)
	if err != nil {
		return nil, err
	}
	if !policy.AllowsOrderTransition(o.EscrowType, o.Status, policy.OrderRefundRequested) {
		return nil, fmt.Errorf("%w: RequestRefundEscrow for order %s in %s",
			protocol.ErrInvalidTransition, orderHash, o.Status)
	}

	o.Status = policy.OrderRefundRequested
	o.RefundReason = reason
	o.UpdatedAt = time.Now().UTC()
	if err := s.store.Update(ctx, o); err != nil {
		return nil, fmt.Errorf("update order %s: %w", orderHash, err)
	}
	return o, nil
}

// MarkShipped advances ESCROW_LOCKED → SHIPPING. This is a local seller-side
// operation, not a network message, so it takes the caller's address directly.
func (s *Service) MarkShipped(ctx context.Context, caller, orderHash string) (*Order, error) {
	o, err := s.store.Get(ctx, orderHash)
	if err != nil {
		return nil, err
	}
	if caller != o.Seller {
		return nil, fmt.Errorf("%w: only the seller may mark order %s shipped",
			protocol.ErrInvalidTransition, orderHash)
	}
	if !policy.AllowsOrderTransition(o.EscrowType, o.Status, policy.OrderShipping) {
		return nil, fmt.Errorf("%w: ship order %s in %s",
			protocol.ErrInvalidTransition, orderHash, o.Status)
	}

	o.Status = policy.OrderShipping
	o.UpdatedAt = time.Now().UTC()
	if err := s.store.Update(ctx, o); err != nil {
		return nil, fmt.Errorf("update order %s: %w", orderHash, err)
	}
	return o, nil
}

// Get returns an order by hash.
func (s *Service) Get(ctx context.Context, hash string) (*Order, error) {
	return s.store.Get(ctx, hash)
}

// GetByBid returns the order spawned by a bid.
func (s *Service) GetByBid(ctx context.Context, bidHash string) (*Order, error) {
	return s.store.GetByBid(ctx, bidHash)
}

// ListByParty returns orders where addr is buyer or seller, newest first. A
// nil cursor starts from the newest order.
func (s *Service) ListByParty(ctx context.Context, addr string, limit int, before *pagination.Cursor) ([]*Order, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.store.ListByParty(ctx, addr, limit, before)
}

// applyConfirmation is the shared tally-then-maybe-transition step behind
// lock, release and refund. The confirmation itself is durable even when the
// threshold is not yet met: the status is unchanged but the tally must
// survive so an independent later confirmation can complete the transition.
func (s *Service) applyConfirmation(ctx context.Context, sender, orderHash string, action Action, from, to policy.OrderStatus) (*Order, error) {
	msgType := map[Action]protocol.MessageType{
		ActionLock:    protocol.TypeLockEscrow,
		ActionRelease: protocol.TypeReleaseEscrow,
		ActionRefund:  protocol.TypeRefundEscrow,
	}[action]

	o, err := s.loadForTransition(ctx, sender, orderHash, msgType)
	if err != nil {
		return nil, err
	}
	if o.Status != from {
		return nil, fmt.Errorf("%w: %s for order %s in %s",
			protocol.ErrInvalidTransition, msgType, orderHash, o.Status)
	}

	added := o.confirm(action, sender)
	needed := policy.RequiredConfirmations(o.EscrowType, o.Ratio)

	if o.confirmed(action) >= needed {
		if !policy.AllowsOrderTransition(o.EscrowType, from, to) {
			return nil, fmt.Errorf("%w: %s → %s for order %s",
				protocol.ErrInvalidTransition, from, to, orderHash)
		}
		o.Status = to
		o.UpdatedAt = time.Now().UTC()
		if err := s.store.Update(ctx, o); err != nil {
			return nil, fmt.Errorf("update order %s: %w", orderHash, err)
		}
		return o, nil
	}

	if added {
		o.UpdatedAt = time.Now().UTC()
		if err := s.store.Update(ctx, o); err != nil {
			return nil, fmt.Errorf("update order %s: %w", orderHash, err)
		}
	}
	return nil, fmt.Errorf("%w: %s for order %s has %d of %d confirmations",
		protocol.ErrPolicyViolation, msgType, orderHash, o.confirmed(action), needed)
}

// loadForTransition fetches the order and enforces the guards shared by every
// message-driven transition: the order exists, the sender is a party, and the
// order is not terminal.
func (s *Service) loadForTransition(ctx context.Context, sender, orderHash string, msgType protocol.MessageType) (*Order, error) {
	o, err := s.store.Get(ctx, orderHash)
	if err != nil {
		return nil, err
	}
	if o.IsTerminal() {
		return nil, fmt.Errorf("%w: %s for order %s in terminal %s",
			protocol.ErrInvalidTransition, msgType, orderHash, o.Status)
	}
	if !o.IsParty(sender) {
		return nil, fmt.Errorf("%w: %s for order %s from non-party %s",
			protocol.ErrInvalidTransition, msgType, orderHash, sender)
	}
	return o, nil
}
