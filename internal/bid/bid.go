// Package bid advances bids through their lifecycle.
//
// Flow:
//  1. Buyer's Bid message creates the bid in SENT
//  2. Seller accepts → ACCEPTED, which seeds a new order
//  3. Seller rejects → REJECTED, or buyer cancels → CANCELLED
//
// All three outcomes are terminal: a bid is never deleted, only superseded by
// status. At most one bid per listing may ever be ACCEPTED.
package bid

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

// ErrNotFound is returned when a bid is unknown to this node.
var ErrNotFound = errors.New("bid not found")

// Status represents the state of a bid.
type Status string

const (
	StatusSent      Status = "SENT"
	StatusAccepted  Status = "ACCEPTED"
	StatusRejected  Status = "REJECTED"
	StatusCancelled Status = "CANCELLED"
)

// Bid is a buyer's offer on a listing, addressed by its canonical hash.
type Bid struct {
	Hash        string            `json:"hash"`
	ListingHash string            `json:"listingHash"`
	Bidder      string            `json:"bidder"`
	Data        map[string]string `json:"data,omitempty"`
	Status      Status            `json:"status"`
	CreatedAt   time.Time         `json:"createdAt"`
	UpdatedAt   time.Time         `json:"updatedAt"`
}

// IsTerminal returns true if the bid is in a final state.
func (b *Bid) IsTerminal() bool {
	switch b.Status {
	case StatusAccepted, StatusRejected, StatusCancelled:
		return true
	}
	return false
}

// Store persists bid data.
type Store interface {
	Create(ctx context.Context, b *Bid) error
	Get(ctx context.Context, hash string) (*Bid, error)
	Update(ctx context.Context, b *Bid) error
	GetAcceptedByListing(ctx context.Context, listingHash string) (*Bid, error)
	ListByListing(ctx context.Context, listingHash string, limit int, before *pagination.Cursor) ([]*Bid, error)
}

// ListingInfo is the slice of a listing the bid machine needs for its guards.
type ListingInfo struct {
	Seller     string
	EscrowType policy.EscrowType
	Ratio      policy.Ratio
}

// ListingProvider resolves listing hashes. Declared here so bid does not
// import the listing package.
type ListingProvider interface {
	ListingInfo(ctx context.Context, hash string) (ListingInfo, error)
}

// OrderSeed carries everything the order machine needs to spawn an order from
// an accepted bid.
type OrderSeed struct {
	Bid        *Bid
	Seller     string
	EscrowType policy.EscrowType
	Ratio      policy.Ratio
}

// Service implements the bid state machine.
type Service struct {
	store    Store
	listings ListingProvider
}

// NewService creates a bid service.
func NewService(store Store, listings ListingProvider) *Service {
	return &Service{store: store, listings: listings}
}

// ApplyBid records an inbound Bid message. The sender must be the bidder.
// Returns created=false when the bid is already on file (a redelivery under a
// fresh nonce), in which case no state changes.
func (s *Service) ApplyBid(ctx context.Context, sender string, p *protocol.BidPayload) (b *Bid, created bool, err error) {
	if sender != p.Bidder {
		return nil, false, fmt.Errorf("%w: bid from %s names bidder %s", protocol.ErrInvalidTransition, sender, p.Bidder)
	}
	if _, err := s.listings.ListingInfo(ctx, p.ListingHash); err != nil {
		return nil, false, fmt.Errorf("bid on listing %s: %w", p.ListingHash, err)
	}

	norm, err := hashing.CanonicalizeBid(p.ListingHash, p.Bidder, p.Data)
	if err != nil {
		return nil, false, fmt.Errorf("%w: %v", protocol.ErrMalformedPayload, err)
	}
	hash := norm.Hash()

	if existing, err := s.store.Get(ctx, hash); err == nil {
		return existing, false, nil
	} else if !errors.Is(err, ErrNotFound) {
		return nil, false, err
	}

	now := time.Now().UTC()
	b = &Bid{
		Hash:        hash,
		ListingHash: p.ListingHash,
		Bidder:      p.Bidder,
		Data:        p.Data,
		Status:      StatusSent,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.store.Create(ctx, b); err != nil {
		return nil, false, fmt.Errorf("store bid %s: %w", hash, err)
	}
	return b, true, nil
}

// ApplyAccept transitions SENT → ACCEPTED. Only the listing seller may accept,
// and only while no other bid on the listing is already accepted. Returns the
// seed for the order the acceptance spawns.
func (s *Service) ApplyAccept(ctx context.Context, sender, bidHash string) (*Bid, *OrderSeed, error) {
	b, info, err := s.loadForTransition(ctx, bidHash)
	if err != nil {
		return nil, nil, err
	}
	if sender != info.Seller {
		return nil, nil, fmt.Errorf("%w: AcceptBid for %s from %s, seller is %s",
			protocol.ErrInvalidTransition, bidHash, sender, info.Seller)
	}

	if winner, err := s.store.GetAcceptedByListing(ctx, b.ListingHash); err == nil && winner.Hash != b.Hash {
		return nil, nil, fmt.Errorf("%w: listing %s already has accepted bid %s",
			protocol.ErrInvalidTransition, b.ListingHash, winner.Hash)
	} else if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, nil, err
	}

	b.Status = StatusAccepted
	b.UpdatedAt = time.Now().UTC()
	if err := s.store.Update(ctx, b); err != nil {
		return nil, nil, fmt.Errorf("update bid %s: %w", bidHash, err)
	}

	return b, &OrderSeed{Bid: b, Seller: info.Seller, EscrowType: info.EscrowType, Ratio: info.Ratio}, nil
}

// ApplyReject transitions SENT → REJECTED. Only the listing seller may reject.
func (s *Service) ApplyReject(ctx context.Context, sender, bidHash string) (*Bid, error) {
	b, info, err := s.loadForTransition(ctx, bidHash)
	if err != nil {
		return nil, err
	}
	if sender != info.Seller {
		return nil, fmt.Errorf("%w: RejectBid for %s from %s, seller is %s",
			protocol.ErrInvalidTransition, bidHash, sender, info.Seller)
	}

	b.Status = StatusRejected
	b.UpdatedAt = time.Now().UTC()
	if err := s.store.Update(ctx, b); err != nil {
		return nil, fmt.Errorf("update bid %s: %w", bidHash, err)
	}
	return b, nil
}

// ApplyCancel transitions SENT → CANCELLED. Only the original bidder may cancel.
func (s *Service) ApplyCancel(ctx context.Context, sender, bidHash string) (*Bid, error) {
	b, _, err := s.loadForTransition(ctx, bidHash)
	if err != nil {
		return nil, err
	}
	if sender != b.Bidder {
		return nil, fmt.Errorf("%w: CancelBid for %s from %s, bidder is %s",
			protocol.ErrInvalidTransition, bidHash, sender, b.Bidder)
	}

	b.Status = StatusCancelled
	b.UpdatedAt = time.Now().UTC()
	if err := s.store.Update(ctx, b); err != nil {
		return nil, fmt.Errorf("update bid %s: %w", bidHash, err)
	}
	return b, nil
}

// Get returns a bid by hash.
func (s *Service) Get(ctx context.Context, hash string) (*Bid, error) {
	return s.store.Get(ctx, hash)
}

// ListByListing returns the bids placed on a listing, newest first. A nil
// cursor starts from the newest bid.
func (s *Service) ListByListing(ctx context.Context, listingHash string, limit int, before *pagination.Cursor) ([]*Bid, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.store.ListByListing(ctx, listingHash, limit, before)
}

// loadForTransition fetches the bid and its listing, enforcing the
// terminal-state rule shared by every transition.
func (s *Service) loadForTransition(ctx context.Context, bidHash string) (*Bid, ListingInfo, error) {
	b, err := s.store.Get(ctx, bidHash)
	if err != nil {
		return nil, ListingInfo{}, err
	}
	if b.IsTerminal() {
		return nil, ListingInfo{}, fmt.Errorf("%w: bid %s is %s (terminal)",
			protocol.ErrInvalidTransition, bidHash, b.Status)
	}
	info, err := s.listings.ListingInfo(ctx, b.ListingHash)
	if err != nil {
		return nil, ListingInfo{}, fmt.Errorf("listing %s for bid %s: %w", b.ListingHash, bidHash, err)
	}
	return b, info, nil
}
