// Package listing tracks the listings this node has seen on the network.
//
// A ListingItemAdd message creates a local listing record. The record is the
// source of truth for the guards downstream: who the seller is (accept/reject
// authority over bids) and which escrow policy the listing's orders follow.
package listing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/tverne/souk/internal/pagination"
	"github.com/tverne/souk/internal/policy"
	"github.com/tverne/souk/internal/protocol"
)

// ErrNotFound is returned when a listing is unknown to this node.
var ErrNotFound = errors.New("listing not found")

// Listing is a network listing as this node knows it.
type Listing struct {
	Hash        string            `json:"hash"`
	Seller      string            `json:"seller"`
	Title       string            `json:"title,omitempty"`
	EscrowType  policy.EscrowType `json:"escrowType"`
	Ratio       policy.Ratio      `json:"ratio"`
	ImageHashes []string          `json:"imageHashes,omitempty"`
	ReceivedAt  time.Time         `json:"receivedAt"`
	UpdatedAt   time.Time         `json:"updatedAt"`
}

// Store persists listing records.
type Store interface {
	Create(ctx context.Context, l *Listing) error
	Get(ctx context.Context, hash string) (*Listing, error)
	ListBySeller(ctx context.Context, seller string, limit int, before *pagination.Cursor) ([]*Listing, error)
}

// Service applies listing messages.
type Service struct {
	store Store
}

// NewService creates a listing service.
func NewService(store Store) *Service {
	return &Service{store: store}
}

// Apply records a listing announced by a ListingItemAdd message. The sender
// must be the listing's seller. A listing already on file is refreshed in
// place and reported with created=false, so a redelivery under a fresh nonce
// is harmless and stays silent downstream.
func (s *Service) Apply(ctx context.Context, sender string, p *protocol.ListingItemAddPayload) (*Listing, bool, error) {
	if sender != p.Seller {
		return nil, false, fmt.Errorf("%w: listing %s announced by %s but sold by %s",
			protocol.ErrInvalidTransition, p.Hash, sender, p.Seller)
	}

	now := time.Now().UTC()
	if existing, err := s.store.Get(ctx, p.Hash); err == nil {
		existing.Title = p.Title
		existing.UpdatedAt = now
		if err := s.store.Create(ctx, existing); err != nil {
			return nil, false, fmt.Errorf("refresh listing %s: %w", p.Hash, err)
		}
		return existing, false, nil
	} else if !errors.Is(err, ErrNotFound) {
		return nil, false, err
	}

	l := &Listing{
		Hash:        p.Hash,
		Seller:      p.Seller,
		Title:       p.Title,
		EscrowType:  p.PaymentInfo.EscrowType,
		ImageHashes: p.ImageHashes,
		ReceivedAt:  now,
		UpdatedAt:   now,
	}
	if p.PaymentInfo.Ratio != nil {
		l.Ratio = *p.PaymentInfo.Ratio
	}
	if err := s.store.Create(ctx, l); err != nil {
		return nil, false, fmt.Errorf("store listing %s: %w", p.Hash, err)
	}
	return l, true, nil
}

// Get returns a listing by hash.
func (s *Service) Get(ctx context.Context, hash string) (*Listing, error) {
	return s.store.Get(ctx, hash)
}

// ListBySeller returns listings published by a seller, newest first. A nil
// cursor starts from the newest listing.
func (s *Service) ListBySeller(ctx context.Context, seller string, limit int, before *pagination.Cursor) ([]*Listing, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.store.ListBySeller(ctx, seller, limit, before)
}
