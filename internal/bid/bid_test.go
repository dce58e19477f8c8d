package bid

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/tverne/souk/internal/policy"
	"github.com/tverne/souk/internal/protocol"
)

var (
	sellerAddr  = "0xaaaa567890abcdef1234567890abcdef12345678"
	bidderAddr  = "0xbbbb567890abcdef1234567890abcdef12345678"
	otherAddr   = "0xcccc567890abcdef1234567890abcdef12345678"
	listingHash = strings.Repeat("2b", 32)
)

// stubListings resolves every hash to the same listing.
type stubListings struct {
	info ListingInfo
	err  error
}

func (s *stubListings) ListingInfo(ctx context.Context, hash string) (ListingInfo, error) {
	if s.err != nil {
		return ListingInfo{}, s.err
	}
	return s.info, nil
}

func newTestService() (*Service, *MemoryStore) {
	store := NewMemoryStore()
	listings := &stubListings{info: ListingInfo{
		Seller:     sellerAddr,
		EscrowType: policy.EscrowDirect,
		Ratio:      policy.Ratio{Buyer: 1, Seller: 1},
	}}
	return NewService(store, listings), store
}

func placeBid(t *testing.T, svc *Service) *Bid {
	t.Helper()
	b, created, err := svc.ApplyBid(context.Background(), bidderAddr, &protocol.BidPayload{
		ListingHash: listingHash,
		Bidder:      bidderAddr,
		Data:        map[string]string{"qty": "1"},
	})
	if err != nil {
		t.Fatalf("ApplyBid failed: %v", err)
	}
	if !created {
		t.Fatal("expected bid to be created")
	}
	return b
}

func TestApplyBid_CreatesSent(t *testing.T) {
	svc, _ := newTestService()
	b := placeBid(t, svc)

	if b.Status != StatusSent {
		t.Errorf("status = %s, want SENT", b.Status)
	}
	if b.Hash == "" {
		t.Error("bid hash not derived")
	}
}

func TestApplyBid_SenderMustBeBidder(t *testing.T) {
	svc, _ := newTestService()
	_, _, err := svc.ApplyBid(context.Background(), otherAddr, &protocol.BidPayload{
		ListingHash: listingHash,
		Bidder:      bidderAddr,
	})
	if !errors.Is(err, protocol.ErrInvalidTransition) {
		t.Errorf("expected ErrInvalidTransition, got %v", err)
	}
}

func TestApplyBid_RedeliveryDoesNotDuplicate(t *testing.T) {
	svc, _ := newTestService()
	b1 := placeBid(t, svc)

	b2, created, err := svc.ApplyBid(context.Background(), bidderAddr, &protocol.BidPayload{
		ListingHash: listingHash,
		Bidder:      bidderAddr,
		Data:        map[string]string{"qty": "1"},
	})
	if err != nil {
		t.Fatalf("redelivered ApplyBid failed: %v", err)
	}
	if created {
		t.Error("redelivery must not create a second bid")
	}
	if b2.Hash != b1.Hash {
		t.Errorf("redelivery resolved to different hash: %s vs %s", b2.Hash, b1.Hash)
	}
}

func TestApplyAccept_HappyPath(t *testing.T) {
	svc, _ := newTestService()
	b := placeBid(t, svc)
	ctx := context.Background()

	accepted, seed, err := svc.ApplyAccept(ctx, sellerAddr, b.Hash)
	if err != nil {
		t.Fatalf("ApplyAccept failed: %v", err)
	}
	if accepted.Status != StatusAccepted {
		t.Errorf("status = %s, want ACCEPTED", accepted.Status)
	}
	if seed == nil || seed.Seller != sellerAddr || seed.EscrowType != policy.EscrowDirect {
		t.Errorf("order seed incomplete: %+v", seed)
	}
}

func TestApplyAccept_OnlySeller(t *testing.T) {
	svc, _ := newTestService()
	b := placeBid(t, svc)

	_, _, err := svc.ApplyAccept(context.Background(), bidderAddr, b.Hash)
	if !errors.Is(err, protocol.ErrInvalidTransition) {
		t.Errorf("non-seller accept: expected ErrInvalidTransition, got %v", err)
	}
}

func TestApplyAccept_OneAcceptedPerListing(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()
	b1 := placeBid(t, svc)

	b2, _, err := svc.ApplyBid(ctx, otherAddr, &protocol.BidPayload{
		ListingHash: listingHash,
		Bidder:      otherAddr,
	})
	if err != nil {
		t.Fatalf("second ApplyBid failed: %v", err)
	}

	if _, _, err := svc.ApplyAccept(ctx, sellerAddr, b1.Hash); err != nil {
		t.Fatalf("first accept failed: %v", err)
	}
	if _, _, err := svc.ApplyAccept(ctx, sellerAddr, b2.Hash); !errors.Is(err, protocol.ErrInvalidTransition) {
		t.Errorf("second accept on same listing: expected ErrInvalidTransition, got %v", err)
	}
}

func TestApplyCancel_OnlyBidder(t *testing.T) {
	svc, _ := newTestService()
	b := placeBid(t, svc)
	ctx := context.Background()

	if _, err := svc.ApplyCancel(ctx, sellerAddr, b.Hash); !errors.Is(err, protocol.ErrInvalidTransition) {
		t.Errorf("seller cancel: expected ErrInvalidTransition, got %v", err)
	}

	cancelled, err := svc.ApplyCancel(ctx, bidderAddr, b.Hash)
	if err != nil {
		t.Fatalf("bidder cancel failed: %v", err)
	}
	if cancelled.Status != StatusCancelled {
		t.Errorf("status = %s, want CANCELLED", cancelled.Status)
	}
}

func TestTerminalBidRejectsEverything(t *testing.T) {
	svc, store := newTestService()
	b := placeBid(t, svc)
	ctx := context.Background()

	if _, err := svc.ApplyReject(ctx, sellerAddr, b.Hash); err != nil {
		t.Fatalf("reject failed: %v", err)
	}

	before, _ := store.Get(ctx, b.Hash)

	if _, _, err := svc.ApplyAccept(ctx, sellerAddr, b.Hash); !errors.Is(err, protocol.ErrInvalidTransition) {
		t.Errorf("accept on REJECTED: expected ErrInvalidTransition, got %v", err)
	}
	if _, err := svc.ApplyCancel(ctx, bidderAddr, b.Hash); !errors.Is(err, protocol.ErrInvalidTransition) {
		t.Errorf("cancel on REJECTED: expected ErrInvalidTransition, got %v", err)
	}

	// The rejected calls must leave the aggregate untouched.
	after, _ := store.Get(ctx, b.Hash)
	if before.Status != after.Status || !before.UpdatedAt.Equal(after.UpdatedAt) {
		t.Errorf("terminal bid mutated by rejected transition: %+v -> %+v", before, after)
	}
}

func TestMemoryStoreUpdate_SecondAcceptedBidRefused(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	b1 := &Bid{Hash: strings.Repeat("3c", 32), ListingHash: listingHash, Bidder: bidderAddr, Status: StatusSent}
	b2 := &Bid{Hash: strings.Repeat("4d", 32), ListingHash: listingHash, Bidder: otherAddr, Status: StatusSent}
	if err := store.Create(ctx, b1); err != nil {
		t.Fatalf("Create b1: %v", err)
	}
	if err := store.Create(ctx, b2); err != nil {
		t.Fatalf("Create b2: %v", err)
	}

	b1.Status = StatusAccepted
	if err := store.Update(ctx, b1); err != nil {
		t.Fatalf("accepting first bid failed: %v", err)
	}

	// The write itself must refuse a second accepted bid on the listing,
	// matching the partial unique index in the Postgres store.
	b2.Status = StatusAccepted
	if err := store.Update(ctx, b2); !errors.Is(err, protocol.ErrInvalidTransition) {
		t.Fatalf("second accepted bid: expected ErrInvalidTransition, got %v", err)
	}

	// Rewriting the standing winner stays legal.
	if err := store.Update(ctx, b1); err != nil {
		t.Errorf("rewriting accepted bid failed: %v", err)
	}

	winner, err := store.GetAcceptedByListing(ctx, listingHash)
	if err != nil {
		t.Fatalf("GetAcceptedByListing: %v", err)
	}
	if winner.Hash != b1.Hash {
		t.Errorf("winner = %s, want %s", winner.Hash, b1.Hash)
	}
}
