package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/tverne/souk/internal/policy"
	"github.com/tverne/souk/internal/validation"
)

// PaymentInfo describes how a listing wants to be paid: which escrow family
// governs its orders and, for arbitrated escrow, the buyer/seller weighting.
type PaymentInfo struct {
	EscrowType policy.EscrowType `json:"escrowType"`
	Ratio      *policy.Ratio     `json:"ratio,omitempty"`
}

// ListingItemAddPayload announces a listing to the network.
type ListingItemAddPayload struct {
	Hash        string      `json:"hash"` // canonical listing content hash, computed by the publisher
	Seller      string      `json:"seller"`
	Title       string      `json:"title,omitempty"`
	PaymentInfo PaymentInfo `json:"paymentInfo"`
	ImageHashes []string    `json:"imageHashes,omitempty"`
}

// BidPayload places a bid on a listing. Bid identity is derived from
// (listing hash, bidder, data), not carried on the wire.
type BidPayload struct {
	ListingHash string            `json:"listingHash"`
	Bidder      string            `json:"bidder"`
	Data        map[string]string `json:"data,omitempty"`
}

// BidActionPayload accepts, rejects or cancels an existing bid.
type BidActionPayload struct {
	BidHash string `json:"bidHash"`
}

// EscrowActionPayload is one party's confirmation of an escrow lock, release
// or refund for an order.
type EscrowActionPayload struct {
	OrderHash string `json:"orderHash"`
	Reason    string `json:"reason,omitempty"` // refund requests only
}

// DecodeListingItemAdd parses and structurally validates a ListingItemAdd payload.
func DecodeListingItemAdd(raw json.RawMessage) (*ListingItemAddPayload, error) {
	var p ListingItemAddPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if !validation.IsValidHash(p.Hash) {
		return nil, fmt.Errorf("%w: invalid listing hash", ErrMalformedPayload)
	}
	if !validation.IsValidAddress(p.Seller) {
		return nil, fmt.Errorf("%w: invalid seller address", ErrMalformedPayload)
	}
	if err := p.PaymentInfo.EscrowType.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if p.PaymentInfo.EscrowType == policy.EscrowArbitrated {
		if p.PaymentInfo.Ratio == nil {
			return nil, fmt.Errorf("%w: arbitrated escrow requires a ratio", ErrMalformedPayload)
		}
		if err := p.PaymentInfo.Ratio.Validate(); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
		}
	}
	for _, ih := range p.ImageHashes {
		if !validation.IsValidHash(ih) {
			return nil, fmt.Errorf("%w: invalid image hash", ErrMalformedPayload)
		}
	}
	p.Seller = validation.NormalizeAddress(p.Seller)
	return &p, nil
}

// DecodeBid parses and structurally validates a Bid payload.
func DecodeBid(raw json.RawMessage) (*BidPayload, error) {
	var p BidPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if !validation.IsValidHash(p.ListingHash) {
		return nil, fmt.Errorf("%w: invalid listing hash", ErrMalformedPayload)
	}
	if !validation.IsValidAddress(p.Bidder) {
		return nil, fmt.Errorf("%w: invalid bidder address", ErrMalformedPayload)
	}
	p.Bidder = validation.NormalizeAddress(p.Bidder)
	return &p, nil
}

// DecodeBidAction parses an AcceptBid/RejectBid/CancelBid payload.
func DecodeBidAction(raw json.RawMessage) (*BidActionPayload, error) {
	var p BidActionPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if !validation.IsValidHash(p.BidHash) {
		return nil, fmt.Errorf("%w: invalid bid hash", ErrMalformedPayload)
	}
	return &p, nil
}

// DecodeEscrowAction parses a Lock/Release/Refund/RequestRefund payload.
func DecodeEscrowAction(raw json.RawMessage) (*EscrowActionPayload, error) {
	var p EscrowActionPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if !validation.IsValidHash(p.OrderHash) {
		return nil, fmt.Errorf("%w: invalid order hash", ErrMalformedPayload)
	}
	return &p, nil
}
