// Package dispatch routes admitted messages to their state machines.
//
// Flow for every inbound message:
//  1. Validate framing and payload structure
//  2. Claim the (hash, nonce) pair; duplicates stop here with no effect
//  3. Serialize on the target aggregate's lock
//  4. Apply through the listing, bid or order service
//  5. Publish domain events for the state that actually changed
//
// The routing switch over message types is exhaustive: an unknown type can
// not reach a processor.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/tverne/souk/internal/bid"
	"github.com/tverne/souk/internal/dedup"
	"github.com/tverne/souk/internal/events"
	"github.com/tverne/souk/internal/listing"
	"github.com/tverne/souk/internal/metrics"
	"github.com/tverne/souk/internal/order"
	"github.com/tverne/souk/internal/protocol"
	"github.com/tverne/souk/internal/syncutil"
	"github.com/tverne/souk/internal/traces"
)

// Result reports what a submitted message did.
type Result struct {
	Outcome       dedup.Outcome `json:"outcome"`
	MsgID         string        `json:"msgId"`
	Type          string        `json:"type"`
	AggregateHash string        `json:"aggregateHash,omitempty"`
	Status        string        `json:"status,omitempty"`
}

// Dispatcher wires the dedup gate, the per-aggregate locks and the three
// state machine services together.
type Dispatcher struct {
	admitter *dedup.Admitter
	listings *listing.Service
	bids     *bid.Service
	orders   *order.Service
	locks    *syncutil.KeyedMutex
	bus      *events.Bus
	logger   *slog.Logger
}

// New creates a dispatcher.
func New(admitter *dedup.Admitter, listings *listing.Service, bids *bid.Service, orders *order.Service, bus *events.Bus, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		admitter: admitter,
		listings: listings,
		bids:     bids,
		orders:   orders,
		locks:    syncutil.NewKeyedMutex(),
		bus:      bus,
		logger:   logger,
	}
}

// Submit processes one delivered message end to end.
//
// Returned errors carry the protocol taxonomy: ErrUnknownMessageType and
// ErrMalformedPayload for messages that never reached a state machine,
// ErrInvalidTransition and ErrPolicyViolation for messages the target
// aggregate refused. A duplicate delivery is not an error; it returns
// OutcomeDuplicate and does nothing.
func (d *Dispatcher) Submit(ctx context.Context, msgType, sender, nonce string, payload json.RawMessage) (*Result, error) {
	started := time.Now()

	env, err := protocol.NewEnvelope(msgType, sender, nonce, payload)
	if err != nil {
		metrics.MessagesTotal.WithLabelValues(msgType, string(dedup.OutcomeRejected)).Inc()
		return nil, err
	}

	// Decode before the dedup gate: a structurally broken delivery must not
	// consume its (hash, nonce) pair, so the identical redelivery is rejected
	// for its shape again instead of being waved through as a duplicate.
	decoded, err := decodePayload(env)
	if err != nil {
		metrics.MessagesTotal.WithLabelValues(string(env.Type), string(dedup.OutcomeRejected)).Inc()
		d.logger.Info("message rejected",
			"msg_id", env.ID, "type", string(env.Type), "sender", env.Sender, "error", err)
		return nil, err
	}

	ctx, span := traces.StartSpan(ctx, "dispatch.submit",
		traces.MsgType(string(env.Type)),
		traces.Sender(env.Sender),
	)
	defer span.End()

	outcome, err := d.admitter.Admit(ctx, env)
	if err != nil {
		metrics.MessagesTotal.WithLabelValues(string(env.Type), string(dedup.OutcomeRejected)).Inc()
		return nil, err
	}
	if outcome == dedup.OutcomeDuplicate {
		metrics.DuplicatesTotal.WithLabelValues(string(env.Type)).Inc()
		metrics.MessagesTotal.WithLabelValues(string(env.Type), string(outcome)).Inc()
		d.logger.Debug("duplicate delivery ignored",
			"msg_id", env.ID, "nonce", env.Nonce, "type", string(env.Type))
		return &Result{Outcome: outcome, MsgID: env.ID, Type: string(env.Type)}, nil
	}

	res, err := d.apply(ctx, env, decoded)
	metrics.MessageDuration.WithLabelValues(string(env.Type)).Observe(time.Since(started).Seconds())
	if err != nil {
		if errors.Is(err, protocol.ErrInvalidTransition) || errors.Is(err, protocol.ErrPolicyViolation) {
			metrics.InvalidTransitionsTotal.WithLabelValues(string(env.Type)).Inc()
		}
		metrics.MessagesTotal.WithLabelValues(string(env.Type), string(dedup.OutcomeRejected)).Inc()
		d.logger.Info("message rejected",
			"msg_id", env.ID, "type", string(env.Type), "sender", env.Sender, "error", err)
		return nil, err
	}

	metrics.MessagesTotal.WithLabelValues(string(env.Type), string(dedup.OutcomeAccepted)).Inc()
	d.logger.Info("message applied",
		"msg_id", env.ID, "type", string(env.Type), "sender", env.Sender,
		"aggregate", res.AggregateHash, "status", res.Status)
	return res, nil
}

// decodePayload validates the payload's structure against its message type.
func decodePayload(env *protocol.Envelope) (any, error) {
	switch env.Type {
	case protocol.TypeListingItemAdd:
		return protocol.DecodeListingItemAdd(env.Payload)
	case protocol.TypeBid:
		return protocol.DecodeBid(env.Payload)
	case protocol.TypeAcceptBid, protocol.TypeRejectBid, protocol.TypeCancelBid:
		return protocol.DecodeBidAction(env.Payload)
	case protocol.TypeLockEscrow, protocol.TypeRequestRefundEscrow,
		protocol.TypeRefundEscrow, protocol.TypeReleaseEscrow:
		return protocol.DecodeEscrowAction(env.Payload)
	}
	return nil, fmt.Errorf("%w: %q", protocol.ErrUnknownMessageType, env.Type)
}

// apply locks the target aggregate and runs the type-specific processor.
func (d *Dispatcher) apply(ctx context.Context, env *protocol.Envelope, payload any) (*Result, error) {
	switch p := payload.(type) {
	case *protocol.ListingItemAddPayload:
		return d.withLock(ctx, "listing:"+p.Hash, func(ctx context.Context) (*Result, error) {
			return d.applyListing(ctx, env, p)
		})

	case *protocol.BidPayload:
		return d.withLock(ctx, "listing:"+p.ListingHash, func(ctx context.Context) (*Result, error) {
			return d.applyBid(ctx, env, p)
		})

	case *protocol.BidActionPayload:
		if env.Type == protocol.TypeAcceptBid {
			// An accept settles the one-accepted-bid-per-listing race, so it
			// must serialize with accepts of sibling bids, not just with
			// actions on this bid. ListingHash never changes once a bid
			// exists, so the unlocked read is safe; an unknown bid falls
			// through and the state machine reports it.
			if b, err := d.bids.Get(ctx, p.BidHash); err == nil {
				return d.withLock2(ctx, "bid:"+p.BidHash, "listing:"+b.ListingHash, func(ctx context.Context) (*Result, error) {
					return d.applyBidAction(ctx, env, p)
				})
			}
		}
		return d.withLock(ctx, "bid:"+p.BidHash, func(ctx context.Context) (*Result, error) {
			return d.applyBidAction(ctx, env, p)
		})

	case *protocol.EscrowActionPayload:
		return d.withLock(ctx, "order:"+p.OrderHash, func(ctx context.Context) (*Result, error) {
			return d.applyEscrowAction(ctx, env, p)
		})
	}
	return nil, fmt.Errorf("%w: %q", protocol.ErrUnknownMessageType, env.Type)
}

func (d *Dispatcher) withLock(ctx context.Context, key string, fn func(context.Context) (*Result, error)) (*Result, error) {
	unlock, err := d.locks.Lock(ctx, key)
	if err != nil {
		return nil, err
	}
	defer unlock()
	return fn(ctx)
}

func (d *Dispatcher) withLock2(ctx context.Context, key1, key2 string, fn func(context.Context) (*Result, error)) (*Result, error) {
	unlock, err := d.locks.Lock2(ctx, key1, key2)
	if err != nil {
		return nil, err
	}
	defer unlock()
	return fn(ctx)
}

func (d *Dispatcher) applyListing(ctx context.Context, env *protocol.Envelope, p *protocol.ListingItemAddPayload) (*Result, error) {
	l, created, err := d.listings.Apply(ctx, env.Sender, p)
	if err != nil {
		return nil, err
	}

	// A listing already on file is refreshed, not re-announced.
	if created {
		d.bus.Publish(ctx, events.New(events.KindListingReceived, l.Hash,
			[]string{l.Seller}, "", map[string]any{
				"title":      l.Title,
				"escrowType": string(l.EscrowType),
			}))
	}

	return &Result{
		Outcome:       dedup.OutcomeAccepted,
		MsgID:         env.ID,
		Type:          string(env.Type),
		AggregateHash: l.Hash,
	}, nil
}

func (d *Dispatcher) applyBid(ctx context.Context, env *protocol.Envelope, p *protocol.BidPayload) (*Result, error) {
	b, created, err := d.bids.ApplyBid(ctx, env.Sender, p)
	if err != nil {
		return nil, err
	}

	// A redelivered bid under a fresh nonce resolves to the existing
	// aggregate and publishes nothing.
	if created {
		d.bus.Publish(ctx, events.New(events.KindBidReceived, b.Hash,
			[]string{b.Bidder}, string(b.Status), map[string]any{
				"listingHash": b.ListingHash,
			}))
	}

	return &Result{
		Outcome:       dedup.OutcomeAccepted,
		MsgID:         env.ID,
		Type:          string(env.Type),
		AggregateHash: b.Hash,
		Status:        string(b.Status),
	}, nil
}

func (d *Dispatcher) applyBidAction(ctx context.Context, env *protocol.Envelope, p *protocol.BidActionPayload) (*Result, error) {
	switch env.Type {
	case protocol.TypeAcceptBid:
		b, seed, err := d.bids.ApplyAccept(ctx, env.Sender, p.BidHash)
		if err != nil {
			return nil, err
		}
		d.bus.Publish(ctx, events.New(events.KindBidAccepted, b.Hash,
			[]string{b.Bidder, seed.Seller}, string(b.Status), map[string]any{
				"listingHash": b.ListingHash,
			}))

		o, createdOrder, err := d.orders.Create(ctx, order.Spec{
			BidHash:    b.Hash,
			Buyer:      b.Bidder,
			Seller:     seed.Seller,
			EscrowType: seed.EscrowType,
			Ratio:      seed.Ratio,
			ItemHashes: []string{b.ListingHash},
		})
		if err != nil {
			return nil, fmt.Errorf("spawn order for bid %s: %w", b.Hash, err)
		}
		if createdOrder {
			d.bus.Publish(ctx, events.New(events.KindOrderCreated, o.Hash,
				[]string{o.Buyer, o.Seller}, string(o.Status), map[string]any{
					"bidHash": o.BidHash,
				}))
		}
		return &Result{
			Outcome:       dedup.OutcomeAccepted,
			MsgID:         env.ID,
			Type:          string(env.Type),
			AggregateHash: o.Hash,
			Status:        string(o.Status),
		}, nil

	case protocol.TypeRejectBid:
		b, err := d.bids.ApplyReject(ctx, env.Sender, p.BidHash)
		if err != nil {
			return nil, err
		}
		d.bus.Publish(ctx, events.New(events.KindBidRejected, b.Hash,
			[]string{b.Bidder, env.Sender}, string(b.Status), nil))
		return &Result{
			Outcome:       dedup.OutcomeAccepted,
			MsgID:         env.ID,
			Type:          string(env.Type),
			AggregateHash: b.Hash,
			Status:        string(b.Status),
		}, nil

	default: // protocol.TypeCancelBid
		b, err := d.bids.ApplyCancel(ctx, env.Sender, p.BidHash)
		if err != nil {
			return nil, err
		}
		d.bus.Publish(ctx, events.New(events.KindBidCancelled, b.Hash,
			[]string{b.Bidder}, string(b.Status), nil))
		return &Result{
			Outcome:       dedup.OutcomeAccepted,
			MsgID:         env.ID,
			Type:          string(env.Type),
			AggregateHash: b.Hash,
			Status:        string(b.Status),
		}, nil
	}
}

func (d *Dispatcher) applyEscrowAction(ctx context.Context, env *protocol.Envelope, p *protocol.EscrowActionPayload) (*Result, error) {
	var (
		o    *order.Order
		kind events.Kind
		err  error
	)
	switch env.Type {
	case protocol.TypeLockEscrow:
		o, err = d.orders.ApplyLock(ctx, env.Sender, p.OrderHash)
		kind = events.KindEscrowLocked
	case protocol.TypeReleaseEscrow:
		o, err = d.orders.ApplyRelease(ctx, env.Sender, p.OrderHash)
		kind = events.KindOrderComplete
	case protocol.TypeRequestRefundEscrow:
		o, err = d.orders.ApplyRefundRequest(ctx, env.Sender, p.OrderHash, p.Reason)
		kind = events.KindRefundRequested
	default: // protocol.TypeRefundEscrow
		o, err = d.orders.ApplyRefund(ctx, env.Sender, p.OrderHash)
		kind = events.KindOrderRefunded
	}
	if err != nil {
		return nil, err
	}

	metrics.OrdersByStatus.WithLabelValues(string(o.Status)).Inc()
	d.bus.Publish(ctx, events.New(kind, o.Hash,
		[]string{o.Buyer, o.Seller}, string(o.Status), map[string]any{
			"bidHash": o.BidHash,
		}))

	return &Result{
		Outcome:       dedup.OutcomeAccepted,
		MsgID:         env.ID,
		Type:          string(env.Type),
		AggregateHash: o.Hash,
		Status:        string(o.Status),
	}, nil
}

// ListingBridge adapts the listing service to the bid machine's guard lookup.
type ListingBridge struct {
	Listings *listing.Service
}

// ListingInfo implements bid.ListingProvider.
func (lb ListingBridge) ListingInfo(ctx context.Context, hash string) (bid.ListingInfo, error) {
	l, err := lb.Listings.Get(ctx, hash)
	if err != nil {
		return bid.ListingInfo{}, err
	}
	return bid.ListingInfo{
		Seller:     l.Seller,
		EscrowType: l.EscrowType,
		Ratio:      l.Ratio,
	}, nil
}
