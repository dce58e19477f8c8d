// Package policy encodes the escrow rules shared by the bid and order state
// machines. Two escrow families exist:
//
//   - direct: the counterpart's single confirmation releases/locks funds
//   - arbitrated: lock/release/refund take effect only once a weighted
//     majority of the buyer/seller ratio has confirmed
//
// Policy is a pure lookup: no internal state, no storage. Both state machines
// query it rather than duplicating the rules.
package policy

import (
	"errors"
	"fmt"
)

// ErrInvalidRatio rejects a ratio with a non-positive weight.
var ErrInvalidRatio = errors.New("escrow ratio weights must be positive")

// EscrowType selects the escrow rule family for a listing's orders.
type EscrowType string

const (
	EscrowDirect     EscrowType = "direct"
	EscrowArbitrated EscrowType = "arbitrated"
)

// Validate reports whether the escrow type is one of the known families.
func (t EscrowType) Validate() error {
	switch t {
	case EscrowDirect, EscrowArbitrated:
		return nil
	}
	return fmt.Errorf("unknown escrow type %q", t)
}

// Ratio weights the parties' confirmations under arbitrated escrow.
// Both weights must be positive; it is meaningless for direct escrow.
type Ratio struct {
	Buyer  int `json:"buyer"`
	Seller int `json:"seller"`
}

// Validate enforces the positive-weight invariant.
func (r Ratio) Validate() error {
	if r.Buyer <= 0 || r.Seller <= 0 {
		return ErrInvalidRatio
	}
	return nil
}

// OrderStatus mirrors the order state machine's states so transition legality
// lives in one place. The order package reuses these values.
type OrderStatus string

const (
	OrderAwaitingEscrow  OrderStatus = "AWAITING_ESCROW"
	OrderEscrowLocked    OrderStatus = "ESCROW_LOCKED"
	OrderShipping        OrderStatus = "SHIPPING"
	OrderComplete        OrderStatus = "COMPLETE"
	OrderRefundRequested OrderStatus = "REFUND_REQUESTED"
	OrderRefunded        OrderStatus = "REFUNDED"
)

// RequiredConfirmations returns how many distinct party confirmations an
// escrow action (lock, release, refund) needs before it takes effect.
//
// Direct escrow needs exactly one: the counterpart's. Arbitrated escrow needs
// a strict weighted majority of buyer+seller weights.
func RequiredConfirmations(t EscrowType, ratio Ratio) int {
	switch t {
	case EscrowArbitrated:
		total := ratio.Buyer + ratio.Seller
		if total <= 0 {
			// Callers that skipped Validate behave like 1-of-1.
			return 1
		}
		return total/2 + 1
	default:
		return 1
	}
}

// AllowsOrderTransition reports whether the order state machine admits the
// from → to edge under the given escrow type. The refund path terminates the
// order; every other edge is strictly forward.
func AllowsOrderTransition(t EscrowType, from, to OrderStatus) bool {
	if err := t.Validate(); err != nil {
		return false
	}
	switch from {
	case OrderAwaitingEscrow:
		return to == OrderEscrowLocked || to == OrderRefundRequested
	case OrderEscrowLocked:
		return to == OrderShipping || to == OrderRefundRequested
	case OrderShipping:
		return to == OrderComplete
	case OrderRefundRequested:
		return to == OrderRefunded
	}
	// COMPLETE and REFUNDED are terminal.
	return false
}
