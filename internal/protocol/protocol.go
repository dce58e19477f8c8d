// Package protocol defines the inbound marketplace message surface.
//
// The secure-messaging transport hands this node decrypted, decoded messages.
// Each message is typed, carries a sender address and a delivery nonce, and is
// content-addressed by the keccak256 of (type, sender, payload). The message
// type set is closed: routing switches over MessageType exhaustively, so adding
// a kind is a compile-time-checked change.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/tverne/souk/internal/hashing"
	"github.com/tverne/souk/internal/validation"
)

// Processing error taxonomy, shared by every message processor.
var (
	// ErrMalformedPayload rejects a payload that fails structural validation.
	// Never retried.
	ErrMalformedPayload = errors.New("malformed message payload")

	// ErrUnknownMessageType rejects a message whose type is not in the
	// protocol's closed set.
	ErrUnknownMessageType = errors.New("unknown message type")

	// ErrInvalidTransition means the target aggregate's state does not admit
	// this message. The aggregate is left unchanged.
	ErrInvalidTransition = errors.New("invalid state transition")

	// ErrPolicyViolation means an escrow-policy guard failed (for example,
	// not enough confirmations). The message may legitimately arrive again
	// later and be re-evaluated.
	ErrPolicyViolation = errors.New("escrow policy violation")
)

// MessageType identifies a protocol message kind.
type MessageType string

const (
	TypeListingItemAdd      MessageType = "ListingItemAdd"
	TypeBid                 MessageType = "Bid"
	TypeAcceptBid           MessageType = "AcceptBid"
	TypeRejectBid           MessageType = "RejectBid"
	TypeCancelBid           MessageType = "CancelBid"
	TypeLockEscrow          MessageType = "LockEscrow"
	TypeRequestRefundEscrow MessageType = "RequestRefundEscrow"
	TypeRefundEscrow        MessageType = "RefundEscrow"
	TypeReleaseEscrow       MessageType = "ReleaseEscrow"
)

// ParseType validates a wire string against the closed type set.
func ParseType(s string) (MessageType, error) {
	switch t := MessageType(s); t {
	case TypeListingItemAdd, TypeBid, TypeAcceptBid, TypeRejectBid, TypeCancelBid,
		TypeLockEscrow, TypeRequestRefundEscrow, TypeRefundEscrow, TypeReleaseEscrow:
		return t, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownMessageType, s)
}

// Envelope is an inbound message after transport-level decode. The dedup store
// owns it until admitted, then the dispatcher hands it to a processor by
// reference.
type Envelope struct {
	ID         string          `json:"id"` // hashing.MessageID(type, sender, payload)
	Nonce      string          `json:"nonce"`
	Type       MessageType     `json:"type"`
	Sender     string          `json:"sender"`
	Payload    json.RawMessage `json:"payload"`
	ReceivedAt time.Time       `json:"receivedAt"`
}

// NewEnvelope validates the framing fields and computes the message ID.
func NewEnvelope(msgType, sender, nonce string, payload json.RawMessage) (*Envelope, error) {
	t, err := ParseType(msgType)
	if err != nil {
		return nil, err
	}
	if !validation.IsValidAddress(sender) {
		return nil, fmt.Errorf("%w: invalid sender address %q", ErrMalformedPayload, sender)
	}
	if nonce == "" {
		return nil, fmt.Errorf("%w: nonce required", ErrMalformedPayload)
	}
	if len(payload) == 0 {
		return nil, fmt.Errorf("%w: payload required", ErrMalformedPayload)
	}
	return &Envelope{
		ID:         hashing.MessageID(msgType, sender, payload),
		Nonce:      nonce,
		Type:       t,
		Sender:     validation.NormalizeAddress(sender),
		Payload:    payload,
		ReceivedAt: time.Now().UTC(),
	}, nil
}
