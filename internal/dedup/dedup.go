// Package dedup enforces at-most-once application of inbound messages.
//
// The transport may redeliver a message any number of times, under the same or
// a fresh nonce. Each (message hash, nonce) pair is applied exactly once: the
// first delivery claims the pair atomically, every later delivery is told it
// is a duplicate. Records are immutable once written; pruning is an external
// retention concern.
package dedup

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/tverne/souk/internal/protocol"
)

// ErrNotFound is returned when a dedup record does not exist.
var ErrNotFound = errors.New("dedup record not found")

// Outcome is the result of admitting an envelope.
type Outcome string

const (
	OutcomeAccepted  Outcome = "accepted"
	OutcomeDuplicate Outcome = "duplicate_ignored"
	OutcomeRejected  Outcome = "rejected"
)

// Record is one applied (message hash, nonce) pair.
type Record struct {
	MsgID       string    `json:"msgId"`
	Nonce       string    `json:"nonce"`
	ProcessedAt time.Time `json:"processedAt"`
}

// Store persists dedup records. Claim must be atomic with respect to
// concurrent claims of the same pair: exactly one caller wins.
type Store interface {
	// Claim records the pair if absent and reports whether this caller won.
	Claim(ctx context.Context, msgID, nonce string, at time.Time) (bool, error)
	// IsDuplicate reports whether the pair has already been applied.
	IsDuplicate(ctx context.Context, msgID, nonce string) (bool, error)
}

// Admitter gates envelopes on the dedup store.
type Admitter struct {
	store Store
}

// NewAdmitter creates an admitter over the given store.
func NewAdmitter(store Store) *Admitter {
	return &Admitter{store: store}
}

// Admit atomically claims the envelope's (hash, nonce) pair. The first caller
// for a pair gets OutcomeAccepted and owns downstream processing; every other
// caller gets OutcomeDuplicate regardless of how the winner's processing
// turned out. Storage failures are propagated for the transport to retry.
func (a *Admitter) Admit(ctx context.Context, env *protocol.Envelope) (Outcome, error) {
	won, err := a.store.Claim(ctx, env.ID, env.Nonce, env.ReceivedAt)
	if err != nil {
		return OutcomeRejected, fmt.Errorf("dedup claim for message %s nonce %s: %w", env.ID, env.Nonce, err)
	}
	if !won {
		return OutcomeDuplicate, nil
	}
	return OutcomeAccepted, nil
}

func key(msgID, nonce string) string {
	return msgID + ":" + nonce
}
