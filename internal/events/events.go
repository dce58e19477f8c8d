// Package events fans out domain events produced by message application.
//
// Every successful state change (and nothing else) publishes exactly one
// event: a duplicate delivery or a rejected message publishes none. Sinks
// are fire-and-forget; a slow or failing sink never blocks dispatch.
package events

import (
	"context"
	"log/slog"
	"time"

	"github.com/tverne/souk/internal/idgen"
)

// Kind names a domain event.
type Kind string

const (
	KindListingReceived Kind = "listing.received"
	KindBidReceived     Kind = "bid.received"
	KindBidAccepted     Kind = "bid.accepted"
	KindBidRejected     Kind = "bid.rejected"
	KindBidCancelled    Kind = "bid.cancelled"
	KindOrderCreated    Kind = "order.created"
	KindEscrowLocked    Kind = "order.escrow_locked"
	KindOrderShipping   Kind = "order.shipping"
	KindOrderComplete   Kind = "order.complete"
	KindRefundRequested Kind = "order.refund_requested"
	KindOrderRefunded   Kind = "order.refunded"
)

// Event is one observed state change, carrying the aggregate's identity and
// resulting state so consumers need no follow-up query.
type Event struct {
	ID            string         `json:"id"`
	Kind          Kind           `json:"kind"`
	AggregateHash string         `json:"aggregateHash"`
	Parties       []string       `json:"parties,omitempty"`
	Status        string         `json:"status,omitempty"`
	At            time.Time      `json:"at"`
	Data          map[string]any `json:"data,omitempty"`
}

// New builds an event with a fresh ID and timestamp.
func New(kind Kind, aggregateHash string, parties []string, status string, data map[string]any) *Event {
	return &Event{
		ID:            idgen.WithPrefix("evt_"),
		Kind:          kind,
		AggregateHash: aggregateHash,
		Parties:       parties,
		Status:        status,
		At:            time.Now().UTC(),
		Data:          data,
	}
}

// Sink consumes published events. Implementations must not block.
type Sink interface {
	Publish(ctx context.Context, e *Event)
}

// Bus fans one event out to every registered sink.
type Bus struct {
	sinks  []Sink
	logger *slog.Logger
}

// NewBus creates an event bus.
func NewBus(logger *slog.Logger, sinks ...Sink) *Bus {
	return &Bus{sinks: sinks, logger: logger}
}

// Publish delivers the event to all sinks. Nil-safe so callers can run
// without an event bus in tests.
func (b *Bus) Publish(ctx context.Context, e *Event) {
	if b == nil || e == nil {
		return
	}
	if b.logger != nil {
		b.logger.Debug("domain event",
			"event_id", e.ID,
			"kind", string(e.Kind),
			"aggregate", e.AggregateHash,
			"status", e.Status,
		)
	}
	for _, sink := range b.sinks {
		sink.Publish(ctx, e)
	}
}
