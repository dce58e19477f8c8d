package webhooks

import (
	"context"
	"log/slog"

	"github.com/tverne/souk/internal/events"
)

// Sink adapts the dispatcher to the event bus. Publishing is fire-and-forget:
// errors are logged but never propagate into message dispatch.
type Sink struct {
	d      *Dispatcher
	logger *slog.Logger
}

// NewSink creates a webhook sink for the event bus.
func NewSink(d *Dispatcher, logger *slog.Logger) *Sink {
	return &Sink{d: d, logger: logger}
}

// Publish implements events.Sink.
func (s *Sink) Publish(_ context.Context, e *events.Event) {
	if s == nil || s.d == nil {
		return
	}
	// Detached context: webhook delivery outlives the originating request.
	// The dispatcher's HTTP client enforces its own timeout.
	if err := s.d.Dispatch(context.Background(), e); err != nil {
		s.logger.Warn("webhook dispatch failed", "kind", e.Kind, "aggregate", e.AggregateHash, "error", err)
	}
}
