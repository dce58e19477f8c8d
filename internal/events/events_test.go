package events

import (
	"context"
	"log/slog"
	"testing"
)

type recordingSink struct {
	got []*Event
}

func (r *recordingSink) Publish(ctx context.Context, e *Event) {
	r.got = append(r.got, e)
}

func TestBus_FansOutToAllSinks(t *testing.T) {
	a := &recordingSink{}
	b := &recordingSink{}
	bus := NewBus(slog.Default(), a, b)

	e := New(KindBidAccepted, "abc123", []string{"0x1", "0x2"}, "ACCEPTED", nil)
	bus.Publish(context.Background(), e)

	if len(a.got) != 1 || len(b.got) != 1 {
		t.Fatalf("fan-out counts = %d, %d; want 1, 1", len(a.got), len(b.got))
	}
	if a.got[0].ID == "" || a.got[0].At.IsZero() {
		t.Error("event missing ID or timestamp")
	}
	if a.got[0].Kind != KindBidAccepted {
		t.Errorf("kind = %s, want bid.accepted", a.got[0].Kind)
	}
}

func TestBus_NilSafe(t *testing.T) {
	var bus *Bus
	bus.Publish(context.Background(), New(KindOrderCreated, "h", nil, "", nil))

	NewBus(nil).Publish(context.Background(), nil)
}
