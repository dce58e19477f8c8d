package policy

import "testing"

func TestRequiredConfirmations(t *testing.T) {
	cases := []struct {
		name  string
		typ   EscrowType
		ratio Ratio
		want  int
	}{
		{"direct ignores ratio", EscrowDirect, Ratio{Buyer: 3, Seller: 3}, 1},
		{"arbitrated 1/1", EscrowArbitrated, Ratio{Buyer: 1, Seller: 1}, 2},
		{"arbitrated 2/1", EscrowArbitrated, Ratio{Buyer: 2, Seller: 1}, 2},
		{"arbitrated 2/2", EscrowArbitrated, Ratio{Buyer: 2, Seller: 2}, 3},
		{"arbitrated 3/2", EscrowArbitrated, Ratio{Buyer: 3, Seller: 2}, 3},
		{"arbitrated zero ratio falls back to 1", EscrowArbitrated, Ratio{}, 1},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := RequiredConfirmations(tc.typ, tc.ratio); got != tc.want {
				t.Errorf("RequiredConfirmations(%s, %+v) = %d, want %d", tc.typ, tc.ratio, got, tc.want)
			}
		})
	}
}

func TestRatioValidate(t *testing.T) {
	if err := (Ratio{Buyer: 1, Seller: 1}).Validate(); err != nil {
		t.Errorf("valid ratio rejected: %v", err)
	}
	for _, r := range []Ratio{{0, 1}, {1, 0}, {-1, 1}, {0, 0}} {
		if err := r.Validate(); err == nil {
			t.Errorf("ratio %+v accepted, want ErrInvalidRatio", r)
		}
	}
}

func TestAllowsOrderTransition(t *testing.T) {
	allowed := []struct{ from, to OrderStatus }{
		{OrderAwaitingEscrow, OrderEscrowLocked},
		{OrderAwaitingEscrow, OrderRefundRequested},
		{OrderEscrowLocked, OrderShipping},
		{OrderEscrowLocked, OrderRefundRequested},
		{OrderShipping, OrderComplete},
		{OrderRefundRequested, OrderRefunded},
	}
	for _, e := range allowed {
		if !AllowsOrderTransition(EscrowDirect, e.from, e.to) {
			t.Errorf("edge %s -> %s should be allowed", e.from, e.to)
		}
		if !AllowsOrderTransition(EscrowArbitrated, e.from, e.to) {
			t.Errorf("edge %s -> %s should be allowed under arbitrated escrow", e.from, e.to)
		}
	}

	denied := []struct{ from, to OrderStatus }{
		{OrderEscrowLocked, OrderAwaitingEscrow}, // no going backward
		{OrderAwaitingEscrow, OrderShipping},     // no skipping lock
		{OrderComplete, OrderRefundRequested},    // terminal
		{OrderRefunded, OrderAwaitingEscrow},     // terminal
		{OrderShipping, OrderRefundRequested},    // refunds only before shipping
	}
	for _, e := range denied {
		if AllowsOrderTransition(EscrowDirect, e.from, e.to) {
			t.Errorf("edge %s -> %s should be denied", e.from, e.to)
		}
	}

	if AllowsOrderTransition("bogus", OrderAwaitingEscrow, OrderEscrowLocked) {
		t.Error("unknown escrow type should deny every edge")
	}
}
