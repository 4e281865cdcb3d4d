package model

import (
	"errors"
	"testing"
	"time"
)

func int64p(v int64) *int64 { return &v }

func newTestPurchase(t *testing.T, user *int64) *Purchase {
	t.Helper()
	_, _, tier := buildTree(nil, nil, nil)
	return NewPurchase(tier.GetPrice(GBP), user, time.Now().UTC())
}

func TestPurchaseTransitionTable(t *testing.T) {
	// Exhaustively verify that exactly the spec'd transitions are
	// reachable from each state.
	allStates := []string{
		PurchaseReserved, PurchaseAdminReserved, PurchasePaymentPending,
		PurchasePaid, PurchaseRefundPending, PurchaseCancelled, PurchaseRefunded,
	}
	allowed := map[string]map[string]bool{
		PurchaseReserved:       {PurchasePaymentPending: true, PurchasePaid: true, PurchaseCancelled: true},
		PurchaseAdminReserved:  {PurchasePaymentPending: true, PurchasePaid: true, PurchaseCancelled: true},
		PurchasePaymentPending: {PurchasePaid: true, PurchaseCancelled: true},
		PurchasePaid:           {PurchaseRefunded: true, PurchaseCancelled: true, PurchaseRefundPending: true},
		PurchaseRefundPending:  {PurchasePaid: true, PurchaseRefunded: true, PurchaseCancelled: true},
		PurchaseCancelled:      {},
		PurchaseRefunded:       {},
	}
	now := time.Now().UTC()
	for _, from := range allStates {
		for _, to := range allStates {
			if from == to {
				continue
			}
			p := newTestPurchase(t, int64p(1))
			p.State = from
			err := p.SetState(to, now)
			if allowed[from][to] && err != nil {
				t.Errorf("%s -> %s: unexpected error %v", from, to, err)
			}
			if !allowed[from][to] && !errors.Is(err, ErrInvalidTransition) {
				t.Errorf("%s -> %s: want ErrInvalidTransition, got %v", from, to, err)
			}
		}
	}
}

func TestPurchaseAnonymousStates(t *testing.T) {
	now := time.Now().UTC()

	p := newTestPurchase(t, nil)
	if !p.IsAnonymous() {
		t.Fatal("purchase without user must be anonymous")
	}
	if err := p.SetState(PurchasePaymentPending, now); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("anonymous purchase must not enter payment-pending: %v", err)
	}
	if err := p.SetState(PurchaseCancelled, now); err != nil {
		t.Fatalf("anonymous purchase may cancel: %v", err)
	}

	p = newTestPurchase(t, nil)
	if err := p.SetUser(7, now); err != nil {
		t.Fatalf("SetUser: %v", err)
	}
	if p.OwnerID == nil || p.PurchaserID == nil || *p.OwnerID != 7 || *p.PurchaserID != 7 {
		t.Fatal("SetUser must set owner and purchaser together")
	}
	if err := p.SetState(PurchasePaymentPending, now); err != nil {
		t.Fatalf("claimed purchase may enter payment-pending: %v", err)
	}
}

func TestPurchaseTransferRoundTrip(t *testing.T) {
	now := time.Now().UTC()
	p := newTestPurchase(t, int64p(1))
	p.State = PurchasePaid
	p.TicketIssued = true

	if err := p.Transfer(1, 2, now); err != nil {
		t.Fatalf("transfer A->B: %v", err)
	}
	if p.TicketIssued {
		t.Fatal("transfer must clear ticket_issued")
	}
	if err := p.Transfer(2, 1, now); err != nil {
		t.Fatalf("transfer B->A: %v", err)
	}
	if p.OwnerID == nil || *p.OwnerID != 1 {
		t.Fatalf("owner = %v, want back to 1", p.OwnerID)
	}
	if len(p.Transfers) != 2 {
		t.Fatalf("transfer log has %d rows, want 2", len(p.Transfers))
	}
}

func TestPurchaseTransferGuards(t *testing.T) {
	now := time.Now().UTC()

	tests := []struct {
		name  string
		setup func(p *Purchase)
		from  int64
		to    int64
	}{
		{"not paid", func(p *Purchase) { p.State = PurchaseReserved }, 1, 2},
		{"not transferable", func(p *Purchase) {
			p.State = PurchasePaid
			p.Product.Attributes = map[string]any{"is_transferable": false}
		}, 1, 2},
		{"redeemed", func(p *Purchase) { p.State = PurchasePaid; p.Redeemed = true }, 1, 2},
		{"wrong owner", func(p *Purchase) { p.State = PurchasePaid }, 9, 2},
		{"self transfer", func(p *Purchase) { p.State = PurchasePaid }, 1, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := newTestPurchase(t, int64p(1))
			tt.setup(p)
			if err := p.Transfer(tt.from, tt.to, now); !errors.Is(err, ErrTransferNotAllowed) {
				t.Fatalf("Transfer = %v, want ErrTransferNotAllowed", err)
			}
		})
	}
}

func TestPurchaseChangeCurrencyRoundTrip(t *testing.T) {
	p := newTestPurchase(t, int64p(1))
	orig := p.Price

	if err := p.ChangeCurrency(EUR); err != nil {
		t.Fatalf("ChangeCurrency EUR: %v", err)
	}
	if p.Price.Currency != EUR || p.Price.Value != 13500 {
		t.Fatalf("price = %v %v, want 13500 EUR", p.Price.Value, p.Price.Currency)
	}
	if err := p.ChangeCurrency(GBP); err != nil {
		t.Fatalf("ChangeCurrency GBP: %v", err)
	}
	if p.Price != orig {
		t.Fatal("round-trip currency change must restore the original price")
	}

	p.State = PurchasePaid
	if err := p.ChangeCurrency(EUR); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("ChangeCurrency after paid = %v, want ErrInvalidTransition", err)
	}
}

func TestPurchaseRedeem(t *testing.T) {
	now := time.Now().UTC()
	p := newTestPurchase(t, int64p(1))
	p.State = PurchasePaid

	if err := p.Redeem(now); err != nil {
		t.Fatalf("Redeem: %v", err)
	}
	if err := p.Redeem(now); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("double Redeem = %v, want ErrInvalidTransition", err)
	}
	if err := p.Unredeem(now); err != nil {
		t.Fatalf("Unredeem: %v", err)
	}
	if err := p.Unredeem(now); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("double Unredeem = %v, want ErrInvalidTransition", err)
	}

	p.Product.Attributes = map[string]any{"is_redeemable": false}
	if err := p.Redeem(now); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("Redeem on non-redeemable product = %v, want ErrInvalidTransition", err)
	}
}

func TestPurchaseRefundAndUnrefund(t *testing.T) {
	now := time.Now().UTC()
	p := newTestPurchase(t, int64p(1))
	p.State = PurchasePaid

	if err := p.Refund(42, now); err != nil {
		t.Fatalf("Refund: %v", err)
	}
	if p.RefundID == nil || *p.RefundID != 42 {
		t.Fatal("Refund must link the refund row")
	}
	if err := p.SetState(PurchasePaid, now); !errors.Is(err, ErrInvalidTransition) {
		t.Fatal("refunded is terminal for SetState")
	}
	if err := p.Unrefund(now); err != nil {
		t.Fatalf("Unrefund: %v", err)
	}
	if p.State != PurchasePaid || p.RefundID != nil {
		t.Fatal("Unrefund must restore paid and clear the refund link")
	}
}
