package model

import (
	"errors"
	"testing"
	"time"
)

func newTestPayment(t *testing.T, provider string, n int) (*Payment, *PriceTier) {
	t.Helper()
	_, _, tier := buildTree(nil, nil, intp(100))
	now := time.Now().UTC()
	user := int64(1)
	purchases := make([]*Purchase, 0, n)
	for i := 0; i < n; i++ {
		if err := Issue(tier, 1, now); err != nil {
			t.Fatalf("Issue: %v", err)
		}
		purchases = append(purchases, NewPurchase(tier.GetPrice(GBP), &user, now))
	}
	payment, err := NewPayment(provider, user, GBP, purchases, now)
	if err != nil {
		t.Fatalf("NewPayment: %v", err)
	}
	return payment, tier
}

func purchaseTotal(p *Payment) Money {
	var sum Money
	for _, purchase := range p.Purchases {
		sum += purchase.Price.Value
	}
	return sum
}

func TestNewPaymentAmount(t *testing.T) {
	payment, _ := newTestPayment(t, ProviderCard, 2)
	if payment.Amount != 23000 {
		t.Fatalf("amount = %d, want 23000", payment.Amount)
	}
	if payment.Amount != purchaseTotal(payment) {
		t.Fatal("payment amount must equal the sum of purchase prices")
	}
}

func TestPaymentPaidCascades(t *testing.T) {
	payment, _ := newTestPayment(t, ProviderCard, 2)
	now := time.Now().UTC()
	payment.State = PaymentCharged

	if err := payment.Paid(now); err != nil {
		t.Fatalf("Paid: %v", err)
	}
	if payment.State != PaymentPaid {
		t.Fatalf("state = %s, want paid", payment.State)
	}
	for _, purchase := range payment.Purchases {
		if purchase.State != PurchasePaid {
			t.Fatalf("purchase state = %s, want paid", purchase.State)
		}
	}
	if err := payment.Paid(now); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("double Paid = %v, want ErrInvalidTransition", err)
	}
}

func TestPaymentCancelReturnsCapacity(t *testing.T) {
	payment, tier := newTestPayment(t, ProviderBankTransfer, 2)
	now := time.Now().UTC()
	if tier.Node.CapacityUsed != 2 {
		t.Fatalf("capacity_used = %d, want 2", tier.Node.CapacityUsed)
	}

	if err := payment.Cancel(now); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if tier.Node.CapacityUsed != 0 {
		t.Fatalf("capacity_used = %d, want 0 after cancel", tier.Node.CapacityUsed)
	}
	for _, purchase := range payment.Purchases {
		if purchase.State != PurchaseCancelled {
			t.Fatalf("purchase state = %s, want cancelled", purchase.State)
		}
	}
	if err := payment.Cancel(now); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("double Cancel = %v, want ErrInvalidTransition", err)
	}

	payment.State = PaymentRefunded
	if err := payment.Cancel(now); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("Cancel of refunded payment = %v, want ErrInvalidTransition", err)
	}
}

func TestPaymentManualRefund(t *testing.T) {
	payment, tier := newTestPayment(t, ProviderBankTransfer, 2)
	now := time.Now().UTC()
	payment.State = PaymentCharged
	if err := payment.Paid(now); err != nil {
		t.Fatalf("Paid: %v", err)
	}

	refund := &Refund{ID: 1, Provider: ProviderBankTransfer, Amount: payment.Amount, Timestamp: now}
	if err := payment.ManualRefund(refund, now); err != nil {
		t.Fatalf("ManualRefund: %v", err)
	}
	if payment.State != PaymentRefunded {
		t.Fatalf("state = %s, want refunded", payment.State)
	}
	if tier.Node.CapacityUsed != 0 {
		t.Fatalf("capacity_used = %d, want 0 after refund", tier.Node.CapacityUsed)
	}
	if len(refund.Purchases) != 2 {
		t.Fatalf("refund covers %d purchases, want 2", len(refund.Purchases))
	}
	if err := payment.ManualRefund(refund, now); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("double ManualRefund = %v, want ErrInvalidTransition", err)
	}
}

func TestPaymentManualRefundRejectsTransferred(t *testing.T) {
	payment, _ := newTestPayment(t, ProviderBankTransfer, 1)
	now := time.Now().UTC()
	payment.State = PaymentCharged
	if err := payment.Paid(now); err != nil {
		t.Fatalf("Paid: %v", err)
	}
	if err := payment.Purchases[0].Transfer(1, 2, now); err != nil {
		t.Fatalf("Transfer: %v", err)
	}

	refund := &Refund{ID: 1, Provider: ProviderBankTransfer, Amount: payment.Amount}
	if err := payment.ManualRefund(refund, now); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("ManualRefund with transferred purchase = %v, want ErrInvalidTransition", err)
	}
}

func TestPaymentChangeCurrency(t *testing.T) {
	payment, _ := newTestPayment(t, ProviderBankTransfer, 2)

	if err := payment.ChangeCurrency(EUR); err != nil {
		t.Fatalf("ChangeCurrency: %v", err)
	}
	if payment.Currency != EUR || payment.Amount != 27000 {
		t.Fatalf("amount = %d %s, want 27000 EUR", payment.Amount, payment.Currency)
	}
	if payment.Amount != purchaseTotal(payment) {
		t.Fatal("amount must track purchase totals through a currency change")
	}

	if err := payment.ChangeCurrency(EUR); err == nil {
		t.Fatal("ChangeCurrency to the same currency must fail")
	}

	payment.State = PaymentPaid
	if err := payment.ChangeCurrency(GBP); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("ChangeCurrency after paid = %v, want ErrInvalidTransition", err)
	}
}

func TestOrderAndInvoiceNumbers(t *testing.T) {
	payment, _ := newTestPayment(t, ProviderCard, 1)
	payment.ID = 17

	if got := payment.OrderNumber(2026); got != "WEB-2026-00017" {
		t.Fatalf("OrderNumber = %q", got)
	}
	if _, err := payment.VATInvoiceReference(2026); err == nil {
		t.Fatal("VATInvoiceReference must fail before a number is issued")
	}
	seq := 3
	payment.VATInvoiceNumber = &seq
	got, err := payment.VATInvoiceReference(2026)
	if err != nil || got != "WEBV-2026-00003" {
		t.Fatalf("VATInvoiceReference = %q, %v", got, err)
	}
}

func TestRefundRequestAmount(t *testing.T) {
	payment := &Payment{Amount: 10000}
	tests := []struct {
		name     string
		donation Money
		want     Money
		wantErr  bool
	}{
		{"no donation", 0, 10000, false},
		{"partial donation", 2500, 7500, false},
		{"full donation", 10000, 0, false},
		{"donation exceeds payment", 10001, 0, true},
		{"negative donation", -1, 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := &RefundRequest{Donation: tt.donation}
			got, err := req.RefundAmount(payment)
			if tt.wantErr {
				if err == nil {
					t.Fatal("want error for malformed donation")
				}
				return
			}
			if err != nil {
				t.Fatalf("RefundAmount: %v", err)
			}
			if got != tt.want {
				t.Fatalf("RefundAmount = %d, want %d", got, tt.want)
			}
		})
	}
}
