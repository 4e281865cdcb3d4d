package model

import (
	"math/rand"
	"strings"
	"testing"
	"time"
)

func TestRandomVoucherCode(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	code := RandomVoucherCode(rng)
	if len(code) != 12 {
		t.Fatalf("code %q has length %d, want 12", code, len(code))
	}
	for _, c := range code {
		if strings.ContainsRune("aeiou", c) {
			t.Fatalf("code %q contains vowel %q", code, c)
		}
	}
}

func TestVoucherCapacity(t *testing.T) {
	payment, _ := newTestPayment(t, ProviderCard, 2)

	v := &Voucher{Code: "testcode", PurchasesRemaining: 1, TicketsRemaining: 2}
	if !v.CheckCapacity(2) {
		t.Fatal("voucher with 2 tickets must cover 2 adult tickets")
	}
	if v.CheckCapacity(3) {
		t.Fatal("voucher with 2 tickets must not cover 3")
	}

	if err := v.ConsumeCapacity(payment); err != nil {
		t.Fatalf("ConsumeCapacity: %v", err)
	}
	if v.PurchasesRemaining != 0 || v.TicketsRemaining != 0 {
		t.Fatalf("remaining = %d purchases, %d tickets; want 0, 0",
			v.PurchasesRemaining, v.TicketsRemaining)
	}
	if !v.IsUsed() {
		t.Fatal("voucher at zero must be used")
	}
	if err := v.ConsumeCapacity(payment); err == nil {
		t.Fatal("consuming a used voucher must fail")
	}

	v.ReturnCapacity(payment)
	if v.PurchasesRemaining != 1 || v.TicketsRemaining != 2 {
		t.Fatal("ReturnCapacity must restore both counters")
	}
	if v.IsUsed() {
		t.Fatal("voucher with restored capacity is not used")
	}
}

func TestVoucherExpiry(t *testing.T) {
	now := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)
	expiry := time.Date(2026, 5, 31, 0, 0, 0, 0, time.UTC)
	v := &Voucher{Code: "t", Expiry: &expiry, PurchasesRemaining: 1, TicketsRemaining: 2}

	// Within the 36h grace period after midnight on the expiry day.
	if v.IsExpired(now) {
		t.Fatal("voucher must survive the grace period")
	}
	if !v.IsExpired(now.Add(24 * time.Hour)) {
		t.Fatal("voucher must expire after the grace period")
	}
}
