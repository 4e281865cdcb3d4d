package model

import (
	"math/rand"
	"strings"
	"testing"
)

func TestNewBankref(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	seen := map[string]bool{}
	for i := 0; i < 100; i++ {
		ref := NewBankref(rng)
		if len(ref) != BankrefLength {
			t.Fatalf("bankref %q has length %d", ref, len(ref))
		}
		for _, c := range ref {
			if !strings.ContainsRune(BankrefAlphabet, c) {
				t.Fatalf("bankref %q contains %q outside the alphabet", ref, c)
			}
		}
		if seen[ref] {
			t.Fatalf("duplicate bankref %q in 100 draws", ref)
		}
		seen[ref] = true
	}
}

func TestBankrefRoundTrip(t *testing.T) {
	rng := rand.New(rand.NewSource(2))
	for i := 0; i < 50; i++ {
		ref := NewBankref(rng)

		domestic := FormatBankref(ref)
		if got, err := ParseBankref(domestic); err != nil || got != ref {
			t.Fatalf("ParseBankref(%q) = %q, %v, want %q", domestic, got, err, ref)
		}

		structured, err := FormatISO11649(ref)
		if err != nil {
			t.Fatalf("FormatISO11649(%q): %v", ref, err)
		}
		if got, err := ParseBankref(structured); err != nil || got != ref {
			t.Fatalf("ParseBankref(%q) = %q, %v, want %q", structured, got, err, ref)
		}
		if !ValidISO11649(structured) {
			t.Fatalf("ValidISO11649(%q) = false", structured)
		}
	}
}

func TestParseBankrefRejects(t *testing.T) {
	tests := []struct {
		name string
		in   string
	}{
		{"too short", "M87XCJ3"},
		{"bad alphabet", "M87XCJ3O"}, // O is excluded as confusable
		{"bad check digits", "RF00 M87X CJ3Q"},
		{"empty", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ParseBankref(tt.in); err == nil {
				t.Fatalf("ParseBankref(%q) succeeded, want error", tt.in)
			}
		})
	}
}

func TestCustomerReference(t *testing.T) {
	payment := &Payment{Provider: ProviderBankTransfer, Currency: GBP, Bankref: "M87XCJ3Q"}

	ref, err := payment.CustomerReference()
	if err != nil || ref != "M87XCJ3Q" {
		t.Fatalf("GBP reference = %q, %v", ref, err)
	}

	payment.Currency = EUR
	ref, err = payment.CustomerReference()
	if err != nil {
		t.Fatalf("EUR reference: %v", err)
	}
	if !strings.HasPrefix(ref, "RF") || !strings.HasSuffix(ref, "M87XCJ3Q") {
		t.Fatalf("EUR reference = %q, want RFxx wrapper", ref)
	}
	if !ValidISO11649(ref) {
		t.Fatalf("EUR reference %q fails ISO 11649 validation", ref)
	}
	if got, err := ParseBankref(ref); err != nil || got != "M87XCJ3Q" {
		t.Fatalf("ParseBankref(%q) = %q, %v", ref, got, err)
	}
}
