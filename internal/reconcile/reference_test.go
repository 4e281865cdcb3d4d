package reconcile

import (
	"testing"
)

func TestExtractReference(t *testing.T) {
	tests := []struct {
		name      string
		payee     string
		wantRef   string
		wantExact bool
		wantOK    bool
	}{
		{"hyphenated", "J Doe M87X-CJ3Q BGC", "M87XCJ3Q", true, true},
		{"plain", "J DOE M87XCJ3Q BGC", "M87XCJ3Q", true, true},
		{"space separated", "TRANSFER M87X CJ3Q", "M87XCJ3Q", true, true},
		{"lowercase input", "j doe m87x-cj3q bgc", "M87XCJ3Q", true, true},
		{"one char truncated", "J DOE M87XCJ3 BGC", "M87XCJ3", false, true},
		{"iso 11649 grouped", "RF91 M87X CJ3Q", "M87XCJ3Q", true, true},
		{"iso 11649 compact", "SEPA RF91M87XCJ3Q", "M87XCJ3Q", true, true},
		{"empty payee", "", "", false, false},
		{"no reference", "STRIPE PAYOUT 12345", "", false, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ref, ok := ExtractReference(tt.payee)
			if ok != tt.wantOK {
				t.Fatalf("ok = %v, want %v", ok, tt.wantOK)
			}
			if !ok {
				return
			}
			if ref.Ref != tt.wantRef {
				t.Fatalf("ref = %q, want %q", ref.Ref, tt.wantRef)
			}
			if ref.Exact != tt.wantExact {
				t.Fatalf("exact = %v, want %v", ref.Exact, tt.wantExact)
			}
		})
	}
}

func TestExtractReferenceBadISOCheckDigits(t *testing.T) {
	// Invalid check digits must not unwrap to an exact reference, but the
	// embedded 8-char run still matches the plain pattern.
	ref, ok := ExtractReference("RF00 M87X CJ3Q")
	if !ok {
		t.Fatal("embedded bankref should still extract")
	}
	if ref.Ref != "M87XCJ3Q" || !ref.Exact {
		t.Fatalf("ref = %+v, want exact M87XCJ3Q via plain pattern", ref)
	}
}

func TestIsSettlementSweep(t *testing.T) {
	if !IsSettlementSweep("DAILY SETTLEMENT SWEEP") {
		t.Fatal("settlement sweep not detected")
	}
	if IsSettlementSweep("J Doe M87X-CJ3Q BGC") {
		t.Fatal("customer payment flagged as sweep")
	}
}
