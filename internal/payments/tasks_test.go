package payments

import (
	"testing"
)

// A reservation that never reached a payment must not outlive the
// shortest payment window; otherwise abandoned baskets hold capacity
// for days whenever the long bank window is on offer.
func TestReservedGraceWithinCardWindow(t *testing.T) {
	if ReservedTTL > CardExpiry {
		t.Fatalf("unattached reservation grace %s exceeds the card window %s", ReservedTTL, CardExpiry)
	}
	if AdminReservedTTL < BankTransferExpiry {
		t.Fatalf("admin-reserved grace %s shorter than the bank window %s", AdminReservedTTL, BankTransferExpiry)
	}
}
