package handler

import (
	"testing"
	"time"

	"github.com/fieldworks/festops/internal/model"
)

func TestVoucherAttachable(t *testing.T) {
	now := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)
	past := now.Add(-3 * 24 * time.Hour)
	justClosed := now.Add(-model.VoucherGracePeriod - time.Minute)

	tests := []struct {
		name    string
		voucher model.Voucher
		adults  int
		wantErr bool
	}{
		{"fresh", model.Voucher{Code: "v", PurchasesRemaining: 1, TicketsRemaining: 2}, 2, false},
		{"no expiry set", model.Voucher{Code: "v", PurchasesRemaining: 2, TicketsRemaining: 4}, 0, false},
		{"expired", model.Voucher{Code: "v", Expiry: &past, PurchasesRemaining: 1, TicketsRemaining: 2}, 0, true},
		{"past grace", model.Voucher{Code: "v", Expiry: &justClosed, PurchasesRemaining: 1, TicketsRemaining: 2}, 0, true},
		{"no purchases left", model.Voucher{Code: "v", PurchasesRemaining: 0, TicketsRemaining: 2}, 0, true},
		{"no tickets left", model.Voucher{Code: "v", PurchasesRemaining: 1, TicketsRemaining: 0}, 0, true},
		{"over ticket capacity", model.Voucher{Code: "v", PurchasesRemaining: 1, TicketsRemaining: 1}, 2, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := voucherAttachable(&tt.voucher, tt.adults, now)
			if tt.wantErr && err == nil {
				t.Fatal("dead voucher attached cleanly")
			}
			if !tt.wantErr && err != nil {
				t.Fatalf("voucherAttachable: %v", err)
			}
		})
	}
}
