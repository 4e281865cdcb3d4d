package model

import (
	"fmt"
	"math/rand"
	"time"
)

const randomVoucherLength = 12

// voucherAlphabet is lowercase-minus-vowels plus digits, so generated codes
// never spell anything regrettable.
const voucherAlphabet = "bcdfghjklmnpqrstvwxyz0123456789"

// VoucherGracePeriod extends a voucher past its quoted expiry, because the
// expiry is midnight on the selected day and holders span time zones.
const VoucherGracePeriod = 36 * time.Hour

// RandomVoucherCode draws a 12-character voucher code. Codes are
// identifiers mailed to their holders, not secrets.
func RandomVoucherCode(rng *rand.Rand) string {
	b := make([]byte, randomVoucherLength)
	for i := range b {
		b[i] = voucherAlphabet[rng.Intn(len(voucherAlphabet))]
	}
	return string(b)
}

// Voucher is a short code admitting access to a restricted ProductView and
// carrying residual purchase and adult-ticket capacity.
type Voucher struct {
	Code          string
	Email         string
	ProductViewID *int64
	Expiry        *time.Time

	// PurchasesRemaining is the number of checkouts left on this voucher.
	PurchasesRemaining int

	// TicketsRemaining is the number of adult tickets left on this voucher.
	TicketsRemaining int
}

// IsUsed reports whether the voucher has run out of either capacity.
func (v *Voucher) IsUsed() bool {
	return v.PurchasesRemaining == 0 || v.TicketsRemaining == 0
}

// IsExpired reports whether the voucher is past its expiry plus grace.
func (v *Voucher) IsExpired(now time.Time) bool {
	return v.Expiry != nil && v.Expiry.Add(VoucherGracePeriod).Before(now)
}

// CheckCapacity reports whether the voucher can cover adultTickets adult
// tickets in one more checkout.
func (v *Voucher) CheckCapacity(adultTickets int) bool {
	if v.PurchasesRemaining < 1 {
		return false
	}
	return v.TicketsRemaining >= adultTickets
}

// adultTicketCount counts the purchases in a payment whose product is an
// adult ticket.
func adultTicketCount(payment *Payment) int {
	n := 0
	for _, purchase := range payment.Purchases {
		if purchase.Product.IsAdultTicket() {
			n++
		}
	}
	return n
}

// ConsumeCapacity decrements the voucher by one checkout and by the adult
// tickets in the payment. A voucher that reaches zero on either counter
// becomes used.
func (v *Voucher) ConsumeCapacity(payment *Payment) error {
	if v.PurchasesRemaining < 1 {
		return fmt.Errorf("voucher %s has no remaining purchases", v.Code)
	}
	adult := adultTicketCount(payment)
	if v.TicketsRemaining < adult {
		return fmt.Errorf("voucher %s cannot cover %d adult tickets", v.Code, adult)
	}
	v.PurchasesRemaining--
	v.TicketsRemaining -= adult
	return nil
}

// ReturnCapacity reverses ConsumeCapacity, applied when a payment is
// cancelled.
func (v *Voucher) ReturnCapacity(payment *Payment) {
	v.PurchasesRemaining++
	v.TicketsRemaining += adultTicketCount(payment)
}
