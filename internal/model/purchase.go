package model

import (
	"fmt"
	"time"
)

// Purchase states. The allowed transitions are listed in purchaseStates;
// anything else is rejected with ErrInvalidTransition.
const (
	PurchaseReserved       = "reserved"
	PurchaseAdminReserved  = "admin-reserved"
	PurchasePaymentPending = "payment-pending"
	PurchasePaid           = "paid"
	PurchaseRefundPending  = "refund-pending"
	PurchaseCancelled      = "cancelled"
	PurchaseRefunded       = "refunded"
)

// purchaseStates maps each state to its allowed successors. cancelled and
// refunded are terminal.
var purchaseStates = map[string][]string{
	PurchaseReserved:       {PurchasePaymentPending, PurchasePaid, PurchaseCancelled},
	PurchaseAdminReserved:  {PurchasePaymentPending, PurchasePaid, PurchaseCancelled},
	PurchasePaymentPending: {PurchasePaid, PurchaseCancelled},
	PurchasePaid:           {PurchaseRefunded, PurchaseCancelled, PurchaseRefundPending},
	PurchaseRefundPending:  {PurchasePaid, PurchaseRefunded, PurchaseCancelled},
	PurchaseCancelled:      {},
	PurchaseRefunded:       {},
}

// anonPurchaseStates are the states an unclaimed purchase (no owner, no
// purchaser) may occupy.
var anonPurchaseStates = map[string]bool{
	PurchaseReserved:  true,
	PurchaseCancelled: true,
}

// BlockingPurchaseStates are the states that hold capacity and count
// towards a buyer's personal limit.
var BlockingPurchaseStates = []string{
	PurchaseReserved,
	PurchaseAdminReserved,
	PurchasePaymentPending,
	PurchasePaid,
}

// Purchase is one sellable unit: a ticket or an item of merchandise. The
// product, tier and price are denormalised at creation; price can be
// rebound by a currency switch, the others never change.
type Purchase struct {
	ID          int64
	Product     *Product
	Tier        *PriceTier
	Price       *Price
	OwnerID     *int64
	PurchaserID *int64
	State       string
	PaymentID   *int64
	RefundID    *int64

	Created      time.Time
	Modified     time.Time
	TicketIssued bool
	Redeemed     bool

	Transfers []*PurchaseTransfer
}

// NewPurchase creates a reserved purchase against a price. If user is nil
// the purchase is anonymous: owner and purchaser stay unset until checkout
// claims them together.
func NewPurchase(price *Price, user *int64, now time.Time) *Purchase {
	p := &Purchase{
		Product:  price.Tier.Product,
		Tier:     price.Tier,
		Price:    price,
		State:    PurchaseReserved,
		Created:  now,
		Modified: now,
	}
	if user != nil {
		id := *user
		p.OwnerID = &id
		p.PurchaserID = &id
	}
	return p
}

// IsAnonymous reports whether the purchase has no owner. Owner and
// purchaser are always set or cleared together.
func (p *Purchase) IsAnonymous() bool { return p.OwnerID == nil }

// IsPaidFor reports whether the purchase has been paid for.
func (p *Purchase) IsPaidFor() bool { return p.State == PurchasePaid }

// SetState moves the purchase to a new state, enforcing the transition
// table and the anonymous-state rule. Setting the current state is a no-op.
func (p *Purchase) SetState(newState string, now time.Time) error {
	if newState == p.State {
		return nil
	}
	allowed, ok := purchaseStates[p.State]
	if !ok {
		return fmt.Errorf("%w: unknown state %q", ErrInvalidTransition, p.State)
	}
	found := false
	for _, s := range allowed {
		if s == newState {
			found = true
			break
		}
	}
	if !found {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, p.State, newState)
	}
	if p.IsAnonymous() && !anonPurchaseStates[newState] {
		return fmt.Errorf("%w: %s is not valid for unclaimed purchases", ErrInvalidTransition, newState)
	}
	p.State = newState
	p.Modified = now
	return nil
}

// SetUser claims an anonymous reserved purchase for a buyer. Owner and
// purchaser are set together; a purchase cannot be unclaimed.
func (p *Purchase) SetUser(userID int64, now time.Time) error {
	if p.State != PurchaseReserved && p.State != PurchaseAdminReserved {
		return fmt.Errorf("%w: can only claim reserved purchases", ErrInvalidTransition)
	}
	if p.OwnerID != nil || p.PurchaserID != nil {
		if *p.OwnerID == userID && *p.PurchaserID == userID {
			return nil
		}
		return fmt.Errorf("%w: purchase already claimed", ErrInvalidTransition)
	}
	id := userID
	p.OwnerID = &id
	p.PurchaserID = &id
	p.Modified = now
	return nil
}

// Cancel moves the purchase to cancelled. The caller is responsible for
// returning tier capacity; cancellable states are exactly the ones that
// hold it.
func (p *Purchase) Cancel(now time.Time) error {
	switch p.State {
	case PurchaseReserved, PurchaseAdminReserved, PurchasePaymentPending, PurchasePaid:
		return p.SetState(PurchaseCancelled, now)
	}
	return fmt.Errorf("%w: cannot cancel %s purchase", ErrInvalidTransition, p.State)
}

// Refund moves the purchase to refunded and links the refund row. Terminal:
// once a purchase references a refund it never leaves refunded except via
// Unrefund.
func (p *Purchase) Refund(refundID int64, now time.Time) error {
	if err := p.SetState(PurchaseRefunded, now); err != nil {
		return err
	}
	id := refundID
	p.RefundID = &id
	return nil
}

// Unrefund reverses a refund. Only valid from refunded; the caller reissues
// tier capacity.
func (p *Purchase) Unrefund(now time.Time) error {
	if p.State != PurchaseRefunded {
		return fmt.Errorf("%w: can only unrefund refunded purchases", ErrInvalidTransition)
	}
	p.State = PurchasePaid
	p.RefundID = nil
	p.Modified = now
	return nil
}

// ChangeCurrency rebinds the purchase to the tier's price in the new
// currency. Only allowed before the purchase is paid for.
func (p *Purchase) ChangeCurrency(currency Currency) error {
	if p.IsPaidFor() {
		return fmt.Errorf("%w: cannot change currency after payment", ErrInvalidTransition)
	}
	price := p.Tier.GetPrice(currency)
	if price == nil {
		return fmt.Errorf("no %s price for tier %q", currency, p.Tier.Name)
	}
	p.Price = price
	return nil
}

// Transfer rewrites the owner of a paid, transferable, unredeemed purchase
// and appends a transfer log entry. Any issued ticket must be re-issued for
// the new owner.
func (p *Purchase) Transfer(fromUser, toUser int64, now time.Time) error {
	if fromUser == toUser {
		return fmt.Errorf("%w: \"from\" and \"to\" users must differ", ErrTransferNotAllowed)
	}
	if !p.IsPaidFor() {
		return fmt.Errorf("%w: only paid items may be transferred", ErrTransferNotAllowed)
	}
	if !p.Product.IsTransferable() {
		return fmt.Errorf("%w: this item is not transferable", ErrTransferNotAllowed)
	}
	if p.Redeemed {
		return fmt.Errorf("%w: item has been redeemed", ErrTransferNotAllowed)
	}
	if p.OwnerID == nil || *p.OwnerID != fromUser {
		return fmt.Errorf("%w: user %d does not own this item", ErrTransferNotAllowed, fromUser)
	}
	owner := toUser
	p.OwnerID = &owner
	p.TicketIssued = false
	p.Modified = now
	p.Transfers = append(p.Transfers, &PurchaseTransfer{
		PurchaseID: p.ID,
		FromUser:   fromUser,
		ToUser:     toUser,
		Timestamp:  now,
	})
	return nil
}

// Redeem marks the purchase as used (checked in / goods issued). Redemption
// is independent of payment state transitions but requires a redeemable
// product and a paid purchase.
func (p *Purchase) Redeem(now time.Time) error {
	if !p.Product.IsRedeemable() {
		return fmt.Errorf("%w: product is not redeemable", ErrInvalidTransition)
	}
	if !p.IsPaidFor() {
		return fmt.Errorf("%w: purchase is not paid for", ErrInvalidTransition)
	}
	if p.Redeemed {
		return fmt.Errorf("%w: purchase is already redeemed", ErrInvalidTransition)
	}
	p.Redeemed = true
	p.Modified = now
	return nil
}

// Unredeem reverses a redemption.
func (p *Purchase) Unredeem(now time.Time) error {
	if !p.Product.IsRedeemable() {
		return fmt.Errorf("%w: product is not redeemable", ErrInvalidTransition)
	}
	if !p.Redeemed {
		return fmt.Errorf("%w: purchase is not redeemed", ErrInvalidTransition)
	}
	p.Redeemed = false
	p.Modified = now
	return nil
}

// PurchaseTransfer is an append-only record of a purchase changing owner.
type PurchaseTransfer struct {
	ID         int64
	PurchaseID int64
	FromUser   int64
	ToUser     int64
	Timestamp  time.Time
}
