package model

import (
	"fmt"
	"time"
)

// Payment providers. The provider tag discriminates the per-variant fields
// held in the Payment row (bankref for bank transfers, intent and charge
// ids for cards).
const (
	ProviderBankTransfer = "banktransfer"
	ProviderCard         = "card"
)

// Payment states. Providers use subsets: bank transfers move new ->
// inprogress -> paid, cards move new -> charging -> charged -> paid.
const (
	PaymentNew             = "new"
	PaymentInProgress      = "inprogress"
	PaymentCharging        = "charging"
	PaymentCharged         = "charged"
	PaymentPaid            = "paid"
	PaymentCancelled       = "cancelled"
	PaymentRefundRequested = "refund-requested"
	PaymentRefunding       = "refunding"
	PaymentPartRefunded    = "partrefunded"
	PaymentRefunded        = "refunded"
	PaymentExpired         = "expired"
)

// paymentStates maps each payment state to its allowed successors.
// cancelled -> paid covers money arriving for a payment we gave up on.
var paymentStates = map[string][]string{
	PaymentNew:             {PaymentInProgress, PaymentCharging, PaymentPaid, PaymentCancelled, PaymentExpired},
	PaymentInProgress:      {PaymentPaid, PaymentCancelled, PaymentExpired},
	PaymentCharging:        {PaymentCharged, PaymentPaid, PaymentCancelled},
	PaymentCharged:         {PaymentPaid, PaymentRefunded, PaymentCancelled},
	PaymentPaid:            {PaymentRefundRequested, PaymentRefunding, PaymentPartRefunded, PaymentRefunded, PaymentCancelled},
	PaymentRefundRequested: {PaymentRefunding, PaymentPaid, PaymentRefunded, PaymentCancelled},
	PaymentRefunding:       {PaymentRefunded, PaymentPartRefunded},
	PaymentPartRefunded:    {PaymentRefunded},
	PaymentRefunded:        {},
	PaymentCancelled:       {PaymentPaid},
	PaymentExpired:         {},
}

// refundableStates are the paid-equivalent states a refund may start from.
var refundableStates = map[string]bool{
	PaymentCharged:         true,
	PaymentPaid:            true,
	PaymentRefunding:       true,
	PaymentPartRefunded:    true,
	PaymentRefundRequested: true,
}

// Payment groups one or more purchases for settlement through a single
// provider. The amount is denormalised at creation and must equal the sum
// of the purchase prices except while a refund is in flight.
type Payment struct {
	ID       int64
	UserID   int64
	Provider string
	Currency Currency
	Amount   Money
	State    string

	VoucherCode      string
	Expires          *time.Time
	ReminderSentAt   *time.Time
	VATInvoiceNumber *int

	// Bank transfer fields.
	Bankref string

	// Card processor fields.
	IntentID string
	ChargeID string

	Created   time.Time
	Purchases []*Purchase
	Refunds   []*Refund
}

// NewPayment assembles a payment over a set of purchases. The purchases
// must all be priced in the payment currency; the amount is their sum.
func NewPayment(provider string, userID int64, currency Currency, purchases []*Purchase, now time.Time) (*Payment, error) {
	var amount Money
	for _, p := range purchases {
		if p.Price.Currency != currency {
			return nil, fmt.Errorf("currency mismatch: purchase priced in %s, payment in %s", p.Price.Currency, currency)
		}
		amount += p.Price.Value
	}
	return &Payment{
		UserID:    userID,
		Provider:  provider,
		Currency:  currency,
		Amount:    amount,
		State:     PaymentNew,
		Created:   now,
		Purchases: purchases,
	}, nil
}

// SetState moves the payment to a new state, enforcing the transition
// table.
func (p *Payment) SetState(newState string) error {
	if newState == p.State {
		return nil
	}
	allowed, ok := paymentStates[p.State]
	if !ok {
		return fmt.Errorf("%w: unknown payment state %q", ErrInvalidTransition, p.State)
	}
	for _, s := range allowed {
		if s == newState {
			p.State = newState
			return nil
		}
	}
	return fmt.Errorf("%w: payment %s -> %s", ErrInvalidTransition, p.State, newState)
}

// IsRefundable reports whether a refund can currently be taken against
// this payment.
func (p *Payment) IsRefundable() bool { return refundableStates[p.State] }

// Paid transitions every child purchase to paid and then the payment
// itself. Fails if the payment is already paid.
func (p *Payment) Paid(now time.Time) error {
	if p.State == PaymentPaid {
		return fmt.Errorf("%w: payment is already paid", ErrInvalidTransition)
	}
	if err := p.SetState(PaymentPaid); err != nil {
		return err
	}
	for _, purchase := range p.Purchases {
		if err := purchase.SetState(PurchasePaid, now); err != nil {
			return err
		}
	}
	return nil
}

// Cancel cascades cancellation to every child purchase, returning tier
// capacity for each, and moves the payment to cancelled. Refunded payments
// cannot be cancelled; cancelling twice fails.
func (p *Payment) Cancel(now time.Time) error {
	if p.State == PaymentCancelled {
		return fmt.Errorf("%w: payment is already cancelled", ErrInvalidTransition)
	}
	if p.State == PaymentRefunded {
		return fmt.Errorf("%w: refunded payments cannot be cancelled", ErrInvalidTransition)
	}
	for _, purchase := range p.Purchases {
		if err := purchase.Cancel(now); err != nil {
			return err
		}
		Return(purchase.Tier, 1)
	}
	p.State = PaymentCancelled
	return nil
}

// ManualRefund books a full out-of-band refund: every purchase is moved to
// refunded with its capacity returned, and the refund row is linked. Only
// valid from paid-equivalent states.
func (p *Payment) ManualRefund(refund *Refund, now time.Time) error {
	if p.State == PaymentRefunded {
		return fmt.Errorf("%w: payment is already refunded", ErrInvalidTransition)
	}
	if !refundableStates[p.State] {
		return fmt.Errorf("%w: cannot refund %s payment", ErrInvalidTransition, p.State)
	}
	for _, purchase := range p.Purchases {
		if purchase.OwnerID == nil || *purchase.OwnerID != p.UserID {
			return fmt.Errorf("%w: cannot refund transferred purchase", ErrInvalidTransition)
		}
		if err := purchase.Refund(refund.ID, now); err != nil {
			return err
		}
		Return(purchase.Tier, 1)
	}
	refund.Purchases = append(refund.Purchases, p.Purchases...)
	p.Refunds = append(p.Refunds, refund)
	p.State = PaymentRefunded
	return nil
}

// ChangeCurrency re-prices every child purchase in the new currency and
// recomputes the amount. Forbidden once the payment is reconciled.
func (p *Payment) ChangeCurrency(currency Currency) error {
	switch p.State {
	case PaymentPaid, PaymentPartRefunded, PaymentRefunded:
		return fmt.Errorf("%w: cannot change currency after payment is reconciled", ErrInvalidTransition)
	}
	if p.Currency == currency {
		return fmt.Errorf("currency is already %s", currency)
	}
	for _, purchase := range p.Purchases {
		if err := purchase.ChangeCurrency(currency); err != nil {
			return err
		}
	}
	var amount Money
	for _, purchase := range p.Purchases {
		amount += purchase.Price.Value
	}
	p.Amount = amount
	p.Currency = currency
	return nil
}

// OrderNumber renders the customer-facing order reference. This is not a
// VAT invoice number.
func (p *Payment) OrderNumber(eventYear int) string {
	return fmt.Sprintf("WEB-%d-%05d", eventYear, p.ID)
}

// VATInvoiceReference renders the issued VAT invoice number. The sequence
// itself is allocated by the repository under a single-row lock.
func (p *Payment) VATInvoiceReference(eventYear int) (string, error) {
	if p.VATInvoiceNumber == nil {
		return "", fmt.Errorf("payment %d has no VAT invoice number", p.ID)
	}
	return fmt.Sprintf("WEBV-%d-%05d", eventYear, *p.VATInvoiceNumber), nil
}

// CustomerReference is the reference a buyer quotes on a bank transfer:
// the ISO 11649 structured form for EUR payments (continental banks
// preserve it end-to-end), the bare bankref for GBP.
func (p *Payment) CustomerReference() (string, error) {
	if p.Provider != ProviderBankTransfer || p.Bankref == "" {
		return "", fmt.Errorf("payment %d has no bank reference", p.ID)
	}
	if p.Currency == EUR {
		check, err := ISO11649CheckDigits(p.Bankref)
		if err != nil {
			return "", err
		}
		return "RF" + check + p.Bankref, nil
	}
	return p.Bankref, nil
}

// Refund records money returned against a payment. Append-only.
type Refund struct {
	ID        int64
	PaymentID int64
	Provider  string
	Amount    Money
	Timestamp time.Time

	// ExternalID is the provider-side refund id, when one exists.
	ExternalID string

	Purchases []*Purchase
}

// RefundRequest is a user-visible request queued for the refund engine.
// The donation is the part of the payment the buyer chose not to take
// back.
type RefundRequest struct {
	ID        int64
	PaymentID int64
	Donation  Money
	Currency  Currency

	// Payout details for manual bank refunds.
	SortCode  string
	Account   string
	SwiftBIC  string
	IBAN      string
	PayeeName string
	Note      string
}

// RefundAmount is the sum the provider should return for this request:
// the payment amount minus the kept donation. A donation outside the
// payment amount is a malformed request, not a state transition.
func (r *RefundRequest) RefundAmount(p *Payment) (Money, error) {
	if r.Donation < 0 || r.Donation > p.Amount {
		return 0, fmt.Errorf("donation %s outside payment amount %s", r.Donation, p.Amount)
	}
	return p.Amount - r.Donation, nil
}
