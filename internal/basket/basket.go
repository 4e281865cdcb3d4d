// Package basket implements the user- and currency-scoped working set
// that assembles reserved purchases into a checkout. A Basket is an
// in-memory value rebuilt per request from the session token; all
// persistent effects go through Service methods, which run inside a
// single transaction so a capacity failure unwinds the whole basket.
package basket

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/fieldworks/festops/internal/model"
	"github.com/fieldworks/festops/internal/repository"
)

// Line pairs a price tier with the count the user asked for and the
// reserved purchases currently backing it.
type Line struct {
	Tier      *model.PriceTier
	Count     int
	Purchases []*model.Purchase
}

// Basket is an ordered set of lines for one user and currency. UserID is
// nil for anonymous browsers; their purchases stay unowned until
// checkout claims them.
type Basket struct {
	UserID   *int64
	Currency model.Currency
	Lines    []*Line
	Voucher  *model.Voucher
}

// New returns an empty basket.
func New(userID *int64, currency model.Currency) *Basket {
	return &Basket{UserID: userID, Currency: currency}
}

func (b *Basket) line(tier *model.PriceTier) *Line {
	for _, l := range b.Lines {
		if l.Tier.ID == tier.ID {
			return l
		}
	}
	return nil
}

// Set records the desired count for a tier, appending a line if needed.
// Setting zero keeps the line so surplus cancellation can find its
// purchases.
func (b *Basket) Set(tier *model.PriceTier, count int) {
	if l := b.line(tier); l != nil {
		l.Count = count
		return
	}
	b.Lines = append(b.Lines, &Line{Tier: tier, Count: count})
}

// Get returns the desired count for a tier.
func (b *Basket) Get(tier *model.PriceTier) int {
	if l := b.line(tier); l != nil {
		return l.Count
	}
	return 0
}

// Delete zeroes a tier's desired count. Its reserved purchases become
// surplus.
func (b *Basket) Delete(tier *model.PriceTier) {
	if l := b.line(tier); l != nil {
		l.Count = 0
	}
}

// Surplus returns reserved purchases beyond each line's desired count.
func (b *Basket) Surplus() []*model.Purchase {
	var surplus []*model.Purchase
	for _, l := range b.Lines {
		if len(l.Purchases) > l.Count {
			surplus = append(surplus, l.Purchases[l.Count:]...)
		}
	}
	return surplus
}

// Total prices the basket in its current currency. Stored purchase
// prices may be stale after a currency switch, so this always reads the
// tier's price list.
func (b *Basket) Total() (model.Money, error) {
	var total model.Money
	for _, l := range b.Lines {
		if l.Count == 0 {
			continue
		}
		price := l.Tier.GetPrice(b.Currency)
		if price == nil {
			return 0, fmt.Errorf("tier %s has no %s price", l.Tier.Name, b.Currency)
		}
		total += price.Value * model.Money(l.Count)
	}
	return total, nil
}

// Reservation returns the purchases backing every line, in line order.
func (b *Basket) Reservation() []*model.Purchase {
	var out []*model.Purchase
	for _, l := range b.Lines {
		if len(l.Purchases) > l.Count {
			out = append(out, l.Purchases[:l.Count]...)
		} else {
			out = append(out, l.Purchases...)
		}
	}
	return out
}

// AdultTickets counts desired adult tickets across all lines, for
// voucher capacity checks.
func (b *Basket) AdultTickets() int {
	n := 0
	for _, l := range b.Lines {
		if l.Tier.Product.IsAdultTicket() {
			n += l.Count
		}
	}
	return n
}

// Service runs basket operations against the database.
type Service struct {
	db        *sql.DB
	catalog   *repository.CatalogRepo
	purchases *repository.PurchaseRepo
	payments  *repository.PaymentRepo
	vouchers  *repository.VoucherRepo
	log       *logrus.Entry
}

// NewService wires a basket service over the shared repositories.
func NewService(db *sql.DB, catalog *repository.CatalogRepo, purchases *repository.PurchaseRepo,
	payments *repository.PaymentRepo, vouchers *repository.VoucherRepo) *Service {
	return &Service{
		db:        db,
		catalog:   catalog,
		purchases: purchases,
		payments:  payments,
		vouchers:  vouchers,
		log:       logrus.WithField("component", "basket"),
	}
}

// FromSession rehydrates a basket from the purchase ids carried in the
// session. Only purchases still reserved, unattached to a payment and
// either anonymous or owned by the user survive; the rest are silently
// dropped, matching what another tab or an expiry sweep may have done.
func (s *Service) FromSession(ctx context.Context, userID *int64, currency model.Currency, reservedIDs []int64) (*Basket, error) {
	b := New(userID, currency)
	if len(reservedIDs) == 0 {
		return b, nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	loaded, err := s.purchases.GetReservedByIDsTx(ctx, tx, s.catalog, reservedIDs, userID)
	if err != nil {
		return nil, err
	}
	for _, p := range loaded {
		l := b.line(p.Tier)
		if l == nil {
			l = &Line{Tier: p.Tier}
			b.Lines = append(b.Lines, l)
		}
		l.Purchases = append(l.Purchases, p)
		l.Count++
	}
	return b, tx.Commit()
}

// Reserve makes every line's reservation match its desired count: it
// creates purchases for shortfalls, cancels surplus and re-checks every
// touched counter before commit. Everything happens in one transaction;
// a capacity failure leaves no trace.
func (s *Service) Reserve(ctx context.Context, b *Basket) error {
	ctx = repository.WithAuditTxn(ctx)
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	touched := map[int64]bool{}
	for _, l := range b.Lines {
		shortfall := l.Count - len(l.Purchases)
		if shortfall <= 0 {
			continue
		}
		limit := l.Tier.UserLimit(now)
		if l.Count > limit {
			return fmt.Errorf("%w: %d over limit %d for tier %s",
				model.ErrOutOfCapacity, l.Count, limit, l.Tier.Name)
		}
		price := l.Tier.GetPrice(b.Currency)
		if price == nil {
			return fmt.Errorf("tier %s has no %s price", l.Tier.Name, b.Currency)
		}
		if err := s.catalog.IssueCapacityTx(ctx, tx, l.Tier.ID, shortfall); err != nil {
			return err
		}
		touched[l.Tier.ID] = true
		for i := 0; i < shortfall; i++ {
			p := model.NewPurchase(price, b.UserID, now)
			if err := s.purchases.InsertTx(ctx, tx, p); err != nil {
				return err
			}
			l.Purchases = append(l.Purchases, p)
		}
	}

	if err := s.cancelSurplusTx(ctx, tx, b); err != nil {
		return err
	}
	for tierID := range touched {
		if err := s.catalog.EnsureCapacityTx(ctx, tx, tierID); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// cancelSurplusTx cancels reserved purchases beyond each line's count and
// returns their capacity.
func (s *Service) cancelSurplusTx(ctx context.Context, tx *sql.Tx, b *Basket) error {
	now := time.Now().UTC()
	for _, l := range b.Lines {
		for len(l.Purchases) > l.Count {
			p := l.Purchases[len(l.Purchases)-1]
			if err := p.Cancel(now); err != nil {
				return err
			}
			if err := s.purchases.UpdateStateTx(ctx, tx, p); err != nil {
				return err
			}
			if err := s.catalog.ReturnCapacityTx(ctx, tx, l.Tier.ID, 1); err != nil {
				return err
			}
			l.Purchases = l.Purchases[:len(l.Purchases)-1]
		}
	}
	return nil
}

// CancelSurplus drops over-reserved purchases in their own transaction.
func (s *Service) CancelSurplus(ctx context.Context, b *Basket) error {
	ctx = repository.WithAuditTxn(ctx)
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := s.cancelSurplusTx(ctx, tx, b); err != nil {
		return err
	}
	return tx.Commit()
}

// CreatePayment checks the basket out: it claims every purchase for the
// user, groups them under a new payment of the given provider and
// consumes voucher capacity if a voucher is attached. The basket must
// have been reserved first.
func (s *Service) CreatePayment(ctx context.Context, b *Basket, provider string) (*model.Payment, error) {
	if b.UserID == nil {
		return nil, fmt.Errorf("checkout requires a signed-in user")
	}
	purchases := b.Reservation()
	if len(purchases) == 0 {
		return nil, fmt.Errorf("basket is empty")
	}
	ctx = repository.WithAuditTxn(ctx)
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	for _, p := range purchases {
		if err := p.SetUser(*b.UserID, now); err != nil {
			return nil, err
		}
	}
	payment, err := model.NewPayment(provider, *b.UserID, b.Currency, purchases, now)
	if err != nil {
		return nil, err
	}
	if b.Voucher != nil {
		locked, err := s.vouchers.LockTx(ctx, tx, b.Voucher.Code)
		if err != nil {
			return nil, err
		}
		if locked.IsExpired(now) {
			return nil, fmt.Errorf("%w: voucher %s", model.ErrExpired, locked.Code)
		}
		payment.VoucherCode = locked.Code
		if err := locked.ConsumeCapacity(payment); err != nil {
			return nil, err
		}
		if err := s.vouchers.UpdateTx(ctx, tx, locked); err != nil {
			return nil, err
		}
	}
	if err := s.payments.InsertTx(ctx, tx, payment); err != nil {
		return nil, err
	}
	for _, p := range purchases {
		if err := s.purchases.UpdateStateTx(ctx, tx, p); err != nil {
			return nil, err
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	s.log.WithFields(logrus.Fields{
		"payment_id": payment.ID,
		"provider":   provider,
		"amount":     payment.Amount,
		"currency":   payment.Currency,
	}).Info("payment created")
	return payment, nil
}

// CheckOutFree settles a zero-total basket without a provider: every
// purchase is claimed and promoted straight to paid.
func (s *Service) CheckOutFree(ctx context.Context, b *Basket) error {
	total, err := b.Total()
	if err != nil {
		return err
	}
	if total != 0 {
		return fmt.Errorf("basket total %s is not free", total)
	}
	if b.UserID == nil {
		return fmt.Errorf("checkout requires a signed-in user")
	}
	ctx = repository.WithAuditTxn(ctx)
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	now := time.Now().UTC()
	for _, p := range b.Reservation() {
		if err := p.SetUser(*b.UserID, now); err != nil {
			return err
		}
		if err := p.SetState(model.PurchasePaid, now); err != nil {
			return err
		}
		if err := s.purchases.UpdateStateTx(ctx, tx, p); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// SetCurrency switches the basket and all its reserved purchases to a
// new currency. Forbidden once any purchase has moved past reserved.
func (s *Service) SetCurrency(ctx context.Context, b *Basket, currency model.Currency) error {
	if currency == b.Currency {
		return nil
	}
	ctx = repository.WithAuditTxn(ctx)
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	for _, l := range b.Lines {
		for _, p := range l.Purchases {
			if err := p.ChangeCurrency(currency); err != nil {
				return err
			}
			if err := s.purchases.UpdateStateTx(ctx, tx, p); err != nil {
				return err
			}
		}
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	b.Currency = currency
	return nil
}
