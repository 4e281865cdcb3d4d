// Package payments drives the payment lifecycle: provider checkout,
// webhook-driven transitions, refunds and the scheduled sweeps. Every
// transition locks the payment row first, then its purchases, then any
// capacity chain, so providers and sweeps serialise per payment.
package payments

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/fieldworks/festops/internal/model"
	"github.com/fieldworks/festops/internal/repository"
)

// Expiry windows. Card payments are abandoned quickly; bank transfers
// wait for money to clear.
const (
	CardExpiry         = 1 * time.Hour
	BankTransferExpiry = 3 * 24 * time.Hour
	ReminderBefore     = 5 * 24 * time.Hour
)

// bankrefAttempts bounds collision retries when minting a bankref. The
// keyspace is 24^8 so more than one retry is already remarkable.
const bankrefAttempts = 10

// Publisher emits settlement events to downstream consumers. A nil
// publisher is allowed; events are then skipped.
type Publisher interface {
	PublishPaymentPaid(ctx context.Context, payment *model.Payment) error
}

// CardProvider is the slice of the card processor API the service needs.
type CardProvider interface {
	CreateRefund(ctx context.Context, chargeID string, amount model.Money, currency model.Currency) (string, error)
}

// Service owns payment transitions.
type Service struct {
	db        *sql.DB
	catalog   *repository.CatalogRepo
	purchases *repository.PurchaseRepo
	payments  *repository.PaymentRepo
	vouchers  *repository.VoucherRepo
	publisher Publisher
	card      CardProvider
	rng       *rand.Rand
	eventYear int
	log       *logrus.Entry
}

// NewService wires a payment service over the shared repositories.
func NewService(db *sql.DB, catalog *repository.CatalogRepo, purchases *repository.PurchaseRepo,
	payments *repository.PaymentRepo, vouchers *repository.VoucherRepo,
	publisher Publisher, card CardProvider, rng *rand.Rand, eventYear int) *Service {
	return &Service{
		db:        db,
		catalog:   catalog,
		purchases: purchases,
		payments:  payments,
		vouchers:  vouchers,
		publisher: publisher,
		card:      card,
		rng:       rng,
		eventYear: eventYear,
		log:       logrus.WithField("component", "payments"),
	}
}

// StartBankTransfer begins a bank transfer payment: it mints a unique
// bankref, stamps the expiry, moves the payment to inprogress and every
// purchase to payment-pending. The caller shows the buyer the bankref
// and account details.
func (s *Service) StartBankTransfer(ctx context.Context, paymentID int64) (*model.Payment, error) {
	ctx = repository.WithAuditTxn(ctx)
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	payment, err := s.payments.LockTx(ctx, tx, paymentID)
	if err != nil {
		return nil, err
	}
	if payment.Provider != model.ProviderBankTransfer {
		return nil, fmt.Errorf("payment %d is not a bank transfer", paymentID)
	}
	if err := payment.SetState(model.PaymentInProgress); err != nil {
		return nil, err
	}
	bankref, err := s.mintBankref(ctx)
	if err != nil {
		return nil, err
	}
	payment.Bankref = bankref
	now := time.Now().UTC()
	expires := now.Add(BankTransferExpiry)
	payment.Expires = &expires

	if _, err := tx.ExecContext(ctx,
		`UPDATE payments SET state = ?, bankref = ?, expires = ? WHERE id = ?`,
		payment.State, payment.Bankref, payment.Expires, payment.ID); err != nil {
		return nil, err
	}
	if err := s.markPurchasesPendingTx(ctx, tx, payment, now); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	s.log.WithFields(logrus.Fields{
		"payment_id": payment.ID,
		"bankref":    model.FormatBankref(payment.Bankref),
	}).Info("bank transfer started")
	return payment, nil
}

// StartCardPayment records the processor intent id, stamps the shorter
// card expiry and moves every purchase to payment-pending. The payment
// itself stays new until the first webhook.
func (s *Service) StartCardPayment(ctx context.Context, paymentID int64, intentID string) (*model.Payment, error) {
	ctx = repository.WithAuditTxn(ctx)
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	payment, err := s.payments.LockTx(ctx, tx, paymentID)
	if err != nil {
		return nil, err
	}
	if payment.Provider != model.ProviderCard {
		return nil, fmt.Errorf("payment %d is not a card payment", paymentID)
	}
	payment.IntentID = intentID
	now := time.Now().UTC()
	expires := now.Add(CardExpiry)
	payment.Expires = &expires
	if _, err := tx.ExecContext(ctx,
		`UPDATE payments SET intent_id = ?, expires = ? WHERE id = ?`,
		payment.IntentID, payment.Expires, payment.ID); err != nil {
		return nil, err
	}
	if err := s.markPurchasesPendingTx(ctx, tx, payment, now); err != nil {
		return nil, err
	}
	return payment, tx.Commit()
}

func (s *Service) markPurchasesPendingTx(ctx context.Context, tx *sql.Tx, payment *model.Payment, now time.Time) error {
	loaded, err := s.purchases.GetByPaymentTx(ctx, tx, s.catalog, payment.ID)
	if err != nil {
		return err
	}
	payment.Purchases = loaded
	for _, p := range loaded {
		if err := p.SetState(model.PurchasePaymentPending, now); err != nil {
			return err
		}
		if err := s.purchases.UpdateStateTx(ctx, tx, p); err != nil {
			return err
		}
	}
	return nil
}

// mintBankref draws bankrefs until one is unused. Collisions are
// astronomically unlikely but cheap to rule out.
func (s *Service) mintBankref(ctx context.Context) (string, error) {
	for i := 0; i < bankrefAttempts; i++ {
		ref := model.NewBankref(s.rng)
		_, err := s.payments.GetByBankref(ctx, ref)
		if err == nil {
			continue
		}
		if errors.Is(err, repository.ErrNotFound) {
			return ref, nil
		}
		return "", err
	}
	return "", fmt.Errorf("could not mint a unique bankref in %d attempts", bankrefAttempts)
}

// MarkPaid settles a payment: child purchases go to paid, a VAT invoice
// number is allocated if not already issued, and a paid event is
// published after commit. Used by the reconciler and the card webhook.
func (s *Service) MarkPaid(ctx context.Context, paymentID int64) (*model.Payment, error) {
	ctx = repository.WithAuditTxn(ctx)
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	payment, err := s.payments.LockTx(ctx, tx, paymentID)
	if err != nil {
		return nil, err
	}
	loaded, err := s.purchases.GetByPaymentTx(ctx, tx, s.catalog, payment.ID)
	if err != nil {
		return nil, err
	}
	payment.Purchases = loaded

	now := time.Now().UTC()
	if err := payment.Paid(now); err != nil {
		return nil, err
	}
	if payment.VATInvoiceNumber == nil {
		n, err := s.payments.NextVATInvoiceNumberTx(ctx, tx)
		if err != nil {
			return nil, err
		}
		payment.VATInvoiceNumber = &n
	}
	if err := s.payments.UpdateTx(ctx, tx, payment); err != nil {
		return nil, err
	}
	for _, p := range loaded {
		if err := s.purchases.UpdateStateTx(ctx, tx, p); err != nil {
			return nil, err
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	s.log.WithFields(logrus.Fields{
		"payment_id": payment.ID,
		"order":      payment.OrderNumber(s.eventYear),
		"amount":     payment.Amount,
		"currency":   payment.Currency,
	}).Info("payment settled")
	if s.publisher != nil {
		if err := s.publisher.PublishPaymentPaid(ctx, payment); err != nil {
			s.log.WithError(err).Warn("paid event not published")
		}
	}
	return payment, nil
}

// Cancel unwinds a payment: purchases are cancelled, their capacity
// returned, and any voucher capacity restored.
func (s *Service) Cancel(ctx context.Context, paymentID int64) error {
	ctx = repository.WithAuditTxn(ctx)
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	payment, err := s.payments.LockTx(ctx, tx, paymentID)
	if err != nil {
		return err
	}
	loaded, err := s.purchases.GetByPaymentTx(ctx, tx, s.catalog, payment.ID)
	if err != nil {
		return err
	}
	payment.Purchases = loaded

	now := time.Now().UTC()
	if err := payment.Cancel(now); err != nil {
		return err
	}
	if err := s.payments.UpdateTx(ctx, tx, payment); err != nil {
		return err
	}
	for _, p := range loaded {
		if err := s.purchases.UpdateStateTx(ctx, tx, p); err != nil {
			return err
		}
		if err := s.catalog.ReturnCapacityTx(ctx, tx, p.Tier.ID, 1); err != nil {
			return err
		}
	}
	if payment.VoucherCode != "" {
		voucher, err := s.vouchers.LockTx(ctx, tx, payment.VoucherCode)
		if err != nil {
			return err
		}
		voucher.ReturnCapacity(payment)
		if err := s.vouchers.UpdateTx(ctx, tx, voucher); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	s.log.WithField("payment_id", payment.ID).Info("payment cancelled")
	return nil
}

// ManualRefund books a full refund taken outside any provider, for bank
// transfer payments refunded by hand.
func (s *Service) ManualRefund(ctx context.Context, paymentID int64) error {
	ctx = repository.WithAuditTxn(ctx)
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	payment, err := s.payments.LockTx(ctx, tx, paymentID)
	if err != nil {
		return err
	}
	loaded, err := s.purchases.GetByPaymentTx(ctx, tx, s.catalog, payment.ID)
	if err != nil {
		return err
	}
	payment.Purchases = loaded

	now := time.Now().UTC()
	refund := &model.Refund{
		PaymentID: payment.ID,
		Provider:  payment.Provider,
		Amount:    payment.Amount,
		Timestamp: now,
	}
	if err := s.payments.InsertRefundTx(ctx, tx, refund); err != nil {
		return err
	}
	if err := payment.ManualRefund(refund, now); err != nil {
		return err
	}
	if err := s.payments.UpdateTx(ctx, tx, payment); err != nil {
		return err
	}
	for _, p := range loaded {
		if err := s.purchases.UpdateStateTx(ctx, tx, p); err != nil {
			return err
		}
		if err := s.catalog.ReturnCapacityTx(ctx, tx, p.Tier.ID, 1); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	s.log.WithFields(logrus.Fields{
		"payment_id": payment.ID,
		"amount":     refund.Amount,
	}).Info("manual refund booked")
	return nil
}
