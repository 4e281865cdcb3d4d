package payments

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/fieldworks/festops/internal/mail"
	"github.com/fieldworks/festops/internal/model"
	"github.com/fieldworks/festops/internal/repository"
)

// RefundEngine processes queued refund requests. It is separate from
// Service because it holds the provider client and mailer, and because
// its commit discipline differs: state is committed before the external
// provider call so a crash or webhook race cannot double-refund.
type RefundEngine struct {
	svc    *Service
	users  *repository.UserRepo
	mailer mail.Sender
	log    *logrus.Entry
}

// NewRefundEngine wires the refund engine over an existing payment
// service. mailer may be nil; the notification is then skipped.
func NewRefundEngine(svc *Service, users *repository.UserRepo, mailer mail.Sender) *RefundEngine {
	return &RefundEngine{
		svc:    svc,
		users:  users,
		mailer: mailer,
		log:    logrus.WithField("component", "refunds"),
	}
}

// HandleRefundRequest automates one queued request end to end. Only card
// payments can be automated; anything else needs an operator and raises
// ManualRefundRequired, as does a request carrying a note.
func (e *RefundEngine) HandleRefundRequest(ctx context.Context, requestID int64) error {
	s := e.svc
	req, err := s.payments.GetRefundRequest(ctx, requestID)
	if err != nil {
		return err
	}
	payment, err := s.payments.Get(ctx, req.PaymentID)
	if err != nil {
		return err
	}
	if payment.Provider != model.ProviderCard {
		return fmt.Errorf("%w: %s payments are refunded by hand", model.ErrManualRefundRequired, payment.Provider)
	}
	if req.Note != "" {
		return fmt.Errorf("%w: request %d carries a note", model.ErrManualRefundRequired, req.ID)
	}
	if !payment.IsRefundable() {
		return fmt.Errorf("%w: cannot refund %s payment %d", model.ErrInvalidTransition, payment.State, payment.ID)
	}
	// A malformed request must fail before the state change, or the
	// payment is stranded in refunding with nothing to retry.
	refundAmount, err := req.RefundAmount(payment)
	if err != nil {
		return err
	}

	// Move to refunding and commit before touching the provider, so a
	// concurrent charge.refunded webhook sees the transition.
	if err := e.markRefunding(ctx, payment.ID); err != nil {
		return err
	}

	var externalID string
	if refundAmount > 0 {
		externalID, err = s.card.CreateRefund(ctx, payment.ChargeID, refundAmount, payment.Currency)
		if err != nil {
			return fmt.Errorf("%w: %v", model.ErrRefundFailed, err)
		}
	}
	if err := e.finishRefund(ctx, req, refundAmount, externalID); err != nil {
		return err
	}
	e.notify(ctx, payment, refundAmount)
	return nil
}

func (e *RefundEngine) markRefunding(ctx context.Context, paymentID int64) error {
	s := e.svc
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
	if err := payment.SetState(model.PaymentRefunding); err != nil {
		return err
	}
	if err := s.payments.UpdateTx(ctx, tx, payment); err != nil {
		return err
	}
	return tx.Commit()
}

// finishRefund books the refund row, cascades to the purchases and moves
// the payment to refunded, deleting the request on the same commit.
func (e *RefundEngine) finishRefund(ctx context.Context, req *model.RefundRequest, amount model.Money, externalID string) error {
	s := e.svc
	ctx = repository.WithAuditTxn(ctx)
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	payment, err := s.payments.LockTx(ctx, tx, req.PaymentID)
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
		PaymentID:  payment.ID,
		Provider:   payment.Provider,
		Amount:     amount,
		ExternalID: externalID,
		Timestamp:  now,
	}
	if err := s.payments.InsertRefundTx(ctx, tx, refund); err != nil {
		return err
	}
	for _, p := range loaded {
		if p.State == model.PurchaseRefunded {
			continue
		}
		if err := p.Refund(refund.ID, now); err != nil {
			return err
		}
		if err := s.purchases.UpdateStateTx(ctx, tx, p); err != nil {
			return err
		}
		if err := s.catalog.ReturnCapacityTx(ctx, tx, p.Tier.ID, 1); err != nil {
			return err
		}
	}
	if err := payment.SetState(model.PaymentRefunded); err != nil {
		return err
	}
	if err := s.payments.UpdateTx(ctx, tx, payment); err != nil {
		return err
	}
	if err := s.payments.DeleteRefundRequestTx(ctx, tx, req.ID); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	e.log.WithFields(logrus.Fields{
		"payment_id": payment.ID,
		"amount":     amount,
		"donation":   req.Donation,
	}).Info("refund completed")
	return nil
}

// RefundPurchases refunds a chosen subset of a payment's purchases
// through the provider. The payment becomes partrefunded when paid
// purchases remain, refunded when none do. Same commit discipline as
// the request path: the refund row is committed before the provider
// call, so no row lock is ever held across the HTTP round trip and a
// crash mid-call leaves a traceable row.
func (e *RefundEngine) RefundPurchases(ctx context.Context, paymentID int64, purchaseIDs []int64) error {
	s := e.svc
	payment, err := s.payments.Get(ctx, paymentID)
	if err != nil {
		return err
	}
	if payment.Provider != model.ProviderCard {
		return fmt.Errorf("%w: %s payments are refunded by hand", model.ErrManualRefundRequired, payment.Provider)
	}
	if !payment.IsRefundable() {
		return fmt.Errorf("%w: cannot refund %s payment %d", model.ErrInvalidTransition, payment.State, payment.ID)
	}
	if len(purchaseIDs) == 0 {
		return fmt.Errorf("no purchases selected on payment %d", paymentID)
	}
	if err := e.markRefunding(ctx, payment.ID); err != nil {
		return err
	}

	refund, remaining, err := e.bookPartialRefund(ctx, paymentID, purchaseIDs)
	if err != nil {
		return err
	}
	externalID, err := s.card.CreateRefund(ctx, payment.ChargeID, refund.Amount, payment.Currency)
	if err != nil {
		return fmt.Errorf("%w: %v", model.ErrRefundFailed, err)
	}
	final := model.PaymentRefunded
	if remaining > 0 {
		final = model.PaymentPartRefunded
	}
	if err := e.settlePartialRefund(ctx, refund, purchaseIDs, externalID, final); err != nil {
		return err
	}
	e.log.WithFields(logrus.Fields{
		"payment_id": paymentID,
		"purchases":  len(purchaseIDs),
		"amount":     refund.Amount,
		"state":      final,
	}).Info("partial refund completed")
	return nil
}

// bookPartialRefund validates the selection and commits the refund row,
// amount summed from the chosen purchases' prices. Returns the booked
// refund and how many paid purchases are left outside the selection.
func (e *RefundEngine) bookPartialRefund(ctx context.Context, paymentID int64, purchaseIDs []int64) (*model.Refund, int, error) {
	s := e.svc
	ctx = repository.WithAuditTxn(ctx)
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, 0, err
	}
	defer tx.Rollback()
	payment, err := s.payments.LockTx(ctx, tx, paymentID)
	if err != nil {
		return nil, 0, err
	}
	loaded, err := s.purchases.GetByPaymentTx(ctx, tx, s.catalog, payment.ID)
	if err != nil {
		return nil, 0, err
	}

	chosen := map[int64]bool{}
	for _, id := range purchaseIDs {
		chosen[id] = true
	}
	var amount model.Money
	matched := 0
	remaining := 0
	for _, p := range loaded {
		if chosen[p.ID] {
			matched++
			amount += p.Price.Value
		} else if p.State == model.PurchasePaid {
			remaining++
		}
	}
	if matched == 0 {
		return nil, 0, fmt.Errorf("no refundable purchases selected on payment %d", paymentID)
	}
	refund := &model.Refund{
		PaymentID: payment.ID,
		Provider:  payment.Provider,
		Amount:    amount,
		Timestamp: time.Now().UTC(),
	}
	if err := s.payments.InsertRefundTx(ctx, tx, refund); err != nil {
		return nil, 0, err
	}
	return refund, remaining, tx.Commit()
}

// settlePartialRefund writes the provider's reference back onto the
// booked refund, cascades to the chosen purchases and moves the payment
// to its final state, all on one commit.
func (e *RefundEngine) settlePartialRefund(ctx context.Context, refund *model.Refund, purchaseIDs []int64, externalID, final string) error {
	s := e.svc
	ctx = repository.WithAuditTxn(ctx)
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	payment, err := s.payments.LockTx(ctx, tx, refund.PaymentID)
	if err != nil {
		return err
	}
	loaded, err := s.purchases.GetByPaymentTx(ctx, tx, s.catalog, payment.ID)
	if err != nil {
		return err
	}

	refund.ExternalID = externalID
	if err := s.payments.UpdateRefundTx(ctx, tx, refund); err != nil {
		return err
	}
	chosen := map[int64]bool{}
	for _, id := range purchaseIDs {
		chosen[id] = true
	}
	now := time.Now().UTC()
	for _, p := range loaded {
		if !chosen[p.ID] || p.State == model.PurchaseRefunded {
			continue
		}
		if err := p.Refund(refund.ID, now); err != nil {
			return err
		}
		if err := s.purchases.UpdateStateTx(ctx, tx, p); err != nil {
			return err
		}
		if err := s.catalog.ReturnCapacityTx(ctx, tx, p.Tier.ID, 1); err != nil {
			return err
		}
	}
	if err := payment.SetState(final); err != nil {
		return err
	}
	if err := s.payments.UpdateTx(ctx, tx, payment); err != nil {
		return err
	}
	return tx.Commit()
}

func (e *RefundEngine) notify(ctx context.Context, payment *model.Payment, amount model.Money) {
	if e.mailer == nil {
		return
	}
	user, err := e.users.Get(ctx, payment.UserID)
	if err != nil {
		e.log.WithError(err).Warn("refund notification skipped")
		return
	}
	body := fmt.Sprintf("We have refunded %s %s against order %s.",
		payment.Currency, amount, payment.OrderNumber(e.svc.eventYear))
	if err := e.mailer.Send(ctx, user.Email, "Your refund has been processed", body); err != nil {
		e.log.WithError(err).Warn("refund notification failed")
	}
}
