package payments

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fieldworks/festops/internal/model"
	"github.com/fieldworks/festops/internal/repository"
)

// Card processor webhook event types we act on. Anything else no-ops.
const (
	EventIntentSucceeded = "payment_intent.succeeded"
	EventIntentFailed    = "payment_intent.payment_failed"
	EventIntentCanceled  = "payment_intent.canceled"
	EventChargeRefunded  = "charge.refunded"
)

// HandleCardWebhook dispatches a processor event against the payment
// holding its intent. The payment row lock serialises handlers, so
// events replayed or delivered out of order re-read state and no-op on
// terminal states rather than conflicting.
func (s *Service) HandleCardWebhook(ctx context.Context, eventType, intentID, chargeID string) error {
	payment, err := s.payments.GetByIntentID(ctx, intentID)
	if err != nil {
		return err
	}
	switch eventType {
	case EventIntentSucceeded:
		return s.cardIntentSucceeded(ctx, payment.ID, chargeID)
	case EventIntentFailed, EventIntentCanceled:
		return s.cardIntentFailed(ctx, payment.ID)
	case EventChargeRefunded:
		return s.cardChargeRefunded(ctx, payment.ID)
	default:
		// Unknown event types are acknowledged upstream without action.
		return nil
	}
}

// cardIntentSucceeded walks the charge lifecycle to paid. It records the
// charge id, then settles via MarkPaid. A payment already paid is a
// no-op; a payment in a state the lifecycle cannot reach paid from is an
// update conflict the processor must be told about.
func (s *Service) cardIntentSucceeded(ctx context.Context, paymentID int64, chargeID string) error {
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
	switch payment.State {
	case model.PaymentPaid:
		return nil
	case model.PaymentNew, model.PaymentCharging:
		// expected
	default:
		return fmt.Errorf("%w: intent succeeded for %s payment %d",
			model.ErrUpdateConflict, payment.State, payment.ID)
	}
	if err := payment.SetState(model.PaymentCharging); err != nil {
		return fmt.Errorf("%w: %v", model.ErrUpdateConflict, err)
	}
	if err := payment.SetState(model.PaymentCharged); err != nil {
		return fmt.Errorf("%w: %v", model.ErrUpdateConflict, err)
	}
	payment.ChargeID = chargeID
	if err := s.payments.UpdateTx(ctx, tx, payment); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	_, err = s.MarkPaid(ctx, paymentID)
	if errors.Is(err, model.ErrInvalidTransition) {
		// Another handler won the race between our commit and MarkPaid.
		return nil
	}
	return err
}

// cardIntentFailed cancels the payment and frees its capacity. Already
// terminal payments no-op.
func (s *Service) cardIntentFailed(ctx context.Context, paymentID int64) error {
	payment, err := s.payments.Get(ctx, paymentID)
	if err != nil {
		return err
	}
	switch payment.State {
	case model.PaymentCancelled, model.PaymentRefunded:
		return nil
	case model.PaymentPaid:
		return fmt.Errorf("%w: intent failed for paid payment %d",
			model.ErrUpdateConflict, payment.ID)
	}
	return s.Cancel(ctx, paymentID)
}

// cardChargeRefunded re-enters the refunded state idempotently: the
// processor sends charge.refunded both for refunds we initiated and for
// ones raised in its dashboard.
func (s *Service) cardChargeRefunded(ctx context.Context, paymentID int64) error {
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
	switch payment.State {
	case model.PaymentRefunded, model.PaymentCancelled:
		return nil
	}
	if !payment.IsRefundable() {
		return fmt.Errorf("%w: charge refunded for %s payment %d",
			model.ErrUpdateUnexpected, payment.State, payment.ID)
	}
	loaded, err := s.purchases.GetByPaymentTx(ctx, tx, s.catalog, payment.ID)
	if err != nil {
		return err
	}
	payment.Purchases = loaded

	now := time.Now().UTC()
	refund := &model.Refund{
		PaymentID: payment.ID,
		Provider:  model.ProviderCard,
		Amount:    payment.Amount,
		Timestamp: now,
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
		return fmt.Errorf("%w: %v", model.ErrUpdateUnexpected, err)
	}
	if err := s.payments.UpdateTx(ctx, tx, payment); err != nil {
		return err
	}
	return tx.Commit()
}
