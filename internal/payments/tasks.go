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

// Reservation sweep graces. A basket reservation never attached to a
// payment dies after an hour regardless of payment method; the
// provider-specific windows only apply once a payment carries its own
// expiry. Admin-reserved purchases are held open long enough for the
// buyer to complete an assisted sale.
const (
	ReservedTTL      = 1 * time.Hour
	AdminReservedTTL = 3 * 24 * time.Hour
)

// ExpireSweep cancels payments past their expiry and reserved purchases
// never attached to a payment. Each victim is handled in its own
// transaction; one failure does not stop the sweep.
func (s *Service) ExpireSweep(ctx context.Context) error {
	now := time.Now().UTC()
	ids, err := s.payments.ExpiredPaymentIDs(ctx, now)
	if err != nil {
		return err
	}
	var failed int
	for _, id := range ids {
		if err := s.Cancel(ctx, id); err != nil {
			failed++
			s.log.WithError(err).WithField("payment_id", id).Warn("expiry sweep: cancel failed")
		}
	}

	ctx = repository.WithAuditTxn(ctx)
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	swept, err := s.purchases.ExpireReservedTx(ctx, tx, s.catalog, now.Add(-ReservedTTL), now.Add(-AdminReservedTTL))
	if err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	s.log.WithFields(logrus.Fields{
		"payments_expired":   len(ids) - failed,
		"reservations_swept": swept,
	}).Info("expiry sweep complete")
	if failed > 0 {
		return fmt.Errorf("expiry sweep: %d of %d payments failed", failed, len(ids))
	}
	return nil
}

// ReminderSweep mails buyers whose bank transfer is approaching its
// expiry. Idempotent via reminder_sent_at, stamped in the same
// transaction that records the send.
func (s *Service) ReminderSweep(ctx context.Context, users *repository.UserRepo, mailer mail.Sender) error {
	now := time.Now().UTC()
	ids, err := s.payments.ReminderDuePaymentIDs(ctx, now, ReminderBefore)
	if err != nil {
		return err
	}
	for _, id := range ids {
		if err := s.sendReminder(ctx, users, mailer, id, now); err != nil {
			s.log.WithError(err).WithField("payment_id", id).Warn("reminder not sent")
		}
	}
	return nil
}

func (s *Service) sendReminder(ctx context.Context, users *repository.UserRepo, mailer mail.Sender, paymentID int64, now time.Time) error {
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
	if payment.ReminderSentAt != nil || payment.State != model.PaymentInProgress {
		return nil
	}
	user, err := users.Get(ctx, payment.UserID)
	if err != nil {
		return err
	}
	ref, err := payment.CustomerReference()
	if err != nil {
		return err
	}
	body := fmt.Sprintf(
		"We have not yet received your transfer of %s %s for order %s.\n"+
			"Please quote reference %s. The reservation expires on %s.",
		payment.Currency, payment.Amount, payment.OrderNumber(s.eventYear),
		ref, payment.Expires.Format("2 January 2006"))
	if err := mailer.Send(ctx, user.Email, "Your payment is due", body); err != nil {
		return err
	}
	payment.ReminderSentAt = &now
	if err := s.payments.UpdateTx(ctx, tx, payment); err != nil {
		return err
	}
	return tx.Commit()
}
