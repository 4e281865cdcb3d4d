package reconcile

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/fieldworks/festops/internal/model"
	"github.com/fieldworks/festops/internal/payments"
	"github.com/fieldworks/festops/internal/repository"
)

// Reconciler works through the outstanding transaction queue after each
// statement import. Failures are logged per transaction and never stop
// the batch; whatever stays unmatched is retried on the next run.
type Reconciler struct {
	bank     *repository.BankRepo
	payRepo  *repository.PaymentRepo
	users    *repository.UserRepo
	payments *payments.Service
	log      *logrus.Entry
}

// NewReconciler wires a reconciler over the shared repositories and the
// payment service that performs settlement.
func NewReconciler(bank *repository.BankRepo, payRepo *repository.PaymentRepo,
	users *repository.UserRepo, svc *payments.Service) *Reconciler {
	return &Reconciler{
		bank:     bank,
		payRepo:  payRepo,
		users:    users,
		payments: svc,
		log:      logrus.WithField("component", "reconcile"),
	}
}

// Run processes every outstanding transaction once. It returns the
// number matched.
func (r *Reconciler) Run(ctx context.Context) (int, error) {
	txns, err := r.bank.OutstandingTransactions(ctx)
	if err != nil {
		return 0, err
	}
	matched := 0
	for _, txn := range txns {
		ok, err := r.Match(ctx, txn)
		if err != nil {
			r.log.WithError(err).WithFields(logrus.Fields{
				"txn_id": txn.ID,
				"payee":  txn.Payee,
			}).Warn("reconcile failed")
			continue
		}
		if ok {
			matched++
		}
	}
	r.log.WithFields(logrus.Fields{
		"outstanding": len(txns),
		"matched":     matched,
	}).Info("reconcile run complete")
	return matched, nil
}

// Match attempts to auto-match one transaction. Only a reference
// extracted from the payee, resolving to exactly one inprogress payment
// with equal amount and currency, triggers settlement.
func (r *Reconciler) Match(ctx context.Context, txn *model.BankTransaction) (bool, error) {
	ref, ok := ExtractReference(txn.Payee)
	if !ok {
		return false, nil
	}
	payment, err := r.resolve(ctx, ref)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	if payment == nil {
		return false, nil
	}
	if payment.State != model.PaymentInProgress {
		return false, nil
	}
	if txn.Amount != payment.Amount || txn.Currency != payment.Currency {
		r.log.WithFields(logrus.Fields{
			"txn_id":     txn.ID,
			"payment_id": payment.ID,
			"txn_amount": txn.Amount,
			"expected":   payment.Amount,
		}).Warn("reference matched but amount or currency differ")
		return false, nil
	}
	return true, r.settle(ctx, txn, payment)
}

// resolve turns an extracted reference into at most one payment. Prefix
// references that hit more than one payment are ambiguous and left for
// the admin UI.
func (r *Reconciler) resolve(ctx context.Context, ref Reference) (*model.Payment, error) {
	if ref.Exact {
		return r.payRepo.GetByBankref(ctx, ref.Ref)
	}
	candidates, err := r.payRepo.GetByBankrefPrefix(ctx, ref.Ref)
	if err != nil {
		return nil, err
	}
	if len(candidates) != 1 {
		return nil, nil
	}
	return candidates[0], nil
}

// settle links the transaction and settles the payment. The link commits
// first so a crash between the two leaves an already-matched transaction
// rather than a double settlement path.
func (r *Reconciler) settle(ctx context.Context, txn *model.BankTransaction, payment *model.Payment) error {
	ctx = repository.WithAuditTxn(ctx)
	tx, err := r.payRepo.DB().BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := r.bank.LinkPaymentTx(ctx, tx, txn.ID, payment.ID); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	if _, err := r.payments.MarkPaid(ctx, payment.ID); err != nil {
		return err
	}
	r.log.WithFields(logrus.Fields{
		"txn_id":     txn.ID,
		"payment_id": payment.ID,
		"bankref":    model.FormatBankref(payment.Bankref),
	}).Info("transaction reconciled")
	return nil
}

// LinkManual settles a transaction against an operator-chosen payment,
// bypassing reference extraction. Amount and currency must still agree.
func (r *Reconciler) LinkManual(ctx context.Context, txnID, paymentID int64) error {
	txn, err := r.bank.GetTransaction(ctx, txnID)
	if err != nil {
		return err
	}
	payment, err := r.payRepo.Get(ctx, paymentID)
	if err != nil {
		return err
	}
	if payment.State != model.PaymentInProgress {
		return fmt.Errorf("%w: payment %d is %s", model.ErrInvalidTransition, payment.ID, payment.State)
	}
	if txn.Amount != payment.Amount || txn.Currency != payment.Currency {
		return fmt.Errorf("%w: amount or currency differ", model.ErrUpdateConflict)
	}
	return r.settle(ctx, txn, payment)
}

// SuggestFor builds the admin suggestion list for one transaction:
// every inprogress bank payment in the transaction's currency, scored
// and truncated to the top candidates.
func (r *Reconciler) SuggestFor(ctx context.Context, txn *model.BankTransaction) ([]Candidate, error) {
	candidates, err := r.payRepo.InprogressBankPayments(ctx, txn.Currency)
	if err != nil {
		return nil, err
	}
	names := map[int64]string{}
	for _, p := range candidates {
		if _, ok := names[p.UserID]; ok {
			continue
		}
		user, err := r.users.Get(ctx, p.UserID)
		if err != nil {
			names[p.UserID] = ""
			continue
		}
		names[p.UserID] = user.Name
	}
	return Suggest(txn, candidates, names), nil
}

// IsSettlementSweep reports whether a payee looks like the provider's
// own settlement movement rather than a customer payment. Operators
// suppress these so they stop appearing as outstanding.
func IsSettlementSweep(payee string) bool {
	p := strings.ToUpper(payee)
	return strings.Contains(p, "SWEEP") || strings.Contains(p, "SETTLEMENT")
}
