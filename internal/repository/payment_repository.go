package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/fieldworks/festops/internal/model"
)

// PaymentRepo provides data access to payments, refunds and refund
// requests. Payments are the unit of pessimistic locking for financial
// writes: mutate a payment or its purchases only after LockTx.
type PaymentRepo struct {
	db *sql.DB
}

// NewPaymentRepo returns a PaymentRepo bound to the provided database.
func NewPaymentRepo(db *sql.DB) *PaymentRepo { return &PaymentRepo{db: db} }

// DB exposes the underlying handle so callers can open transactions that
// span repositories.
func (r *PaymentRepo) DB() *sql.DB { return r.db }

// InsertTx persists a new payment and stamps its purchases with the
// payment id, inside the supplied transaction.
func (r *PaymentRepo) InsertTx(ctx context.Context, tx *sql.Tx, p *model.Payment) error {
	res, err := tx.ExecContext(ctx,
		`INSERT INTO payments
		   (user_id, provider, currency, amount_int, state, voucher_code,
		    expires, reminder_sent_at, vat_invoice_number, bankref, intent_id, charge_id, created)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.UserID, p.Provider, p.Currency, p.Amount, p.State, p.VoucherCode,
		p.Expires, p.ReminderSentAt, p.VATInvoiceNumber, p.Bankref, p.IntentID, p.ChargeID,
		p.Created)
	if err != nil {
		return err
	}
	p.ID, err = res.LastInsertId()
	if err != nil {
		return err
	}
	for _, purchase := range p.Purchases {
		purchase.PaymentID = &p.ID
		if _, err := tx.ExecContext(ctx,
			`UPDATE purchases SET payment_id = ?, modified = ? WHERE id = ?`,
			p.ID, time.Now().UTC(), purchase.ID); err != nil {
			return err
		}
		if err := recordVersion(ctx, tx, "purchases", purchase.ID, "update",
			map[string]any{"payment_id": p.ID}); err != nil {
			return err
		}
	}
	return recordVersion(ctx, tx, "payments", p.ID, "insert", map[string]any{
		"user_id":  p.UserID,
		"provider": p.Provider,
		"currency": p.Currency,
		"amount":   p.Amount,
		"state":    p.State,
	})
}

const paymentColumns = `id, user_id, provider, currency, amount_int, state, voucher_code,
       expires, reminder_sent_at, vat_invoice_number, bankref, intent_id, charge_id, created`

func scanPayment(scan func(...any) error) (*model.Payment, error) {
	p := &model.Payment{}
	err := scan(&p.ID, &p.UserID, &p.Provider, &p.Currency, &p.Amount, &p.State,
		&p.VoucherCode, &p.Expires, &p.ReminderSentAt, &p.VATInvoiceNumber,
		&p.Bankref, &p.IntentID, &p.ChargeID, &p.Created)
	return p, err
}

// LockTx loads a payment under a row lock. All payment mutations go
// through this first; the payment row lock is acquired before any
// purchase or capacity locks.
func (r *PaymentRepo) LockTx(ctx context.Context, tx *sql.Tx, id int64) (*model.Payment, error) {
	p, err := scanPayment(tx.QueryRowContext(ctx,
		`SELECT `+paymentColumns+` FROM payments WHERE id = ? FOR UPDATE`, id).Scan)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("payment %d: %w", id, ErrNotFound)
	}
	return p, err
}

// Get loads a payment without locking, for read-only paths.
func (r *PaymentRepo) Get(ctx context.Context, id int64) (*model.Payment, error) {
	p, err := scanPayment(r.db.QueryRowContext(ctx,
		`SELECT `+paymentColumns+` FROM payments WHERE id = ?`, id).Scan)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("payment %d: %w", id, ErrNotFound)
	}
	return p, err
}

// GetByIntentID finds the payment for a card processor intent.
func (r *PaymentRepo) GetByIntentID(ctx context.Context, intentID string) (*model.Payment, error) {
	p, err := scanPayment(r.db.QueryRowContext(ctx,
		`SELECT `+paymentColumns+` FROM payments WHERE intent_id = ?`, intentID).Scan)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("intent %s: %w", intentID, ErrNotFound)
	}
	return p, err
}

// UpdateTx writes a payment's mutable fields back inside the supplied
// transaction.
func (r *PaymentRepo) UpdateTx(ctx context.Context, tx *sql.Tx, p *model.Payment) error {
	res, err := tx.ExecContext(ctx,
		`UPDATE payments
		    SET currency = ?, amount_int = ?, state = ?, expires = ?,
		        reminder_sent_at = ?, vat_invoice_number = ?, intent_id = ?, charge_id = ?
		  WHERE id = ?`,
		p.Currency, p.Amount, p.State, p.Expires,
		p.ReminderSentAt, p.VATInvoiceNumber, p.IntentID, p.ChargeID,
		p.ID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("payment %d: %w", p.ID, ErrNotFound)
	}
	return recordVersion(ctx, tx, "payments", p.ID, "update", map[string]any{
		"currency":           p.Currency,
		"amount":             p.Amount,
		"state":              p.State,
		"expires":            p.Expires,
		"vat_invoice_number": p.VATInvoiceNumber,
		"intent_id":          p.IntentID,
		"charge_id":          p.ChargeID,
	})
}

// InprogressBankPayments returns all bank transfer payments awaiting
// reconciliation in the given currency, purchases not loaded.
func (r *PaymentRepo) InprogressBankPayments(ctx context.Context, currency model.Currency) ([]*model.Payment, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+paymentColumns+` FROM payments
		  WHERE provider = ? AND state = 'inprogress' AND currency = ?
		  ORDER BY id`, model.ProviderBankTransfer, currency)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*model.Payment
	for rows.Next() {
		p, err := scanPayment(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// GetByBankref finds the payment holding an exact bankref.
func (r *PaymentRepo) GetByBankref(ctx context.Context, bankref string) (*model.Payment, error) {
	p, err := scanPayment(r.db.QueryRowContext(ctx,
		`SELECT `+paymentColumns+` FROM payments WHERE bankref = ?`, bankref).Scan)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("bankref %s: %w", bankref, ErrNotFound)
	}
	return p, err
}

// GetByBankrefPrefix finds payments whose bankref starts with prefix.
// Used for truncated references on short bank statement fields.
func (r *PaymentRepo) GetByBankrefPrefix(ctx context.Context, prefix string) ([]*model.Payment, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+paymentColumns+` FROM payments WHERE bankref LIKE CONCAT(?, '%') ORDER BY id`,
		prefix)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*model.Payment
	for rows.Next() {
		p, err := scanPayment(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// ExpiredPaymentIDs returns ids of expirable payments whose deadline has
// passed, for the expiry sweep. Bank transfer payments expire from
// inprogress, card payments from new.
func (r *PaymentRepo) ExpiredPaymentIDs(ctx context.Context, now time.Time) ([]int64, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id FROM payments
		  WHERE expires IS NOT NULL AND expires < ?
		    AND ((provider = ? AND state = 'inprogress') OR (provider = ? AND state = 'new'))
		  ORDER BY id`, now, model.ProviderBankTransfer, model.ProviderCard)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ReminderDuePaymentIDs returns ids of inprogress bank transfer payments
// whose reminder window has opened and that have not yet been reminded.
func (r *PaymentRepo) ReminderDuePaymentIDs(ctx context.Context, now time.Time, before time.Duration) ([]int64, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id FROM payments
		  WHERE provider = ? AND state = 'inprogress'
		    AND reminder_sent_at IS NULL
		    AND expires IS NOT NULL AND expires < ?
		  ORDER BY id`, model.ProviderBankTransfer, now.Add(before))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// NextVATInvoiceNumberTx allocates the next VAT invoice number from a
// single-row sequence table, under lock so numbers are gapless and
// unique across concurrent settlements.
func (r *PaymentRepo) NextVATInvoiceNumberTx(ctx context.Context, tx *sql.Tx) (int, error) {
	var n int
	err := tx.QueryRowContext(ctx,
		`SELECT next_value FROM vat_invoice_sequence WHERE id = 1 FOR UPDATE`).Scan(&n)
	if err == sql.ErrNoRows {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO vat_invoice_sequence (id, next_value) VALUES (1, 2)`); err != nil {
			return 0, err
		}
		return 1, nil
	}
	if err != nil {
		return 0, err
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE vat_invoice_sequence SET next_value = next_value + 1 WHERE id = 1`); err != nil {
		return 0, err
	}
	return n, nil
}

// InsertRefundTx persists a refund row inside the supplied transaction.
func (r *PaymentRepo) InsertRefundTx(ctx context.Context, tx *sql.Tx, ref *model.Refund) error {
	res, err := tx.ExecContext(ctx,
		`INSERT INTO refunds (payment_id, provider, amount_int, external_id, timestamp)
		 VALUES (?, ?, ?, ?, ?)`,
		ref.PaymentID, ref.Provider, ref.Amount, ref.ExternalID, ref.Timestamp)
	if err != nil {
		return err
	}
	if ref.ID, err = res.LastInsertId(); err != nil {
		return err
	}
	return recordVersion(ctx, tx, "refunds", ref.ID, "insert", map[string]any{
		"payment_id":  ref.PaymentID,
		"provider":    ref.Provider,
		"amount":      ref.Amount,
		"external_id": ref.ExternalID,
	})
}

// UpdateRefundTx writes back a refund's external id once the provider
// call has completed.
func (r *PaymentRepo) UpdateRefundTx(ctx context.Context, tx *sql.Tx, ref *model.Refund) error {
	if _, err := tx.ExecContext(ctx,
		`UPDATE refunds SET external_id = ? WHERE id = ?`, ref.ExternalID, ref.ID); err != nil {
		return err
	}
	return recordVersion(ctx, tx, "refunds", ref.ID, "update",
		map[string]any{"external_id": ref.ExternalID})
}

// InsertRefundRequest queues a refund request.
func (r *PaymentRepo) InsertRefundRequest(ctx context.Context, req *model.RefundRequest) error {
	res, err := r.db.ExecContext(ctx,
		`INSERT INTO refund_requests
		   (payment_id, donation_int, currency, sort_code, account, swift_bic, iban, payee_name, note)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		req.PaymentID, req.Donation, req.Currency, req.SortCode, req.Account,
		req.SwiftBIC, req.IBAN, req.PayeeName, req.Note)
	if err != nil {
		return err
	}
	req.ID, err = res.LastInsertId()
	return err
}

// GetRefundRequest loads a queued refund request.
func (r *PaymentRepo) GetRefundRequest(ctx context.Context, id int64) (*model.RefundRequest, error) {
	req := &model.RefundRequest{}
	err := r.db.QueryRowContext(ctx,
		`SELECT id, payment_id, donation_int, currency, sort_code, account,
		        swift_bic, iban, payee_name, note
		   FROM refund_requests WHERE id = ?`, id).Scan(
		&req.ID, &req.PaymentID, &req.Donation, &req.Currency, &req.SortCode,
		&req.Account, &req.SwiftBIC, &req.IBAN, &req.PayeeName, &req.Note)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("refund request %d: %w", id, ErrNotFound)
	}
	return req, err
}

// DeleteRefundRequestTx removes a request once it has been processed.
func (r *PaymentRepo) DeleteRefundRequestTx(ctx context.Context, tx *sql.Tx, id int64) error {
	_, err := tx.ExecContext(ctx, `DELETE FROM refund_requests WHERE id = ?`, id)
	return err
}
