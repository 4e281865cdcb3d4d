package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/fieldworks/festops/internal/model"
)

// BankRepo provides data access to bank accounts and the transaction
// ledger the reconciler works against.
type BankRepo struct {
	db *sql.DB
}

// NewBankRepo returns a BankRepo bound to the provided database.
func NewBankRepo(db *sql.DB) *BankRepo { return &BankRepo{db: db} }

const accountColumns = `id, sort_code, acct_id, currency, active, payee_name,
       institution, address, swift, iban, balance_id`

func scanAccount(scan func(...any) error) (*model.BankAccount, error) {
	a := &model.BankAccount{}
	err := scan(&a.ID, &a.SortCode, &a.AcctID, &a.Currency, &a.Active, &a.PayeeName,
		&a.Institution, &a.Address, &a.Swift, &a.IBAN, &a.BalanceID)
	return a, err
}

// GetAccount finds a receiving account by sort code and account id.
func (r *BankRepo) GetAccount(ctx context.Context, sortCode, acctID string) (*model.BankAccount, error) {
	a, err := scanAccount(r.db.QueryRowContext(ctx,
		`SELECT `+accountColumns+` FROM bank_accounts WHERE sort_code = ? AND acct_id = ?`,
		sortCode, acctID).Scan)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("account %s %s: %w", sortCode, acctID, ErrNotFound)
	}
	return a, err
}

// GetAccountByBalanceID finds an account synced over the international
// transfer provider's REST API.
func (r *BankRepo) GetAccountByBalanceID(ctx context.Context, balanceID int64, currency model.Currency) (*model.BankAccount, error) {
	a, err := scanAccount(r.db.QueryRowContext(ctx,
		`SELECT `+accountColumns+` FROM bank_accounts WHERE balance_id = ? AND currency = ?`,
		balanceID, currency).Scan)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("balance %d %s: %w", balanceID, currency, ErrNotFound)
	}
	return a, err
}

// ActiveAccounts lists the accounts currently accepting transfers.
func (r *BankRepo) ActiveAccounts(ctx context.Context) ([]*model.BankAccount, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+accountColumns+` FROM bank_accounts WHERE active = 1 ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*model.BankAccount
	for rows.Next() {
		a, err := scanAccount(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

const txnColumns = `id, account_id, posted, type, amount_int, currency, payee,
       fit_id, statement_id, payment_id, suppressed`

func scanTxn(scan func(...any) error) (*model.BankTransaction, error) {
	t := &model.BankTransaction{}
	err := scan(&t.ID, &t.AccountID, &t.Posted, &t.Type, &t.Amount, &t.Currency,
		&t.Payee, &t.FitID, &t.StatementID, &t.PaymentID, &t.Suppressed)
	return t, err
}

// InsertTransaction appends a ledger row unless an identical one exists.
// Dedup is on the full (account, posted, type, amount, payee, fit id)
// tuple because fit ids have been seen to change between feed pulls. It
// reports whether a row was actually inserted.
func (r *BankRepo) InsertTransaction(ctx context.Context, t *model.BankTransaction) (bool, error) {
	var existing int64
	err := r.db.QueryRowContext(ctx,
		`SELECT id FROM bank_transactions
		  WHERE account_id = ? AND posted = ? AND type = ? AND amount_int = ?
		    AND payee = ? AND fit_id = ?`,
		t.AccountID, t.Posted, t.Type, t.Amount, t.Payee, t.FitID).Scan(&existing)
	if err == nil {
		t.ID = existing
		return false, nil
	}
	if err != sql.ErrNoRows {
		return false, err
	}
	res, err := r.db.ExecContext(ctx,
		`INSERT INTO bank_transactions
		   (account_id, posted, type, amount_int, currency, payee, fit_id,
		    statement_id, payment_id, suppressed)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.AccountID, t.Posted, t.Type, t.Amount, t.Currency, t.Payee, t.FitID,
		t.StatementID, t.PaymentID, t.Suppressed)
	if err != nil {
		return false, err
	}
	t.ID, err = res.LastInsertId()
	return err == nil, err
}

// HasStatementTransaction reports whether a provider statement row has
// already been ingested for this account. Scoped per account because
// reference numbers are only unique within one provider balance.
func (r *BankRepo) HasStatementTransaction(ctx context.Context, accountID int64, statementID string) (bool, error) {
	var n int
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM bank_transactions WHERE account_id = ? AND statement_id = ?`,
		accountID, statementID).Scan(&n)
	return n > 0, err
}

// OutstandingTransactions returns unmatched, unsuppressed credits in
// posted order. These are the reconciler's work queue.
func (r *BankRepo) OutstandingTransactions(ctx context.Context) ([]*model.BankTransaction, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+txnColumns+` FROM bank_transactions
		  WHERE payment_id IS NULL AND suppressed = 0
		  ORDER BY posted, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*model.BankTransaction
	for rows.Next() {
		t, err := scanTxn(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// GetTransaction loads one ledger row.
func (r *BankRepo) GetTransaction(ctx context.Context, id int64) (*model.BankTransaction, error) {
	t, err := scanTxn(r.db.QueryRowContext(ctx,
		`SELECT `+txnColumns+` FROM bank_transactions WHERE id = ?`, id).Scan)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("bank transaction %d: %w", id, ErrNotFound)
	}
	return t, err
}

// LinkPaymentTx marks a ledger row as reconciled against a payment,
// inside the supplied transaction. Already-matched rows are a conflict.
func (r *BankRepo) LinkPaymentTx(ctx context.Context, tx *sql.Tx, txnID, paymentID int64) error {
	res, err := tx.ExecContext(ctx,
		`UPDATE bank_transactions SET payment_id = ? WHERE id = ? AND payment_id IS NULL`,
		paymentID, txnID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("bank transaction %d already matched: %w", txnID, ErrConflict)
	}
	return recordVersion(ctx, tx, "bank_transactions", txnID, "update",
		map[string]any{"payment_id": paymentID})
}

// Suppress tombstones a row out of future matching runs.
func (r *BankRepo) Suppress(ctx context.Context, txnID int64) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE bank_transactions SET suppressed = 1 WHERE id = ?`, txnID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("bank transaction %d: %w", txnID, ErrNotFound)
	}
	return nil
}
