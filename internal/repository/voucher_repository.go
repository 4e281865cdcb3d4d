package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/fieldworks/festops/internal/model"
)

// VoucherRepo provides data access to vouchers. Voucher counters are
// mutated only under row locks, the same discipline as capacity nodes.
type VoucherRepo struct {
	db *sql.DB
}

// NewVoucherRepo returns a VoucherRepo bound to the provided database.
func NewVoucherRepo(db *sql.DB) *VoucherRepo { return &VoucherRepo{db: db} }

// Insert persists a new voucher.
func (r *VoucherRepo) Insert(ctx context.Context, v *model.Voucher) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO vouchers
		   (code, email, product_view_id, expiry, purchases_remaining, tickets_remaining)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		v.Code, v.Email, v.ProductViewID, v.Expiry, v.PurchasesRemaining, v.TicketsRemaining)
	return err
}

const voucherColumns = `code, email, product_view_id, expiry, purchases_remaining, tickets_remaining`

func scanVoucher(scan func(...any) error) (*model.Voucher, error) {
	v := &model.Voucher{}
	err := scan(&v.Code, &v.Email, &v.ProductViewID, &v.Expiry,
		&v.PurchasesRemaining, &v.TicketsRemaining)
	return v, err
}

// Get loads a voucher by code without locking, for display paths.
func (r *VoucherRepo) Get(ctx context.Context, code string) (*model.Voucher, error) {
	v, err := scanVoucher(r.db.QueryRowContext(ctx,
		`SELECT `+voucherColumns+` FROM vouchers WHERE code = ?`, code).Scan)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("voucher %s: %w", code, ErrNotFound)
	}
	return v, err
}

// LockTx loads a voucher under a row lock for counter mutation.
func (r *VoucherRepo) LockTx(ctx context.Context, tx *sql.Tx, code string) (*model.Voucher, error) {
	v, err := scanVoucher(tx.QueryRowContext(ctx,
		`SELECT `+voucherColumns+` FROM vouchers WHERE code = ? FOR UPDATE`, code).Scan)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("voucher %s: %w", code, ErrNotFound)
	}
	return v, err
}

// UpdateTx writes a voucher's counters back inside the supplied
// transaction.
func (r *VoucherRepo) UpdateTx(ctx context.Context, tx *sql.Tx, v *model.Voucher) error {
	res, err := tx.ExecContext(ctx,
		`UPDATE vouchers SET purchases_remaining = ?, tickets_remaining = ? WHERE code = ?`,
		v.PurchasesRemaining, v.TicketsRemaining, v.Code)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("voucher %s: %w", v.Code, ErrNotFound)
	}
	return nil
}
