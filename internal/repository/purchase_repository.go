package repository

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/fieldworks/festops/internal/model"
)

// PurchaseRepo provides data access to purchases and their transfer log.
type PurchaseRepo struct {
	db *sql.DB
}

// NewPurchaseRepo returns a PurchaseRepo bound to the provided database.
func NewPurchaseRepo(db *sql.DB) *PurchaseRepo { return &PurchaseRepo{db: db} }

// InsertTx persists a new purchase inside the supplied transaction and
// fills in its id. The caller must have already issued capacity for it.
func (r *PurchaseRepo) InsertTx(ctx context.Context, tx *sql.Tx, p *model.Purchase) error {
	res, err := tx.ExecContext(ctx,
		`INSERT INTO purchases
		   (product_id, price_tier_id, price_id, owner_id, purchaser_id,
		    state, payment_id, refund_id, ticket_issued, redeemed, created, modified)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.Product.ID, p.Tier.ID, p.Price.ID, p.OwnerID, p.PurchaserID,
		p.State, p.PaymentID, p.RefundID, p.TicketIssued, p.Redeemed,
		p.Created, p.Modified)
	if err != nil {
		return err
	}
	if p.ID, err = res.LastInsertId(); err != nil {
		return err
	}
	return recordVersion(ctx, tx, "purchases", p.ID, "insert", map[string]any{
		"product_id":    p.Product.ID,
		"price_tier_id": p.Tier.ID,
		"owner_id":      p.OwnerID,
		"state":         p.State,
	})
}

// UpdateStateTx writes a purchase's mutable fields back inside the
// supplied transaction. The state transition itself must already have
// been validated through the model.
func (r *PurchaseRepo) UpdateStateTx(ctx context.Context, tx *sql.Tx, p *model.Purchase) error {
	res, err := tx.ExecContext(ctx,
		`UPDATE purchases
		    SET owner_id = ?, purchaser_id = ?, state = ?, payment_id = ?,
		        refund_id = ?, price_id = ?, ticket_issued = ?, redeemed = ?, modified = ?
		  WHERE id = ?`,
		p.OwnerID, p.PurchaserID, p.State, p.PaymentID,
		p.RefundID, p.Price.ID, p.TicketIssued, p.Redeemed, time.Now().UTC(),
		p.ID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("purchase %d: %w", p.ID, ErrNotFound)
	}
	return recordVersion(ctx, tx, "purchases", p.ID, "update", map[string]any{
		"owner_id":      p.OwnerID,
		"state":         p.State,
		"payment_id":    p.PaymentID,
		"refund_id":     p.RefundID,
		"ticket_issued": p.TicketIssued,
		"redeemed":      p.Redeemed,
	})
}

// purchaseColumns is the scan list shared by the load helpers.
const purchaseColumns = `id, price_tier_id, price_id, owner_id, purchaser_id,
       state, payment_id, refund_id, ticket_issued, redeemed, created, modified`

func scanPurchase(scan func(...any) error) (*model.Purchase, int64, int64, error) {
	p := &model.Purchase{}
	var tierID, priceID int64
	err := scan(&p.ID, &tierID, &priceID, &p.OwnerID, &p.PurchaserID,
		&p.State, &p.PaymentID, &p.RefundID, &p.TicketIssued, &p.Redeemed,
		&p.Created, &p.Modified)
	return p, tierID, priceID, err
}

// attachCatalog wires a loaded purchase to its tier graph.
func attachCatalog(p *model.Purchase, tier *model.PriceTier, priceID int64) {
	p.Tier = tier
	p.Product = tier.Product
	for _, price := range tier.Prices {
		if price.ID == priceID {
			p.Price = price
			break
		}
	}
}

// GetReservedByIDsTx loads the given purchases under row locks, verifying
// each is in the reserved state and either anonymous or owned by userID.
// Purchases that fail the check are skipped, matching basket behaviour of
// silently dropping rows another session claimed.
func (r *PurchaseRepo) GetReservedByIDsTx(ctx context.Context, tx *sql.Tx, catalog *CatalogRepo, ids []int64, userID *int64) ([]*model.Purchase, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	rows, err := tx.QueryContext(ctx,
		`SELECT `+purchaseColumns+` FROM purchases
		  WHERE id IN (`+placeholders+`) AND state = 'reserved' FOR UPDATE`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	type loaded struct {
		p       *model.Purchase
		tierID  int64
		priceID int64
	}
	var all []loaded
	for rows.Next() {
		p, tierID, priceID, err := scanPurchase(rows.Scan)
		if err != nil {
			return nil, err
		}
		if p.OwnerID != nil && (userID == nil || *p.OwnerID != *userID) {
			continue
		}
		all = append(all, loaded{p, tierID, priceID})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	tiers := map[int64]*model.PriceTier{}
	var out []*model.Purchase
	for _, l := range all {
		tier, ok := tiers[l.tierID]
		if !ok {
			tier, err = catalog.GetTier(ctx, l.tierID)
			if err != nil {
				return nil, err
			}
			tiers[l.tierID] = tier
		}
		attachCatalog(l.p, tier, l.priceID)
		out = append(out, l.p)
	}
	return out, nil
}

// GetTx loads one purchase under a row lock with its tier graph.
func (r *PurchaseRepo) GetTx(ctx context.Context, tx *sql.Tx, catalog *CatalogRepo, id int64) (*model.Purchase, error) {
	row := tx.QueryRowContext(ctx,
		`SELECT `+purchaseColumns+` FROM purchases WHERE id = ? FOR UPDATE`, id)
	p, tierID, priceID, err := scanPurchase(row.Scan)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("purchase %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	tier, err := catalog.GetTier(ctx, tierID)
	if err != nil {
		return nil, err
	}
	attachCatalog(p, tier, priceID)
	return p, nil
}

// GetByPaymentTx loads all purchases attached to a payment, with locks.
func (r *PurchaseRepo) GetByPaymentTx(ctx context.Context, tx *sql.Tx, catalog *CatalogRepo, paymentID int64) ([]*model.Purchase, error) {
	rows, err := tx.QueryContext(ctx,
		`SELECT `+purchaseColumns+` FROM purchases WHERE payment_id = ? ORDER BY id FOR UPDATE`,
		paymentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	type loaded struct {
		p       *model.Purchase
		tierID  int64
		priceID int64
	}
	var all []loaded
	for rows.Next() {
		p, tierID, priceID, err := scanPurchase(rows.Scan)
		if err != nil {
			return nil, err
		}
		all = append(all, loaded{p, tierID, priceID})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	tiers := map[int64]*model.PriceTier{}
	var out []*model.Purchase
	for _, l := range all {
		tier, ok := tiers[l.tierID]
		if !ok {
			tier, err = catalog.GetTier(ctx, l.tierID)
			if err != nil {
				return nil, err
			}
			tiers[l.tierID] = tier
		}
		attachCatalog(l.p, tier, l.priceID)
		out = append(out, l.p)
	}
	return out, nil
}

// InsertTransferTx appends a row to the transfer log.
func (r *PurchaseRepo) InsertTransferTx(ctx context.Context, tx *sql.Tx, t *model.PurchaseTransfer) error {
	res, err := tx.ExecContext(ctx,
		`INSERT INTO purchase_transfers (purchase_id, from_user, to_user, timestamp)
		 VALUES (?, ?, ?, ?)`,
		t.PurchaseID, t.FromUser, t.ToUser, t.Timestamp)
	if err != nil {
		return err
	}
	if t.ID, err = res.LastInsertId(); err != nil {
		return err
	}
	return recordVersion(ctx, tx, "purchase_transfers", t.ID, "insert", map[string]any{
		"purchase_id": t.PurchaseID,
		"from_user":   t.FromUser,
		"to_user":     t.ToUser,
	})
}

// Transfers returns the transfer log for a purchase, oldest first.
func (r *PurchaseRepo) Transfers(ctx context.Context, purchaseID int64) ([]*model.PurchaseTransfer, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, purchase_id, from_user, to_user, timestamp
		   FROM purchase_transfers WHERE purchase_id = ? ORDER BY id`, purchaseID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*model.PurchaseTransfer
	for rows.Next() {
		t := &model.PurchaseTransfer{}
		if err := rows.Scan(&t.ID, &t.PurchaseID, &t.FromUser, &t.ToUser, &t.Timestamp); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// ExpireReservedTx cancels payment-less reserved purchases older than
// cutoff, and admin-reserved ones older than adminCutoff, returning
// their capacity inside the supplied transaction. It returns the number
// of purchases swept.
func (r *PurchaseRepo) ExpireReservedTx(ctx context.Context, tx *sql.Tx, catalog *CatalogRepo, cutoff, adminCutoff time.Time) (int, error) {
	rows, err := tx.QueryContext(ctx,
		`SELECT id, price_tier_id FROM purchases
		  WHERE payment_id IS NULL
		    AND ((state = 'reserved' AND modified < ?)
		      OR (state = 'admin-reserved' AND modified < ?))
		  FOR UPDATE`, cutoff, adminCutoff)
	if err != nil {
		return 0, err
	}
	type stale struct{ id, tierID int64 }
	var victims []stale
	for rows.Next() {
		var s stale
		if err := rows.Scan(&s.id, &s.tierID); err != nil {
			rows.Close()
			return 0, err
		}
		victims = append(victims, s)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}
	for _, v := range victims {
		if _, err := tx.ExecContext(ctx,
			`UPDATE purchases SET state = 'cancelled', modified = ? WHERE id = ?`,
			time.Now().UTC(), v.id); err != nil {
			return 0, err
		}
		if err := recordVersion(ctx, tx, "purchases", v.id, "update",
			map[string]any{"state": model.PurchaseCancelled}); err != nil {
			return 0, err
		}
		if err := catalog.ReturnCapacityTx(ctx, tx, v.tierID, 1); err != nil {
			return 0, err
		}
	}
	return len(victims), nil
}
