package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/fieldworks/festops/internal/model"
)

// CatalogRepo provides data access to the catalog tree (product_groups,
// products, price_tiers, prices) and implements the capacity engine
// against it. Capacity counters are exclusively owned by their rows and
// are only ever touched under SELECT ... FOR UPDATE.
type CatalogRepo struct {
	db *sql.DB
}

// NewCatalogRepo returns a CatalogRepo bound to the provided database.
func NewCatalogRepo(db *sql.DB) *CatalogRepo { return &CatalogRepo{db: db} }

// DB exposes the underlying handle so callers can open transactions that
// span repositories.
func (r *CatalogRepo) DB() *sql.DB { return r.db }

// capacityRow is one locked node of a tier's ancestor chain.
type capacityRow struct {
	table        string
	id           int64
	capacityMax  sql.NullInt64
	capacityUsed int
	expires      sql.NullTime
}

// tierChainIDs resolves the ancestor chain of a price tier without taking
// locks: the tier's product, then every product group up to the root. The
// returned group ids are ordered root first.
func (r *CatalogRepo) tierChainIDs(ctx context.Context, tx *sql.Tx, tierID int64) (productID int64, groupIDs []int64, err error) {
	var groupID int64
	err = tx.QueryRowContext(ctx,
		`SELECT pt.product_id, p.group_id
		   FROM price_tiers pt JOIN products p ON p.id = pt.product_id
		  WHERE pt.id = ?`, tierID).Scan(&productID, &groupID)
	if err == sql.ErrNoRows {
		return 0, nil, fmt.Errorf("price tier %d: %w", tierID, ErrNotFound)
	}
	if err != nil {
		return 0, nil, err
	}
	// Walk parent pointers to the root. The chain is short (tree depth),
	// so one query per level is fine.
	for {
		groupIDs = append([]int64{groupID}, groupIDs...)
		var parent sql.NullInt64
		if err := tx.QueryRowContext(ctx,
			`SELECT parent_id FROM product_groups WHERE id = ?`, groupID).Scan(&parent); err != nil {
			return 0, nil, err
		}
		if !parent.Valid {
			return productID, groupIDs, nil
		}
		groupID = parent.Int64
	}
}

// lockChain locks the whole capacity chain of a tier. Locks are always
// acquired root-first (group chain from the root down, then the product,
// then the tier) so concurrent transactions touching overlapping chains
// cannot deadlock.
func (r *CatalogRepo) lockChain(ctx context.Context, tx *sql.Tx, tierID int64) ([]capacityRow, error) {
	productID, groupIDs, err := r.tierChainIDs(ctx, tx, tierID)
	if err != nil {
		return nil, err
	}
	chain := make([]capacityRow, 0, len(groupIDs)+2)
	for _, id := range groupIDs {
		row := capacityRow{table: "product_groups", id: id}
		if err := tx.QueryRowContext(ctx,
			`SELECT capacity_max, capacity_used, expires FROM product_groups WHERE id = ? FOR UPDATE`,
			id).Scan(&row.capacityMax, &row.capacityUsed, &row.expires); err != nil {
			return nil, err
		}
		chain = append(chain, row)
	}
	row := capacityRow{table: "products", id: productID}
	if err := tx.QueryRowContext(ctx,
		`SELECT capacity_max, capacity_used, expires FROM products WHERE id = ? FOR UPDATE`,
		productID).Scan(&row.capacityMax, &row.capacityUsed, &row.expires); err != nil {
		return nil, err
	}
	chain = append(chain, row)
	row = capacityRow{table: "price_tiers", id: tierID}
	if err := tx.QueryRowContext(ctx,
		`SELECT capacity_max, capacity_used, expires FROM price_tiers WHERE id = ? FOR UPDATE`,
		tierID).Scan(&row.capacityMax, &row.capacityUsed, &row.expires); err != nil {
		return nil, err
	}
	chain = append(chain, row)
	return chain, nil
}

// IssueCapacityTx consumes count units of capacity on a tier and every
// ancestor, inside the supplied transaction. It fails with
// model.ErrOutOfCapacity when any node in the chain lacks room and with
// model.ErrExpired when any node is past its expiry. On failure nothing is
// written; the caller should roll back anyway.
func (r *CatalogRepo) IssueCapacityTx(ctx context.Context, tx *sql.Tx, tierID int64, count int) error {
	if count < 1 {
		return fmt.Errorf("%w: count %d", model.ErrOutOfCapacity, count)
	}
	chain, err := r.lockChain(ctx, tx, tierID)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	for _, row := range chain {
		if row.expires.Valid && row.expires.Time.Before(now) {
			return fmt.Errorf("%w: %s %d", model.ErrExpired, row.table, row.id)
		}
		if row.capacityMax.Valid && int(row.capacityMax.Int64)-row.capacityUsed < count {
			return fmt.Errorf("%w: %s %d", model.ErrOutOfCapacity, row.table, row.id)
		}
	}
	for _, row := range chain {
		if _, err := tx.ExecContext(ctx,
			`UPDATE `+row.table+` SET capacity_used = capacity_used + ? WHERE id = ?`,
			count, row.id); err != nil {
			return err
		}
	}
	return nil
}

// ReturnCapacityTx reintroduces previously used capacity on a tier and
// every ancestor. Counters never go below zero.
func (r *CatalogRepo) ReturnCapacityTx(ctx context.Context, tx *sql.Tx, tierID int64, count int) error {
	chain, err := r.lockChain(ctx, tx, tierID)
	if err != nil {
		return err
	}
	for _, row := range chain {
		if _, err := tx.ExecContext(ctx,
			`UPDATE `+row.table+` SET capacity_used = GREATEST(capacity_used - ?, 0) WHERE id = ?`,
			count, row.id); err != nil {
			return err
		}
	}
	return nil
}

// EnsureCapacityTx re-reads every node in a tier's chain under lock and
// fails with model.ErrOutOfCapacity if any counter has gone negative-
// remaining. The tier's own counter is also cross-checked against the
// purchases holding its capacity. Used as a post-flush sanity check to
// catch concurrent overbooking before commit.
func (r *CatalogRepo) EnsureCapacityTx(ctx context.Context, tx *sql.Tx, tierID int64) error {
	chain, err := r.lockChain(ctx, tx, tierID)
	if err != nil {
		return err
	}
	for _, row := range chain {
		if row.capacityMax.Valid && int(row.capacityMax.Int64)-row.capacityUsed < 0 {
			return fmt.Errorf("%w: %s %d overbooked", model.ErrOutOfCapacity, row.table, row.id)
		}
		if row.table == "price_tiers" {
			held, err := r.CountBlockingPurchasesTx(ctx, tx, tierID)
			if err != nil {
				return err
			}
			if held != row.capacityUsed {
				return fmt.Errorf("%w: tier %d counter reads %d, %d purchases hold capacity",
					model.ErrUpdateConflict, tierID, row.capacityUsed, held)
			}
		}
	}
	return nil
}

// GetTier loads a price tier with its product, group chain and prices.
// The returned graph supports the in-memory capacity and pricing rules in
// the model package.
func (r *CatalogRepo) GetTier(ctx context.Context, tierID int64) (*model.PriceTier, error) {
	tier := &model.PriceTier{ID: tierID}
	product := &model.Product{}
	var (
		vatRate     sql.NullFloat64
		tCapMax     sql.NullInt64
		tExpires    sql.NullTime
		pCapMax     sql.NullInt64
		pExpires    sql.NullTime
		groupID     int64
		displayName sql.NullString
		description sql.NullString
		attrsJSON   sql.NullString
	)
	err := r.db.QueryRowContext(ctx,
		`SELECT pt.name, pt.personal_limit, pt.active, pt.vat_rate,
		        pt.capacity_max, pt.capacity_used, pt.expires,
		        p.id, p.name, p.display_name, p.description, p.attributes,
		        p.capacity_max, p.capacity_used, p.expires, p.group_id
		   FROM price_tiers pt JOIN products p ON p.id = pt.product_id
		  WHERE pt.id = ?`, tierID).Scan(
		&tier.Name, &tier.PersonalLimit, &tier.Active, &vatRate,
		&tCapMax, &tier.Node.CapacityUsed, &tExpires,
		&product.ID, &product.Name, &displayName, &description, &attrsJSON,
		&pCapMax, &product.Node.CapacityUsed, &pExpires, &groupID)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("price tier %d: %w", tierID, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	if vatRate.Valid {
		v := vatRate.Float64
		tier.VATRate = &v
	}
	tier.Node.CapacityMax = nullableInt(tCapMax)
	tier.Node.Expires = nullableTime(tExpires)
	product.DisplayName = displayName.String
	product.Description = description.String
	product.Attributes = decodeAttrs(attrsJSON)
	product.Node.CapacityMax = nullableInt(pCapMax)
	product.Node.Expires = nullableTime(pExpires)
	tier.Product = product
	product.Tiers = []*model.PriceTier{tier}

	group, err := r.loadGroupChain(ctx, groupID)
	if err != nil {
		return nil, err
	}
	product.Group = group

	rows, err := r.db.QueryContext(ctx,
		`SELECT id, currency, price_int FROM prices WHERE price_tier_id = ? ORDER BY id`, tierID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		price := &model.Price{Tier: tier}
		if err := rows.Scan(&price.ID, &price.Currency, &price.Value); err != nil {
			return nil, err
		}
		tier.Prices = append(tier.Prices, price)
	}
	return tier, rows.Err()
}

// loadGroupChain loads a product group and all its ancestors, wiring the
// Parent pointers the model's inheritance walks rely on.
func (r *CatalogRepo) loadGroupChain(ctx context.Context, groupID int64) (*model.ProductGroup, error) {
	var leaf, prev *model.ProductGroup
	id := sql.NullInt64{Int64: groupID, Valid: true}
	for id.Valid {
		g := &model.ProductGroup{ID: id.Int64}
		var (
			capMax  sql.NullInt64
			expires sql.NullTime
			attrs   sql.NullString
			parent  sql.NullInt64
		)
		err := r.db.QueryRowContext(ctx,
			`SELECT name, type, parent_id, capacity_max, capacity_used, expires, attributes
			   FROM product_groups WHERE id = ?`, id.Int64).Scan(
			&g.Name, &g.Type, &parent, &capMax, &g.Node.CapacityUsed, &expires, &attrs)
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("product group %d: %w", id.Int64, ErrNotFound)
		}
		if err != nil {
			return nil, err
		}
		g.Node.CapacityMax = nullableInt(capMax)
		g.Node.Expires = nullableTime(expires)
		g.Attributes = decodeAttrs(attrs)
		if leaf == nil {
			leaf = g
		} else {
			prev.Parent = g
		}
		prev = g
		id = parent
	}
	return leaf, nil
}

// SetTierCapacity adjusts a tier's capacity ceiling, nil meaning
// unlimited. The new ceiling must cover what the tier has already used,
// and the product's own ceiling must cover the sum of its tiers'
// ceilings, so an operator cannot allocate more than the product holds.
func (r *CatalogRepo) SetTierCapacity(ctx context.Context, tierID int64, capacityMax *int) error {
	ctx = WithAuditTxn(ctx)
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	chain, err := r.lockChain(ctx, tx, tierID)
	if err != nil {
		return err
	}
	var tier, product capacityRow
	for _, row := range chain {
		switch row.table {
		case "price_tiers":
			tier = row
		case "products":
			product = row
		}
	}
	if capacityMax != nil && *capacityMax < tier.capacityUsed {
		return fmt.Errorf("%w: tier %d has already used %d", model.ErrOutOfCapacity, tierID, tier.capacityUsed)
	}
	if capacityMax != nil && product.capacityMax.Valid {
		var siblings sql.NullInt64
		if err := tx.QueryRowContext(ctx,
			`SELECT SUM(capacity_max) FROM price_tiers WHERE product_id = ? AND id != ?`,
			product.id, tierID).Scan(&siblings); err != nil {
			return err
		}
		if siblings.Int64+int64(*capacityMax) > product.capacityMax.Int64 {
			return fmt.Errorf("%w: product %d allocates %d of %d", model.ErrOutOfCapacity,
				product.id, siblings.Int64+int64(*capacityMax), product.capacityMax.Int64)
		}
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE price_tiers SET capacity_max = ? WHERE id = ?`, capacityMax, tierID); err != nil {
		return err
	}
	if err := recordVersion(ctx, tx, "price_tiers", tierID, "update",
		map[string]any{"capacity_max": capacityMax}); err != nil {
		return err
	}
	return tx.Commit()
}

// GetViewByName loads a product view with its products, their active
// tiers and prices, in display order. Group chains are not loaded; the
// view is a read-only listing, capacity checks happen at reserve time.
func (r *CatalogRepo) GetViewByName(ctx context.Context, name string) (*model.ProductView, error) {
	view := &model.ProductView{Name: name}
	err := r.db.QueryRowContext(ctx,
		`SELECT id, type, vouchers_only FROM product_views WHERE name = ?`,
		name).Scan(&view.ID, &view.Type, &view.VouchersOnly)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("product view %s: %w", name, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}

	rows, err := r.db.QueryContext(ctx,
		`SELECT p.id, p.name, p.display_name, p.description, p.attributes
		   FROM product_view_products pvp
		   JOIN products p ON p.id = pvp.product_id
		  WHERE pvp.view_id = ? ORDER BY pvp.sort_order, p.id`, view.ID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		product := &model.Product{}
		var displayName, description, attrsJSON sql.NullString
		if err := rows.Scan(&product.ID, &product.Name, &displayName, &description, &attrsJSON); err != nil {
			return nil, err
		}
		product.DisplayName = displayName.String
		product.Description = description.String
		product.Attributes = decodeAttrs(attrsJSON)
		view.Products = append(view.Products, product)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, product := range view.Products {
		trows, err := r.db.QueryContext(ctx,
			`SELECT id, name, personal_limit, vat_rate
			   FROM price_tiers WHERE product_id = ? AND active = 1 ORDER BY id`, product.ID)
		if err != nil {
			return nil, err
		}
		for trows.Next() {
			tier := &model.PriceTier{Product: product, Active: true}
			var vatRate sql.NullFloat64
			if err := trows.Scan(&tier.ID, &tier.Name, &tier.PersonalLimit, &vatRate); err != nil {
				trows.Close()
				return nil, err
			}
			if vatRate.Valid {
				v := vatRate.Float64
				tier.VATRate = &v
			}
			product.Tiers = append(product.Tiers, tier)
		}
		if err := trows.Close(); err != nil {
			return nil, err
		}
		for _, tier := range product.Tiers {
			prows, err := r.db.QueryContext(ctx,
				`SELECT id, currency, price_int FROM prices WHERE price_tier_id = ? ORDER BY id`, tier.ID)
			if err != nil {
				return nil, err
			}
			for prows.Next() {
				price := &model.Price{Tier: tier}
				if err := prows.Scan(&price.ID, &price.Currency, &price.Value); err != nil {
					prows.Close()
					return nil, err
				}
				tier.Prices = append(tier.Prices, price)
			}
			if err := prows.Close(); err != nil {
				return nil, err
			}
		}
	}
	return view, nil
}

// GetTierByName resolves group/product/tier names to a loaded tier.
func (r *CatalogRepo) GetTierByName(ctx context.Context, group, product, tier string) (*model.PriceTier, error) {
	var tierID int64
	err := r.db.QueryRowContext(ctx,
		`SELECT pt.id
		   FROM price_tiers pt
		   JOIN products p ON p.id = pt.product_id
		   JOIN product_groups g ON g.id = p.group_id
		  WHERE g.name = ? AND p.name = ? AND pt.name = ?`,
		group, product, tier).Scan(&tierID)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("tier %s/%s/%s: %w", group, product, tier, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return r.GetTier(ctx, tierID)
}

// CountBlockingPurchasesTx counts the purchases on a tier in states that
// hold capacity. Invariant: this always equals the tier's capacity_used.
func (r *CatalogRepo) CountBlockingPurchasesTx(ctx context.Context, tx *sql.Tx, tierID int64) (int, error) {
	var n int
	err := tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM purchases
		  WHERE price_tier_id = ?
		    AND state IN ('reserved', 'admin-reserved', 'payment-pending', 'paid')`,
		tierID).Scan(&n)
	return n, err
}

func nullableInt(v sql.NullInt64) *int {
	if !v.Valid {
		return nil
	}
	n := int(v.Int64)
	return &n
}

func nullableTime(v sql.NullTime) *time.Time {
	if !v.Valid {
		return nil
	}
	t := v.Time
	return &t
}

func decodeAttrs(v sql.NullString) map[string]any {
	attrs := map[string]any{}
	if v.Valid && v.String != "" {
		// Attributes are written by us; a decode failure means a bad
		// migration, not bad user input, so we swallow it and return empty.
		_ = json.Unmarshal([]byte(v.String), &attrs)
	}
	return attrs
}
