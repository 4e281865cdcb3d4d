// Package export writes the post-event data dump: per-table JSON split
// into a public half (aggregates and bucketed histograms, publishable)
// and a private half (row-level data, retained briefly for audit).
// Output lands under one directory per event year with an export.json
// sidecar recording when the dump was taken.
package export

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/fieldworks/festops/internal/repository"
)

// Exporter dumps one event year.
type Exporter struct {
	db       *sql.DB
	versions *repository.VersionRepo
	baseDir  string
	year     int
	log      *logrus.Entry
}

// NewExporter writes under baseDir/<year>/.
func NewExporter(db *sql.DB, versions *repository.VersionRepo, baseDir string, year int) *Exporter {
	return &Exporter{
		db:       db,
		versions: versions,
		baseDir:  baseDir,
		year:     year,
		log:      logrus.WithField("component", "export"),
	}
}

type sidecar struct {
	ExportedAt time.Time        `json:"exported_at"`
	EventYear  int              `json:"event_year"`
	Tables     map[string]int64 `json:"table_versions"`
}

// Run writes every table's public and private files plus the sidecar.
func (e *Exporter) Run(ctx context.Context) error {
	dir := filepath.Join(e.baseDir, fmt.Sprint(e.year))
	for _, sub := range []string{"public", "private"} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o755); err != nil {
			return err
		}
	}

	if err := e.exportPurchases(ctx, dir); err != nil {
		return err
	}
	if err := e.exportPayments(ctx, dir); err != nil {
		return err
	}

	versions, err := e.versions.CountByTable(ctx)
	if err != nil {
		return err
	}
	side := sidecar{
		ExportedAt: time.Now().UTC(),
		EventYear:  e.year,
		Tables:     versions,
	}
	if err := writeJSON(filepath.Join(dir, "export.json"), side); err != nil {
		return err
	}
	e.log.WithField("dir", dir).Info("export complete")
	return nil
}

// purchaseCounts is the public purchase aggregate: counts per product
// and state, no buyer data.
type purchaseCounts struct {
	Product string `json:"product"`
	State   string `json:"state"`
	Count   int64  `json:"count"`
}

type purchaseRow struct {
	ID        int64  `json:"id"`
	Product   string `json:"product"`
	Tier      string `json:"tier"`
	State     string `json:"state"`
	OwnerID   *int64 `json:"owner_id"`
	PaymentID *int64 `json:"payment_id"`
	Created   string `json:"created"`
}

func (e *Exporter) exportPurchases(ctx context.Context, dir string) error {
	rows, err := e.db.QueryContext(ctx,
		`SELECT p.name, pu.state, COUNT(*)
		   FROM purchases pu JOIN products p ON p.id = pu.product_id
		  GROUP BY p.name, pu.state ORDER BY p.name, pu.state`)
	if err != nil {
		return err
	}
	defer rows.Close()
	var public []purchaseCounts
	for rows.Next() {
		var c purchaseCounts
		if err := rows.Scan(&c.Product, &c.State, &c.Count); err != nil {
			return err
		}
		public = append(public, c)
	}
	if err := rows.Err(); err != nil {
		return err
	}
	if err := writeJSON(filepath.Join(dir, "public", "purchases.json"), public); err != nil {
		return err
	}
	if err := e.exportWeekly(ctx, dir); err != nil {
		return err
	}

	priv, err := e.db.QueryContext(ctx,
		`SELECT pu.id, p.name, pt.name, pu.state, pu.owner_id, pu.payment_id, pu.created
		   FROM purchases pu
		   JOIN products p ON p.id = pu.product_id
		   JOIN price_tiers pt ON pt.id = pu.price_tier_id
		  ORDER BY pu.id`)
	if err != nil {
		return err
	}
	defer priv.Close()
	var private []purchaseRow
	for priv.Next() {
		var r purchaseRow
		var created time.Time
		if err := priv.Scan(&r.ID, &r.Product, &r.Tier, &r.State, &r.OwnerID, &r.PaymentID, &created); err != nil {
			return err
		}
		r.Created = created.UTC().Format(time.RFC3339)
		private = append(private, r)
	}
	if err := priv.Err(); err != nil {
		return err
	}
	return writeJSON(filepath.Join(dir, "private", "purchases.json"), private)
}

// weeklyCount is one interval of the public sales-over-time histogram.
type weeklyCount struct {
	Week  string `json:"week"`
	Count int64  `json:"count"`
}

func (e *Exporter) exportWeekly(ctx context.Context, dir string) error {
	rows, err := e.db.QueryContext(ctx,
		`SELECT DATE_FORMAT(created, '%x-W%v'), COUNT(*)
		   FROM purchases GROUP BY 1 ORDER BY 1`)
	if err != nil {
		return err
	}
	defer rows.Close()
	var weekly []weeklyCount
	for rows.Next() {
		var w weeklyCount
		if err := rows.Scan(&w.Week, &w.Count); err != nil {
			return err
		}
		weekly = append(weekly, w)
	}
	if err := rows.Err(); err != nil {
		return err
	}
	return writeJSON(filepath.Join(dir, "public", "purchases_weekly.json"), weekly)
}

// amountBucket is one bar of the public payments histogram. Amounts are
// bucketed so individual spend is not recoverable.
type amountBucket struct {
	Currency string `json:"currency"`
	Bucket   int64  `json:"bucket_minor"`
	Count    int64  `json:"count"`
}

// bucketWidth groups payment amounts into 50-unit bands.
const bucketWidth = 5000

type paymentRow struct {
	ID       int64  `json:"id"`
	UserID   int64  `json:"user_id"`
	Provider string `json:"provider"`
	Currency string `json:"currency"`
	Amount   int64  `json:"amount_minor"`
	State    string `json:"state"`
	Created  string `json:"created"`
}

func (e *Exporter) exportPayments(ctx context.Context, dir string) error {
	rows, err := e.db.QueryContext(ctx,
		`SELECT currency, FLOOR(amount_int / ?) * ?, COUNT(*)
		   FROM payments WHERE state IN ('paid', 'partrefunded', 'refunded')
		  GROUP BY currency, FLOOR(amount_int / ?) ORDER BY currency, 2`,
		bucketWidth, bucketWidth, bucketWidth)
	if err != nil {
		return err
	}
	defer rows.Close()
	var public []amountBucket
	for rows.Next() {
		var b amountBucket
		if err := rows.Scan(&b.Currency, &b.Bucket, &b.Count); err != nil {
			return err
		}
		public = append(public, b)
	}
	if err := rows.Err(); err != nil {
		return err
	}
	if err := writeJSON(filepath.Join(dir, "public", "payments.json"), public); err != nil {
		return err
	}

	priv, err := e.db.QueryContext(ctx,
		`SELECT id, user_id, provider, currency, amount_int, state, created
		   FROM payments ORDER BY id`)
	if err != nil {
		return err
	}
	defer priv.Close()
	var private []paymentRow
	for priv.Next() {
		var r paymentRow
		var created time.Time
		if err := priv.Scan(&r.ID, &r.UserID, &r.Provider, &r.Currency, &r.Amount, &r.State, &created); err != nil {
			return err
		}
		r.Created = created.UTC().Format(time.RFC3339)
		private = append(private, r)
	}
	if err := priv.Err(); err != nil {
		return err
	}
	return writeJSON(filepath.Join(dir, "private", "payments.json"), private)
}

func writeJSON(path string, v any) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
