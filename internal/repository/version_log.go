package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// VersionRepo maintains the append-only version log. Every financially
// relevant mutation records a row here, keyed by the transaction id the
// service layer mints per database transaction, so changes in the same
// commit can be grouped during audit.
type VersionRepo struct {
	db *sql.DB
}

// NewVersionRepo returns a VersionRepo bound to the provided database.
func NewVersionRepo(db *sql.DB) *VersionRepo { return &VersionRepo{db: db} }

type auditKey struct{}

// WithAuditTxn stamps ctx with a fresh version-log transaction id.
// Services call this once per database transaction so every version row
// written in the same commit shares the id and can be grouped during
// audit. Rows written without a stamped context get their own id.
func WithAuditTxn(ctx context.Context) context.Context {
	return context.WithValue(ctx, auditKey{}, uuid.New())
}

func auditTxn(ctx context.Context) uuid.UUID {
	if id, ok := ctx.Value(auditKey{}).(uuid.UUID); ok {
		return id
	}
	return uuid.New()
}

// recordVersion appends a version row for a mutation made inside tx.
// Mutating repository methods call this themselves so no write path can
// forget the log. vals carries the column values the mutation wrote,
// serialized so an audit can replay the row's history.
func recordVersion(ctx context.Context, tx *sql.Tx, table string, rowID int64, operation string, vals map[string]any) error {
	encoded, err := json.Marshal(vals)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO version_log (txn_id, table_name, row_id, operation, new_values, recorded)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		auditTxn(ctx).String(), table, rowID, operation, encoded, time.Now().UTC())
	return err
}

// VersionRow is one recorded change.
type VersionRow struct {
	ID        int64
	TxnID     uuid.UUID
	TableName string
	RowID     int64
	Operation string
	NewValues json.RawMessage
	Recorded  time.Time
}

// History returns the recorded changes for one row, oldest first.
func (r *VersionRepo) History(ctx context.Context, table string, rowID int64) ([]*VersionRow, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, txn_id, table_name, row_id, operation, new_values, recorded
		   FROM version_log WHERE table_name = ? AND row_id = ? ORDER BY id`,
		table, rowID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*VersionRow
	for rows.Next() {
		v := &VersionRow{}
		var txn string
		var vals []byte
		if err := rows.Scan(&v.ID, &txn, &v.TableName, &v.RowID, &v.Operation, &vals, &v.Recorded); err != nil {
			return nil, err
		}
		if v.TxnID, err = uuid.Parse(txn); err != nil {
			return nil, err
		}
		v.NewValues = json.RawMessage(vals)
		out = append(out, v)
	}
	return out, rows.Err()
}

// CountByTable returns the number of recorded changes per table, used by
// the exporter to decide whether a table changed since the last run.
func (r *VersionRepo) CountByTable(ctx context.Context) (map[string]int64, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT table_name, COUNT(*) FROM version_log GROUP BY table_name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := map[string]int64{}
	for rows.Next() {
		var table string
		var n int64
		if err := rows.Scan(&table, &n); err != nil {
			return nil, err
		}
		out[table] = n
	}
	return out, rows.Err()
}
