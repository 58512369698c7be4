package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/beyondessential/tamanu-sync/internal/types"
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("record not found")

// Repository is the narrow CRUD surface application code uses to write
// synced tables. Every write is stamped with the CURRENT_SYNC_TIME fact so
// the next outgoing snapshot picks it up.
type Repository struct {
	db    *DB
	table string
}

// Repository returns a repository for table.
func (db *DB) Repository(table string) *Repository {
	return &Repository{db: db, table: table}
}

// Table returns the table the repository writes.
func (r *Repository) Table() string {
	return r.table
}

// Create inserts a record and returns its id. If data has no id one is
// generated.
func (r *Repository) Create(ctx context.Context, data map[string]any) (string, error) {
	id, _ := data[types.ColumnID].(string)
	if id == "" {
		id = uuid.NewString()
	}

	err := r.db.WithTx(ctx, func(tx *sql.Tx) error {
		tick, err := currentTick(ctx, tx)
		if err != nil {
			return err
		}
		if err := r.checkColumns(ctx, tx, data); err != nil {
			return err
		}

		row := make(map[string]any, len(data)+2)
		for k, v := range data {
			row[k] = v
		}
		row[types.ColumnID] = id
		row[types.ColumnSyncTick] = tick
		delete(row, types.ColumnDeletedAt)

		cols := sortedKeys(row)
		quoted := make([]string, len(cols))
		args := make([]any, len(cols))
		for i, c := range cols {
			quoted[i] = QuoteIdent(c)
			args[i] = row[c]
		}
		query := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
			QuoteIdent(r.table), strings.Join(quoted, ", "), placeholders(len(cols)))
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return fmt.Errorf("failed to insert into %s: %w", r.table, err)
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return id, nil
}

// Update sets the given columns of record id.
func (r *Repository) Update(ctx context.Context, id string, data map[string]any) error {
	return r.db.WithTx(ctx, func(tx *sql.Tx) error {
		tick, err := currentTick(ctx, tx)
		if err != nil {
			return err
		}
		if err := r.checkColumns(ctx, tx, data); err != nil {
			return err
		}

		cols := make([]string, 0, len(data))
		for c := range data {
			if c == types.ColumnID || c == types.ColumnSyncTick || c == types.ColumnDeletedAt {
				continue
			}
			cols = append(cols, c)
		}
		sort.Strings(cols)

		sets := make([]string, 0, len(cols)+1)
		args := make([]any, 0, len(cols)+2)
		for _, c := range cols {
			sets = append(sets, QuoteIdent(c)+" = ?")
			args = append(args, data[c])
		}
		sets = append(sets, QuoteIdent(types.ColumnSyncTick)+" = ?")
		args = append(args, tick, id)

		query := fmt.Sprintf("UPDATE %s SET %s WHERE id = ?", QuoteIdent(r.table), strings.Join(sets, ", "))
		return r.execOne(ctx, tx, query, id, args...)
	})
}

// SoftDelete marks record id as deleted. The row stays so the deletion can
// be pushed.
func (r *Repository) SoftDelete(ctx context.Context, id string) error {
	return r.db.WithTx(ctx, func(tx *sql.Tx) error {
		tick, err := currentTick(ctx, tx)
		if err != nil {
			return err
		}
		query := fmt.Sprintf("UPDATE %s SET deleted_at = ?, updated_at_sync_tick = ? WHERE id = ? AND deleted_at IS NULL",
			QuoteIdent(r.table))
		return r.execOne(ctx, tx, query, id, time.Now().UTC().Format(time.RFC3339), tick, id)
	})
}

// FindByID returns the columns of record id, including soft-deleted rows.
func (r *Repository) FindByID(ctx context.Context, id string) (map[string]any, error) {
	rows, err := r.db.conn.QueryContext(ctx,
		fmt.Sprintf("SELECT * FROM %s WHERE id = ?", QuoteIdent(r.table)), id)
	if err != nil {
		return nil, fmt.Errorf("failed to query %s: %w", r.table, err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("failed to query %s: %w", r.table, err)
		}
		return nil, fmt.Errorf("%s %s: %w", r.table, id, ErrNotFound)
	}
	return ScanMap(rows)
}

// Count returns the number of rows, excluding soft-deleted ones unless
// includeDeleted is set.
func (r *Repository) Count(ctx context.Context, includeDeleted bool) (int, error) {
	query := fmt.Sprintf("SELECT COUNT(*) FROM %s", QuoteIdent(r.table))
	if !includeDeleted {
		query += " WHERE deleted_at IS NULL"
	}
	var n int
	if err := r.db.conn.QueryRowContext(ctx, query).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count %s: %w", r.table, err)
	}
	return n, nil
}

// Columns lists the table's column names.
func (r *Repository) Columns(ctx context.Context) ([]string, error) {
	info, err := TableInfo(ctx, r.db.conn, r.table)
	if err != nil {
		return nil, err
	}
	if len(info) == 0 {
		return nil, fmt.Errorf("table %s does not exist", r.table)
	}
	names := make([]string, len(info))
	for i, c := range info {
		names[i] = c.Name
	}
	return names, nil
}

func (r *Repository) checkColumns(ctx context.Context, q Querier, data map[string]any) error {
	info, err := TableInfo(ctx, q, r.table)
	if err != nil {
		return err
	}
	if len(info) == 0 {
		return fmt.Errorf("table %s does not exist", r.table)
	}
	known := make(map[string]bool, len(info))
	for _, c := range info {
		known[c.Name] = true
	}
	for c := range data {
		if !known[c] {
			return fmt.Errorf("table %s has no column %q", r.table, c)
		}
	}
	return nil
}

func (r *Repository) execOne(ctx context.Context, q Querier, query, id string, args ...any) error {
	res, err := q.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to write %s %s: %w", r.table, id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to write %s %s: %w", r.table, id, err)
	}
	if n == 0 {
		return fmt.Errorf("%s %s: %w", r.table, id, ErrNotFound)
	}
	return nil
}

func currentTick(ctx context.Context, q Querier) (int64, error) {
	return GetTickFact(ctx, q, types.FactCurrentSyncTime, 0)
}

// ScanMap scans the current row into a column-name keyed map. TEXT values
// returned as []byte are converted to string.
func ScanMap(rows *sql.Rows) (map[string]any, error) {
	cols, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("failed to read columns: %w", err)
	}
	values := make([]any, len(cols))
	ptrs := make([]any, len(cols))
	for i := range values {
		ptrs[i] = &values[i]
	}
	if err := rows.Scan(ptrs...); err != nil {
		return nil, fmt.Errorf("failed to scan row: %w", err)
	}
	out := make(map[string]any, len(cols))
	for i, c := range cols {
		if b, ok := values[i].([]byte); ok {
			out[c] = string(b)
			continue
		}
		out[c] = values[i]
	}
	return out, nil
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// placeholders returns "?, ?, ..." with n markers.
func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.Repeat("?, ", n-1) + "?"
}
