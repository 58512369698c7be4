package db

import (
	"context"
	"database/sql"
	"fmt"
	"os"
)

// IncomingOptions control the incoming-phase transaction.
type IncomingOptions struct {
	// Unsafe relaxes durability for the duration of the transaction. Used
	// for the initial bulk load, where a crash simply restarts the pull.
	Unsafe bool
}

// WithIncomingTx runs fn inside one write transaction on a dedicated
// connection with foreign key checks deferred to commit.
//
// PRAGMA defer_foreign_keys is reset by SQLite when the transaction ends, so
// the deferral never leaks to other work on the connection. Unsafe mode sets
// synchronous=OFF on the same connection before BEGIN and restores it before
// the connection returns to the pool.
//
// If fn returns an error the transaction is rolled back and nothing it wrote
// is visible. A commit that fails because of an unresolved foreign key also
// rolls back.
func (db *DB) WithIncomingTx(ctx context.Context, opts IncomingOptions, fn func(tx *sql.Tx) error) (err error) {
	conn, err := db.conn.Conn(ctx)
	if err != nil {
		return fmt.Errorf("failed to acquire connection: %w", err)
	}
	defer conn.Close()

	if opts.Unsafe {
		if _, err := conn.ExecContext(ctx, "PRAGMA synchronous=OFF"); err != nil {
			return fmt.Errorf("failed to enter unsafe mode: %w", err)
		}
		defer func() {
			// Restore with a fresh context so a cancelled run still resets the
			// pooled connection.
			if _, rerr := conn.ExecContext(context.Background(), "PRAGMA synchronous=NORMAL"); rerr != nil {
				fmt.Fprintf(os.Stderr, "Warning: failed to restore synchronous mode: %v\n", rerr)
			}
		}()
	}

	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "PRAGMA defer_foreign_keys = ON"); err != nil {
		return fmt.Errorf("failed to defer foreign keys: %w", err)
	}

	if err := fn(tx); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		// A deferred foreign key failure leaves the transaction open on the
		// connection; end it before the connection goes back to the pool.
		_, _ = conn.ExecContext(context.Background(), "ROLLBACK")
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// WithTx runs fn in an ordinary write transaction on the pool.
func (db *DB) WithTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// ForeignKeyViolations lists rows that currently violate a foreign key.
// Useful for diagnosing a failed incoming commit.
func ForeignKeyViolations(ctx context.Context, q Querier) ([]string, error) {
	rows, err := q.QueryContext(ctx, "PRAGMA foreign_key_check")
	if err != nil {
		return nil, fmt.Errorf("failed to check foreign keys: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var table, parent string
		var rowid sql.NullInt64
		var fkid int
		if err := rows.Scan(&table, &rowid, &parent, &fkid); err != nil {
			return nil, fmt.Errorf("failed to scan foreign key violation: %w", err)
		}
		out = append(out, fmt.Sprintf("%s(rowid %d) -> %s", table, rowid.Int64, parent))
	}
	return out, rows.Err()
}
