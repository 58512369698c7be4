// Package db provides the embedded SQLite store the sync engine reconciles
// against the central server.
//
// The database runs in WAL mode so readers (the outgoing snapshot, the CLI)
// are never blocked by the single writer. Connection pragmas are set through
// the DSN so every pooled connection gets them, not just the first one.
//
// Architecture:
//   - Database file: configured path, default tamanu.db
//   - local_system_facts: durable key/value state (watermarks, session ids)
//   - Synced tables: declared in the model manifest, created from its DDL
//   - sync_snapshot_*: per-session staging tables for incremental pulls
//
// Two drivers are supported: "sqlite3" (ncruces/go-sqlite3, WASM build of
// SQLite, the default) and "sqlite" (modernc.org/sqlite, transpiled C).
package db

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
	_ "modernc.org/sqlite"
)

// Supported driver names.
const (
	DriverNcruces = "sqlite3"
	DriverModernc = "sqlite"
)

// Querier is satisfied by *sql.DB, *sql.Conn and *sql.Tx, so the same code
// can run against the pool or inside the incoming transaction.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Options configure Open.
type Options struct {
	// Driver is DriverNcruces (default) or DriverModernc.
	Driver string

	// BusyTimeout is how long a writer waits for the lock. Default 5s.
	BusyTimeout time.Duration

	// MaxOpenConns caps the pool. Default 8.
	MaxOpenConns int
}

// DB wraps the SQLite connection pool.
type DB struct {
	conn   *sql.DB
	path   string
	driver string
}

// Open opens (creating if needed) the database at path with the default
// driver.
//
// The caller MUST call Close() when done.
//
// Example:
//
//	store, err := db.Open("tamanu.db")
//	if err != nil {
//	    return err
//	}
//	defer store.Close()
func Open(path string) (*DB, error) {
	return OpenWithOptions(path, Options{})
}

// OpenWithOptions opens the database at path.
func OpenWithOptions(path string, opts Options) (*DB, error) {
	if opts.Driver == "" {
		opts.Driver = DriverNcruces
	}
	if opts.Driver != DriverNcruces && opts.Driver != DriverModernc {
		return nil, fmt.Errorf("unsupported sqlite driver %q (want %q or %q)", opts.Driver, DriverNcruces, DriverModernc)
	}
	if opts.BusyTimeout <= 0 {
		opts.BusyTimeout = 5 * time.Second
	}
	if opts.MaxOpenConns <= 0 {
		opts.MaxOpenConns = 8
	}

	// Ensure parent directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	conn, err := sql.Open(opts.Driver, dsn(path, opts))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	conn.SetMaxOpenConns(opts.MaxOpenConns)
	conn.SetMaxIdleConns(2)
	conn.SetConnMaxLifetime(5 * time.Minute)

	db := &DB{
		conn:   conn,
		path:   path,
		driver: opts.Driver,
	}

	if err := db.InitSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}

	return db, nil
}

// dsn builds a file: URI carrying the per-connection pragmas. Both drivers
// understand the _pragma and _txlock parameters. Transactions begin
// IMMEDIATE so the writer takes the lock up front instead of failing on
// upgrade.
func dsn(path string, opts Options) string {
	q := url.Values{}
	q.Add("_pragma", fmt.Sprintf("busy_timeout(%d)", opts.BusyTimeout.Milliseconds()))
	q.Add("_pragma", "journal_mode(WAL)")
	q.Add("_pragma", "foreign_keys(1)")
	q.Add("_pragma", "synchronous(NORMAL)")
	q.Set("_txlock", "immediate")
	return "file:" + path + "?" + q.Encode()
}

// RawDB returns the underlying sql.DB connection.
func (db *DB) RawDB() *sql.DB {
	return db.conn
}

// Path returns the database file path.
func (db *DB) Path() string {
	return db.path
}

// Driver returns the database/sql driver name in use.
func (db *DB) Driver() string {
	return db.driver
}

// Close closes the database connection.
// Performs a WAL checkpoint to ensure all changes are persisted.
func (db *DB) Close() error {
	if db.conn == nil {
		return nil
	}

	if _, err := db.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to checkpoint WAL: %v\n", err)
	}

	if err := db.conn.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}

	db.conn = nil
	return nil
}

// InitSchema creates the engine's own tables. Synced tables come from the
// model manifest. Idempotent.
func (db *DB) InitSchema() error {
	return db.InitSchemaContext(context.Background())
}

// InitSchemaContext creates the engine's own tables with context support.
func (db *DB) InitSchemaContext(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS local_system_facts (
		key TEXT PRIMARY KEY,
		value TEXT
	);
	`

	if _, err := db.conn.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}

	return nil
}

// ExecContext runs a statement on the pool.
func (db *DB) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return db.conn.ExecContext(ctx, query, args...)
}

// QueryContext runs a query on the pool.
func (db *DB) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return db.conn.QueryContext(ctx, query, args...)
}

// QueryRowContext runs a single-row query on the pool.
func (db *DB) QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row {
	return db.conn.QueryRowContext(ctx, query, args...)
}

// Size returns the size in bytes of the database file and its WAL.
func (db *DB) Size() (int64, error) {
	var total int64
	for _, p := range []string{db.path, db.path + "-wal"} {
		info, err := os.Stat(p)
		if os.IsNotExist(err) {
			continue
		}
		if err != nil {
			return 0, fmt.Errorf("failed to stat %s: %w", p, err)
		}
		total += info.Size()
	}
	return total, nil
}

// TableExists reports whether a table with the given name exists.
func TableExists(ctx context.Context, q Querier, name string) (bool, error) {
	var n int
	err := q.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = ?`, name,
	).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("failed to check table %s: %w", name, err)
	}
	return n > 0, nil
}

// QuoteIdent quotes an identifier for use in generated SQL.
func QuoteIdent(name string) string {
	out := make([]byte, 0, len(name)+2)
	out = append(out, '"')
	for i := 0; i < len(name); i++ {
		if name[i] == '"' {
			out = append(out, '"')
		}
		out = append(out, name[i])
	}
	return string(append(out, '"'))
}
