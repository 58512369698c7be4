package db

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"

	"github.com/beyondessential/tamanu-sync/internal/types"
)

const testSchema = `
CREATE TABLE patients (
	id TEXT PRIMARY KEY,
	display_id TEXT,
	first_name TEXT,
	updated_at_sync_tick INTEGER NOT NULL DEFAULT 0,
	deleted_at TEXT
);
CREATE TABLE encounters (
	id TEXT PRIMARY KEY,
	patient_id TEXT REFERENCES patients(id),
	reason TEXT,
	updated_at_sync_tick INTEGER NOT NULL DEFAULT 0,
	deleted_at TEXT
);
`

func setupTestDB(t *testing.T) *DB {
	t.Helper()
	return setupTestDBWithDriver(t, DriverNcruces)
}

func setupTestDBWithDriver(t *testing.T, driver string) *DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	store, err := OpenWithOptions(path, Options{Driver: driver})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	if _, err := store.ExecContext(context.Background(), testSchema); err != nil {
		t.Fatalf("create schema failed: %v", err)
	}
	return store
}

func TestOpenDrivers(t *testing.T) {
	for _, driver := range []string{DriverNcruces, DriverModernc} {
		t.Run(driver, func(t *testing.T) {
			store := setupTestDBWithDriver(t, driver)
			if store.Driver() != driver {
				t.Errorf("Driver() = %s, want %s", store.Driver(), driver)
			}

			var fk int
			if err := store.QueryRowContext(context.Background(), "PRAGMA foreign_keys").Scan(&fk); err != nil {
				t.Fatalf("PRAGMA foreign_keys failed: %v", err)
			}
			if fk != 1 {
				t.Errorf("foreign_keys = %d, want 1", fk)
			}
		})
	}
}

func TestOpenUnknownDriver(t *testing.T) {
	_, err := OpenWithOptions(filepath.Join(t.TempDir(), "x.db"), Options{Driver: "postgres"})
	if err == nil {
		t.Fatal("expected error for unsupported driver")
	}
}

func TestFacts(t *testing.T) {
	store := setupTestDB(t)
	ctx := context.Background()

	if _, ok, err := store.GetFact(ctx, types.FactCurrentSyncSession); err != nil || ok {
		t.Fatalf("GetFact on empty store = ok %v, err %v", ok, err)
	}

	tick, err := GetTickFact(ctx, store, types.FactLastSuccessfulPull, types.NeverSynced)
	if err != nil {
		t.Fatalf("GetTickFact failed: %v", err)
	}
	if tick != types.NeverSynced {
		t.Errorf("default tick = %d, want %d", tick, types.NeverSynced)
	}

	if err := SetTickFact(ctx, store, types.FactLastSuccessfulPull, 42); err != nil {
		t.Fatalf("SetTickFact failed: %v", err)
	}
	if err := SetTickFact(ctx, store, types.FactLastSuccessfulPull, 43); err != nil {
		t.Fatalf("SetTickFact overwrite failed: %v", err)
	}
	tick, err = GetTickFact(ctx, store, types.FactLastSuccessfulPull, types.NeverSynced)
	if err != nil || tick != 43 {
		t.Errorf("GetTickFact = %d, %v; want 43", tick, err)
	}

	if err := store.SetFact(ctx, types.FactCurrentSyncTime, "not-a-number"); err != nil {
		t.Fatalf("SetFact failed: %v", err)
	}
	if _, err := GetTickFact(ctx, store, types.FactCurrentSyncTime, 0); err == nil {
		t.Error("expected error for non-numeric tick")
	}

	facts, err := store.Facts(ctx)
	if err != nil {
		t.Fatalf("Facts failed: %v", err)
	}
	if len(facts) != 2 {
		t.Errorf("Facts returned %d entries, want 2", len(facts))
	}
}

func TestIncomingTxDefersForeignKeys(t *testing.T) {
	store := setupTestDB(t)
	ctx := context.Background()

	// Child before parent is fine as long as the parent exists at commit.
	err := store.WithIncomingTx(ctx, IncomingOptions{}, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `INSERT INTO encounters (id, patient_id, updated_at_sync_tick) VALUES ('e1', 'p1', 5)`); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `INSERT INTO patients (id, updated_at_sync_tick) VALUES ('p1', 5)`)
		return err
	})
	if err != nil {
		t.Fatalf("WithIncomingTx failed: %v", err)
	}

	// A dangling child fails at commit and nothing is kept.
	err = store.WithIncomingTx(ctx, IncomingOptions{}, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `INSERT INTO patients (id, updated_at_sync_tick) VALUES ('p2', 6)`); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `INSERT INTO encounters (id, patient_id, updated_at_sync_tick) VALUES ('e2', 'missing', 6)`)
		return err
	})
	if err == nil {
		t.Fatal("expected commit to fail on dangling foreign key")
	}
	if _, err := store.Repository("patients").FindByID(ctx, "p2"); !errors.Is(err, ErrNotFound) {
		t.Errorf("p2 should have been rolled back, got err %v", err)
	}

	// Deferral is scoped to the transaction.
	_, err = store.ExecContext(ctx, `INSERT INTO encounters (id, patient_id, updated_at_sync_tick) VALUES ('e3', 'missing', 7)`)
	if err == nil {
		t.Error("expected immediate foreign key failure outside the incoming transaction")
	}
}

func TestIncomingTxRollsBackOnError(t *testing.T) {
	store := setupTestDB(t)
	ctx := context.Background()
	boom := errors.New("boom")

	err := store.WithIncomingTx(ctx, IncomingOptions{Unsafe: true}, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `INSERT INTO patients (id, updated_at_sync_tick) VALUES ('p1', 1)`); err != nil {
			return err
		}
		if err := SetTickFact(ctx, tx, types.FactLastSuccessfulPull, 99); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("WithIncomingTx error = %v, want boom", err)
	}

	n, err := store.Repository("patients").Count(ctx, true)
	if err != nil || n != 0 {
		t.Errorf("Count = %d, %v; want 0", n, err)
	}
	tick, _ := GetTickFact(ctx, store, types.FactLastSuccessfulPull, types.NeverSynced)
	if tick != types.NeverSynced {
		t.Errorf("watermark advanced to %d despite rollback", tick)
	}

	var mode int
	if err := store.QueryRowContext(ctx, "PRAGMA synchronous").Scan(&mode); err != nil {
		t.Fatalf("PRAGMA synchronous failed: %v", err)
	}
	if mode == 0 {
		t.Error("synchronous left OFF after unsafe transaction")
	}
}

func TestTableExists(t *testing.T) {
	store := setupTestDB(t)
	ctx := context.Background()

	ok, err := TableExists(ctx, store, "patients")
	if err != nil || !ok {
		t.Errorf("TableExists(patients) = %v, %v", ok, err)
	}
	ok, err = TableExists(ctx, store, "nope")
	if err != nil || ok {
		t.Errorf("TableExists(nope) = %v, %v", ok, err)
	}
}

func TestIntrospection(t *testing.T) {
	store := setupTestDB(t)
	ctx := context.Background()

	cols, err := TableInfo(ctx, store, "encounters")
	if err != nil {
		t.Fatalf("TableInfo failed: %v", err)
	}
	if len(cols) != 5 || cols[0].Name != "id" || !cols[0].PrimaryKey {
		t.Errorf("unexpected columns: %+v", cols)
	}

	fks, err := ForeignKeys(ctx, store, "encounters")
	if err != nil {
		t.Fatalf("ForeignKeys failed: %v", err)
	}
	if len(fks) != 1 || fks[0].Table != "patients" || fks[0].From != "patient_id" {
		t.Errorf("unexpected foreign keys: %+v", fks)
	}
}

func TestQuoteIdent(t *testing.T) {
	if got := QuoteIdent(`we"ird`); got != `"we""ird"` {
		t.Errorf("QuoteIdent = %s", got)
	}
}
