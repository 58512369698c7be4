package persist

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/beyondessential/tamanu-sync/internal/db"
	"github.com/beyondessential/tamanu-sync/internal/schema"
	"github.com/beyondessential/tamanu-sync/internal/syncerr"
	"github.com/beyondessential/tamanu-sync/internal/types"
)

const testManifest = `
models:
  - table: patients
    direction: BIDIRECTIONAL
    create: |
      CREATE TABLE IF NOT EXISTS patients (
        id TEXT PRIMARY KEY,
        first_name TEXT,
        sex TEXT CHECK (sex IS NULL OR sex IN ('male', 'female', 'other')),
        tags TEXT,
        updated_at_sync_tick INTEGER NOT NULL DEFAULT 0,
        deleted_at TEXT
      );
  - table: encounters
    direction: BIDIRECTIONAL
    create: |
      CREATE TABLE IF NOT EXISTS encounters (
        id TEXT PRIMARY KEY,
        reason TEXT,
        patient_id TEXT REFERENCES patients(id),
        updated_at_sync_tick INTEGER NOT NULL DEFAULT 0,
        deleted_at TEXT
      );
  - table: notes
    direction: PUSH_TO_CENTRAL
    create: |
      CREATE TABLE IF NOT EXISTS notes (
        id TEXT PRIMARY KEY,
        content TEXT,
        updated_at_sync_tick INTEGER NOT NULL DEFAULT 0,
        deleted_at TEXT
      );
`

type fixture struct {
	store    *db.DB
	registry *schema.Registry
	p        *Persister
}

func setup(t *testing.T, opts Options) *fixture {
	t.Helper()
	ctx := context.Background()

	store, err := db.Open(filepath.Join(t.TempDir(), "persist.db"))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	manifest, err := schema.ParseManifest([]byte(testManifest))
	if err != nil {
		t.Fatalf("ParseManifest failed: %v", err)
	}
	if err := manifest.Apply(ctx, store); err != nil {
		t.Fatalf("Apply failed: %v", err)
	}
	registry, err := schema.NewRegistry(ctx, store, manifest)
	if err != nil {
		t.Fatalf("NewRegistry failed: %v", err)
	}
	return &fixture{store: store, registry: registry, p: New(opts, nil)}
}

// apply runs ApplyRecords for one model in an incoming transaction and
// commits regardless of record failures.
func (f *fixture) apply(t *testing.T, recordType string, records ...types.SyncRecord) Result {
	t.Helper()
	model, ok := f.registry.Model(recordType)
	if !ok {
		t.Fatalf("unknown model %s", recordType)
	}
	var res Result
	err := f.store.WithIncomingTx(context.Background(), db.IncomingOptions{}, func(tx *sql.Tx) error {
		var err error
		res, err = f.p.ApplyRecords(context.Background(), tx, model, records)
		return err
	})
	if err != nil {
		t.Fatalf("ApplyRecords failed: %v", err)
	}
	return res
}

func (f *fixture) row(t *testing.T, table, id string) map[string]any {
	t.Helper()
	row, err := f.store.Repository(table).FindByID(context.Background(), id)
	if err != nil {
		t.Fatalf("FindByID(%s, %s) failed: %v", table, id, err)
	}
	return row
}

func patient(id string, tick int64, name string) types.SyncRecord {
	return types.SyncRecord{
		RecordID:          id,
		RecordType:        "patients",
		UpdatedAtSyncTick: tick,
		Data:              map[string]any{"id": id, "first_name": name},
	}
}

func TestApplyCreates(t *testing.T) {
	f := setup(t, Options{})

	res := f.apply(t, "patients",
		patient("p1", 10, "Ana"),
		patient("p2", 11, "Bo"),
		types.SyncRecord{RecordID: "p3", RecordType: "patients", UpdatedAtSyncTick: 12, IsDeleted: true,
			Data: map[string]any{"first_name": "Cy", "unknown_column": "ignored"}},
	)

	if res.Created != 3 || len(res.Failures) != 0 {
		t.Fatalf("Result = %+v, want 3 created", res)
	}
	if got := f.row(t, "patients", "p2"); got["first_name"] != "Bo" || got["updated_at_sync_tick"] != int64(11) {
		t.Errorf("p2 = %v", got)
	}
	if got := f.row(t, "patients", "p3"); got["deleted_at"] == nil {
		t.Errorf("p3 should be created soft-deleted: %v", got)
	}
}

func TestApplyLastWriteWins(t *testing.T) {
	f := setup(t, Options{})
	f.apply(t, "patients", patient("p1", 10, "Original"))

	tests := []struct {
		name    string
		tick    int64
		want    string
		skipped int
		updated int
	}{
		{"equal tick is dropped", 10, "Original", 1, 0},
		{"older tick is dropped", 9, "Original", 1, 0},
		{"newer tick overwrites", 11, "Newer", 0, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := f.apply(t, "patients", patient("p1", tt.tick, "Newer"))
			if res.Skipped != tt.skipped || res.Updated != tt.updated {
				t.Errorf("Result = %+v", res)
			}
			if got := f.row(t, "patients", "p1")["first_name"]; got != tt.want {
				t.Errorf("first_name = %v, want %s", got, tt.want)
			}
		})
	}
}

func TestApplyIdempotent(t *testing.T) {
	f := setup(t, Options{})
	f.apply(t, "patients", patient("p1", 5, "Ana"), patient("p2", 5, "Bo"))

	records := []types.SyncRecord{
		patient("p1", 8, "Ana B"),
		patient("p3", 8, "Cy"),
		{RecordID: "p2", RecordType: "patients", UpdatedAtSyncTick: 8, IsDeleted: true, Data: map[string]any{"first_name": "Bo"}},
	}
	first := f.apply(t, "patients", records...)
	if first.Updated != 1 || first.Created != 1 || first.Deleted != 1 {
		t.Fatalf("first apply = %+v", first)
	}
	before := snapshot(t, f.store, "patients")

	second := f.apply(t, "patients", records...)
	if second.Applied() != 0 || second.Skipped != 3 {
		t.Errorf("second apply = %+v, want everything skipped", second)
	}
	if after := snapshot(t, f.store, "patients"); !reflect.DeepEqual(before, after) {
		t.Errorf("state changed on re-apply\nbefore %v\nafter  %v", before, after)
	}
}

func TestApplyDedupesByID(t *testing.T) {
	f := setup(t, Options{})
	res := f.apply(t, "patients",
		patient("p1", 7, "Later"),
		patient("p1", 5, "Earlier"),
		patient("p1", 6, "Middle"),
	)
	if res.Created != 1 || res.Skipped != 2 {
		t.Errorf("Result = %+v, want 1 created and 2 skipped", res)
	}
	row := f.row(t, "patients", "p1")
	if row["first_name"] != "Later" || row["updated_at_sync_tick"] != int64(7) {
		t.Errorf("p1 = %v, want the latest tick", row)
	}
}

func TestApplySoftDeleteAndRestore(t *testing.T) {
	f := setup(t, Options{})
	f.apply(t, "patients", patient("p1", 1, "Ana"))

	del := patient("p1", 2, "Ana (deleted)")
	del.IsDeleted = true
	del.Data["deleted_at"] = "2026-01-02T03:04:05Z"
	res := f.apply(t, "patients", del)
	if res.Deleted != 1 {
		t.Fatalf("delete Result = %+v", res)
	}
	row := f.row(t, "patients", "p1")
	if row["deleted_at"] != "2026-01-02T03:04:05Z" || row["first_name"] != "Ana (deleted)" {
		t.Errorf("after delete p1 = %v", row)
	}

	res = f.apply(t, "patients", patient("p1", 3, "Ana (back)"))
	if res.Restored != 1 {
		t.Fatalf("restore Result = %+v", res)
	}
	row = f.row(t, "patients", "p1")
	if row["deleted_at"] != nil || row["first_name"] != "Ana (back)" || row["updated_at_sync_tick"] != int64(3) {
		t.Errorf("after restore p1 = %v", row)
	}
}

func TestApplyIsolatesFailingRecord(t *testing.T) {
	f := setup(t, Options{})

	// Same column set, so all three share one multi-row statement.
	p1 := patient("p1", 1, "A")
	p1.Data["sex"] = "male"
	bad := patient("p2", 1, "Bad")
	bad.Data["sex"] = "unknown"
	p3 := patient("p3", 1, "C")
	p3.Data["sex"] = "other"
	res := f.apply(t, "patients", p1, bad, p3)

	if res.Created != 2 {
		t.Errorf("Created = %d, want 2", res.Created)
	}
	if len(res.Failures) != 1 || res.Failures[0].RecordID != "p2" {
		t.Fatalf("Failures = %v, want p2", res.Failures)
	}
	if _, err := f.store.Repository("patients").FindByID(context.Background(), "p2"); !errors.Is(err, db.ErrNotFound) {
		t.Errorf("p2 should not exist, err %v", err)
	}

	// The same isolation applies to the CASE update path.
	f.apply(t, "patients", patient("p4", 1, "D"))
	badUpdate := patient("p4", 2, "D")
	badUpdate.Data["sex"] = "nope"
	goodUpdate := patient("p1", 2, "A2")
	goodUpdate.Data["sex"] = "female"
	res = f.apply(t, "patients", goodUpdate, badUpdate)
	if res.Updated != 1 || len(res.Failures) != 1 || res.Failures[0].RecordID != "p4" {
		t.Errorf("update Result = %+v", res)
	}
	if got := f.row(t, "patients", "p1")["first_name"]; got != "A2" {
		t.Errorf("p1 first_name = %v, want A2", got)
	}
}

func TestApplyRespectsParameterCeiling(t *testing.T) {
	// 20 params allows 5 rows of a 4-column insert and 4 rows of a
	// 2-column CASE update.
	f := setup(t, Options{MaxParams: 20, InsertBatchSize: 1000, UpdateBatchSize: 1000})

	var records []types.SyncRecord
	for i := 0; i < 50; i++ {
		records = append(records, patient(fmt.Sprintf("p%02d", i), 1, fmt.Sprintf("n%d", i)))
	}
	res := f.apply(t, "patients", records...)
	if res.Created != 50 {
		t.Fatalf("Created = %d, want 50", res.Created)
	}

	for i := range records {
		records[i].UpdatedAtSyncTick = 2
		records[i].Data["first_name"] = "updated"
	}
	res = f.apply(t, "patients", records...)
	if res.Updated != 50 || len(res.Failures) != 0 {
		t.Fatalf("update Result = %+v", res)
	}
	if got := f.row(t, "patients", "p49")["first_name"]; got != "updated" {
		t.Errorf("p49 first_name = %v", got)
	}
}

func TestApplyMixedColumnSets(t *testing.T) {
	f := setup(t, Options{})
	f.apply(t, "patients", patient("p1", 1, "A"), patient("p2", 1, "B"))

	withTags := patient("p2", 2, "B")
	withTags.Data["tags"] = []any{"vip", "diabetic"}
	onlySex := types.SyncRecord{RecordID: "p1", RecordType: "patients", UpdatedAtSyncTick: 2, Data: map[string]any{"sex": "female"}}

	res := f.apply(t, "patients", withTags, onlySex)
	if res.Updated != 2 {
		t.Fatalf("Result = %+v", res)
	}
	if got := f.row(t, "patients", "p2")["tags"]; got != `["vip","diabetic"]` {
		t.Errorf("tags = %v", got)
	}
	p1 := f.row(t, "patients", "p1")
	if p1["first_name"] != "A" || p1["sex"] != "female" {
		t.Errorf("p1 = %v, untouched columns must keep their values", p1)
	}
}

func TestApplyRejectsMismatchedType(t *testing.T) {
	f := setup(t, Options{})
	rec := patient("e1", 1, "x")
	rec.RecordType = "encounters"
	res := f.apply(t, "patients", rec, types.SyncRecord{RecordType: "patients"})
	if len(res.Failures) != 2 || res.Created != 0 {
		t.Errorf("Result = %+v", res)
	}
}

func TestApplyOrderedAllOrNothing(t *testing.T) {
	f := setup(t, Options{})
	ctx := context.Background()

	source := NewMemorySource([]types.SyncRecord{
		{RecordID: "e1", RecordType: "encounters", UpdatedAtSyncTick: 3, Data: map[string]any{"patient_id": "p1", "reason": "checkup"}},
		patient("p1", 3, "Ana"),
	})
	err := f.store.WithIncomingTx(ctx, db.IncomingOptions{}, func(tx *sql.Tx) error {
		res, err := f.p.ApplyOrdered(ctx, tx, f.registry, source)
		if err != nil {
			return err
		}
		if res.Created != 2 {
			t.Errorf("Created = %d, want 2", res.Created)
		}
		return res.Err()
	})
	if err != nil {
		t.Fatalf("ApplyOrdered failed: %v", err)
	}

	bad := patient("p2", 4, "Bad")
	bad.Data["sex"] = "invalid"
	source = NewMemorySource([]types.SyncRecord{
		patient("p3", 4, "Fine"),
		bad,
		{RecordID: "n1", RecordType: "notes", UpdatedAtSyncTick: 4, Data: map[string]any{"content": "push only"}},
		{RecordID: "x1", RecordType: "mystery", UpdatedAtSyncTick: 4},
	})
	err = f.store.WithIncomingTx(ctx, db.IncomingOptions{}, func(tx *sql.Tx) error {
		res, err := f.p.ApplyOrdered(ctx, tx, f.registry, source)
		if err != nil {
			return err
		}
		if len(res.Failures) != 3 {
			t.Errorf("Failures = %v, want 3", res.Failures)
		}
		return res.Err()
	})
	var persistErr *syncerr.PersistenceError
	if !errors.As(err, &persistErr) {
		t.Fatalf("expected PersistenceError, got %v", err)
	}
	if _, err := f.store.Repository("patients").FindByID(ctx, "p3"); !errors.Is(err, db.ErrNotFound) {
		t.Errorf("p3 must not be visible after rollback, err %v", err)
	}
}

func snapshot(t *testing.T, store *db.DB, table string) []map[string]any {
	t.Helper()
	rows, err := store.QueryContext(context.Background(), "SELECT * FROM "+db.QuoteIdent(table)+" ORDER BY id")
	if err != nil {
		t.Fatalf("snapshot query failed: %v", err)
	}
	defer rows.Close()
	var out []map[string]any
	for rows.Next() {
		m, err := db.ScanMap(rows)
		if err != nil {
			t.Fatalf("ScanMap failed: %v", err)
		}
		out = append(out, m)
	}
	return out
}
