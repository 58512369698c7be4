// Package schema resolves the typed model registry the sync engine works
// from.
//
// Which tables sync, and in which direction, is declared in a YAML manifest.
// Columns and foreign keys are introspected from the local database once at
// startup, and the registry fixes the dependency order the persister applies
// records in. Nothing downstream looks models up by string on a hot path
// without going through the resolved Registry.
package schema

import (
	"fmt"
	"sort"

	"github.com/beyondessential/tamanu-sync/internal/db"
	"github.com/beyondessential/tamanu-sync/internal/types"
)

// Model is one synced record type, resolved against the local schema.
type Model struct {
	RecordType          string
	Table               string
	Direction           types.SyncDirection
	Columns             []string
	ExcludedColumns     []string
	ForeignKeys         []db.ForeignKeyInfo
	IgnoredDependencies []string

	syncable []string
}

// SyncableColumns returns the columns carried in SyncRecord.Data: every
// column except the excluded ones and the two sync bookkeeping columns,
// which travel as isDeleted and updatedAtSyncTick instead.
func (m *Model) SyncableColumns() []string {
	if m.syncable != nil {
		return m.syncable
	}
	excluded := make(map[string]bool, len(m.ExcludedColumns)+2)
	for _, c := range m.ExcludedColumns {
		excluded[c] = true
	}
	excluded[types.ColumnSyncTick] = true
	excluded[types.ColumnDeletedAt] = true

	cols := make([]string, 0, len(m.Columns))
	for _, c := range m.Columns {
		if !excluded[c] {
			cols = append(cols, c)
		}
	}
	m.syncable = cols
	return cols
}

// HasColumn reports whether the table has column c.
func (m *Model) HasColumn(c string) bool {
	for _, col := range m.Columns {
		if col == c {
			return true
		}
	}
	return false
}

// IsSyncable reports whether column c travels in SyncRecord.Data.
func (m *Model) IsSyncable(c string) bool {
	for _, col := range m.SyncableColumns() {
		if col == c {
			return true
		}
	}
	return false
}

// DependsOn returns the tables this model references through foreign keys,
// minus ignored dependencies. Sorted, without duplicates.
func (m *Model) DependsOn() []string {
	ignored := make(map[string]bool, len(m.IgnoredDependencies))
	for _, d := range m.IgnoredDependencies {
		ignored[d] = true
	}
	seen := make(map[string]bool)
	var out []string
	for _, fk := range m.ForeignKeys {
		if ignored[fk.Table] || seen[fk.Table] {
			continue
		}
		seen[fk.Table] = true
		out = append(out, fk.Table)
	}
	sort.Strings(out)
	return out
}

// Validate checks that the table carries the columns sync relies on.
func (m *Model) Validate() error {
	if m.RecordType == "" {
		return fmt.Errorf("record type is required")
	}
	if !m.Direction.IsValid() {
		return fmt.Errorf("%s: invalid sync direction %q", m.RecordType, m.Direction)
	}
	for _, c := range []string{types.ColumnID, types.ColumnSyncTick, types.ColumnDeletedAt} {
		if !m.HasColumn(c) {
			return fmt.Errorf("%s: table %s is missing required column %s", m.RecordType, m.Table, c)
		}
	}
	for _, c := range m.ExcludedColumns {
		if c == types.ColumnID {
			return fmt.Errorf("%s: id cannot be excluded", m.RecordType)
		}
	}
	return nil
}
