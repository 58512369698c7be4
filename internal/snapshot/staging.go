package snapshot

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/beyondessential/tamanu-sync/internal/batch"
	"github.com/beyondessential/tamanu-sync/internal/db"
	"github.com/beyondessential/tamanu-sync/internal/types"
)

// SnapshotTablePrefix names every staging table.
const SnapshotTablePrefix = "sync_snapshot_"

// stagedParams is the number of bound parameters per staged row.
const stagedParams = 5

// SnapshotTableName returns the staging table for a session. Characters
// outside [A-Za-z0-9_] are replaced so the name is a safe identifier.
func SnapshotTableName(sessionID string) string {
	var sb strings.Builder
	sb.WriteString(SnapshotTablePrefix)
	for _, r := range sessionID {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_':
			sb.WriteRune(r)
		default:
			sb.WriteByte('_')
		}
	}
	return sb.String()
}

// CreateSnapshotTable creates the staging table for a session and returns
// its name. An existing table from an interrupted attempt of the same
// session is emptied.
func CreateSnapshotTable(ctx context.Context, q db.Querier, sessionID string) (string, error) {
	table := SnapshotTableName(sessionID)
	quoted := db.QuoteIdent(table)
	ddl := fmt.Sprintf(`
	CREATE TABLE IF NOT EXISTS %s (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		record_type TEXT NOT NULL,
		record_id TEXT NOT NULL,
		is_deleted INTEGER NOT NULL DEFAULT 0,
		updated_at_sync_tick INTEGER NOT NULL,
		data TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS %s ON %s (record_type, id);
	DELETE FROM %s;
	`, quoted, db.QuoteIdent(table+"_type_idx"), quoted, quoted)

	if _, err := q.ExecContext(ctx, ddl); err != nil {
		return "", fmt.Errorf("failed to create snapshot table %s: %w", table, err)
	}
	return table, nil
}

// InsertSnapshotRecords appends records to a staging table, batched so no
// statement exceeds maxParams bound parameters.
func InsertSnapshotRecords(ctx context.Context, q db.Querier, table string, records []types.SyncRecord, maxParams int) error {
	if len(records) == 0 {
		return nil
	}
	if maxParams <= 0 {
		maxParams = batch.DefaultMaxParams
	}

	size := batch.EffectiveBatchSize(len(records), stagedParams, maxParams)
	prefix := fmt.Sprintf("INSERT INTO %s (record_type, record_id, is_deleted, updated_at_sync_tick, data) VALUES ", db.QuoteIdent(table))

	for _, chunk := range batch.Chunk(records, size) {
		tuples := make([]string, len(chunk))
		args := make([]any, 0, len(chunk)*stagedParams)
		for i := range chunk {
			rec := &chunk[i]
			if err := rec.Validate(); err != nil {
				return fmt.Errorf("invalid pulled record: %w", err)
			}
			data, err := rec.DataJSON()
			if err != nil {
				return err
			}
			tuples[i] = "(?, ?, ?, ?, ?)"
			args = append(args, rec.RecordType, rec.RecordID, rec.IsDeleted, rec.UpdatedAtSyncTick, data)
		}
		if _, err := q.ExecContext(ctx, prefix+strings.Join(tuples, ", "), args...); err != nil {
			return fmt.Errorf("failed to stage %d records: %w", len(chunk), err)
		}
	}
	return nil
}

// CountSnapshotRecords returns the number of staged records.
func CountSnapshotRecords(ctx context.Context, q db.Querier, table string) (int, error) {
	var n int
	if err := q.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+db.QuoteIdent(table)).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count staged records: %w", err)
	}
	return n, nil
}

// DropSnapshotTable removes a staging table.
func DropSnapshotTable(ctx context.Context, q db.Querier, table string) error {
	if _, err := q.ExecContext(ctx, "DROP TABLE IF EXISTS "+db.QuoteIdent(table)); err != nil {
		return fmt.Errorf("failed to drop snapshot table %s: %w", table, err)
	}
	return nil
}

// DropStaleSnapshotTables drops every staging table except keep and returns
// the names dropped. Stale tables are left behind by runs that crashed
// before applying.
func DropStaleSnapshotTables(ctx context.Context, q db.Querier, keep string) ([]string, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT name FROM sqlite_master WHERE type = 'table' AND substr(name, 1, ?) = ?`,
		len(SnapshotTablePrefix), SnapshotTablePrefix)
	if err != nil {
		return nil, fmt.Errorf("failed to list snapshot tables: %w", err)
	}
	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan snapshot table name: %w", err)
		}
		if name != keep {
			names = append(names, name)
		}
	}
	err = rows.Err()
	rows.Close()
	if err != nil {
		return nil, fmt.Errorf("failed to list snapshot tables: %w", err)
	}

	for _, name := range names {
		if err := DropSnapshotTable(ctx, q, name); err != nil {
			return nil, err
		}
	}
	return names, nil
}

// StagedSource reads staged records back by type, in pages, in the order
// they were pulled.
type StagedSource struct {
	q        db.Querier
	table    string
	pageSize int
}

// NewStagedSource reads table through q.
func NewStagedSource(q db.Querier, table string, pageSize int) *StagedSource {
	if pageSize <= 0 {
		pageSize = 1000
	}
	return &StagedSource{q: q, table: table, pageSize: pageSize}
}

// RecordTypes lists the staged record types.
func (s *StagedSource) RecordTypes(ctx context.Context) ([]string, error) {
	rows, err := s.q.QueryContext(ctx, "SELECT DISTINCT record_type FROM "+db.QuoteIdent(s.table)+" ORDER BY record_type")
	if err != nil {
		return nil, fmt.Errorf("failed to list staged record types: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var rt string
		if err := rows.Scan(&rt); err != nil {
			return nil, fmt.Errorf("failed to scan staged record type: %w", err)
		}
		out = append(out, rt)
	}
	return out, rows.Err()
}

// Each calls fn with pages of staged records of recordType. Each page is
// read completely before fn runs, so fn may write on the same connection.
func (s *StagedSource) Each(ctx context.Context, recordType string, fn func([]types.SyncRecord) error) error {
	query := fmt.Sprintf(
		"SELECT id, record_id, is_deleted, updated_at_sync_tick, data FROM %s WHERE record_type = ? AND id > ? ORDER BY id LIMIT ?",
		db.QuoteIdent(s.table))

	var after int64
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		page, last, err := s.page(ctx, query, recordType, after)
		if err != nil {
			return err
		}
		if len(page) == 0 {
			return nil
		}
		if err := fn(page); err != nil {
			return err
		}
		if len(page) < s.pageSize {
			return nil
		}
		after = last
	}
}

func (s *StagedSource) page(ctx context.Context, query, recordType string, after int64) ([]types.SyncRecord, int64, error) {
	rows, err := s.q.QueryContext(ctx, query, recordType, after, s.pageSize)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to read staged %s: %w", recordType, err)
	}
	defer rows.Close()

	var (
		page []types.SyncRecord
		last int64
	)
	for rows.Next() {
		rec := types.SyncRecord{RecordType: recordType}
		var data string
		if err := rows.Scan(&last, &rec.RecordID, &rec.IsDeleted, &rec.UpdatedAtSyncTick, &data); err != nil {
			return nil, 0, fmt.Errorf("failed to scan staged %s: %w", recordType, err)
		}
		dec := json.NewDecoder(bytes.NewReader([]byte(data)))
		dec.UseNumber()
		if err := dec.Decode(&rec.Data); err != nil {
			return nil, 0, fmt.Errorf("failed to decode staged %s/%s: %w", recordType, rec.RecordID, err)
		}
		page = append(page, rec)
	}
	return page, last, rows.Err()
}
