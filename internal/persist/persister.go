// Package persist applies incoming sync records to the local store.
//
// Records of one type are looked up, classified against the local row by
// sync tick (strict last-write-wins) and written as multi-row statements
// capped at the database's bound parameter limit. Each statement runs under
// a savepoint; if it fails, the batch is replayed one row at a time so a
// single bad record is isolated and reported while the rest still apply.
//
// The persister never commits. The caller owns the transaction and decides
// whether accumulated failures abort it.
package persist

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/beyondessential/tamanu-sync/internal/batch"
	"github.com/beyondessential/tamanu-sync/internal/db"
	"github.com/beyondessential/tamanu-sync/internal/schema"
	"github.com/beyondessential/tamanu-sync/internal/syncerr"
	"github.com/beyondessential/tamanu-sync/internal/types"
)

// Options configure a Persister.
type Options struct {
	// MaxParams is the bound parameter ceiling of one statement.
	MaxParams int

	// InsertBatchSize is the desired number of rows per INSERT.
	InsertBatchSize int

	// UpdateBatchSize is the desired number of rows per CASE update.
	UpdateBatchSize int
}

// DefaultOptions returns the options used by the sync manager.
func DefaultOptions() Options {
	return Options{
		MaxParams:       batch.DefaultMaxParams,
		InsertBatchSize: 500,
		UpdateBatchSize: 200,
	}
}

// Persister writes incoming records. It holds no state between calls and is
// safe for concurrent use on different transactions.
type Persister struct {
	opts   Options
	logger *log.Logger
}

// New creates a Persister. A nil logger logs to stderr.
func New(opts Options, logger *log.Logger) *Persister {
	def := DefaultOptions()
	if opts.MaxParams <= 0 {
		opts.MaxParams = def.MaxParams
	}
	if opts.InsertBatchSize <= 0 {
		opts.InsertBatchSize = def.InsertBatchSize
	}
	if opts.UpdateBatchSize <= 0 {
		opts.UpdateBatchSize = def.UpdateBatchSize
	}
	if logger == nil {
		logger = log.New(os.Stderr, "[persist] ", log.LstdFlags)
	}
	return &Persister{opts: opts, logger: logger}
}

// Result counts what one apply did.
type Result struct {
	Created  int
	Updated  int
	Deleted  int
	Restored int
	Skipped  int
	Failures []*syncerr.RecordFailure
}

// Applied is the number of records that changed local state.
func (r Result) Applied() int {
	return r.Created + r.Updated + r.Deleted + r.Restored
}

// Add accumulates other into r.
func (r *Result) Add(other Result) {
	r.Created += other.Created
	r.Updated += other.Updated
	r.Deleted += other.Deleted
	r.Restored += other.Restored
	r.Skipped += other.Skipped
	r.Failures = append(r.Failures, other.Failures...)
}

// Err returns a PersistenceError when any record failed.
func (r Result) Err() error {
	if len(r.Failures) == 0 {
		return nil
	}
	return &syncerr.PersistenceError{Failures: r.Failures}
}

// localRow is the part of an existing row classification needs.
type localRow struct {
	tick    int64
	deleted bool
}

// pending is one record on its way to a statement, with its projected
// columns in signature order.
type pending struct {
	rec  *types.SyncRecord
	cols []string
	vals []any
}

type plan struct {
	creates     []*types.SyncRecord
	updates     []*types.SyncRecord
	softDeletes []*types.SyncRecord
	restores    []*types.SyncRecord
	skipped     int
}

// ApplyRecords applies records of one model.
//
// q must be bound to a single connection (a *sql.Tx or *sql.Conn) because
// savepoints are connection state. The returned error is for failures that
// are not attributable to a record, such as a cancelled context or a broken
// connection; record failures are in Result.Failures.
func (p *Persister) ApplyRecords(ctx context.Context, q db.Querier, model *schema.Model, records []types.SyncRecord) (Result, error) {
	var result Result
	if len(records) == 0 {
		return result, nil
	}

	valid := make([]types.SyncRecord, 0, len(records))
	for i := range records {
		rec := &records[i]
		if err := rec.Validate(); err != nil {
			result.Failures = append(result.Failures, &syncerr.RecordFailure{RecordType: model.RecordType, RecordID: rec.RecordID, Err: err})
			continue
		}
		if rec.RecordType != model.RecordType {
			result.Failures = append(result.Failures, &syncerr.RecordFailure{
				RecordType: model.RecordType,
				RecordID:   rec.RecordID,
				Err:        fmt.Errorf("record type %s does not match model", rec.RecordType),
			})
			continue
		}
		valid = append(valid, *rec)
	}

	deduped, dupes := dedupe(valid)
	result.Skipped += dupes

	existing, err := p.lookup(ctx, q, model, deduped)
	if err != nil {
		return result, err
	}

	pl := classify(deduped, existing)
	result.Skipped += pl.skipped

	failed := make(map[string]bool)
	note := func(fs []*syncerr.RecordFailure) {
		for _, f := range fs {
			failed[f.RecordID] = true
		}
		result.Failures = append(result.Failures, fs...)
	}

	n, fs, err := p.insert(ctx, q, model, pl.creates)
	note(fs)
	if err != nil {
		return result, err
	}
	result.Created += n

	now := time.Now().UTC().Format(time.RFC3339)
	fs, err = p.markDeleted(ctx, q, model, pl.softDeletes, now)
	note(fs)
	if err != nil {
		return result, err
	}
	fs, err = p.markDeleted(ctx, q, model, pl.restores, nil)
	note(fs)
	if err != nil {
		return result, err
	}

	// Soft-deletes and restores continue down the update path for their
	// other changed columns.
	var toUpdate []*types.SyncRecord
	for _, recs := range [][]*types.SyncRecord{pl.updates, pl.softDeletes, pl.restores} {
		for _, rec := range recs {
			if !failed[rec.RecordID] {
				toUpdate = append(toUpdate, rec)
			}
		}
	}
	fs, err = p.update(ctx, q, model, toUpdate)
	note(fs)
	if err != nil {
		return result, err
	}

	for _, rec := range pl.updates {
		if !failed[rec.RecordID] {
			result.Updated++
		}
	}
	for _, rec := range pl.softDeletes {
		if !failed[rec.RecordID] {
			result.Deleted++
		}
	}
	for _, rec := range pl.restores {
		if !failed[rec.RecordID] {
			result.Restored++
		}
	}

	return result, nil
}

// dedupe keeps one record per id, the one with the highest tick. On equal
// ticks the later occurrence wins.
func dedupe(records []types.SyncRecord) ([]types.SyncRecord, int) {
	index := make(map[string]int, len(records))
	out := make([]types.SyncRecord, 0, len(records))
	dupes := 0
	for _, rec := range records {
		if i, ok := index[rec.RecordID]; ok {
			dupes++
			if rec.UpdatedAtSyncTick >= out[i].UpdatedAtSyncTick {
				out[i] = rec
			}
			continue
		}
		index[rec.RecordID] = len(out)
		out = append(out, rec)
	}
	return out, dupes
}

func classify(records []types.SyncRecord, existing map[string]localRow) plan {
	var pl plan
	for i := range records {
		rec := &records[i]
		local, ok := existing[rec.RecordID]
		switch {
		case !ok:
			pl.creates = append(pl.creates, rec)
		case rec.UpdatedAtSyncTick <= local.tick:
			pl.skipped++
		case rec.IsDeleted && !local.deleted:
			pl.softDeletes = append(pl.softDeletes, rec)
		case !rec.IsDeleted && local.deleted:
			pl.restores = append(pl.restores, rec)
		default:
			pl.updates = append(pl.updates, rec)
		}
	}
	return pl
}

func (p *Persister) lookup(ctx context.Context, q db.Querier, model *schema.Model, records []types.SyncRecord) (map[string]localRow, error) {
	existing := make(map[string]localRow, len(records))
	ids := make([]any, len(records))
	for i := range records {
		ids[i] = records[i].RecordID
	}

	size := batch.EffectiveBatchSize(len(ids), 1, p.opts.MaxParams)
	for _, chunk := range batch.Chunk(ids, size) {
		query := fmt.Sprintf("SELECT id, updated_at_sync_tick, deleted_at IS NOT NULL FROM %s WHERE id IN (%s)",
			db.QuoteIdent(model.Table), placeholders(len(chunk)))
		rows, err := q.QueryContext(ctx, query, chunk...)
		if err != nil {
			return nil, fmt.Errorf("failed to look up existing %s: %w", model.RecordType, err)
		}
		for rows.Next() {
			var id string
			var row localRow
			if err := rows.Scan(&id, &row.tick, &row.deleted); err != nil {
				rows.Close()
				return nil, fmt.Errorf("failed to scan existing %s: %w", model.RecordType, err)
			}
			existing[id] = row
		}
		err = rows.Err()
		rows.Close()
		if err != nil {
			return nil, fmt.Errorf("failed to look up existing %s: %w", model.RecordType, err)
		}
	}
	return existing, nil
}

// project returns the record's syncable columns present in its data, sorted,
// with their SQL values. Keys the local schema does not know are ignored.
func project(model *schema.Model, rec *types.SyncRecord) ([]string, []any, error) {
	cols := make([]string, 0, len(rec.Data))
	for k := range rec.Data {
		if k == types.ColumnID || !model.IsSyncable(k) {
			continue
		}
		cols = append(cols, k)
	}
	sort.Strings(cols)

	vals := make([]any, len(cols))
	for i, c := range cols {
		v, err := sqlValue(rec.Data[c])
		if err != nil {
			return nil, nil, fmt.Errorf("column %s: %w", c, err)
		}
		vals[i] = v
	}
	return cols, vals, nil
}

// sqlValue converts a decoded JSON value into something the driver binds.
// Nested objects and arrays are stored as JSON text.
func sqlValue(v any) (any, error) {
	switch x := v.(type) {
	case nil, string, bool, int, int64, float64:
		return x, nil
	case json.Number:
		if n, err := x.Int64(); err == nil {
			return n, nil
		}
		return x.Float64()
	case map[string]any, []any:
		b, err := json.Marshal(x)
		if err != nil {
			return nil, err
		}
		return string(b), nil
	default:
		return fmt.Sprint(x), nil
	}
}

func deletedAtValue(rec *types.SyncRecord, now string) any {
	if s, ok := rec.Data[types.ColumnDeletedAt].(string); ok && s != "" {
		return s
	}
	return now
}

// group buckets rows by column signature so each statement binds a uniform
// column list. Groups come back in signature order.
func group(rows []pending) [][]pending {
	bySig := make(map[string][]pending)
	var sigs []string
	for _, r := range rows {
		sig := strings.Join(r.cols, "\x00")
		if _, ok := bySig[sig]; !ok {
			sigs = append(sigs, sig)
		}
		bySig[sig] = append(bySig[sig], r)
	}
	sort.Strings(sigs)
	out := make([][]pending, len(sigs))
	for i, sig := range sigs {
		out[i] = bySig[sig]
	}
	return out
}

func (p *Persister) insert(ctx context.Context, q db.Querier, model *schema.Model, records []*types.SyncRecord) (int, []*syncerr.RecordFailure, error) {
	if len(records) == 0 {
		return 0, nil, nil
	}
	now := time.Now().UTC().Format(time.RFC3339)

	var failures []*syncerr.RecordFailure
	rows := make([]pending, 0, len(records))
	for _, rec := range records {
		cols, vals, err := project(model, rec)
		if err != nil {
			failures = append(failures, recordFailure(model, rec, err))
			continue
		}
		var deletedAt any
		if rec.IsDeleted {
			deletedAt = deletedAtValue(rec, now)
		}
		cols = append([]string{types.ColumnID, types.ColumnSyncTick, types.ColumnDeletedAt}, cols...)
		vals = append([]any{rec.RecordID, rec.UpdatedAtSyncTick, deletedAt}, vals...)
		rows = append(rows, pending{rec: rec, cols: cols, vals: vals})
	}

	created := 0
	for _, g := range group(rows) {
		cols := g[0].cols
		quoted := make([]string, len(cols))
		for i, c := range cols {
			quoted[i] = db.QuoteIdent(c)
		}
		prefix := fmt.Sprintf("INSERT INTO %s (%s) VALUES ", db.QuoteIdent(model.Table), strings.Join(quoted, ", "))
		tuple := "(" + placeholders(len(cols)) + ")"

		build := func(chunk []pending) (string, []any) {
			tuples := make([]string, len(chunk))
			args := make([]any, 0, len(chunk)*len(cols))
			for i, r := range chunk {
				tuples[i] = tuple
				args = append(args, r.vals...)
			}
			return prefix + strings.Join(tuples, ", "), args
		}

		size := batch.EffectiveBatchSize(p.opts.InsertBatchSize, len(cols), p.opts.MaxParams)
		for _, chunk := range batch.Chunk(g, size) {
			ok, fs, err := p.runBatch(ctx, q, model, "insert", chunk, build)
			failures = append(failures, fs...)
			if err != nil {
				return created, failures, err
			}
			created += ok
		}
	}
	return created, failures, nil
}

func (p *Persister) update(ctx context.Context, q db.Querier, model *schema.Model, records []*types.SyncRecord) ([]*syncerr.RecordFailure, error) {
	if len(records) == 0 {
		return nil, nil
	}

	var failures []*syncerr.RecordFailure
	rows := make([]pending, 0, len(records))
	for _, rec := range records {
		cols, vals, err := project(model, rec)
		if err != nil {
			failures = append(failures, recordFailure(model, rec, err))
			continue
		}
		cols = append(cols, types.ColumnSyncTick)
		vals = append(vals, rec.UpdatedAtSyncTick)
		rows = append(rows, pending{rec: rec, cols: cols, vals: vals})
	}

	for _, g := range group(rows) {
		cols := g[0].cols
		table := db.QuoteIdent(model.Table)

		build := func(chunk []pending) (string, []any) {
			var sb strings.Builder
			args := make([]any, 0, len(chunk)*(2*len(cols)+1))
			fmt.Fprintf(&sb, "UPDATE %s SET ", table)
			for ci, c := range cols {
				if ci > 0 {
					sb.WriteString(", ")
				}
				qc := db.QuoteIdent(c)
				fmt.Fprintf(&sb, "%s = CASE id", qc)
				for _, r := range chunk {
					sb.WriteString(" WHEN ? THEN ?")
					args = append(args, r.rec.RecordID, r.vals[ci])
				}
				fmt.Fprintf(&sb, " ELSE %s END", qc)
			}
			fmt.Fprintf(&sb, " WHERE id IN (%s)", placeholders(len(chunk)))
			for _, r := range chunk {
				args = append(args, r.rec.RecordID)
			}
			return sb.String(), args
		}

		size := batch.EffectiveBatchSize(p.opts.UpdateBatchSize, 2*len(cols)+1, p.opts.MaxParams)
		for _, chunk := range batch.Chunk(g, size) {
			_, fs, err := p.runBatch(ctx, q, model, "update", chunk, build)
			failures = append(failures, fs...)
			if err != nil {
				return failures, err
			}
		}
	}
	return failures, nil
}

// markDeleted sets deleted_at on records, or clears it when value is nil.
func (p *Persister) markDeleted(ctx context.Context, q db.Querier, model *schema.Model, records []*types.SyncRecord, value any) ([]*syncerr.RecordFailure, error) {
	if len(records) == 0 {
		return nil, nil
	}
	rows := make([]pending, len(records))
	for i, rec := range records {
		v := value
		if s, ok := value.(string); ok {
			v = deletedAtValue(rec, s)
		}
		rows[i] = pending{rec: rec, vals: []any{v}}
	}

	build := func(chunk []pending) (string, []any) {
		var sb strings.Builder
		args := make([]any, 0, 3*len(chunk))
		fmt.Fprintf(&sb, "UPDATE %s SET deleted_at = CASE id", db.QuoteIdent(model.Table))
		for _, r := range chunk {
			sb.WriteString(" WHEN ? THEN ?")
			args = append(args, r.rec.RecordID, r.vals[0])
		}
		fmt.Fprintf(&sb, " ELSE deleted_at END WHERE id IN (%s)", placeholders(len(chunk)))
		for _, r := range chunk {
			args = append(args, r.rec.RecordID)
		}
		return sb.String(), args
	}

	var failures []*syncerr.RecordFailure
	op := "soft-delete"
	if value == nil {
		op = "restore"
	}
	size := batch.EffectiveBatchSize(p.opts.UpdateBatchSize, 3, p.opts.MaxParams)
	for _, chunk := range batch.Chunk(rows, size) {
		_, fs, err := p.runBatch(ctx, q, model, op, chunk, build)
		failures = append(failures, fs...)
		if err != nil {
			return failures, err
		}
	}
	return failures, nil
}

// runBatch executes one batched statement under a savepoint. If it fails the
// savepoint is rolled back and every row is replayed under its own
// savepoint. It returns the number of rows written and the rows that failed.
func (p *Persister) runBatch(ctx context.Context, q db.Querier, model *schema.Model, op string, chunk []pending, build func([]pending) (string, []any)) (int, []*syncerr.RecordFailure, error) {
	if err := ctx.Err(); err != nil {
		return 0, nil, err
	}

	query, args := build(chunk)
	batchErr, err := underSavepoint(ctx, q, "persist_batch", func() error {
		_, err := q.ExecContext(ctx, query, args...)
		return err
	})
	if err != nil {
		return 0, nil, err
	}
	if batchErr == nil {
		return len(chunk), nil, nil
	}

	if len(chunk) > 1 {
		p.logger.Printf("WARNING: batch %s of %d %s failed, replaying row by row: %v", op, len(chunk), model.RecordType, batchErr)
	}

	var failures []*syncerr.RecordFailure
	ok := 0
	for _, row := range chunk {
		if err := ctx.Err(); err != nil {
			return ok, failures, err
		}
		query, args := build([]pending{row})
		rowErr, err := underSavepoint(ctx, q, "persist_row", func() error {
			_, err := q.ExecContext(ctx, query, args...)
			return err
		})
		if err != nil {
			return ok, failures, err
		}
		if rowErr != nil {
			failures = append(failures, recordFailure(model, row.rec, fmt.Errorf("%s: %w", op, rowErr)))
			continue
		}
		ok++
	}
	return ok, failures, nil
}

// underSavepoint runs fn inside a savepoint. fnErr is fn's error, returned
// after the savepoint was rolled back; err is a failure to manage the
// savepoint itself.
func underSavepoint(ctx context.Context, q db.Querier, name string, fn func() error) (fnErr, err error) {
	if _, err := q.ExecContext(ctx, "SAVEPOINT "+name); err != nil {
		return nil, fmt.Errorf("failed to create savepoint: %w", err)
	}
	if fnErr = fn(); fnErr != nil {
		if _, err := q.ExecContext(ctx, "ROLLBACK TO "+name); err != nil {
			return nil, fmt.Errorf("failed to roll back savepoint after %v: %w", fnErr, err)
		}
		if _, err := q.ExecContext(ctx, "RELEASE "+name); err != nil {
			return nil, fmt.Errorf("failed to release savepoint: %w", err)
		}
		return fnErr, nil
	}
	if _, err := q.ExecContext(ctx, "RELEASE "+name); err != nil {
		return nil, fmt.Errorf("failed to release savepoint: %w", err)
	}
	return nil, nil
}

func recordFailure(model *schema.Model, rec *types.SyncRecord, err error) *syncerr.RecordFailure {
	return &syncerr.RecordFailure{RecordType: model.RecordType, RecordID: rec.RecordID, Err: err}
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.Repeat("?, ", n-1) + "?"
}
