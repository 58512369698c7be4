// Package snapshot materializes the records of one sync run.
//
// Outgoing: locally changed rows since the last successful push are read
// into wire records, held in memory or spilled to a msgpack file when the
// set is large. Incoming: pulled pages of an incremental sync are staged in
// a per-session table so peak memory stays bounded until the whole set is
// applied.
package snapshot

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"strings"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/beyondessential/tamanu-sync/internal/db"
	"github.com/beyondessential/tamanu-sync/internal/schema"
	"github.com/beyondessential/tamanu-sync/internal/types"
)

// DefaultSpillThreshold is the number of outgoing records held in memory
// before the snapshot moves to a temp file.
const DefaultSpillThreshold = 10000

// Options configure a Snapshotter.
type Options struct {
	// SpillThreshold is the record count above which the outgoing set is
	// written to disk. Zero uses DefaultSpillThreshold.
	SpillThreshold int

	// SpillDir is where spill files go. Empty uses os.TempDir().
	SpillDir string
}

// Snapshotter reads outgoing changes. It only reads; no network I/O.
type Snapshotter struct {
	q        db.Querier
	registry *schema.Registry
	opts     Options
	logger   *log.Logger
}

// NewSnapshotter creates a Snapshotter reading through q. A nil logger logs
// to stderr.
func NewSnapshotter(q db.Querier, registry *schema.Registry, opts Options, logger *log.Logger) *Snapshotter {
	if opts.SpillThreshold <= 0 {
		opts.SpillThreshold = DefaultSpillThreshold
	}
	if logger == nil {
		logger = log.New(os.Stderr, "[snapshot] ", log.LstdFlags)
	}
	return &Snapshotter{q: q, registry: registry, opts: opts, logger: logger}
}

// SnapshotOutgoing collects every row of a pushed model with
// updated_at_sync_tick >= since, in dependency order. The caller must Close
// the result.
func (s *Snapshotter) SnapshotOutgoing(ctx context.Context, since int64) (*Outgoing, error) {
	out := &Outgoing{counts: make(map[string]int), threshold: s.opts.SpillThreshold, dir: s.opts.SpillDir}

	for _, model := range s.registry.PushModels() {
		if err := s.readModel(ctx, model, since, out); err != nil {
			_ = out.Close()
			return nil, err
		}
	}
	if err := out.finish(); err != nil {
		_ = out.Close()
		return nil, err
	}
	if out.file != nil {
		s.logger.Printf("outgoing snapshot of %d records spilled to %s", out.total, out.file.Name())
	}
	return out, nil
}

func (s *Snapshotter) readModel(ctx context.Context, model *schema.Model, since int64, out *Outgoing) error {
	cols := model.SyncableColumns()
	quoted := make([]string, len(cols))
	for i, c := range cols {
		quoted[i] = db.QuoteIdent(c)
	}
	query := fmt.Sprintf(
		"SELECT %s, updated_at_sync_tick, deleted_at IS NOT NULL FROM %s WHERE updated_at_sync_tick >= ? ORDER BY updated_at_sync_tick, id",
		strings.Join(quoted, ", "), db.QuoteIdent(model.Table))

	rows, err := s.q.QueryContext(ctx, query, since)
	if err != nil {
		return fmt.Errorf("failed to snapshot %s: %w", model.RecordType, err)
	}
	defer rows.Close()

	values := make([]any, len(cols))
	ptrs := make([]any, len(cols)+2)
	for i := range values {
		ptrs[i] = &values[i]
	}
	for rows.Next() {
		var rec types.SyncRecord
		ptrs[len(cols)] = &rec.UpdatedAtSyncTick
		ptrs[len(cols)+1] = &rec.IsDeleted
		if err := rows.Scan(ptrs...); err != nil {
			return fmt.Errorf("failed to scan %s: %w", model.RecordType, err)
		}

		rec.RecordType = model.RecordType
		rec.Data = make(map[string]any, len(cols))
		for i, c := range cols {
			v := values[i]
			if b, ok := v.([]byte); ok {
				v = string(b)
			}
			rec.Data[c] = v
		}
		rec.RecordID, _ = rec.Data[types.ColumnID].(string)

		if err := out.add(rec); err != nil {
			return err
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("failed to snapshot %s: %w", model.RecordType, err)
	}
	return nil
}

// Outgoing is a snapshot of outgoing records, consumed page by page.
type Outgoing struct {
	total     int
	counts    map[string]int
	threshold int
	dir       string

	mem []types.SyncRecord
	pos int

	file *os.File
	w    *bufio.Writer
	enc  *msgpack.Encoder
	dec  *msgpack.Decoder
	read int
}

func (o *Outgoing) add(rec types.SyncRecord) error {
	o.total++
	o.counts[rec.RecordType]++

	if o.enc == nil {
		o.mem = append(o.mem, rec)
		if len(o.mem) <= o.threshold {
			return nil
		}
		if err := o.spill(); err != nil {
			return err
		}
		return nil
	}
	if err := o.enc.Encode(&rec); err != nil {
		return fmt.Errorf("failed to write spill file: %w", err)
	}
	return nil
}

// spill moves the in-memory records to a temp file and switches to
// streaming.
func (o *Outgoing) spill() error {
	f, err := os.CreateTemp(o.dir, "tsync-outgoing-*.msgpack")
	if err != nil {
		return fmt.Errorf("failed to create spill file: %w", err)
	}
	o.file = f
	o.w = bufio.NewWriter(f)
	o.enc = msgpack.NewEncoder(o.w)
	for i := range o.mem {
		if err := o.enc.Encode(&o.mem[i]); err != nil {
			return fmt.Errorf("failed to write spill file: %w", err)
		}
	}
	o.mem = nil
	return nil
}

func (o *Outgoing) finish() error {
	if o.file == nil {
		return nil
	}
	if err := o.w.Flush(); err != nil {
		return fmt.Errorf("failed to flush spill file: %w", err)
	}
	if _, err := o.file.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("failed to rewind spill file: %w", err)
	}
	o.dec = msgpack.NewDecoder(bufio.NewReader(o.file))
	o.dec.UseLooseInterfaceDecoding(true)
	return nil
}

// Len is the total number of records.
func (o *Outgoing) Len() int {
	return o.total
}

// Remaining is the number of records not yet returned by Next.
func (o *Outgoing) Remaining() int {
	if o.dec != nil {
		return o.total - o.read
	}
	return len(o.mem) - o.pos
}

// Counts returns the number of records per record type.
func (o *Outgoing) Counts() map[string]int {
	return o.counts
}

// Spilled reports whether the snapshot lives on disk.
func (o *Outgoing) Spilled() bool {
	return o.file != nil
}

// Next returns up to n records. An empty result means the snapshot is
// exhausted.
func (o *Outgoing) Next(n int) ([]types.SyncRecord, error) {
	if n < 1 {
		n = 1
	}
	if o.dec == nil {
		end := o.pos + n
		if end > len(o.mem) {
			end = len(o.mem)
		}
		page := o.mem[o.pos:end]
		o.pos = end
		return page, nil
	}

	page := make([]types.SyncRecord, 0, n)
	for len(page) < n && o.read < o.total {
		var rec types.SyncRecord
		if err := o.dec.Decode(&rec); err != nil {
			if errors.Is(err, io.EOF) {
				return page, fmt.Errorf("spill file ended after %d of %d records", o.read, o.total)
			}
			return page, fmt.Errorf("failed to read spill file: %w", err)
		}
		o.read++
		page = append(page, rec)
	}
	return page, nil
}

// Close releases the spill file, if any.
func (o *Outgoing) Close() error {
	if o.file == nil {
		return nil
	}
	name := o.file.Name()
	err := o.file.Close()
	if rerr := os.Remove(name); rerr != nil && !os.IsNotExist(rerr) && err == nil {
		err = rerr
	}
	o.file = nil
	return err
}
