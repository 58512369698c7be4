package sync

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/beyondessential/tamanu-sync/internal/batch"
	"github.com/beyondessential/tamanu-sync/internal/central"
	"github.com/beyondessential/tamanu-sync/internal/db"
	"github.com/beyondessential/tamanu-sync/internal/persist"
	"github.com/beyondessential/tamanu-sync/internal/snapshot"
	"github.com/beyondessential/tamanu-sync/internal/syncerr"
	"github.com/beyondessential/tamanu-sync/internal/types"
)

// pullIncoming pulls and applies remote changes, then advances every
// watermark in the same transaction.
func (m *Manager) pullIncoming(ctx context.Context, run *Run, session *central.Session, lastPull int64, result *Result) error {
	tables := tableNames(m.registry.PullModels())
	sort.Strings(tables)

	var fullResync []string
	if !result.Initial {
		synced, err := m.syncedTables(ctx)
		if err != nil {
			return err
		}
		for _, t := range tables {
			if !synced[t] {
				fullResync = append(fullResync, t)
			}
		}
		if len(fullResync) > 0 {
			m.logger.Printf("pulling full history for newly synced tables: %v", fullResync)
		}
	}

	meta, err := m.central.InitiatePull(ctx, session.ID, central.PullRequest{
		Since:               lastPull,
		FacilityIDs:         m.opts.FacilityIDs,
		TablesToInclude:     tables,
		TablesForFullResync: fullResync,
	})
	if err != nil {
		return fmt.Errorf("failed to initiate pull: %w", err)
	}
	result.PullUntil = meta.PullUntil
	m.logger.Printf("pulling %d records up to tick %d (initial=%v)", meta.TotalToPull, meta.PullUntil, result.Initial)

	commit := func(tx *sql.Tx) error {
		return m.writeWatermarks(ctx, tx, session, meta.PullUntil, tables)
	}

	if result.Initial {
		return m.db.WithIncomingTx(ctx, db.IncomingOptions{Unsafe: true}, func(tx *sql.Tx) error {
			err := m.pullPages(ctx, run, session.ID, meta.TotalToPull, func(page []types.SyncRecord) error {
				res, err := m.persister.ApplyOrdered(ctx, tx, m.registry, persist.NewMemorySource(page))
				m.account(session.ID, &result.Persisted, res)
				return err
			}, &result.Pulled)
			if err != nil {
				return err
			}
			if err := result.Persisted.Err(); err != nil {
				return err
			}
			return commit(tx)
		})
	}

	return m.pullStaged(ctx, run, session, meta.TotalToPull, result, commit)
}

// pullStaged stages every page in a snapshot table outside the transaction,
// then applies the staged set in dependency order inside it.
func (m *Manager) pullStaged(ctx context.Context, run *Run, session *central.Session, total int, result *Result, commit func(*sql.Tx) error) error {
	table := snapshot.SnapshotTableName(session.ID)
	dropped, err := snapshot.DropStaleSnapshotTables(ctx, m.db, table)
	if err != nil {
		return err
	}
	if len(dropped) > 0 {
		m.logger.Printf("dropped %d stale snapshot tables", len(dropped))
	}
	if _, err := snapshot.CreateSnapshotTable(ctx, m.db, session.ID); err != nil {
		return err
	}

	err = m.pullPages(ctx, run, session.ID, total, func(page []types.SyncRecord) error {
		return snapshot.InsertSnapshotRecords(ctx, m.db, table, page, m.opts.Persist.MaxParams)
	}, &result.Pulled)
	if err != nil {
		return err
	}
	if err := run.checkCancelled(); err != nil {
		return err
	}

	staged, err := snapshot.CountSnapshotRecords(ctx, m.db, table)
	if err != nil {
		return err
	}

	err = m.db.WithIncomingTx(ctx, db.IncomingOptions{}, func(tx *sql.Tx) error {
		source := &progressSource{
			RecordSource: snapshot.NewStagedSource(tx, table, m.opts.StagingPageSize),
			onPage: func(n int) {
				m.progress(PhasePullIncoming, session.ID, n, staged)
			},
		}
		res, err := m.persister.ApplyOrdered(ctx, tx, m.registry, source)
		m.account(session.ID, &result.Persisted, res)
		if err != nil {
			return err
		}
		if err := res.Err(); err != nil {
			return err
		}
		return commit(tx)
	})
	if err != nil {
		return err
	}

	// The staging table is only dropped once its content is committed.
	if err := snapshot.DropSnapshotTable(ctx, m.db, table); err != nil {
		m.logger.Printf("warning: %v", err)
	}
	return nil
}

// pullPages fetches pages with an adaptive limit until the server has no
// more, passing each to apply.
func (m *Manager) pullPages(ctx context.Context, run *Run, sessionID string, total int, apply func([]types.SyncRecord) error, pulled *int) error {
	limit := batch.NextPageLimit(m.opts.Pull, 0, 0)
	cursor := ""
	for *pulled < total {
		if err := run.checkCancelled(); err != nil {
			return err
		}

		began := time.Now()
		page, err := m.central.Pull(ctx, sessionID, limit, cursor)
		if err != nil {
			return fmt.Errorf("failed to pull changes: %w", err)
		}
		elapsed := time.Since(began)
		if len(page) == 0 {
			break
		}

		if err := apply(page); err != nil {
			return err
		}
		*pulled += len(page)
		cursor = central.NextCursor(page)
		m.progress(PhasePullIncoming, sessionID, *pulled, total)
		limit = batch.NextPageLimit(m.opts.Pull, limit, elapsed)
	}
	return nil
}

// account adds res to total and reports every failure as an event.
func (m *Manager) account(sessionID string, total *persist.Result, res persist.Result) {
	for _, f := range res.Failures {
		m.logger.Printf("record failed: %v", f)
		m.emitFailure(sessionID, f)
	}
	total.Add(res)
}

// writeWatermarks advances the sync facts inside the incoming transaction.
func (m *Manager) writeWatermarks(ctx context.Context, tx *sql.Tx, session *central.Session, pullUntil int64, tables []string) error {
	if err := db.SetTickFact(ctx, tx, types.FactLastSuccessfulPush, session.StartedAtTick); err != nil {
		return err
	}
	if err := db.SetTickFact(ctx, tx, types.FactLastSuccessfulPull, pullUntil); err != nil {
		return err
	}
	if err := db.SetFact(ctx, tx, types.FactLastSuccessfulSyncSession, session.ID); err != nil {
		return err
	}
	if err := db.SetFact(ctx, tx, types.FactLastSuccessfulSyncTime, time.Now().UTC().Format(time.RFC3339)); err != nil {
		return err
	}
	encoded, err := json.Marshal(tables)
	if err != nil {
		return fmt.Errorf("failed to encode synced tables: %w", err)
	}
	return db.SetFact(ctx, tx, types.FactSyncedTables, string(encoded))
}

// syncedTables reads the tables pulled by the last successful run.
func (m *Manager) syncedTables(ctx context.Context) (map[string]bool, error) {
	raw, ok, err := m.db.GetFact(ctx, types.FactSyncedTables)
	if err != nil {
		return nil, err
	}
	out := make(map[string]bool)
	if !ok || raw == "" {
		// Devices that synced before the fact existed have every table.
		for _, model := range m.registry.PullModels() {
			out[model.Table] = true
		}
		return out, nil
	}
	var tables []string
	if err := json.Unmarshal([]byte(raw), &tables); err != nil {
		return nil, syncerr.NewConfigurationError("fact %s is corrupt: %v", types.FactSyncedTables, err)
	}
	for _, t := range tables {
		out[t] = true
	}
	return out, nil
}

// progressSource reports how many staged records have been handed to the
// persister.
type progressSource struct {
	persist.RecordSource
	onPage func(applied int)
	seen   int
}

func (s *progressSource) Each(ctx context.Context, recordType string, fn func([]types.SyncRecord) error) error {
	return s.RecordSource.Each(ctx, recordType, func(recs []types.SyncRecord) error {
		if err := fn(recs); err != nil {
			return err
		}
		s.seen += len(recs)
		s.onPage(s.seen)
		return nil
	})
}
