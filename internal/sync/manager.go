package sync

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	gosync "sync"
	"sync/atomic"
	"time"

	"github.com/beyondessential/tamanu-sync/internal/batch"
	"github.com/beyondessential/tamanu-sync/internal/central"
	"github.com/beyondessential/tamanu-sync/internal/db"
	"github.com/beyondessential/tamanu-sync/internal/persist"
	"github.com/beyondessential/tamanu-sync/internal/schema"
	"github.com/beyondessential/tamanu-sync/internal/snapshot"
	"github.com/beyondessential/tamanu-sync/internal/syncerr"
	"github.com/beyondessential/tamanu-sync/internal/types"
)

// Central is the part of the central client a run needs.
type Central interface {
	HasCredentials() bool
	StartSyncSession(ctx context.Context, req central.StartSessionRequest) (*central.Session, error)
	InitiatePull(ctx context.Context, sessionID string, req central.PullRequest) (*central.PullMetadata, error)
	Pull(ctx context.Context, sessionID string, limit int, fromID string) ([]types.SyncRecord, error)
	Push(ctx context.Context, sessionID string, records []types.SyncRecord) error
	CompletePush(ctx context.Context, sessionID string, tablesToInclude []string) error
	EndSyncSession(ctx context.Context, sessionID string) error
}

// Options configure a Manager.
type Options struct {
	FacilityIDs []string

	Pull batch.Settings
	Push batch.Settings

	Persist  persist.Options
	Snapshot snapshot.Options

	// StagingPageSize is how many staged records are applied per call.
	StagingPageSize int

	// EndSessionTimeout bounds the session close, which runs even when the
	// run's context is already cancelled.
	EndSessionTimeout time.Duration
}

// TriggerOptions configure one run.
type TriggerOptions struct {
	// Urgent asks the server to move this device to the front of its queue.
	Urgent bool
}

// Result describes a completed run.
type Result struct {
	SessionID     string
	StartedAtTick int64
	PullUntil     int64
	Initial       bool
	Pushed        int
	Pulled        int
	Persisted     persist.Result
	Duration      time.Duration

	// PreviousSessionID is the last session that completed before this run.
	PreviousSessionID string
}

// Manager runs syncs for one device. At most one run is in flight.
type Manager struct {
	db          *db.DB
	registry    *schema.Registry
	central     Central
	persister   *persist.Persister
	snapshotter *snapshot.Snapshotter
	opts        Options
	logger      *log.Logger

	mu      gosync.Mutex
	state   State
	current *Run
	last    *Result
	lastErr error

	subMu   gosync.Mutex
	subs    map[int]*subscriber
	nextSub int
}

// NewManager creates a Manager. A nil logger logs to stderr.
func NewManager(database *db.DB, registry *schema.Registry, client Central, opts Options, logger *log.Logger) (*Manager, error) {
	if database == nil || registry == nil || client == nil {
		return nil, errors.New("sync manager needs a database, a model registry and a central client")
	}
	if logger == nil {
		logger = log.New(os.Stderr, "[sync] ", log.LstdFlags)
	}
	opts.Pull = opts.Pull.Normalize(batch.DefaultPullSettings())
	opts.Push = opts.Push.Normalize(batch.DefaultPushSettings())
	if opts.StagingPageSize <= 0 {
		opts.StagingPageSize = 1000
	}
	if opts.EndSessionTimeout <= 0 {
		opts.EndSessionTimeout = 30 * time.Second
	}

	return &Manager{
		db:          database,
		registry:    registry,
		central:     client,
		persister:   persist.New(opts.Persist, logger),
		snapshotter: snapshot.NewSnapshotter(database, registry, opts.Snapshot, logger),
		opts:        opts,
		logger:      logger,
		state:       StateIdle,
		subs:        make(map[int]*subscriber),
	}, nil
}

// State reports whether a run is in flight.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// LastResult returns the outcome of the most recent finished run.
func (m *Manager) LastResult() (*Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.last, m.lastErr
}

// Run is a handle on a run in flight.
type Run struct {
	done      chan struct{}
	cancelled atomic.Bool

	result *Result
	err    error
}

// Wait blocks until the run finishes or ctx is done.
func (r *Run) Wait(ctx context.Context) (*Result, error) {
	select {
	case <-r.done:
		return r.result, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Done is closed when the run finishes.
func (r *Run) Done() <-chan struct{} {
	return r.done
}

// Cancel asks the run to stop at its next safe point. A commit in progress
// always completes.
func (r *Run) Cancel() {
	r.cancelled.Store(true)
}

func (r *Run) checkCancelled() error {
	if r.cancelled.Load() {
		return syncerr.ErrCancelled
	}
	return nil
}

// TriggerSync starts a run, or returns the run already in flight.
func (m *Manager) TriggerSync(ctx context.Context, opts TriggerOptions) *Run {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.current != nil {
		m.logger.Printf("sync already in progress, joining it")
		return m.current
	}

	run := &Run{done: make(chan struct{})}
	m.current = run
	m.state = StateSyncing
	go m.run(ctx, run, opts)
	return run
}

// Sync runs a sync and waits for it.
func (m *Manager) Sync(ctx context.Context, opts TriggerOptions) (*Result, error) {
	return m.TriggerSync(ctx, opts).Wait(ctx)
}

// Cancel cancels the run in flight, if any.
func (m *Manager) Cancel() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current != nil {
		m.current.Cancel()
	}
}

func (m *Manager) run(ctx context.Context, run *Run, opts TriggerOptions) {
	run.result, run.err = m.execute(ctx, run, opts)

	m.mu.Lock()
	m.current = nil
	m.state = StateIdle
	m.last, m.lastErr = run.result, run.err
	m.mu.Unlock()

	close(run.done)
}

// execute runs the phases and always closes the session once it is open.
func (m *Manager) execute(ctx context.Context, run *Run, opts TriggerOptions) (result *Result, err error) {
	start := time.Now()
	result = &Result{}
	m.emit(Event{Type: EventStarted})

	defer func() {
		result.Duration = time.Since(start)
		if err != nil {
			m.logger.Printf("sync failed after %v: %v", result.Duration.Round(time.Millisecond), err)
			m.emit(Event{Type: EventFailed, SessionID: result.SessionID, Code: syncerr.CodeOf(err), Error: err.Error()})
			return
		}
		m.logger.Printf("sync %s complete in %v: pushed %d, pulled %d", result.SessionID, result.Duration.Round(time.Millisecond), result.Pushed, result.Pulled)
		m.emit(Event{Type: EventSucceeded, SessionID: result.SessionID, Progress: 100})
	}()

	if len(m.opts.FacilityIDs) == 0 {
		return result, syncerr.NewConfigurationError("no facility is linked to this device")
	}
	if !m.central.HasCredentials() {
		return result, syncerr.NewConfigurationError("not logged in, run tsync login first")
	}
	if err := run.checkCancelled(); err != nil {
		return result, err
	}

	lastPull, err := db.GetTickFact(ctx, m.db, types.FactLastSuccessfulPull, types.NeverSynced)
	if err != nil {
		return result, err
	}
	lastPush, err := db.GetTickFact(ctx, m.db, types.FactLastSuccessfulPush, types.NeverSynced)
	if err != nil {
		return result, err
	}
	result.Initial = lastPull == types.NeverSynced
	previous, _, err := m.db.GetFact(ctx, types.FactLastSuccessfulSyncSession)
	if err != nil {
		return result, err
	}
	result.PreviousSessionID = previous
	if previous != "" {
		m.logger.Printf("last successful session %s pulled up to tick %d", previous, lastPull)
	}

	m.phase(PhaseStartSession, "")
	session, err := m.central.StartSyncSession(ctx, central.StartSessionRequest{
		Urgent:         opts.Urgent,
		LastSyncedTick: lastPull,
		FacilityIDs:    m.opts.FacilityIDs,
	})
	if session != nil && session.ID != "" {
		result.SessionID = session.ID
		defer m.endSession(ctx, session.ID)
	}
	if err != nil {
		return result, fmt.Errorf("failed to start sync session: %w", err)
	}
	result.StartedAtTick = session.StartedAtTick

	// From here on local writes are stamped with the new tick and belong to
	// the next run.
	if err := m.db.SetFact(ctx, types.FactCurrentSyncSession, session.ID); err != nil {
		return result, err
	}
	if err := db.SetTickFact(ctx, m.db, types.FactCurrentSyncTime, session.StartedAtTick); err != nil {
		return result, err
	}

	if err := run.checkCancelled(); err != nil {
		return result, err
	}
	m.phase(PhasePushOutgoing, session.ID)
	if result.Pushed, err = m.pushOutgoing(ctx, run, session.ID, lastPush); err != nil {
		return result, err
	}

	if err := run.checkCancelled(); err != nil {
		return result, err
	}
	m.phase(PhasePullIncoming, session.ID)
	if err := m.pullIncoming(ctx, run, session, lastPull, result); err != nil {
		return result, err
	}
	return result, nil
}

// endSession closes the server session, even when ctx is already cancelled.
func (m *Manager) endSession(ctx context.Context, sessionID string) {
	m.phase(PhaseEndSession, sessionID)
	endCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.opts.EndSessionTimeout)
	defer cancel()
	if err := m.central.EndSyncSession(endCtx, sessionID); err != nil {
		m.logger.Printf("failed to end sync session %s: %v", sessionID, err)
	}
}

func (m *Manager) phase(p Phase, sessionID string) {
	m.emit(Event{Type: EventPhase, Phase: p, SessionID: sessionID})
}

func (m *Manager) progress(p Phase, sessionID string, count, total int) {
	m.emit(Event{Type: EventProgress, Phase: p, SessionID: sessionID, Progress: batch.Percent(count, total)})
}

// pushOutgoing snapshots local changes since the push watermark and sends
// them in adaptively sized pages. Nothing to send means no network calls.
func (m *Manager) pushOutgoing(ctx context.Context, run *Run, sessionID string, since int64) (int, error) {
	out, err := m.snapshotter.SnapshotOutgoing(ctx, since)
	if err != nil {
		return 0, err
	}
	defer out.Close()

	total := out.Len()
	if total == 0 {
		m.logger.Printf("no outgoing changes since tick %d", since)
		return 0, nil
	}
	m.logger.Printf("pushing %d outgoing changes since tick %d", total, since)

	pushed := 0
	limit := batch.NextPageLimit(m.opts.Push, 0, 0)
	for {
		if err := run.checkCancelled(); err != nil {
			return pushed, err
		}
		page, err := out.Next(limit)
		if err != nil {
			return pushed, err
		}
		if len(page) == 0 {
			break
		}

		began := time.Now()
		if err := m.central.Push(ctx, sessionID, page); err != nil {
			return pushed, fmt.Errorf("failed to push changes: %w", err)
		}
		pushed += len(page)
		m.progress(PhasePushOutgoing, sessionID, pushed, total)
		limit = batch.NextPageLimit(m.opts.Push, limit, time.Since(began))
	}

	if err := m.central.CompletePush(ctx, sessionID, tableNames(m.registry.PushModels())); err != nil {
		return pushed, fmt.Errorf("failed to complete push: %w", err)
	}
	return pushed, nil
}

func tableNames(models []*schema.Model) []string {
	out := make([]string, len(models))
	for i, m := range models {
		out[i] = m.Table
	}
	return out
}
