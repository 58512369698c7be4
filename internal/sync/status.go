package sync

import (
	"context"
	"time"

	"github.com/beyondessential/tamanu-sync/internal/db"
	"github.com/beyondessential/tamanu-sync/internal/types"
)

// Status is the persisted sync state of the device.
type Status struct {
	State                     State
	LastSuccessfulPush        int64
	LastSuccessfulPull        int64
	CurrentSyncTime           int64
	CurrentSyncSession        string
	LastSuccessfulSyncSession string
	LastSuccessfulSyncTime    time.Time
}

// NeverSynced reports whether the device has never completed a pull.
func (s Status) NeverSynced() bool {
	return s.LastSuccessfulPull == types.NeverSynced
}

// Interrupted reports whether the last started session never completed.
func (s Status) Interrupted() bool {
	return s.State == StateIdle && s.CurrentSyncSession != "" && s.CurrentSyncSession != s.LastSuccessfulSyncSession
}

// ReadStatus reads the sync facts from database.
func ReadStatus(ctx context.Context, database *db.DB) (Status, error) {
	var (
		st  = Status{State: StateIdle}
		err error
	)
	if st.LastSuccessfulPush, err = db.GetTickFact(ctx, database, types.FactLastSuccessfulPush, types.NeverSynced); err != nil {
		return st, err
	}
	if st.LastSuccessfulPull, err = db.GetTickFact(ctx, database, types.FactLastSuccessfulPull, types.NeverSynced); err != nil {
		return st, err
	}
	if st.CurrentSyncTime, err = db.GetTickFact(ctx, database, types.FactCurrentSyncTime, 0); err != nil {
		return st, err
	}
	if st.CurrentSyncSession, _, err = database.GetFact(ctx, types.FactCurrentSyncSession); err != nil {
		return st, err
	}
	if st.LastSuccessfulSyncSession, _, err = database.GetFact(ctx, types.FactLastSuccessfulSyncSession); err != nil {
		return st, err
	}
	raw, ok, err := database.GetFact(ctx, types.FactLastSuccessfulSyncTime)
	if err != nil {
		return st, err
	}
	if ok && raw != "" {
		if t, perr := time.Parse(time.RFC3339, raw); perr == nil {
			st.LastSuccessfulSyncTime = t
		}
	}
	return st, nil
}

// Status returns the persisted state plus whether a run is in flight.
func (m *Manager) Status(ctx context.Context) (Status, error) {
	st, err := ReadStatus(ctx, m.db)
	st.State = m.State()
	return st, err
}
