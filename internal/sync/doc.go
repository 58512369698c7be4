// Package sync coordinates a sync run between the local store and the
// central server.
//
// Overview
//
// A Manager owns the sync state of one device. It is either idle or running
// exactly one run, which moves through four phases:
//
//	StartSession → PushOutgoing → PullIncoming → EndSession
//
// Usage
//
//	manager, err := sync.NewManager(database, registry, client, sync.Options{
//	    FacilityIDs: []string{"facility-1"},
//	}, nil)
//	if err != nil {
//	    return err
//	}
//
//	events, unsubscribe := manager.Subscribe(64)
//	defer unsubscribe()
//
//	run := manager.TriggerSync(ctx, sync.TriggerOptions{})
//	result, err := run.Wait(ctx)
//
// A second TriggerSync while a run is in flight returns the same *Run, so
// callers can wait for it instead of starting another.
//
// Watermarks
//
// Local writes are stamped with the CURRENT_SYNC_TIME fact, which is set to
// the session's start tick as soon as the session opens. Anything written
// while the run is in flight therefore carries a tick at or above the new
// push watermark and is picked up by the next run.
//
// LAST_SUCCESSFUL_PUSH, LAST_SUCCESSFUL_PULL and LastSuccessfulSyncSession
// are written in the same transaction that applies the pulled records. A
// crash before that commit leaves every watermark where it was.
//
// Initial and Incremental Pulls
//
// A device that has never pulled (LAST_SUCCESSFUL_PULL is -1) loads
// everything inside one relaxed-durability transaction, applying each page
// as it arrives. A crash restarts the whole initial pull.
//
// Later pulls stage pages in a sync_snapshot_<session> table outside the
// transaction, then apply the staged set in dependency order inside it.
//
// Events
//
// Progress, phase changes and every record failure are broadcast to
// subscribers. A slow subscriber never stalls the run: its events queue up,
// and only progress events are dropped once its buffer's worth is waiting.
//
// Sessions
//
// Once the server has issued a session id the session is ended when the run
// finishes, whatever happened in between, including a session that never
// became ready.
package sync
