// Package daemon keeps a device in sync in the background.
//
// The daemon:
//  1. Syncs once on start
//  2. Syncs again every Interval
//  3. Watches the database file and syncs shortly after local writes settle
//  4. Shuts down gracefully, letting a sync in flight finish its commit
//
// Writes made by the sync itself also touch the database file. Changes seen
// while a sync runs, and within one debounce interval after it, are
// attributed to the sync and dropped.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"time"
)

// SyncFunc runs one sync and waits for it. A run already in flight should
// be joined rather than duplicated.
type SyncFunc func(ctx context.Context) error

// Config holds configuration for the daemon.
type Config struct {
	// Interval is how often to sync when nothing else triggers one.
	Interval time.Duration

	// DebounceInterval is how long writes must be quiet before a
	// write-triggered sync.
	DebounceInterval time.Duration

	// DatabasePath is the file to watch. Empty disables the watcher.
	DatabasePath string

	Logger *log.Logger
}

// DefaultConfig returns the daemon defaults.
func DefaultConfig() *Config {
	return &Config{
		Interval:         5 * time.Minute,
		DebounceInterval: 2 * time.Second,
		Logger:           log.New(os.Stderr, "[daemon] ", log.LstdFlags),
	}
}

// Stats counts what the daemon has done since it started.
type Stats struct {
	Runs          int
	Failures      int
	WriteTriggers int
	LastRun       time.Time
	LastError     string
}

// Daemon runs syncs on a timer and on local writes.
type Daemon struct {
	syncFn  SyncFunc
	config  *Config
	watcher *FileWatcher

	mu          sync.Mutex
	pending     time.Time // last unprocessed write, zero when none
	syncing     bool
	lastSyncEnd time.Time
	stats       Stats

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a daemon that calls syncFn.
func New(syncFn SyncFunc, config *Config) (*Daemon, error) {
	if syncFn == nil {
		return nil, fmt.Errorf("sync function cannot be nil")
	}
	if config == nil {
		config = DefaultConfig()
	}
	def := DefaultConfig()
	if config.Interval <= 0 {
		config.Interval = def.Interval
	}
	if config.DebounceInterval <= 0 {
		config.DebounceInterval = def.DebounceInterval
	}
	if config.Logger == nil {
		config.Logger = def.Logger
	}

	d := &Daemon{syncFn: syncFn, config: config}
	if config.DatabasePath != "" {
		watcher, err := NewFileWatcher()
		if err != nil {
			return nil, err
		}
		d.watcher = watcher
	}
	d.ctx, d.cancel = context.WithCancel(context.Background())
	return d, nil
}

// Start runs the daemon until ctx is cancelled or Stop is called.
func (d *Daemon) Start(ctx context.Context) error {
	d.config.Logger.Printf("Starting daemon (interval %v)", d.config.Interval)

	if d.watcher != nil {
		if err := d.watcher.Start(d.config.DatabasePath); err != nil {
			return err
		}
		d.config.Logger.Printf("Watching: %s", d.config.DatabasePath)
		d.wg.Add(2)
		go d.watchFileEvents()
		go d.processChangeQueue()
	}

	d.wg.Add(1)
	go d.periodicSync()

	select {
	case <-ctx.Done():
		d.config.Logger.Println("Shutdown signal received")
		return d.Stop()
	case <-d.ctx.Done():
		return nil
	}
}

// Stop shuts the daemon down and waits for its goroutines.
func (d *Daemon) Stop() error {
	d.config.Logger.Println("Stopping daemon")
	d.cancel()

	var err error
	if d.watcher != nil {
		err = d.watcher.Stop()
	}
	d.wg.Wait()

	d.config.Logger.Println("Daemon stopped")
	return err
}

// Stats returns a copy of the daemon counters.
func (d *Daemon) Stats() Stats {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stats
}

// SyncNow runs a sync on the caller's goroutine.
func (d *Daemon) SyncNow(reason string) error {
	d.mu.Lock()
	d.syncing = true
	d.mu.Unlock()

	d.config.Logger.Printf("Syncing (%s)", reason)
	err := d.syncFn(d.ctx)

	d.mu.Lock()
	defer d.mu.Unlock()
	d.syncing = false
	d.lastSyncEnd = time.Now()
	d.pending = time.Time{}
	d.stats.Runs++
	d.stats.LastRun = d.lastSyncEnd
	if err != nil {
		d.stats.Failures++
		d.stats.LastError = err.Error()
		if !errors.Is(err, context.Canceled) {
			d.config.Logger.Printf("Sync failed: %v", err)
		}
	} else {
		d.stats.LastError = ""
	}
	return err
}

func (d *Daemon) periodicSync() {
	defer d.wg.Done()

	d.SyncNow("startup")

	ticker := time.NewTicker(d.config.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-d.ctx.Done():
			return
		case <-ticker.C:
			d.SyncNow("interval")
		}
	}
}

func (d *Daemon) watchFileEvents() {
	defer d.wg.Done()

	for {
		select {
		case <-d.ctx.Done():
			return

		case event, ok := <-d.watcher.Events():
			if !ok {
				return
			}
			if event.Op == OpDelete {
				continue
			}
			d.queueChange(time.Now())

		case err, ok := <-d.watcher.Errors():
			if !ok {
				return
			}
			d.config.Logger.Printf("Watcher error: %v", err)
		}
	}
}

// queueChange records a local write unless it belongs to a sync.
func (d *Daemon) queueChange(at time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.syncing || at.Sub(d.lastSyncEnd) < d.config.DebounceInterval {
		return
	}
	d.pending = at
}

func (d *Daemon) processChangeQueue() {
	defer d.wg.Done()

	ticker := time.NewTicker(d.config.DebounceInterval / 2)
	defer ticker.Stop()
	for {
		select {
		case <-d.ctx.Done():
			return
		case <-ticker.C:
			if d.changeSettled(time.Now()) {
				d.SyncNow("local write")
			}
		}
	}
}

// changeSettled reports whether a queued write has been quiet for a full
// debounce interval, counting it as a trigger if so.
func (d *Daemon) changeSettled(now time.Time) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.pending.IsZero() || d.syncing || now.Sub(d.pending) < d.config.DebounceInterval {
		return false
	}
	d.pending = time.Time{}
	d.stats.WriteTriggers++
	return true
}
