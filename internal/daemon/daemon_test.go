package daemon

import (
	"context"
	"errors"
	"io"
	"log"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"
)

func quietLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

// countingSync returns a SyncFunc and a pointer to its call count.
func countingSync(err error) (SyncFunc, *atomic.Int32) {
	var calls atomic.Int32
	return func(ctx context.Context) error {
		calls.Add(1)
		return err
	}, &calls
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func TestNew(t *testing.T) {
	fn, _ := countingSync(nil)

	tests := []struct {
		name    string
		syncFn  SyncFunc
		config  *Config
		wantErr bool
	}{
		{name: "valid", syncFn: fn, config: &Config{Logger: quietLogger()}},
		{name: "nil config uses defaults", syncFn: fn},
		{name: "nil sync function", syncFn: nil, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, err := New(tt.syncFn, tt.config)
			if (err != nil) != tt.wantErr {
				t.Fatalf("New() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil {
				return
			}
			if d.config.Interval <= 0 || d.config.DebounceInterval <= 0 {
				t.Errorf("defaults not applied: %+v", d.config)
			}
		})
	}
}

func TestStartSyncsImmediatelyAndStops(t *testing.T) {
	fn, calls := countingSync(nil)
	d, err := New(fn, &Config{Interval: time.Hour, Logger: quietLogger()})
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Start(ctx) }()

	waitFor(t, 2*time.Second, func() bool { return calls.Load() == 1 })
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Start() returned %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("daemon did not stop")
	}

	if got := d.Stats().Runs; got != 1 {
		t.Errorf("Runs = %d, want 1", got)
	}
}

func TestPeriodicSync(t *testing.T) {
	fn, calls := countingSync(nil)
	d, err := New(fn, &Config{Interval: 50 * time.Millisecond, Logger: quietLogger()})
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Start(ctx)

	waitFor(t, 2*time.Second, func() bool { return calls.Load() >= 3 })
}

func TestSyncNowRecordsFailures(t *testing.T) {
	fn, _ := countingSync(errors.New("central unreachable"))
	d, err := New(fn, &Config{Logger: quietLogger()})
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}

	if err := d.SyncNow("manual"); err == nil {
		t.Fatal("SyncNow() should return the sync error")
	}
	stats := d.Stats()
	if stats.Failures != 1 || stats.LastError != "central unreachable" {
		t.Errorf("Stats() = %+v", stats)
	}
}

func TestWritesDuringSyncAreIgnored(t *testing.T) {
	d, err := New(func(context.Context) error { return nil }, &Config{DebounceInterval: 100 * time.Millisecond, Logger: quietLogger()})
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}

	d.syncing = true
	d.queueChange(time.Now())
	if !d.pending.IsZero() {
		t.Error("write during a sync should not be queued")
	}

	d.syncing = false
	d.lastSyncEnd = time.Now()
	d.queueChange(time.Now())
	if !d.pending.IsZero() {
		t.Error("write right after a sync should not be queued")
	}

	later := d.lastSyncEnd.Add(time.Second)
	d.queueChange(later)
	if d.pending != later {
		t.Error("write after the quiet window should be queued")
	}
}

func TestChangeSettledDebounces(t *testing.T) {
	d, err := New(func(context.Context) error { return nil }, &Config{DebounceInterval: 100 * time.Millisecond, Logger: quietLogger()})
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}

	now := time.Now()
	d.lastSyncEnd = now.Add(-time.Hour)
	d.queueChange(now)

	if d.changeSettled(now.Add(50 * time.Millisecond)) {
		t.Error("change should not settle before the debounce interval")
	}
	if !d.changeSettled(now.Add(150 * time.Millisecond)) {
		t.Error("change should settle after the debounce interval")
	}
	if d.changeSettled(now.Add(time.Second)) {
		t.Error("a settled change should only trigger once")
	}
	if got := d.Stats().WriteTriggers; got != 1 {
		t.Errorf("WriteTriggers = %d, want 1", got)
	}
}

func TestLocalWriteTriggersSync(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "tamanu.db")
	if err := os.WriteFile(dbPath, []byte("initial"), 0644); err != nil {
		t.Fatalf("failed to create database file: %v", err)
	}

	fn, calls := countingSync(nil)
	d, err := New(fn, &Config{
		Interval:         time.Hour,
		DebounceInterval: 50 * time.Millisecond,
		DatabasePath:     dbPath,
		Logger:           quietLogger(),
	})
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Start(ctx)

	waitFor(t, 2*time.Second, func() bool { return calls.Load() == 1 })
	// Let the post-sync quiet window pass.
	time.Sleep(100 * time.Millisecond)

	if err := os.WriteFile(dbPath+"-wal", []byte("local write"), 0644); err != nil {
		t.Fatalf("failed to write WAL: %v", err)
	}

	waitFor(t, 3*time.Second, func() bool { return calls.Load() >= 2 })
	if got := d.Stats().WriteTriggers; got < 1 {
		t.Errorf("WriteTriggers = %d, want at least 1", got)
	}
}
