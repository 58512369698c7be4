package loadtest

import (
	"bytes"
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/beyondessential/tamanu-sync/internal/db"
	"github.com/beyondessential/tamanu-sync/internal/persist"
)

func createTestDatabase(t *testing.T, driver string) *TestDatabase {
	t.Helper()

	td, err := CreateTestDatabase(context.Background(), filepath.Join(t.TempDir(), "load.db"), driver, persist.Options{})
	if err != nil {
		t.Fatalf("Failed to create test database: %v", err)
	}
	t.Cleanup(func() { td.Close() })
	return td
}

func TestGenerateRecords(t *testing.T) {
	w := Workload{Patients: 20, EncountersPerPatient: 3, Seed: 42}
	records := GenerateRecords(w, 7)

	if want := 1 + 20 + 20*3; len(records) != want {
		t.Fatalf("Expected %d records, got %d", want, len(records))
	}

	counts := make(map[string]int)
	for _, rec := range records {
		counts[rec.RecordType]++
		if rec.UpdatedAtSyncTick != 7 {
			t.Errorf("record %s has tick %d", rec.RecordID, rec.UpdatedAtSyncTick)
		}
		if err := rec.Validate(); err != nil {
			t.Errorf("record %s is invalid: %v", rec.RecordID, err)
		}
	}
	if counts["facilities"] != 1 || counts["patients"] != 20 || counts["encounters"] != 60 {
		t.Errorf("unexpected distribution: %v", counts)
	}

	again := GenerateRecords(w, 7)
	for i := range records {
		if records[i].RecordID != again[i].RecordID {
			t.Fatal("same seed should produce the same order")
		}
	}
}

func TestRunCreatesThenUpdates(t *testing.T) {
	for _, driver := range []string{db.DriverNcruces, db.DriverModernc} {
		t.Run(driver, func(t *testing.T) {
			td := createTestDatabase(t, driver)

			stats, err := td.Run(context.Background(), Workload{
				Patients:             50,
				EncountersPerPatient: 2,
				PageSize:             40,
				Rounds:               2,
				Seed:                 1,
			})
			if err != nil {
				t.Fatalf("Run failed: %v", err)
			}

			perRound := 1 + 50 + 100
			if stats.Records != 2*perRound {
				t.Errorf("Records = %d, want %d", stats.Records, 2*perRound)
			}
			if stats.Created != perRound || stats.Updated != perRound || stats.Failed != 0 {
				t.Errorf("Created=%d Updated=%d Failed=%d", stats.Created, stats.Updated, stats.Failed)
			}
			if want := 2 * ((perRound + 39) / 40); stats.Pages != want {
				t.Errorf("Pages = %d, want %d", stats.Pages, want)
			}
			if stats.P50 > stats.P99 || stats.Min > stats.Max {
				t.Errorf("inconsistent percentiles: %+v", stats)
			}

			n, err := td.DB.Repository("encounters").Count(context.Background(), false)
			if err != nil {
				t.Fatal(err)
			}
			if n != 100 {
				t.Errorf("encounters = %d, want 100", n)
			}
		})
	}
}

func TestVerifyAtomicVisibility(t *testing.T) {
	td := createTestDatabase(t, db.DriverNcruces)

	err := td.VerifyAtomicVisibility(context.Background(), Workload{
		Patients:             200,
		EncountersPerPatient: 1,
		PageSize:             25,
		Seed:                 3,
	}, 4)
	if err != nil {
		t.Fatalf("VerifyAtomicVisibility failed: %v", err)
	}
}

func TestComputeLatencyStats(t *testing.T) {
	var durations []time.Duration
	for i := 100; i >= 1; i-- {
		durations = append(durations, time.Duration(i)*time.Millisecond)
	}

	stats := computeLatencyStats(durations)
	if stats.Min != time.Millisecond || stats.Max != 100*time.Millisecond {
		t.Errorf("Min/Max = %v/%v", stats.Min, stats.Max)
	}
	if stats.P50 != 51*time.Millisecond {
		t.Errorf("P50 = %v", stats.P50)
	}
	if stats.P99 != 100*time.Millisecond {
		t.Errorf("P99 = %v", stats.P99)
	}
	if stats.Pages != 100 {
		t.Errorf("Pages = %d", stats.Pages)
	}

	if empty := computeLatencyStats(nil); empty.Pages != 0 {
		t.Errorf("empty stats = %+v", empty)
	}
}

func TestPrintStats(t *testing.T) {
	stats := &LatencyStats{Records: 12345, Created: 12345, Elapsed: time.Second, Pages: 3}
	var buf bytes.Buffer
	stats.PrintStats(&buf)

	out := buf.String()
	for _, want := range []string{"12,345", "records/s", "P99"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}
