// Package loadtest measures how fast incoming records are persisted.
//
// It builds a database from the built-in model manifest, generates a
// synthetic clinical data set (facilities, patients and their encounters,
// with children frequently arriving before their parents) and applies it
// page by page inside one incoming transaction, the way a sync does.
// Per-page latency is reported as min/mean/p50/p95/p99/max.
package loadtest

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"math/rand"
	"sort"
	"time"

	"github.com/dustin/go-humanize"
	"golang.org/x/sync/errgroup"

	"github.com/beyondessential/tamanu-sync/internal/db"
	"github.com/beyondessential/tamanu-sync/internal/persist"
	"github.com/beyondessential/tamanu-sync/internal/schema"
	"github.com/beyondessential/tamanu-sync/internal/types"
)

// TestDatabase is a database with the default models created.
type TestDatabase struct {
	DB        *db.DB
	Registry  *schema.Registry
	Persister *persist.Persister
}

// Workload describes one benchmark.
type Workload struct {
	Patients             int
	EncountersPerPatient int
	// PageSize is the number of records applied per call, like a pull page.
	PageSize int
	// Rounds re-applies the data set with newer ticks. Round one creates
	// every row; later rounds update them.
	Rounds int
	// Seed makes the generated values and page order reproducible.
	Seed int64
}

// LatencyStats captures performance metrics from load tests.
type LatencyStats struct {
	Min     time.Duration
	Max     time.Duration
	Mean    time.Duration
	P50     time.Duration // Median
	P95     time.Duration
	P99     time.Duration
	Pages   int
	Records int
	Elapsed time.Duration
	Created int
	Updated int
	Failed  int
}

// Throughput is records per second over the whole run.
func (s *LatencyStats) Throughput() float64 {
	if s.Elapsed <= 0 {
		return 0
	}
	return float64(s.Records) / s.Elapsed.Seconds()
}

// CreateTestDatabase opens dbPath with driver and creates the default
// models.
func CreateTestDatabase(ctx context.Context, dbPath, driver string, opts persist.Options) (*TestDatabase, error) {
	database, err := db.OpenWithOptions(dbPath, db.Options{Driver: driver})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	manifest, err := schema.DefaultManifest()
	if err != nil {
		_ = database.Close()
		return nil, err
	}
	if err := manifest.Apply(ctx, database); err != nil {
		_ = database.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	registry, err := schema.NewRegistry(ctx, database, manifest)
	if err != nil {
		_ = database.Close()
		return nil, err
	}

	return &TestDatabase{
		DB:        database,
		Registry:  registry,
		Persister: persist.New(opts, nil),
	}, nil
}

// Close closes the test database connection.
func (td *TestDatabase) Close() error {
	if td.DB != nil {
		return td.DB.Close()
	}
	return nil
}

// GenerateRecords builds the data set at tick. Records are shuffled so
// encounters often precede the patient they reference.
func GenerateRecords(w Workload, tick int64) []types.SyncRecord {
	rng := rand.New(rand.NewSource(w.Seed))
	sexes := []string{"female", "male", "other"}
	reasons := []string{"checkup", "fever", "injury", "vaccination", "follow up"}

	records := []types.SyncRecord{{
		RecordID:          "facility-load",
		RecordType:        "facilities",
		UpdatedAtSyncTick: tick,
		Data:              map[string]any{"id": "facility-load", "code": "LOAD", "name": "Load Test Clinic"},
	}}

	for i := 0; i < w.Patients; i++ {
		patientID := fmt.Sprintf("patient-%06d", i)
		records = append(records, types.SyncRecord{
			RecordID:          patientID,
			RecordType:        "patients",
			UpdatedAtSyncTick: tick,
			Data: map[string]any{
				"id":            patientID,
				"display_id":    fmt.Sprintf("LT%06d", i),
				"first_name":    fmt.Sprintf("Given%d", rng.Intn(1000)),
				"last_name":     fmt.Sprintf("Family%d", rng.Intn(1000)),
				"date_of_birth": time.Date(1950+rng.Intn(70), time.Month(1+rng.Intn(12)), 1+rng.Intn(28), 0, 0, 0, 0, time.UTC).Format("2006-01-02"),
				"sex":           sexes[rng.Intn(len(sexes))],
			},
		})

		for j := 0; j < w.EncountersPerPatient; j++ {
			encounterID := fmt.Sprintf("encounter-%06d-%02d", i, j)
			records = append(records, types.SyncRecord{
				RecordID:          encounterID,
				RecordType:        "encounters",
				UpdatedAtSyncTick: tick,
				Data: map[string]any{
					"id":                   encounterID,
					"encounter_type":       "clinic",
					"start_date":           time.Date(2024, 1, 1+rng.Intn(300), 9, 0, 0, 0, time.UTC).Format(time.RFC3339),
					"reason_for_encounter": reasons[rng.Intn(len(reasons))],
					"patient_id":           patientID,
					"facility_id":          "facility-load",
				},
			})
		}
	}

	rng.Shuffle(len(records), func(i, j int) { records[i], records[j] = records[j], records[i] })
	return records
}

// Run applies the workload and returns per-page latency.
func (td *TestDatabase) Run(ctx context.Context, w Workload) (*LatencyStats, error) {
	if w.PageSize <= 0 {
		w.PageSize = 500
	}
	if w.Rounds <= 0 {
		w.Rounds = 1
	}

	var (
		durations []time.Duration
		total     persist.Result
		records   int
	)
	began := time.Now()

	for round := 1; round <= w.Rounds; round++ {
		data := GenerateRecords(w, int64(round*10))
		err := td.DB.WithIncomingTx(ctx, db.IncomingOptions{Unsafe: round == 1}, func(tx *sql.Tx) error {
			for start := 0; start < len(data); start += w.PageSize {
				end := min(start+w.PageSize, len(data))

				pageStart := time.Now()
				res, err := td.Persister.ApplyOrdered(ctx, tx, td.Registry, persist.NewMemorySource(data[start:end]))
				durations = append(durations, time.Since(pageStart))
				total.Add(res)
				if err != nil {
					return err
				}
			}
			return total.Err()
		})
		if err != nil {
			return nil, fmt.Errorf("round %d failed: %w", round, err)
		}
		records += len(data)
	}

	stats := computeLatencyStats(durations)
	stats.Elapsed = time.Since(began)
	stats.Records = records
	stats.Created = total.Created
	stats.Updated = total.Updated
	stats.Failed = len(total.Failures)
	return stats, nil
}

// VerifyAtomicVisibility applies the workload while readers count
// patients. Every count must be zero or the full set: readers never see a
// partly applied pull.
func (td *TestDatabase) VerifyAtomicVisibility(ctx context.Context, w Workload, readers int) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	repo := td.DB.Repository("patients")

	for i := 0; i < readers; i++ {
		g.Go(func() error {
			for gctx.Err() == nil {
				n, err := repo.Count(gctx, true)
				if err != nil {
					if gctx.Err() != nil {
						return nil
					}
					return fmt.Errorf("reader %d failed: %w", i, err)
				}
				if n != 0 && n != w.Patients {
					return fmt.Errorf("reader %d saw %d of %d patients", i, n, w.Patients)
				}
				time.Sleep(time.Millisecond)
			}
			return nil
		})
	}

	_, err := td.Run(ctx, Workload{
		Patients:             w.Patients,
		EncountersPerPatient: w.EncountersPerPatient,
		PageSize:             w.PageSize,
		Rounds:               1,
		Seed:                 w.Seed,
	})
	cancel()
	if readErr := g.Wait(); readErr != nil {
		return readErr
	}
	return err
}

func computeLatencyStats(durations []time.Duration) *LatencyStats {
	if len(durations) == 0 {
		return &LatencyStats{}
	}

	sorted := make([]time.Duration, len(durations))
	copy(sorted, durations)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	var sum time.Duration
	for _, d := range durations {
		sum += d
	}

	return &LatencyStats{
		Min:   sorted[0],
		Max:   sorted[len(sorted)-1],
		Mean:  sum / time.Duration(len(durations)),
		P50:   sorted[len(sorted)*50/100],
		P95:   sorted[len(sorted)*95/100],
		P99:   sorted[len(sorted)*99/100],
		Pages: len(durations),
	}
}

// PrintStats writes the statistics to w.
func (s *LatencyStats) PrintStats(w io.Writer) {
	fmt.Fprintf(w, "Persist Statistics:\n")
	fmt.Fprintf(w, "  Records:       %s (%s created, %s updated, %d failed)\n",
		humanize.Comma(int64(s.Records)), humanize.Comma(int64(s.Created)), humanize.Comma(int64(s.Updated)), s.Failed)
	fmt.Fprintf(w, "  Pages:         %d\n", s.Pages)
	fmt.Fprintf(w, "  Elapsed:       %v\n", s.Elapsed.Round(time.Millisecond))
	fmt.Fprintf(w, "  Throughput:    %s records/s\n", humanize.CommafWithDigits(s.Throughput(), 0))
	fmt.Fprintf(w, "Page Latency:\n")
	fmt.Fprintf(w, "  Min:           %v\n", s.Min)
	fmt.Fprintf(w, "  P50 (Median):  %v\n", s.P50)
	fmt.Fprintf(w, "  Mean:          %v\n", s.Mean)
	fmt.Fprintf(w, "  P95:           %v\n", s.P95)
	fmt.Fprintf(w, "  P99:           %v\n", s.P99)
	fmt.Fprintf(w, "  Max:           %v\n", s.Max)
}
