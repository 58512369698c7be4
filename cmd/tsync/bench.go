package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/beyondessential/tamanu-sync/internal/loadtest"
	"github.com/beyondessential/tamanu-sync/internal/persist"
	"github.com/beyondessential/tamanu-sync/internal/ui"
)

var benchCmd = &cobra.Command{
	Use:     "bench",
	GroupID: "maint",
	Short:   "Measure how fast pulled records are persisted",
	Long: `Apply a synthetic pull to a scratch database and report page latency.

The data set has one facility, --patients patients and --encounters
encounters per patient, shuffled so children often arrive before their
parents. The first round creates every row; later rounds update them.

Examples:
  tsync bench
  tsync bench --patients 20000 --page-size 1000 --rounds 3
  tsync bench --driver sqlite --json`,
	Run: func(cmd *cobra.Command, args []string) {
		patients, _ := cmd.Flags().GetInt("patients")
		encounters, _ := cmd.Flags().GetInt("encounters")
		pageSize, _ := cmd.Flags().GetInt("page-size")
		rounds, _ := cmd.Flags().GetInt("rounds")
		jsonOutput, _ := cmd.Flags().GetBool("json")

		dir, err := os.MkdirTemp("", "tsync-bench-*")
		if err != nil {
			fail(err)
		}
		defer os.RemoveAll(dir)

		ctx := context.Background()
		td, err := loadtest.CreateTestDatabase(ctx, filepath.Join(dir, "bench.db"), cfg.Database.Driver, persist.Options{
			MaxParams:       cfg.Persist.MaxParams,
			InsertBatchSize: cfg.Persist.InsertBatchSize,
			UpdateBatchSize: cfg.Persist.UpdateBatchSize,
		})
		if err != nil {
			fail(err)
		}
		defer td.Close()

		if !jsonOutput {
			fmt.Printf("%s Persisting %d patients x %d encounters, %d rounds, pages of %d (%s)\n\n",
				ui.RenderAccent("→"), patients, encounters, rounds, pageSize, cfg.Database.Driver)
		}

		stats, err := td.Run(ctx, loadtest.Workload{
			Patients:             patients,
			EncountersPerPatient: encounters,
			PageSize:             pageSize,
			Rounds:               rounds,
			Seed:                 42,
		})
		if err != nil {
			fail(err)
		}

		if jsonOutput {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			_ = enc.Encode(map[string]any{
				"driver":        cfg.Database.Driver,
				"records":       stats.Records,
				"pages":         stats.Pages,
				"created":       stats.Created,
				"updated":       stats.Updated,
				"failed":        stats.Failed,
				"elapsed_ms":    stats.Elapsed.Milliseconds(),
				"records_per_s": stats.Throughput(),
				"p50_us":        stats.P50.Microseconds(),
				"p95_us":        stats.P95.Microseconds(),
				"p99_us":        stats.P99.Microseconds(),
				"max_us":        stats.Max.Microseconds(),
			})
			return
		}
		stats.PrintStats(os.Stdout)
	},
}

func init() {
	benchCmd.Flags().Int("patients", 2000, "Number of patients")
	benchCmd.Flags().Int("encounters", 3, "Encounters per patient")
	benchCmd.Flags().Int("page-size", 500, "Records applied per page")
	benchCmd.Flags().Int("rounds", 2, "Rounds; every round after the first updates existing rows")
	benchCmd.Flags().Bool("json", false, "Output results as JSON")
	rootCmd.AddCommand(benchCmd)
}
