package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/beyondessential/tamanu-sync/internal/sync"
	"github.com/beyondessential/tamanu-sync/internal/ui"
)

var syncCmd = &cobra.Command{
	Use:     "sync",
	GroupID: "sync",
	Short:   "Run one sync session against the central server",
	Long: `Run one sync session: push local changes, then pull and apply remote ones.

The first sync of a device pulls everything straight into the database.
Later syncs stage pulled records in a snapshot table and apply them at the
end, so a failed pull leaves the database untouched.

Ctrl+C cancels at the next safe point; a commit in progress always finishes.`,
	Run: func(cmd *cobra.Command, args []string) {
		urgent, _ := cmd.Flags().GetBool("urgent")
		jsonOutput, _ := cmd.Flags().GetBool("json")

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		env, err := openEnvironment(ctx)
		if err != nil {
			fail(err)
		}
		defer env.Close()

		mgr, err := env.manager()
		if err != nil {
			fail(err)
		}

		events, unsubscribe := mgr.Subscribe(64)
		defer unsubscribe()

		run := mgr.TriggerSync(context.Background(), sync.TriggerOptions{Urgent: urgent})
		go func() {
			select {
			case <-ctx.Done():
				fmt.Fprintf(os.Stderr, "\n%s Cancelling at the next safe point...\n", ui.RenderWarn("⚠"))
				run.Cancel()
			case <-run.Done():
			}
		}()

		printed := make(chan struct{})
		if jsonOutput {
			close(printed)
		} else {
			go func() {
				defer close(printed)
				printEvents(events)
			}()
		}

		result, err := run.Wait(context.Background())
		select {
		case <-printed:
		case <-time.After(time.Second):
		}
		if jsonOutput {
			printResultJSON(result, err)
		}
		if err != nil {
			env.Close()
			fail(err)
		}
		if !jsonOutput {
			printResult(result)
		}
	},
}

func init() {
	syncCmd.Flags().Bool("urgent", false, "Ask the server to move this device to the front of its queue")
	syncCmd.Flags().Bool("json", false, "Print the result as JSON")
	rootCmd.AddCommand(syncCmd)
}

// printEvents prints phases and record errors until the run's outcome
// arrives.
func printEvents(events <-chan sync.Event) {
	for ev := range events {
		switch ev.Type {
		case sync.EventPhase:
			fmt.Printf("%s %s\n", ui.RenderAccent("→"), phaseLabel(ev.Phase))
		case sync.EventRecordError:
			fmt.Printf("  %s %s %s: %s\n", ui.RenderFail("✗"), ev.RecordType, ev.RecordID, ev.Error)
		case sync.EventSucceeded, sync.EventFailed:
			return
		}
	}
}

func phaseLabel(p sync.Phase) string {
	switch p {
	case sync.PhaseStartSession:
		return "Starting sync session"
	case sync.PhasePushOutgoing:
		return "Pushing local changes"
	case sync.PhasePullIncoming:
		return "Pulling remote changes"
	case sync.PhaseEndSession:
		return "Closing session"
	default:
		return string(p)
	}
}

func printResult(r *sync.Result) {
	kind := "Incremental"
	if r.Initial {
		kind = "Initial"
	}
	fmt.Printf("\n%s %s sync complete in %v\n", ui.RenderPass("✓"), kind, r.Duration.Round(time.Millisecond))
	fmt.Println(ui.RenderRow("   Session", r.SessionID))
	fmt.Println(ui.RenderRow("   Pushed", humanize.Comma(int64(r.Pushed))))
	fmt.Println(ui.RenderRow("   Pulled", humanize.Comma(int64(r.Pulled))))
	fmt.Println(ui.RenderRow("   Applied", fmt.Sprintf("%s created, %s updated, %s deleted, %s restored, %s skipped",
		humanize.Comma(int64(r.Persisted.Created)),
		humanize.Comma(int64(r.Persisted.Updated)),
		humanize.Comma(int64(r.Persisted.Deleted)),
		humanize.Comma(int64(r.Persisted.Restored)),
		humanize.Comma(int64(r.Persisted.Skipped)))))
	fmt.Println(ui.RenderRow("   Pulled up to tick", fmt.Sprint(r.PullUntil)))
}

func printResultJSON(r *sync.Result, err error) {
	out := map[string]any{"ok": err == nil}
	if r != nil {
		out["session_id"] = r.SessionID
		out["initial"] = r.Initial
		out["pushed"] = r.Pushed
		out["pulled"] = r.Pulled
		out["pull_until"] = r.PullUntil
		out["created"] = r.Persisted.Created
		out["updated"] = r.Persisted.Updated
		out["deleted"] = r.Persisted.Deleted
		out["restored"] = r.Persisted.Restored
		out["skipped"] = r.Persisted.Skipped
		out["duration_ms"] = r.Duration.Milliseconds()
	}
	if err != nil {
		out["error"] = err.Error()
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(out)
}
