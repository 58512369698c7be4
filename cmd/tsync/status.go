package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/beyondessential/tamanu-sync/internal/device"
	"github.com/beyondessential/tamanu-sync/internal/sync"
	"github.com/beyondessential/tamanu-sync/internal/ui"
)

var statusCmd = &cobra.Command{
	Use:     "status",
	GroupID: "sync",
	Short:   "Show the sync state of the local database",
	Long: `Display the persisted sync state of this device.

Shows:
  - Database location, driver and size
  - Push and pull watermarks
  - Last successful session and when it finished
  - Whether the last started session was interrupted`,
	Run: func(cmd *cobra.Command, args []string) {
		jsonOutput, _ := cmd.Flags().GetBool("json")
		ctx := context.Background()

		if _, err := os.Stat(cfg.Database.Path); os.IsNotExist(err) {
			fmt.Printf("\n%s Database not initialized at %s\n", ui.RenderWarn("⚠"), cfg.Database.Path)
			fmt.Printf("   Run 'tsync login' then 'tsync sync' to create it\n\n")
			return
		}

		store, _, err := openStore(ctx)
		if err != nil {
			fail(err)
		}
		defer store.Close()

		st, err := sync.ReadStatus(ctx, store)
		if err != nil {
			fail(err)
		}
		size, _ := store.Size()

		var identity device.Identity
		if _, err := os.Stat(cfg.Device.File); err == nil {
			if dev, err := device.Open(cfg.Device.File); err == nil {
				identity = dev.Identity()
			}
		}

		if jsonOutput {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			_ = enc.Encode(map[string]any{
				"database":                     store.Path(),
				"driver":                       store.Driver(),
				"size_bytes":                   size,
				"device_id":                    identity.DeviceID,
				"facility_ids":                 identity.FacilityIDs,
				"last_successful_push":         st.LastSuccessfulPush,
				"last_successful_pull":         st.LastSuccessfulPull,
				"current_sync_time":            st.CurrentSyncTime,
				"current_sync_session":         st.CurrentSyncSession,
				"last_successful_sync_session": st.LastSuccessfulSyncSession,
				"last_successful_sync_time":    st.LastSuccessfulSyncTime,
				"never_synced":                 st.NeverSynced(),
				"interrupted":                  st.Interrupted(),
			})
			return
		}

		fmt.Printf("\n%s Tamanu sync status\n\n", ui.RenderAccent("●"))
		fmt.Println(ui.RenderRow("   Database", store.Path()))
		fmt.Println(ui.RenderRow("   Driver", store.Driver()))
		fmt.Println(ui.RenderRow("   Size", humanize.Bytes(uint64(size))))
		fmt.Println(ui.RenderRow("   Device", orNone(identity.DeviceID)))
		fmt.Println(ui.RenderRow("   Facilities", orNone(strings.Join(identity.FacilityIDs, ", "))))
		fmt.Println()

		if st.NeverSynced() {
			fmt.Printf("%s Never synced\n\n", ui.RenderWarn("⚠"))
			return
		}
		fmt.Println(ui.RenderRow("   Last push tick", fmt.Sprint(st.LastSuccessfulPush)))
		fmt.Println(ui.RenderRow("   Last pull tick", fmt.Sprint(st.LastSuccessfulPull)))
		fmt.Println(ui.RenderRow("   Local write tick", fmt.Sprint(st.CurrentSyncTime)))
		fmt.Println(ui.RenderRow("   Last session", orNone(st.LastSuccessfulSyncSession)))
		if !st.LastSuccessfulSyncTime.IsZero() {
			fmt.Println(ui.RenderRow("   Last synced", humanize.Time(st.LastSuccessfulSyncTime)))
		}
		if st.Interrupted() {
			fmt.Printf("\n%s Session %s did not complete; the next sync will redo it\n", ui.RenderWarn("⚠"), st.CurrentSyncSession)
		}
		fmt.Println()
	},
}

func init() {
	statusCmd.Flags().Bool("json", false, "Output as JSON")
	rootCmd.AddCommand(statusCmd)
}

func orNone(s string) string {
	if s == "" {
		return ui.RenderMuted("(none)")
	}
	return s
}
