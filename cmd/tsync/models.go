package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/beyondessential/tamanu-sync/internal/ui"
)

var modelsCmd = &cobra.Command{
	Use:     "models",
	GroupID: "maint",
	Short:   "List synced models in the order they are applied",
	Long: `Print every model from the manifest in dependency order, with its sync
direction and the models it depends on.

A dependency cycle between models is reported as an error.`,
	Run: func(cmd *cobra.Command, args []string) {
		store, registry, err := openStore(context.Background())
		if err != nil {
			fail(err)
		}
		defer store.Close()

		for i, model := range registry.SortedModels() {
			deps := model.DependsOn()
			depText := ui.RenderMuted("-")
			if len(deps) > 0 {
				depText = strings.Join(deps, ", ")
			}
			fmt.Printf("%3d  %s %-20s %s\n", i+1, ui.RenderAccent(fmt.Sprintf("%-24s", model.RecordType)), model.Direction, depText)
		}
	},
}

func init() {
	rootCmd.AddCommand(modelsCmd)
}
