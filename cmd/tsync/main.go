// Command tsync syncs a Tamanu mobile database with a central server.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/beyondessential/tamanu-sync/internal/config"
	"github.com/beyondessential/tamanu-sync/internal/logging"
	"github.com/beyondessential/tamanu-sync/internal/syncerr"
	"github.com/beyondessential/tamanu-sync/internal/ui"
)

var (
	v       *viper.Viper
	cfg     *config.Config
	logs    *logging.Factory
	verbose bool
)

var rootCmd = &cobra.Command{
	Use:   "tsync",
	Short: "Offline-first sync for Tamanu mobile databases",
	Long: `tsync keeps a local Tamanu database in step with a central server.

Local changes are pushed and remote changes pulled in one sync session.
Incoming changes are applied in a single transaction: either every record
lands or none does, and the sync watermarks only move when they all do.

Settings are read from tsync.yaml (current directory or ~/.tsync),
TSYNC_* environment variables and flags, in increasing precedence.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		file, _ := cmd.Flags().GetString("config")
		v = config.New(file)
		for key, flag := range map[string]string{
			"database.path":   "db",
			"database.driver": "driver",
			"server.url":      "server",
			"log.file":        "log-file",
		} {
			if err := v.BindPFlag(key, cmd.Flags().Lookup(flag)); err != nil {
				return err
			}
		}

		loaded, err := config.Load(v)
		if err != nil {
			return err
		}
		cfg = loaded
		logs = logging.New(logging.Options{
			File:       cfg.Log.File,
			MaxSizeMB:  cfg.Log.MaxSizeMB,
			MaxBackups: cfg.Log.MaxBackups,
			MaxAgeDays: cfg.Log.MaxAgeDays,
			Verbose:    verbose,
		})
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logs != nil {
			_ = logs.Close()
		}
	},
}

func init() {
	rootCmd.AddGroup(
		&cobra.Group{ID: "sync", Title: "Sync:"},
		&cobra.Group{ID: "maint", Title: "Maintenance:"},
	)

	flags := rootCmd.PersistentFlags()
	flags.String("config", "", "Config file (default: ./tsync.yaml or ~/.tsync/tsync.yaml)")
	flags.String("db", "", "Local database path")
	flags.String("driver", "", "SQLite driver: sqlite3 (ncruces) or sqlite (modernc)")
	flags.String("server", "", "Central server URL")
	flags.String("log-file", "", "Write logs to a rotated file instead of stderr")
	flags.BoolVarP(&verbose, "verbose", "v", false, "Also copy file logs to stderr")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(exitCode(err))
	}
}

// fail prints err with a hint for the errors a user can act on and exits.
func fail(err error) {
	fmt.Fprintf(os.Stderr, "%s %v\n", ui.RenderFail("✗"), err)

	var outdated *syncerr.OutdatedVersionError
	var auth *syncerr.AuthenticationError
	switch {
	case errors.As(err, &outdated):
		if outdated.UpdateURL != "" {
			fmt.Fprintf(os.Stderr, "   Update the app from %s\n", outdated.UpdateURL)
		}
	case errors.As(err, &auth):
		fmt.Fprintf(os.Stderr, "   Run 'tsync login' to sign in again\n")
	}
	os.Exit(exitCode(err))
}

// exitCode maps the error taxonomy to distinct exit statuses for scripts.
func exitCode(err error) int {
	switch syncerr.CodeOf(err) {
	case syncerr.CodeAuthentication:
		return 3
	case syncerr.CodeOutdatedVersion:
		return 4
	case syncerr.CodeNetwork:
		return 5
	case syncerr.CodeRecordPersistence:
		return 6
	case syncerr.CodeConfiguration:
		return 7
	case syncerr.CodeCancelled:
		return 130
	default:
		return 1
	}
}
