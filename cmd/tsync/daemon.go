package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/beyondessential/tamanu-sync/internal/daemon"
	"github.com/beyondessential/tamanu-sync/internal/dashboard"
	"github.com/beyondessential/tamanu-sync/internal/sync"
	"github.com/beyondessential/tamanu-sync/internal/ui"
)

var daemonCmd = &cobra.Command{
	Use:     "daemon",
	GroupID: "sync",
	Short:   "Keep syncing in the background",
	Long: `Sync on start, then every --interval, and shortly after local writes.

Local writes are detected by watching the database file and its WAL. The
dashboard, when enabled, serves a live WebSocket feed of sync events:

  tsync daemon --dashboard-port 8080
  ws://localhost:8080/ws

Settings: daemon.interval, daemon.debounce, daemon.watch_database and
daemon.dashboard_port in tsync.yaml.`,
	Run: func(cmd *cobra.Command, args []string) {
		if cmd.Flags().Changed("interval") {
			cfg.Daemon.Interval, _ = cmd.Flags().GetDuration("interval")
		}
		if cmd.Flags().Changed("dashboard-port") {
			cfg.Daemon.DashboardPort, _ = cmd.Flags().GetInt("dashboard-port")
		}

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

		if cfg.Daemon.DashboardPort > 0 {
			server := dashboard.NewServer(&dashboard.Config{
				Port:   cfg.Daemon.DashboardPort,
				Logger: logs.Logger("dashboard"),
			})
			if err := server.Start(); err != nil {
				fail(err)
			}
			defer server.Stop()

			events, unsubscribe := mgr.Subscribe(256)
			defer unsubscribe()
			go dashboard.NewHandler(server, logs.Logger("dashboard")).Run(ctx, events)

			fmt.Printf("Dashboard: http://%s (WebSocket /ws)\n", server.GetAddr())
		}

		watchPath := ""
		if cfg.Daemon.WatchDatabase {
			watchPath = env.db.Path()
		}
		d, err := daemon.New(func(ctx context.Context) error {
			_, err := mgr.Sync(ctx, sync.TriggerOptions{})
			return err
		}, &daemon.Config{
			Interval:         cfg.Daemon.Interval,
			DebounceInterval: cfg.Daemon.Debounce,
			DatabasePath:     watchPath,
			Logger:           logs.Logger("daemon"),
		})
		if err != nil {
			fail(err)
		}

		fmt.Printf("%s Sync daemon running (every %v). Press Ctrl+C to stop...\n", ui.RenderAccent("●"), cfg.Daemon.Interval)
		if err := d.Start(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		fmt.Println("Daemon stopped")
	},
}

func init() {
	daemonCmd.Flags().Duration("interval", 0, "Time between periodic syncs (default from config, 5m)")
	daemonCmd.Flags().IntP("dashboard-port", "p", 0, "Serve the event dashboard on this port (0 disables)")
	rootCmd.AddCommand(daemonCmd)
}
