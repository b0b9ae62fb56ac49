package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/fieldops/fieldsync/internal/blob"
	"github.com/fieldops/fieldsync/internal/daemon"
	"github.com/fieldops/fieldsync/internal/queue"
	"github.com/fieldops/fieldsync/internal/syncer"
	"github.com/fieldops/fieldsync/internal/ui"
)

var syncCmd = &cobra.Command{
	Use:     "sync",
	GroupID: "sync",
	Short:   "Run one sync now",
	Long: `Push every pending operation in order, then pull the server changes made
since the last successful sync.

A manual sync does not wait for the retry backoff. It is skipped when the
server is unreachable or another run is in progress.`,
	Run: func(cmd *cobra.Command, args []string) {
		a := openApp(appOptions{Probe: true})
		defer a.Close()

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		if !jsonOutput {
			fmt.Printf("%s Syncing with %s...\n", ui.RenderAccent("🔄"), a.cfg.ServerURL)
		}
		res, err := a.coord.Run(ctx, syncer.TriggerManual)

		if uploadAfter && res != nil && res.Outcome == syncer.OutcomeSynced {
			report, uerr := blob.NewUploader(a.store, a.client, a.monitor, a.logger).UploadPending(ctx)
			if uerr == nil && report.Uploaded > 0 && !jsonOutput {
				fmt.Printf("   Uploaded %d file(s)\n", report.Uploaded)
			}
		}

		if jsonOutput {
			printJSON(res)
			if err != nil {
				os.Exit(1)
			}
			return
		}
		printResult(res, err)
		if err != nil {
			os.Exit(1)
		}
	},
}

var uploadAfter bool

func printResult(res *syncer.Result, err error) {
	switch {
	case res == nil:
		fmt.Fprintf(os.Stderr, "%s Sync failed: %v\n", ui.RenderFail("✗"), err)
		return
	case res.Outcome == syncer.OutcomeSkipped:
		fmt.Printf("%s Sync skipped: %s\n", ui.RenderWarn("⚠"), res.SkipReason)
		return
	case err != nil:
		fmt.Fprintf(os.Stderr, "%s Sync failed after %v: %v\n",
			ui.RenderFail("✗"), res.Duration.Round(time.Millisecond), err)
	default:
		fmt.Printf("%s Sync complete in %v\n", ui.RenderPass("✓"), res.Duration.Round(time.Millisecond))
	}

	fmt.Printf("   Pushed:    %d (%d synced, %d failed, %d to retry)\n", res.Pushed, res.Synced, res.Failed, res.Retried)
	fmt.Printf("   Pulled:    %d (%d deleted, %d conflicts)\n", res.Pulled, res.Deleted, res.Conflicts)
	if res.Purged > 0 {
		fmt.Printf("   Purged:    %d invalid operation(s)\n", res.Purged)
	}
	if res.Watermark != nil {
		fmt.Printf("   Watermark: %s\n", res.Watermark.Local().Format(time.RFC3339))
	}
	for _, op := range res.Operations {
		if op.Status == queue.StatusFailed {
			fmt.Printf("   %s %s: %s\n", ui.RenderFail("✗"), op.ID, op.Error)
		}
	}
}

var statusCmd = &cobra.Command{
	Use:     "status",
	GroupID: "sync",
	Short:   "Show connectivity, session and queue state",
	Run: func(cmd *cobra.Command, args []string) {
		a := openApp(appOptions{Probe: true})
		defer a.Close()

		ctx := context.Background()
		counts, err := a.queue.Counts(ctx)
		if err != nil {
			fatal("reading queue: %v", err)
		}
		snap := a.session.Snapshot()

		if jsonOutput {
			printJSON(map[string]any{
				"online":    a.monitor.IsOnline(),
				"server":    a.cfg.ServerURL,
				"tenant":    snap.TenantID,
				"user":      snap.UserID,
				"device":    snap.DeviceID,
				"last_sync": snap.LastSync,
				"queue":     counts,
			})
			return
		}

		fmt.Printf("\n%s fieldsync status\n\n", ui.RenderAccent("📊"))
		fmt.Printf("   Server:     %s (%s)\n", a.cfg.ServerURL, a.connectivityLabel())
		if snap.TenantID != "" {
			fmt.Printf("   Signed in:  %s / %s\n", snap.TenantID, snap.UserID)
		} else {
			fmt.Printf("   Signed in:  %s\n", ui.RenderWarn("no"))
		}
		fmt.Printf("   Device:     %s\n", snap.DeviceID)
		if snap.LastSync != nil {
			fmt.Printf("   Last sync:  %s\n", snap.LastSync.Local().Format(time.RFC3339))
		} else {
			fmt.Printf("   Last sync:  %s\n", ui.RenderMuted("never"))
		}
		fmt.Printf("\n   Queue:\n")
		for _, s := range []queue.Status{queue.StatusPending, queue.StatusSyncing, queue.StatusSynced, queue.StatusFailed} {
			fmt.Printf("     %-8s %d\n", ui.RenderStatus(string(s)), counts[s])
		}
		fmt.Println()
	},
}

var daemonCmd = &cobra.Command{
	Use:     "daemon",
	GroupID: "sync",
	Short:   "Run the background sync daemon",
	Long: `Run sync scheduling in the foreground until interrupted.

The daemon:
  1. Syncs when connectivity returns and periodically while online
  2. Syncs shortly after start when operations are pending
  3. Registers new captures dropped into the inbox directory
  4. Uploads registered files after each successful sync
  5. Optionally serves the dashboard feed and /metrics`,
	Run: func(cmd *cobra.Command, args []string) {
		a := openApp(appOptions{Daemon: true, Dashboard: dashboardFlag(cmd)})
		defer a.Close()

		deps := daemon.Deps{
			Store:       a.store,
			Coordinator: a.coord,
			Monitor:     a.monitor,
			Uploader:    blob.NewUploader(a.store, a.client, a.monitor, a.logger),
		}
		if a.dash != nil {
			deps.Dashboard = a.dash
		}
		inbox := a.cfg.Inbox
		if inbox != "" {
			deps.Registrar = blob.NewRegistrar(a.store, nil)
		}

		d, err := daemon.New(deps, &daemon.Config{
			Inbox:            inbox,
			DebounceInterval: 500 * time.Millisecond,
			UploadInterval:   a.cfg.UploadInterval,
			ProbeInterval:    a.cfg.ProbeInterval,
			MetricsAddr:      a.cfg.MetricsAddr,
			Metrics:          a.metrics.Handler(),
			Logger:           a.logger,
		})
		if err != nil {
			fatal("creating daemon: %v", err)
		}

		fmt.Printf("%s Starting fieldsync daemon...\n", ui.RenderAccent("🚀"))
		fmt.Printf("   Server: %s\n", a.cfg.ServerURL)
		fmt.Printf("   Data:   %s\n", a.cfg.DataDir)
		if inbox != "" {
			fmt.Printf("   Inbox:  %s\n", inbox)
		}
		if a.dash != nil {
			fmt.Printf("   Dashboard: ws://localhost:%d/ws\n", a.cfg.Dashboard.Port)
		}
		if a.cfg.MetricsAddr != "" {
			fmt.Printf("   Metrics:   http://%s/metrics\n", a.cfg.MetricsAddr)
		}
		fmt.Printf("\nPress Ctrl+C to stop\n\n")

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		if err := d.Start(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "Daemon stopped with error: %v\n", err)
			a.Close()
			os.Exit(1)
		}
	},
}

func dashboardFlag(cmd *cobra.Command) bool {
	if cmd.Flags().Changed("dashboard") {
		on, _ := cmd.Flags().GetBool("dashboard")
		return on
	}
	return loadConfig().Dashboard.Enabled
}

func init() {
	syncCmd.Flags().BoolVar(&uploadAfter, "upload", true, "upload registered files after a successful sync")
	daemonCmd.Flags().Bool("dashboard", false, "serve the WebSocket dashboard (overrides config)")

	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(daemonCmd)
}
