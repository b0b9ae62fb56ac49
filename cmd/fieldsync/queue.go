package main

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/fieldops/fieldsync/internal/queue"
	"github.com/fieldops/fieldsync/internal/ui"
)

var queueCmd = &cobra.Command{
	Use:     "queue",
	GroupID: "sync",
	Short:   "Inspect and repair the operation queue",
}

var queueListCmd = &cobra.Command{
	Use:   "list [status...]",
	Short: "List queued operations (default: pending and failed)",
	Run: func(cmd *cobra.Command, args []string) {
		statuses := []queue.Status{queue.StatusPending, queue.StatusSyncing, queue.StatusFailed}
		if len(args) > 0 {
			statuses = statuses[:0]
			for _, arg := range args {
				s := queue.Status(arg)
				switch s {
				case queue.StatusPending, queue.StatusSyncing, queue.StatusSynced, queue.StatusFailed:
				default:
					fatal("unknown status %q", arg)
				}
				statuses = append(statuses, s)
			}
		}

		a := openApp(appOptions{})
		defer a.Close()

		ops, err := a.queue.List(context.Background(), statuses...)
		if err != nil {
			fatal("reading queue: %v", err)
		}
		printOperations(ops)
	},
}

var queueFailedCmd = &cobra.Command{
	Use:   "failed",
	Short: "List operations that need attention",
	Run: func(cmd *cobra.Command, args []string) {
		a := openApp(appOptions{})
		defer a.Close()

		ops, err := a.queue.Failed(context.Background())
		if err != nil {
			fatal("reading queue: %v", err)
		}
		printOperations(ops)
	},
}

var queueRetryCmd = &cobra.Command{
	Use:   "retry <seq>...",
	Short: "Return failed operations to pending",
	Long: `Return failed operations to pending with their retry counter reset. Use
--all to re-arm every failed operation.`,
	Run: func(cmd *cobra.Command, args []string) {
		all, _ := cmd.Flags().GetBool("all")
		if !all && len(args) == 0 {
			fatal("give at least one sequence number or --all")
		}

		a := openApp(appOptions{})
		defer a.Close()
		ctx := context.Background()

		var seqs []int64
		if all {
			failed, err := a.queue.Failed(ctx)
			if err != nil {
				fatal("reading queue: %v", err)
			}
			for _, op := range failed {
				seqs = append(seqs, op.Seq)
			}
		}
		for _, arg := range args {
			seq, err := strconv.ParseInt(arg, 10, 64)
			if err != nil {
				fatal("invalid sequence number %q", arg)
			}
			seqs = append(seqs, seq)
		}

		retried := 0
		for _, seq := range seqs {
			if err := a.queue.Retry(ctx, seq); err != nil {
				fmt.Printf("%s #%d: %v\n", ui.RenderWarn("⚠"), seq, err)
				continue
			}
			retried++
		}
		fmt.Printf("%s %d operation(s) returned to pending\n", ui.RenderPass("✓"), retried)
	},
}

var queuePurgeCmd = &cobra.Command{
	Use:   "purge",
	Short: "Remove operations on collections that may not be synced",
	Run: func(cmd *cobra.Command, args []string) {
		a := openApp(appOptions{})
		defer a.Close()

		n, err := a.queue.PurgeInvalid(context.Background())
		if err != nil {
			fatal("purging queue: %v", err)
		}
		fmt.Printf("%s Purged %d operation(s)\n", ui.RenderPass("✓"), n)
	},
}

var queueSweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Delete synced operations",
	Run: func(cmd *cobra.Command, args []string) {
		a := openApp(appOptions{})
		defer a.Close()

		n, err := a.queue.Sweep(context.Background())
		if err != nil {
			fatal("sweeping queue: %v", err)
		}
		fmt.Printf("%s Removed %d synced operation(s)\n", ui.RenderPass("✓"), n)
	},
}

func printOperations(ops []*queue.Operation) {
	if jsonOutput {
		type row struct {
			Seq int64 `json:"seq"`
			*queue.Operation
		}
		rows := make([]row, 0, len(ops))
		for _, op := range ops {
			rows = append(rows, row{Seq: op.Seq, Operation: op})
		}
		printJSON(rows)
		return
	}
	if len(ops) == 0 {
		fmt.Println(ui.RenderMuted("No operations"))
		return
	}
	for _, op := range ops {
		fmt.Printf("#%-5d %-9s %-32s retries=%d  %s\n",
			op.Seq, ui.RenderStatus(string(op.Status)), op.ID, op.RetryCount,
			ui.RenderMuted(op.CreatedAt.Local().Format(time.DateTime)))
		if op.LastError != "" {
			fmt.Printf("       %s\n", ui.RenderFail(op.LastError))
		}
	}
}

func init() {
	queueRetryCmd.Flags().Bool("all", false, "retry every failed operation")

	queueCmd.AddCommand(queueListCmd)
	queueCmd.AddCommand(queueFailedCmd)
	queueCmd.AddCommand(queueRetryCmd)
	queueCmd.AddCommand(queuePurgeCmd)
	queueCmd.AddCommand(queueSweepCmd)
	rootCmd.AddCommand(queueCmd)
}
