package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/olebedev/when"
	"github.com/olebedev/when/rules/common"
	"github.com/olebedev/when/rules/en"
	"github.com/spf13/cobra"

	"github.com/fieldops/fieldsync/internal/hybrid"
	"github.com/fieldops/fieldsync/internal/schema"
	"github.com/fieldops/fieldsync/internal/ui"
)

var historyCmd = &cobra.Command{
	Use:     "history",
	GroupID: "sync",
	Short:   "Show operations recorded since a point in time",
	Long: `List queued operations created since --since, with the current state of the
record each one targets.

--since accepts a duration ("2h"), a timestamp ("2026-03-01T08:00:00Z") or
plain English ("yesterday", "last monday", "3 days ago").`,
	Run: func(cmd *cobra.Command, args []string) {
		since, _ := cmd.Flags().GetString("since")
		from, err := parseSince(since, time.Now())
		if err != nil {
			fatal("%v", err)
		}

		a := openApp(appOptions{})
		defer a.Close()
		ctx := context.Background()

		ops, err := a.queue.Since(ctx, from)
		if err != nil {
			a.Close()
			fatal("reading queue: %v", err)
		}
		if jsonOutput {
			printOperations(ops)
			return
		}

		fmt.Printf("%s Operations since %s\n\n", ui.RenderAccent("🕘"), from.Local().Format(time.DateTime))
		if len(ops) == 0 {
			fmt.Println(ui.RenderMuted("No operations"))
			return
		}
		for _, op := range ops {
			fmt.Printf("%s  %-6s %-14s %-24s %s\n",
				ui.RenderMuted(op.CreatedAt.Local().Format(time.DateTime)),
				op.Kind, op.Collection, op.EntityID,
				displayOf(ctx, a.layer, op.Collection, op.EntityID))
		}
	},
}

// parseSince turns a duration, an RFC 3339 timestamp or an English
// expression into an absolute time relative to now.
func parseSince(s string, now time.Time) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, fmt.Errorf("--since is required")
	}
	if d, err := time.ParseDuration(s); err == nil {
		if d < 0 {
			d = -d
		}
		return now.Add(-d), nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	if t, err := time.ParseInLocation(time.DateOnly, s, now.Location()); err == nil {
		return t, nil
	}

	w := when.New(nil)
	w.Add(en.All...)
	w.Add(common.All...)
	r, err := w.Parse(s, now)
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing --since %q: %w", s, err)
	}
	if r == nil {
		return time.Time{}, fmt.Errorf("could not understand --since %q", s)
	}
	return r.Time, nil
}

// displayOf labels a record with its current sync state.
func displayOf(ctx context.Context, l *hybrid.Layer, c schema.Collection, id string) string {
	d, err := l.StatusOf(ctx, c, id)
	if err != nil {
		return ui.RenderMuted("gone")
	}
	return ui.RenderStatus(d.String())
}

func init() {
	historyCmd.Flags().String("since", "24h", "start of the window")

	rootCmd.AddCommand(historyCmd)
}
