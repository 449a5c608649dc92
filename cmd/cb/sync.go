package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/olebedev/when"
	"github.com/olebedev/when/rules/common"
	"github.com/olebedev/when/rules/en"
	"github.com/spf13/cobra"

	"github.com/syncwell/calbridge/internal/config"
	"github.com/syncwell/calbridge/internal/engine"
	"github.com/syncwell/calbridge/internal/notify"
	"github.com/syncwell/calbridge/internal/ratelimit"
	"github.com/syncwell/calbridge/internal/ui"
)

var syncCmd = &cobra.Command{
	Use:     "sync",
	GroupID: "sync",
	Short:   "Run one sync pass and exit",
	Long: `Run one synchronization pass without starting the daemon.

Every enabled mapping syncs once, sequentially. The sync window extends the
configured number of days either side of now; --until replaces the forward
edge with a deadline given in plain English.

Examples:
  cb sync
  cb sync --mapping work
  cb sync --until "next friday"
  cb sync --mapping work --until "in 2 weeks"`,
	Run: runSync,
}

func init() {
	syncCmd.Flags().String("mapping", "", "Sync only this mapping id")
	syncCmd.Flags().String("until", "", "Forward edge of the sync window, in plain English")
	rootCmd.AddCommand(syncCmd)
}

func runSync(cmd *cobra.Command, args []string) {
	cfg := loadConfig(cmd)
	creds := loadCredentials(cmd, cfg)

	mappings := cfg.EnabledMappings()
	if id, _ := cmd.Flags().GetString("mapping"); id != "" {
		m := cfg.FindMapping(id)
		if m == nil {
			fmt.Fprintf(os.Stderr, "Error: unknown mapping %q\n", id)
			os.Exit(1)
		}
		// Naming a mapping syncs it even when disabled.
		mappings = []config.Mapping{*m}
	}
	if len(mappings) == 0 {
		fmt.Println(ui.Warn("no enabled mappings to sync"))
		return
	}

	var until time.Time
	if text, _ := cmd.Flags().GetString("until"); text != "" {
		until = parseUntil(text)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store := openStore(ctx, cfg)
	defer store.Close()

	source, dest := newClients(creds)
	budget := ratelimit.NewBudget(cfg.DailyWriteLimit)

	notifier := notify.New(notify.Config{})
	notifier.Start()
	defer notifier.Stop()

	eng := engine.New(engine.Config{
		Source:      source,
		Dest:        dest,
		Store:       store,
		Budget:      budget,
		Notifier:    notifier,
		HistoryKeep: cfg.HistoryKeep,
	})
	defer eng.Close(context.Background())

	failed := false
	for _, m := range mappings {
		var res *engine.RunResult
		if until.IsZero() {
			res = eng.Run(ctx, m)
		} else {
			from := time.Now().AddDate(0, 0, -m.SyncWindowDays)
			res = eng.RunWindow(ctx, m, from, until)
		}
		printRunResult(res)
		if res.Status == engine.StatusFailure {
			failed = true
		}
	}
	if failed {
		os.Exit(1)
	}
}

// parseUntil turns "--until" text into a point in time.
func parseUntil(text string) time.Time {
	w := when.New(nil)
	w.Add(en.All...)
	w.Add(common.All...)

	r, err := w.Parse(text, time.Now())
	if err != nil || r == nil {
		fmt.Fprintf(os.Stderr, "Error: could not understand --until %q\n", text)
		fmt.Fprintf(os.Stderr, "Try something like \"next friday\" or \"in 2 weeks\"\n")
		os.Exit(1)
	}
	return r.Time
}

func printRunResult(res *engine.RunResult) {
	elapsed := res.FinishedAt.Sub(res.StartedAt).Round(time.Millisecond)
	line := fmt.Sprintf("%s: %d inserted, %d updated, %d deleted in %v",
		res.MappingID, res.Inserted, res.Updated, res.Deleted, elapsed)

	switch res.Status {
	case engine.StatusSuccess:
		fmt.Println(ui.Pass(line))
	case engine.StatusPartialFailure:
		fmt.Println(ui.Warn(fmt.Sprintf("%s (%d failures, %d deferred)",
			line, len(res.Failures), res.Deferred)))
		for _, f := range res.Failures {
			fmt.Printf("   %s %s: %s\n", ui.RenderDim(f.Op), f.UID, f.Reason)
		}
	case engine.StatusFailure:
		fmt.Println(ui.Fail(fmt.Sprintf("%s: %s", res.MappingID, res.Error)))
	}
}
