package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/syncwell/calbridge/internal/config"
	"github.com/syncwell/calbridge/internal/engine"
	"github.com/syncwell/calbridge/internal/server"
	"github.com/syncwell/calbridge/internal/ui"
)

var statusCmd = &cobra.Command{
	Use:     "status [mapping-id]",
	GroupID: "sync",
	Short:   "Show mapping status and recent runs",
	Long: `Display the state of every configured mapping.

With a running daemon the view is live: in-flight runs and the daily write
budget come from the admin API. Without one, the view falls back to the run
history stored in the registry.

Passing a mapping id shows that mapping's recent run history instead.`,
	Args: cobra.MaximumNArgs(1),
	Run:  runStatus,
}

func init() {
	statusCmd.Flags().Int("runs", 10, "How many runs to show in the history view")
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) {
	cfg := loadConfig(cmd)

	if len(args) == 1 {
		runs, _ := cmd.Flags().GetInt("runs")
		printHistory(cfg, args[0], runs)
		return
	}

	if live, err := fetchDaemonStatus(cfg.ListenAddr); err == nil {
		printLiveStatus(live)
		return
	}
	printStoredStatus(cfg)
}

// fetchDaemonStatus asks a running daemon for its view.
func fetchDaemonStatus(addr string) (*server.StatusResponse, error) {
	client := &http.Client{Timeout: 2 * time.Second}
	resp, err := client.Get("http://" + addr + "/api/status")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("daemon answered %d", resp.StatusCode)
	}

	var status server.StatusResponse
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return nil, fmt.Errorf("failed to decode status: %w", err)
	}
	return &status, nil
}

func printLiveStatus(status *server.StatusResponse) {
	rows := make([][]string, 0, len(status.Mappings))
	for _, m := range status.Mappings {
		state := "idle"
		switch {
		case m.Running:
			state = ui.RenderAccent("running")
		case !m.Enabled:
			state = ui.RenderDim("disabled")
		}

		last, result := "never", ui.SymbolIdle
		if m.LastRun != nil {
			last = ago(m.LastRun.FinishedAt)
			result = runStatusCell(m.LastRun.Status)
		}

		rows = append(rows, []string{
			m.ID,
			m.Direction,
			fmt.Sprintf("%dm", m.IntervalMinutes),
			state,
			last,
			result,
		})
	}

	fmt.Print(ui.Table(
		[]string{"MAPPING", "DIRECTION", "INTERVAL", "STATE", "LAST RUN", "RESULT"},
		rows,
	))

	if b := status.Budget; b != nil && b.Limit > 0 {
		fmt.Printf("\nDaily write budget: %d of %d remaining (resets %s)\n",
			b.Remaining, b.Limit, b.ResetsAt.UTC().Format("15:04 UTC"))
	}
}

// printStoredStatus renders from the registry when no daemon is running.
func printStoredStatus(cfg *config.Config) {
	ctx := context.Background()
	store := openStore(ctx, cfg)
	defer store.Close()

	rows := make([][]string, 0, len(cfg.Mappings))
	for _, m := range cfg.Mappings {
		state := "idle"
		if !m.IsEnabled() {
			state = ui.RenderDim("disabled")
		}

		last, result := "never", ui.SymbolIdle
		if runs, err := store.RecentRuns(ctx, m.ID, 1); err == nil && len(runs) > 0 {
			last = ago(runs[0].FinishedAt)
			result = runStatusCell(runs[0].Status)
		}

		rows = append(rows, []string{
			m.ID,
			string(m.Direction),
			fmt.Sprintf("%dm", m.IntervalMinutes),
			state,
			last,
			result,
		})
	}

	fmt.Print(ui.Table(
		[]string{"MAPPING", "DIRECTION", "INTERVAL", "STATE", "LAST RUN", "RESULT"},
		rows,
	))

	fmt.Println()
	fmt.Println(ui.RenderDim("daemon not reachable; showing stored history"))
	if cfg.DailyWriteLimit > 0 {
		fmt.Printf("Daily write budget: %d/day\n", cfg.DailyWriteLimit)
	}
}

// printHistory shows one mapping's recent runs from the registry.
func printHistory(cfg *config.Config, id string, limit int) {
	if cfg.FindMapping(id) == nil {
		fmt.Fprintf(os.Stderr, "Error: unknown mapping %q\n", id)
		os.Exit(1)
	}

	ctx := context.Background()
	store := openStore(ctx, cfg)
	defer store.Close()

	runs, err := store.RecentRuns(ctx, id, limit)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading run history: %v\n", err)
		os.Exit(1)
	}
	if len(runs) == 0 {
		fmt.Println(ui.Warn(fmt.Sprintf("no recorded runs for %s", id)))
		return
	}

	rows := make([][]string, 0, len(runs))
	for _, r := range runs {
		rows = append(rows, []string{
			r.StartedAt.Local().Format("2006-01-02 15:04:05"),
			r.FinishedAt.Sub(r.StartedAt).Round(time.Millisecond).String(),
			runStatusCell(r.Status),
			fmt.Sprintf("%d", r.Inserted),
			fmt.Sprintf("%d", r.Updated),
			fmt.Sprintf("%d", r.Deleted),
			fmt.Sprintf("%d", r.Deferred),
		})
	}

	fmt.Printf("%s\n\n", ui.RenderAccent("Run history: "+id))
	fmt.Print(ui.Table(
		[]string{"STARTED", "DURATION", "RESULT", "INS", "UPD", "DEL", "DEF"},
		rows,
	))
}

// runStatusCell renders a run status as a styled symbol plus word.
func runStatusCell(status string) string {
	switch status {
	case engine.StatusSuccess:
		return ui.RenderPass(ui.SymbolPass + " success")
	case engine.StatusPartialFailure:
		return ui.RenderWarn(ui.SymbolWarn + " partial")
	case engine.StatusFailure:
		return ui.RenderFail(ui.SymbolFail + " failure")
	default:
		return status
	}
}

// ago renders a timestamp as a rough relative age.
func ago(t time.Time) string {
	if t.IsZero() {
		return "never"
	}
	d := time.Since(t)
	switch {
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd ago", int(d.Hours()/24))
	}
}
