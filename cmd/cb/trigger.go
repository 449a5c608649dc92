package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/syncwell/calbridge/internal/server"
	"github.com/syncwell/calbridge/internal/ui"
)

var triggerCmd = &cobra.Command{
	Use:     "trigger [mapping-id...]",
	GroupID: "sync",
	Short:   "Ask the running daemon to sync now",
	Long: `Queue an immediate sync on the running daemon, outside the regular
schedule. Without arguments every enabled mapping is triggered; with
arguments only the named mappings are.

Triggered runs go through the same queue as scheduled ones, so a mapping
that is already running is skipped rather than run twice.

Examples:
  cb trigger           # sync everything now
  cb trigger work      # sync just the work mapping`,
	Run: runTrigger,
}

func init() {
	rootCmd.AddCommand(triggerCmd)
}

func runTrigger(cmd *cobra.Command, args []string) {
	cfg := loadConfig(cmd)

	body, err := json.Marshal(server.TriggerRequest{MappingIDs: args})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Post("http://"+cfg.ListenAddr+"/api/trigger",
		"application/json", bytes.NewReader(body))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: daemon not reachable at %s (is 'cb serve' running?)\n", cfg.ListenAddr)
		os.Exit(1)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		fmt.Fprintf(os.Stderr, "Error: daemon answered %d\n", resp.StatusCode)
		os.Exit(1)
	}

	var result server.TriggerResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		fmt.Fprintf(os.Stderr, "Error decoding response: %v\n", err)
		os.Exit(1)
	}

	if len(result.Triggered) == 0 {
		fmt.Println(ui.Warn("nothing to trigger (unknown, disabled, or already running)"))
		return
	}
	for _, id := range result.Triggered {
		fmt.Println(ui.Pass("queued " + id))
	}
}
