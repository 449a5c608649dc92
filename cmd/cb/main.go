// Command cb is the calbridge command line: a daemon and toolbox for
// keeping CalDAV collections and hosted calendars in sync.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	_ "github.com/syncwell/calbridge/internal/backend/caldav"
	_ "github.com/syncwell/calbridge/internal/backend/remote"
	"github.com/syncwell/calbridge/internal/ui"
)

var rootCmd = &cobra.Command{
	Use:   "cb",
	Short: "calbridge keeps CalDAV and hosted calendars in sync",
	Long: `calbridge synchronizes events between a CalDAV server and a hosted
calendar API.

Mappings pair one CalDAV collection with one remote calendar and sync on an
interval, bidirectionally by default. Correlation state lives in a local
registry database, so runs are incremental and interrupted work is retried
on the next pass.

Getting started:
  cb config init      # write starter config and credentials files
  cb mappings add     # add a calendar pair interactively
  cb sync             # one-shot sync of every enabled mapping
  cb serve            # run the daemon with scheduler and admin API`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if noColor, _ := cmd.Flags().GetBool("no-color"); noColor {
			ui.Disable()
		}
	},
}

func init() {
	rootCmd.PersistentFlags().String("config", "calbridge.yaml", "Path to the config file")
	rootCmd.PersistentFlags().Bool("no-color", false, "Disable styled output")

	rootCmd.AddGroup(
		&cobra.Group{ID: "sync", Title: "Sync commands:"},
		&cobra.Group{ID: "config", Title: "Configuration commands:"},
		&cobra.Group{ID: "maint", Title: "Maintenance commands:"},
	)
}

// configPath reads the persistent --config flag.
func configPath(cmd *cobra.Command) string {
	path, _ := cmd.Flags().GetString("config")
	return path
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
