package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/syncwell/calbridge/internal/config"
	"github.com/syncwell/calbridge/internal/diff"
	"github.com/syncwell/calbridge/internal/ui"
)

var mappingsCmd = &cobra.Command{
	Use:     "mappings",
	GroupID: "config",
	Short:   "Manage calendar mappings",
	Long: `Manage the mappings between CalDAV collections and remote calendars.

Changes are written to the config file. A running daemon watches the file
and picks them up without a restart.`,
}

var mappingsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List configured mappings",
	Run: func(cmd *cobra.Command, args []string) {
		cfg := loadConfig(cmd)
		if len(cfg.Mappings) == 0 {
			fmt.Println(ui.Warn("no mappings configured"))
			fmt.Println("Run 'cb mappings add' to create one.")
			return
		}

		rows := make([][]string, 0, len(cfg.Mappings))
		for _, m := range cfg.Mappings {
			enabled := ui.RenderPass("yes")
			if !m.IsEnabled() {
				enabled = ui.RenderDim("no")
			}
			rows = append(rows, []string{
				m.ID,
				m.SourceCalendar,
				m.DestCalendar,
				string(m.Direction),
				fmt.Sprintf("%dm", m.IntervalMinutes),
				enabled,
				m.PolicyName(),
			})
		}
		fmt.Print(ui.Table(
			[]string{"MAPPING", "SOURCE", "DEST", "DIRECTION", "INTERVAL", "ENABLED", "POLICY"},
			rows,
		))
	},
}

var mappingsAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Add a mapping interactively",
	Long: `Walk through creating a new mapping and append it to the config file.

The source is a CalDAV collection path on the configured server; the
destination is a calendar id on the remote API.`,
	Run: runMappingsAdd,
}

var mappingsEnableCmd = &cobra.Command{
	Use:   "enable <mapping-id>",
	Short: "Enable a mapping",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		setMappingEnabled(cmd, args[0], true)
	},
}

var mappingsDisableCmd = &cobra.Command{
	Use:   "disable <mapping-id>",
	Short: "Disable a mapping without deleting it",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		setMappingEnabled(cmd, args[0], false)
	},
}

func init() {
	mappingsCmd.AddCommand(mappingsListCmd)
	mappingsCmd.AddCommand(mappingsAddCmd)
	mappingsCmd.AddCommand(mappingsEnableCmd)
	mappingsCmd.AddCommand(mappingsDisableCmd)
	rootCmd.AddCommand(mappingsCmd)
}

// editableConfig reads the config file without environment overrides, so
// saving it back does not bake env values into the file.
func editableConfig(cmd *cobra.Command) (*config.Config, string) {
	path := configPath(cmd)
	cfg, err := config.ReadFile(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error reading %s: %v\n", path, err)
		fmt.Fprintln(os.Stderr, "Run 'cb config init' to create a starter config.")
		os.Exit(1)
	}
	return cfg, path
}

func runMappingsAdd(cmd *cobra.Command, args []string) {
	cfg, path := editableConfig(cmd)

	var (
		id        string
		source    string
		dest      string
		direction = string(diff.DirectionBidirectional)
		tieBreak  = "source"
		interval  = strconv.Itoa(config.DefaultIntervalMinutes)
		webhook   string
	)

	nonEmpty := func(s string) error {
		if strings.TrimSpace(s) == "" {
			return fmt.Errorf("required")
		}
		return nil
	}

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Mapping id").
				Description("Short name used in commands and logs, e.g. work").
				Value(&id).
				Validate(func(s string) error {
					if err := nonEmpty(s); err != nil {
						return err
					}
					if cfg.FindMapping(strings.TrimSpace(s)) != nil {
						return fmt.Errorf("mapping %q already exists", strings.TrimSpace(s))
					}
					return nil
				}),
			huh.NewInput().
				Title("Source calendar").
				Description("CalDAV collection path, e.g. /calendars/alice/work/").
				Value(&source).
				Validate(nonEmpty),
			huh.NewInput().
				Title("Destination calendar").
				Description("Calendar id on the remote API").
				Value(&dest).
				Validate(nonEmpty),
			huh.NewSelect[string]().
				Title("Direction").
				Options(
					huh.NewOption("Bidirectional", string(diff.DirectionBidirectional)),
					huh.NewOption("CalDAV to remote only", string(diff.DirectionCalDAVToRemote)),
					huh.NewOption("Remote to CalDAV only", string(diff.DirectionRemoteToCalDAV)),
				).
				Value(&direction),
			huh.NewSelect[string]().
				Title("Tie break").
				Description("Winner when conflicting edits carry equal timestamps").
				Options(
					huh.NewOption("Source (CalDAV)", "source"),
					huh.NewOption("Destination (remote)", "dest"),
				).
				Value(&tieBreak),
			huh.NewInput().
				Title("Sync interval (minutes)").
				Value(&interval).
				Validate(func(s string) error {
					n, err := strconv.Atoi(strings.TrimSpace(s))
					if err != nil || n < 1 {
						return fmt.Errorf("enter a whole number of minutes")
					}
					return nil
				}),
			huh.NewInput().
				Title("Webhook URL (optional)").
				Description("Receives a summary after each run; leave empty to skip").
				Value(&webhook),
		),
	)

	if err := form.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	minutes, _ := strconv.Atoi(strings.TrimSpace(interval))
	m := config.Mapping{
		ID:              strings.TrimSpace(id),
		SourceCalendar:  strings.TrimSpace(source),
		DestCalendar:    strings.TrimSpace(dest),
		Direction:       diff.Direction(direction),
		IntervalMinutes: minutes,
		WebhookURL:      strings.TrimSpace(webhook),
		TieBreak:        tieBreak,
	}
	m.Normalize()
	if err := m.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	cfg.Mappings = append(cfg.Mappings, m)
	if err := config.Save(path, cfg); err != nil {
		fmt.Fprintf(os.Stderr, "Error saving %s: %v\n", path, err)
		os.Exit(1)
	}

	fmt.Println(ui.Pass(fmt.Sprintf("added mapping %s (%s every %dm)", m.ID, m.Direction, m.IntervalMinutes)))
	fmt.Println("A running daemon picks the change up automatically.")
}

func setMappingEnabled(cmd *cobra.Command, id string, enabled bool) {
	cfg, path := editableConfig(cmd)

	m := cfg.FindMapping(id)
	if m == nil {
		fmt.Fprintf(os.Stderr, "Error: unknown mapping %q\n", id)
		os.Exit(1)
	}
	m.Enabled = &enabled

	if err := config.Save(path, cfg); err != nil {
		fmt.Fprintf(os.Stderr, "Error saving %s: %v\n", path, err)
		os.Exit(1)
	}

	if enabled {
		fmt.Println(ui.Pass("enabled " + id))
	} else {
		fmt.Println(ui.Warn("disabled " + id + " (history and correlations are kept)"))
	}
}
