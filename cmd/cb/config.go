package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/syncwell/calbridge/internal/config"
	"github.com/syncwell/calbridge/internal/ui"
)

var configCmd = &cobra.Command{
	Use:     "config",
	GroupID: "config",
	Short:   "Manage the config and credentials files",
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Create a starter config and credentials file",
	Long: `Write a commented starter config with one example mapping, plus a
credentials file template next to it. Existing credentials are never
overwritten.`,
	Run: runConfigInit,
}

func init() {
	configCmd.AddCommand(configInitCmd)
	rootCmd.AddCommand(configCmd)
}

func runConfigInit(cmd *cobra.Command, args []string) {
	path := configPath(cmd)
	if err := config.Init(path); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(ui.Pass("wrote " + path))

	credsPath := filepath.Join(filepath.Dir(path), config.DefaultCredentialsFile)
	if _, err := os.Stat(credsPath); err == nil {
		fmt.Println(ui.Warn(credsPath + " already exists, leaving it alone"))
	} else {
		if err := config.InitCredentials(credsPath); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		fmt.Println(ui.Pass("wrote " + credsPath))
	}

	fmt.Println()
	fmt.Println("Next steps:")
	fmt.Printf("  1. Edit %s with your CalDAV and remote API endpoints\n", credsPath)
	fmt.Println("  2. Run 'cb mappings add' to define what to sync")
	fmt.Println("  3. Run 'cb sync' for a one-shot test, 'cb serve' to keep syncing")
}
