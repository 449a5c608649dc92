package main

// Shared setup between the daemon and the one-shot commands. Every helper
// here prints the failure and exits; commands call them only after flag
// parsing.

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/syncwell/calbridge/internal/backend"
	"github.com/syncwell/calbridge/internal/config"
	"github.com/syncwell/calbridge/internal/registry"
)

// loadConfig reads and validates the config file named by --config.
func loadConfig(cmd *cobra.Command) *config.Config {
	cfg, err := config.Load(configPath(cmd))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		fmt.Fprintf(os.Stderr, "Run 'cb config init' to create a starter config\n")
		os.Exit(1)
	}
	return cfg
}

// loadCredentials reads the credentials file. A relative credentials_file
// resolves against the config file's directory.
func loadCredentials(cmd *cobra.Command, cfg *config.Config) *config.Credentials {
	path := cfg.CredentialsFile
	if !filepath.IsAbs(path) {
		path = filepath.Join(filepath.Dir(configPath(cmd)), path)
	}
	creds, err := config.LoadCredentials(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	return creds
}

// openStore connects to the correlation registry.
func openStore(ctx context.Context, cfg *config.Config) registry.Store {
	store, err := registry.Open(ctx, cfg.RegistryDSN)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error opening registry: %v\n", err)
		os.Exit(1)
	}
	return store
}

// newClients builds the CalDAV and remote backend clients.
func newClients(creds *config.Credentials) (source, dest backend.Client) {
	source, err := backend.New(backend.KindCalDAV, creds.CalDAV.Endpoint())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	dest, err = backend.New(backend.KindRemote, creds.Remote.Endpoint())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	return source, dest
}
