package config

import (
	"bytes"
	"fmt"
	"os"

	"github.com/BurntSushi/toml"

	"github.com/syncwell/calbridge/internal/backend"
)

// Credentials holds the backend secrets, kept out of the YAML config in a
// mode-0600 TOML file.
type Credentials struct {
	CalDAV CalDAVCredentials `toml:"caldav"`
	Remote RemoteCredentials `toml:"remote"`
}

// CalDAVCredentials is the basic-auth account for the CalDAV server.
type CalDAVCredentials struct {
	BaseURL  string `toml:"base_url"`
	Username string `toml:"username"`
	Password string `toml:"password"`
}

// RemoteCredentials is the bearer token for the remote calendar API.
type RemoteCredentials struct {
	BaseURL string `toml:"base_url"`
	Token   string `toml:"token"`
}

// Endpoint converts the CalDAV account into a backend endpoint.
func (c CalDAVCredentials) Endpoint() backend.Endpoint {
	return backend.Endpoint{
		BaseURL:  c.BaseURL,
		Username: c.Username,
		Password: c.Password,
	}
}

// Endpoint converts the remote account into a backend endpoint.
func (c RemoteCredentials) Endpoint() backend.Endpoint {
	return backend.Endpoint{
		BaseURL: c.BaseURL,
		Token:   c.Token,
	}
}

// Validate checks that both backends are reachable on paper.
func (c *Credentials) Validate() error {
	if c.CalDAV.BaseURL == "" {
		return fmt.Errorf("caldav.base_url is required")
	}
	if c.Remote.BaseURL == "" {
		return fmt.Errorf("remote.base_url is required")
	}
	return nil
}

// LoadCredentials reads and validates the TOML credentials file.
func LoadCredentials(path string) (*Credentials, error) {
	var creds Credentials
	if _, err := toml.DecodeFile(path, &creds); err != nil {
		return nil, fmt.Errorf("failed to read credentials %s: %w", path, err)
	}
	if err := creds.Validate(); err != nil {
		return nil, fmt.Errorf("invalid credentials %s: %w", path, err)
	}
	return &creds, nil
}

// WriteCredentials writes the credentials file atomically with mode 0600.
func WriteCredentials(path string, creds *Credentials) error {
	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(creds); err != nil {
		return fmt.Errorf("failed to render credentials: %w", err)
	}
	return writeFileAtomic(path, buf.Bytes(), 0o600)
}

// InitCredentials writes a starter credentials file with placeholder
// values. It refuses to overwrite an existing file.
func InitCredentials(path string) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("credentials %s already exist", path)
	}
	return WriteCredentials(path, &Credentials{
		CalDAV: CalDAVCredentials{
			BaseURL:  "https://dav.example.com",
			Username: "alice",
			Password: "change-me",
		},
		Remote: RemoteCredentials{
			BaseURL: "https://calendar.example.com/api/v3",
			Token:   "change-me",
		},
	})
}
