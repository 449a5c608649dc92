// Package config defines the calbridge configuration surface: the YAML
// config file with its mapping list, environment overrides, and the
// separate TOML credentials file.
//
// Loading goes through spf13/viper so every key can be overridden with a
// CALBRIDGE_* environment variable. Secrets never live in the YAML file;
// they come from the credentials file referenced by credentials_file.
package config

import (
	"fmt"
	"net/url"

	"github.com/syncwell/calbridge/internal/diff"
	"github.com/syncwell/calbridge/internal/ratelimit"
)

// Defaults applied by Normalize when the file leaves a key unset.
const (
	DefaultListenAddr      = "127.0.0.1:8787"
	DefaultRegistryDSN     = "file:calbridge.db"
	DefaultCredentialsFile = "credentials.toml"
	DefaultSyncWindowDays  = 30
	DefaultIntervalMinutes = 5
	DefaultMaxConcurrent   = 4
	DefaultHistoryKeep     = 20
)

// Config is the root of the YAML config file.
type Config struct {
	// ListenAddr is where the admin HTTP surface binds.
	ListenAddr string `yaml:"listen_addr" mapstructure:"listen_addr"`

	// RegistryDSN selects the correlation store: file: (SQLite),
	// libsql:// or postgres://.
	RegistryDSN string `yaml:"registry_dsn" mapstructure:"registry_dsn"`

	// CredentialsFile points at the TOML file holding backend secrets.
	CredentialsFile string `yaml:"credentials_file" mapstructure:"credentials_file"`

	// DailyWriteLimit caps remote writes per UTC day across all mappings.
	DailyWriteLimit int `yaml:"daily_write_limit" mapstructure:"daily_write_limit"`

	// MaxConcurrent bounds how many mappings sync at the same time.
	MaxConcurrent int `yaml:"max_concurrent" mapstructure:"max_concurrent"`

	// HistoryKeep is how many run logs to retain per mapping.
	HistoryKeep int `yaml:"history_keep" mapstructure:"history_keep"`

	Mappings []Mapping `yaml:"mappings" mapstructure:"mappings"`
}

// Mapping pairs one CalDAV collection with one remote calendar.
type Mapping struct {
	ID string `yaml:"id" mapstructure:"id"`

	// SourceCalendar is the CalDAV collection path.
	SourceCalendar string `yaml:"source_calendar" mapstructure:"source_calendar"`

	// DestCalendar is the remote calendar id.
	DestCalendar string `yaml:"dest_calendar" mapstructure:"dest_calendar"`

	Direction diff.Direction `yaml:"direction" mapstructure:"direction"`

	// SyncWindowDays bounds fetches to now plus/minus this many days.
	SyncWindowDays int `yaml:"sync_window_days" mapstructure:"sync_window_days"`

	// IntervalMinutes is the scheduler period for this mapping.
	IntervalMinutes int `yaml:"interval_minutes" mapstructure:"interval_minutes"`

	// WebhookURL receives the run summary after each sync. Empty disables
	// notification.
	WebhookURL string `yaml:"webhook_url,omitempty" mapstructure:"webhook_url"`

	// TieBreak picks the winner when conflicting edits carry equal or
	// missing modification stamps: "source" or "dest".
	TieBreak string `yaml:"tie_break" mapstructure:"tie_break"`

	// PolicyWASM optionally points at a conflict-policy plugin module.
	PolicyWASM string `yaml:"policy_wasm,omitempty" mapstructure:"policy_wasm"`

	// Enabled defaults to true when omitted.
	Enabled *bool `yaml:"enabled,omitempty" mapstructure:"enabled"`
}

// IsEnabled reports whether the mapping should be scheduled.
func (m Mapping) IsEnabled() bool {
	return m.Enabled == nil || *m.Enabled
}

// PolicyName renders the mapping's conflict policy selector: the plugin
// path when one is configured, latest-wins otherwise.
func (m Mapping) PolicyName() string {
	if m.PolicyWASM != "" {
		return "wasm:" + m.PolicyWASM
	}
	return "latest-wins"
}

// Default returns a config with every defaultable field filled and no
// mappings.
func Default() *Config {
	return &Config{
		ListenAddr:      DefaultListenAddr,
		RegistryDSN:     DefaultRegistryDSN,
		CredentialsFile: DefaultCredentialsFile,
		DailyWriteLimit: ratelimit.DefaultDailyLimit,
		MaxConcurrent:   DefaultMaxConcurrent,
		HistoryKeep:     DefaultHistoryKeep,
	}
}

// Normalize fills defaults in place so the rest of the program never sees
// zero values for defaultable fields.
func (c *Config) Normalize() {
	if c.ListenAddr == "" {
		c.ListenAddr = DefaultListenAddr
	}
	if c.RegistryDSN == "" {
		c.RegistryDSN = DefaultRegistryDSN
	}
	if c.CredentialsFile == "" {
		c.CredentialsFile = DefaultCredentialsFile
	}
	if c.DailyWriteLimit <= 0 {
		c.DailyWriteLimit = ratelimit.DefaultDailyLimit
	}
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = DefaultMaxConcurrent
	}
	if c.HistoryKeep <= 0 {
		c.HistoryKeep = DefaultHistoryKeep
	}
	for i := range c.Mappings {
		c.Mappings[i].Normalize()
	}
}

// Normalize fills the mapping's defaultable fields in place.
func (m *Mapping) Normalize() {
	if m.Direction == "" {
		m.Direction = diff.DirectionBidirectional
	}
	if m.SyncWindowDays <= 0 {
		m.SyncWindowDays = DefaultSyncWindowDays
	}
	if m.IntervalMinutes <= 0 {
		m.IntervalMinutes = DefaultIntervalMinutes
	}
	if m.TieBreak == "" {
		m.TieBreak = "source"
	}
}

// Validate checks the whole config. Call Normalize first.
func (c *Config) Validate() error {
	seen := make(map[string]bool, len(c.Mappings))
	for i := range c.Mappings {
		m := &c.Mappings[i]
		if err := m.Validate(); err != nil {
			return fmt.Errorf("mapping %d: %w", i, err)
		}
		if seen[m.ID] {
			return fmt.Errorf("mapping %d: duplicate id %q", i, m.ID)
		}
		seen[m.ID] = true
	}
	return nil
}

// Validate checks one mapping's fields.
func (m *Mapping) Validate() error {
	if m.ID == "" {
		return fmt.Errorf("id is required")
	}
	if m.SourceCalendar == "" {
		return fmt.Errorf("source_calendar is required")
	}
	if m.DestCalendar == "" {
		return fmt.Errorf("dest_calendar is required")
	}
	if _, err := diff.ParseDirection(string(m.Direction)); err != nil {
		return err
	}
	if m.TieBreak != "source" && m.TieBreak != "dest" {
		return fmt.Errorf("tie_break must be \"source\" or \"dest\", got %q", m.TieBreak)
	}
	if m.SyncWindowDays <= 0 {
		return fmt.Errorf("sync_window_days must be positive")
	}
	if m.IntervalMinutes <= 0 {
		return fmt.Errorf("interval_minutes must be positive")
	}
	if m.WebhookURL != "" {
		u, err := url.Parse(m.WebhookURL)
		if err != nil {
			return fmt.Errorf("invalid webhook_url: %w", err)
		}
		if u.Scheme != "http" && u.Scheme != "https" {
			return fmt.Errorf("webhook_url must be http or https, got %q", u.Scheme)
		}
	}
	return nil
}

// FindMapping returns the mapping with the given id, or nil.
func (c *Config) FindMapping(id string) *Mapping {
	for i := range c.Mappings {
		if c.Mappings[i].ID == id {
			return &c.Mappings[i]
		}
	}
	return nil
}

// EnabledMappings returns the mappings the scheduler should run.
func (c *Config) EnabledMappings() []Mapping {
	var out []Mapping
	for _, m := range c.Mappings {
		if m.IsEnabled() {
			out = append(out, m)
		}
	}
	return out
}
