package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// BasicAuthConfig holds HTTP Basic Auth credentials for the read-only API.
type BasicAuthConfig struct {
	Username string `yaml:"username" json:"username"`
	Password string `yaml:"password" json:"password"`
}

// LogConfig controls log level and the optional rotating log file.
type LogConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `yaml:"level" json:"level"`
	// File, if set, receives a copy of every log line.
	File       string `yaml:"file" json:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb" json:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups" json:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days" json:"max_age_days"`
}

// SourceConfig describes the groupware the calendars are scraped from.
type SourceConfig struct {
	BaseURL  string `yaml:"base_url" json:"base_url"`
	Username string `yaml:"username" json:"username"`
	Password string `yaml:"password" json:"-"`
	// UID is the viewer id used when rendering group-week pages.
	UID      string `yaml:"uid" json:"uid"`
	Headless bool   `yaml:"headless" json:"headless"`
	// ChromePath overrides the Chromium binary.
	ChromePath string `yaml:"chrome_path,omitempty" json:"chrome_path,omitempty"`
	// Timeout bounds each page operation, e.g. "30s".
	Timeout string `yaml:"timeout" json:"timeout"`
	// PageDelay is the settle time after each navigation, e.g. "1s".
	PageDelay string `yaml:"page_delay" json:"page_delay"`
}

// DatabaseConfig selects the store driver.
type DatabaseConfig struct {
	// Driver is "sqlite3" or "pgx".
	Driver string `yaml:"driver" json:"driver"`
	// DSN is a file path for sqlite3 or a connection string for pgx.
	DSN string `yaml:"dsn" json:"-"`
}

// SyncConfig tunes the scheduler and lists the facilities to scan.
type SyncConfig struct {
	Facilities       []string `yaml:"facilities" json:"facilities"`
	FullSyncHours    []int    `yaml:"full_sync_hours" json:"full_sync_hours"`
	FullWeeks        int      `yaml:"full_weeks" json:"full_weeks"`
	IncrementalWeeks int      `yaml:"incremental_weeks" json:"incremental_weeks"`
	// MinFullInterval is a Go duration string, e.g. "1h".
	MinFullInterval string `yaml:"min_full_interval" json:"min_full_interval"`
	// StatePath is where the scheduler records the last full sync.
	StatePath string `yaml:"state_path" json:"state_path"`
}

// Config is the top-level application configuration.
type Config struct {
	// Listen is the HTTP listen address of the read-only API.
	Listen string `yaml:"listen" json:"listen"`

	// Timezone is the IANA zone calendar days and schedule hours are
	// evaluated in (e.g. "Asia/Tokyo").
	Timezone string `yaml:"timezone" json:"timezone"`

	// RefreshCron is the cron schedule of sync runs in serve mode.
	RefreshCron string `yaml:"refresh" json:"refresh"`

	// CalendarName is the display name of the ICS export.
	CalendarName string `yaml:"calendar_name" json:"calendar_name"`

	Log      LogConfig      `yaml:"log" json:"log"`
	Source   SourceConfig   `yaml:"source" json:"source"`
	Database DatabaseConfig `yaml:"database" json:"database"`
	Sync     SyncConfig     `yaml:"sync" json:"sync"`

	// BasicAuth, if non-nil, enables HTTP Basic Authentication on all endpoints
	// except /health.
	BasicAuth *BasicAuthConfig `yaml:"basic_auth,omitempty" json:"basic_auth,omitempty"`
}

// DefaultConfig returns an in-memory default configuration.
func DefaultConfig() *Config {
	c := &Config{Source: SourceConfig{Headless: true}}
	c.Normalize()
	return c
}

// Normalize fills in missing/zero values with defaults so that
// partially-filled configs still behave correctly.
func (c *Config) Normalize() {
	if c.Listen == "" {
		c.Listen = "127.0.0.1:8080"
	}
	if c.Timezone == "" {
		c.Timezone = "Asia/Tokyo"
	}
	if c.RefreshCron == "" {
		c.RefreshCron = "*/30 * * * *"
	}
	if c.CalendarName == "" {
		c.CalendarName = "calsync"
	}

	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.MaxSizeMB <= 0 {
		c.Log.MaxSizeMB = 10
	}
	if c.Log.MaxBackups <= 0 {
		c.Log.MaxBackups = 7
	}
	if c.Log.MaxAgeDays <= 0 {
		c.Log.MaxAgeDays = 30
	}

	if c.Source.Timeout == "" {
		c.Source.Timeout = "30s"
	}
	if c.Source.PageDelay == "" {
		c.Source.PageDelay = "1s"
	}

	switch c.Database.Driver {
	case "sqlite3", "pgx":
	default:
		c.Database.Driver = "sqlite3"
	}
	if c.Database.DSN == "" && c.Database.Driver == "sqlite3" {
		c.Database.DSN = "./data/calsync.db"
	}

	if c.Sync.Facilities == nil {
		c.Sync.Facilities = []string{}
	}
	if len(c.Sync.FullSyncHours) == 0 {
		c.Sync.FullSyncHours = []int{0, 12}
	}
	if c.Sync.FullWeeks <= 0 {
		c.Sync.FullWeeks = 5
	}
	if c.Sync.IncrementalWeeks <= 0 {
		c.Sync.IncrementalWeeks = 1
	}
	if c.Sync.MinFullInterval == "" {
		c.Sync.MinFullInterval = "1h"
	}
	if c.Sync.StatePath == "" {
		c.Sync.StatePath = "./data/scheduler_state.json"
	}
}

// Validate reports settings that cannot be defaulted.
func (c *Config) Validate() error {
	var errs []error
	if _, err := time.LoadLocation(c.Timezone); err != nil {
		errs = append(errs, fmt.Errorf("timezone %q: %w", c.Timezone, err))
	}
	for _, h := range c.Sync.FullSyncHours {
		if h < 0 || h > 23 {
			errs = append(errs, fmt.Errorf("full_sync_hours: %d is not an hour", h))
		}
	}
	for name, v := range map[string]string{
		"sync.min_full_interval": c.Sync.MinFullInterval,
		"source.timeout":         c.Source.Timeout,
		"source.page_delay":      c.Source.PageDelay,
	} {
		if _, err := time.ParseDuration(v); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}
	if c.Database.DSN == "" {
		errs = append(errs, errors.New("database.dsn is required"))
	}
	return errors.Join(errs...)
}

// Location returns the configured zone, or time.Local when it cannot be
// loaded.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.Local
	}
	return loc
}

// Duration parses a duration field, returning def when it is empty or invalid.
func Duration(s string, def time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return def
	}
	return d
}

// Load loads configuration from the given YAML path.
//
// Behavior:
//   - If the file does not exist:
//   - create parent directory if needed
//   - write a default config with 0600 perms
//   - return the default config
//   - If the file exists:
//   - read YAML and unmarshal into Config
//   - normalize defaults
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is empty")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			// First run: create default config file.
			cfg := DefaultConfig()
			if err := Save(path, cfg); err != nil {
				return cfg, err
			}
			return cfg, nil
		}
		return nil, err
	}

	// Headless is the only default a zero value cannot express.
	cfg := Config{Source: SourceConfig{Headless: true}}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	cfg.Normalize()

	return &cfg, nil
}

// Save writes cfg to path atomically (temp file + rename) with 0600
// permissions, creating the parent directory (0700) if needed.
func Save(path string, cfg *Config) error {
	if path == "" {
		return errors.New("config path is empty")
	}
	if cfg == nil {
		return errors.New("config is nil")
	}

	cfg.Normalize()

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, ".calsync-config-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}

	if err := os.Chmod(tmpName, 0o600); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}
