package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// CalDAVConfig holds the target calendar server settings.
type CalDAVConfig struct {
	// Server is the base URL of the CalDAV server.
	Server string `yaml:"server"`
	// Username / Password are the basic auth credentials.
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	// Calendar is the full URL of the calendar collection to sync into.
	Calendar string `yaml:"calendar"`
	// Name is the expected display name of that calendar. It is verified
	// before any write; a mismatch aborts the run. This guards against a
	// copy-pasted URL pointing at the wrong (possibly personal) calendar.
	Name string `yaml:"name"`
}

// NovsuConfig holds the timetable source settings.
type NovsuConfig struct {
	// Timetable is the URL of the published group timetable page.
	Timetable string `yaml:"timetable"`
	// Timezone is the IANA zone the timetable times are expressed in.
	Timezone string `yaml:"timezone"`
	// Subgroup selects lessons for subgroup 1 or 2. Zero keeps both.
	Subgroup int `yaml:"subgroup"`
}

// SyncConfig holds run-mode knobs.
type SyncConfig struct {
	// Cron, if non-empty, is a cron-style schedule for periodic sync.
	// Empty means run once and exit.
	Cron string `yaml:"cron"`
	// LessonMinutes is the duration of a single lesson slot.
	LessonMinutes int `yaml:"lesson_minutes"`
	// HTTPTimeoutSeconds bounds every outbound HTTP request.
	HTTPTimeoutSeconds int `yaml:"http_timeout_seconds"`
}

// Config is the top-level application configuration.
type Config struct {
	CalDAV CalDAVConfig `yaml:"caldav"`
	Novsu  NovsuConfig  `yaml:"novsu"`
	Sync   SyncConfig   `yaml:"sync"`
}

// MissingKeyError reports a required configuration key that is absent.
type MissingKeyError struct {
	Key string
}

func (e *MissingKeyError) Error() string {
	return fmt.Sprintf("config: required key %q is missing", e.Key)
}

// DefaultConfig returns a config skeleton suitable for writing out on
// first run (-init). Required fields are left empty on purpose so that
// Validate fails until the user fills them in.
func DefaultConfig() *Config {
	return &Config{
		CalDAV: CalDAVConfig{
			Server:   "https://calendar.example.com",
			Username: "user@example.com",
			Password: "",
			Calendar: "https://calendar.example.com/calendars/timetable/",
			Name:     "Timetable",
		},
		Novsu: NovsuConfig{
			Timetable: "",
			Timezone:  "Europe/Moscow",
			Subgroup:  0,
		},
		Sync: SyncConfig{
			Cron:               "",
			LessonMinutes:      45,
			HTTPTimeoutSeconds: 15,
		},
	}
}

// Normalize fills in missing/zero values with sensible defaults so that
// sparse configs still behave correctly.
func (c *Config) Normalize() {
	if c.Novsu.Timezone == "" {
		c.Novsu.Timezone = "Europe/Moscow"
	}
	if c.Sync.LessonMinutes <= 0 {
		c.Sync.LessonMinutes = 45
	}
	if c.Sync.HTTPTimeoutSeconds <= 0 {
		c.Sync.HTTPTimeoutSeconds = 15
	}
}

// Validate checks that every required key is present and well-formed.
// It returns a *MissingKeyError for the first absent key.
func (c *Config) Validate() error {
	required := []struct {
		key string
		val string
	}{
		{"caldav.server", c.CalDAV.Server},
		{"caldav.username", c.CalDAV.Username},
		{"caldav.password", c.CalDAV.Password},
		{"caldav.calendar", c.CalDAV.Calendar},
		{"caldav.name", c.CalDAV.Name},
		{"novsu.timetable", c.Novsu.Timetable},
	}
	for _, r := range required {
		if r.val == "" {
			return &MissingKeyError{Key: r.key}
		}
	}

	if c.Novsu.Subgroup < 0 || c.Novsu.Subgroup > 2 {
		return fmt.Errorf("config: novsu.subgroup must be 0, 1 or 2, got %d", c.Novsu.Subgroup)
	}
	if _, err := time.LoadLocation(c.Novsu.Timezone); err != nil {
		return fmt.Errorf("config: invalid novsu.timezone %q: %w", c.Novsu.Timezone, err)
	}
	return nil
}

// Location returns the timetable timezone as a *time.Location. Validate
// must have succeeded first.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Novsu.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// HTTPTimeout returns the configured per-request timeout.
func (c *Config) HTTPTimeout() time.Duration {
	return time.Duration(c.Sync.HTTPTimeoutSeconds) * time.Second
}

// LessonDuration returns the configured lesson slot length.
func (c *Config) LessonDuration() time.Duration {
	return time.Duration(c.Sync.LessonMinutes) * time.Minute
}

// Load loads configuration from the given YAML path. Unlike tools that
// auto-create their config, a missing file here is fatal: this program
// writes to a remote calendar and must never run on defaults.
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is empty")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}
	cfg.Normalize()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Save writes the given configuration to the specified path.
//
//   - Ensures parent directory exists (0700).
//   - Writes atomically via a temp file + rename.
//   - Final file permissions are 0600 (the file holds credentials).
func Save(path string, cfg *Config) error {
	if path == "" {
		return errors.New("config path is empty")
	}
	if cfg == nil {
		return errors.New("config is nil")
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, ".novsucal-config-*.tmp")
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
