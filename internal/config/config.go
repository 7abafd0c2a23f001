package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Store drivers.
const (
	DriverMemory   = "memory"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

var ErrInvalid = errors.New("config: invalid")

// StoreConfig selects where records are persisted.
type StoreConfig struct {
	Driver      string `yaml:"driver"`
	SQLitePath  string `yaml:"sqlite_path"`
	DatabaseURL string `yaml:"database_url"`
}

// SchedulerConfig sizes the timer worker pool.
type SchedulerConfig struct {
	Workers   int `yaml:"workers"`
	QueueSize int `yaml:"queue_size"`
}

// NotifyConfig configures rule failure notifications. An empty webhook
// disables them.
type NotifyConfig struct {
	WebhookURL   string        `yaml:"webhook_url"`
	Template     string        `yaml:"template"`
	Cooldown     time.Duration `yaml:"cooldown"`
	DedupeWindow time.Duration `yaml:"dedupe_window"`
	Timeout      time.Duration `yaml:"timeout"`
}

// Config is the process configuration.
type Config struct {
	HTTPAddr     string          `yaml:"http_addr"`
	Location     string          `yaml:"location"`
	MaxPasses    int             `yaml:"max_passes"`
	PollInterval time.Duration   `yaml:"poll_interval"`
	Store        StoreConfig     `yaml:"store"`
	Scheduler    SchedulerConfig `yaml:"scheduler"`
	Notify       NotifyConfig    `yaml:"notify"`
}

// Load reads defaults from the environment, overlays the YAML file named by
// HOMECTL_CONFIG and validates the result.
func Load() (Config, error) {
	cfg := Config{
		HTTPAddr:     getenvDefault("HTTP_ADDR", ":8080"),
		Location:     getenvDefault("HOMECTL_LOCATION", "Local"),
		MaxPasses:    getenvIntDefault("HOMECTL_MAX_PASSES", 16),
		PollInterval: getenvDuration("HOMECTL_POLL_INTERVAL", 0),
		Store: StoreConfig{
			Driver:      getenvDefault("HOMECTL_STORE", DriverSQLite),
			SQLitePath:  getenvDefault("HOMECTL_SQLITE_PATH", filepath.FromSlash("var/homectl.db")),
			DatabaseURL: getenvDefault("DATABASE_URL", getenvDefault("PG_DSN", "")),
		},
		Scheduler: SchedulerConfig{
			Workers:   getenvIntDefault("HOMECTL_WORKERS", 4),
			QueueSize: getenvIntDefault("HOMECTL_QUEUE_SIZE", 256),
		},
		Notify: NotifyConfig{
			WebhookURL:   os.Getenv("HOMECTL_WEBHOOK_URL"),
			Template:     os.Getenv("HOMECTL_NOTIFY_TEMPLATE"),
			Cooldown:     getenvDuration("HOMECTL_NOTIFY_COOLDOWN", 0),
			DedupeWindow: getenvDuration("HOMECTL_NOTIFY_DEDUP_WINDOW", 0),
			Timeout:      getenvDuration("HOMECTL_NOTIFY_TIMEOUT", 5*time.Second),
		},
	}

	if path := os.Getenv("HOMECTL_CONFIG"); path != "" {
		if err := cfg.overlay(path); err != nil {
			return cfg, err
		}
	}
	if cfg.Store.DatabaseURL == "" {
		cfg.Store.DatabaseURL = getenvDefault("DATABASE_URL", getenvDefault("PG_DSN", ""))
	}
	if cfg.Notify.WebhookURL == "" {
		cfg.Notify.WebhookURL = os.Getenv("HOMECTL_WEBHOOK_URL")
	}
	return cfg, cfg.Validate()
}

func (c *Config) overlay(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("config: %s: %w", path, err)
	}
	return nil
}

// Validate reports the first invalid setting.
func (c Config) Validate() error {
	c.Store.Driver = strings.ToLower(strings.TrimSpace(c.Store.Driver))
	switch c.Store.Driver {
	case DriverMemory:
	case DriverSQLite:
		if c.Store.SQLitePath == "" {
			return fmt.Errorf("%w: sqlite path required", ErrInvalid)
		}
	case DriverPostgres:
		if c.Store.DatabaseURL == "" {
			return fmt.Errorf("%w: DATABASE_URL required for postgres", ErrInvalid)
		}
	default:
		return fmt.Errorf("%w: unknown store driver %q", ErrInvalid, c.Store.Driver)
	}
	if c.MaxPasses <= 0 {
		return fmt.Errorf("%w: max_passes must be positive", ErrInvalid)
	}
	if c.PollInterval < 0 {
		return fmt.Errorf("%w: poll_interval must not be negative", ErrInvalid)
	}
	if c.Scheduler.Workers <= 0 || c.Scheduler.QueueSize <= 0 {
		return fmt.Errorf("%w: scheduler workers and queue_size must be positive", ErrInvalid)
	}
	if c.Notify.Timeout < 0 || c.Notify.Cooldown < 0 || c.Notify.DedupeWindow < 0 {
		return fmt.Errorf("%w: notify durations must not be negative", ErrInvalid)
	}
	if _, err := c.TimeLocation(); err != nil {
		return fmt.Errorf("%w: location %q: %v", ErrInvalid, c.Location, err)
	}
	return nil
}

// TimeLocation resolves Location. Empty and "Local" mean the host zone.
func (c Config) TimeLocation() (*time.Location, error) {
	switch c.Location {
	case "", "Local":
		return time.Local, nil
	default:
		return time.LoadLocation(c.Location)
	}
}

// StoreDriver returns the normalized driver name.
func (c Config) StoreDriver() string {
	return strings.ToLower(strings.TrimSpace(c.Store.Driver))
}

func getenvDefault(key, fallback string) string {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	return value
}

func getenvIntDefault(key string, fallback int) int {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func getenvDuration(key string, fallback time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return fallback
	}
	return parsed
}
