// Package config loads the TOML configuration of an Abilian instance.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Version is the configuration format this build reads.
const Version = "0.1.0"

const (
	EnvDatabaseURI  = "ABILIAN_DATABASE_URI"
	EnvInstancePath = "ABILIAN_INSTANCE_PATH"
	EnvBrokerURL    = "ABILIAN_BROKER_URL"
)

// DBConfig holds the database connection (SQLALCHEMY_DATABASE_URI).
type DBConfig struct {
	URI             string `toml:"uri" validate:"required"`
	MaxOpenConns    int    `toml:"max_open_conns" validate:"gte=0"`
	MaxIdleConns    int    `toml:"max_idle_conns" validate:"gte=0"`
	ConnMaxLifetime string `toml:"conn_max_lifetime"`
}

type LogConfig struct {
	Level  string `toml:"level" validate:"omitempty,oneof=trace debug info warn error fatal panic disabled"`
	Pretty bool   `toml:"pretty"`
}

// IndexConfig configures the full-text index (WHOOSH_BASE).
type IndexConfig struct {
	Base              string `toml:"base"`
	BatchSize         int    `toml:"batch_size" validate:"gte=0"`
	LockRetryDelay    string `toml:"lock_retry_delay"`
	LockRetryAttempts uint   `toml:"lock_retry_attempts"`
}

// BlobsConfig holds ANTIVIRUS_CHECK_REQUIRED.
type BlobsConfig struct {
	AntivirusCheckRequired bool `toml:"antivirus_check_required"`
}

// TasksConfig configures the task queue (CELERY_*, BROKER_URL).
type TasksConfig struct {
	Backend         string `toml:"backend" validate:"omitempty,oneof=memory redis"`
	BrokerURL       string `toml:"broker_url" validate:"required_if=Backend redis"`
	Eager           bool   `toml:"eager"`
	IndexTaskExpiry string `toml:"index_task_expiry"`
}

// FileUploadsConfig holds FILE_UPLOADS.
type FileUploadsConfig struct {
	UserQuota          int64  `toml:"user_quota" validate:"gte=0"`
	UserMaxFiles       int    `toml:"user_max_files" validate:"gte=0"`
	DeleteStalledAfter string `toml:"delete_stalled_after"`
}

// I18nConfig holds DEFAULT_COUNTRY and BABEL_ACCEPT_LANGUAGES for collaborators.
type I18nConfig struct {
	DefaultCountry  string   `toml:"default_country" validate:"omitempty,len=2"`
	AcceptLanguages []string `toml:"accept_languages"`
}

// Config holds every configuration parameter.
type Config struct {
	FormatVersion string `toml:"format_version" validate:"required"`
	InstancePath  string `toml:"instance_path" validate:"required"`
	Debug         bool   `toml:"debug"`
	Testing       bool   `toml:"testing"`

	DB          DBConfig          `toml:"db"`
	Log         LogConfig         `toml:"log"`
	Index       IndexConfig       `toml:"index"`
	Blobs       BlobsConfig       `toml:"blobs"`
	Tasks       TasksConfig       `toml:"tasks"`
	FileUploads FileUploadsConfig `toml:"file_uploads"`
	I18n        I18nConfig        `toml:"i18n"`
}

// Default returns a configuration with every optional value filled in.
func Default() *Config {
	return &Config{
		FormatVersion: Version,
		DB: DBConfig{
			MaxOpenConns:    20,
			MaxIdleConns:    10,
			ConnMaxLifetime: "30m",
		},
		Log: LogConfig{Level: "info"},
		Index: IndexConfig{
			Base:              "whoosh",
			BatchSize:         500,
			LockRetryDelay:    "250ms",
			LockRetryAttempts: 40,
		},
		Tasks: TasksConfig{
			Backend:         "memory",
			IndexTaskExpiry: "50m",
		},
		FileUploads: FileUploadsConfig{
			UserQuota:          100 * 1024 * 1024,
			UserMaxFiles:       1000,
			DeleteStalledAfter: "1h",
		},
		I18n: I18nConfig{
			DefaultCountry:  "FR",
			AcceptLanguages: []string{"en", "fr"},
		},
	}
}

// Load reads filename on top of Default, applies environment overrides and validates.
// Variables from a ".env" file next to the configuration are loaded first;
// variables already present in the environment win.
func Load(filename string) (*Config, error) {
	if filename == "" {
		return nil, fmt.Errorf("config filename is required")
	}
	content, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %v", err)
	}
	envFile := filepath.Join(filepath.Dir(filename), ".env")
	if _, err := os.Stat(envFile); err == nil {
		if err := godotenv.Load(envFile); err != nil {
			return nil, fmt.Errorf("error reading %s: %v", envFile, err)
		}
	}
	return Parse(string(content))
}

// Parse decodes TOML content on top of Default and validates the result.
func Parse(content string) (*Config, error) {
	cfg := Default()
	if _, err := toml.Decode(content, cfg); err != nil {
		return nil, fmt.Errorf("error parsing config file: %v", err)
	}
	applyEnv(cfg)
	if err := ValidateConfig(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %v", err)
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv(EnvDatabaseURI); v != "" {
		cfg.DB.URI = v
	}
	if v := os.Getenv(EnvInstancePath); v != "" {
		cfg.InstancePath = v
	}
	if v := os.Getenv(EnvBrokerURL); v != "" {
		cfg.Tasks.BrokerURL = v
	}
}

// ParseDuration accepts Go durations ("250ms", "1h30m") and the "<n>d" / "<n>y" day and year forms.
func ParseDuration(input string) (time.Duration, error) {
	input = strings.TrimSpace(input)
	if d, err := time.ParseDuration(input); err == nil {
		return d, nil
	}
	if len(input) < 2 {
		return 0, fmt.Errorf("invalid duration %q", input)
	}
	unit := input[len(input)-1:]
	value, err := strconv.Atoi(input[:len(input)-1])
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q: %v", input, err)
	}
	switch unit {
	case "d":
		return time.Duration(value) * 24 * time.Hour, nil
	case "y":
		return time.Duration(value) * 365 * 24 * time.Hour, nil
	default:
		return 0, fmt.Errorf("unknown time unit in %q", input)
	}
}

func mustDuration(s string) time.Duration {
	d, err := ParseDuration(s)
	if err != nil {
		panic(fmt.Sprintf("invalid duration: %v", err))
	}
	return d
}

// InstanceDir joins elem under the instance path. An absolute elem is returned unchanged.
func (c *Config) InstanceDir(elem ...string) string {
	p := filepath.Join(elem...)
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(c.InstancePath, p)
}

// FilesDir is the durable blob store root.
func (c *Config) FilesDir() string { return c.InstanceDir("data", "files") }

// TmpDir is the instance temp directory.
func (c *Config) TmpDir() string { return c.InstanceDir("tmp") }

// IndexDir is the full-text index root.
func (c *Config) IndexDir() string { return c.InstanceDir(c.Index.Base) }

// UploadsDir holds per-user staged uploads.
func (c *Config) UploadsDir() string { return c.InstanceDir("tmp", "uploads") }

func (c *Config) ConnMaxLifetime() time.Duration { return mustDuration(c.DB.ConnMaxLifetime) }

func (c *Config) LockRetryDelay() time.Duration { return mustDuration(c.Index.LockRetryDelay) }

func (c *Config) IndexTaskExpiry() time.Duration { return mustDuration(c.Tasks.IndexTaskExpiry) }

func (c *Config) DeleteStalledAfter() time.Duration {
	return mustDuration(c.FileUploads.DeleteStalledAfter)
}

// StrictErrors reports whether swallowed errors must be re-raised.
func (c *Config) StrictErrors() bool { return c.Debug || c.Testing }
