package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

const (
	// DefaultListen is the default HTTP listen address.
	DefaultListen = ":8470"

	// DefaultLogLevel is the default logging level.
	DefaultLogLevel = "info"

	// DefaultIdentityCookie is the cookie carrying the subject identity.
	DefaultIdentityCookie = "presentoor_identity"

	// DefaultLiveCookie is the cookie carrying the live session token.
	DefaultLiveCookie = "presentoor_live"

	// envPrefix is the prefix for environment variable overrides.
	envPrefix = "PRESENTOOR"
)

// Default liveness timings. The keep-alive window is how long a live
// session may go without client activity before being flagged; the grace
// period is how long a flagged session may go without a ping before it
// is purged.
const (
	DefaultKeepAliveWindow = 4 * time.Minute
	DefaultGracePeriod     = 2 * time.Minute
	DefaultFlagInterval    = time.Minute
	DefaultPurgeInterval   = time.Minute
)

// Config is the root configuration for presentoor.
type Config struct {
	Global   GlobalConfig   `yaml:"global" mapstructure:"global"`
	Server   ServerConfig   `yaml:"server" mapstructure:"server"`
	Database DatabaseConfig `yaml:"database" mapstructure:"database"`
	Identity IdentityConfig `yaml:"identity" mapstructure:"identity"`
	Catalog  CatalogConfig  `yaml:"catalog" mapstructure:"catalog"`
	Liveness LivenessConfig `yaml:"liveness" mapstructure:"liveness"`
}

// GlobalConfig contains global application settings.
type GlobalConfig struct {
	LogLevel string `yaml:"log_level" mapstructure:"log_level"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Listen      string          `yaml:"listen" mapstructure:"listen"`
	CORSOrigins []string        `yaml:"cors_origins,omitempty" mapstructure:"cors_origins"`
	RateLimit   RateLimitConfig `yaml:"rate_limit,omitempty" mapstructure:"rate_limit"`
}

// RateLimitConfig configures per-IP rate limiting.
type RateLimitConfig struct {
	Enabled bool          `yaml:"enabled" mapstructure:"enabled"`
	Auth    RateLimitTier `yaml:"auth,omitempty" mapstructure:"auth"`
	Gateway RateLimitTier `yaml:"gateway,omitempty" mapstructure:"gateway"`
}

// RateLimitTier defines request limits for a specific tier.
type RateLimitTier struct {
	RequestsPerMinute int `yaml:"requests_per_minute" mapstructure:"requests_per_minute"`
}

// DatabaseConfig contains database connection settings.
type DatabaseConfig struct {
	Driver   string         `yaml:"driver" mapstructure:"driver"`
	SQLite   SQLiteConfig   `yaml:"sqlite,omitempty" mapstructure:"sqlite"`
	Postgres PostgresConfig `yaml:"postgres,omitempty" mapstructure:"postgres"`
}

// SQLiteConfig contains SQLite-specific settings.
type SQLiteConfig struct {
	Path string `yaml:"path" mapstructure:"path"`
}

// PostgresConfig contains PostgreSQL connection settings.
type PostgresConfig struct {
	Host     string `yaml:"host" mapstructure:"host"`
	Port     int    `yaml:"port" mapstructure:"port"`
	User     string `yaml:"user" mapstructure:"user"`
	Password string `yaml:"password" mapstructure:"password"`
	Database string `yaml:"database" mapstructure:"database"`
	SSLMode  string `yaml:"ssl_mode" mapstructure:"ssl_mode"`
}

// IdentityConfig contains subject identity settings.
type IdentityConfig struct {
	SessionTTL     string          `yaml:"session_ttl" mapstructure:"session_ttl"`
	IdentityCookie string          `yaml:"identity_cookie,omitempty" mapstructure:"identity_cookie"`
	LiveCookie     string          `yaml:"live_cookie,omitempty" mapstructure:"live_cookie"`
	Subjects       []SubjectConfig `yaml:"subjects,omitempty" mapstructure:"subjects"`
}

// SubjectConfig defines a subject account seeded from config.
type SubjectConfig struct {
	Username          string `yaml:"username" mapstructure:"username"`
	Password          string `yaml:"password" mapstructure:"password"`
	UnlimitedAttempts bool   `yaml:"unlimited_attempts,omitempty" mapstructure:"unlimited_attempts"`
}

// CatalogConfig locates the experiment definition files.
type CatalogConfig struct {
	Dir string `yaml:"dir" mapstructure:"dir"`
}

// LivenessConfig contains the abandoned-session reclamation settings.
// Durations are strings ("90s", "4m") so they read naturally in YAML.
type LivenessConfig struct {
	KeepAliveWindow string `yaml:"keep_alive_window,omitempty" mapstructure:"keep_alive_window"`
	GracePeriod     string `yaml:"grace_period,omitempty" mapstructure:"grace_period"`
	FlagInterval    string `yaml:"flag_interval,omitempty" mapstructure:"flag_interval"`
	PurgeInterval   string `yaml:"purge_interval,omitempty" mapstructure:"purge_interval"`
}

// Load reads and parses a configuration file from the given path.
// Environment variables prefixed with PRESENTOOR_ override file values,
// e.g. PRESENTOOR_SERVER_LISTEN overrides server.listen.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := applyEnvOverrides(&cfg, path); err != nil {
		return nil, fmt.Errorf("applying env overrides: %w", err)
	}

	cfg.applyDefaults()

	return &cfg, nil
}

// applyEnvOverrides re-reads the config through viper with automatic
// env binding so PRESENTOOR_* variables take precedence over the file.
func applyEnvOverrides(cfg *Config, path string) error {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("reading config: %w", err)
	}

	if err := v.Unmarshal(cfg); err != nil {
		return fmt.Errorf("decoding config: %w", err)
	}

	return nil
}

// applyDefaults sets default values for unspecified configuration options.
func (c *Config) applyDefaults() {
	if c.Global.LogLevel == "" {
		c.Global.LogLevel = DefaultLogLevel
	}

	if c.Server.Listen == "" {
		c.Server.Listen = DefaultListen
	}

	if c.Database.Driver == "" {
		c.Database.Driver = "sqlite"
	}

	if c.Database.Driver == "sqlite" && c.Database.SQLite.Path == "" {
		c.Database.SQLite.Path = "./presentoor.db"
	}

	if c.Identity.SessionTTL == "" {
		c.Identity.SessionTTL = "24h"
	}

	if c.Identity.IdentityCookie == "" {
		c.Identity.IdentityCookie = DefaultIdentityCookie
	}

	if c.Identity.LiveCookie == "" {
		c.Identity.LiveCookie = DefaultLiveCookie
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "sqlite":
		if c.Database.SQLite.Path == "" {
			return fmt.Errorf("database.sqlite.path is required")
		}
	case "postgres":
		if c.Database.Postgres.Host == "" {
			return fmt.Errorf("database.postgres.host is required")
		}

		if c.Database.Postgres.Database == "" {
			return fmt.Errorf("database.postgres.database is required")
		}
	default:
		return fmt.Errorf("unsupported database driver: %s", c.Database.Driver)
	}

	if c.Catalog.Dir == "" {
		return fmt.Errorf("catalog.dir is required")
	}

	if _, err := time.ParseDuration(c.Identity.SessionTTL); err != nil {
		return fmt.Errorf("invalid identity.session_ttl: %w", err)
	}

	for _, d := range []struct {
		name  string
		value string
	}{
		{"liveness.keep_alive_window", c.Liveness.KeepAliveWindow},
		{"liveness.grace_period", c.Liveness.GracePeriod},
		{"liveness.flag_interval", c.Liveness.FlagInterval},
		{"liveness.purge_interval", c.Liveness.PurgeInterval},
	} {
		if d.value == "" {
			continue
		}

		if _, err := time.ParseDuration(d.value); err != nil {
			return fmt.Errorf("invalid %s: %w", d.name, err)
		}
	}

	seen := make(map[string]struct{}, len(c.Identity.Subjects))

	for i, subject := range c.Identity.Subjects {
		if subject.Username == "" {
			return fmt.Errorf("identity.subjects[%d]: username is required", i)
		}

		if _, exists := seen[subject.Username]; exists {
			return fmt.Errorf("identity.subjects[%d]: duplicate username %q", i, subject.Username)
		}

		seen[subject.Username] = struct{}{}
	}

	return nil
}

// KeepAliveWindow returns the parsed keep-alive window with default.
func (c *LivenessConfig) KeepAliveWindowDuration() time.Duration {
	return durationOr(c.KeepAliveWindow, DefaultKeepAliveWindow)
}

// GracePeriodDuration returns the parsed grace period with default.
func (c *LivenessConfig) GracePeriodDuration() time.Duration {
	return durationOr(c.GracePeriod, DefaultGracePeriod)
}

// FlagIntervalDuration returns the parsed flag sweep interval with default.
func (c *LivenessConfig) FlagIntervalDuration() time.Duration {
	return durationOr(c.FlagInterval, DefaultFlagInterval)
}

// PurgeIntervalDuration returns the parsed purge sweep interval with default.
func (c *LivenessConfig) PurgeIntervalDuration() time.Duration {
	return durationOr(c.PurgeInterval, DefaultPurgeInterval)
}

// SessionTTLDuration returns the parsed identity session TTL.
func (c *IdentityConfig) SessionTTLDuration() time.Duration {
	return durationOr(c.SessionTTL, 24*time.Hour)
}

func durationOr(value string, fallback time.Duration) time.Duration {
	if value == "" {
		return fallback
	}

	d, err := time.ParseDuration(value)
	if err != nil {
		return fallback
	}

	return d
}
