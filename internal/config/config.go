// Package config loads and validates the StreakKeeper configuration using Viper.
//
// Configuration is layered: built-in defaults < YAML config file < environment
// variables. Environment variables use the SK_ prefix (e.g., SK_DATABASE_HOST
// overrides database.host in the YAML). The same binary therefore runs with a
// config.yaml in local development and with pure environment variables in
// containerized deployments.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all application configuration
type Config struct {
	Server        ServerConfig        `mapstructure:"server"`
	Database      DatabaseConfig      `mapstructure:"database"`
	GitHub        GitHubConfig        `mapstructure:"github"`
	Batch         BatchConfig         `mapstructure:"batch"`
	Installations InstallationsConfig `mapstructure:"installations"`
	Audit         AuditConfig         `mapstructure:"audit"`
	Security      SecurityConfig      `mapstructure:"security"`
	Logging       LoggingConfig       `mapstructure:"logging"`
	Telemetry     TelemetryConfig     `mapstructure:"telemetry"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	BaseURL      string        `mapstructure:"base_url"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// DatabaseConfig holds database connection configuration
type DatabaseConfig struct {
	Host               string `mapstructure:"host"`
	Port               int    `mapstructure:"port"`
	Name               string `mapstructure:"name"`
	User               string `mapstructure:"user"`
	Password           string `mapstructure:"password"`
	SSLMode            string `mapstructure:"ssl_mode"`
	MaxConnections     int    `mapstructure:"max_connections"`
	MinIdleConnections int    `mapstructure:"min_idle_connections"`
}

// GitHubConfig holds the GitHub App identity and platform API settings.
// AppID and PrivateKeyPath form the long-lived app identity used to mint
// short-lived assertions; both are required before any batch may start.
type GitHubConfig struct {
	APIBaseURL     string `mapstructure:"api_base_url"`
	AppID          string `mapstructure:"app_id"`
	PrivateKeyPath string `mapstructure:"private_key_path"`
	WebhookSecret  string `mapstructure:"webhook_secret"`
	// BotLogin is the author login the commit-activity check filters on,
	// e.g. "streakkeeper[bot]".
	BotLogin       string `mapstructure:"bot_login"`
	CommitterName  string `mapstructure:"committer_name"`
	CommitterEmail string `mapstructure:"committer_email"`
	CommitMessage  string `mapstructure:"commit_message"`
}

// BatchConfig holds daily commit batch settings
type BatchConfig struct {
	// Workers bounds how many installations are processed concurrently.
	Workers int `mapstructure:"workers"`
	// Timeout is the hard wall-clock limit for one batch run; installations
	// not yet started when it fires are reported as not attempted.
	Timeout time.Duration `mapstructure:"timeout"`
	// TargetFile is the repository path whose content is toggled.
	TargetFile string `mapstructure:"target_file"`
}

// InstallationsConfig holds installation lifecycle settings
type InstallationsConfig struct {
	// MaxActivePerUser caps how many active installations one user may hold.
	MaxActivePerUser int `mapstructure:"max_active_per_user"`
}

// AuditConfig holds audit trail retention settings
type AuditConfig struct {
	RetentionDays int           `mapstructure:"retention_days"`
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
}

// SecurityConfig holds security-related configuration
type SecurityConfig struct {
	// AdminToken authenticates the scheduler trigger and audit query
	// endpoints. Left empty, a random token is generated at first boot and
	// its bcrypt hash stored in system_settings.
	AdminToken   string             `mapstructure:"admin_token"`
	RateLimiting RateLimitingConfig `mapstructure:"rate_limiting"`
}

// RateLimitingConfig holds rate limiting configuration
type RateLimitingConfig struct {
	Enabled           bool `mapstructure:"enabled"`
	RequestsPerMinute int  `mapstructure:"requests_per_minute"`
	Burst             int  `mapstructure:"burst"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// TelemetryConfig holds observability configuration
type TelemetryConfig struct {
	ServiceName string        `mapstructure:"service_name"`
	Metrics     MetricsConfig `mapstructure:"metrics"`
}

// MetricsConfig holds Prometheus metrics configuration
type MetricsConfig struct {
	Enabled        bool `mapstructure:"enabled"`
	PrometheusPort int  `mapstructure:"prometheus_port"`
}

// bindEnvVars explicitly binds environment variables to config keys.
// AutomaticEnv() alone does not surface env-only values through Unmarshal
// for nested structs, so every key is bound by hand. viper.BindEnv only
// errors on zero keys; any error here is a programming bug.
func bindEnvVars(v *viper.Viper) error {
	keys := []string{
		"server.host",
		"server.port",
		"server.base_url",
		"server.read_timeout",
		"server.write_timeout",

		"database.host",
		"database.port",
		"database.name",
		"database.user",
		"database.password",
		"database.ssl_mode",
		"database.max_connections",
		"database.min_idle_connections",

		"github.api_base_url",
		"github.app_id",
		"github.private_key_path",
		"github.webhook_secret",
		"github.bot_login",
		"github.committer_name",
		"github.committer_email",
		"github.commit_message",

		"batch.workers",
		"batch.timeout",
		"batch.target_file",

		"installations.max_active_per_user",

		"audit.retention_days",
		"audit.sweep_interval",

		"security.admin_token",
		"security.rate_limiting.enabled",
		"security.rate_limiting.requests_per_minute",
		"security.rate_limiting.burst",

		"logging.level",
		"logging.format",

		"telemetry.service_name",
		"telemetry.metrics.enabled",
		"telemetry.metrics.prometheus_port",
	}
	for _, key := range keys {
		if err := v.BindEnv(key); err != nil {
			return fmt.Errorf("failed to bind env var %q: %w", key, err)
		}
	}
	return nil
}

// Load loads configuration from file and environment variables
func Load(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/streakkeeper")
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// Config file not found; use defaults and environment variables
	}

	v.SetEnvPrefix("SK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := bindEnvVars(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	// Expand ${VAR} references in sensitive fields
	cfg.Database.Password = os.ExpandEnv(cfg.Database.Password)
	cfg.GitHub.WebhookSecret = os.ExpandEnv(cfg.GitHub.WebhookSecret)
	cfg.Security.AdminToken = os.ExpandEnv(cfg.Security.AdminToken)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.base_url", "http://localhost:8080")
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")

	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.name", "streakkeeper")
	v.SetDefault("database.user", "streakkeeper")
	v.SetDefault("database.ssl_mode", "require")
	v.SetDefault("database.max_connections", 25)
	v.SetDefault("database.min_idle_connections", 5)

	v.SetDefault("github.api_base_url", "https://api.github.com")
	v.SetDefault("github.bot_login", "streakkeeper[bot]")
	v.SetDefault("github.committer_name", "StreakKeeper Bot")
	v.SetDefault("github.committer_email", "bot@streakkeeper.dev")
	v.SetDefault("github.commit_message", "chore: keep the streak alive")

	v.SetDefault("batch.workers", 4)
	v.SetDefault("batch.timeout", "20m")
	v.SetDefault("batch.target_file", "README.md")

	v.SetDefault("installations.max_active_per_user", 3)

	v.SetDefault("audit.retention_days", 365)
	v.SetDefault("audit.sweep_interval", "24h")

	v.SetDefault("security.rate_limiting.enabled", true)
	v.SetDefault("security.rate_limiting.requests_per_minute", 60)
	v.SetDefault("security.rate_limiting.burst", 10)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("telemetry.service_name", "streakkeeper")
	v.SetDefault("telemetry.metrics.enabled", true)
	v.SetDefault("telemetry.metrics.prometheus_port", 9090)
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}

	if c.Database.Host == "" {
		return fmt.Errorf("database.host is required")
	}
	if c.Database.Name == "" {
		return fmt.Errorf("database.name is required")
	}
	if c.Database.User == "" {
		return fmt.Errorf("database.user is required")
	}

	if c.Batch.Workers < 1 {
		return fmt.Errorf("batch.workers must be at least 1")
	}
	if c.Batch.Timeout <= 0 {
		return fmt.Errorf("batch.timeout must be positive")
	}
	if c.Batch.TargetFile == "" {
		return fmt.Errorf("batch.target_file is required")
	}

	if c.Installations.MaxActivePerUser < 1 {
		return fmt.Errorf("installations.max_active_per_user must be at least 1")
	}

	if c.Audit.RetentionDays < 1 {
		return fmt.Errorf("audit.retention_days must be at least 1")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("invalid logging level: %s (must be debug, info, warn, or error)", c.Logging.Level)
	}

	return nil
}

// GetDSN returns the PostgreSQL connection string
func (c *DatabaseConfig) GetDSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Name, c.SSLMode,
	)
}

// GetAddress returns the server address in host:port format
func (c *ServerConfig) GetAddress() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
