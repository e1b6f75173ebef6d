// Package config loads the ledgerguard service configuration from YAML.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/hed1ad/ledgerguard/pkg/trainer"
)

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host            string          `yaml:"host"`
	Port            int             `yaml:"port"`
	ReadTimeout     time.Duration   `yaml:"read_timeout"`
	WriteTimeout    time.Duration   `yaml:"write_timeout"`
	ShutdownTimeout time.Duration   `yaml:"shutdown_timeout"`
	RateLimit       RateLimitConfig `yaml:"rate_limit"`
}

// RateLimitConfig bounds the public scoring and intake endpoints
type RateLimitConfig struct {
	Enabled           bool    `yaml:"enabled"`
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	Burst             int     `yaml:"burst"`
}

// DatabaseConfig selects the posting repository
type DatabaseConfig struct {
	// Driver is "sqlite" or "postgres".
	Driver string `yaml:"driver"`
	// DSN is a file path for sqlite or a connection string for postgres.
	DSN      string `yaml:"dsn"`
	MaxConns int32  `yaml:"max_conns"`
}

// RedisConfig holds redis connection settings
type RedisConfig struct {
	Addr      string `yaml:"addr"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db"`
	KeyPrefix string `yaml:"key_prefix"`
}

// ArtifactConfig selects where fitted models are persisted
type ArtifactConfig struct {
	// Backend is "file" or "redis".
	Backend string      `yaml:"backend"`
	Dir     string      `yaml:"dir"`
	Redis   RedisConfig `yaml:"redis"`
	// RequireOnStart makes an unreadable artifact fatal at startup.
	RequireOnStart bool `yaml:"require_on_start"`
}

// RetrainConfig holds scheduled retrain settings
type RetrainConfig struct {
	// Schedule is a cron spec such as "@every 24h"; empty disables it.
	Schedule string        `yaml:"schedule"`
	Timeout  time.Duration `yaml:"timeout"`
}

// AuthConfig holds the tokens allowed to trigger privileged operations
type AuthConfig struct {
	AdminTokens []string `yaml:"admin_tokens"`
}

// AMQPConfig holds the posting event consumer settings
type AMQPConfig struct {
	Enabled  bool   `yaml:"enabled"`
	URL      string `yaml:"url"`
	Queue    string `yaml:"queue"`
	Prefetch int    `yaml:"prefetch"`
}

// MetricsConfig holds metrics configuration
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Config represents the complete configuration for the service
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Artifact ArtifactConfig `yaml:"artifact"`
	Training trainer.Config `yaml:"training"`
	Retrain  RetrainConfig  `yaml:"retrain"`
	Auth     AuthConfig     `yaml:"auth"`
	AMQP     AMQPConfig     `yaml:"amqp"`
	Metrics  MetricsConfig  `yaml:"metrics"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// Default returns the configuration used when no file is given, without
// environment overrides.
func Default() *Config {
	cfg := base()
	setDefaults(cfg)
	return cfg
}

// base holds the defaults that a file may switch off, so they are set before
// unmarshalling rather than in setDefaults.
func base() *Config {
	return &Config{
		Training: trainer.DefaultConfig(),
		Metrics:  MetricsConfig{Enabled: true},
	}
}

// LoadConfig loads configuration from a file. An empty path yields the defaults.
// Environment variables override file values.
func LoadConfig(filePath string) (*Config, error) {
	cfg := base()

	if filePath != "" {
		data, err := os.ReadFile(filePath)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	applyEnvironmentOverrides(cfg)

	// Set defaults if not specified
	setDefaults(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// setDefaults sets default values for unspecified configuration
func setDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.ReadTimeout == 0 {
		cfg.Server.ReadTimeout = 10 * time.Second
	}
	if cfg.Server.WriteTimeout == 0 {
		cfg.Server.WriteTimeout = 5 * time.Minute // retrain and backfill run inline
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = 30 * time.Second
	}
	if cfg.Server.RateLimit.RequestsPerSecond == 0 {
		cfg.Server.RateLimit.RequestsPerSecond = 500
	}
	if cfg.Server.RateLimit.Burst == 0 {
		cfg.Server.RateLimit.Burst = 1000
	}

	if cfg.Database.Driver == "" {
		cfg.Database.Driver = "sqlite"
	}
	if cfg.Database.DSN == "" && cfg.Database.Driver == "sqlite" {
		cfg.Database.DSN = "ledgerguard.db"
	}

	if cfg.Artifact.Backend == "" {
		cfg.Artifact.Backend = "file"
	}
	if cfg.Artifact.Dir == "" {
		cfg.Artifact.Dir = "models"
	}
	if cfg.Artifact.Redis.Addr == "" {
		cfg.Artifact.Redis.Addr = "localhost:6379"
	}
	if cfg.Artifact.Redis.KeyPrefix == "" {
		cfg.Artifact.Redis.KeyPrefix = "ledgerguard:models"
	}

	if cfg.AMQP.Queue == "" {
		cfg.AMQP.Queue = "posting.created"
	}
	if cfg.AMQP.Prefetch == 0 {
		cfg.AMQP.Prefetch = 32
	}

	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = "/metrics"
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
}

// applyEnvironmentOverrides applies environment variable overrides to config
func applyEnvironmentOverrides(cfg *Config) {
	if port := os.Getenv("LEDGERGUARD_HTTP_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			cfg.Server.Port = p
		}
	}
	if driver := os.Getenv("LEDGERGUARD_DATABASE_DRIVER"); driver != "" {
		cfg.Database.Driver = driver
	}
	if dsn := os.Getenv("LEDGERGUARD_DATABASE_DSN"); dsn != "" {
		cfg.Database.DSN = dsn
	}
	if dir := os.Getenv("LEDGERGUARD_ARTIFACT_DIR"); dir != "" {
		cfg.Artifact.Dir = dir
	}
	if password := os.Getenv("LEDGERGUARD_REDIS_PASSWORD"); password != "" {
		cfg.Artifact.Redis.Password = password
	}
	if url := os.Getenv("LEDGERGUARD_AMQP_URL"); url != "" {
		cfg.AMQP.URL = url
	}
	if tokens := os.Getenv("LEDGERGUARD_ADMIN_TOKENS"); tokens != "" {
		cfg.Auth.AdminTokens = nil
		for _, t := range strings.Split(tokens, ",") {
			if t = strings.TrimSpace(t); t != "" {
				cfg.Auth.AdminTokens = append(cfg.Auth.AdminTokens, t)
			}
		}
	}
	if level := os.Getenv("LEDGERGUARD_LOG_LEVEL"); level != "" {
		cfg.Logging.Level = level
	}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535")
	}
	if c.Server.RateLimit.RequestsPerSecond < 0 || c.Server.RateLimit.Burst < 0 {
		return fmt.Errorf("server.rate_limit must not be negative")
	}
	switch c.Database.Driver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("database.driver must be sqlite or postgres, got %q", c.Database.Driver)
	}
	if c.Database.DSN == "" {
		return fmt.Errorf("database.dsn is required")
	}
	switch c.Artifact.Backend {
	case "file":
		if c.Artifact.Dir == "" {
			return fmt.Errorf("artifact.dir is required for the file backend")
		}
	case "redis":
	default:
		return fmt.Errorf("artifact.backend must be file or redis, got %q", c.Artifact.Backend)
	}
	if err := c.Training.Validate(); err != nil {
		return fmt.Errorf("training: %w", err)
	}
	if c.AMQP.Enabled && c.AMQP.URL == "" {
		return fmt.Errorf("amqp.url is required when amqp is enabled")
	}
	switch c.Logging.Format {
	case "json", "console":
	default:
		return fmt.Errorf("logging.format must be json or console, got %q", c.Logging.Format)
	}
	return nil
}

// Addr returns the HTTP listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}
