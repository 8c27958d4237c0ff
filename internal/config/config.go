// Package config loads the engine's YAML configuration with environment
// variable overrides for deployment-sensitive values.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all engine settings. Sensitive connection strings may be
// overridden through EXCHANGE_* environment variables after the file is
// loaded.
type Config struct {
	Server struct {
		Port               int `yaml:"port"`
		ShutdownTimeoutSec int `yaml:"shutdown_timeout_sec"`
	} `yaml:"server"`

	Database struct {
		// URL selects PostgreSQL when set. Takes precedence over SQLitePath.
		URL string `yaml:"url"`
		// SQLitePath selects the embedded SQLite store when URL is empty.
		// With both empty the engine runs on the in-memory store.
		SQLitePath string `yaml:"sqlite_path"`
	} `yaml:"database"`

	Redis struct {
		// Addr enables the read-through cache layer when set.
		Addr     string `yaml:"addr"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
		TTLSec   int    `yaml:"ttl_sec"`
	} `yaml:"redis"`

	Matching struct {
		// PricePolicy is "taker" or "maker".
		PricePolicy    string `yaml:"price_policy"`
		CommitRetries  int    `yaml:"commit_retries"`
		RetryBackoffMS int    `yaml:"retry_backoff_ms"`
	} `yaml:"matching"`

	Sweeper struct {
		IntervalSec int `yaml:"interval_sec"`
	} `yaml:"sweeper"`

	Risk struct {
		// MaxOpenExposure caps a user's summed remaining locks across live
		// orders, in minor currency units. 0 disables the cap.
		MaxOpenExposure int64 `yaml:"max_open_exposure"`
	} `yaml:"risk"`

	Logging struct {
		Level string `yaml:"level"`
		File  string `yaml:"file"`
	} `yaml:"logging"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	var cfg Config
	cfg.Server.Port = 8080
	cfg.Server.ShutdownTimeoutSec = 15
	cfg.Redis.TTLSec = 30
	cfg.Matching.PricePolicy = "taker"
	cfg.Matching.CommitRetries = 3
	cfg.Matching.RetryBackoffMS = 25
	cfg.Sweeper.IntervalSec = 60
	cfg.Logging.Level = "info"
	return &cfg
}

// Load reads and validates the configuration at path. An empty path yields
// the defaults with environment overrides applied.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	overrideWithEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate checks configuration validity.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server port %d out of range", c.Server.Port)
	}
	switch c.Matching.PricePolicy {
	case "taker", "maker":
	default:
		return fmt.Errorf("unknown price policy %q", c.Matching.PricePolicy)
	}
	if c.Matching.CommitRetries <= 0 {
		return fmt.Errorf("commit retries must be positive")
	}
	if c.Sweeper.IntervalSec <= 0 {
		return fmt.Errorf("sweeper interval must be positive")
	}
	if c.Risk.MaxOpenExposure < 0 {
		return fmt.Errorf("max open exposure must not be negative")
	}
	return nil
}

// ShutdownTimeout returns the graceful shutdown budget.
func (c *Config) ShutdownTimeout() time.Duration {
	return time.Duration(c.Server.ShutdownTimeoutSec) * time.Second
}

// RetryBackoff returns the base commit retry backoff.
func (c *Config) RetryBackoff() time.Duration {
	return time.Duration(c.Matching.RetryBackoffMS) * time.Millisecond
}

// SweepInterval returns the expiry sweeper period.
func (c *Config) SweepInterval() time.Duration {
	return time.Duration(c.Sweeper.IntervalSec) * time.Second
}

// RedisTTL returns the cache entry lifetime.
func (c *Config) RedisTTL() time.Duration {
	return time.Duration(c.Redis.TTLSec) * time.Second
}

// overrideWithEnv applies environment overrides when present.
func overrideWithEnv(cfg *Config) {
	if url := os.Getenv("EXCHANGE_DATABASE_URL"); url != "" {
		cfg.Database.URL = url
	}
	if addr := os.Getenv("EXCHANGE_REDIS_URL"); addr != "" {
		cfg.Redis.Addr = addr
	}
	if pass := os.Getenv("EXCHANGE_REDIS_PASSWORD"); pass != "" {
		cfg.Redis.Password = pass
	}
	if port := os.Getenv("EXCHANGE_PORT"); port != "" {
		var p int
		if _, err := fmt.Sscanf(port, "%d", &p); err == nil {
			cfg.Server.Port = p
		}
	}
}
