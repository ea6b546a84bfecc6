// Package config loads the core's configuration from a YAML profile with
// environment-variable overrides. Validation happens at load; invalid
// weights or rule limits surface synchronously to the operator.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/attunehq/pulse/pkg/breaker"
	"github.com/attunehq/pulse/pkg/health"
	"github.com/attunehq/pulse/pkg/ratelimit"
)

// Config holds the daemon configuration.
type Config struct {
	Port     string `yaml:"port"`
	LogLevel string `yaml:"log_level"`

	// RuleBundleDir holds JSON trigger rule bundles.
	RuleBundleDir string `yaml:"rule_bundle_dir"`

	// DatabasePath is the SQLite file for durable stores; empty keeps
	// everything in memory.
	DatabasePath string `yaml:"database_path"`

	// RedisAddr enables the shared Redis rate limiter when set.
	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`

	// Scoring.
	Weights          health.Weights `yaml:"weights"`
	LookbackDays     int            `yaml:"lookback_days"`
	MinWindowSignals int            `yaml:"min_window_signals"`

	// Approval.
	PendingTTL time.Duration `yaml:"pending_ttl"`
	SweepEvery time.Duration `yaml:"sweep_every"`

	// Dispatch.
	Breaker        breaker.Config              `yaml:"breaker"`
	CallTimeout    time.Duration               `yaml:"call_timeout"`
	ProviderLimits map[string]ratelimit.Policy `yaml:"provider_limits"`

	// Metrics.
	OTLPEndpoint   string `yaml:"otlp_endpoint"`
	MetricsEnabled bool   `yaml:"metrics_enabled"`
}

// Default returns the documented defaults.
func Default() *Config {
	return &Config{
		Port:             "8080",
		LogLevel:         "INFO",
		RuleBundleDir:    "rules",
		Weights:          health.DefaultWeights(),
		LookbackDays:     30,
		MinWindowSignals: 3,
		PendingTTL:       72 * time.Hour,
		SweepEvery:       time.Minute,
		Breaker:          breaker.DefaultConfig(),
		CallTimeout:      10 * time.Second,
		OTLPEndpoint:     "localhost:4317",
	}
}

// Load reads the YAML profile at path (optional), then applies
// environment overrides, then validates.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	applyEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("PULSE_PORT"); v != "" {
		cfg.Port = v
	}
	if v := os.Getenv("PULSE_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("PULSE_RULE_BUNDLE_DIR"); v != "" {
		cfg.RuleBundleDir = v
	}
	if v := os.Getenv("PULSE_DATABASE_PATH"); v != "" {
		cfg.DatabasePath = v
	}
	if v := os.Getenv("PULSE_REDIS_ADDR"); v != "" {
		cfg.RedisAddr = v
	}
	if v := os.Getenv("PULSE_OTLP_ENDPOINT"); v != "" {
		cfg.OTLPEndpoint = v
		cfg.MetricsEnabled = true
	}
}

// Validate enforces load-time invariants.
func (c *Config) Validate() error {
	if err := c.Weights.Validate(); err != nil {
		return err
	}
	if c.LookbackDays < 1 {
		return fmt.Errorf("config: lookback_days must be >= 1, got %d", c.LookbackDays)
	}
	if c.MinWindowSignals < 1 {
		return fmt.Errorf("config: min_window_signals must be >= 1, got %d", c.MinWindowSignals)
	}
	if c.PendingTTL <= 0 {
		return fmt.Errorf("config: pending_ttl must be positive")
	}
	if c.Breaker.FailureThreshold < 1 || c.Breaker.SuccessThreshold < 1 {
		return fmt.Errorf("config: breaker thresholds must be >= 1")
	}
	return nil
}

// Lookback returns the scoring window duration.
func (c *Config) Lookback() time.Duration {
	return time.Duration(c.LookbackDays) * 24 * time.Hour
}
