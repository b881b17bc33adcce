package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"fieldops-cloud/internal/billing/domain"

	"gopkg.in/yaml.v3"
)

// MaxRatePlaces caps the precision of per-unit rates.
const MaxRatePlaces = 16

// Config defines billing configuration.
type Config struct {
	DatabaseURL     string        `yaml:"database_url"`
	LogMode         string        `yaml:"log_mode"`
	TenantID        string        `yaml:"tenant_id"`
	LockTimeout     time.Duration `yaml:"lock_timeout"`
	SplitRatePlaces int32         `yaml:"split_rate_places"`
	OutboxBatch     int           `yaml:"outbox_batch"`

	HTTPAddr         string        `yaml:"http_addr"`
	DispatchInterval time.Duration `yaml:"dispatch_interval"`
}

// Load reads config from env, then overlays the yaml file named by
// BILLING_CONFIG when set.
func Load() (Config, error) {
	cfg := Config{
		DatabaseURL:     getenvDefault("DATABASE_URL", getenvDefault("PG_DSN", "")),
		LogMode:         getenvDefault("BILLING_LOG_MODE", "dev"),
		TenantID:        getenvDefault("BILLING_TENANT_ID", "tenant-default"),
		LockTimeout:     getenvDuration("BILLING_LOCK_TIMEOUT", 5*time.Second),
		SplitRatePlaces: int32(getenvIntDefault("BILLING_SPLIT_RATE_PLACES", int(billing.DefaultRatePlaces))),
		OutboxBatch:     getenvIntDefault("BILLING_OUTBOX_BATCH", 100),

		HTTPAddr:         getenvDefault("BILLING_HTTP_ADDR", ":8080"),
		DispatchInterval: getenvDuration("BILLING_DISPATCH_INTERVAL", 5*time.Second),
	}

	if path := os.Getenv("BILLING_CONFIG"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, err
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}
	return cfg, cfg.Validate()
}

// Validate checks value ranges.
func (c Config) Validate() error {
	if c.SplitRatePlaces < billing.MinRatePlaces || c.SplitRatePlaces > MaxRatePlaces {
		return fmt.Errorf("config: split_rate_places must be in [%d, %d], got %d", billing.MinRatePlaces, MaxRatePlaces, c.SplitRatePlaces)
	}
	if c.LockTimeout < 0 {
		return errors.New("config: lock_timeout must not be negative")
	}
	if c.OutboxBatch <= 0 {
		return errors.New("config: outbox_batch must be positive")
	}
	if c.DispatchInterval <= 0 {
		return errors.New("config: dispatch_interval must be positive")
	}
	switch strings.ToLower(c.LogMode) {
	case "dev", "prod", "production":
	default:
		return fmt.Errorf("config: log_mode must be dev, prod or production, got %q", c.LogMode)
	}
	return nil
}

// RequireDatabase reports a missing DSN.
func (c Config) RequireDatabase() error {
	if strings.TrimSpace(c.DatabaseURL) == "" {
		return errors.New("config: DATABASE_URL or PG_DSN is required")
	}
	return nil
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
