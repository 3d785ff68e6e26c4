// Package config loads lifecycle service settings from the environment
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"

	"github.com/nainya/govlifecycle/internal/logger"
)

// Store drivers.
const (
	DriverMemory   = "memory"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Config holds every LIFECYCLE_* setting.
type Config struct {
	GrpcPort int `env:"LIFECYCLE_GRPC_PORT" envDefault:"50051"`
	// MetricsPort 0 disables the observability HTTP server.
	MetricsPort int `env:"LIFECYCLE_METRICS_PORT" envDefault:"9090"`

	StoreDriver  string        `env:"LIFECYCLE_STORE_DRIVER"  envDefault:"sqlite"`
	StoreDSN     string        `env:"LIFECYCLE_STORE_DSN"     envDefault:"lifecycle.db"`
	StoreTimeout time.Duration `env:"LIFECYCLE_STORE_TIMEOUT" envDefault:"5s"`

	LogLevel  string `env:"LIFECYCLE_LOG_LEVEL"  envDefault:"info"`
	LogPretty bool   `env:"LIFECYCLE_LOG_PRETTY" envDefault:"false"`

	// JournalPath receives relayed audit records; empty disables the relay.
	JournalPath   string        `env:"LIFECYCLE_AUDIT_JOURNAL"`
	RelayInterval time.Duration `env:"LIFECYCLE_AUDIT_RELAY_INTERVAL" envDefault:"1s"`
	RelayBatch    int           `env:"LIFECYCLE_AUDIT_RELAY_BATCH"    envDefault:"100"`
}

// Load parses the environment and validates the result.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	cfg.StoreDriver = strings.ToLower(strings.TrimSpace(cfg.StoreDriver))
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	switch c.StoreDriver {
	case DriverMemory:
	case DriverSQLite, DriverPostgres:
		if strings.TrimSpace(c.StoreDSN) == "" {
			return fmt.Errorf("LIFECYCLE_STORE_DSN is required for the %s driver", c.StoreDriver)
		}
	default:
		return fmt.Errorf("unknown store driver %q", c.StoreDriver)
	}
	if c.GrpcPort <= 0 || c.GrpcPort > 65535 {
		return fmt.Errorf("invalid gRPC port %d", c.GrpcPort)
	}
	if c.MetricsPort < 0 || c.MetricsPort > 65535 {
		return fmt.Errorf("invalid metrics port %d", c.MetricsPort)
	}
	if c.RelayBatch <= 0 {
		return fmt.Errorf("relay batch must be positive, got %d", c.RelayBatch)
	}
	return nil
}

// Logger returns the logger settings carried by c.
func (c Config) Logger() logger.Config {
	return logger.Config{Level: c.LogLevel, Pretty: c.LogPretty}
}
