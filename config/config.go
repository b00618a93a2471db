// Package config loads service configuration from the environment.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// EnvPrefix namespaces every variable read by Load.
const EnvPrefix = "ESCROWFLOW"

// Config is the full service configuration.
type Config struct {
	App    AppConfig
	DB     DBConfig
	Escrow EscrowConfig
}

// Load reads the configuration from the environment.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	return &cfg, nil
}

type AppConfig struct {
	Env      string `envconfig:"ESCROWFLOW_APP_ENV" default:"dev"`
	Port     string `envconfig:"ESCROWFLOW_APP_PORT" default:"8080"`
	LogLevel string `envconfig:"ESCROWFLOW_LOG_LEVEL" default:"info"`
}

// IsDev reports whether the service runs in the development environment.
func (a AppConfig) IsDev() bool {
	return strings.EqualFold(a.Env, "dev")
}

type DBConfig struct {
	DSN             string        `envconfig:"ESCROWFLOW_DB_DSN"`
	MaxConns        int32         `envconfig:"ESCROWFLOW_DB_MAX_CONNS" default:"20"`
	MinConns        int32         `envconfig:"ESCROWFLOW_DB_MIN_CONNS" default:"2"`
	ConnMaxLifetime time.Duration `envconfig:"ESCROWFLOW_DB_CONN_MAX_LIFETIME" default:"1h"`
	ConnMaxIdleTime time.Duration `envconfig:"ESCROWFLOW_DB_CONN_MAX_IDLE_TIME" default:"10m"`
}

type EscrowConfig struct {
	// FeeRateBps is the platform fee in basis points of a thousand.
	FeeRateBps     int64  `envconfig:"ESCROWFLOW_FEE_RATE_BPS" default:"25"`
	HoldingAccount string `envconfig:"ESCROWFLOW_HOLDING_ACCOUNT" default:"escrow-holding"`
	FeeAccount     string `envconfig:"ESCROWFLOW_FEE_ACCOUNT" default:"platform-fees"`
	// ConfirmTimeout bounds how long an operation waits for transfer
	// confirmation before surfacing a retryable timeout.
	ConfirmTimeout time.Duration `envconfig:"ESCROWFLOW_CONFIRM_TIMEOUT" default:"30s"`
}
