// Package config loads the server's environment-variable
// configuration: caarlos0/env struct tags with an optional .env file
// loaded first via godotenv, then validated.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
)

// Config holds the EPICS_CAS_* environment variables the server
// consumes, plus the ambient logging/admission settings.
type Config struct {
	ServerPort      int           `env:"EPICS_CAS_SERVER_PORT" envDefault:"5064"`
	BeaconPort      int           `env:"EPICS_CAS_BEACON_PORT" envDefault:"5065"`
	IntfAddrList    string        `env:"EPICS_CAS_INTF_ADDR_LIST" envDefault:"0.0.0.0"`
	BeaconAddrList  string        `env:"EPICS_CAS_BEACON_ADDR_LIST" envDefault:""`
	AutoBeaconAddrs string        `env:"EPICS_CAS_AUTO_BEACON_ADDR_LIST" envDefault:"YES"`
	BeaconPeriod    time.Duration `env:"EPICS_CAS_BEACON_PERIOD" envDefault:"15s"`

	MaxChannels        int     `env:"CASRV_MAX_CHANNELS" envDefault:"100000"`
	CPURejectThreshold float64 `env:"CASRV_CPU_REJECT_THRESHOLD" envDefault:"90.0"`
	OpsPerSec          int     `env:"CASRV_OPS_PER_SEC" envDefault:"200"`
	OpsBurst           int     `env:"CASRV_OPS_BURST" envDefault:"400"`

	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`

	MetricsAddr string `env:"CASRV_METRICS_ADDR" envDefault:":9090"`
}

// Load reads .env (if present) then environment variables, validating
// the result. A missing .env file is not an error; production runs
// off real environment variables.
func Load(logger *zerolog.Logger) (*Config, error) {
	if err := godotenv.Load(); err != nil && logger != nil {
		logger.Info().Msg("no .env file found, using environment variables only")
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// Validate checks the loaded configuration for obviously broken values.
func (c *Config) Validate() error {
	if c.ServerPort <= 0 || c.ServerPort > 65535 {
		return fmt.Errorf("EPICS_CAS_SERVER_PORT out of range: %d", c.ServerPort)
	}
	if c.BeaconPort <= 0 || c.BeaconPort > 65535 {
		return fmt.Errorf("EPICS_CAS_BEACON_PORT out of range: %d", c.BeaconPort)
	}
	if c.BeaconPeriod <= 0 {
		return fmt.Errorf("EPICS_CAS_BEACON_PERIOD must be positive, got %s", c.BeaconPeriod)
	}
	if c.MaxChannels < 1 {
		return fmt.Errorf("CASRV_MAX_CHANNELS must be > 0, got %d", c.MaxChannels)
	}
	if c.CPURejectThreshold <= 0 || c.CPURejectThreshold > 100 {
		return fmt.Errorf("CASRV_CPU_REJECT_THRESHOLD must be 0-100, got %.1f", c.CPURejectThreshold)
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.LogLevel] {
		return fmt.Errorf("LOG_LEVEL must be one of debug/info/warn/error, got %q", c.LogLevel)
	}
	validFormats := map[string]bool{"json": true, "pretty": true}
	if !validFormats[c.LogFormat] {
		return fmt.Errorf("LOG_FORMAT must be one of json/pretty, got %q", c.LogFormat)
	}
	return nil
}

// LogConfig emits the loaded configuration as a structured log line.
func (c *Config) LogConfig(logger zerolog.Logger) {
	logger.Info().
		Int("server_port", c.ServerPort).
		Int("beacon_port", c.BeaconPort).
		Str("intf_addr_list", c.IntfAddrList).
		Str("beacon_addr_list", c.BeaconAddrList).
		Str("auto_beacon_addr_list", c.AutoBeaconAddrs).
		Dur("beacon_period", c.BeaconPeriod).
		Int("max_channels", c.MaxChannels).
		Float64("cpu_reject_threshold", c.CPURejectThreshold).
		Int("ops_per_sec", c.OpsPerSec).
		Int("ops_burst", c.OpsBurst).
		Str("log_level", c.LogLevel).
		Str("log_format", c.LogFormat).
		Msg("configuration loaded")
}
