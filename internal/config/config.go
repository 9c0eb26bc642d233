// Package config loads and validates the terminal configuration.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the full parkd configuration.
type Config struct {
	Device  DeviceConfig  `yaml:"device"`
	Billing BillingConfig `yaml:"billing"`
	Ledger  LedgerConfig  `yaml:"ledger"`
	Monitor MonitorConfig `yaml:"monitor"`
}

// DeviceConfig describes the channel to the reader device.
type DeviceConfig struct {
	Addr          string `yaml:"addr"`            // TCP endpoint of the serial bridge
	SettleDelayMS int    `yaml:"settle_delay_ms"` // wait after connect; bridges reset the device on open
	IdleTimeoutMS int    `yaml:"idle_timeout_ms"` // poll window; no data inside it is not an error
}

// BillingConfig carries the tariff constants.
type BillingConfig struct {
	HourlyRate            int `yaml:"hourly_rate"`             // currency units per hour
	LowBalanceThreshold   int `yaml:"low_balance_threshold"`   // warn the device below this
	ConfirmationTimeoutMS int `yaml:"confirmation_timeout_ms"` // bounded wait after DEDUCT
}

// LedgerConfig selects and parameterizes the session store.
type LedgerConfig struct {
	Driver string `yaml:"driver"` // "csv" or "postgres"
	Path   string `yaml:"path"`   // csv driver: ledger file
	DSN    string `yaml:"dsn"`    // postgres driver: connection string
}

// MonitorConfig controls the HTTP monitoring server.
type MonitorConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

func (d DeviceConfig) SettleDelay() time.Duration {
	return time.Duration(d.SettleDelayMS) * time.Millisecond
}

func (d DeviceConfig) IdleTimeout() time.Duration {
	return time.Duration(d.IdleTimeoutMS) * time.Millisecond
}

func (b BillingConfig) ConfirmationTimeout() time.Duration {
	return time.Duration(b.ConfirmationTimeoutMS) * time.Millisecond
}

// Default returns the configuration used when no file overrides it.
func Default() Config {
	return Config{
		Device: DeviceConfig{
			Addr:          "127.0.0.1:7700",
			SettleDelayMS: 2000,
			IdleTimeoutMS: 500,
		},
		Billing: BillingConfig{
			HourlyRate:            200,
			LowBalanceThreshold:   200,
			ConfirmationTimeoutMS: 5000,
		},
		Ledger: LedgerConfig{
			Driver: "csv",
			Path:   "plates_log.csv",
		},
		Monitor: MonitorConfig{
			Enabled: true,
			Addr:    ":8087",
		},
	}
}

// Load builds the configuration from defaults, an optional YAML file, and
// PARKD_* environment variables, in that order of precedence. A .env file
// in the working directory is folded into the environment first.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	// Missing .env is fine; it is a local-development convenience.
	_ = godotenv.Load()
	applyEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("PARKD_DEVICE_ADDR"); v != "" {
		cfg.Device.Addr = v
	}
	if v := os.Getenv("PARKD_LEDGER_DRIVER"); v != "" {
		cfg.Ledger.Driver = v
	}
	if v := os.Getenv("PARKD_LEDGER_PATH"); v != "" {
		cfg.Ledger.Path = v
	}
	if v := os.Getenv("PARKD_LEDGER_DSN"); v != "" {
		cfg.Ledger.DSN = v
	}
	if v := os.Getenv("PARKD_MONITOR_ADDR"); v != "" {
		cfg.Monitor.Addr = v
	}
}

// Validate checks the configuration is complete and internally consistent.
func (c Config) Validate() error {
	if c.Device.Addr == "" {
		return fmt.Errorf("device.addr is required")
	}
	if c.Billing.HourlyRate <= 0 {
		return fmt.Errorf("billing.hourly_rate must be positive, got %d", c.Billing.HourlyRate)
	}
	if c.Billing.LowBalanceThreshold < 0 {
		return fmt.Errorf("billing.low_balance_threshold must not be negative, got %d", c.Billing.LowBalanceThreshold)
	}
	if c.Billing.ConfirmationTimeoutMS <= 0 {
		return fmt.Errorf("billing.confirmation_timeout_ms must be positive, got %d", c.Billing.ConfirmationTimeoutMS)
	}

	switch c.Ledger.Driver {
	case "csv":
		if c.Ledger.Path == "" {
			return fmt.Errorf("ledger.path is required for the csv driver")
		}
	case "postgres":
		if c.Ledger.DSN == "" {
			return fmt.Errorf("ledger.dsn is required for the postgres driver")
		}
	default:
		return fmt.Errorf("ledger.driver must be csv or postgres, got %q", c.Ledger.Driver)
	}

	if c.Monitor.Enabled && c.Monitor.Addr == "" {
		return fmt.Errorf("monitor.addr is required when the monitor is enabled")
	}
	return nil
}
