// Package config handles loading and validating the application
// configuration from a YAML file plus environment overrides.
//
// The file supplies the bootstrap currency pair, the HTTP listen address,
// and logging settings; the data-directory settings can additionally be
// overridden through DATA_ROOT, DATA_FILE_NAME_PATTERN and
// SNAPSHOT_PERIOD_S so deployments can relocate storage without editing
// the file.
package config

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// DefaultPair identifies the bootstrap currency pair that is always part
// of the initial WebSocket URL and is never unsubscribed.
type DefaultPair struct {
	Base  string `yaml:"base"`
	Quote string `yaml:"quote"`
}

// Logging holds the logger settings.
type Logging struct {
	// Level is one of "debug", "info", "warn", "error".
	Level string `yaml:"level"`

	// JSON switches from console output to JSON lines.
	JSON bool `yaml:"json"`
}

// Config holds all application configuration.
// The file is read once at startup; changes require a restart.
type Config struct {
	// ListenAddr is the HTTP listen address (default ":3000").
	ListenAddr string `yaml:"listen_addr"`

	// DefaultCurrencyPair is the bootstrap pair, e.g. {BTC, USDT}.
	DefaultCurrencyPair DefaultPair `yaml:"default_currency_pair"`

	// Logging configures the global logger.
	Logging Logging `yaml:"logging"`

	// DataRoot is the directory that holds per-symbol data directories
	// and the currency pair repository file (default "/data").
	DataRoot string `yaml:"data_root"`

	// DataFileNamePattern names rolled data files. The placeholders
	// {name} and {ts} expand to the channel short name and the calendar
	// day (default "{name}_{ts}.json.gz").
	DataFileNamePattern string `yaml:"data_file_name_pattern"`

	// SnapshotPeriodS is the period of the snapshot hook in seconds
	// (default 60).
	SnapshotPeriodS int `yaml:"snapshot_period_s"`
}

// Load reads and parses configuration from the given file path, applies
// environment overrides and defaults, and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	cfg.applyEnv()
	cfg.applyDefaults()

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// applyEnv overrides the data settings from the environment.
func (c *Config) applyEnv() {
	if v := os.Getenv("DATA_ROOT"); v != "" {
		c.DataRoot = v
	}
	if v := os.Getenv("DATA_FILE_NAME_PATTERN"); v != "" {
		c.DataFileNamePattern = v
	}
	if v := os.Getenv("SNAPSHOT_PERIOD_S"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.SnapshotPeriodS = n
		}
	}
}

func (c *Config) applyDefaults() {
	if c.ListenAddr == "" {
		c.ListenAddr = ":3000"
	}
	if c.DataRoot == "" {
		c.DataRoot = "/data"
	}
	if c.DataFileNamePattern == "" {
		c.DataFileNamePattern = "{name}_{ts}.json.gz"
	}
	if c.SnapshotPeriodS == 0 {
		c.SnapshotPeriodS = 60
	}
}

// validate checks that all required fields are present.
func (c *Config) validate() error {
	switch {
	case c.DefaultCurrencyPair.Base == "":
		return fmt.Errorf("config: default_currency_pair.base is required")
	case c.DefaultCurrencyPair.Quote == "":
		return fmt.Errorf("config: default_currency_pair.quote is required")
	case c.SnapshotPeriodS < 0:
		return fmt.Errorf("config: snapshot_period_s must be positive")
	}
	return nil
}
