// Package config loads the process-wide shardmonster configuration.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// Config holds the application configuration
type Config struct {
	Controller ControllerConfig `json:"controller"`
	Caching    CachingConfig    `json:"caching"`
	Migration  MigrationConfig  `json:"migration"`
	Admin      AdminConfig      `json:"admin"`
	LogLevel   string           `json:"log_level"`
}

// ControllerConfig locates the controller database that holds the realm,
// shard and cluster metadata
type ControllerConfig struct {
	URI      string `json:"uri"`
	Database string `json:"database"`
}

// CachingConfig holds metadata cache configuration
type CachingConfig struct {
	Duration    time.Duration `json:"-"`
	DurationStr string        `json:"duration"`
}

// MigrationConfig holds defaults for shard migrations
type MigrationConfig struct {
	InsertBatchSize   int           `json:"insert_batch_size"`
	DeleteBatchSize   int           `json:"delete_batch_size"`
	InsertThrottle    time.Duration `json:"-"`
	DeleteThrottle    time.Duration `json:"-"`
	InsertThrottleStr string        `json:"insert_throttle"`
	DeleteThrottleStr string        `json:"delete_throttle"`
	StatusInterval    time.Duration `json:"-"`
	StatusIntervalStr string        `json:"status_interval"`
}

// AdminConfig holds the admin/metrics HTTP server configuration
type AdminConfig struct {
	ListenAddr string `json:"listen_addr"`
	Enabled    bool   `json:"enabled"`
}

// LoadConfig loads configuration from a JSON file
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := json.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := parseDurations(&config); err != nil {
		return nil, fmt.Errorf("failed to parse durations: %w", err)
	}

	applyEnvOverrides(&config)
	setDefaults(&config)

	return &config, nil
}

// Default returns a configuration built without a file: environment
// overrides, then defaults
func Default() *Config {
	config := &Config{}
	applyEnvOverrides(config)
	setDefaults(config)
	return config
}

// parseDurations parses duration strings into time.Duration
func parseDurations(c *Config) error {
	var err error

	if c.Caching.DurationStr != "" {
		c.Caching.Duration, err = time.ParseDuration(c.Caching.DurationStr)
		if err != nil {
			return fmt.Errorf("invalid caching duration: %w", err)
		}
	}
	if c.Migration.InsertThrottleStr != "" {
		c.Migration.InsertThrottle, err = time.ParseDuration(c.Migration.InsertThrottleStr)
		if err != nil {
			return fmt.Errorf("invalid insert_throttle: %w", err)
		}
	}
	if c.Migration.DeleteThrottleStr != "" {
		c.Migration.DeleteThrottle, err = time.ParseDuration(c.Migration.DeleteThrottleStr)
		if err != nil {
			return fmt.Errorf("invalid delete_throttle: %w", err)
		}
	}
	if c.Migration.StatusIntervalStr != "" {
		c.Migration.StatusInterval, err = time.ParseDuration(c.Migration.StatusIntervalStr)
		if err != nil {
			return fmt.Errorf("invalid status_interval: %w", err)
		}
	}

	return nil
}

// applyEnvOverrides lets the environment override file settings. The
// controller URI typically carries credentials and stays out of files.
func applyEnvOverrides(c *Config) {
	if uri := os.Getenv("SHARDMONSTER_CONTROLLER_URI"); uri != "" {
		c.Controller.URI = uri
	}
	if db := os.Getenv("SHARDMONSTER_CONTROLLER_DB"); db != "" {
		c.Controller.Database = db
	}
}

// setDefaults fills in default values for unset fields
func setDefaults(c *Config) {
	if c.Controller.Database == "" {
		c.Controller.Database = "shardmonster"
	}
	if c.Migration.InsertBatchSize == 0 {
		c.Migration.InsertBatchSize = 1000
	}
	if c.Migration.DeleteBatchSize == 0 {
		c.Migration.DeleteBatchSize = 1000
	}
	if c.Migration.StatusInterval == 0 {
		c.Migration.StatusInterval = 60 * time.Second
	}
	if c.Admin.ListenAddr == "" {
		c.Admin.ListenAddr = "127.0.0.1:8086"
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
}
