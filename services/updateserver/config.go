// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package updateserver

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/bundlenudge/bundlenudge/services/catalog"
	"github.com/bundlenudge/bundlenudge/services/observability"
)

// ErrInvalidConfig is returned by Config.Validate.
var ErrInvalidConfig = errors.New("invalid server config")

// RateLimitConfig bounds requests per client IP. A zero RequestsPerSecond
// disables limiting.
type RateLimitConfig struct {
	RequestsPerSecond float64 `yaml:"requests_per_second" json:"requests_per_second"`
	Burst             int     `yaml:"burst" json:"burst"`
}

// InfluxConfig enables the InfluxDB telemetry sink when URL is set.
type InfluxConfig struct {
	URL    string `yaml:"url" json:"url"`
	Token  string `yaml:"token" json:"token"`
	Org    string `yaml:"org" json:"org"`
	Bucket string `yaml:"bucket" json:"bucket"`
}

// Enabled reports whether an InfluxDB URL is configured.
func (c InfluxConfig) Enabled() bool {
	return c.URL != ""
}

// Config configures the update server.
//
// # Description
//
// Values come from DefaultConfig, then an optional YAML (or JSON) file, then
// BUNDLENUDGE_* environment variables. See LoadConfig.
type Config struct {
	// Port is the HTTP listen port.
	Port int `yaml:"port" json:"port"`

	// DataDir holds the catalog and MAU badger database.
	DataDir string `yaml:"data_dir" json:"data_dir"`

	// SeedFile is a catalog YAML file applied at startup. Optional.
	SeedFile string `yaml:"seed_file" json:"seed_file"`

	// WatchSeed re-applies SeedFile whenever it changes on disk.
	WatchSeed bool `yaml:"watch_seed" json:"watch_seed"`

	// AdminToken protects the channel and release admin API. Empty disables
	// the admin routes entirely.
	AdminToken string `yaml:"admin_token" json:"admin_token"`

	// MAULimit caps distinct devices per app per calendar month. Zero means
	// unlimited.
	MAULimit int `yaml:"mau_limit" json:"mau_limit"`

	// CacheTTL bounds how long active-release lookups are cached.
	CacheTTL time.Duration `yaml:"cache_ttl" json:"cache_ttl"`

	// ShutdownTimeout bounds graceful shutdown.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" json:"shutdown_timeout"`

	// GinMode is "debug", "release", or "test".
	GinMode string `yaml:"gin_mode" json:"gin_mode"`

	RateLimit RateLimitConfig      `yaml:"rate_limit" json:"rate_limit"`
	Telemetry observability.Config `yaml:"telemetry" json:"telemetry"`
	Influx    InfluxConfig         `yaml:"influx" json:"influx"`
}

// DefaultConfig returns the server defaults.
func DefaultConfig() Config {
	return Config{
		Port:            8080,
		DataDir:         "./data",
		CacheTTL:        catalog.DefaultCacheTTL,
		ShutdownTimeout: 10 * time.Second,
		GinMode:         "release",
		RateLimit: RateLimitConfig{
			RequestsPerSecond: 20,
			Burst:             40,
		},
		Telemetry: observability.DefaultConfig(),
	}
}

// Validate checks field ranges.
func (c Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("%w: port %d out of range", ErrInvalidConfig, c.Port)
	}
	if c.DataDir == "" {
		return fmt.Errorf("%w: data_dir is required", ErrInvalidConfig)
	}
	if c.WatchSeed && c.SeedFile == "" {
		return fmt.Errorf("%w: watch_seed requires seed_file", ErrInvalidConfig)
	}
	if c.MAULimit < 0 {
		return fmt.Errorf("%w: mau_limit must not be negative", ErrInvalidConfig)
	}
	if c.RateLimit.RequestsPerSecond < 0 || c.RateLimit.Burst < 0 {
		return fmt.Errorf("%w: rate_limit must not be negative", ErrInvalidConfig)
	}
	if c.RateLimit.RequestsPerSecond > 0 && c.RateLimit.Burst == 0 {
		return fmt.Errorf("%w: rate_limit.burst must be positive when limiting", ErrInvalidConfig)
	}
	switch c.GinMode {
	case "", "debug", "release", "test":
	default:
		return fmt.Errorf("%w: gin_mode %q", ErrInvalidConfig, c.GinMode)
	}
	if c.Influx.Enabled() && (c.Influx.Org == "" || c.Influx.Bucket == "") {
		return fmt.Errorf("%w: influx requires org and bucket", ErrInvalidConfig)
	}
	return nil
}

// LoadConfig reads path (YAML or JSON) over the defaults, then applies
// BUNDLENUDGE_* environment overrides. A missing file is not an error.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		if err := loadConfigFile(path, &cfg); err != nil {
			return cfg, fmt.Errorf("load config %s: %w", path, err)
		}
	}
	loadConfigFromEnv(&cfg)
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func loadConfigFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		if jsonErr := json.Unmarshal(data, cfg); jsonErr != nil {
			return fmt.Errorf("parse config (tried YAML and JSON): YAML error: %v, JSON error: %w", err, jsonErr)
		}
	}
	return nil
}

func loadConfigFromEnv(cfg *Config) {
	cfg.Port = getEnvInt("BUNDLENUDGE_PORT", cfg.Port)
	cfg.DataDir = getEnvString("BUNDLENUDGE_DATA_DIR", cfg.DataDir)
	cfg.SeedFile = getEnvString("BUNDLENUDGE_SEED_FILE", cfg.SeedFile)
	cfg.WatchSeed = getEnvBool("BUNDLENUDGE_WATCH_SEED", cfg.WatchSeed)
	cfg.AdminToken = getEnvString("BUNDLENUDGE_ADMIN_TOKEN", cfg.AdminToken)
	cfg.MAULimit = getEnvInt("BUNDLENUDGE_MAU_LIMIT", cfg.MAULimit)
	cfg.GinMode = getEnvString("GIN_MODE", cfg.GinMode)
	cfg.Influx.URL = getEnvString("INFLUXDB_URL", cfg.Influx.URL)
	cfg.Influx.Token = getEnvString("INFLUXDB_TOKEN", cfg.Influx.Token)
	cfg.Influx.Org = getEnvString("INFLUXDB_ORG", cfg.Influx.Org)
	cfg.Influx.Bucket = getEnvString("INFLUXDB_BUCKET", cfg.Influx.Bucket)
}

func getEnvString(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if intVal, err := strconv.Atoi(val); err == nil {
			return intVal
		}
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			return b
		}
	}
	return defaultVal
}
