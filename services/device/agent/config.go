// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package agent

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/bundlenudge/bundlenudge/pkg/protocol"
	"github.com/bundlenudge/bundlenudge/services/device/api"
	"github.com/bundlenudge/bundlenudge/services/device/crash"
	"gopkg.in/yaml.v3"
)

// Metadata store backends.
const (
	StoreFile   = "file"
	StoreBadger = "badger"
)

// ErrInvalidConfig is returned by Config.Validate.
var ErrInvalidConfig = errors.New("invalid agent config")

// Config configures the device agent.
type Config struct {
	ServerURL  string              `yaml:"server_url" json:"server_url"`
	AppID      string              `yaml:"app_id" json:"app_id"`
	Channel    string              `yaml:"channel" json:"channel"`
	Platform   string              `yaml:"platform" json:"platform"`
	AppVersion string              `yaml:"app_version" json:"app_version"`
	DeviceInfo protocol.DeviceInfo `yaml:"device_info" json:"device_info"`

	// DataDir holds metadata and bundle files.
	DataDir string `yaml:"data_dir" json:"data_dir"`
	// Store selects the metadata backend: "file" or "badger".
	Store string `yaml:"store" json:"store"`

	Crash         crash.Config  `yaml:"crash" json:"crash"`
	ReportTimeout time.Duration `yaml:"report_timeout" json:"report_timeout"`
	// RestartCommand is run after a rollback to relaunch the host app.
	// Empty means the restart is only logged.
	RestartCommand []string `yaml:"restart_command" json:"restart_command"`
}

// DefaultConfig returns the agent defaults.
func DefaultConfig() Config {
	dataDir := ".bundlenudge"
	if home, err := os.UserHomeDir(); err == nil {
		dataDir = filepath.Join(home, ".bundlenudge")
	}
	return Config{
		ServerURL:     "http://localhost:8080",
		Channel:       "production",
		Platform:      "ios",
		AppVersion:    "1.0.0",
		DataDir:       dataDir,
		Store:         StoreFile,
		Crash:         crash.DefaultConfig(),
		ReportTimeout: api.DefaultReportTimeout,
	}
}

// Validate checks required fields.
func (c Config) Validate() error {
	if c.ServerURL == "" {
		return fmt.Errorf("%w: server_url is required", ErrInvalidConfig)
	}
	if c.AppID == "" {
		return fmt.Errorf("%w: app_id is required", ErrInvalidConfig)
	}
	if c.Platform != "ios" && c.Platform != "android" {
		return fmt.Errorf("%w: platform must be ios or android", ErrInvalidConfig)
	}
	if c.DataDir == "" {
		return fmt.Errorf("%w: data_dir is required", ErrInvalidConfig)
	}
	if c.Store != StoreFile && c.Store != StoreBadger {
		return fmt.Errorf("%w: store must be %q or %q", ErrInvalidConfig, StoreFile, StoreBadger)
	}
	if err := c.Crash.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
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
	cfg.ServerURL = getEnvString("BUNDLENUDGE_SERVER_URL", cfg.ServerURL)
	cfg.AppID = getEnvString("BUNDLENUDGE_APP_ID", cfg.AppID)
	cfg.Channel = getEnvString("BUNDLENUDGE_CHANNEL", cfg.Channel)
	cfg.Platform = getEnvString("BUNDLENUDGE_PLATFORM", cfg.Platform)
	cfg.AppVersion = getEnvString("BUNDLENUDGE_APP_VERSION", cfg.AppVersion)
	cfg.DataDir = getEnvString("BUNDLENUDGE_DATA_DIR", cfg.DataDir)
	cfg.Store = getEnvString("BUNDLENUDGE_STORE", cfg.Store)
	cfg.DeviceInfo.Plan = getEnvString("BUNDLENUDGE_PLAN", cfg.DeviceInfo.Plan)
	cfg.DeviceInfo.OrgID = getEnvString("BUNDLENUDGE_ORG_ID", cfg.DeviceInfo.OrgID)
	cfg.Crash.CrashWindow = getEnvDuration("BUNDLENUDGE_CRASH_WINDOW", cfg.Crash.CrashWindow)
	cfg.Crash.CrashThreshold = getEnvInt("BUNDLENUDGE_CRASH_THRESHOLD", cfg.Crash.CrashThreshold)
	cfg.Crash.VerificationWindow = getEnvDuration("BUNDLENUDGE_VERIFICATION_WINDOW", cfg.Crash.VerificationWindow)
	cfg.ReportTimeout = getEnvDuration("BUNDLENUDGE_REPORT_TIMEOUT", cfg.ReportTimeout)
	if v := os.Getenv("BUNDLENUDGE_RESTART_COMMAND"); v != "" {
		cfg.RestartCommand = strings.Fields(v)
	}
}

// getEnvString returns an environment variable, or defaultVal if not set.
func getEnvString(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

// getEnvInt returns an environment variable as int, or defaultVal if not set/invalid.
func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if intVal, err := strconv.Atoi(val); err == nil {
			return intVal
		}
	}
	return defaultVal
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
	}
	return defaultVal
}
