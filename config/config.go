// Copyright 2025 PLP Attendance Project
// SPDX-License-Identifier: Apache-2.0

// Package config loads daemon configuration from a config file and
// PLP_SYNC_* environment variables.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the daemon-level configuration.
type Config struct {
	DatabasePath string `mapstructure:"database_path"`
	ServerURL    string `mapstructure:"server_url"`
	AuthToken    string `mapstructure:"auth_token"`

	SyncInterval time.Duration `mapstructure:"sync_interval"`
	BatchLimit   int           `mapstructure:"batch_limit"`
	Concurrency  int           `mapstructure:"concurrency"`

	MaxAttempts int           `mapstructure:"max_attempts"`
	BackoffBase time.Duration `mapstructure:"backoff_base"`
	BackoffCap  time.Duration `mapstructure:"backoff_cap"`
	Retention   time.Duration `mapstructure:"retention"`

	LogFile       string `mapstructure:"log_file"`
	LogLevel      string `mapstructure:"log_level"`
	LogMaxSizeMB  int    `mapstructure:"log_max_size_mb"`
	LogMaxBackups int    `mapstructure:"log_max_backups"`
}

// Load reads configuration from the given file (optional) and the
// environment. Environment variables use the PLP_SYNC_ prefix, e.g.
// PLP_SYNC_SERVER_URL.
func Load(path string) (*Config, error) {
	v := viper.New()

	v.SetDefault("database_path", "plp-attendance.db")
	v.SetDefault("server_url", "http://localhost:8080")
	v.SetDefault("auth_token", "")
	v.SetDefault("sync_interval", 5*time.Minute)
	v.SetDefault("batch_limit", 50)
	v.SetDefault("concurrency", 5)
	v.SetDefault("max_attempts", 5)
	v.SetDefault("backoff_base", 2*time.Second)
	v.SetDefault("backoff_cap", 5*time.Minute)
	v.SetDefault("retention", 7*24*time.Hour)
	v.SetDefault("log_file", "")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_max_size_mb", 20)
	v.SetDefault("log_max_backups", 3)

	v.SetEnvPrefix("PLP_SYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse configuration: %w", err)
	}
	if cfg.ServerURL == "" {
		return nil, fmt.Errorf("server_url must be set")
	}
	if cfg.BatchLimit < 1 {
		return nil, fmt.Errorf("batch_limit must be at least 1, got %d", cfg.BatchLimit)
	}
	if cfg.Concurrency < 1 {
		return nil, fmt.Errorf("concurrency must be at least 1, got %d", cfg.Concurrency)
	}
	if cfg.MaxAttempts < 1 {
		return nil, fmt.Errorf("max_attempts must be at least 1, got %d", cfg.MaxAttempts)
	}
	if cfg.SyncInterval <= 0 {
		return nil, fmt.Errorf("sync_interval must be positive, got %s", cfg.SyncInterval)
	}
	return &cfg, nil
}
