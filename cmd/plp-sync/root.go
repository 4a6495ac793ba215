// Copyright 2025 PLP Attendance Project
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/chhinhsovath/plp-attendance-sync/auth"
	"github.com/chhinhsovath/plp-attendance-sync/config"
	"github.com/chhinhsovath/plp-attendance-sync/localstore"
	"github.com/chhinhsovath/plp-attendance-sync/syncengine"
	"github.com/chhinhsovath/plp-attendance-sync/syncqueue"
	"github.com/chhinhsovath/plp-attendance-sync/transport"
)

var rootCmd = &cobra.Command{
	Use:   "plp-sync",
	Short: "Offline-first attendance synchronization daemon",
	Long: `plp-sync reconciles attendance, leave and user records captured on a
disconnected client against the remote attendance service.

Local writes enqueue durable sync work; plp-sync uploads pending changes
with bounded retries and exponential backoff, downloads remote changes per
entity type, and merges them with a last-writer-wins rule.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().String("config", "", "Path to config file")
	rootCmd.PersistentFlags().String("env-file", "", "Path to .env file (default .env if present)")
}

// loadConfig reads .env (best effort) and then the config file/environment.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	envFile, _ := cmd.Flags().GetString("env-file")
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil {
			return nil, fmt.Errorf("failed to load env file %s: %w", envFile, err)
		}
	} else {
		_ = godotenv.Load() // .env is optional
	}

	cfgPath, _ := cmd.Flags().GetString("config")
	return config.Load(cfgPath)
}

func setupLogger(cfg *config.Config) *slog.Logger {
	var w io.Writer = os.Stderr
	if cfg.LogFile != "" {
		w = &lumberjack.Logger{
			Filename:   cfg.LogFile,
			MaxSize:    cfg.LogMaxSizeMB,
			MaxBackups: cfg.LogMaxBackups,
			Compress:   true,
		}
	}
	level := slog.LevelInfo
	switch cfg.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	logger := slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
	return logger
}

// app bundles the wired components a subcommand works with.
type app struct {
	cfg    *config.Config
	logger *slog.Logger
	queue  *syncqueue.Manager
	store  *localstore.Store
	engine *syncengine.Engine
	close  func()
}

func buildApp(cmd *cobra.Command) (*app, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	logger := setupLogger(cfg)

	db, err := localstore.OpenDB(cfg.DatabasePath)
	if err != nil {
		return nil, err
	}

	queue, err := syncqueue.NewManager(db, &syncqueue.Config{
		BackoffBase: cfg.BackoffBase,
		BackoffCap:  cfg.BackoffCap,
		MaxAttempts: cfg.MaxAttempts,
	}, logger)
	if err != nil {
		db.Close()
		return nil, err
	}

	store, err := localstore.New(db, queue, logger)
	if err != nil {
		db.Close()
		return nil, err
	}

	creds := auth.NewTokenStore(cfg.AuthToken)
	remote := transport.NewClient(cfg.ServerURL, creds.Token, logger)

	engine := syncengine.New(store, queue, remote, creds, &syncengine.Config{
		Interval:    cfg.SyncInterval,
		BatchLimit:  cfg.BatchLimit,
		Concurrency: cfg.Concurrency,
		Retention:   cfg.Retention,
	}, logger)

	return &app{
		cfg:    cfg,
		logger: logger,
		queue:  queue,
		store:  store,
		engine: engine,
		close:  func() { db.Close() },
	}, nil
}
