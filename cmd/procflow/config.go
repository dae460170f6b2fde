package main

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
)

// Config holds all procflow server configuration.
// Priority: env vars > settings.json > defaults.
type Config struct {
	DBPath            string  `json:"db_path"` // "memory" selects the in-memory store
	LogLevel          string  `json:"log_level"`
	Workers           int     `json:"workers"`
	MaxRetryAttempts  int     `json:"max_retry_attempts"`
	AmountThreshold   float64 `json:"amount_threshold"`
	SchedulerInterval int     `json:"scheduler_interval_seconds"`
	NotifyInterval    int     `json:"notify_interval_seconds"`

	// Directory maps organization -> role -> users for task assignment and
	// escalation routing.
	Directory map[string]map[string][]string `json:"directory,omitempty"`
}

func defaultConfig() Config {
	return Config{
		DBPath:            filepath.Join(procflowDir(), "procflow.db"),
		LogLevel:          "info",
		Workers:           4,
		MaxRetryAttempts:  3,
		AmountThreshold:   10000,
		SchedulerInterval: 60,
		NotifyInterval:    5,
	}
}

func procflowDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".procflow"
	}
	return filepath.Join(home, ".procflow")
}

func settingsPath() string {
	return filepath.Join(procflowDir(), "settings.json")
}

func loadConfig() Config {
	cfg := defaultConfig()

	// Layer 2: settings.json (ignore if missing).
	if data, err := os.ReadFile(settingsPath()); err == nil {
		_ = json.Unmarshal(data, &cfg)
	}

	// Layer 3: env vars override.
	if v := os.Getenv("PROCFLOW_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("PROCFLOW_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("PROCFLOW_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Workers = n
		}
	}
	if v := os.Getenv("PROCFLOW_MAX_RETRY_ATTEMPTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MaxRetryAttempts = n
		}
	}
	if v := os.Getenv("PROCFLOW_AMOUNT_THRESHOLD"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.AmountThreshold = f
		}
	}
	if v := os.Getenv("PROCFLOW_SCHEDULER_INTERVAL"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.SchedulerInterval = n
		}
	}
	if v := os.Getenv("PROCFLOW_NOTIFY_INTERVAL"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.NotifyInterval = n
		}
	}

	return cfg
}
