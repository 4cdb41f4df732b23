// internal/config/config.go
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// Config is the CLI configuration file. Values absent from the file keep
// their defaults; a missing file is written with defaults on first load.
type Config struct {
	LogLevel  string `json:"log_level"`
	AppServer struct {
		Bin        string   `json:"bin"`
		Args       []string `json:"args"`
		SchemaDir  string   `json:"schema_dir"`
		MinVersion string   `json:"min_version"`
	} `json:"app_server"`
	Turn struct {
		TimeoutSeconds int    `json:"timeout_seconds"`
		Effort         string `json:"effort"`
		ApprovalPolicy string `json:"approval_policy"`
	} `json:"turn"`
	State struct {
		MaxThreads        int `json:"max_threads"`
		MaxTurnsPerThread int `json:"max_turns_per_thread"`
		MaxItemsPerTurn   int `json:"max_items_per_turn"`
	} `json:"state"`
	EventLogPath string `json:"event_log_path"`
}

// DefaultPath returns the per-user config location.
func DefaultPath() string {
	return filepath.Join(os.Getenv("HOME"), ".turnstile", "config.json")
}

// Load reads the config at path, writing defaults first when it does not
// exist. Environment overrides take highest precedence.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	cfg.LogLevel = "info"
	cfg.AppServer.Bin = "codex"
	cfg.AppServer.Args = []string{"app-server"}
	cfg.AppServer.MinVersion = "0.104.0"
	cfg.Turn.TimeoutSeconds = 120
	cfg.Turn.Effort = "medium"
	cfg.Turn.ApprovalPolicy = "never"
	cfg.State.MaxThreads = 256
	cfg.State.MaxTurnsPerThread = 256
	cfg.State.MaxItemsPerTurn = 256

	if _, err := os.Stat(path); err == nil {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	} else if os.IsNotExist(err) {
		if err := writeDefaults(path, cfg); err != nil {
			return nil, err
		}
	}

	if bin := os.Getenv("APP_SERVER_BIN"); bin != "" {
		cfg.AppServer.Bin = bin
	}
	if dir := os.Getenv("APP_SERVER_SCHEMA_DIR"); dir != "" {
		cfg.AppServer.SchemaDir = dir
	}

	return cfg, nil
}

func writeDefaults(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal default config: %w", err)
	}
	data = append(data, '\n')
	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0o644); err != nil {
		return fmt.Errorf("write default config: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename default config: %w", err)
	}
	return nil
}
