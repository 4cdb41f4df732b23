package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadWritesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.AppServer.Bin != "codex" {
		t.Errorf("bin = %q", cfg.AppServer.Bin)
	}
	if cfg.Turn.TimeoutSeconds != 120 {
		t.Errorf("timeout = %d", cfg.Turn.TimeoutSeconds)
	}
	if _, err := os.Stat(path); err != nil {
		t.Errorf("defaults not written: %v", err)
	}
}

func TestLoadMergesFileOverDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	body := `{"log_level":"debug","app_server":{"bin":"my-server","args":["serve"],"min_version":"0.104.0"}}`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.LogLevel != "debug" || cfg.AppServer.Bin != "my-server" {
		t.Errorf("file values lost: %+v", cfg)
	}
	if cfg.State.MaxThreads != 256 {
		t.Errorf("defaults lost: %+v", cfg.State)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	t.Setenv("APP_SERVER_BIN", "/opt/bin/app-server")
	t.Setenv("APP_SERVER_SCHEMA_DIR", "/opt/schemas")
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.AppServer.Bin != "/opt/bin/app-server" {
		t.Errorf("env bin override lost: %q", cfg.AppServer.Bin)
	}
	if cfg.AppServer.SchemaDir != "/opt/schemas" {
		t.Errorf("env schema override lost: %q", cfg.AppServer.SchemaDir)
	}
}
