package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}
	return path
}

func TestLoadConfig(t *testing.T) {
	path := writeConfig(t, `{
		"controller": {"uri": "mongodb://localhost:27017", "database": "meta"},
		"caching": {"duration": "2s"},
		"migration": {
			"insert_batch_size": 500,
			"insert_throttle": "10ms",
			"delete_throttle": "5ms"
		},
		"admin": {"listen_addr": "127.0.0.1:9999", "enabled": true},
		"log_level": "debug"
	}`)

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}

	if cfg.Controller.URI != "mongodb://localhost:27017" {
		t.Errorf("Unexpected controller URI: %s", cfg.Controller.URI)
	}
	if cfg.Controller.Database != "meta" {
		t.Errorf("Unexpected controller database: %s", cfg.Controller.Database)
	}
	if cfg.Caching.Duration != 2*time.Second {
		t.Errorf("Expected 2s caching duration, got %v", cfg.Caching.Duration)
	}
	if cfg.Migration.InsertBatchSize != 500 {
		t.Errorf("Expected insert batch size 500, got %d", cfg.Migration.InsertBatchSize)
	}
	if cfg.Migration.DeleteBatchSize != 1000 {
		t.Errorf("Expected default delete batch size 1000, got %d", cfg.Migration.DeleteBatchSize)
	}
	if cfg.Migration.InsertThrottle != 10*time.Millisecond {
		t.Errorf("Expected 10ms insert throttle, got %v", cfg.Migration.InsertThrottle)
	}
	if !cfg.Admin.Enabled || cfg.Admin.ListenAddr != "127.0.0.1:9999" {
		t.Errorf("Unexpected admin config: %+v", cfg.Admin)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("Expected debug log level, got %s", cfg.LogLevel)
	}
}

func TestLoadConfig_Defaults(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, `{}`))
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}

	if cfg.Controller.Database != "shardmonster" {
		t.Errorf("Expected default database, got %s", cfg.Controller.Database)
	}
	if cfg.Migration.InsertBatchSize != 1000 || cfg.Migration.DeleteBatchSize != 1000 {
		t.Errorf("Expected default batch sizes, got %+v", cfg.Migration)
	}
	if cfg.Migration.StatusInterval != 60*time.Second {
		t.Errorf("Expected 60s status interval, got %v", cfg.Migration.StatusInterval)
	}
	if cfg.Caching.Duration != 0 {
		t.Errorf("Expected caching disabled by default, got %v", cfg.Caching.Duration)
	}
	if cfg.LogLevel != "info" {
		t.Errorf("Expected info log level, got %s", cfg.LogLevel)
	}
}

func TestLoadConfig_EnvOverride(t *testing.T) {
	t.Setenv("SHARDMONSTER_CONTROLLER_URI", "mongodb://env-host:27017")
	t.Setenv("SHARDMONSTER_CONTROLLER_DB", "env_db")

	cfg, err := LoadConfig(writeConfig(t, `{
		"controller": {"uri": "mongodb://file-host:27017", "database": "file_db"}
	}`))
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}

	if cfg.Controller.URI != "mongodb://env-host:27017" {
		t.Errorf("Expected env override for URI, got %s", cfg.Controller.URI)
	}
	if cfg.Controller.Database != "env_db" {
		t.Errorf("Expected env override for database, got %s", cfg.Controller.Database)
	}
}

func TestLoadConfig_InvalidDuration(t *testing.T) {
	_, err := LoadConfig(writeConfig(t, `{"caching": {"duration": "two seconds"}}`))
	if err == nil {
		t.Fatal("Expected error for invalid duration")
	}
}

func TestLoadConfig_MissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "missing.json"))
	if err == nil {
		t.Fatal("Expected error for missing file")
	}
}
