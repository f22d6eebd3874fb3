package config

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Port != "7001" || cfg.HTTPPort != "7002" {
		t.Errorf("unexpected ports %q/%q", cfg.Port, cfg.HTTPPort)
	}
	if cfg.Storage != StorageJSON || cfg.DataDir != "./data" {
		t.Errorf("unexpected storage defaults: %+v", cfg)
	}
	if cfg.TokenTTL != 24*time.Hour || cfg.BcryptCost != 10 {
		t.Errorf("unexpected credential defaults: %+v", cfg)
	}
	if cfg.LogLevel != slog.LevelInfo {
		t.Errorf("expected info level, got %v", cfg.LogLevel)
	}
	if cfg.DatabasePath() != filepath.Join("./data", "tasks.db") {
		t.Errorf("unexpected database path %q", cfg.DatabasePath())
	}
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("CELERIX_TASKS_STORAGE", "sqlite")
	t.Setenv("CELERIX_TASKS_MIGRATE_FROM", "json")
	t.Setenv("CELERIX_TASKS_TOKEN_TTL", "0")
	t.Setenv("CELERIX_TASKS_LOG_LEVEL", "debug")
	t.Setenv("CELERIX_TASKS_SQLITE_PATH", "/tmp/x.db")
	t.Setenv("CELERIX_DISABLE_TLS", "true")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Storage != StorageSQLite || cfg.MigrateFrom != StorageJSON {
		t.Errorf("unexpected storage: %+v", cfg)
	}
	if cfg.TokenTTL != 0 || cfg.LogLevel != slog.LevelDebug || !cfg.DisableTLS {
		t.Errorf("unexpected values: %+v", cfg)
	}
	if cfg.DatabasePath() != "/tmp/x.db" {
		t.Errorf("unexpected database path %q", cfg.DatabasePath())
	}
}

func TestLoadRejectsBadValues(t *testing.T) {
	tests := []struct {
		key, value string
	}{
		{"CELERIX_TASKS_STORAGE", "mongo"},
		{"CELERIX_TASKS_MIGRATE_FROM", "redis"},
		{"CELERIX_TASKS_MIGRATE_FROM", "json"},
		{"CELERIX_TASKS_LOG_FORMAT", "xml"},
		{"CELERIX_TASKS_TOKEN_TTL", "soon"},
		{"CELERIX_MAX_CONNS", "0"},
	}
	for _, tt := range tests {
		t.Run(tt.key+"="+tt.value, func(t *testing.T) {
			t.Setenv(tt.key, tt.value)
			if _, err := Load(); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestLoadDotEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	if err := os.WriteFile(path, []byte("JWT_SECRET=from-file\nCELERIX_PORT=9001\n"), 0o600); err != nil {
		t.Fatalf("write .env: %v", err)
	}
	t.Setenv("CELERIX_PORT", "9100")
	// godotenv sets variables for the whole process; restore after the test.
	t.Setenv("JWT_SECRET", "")
	os.Unsetenv("JWT_SECRET")

	cfg, err := Load(path, filepath.Join(dir, "missing.env"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.JWTSecret != "from-file" {
		t.Errorf("expected secret from .env, got %q", cfg.JWTSecret)
	}
	if cfg.Port != "9100" {
		t.Errorf("environment should win over .env, got %q", cfg.Port)
	}
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	cfg := Config{LogLevel: slog.LevelWarn, LogFormat: "json"}
	logger := cfg.NewLogger(&buf)

	logger.Info("hidden")
	logger.Warn("shown", "k", "v")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Errorf("info record should be filtered: %s", out)
	}
	if !strings.Contains(out, `"msg":"shown"`) || !strings.Contains(out, `"k":"v"`) {
		t.Errorf("expected JSON record, got %s", out)
	}
}
