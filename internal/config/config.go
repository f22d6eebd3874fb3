// Package config loads the daemon configuration from the environment.
package config

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Storage backends.
const (
	StorageMemory = "memory"
	StorageJSON   = "json"
	StorageSQLite = "sqlite"
)

// Config is the daemon configuration.
type Config struct {
	DataDir    string `env:"CELERIX_DATA_DIR"    envDefault:"./data"`
	Port       string `env:"CELERIX_PORT"        envDefault:"7001"`
	HTTPPort   string `env:"CELERIX_HTTP_PORT"   envDefault:"7002"`
	DisableTLS bool   `env:"CELERIX_DISABLE_TLS"`
	MaxConns   int    `env:"CELERIX_MAX_CONNS"   envDefault:"100"`

	Storage     string `env:"CELERIX_TASKS_STORAGE"      envDefault:"json"`
	SQLitePath  string `env:"CELERIX_TASKS_SQLITE_PATH"`
	MigrateFrom string `env:"CELERIX_TASKS_MIGRATE_FROM"`

	JWTSecret   string        `env:"JWT_SECRET"`
	TokenTTL    time.Duration `env:"CELERIX_TASKS_TOKEN_TTL"    envDefault:"24h"`
	TokenIssuer string        `env:"CELERIX_TASKS_TOKEN_ISSUER" envDefault:"celerix-tasks"`
	BcryptCost  int           `env:"CELERIX_TASKS_BCRYPT_COST"  envDefault:"10"`

	LogLevel  slog.Level `env:"CELERIX_TASKS_LOG_LEVEL"  envDefault:"info"`
	LogFormat string     `env:"CELERIX_TASKS_LOG_FORMAT" envDefault:"text"`

	AMQPURL      string `env:"CELERIX_TASKS_AMQP_URL"`
	AMQPExchange string `env:"CELERIX_TASKS_AMQP_EXCHANGE" envDefault:"celerix.tasks"`

	OTelEndpoint string `env:"CELERIX_TASKS_OTEL_ENDPOINT"`
}

// Load reads the given .env files (missing ones are skipped), then parses
// the environment. Variables already set in the environment win over .env
// values.
func Load(envFiles ...string) (Config, error) {
	for _, file := range envFiles {
		if err := godotenv.Load(file); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return Config{}, fmt.Errorf("load %s: %w", file, err)
		}
	}

	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks enumerated values and ranges.
func (c Config) Validate() error {
	switch c.Storage {
	case StorageMemory, StorageJSON, StorageSQLite:
	default:
		return fmt.Errorf("CELERIX_TASKS_STORAGE: unknown backend %q", c.Storage)
	}
	switch c.MigrateFrom {
	case "", StorageJSON, StorageSQLite:
	default:
		return fmt.Errorf("CELERIX_TASKS_MIGRATE_FROM: unknown backend %q", c.MigrateFrom)
	}
	if c.MigrateFrom != "" && c.MigrateFrom == c.Storage {
		return errors.New("CELERIX_TASKS_MIGRATE_FROM must differ from CELERIX_TASKS_STORAGE")
	}
	switch strings.ToLower(c.LogFormat) {
	case "text", "json":
	default:
		return fmt.Errorf("CELERIX_TASKS_LOG_FORMAT: unknown format %q", c.LogFormat)
	}
	if c.TokenTTL < 0 {
		return errors.New("CELERIX_TASKS_TOKEN_TTL must not be negative")
	}
	if c.MaxConns <= 0 {
		return errors.New("CELERIX_MAX_CONNS must be positive")
	}
	return nil
}

// DatabasePath returns the SQLite file, defaulting to tasks.db in DataDir.
func (c Config) DatabasePath() string {
	if c.SQLitePath != "" {
		return c.SQLitePath
	}
	return filepath.Join(c.DataDir, "tasks.db")
}

// NewLogger builds the process logger writing to w.
func (c Config) NewLogger(w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{Level: c.LogLevel}
	if strings.EqualFold(c.LogFormat, "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}
