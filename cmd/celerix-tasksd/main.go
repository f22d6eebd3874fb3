package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	flag "github.com/spf13/pflag"

	"github.com/celerix-dev/celerix-tasks/internal/api"
	"github.com/celerix-dev/celerix-tasks/internal/config"
	"github.com/celerix-dev/celerix-tasks/internal/credential"
	"github.com/celerix-dev/celerix-tasks/internal/engine"
	"github.com/celerix-dev/celerix-tasks/internal/pubsub"
	"github.com/celerix-dev/celerix-tasks/internal/relay"
	"github.com/celerix-dev/celerix-tasks/internal/server"
	"github.com/celerix-dev/celerix-tasks/internal/storage/sqlite"
	"github.com/celerix-dev/celerix-tasks/internal/tasks"
	"github.com/celerix-dev/celerix-tasks/internal/telemetry"
	"github.com/celerix-dev/celerix-tasks/internal/vault"
	"github.com/celerix-dev/celerix-tasks/pkg/schema"
)

const serviceName = "celerix-tasksd"

func main() {
	envFile := flag.String("env-file", ".env", "dotenv file loaded before reading the environment")
	flag.Parse()

	cfg, err := config.Load(*envFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	logger := cfg.NewLogger(os.Stderr)
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("daemon failed", "error", err)
		os.Exit(1)
	}
}

func run(cfg config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("starting celerix tasks daemon", "storage", cfg.Storage, "data_dir", cfg.DataDir)

	// 1. Tracing
	shutdownTracing, err := telemetry.Setup(ctx, serviceName, cfg.OTelEndpoint)
	if err != nil {
		return fmt.Errorf("setup tracing: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(shutdownCtx); err != nil {
			logger.Warn("tracing shutdown failed", "error", err)
		}
	}()

	// 2. Storage, optionally seeded from another backend
	store, err := openStore(ctx, cfg, cfg.Storage, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Error("store close failed", "error", err)
		}
		logger.Info("persistence complete")
	}()
	if cfg.MigrateFrom != "" {
		if err := migrate(ctx, cfg, store, logger); err != nil {
			return err
		}
	}

	// 3. Credentials
	secret := cfg.JWTSecret
	if secret == "" {
		if secret, err = vault.LoadOrCreateSecret(cfg.DataDir); err != nil {
			return fmt.Errorf("signing secret: %w", err)
		}
		logger.Warn("JWT_SECRET is not set, using the generated secret stored in the data dir", "file", vault.SecretFile)
	}
	creds, err := credential.New(credential.Config{
		Secret:     []byte(secret),
		TTL:        cfg.TokenTTL,
		Issuer:     cfg.TokenIssuer,
		BcryptCost: cfg.BcryptCost,
	})
	if err != nil {
		return err
	}

	// 4. Service and event bus
	bus := pubsub.New[schema.ChangeEvent]()
	defer bus.Close()
	svc, err := tasks.New(store, creds, bus, tasks.WithLogger(logger))
	if err != nil {
		return err
	}

	if cfg.AMQPURL != "" {
		pub, err := relay.DialAMQP(cfg.AMQPURL, cfg.AMQPExchange)
		if err != nil {
			return fmt.Errorf("connect broker: %w", err)
		}
		defer pub.Close()
		go relay.New(bus, pub, logger).Run(ctx)
	}

	// 5. TCP router
	router := server.NewRouter(svc, logger)
	router.SetMaxConns(cfg.MaxConns)
	if cfg.DisableTLS {
		logger.Info("TLS encryption disabled", "env", "CELERIX_DISABLE_TLS")
	} else {
		cert, err := vault.GenerateSelfSignedCert()
		if err != nil {
			return fmt.Errorf("generate TLS certificate: %w", err)
		}
		router.SetCertificate(cert)
	}

	// 6. HTTP API
	gin.SetMode(gin.ReleaseMode)
	httpServer := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           api.NewRouter(&api.Handler{Service: svc, Logger: logger}),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errs := make(chan error, 2)
	go func() {
		logger.Info("http api listening", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errs <- fmt.Errorf("http server: %w", err)
		}
	}()
	go func() {
		if err := router.Listen(cfg.Port); err != nil {
			errs <- fmt.Errorf("tcp server: %w", err)
		}
	}()

	// 7. Graceful shutdown
	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received, finalizing disk writes")
	case err = <-errs:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if shutdownErr := httpServer.Shutdown(shutdownCtx); shutdownErr != nil {
		logger.Warn("http shutdown failed", "error", shutdownErr)
	}
	router.Stop()
	return err
}

// openStore opens the named backend.
func openStore(ctx context.Context, cfg config.Config, backend string, logger *slog.Logger) (engine.Store, error) {
	switch backend {
	case config.StorageMemory:
		return engine.NewMemStore(nil, nil), nil

	case config.StorageJSON:
		persister, err := engine.NewPersistence(cfg.DataDir, logger)
		if err != nil {
			return nil, fmt.Errorf("initialize persistence: %w", err)
		}
		snapshot, err := persister.Load()
		if err != nil {
			return nil, fmt.Errorf("load data: %w", err)
		}
		logger.Info("json store loaded", "users", len(snapshot.Users), "tasks", len(snapshot.Tasks))
		return engine.NewMemStore(&snapshot, persister), nil

	case config.StorageSQLite:
		if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
		store, err := sqlite.Open(ctx, cfg.DatabasePath())
		if err != nil {
			return nil, err
		}
		logger.Info("sqlite store opened", "path", cfg.DatabasePath())
		return store, nil
	}
	return nil, fmt.Errorf("unknown storage backend %q", backend)
}

func migrate(ctx context.Context, cfg config.Config, dst engine.Store, logger *slog.Logger) error {
	src, err := openStore(ctx, cfg, cfg.MigrateFrom, logger)
	if err != nil {
		return fmt.Errorf("open migration source: %w", err)
	}
	defer src.Close()

	logger.Info("migrating data", "from", cfg.MigrateFrom, "to", cfg.Storage)
	if err := engine.Migrate(ctx, src, dst); err != nil {
		return fmt.Errorf("migrate from %s: %w", cfg.MigrateFrom, err)
	}
	logger.Info("migration complete")
	return nil
}
