/**
 * @description
 * This is the main entry point for the link scheduler. It is a non-HTTP, long-running
 * process that expires stale payment links on a cron schedule.
 */
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"

	"github.com/kessai/link-service/internal/app"
	"github.com/kessai/link-service/internal/config"
	"github.com/kessai/link-service/internal/ledger"
	"github.com/kessai/link-service/internal/provider"
	"github.com/kessai/link-service/internal/store"
	"github.com/kessai/link-service/internal/vault"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	if err := godotenv.Load(); err != nil {
		logger.Info("no .env file found, relying on environment variables")
	}

	cfg, err := config.LoadConfig(".")
	if err != nil {
		logger.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}
	if cfg.StoreDriver != "postgres" {
		logger.Error("scheduler requires STORE_DRIVER=postgres; the API runs expiry in-process for the memory store")
		os.Exit(1)
	}

	ctx := context.Background()

	poolConfig, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		logger.Error("unable to parse database URL", "error", err)
		os.Exit(1)
	}
	poolConfig.MaxConns = 10
	poolConfig.MinConns = 1
	poolConfig.MaxConnLifetime = 30 * time.Minute
	poolConfig.MaxConnIdleTime = 5 * time.Minute
	poolConfig.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol

	dbpool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		logger.Error("unable to connect to database", "error", err)
		os.Exit(1)
	}
	defer dbpool.Close()
	logger.Info("database connection established")

	// The expiry job never decrypts credentials or calls a provider, but the service
	// is built whole so the job runs the same code path as the API.
	credentialVault, err := vault.FromConfig(cfg.VaultMasterKey, cfg.ProductionLike(), logger)
	if err != nil {
		logger.Error("failed to initialize credential vault", "error", err)
		os.Exit(1)
	}
	registry, err := provider.NewRegistry(provider.Options{
		HTTPClient: &http.Client{Timeout: cfg.ProviderHTTPTimeout()},
		Logger:     logger,
	})
	if err != nil {
		logger.Error("failed to build provider registry", "error", err)
		os.Exit(1)
	}
	service := app.NewService(app.Dependencies{
		Ledger:   ledger.New(store.NewPostgresStore(dbpool), logger),
		Vault:    credentialVault,
		Adapters: registry,
		Logger:   logger,
	})

	jobs := app.NewJobs(service, logger)
	scheduler := app.NewScheduler(jobs, logger, cfg.LinkExpirySchedule)
	if err := scheduler.Start(); err != nil {
		os.Exit(1)
	}
	logger.Info("scheduler started")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Info("shutdown signal received, stopping scheduler")
	stopCtx := scheduler.Stop()
	<-stopCtx.Done()
	logger.Info("scheduler stopped gracefully")
}
