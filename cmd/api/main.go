/**
 * @description
 * This is the main entry point for the link service API. It loads configuration,
 * connects to PostgreSQL, Redis and RabbitMQ, builds the provider adapters and the
 * application service, and serves the HTTP API until it receives SIGINT or SIGTERM.
 *
 * @dependencies
 * - github.com/jackc/pgx/v5: PostgreSQL driver.
 * - github.com/joho/godotenv: .env loading during local development.
 * - github.com/redis/go-redis/v9: optional provider rate limiting.
 * - golang.org/x/sync/errgroup: server and shutdown lifecycle.
 */

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/kessai/link-service/internal/api"
	"github.com/kessai/link-service/internal/app"
	"github.com/kessai/link-service/internal/config"
	"github.com/kessai/link-service/internal/domain"
	"github.com/kessai/link-service/internal/ledger"
	"github.com/kessai/link-service/internal/provider"
	"github.com/kessai/link-service/internal/store"
	"github.com/kessai/link-service/internal/vault"
	"github.com/kessai/link-service/pkg/rabbitmq"
)

func main() {
	if err := godotenv.Load(); err != nil {
		slog.Info("no .env file found, relying on environment variables")
	}

	cfg, err := config.LoadConfig(".")
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}
	logger := newLogger(cfg)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("link service stopped with error", "error", err)
		os.Exit(1)
	}
	logger.Info("link service stopped gracefully")
}

func run(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	credentialVault, err := vault.FromConfig(cfg.VaultMasterKey, cfg.ProductionLike(), logger)
	if err != nil {
		return fmt.Errorf("credential vault: %w", err)
	}

	var backing store.Store
	switch cfg.StoreDriver {
	case "memory":
		logger.Warn("using in-memory store; data is lost on restart")
		backing = store.NewMemoryStore()
	default:
		dbpool, err := openPool(ctx, cfg.DatabaseURL)
		if err != nil {
			return err
		}
		defer dbpool.Close()
		logger.Info("database connection established")

		pg := store.NewPostgresStore(dbpool)
		if cfg.DBAutoMigrate {
			if err := pg.Migrate(ctx); err != nil {
				return fmt.Errorf("migrate: %w", err)
			}
			logger.Info("database schema applied")
		}
		backing = pg
	}

	var limiter app.RateLimiter = app.NoopLimiter{}
	if cfg.ProviderRateLimitPerMinute > 0 {
		if redisClient := openRedis(ctx, cfg.RedisURL, logger); redisClient != nil {
			defer redisClient.Close()
			limiter = app.NewRedisLimiter(redisClient, cfg.RedisRateLimitPrefix, cfg.ProviderRateLimitPerMinute)
			logger.Info("provider rate limiting enabled", "per_minute", cfg.ProviderRateLimitPerMinute)
		}
	}

	var publisher rabbitmq.Publisher = &rabbitmq.EventProducerFallback{Logger: logger}
	if strings.TrimSpace(cfg.RabbitMQURL) == "" {
		logger.Warn("RABBITMQ_URL not set; ledger events will not be published")
	} else if producer, err := rabbitmq.NewEventProducer(cfg.RabbitMQURL, cfg.EventsExchange, logger); err != nil {
		logger.Warn("rabbitmq producer unavailable; using fallback", "error", err)
	} else {
		defer producer.Close()
		publisher = producer
		logger.Info("rabbitmq producer connected", "exchange", cfg.EventsExchange)
	}

	endpoints := make(map[domain.Provider]provider.Endpoints, len(cfg.ProviderEndpoints))
	for p, override := range cfg.ProviderEndpoints {
		endpoints[p] = provider.Endpoints{Sandbox: override.Sandbox, Live: override.Live}
	}
	registry, err := provider.NewRegistry(provider.Options{
		HTTPClient:        &http.Client{Timeout: cfg.ProviderHTTPTimeout()},
		Logger:            logger,
		Endpoints:         endpoints,
		DefaultSuccessURL: cfg.DefaultSuccessURL,
	})
	if err != nil {
		return fmt.Errorf("provider registry: %w", err)
	}

	service := app.NewService(app.Dependencies{
		Ledger:        ledger.New(backing, logger),
		Vault:         credentialVault,
		Adapters:      registry,
		Limiter:       limiter,
		Publisher:     publisher,
		Logger:        logger,
		PublicBaseURL: cfg.PublicBaseURL,
	})

	// A separate scheduler process cannot see an in-memory store.
	if cfg.StoreDriver == "memory" {
		scheduler := app.NewScheduler(app.NewJobs(service, logger), logger, cfg.LinkExpirySchedule)
		if err := scheduler.Start(); err != nil {
			return fmt.Errorf("scheduler: %w", err)
		}
		defer func() { <-scheduler.Stop().Done() }()
	}

	router := api.NewRouter(api.NewHandler(service, logger), api.RouterOptions{
		Auth: api.AuthConfig{
			SigningKey: []byte(cfg.JWTSigningKey),
			Issuer:     cfg.JWTIssuer,
			Audience:   cfg.JWTAudience,
		},
		AllowedOrigins: cfg.AllowedOrigins(),
	})
	if cfg.JWTSigningKey == "" {
		logger.Warn("JWT_SIGNING_KEY not set; merchant API will reject every request")
	}

	server := &http.Server{
		Addr:              fmt.Sprintf(":%s", cfg.ServerPort),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("server listening", "addr", server.Addr, "env", cfg.AppEnv)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutdown signal received, draining connections")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func newLogger(cfg config.Config) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.LogFormat == "json" {
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, opts))
}

func openPool(ctx context.Context, databaseURL string) (*pgxpool.Pool, error) {
	poolConfig, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database URL: %w", err)
	}

	poolConfig.MaxConns = 100
	poolConfig.MinConns = 20
	poolConfig.MaxConnLifetime = 30 * time.Minute
	poolConfig.MaxConnIdleTime = 5 * time.Minute

	// Disable prepared statement caching to prevent conflicts
	poolConfig.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol

	dbpool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("unable to connect to database: %w", err)
	}
	return dbpool, nil
}

// openRedis returns nil when Redis is not configured or unreachable.
func openRedis(ctx context.Context, redisURL string, logger *slog.Logger) *redis.Client {
	if strings.TrimSpace(redisURL) == "" {
		logger.Warn("redis url missing; provider rate limiting disabled", "env", "REDIS_URL")
		return nil
	}
	options, err := redis.ParseURL(redisURL)
	if err != nil {
		logger.Warn("redis url parse failed; provider rate limiting disabled", "error", err)
		return nil
	}
	client := redis.NewClient(options)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		logger.Warn("redis ping failed; provider rate limiting disabled", "error", err)
		client.Close()
		return nil
	}
	logger.Info("redis connected")
	return client
}
