package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"os"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/sundayezeilo/urlgroups/internal/cache"
	"github.com/sundayezeilo/urlgroups/internal/config"
	"github.com/sundayezeilo/urlgroups/internal/idgen"
	"github.com/sundayezeilo/urlgroups/internal/secret"
	"github.com/sundayezeilo/urlgroups/internal/server"
	"github.com/sundayezeilo/urlgroups/internal/shortener"
	"github.com/sundayezeilo/urlgroups/internal/storage/postgres"
	"github.com/sundayezeilo/urlgroups/internal/storage/postgres/migrations"
	"github.com/sundayezeilo/urlgroups/internal/storage/sqlite"
)

// App holds the application dependencies and configuration.
type App struct {
	Config  *config.Config
	Logger  *slog.Logger
	Store   shortener.Store
	Redis   *redis.Client
	Server  *server.Server
	Handler *shortener.Handler

	closers []func() error
}

// storeBackend is a Store that can report its health.
type storeBackend interface {
	shortener.Store
	server.Pinger
}

// New initializes and returns a new App instance with all dependencies wired up.
func New(ctx context.Context) (*App, error) {
	if err := loadEnv(); err != nil {
		return nil, fmt.Errorf("failed to load environment: %w", err)
	}

	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	logger := setupLogger(cfg.App.LogLevel)
	slog.SetDefault(logger)

	logger.Info("starting application",
		"env", cfg.App.Environment,
		"version", cfg.Observability.ServiceVersion,
		"db_driver", cfg.Database.Driver,
	)

	a := &App{Config: cfg, Logger: logger}

	store, err := a.openStore(ctx)
	if err != nil {
		_ = a.Shutdown()
		return nil, fmt.Errorf("failed to open store: %w", err)
	}
	a.Store = store
	checks := map[string]server.Pinger{"database": store}

	var groupCache shortener.GroupCache
	if cfg.Cache.Enabled {
		client, err := cache.NewRedisClient(ctx, cache.Options{
			Addr:     cfg.Cache.Addr,
			Password: cfg.Cache.Password,
			DB:       cfg.Cache.DB,
			PoolSize: cfg.Cache.PoolSize,
		})
		if err != nil {
			_ = a.Shutdown()
			return nil, fmt.Errorf("failed to connect to cache: %w", err)
		}
		a.Redis = client
		a.closers = append(a.closers, client.Close)
		checks["cache"] = redisPinger{client}
		groupCache = cache.NewGroupCache(client, cfg.Cache.KeyPrefix, cfg.Cache.GroupTTL)
		logger.Info("group cache enabled", "addr", cfg.Cache.Addr, "ttl", cfg.Cache.GroupTTL)
	}

	svc := shortener.NewService(store, &shortener.ServiceConfig{
		IDGenerator:  idgen.New(),
		Hasher:       secret.NewBcrypt(cfg.Shortener.SecretCost),
		Cache:        groupCache,
		IDMaxRetries: cfg.Shortener.IDMaxRetries,
		Logger:       logger,
	})
	a.Handler = shortener.NewHandler(shortener.HandlerConfig{
		Service: svc,
		Logger:  logger,
	})

	a.Server = server.New(cfg, logger, a.Handler, checks)

	logger.Info("application initialized", "port", cfg.Server.Port)
	return a, nil
}

// Start starts the application server.
func (a *App) Start(ctx context.Context) error {
	if err := a.Server.Start(ctx); err != nil {
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}

// Shutdown releases every opened resource in reverse order.
func (a *App) Shutdown() error {
	a.Logger.Info("shutting down application")

	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

func (a *App) openStore(ctx context.Context) (storeBackend, error) {
	dbCfg := a.Config.Database
	dsn := dbCfg.ConnectionString()

	switch dbCfg.Driver {
	case config.DriverPostgres:
		if dbCfg.Migrate {
			if err := runMigrations(dsn, a.Logger); err != nil {
				return nil, err
			}
		}

		pool, err := postgres.NewPool(ctx, postgres.PoolConfig{
			ConnString: dsn,
			MaxConns:   dbCfg.MaxConns,
			MinConns:   dbCfg.MinConns,
		}, a.Logger)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, func() error {
			pool.Close()
			a.Logger.Info("database connection closed")
			return nil
		})
		return postgres.New(pool), nil

	default:
		store, err := sqlite.Open(ctx, dbCfg.Driver, dsn)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, store.Close)
		a.Logger.Info("database connection established", "driver", store.Driver())

		if dbCfg.Migrate {
			if err := store.Migrate(ctx); err != nil {
				return nil, err
			}
		}
		return store, nil
	}
}

func runMigrations(dsn string, logger *slog.Logger) error {
	m, err := migrations.New(dsn, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := m.Close(); err != nil {
			logger.Warn("failed to close migrator", "error", err.Error())
		}
	}()
	return m.Up()
}

type redisPinger struct {
	client *redis.Client
}

func (p redisPinger) Ping(ctx context.Context) error {
	return p.client.Ping(ctx).Err()
}

// loadEnv loads a .env file only in development and test environments.
func loadEnv() error {
	env := os.Getenv("APP_ENV")
	if env == "development" || env == "test" {
		if err := godotenv.Load(); err != nil {
			log.Println("no .env file found.")
		}
	}
	return nil
}

// setupLogger creates a structured logger based on the log level.
func setupLogger(level string) *slog.Logger {
	var logLevel slog.Level
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	return slog.New(handler)
}
