package app

import (
	"database/sql"
	"fmt"
	"net/http"

	"go.uber.org/zap"

	"github.com/Edson4lawson/Bloom-chloe/internal/auth"
	"github.com/Edson4lawson/Bloom-chloe/internal/config"
	"github.com/Edson4lawson/Bloom-chloe/internal/db"
	"github.com/Edson4lawson/Bloom-chloe/internal/maintenance"
	"github.com/Edson4lawson/Bloom-chloe/internal/observability"
	"github.com/Edson4lawson/Bloom-chloe/internal/product"
	"github.com/Edson4lawson/Bloom-chloe/internal/ratelimit"
)

type Options struct {
	LoadDotEnv    bool
	RunMigrations bool
}

type Runtime struct {
	Config  config.Config
	Handler http.Handler
	Logger  *zap.Logger
	Close   func() error
}

// Build wires the whole service: config, observability, storage, the auth
// core, the rate limiter and the HTTP routes.
func Build(options Options) (*Runtime, error) {
	cfg, err := config.Load(options.LoadDotEnv)
	if err != nil {
		return nil, err
	}

	logger := observability.NewLogger(cfg.AppEnv)

	if err := observability.InitSentry(cfg.SentryDSN, cfg.AppEnv); err != nil {
		logger.Error("init_sentry_failed", zap.Error(err))
	}

	database, err := sql.Open("pgx", cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	database.SetMaxOpenConns(cfg.DB.MaxOpenConns)
	database.SetMaxIdleConns(cfg.DB.MaxIdleConns)
	database.SetConnMaxLifetime(cfg.DB.ConnMaxLifetime)
	database.SetConnMaxIdleTime(cfg.DB.ConnMaxIdleTime)

	if err := database.Ping(); err != nil {
		_ = database.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if options.RunMigrations || cfg.Security.RunMigrationsOnBoot {
		if err := db.RunMigrations(database); err != nil {
			_ = database.Close()
			return nil, fmt.Errorf("run migrations: %w", err)
		}
	}

	authRepo := auth.NewRepository(database)
	authService := auth.NewService(authRepo, logger)
	authService.WithSecurityConfig(
		cfg.Security.LoginMaxAttempts,
		cfg.Security.LoginLockWindow,
		cfg.Security.AccessTokenTTL,
		cfg.Security.RefreshTokenTTL,
	)
	authService.WithTicketConfig(
		cfg.Security.ResetTicketTTL,
		cfg.Security.VerifyTicketTTL,
		cfg.Security.BcryptCost,
	)
	authHandler := auth.NewHandler(authService, cfg.AppEnv)

	var counterStore ratelimit.Store
	var persistentCounters *ratelimit.PostgresStore
	if cfg.Security.PersistentRateLimiter {
		persistentCounters = ratelimit.NewPostgresStore(database)
		counterStore = persistentCounters
	} else {
		counterStore = ratelimit.NewMemoryStore()
	}
	limiter := ratelimit.NewLimiter(counterStore, logger)

	productRepo := product.NewRepository(database)
	productHandler := product.NewHandler(productRepo)

	cleanupHandler := maintenance.NewCleanupHandler(
		authRepo,
		persistentCounters,
		logger,
		cfg.CronSecret,
		cfg.Security.RefreshRetention,
		cfg.Security.LoginLogRetention,
		cfg.Security.CleanupBatchSize,
	)

	requireAdmin := func(next http.HandlerFunc) http.Handler {
		return auth.Middleware(authService, auth.RequireRoleMiddleware(auth.RoleAdmin, next))
	}

	mux := http.NewServeMux()
	mux.Handle("POST /auth/register", limiter.Middleware(ratelimit.RegisterPolicy, http.HandlerFunc(authHandler.Register)))
	mux.Handle("POST /auth/login", limiter.Middleware(ratelimit.LoginPolicy, http.HandlerFunc(authHandler.Login)))
	mux.Handle("POST /auth/refresh", limiter.Middleware(ratelimit.RefreshPolicy, http.HandlerFunc(authHandler.Refresh)))
	mux.Handle("POST /auth/logout", auth.Middleware(authService, http.HandlerFunc(authHandler.Logout)))
	mux.Handle("POST /auth/forgot-password", limiter.Middleware(ratelimit.ForgotPasswordPolicy, http.HandlerFunc(authHandler.ForgotPassword)))
	mux.Handle("POST /auth/reset-password", limiter.Middleware(ratelimit.ResetPasswordPolicy, http.HandlerFunc(authHandler.ResetPassword)))
	mux.HandleFunc("GET /auth/verify-email", authHandler.VerifyEmail)

	mux.Handle("GET /products", limiter.Middleware(ratelimit.APIPolicy, http.HandlerFunc(productHandler.ListProducts)))
	mux.Handle("GET /products/{id}", limiter.Middleware(ratelimit.APIPolicy, http.HandlerFunc(productHandler.GetProduct)))
	mux.Handle("POST /products", requireAdmin(productHandler.CreateProduct))
	mux.Handle("PUT /products/{id}", requireAdmin(productHandler.UpdateProduct))
	mux.Handle("DELETE /products/{id}", requireAdmin(productHandler.DeleteProduct))

	mux.HandleFunc("GET /internal/maintenance/cleanup", cleanupHandler.Handle)
	mux.HandleFunc("POST /internal/maintenance/cleanup", cleanupHandler.Handle)
	mux.HandleFunc("GET /health", healthHandler(database))

	handler := observability.RecoverMiddleware(logger, observability.RequestLoggingMiddleware(logger, mux))

	return &Runtime{
		Config:  cfg,
		Handler: handler,
		Logger:  logger,
		Close: func() error {
			observability.FlushSentry()
			_ = logger.Sync()
			return database.Close()
		},
	}, nil
}
