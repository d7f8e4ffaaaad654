package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"

	"github.com/odyssey-erp/erp-access/internal/app"
	"github.com/odyssey-erp/erp-access/internal/auth"
	"github.com/odyssey-erp/erp-access/internal/observability"
	"github.com/odyssey-erp/erp-access/internal/platform/cache"
	"github.com/odyssey-erp/erp-access/internal/rbac"
	"github.com/odyssey-erp/erp-access/internal/roles"
	"github.com/odyssey-erp/erp-access/internal/token"
	"github.com/odyssey-erp/erp-access/internal/users"
	"github.com/odyssey-erp/erp-access/jobs"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping server startup")
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := app.NewLogger(cfg)

	stores, err := app.OpenStores(ctx, cfg, logger)
	if err != nil {
		logger.Error("open store", slog.String("driver", cfg.StoreDriver), slog.Any("error", err))
		os.Exit(1)
	}
	defer stores.Close()

	redisClient, err := cache.New(ctx, cache.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
	if err != nil {
		logger.Error("connect redis", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}()

	metrics := observability.NewMetrics()

	roleCache := rbac.NewCache(stores.Roles, cfg.RoleCacheTTL)
	broadcaster := rbac.NewBroadcaster(redisClient, roleCache, logger)
	listening, err := broadcaster.Listen(ctx)
	if err != nil {
		logger.Error("subscribe role invalidations", slog.Any("error", err))
		os.Exit(1)
	}

	redisOpts := asynq.RedisClientOpt{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB}
	jobClient := jobs.NewClient(redisOpts)
	defer func() {
		if err := jobClient.Close(); err != nil {
			logger.Warn("job client close", slog.Any("error", err))
		}
	}()
	inspector := asynq.NewInspector(redisOpts)
	defer func() {
		if err := inspector.Close(); err != nil {
			logger.Warn("job inspector close", slog.Any("error", err))
		}
	}()

	tokens, err := token.NewService(token.Config{
		Secret: cfg.TokenSecret,
		TTL:    cfg.TokenTTL,
		Issuer: cfg.TokenIssuer,
		Leeway: cfg.TokenLeeway,
	})
	if err != nil {
		logger.Error("init token service", slog.Any("error", err))
		os.Exit(1)
	}

	registry := rbac.NewService(stores.Roles,
		rbac.WithInvalidator(broadcaster),
		rbac.WithNotifier(jobClient),
		rbac.WithLogger(logger),
	)
	evaluator := rbac.NewEvaluator(roleCache)
	guard := rbac.Middleware{
		Tokens:    tokens,
		Evaluator: evaluator,
		Logger:    logger,
		Metrics:   metrics,
	}

	userService := users.NewService(stores.Identities, logger).WithRoleAssigner(registry)
	authService := auth.NewService(userService, evaluator, tokens, logger)

	authHandler := auth.NewHandler(logger, authService, guard).
		WithCredentialLimiter(app.LoginRateLimit(cfg.LoginRatePerMinute))
	rolesHandler := roles.NewHandler(logger, registry, guard)
	usersHandler := users.NewHandler(logger, userService, guard)
	jobHandler := jobs.NewHandler(inspector, logger)

	router := app.NewRouter(app.RouterParams{
		Logger:       logger,
		Config:       cfg,
		AuthHandler:  authHandler,
		RolesHandler: rolesHandler,
		UsersHandler: usersHandler,
		JobHandler:   jobHandler,
		Metrics:      metrics,
		HealthChecks: map[string]app.HealthCheck{
			"store": stores.Ping,
			"redis": func(ctx context.Context) error { return redisClient.Ping(ctx).Err() },
		},
	})

	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      router,
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
	}

	go func() {
		logger.Info("starting http server", slog.String("addr", cfg.AppAddr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server", slog.Any("error", err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown", slog.Any("error", err))
	}
	<-listening
}
