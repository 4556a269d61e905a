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

	"github.com/dealerdesk/dealerdesk/internal/app"
	"github.com/dealerdesk/dealerdesk/internal/auth"
	"github.com/dealerdesk/dealerdesk/internal/backend/pgauth"
	"github.com/dealerdesk/dealerdesk/internal/backend/pgtables"
	"github.com/dealerdesk/dealerdesk/internal/contracts"
	"github.com/dealerdesk/dealerdesk/internal/crm"
	"github.com/dealerdesk/dealerdesk/internal/inventory"
	"github.com/dealerdesk/dealerdesk/internal/observability"
	"github.com/dealerdesk/dealerdesk/internal/platform/cache"
	"github.com/dealerdesk/dealerdesk/internal/platform/db"
	"github.com/dealerdesk/dealerdesk/internal/reports"
	"github.com/dealerdesk/dealerdesk/internal/shared"
	"github.com/dealerdesk/dealerdesk/internal/staff"
	"github.com/dealerdesk/dealerdesk/internal/users"
	"github.com/dealerdesk/dealerdesk/jobs"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping runtime startup")
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

	pool, err := db.New(ctx, cfg.PGDSN, cfg.PGMaxConns)
	if err != nil {
		logger.Error("connect postgres", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	redisClient, err := cache.New(ctx, cfg.RedisAddr)
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
	redisOpts := asynq.RedisClientOpt{Addr: cfg.RedisAddr}
	jobClient := jobs.NewClient(redisOpts)
	defer func() {
		if err := jobClient.Close(); err != nil {
			logger.Warn("job client close", slog.Any("error", err))
		}
	}()

	authService, err := pgauth.New(pgauth.NewUserStore(pool), redisClient, jobClient, pgauth.Config{
		JWTSecret:  cfg.AuthJWTSecret,
		AccessTTL:  cfg.AuthAccessTTL,
		RefreshTTL: cfg.AuthRefreshTTL,
	}, logger)
	if err != nil {
		logger.Error("init auth backend", slog.Any("error", err))
		os.Exit(1)
	}
	go func() {
		if err := authService.Listen(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("auth revocation listener", slog.Any("error", err))
		}
	}()

	repos := app.NewRepositories(pgtables.New(pool), logger, metrics)

	registry := auth.NewRegistry(authService, auth.NewProfileStore(repos.Profiles), auth.Options{
		Retries:      cfg.ProfileRetries,
		RetryDelay:   cfg.ProfileRetryDelay,
		ReadyTimeout: cfg.ProfileReadyTimeout,
		Logger:       logger,
		Metrics:      metrics,
	}, cfg.SessionIdleTTL)
	go registry.Run(ctx, time.Minute)

	reloads := auth.NewReloadBus(redisClient, registry, logger)
	go func() {
		if err := reloads.Listen(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("profile reload listener", slog.Any("error", err))
		}
	}()

	sessionManager := shared.NewSessionManager(redisClient, "dealerdesk_session", cfg.SessionTTL, cfg.IsProduction())
	csrfManager := shared.NewCSRFManager(cfg.CSRFSecret)
	guard := auth.Guard{Logger: logger}

	reportService := reports.NewService(repos.ReportSources(), reports.NewCache(redisClient, cfg.ReportCacheTTL, metrics), cfg.ReportCurrency)
	vehicleService := inventory.NewService(repos.Vehicles)
	contractService := contracts.NewService(repos.Contracts, vehicleService, reportService, cache.NewLocker(redisClient, 30*time.Second), logger)

	inspector := asynq.NewInspector(redisOpts)
	defer func() {
		if err := inspector.Close(); err != nil {
			logger.Warn("inspector close", slog.Any("error", err))
		}
	}()

	router := app.NewRouter(app.RouterParams{
		Logger:           logger,
		Config:           cfg,
		SessionManager:   sessionManager,
		CSRFManager:      csrfManager,
		Registry:         registry,
		AuthHandler:      auth.NewHandler(logger, authService, registry, sessionManager, csrfManager),
		InventoryHandler: inventory.NewHandler(logger, vehicleService, guard),
		CustomersHandler: crm.NewHandler(logger, repos.Customers, guard),
		EmployeesHandler: staff.NewHandler(logger, repos.Employees, guard),
		ContractsHandler: contracts.NewHandler(logger, contractService, guard),
		UsersHandler:     users.NewHandler(logger, users.NewService(repos.Profiles, reloads), guard),
		ReportsHandler:   reports.NewHandler(logger, reportService, guard),
		JobHandler:       jobs.NewHandler(inspector, logger),
		Metrics:          metrics,
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
}
