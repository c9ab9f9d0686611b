// Package main is the entrypoint for the ScopeLens API server.
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

	"github.com/kiranshivaraju/scopelens/internal/api"
	"github.com/kiranshivaraju/scopelens/internal/api/handler"
	mw "github.com/kiranshivaraju/scopelens/internal/api/middleware"
	"github.com/kiranshivaraju/scopelens/internal/cache"
	"github.com/kiranshivaraju/scopelens/internal/config"
	"github.com/kiranshivaraju/scopelens/internal/detector"
	"github.com/kiranshivaraju/scopelens/internal/entitlement"
	"github.com/kiranshivaraju/scopelens/internal/license"
	"github.com/kiranshivaraju/scopelens/internal/plagiarism"
	"github.com/kiranshivaraju/scopelens/internal/queue"
	"github.com/kiranshivaraju/scopelens/internal/scan"
	"github.com/kiranshivaraju/scopelens/internal/store"
	"github.com/kiranshivaraju/scopelens/internal/trigger"
)

const shutdownTimeout = 30 * time.Second

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := run(); err != nil {
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	// 1. Load config, failing fast when it is invalid
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.Server.SlogLevel(),
	})))
	slog.Info("config loaded", "env", cfg.Server.Env, "detector", cfg.Detector.BaseURL)

	loc, err := cfg.Entitlement.Location()
	if err != nil {
		return fmt.Errorf("load timezone: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 2. Connect to database
	pool, err := store.Connect(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer pool.Close()
	slog.Info("database connected")

	// 3. Run migrations
	if err := store.RunMigrations(cfg.Database.URL, cfg.Database.MigrationsDir); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	slog.Info("database migrations applied")

	// 4. Create Redis cache
	redisCache, err := cache.NewRedisCache(cfg.Redis.URL)
	if err != nil {
		return fmt.Errorf("create redis cache: %w", err)
	}
	defer redisCache.Close()

	if err := redisCache.Ping(ctx); err != nil {
		return fmt.Errorf("ping redis: %w", err)
	}
	slog.Info("redis connected")

	// 5. Optional dispatch trigger
	var notifier scan.Notifier
	if cfg.RabbitMQ.Enabled() {
		pub, err := trigger.NewPublisher(cfg.RabbitMQ.URL, cfg.RabbitMQ.Queue)
		if err != nil {
			return fmt.Errorf("connect rabbitmq: %w", err)
		}
		defer pub.Close()
		notifier = pub
		slog.Info("dispatch trigger enabled", "queue", cfg.RabbitMQ.Queue)
	}

	// 6. Create services
	pgStore := store.NewPostgresStore(pool)
	engine := entitlement.NewEngine(pgStore, loc)
	scans := scan.NewService(pgStore, engine, nil, notifier, redisCache, cfg.Upload.MaxBytes)
	licenses := license.NewService(pgStore)
	dispatcher := queue.NewDispatcher(pgStore,
		detector.NewHTTPClient(cfg.Detector.BaseURL, cfg.Detector.Timeout),
		redisCache, redisCache, queue.ConfigFrom(cfg.Dispatcher))
	processor := plagiarism.NewProcessor(pgStore,
		plagiarism.NewHTTPClient(cfg.Plagiarism.CoreBaseURL, cfg.Plagiarism.Timeout),
		redisCache, redisCache, plagiarism.ConfigFrom(cfg.Plagiarism, cfg.Dispatcher))

	// 7. Build router with dependencies
	deps := api.Dependencies{
		Auth:      mw.NewAuth(pgStore),
		Session:   mw.NewSession(cfg.Auth.JWTSecret, cfg.Auth.Issuer),
		RateLimit: mw.NewRateLimit(redisCache, cfg.Server.RequestsPerMin),

		HealthHandler: handler.NewHealthHandler(pgStore, redisCache),

		UploadScan:   handler.NewUploadHandler(scans, cfg.Upload.MaxBytes),
		ListScans:    handler.NewListScansHandler(scans),
		GetScan:      handler.NewGetScanHandler(scans),
		ScanStats:    handler.NewScanStatsHandler(scans),
		Subscription: handler.NewSubscriptionHandler(engine),
		ClaimKey:     handler.NewClaimKeyHandler(licenses),

		Dispatch:           handler.NewDispatchHandler(dispatcher),
		DispatchPlagiarism: handler.NewDispatchHandler(processor),

		ListQueue:     handler.NewListQueueHandler(pgStore),
		QueueAction:   handler.NewQueueActionHandler(pgStore),
		ListAccounts:  handler.NewListAccountsHandler(pgStore),
		CreateAccount: handler.NewCreateAccountHandler(pgStore),
		UpdateAccount: handler.NewUpdateAccountHandler(pgStore),
		GenerateKeys:  handler.NewGenerateKeysHandler(licenses),

		ListCoreAccounts:  handler.NewListCoreAccountsHandler(pgStore),
		CreateCoreAccount: handler.NewCreateCoreAccountHandler(pgStore),
		UpdateCoreAccount: handler.NewUpdateCoreAccountHandler(pgStore),
	}

	router := api.NewRouter(deps)

	// 8. Start HTTP server
	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: cfg.Detector.Timeout + 30*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in background
	errCh := make(chan error, 1)
	go func() {
		slog.Info("server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	// Wait for shutdown signal or server error
	select {
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
		slog.Info("shutdown signal received, draining connections...")
	}

	// Graceful shutdown with timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	slog.Info("server stopped gracefully")
	return nil
}
