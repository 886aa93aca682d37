// Package main is the entrypoint for the hordetrack API server.
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

	"github.com/kiranshivaraju/hordetrack/internal/api"
	"github.com/kiranshivaraju/hordetrack/internal/api/handler"
	mw "github.com/kiranshivaraju/hordetrack/internal/api/middleware"
	"github.com/kiranshivaraju/hordetrack/internal/cache"
	"github.com/kiranshivaraju/hordetrack/internal/config"
	"github.com/kiranshivaraju/hordetrack/internal/horde"
	"github.com/kiranshivaraju/hordetrack/internal/jobs"
	"github.com/kiranshivaraju/hordetrack/internal/logging"
	"github.com/kiranshivaraju/hordetrack/internal/ratelimit"
	"github.com/kiranshivaraju/hordetrack/internal/store"
)

const (
	shutdownTimeout = 30 * time.Second
	migrationsDir   = "migrations"
)

func main() {
	if err := run(); err != nil {
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	// 1. Load config, fail fast on invalid config
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger, closeLog := logging.Setup(cfg.Log.File, cfg.Log.Level)
	defer closeLog()
	slog.SetDefault(logger)
	slog.Info("config loaded", "env", cfg.Server.Env, "horde_base_url", cfg.Horde.BaseURL)

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
	if err := store.RunMigrations(cfg.Database.URL, migrationsDir); err != nil {
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

	// 5. Horde client; an unreachable Horde is not fatal, polls treat it as transient
	client := horde.NewHTTPClient(cfg.Horde.BaseURL, cfg.Horde.APIKey, cfg.Horde.ClientAgent, cfg.Horde.Timeout)
	if err := client.Heartbeat(ctx); err != nil {
		slog.Warn("horde heartbeat failed", "error", err)
	}

	// 6. Job lifecycle
	pgStore := store.NewPostgresStore(pool)
	limiter := ratelimit.New(ratelimit.Config{
		MaxRequests: cfg.Limiter.MaxRequests,
		Window:      cfg.Limiter.Window,
		Cooldown:    cfg.Limiter.Cooldown,
		MinInterval: cfg.Limiter.MinInterval,
	})
	tracker := jobs.NewStoreTracker(pgStore, redisCache, cfg.Server.JobStatusCacheTTL, logger)
	manager := jobs.NewManager(client, pgStore, tracker, limiter,
		jobs.WithLogger(logger),
		jobs.WithStatusCache(redisCache),
	)

	retention := jobs.NewRetention(pgStore, cfg.Retention.Window, cfg.Retention.Interval, logger)
	go retention.Run(ctx)

	// 7. Build router with dependencies
	router := newRouter(pgStore, redisCache, manager, cfg.Server.APIRateLimit)

	// 8. Start HTTP server
	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
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

// newRouter wires every route to its handler.
func newRouter(st store.Store, c cache.Cache, manager *jobs.Manager, apiRateLimit int) http.Handler {
	jh := handler.NewJobs(manager, handler.MustRequestValidator())
	kh := handler.NewKeys(st)

	return api.NewRouter(api.Dependencies{
		Auth:      mw.NewAuth(st),
		RateLimit: mw.NewRateLimit(c, apiRateLimit),

		HealthHandler:      handler.NewHealth(st, c, manager.Limiter()),
		SubmitHandler:      jh.Submit,
		ListJobsHandler:    jh.List,
		CheckHandler:       jh.Check,
		CancelHandler:      jh.Cancel,
		StatusHandler:      jh.Status,
		GenerationsHandler: jh.Generations,
		CreateKeyHandler:   kh.Create,
		ListKeysHandler:    kh.List,
		RevokeKeyHandler:   kh.Revoke,
	})
}
