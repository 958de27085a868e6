// Package main is the entrypoint for the boardsched API server.
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

	"github.com/kiranshivaraju/boardsched/internal/api"
	"github.com/kiranshivaraju/boardsched/internal/api/handler"
	mw "github.com/kiranshivaraju/boardsched/internal/api/middleware"
	"github.com/kiranshivaraju/boardsched/internal/api/response"
	"github.com/kiranshivaraju/boardsched/internal/cache"
	"github.com/kiranshivaraju/boardsched/internal/config"
	"github.com/kiranshivaraju/boardsched/internal/logsink"
	"github.com/kiranshivaraju/boardsched/internal/metrics"
	"github.com/kiranshivaraju/boardsched/internal/registry"
	"github.com/kiranshivaraju/boardsched/internal/scheduler"
	"github.com/kiranshivaraju/boardsched/internal/store"
	"github.com/kiranshivaraju/boardsched/internal/workpool"
	"github.com/kiranshivaraju/boardsched/pkg/models"
)

const shutdownTimeout = 30 * time.Second

func main() {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})))

	if err := run(); err != nil {
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	// 1. Load config; fail fast on invalid config
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if _, err := newLogger(os.Stdout, cfg.Log.Format, cfg.Log.Level); err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	slog.Info("config loaded", "env", cfg.Server.Env, "workers", cfg.Scheduler.Workers)

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
	if err := store.RunMigrations(cfg.Database.URL, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	slog.Info("database migrations applied")

	m := metrics.New()
	db := store.NewDB(pool, store.WithResetHook(m.IncDBReset))

	// 4. Register devices from the devices file, if any
	if cfg.Scheduler.DevicesFile != "" {
		devices, err := registry.Load(cfg.Scheduler.DevicesFile)
		if err != nil {
			return fmt.Errorf("load devices: %w", err)
		}
		if err := registry.Sync(ctx, db, devices); err != nil {
			return fmt.Errorf("register devices: %w", err)
		}
	}

	// 5. Bootstrap API keys
	if err := bootstrapKeys(ctx, db, cfg.Auth); err != nil {
		return fmt.Errorf("bootstrap api keys: %w", err)
	}

	// 6. Create Redis cache
	redisCache, err := cache.NewRedisCache(cfg.Redis.URL)
	if err != nil {
		return fmt.Errorf("create redis cache: %w", err)
	}
	defer redisCache.Close()

	if err := redisCache.Ping(ctx); err != nil {
		return fmt.Errorf("ping redis: %w", err)
	}
	slog.Info("redis connected")

	// 7. Build the scheduler
	logs, err := logsink.NewStore(cfg.Scheduler.LogDir)
	if err != nil {
		return fmt.Errorf("open log dir: %w", err)
	}
	workers := workpool.New(cfg.Scheduler.Workers)
	src := scheduler.NewDatabaseJobSource(db, workers, logs,
		scheduler.WithMaxClaimAttempts(cfg.Scheduler.MaxClaimAttempts),
		scheduler.WithMetrics(m),
	)

	// 8. Build router with dependencies
	deps := api.Dependencies{
		Auth:      mw.NewAuth(db),
		RateLimit: mw.NewRateLimit(redisCache, cfg.Auth.RateLimitPerMinute),

		HealthHandler:  healthHandler(db, redisCache),
		MetricsHandler: m.Handler(),
	}
	deps = deps.WithBoards(handler.NewBoards(src, redisCache))
	deps = deps.WithAdmin(handler.NewAdmin(src, redisCache))
	deps = deps.WithKeys(handler.NewKeys(db))

	router := api.NewRouter(deps)

	// 9. Start HTTP server
	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:        addr,
		Handler:     router,
		ReadTimeout: 15 * time.Second,
		// Log uploads stream the whole body through one request.
		WriteTimeout: 5 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
		slog.Info("shutdown signal received, draining connections...")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}
	if err := workers.Close(shutdownCtx); err != nil {
		return fmt.Errorf("drain worker pool: %w", err)
	}

	slog.Info("server stopped gracefully")
	return nil
}

// bootstrapKeys provisions the agent and admin keys named in the
// environment so a fresh deployment can be used without manual SQL.
func bootstrapKeys(ctx context.Context, s store.Store, cfg config.AuthConfig) error {
	if cfg.BootstrapAdminKey != "" {
		if err := mw.EnsureAPIKey(ctx, s, "bootstrap-admin", cfg.BootstrapAdminKey,
			[]string{models.ScopeAdmin}); err != nil {
			return err
		}
	}
	if cfg.BootstrapAgentKey != "" {
		if err := mw.EnsureAPIKey(ctx, s, "bootstrap-agent", cfg.BootstrapAgentKey,
			[]string{models.ScopeAgent}); err != nil {
			return err
		}
	}
	return nil
}

// healthHandler checks database and cache connectivity.
func healthHandler(s store.Store, c cache.Cache) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		checks := map[string]string{
			"database": "ok",
			"cache":    "ok",
		}

		if err := s.Ping(r.Context()); err != nil {
			checks["database"] = "degraded"
		}
		if err := c.Ping(r.Context()); err != nil {
			checks["cache"] = "degraded"
		}

		degraded := checks["database"] != "ok" || checks["cache"] != "ok"
		if degraded {
			response.Error(w, http.StatusServiceUnavailable, "DEGRADED",
				"One or more services degraded", checks)
			return
		}

		response.JSON(w, map[string]any{
			"status":   "ok",
			"services": checks,
		})
	}
}
