// Package main is the entrypoint for the script runner API server.
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

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/loopbreaker/scriptrunner/internal/ai"
	"github.com/loopbreaker/scriptrunner/internal/api"
	"github.com/loopbreaker/scriptrunner/internal/api/handler"
	mw "github.com/loopbreaker/scriptrunner/internal/api/middleware"
	"github.com/loopbreaker/scriptrunner/internal/cache"
	"github.com/loopbreaker/scriptrunner/internal/config"
	"github.com/loopbreaker/scriptrunner/internal/jobs"
	"github.com/loopbreaker/scriptrunner/internal/normalize/notes"
	"github.com/loopbreaker/scriptrunner/internal/normalize/vault"
	"github.com/loopbreaker/scriptrunner/internal/observability"
	"github.com/loopbreaker/scriptrunner/internal/runner"
	"github.com/loopbreaker/scriptrunner/internal/store"
	"github.com/loopbreaker/scriptrunner/pkg/models"
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
	// 1. Load config, fail fast on invalid values
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	slog.Info("config loaded",
		"env", cfg.Server.Env,
		"persistence", cfg.Jobs.Persistence,
		"ai_provider", cfg.AI.Provider,
		"ai_enabled", cfg.AI.Enabled(),
		"auth_enabled", cfg.Auth.Enabled(),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 2. Connect to the notes database when configured
	var (
		pool      *pgxpool.Pool
		noteStore notes.NoteStore
		dbPinger  handler.Pinger
	)
	if cfg.Database.URL != "" {
		pool, err = store.Connect(ctx, cfg.Database)
		if err != nil {
			return fmt.Errorf("connect database: %w", err)
		}
		defer pool.Close()
		slog.Info("database connected")

		if err := store.RunMigrations(cfg.Database.URL, cfg.Database.MigrationsDir); err != nil {
			return fmt.Errorf("run migrations: %w", err)
		}
		slog.Info("database migrations applied")

		pgStore := store.NewPostgresStore(pool)
		noteStore = pgStore
		dbPinger = pgStore
	} else {
		slog.Warn("DATABASE_URL not set, normalize_notes jobs will fail")
	}

	// 3. Connect to Redis when configured
	var (
		redisCache  *cache.RedisCache
		cachePinger handler.Pinger
		rateLimit   *mw.RateLimit
	)
	if cfg.Redis.URL != "" {
		redisCache, err = cache.NewRedisCache(cfg.Redis.URL)
		if err != nil {
			return fmt.Errorf("create redis cache: %w", err)
		}
		defer redisCache.Close()

		if err := redisCache.Ping(ctx); err != nil {
			return fmt.Errorf("ping redis: %w", err)
		}
		slog.Info("redis connected")

		cachePinger = redisCache
		rateLimit = mw.NewRateLimit(redisCache, cfg.Server.RateLimitPerMinute)
	}

	// 4. Metrics
	metrics, metricsHandler, err := observability.NewMetrics(ctx)
	if err != nil {
		return fmt.Errorf("create metrics: %w", err)
	}

	// 5. Job orchestrator
	persister, pruner, err := newPersister(cfg.Jobs, pool)
	if err != nil {
		return fmt.Errorf("create job persister: %w", err)
	}

	opts := []jobs.Option{
		jobs.WithPersister(persister),
		jobs.WithMaxHistory(cfg.Jobs.HistoryMax),
		jobs.WithListener(metrics),
	}
	if redisCache != nil {
		opts = append(opts, jobs.WithListener(cache.NewStatusMirror(redisCache)))
	}
	manager := jobs.NewManager(opts...)

	restored, err := manager.Restore(ctx)
	if err != nil {
		slog.Warn("failed to restore job history", "error", err)
	} else if restored > 0 {
		slog.Info("job history restored", "jobs", restored)
	}
	if pruner != nil {
		if removed, err := pruner.Prune(ctx, manager.MaxHistory()); err != nil {
			slog.Warn("failed to prune job history", "error", err)
		} else if removed > 0 {
			slog.Info("job history pruned", "removed", removed)
		}
	}

	// 6. Executors
	describer, err := ai.NewDescriber(cfg.AI)
	if err != nil {
		return fmt.Errorf("create AI provider: %w", err)
	}
	if describer != nil {
		slog.Info("AI provider initialized", "provider", describer.Name(), "model", describer.Model())
	}

	dispatcher := runner.NewDispatcher(manager, map[models.ScriptType]runner.Executor{
		models.ScriptNormalizeNotes: notes.NewExecutor(noteStore),
		models.ScriptNormalizeVault: vault.NewExecutor(describer),
	})
	slog.Info("executors registered", "script_types", dispatcher.ScriptTypes())

	// 7. Build router with dependencies
	router := api.NewRouter(api.Dependencies{
		Jobs:           handler.NewJobs(manager, dispatcher, cfg.Jobs.MaxConcurrent),
		Health:         handler.Health(dbPinger, cachePinger),
		Auth:           mw.NewAuth(cfg.Auth),
		RateLimit:      rateLimit,
		Metrics:        metrics,
		AllowedOrigins: cfg.Server.AllowedOrigins,
	})

	// 8. Start HTTP servers
	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	var metricsSrv *http.Server
	if cfg.Server.MetricsPort != 0 {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metricsHandler)
		metricsSrv = &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Server.MetricsPort),
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}
	}

	errCh := make(chan error, 2)
	go func() {
		slog.Info("server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	if metricsSrv != nil {
		go func() {
			slog.Info("metrics server listening", "addr", metricsSrv.Addr)
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("metrics server: %w", err)
			}
		}()
	}

	// Wait for shutdown signal or server error
	var serveErr error
	select {
	case serveErr = <-errCh:
		slog.Error("server error, shutting down", "error", serveErr)
	case <-ctx.Done():
		slog.Info("shutdown signal received, draining connections...")
	}

	// Graceful shutdown with timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := shutdown(shutdownCtx, srv, metricsSrv, manager, dispatcher, metrics); err != nil {
		return err
	}
	if serveErr != nil {
		return fmt.Errorf("server error: %w", serveErr)
	}

	slog.Info("server stopped gracefully")
	return nil
}

// newPersister selects the snapshot store named by cfg.Persistence.
func newPersister(cfg config.JobsConfig, pool *pgxpool.Pool) (jobs.Persister, jobs.Pruner, error) {
	switch cfg.Persistence {
	case config.PersistencePostgres:
		if pool == nil {
			return nil, nil, errors.New("postgres persistence requires DATABASE_URL")
		}
		p := store.NewPostgresPersister(pool)
		return p, p, nil
	case config.PersistenceMemory:
		return jobs.NopPersister{}, nil, nil
	default:
		p, err := jobs.NewFilePersister(cfg.LogsDir)
		if err != nil {
			return nil, nil, err
		}
		return p, p, nil
	}
}

// shutdown stops accepting requests, fails the jobs still running and waits
// for executors to return.
func shutdown(ctx context.Context, srv, metricsSrv *http.Server, manager *jobs.Manager, dispatcher *runner.Dispatcher, metrics *observability.Metrics) error {
	if err := srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	if n := manager.Shutdown(ctx); n > 0 {
		slog.Info("running jobs marked failed", "jobs", n)
	}
	if err := dispatcher.Wait(ctx); err != nil {
		slog.Warn("executors still running at shutdown", "error", err)
	}

	if metricsSrv != nil {
		if err := metricsSrv.Shutdown(ctx); err != nil {
			slog.Warn("metrics server shutdown", "error", err)
		}
	}
	if err := metrics.Shutdown(ctx); err != nil {
		slog.Warn("metrics shutdown", "error", err)
	}
	return nil
}
