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

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/ashita-ai/tsunagi/internal/auth"
	"github.com/ashita-ai/tsunagi/internal/bulk"
	"github.com/ashita-ai/tsunagi/internal/config"
	"github.com/ashita-ai/tsunagi/internal/escalation"
	"github.com/ashita-ai/tsunagi/internal/mcp"
	"github.com/ashita-ai/tsunagi/internal/ratelimit"
	"github.com/ashita-ai/tsunagi/internal/relay"
	"github.com/ashita-ai/tsunagi/internal/server"
	"github.com/ashita-ai/tsunagi/internal/storage"
	"github.com/ashita-ai/tsunagi/internal/telemetry"
	"github.com/ashita-ai/tsunagi/internal/upstream"
	"github.com/ashita-ai/tsunagi/migrations"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run0())
}

func run0() int {
	level := slog.LevelInfo
	if os.Getenv("TSUNAGI_LOG_LEVEL") == "debug" {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, logger); err != nil {
		slog.Error("fatal error", "error", err)
		return 1
	}
	return 0
}

func run(ctx context.Context, logger *slog.Logger) error {
	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	slog.Info("tsunagi starting", "version", version, "port", cfg.Port)

	// Initialize OpenTelemetry.
	otelShutdown, err := telemetry.Init(ctx, cfg.OTELEndpoint, cfg.ServiceName, version, cfg.OTELInsecure)
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() { _ = otelShutdown(context.Background()) }()

	// Connect to Postgres.
	db, err := storage.New(ctx, cfg.DatabaseURL, cfg.NotifyURL, logger)
	if err != nil {
		return fmt.Errorf("storage: %w", err)
	}
	defer db.Close(ctx)

	db.RegisterPoolMetrics()

	// Run embedded migrations. The runner tracks applied files in
	// schema_migrations and skips duplicates, so errors here indicate
	// real failures.
	if err := db.RunMigrations(ctx, migrations.FS); err != nil {
		return fmt.Errorf("migrations: %w", err)
	}

	// Redis-backed rate limiting (optional — in-process fallback only
	// when REDIS_URL is empty).
	var rdb *redis.Client
	if cfg.RedisURL != "" {
		redisOpts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("redis: %w", err)
		}
		rdb = redis.NewClient(redisOpts)
		defer func() { _ = rdb.Close() }()

		pingCtx, pingCancel := context.WithTimeout(ctx, 5*time.Second)
		if err := rdb.Ping(pingCtx).Err(); err != nil {
			// Startup proceeds; the limiter degrades to in-process
			// counters until Redis comes back.
			logger.Warn("redis unreachable at startup", "error", err)
		}
		pingCancel()
		logger.Info("rate limiting: redis fixed window", "rpm", cfg.RunRateLimit)
	} else {
		logger.Info("rate limiting: in-process fixed window (no REDIS_URL)", "rpm", cfg.RunRateLimit)
	}
	limiter := ratelimit.New(rdb, logger)
	defer func() { _ = limiter.Close() }()

	// Outbound credentials and upstream client.
	tokens := auth.NewServiceTokens(cfg.UpstreamSigningSecret, cfg.UpstreamToken)
	upstreamClient := upstream.NewClient(cfg.UpstreamBaseURL, tokens, logger, upstream.Options{
		Timeout:       cfg.UpstreamTimeout,
		StreamTimeout: cfg.StreamTimeout(),
		Retries:       cfg.UpstreamRetries,
		Backoff:       cfg.UpstreamBackoff,
	})

	streamRelay := relay.New(logger)

	// Escalation engine: scheduler finds overdue items, worker drains
	// the durable queue.
	scheduler := escalation.NewScheduler(db, logger, cfg.SchedulerInterval, cfg.WorkerBatchSize)
	scheduler.Start(ctx)

	worker := escalation.NewWorker(db, logger, cfg.WorkerPollInterval, cfg.WorkerBatchSize, cfg.WorkerConcurrency, cfg.JobMaxAttempts)
	worker.Start(ctx)

	bulkCoordinator := bulk.NewCoordinator(db, logger)

	// MCP operational surface, mounted at /mcp.
	mcpSrv := mcp.New(db, scheduler, worker, logger)

	server.Version = version
	srv := server.New(cfg, db, logger, upstreamClient, streamRelay, limiter, scheduler, worker, bulkCoordinator, mcpSrv.MCPServer())

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return err
	}

	// Graceful shutdown. Each phase gets its own timeout so early
	// completion doesn't steal budget from later phases.
	// Order: (1) stop accepting HTTP requests and drain in-flight,
	// (2) stop the scheduler so no new jobs are enqueued, (3) drain the
	// worker's in-flight batch. Unfinished jobs keep their lease and
	// are picked up after restart.
	slog.Info("tsunagi shutting down")

	httpCtx, httpCancel := context.WithTimeout(context.Background(), 10*time.Second)
	if err := srv.Shutdown(httpCtx); err != nil {
		slog.Error("http shutdown error", "error", err)
	}
	httpCancel()

	scheduler.Stop()

	if err := worker.Drain(10 * time.Second); err != nil {
		slog.Warn("worker drain incomplete", "error", err)
	}

	slog.Info("tsunagi stopped")
	return nil
}
