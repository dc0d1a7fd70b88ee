package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dkaplan/importd/internal/config"
	"github.com/dkaplan/importd/internal/events"
	"github.com/dkaplan/importd/internal/importer"
	"github.com/dkaplan/importd/internal/logging"
	"github.com/dkaplan/importd/internal/receiver"
	"github.com/dkaplan/importd/internal/store"
	"github.com/dkaplan/importd/internal/web"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
)

func main() {
	// Load .env file if it exists (Overload overwrites existing env vars)
	if err := godotenv.Overload(); err != nil {
		slog.Info("no .env file found, using environment variables")
	} else {
		slog.Info("loaded .env file (overwriting existing env vars)")
	}

	// Load and validate configuration
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	// Setup structured logging based on config
	logging.Setup(cfg.Logging.Level, cfg.Logging.Format)

	slog.Info("configuration loaded",
		"port", cfg.Server.Port,
		"db_max_conns", cfg.Database.MaxConns,
		"staging_dir", cfg.Import.StagingDir,
		"batch_size", cfg.Import.BatchSize,
	)

	// Parse and configure connection pool
	poolConfig, err := pgxpool.ParseConfig(cfg.Database.URL)
	if err != nil {
		slog.Error("failed to parse database URL", "error", err)
		os.Exit(1)
	}
	poolConfig.MaxConns = int32(cfg.Database.MaxConns)
	poolConfig.MinConns = int32(cfg.Database.MinConns)
	poolConfig.MaxConnLifetime = cfg.Database.MaxConnLifetime
	poolConfig.MaxConnIdleTime = cfg.Database.MaxConnIdleTime

	// Connect to database
	ctx := context.Background()
	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		slog.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	if err := pool.Ping(ctx); err != nil {
		slog.Error("failed to ping database", "error", err)
		os.Exit(1)
	}

	jobs := store.NewPG(pool)
	if err := jobs.EnsureSchema(ctx); err != nil {
		slog.Error("failed to ensure database schema", "error", err)
		os.Exit(1)
	}

	rc, err := receiver.New(cfg.Import.StagingDir, jobs)
	if err != nil {
		slog.Error("failed to prepare staging directory", "error", err)
		os.Exit(1)
	}

	// Wire the pipeline: bus, engine, processor, orchestrator.
	bus := events.NewBus()
	engine := importer.NewEngine(jobs)
	processor := importer.NewProcessor(jobs, engine, bus, cfg.Import.BatchSize)

	// Processing runs started by the orchestrator outlive the request that
	// triggered them; cancel them on shutdown.
	jobCtx, cancelJobs := context.WithCancel(context.Background())
	events.NewOrchestrator(jobCtx, bus, jobs, boundedProcessor{
		inner:   processor,
		timeout: cfg.Import.ProcessTimeout,
	})

	server := web.NewServer(jobs, rc, bus, cfg)

	// Graceful shutdown
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh

		slog.Info("shutting down...")
		cancelJobs()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			slog.Error("shutdown error", "error", err)
		}
	}()

	slog.Info("server starting", "addr", cfg.Server.Addr())
	if err := server.Start(); err != nil {
		slog.Info("server stopped", "error", err)
	}
}

// boundedProcessor caps one processing run at the configured timeout. The
// resume cursor keeps a timed-out run restartable from its last committed
// batch.
type boundedProcessor struct {
	inner   *importer.Processor
	timeout time.Duration
}

func (p boundedProcessor) ProcessJob(ctx context.Context, jobID uuid.UUID) (store.ImportStats, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	return p.inner.ProcessJob(ctx, jobID)
}
