// Command worker runs a standalone PostgreSQL-backed job runner: it claims
// rows from the jobs table, executes them through a TaskRegistry, reacts to
// LISTEN/NOTIFY traffic on jobs:insert and jobs:migrate, and coordinates
// graceful/forceful shutdown with the process-wide signal broker.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"sync/atomic"

	"github.com/joho/godotenv"

	"github.com/timelf123/worker/pkg/config"
	"github.com/timelf123/worker/pkg/database"
	"github.com/timelf123/worker/pkg/jobstore"
	"github.com/timelf123/worker/pkg/queue"
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "worker.yaml", "path to worker.yaml")
	envFile := flag.String("env-file", ".env", "path to a .env file to load, if present")
	flag.Parse()

	if err := godotenv.Load(*envFile); err != nil && !os.IsNotExist(err) {
		slog.Warn("failed to load env file", "path", *envFile, "error", err)
	}

	cfg, err := config.Initialize(context.Background(), *configPath)
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		return 1
	}

	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	dbCfg, err := database.LoadConfigFromEnv()
	if err != nil {
		logger.Error("failed to load database configuration", "error", err)
		return 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	client, err := database.NewClient(ctx, dbCfg)
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		return 1
	}
	defer func() {
		if err := client.Close(); err != nil {
			logger.Warn("error closing database client", "error", err)
		}
	}()

	store := jobstore.NewPgStore(client.Pool)
	registry := queue.NewTaskRegistry()
	registerHandlers(registry)

	poolCfg := queue.PoolConfig{
		QueueName:                    cfg.Queue.QueueName,
		WorkerCount:                  cfg.Queue.WorkerCount,
		LockTimeout:                  cfg.Queue.LockTimeout,
		MinResetLockedInterval:       cfg.Queue.MinResetLockedInterval,
		MaxResetLockedInterval:       cfg.Queue.MaxResetLockedInterval,
		GracefulShutdownAbortTimeout: cfg.Queue.GracefulShutdownAbortTimeout,
		NoHandleSignals:              cfg.Queue.NoHandleSignals,
	}

	emit := queue.EventSinkFunc(func(e queue.EventPayload) {
		logger.Debug("pool event", "event", e.Event.String(), "worker_id", e.WorkerID)
	})

	pool := queue.NewWorkerPool(ctx, poolCfg, client.Pool, store, registry, logger, emit)

	var exitCode int32
	pool.SetExitCodeSetter(func(code int) { atomic.StoreInt32(&exitCode, int32(code)) })

	if err := pool.Start(); err != nil {
		logger.Error("failed to start worker pool", "error", err)
		return 1
	}

	logger.Info("worker pool started", "queue_name", poolCfg.QueueName, "worker_count", poolCfg.WorkerCount)

	if err := <-pool.Done(); err != nil {
		logger.Error("worker pool terminated with a lingering reset-locked failure", "error", err)
		if code := atomic.LoadInt32(&exitCode); code != 0 {
			return int(code)
		}
		return 1
	}

	logger.Info("worker pool shut down cleanly")
	return int(atomic.LoadInt32(&exitCode))
}

// registerHandlers wires task handlers into the registry. This binary ships
// a single example handler; real deployments register their own tasks here
// or via an importable setup function.
func registerHandlers(registry *queue.TaskRegistry) {
	registry.Register("log_payload", func(ctx context.Context, job queue.Job) error {
		slog.InfoContext(ctx, "processing job", "job_id", job.ID, "task", job.TaskIdentifier, "attempts", job.Attempts)
		return nil
	})
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}
