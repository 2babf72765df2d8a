package main

import (
	"context"
	"errors"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"strategy-pipeline/config"
	"strategy-pipeline/internal/api"
	"strategy-pipeline/internal/backtest"
	"strategy-pipeline/internal/cache"
	"strategy-pipeline/internal/checkpoint"
	"strategy-pipeline/internal/database"
	"strategy-pipeline/internal/events"
	"strategy-pipeline/internal/logging"
	"strategy-pipeline/internal/orchestrator"
	"strategy-pipeline/internal/pipeline"
	"strategy-pipeline/internal/queue"
	"strategy-pipeline/internal/worker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger := logging.New(&logging.Config{
		Level:       cfg.LoggingConfig.Level,
		Output:      cfg.LoggingConfig.Output,
		JSONFormat:  cfg.LoggingConfig.JSONFormat,
		IncludeFile: cfg.LoggingConfig.IncludeFile,
		Component:   "main",
	})
	logging.SetDefault(logger)
	logger.Info("structured logging initialized", "mock_mode", cfg.MockMode)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	eventBus := events.NewEventBus()

	store, closeStore, err := openStore(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("failed to open storage", "error", err)
	}
	defer closeStore()

	// Redis backs the job queue, the pipeline lock, cancel flags and snapshots.
	// Mock mode runs everything in process.
	var (
		cacheService *cache.CacheService
		jobs         queue.Queue
		locker       pipeline.Locker = cache.NewLocalLocker()
		flags        worker.CancelFlags
	)
	queueOpts := queue.DefaultOptions()
	queueOpts.Stream = cfg.PipelineConfig.StageStream
	queueOpts.Group = cfg.PipelineConfig.ConsumerGroup
	queueOpts.Concurrency = cfg.PipelineConfig.WorkerCount
	if host, err := os.Hostname(); err == nil {
		queueOpts.Consumer = host
	}

	if !cfg.MockMode && cfg.RedisConfig.Enabled {
		cacheService, err = cache.NewCacheService(cfg.RedisConfig, logger)
		if err != nil {
			logger.Fatal("failed to create redis client", "error", err)
		}
		defer cacheService.Close()

		redisQueue, err := queue.NewRedisQueue(ctx, cacheService.GetClient(), queueOpts, logger)
		if err != nil {
			logger.Fatal("failed to create job queue", "error", err)
		}
		jobs = redisQueue
		locker = cache.NewRedisLocker(cacheService, cfg.PipelineConfig.LockTTL, logger)
		flags = cacheService
		logger.Info("redis job queue ready", "stream", queueOpts.Stream, "group", queueOpts.Group)
	} else {
		jobs = queue.NewMemoryQueue(queueOpts, logger)
		logger.Info("using in-memory job queue")
	}
	defer jobs.Close()

	serviceCfg := pipeline.DefaultServiceConfig()
	serviceCfg.Gate.MinimumPipelineScore = cfg.PipelineConfig.DefaultMinimumPipelineScore
	serviceCfg.Gate.MaxDegradation = cfg.PipelineConfig.DefaultMaxDegradation

	dispatcher := worker.NewDispatcher(store, jobs, flags, logger)
	pipelines := pipeline.NewService(store, store, dispatcher, locker, eventBus, serviceCfg, logger)

	driver := checkpoint.NewDriver(store, checkpoint.Options{
		EveryN:   cfg.PipelineConfig.CheckpointEvery,
		Interval: cfg.PipelineConfig.CheckpointInterval,
	}, eventBus, logger)
	executor := backtest.NewExecutor(backtest.NewSyntheticSource(), driver, logger)
	stageWorker := worker.NewWorker(store, executor, pipelines, jobs, flags, queueOpts.MaxAttempts, logger)
	stageWorker.SetRunLocker(locker)

	orch := orchestrator.New(store, jobs, eventBus, orchestrator.OptionsFromConfig(cfg.SchedulerConfig), logger)
	scheduler := orchestrator.NewScheduler(orch, cfg.SchedulerConfig.Schedule, logger)

	server := api.NewServer(api.ServerConfigFrom(cfg.ServerConfig), pipelines, orch, store, eventBus, logger)
	if cacheService != nil {
		server.SetSnapshotCache(cacheService)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return stageWorker.Run(gctx)
	})
	g.Go(func() error {
		return server.Start()
	})
	if cfg.SchedulerConfig.Enabled {
		if err := scheduler.Start(gctx); err != nil {
			logger.Fatal("failed to start scheduler", "error", err)
		}
	}

	<-gctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.ServerConfig.ShutdownTimeout)*time.Second)
	defer cancel()

	scheduler.Stop()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("error shutting down web server")
	}
	stop()

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.WithError(err).Error("service stopped with error")
	}
	logger.Info("shutdown complete")
}

// openStore returns the Postgres repository, or the in-memory store in mock mode
func openStore(ctx context.Context, cfg *config.Config, logger *logging.Logger) (database.Store, func(), error) {
	if cfg.MockMode {
		logger.Info("using in-memory storage")
		return database.NewMemoryStore(), func() {}, nil
	}

	db, err := database.NewDB(cfg.DatabaseConfig, logger)
	if err != nil {
		return nil, nil, err
	}
	if err := db.RunMigrations(ctx); err != nil {
		db.Close()
		return nil, nil, err
	}
	return database.NewRepository(db), db.Close, nil
}
