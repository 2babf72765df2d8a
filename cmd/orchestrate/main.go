// Command orchestrate runs a single scheduling pass against the configured
// storage and job queue, then prints the result as JSON.
//
// Usage:
//
//	orchestrate              # every algo-trading-enabled user
//	orchestrate -user <id>   # a single user
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"strategy-pipeline/config"
	"strategy-pipeline/internal/cache"
	"strategy-pipeline/internal/database"
	"strategy-pipeline/internal/logging"
	"strategy-pipeline/internal/orchestrator"
	"strategy-pipeline/internal/queue"
)

func main() {
	userID := flag.String("user", "", "orchestrate a single user")
	timeout := flag.Duration("timeout", 10*time.Minute, "overall timeout")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if cfg.MockMode || !cfg.RedisConfig.Enabled {
		log.Fatal("orchestrate needs Postgres and Redis; disable MOCK_MODE and enable REDIS")
	}

	logging.SetDefault(logging.New(&logging.Config{
		Level:     cfg.LoggingConfig.Level,
		Output:    "stderr",
		Component: "orchestrate",
	}))
	logger := logging.OrchestrationContext(*userID)

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	db, err := database.NewDB(cfg.DatabaseConfig, logger)
	if err != nil {
		logger.Fatal("failed to connect to database", "error", err)
	}
	defer db.Close()
	if err := db.RunMigrations(ctx); err != nil {
		logger.Fatal("failed to run migrations", "error", err)
	}

	cs, err := cache.NewCacheService(cfg.RedisConfig, logger)
	if err != nil {
		logger.Fatal("failed to connect to redis", "error", err)
	}
	defer cs.Close()

	opts := queue.DefaultOptions()
	opts.Stream = cfg.PipelineConfig.StageStream
	opts.Group = cfg.PipelineConfig.ConsumerGroup
	jobs, err := queue.NewRedisQueue(ctx, cs.GetClient(), opts, logger)
	if err != nil {
		logger.Fatal("failed to open job queue", "error", err)
	}
	defer jobs.Close()

	orch := orchestrator.New(database.NewRepository(db), jobs, nil, orchestrator.OptionsFromConfig(cfg.SchedulerConfig), logger)

	var out interface{}
	if *userID != "" {
		out = orch.OrchestrateForUser(ctx, *userID)
	} else {
		out, err = orch.RunPass(ctx)
		if err != nil {
			logger.Fatal("orchestration pass failed", "error", err)
		}
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(out); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
