package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	LoggingConfig   LoggingConfig   `json:"logging" yaml:"logging"`
	DatabaseConfig  DatabaseConfig  `json:"database" yaml:"database"`
	RedisConfig     RedisConfig     `json:"redis" yaml:"redis"`
	ServerConfig    ServerConfig    `json:"server" yaml:"server"`
	SchedulerConfig SchedulerConfig `json:"scheduler" yaml:"scheduler"`
	PipelineConfig  PipelineConfig  `json:"pipeline" yaml:"pipeline"`

	// MockMode runs against in-memory storage and a local queue instead of Postgres and Redis
	MockMode bool `json:"mock_mode" yaml:"mock_mode"`
}

type LoggingConfig struct {
	Level       string `json:"level" yaml:"level"`               // DEBUG, INFO, WARN, ERROR
	Output      string `json:"output" yaml:"output"`             // stdout, stderr, or file path
	JSONFormat  bool   `json:"json_format" yaml:"json_format"`   // Output as JSON
	IncludeFile bool   `json:"include_file" yaml:"include_file"` // Include file and line number
}

// DatabaseConfig holds PostgreSQL connection settings
type DatabaseConfig struct {
	Host     string `json:"host" yaml:"host"`
	Port     int    `json:"port" yaml:"port"`
	User     string `json:"user" yaml:"user"`
	Password string `json:"password" yaml:"password"`
	Database string `json:"database" yaml:"database"`
	SSLMode  string `json:"ssl_mode" yaml:"ssl_mode"`
	MaxConns int    `json:"max_conns" yaml:"max_conns"`
}

// RedisConfig holds Redis configuration for the job queue and pipeline locks
type RedisConfig struct {
	Enabled  bool   `json:"enabled" yaml:"enabled"`
	Address  string `json:"address" yaml:"address"`
	Password string `json:"password" yaml:"password"`
	DB       int    `json:"db" yaml:"db"`
	PoolSize int    `json:"pool_size" yaml:"pool_size"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port            int    `json:"port" yaml:"port"`
	Host            string `json:"host" yaml:"host"`
	AllowedOrigins  string `json:"allowed_origins" yaml:"allowed_origins"` // CORS allowed origins, comma separated
	ProductionMode  bool   `json:"production_mode" yaml:"production_mode"`
	ReadTimeout     int    `json:"read_timeout" yaml:"read_timeout"`         // Seconds
	WriteTimeout    int    `json:"write_timeout" yaml:"write_timeout"`       // Seconds
	ShutdownTimeout int    `json:"shutdown_timeout" yaml:"shutdown_timeout"` // Seconds
}

// SchedulerConfig controls the automated backtest/optimization orchestration pass
type SchedulerConfig struct {
	Enabled       bool          `json:"enabled" yaml:"enabled"`
	Schedule      string        `json:"schedule" yaml:"schedule"`             // cron spec, e.g. "@every 15m"
	DedupWindow   time.Duration `json:"dedup_window" yaml:"dedup_window"`     // lookback for an existing job of the same (user, algorithm)
	Cooldown      time.Duration `json:"cooldown" yaml:"cooldown"`             // a completed job younger than this suppresses a new one
	Algorithms    []string      `json:"algorithms" yaml:"algorithms"`         // algorithms scheduled for every eligible user
	MaxConcurrent int           `json:"max_concurrent" yaml:"max_concurrent"` // users processed in parallel per pass
	UserTimeout   time.Duration `json:"user_timeout" yaml:"user_timeout"`

	// Parameters of every scheduled job
	Strategy     string `json:"strategy" yaml:"strategy"`
	Symbol       string `json:"symbol" yaml:"symbol"`
	Interval     string `json:"interval" yaml:"interval"`
	LookbackDays int    `json:"lookback_days" yaml:"lookback_days"`
}

// PipelineConfig holds validation pipeline defaults and worker settings
type PipelineConfig struct {
	DefaultMinimumPipelineScore float64       `json:"default_minimum_pipeline_score" yaml:"default_minimum_pipeline_score"`
	DefaultMaxDegradation       float64       `json:"default_max_degradation" yaml:"default_max_degradation"`
	CheckpointEvery             int64         `json:"checkpoint_every" yaml:"checkpoint_every"`       // timestamps between checkpoints
	CheckpointInterval          time.Duration `json:"checkpoint_interval" yaml:"checkpoint_interval"` // wall time between checkpoints
	StageStream                 string        `json:"stage_stream" yaml:"stage_stream"`
	ConsumerGroup               string        `json:"consumer_group" yaml:"consumer_group"`
	WorkerCount                 int           `json:"worker_count" yaml:"worker_count"`
	LockTTL                     time.Duration `json:"lock_ttl" yaml:"lock_ttl"`
}

func Load() (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load()

	// First try to load base config from file
	cfg, err := loadFromFile(getEnvOrDefault("CONFIG_FILE", "config.json"))
	if err != nil {
		// If no config file, start with empty config
		cfg = &Config{}
	}

	// Apply environment variable overrides (these take precedence)
	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// applyEnvOverrides applies environment variable overrides to the config.
// File values act as the defaults for each key.
func applyEnvOverrides(cfg *Config) {
	cfg.MockMode = getEnvBoolOrDefault("MOCK_MODE", cfg.MockMode)

	// Logging config
	cfg.LoggingConfig.Level = getEnvOrDefault("LOG_LEVEL", orString(cfg.LoggingConfig.Level, "INFO"))
	cfg.LoggingConfig.Output = getEnvOrDefault("LOG_OUTPUT", orString(cfg.LoggingConfig.Output, "stdout"))
	cfg.LoggingConfig.JSONFormat = getEnvBoolOrDefault("LOG_JSON", cfg.LoggingConfig.JSONFormat || cfg.LoggingConfig.Level == "")
	cfg.LoggingConfig.IncludeFile = getEnvBoolOrDefault("LOG_INCLUDE_FILE", cfg.LoggingConfig.IncludeFile)

	// Database config
	cfg.DatabaseConfig.Host = getEnvOrDefault("DB_HOST", orString(cfg.DatabaseConfig.Host, "localhost"))
	cfg.DatabaseConfig.Port = getEnvIntOrDefault("DB_PORT", orInt(cfg.DatabaseConfig.Port, 5432))
	cfg.DatabaseConfig.User = getEnvOrDefault("DB_USER", orString(cfg.DatabaseConfig.User, "pipeline"))
	cfg.DatabaseConfig.Password = getEnvOrDefault("DB_PASSWORD", orString(cfg.DatabaseConfig.Password, "pipeline_password"))
	cfg.DatabaseConfig.Database = getEnvOrDefault("DB_NAME", orString(cfg.DatabaseConfig.Database, "strategy_pipeline"))
	cfg.DatabaseConfig.SSLMode = getEnvOrDefault("DB_SSLMODE", orString(cfg.DatabaseConfig.SSLMode, "disable"))
	cfg.DatabaseConfig.MaxConns = getEnvIntOrDefault("DB_MAX_CONNS", orInt(cfg.DatabaseConfig.MaxConns, 25))

	// Redis config
	cfg.RedisConfig.Enabled = getEnvBoolOrDefault("REDIS_ENABLED", cfg.RedisConfig.Enabled || cfg.RedisConfig.Address == "")
	cfg.RedisConfig.Address = getEnvOrDefault("REDIS_ADDR", orString(cfg.RedisConfig.Address, "localhost:6379"))
	cfg.RedisConfig.Password = getEnvOrDefault("REDIS_PASSWORD", cfg.RedisConfig.Password)
	cfg.RedisConfig.DB = getEnvIntOrDefault("REDIS_DB", cfg.RedisConfig.DB)
	cfg.RedisConfig.PoolSize = getEnvIntOrDefault("REDIS_POOL_SIZE", orInt(cfg.RedisConfig.PoolSize, 10))

	// Server config
	cfg.ServerConfig.Port = getEnvIntOrDefault("WEB_PORT", orInt(cfg.ServerConfig.Port, 8080))
	cfg.ServerConfig.Host = getEnvOrDefault("WEB_HOST", orString(cfg.ServerConfig.Host, "0.0.0.0"))
	cfg.ServerConfig.AllowedOrigins = getEnvOrDefault("SERVER_ALLOWED_ORIGINS", orString(cfg.ServerConfig.AllowedOrigins, "*"))
	cfg.ServerConfig.ProductionMode = getEnvBoolOrDefault("PRODUCTION_MODE", cfg.ServerConfig.ProductionMode)
	cfg.ServerConfig.ReadTimeout = getEnvIntOrDefault("SERVER_READ_TIMEOUT", orInt(cfg.ServerConfig.ReadTimeout, 30))
	cfg.ServerConfig.WriteTimeout = getEnvIntOrDefault("SERVER_WRITE_TIMEOUT", orInt(cfg.ServerConfig.WriteTimeout, 30))
	cfg.ServerConfig.ShutdownTimeout = getEnvIntOrDefault("SERVER_SHUTDOWN_TIMEOUT", orInt(cfg.ServerConfig.ShutdownTimeout, 10))

	// Scheduler config
	cfg.SchedulerConfig.Enabled = getEnvBoolOrDefault("SCHEDULER_ENABLED", cfg.SchedulerConfig.Enabled || cfg.SchedulerConfig.Schedule == "")
	cfg.SchedulerConfig.Schedule = getEnvOrDefault("SCHEDULER_SCHEDULE", orString(cfg.SchedulerConfig.Schedule, "@every 15m"))
	cfg.SchedulerConfig.DedupWindow = getEnvDurationOrDefault("SCHEDULER_DEDUP_WINDOW", orDuration(cfg.SchedulerConfig.DedupWindow, 24*time.Hour))
	cfg.SchedulerConfig.Cooldown = getEnvDurationOrDefault("SCHEDULER_COOLDOWN", orDuration(cfg.SchedulerConfig.Cooldown, 6*time.Hour))
	cfg.SchedulerConfig.MaxConcurrent = getEnvIntOrDefault("SCHEDULER_MAX_CONCURRENT", orInt(cfg.SchedulerConfig.MaxConcurrent, 5))
	cfg.SchedulerConfig.UserTimeout = getEnvDurationOrDefault("SCHEDULER_USER_TIMEOUT", orDuration(cfg.SchedulerConfig.UserTimeout, 2*time.Minute))
	if algos := os.Getenv("SCHEDULER_ALGORITHMS"); algos != "" {
		cfg.SchedulerConfig.Algorithms = splitList(algos)
	}
	if len(cfg.SchedulerConfig.Algorithms) == 0 {
		cfg.SchedulerConfig.Algorithms = []string{"grid_search", "walk_forward"}
	}
	cfg.SchedulerConfig.Strategy = getEnvOrDefault("SCHEDULER_STRATEGY", orString(cfg.SchedulerConfig.Strategy, "sma_crossover"))
	cfg.SchedulerConfig.Symbol = getEnvOrDefault("SCHEDULER_SYMBOL", orString(cfg.SchedulerConfig.Symbol, "BTCUSDT"))
	cfg.SchedulerConfig.Interval = getEnvOrDefault("SCHEDULER_INTERVAL", orString(cfg.SchedulerConfig.Interval, "1h"))
	cfg.SchedulerConfig.LookbackDays = getEnvIntOrDefault("SCHEDULER_LOOKBACK_DAYS", orInt(cfg.SchedulerConfig.LookbackDays, 90))

	// Pipeline config
	cfg.PipelineConfig.DefaultMinimumPipelineScore = getEnvFloatOrDefault("PIPELINE_MIN_SCORE", orFloat(cfg.PipelineConfig.DefaultMinimumPipelineScore, 30))
	cfg.PipelineConfig.DefaultMaxDegradation = getEnvFloatOrDefault("PIPELINE_MAX_DEGRADATION", orFloat(cfg.PipelineConfig.DefaultMaxDegradation, 0.30))
	cfg.PipelineConfig.CheckpointEvery = int64(getEnvIntOrDefault("PIPELINE_CHECKPOINT_EVERY", int(orInt64(cfg.PipelineConfig.CheckpointEvery, 5000))))
	cfg.PipelineConfig.CheckpointInterval = getEnvDurationOrDefault("PIPELINE_CHECKPOINT_INTERVAL", orDuration(cfg.PipelineConfig.CheckpointInterval, 30*time.Second))
	cfg.PipelineConfig.StageStream = getEnvOrDefault("PIPELINE_STAGE_STREAM", orString(cfg.PipelineConfig.StageStream, "pipeline:jobs"))
	cfg.PipelineConfig.ConsumerGroup = getEnvOrDefault("PIPELINE_CONSUMER_GROUP", orString(cfg.PipelineConfig.ConsumerGroup, "pipeline-workers"))
	cfg.PipelineConfig.WorkerCount = getEnvIntOrDefault("PIPELINE_WORKERS", orInt(cfg.PipelineConfig.WorkerCount, 4))
	cfg.PipelineConfig.LockTTL = getEnvDurationOrDefault("PIPELINE_LOCK_TTL", orDuration(cfg.PipelineConfig.LockTTL, 30*time.Second))
}

// Validate rejects settings the services cannot run with
func (c *Config) Validate() error {
	var problems []string

	if c.SchedulerConfig.DedupWindow <= 0 {
		problems = append(problems, "scheduler.dedup_window must be positive")
	}
	if c.SchedulerConfig.Cooldown < 0 {
		problems = append(problems, "scheduler.cooldown must not be negative")
	}
	if c.SchedulerConfig.MaxConcurrent < 1 {
		problems = append(problems, "scheduler.max_concurrent must be at least 1")
	}
	if c.PipelineConfig.DefaultMinimumPipelineScore < 0 || c.PipelineConfig.DefaultMinimumPipelineScore > 100 {
		problems = append(problems, "pipeline.default_minimum_pipeline_score must be within [0, 100]")
	}
	if c.PipelineConfig.DefaultMaxDegradation <= 0 {
		problems = append(problems, "pipeline.default_max_degradation must be positive")
	}
	if c.PipelineConfig.CheckpointEvery < 1 {
		problems = append(problems, "pipeline.checkpoint_every must be at least 1")
	}
	if c.PipelineConfig.WorkerCount < 1 {
		problems = append(problems, "pipeline.worker_count must be at least 1")
	}

	if len(problems) > 0 {
		return fmt.Errorf("invalid configuration: %s", strings.Join(problems, "; "))
	}
	return nil
}

// DSN returns the libpq connection string for the database config
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.Database, d.SSLMode,
	)
}

func loadFromFile(filename string) (*Config, error) {
	file, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	var config Config
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(file, &config)
	default:
		err = json.Unmarshal(file, &config)
	}
	if err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	return &config, nil
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBoolOrDefault(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return value == "true" || value == "1"
	}
	return defaultValue
}

func getEnvIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvFloatOrDefault(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatVal, err := strconv.ParseFloat(value, 64); err == nil {
			return floatVal
		}
	}
	return defaultValue
}

func getEnvDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func orString(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

func orInt(v, def int) int {
	if v == 0 {
		return def
	}
	return v
}

func orInt64(v, def int64) int64 {
	if v == 0 {
		return def
	}
	return v
}

func orFloat(v, def float64) float64 {
	if v == 0 {
		return def
	}
	return v
}

func orDuration(v, def time.Duration) time.Duration {
	if v == 0 {
		return def
	}
	return v
}
