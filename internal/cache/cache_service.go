// Package cache provides the Redis client shared by the pipeline lock, the
// run cancellation flags and cached pipeline snapshots.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"strategy-pipeline/config"
	"strategy-pipeline/internal/logging"
)

// ErrUnavailable is returned while the circuit breaker is open
var ErrUnavailable = errors.New("redis unavailable (circuit breaker open)")

// CacheService provides Redis access with graceful degradation.
// When Redis is unavailable, operations return ErrUnavailable and callers
// fall back to their local implementation.
type CacheService struct {
	client       *redis.Client
	config       config.RedisConfig
	logger       *logging.Logger
	mu           sync.RWMutex
	healthy      bool
	failureCount int
	lastCheck    time.Time

	// Circuit breaker settings
	maxFailures   int
	checkInterval time.Duration
}

// Key prefixes
const (
	PrefixLock         = "lock:%s"
	PrefixRunCancel    = "run:%s:cancel"
	PrefixPipelineView = "pipeline:%s:view"
)

// Default TTLs
const (
	DefaultCancelTTL   = 7 * 24 * time.Hour
	DefaultSnapshotTTL = 15 * time.Minute // snapshots are only taken of terminal pipelines
)

// NewCacheService creates a new CacheService with the provided configuration.
// A failed initial ping returns the service in degraded mode, not an error.
func NewCacheService(cfg config.RedisConfig, logger *logging.Logger) (*CacheService, error) {
	if !cfg.Enabled {
		return nil, fmt.Errorf("redis is not enabled in configuration")
	}

	if logger == nil {
		logger = logging.Default()
	}
	redis.SetLogger(redisLogger{zl: logger.WithComponent("redis").Zerolog()})

	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Address,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: 2,
		MaxRetries:   3,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	return newCacheService(client, cfg, logger), nil
}

// redisLogger forwards go-redis internal messages (reconnects, pool
// errors) to the structured log
type redisLogger struct {
	zl zerolog.Logger
}

func (l redisLogger) Printf(_ context.Context, format string, v ...interface{}) {
	l.zl.Warn().Msgf(format, v...)
}

// NewFromClient wraps an existing client, used by tests and tools
func NewFromClient(client *redis.Client, logger *logging.Logger) *CacheService {
	return newCacheService(client, config.RedisConfig{Enabled: true, Address: client.Options().Addr, PoolSize: client.Options().PoolSize}, logger)
}

func newCacheService(client *redis.Client, cfg config.RedisConfig, logger *logging.Logger) *CacheService {
	if logger == nil {
		logger = logging.Default()
	}
	cs := &CacheService{
		client:        client,
		config:        cfg,
		logger:        logger.WithComponent("cache"),
		maxFailures:   3,
		checkInterval: 30 * time.Second,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		cs.logger.WithError(err).Warn("initial redis connection failed, running degraded", "address", cfg.Address)
		return cs
	}

	cs.healthy = true
	cs.lastCheck = time.Now()
	cs.logger.Info("redis connected", "address", cfg.Address)
	return cs
}

// IsHealthy returns whether Redis is currently available.
func (cs *CacheService) IsHealthy() bool {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	return cs.healthy
}

func (cs *CacheService) recordFailure() {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	cs.failureCount++
	if cs.failureCount >= cs.maxFailures {
		if cs.healthy {
			cs.logger.Warn("circuit breaker open: redis marked unhealthy", "failures", cs.failureCount)
		}
		cs.healthy = false
	}
}

func (cs *CacheService) recordSuccess() {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	if !cs.healthy {
		cs.logger.Info("circuit breaker closed: redis recovered")
	}
	cs.healthy = true
	cs.failureCount = 0
	cs.lastCheck = time.Now()
}

// checkHealth performs a background health check if enough time has passed.
func (cs *CacheService) checkHealth() {
	cs.mu.RLock()
	shouldCheck := !cs.healthy && time.Since(cs.lastCheck) >= cs.checkInterval
	cs.mu.RUnlock()

	if !shouldCheck {
		return
	}

	cs.mu.Lock()
	cs.lastCheck = time.Now()
	cs.mu.Unlock()

	go func() {
		pingCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()

		if err := cs.client.Ping(pingCtx).Err(); err == nil {
			cs.recordSuccess()
		}
	}()
}

func (cs *CacheService) available() error {
	cs.checkHealth()
	if !cs.IsHealthy() {
		return ErrUnavailable
	}
	return nil
}

// Get retrieves a value from cache. A miss returns redis.Nil.
func (cs *CacheService) Get(ctx context.Context, key string) (string, error) {
	if err := cs.available(); err != nil {
		return "", err
	}

	result, err := cs.client.Get(ctx, key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", err // Cache miss, not a failure
		}
		cs.recordFailure()
		return "", fmt.Errorf("redis get failed: %w", err)
	}

	cs.recordSuccess()
	return result, nil
}

// Set stores a value in cache with TTL. Non-string values are JSON encoded.
func (cs *CacheService) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	if err := cs.available(); err != nil {
		return err
	}

	data, err := encode(value)
	if err != nil {
		return err
	}

	if err := cs.client.Set(ctx, key, data, ttl).Err(); err != nil {
		cs.recordFailure()
		return fmt.Errorf("redis set failed: %w", err)
	}

	cs.recordSuccess()
	return nil
}

// SetNX stores value only if key does not exist
func (cs *CacheService) SetNX(ctx context.Context, key string, value interface{}, ttl time.Duration) (bool, error) {
	if err := cs.available(); err != nil {
		return false, err
	}

	data, err := encode(value)
	if err != nil {
		return false, err
	}

	ok, err := cs.client.SetNX(ctx, key, data, ttl).Result()
	if err != nil {
		cs.recordFailure()
		return false, fmt.Errorf("redis setnx failed: %w", err)
	}

	cs.recordSuccess()
	return ok, nil
}

// Delete removes a key from cache.
func (cs *CacheService) Delete(ctx context.Context, key string) error {
	if err := cs.available(); err != nil {
		return err
	}

	if err := cs.client.Del(ctx, key).Err(); err != nil {
		cs.recordFailure()
		return fmt.Errorf("redis delete failed: %w", err)
	}

	cs.recordSuccess()
	return nil
}

// Exists reports whether key is present
func (cs *CacheService) Exists(ctx context.Context, key string) (bool, error) {
	if err := cs.available(); err != nil {
		return false, err
	}

	n, err := cs.client.Exists(ctx, key).Result()
	if err != nil {
		cs.recordFailure()
		return false, fmt.Errorf("redis exists failed: %w", err)
	}

	cs.recordSuccess()
	return n > 0, nil
}

// RunScript executes a Lua script through EVALSHA with EVAL fallback
func (cs *CacheService) RunScript(ctx context.Context, script *redis.Script, keys []string, args ...interface{}) (interface{}, error) {
	if err := cs.available(); err != nil {
		return nil, err
	}

	res, err := script.Run(ctx, cs.client, keys, args...).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		cs.recordFailure()
		return nil, fmt.Errorf("redis script failed: %w", err)
	}

	cs.recordSuccess()
	return res, nil
}

// GetJSON retrieves and unmarshals a JSON value from cache.
func (cs *CacheService) GetJSON(ctx context.Context, key string, dest interface{}) error {
	data, err := cs.Get(ctx, key)
	if err != nil {
		return err
	}

	if err := json.Unmarshal([]byte(data), dest); err != nil {
		return fmt.Errorf("failed to unmarshal cached value: %w", err)
	}

	return nil
}

// SetJSON marshals and stores a JSON value in cache.
func (cs *CacheService) SetJSON(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	return cs.Set(ctx, key, value, ttl)
}

// Close closes the Redis connection.
func (cs *CacheService) Close() error {
	if cs.client != nil {
		return cs.client.Close()
	}
	return nil
}

// Ping checks Redis connectivity.
func (cs *CacheService) Ping(ctx context.Context) error {
	if err := cs.client.Ping(ctx).Err(); err != nil {
		cs.recordFailure()
		return err
	}
	cs.recordSuccess()
	return nil
}

// GetClient returns the underlying Redis client for the stream-backed job queue.
func (cs *CacheService) GetClient() *redis.Client {
	return cs.client
}

// Stats returns cache statistics for monitoring.
type Stats struct {
	Healthy      bool   `json:"healthy"`
	FailureCount int    `json:"failure_count"`
	Address      string `json:"address"`
	PoolSize     int    `json:"pool_size"`
}

// GetStats returns current cache statistics.
func (cs *CacheService) GetStats() Stats {
	cs.mu.RLock()
	defer cs.mu.RUnlock()

	return Stats{
		Healthy:      cs.healthy,
		FailureCount: cs.failureCount,
		Address:      cs.config.Address,
		PoolSize:     cs.config.PoolSize,
	}
}

func encode(value interface{}) (string, error) {
	switch v := value.(type) {
	case string:
		return v, nil
	case []byte:
		return string(v), nil
	default:
		jsonData, err := json.Marshal(value)
		if err != nil {
			return "", fmt.Errorf("failed to marshal value: %w", err)
		}
		return string(jsonData), nil
	}
}

// LockKey generates the redis key guarding a lock name.
func LockKey(name string) string {
	return fmt.Sprintf(PrefixLock, name)
}

// RunCancelKey generates the cancellation flag key of a run.
func RunCancelKey(runID string) string {
	return fmt.Sprintf(PrefixRunCancel, runID)
}

// PipelineViewKey generates the cache key of a pipeline snapshot.
func PipelineViewKey(pipelineID string) string {
	return fmt.Sprintf(PrefixPipelineView, pipelineID)
}
