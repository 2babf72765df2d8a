package cache

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"strategy-pipeline/internal/logging"
)

// Releases the lock only if it still holds our token
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Extends the lease only if it still holds our token
var refreshScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// LocalLocker is an in-process keyed mutex. Waiting honours context cancellation.
type LocalLocker struct {
	mu    sync.Mutex
	locks map[string]*localLock
}

type localLock struct {
	ch   chan struct{}
	refs int
}

// NewLocalLocker creates a keyed mutex
func NewLocalLocker() *LocalLocker {
	return &LocalLocker{locks: make(map[string]*localLock)}
}

// Lock blocks until key is free or ctx is done
func (l *LocalLocker) Lock(ctx context.Context, key string) (func(), error) {
	l.mu.Lock()
	lk, ok := l.locks[key]
	if !ok {
		lk = &localLock{ch: make(chan struct{}, 1)}
		l.locks[key] = lk
	}
	lk.refs++
	l.mu.Unlock()

	select {
	case lk.ch <- struct{}{}:
	case <-ctx.Done():
		l.release(key, lk)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-lk.ch
			l.release(key, lk)
		})
	}, nil
}

func (l *LocalLocker) release(key string, lk *localLock) {
	l.mu.Lock()
	defer l.mu.Unlock()
	lk.refs--
	if lk.refs == 0 {
		delete(l.locks, key)
	}
}

// RedisLocker is a lease-based distributed lock (SET NX PX with a random
// token). The lease is refreshed while held. When the circuit breaker is
// open it degrades to an in-process lock.
type RedisLocker struct {
	cs       *CacheService
	ttl      time.Duration
	retry    time.Duration
	fallback *LocalLocker
	logger   *logging.Logger
}

// NewRedisLocker creates a distributed locker with the given lease
func NewRedisLocker(cs *CacheService, ttl time.Duration, logger *logging.Logger) *RedisLocker {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &RedisLocker{
		cs:       cs,
		ttl:      ttl,
		retry:    50 * time.Millisecond,
		fallback: NewLocalLocker(),
		logger:   logger.WithComponent("lock"),
	}
}

// Lock acquires key, retrying until ctx is done
func (r *RedisLocker) Lock(ctx context.Context, key string) (func(), error) {
	redisKey := LockKey(key)
	token := uuid.New().String()

	for {
		ok, err := r.cs.SetNX(ctx, redisKey, token, r.ttl)
		if errors.Is(err, ErrUnavailable) {
			r.logger.Warn("redis unavailable, using local lock", "key", key)
			return r.fallback.Lock(ctx, key)
		}
		if err != nil {
			return nil, err
		}
		if ok {
			break
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(r.retry):
		}
	}

	stop := make(chan struct{})
	go r.keepAlive(redisKey, token, stop)

	var once sync.Once
	return func() {
		once.Do(func() {
			close(stop)
			releaseCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			if _, err := r.cs.RunScript(releaseCtx, releaseScript, []string{redisKey}, token); err != nil {
				r.logger.WithError(err).Warn("failed to release lock, lease will expire", "key", key)
			}
		})
	}, nil
}

func (r *RedisLocker) keepAlive(redisKey, token string, stop <-chan struct{}) {
	ticker := time.NewTicker(r.ttl / 3)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			_, err := r.cs.RunScript(ctx, refreshScript, []string{redisKey}, token, r.ttl.Milliseconds())
			cancel()
			if err != nil {
				r.logger.WithError(err).Warn("failed to refresh lock lease", "key", redisKey)
			}
		}
	}
}
