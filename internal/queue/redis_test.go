package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"strategy-pipeline/internal/logging"
)

func setupRedisClient(t *testing.T) *redis.Client {
	t.Helper()

	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "redis:7-alpine",
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor:   wait.ForListeningPort("6379/tcp").WithStartupTimeout(60 * time.Second),
		},
		Started: true,
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		if err := container.Terminate(ctx); err != nil {
			t.Logf("failed to terminate container: %v", err)
		}
	})

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "6379")
	require.NoError(t, err)

	client := redis.NewClient(&redis.Options{Addr: fmt.Sprintf("%s:%s", host, port.Port())})
	t.Cleanup(func() { _ = client.Close() })
	require.NoError(t, client.Ping(ctx).Err())
	return client
}

func TestRedisQueue_Integration(t *testing.T) {
	client := setupRedisClient(t)

	opts := Options{
		Stream:       "test:jobs",
		Concurrency:  1,
		BlockTimeout: 50 * time.Millisecond,
		ClaimIdle:    20 * time.Millisecond,
		MaxAttempts:  3,
	}

	t.Run("group creation is idempotent", func(t *testing.T) {
		ctx := context.Background()
		_, err := NewRedisQueue(ctx, client, opts, logging.Nop())
		require.NoError(t, err)
		_, err = NewRedisQueue(ctx, client, opts, logging.Nop())
		require.NoError(t, err)
	})

	t.Run("delivers and acknowledges", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		q, err := NewRedisQueue(ctx, client, opts, logging.Nop())
		require.NoError(t, err)

		got := make(chan *Job, 1)
		go func() {
			_ = q.Consume(ctx, func(_ context.Context, job *Job) error {
				got <- job
				return nil
			})
		}()

		id, err := q.Enqueue(ctx, JobStageRun, payload{RunID: "run-1"})
		require.NoError(t, err)

		select {
		case job := <-got:
			assert.Equal(t, id, job.ID)
			assert.Equal(t, JobStageRun, job.Type)
			assert.Equal(t, 1, job.Attempt)
			var p payload
			require.NoError(t, job.Decode(&p))
			assert.Equal(t, "run-1", p.RunID)
		case <-time.After(5 * time.Second):
			t.Fatal("job not delivered")
		}

		require.Eventually(t, func() bool {
			summary, err := client.XPending(ctx, opts.Stream, q.opts.Group).Result()
			return err == nil && summary.Count == 0
		}, 5*time.Second, 20*time.Millisecond)
	})

	t.Run("failed job is reclaimed then dead-lettered", func(t *testing.T) {
		o := opts
		o.Stream = "test:retry"
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		q, err := NewRedisQueue(ctx, client, o, logging.Nop())
		require.NoError(t, err)

		var calls int32
		go func() {
			_ = q.Consume(ctx, func(context.Context, *Job) error {
				atomic.AddInt32(&calls, 1)
				return errors.New("engine exploded")
			})
		}()

		_, err = q.Enqueue(ctx, JobBacktestRun, payload{RunID: "run-2"})
		require.NoError(t, err)

		require.Eventually(t, func() bool {
			n, err := client.XLen(ctx, q.DeadLetterStream()).Result()
			return err == nil && n == 1
		}, 10*time.Second, 20*time.Millisecond)
		assert.Equal(t, int32(3), atomic.LoadInt32(&calls))

		dead, err := client.XRange(ctx, q.DeadLetterStream(), "-", "+").Result()
		require.NoError(t, err)
		assert.Equal(t, "engine exploded", dead[0].Values["error"])
		assert.Equal(t, string(JobBacktestRun), dead[0].Values["type"])
	})

	t.Run("long job is not reclaimed while running", func(t *testing.T) {
		o := opts
		o.Stream = "test:long"
		o.Concurrency = 4
		o.ClaimIdle = 200 * time.Millisecond
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		q, err := NewRedisQueue(ctx, client, o, logging.Nop())
		require.NoError(t, err)

		var starts, running, maxRunning int32
		var attempts []int
		var mu sync.Mutex
		go func() {
			_ = q.Consume(ctx, func(_ context.Context, job *Job) error {
				atomic.AddInt32(&starts, 1)
				n := atomic.AddInt32(&running, 1)
				defer atomic.AddInt32(&running, -1)
				for {
					m := atomic.LoadInt32(&maxRunning)
					if n <= m || atomic.CompareAndSwapInt32(&maxRunning, m, n) {
						break
					}
				}
				mu.Lock()
				attempts = append(attempts, job.Attempt)
				mu.Unlock()
				time.Sleep(1500 * time.Millisecond)
				return nil
			})
		}()

		_, err = q.Enqueue(ctx, JobStageRun, payload{RunID: "run-3"})
		require.NoError(t, err)

		require.Eventually(t, func() bool {
			if atomic.LoadInt32(&starts) == 0 {
				return false
			}
			summary, err := client.XPending(ctx, o.Stream, q.opts.Group).Result()
			return err == nil && summary.Count == 0
		}, 10*time.Second, 20*time.Millisecond)

		// give the other consumers a few claim cycles to misbehave
		time.Sleep(3 * o.ClaimIdle)
		assert.Equal(t, int32(1), atomic.LoadInt32(&starts))
		assert.Equal(t, int32(1), atomic.LoadInt32(&maxRunning))
		mu.Lock()
		assert.Equal(t, []int{1}, attempts)
		mu.Unlock()
	})
}
