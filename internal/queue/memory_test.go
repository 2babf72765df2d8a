package queue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"strategy-pipeline/internal/logging"
)

type payload struct {
	RunID string `json:"run_id"`
}

func fastOptions() Options {
	return Options{
		Concurrency:   2,
		MaxAttempts:   3,
		BackoffDelays: []time.Duration{5 * time.Millisecond},
	}
}

func TestMemoryQueue_DeliversJobs(t *testing.T) {
	q := NewMemoryQueue(fastOptions(), logging.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	seen := map[string]JobType{}
	done := make(chan struct{}, 3)
	go func() {
		_ = q.Consume(ctx, func(_ context.Context, job *Job) error {
			var p payload
			if err := job.Decode(&p); err != nil {
				return err
			}
			mu.Lock()
			seen[p.RunID] = job.Type
			mu.Unlock()
			done <- struct{}{}
			return nil
		})
	}()

	for _, id := range []string{"a", "b", "c"} {
		_, err := q.Enqueue(ctx, JobStageRun, payload{RunID: id})
		require.NoError(t, err)
	}
	for i := 0; i < 3; i++ {
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for jobs")
		}
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Len(t, seen, 3)
	assert.Equal(t, JobStageRun, seen["b"])
}

func TestMemoryQueue_RetriesUntilSuccess(t *testing.T) {
	q := NewMemoryQueue(fastOptions(), logging.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var attempts []int
	var mu sync.Mutex
	done := make(chan struct{})
	go func() {
		_ = q.Consume(ctx, func(_ context.Context, job *Job) error {
			mu.Lock()
			attempts = append(attempts, job.Attempt)
			mu.Unlock()
			if job.Attempt < 2 {
				return errors.New("connection reset by peer")
			}
			close(done)
			return nil
		})
	}()

	_, err := q.Enqueue(ctx, JobStageCompleted, payload{RunID: "r1"})
	require.NoError(t, err)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("job was not retried")
	}
	mu.Lock()
	assert.Equal(t, []int{1, 2}, attempts)
	mu.Unlock()
	assert.Empty(t, q.DeadLetters())
}

func TestMemoryQueue_DeadLetters(t *testing.T) {
	t.Run("permanent error is not retried", func(t *testing.T) {
		q := NewMemoryQueue(fastOptions(), logging.Nop())
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		var calls int32
		go func() {
			_ = q.Consume(ctx, func(context.Context, *Job) error {
				atomic.AddInt32(&calls, 1)
				return Permanent(errors.New("unknown stage"))
			})
		}()
		_, err := q.Enqueue(ctx, JobStageRun, payload{RunID: "x"})
		require.NoError(t, err)

		require.Eventually(t, func() bool { return len(q.DeadLetters()) == 1 }, 2*time.Second, 5*time.Millisecond)
		time.Sleep(30 * time.Millisecond)
		assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
	})

	t.Run("attempts are capped", func(t *testing.T) {
		q := NewMemoryQueue(fastOptions(), logging.Nop())
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		var calls int32
		go func() {
			_ = q.Consume(ctx, func(context.Context, *Job) error {
				atomic.AddInt32(&calls, 1)
				return errors.New("engine exploded")
			})
		}()
		_, err := q.Enqueue(ctx, JobBacktestRun, payload{RunID: "y"})
		require.NoError(t, err)

		require.Eventually(t, func() bool { return len(q.DeadLetters()) == 1 }, 2*time.Second, 5*time.Millisecond)
		assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
		assert.Equal(t, 3, q.DeadLetters()[0].Attempt)
	})
}

func TestMemoryQueue_Closed(t *testing.T) {
	q := NewMemoryQueue(Options{}, logging.Nop())
	require.NoError(t, q.Close())
	_, err := q.Enqueue(context.Background(), JobStageRun, payload{})
	assert.ErrorIs(t, err, ErrClosed)
}
