package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"strategy-pipeline/internal/logging"
)

// ErrClosed is returned when enqueueing on a closed queue
var ErrClosed = errors.New("queue closed")

// MemoryQueue is a channel-backed queue for mock mode and tests. It retries
// failed jobs with backoff like the Redis queue, but nothing survives a restart.
type MemoryQueue struct {
	opts   Options
	logger *logging.Logger
	jobs   chan *Job

	mu     sync.Mutex
	closed bool
	dead   []*Job
}

// NewMemoryQueue creates an in-memory queue
func NewMemoryQueue(opts Options, logger *logging.Logger) *MemoryQueue {
	if logger == nil {
		logger = logging.Default()
	}
	return &MemoryQueue{
		opts:   opts.withDefaults(),
		logger: logger.WithComponent("queue"),
		jobs:   make(chan *Job, 1024),
	}
}

// Enqueue adds a job
func (m *MemoryQueue) Enqueue(ctx context.Context, jobType JobType, payload interface{}) (string, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("failed to encode %s payload: %w", jobType, err)
	}

	m.mu.Lock()
	closed := m.closed
	m.mu.Unlock()
	if closed {
		return "", ErrClosed
	}

	job := &Job{
		ID:         uuid.New().String(),
		Type:       jobType,
		Payload:    data,
		Attempt:    1,
		EnqueuedAt: time.Now(),
	}
	select {
	case m.jobs <- job:
		return job.ID, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Consume runs Concurrency workers until ctx is done
func (m *MemoryQueue) Consume(ctx context.Context, handler Handler) error {
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < m.opts.Concurrency; i++ {
		g.Go(func() error {
			for {
				select {
				case <-gctx.Done():
					return nil
				case job := <-m.jobs:
					m.process(gctx, handler, job)
				}
			}
		})
	}
	return g.Wait()
}

func (m *MemoryQueue) process(ctx context.Context, handler Handler, job *Job) {
	err := handler(ctx, job)
	if err == nil {
		return
	}

	log := m.logger.WithFields(map[string]interface{}{
		"job_id":   job.ID,
		"job_type": string(job.Type),
		"attempt":  job.Attempt,
	})

	if !IsRetryable(err) || job.Attempt >= m.opts.MaxAttempts {
		log.WithError(err).Error("job failed permanently, dead-lettering")
		m.mu.Lock()
		m.dead = append(m.dead, job)
		m.mu.Unlock()
		return
	}

	delay := m.opts.backoff(job.Attempt)
	log.WithError(err).Warn("job failed, scheduling retry", "delay", delay.String(), "transient", IsTransient(err))

	retry := *job
	retry.Attempt++
	time.AfterFunc(delay, func() {
		m.mu.Lock()
		closed := m.closed
		m.mu.Unlock()
		if !closed {
			m.jobs <- &retry
		}
	})
}

// DeadLetters returns the jobs that exhausted their attempts
func (m *MemoryQueue) DeadLetters() []*Job {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Job, len(m.dead))
	copy(out, m.dead)
	return out
}

// Close stops accepting jobs
func (m *MemoryQueue) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}
