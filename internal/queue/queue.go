// Package queue provides the durable at-least-once job queue that drives
// stage execution and scheduled backtests.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// JobType names the handler a job is routed to
type JobType string

const (
	JobStageRun       JobType = "stage.run"       // Execute one pipeline stage
	JobStageCompleted JobType = "stage.completed" // Report a finished stage run to the pipeline
	JobBacktestRun    JobType = "backtest.run"    // Scheduled backtest/optimization job
)

// Job is one delivered message
type Job struct {
	ID         string          `json:"id"`
	Type       JobType         `json:"type"`
	Payload    json.RawMessage `json:"payload"`
	Attempt    int             `json:"attempt"` // 1 on first delivery
	EnqueuedAt time.Time       `json:"enqueued_at"`
}

// Decode unmarshals the job payload into v
func (j *Job) Decode(v interface{}) error {
	if err := json.Unmarshal(j.Payload, v); err != nil {
		return Permanent(fmt.Errorf("failed to decode %s payload: %w", j.Type, err))
	}
	return nil
}

// Handler processes a job. Returning nil acknowledges it. A retryable error
// leaves the job to be delivered again; a permanent one dead-letters it.
type Handler func(ctx context.Context, job *Job) error

// Queue is a durable job queue with at-least-once delivery
type Queue interface {
	Enqueue(ctx context.Context, jobType JobType, payload interface{}) (string, error)
	// Consume delivers jobs to handler until ctx is done
	Consume(ctx context.Context, handler Handler) error
	Close() error
}

// Options configures delivery and retry behavior
type Options struct {
	Stream       string
	Group        string
	Consumer     string
	Concurrency  int
	BatchSize    int64
	BlockTimeout time.Duration
	// Pending messages idle longer than this are claimed by another consumer
	ClaimIdle   time.Duration
	MaxAttempts int
	// Delay before a failed in-memory job is retried, indexed by attempt
	BackoffDelays []time.Duration
}

// DefaultOptions returns the stock queue settings
func DefaultOptions() Options {
	return Options{
		Stream:        "pipeline:jobs",
		Group:         "pipeline-workers",
		Consumer:      "worker",
		Concurrency:   4,
		BatchSize:     10,
		BlockTimeout:  2 * time.Second,
		ClaimIdle:     time.Minute,
		MaxAttempts:   5,
		BackoffDelays: []time.Duration{time.Second, 5 * time.Second, 15 * time.Second},
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.Stream == "" {
		o.Stream = d.Stream
	}
	if o.Group == "" {
		o.Group = d.Group
	}
	if o.Consumer == "" {
		o.Consumer = d.Consumer
	}
	if o.Concurrency <= 0 {
		o.Concurrency = d.Concurrency
	}
	if o.BatchSize <= 0 {
		o.BatchSize = d.BatchSize
	}
	if o.BlockTimeout <= 0 {
		o.BlockTimeout = d.BlockTimeout
	}
	if o.ClaimIdle <= 0 {
		o.ClaimIdle = d.ClaimIdle
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = d.MaxAttempts
	}
	if len(o.BackoffDelays) == 0 {
		o.BackoffDelays = d.BackoffDelays
	}
	return o
}

// backoff returns the retry delay after the given attempt
func (o Options) backoff(attempt int) time.Duration {
	if len(o.BackoffDelays) == 0 {
		return 0
	}
	idx := attempt - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(o.BackoffDelays) {
		idx = len(o.BackoffDelays) - 1
	}
	return o.BackoffDelays[idx]
}
