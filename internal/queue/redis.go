package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"strategy-pipeline/internal/logging"
)

// RedisQueue is a Redis Streams queue. Jobs are appended with XADD and read
// through a consumer group; a job is acknowledged only after its handler
// returns nil, so a crashed worker's jobs are reclaimed by XAUTOCLAIM once
// they have been idle for ClaimIdle. A consumer re-claims the job it is
// running well within ClaimIdle, so a long job is never taken over while
// its handler is alive.
type RedisQueue struct {
	client *redis.Client
	opts   Options
	logger *logging.Logger
}

// NewRedisQueue creates a queue on the configured stream and consumer group
func NewRedisQueue(ctx context.Context, client *redis.Client, opts Options, logger *logging.Logger) (*RedisQueue, error) {
	if logger == nil {
		logger = logging.Default()
	}
	q := &RedisQueue{
		client: client,
		opts:   opts.withDefaults(),
		logger: logger.WithComponent("queue"),
	}
	if err := q.ensureGroup(ctx); err != nil {
		return nil, err
	}
	return q, nil
}

func (q *RedisQueue) ensureGroup(ctx context.Context) error {
	err := q.client.XGroupCreateMkStream(ctx, q.opts.Stream, q.opts.Group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("failed to create consumer group %s: %w", q.opts.Group, err)
	}
	return nil
}

// DeadLetterStream is where jobs go after exhausting their attempts
func (q *RedisQueue) DeadLetterStream() string {
	return q.opts.Stream + ":dead"
}

// Enqueue appends a job to the stream
func (q *RedisQueue) Enqueue(ctx context.Context, jobType JobType, payload interface{}) (string, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("failed to encode %s payload: %w", jobType, err)
	}

	id, err := q.client.XAdd(ctx, &redis.XAddArgs{
		Stream: q.opts.Stream,
		Values: map[string]interface{}{
			"type":        string(jobType),
			"payload":     string(data),
			"enqueued_at": time.Now().UnixMilli(),
		},
	}).Result()
	if err != nil {
		return "", fmt.Errorf("failed to enqueue %s job: %w", jobType, err)
	}
	return id, nil
}

// Consume runs Concurrency consumers until ctx is done
func (q *RedisQueue) Consume(ctx context.Context, handler Handler) error {
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < q.opts.Concurrency; i++ {
		consumer := fmt.Sprintf("%s-%d", q.opts.Consumer, i)
		g.Go(func() error {
			return q.consumeLoop(gctx, consumer, handler)
		})
	}
	return g.Wait()
}

func (q *RedisQueue) consumeLoop(ctx context.Context, consumer string, handler Handler) error {
	log := q.logger.WithField("consumer", consumer)
	for {
		if ctx.Err() != nil {
			return nil
		}

		claimed, err := q.claimStale(ctx, consumer)
		if err != nil && ctx.Err() == nil {
			log.WithError(err).Warn("failed to claim stale jobs")
		}
		for _, msg := range claimed {
			q.handle(ctx, consumer, msg, handler)
		}

		streams, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    q.opts.Group,
			Consumer: consumer,
			Streams:  []string{q.opts.Stream, ">"},
			Count:    q.opts.BatchSize,
			Block:    q.opts.BlockTimeout,
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) || ctx.Err() != nil {
				continue
			}
			log.WithError(err).Error("failed to read jobs")
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(q.opts.backoff(1)):
			}
			continue
		}

		for _, stream := range streams {
			for _, msg := range stream.Messages {
				q.handle(ctx, consumer, msg, handler)
			}
		}
	}
}

// claimStale takes over jobs whose consumer stopped acknowledging them.
// This is also how failed jobs are retried: they stay pending until idle.
func (q *RedisQueue) claimStale(ctx context.Context, consumer string) ([]redis.XMessage, error) {
	msgs, _, err := q.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   q.opts.Stream,
		Group:    q.opts.Group,
		Consumer: consumer,
		MinIdle:  q.opts.ClaimIdle,
		Start:    "0-0",
		Count:    q.opts.BatchSize,
	}).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}
	return msgs, nil
}

func (q *RedisQueue) handle(ctx context.Context, consumer string, msg redis.XMessage, handler Handler) {
	job, err := q.decode(msg)
	if err == nil {
		job.Attempt = q.deliveryCount(ctx, msg.ID)
		release := q.holdClaim(ctx, consumer, msg.ID)
		err = handler(ctx, job)
		release()
	}
	if err == nil {
		q.ack(ctx, msg.ID)
		return
	}

	log := q.logger.WithFields(map[string]interface{}{
		"job_id":  msg.ID,
		"attempt": job.Attempt,
	})
	if job.Type != "" {
		log = log.WithField("job_type", string(job.Type))
	}

	if !IsRetryable(err) || job.Attempt >= q.opts.MaxAttempts {
		log.WithError(err).Error("job failed permanently, dead-lettering")
		q.deadLetter(ctx, msg, err)
		return
	}

	// Left pending; XAUTOCLAIM redelivers it after ClaimIdle
	if IsTransient(err) {
		log.WithError(err).Warn("job failed, will retry")
	} else {
		log.WithError(err).Error("job failed, will retry")
	}
}

// holdClaim resets the idle time of a pending entry every third of
// ClaimIdle until release is called. XCLAIM with JUSTID does not count as a
// delivery, so the attempt number is unchanged.
func (q *RedisQueue) holdClaim(ctx context.Context, consumer, id string) (release func()) {
	interval := q.opts.ClaimIdle / 3
	if interval < 10*time.Millisecond {
		interval = 10 * time.Millisecond
	}

	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				err := q.client.XClaimJustID(ctx, &redis.XClaimArgs{
					Stream:   q.opts.Stream,
					Group:    q.opts.Group,
					Consumer: consumer,
					MinIdle:  0,
					Messages: []string{id},
				}).Err()
				if err != nil && !errors.Is(err, redis.Nil) && ctx.Err() == nil {
					q.logger.WithError(err).Warn("failed to refresh job claim", "job_id", id)
				}
			}
		}
	}()

	return func() {
		close(stop)
		<-done
	}
}

func (q *RedisQueue) decode(msg redis.XMessage) (*Job, error) {
	job := &Job{ID: msg.ID, Attempt: 1}

	jobType, _ := msg.Values["type"].(string)
	payload, _ := msg.Values["payload"].(string)
	if jobType == "" {
		return job, Permanent(fmt.Errorf("job %s has no type", msg.ID))
	}
	job.Type = JobType(jobType)
	job.Payload = json.RawMessage(payload)

	if raw, ok := msg.Values["enqueued_at"].(string); ok {
		if ms, err := strconv.ParseInt(raw, 10, 64); err == nil {
			job.EnqueuedAt = time.UnixMilli(ms)
		}
	}
	return job, nil
}

// deliveryCount reads how many times the group has delivered the entry
func (q *RedisQueue) deliveryCount(ctx context.Context, id string) int {
	pending, err := q.client.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: q.opts.Stream,
		Group:  q.opts.Group,
		Start:  id,
		End:    id,
		Count:  1,
	}).Result()
	if err != nil || len(pending) == 0 {
		return 1
	}
	return int(pending[0].RetryCount)
}

func (q *RedisQueue) ack(ctx context.Context, id string) {
	if err := q.client.XAck(ctx, q.opts.Stream, q.opts.Group, id).Err(); err != nil {
		q.logger.WithError(err).Error("failed to acknowledge job", "job_id", id)
	}
}

func (q *RedisQueue) deadLetter(ctx context.Context, msg redis.XMessage, cause error) {
	values := make(map[string]interface{}, len(msg.Values)+2)
	for k, v := range msg.Values {
		values[k] = v
	}
	values["source_id"] = msg.ID
	values["error"] = cause.Error()

	if err := q.client.XAdd(ctx, &redis.XAddArgs{
		Stream: q.DeadLetterStream(),
		Values: values,
	}).Err(); err != nil {
		// Keep it pending rather than lose it
		q.logger.WithError(err).Error("failed to dead-letter job", "job_id", msg.ID)
		return
	}
	q.ack(ctx, msg.ID)
}

// Close is a no-op; the Redis client is owned by the caller
func (q *RedisQueue) Close() error {
	return nil
}
