// Package checkpoint lets long-running simulations persist partial progress
// and resume after a restart instead of starting over.
package checkpoint

import (
	"context"
	"time"

	"strategy-pipeline/internal/logging"
)

// Checkpoint is the persisted progress of one run
type Checkpoint struct {
	RunID                   string    `json:"run_id"`
	State                   []byte    `json:"-"`
	ProcessedTimestampCount int64     `json:"processed_timestamp_count"`
	TotalTimestampCount     int64     `json:"total_timestamp_count"`
	LastCheckpointAt        time.Time `json:"last_checkpoint_at"`
}

// CompletionReady reports whether every timestamp has been processed
func (c *Checkpoint) CompletionReady() bool {
	return c.TotalTimestampCount > 0 && c.ProcessedTimestampCount >= c.TotalTimestampCount
}

// Store persists checkpoints. SaveCheckpoint overwrites atomically and stamps
// LastCheckpointAt. LoadCheckpoint returns nil, nil when the run has none.
type Store interface {
	SaveCheckpoint(ctx context.Context, runID string, state []byte, processed, total int64) error
	LoadCheckpoint(ctx context.Context, runID string) (*Checkpoint, error)
	ClearCheckpoint(ctx context.Context, runID string) error
}

// Checkpointer writes checkpoints on a count or wall-clock interval,
// whichever comes first. Writes are best effort: a failure is logged and
// the next interval tries again.
type Checkpointer struct {
	store    Store
	runID    string
	every    int64
	interval time.Duration
	logger   *logging.Logger
	now      func() time.Time

	lastCount int64
	lastAt    time.Time
	writes    int
	failures  int
}

// NewCheckpointer creates a checkpointer for runID starting at processed
func NewCheckpointer(store Store, runID string, every int64, interval time.Duration, processed int64, logger *logging.Logger) *Checkpointer {
	if logger == nil {
		logger = logging.CheckpointContext(runID)
	}
	return &Checkpointer{
		store:     store,
		runID:     runID,
		every:     every,
		interval:  interval,
		logger:    logger,
		now:       time.Now,
		lastCount: processed,
		lastAt:    time.Now(),
	}
}

// Due reports whether a checkpoint should be written at processed
func (c *Checkpointer) Due(processed int64) bool {
	if c.every > 0 && processed-c.lastCount >= c.every {
		return true
	}
	return c.interval > 0 && c.now().Sub(c.lastAt) >= c.interval
}

// Save writes a checkpoint. It reports whether the write succeeded and never
// returns the store error to the caller.
func (c *Checkpointer) Save(ctx context.Context, state []byte, processed, total int64) bool {
	c.lastCount = processed
	c.lastAt = c.now()

	if err := c.store.SaveCheckpoint(ctx, c.runID, state, processed, total); err != nil {
		c.failures++
		c.logger.WithError(err).Warn("checkpoint write failed, retrying next interval",
			"run_id", c.runID, "processed", processed, "total", total, "failures", c.failures)
		return false
	}
	c.writes++
	return true
}

// Writes returns the number of successful checkpoint writes
func (c *Checkpointer) Writes() int { return c.writes }

// Failures returns the number of failed checkpoint writes
func (c *Checkpointer) Failures() int { return c.failures }
