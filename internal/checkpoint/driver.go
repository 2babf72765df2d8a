package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"strategy-pipeline/internal/logging"
)

// ErrCancelled is returned when a run observed a cancellation request
var ErrCancelled = errors.New("run cancelled")

// Simulation is a resumable computation over an ordered set of timestamps.
// State returns a pointer to everything Step mutates; it is msgpack encoded
// into checkpoints and decoded back on resume.
type Simulation interface {
	Total() int64
	State() interface{}
	Step(ctx context.Context, index int64) error
}

// Resetter is implemented by simulations that can return to their initial
// state after a checkpoint failed to decode into them.
type Resetter interface {
	Reset()
}

// CancelFunc reports whether the run has been asked to stop. It is polled
// only at checkpoint boundaries.
type CancelFunc func(ctx context.Context) bool

// ProgressPublisher receives progress after each checkpoint
type ProgressPublisher interface {
	PublishStageProgress(runID string, processed, total int64)
}

// Options controls checkpoint cadence
type Options struct {
	EveryN   int64
	Interval time.Duration
}

// Outcome summarizes a driver run
type Outcome struct {
	Processed    int64 `json:"processed"`
	Total        int64 `json:"total"`
	Resumed      bool  `json:"resumed"`
	ResumedFrom  int64 `json:"resumed_from"`
	Checkpoints  int   `json:"checkpoints"`
	FailedWrites int   `json:"failed_writes"`
	Cancelled    bool  `json:"cancelled"`
}

// Driver steps a Simulation, checkpointing and resuming through a Store
type Driver struct {
	store    Store
	opts     Options
	progress ProgressPublisher
	logger   *logging.Logger
}

// NewDriver creates a driver. progress may be nil.
func NewDriver(store Store, opts Options, progress ProgressPublisher, logger *logging.Logger) *Driver {
	if logger == nil {
		logger = logging.Default()
	}
	return &Driver{
		store:    store,
		opts:     opts,
		progress: progress,
		logger:   logger.WithComponent("checkpoint"),
	}
}

// Run executes sim for runID, continuing from the latest checkpoint when one
// exists. The checkpoint is cleared once every timestamp has been processed.
func (d *Driver) Run(ctx context.Context, runID string, sim Simulation, cancelled CancelFunc) (*Outcome, error) {
	log := d.logger.WithField("run_id", runID)
	total := sim.Total()
	out := &Outcome{Total: total}

	start, err := d.restore(ctx, runID, sim, total)
	if err != nil {
		return out, err
	}
	if start > 0 {
		out.Resumed = true
		out.ResumedFrom = start
		log.Info("resuming from checkpoint", "processed", start, "total", total)
	}

	cp := NewCheckpointer(d.store, runID, d.opts.EveryN, d.opts.Interval, start, log)
	out.Processed = start

	for i := start; i < total; i++ {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		if err := sim.Step(ctx, i); err != nil {
			return out, fmt.Errorf("step %d failed: %w", i, err)
		}
		processed := i + 1
		out.Processed = processed

		if processed >= total || !cp.Due(processed) {
			continue
		}

		state, err := msgpack.Marshal(sim.State())
		if err != nil {
			log.WithError(err).Warn("failed to encode checkpoint state", "processed", processed)
		} else {
			cp.Save(ctx, state, processed, total)
		}
		out.Checkpoints = cp.Writes()
		out.FailedWrites = cp.Failures()

		if d.progress != nil {
			d.progress.PublishStageProgress(runID, processed, total)
		}
		if cancelled != nil && cancelled(ctx) {
			out.Cancelled = true
			log.Info("cancellation observed at checkpoint", "processed", processed)
			return out, ErrCancelled
		}
	}

	if err := d.store.ClearCheckpoint(ctx, runID); err != nil {
		log.WithError(err).Warn("failed to clear checkpoint")
	}
	if d.progress != nil {
		d.progress.PublishStageProgress(runID, total, total)
	}
	return out, nil
}

// restore loads and decodes the latest checkpoint into sim and returns the
// index to continue from. Unusable checkpoints are discarded.
func (d *Driver) restore(ctx context.Context, runID string, sim Simulation, total int64) (int64, error) {
	cp, err := d.store.LoadCheckpoint(ctx, runID)
	if err != nil {
		return 0, fmt.Errorf("failed to load checkpoint: %w", err)
	}
	if cp == nil || len(cp.State) == 0 {
		return 0, nil
	}

	log := d.logger.WithField("run_id", runID)
	if cp.TotalTimestampCount != total || cp.ProcessedTimestampCount > total || cp.ProcessedTimestampCount < 0 {
		log.Warn("discarding checkpoint for a different timestamp range",
			"checkpoint_total", cp.TotalTimestampCount, "total", total)
		d.discard(ctx, runID)
		return 0, nil
	}
	if err := msgpack.Unmarshal(cp.State, sim.State()); err != nil {
		r, ok := sim.(Resetter)
		if !ok {
			return 0, fmt.Errorf("checkpoint state incompatible with simulation: %w", err)
		}
		log.WithError(err).Warn("discarding undecodable checkpoint")
		r.Reset()
		d.discard(ctx, runID)
		return 0, nil
	}
	return cp.ProcessedTimestampCount, nil
}

func (d *Driver) discard(ctx context.Context, runID string) {
	if err := d.store.ClearCheckpoint(ctx, runID); err != nil {
		d.logger.WithError(err).Warn("failed to clear checkpoint", "run_id", runID)
	}
}
