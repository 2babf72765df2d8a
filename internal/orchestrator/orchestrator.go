// Package orchestrator creates automated backtest and optimization jobs for
// every user with algorithmic trading enabled, without creating duplicates.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"strategy-pipeline/config"
	"strategy-pipeline/internal/backtest"
	"strategy-pipeline/internal/database"
	"strategy-pipeline/internal/logging"
	"strategy-pipeline/internal/pipeline"
	"strategy-pipeline/internal/queue"
	"strategy-pipeline/internal/worker"
)

// Store is the persistence the orchestrator needs
type Store interface {
	ListAlgoTradingEnabledUsers(ctx context.Context) ([]string, error)
	LatestJob(ctx context.Context, userID, algorithm string, since time.Time) (*database.BacktestRun, error)
	CreateJob(ctx context.Context, run *database.BacktestRun) error
	CompleteRun(ctx context.Context, id string, status database.RunStatus, metrics *pipeline.StageMetrics, errMsg string) error
}

// Enqueuer hands created jobs to the workers
type Enqueuer interface {
	Enqueue(ctx context.Context, jobType queue.JobType, payload interface{}) (string, error)
}

// PassPublisher receives a summary of every pass
type PassPublisher interface {
	PublishOrchestrationPass(users, created, skipped, failed int, duration time.Duration)
}

// Options configures the orchestration pass
type Options struct {
	Algorithms    []string
	DedupWindow   time.Duration
	Cooldown      time.Duration
	MaxConcurrent int
	UserTimeout   time.Duration

	// Job is the template of every created job. Algorithm is set per job.
	Job backtest.JobSpec
}

// OptionsFromConfig builds options from the scheduler configuration
func OptionsFromConfig(cfg config.SchedulerConfig) Options {
	return Options{
		Algorithms:    cfg.Algorithms,
		DedupWindow:   cfg.DedupWindow,
		Cooldown:      cfg.Cooldown,
		MaxConcurrent: cfg.MaxConcurrent,
		UserTimeout:   cfg.UserTimeout,
		Job: backtest.JobSpec{
			Strategy:     cfg.Strategy,
			Symbol:       cfg.Symbol,
			Interval:     cfg.Interval,
			LookbackDays: cfg.LookbackDays,
		},
	}
}

// AlgorithmError is a failure to schedule one algorithm for a user
type AlgorithmError struct {
	Algorithm string `json:"algorithm"`
	Reason    string `json:"reason"`
}

// OrchestrationResult is the outcome of scheduling one user
type OrchestrationResult struct {
	UserID            string           `json:"user_id"`
	BacktestsCreated  int              `json:"backtests_created"`
	BacktestIDs       []string         `json:"backtest_ids"`
	SkippedAlgorithms []string         `json:"skipped_algorithms"`
	Errors            []AlgorithmError `json:"errors"`
}

// PassResult summarizes a pass over all eligible users
type PassResult struct {
	Users    int                    `json:"users"`
	Created  int                    `json:"created"`
	Skipped  int                    `json:"skipped"`
	Failed   int                    `json:"failed"`
	Results  []*OrchestrationResult `json:"results"`
	Duration time.Duration          `json:"duration"`
}

// Orchestrator schedules jobs. It holds no state besides its collaborators,
// so overlapping passes are safe: the store's dedup bucket catches the race.
type Orchestrator struct {
	store     Store
	queue     Enqueuer
	publisher PassPublisher
	opts      Options
	logger    *logging.Logger
	now       func() time.Time
}

// New creates an orchestrator. publisher may be nil.
func New(store Store, q Enqueuer, publisher PassPublisher, opts Options, logger *logging.Logger) *Orchestrator {
	if logger == nil {
		logger = logging.Default()
	}
	if opts.MaxConcurrent < 1 {
		opts.MaxConcurrent = 1
	}
	return &Orchestrator{
		store:     store,
		queue:     q,
		publisher: publisher,
		opts:      opts,
		logger:    logger.WithComponent("orchestrator"),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// RunPass schedules jobs for every eligible user
func (o *Orchestrator) RunPass(ctx context.Context) (*PassResult, error) {
	started := o.now()

	users, err := o.store.ListAlgoTradingEnabledUsers(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list eligible users: %w", err)
	}

	results := make([]*OrchestrationResult, len(users))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.opts.MaxConcurrent)
	for i, userID := range users {
		g.Go(func() error {
			uctx := gctx
			if o.opts.UserTimeout > 0 {
				var cancel context.CancelFunc
				uctx, cancel = context.WithTimeout(gctx, o.opts.UserTimeout)
				defer cancel()
			}
			// Per-user failures live in the result, never in the group error
			results[i] = o.OrchestrateForUser(uctx, userID)
			return nil
		})
	}
	_ = g.Wait()

	pass := &PassResult{Users: len(users), Results: results}
	for _, r := range results {
		pass.Created += r.BacktestsCreated
		pass.Skipped += len(r.SkippedAlgorithms)
		pass.Failed += len(r.Errors)
	}
	pass.Duration = o.now().Sub(started)

	o.logger.Info("orchestration pass finished",
		"users", pass.Users,
		"created", pass.Created,
		"skipped", pass.Skipped,
		"errors", pass.Failed,
		"duration_ms", pass.Duration.Milliseconds())
	if o.publisher != nil {
		o.publisher.PublishOrchestrationPass(pass.Users, pass.Created, pass.Skipped, pass.Failed, pass.Duration)
	}
	return pass, nil
}

// OrchestrateForUser creates one job per configured algorithm unless a
// recent job of the same algorithm exists. A failure for one algorithm never
// stops the others.
func (o *Orchestrator) OrchestrateForUser(ctx context.Context, userID string) *OrchestrationResult {
	res := &OrchestrationResult{
		UserID:            userID,
		BacktestIDs:       []string{},
		SkippedAlgorithms: []string{},
		Errors:            []AlgorithmError{},
	}
	log := o.logger.WithField("user_id", userID)

	for _, algo := range o.opts.Algorithms {
		id, skipped, err := o.scheduleAlgorithm(ctx, userID, algo)
		switch {
		case err != nil:
			log.WithError(err).Warn("failed to schedule algorithm", "algorithm", algo)
			res.Errors = append(res.Errors, AlgorithmError{Algorithm: algo, Reason: err.Error()})
		case skipped:
			res.SkippedAlgorithms = append(res.SkippedAlgorithms, algo)
		default:
			res.BacktestIDs = append(res.BacktestIDs, id)
			res.BacktestsCreated++
		}
	}

	if res.BacktestsCreated > 0 || len(res.Errors) > 0 {
		log.Info("user orchestrated",
			"created", res.BacktestsCreated,
			"skipped", len(res.SkippedAlgorithms),
			"errors", len(res.Errors))
	}
	return res
}

// scheduleAlgorithm returns the id of the created job, or skipped when a
// recent job already covers the pair.
func (o *Orchestrator) scheduleAlgorithm(ctx context.Context, userID, algo string) (string, bool, error) {
	now := o.now()

	// The lookup stays the last check before the insert
	latest, err := o.store.LatestJob(ctx, userID, algo, now.Add(-o.opts.DedupWindow))
	if err != nil {
		return "", false, fmt.Errorf("dedup lookup failed: %w", err)
	}
	if latest != nil && o.recent(latest, now) {
		return "", true, nil
	}

	params, err := o.jobParams(algo)
	if err != nil {
		return "", false, err
	}
	run := &database.BacktestRun{
		ID:          uuid.New().String(),
		UserID:      userID,
		Algorithm:   algo,
		Kind:        database.RunKindOptimization,
		DedupBucket: database.DedupBucket(now, o.opts.DedupWindow),
		Params:      params,
		CreatedAt:   now,
	}
	if err := o.store.CreateJob(ctx, run); err != nil {
		if errors.Is(err, database.ErrDuplicateJob) {
			return "", true, nil
		}
		return "", false, fmt.Errorf("failed to create job: %w", err)
	}

	if _, err := o.queue.Enqueue(ctx, queue.JobBacktestRun, worker.BacktestRunPayload{RunID: run.ID}); err != nil {
		if cerr := o.store.CompleteRun(ctx, run.ID, database.RunStatusFailed, nil, "enqueue failed: "+err.Error()); cerr != nil {
			o.logger.WithError(cerr).Warn("failed to mark unqueued job", "run_id", run.ID)
		}
		return "", false, fmt.Errorf("failed to enqueue job %s: %w", run.ID, err)
	}
	return run.ID, false, nil
}

// recent reports whether latest suppresses a new job
func (o *Orchestrator) recent(latest *database.BacktestRun, now time.Time) bool {
	if !latest.Status.IsTerminal() {
		return true
	}
	if latest.Status != database.RunStatusCompleted {
		return false
	}
	finished := latest.CreatedAt
	if latest.CompletedAt != nil {
		finished = *latest.CompletedAt
	}
	return now.Sub(finished) < o.opts.Cooldown
}

func (o *Orchestrator) jobParams(algo string) (map[string]interface{}, error) {
	spec := o.opts.Job
	spec.Algorithm = algo
	data, err := json.Marshal(spec)
	if err != nil {
		return nil, fmt.Errorf("failed to encode job params: %w", err)
	}
	var params map[string]interface{}
	if err := json.Unmarshal(data, &params); err != nil {
		return nil, fmt.Errorf("failed to encode job params: %w", err)
	}
	return params, nil
}
