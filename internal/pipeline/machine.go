package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"strategy-pipeline/internal/logging"
)

// Repository persists pipelines. UpdatePipeline also maintains the
// pipeline-to-run lookup index for every stage reference set on p.
type Repository interface {
	CreatePipeline(ctx context.Context, p *Pipeline) error
	GetPipeline(ctx context.Context, id string) (*Pipeline, error)
	UpdatePipeline(ctx context.Context, p *Pipeline) error
	ListPipelinesByUser(ctx context.Context, userID string) ([]*Pipeline, error)
}

// StrategyConfigStore resolves the strategy configuration a pipeline validates
type StrategyConfigStore interface {
	GetStrategyConfig(ctx context.Context, id string) (*StrategyConfig, error)
}

// StageRequest is everything a stage runner needs to execute one stage
type StageRequest struct {
	PipelineID          string                 `json:"pipeline_id"`
	UserID              string                 `json:"user_id"`
	StrategyConfigID    string                 `json:"strategy_config_id"`
	ExchangeKeyID       string                 `json:"exchange_key_id"`
	Stage               Stage                  `json:"stage"`
	Config              StageConfig            `json:"config"`
	OptimizedParameters map[string]interface{} `json:"optimized_parameters,omitempty"`
}

// StageRunner starts stage execution asynchronously. RunStage returns the id
// of the run that will later report a StageCompletion.
type StageRunner interface {
	RunStage(ctx context.Context, req StageRequest) (runID string, err error)
	CancelStage(ctx context.Context, runID string) error
}

// Locker serializes mutations of a single pipeline
type Locker interface {
	Lock(ctx context.Context, key string) (unlock func(), err error)
}

// EventPublisher receives pipeline notifications
type EventPublisher interface {
	PublishPipelineCreated(pipelineID, userID, strategyConfigID string)
	PublishStageTransition(pipelineID, userID, from, to string, score float64)
	PublishStatusChanged(pipelineID, userID, from, to, reason string)
	PublishRecommendation(pipelineID, userID, recommendation string, confidence float64, warnings []string)
}

// ServiceConfig holds the policy defaults of the service
type ServiceConfig struct {
	Gate   GateDefaults
	Report ReportPolicy
}

// DefaultServiceConfig returns the stock gate and report policy
func DefaultServiceConfig() ServiceConfig {
	return ServiceConfig{Gate: DefaultGateDefaults(), Report: DefaultReportPolicy()}
}

// Service is the pipeline state machine. It is the only writer of a
// pipeline's status and current stage.
type Service struct {
	repo       Repository
	strategies StrategyConfigStore
	runner     StageRunner
	locker     Locker
	publisher  EventPublisher
	gate       *Gate
	report     ReportPolicy
	logger     *logging.Logger
	now        func() time.Time
}

// NewService creates a pipeline service
func NewService(
	repo Repository,
	strategies StrategyConfigStore,
	runner StageRunner,
	locker Locker,
	publisher EventPublisher,
	cfg ServiceConfig,
	logger *logging.Logger,
) *Service {
	if logger == nil {
		logger = logging.Default()
	}
	if publisher == nil {
		publisher = nopPublisher{}
	}
	return &Service{
		repo:       repo,
		strategies: strategies,
		runner:     runner,
		locker:     locker,
		publisher:  publisher,
		gate:       NewGate(cfg.Gate),
		report:     cfg.Report,
		logger:     logger.WithComponent("pipeline"),
		now:        time.Now,
	}
}

// SetClock replaces the time source, for tests
func (s *Service) SetClock(now func() time.Time) {
	s.now = now
}

// LockKey is the single-writer lock key of a pipeline
func LockKey(pipelineID string) string {
	return "pipeline:" + pipelineID
}

// outbox defers notifications until the transition is persisted. Undo
// steps run instead when the transition is abandoned.
type outbox struct {
	notes []func()
	undo  []func(ctx context.Context)
}

func (o *outbox) add(fn func()) { o.notes = append(o.notes, fn) }

func (o *outbox) onAbort(fn func(ctx context.Context)) { o.undo = append(o.undo, fn) }

func (o *outbox) flush() {
	for _, fn := range o.notes {
		fn()
	}
}

func (o *outbox) abort(ctx context.Context) {
	ctx = context.WithoutCancel(ctx)
	for i := len(o.undo) - 1; i >= 0; i-- {
		o.undo[i](ctx)
	}
}

func (s *Service) withPipeline(ctx context.Context, id string, fn func(p *Pipeline, ob *outbox) (bool, error)) (*Pipeline, error) {
	unlock, err := s.locker.Lock(ctx, LockKey(id))
	if err != nil {
		return nil, fmt.Errorf("failed to lock pipeline %s: %w", id, err)
	}
	defer unlock()

	p, err := s.repo.GetPipeline(ctx, id)
	if err != nil {
		return nil, err
	}
	if p.StageResults == nil {
		p.StageResults = make(map[Stage]*StageResult)
	}

	var ob outbox
	changed, err := fn(p, &ob)
	if err != nil {
		ob.abort(ctx)
		return nil, err
	}
	if !changed {
		return p, nil
	}

	p.UpdatedAt = s.now()
	if err := s.repo.UpdatePipeline(ctx, p); err != nil {
		ob.abort(ctx)
		return nil, fmt.Errorf("failed to update pipeline %s: %w", id, err)
	}
	ob.flush()
	return p, nil
}

// CreatePipeline validates the request and persists a PENDING pipeline.
// Configuration problems are returned as ValidationErrors before anything is stored.
func (s *Service) CreatePipeline(ctx context.Context, req CreateRequest) (*Pipeline, error) {
	if err := ValidateCreateRequest(req); err != nil {
		return nil, err
	}

	sc, err := s.strategies.GetStrategyConfig(ctx, req.StrategyConfigID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ValidationErrors{{Field: "strategy_config_id", Reason: "strategy configuration not found"}}
		}
		return nil, fmt.Errorf("failed to load strategy config %s: %w", req.StrategyConfigID, err)
	}
	if sc.UserID != "" && sc.UserID != req.UserID {
		return nil, ValidationErrors{{Field: "strategy_config_id", Reason: "strategy configuration belongs to another user"}}
	}

	stageConfig := req.StageConfig
	if stageConfig.Optimization.Algorithm == "" {
		stageConfig.Optimization.Algorithm = sc.Algorithm
	}

	now := s.now()
	p := &Pipeline{
		ID:               uuid.New().String(),
		UserID:           req.UserID,
		StrategyConfigID: req.StrategyConfigID,
		ExchangeKeyID:    req.ExchangeKeyID,
		Status:           StatusPending,
		CurrentStage:     StageOptimize,
		StageConfig:      stageConfig,
		ProgressionRules: req.ProgressionRules,
		StageResults:     make(map[Stage]*StageResult),
		CreatedAt:        now,
		UpdatedAt:        now,
	}

	if err := s.repo.CreatePipeline(ctx, p); err != nil {
		return nil, fmt.Errorf("failed to create pipeline: %w", err)
	}

	s.logger.Info("pipeline created", "pipeline_id", p.ID, "user_id", p.UserID, "strategy_config_id", p.StrategyConfigID)
	s.publisher.PublishPipelineCreated(p.ID, p.UserID, p.StrategyConfigID)
	return p, nil
}

// GetPipeline returns a pipeline by id
func (s *Service) GetPipeline(ctx context.Context, id string) (*Pipeline, error) {
	return s.repo.GetPipeline(ctx, id)
}

// ListByUser returns the pipelines of a user
func (s *Service) ListByUser(ctx context.Context, userID string) ([]*Pipeline, error) {
	return s.repo.ListPipelinesByUser(ctx, userID)
}

// Start moves a PENDING pipeline to RUNNING and launches the OPTIMIZE stage
func (s *Service) Start(ctx context.Context, id string) (*Pipeline, error) {
	return s.withPipeline(ctx, id, func(p *Pipeline, ob *outbox) (bool, error) {
		if p.Status != StatusPending {
			return false, fmt.Errorf("%w: cannot start pipeline in status %s", ErrInvalidTransition, p.Status)
		}

		runID, err := s.launch(ctx, p, StageOptimize, ob)
		if err != nil {
			return false, err
		}

		now := s.now()
		p.Status = StatusRunning
		p.CurrentStage = StageOptimize
		p.StartedAt = &now
		if err := p.setStageRef(StageOptimize, runID); err != nil {
			return false, err
		}

		s.logger.WithField("pipeline_id", p.ID).Info("pipeline started", "run_id", runID)
		ob.add(func() {
			s.publisher.PublishStatusChanged(p.ID, p.UserID, string(StatusPending), string(StatusRunning), "")
			s.publisher.PublishStageTransition(p.ID, p.UserID, "", string(StageOptimize), 0)
		})
		return true, nil
	})
}

// OnStageCompleted records a stage result and applies the gate decision.
// Completions for another stage, an already recorded stage, a stale run or a
// terminal pipeline are ignored so redelivered messages are harmless.
func (s *Service) OnStageCompleted(ctx context.Context, c StageCompletion) (*Pipeline, error) {
	return s.withPipeline(ctx, c.PipelineID, func(p *Pipeline, ob *outbox) (bool, error) {
		log := s.logger.WithFields(map[string]interface{}{
			"pipeline_id": p.ID,
			"stage":       string(c.Stage),
			"run_id":      c.RunID,
		})

		if p.Status.IsTerminal() {
			log.Debug("ignoring completion for terminal pipeline", "status", string(p.Status))
			return false, nil
		}
		if c.Stage != p.CurrentStage || p.Result(c.Stage) != nil {
			log.Debug("ignoring duplicate stage completion", "current_stage", string(p.CurrentStage))
			return false, nil
		}
		if ref := p.StageRef(c.Stage); ref == nil || *ref != c.RunID {
			log.Debug("ignoring completion from stale run")
			return false, nil
		}

		switch p.Status {
		case StatusPaused:
			if p.PendingCompletion != nil {
				log.Debug("ignoring duplicate completion while paused")
				return false, nil
			}
			completion := c
			p.PendingCompletion = &completion
			log.Info("pipeline paused, completion deferred until resume")
			return true, nil
		case StatusRunning:
		default:
			return false, fmt.Errorf("%w: completion for pipeline in status %s", ErrInvalidTransition, p.Status)
		}

		if err := s.applyCompletion(ctx, p, c, ob); err != nil {
			return false, err
		}
		return true, nil
	})
}

func (s *Service) applyCompletion(ctx context.Context, p *Pipeline, c StageCompletion, ob *outbox) error {
	log := s.logger.WithFields(map[string]interface{}{"pipeline_id": p.ID, "stage": string(c.Stage)})

	if c.Status == RunFailed {
		reason := fmt.Sprintf("%s run %s failed", c.Stage, c.RunID)
		if c.Error != "" {
			reason += ": " + c.Error
		}
		log.Warn("stage run failed", "reason", reason)
		s.fail(p, reason, ob)
		return nil
	}

	metrics := c.Metrics
	metrics.Enrich()
	decision := s.gate.Evaluate(p, c.Stage, metrics)

	p.StageResults[c.Stage] = &StageResult{
		Stage:       c.Stage,
		RunID:       c.RunID,
		Metrics:     metrics,
		Decision:    decision,
		CompletedAt: s.now(),
	}
	if c.Stage == StageOptimize && metrics.BestParameters != nil {
		p.OptimizedParameters = metrics.BestParameters
	}

	switch decision.Outcome {
	case OutcomeAdvance:
		return s.advance(ctx, p, decision.Score, ob)
	case OutcomeHold:
		log.Info("stage gate failed, holding for review", "reasons", decision.Summary())
		prior := p.Status
		p.Status = StatusPaused
		p.PendingReview = true
		ob.add(func() {
			s.publisher.PublishStatusChanged(p.ID, p.UserID, string(prior), string(StatusPaused), decision.Summary())
		})
	default:
		log.Info("stage gate failed", "reasons", decision.Summary())
		s.fail(p, fmt.Sprintf("%s gate failed: %s", c.Stage, decision.Summary()), ob)
	}
	return nil
}

// advance moves past the current stage. Launching the next stage happens
// before any field changes so a runner error leaves p untouched.
func (s *Service) advance(ctx context.Context, p *Pipeline, score float64, ob *outbox) error {
	from := p.CurrentStage
	next := from.Next()

	if next == StageCompleted {
		prior := p.Status
		now := s.now()
		p.CurrentStage = StageCompleted
		p.Status = StatusCompleted
		p.CompletedAt = &now

		report := s.report.Generate(p, now)
		p.SummaryReport = report
		p.Recommendation = report.Recommendation

		s.logger.WithField("pipeline_id", p.ID).Info("pipeline completed",
			"recommendation", string(report.Recommendation),
			"confidence", report.Confidence,
			"consistency", report.ConsistencyScore)
		ob.add(func() {
			s.publisher.PublishStageTransition(p.ID, p.UserID, string(from), string(StageCompleted), score)
			s.publisher.PublishStatusChanged(p.ID, p.UserID, string(prior), string(StatusCompleted), "")
			s.publisher.PublishRecommendation(p.ID, p.UserID, string(report.Recommendation), report.Confidence, report.WarningCodes())
		})
		return nil
	}

	runID, err := s.launch(ctx, p, next, ob)
	if err != nil {
		return err
	}
	if err := p.setStageRef(next, runID); err != nil {
		return err
	}
	p.CurrentStage = next

	s.logger.WithField("pipeline_id", p.ID).Info("stage advanced", "from", string(from), "to", string(next), "score", score, "run_id", runID)
	ob.add(func() {
		s.publisher.PublishStageTransition(p.ID, p.UserID, string(from), string(next), score)
	})
	return nil
}

// launch dispatches a stage run. If the transition that needs it is not
// persisted the run is cancelled, so a retry does not leave it orphaned.
func (s *Service) launch(ctx context.Context, p *Pipeline, stage Stage, ob *outbox) (string, error) {
	runID, err := s.runner.RunStage(ctx, s.stageRequest(p, stage))
	if err != nil {
		return "", fmt.Errorf("failed to run stage %s: %w", stage, err)
	}
	ob.onAbort(func(ctx context.Context) {
		s.logger.Warn("transition not saved, cancelling stage run", "pipeline_id", p.ID, "stage", string(stage), "run_id", runID)
		if err := s.runner.CancelStage(ctx, runID); err != nil {
			s.logger.WithError(err).Error("failed to cancel orphaned stage run", "pipeline_id", p.ID, "run_id", runID)
		}
	})
	return runID, nil
}

func (s *Service) fail(p *Pipeline, reason string, ob *outbox) {
	from := p.Status
	p.Status = StatusFailed
	p.FailureReason = reason
	p.PendingReview = false
	ob.add(func() {
		s.publisher.PublishStatusChanged(p.ID, p.UserID, string(from), string(StatusFailed), reason)
	})
}

// Pause moves a RUNNING pipeline to PAUSED. In-flight stage runs keep going
// and their completion is applied on resume.
func (s *Service) Pause(ctx context.Context, id, reason string) (*Pipeline, error) {
	return s.withPipeline(ctx, id, func(p *Pipeline, ob *outbox) (bool, error) {
		if p.Status != StatusRunning {
			return false, fmt.Errorf("%w: cannot pause pipeline in status %s", ErrInvalidTransition, p.Status)
		}
		p.Status = StatusPaused
		s.logger.WithField("pipeline_id", p.ID).Info("pipeline paused", "reason", reason)
		ob.add(func() {
			s.publisher.PublishStatusChanged(p.ID, p.UserID, string(StatusRunning), string(StatusPaused), reason)
		})
		return true, nil
	})
}

// Resume moves a PAUSED pipeline back to RUNNING and applies a completion
// that arrived while it was paused. Pipelines held for review must be
// resolved with ResolveReview instead.
func (s *Service) Resume(ctx context.Context, id string) (*Pipeline, error) {
	return s.withPipeline(ctx, id, func(p *Pipeline, ob *outbox) (bool, error) {
		if p.Status != StatusPaused {
			return false, fmt.Errorf("%w: cannot resume pipeline in status %s", ErrInvalidTransition, p.Status)
		}
		if p.PendingReview {
			return false, fmt.Errorf("%w: pipeline is awaiting review of stage %s", ErrInvalidTransition, p.CurrentStage)
		}

		p.Status = StatusRunning
		ob.add(func() {
			s.publisher.PublishStatusChanged(p.ID, p.UserID, string(StatusPaused), string(StatusRunning), "")
		})

		if pending := p.PendingCompletion; pending != nil {
			p.PendingCompletion = nil
			if err := s.applyCompletion(ctx, p, *pending, ob); err != nil {
				return false, err
			}
		}

		s.logger.WithField("pipeline_id", p.ID).Info("pipeline resumed", "status", string(p.Status))
		return true, nil
	})
}

// ResolveReview settles a stage held by a soft-fail gate. Approval advances
// as if the gate had passed, rejection fails the pipeline.
func (s *Service) ResolveReview(ctx context.Context, id string, approve bool, note string) (*Pipeline, error) {
	return s.withPipeline(ctx, id, func(p *Pipeline, ob *outbox) (bool, error) {
		if p.Status != StatusPaused || !p.PendingReview {
			return false, fmt.Errorf("%w: pipeline has no stage awaiting review", ErrInvalidTransition)
		}
		res := p.Result(p.CurrentStage)
		if res == nil {
			return false, fmt.Errorf("%w: no result recorded for stage %s", ErrInvalidTransition, p.CurrentStage)
		}

		log := s.logger.WithFields(map[string]interface{}{"pipeline_id": p.ID, "stage": string(p.CurrentStage)})

		if !approve {
			reason := fmt.Sprintf("%s rejected in review: %s", p.CurrentStage, res.Decision.Summary())
			if note != "" {
				reason += " (" + note + ")"
			}
			log.Info("review rejected")
			s.fail(p, reason, ob)
			return true, nil
		}

		res.SoftFailOverride = true
		p.PendingReview = false
		if err := s.advance(ctx, p, res.Decision.Score, ob); err != nil {
			return false, err
		}
		if p.Status == StatusPaused {
			p.Status = StatusRunning
			ob.add(func() {
				s.publisher.PublishStatusChanged(p.ID, p.UserID, string(StatusPaused), string(StatusRunning), "review approved")
			})
		}
		log.Info("review approved", "note", note)
		return true, nil
	})
}

// Cancel terminates a non-terminal pipeline and signals its in-flight run to stop
func (s *Service) Cancel(ctx context.Context, id, reason string) (*Pipeline, error) {
	var inflight string
	p, err := s.withPipeline(ctx, id, func(p *Pipeline, ob *outbox) (bool, error) {
		if p.Status.IsTerminal() {
			return false, fmt.Errorf("%w: pipeline already %s", ErrInvalidTransition, p.Status)
		}
		if reason == "" {
			reason = "cancelled by request"
		}

		from := p.Status
		p.Status = StatusCancelled
		p.FailureReason = reason
		p.PendingReview = false
		p.PendingCompletion = nil
		if ref := p.StageRef(p.CurrentStage); ref != nil && p.Result(p.CurrentStage) == nil {
			inflight = *ref
		}

		s.logger.WithField("pipeline_id", p.ID).Info("pipeline cancelled", "reason", reason)
		ob.add(func() {
			s.publisher.PublishStatusChanged(p.ID, p.UserID, string(from), string(StatusCancelled), reason)
		})
		return true, nil
	})
	if err != nil {
		return nil, err
	}

	if inflight != "" {
		if err := s.runner.CancelStage(ctx, inflight); err != nil {
			s.logger.WithError(err).Warn("failed to signal stage cancellation", "pipeline_id", id, "run_id", inflight)
		}
	}
	return p, nil
}

func (s *Service) stageRequest(p *Pipeline, stage Stage) StageRequest {
	return StageRequest{
		PipelineID:          p.ID,
		UserID:              p.UserID,
		StrategyConfigID:    p.StrategyConfigID,
		ExchangeKeyID:       p.ExchangeKeyID,
		Stage:               stage,
		Config:              p.StageConfig,
		OptimizedParameters: p.OptimizedParameters,
	}
}

type nopPublisher struct{}

func (nopPublisher) PublishPipelineCreated(string, string, string) {}
func (nopPublisher) PublishStageTransition(string, string, string, string, float64) {}
func (nopPublisher) PublishStatusChanged(string, string, string, string, string) {}
func (nopPublisher) PublishRecommendation(string, string, string, float64, []string) {}
