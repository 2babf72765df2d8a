package pipeline_test

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"strategy-pipeline/internal/cache"
	"strategy-pipeline/internal/database"
	"strategy-pipeline/internal/events"
	"strategy-pipeline/internal/logging"
	"strategy-pipeline/internal/pipeline"
)

type fakeRunner struct {
	mu        sync.Mutex
	n         int
	requests  []pipeline.StageRequest
	cancelled []string
	failNext  error
}

func (r *fakeRunner) RunStage(_ context.Context, req pipeline.StageRequest) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failNext != nil {
		err := r.failNext
		r.failNext = nil
		return "", err
	}
	r.n++
	r.requests = append(r.requests, req)
	return fmt.Sprintf("%s-%d", strings.ToLower(string(req.Stage)), r.n), nil
}

func (r *fakeRunner) CancelStage(_ context.Context, runID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cancelled = append(r.cancelled, runID)
	return nil
}

func (r *fakeRunner) stages() []pipeline.Stage {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []pipeline.Stage
	for _, req := range r.requests {
		out = append(out, req.Stage)
	}
	return out
}

// flakyRepo fails the next failUpdates pipeline saves
type flakyRepo struct {
	*database.MemoryStore

	mu          sync.Mutex
	failUpdates int
}

func (r *flakyRepo) UpdatePipeline(ctx context.Context, p *pipeline.Pipeline) error {
	r.mu.Lock()
	if r.failUpdates > 0 {
		r.failUpdates--
		r.mu.Unlock()
		return errors.New("connection reset by peer")
	}
	r.mu.Unlock()
	return r.MemoryStore.UpdatePipeline(ctx, p)
}

type harness struct {
	ctx    context.Context
	svc    *pipeline.Service
	store  *database.MemoryStore
	runner *fakeRunner

	mu     sync.Mutex
	events []events.Event
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		ctx:    context.Background(),
		store:  database.NewMemoryStore(),
		runner: &fakeRunner{},
	}
	require.NoError(t, h.store.SaveStrategyConfig(h.ctx, &pipeline.StrategyConfig{
		ID: "sc-1", UserID: "u-1", Name: "btc grid", Algorithm: "grid",
	}))

	bus := events.NewSyncEventBus()
	bus.SubscribeAll(func(e events.Event) {
		h.mu.Lock()
		defer h.mu.Unlock()
		h.events = append(h.events, e)
	})

	h.svc = pipeline.NewService(h.store, h.store, h.runner, cache.NewLocalLocker(), bus,
		pipeline.DefaultServiceConfig(), logging.Nop())

	clock := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	var clockMu sync.Mutex
	h.svc.SetClock(func() time.Time {
		clockMu.Lock()
		defer clockMu.Unlock()
		clock = clock.Add(time.Minute)
		return clock
	})
	return h
}

// statusChanges returns the from->to pairs of STATUS_CHANGED events
func (h *harness) statusChanges() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []string
	for _, e := range h.events {
		if e.Type == events.EventStatusChanged {
			out = append(out, fmt.Sprintf("%v->%v", e.Data["from_status"], e.Data["to_status"]))
		}
	}
	return out
}

func (h *harness) eventTypes() []events.EventType {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []events.EventType
	for _, e := range h.events {
		out = append(out, e.Type)
	}
	return out
}

func (h *harness) create(t *testing.T, rules pipeline.ProgressionRules) *pipeline.Pipeline {
	t.Helper()
	p, err := h.svc.CreatePipeline(h.ctx, pipeline.CreateRequest{
		UserID:           "u-1",
		StrategyConfigID: "sc-1",
		ExchangeKeyID:    "key-1",
		StageConfig: pipeline.StageConfig{
			Historical: pipeline.BacktestConfig{Symbol: "BTCUSDT", Interval: "1h", InitialCapital: 10000, FeeRate: 0.001},
		},
		ProgressionRules: rules,
	})
	require.NoError(t, err)
	return p
}

func (h *harness) started(t *testing.T, rules pipeline.ProgressionRules) *pipeline.Pipeline {
	t.Helper()
	p := h.create(t, rules)
	p, err := h.svc.Start(h.ctx, p.ID)
	require.NoError(t, err)
	return p
}

// complete reports a successful run of the pipeline's current stage
func (h *harness) complete(t *testing.T, id string, m pipeline.StageMetrics) *pipeline.Pipeline {
	t.Helper()
	p, err := h.svc.GetPipeline(h.ctx, id)
	require.NoError(t, err)
	ref := p.StageRef(p.CurrentStage)
	require.NotNil(t, ref, "stage %s has no run", p.CurrentStage)

	p, err = h.svc.OnStageCompleted(h.ctx, pipeline.StageCompletion{
		PipelineID: id,
		Stage:      p.CurrentStage,
		RunID:      *ref,
		Status:     pipeline.RunCompleted,
		Metrics:    m,
	})
	require.NoError(t, err)
	return p
}

func optimized() pipeline.StageMetrics {
	return pipeline.StageMetrics{
		BaselineScore:  1.0,
		BestScore:      1.1,
		BestParameters: map[string]interface{}{"levels": float64(12)},
	}
}

func strong() pipeline.StageMetrics {
	return pipeline.StageMetrics{
		SharpeRatio:      2.0,
		TotalReturn:      0.40,
		AnnualizedReturn: 0.60,
		MaxDrawdown:      0.10,
		WinRate:          0.60,
		TradeCount:       50,
		ProfitFactor:     1.8,
		TrendRSquared:    0.9,
	}
}

func TestService_FullFlowToDeploy(t *testing.T) {
	h := newHarness(t)
	p := h.create(t, pipeline.ProgressionRules{Optimization: pipeline.OptimizationRules{MinImprovement: 3}})
	assert.Equal(t, pipeline.StatusPending, p.Status)
	assert.Equal(t, pipeline.StageOptimize, p.CurrentStage)
	assert.Equal(t, "grid", p.StageConfig.Optimization.Algorithm, "algorithm defaults from the strategy config")

	p, err := h.svc.Start(h.ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, pipeline.StatusRunning, p.Status)
	require.NotNil(t, p.OptimizationRunID)
	assert.Nil(t, p.HistoricalBacktestID)
	assert.NotNil(t, p.StartedAt)

	p = h.complete(t, p.ID, optimized())
	assert.Equal(t, pipeline.StageHistorical, p.CurrentStage)
	require.NotNil(t, p.HistoricalBacktestID)
	assert.Equal(t, float64(12), p.OptimizedParameters["levels"])

	p = h.complete(t, p.ID, strong())
	assert.Equal(t, pipeline.StageLiveReplay, p.CurrentStage)

	live := strong()
	live.SharpeRatio, live.TotalReturn = 1.9, 0.38
	p = h.complete(t, p.ID, live)
	assert.Equal(t, pipeline.StagePaperTrade, p.CurrentStage)

	paper := strong()
	paper.SharpeRatio, paper.TotalReturn = 1.85, 0.37
	p = h.complete(t, p.ID, paper)

	assert.Equal(t, pipeline.StatusCompleted, p.Status)
	assert.Equal(t, pipeline.StageCompleted, p.CurrentStage)
	assert.Equal(t, pipeline.RecommendDeploy, p.Recommendation)
	require.NotNil(t, p.SummaryReport)
	assert.Equal(t, pipeline.RecommendDeploy, p.SummaryReport.Recommendation)
	assert.NotNil(t, p.CompletedAt)

	// Stage references were set in order, one run per stage
	assert.Equal(t, []pipeline.Stage{
		pipeline.StageOptimize, pipeline.StageHistorical, pipeline.StageLiveReplay, pipeline.StagePaperTrade,
	}, h.runner.stages())
	assert.Equal(t, float64(12), h.runner.requests[1].OptimizedParameters["levels"])

	runs, err := h.store.ListStageRuns(h.ctx, p.ID)
	require.NoError(t, err)
	assert.Len(t, runs, 4)

	stored, err := h.svc.GetPipeline(h.ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, pipeline.StatusCompleted, stored.Status)

	types := h.eventTypes()
	assert.Equal(t, events.EventPipelineCreated, types[0])
	assert.Equal(t, events.EventRecommendation, types[len(types)-1])
}

func TestService_DuplicateCompletionsAreIgnored(t *testing.T) {
	h := newHarness(t)
	p := h.started(t, pipeline.ProgressionRules{})
	optRun := *p.OptimizationRunID

	p = h.complete(t, p.ID, optimized())
	require.Equal(t, pipeline.StageHistorical, p.CurrentStage)
	updatedAt := p.UpdatedAt

	t.Run("redelivered previous stage", func(t *testing.T) {
		got, err := h.svc.OnStageCompleted(h.ctx, pipeline.StageCompletion{
			PipelineID: p.ID, Stage: pipeline.StageOptimize, RunID: optRun,
			Status: pipeline.RunCompleted, Metrics: optimized(),
		})
		require.NoError(t, err)
		assert.Equal(t, pipeline.StageHistorical, got.CurrentStage)
		assert.Equal(t, updatedAt, got.UpdatedAt)
	})

	t.Run("stale run of the current stage", func(t *testing.T) {
		got, err := h.svc.OnStageCompleted(h.ctx, pipeline.StageCompletion{
			PipelineID: p.ID, Stage: pipeline.StageHistorical, RunID: "orphan",
			Status: pipeline.RunCompleted, Metrics: strong(),
		})
		require.NoError(t, err)
		assert.Nil(t, got.Result(pipeline.StageHistorical))
		assert.Equal(t, updatedAt, got.UpdatedAt)
	})

	assert.Len(t, h.runner.stages(), 2)
}

func TestService_ConcurrentDuplicateDeliveryAdvancesOnce(t *testing.T) {
	h := newHarness(t)
	p := h.started(t, pipeline.ProgressionRules{})
	completion := pipeline.StageCompletion{
		PipelineID: p.ID, Stage: pipeline.StageOptimize, RunID: *p.OptimizationRunID,
		Status: pipeline.RunCompleted, Metrics: optimized(),
	}

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.svc.OnStageCompleted(h.ctx, completion)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	got, err := h.svc.GetPipeline(h.ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, pipeline.StageHistorical, got.CurrentStage)
	assert.Len(t, h.runner.stages(), 2)
}

func TestService_PauseDefersCompletionUntilResume(t *testing.T) {
	h := newHarness(t)
	p := h.started(t, pipeline.ProgressionRules{})
	p = h.complete(t, p.ID, optimized())

	p, err := h.svc.Pause(h.ctx, p.ID, "maintenance")
	require.NoError(t, err)
	assert.Equal(t, pipeline.StatusPaused, p.Status)

	p = h.complete(t, p.ID, strong())
	assert.Equal(t, pipeline.StatusPaused, p.Status)
	assert.Equal(t, pipeline.StageHistorical, p.CurrentStage)
	require.NotNil(t, p.PendingCompletion)
	assert.Nil(t, p.Result(pipeline.StageHistorical))

	_, err = h.svc.Pause(h.ctx, p.ID, "again")
	assert.ErrorIs(t, err, pipeline.ErrInvalidTransition)

	p, err = h.svc.Resume(h.ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, pipeline.StatusRunning, p.Status)
	assert.Equal(t, pipeline.StageLiveReplay, p.CurrentStage)
	assert.Nil(t, p.PendingCompletion)
	assert.NotNil(t, p.Result(pipeline.StageHistorical))
}

func TestService_Cancel(t *testing.T) {
	h := newHarness(t)
	p := h.started(t, pipeline.ProgressionRules{})
	optRun := *p.OptimizationRunID

	p, err := h.svc.Cancel(h.ctx, p.ID, "")
	require.NoError(t, err)
	assert.Equal(t, pipeline.StatusCancelled, p.Status)
	assert.Equal(t, "cancelled by request", p.FailureReason)
	assert.Equal(t, []string{optRun}, h.runner.cancelled)

	got, err := h.svc.OnStageCompleted(h.ctx, pipeline.StageCompletion{
		PipelineID: p.ID, Stage: pipeline.StageOptimize, RunID: optRun,
		Status: pipeline.RunCompleted, Metrics: optimized(),
	})
	require.NoError(t, err)
	assert.Equal(t, pipeline.StatusCancelled, got.Status)
	assert.Nil(t, got.Result(pipeline.StageOptimize))

	_, err = h.svc.Cancel(h.ctx, p.ID, "again")
	assert.ErrorIs(t, err, pipeline.ErrInvalidTransition)
	_, err = h.svc.Resume(h.ctx, p.ID)
	assert.ErrorIs(t, err, pipeline.ErrInvalidTransition)
}

func TestService_PendingPipelineCanBeCancelled(t *testing.T) {
	h := newHarness(t)
	p := h.create(t, pipeline.ProgressionRules{})

	p, err := h.svc.Cancel(h.ctx, p.ID, "not needed")
	require.NoError(t, err)
	assert.Equal(t, pipeline.StatusCancelled, p.Status)
	assert.Empty(t, h.runner.cancelled)
}

func TestService_GateFailures(t *testing.T) {
	t.Run("optimization below minimum improvement", func(t *testing.T) {
		h := newHarness(t)
		p := h.started(t, pipeline.ProgressionRules{Optimization: pipeline.OptimizationRules{MinImprovement: 3}})

		p = h.complete(t, p.ID, pipeline.StageMetrics{BaselineScore: 1.0, BestScore: 1.02})
		assert.Equal(t, pipeline.StatusFailed, p.Status)
		assert.Contains(t, p.FailureReason, "OPTIMIZE gate failed")
		require.NotNil(t, p.Result(pipeline.StageOptimize))
		assert.Equal(t, pipeline.OutcomeFail, p.Result(pipeline.StageOptimize).Decision.Outcome)
	})

	t.Run("failed run", func(t *testing.T) {
		h := newHarness(t)
		p := h.started(t, pipeline.ProgressionRules{})

		p, err := h.svc.OnStageCompleted(h.ctx, pipeline.StageCompletion{
			PipelineID: p.ID, Stage: pipeline.StageOptimize, RunID: *p.OptimizationRunID,
			Status: pipeline.RunFailed, Error: "exchange unavailable",
		})
		require.NoError(t, err)
		assert.Equal(t, pipeline.StatusFailed, p.Status)
		assert.Contains(t, p.FailureReason, "exchange unavailable")
	})
}

func TestService_SoftFailReview(t *testing.T) {
	rules := pipeline.ProgressionRules{
		MaxDegradation: func() *float64 { v := 0.20; return &v }(),
		SoftFailStages: []pipeline.Stage{pipeline.StageLiveReplay},
	}
	degraded := strong()
	degraded.SharpeRatio = 1.5

	toReview := func(t *testing.T, h *harness) *pipeline.Pipeline {
		p := h.started(t, rules)
		p = h.complete(t, p.ID, optimized())
		p = h.complete(t, p.ID, strong())
		p = h.complete(t, p.ID, degraded)
		require.Equal(t, pipeline.StatusPaused, p.Status)
		require.True(t, p.PendingReview)
		return p
	}

	t.Run("approve advances and blocks deployment", func(t *testing.T) {
		h := newHarness(t)
		p := toReview(t, h)

		_, err := h.svc.Resume(h.ctx, p.ID)
		assert.ErrorIs(t, err, pipeline.ErrInvalidTransition)

		p, err = h.svc.ResolveReview(h.ctx, p.ID, true, "accepted by risk desk")
		require.NoError(t, err)
		assert.Equal(t, pipeline.StatusRunning, p.Status)
		assert.Equal(t, pipeline.StagePaperTrade, p.CurrentStage)
		assert.False(t, p.PendingReview)
		assert.True(t, p.Result(pipeline.StageLiveReplay).SoftFailOverride)

		p = h.complete(t, p.ID, degraded)
		assert.Equal(t, pipeline.StatusCompleted, p.Status)
		assert.Equal(t, pipeline.RecommendDoNotDeploy, p.Recommendation)
		assert.Contains(t, p.SummaryReport.WarningCodes(), string(pipeline.WarnSoftFailOverride))
	})

	t.Run("approving the last stage completes from paused", func(t *testing.T) {
		h := newHarness(t)
		lastRules := rules
		lastRules.SoftFailStages = []pipeline.Stage{pipeline.StagePaperTrade}
		p := h.started(t, lastRules)
		p = h.complete(t, p.ID, optimized())
		p = h.complete(t, p.ID, strong())
		p = h.complete(t, p.ID, strong())
		p = h.complete(t, p.ID, degraded)
		require.Equal(t, pipeline.StatusPaused, p.Status)
		require.True(t, p.PendingReview)

		p, err := h.svc.ResolveReview(h.ctx, p.ID, true, "")
		require.NoError(t, err)
		assert.Equal(t, pipeline.StatusCompleted, p.Status)
		assert.Equal(t, []string{
			"PENDING->RUNNING",
			"RUNNING->PAUSED",
			"PAUSED->COMPLETED",
		}, h.statusChanges())
	})

	t.Run("reject fails", func(t *testing.T) {
		h := newHarness(t)
		p := toReview(t, h)

		p, err := h.svc.ResolveReview(h.ctx, p.ID, false, "too risky")
		require.NoError(t, err)
		assert.Equal(t, pipeline.StatusFailed, p.Status)
		assert.Contains(t, p.FailureReason, "too risky")

		_, err = h.svc.ResolveReview(h.ctx, p.ID, true, "")
		assert.ErrorIs(t, err, pipeline.ErrInvalidTransition)
	})
}

func TestService_StartErrors(t *testing.T) {
	h := newHarness(t)
	p := h.create(t, pipeline.ProgressionRules{})

	h.runner.failNext = errors.New("queue unavailable")
	_, err := h.svc.Start(h.ctx, p.ID)
	require.Error(t, err)

	stored, err := h.svc.GetPipeline(h.ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, pipeline.StatusPending, stored.Status)
	assert.Nil(t, stored.OptimizationRunID)

	_, err = h.svc.Start(h.ctx, p.ID)
	require.NoError(t, err)
	_, err = h.svc.Start(h.ctx, p.ID)
	assert.ErrorIs(t, err, pipeline.ErrInvalidTransition)

	_, err = h.svc.Start(h.ctx, "missing")
	assert.ErrorIs(t, err, pipeline.ErrNotFound)
}

func TestService_UnsavedTransitionCancelsItsRun(t *testing.T) {
	t.Run("start", func(t *testing.T) {
		h := newHarness(t)
		repo := &flakyRepo{MemoryStore: h.store, failUpdates: 1}
		h.svc = pipeline.NewService(repo, h.store, h.runner, cache.NewLocalLocker(), nil,
			pipeline.DefaultServiceConfig(), logging.Nop())
		p := h.create(t, pipeline.ProgressionRules{})

		_, err := h.svc.Start(h.ctx, p.ID)
		require.Error(t, err)
		assert.Equal(t, []string{"optimize-1"}, h.runner.cancelled)

		stored, err := h.svc.GetPipeline(h.ctx, p.ID)
		require.NoError(t, err)
		assert.Equal(t, pipeline.StatusPending, stored.Status)

		p, err = h.svc.Start(h.ctx, p.ID)
		require.NoError(t, err)
		require.NotNil(t, p.OptimizationRunID)
		assert.Equal(t, "optimize-2", *p.OptimizationRunID)
		assert.Equal(t, []string{"optimize-1"}, h.runner.cancelled)
	})

	t.Run("advance", func(t *testing.T) {
		h := newHarness(t)
		repo := &flakyRepo{MemoryStore: h.store}
		h.svc = pipeline.NewService(repo, h.store, h.runner, cache.NewLocalLocker(), nil,
			pipeline.DefaultServiceConfig(), logging.Nop())
		p := h.started(t, pipeline.ProgressionRules{})
		ref := *p.OptimizationRunID

		repo.mu.Lock()
		repo.failUpdates = 1
		repo.mu.Unlock()
		c := pipeline.StageCompletion{
			PipelineID: p.ID, Stage: pipeline.StageOptimize, RunID: ref,
			Status: pipeline.RunCompleted, Metrics: optimized(),
		}
		_, err := h.svc.OnStageCompleted(h.ctx, c)
		require.Error(t, err)
		assert.Equal(t, []string{"historical-2"}, h.runner.cancelled)

		// the redelivered completion launches a fresh run
		p, err = h.svc.OnStageCompleted(h.ctx, c)
		require.NoError(t, err)
		assert.Equal(t, pipeline.StageHistorical, p.CurrentStage)
		require.NotNil(t, p.HistoricalBacktestID)
		assert.Equal(t, "historical-3", *p.HistoricalBacktestID)
	})
}

func TestService_CreateValidation(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.store.SaveStrategyConfig(h.ctx, &pipeline.StrategyConfig{ID: "sc-other", UserID: "u-2", Algorithm: "dca"}))

	t.Run("all problems reported together", func(t *testing.T) {
		_, err := h.svc.CreatePipeline(h.ctx, pipeline.CreateRequest{
			UserID:           "u-1",
			StrategyConfigID: "sc-1",
			StageConfig: pipeline.StageConfig{
				Historical: pipeline.BacktestConfig{FeeRate: 0.5},
			},
		})
		require.Error(t, err)
		assert.True(t, pipeline.IsConfigError(err))

		var ve pipeline.ValidationErrors
		require.ErrorAs(t, err, &ve)
		assert.Len(t, ve, 2)
	})

	t.Run("unknown strategy config", func(t *testing.T) {
		_, err := h.svc.CreatePipeline(h.ctx, pipeline.CreateRequest{UserID: "u-1", StrategyConfigID: "nope", ExchangeKeyID: "k"})
		assert.True(t, pipeline.IsConfigError(err))
	})

	t.Run("strategy config of another user", func(t *testing.T) {
		_, err := h.svc.CreatePipeline(h.ctx, pipeline.CreateRequest{UserID: "u-1", StrategyConfigID: "sc-other", ExchangeKeyID: "k"})
		assert.True(t, pipeline.IsConfigError(err))
	})

	list, err := h.svc.ListByUser(h.ctx, "u-1")
	require.NoError(t, err)
	assert.Empty(t, list)
}
