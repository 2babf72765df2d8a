package database

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"strategy-pipeline/internal/checkpoint"
	"strategy-pipeline/internal/pipeline"
)

// MemoryStore is an in-process implementation of the repository used in mock
// mode and tests. It enforces the same uniqueness rules as the Postgres schema.
type MemoryStore struct {
	mu          sync.RWMutex
	now         func() time.Time
	users       map[string]*User
	strategies  map[string]*pipeline.StrategyConfig
	pipelines   map[string]*pipeline.Pipeline
	runs        map[string]*BacktestRun
	checkpoints map[string]*checkpoint.Checkpoint
	stageRuns   map[string]StageRun // keyed by run id
}

// NewMemoryStore creates an empty store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		now:         func() time.Time { return time.Now().UTC() },
		users:       make(map[string]*User),
		strategies:  make(map[string]*pipeline.StrategyConfig),
		pipelines:   make(map[string]*pipeline.Pipeline),
		runs:        make(map[string]*BacktestRun),
		checkpoints: make(map[string]*checkpoint.Checkpoint),
		stageRuns:   make(map[string]StageRun),
	}
}

// SetClock replaces the time source, for tests
func (m *MemoryStore) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

// HealthCheck always succeeds
func (m *MemoryStore) HealthCheck(context.Context) error { return nil }

// clonePipeline deep-copies through JSON so callers never share state with the store
func clonePipeline(p *pipeline.Pipeline) (*pipeline.Pipeline, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("failed to copy pipeline: %w", err)
	}
	var out pipeline.Pipeline
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("failed to copy pipeline: %w", err)
	}
	if out.StageResults == nil {
		out.StageResults = make(map[pipeline.Stage]*pipeline.StageResult)
	}
	return &out, nil
}

func cloneRun(r *BacktestRun) *BacktestRun {
	c := *r
	if r.Metrics != nil {
		m := *r.Metrics
		c.Metrics = &m
	}
	return &c
}

// ============================================================================
// PIPELINES
// ============================================================================

// CreatePipeline stores a new pipeline
func (m *MemoryStore) CreatePipeline(_ context.Context, p *pipeline.Pipeline) error {
	c, err := clonePipeline(p)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.pipelines[p.ID]; ok {
		return fmt.Errorf("pipeline %s already exists", p.ID)
	}
	m.pipelines[p.ID] = c
	return nil
}

// GetPipeline returns a copy of a pipeline
func (m *MemoryStore) GetPipeline(_ context.Context, id string) (*pipeline.Pipeline, error) {
	m.mu.RLock()
	p, ok := m.pipelines[id]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", pipeline.ErrNotFound, id)
	}
	return clonePipeline(p)
}

// UpdatePipeline replaces a stored pipeline and indexes its stage references
func (m *MemoryStore) UpdatePipeline(_ context.Context, p *pipeline.Pipeline) error {
	c, err := clonePipeline(p)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.pipelines[p.ID]; !ok {
		return fmt.Errorf("%w: %s", pipeline.ErrNotFound, p.ID)
	}
	m.pipelines[p.ID] = c

	for _, stage := range []pipeline.Stage{
		pipeline.StageOptimize, pipeline.StageHistorical, pipeline.StageLiveReplay, pipeline.StagePaperTrade,
	} {
		if ref := p.StageRef(stage); ref != nil {
			if _, ok := m.stageRuns[*ref]; !ok {
				m.stageRuns[*ref] = StageRun{PipelineID: p.ID, Stage: stage, RunID: *ref}
			}
		}
	}
	return nil
}

// ListPipelinesByUser returns the pipelines of a user, newest first
func (m *MemoryStore) ListPipelinesByUser(_ context.Context, userID string) ([]*pipeline.Pipeline, error) {
	m.mu.RLock()
	var matched []*pipeline.Pipeline
	for _, p := range m.pipelines {
		if p.UserID == userID {
			matched = append(matched, p)
		}
	}
	m.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool { return matched[i].CreatedAt.After(matched[j].CreatedAt) })

	out := make([]*pipeline.Pipeline, 0, len(matched))
	for _, p := range matched {
		c, err := clonePipeline(p)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

// ListStageRuns returns the lookup index entries of a pipeline in stage order
func (m *MemoryStore) ListStageRuns(_ context.Context, pipelineID string) ([]StageRun, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var runs []StageRun
	for _, sr := range m.stageRuns {
		if sr.PipelineID == pipelineID {
			runs = append(runs, sr)
		}
	}
	sort.Slice(runs, func(i, j int) bool { return runs[i].Stage.Index() < runs[j].Stage.Index() })
	return runs, nil
}

// PipelineForRun resolves the pipeline a run was started for
func (m *MemoryStore) PipelineForRun(_ context.Context, runID string) (*StageRun, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sr, ok := m.stageRuns[runID]
	if !ok {
		return nil, ErrNotFound
	}
	return &sr, nil
}

// ============================================================================
// RUNS
// ============================================================================

// CreateJob stores a scheduler job, enforcing one job per dedup bucket
func (m *MemoryStore) CreateJob(_ context.Context, run *BacktestRun) error {
	run.Source = RunSourceScheduler
	return m.insertRun(run)
}

// CreateRun stores a pipeline stage run
func (m *MemoryStore) CreateRun(_ context.Context, run *BacktestRun) error {
	run.Source = RunSourcePipeline
	return m.insertRun(run)
}

func (m *MemoryStore) insertRun(run *BacktestRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if run.Status == "" {
		run.Status = RunStatusQueued
	}
	if run.CreatedAt.IsZero() {
		run.CreatedAt = m.now()
	}
	if _, ok := m.runs[run.ID]; ok {
		return fmt.Errorf("run %s already exists", run.ID)
	}
	if run.Source == RunSourceScheduler {
		for _, existing := range m.runs {
			if existing.Source == RunSourceScheduler &&
				existing.UserID == run.UserID &&
				existing.Algorithm == run.Algorithm &&
				existing.DedupBucket == run.DedupBucket {
				return fmt.Errorf("%w: user %s algorithm %s", ErrDuplicateJob, run.UserID, run.Algorithm)
			}
		}
	}
	m.runs[run.ID] = cloneRun(run)
	return nil
}

// LatestJob returns the most recent run of a user and algorithm created at or after since
func (m *MemoryStore) LatestJob(_ context.Context, userID, algorithm string, since time.Time) (*BacktestRun, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var latest *BacktestRun
	for _, r := range m.runs {
		if r.UserID != userID || r.Algorithm != algorithm || r.CreatedAt.Before(since) {
			continue
		}
		if latest == nil || r.CreatedAt.After(latest.CreatedAt) {
			latest = r
		}
	}
	if latest == nil {
		return nil, nil
	}
	return cloneRun(latest), nil
}

// GetRun returns a run by ID
func (m *MemoryStore) GetRun(_ context.Context, id string) (*BacktestRun, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.runs[id]
	if !ok {
		return nil, ErrNotFound
	}
	c := cloneRun(r)
	if cp, ok := m.checkpoints[id]; ok {
		at := cp.LastCheckpointAt
		c.LastCheckpointAt = &at
	}
	return c, nil
}

// MarkRunStarted moves a queued run to RUNNING
func (m *MemoryStore) MarkRunStarted(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runs[id]
	if !ok || (r.Status != RunStatusQueued && r.Status != RunStatusRunning) {
		return fmt.Errorf("%w: run %s is not runnable", ErrNotFound, id)
	}
	r.Status = RunStatusRunning
	if r.StartedAt == nil {
		now := m.now()
		r.StartedAt = &now
	}
	return nil
}

// CompleteRun records the terminal status and metrics of a run
func (m *MemoryStore) CompleteRun(_ context.Context, id string, status RunStatus, metrics *pipeline.StageMetrics, errMsg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runs[id]
	if !ok {
		return fmt.Errorf("%w: run %s", ErrNotFound, id)
	}
	now := m.now()
	r.Status = status
	r.Error = errMsg
	r.CompletedAt = &now
	if metrics != nil {
		mc := *metrics
		r.Metrics = &mc
	}
	return nil
}

// RequestRunCancel flags a non-terminal run for cooperative cancellation
func (m *MemoryStore) RequestRunCancel(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.runs[id]; ok && (r.Status == RunStatusQueued || r.Status == RunStatusRunning) {
		r.Status = RunStatusCancelRequested
	}
	return nil
}

// IsRunCancelRequested reports whether a cancel was requested for the run
func (m *MemoryStore) IsRunCancelRequested(_ context.Context, id string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.runs[id]
	if !ok {
		return false, ErrNotFound
	}
	return r.Status == RunStatusCancelRequested || r.Status == RunStatusCancelled, nil
}

// SaveCheckpoint overwrites the checkpoint of a run
func (m *MemoryStore) SaveCheckpoint(_ context.Context, runID string, state []byte, processed, total int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runs[runID]
	if !ok {
		return fmt.Errorf("%w: run %s", ErrNotFound, runID)
	}
	now := m.now()
	m.checkpoints[runID] = &checkpoint.Checkpoint{
		RunID:                   runID,
		State:                   append([]byte(nil), state...),
		ProcessedTimestampCount: processed,
		TotalTimestampCount:     total,
		LastCheckpointAt:        now,
	}
	r.ProcessedTimestampCount = processed
	r.TotalTimestampCount = total
	return nil
}

// LoadCheckpoint returns the checkpoint of a run, or nil when it has none
func (m *MemoryStore) LoadCheckpoint(_ context.Context, runID string) (*checkpoint.Checkpoint, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	cp, ok := m.checkpoints[runID]
	if !ok {
		return nil, nil
	}
	c := *cp
	c.State = append([]byte(nil), cp.State...)
	return &c, nil
}

// ClearCheckpoint drops the checkpoint state of a run
func (m *MemoryStore) ClearCheckpoint(_ context.Context, runID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.checkpoints, runID)
	return nil
}

// ============================================================================
// USERS AND STRATEGY CONFIGS
// ============================================================================

// UpsertUser creates or updates the eligibility record of a user
func (m *MemoryStore) UpsertUser(_ context.Context, user *User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	if existing, ok := m.users[user.ID]; ok {
		user.CreatedAt = existing.CreatedAt
	} else {
		user.CreatedAt = now
	}
	user.UpdatedAt = now
	c := *user
	m.users[user.ID] = &c
	return nil
}

// ListAlgoTradingEnabledUsers returns the ids of eligible users
func (m *MemoryStore) ListAlgoTradingEnabledUsers(context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var ids []string
	for id, u := range m.users {
		if u.AlgoTradingEnabled {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// SaveStrategyConfig creates or replaces a strategy configuration
func (m *MemoryStore) SaveStrategyConfig(_ context.Context, sc *pipeline.StrategyConfig) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := *sc
	m.strategies[sc.ID] = &c
	return nil
}

// GetStrategyConfig retrieves a strategy configuration by ID
func (m *MemoryStore) GetStrategyConfig(_ context.Context, id string) (*pipeline.StrategyConfig, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sc, ok := m.strategies[id]
	if !ok {
		return nil, fmt.Errorf("%w: strategy config %s", pipeline.ErrNotFound, id)
	}
	c := *sc
	return &c, nil
}
