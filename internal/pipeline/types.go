// Package pipeline owns the strategy validation pipeline: the staged promotion
// of a strategy configuration through optimization, historical backtest, live
// replay and paper trading, the gate deciding each advancement, and the final
// deployment report.
package pipeline

import (
	"errors"
	"time"

	"strategy-pipeline/internal/scoring"
)

// Status is the lifecycle state of a pipeline
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusRunning   Status = "RUNNING"
	StatusPaused    Status = "PAUSED"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
	StatusCancelled Status = "CANCELLED"
)

// IsTerminal reports whether no further transition is possible
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Stage is the ordered stage pointer of a pipeline
type Stage string

const (
	StageOptimize   Stage = "OPTIMIZE"
	StageHistorical Stage = "HISTORICAL"
	StageLiveReplay Stage = "LIVE_REPLAY"
	StagePaperTrade Stage = "PAPER_TRADE"
	StageCompleted  Stage = "COMPLETED"
)

var stageOrder = []Stage{StageOptimize, StageHistorical, StageLiveReplay, StagePaperTrade, StageCompleted}

// ExecutionStages are the stages that run a strategy against market data
var ExecutionStages = []Stage{StageHistorical, StageLiveReplay, StagePaperTrade}

// Index returns the position of the stage in the promotion order, -1 if unknown
func (s Stage) Index() int {
	for i, st := range stageOrder {
		if st == s {
			return i
		}
	}
	return -1
}

// Next returns the stage after s. COMPLETED is its own successor.
func (s Stage) Next() Stage {
	i := s.Index()
	if i < 0 || i >= len(stageOrder)-1 {
		return StageCompleted
	}
	return stageOrder[i+1]
}

// Previous returns the stage before s, or "" for OPTIMIZE
func (s Stage) Previous() Stage {
	i := s.Index()
	if i <= 0 {
		return ""
	}
	return stageOrder[i-1]
}

// Valid reports whether s names a known stage
func (s Stage) Valid() bool {
	return s.Index() >= 0
}

// Recommendation is the final deployment verdict
type Recommendation string

const (
	RecommendDeploy      Recommendation = "DEPLOY"
	RecommendNeedsReview Recommendation = "NEEDS_REVIEW"
	RecommendDoNotDeploy Recommendation = "DO_NOT_DEPLOY"
)

// OptimizationConfig configures the OPTIMIZE stage
type OptimizationConfig struct {
	Algorithm       string    `json:"algorithm"`
	Objective       string    `json:"objective"` // e.g. sharpe, total_return
	TrainWindowDays int       `json:"train_window_days"`
	TestWindowDays  int       `json:"test_window_days"`
	MaxIterations   int       `json:"max_iterations,omitempty"`
	StartDate       time.Time `json:"start_date"`
	EndDate         time.Time `json:"end_date"`
}

// BacktestConfig configures a bar-replay stage
type BacktestConfig struct {
	Symbol         string    `json:"symbol"`
	Interval       string    `json:"interval"`
	StartDate      time.Time `json:"start_date"`
	EndDate        time.Time `json:"end_date"`
	InitialCapital float64   `json:"initial_capital"`
	FeeRate        float64   `json:"fee_rate"`
}

// ReplayConfig configures the LIVE_REPLAY stage
type ReplayConfig struct {
	BacktestConfig
	Pacing float64 `json:"pacing,omitempty"` // replay speed multiplier, 0 means as fast as possible
}

// PaperTradingConfig configures the PAPER_TRADE stage
type PaperTradingConfig struct {
	Symbol          string  `json:"symbol"`
	DurationHours   int     `json:"duration_hours"`
	InitialCapital  float64 `json:"initial_capital"`
	FeeRate         float64 `json:"fee_rate"`
	StopOnDrawdown  float64 `json:"stop_on_drawdown,omitempty"`
	StopAfterTrades int     `json:"stop_after_trades,omitempty"`
}

// StageConfig is supplied at creation and never mutated
type StageConfig struct {
	Optimization OptimizationConfig `json:"optimization"`
	Historical   BacktestConfig     `json:"historical"`
	LiveReplay   ReplayConfig       `json:"live_replay"`
	PaperTrading PaperTradingConfig `json:"paper_trading"`
}

// Thresholds are the per-stage pass conditions. A nil field is satisfied.
type Thresholds struct {
	MinSharpe       *float64 `json:"min_sharpe,omitempty"`
	MaxDrawdown     *float64 `json:"max_drawdown,omitempty"`
	MinWinRate      *float64 `json:"min_win_rate,omitempty"`
	MinTotalReturn  *float64 `json:"min_total_return,omitempty"`
	MinTradeCount   *int     `json:"min_trade_count,omitempty"`
	MinProfitFactor *float64 `json:"min_profit_factor,omitempty"`
}

// OptimizationRules gate the OPTIMIZE stage
type OptimizationRules struct {
	// MinImprovement is in percent: 3 means best must beat baseline by 3%.
	MinImprovement float64 `json:"min_improvement"`
}

// ProgressionRules are supplied at creation and never mutated
type ProgressionRules struct {
	Optimization OptimizationRules `json:"optimization"`
	Historical   Thresholds        `json:"historical"`
	LiveReplay   Thresholds        `json:"live_replay"`
	PaperTrading Thresholds        `json:"paper_trading"`

	// Fractions, 0.2 means 20%. nil falls back to the service default.
	MaxDegradation *float64 `json:"max_degradation,omitempty"`
	// 0-100. nil falls back to the service default.
	MinimumPipelineScore *float64 `json:"minimum_pipeline_score,omitempty"`

	// Stages whose gate failure pauses for review instead of failing
	SoftFailStages []Stage `json:"soft_fail_stages,omitempty"`
}

// ThresholdsFor returns the thresholds configured for an execution stage
func (r ProgressionRules) ThresholdsFor(stage Stage) Thresholds {
	switch stage {
	case StageHistorical:
		return r.Historical
	case StageLiveReplay:
		return r.LiveReplay
	case StagePaperTrade:
		return r.PaperTrading
	}
	return Thresholds{}
}

// IsSoftFail reports whether a gate failure at stage should pause for review
func (r ProgressionRules) IsSoftFail(stage Stage) bool {
	for _, s := range r.SoftFailStages {
		if s == stage {
			return true
		}
	}
	return false
}

// StageMetrics is the metric snapshot a stage run reports
type StageMetrics struct {
	SharpeRatio      float64 `json:"sharpe_ratio"`
	TotalReturn      float64 `json:"total_return"`
	AnnualizedReturn float64 `json:"annualized_return"`
	MaxDrawdown      float64 `json:"max_drawdown"` // fraction of peak equity
	WinRate          float64 `json:"win_rate"`
	TradeCount       int     `json:"trade_count"`
	ProfitFactor     float64 `json:"profit_factor"`

	Stability     float64   `json:"stability,omitempty"`
	TrendRSquared float64   `json:"trend_r_squared,omitempty"`
	TradePnLs     []float64 `json:"trade_pnls,omitempty"`
	Periods       int       `json:"periods,omitempty"`

	// OPTIMIZE only
	BaselineScore  float64                `json:"baseline_score,omitempty"`
	BestScore      float64                `json:"best_score,omitempty"`
	BestParameters map[string]interface{} `json:"best_parameters,omitempty"`
}

// Enrich derives the trade-sequence metrics when the run reported its trade
// P&L but left the derived fields empty.
func (m *StageMetrics) Enrich() {
	if len(m.TradePnLs) == 0 {
		return
	}
	if m.TradeCount == 0 {
		m.TradeCount = len(m.TradePnLs)
	}
	if m.WinRate == 0 {
		m.WinRate = scoring.WinRate(m.TradePnLs)
	}
	if m.ProfitFactor == 0 {
		m.ProfitFactor = scoring.ProfitFactor(m.TradePnLs)
	}
	if m.Stability == 0 {
		periods := m.Periods
		if periods == 0 {
			periods = len(m.TradePnLs)
		}
		m.Stability = scoring.Stability(m.TradePnLs, periods)
	}
	if m.TrendRSquared == 0 {
		m.TrendRSquared = scoring.RSquaredOfTrend(scoring.CumulativeReturns(m.TradePnLs))
	}
}

// StageResult is the recorded outcome of a completed stage
type StageResult struct {
	Stage            Stage        `json:"stage"`
	RunID            string       `json:"run_id"`
	Metrics          StageMetrics `json:"metrics"`
	Decision         GateDecision `json:"decision"`
	SoftFailOverride bool         `json:"soft_fail_override,omitempty"`
	CompletedAt      time.Time    `json:"completed_at"`
}

// RunStatus is the terminal status a stage run reports
type RunStatus string

const (
	RunCompleted RunStatus = "COMPLETED"
	RunFailed    RunStatus = "FAILED"
)

// StageCompletion is the typed payload of a stage completion message
type StageCompletion struct {
	PipelineID string       `json:"pipeline_id"`
	Stage      Stage        `json:"stage"`
	RunID      string       `json:"run_id"`
	Status     RunStatus    `json:"status"`
	Metrics    StageMetrics `json:"metrics"`
	Error      string       `json:"error,omitempty"`
}

// Pipeline is the aggregate root of the validation workflow
type Pipeline struct {
	ID               string `json:"id"`
	UserID           string `json:"user_id"`
	StrategyConfigID string `json:"strategy_config_id"`
	ExchangeKeyID    string `json:"exchange_key_id"`

	Status       Status `json:"status"`
	CurrentStage Stage  `json:"current_stage"`

	OptimizationRunID     *string `json:"optimization_run_id,omitempty"`
	HistoricalBacktestID  *string `json:"historical_backtest_id,omitempty"`
	LiveReplayBacktestID  *string `json:"live_replay_backtest_id,omitempty"`
	PaperTradingSessionID *string `json:"paper_trading_session_id,omitempty"`

	StageConfig      StageConfig      `json:"stage_config"`
	ProgressionRules ProgressionRules `json:"progression_rules"`

	OptimizedParameters map[string]interface{} `json:"optimized_parameters,omitempty"`
	StageResults        map[Stage]*StageResult `json:"stage_results"`

	// A completion that arrived while the pipeline was paused, applied on resume
	PendingCompletion *StageCompletion `json:"pending_completion,omitempty"`
	PendingReview     bool             `json:"pending_review"`

	Recommendation Recommendation `json:"recommendation,omitempty"`
	SummaryReport  *SummaryReport `json:"summary_report,omitempty"`
	FailureReason  string         `json:"failure_reason,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// StageRef returns the run reference recorded for a stage
func (p *Pipeline) StageRef(stage Stage) *string {
	switch stage {
	case StageOptimize:
		return p.OptimizationRunID
	case StageHistorical:
		return p.HistoricalBacktestID
	case StageLiveReplay:
		return p.LiveReplayBacktestID
	case StagePaperTrade:
		return p.PaperTradingSessionID
	}
	return nil
}

// setStageRef records the run id of a stage that just began. References are
// immutable and must follow stage order.
func (p *Pipeline) setStageRef(stage Stage, runID string) error {
	if p.StageRef(stage) != nil {
		return ErrStageRefImmutable
	}
	if prev := stage.Previous(); prev != "" && p.StageRef(prev) == nil {
		return ErrStageOrder
	}

	id := runID
	switch stage {
	case StageOptimize:
		p.OptimizationRunID = &id
	case StageHistorical:
		p.HistoricalBacktestID = &id
	case StageLiveReplay:
		p.LiveReplayBacktestID = &id
	case StagePaperTrade:
		p.PaperTradingSessionID = &id
	default:
		return ErrStageOrder
	}
	return nil
}

// Result returns the recorded result of a stage, nil if not completed
func (p *Pipeline) Result(stage Stage) *StageResult {
	if p.StageResults == nil {
		return nil
	}
	return p.StageResults[stage]
}

// StrategyConfig is the external strategy configuration a pipeline validates
type StrategyConfig struct {
	ID        string                 `json:"id"`
	UserID    string                 `json:"user_id"`
	Name      string                 `json:"name"`
	Algorithm string                 `json:"algorithm"`
	Params    map[string]interface{} `json:"params,omitempty"`
}

// CreateRequest carries the inputs of CreatePipeline
type CreateRequest struct {
	UserID           string           `json:"user_id"`
	StrategyConfigID string           `json:"strategy_config_id"`
	ExchangeKeyID    string           `json:"exchange_key_id"`
	StageConfig      StageConfig      `json:"stage_config"`
	ProgressionRules ProgressionRules `json:"progression_rules"`
}

var (
	ErrNotFound          = errors.New("pipeline not found")
	ErrInvalidTransition = errors.New("invalid pipeline transition")
	ErrStageMismatch     = errors.New("completion does not match current stage")
	ErrStageRefImmutable = errors.New("stage reference already set")
	ErrStageOrder        = errors.New("stage reference out of order")
)
