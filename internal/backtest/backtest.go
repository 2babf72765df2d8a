// Package backtest is the reference stage engine: a deterministic bar-replay
// simulator with a small strategy registry and a parameter optimizer. Stage
// runs go through the checkpoint driver so long replays survive restarts.
package backtest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"strategy-pipeline/internal/checkpoint"
	"strategy-pipeline/internal/logging"
	"strategy-pipeline/internal/pipeline"
)

// ErrInvalidInput marks a request no retry can fix
var ErrInvalidInput = errors.New("invalid backtest input")

const defaultInterval = "1h"

// Executor runs pipeline stages and scheduled jobs on the reference engine
type Executor struct {
	source BarSource
	driver *checkpoint.Driver
	logger *logging.Logger
	now    func() time.Time
}

// NewExecutor creates an executor
func NewExecutor(source BarSource, driver *checkpoint.Driver, logger *logging.Logger) *Executor {
	if logger == nil {
		logger = logging.Default()
	}
	return &Executor{
		source: source,
		driver: driver,
		logger: logger.WithComponent("backtest"),
		now:    time.Now,
	}
}

// StageInput is one stage run to execute
type StageInput struct {
	RunID     string
	Request   pipeline.StageRequest
	Strategy  *pipeline.StrategyConfig
	Cancelled checkpoint.CancelFunc
}

// Result is the outcome of an execution
type Result struct {
	Metrics pipeline.StageMetrics `json:"metrics"`
	Outcome *checkpoint.Outcome   `json:"outcome,omitempty"` // nil for optimizations
	Halted  bool                  `json:"halted,omitempty"`
	Bars    int                   `json:"bars"`
}

// ExecuteStage runs one pipeline stage to completion
func (x *Executor) ExecuteStage(ctx context.Context, in StageInput) (*Result, error) {
	if in.Strategy == nil {
		return nil, fmt.Errorf("%w: no strategy config", ErrInvalidInput)
	}
	def, err := Lookup(in.Strategy.Algorithm)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}

	req := in.Request
	hist := req.Config.Historical
	log := logging.PipelineContext(req.PipelineID, string(req.Stage)).WithField("run_id", in.RunID)

	switch req.Stage {
	case pipeline.StageOptimize:
		o := req.Config.Optimization
		bars, err := x.load(ctx, hist.Symbol, hist.Interval, o.StartDate, o.EndDate)
		if err != nil {
			return nil, err
		}
		res, err := Optimize(ctx, bars, OptimizeRequest{
			Algorithm:     o.Algorithm,
			Strategy:      def,
			Params:        Params(in.Strategy.Params),
			Objective:     o.Objective,
			MaxIterations: o.MaxIterations,
			TrainFraction: trainFraction(o.TrainWindowDays, o.TestWindowDays),
			Config:        simConfig(hist.InitialCapital, hist.FeeRate),
		})
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
		}
		log.Info("optimization finished", "evaluations", res.Evaluations,
			"baseline", res.BaselineScore, "best", res.BestScore)
		return &Result{Metrics: res.StageMetrics(), Bars: len(bars)}, nil

	case pipeline.StageHistorical:
		bars, err := x.load(ctx, hist.Symbol, hist.Interval, hist.StartDate, hist.EndDate)
		if err != nil {
			return nil, err
		}
		params := def.Defaults.Merge(in.Strategy.Params, req.OptimizedParameters)
		return x.simulate(ctx, in, bars, def, params, simConfig(hist.InitialCapital, hist.FeeRate))

	case pipeline.StageLiveReplay:
		rc := req.Config.LiveReplay
		bars, err := x.load(ctx, rc.Symbol, rc.Interval, rc.StartDate, rc.EndDate)
		if err != nil {
			return nil, err
		}
		cfg := simConfig(rc.InitialCapital, rc.FeeRate)
		if rc.Pacing > 0 {
			interval, _ := ParseInterval(orDefault(rc.Interval, defaultInterval))
			cfg.StepDelay = time.Duration(float64(interval) / rc.Pacing)
		}
		params := def.Defaults.Merge(in.Strategy.Params, req.OptimizedParameters)
		return x.simulate(ctx, in, bars, def, params, cfg)

	case pipeline.StagePaperTrade:
		pt := req.Config.PaperTrading
		interval := orDefault(hist.Interval, defaultInterval)
		step, err := ParseInterval(interval)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
		}
		// The session covers the most recent DurationHours, aligned to bar boundaries
		end := x.now().UTC().Truncate(step)
		start := end.Add(-time.Duration(pt.DurationHours) * time.Hour)
		bars, err := x.load(ctx, orDefault(pt.Symbol, hist.Symbol), interval, start, end)
		if err != nil {
			return nil, err
		}
		cfg := simConfig(pt.InitialCapital, pt.FeeRate)
		cfg.StopOnDrawdown = pt.StopOnDrawdown
		cfg.StopAfterTrades = pt.StopAfterTrades
		params := def.Defaults.Merge(in.Strategy.Params, req.OptimizedParameters)
		return x.simulate(ctx, in, bars, def, params, cfg)
	}
	return nil, fmt.Errorf("%w: stage %s has no engine", ErrInvalidInput, req.Stage)
}

func (x *Executor) simulate(ctx context.Context, in StageInput, bars []Bar, def Definition, params Params, cfg Config) (*Result, error) {
	engine := NewEngine(bars, def.Evaluate, params, cfg)
	out, err := x.driver.Run(ctx, in.RunID, engine, in.Cancelled)
	if err != nil {
		return &Result{Outcome: out, Bars: len(bars)}, err
	}
	return &Result{
		Metrics: engine.Metrics(),
		Outcome: out,
		Halted:  engine.Halted(),
		Bars:    len(bars),
	}, nil
}

// JobSpec is the parameter set of a scheduled optimization job
type JobSpec struct {
	Algorithm    string `json:"algorithm"`
	Strategy     string `json:"strategy"`
	Params       Params `json:"params,omitempty"`
	Symbol       string `json:"symbol"`
	Interval     string `json:"interval"`
	LookbackDays int    `json:"lookback_days"`
	Objective    string `json:"objective,omitempty"`
}

// ExecuteJob runs a scheduled optimization over the most recent lookback window
func (x *Executor) ExecuteJob(ctx context.Context, runID string, spec JobSpec) (*Result, error) {
	def, err := Lookup(spec.Strategy)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	interval := orDefault(spec.Interval, defaultInterval)
	step, err := ParseInterval(interval)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	lookback := spec.LookbackDays
	if lookback <= 0 {
		lookback = 90
	}

	end := x.now().UTC().Truncate(step)
	start := end.AddDate(0, 0, -lookback)
	bars, err := x.load(ctx, spec.Symbol, interval, start, end)
	if err != nil {
		return nil, err
	}

	res, err := Optimize(ctx, bars, OptimizeRequest{
		Algorithm: spec.Algorithm,
		Strategy:  def,
		Params:    spec.Params,
		Objective: spec.Objective,
		Config:    DefaultConfig(),
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	x.logger.Info("scheduled optimization finished", "run_id", runID, "algorithm", spec.Algorithm,
		"strategy", spec.Strategy, "baseline", res.BaselineScore, "best", res.BestScore)
	return &Result{Metrics: res.StageMetrics(), Bars: len(bars)}, nil
}

func (x *Executor) load(ctx context.Context, symbol, interval string, start, end time.Time) ([]Bar, error) {
	if symbol == "" {
		return nil, fmt.Errorf("%w: symbol is required", ErrInvalidInput)
	}
	step, err := ParseInterval(orDefault(interval, defaultInterval))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	if !end.After(start) {
		return nil, fmt.Errorf("%w: empty date range", ErrInvalidInput)
	}

	bars, err := x.source.Bars(ctx, symbol, step, start, end)
	if err != nil {
		return nil, fmt.Errorf("failed to load bars for %s: %w", symbol, err)
	}
	if len(bars) == 0 {
		return nil, fmt.Errorf("%w: no bars for %s in range", ErrInvalidInput, symbol)
	}
	return bars, nil
}

func simConfig(capital, fee float64) Config {
	cfg := DefaultConfig()
	if capital > 0 {
		cfg.InitialCapital = capital
	}
	if fee > 0 {
		cfg.FeeRate = fee
	}
	return cfg
}

func trainFraction(trainDays, testDays int) float64 {
	if trainDays <= 0 || testDays <= 0 {
		return 0
	}
	return float64(trainDays) / float64(trainDays+testDays)
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
