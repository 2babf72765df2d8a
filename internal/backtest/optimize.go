package backtest

import (
	"context"
	"fmt"
	"math"
	"sort"

	"strategy-pipeline/internal/pipeline"
)

// Optimization algorithms
const (
	AlgorithmGridSearch  = "grid_search"
	AlgorithmWalkForward = "walk_forward"
)

// Multipliers applied to each numeric parameter during the search
var searchFactors = []float64{0.5, 0.75, 1.25, 1.5}

// OptimizeRequest describes one parameter search
type OptimizeRequest struct {
	Algorithm     string
	Strategy      Definition
	Params        Params // starting point, also the baseline
	Objective     string // sharpe (default), total_return, profit_factor, win_rate
	MaxIterations int    // engine runs allowed, 0 for no limit
	TrainFraction float64
	Config        Config
}

// OptimizeResult is the outcome of a parameter search. Scores are measured on
// the evaluation window: all bars for grid search, the held-out tail for walk
// forward.
type OptimizeResult struct {
	BaselineScore  float64               `json:"baseline_score"`
	BestScore      float64               `json:"best_score"`
	BestParameters Params                `json:"best_parameters"`
	Evaluations    int                   `json:"evaluations"`
	Metrics        pipeline.StageMetrics `json:"metrics"`
}

// StageMetrics converts the result into OPTIMIZE stage metrics
func (r *OptimizeResult) StageMetrics() pipeline.StageMetrics {
	m := r.Metrics
	m.BaselineScore = r.BaselineScore
	m.BestScore = r.BestScore
	m.BestParameters = map[string]interface{}(r.BestParameters)
	return m
}

// Optimize searches the strategy's numeric parameters for the best objective
func Optimize(ctx context.Context, bars []Bar, req OptimizeRequest) (*OptimizeResult, error) {
	if req.Strategy.Evaluate == nil {
		return nil, fmt.Errorf("optimize: no strategy")
	}
	base := req.Strategy.Defaults.Merge(req.Params)

	switch req.Algorithm {
	case "", AlgorithmGridSearch:
		best, evals, err := search(ctx, bars, req, base)
		if err != nil {
			return nil, err
		}
		baseline, _, err := evaluate(ctx, bars, req, base)
		if err != nil {
			return nil, err
		}
		best.BaselineScore = baseline
		best.Evaluations = evals + 1
		return best, nil

	case AlgorithmWalkForward:
		frac := req.TrainFraction
		if frac <= 0 || frac >= 1 {
			frac = 0.7
		}
		split := int(float64(len(bars)) * frac)
		if split < 1 || split >= len(bars) {
			return nil, fmt.Errorf("walk forward: %d bars cannot be split", len(bars))
		}
		// The test window keeps the warmup bars before the split for indicators
		from := split - req.Config.withDefaults().Warmup
		if from < 0 {
			from = 0
		}
		train, test := bars[:split], bars[from:]

		fitted, evals, err := search(ctx, train, req, base)
		if err != nil {
			return nil, err
		}
		baseline, _, err := evaluate(ctx, test, req, base)
		if err != nil {
			return nil, err
		}
		score, metrics, err := evaluate(ctx, test, req, fitted.BestParameters)
		if err != nil {
			return nil, err
		}
		return &OptimizeResult{
			BaselineScore:  baseline,
			BestScore:      score,
			BestParameters: fitted.BestParameters,
			Evaluations:    evals + 2,
			Metrics:        metrics,
		}, nil
	}
	return nil, fmt.Errorf("unknown optimization algorithm %q", req.Algorithm)
}

// search runs one coordinate pass: each numeric parameter in turn is scaled
// by every factor and the best value is kept before moving on.
func search(ctx context.Context, bars []Bar, req OptimizeRequest, base Params) (*OptimizeResult, int, error) {
	best := base.Merge()
	bestScore, bestMetrics, err := evaluate(ctx, bars, req, best)
	if err != nil {
		return nil, 0, err
	}
	evals := 1

	keys := make([]string, 0, len(best))
	for k := range best {
		if !math.IsNaN(best.Float(k, math.NaN())) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

outer:
	for _, k := range keys {
		current := best.Float(k, 0)
		for _, f := range searchFactors {
			if req.MaxIterations > 0 && evals >= req.MaxIterations {
				break outer
			}
			cand := best.Merge(Params{k: scale(current, f)})
			score, metrics, err := evaluate(ctx, bars, req, cand)
			if err != nil {
				return nil, evals, err
			}
			evals++
			if score > bestScore {
				best, bestScore, bestMetrics = cand, score, metrics
			}
		}
	}

	return &OptimizeResult{
		BestScore:      bestScore,
		BestParameters: best,
		Metrics:        bestMetrics,
	}, evals, nil
}

// scale multiplies v by f, keeping whole-number parameters whole and positive
func scale(v, f float64) float64 {
	out := v * f
	if v == math.Trunc(v) {
		out = math.Max(1, math.Round(out))
	}
	return out
}

func evaluate(ctx context.Context, bars []Bar, req OptimizeRequest, params Params) (float64, pipeline.StageMetrics, error) {
	e := NewEngine(bars, req.Strategy.Evaluate, params, req.Config)
	if err := e.Run(ctx); err != nil {
		return 0, pipeline.StageMetrics{}, err
	}
	m := e.Metrics()
	return ObjectiveScore(req.Objective, m), m, nil
}

// ObjectiveScore extracts the value an optimization maximizes
func ObjectiveScore(objective string, m pipeline.StageMetrics) float64 {
	switch objective {
	case "total_return":
		return m.TotalReturn
	case "profit_factor":
		return m.ProfitFactor
	case "win_rate":
		return m.WinRate
	default:
		return m.SharpeRatio
	}
}
