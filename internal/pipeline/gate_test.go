package pipeline

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func f64(v float64) *float64 { return &v }
func intp(v int) *int { return &v }

// strongMetrics scores 85 against default normalizers
func strongMetrics() StageMetrics {
	return StageMetrics{
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

func pipelineWithResult(rules ProgressionRules, stage Stage, m StageMetrics) *Pipeline {
	return &Pipeline{
		ID:               "p1",
		ProgressionRules: rules,
		StageResults: map[Stage]*StageResult{
			stage: {Stage: stage, Metrics: m},
		},
	}
}

func TestGate_Optimize(t *testing.T) {
	gate := NewGate(DefaultGateDefaults())

	t.Run("improvement below minimum fails", func(t *testing.T) {
		p := &Pipeline{ProgressionRules: ProgressionRules{Optimization: OptimizationRules{MinImprovement: 3}}}
		d := gate.Evaluate(p, StageOptimize, StageMetrics{BaselineScore: 1.0, BestScore: 1.02})

		assert.Equal(t, OutcomeFail, d.Outcome)
		require.NotNil(t, d.Improvement)
		assert.InDelta(t, 2.0, *d.Improvement, 1e-9)
		require.Len(t, d.Reasons, 1)
		assert.Contains(t, d.Reasons[0], "below minimum 3.00%")
	})

	t.Run("improvement at minimum advances", func(t *testing.T) {
		p := &Pipeline{ProgressionRules: ProgressionRules{Optimization: OptimizationRules{MinImprovement: 3}}}
		d := gate.Evaluate(p, StageOptimize, StageMetrics{BaselineScore: 1.0, BestScore: 1.05})
		assert.Equal(t, OutcomeAdvance, d.Outcome)
	})

	t.Run("zero baseline with positive best is infinite improvement", func(t *testing.T) {
		p := &Pipeline{ProgressionRules: ProgressionRules{Optimization: OptimizationRules{MinImprovement: 50}}}
		d := gate.Evaluate(p, StageOptimize, StageMetrics{BaselineScore: 0, BestScore: 0.4})
		assert.Equal(t, OutcomeAdvance, d.Outcome)
		assert.Nil(t, d.Improvement)
	})

	t.Run("negative baseline uses magnitude", func(t *testing.T) {
		assert.InDelta(t, 50.0, Improvement(-2, -1), 1e-9)
		assert.Equal(t, 0.0, Improvement(0, -1))
	})
}

func TestGate_Historical(t *testing.T) {
	gate := NewGate(DefaultGateDefaults())

	t.Run("unset thresholds are satisfied", func(t *testing.T) {
		d := gate.Evaluate(&Pipeline{}, StageHistorical, StageMetrics{SharpeRatio: -1, TotalReturn: -0.5})
		assert.Equal(t, OutcomeAdvance, d.Outcome)
		assert.Empty(t, d.Reasons)
	})

	t.Run("every missed threshold is reported", func(t *testing.T) {
		rules := ProgressionRules{Historical: Thresholds{
			MinSharpe:       f64(1.5),
			MaxDrawdown:     f64(0.2),
			MinWinRate:      f64(0.55),
			MinTotalReturn:  f64(0.1),
			MinTradeCount:   intp(30),
			MinProfitFactor: f64(1.2),
		}}
		d := gate.Evaluate(&Pipeline{ProgressionRules: rules}, StageHistorical, StageMetrics{
			SharpeRatio: 1.0, MaxDrawdown: 0.3, WinRate: 0.5, TotalReturn: 0.05, TradeCount: 10, ProfitFactor: 1.1,
		})
		assert.Equal(t, OutcomeFail, d.Outcome)
		assert.Len(t, d.Reasons, 6)
	})

	t.Run("score is the composite", func(t *testing.T) {
		d := gate.Evaluate(&Pipeline{}, StageHistorical, strongMetrics())
		assert.InDelta(t, 85.0, d.Score, 1e-9)
	})
}

func TestGate_LiveReplay(t *testing.T) {
	gate := NewGate(DefaultGateDefaults())

	degraded := strongMetrics()
	degraded.SharpeRatio = 1.5 // 25% below historical

	t.Run("degradation above maximum fails", func(t *testing.T) {
		rules := ProgressionRules{MaxDegradation: f64(0.20)}
		p := pipelineWithResult(rules, StageHistorical, strongMetrics())

		d := gate.Evaluate(p, StageLiveReplay, degraded)
		assert.Equal(t, OutcomeFail, d.Outcome)
		require.NotNil(t, d.Degradation)
		assert.InDelta(t, 0.25, *d.Degradation, 1e-9)
		require.Len(t, d.Reasons, 1)
		assert.Contains(t, d.Reasons[0], "degradation 25.0%")
	})

	t.Run("default maximum degradation applies when unset", func(t *testing.T) {
		p := pipelineWithResult(ProgressionRules{}, StageHistorical, strongMetrics())
		d := gate.Evaluate(p, StageLiveReplay, degraded)
		assert.Equal(t, OutcomeAdvance, d.Outcome)
	})

	t.Run("soft-fail stage holds", func(t *testing.T) {
		rules := ProgressionRules{MaxDegradation: f64(0.20), SoftFailStages: []Stage{StageLiveReplay}}
		p := pipelineWithResult(rules, StageHistorical, strongMetrics())

		d := gate.Evaluate(p, StageLiveReplay, degraded)
		assert.Equal(t, OutcomeHold, d.Outcome)
	})

	t.Run("composite below minimum pipeline score fails", func(t *testing.T) {
		p := pipelineWithResult(ProgressionRules{}, StageHistorical, StageMetrics{})
		d := gate.Evaluate(p, StageLiveReplay, StageMetrics{})
		assert.Equal(t, OutcomeFail, d.Outcome)
		assert.Equal(t, 0.0, d.Score)
		require.Len(t, d.Reasons, 1)
		assert.Contains(t, d.Reasons[0], "minimum pipeline score 30.0")
	})

	t.Run("configured minimum pipeline score overrides the default", func(t *testing.T) {
		p := pipelineWithResult(ProgressionRules{MinimumPipelineScore: f64(90)}, StageHistorical, strongMetrics())
		d := gate.Evaluate(p, StageLiveReplay, strongMetrics())
		assert.Equal(t, OutcomeFail, d.Outcome)
	})
}

func TestGate_PaperTradeComparesAgainstLiveReplay(t *testing.T) {
	gate := NewGate(DefaultGateDefaults())
	rules := ProgressionRules{
		MaxDegradation: f64(0.10),
		PaperTrading:   Thresholds{MinTradeCount: intp(5)},
	}

	live := strongMetrics()
	live.TotalReturn = 0.2
	p := pipelineWithResult(rules, StageLiveReplay, live)
	p.StageResults[StageHistorical] = &StageResult{Stage: StageHistorical, Metrics: StageMetrics{SharpeRatio: 10, TotalReturn: 5}}

	paper := strongMetrics()
	paper.TotalReturn = 0.19
	d := gate.Evaluate(p, StagePaperTrade, paper)

	assert.Equal(t, OutcomeAdvance, d.Outcome)
	require.NotNil(t, d.Degradation)
	assert.InDelta(t, 0.05, *d.Degradation, 1e-9)
}

func TestDegradation(t *testing.T) {
	prev := StageMetrics{SharpeRatio: 2, TotalReturn: 0.4, MaxDrawdown: 0.1}

	assert.Equal(t, 0.0, Degradation(prev, StageMetrics{SharpeRatio: 3, TotalReturn: 0.5, MaxDrawdown: 0.05}), "improvement floors at zero")
	assert.InDelta(t, 0.5, Degradation(prev, StageMetrics{SharpeRatio: 2, TotalReturn: 0.4, MaxDrawdown: 0.15}), 1e-9)
	assert.InDelta(t, 0.75, Degradation(prev, StageMetrics{SharpeRatio: 1.8, TotalReturn: 0.1, MaxDrawdown: 0.1}), 1e-9)
	assert.Equal(t, 0.0, Degradation(StageMetrics{}, StageMetrics{SharpeRatio: -1}))
}
