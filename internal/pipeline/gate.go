package pipeline

import (
	"fmt"
	"math"
	"strings"

	"strategy-pipeline/internal/scoring"
)

// Outcome is the verdict of the stage progression gate
type Outcome string

const (
	OutcomeAdvance Outcome = "ADVANCE"
	OutcomeHold    Outcome = "HOLD"
	OutcomeFail    Outcome = "FAIL"
)

// GateDecision is the result of evaluating a completed stage
type GateDecision struct {
	Outcome     Outcome  `json:"outcome"`
	Score       float64  `json:"score"`
	Improvement *float64 `json:"improvement_pct,omitempty"`
	Degradation *float64 `json:"degradation,omitempty"`
	Reasons     []string `json:"reasons,omitempty"`
}

// Summary joins the failure reasons into one line
func (d GateDecision) Summary() string {
	return strings.Join(d.Reasons, "; ")
}

// GateDefaults are used when a pipeline's rules leave a value unset
type GateDefaults struct {
	MinimumPipelineScore float64
	MaxDegradation       float64
}

// DefaultGateDefaults returns the stock score gate (30) and degradation limit (30%)
func DefaultGateDefaults() GateDefaults {
	return GateDefaults{MinimumPipelineScore: 30, MaxDegradation: 0.30}
}

// Gate decides whether a pipeline may leave the stage that just completed
type Gate struct {
	defaults GateDefaults
}

// NewGate creates a gate with the given fallback thresholds
func NewGate(defaults GateDefaults) *Gate {
	return &Gate{defaults: defaults}
}

func (g *Gate) maxDegradation(r ProgressionRules) float64 {
	if r.MaxDegradation != nil {
		return *r.MaxDegradation
	}
	return g.defaults.MaxDegradation
}

func (g *Gate) minimumScore(r ProgressionRules) float64 {
	if r.MinimumPipelineScore != nil {
		return *r.MinimumPipelineScore
	}
	return g.defaults.MinimumPipelineScore
}

// Evaluate applies the gate of stage to the metrics it produced. Prior stage
// metrics are read from p.StageResults.
func (g *Gate) Evaluate(p *Pipeline, stage Stage, m StageMetrics) GateDecision {
	rules := p.ProgressionRules
	var d GateDecision

	switch stage {
	case StageOptimize:
		improvement := Improvement(m.BaselineScore, m.BestScore)
		if !math.IsInf(improvement, 0) {
			d.Improvement = &improvement
		}
		if improvement < rules.Optimization.MinImprovement {
			d.Reasons = append(d.Reasons, fmt.Sprintf(
				"optimization improvement %.2f%% below minimum %.2f%% (baseline %.4f, best %.4f)",
				improvement, rules.Optimization.MinImprovement, m.BaselineScore, m.BestScore))
		}

	case StageHistorical:
		d.Reasons = append(d.Reasons, CheckThresholds(rules.Historical, m)...)
		d.Score = CompositeScore(m, rules.Historical)

	case StageLiveReplay, StagePaperTrade:
		thresholds := rules.ThresholdsFor(stage)
		d.Reasons = append(d.Reasons, CheckThresholds(thresholds, m)...)

		if prev := p.Result(stage.Previous()); prev != nil {
			deg := Degradation(prev.Metrics, m)
			d.Degradation = &deg
			if limit := g.maxDegradation(rules); deg > limit {
				d.Reasons = append(d.Reasons, fmt.Sprintf(
					"degradation %.1f%% versus %s exceeds maximum %.1f%%",
					deg*100, stage.Previous(), limit*100))
			}
		}

		d.Score = CompositeScore(m, thresholds)
		if stage == StageLiveReplay {
			if minScore := g.minimumScore(rules); d.Score < minScore {
				d.Reasons = append(d.Reasons, fmt.Sprintf(
					"composite score %.1f below minimum pipeline score %.1f", d.Score, minScore))
			}
		}

	default:
		d.Reasons = append(d.Reasons, fmt.Sprintf("stage %s has no gate", stage))
	}

	switch {
	case len(d.Reasons) == 0:
		d.Outcome = OutcomeAdvance
	case rules.IsSoftFail(stage):
		d.Outcome = OutcomeHold
	default:
		d.Outcome = OutcomeFail
	}
	return d
}

// Improvement returns the relative gain of best over baseline in percent.
// A zero baseline yields +Inf for a positive best and 0 otherwise.
func Improvement(baseline, best float64) float64 {
	if baseline == 0 {
		if best > 0 {
			return math.Inf(1)
		}
		return 0
	}
	return (best - baseline) / math.Abs(baseline) * 100
}

// Degradation is the worst relative worsening from prev to cur among Sharpe
// ratio, total return and max drawdown, as a fraction floored at 0.
func Degradation(prev, cur StageMetrics) float64 {
	var worst float64
	if prev.SharpeRatio != 0 {
		worst = math.Max(worst, (prev.SharpeRatio-cur.SharpeRatio)/math.Abs(prev.SharpeRatio))
	}
	if prev.TotalReturn != 0 {
		worst = math.Max(worst, (prev.TotalReturn-cur.TotalReturn)/math.Abs(prev.TotalReturn))
	}
	if prev.MaxDrawdown > 0 {
		worst = math.Max(worst, (cur.MaxDrawdown-prev.MaxDrawdown)/prev.MaxDrawdown)
	}
	if math.IsNaN(worst) || math.IsInf(worst, 0) {
		return 0
	}
	return worst
}

// CheckThresholds returns one reason per configured threshold the metrics miss
func CheckThresholds(t Thresholds, m StageMetrics) []string {
	var reasons []string
	if t.MinSharpe != nil && m.SharpeRatio < *t.MinSharpe {
		reasons = append(reasons, fmt.Sprintf("sharpe ratio %.2f below minimum %.2f", m.SharpeRatio, *t.MinSharpe))
	}
	if t.MaxDrawdown != nil && m.MaxDrawdown > *t.MaxDrawdown {
		reasons = append(reasons, fmt.Sprintf("max drawdown %.1f%% above limit %.1f%%", m.MaxDrawdown*100, *t.MaxDrawdown*100))
	}
	if t.MinWinRate != nil && m.WinRate < *t.MinWinRate {
		reasons = append(reasons, fmt.Sprintf("win rate %.1f%% below minimum %.1f%%", m.WinRate*100, *t.MinWinRate*100))
	}
	if t.MinTotalReturn != nil && m.TotalReturn < *t.MinTotalReturn {
		reasons = append(reasons, fmt.Sprintf("total return %.2f%% below minimum %.2f%%", m.TotalReturn*100, *t.MinTotalReturn*100))
	}
	if t.MinTradeCount != nil && m.TradeCount < *t.MinTradeCount {
		reasons = append(reasons, fmt.Sprintf("trade count %d below minimum %d", m.TradeCount, *t.MinTradeCount))
	}
	if t.MinProfitFactor != nil && m.ProfitFactor < *t.MinProfitFactor {
		reasons = append(reasons, fmt.Sprintf("profit factor %.2f below minimum %.2f", m.ProfitFactor, *t.MinProfitFactor))
	}
	return reasons
}

// CompositeScore blends the stage metrics into the 0-100 composite, normalized
// against the stage thresholds.
func CompositeScore(m StageMetrics, t Thresholds) float64 {
	n := scoring.Normalizers{}
	if t.MinSharpe != nil {
		n.MinSharpe = *t.MinSharpe
	}
	if t.MinWinRate != nil {
		n.MinWinRate = *t.MinWinRate
	}
	return scoring.Composite(scoring.CompositeInput{
		SharpeRatio:      m.SharpeRatio,
		ReturnToDrawdown: scoring.ReturnToDrawdown(m.AnnualizedReturn, m.MaxDrawdown),
		Stability:        m.Stability,
		TrendRSquared:    m.TrendRSquared,
		WinRate:          m.WinRate,
		HasTrades:        len(m.TradePnLs) > 0 || m.Stability > 0,
	}, n)
}
