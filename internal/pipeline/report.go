package pipeline

import (
	"fmt"
	"math"
	"time"

	"gonum.org/v1/gonum/stat"
)

// WarningCode classifies a concern raised by the summary report
type WarningCode string

const (
	WarnHighDegradation      WarningCode = "HIGH_DEGRADATION"
	WarnLowTradeCount        WarningCode = "LOW_TRADE_COUNT"
	WarnOverfittingSuspected WarningCode = "OVERFITTING_SUSPECTED"
	WarnNegativeReturn       WarningCode = "NEGATIVE_RETURN"
	WarnHighDrawdown         WarningCode = "HIGH_DRAWDOWN"
	WarnSoftFailOverride     WarningCode = "SOFT_FAIL_OVERRIDE"
)

// Blocking reports whether the warning rules out deployment on its own
func (c WarningCode) Blocking() bool {
	switch c {
	case WarnOverfittingSuspected, WarnNegativeReturn, WarnSoftFailOverride:
		return true
	}
	return false
}

// Warning is one report concern with its human-readable detail
type Warning struct {
	Code    WarningCode `json:"code"`
	Stage   Stage       `json:"stage,omitempty"`
	Message string      `json:"message"`
}

// StageRow is one line of the cross-stage comparison table
type StageRow struct {
	Stage            Stage    `json:"stage"`
	RunID            string   `json:"run_id"`
	SharpeRatio      float64  `json:"sharpe_ratio"`
	TotalReturn      float64  `json:"total_return"`
	AnnualizedReturn float64  `json:"annualized_return"`
	MaxDrawdown      float64  `json:"max_drawdown"`
	WinRate          float64  `json:"win_rate"`
	TradeCount       int      `json:"trade_count"`
	ProfitFactor     float64  `json:"profit_factor"`
	Degradation      *float64 `json:"degradation,omitempty"`
	CompositeScore   float64  `json:"composite_score"`
	Outcome          Outcome  `json:"outcome"`
	SoftFailOverride bool     `json:"soft_fail_override,omitempty"`
}

// AverageMetrics are averaged over the execution stages
type AverageMetrics struct {
	SharpeRatio  float64 `json:"sharpe_ratio"`
	TotalReturn  float64 `json:"total_return"`
	MaxDrawdown  float64 `json:"max_drawdown"`
	WinRate      float64 `json:"win_rate"`
	ProfitFactor float64 `json:"profit_factor"`
	TradeCount   float64 `json:"trade_count"`
}

// SummaryReport is produced once every stage has completed
type SummaryReport struct {
	PipelineID           string         `json:"pipeline_id"`
	Stages               []StageRow     `json:"stages"`
	Averages             AverageMetrics `json:"averages"`
	ConsistencyScore     float64        `json:"consistency_score"`
	CompositeScore       float64        `json:"composite_score"`
	Warnings             []Warning      `json:"warnings"`
	Recommendation       Recommendation `json:"recommendation"`
	Confidence           float64        `json:"confidence"`
	TotalDurationSeconds float64        `json:"total_duration_seconds"`
	GeneratedAt          time.Time      `json:"generated_at"`
}

// WarningCodes lists the codes of the report warnings in order
func (r *SummaryReport) WarningCodes() []string {
	codes := make([]string, 0, len(r.Warnings))
	for _, w := range r.Warnings {
		codes = append(codes, string(w.Code))
	}
	return codes
}

// ReportPolicy holds the recommendation and warning thresholds
type ReportPolicy struct {
	DeployConsistency float64 // minimum consistency score for DEPLOY
	DeployComposite   float64 // minimum average composite score for DEPLOY
	HighDegradation   float64 // fraction
	MinTradeCount     int
	HighDrawdown      float64 // fraction
	// Forward stages keeping less than this share of historical Sharpe suggest overfitting
	OverfitSharpeRetention float64
	// Composite points lost between HISTORICAL and LIVE_REPLAY that suggest overfitting
	OverfitScoreDrop float64
}

// DefaultReportPolicy returns the stock thresholds
func DefaultReportPolicy() ReportPolicy {
	return ReportPolicy{
		DeployConsistency:      70,
		DeployComposite:        60,
		HighDegradation:        0.15,
		MinTradeCount:          20,
		HighDrawdown:           0.25,
		OverfitSharpeRetention: 0.5,
		OverfitScoreDrop:       25,
	}
}

// GenerateReport builds the summary report with the default policy
func GenerateReport(p *Pipeline, now time.Time) *SummaryReport {
	return DefaultReportPolicy().Generate(p, now)
}

// Generate aggregates the recorded stage results of p into a summary report
func (pol ReportPolicy) Generate(p *Pipeline, now time.Time) *SummaryReport {
	r := &SummaryReport{
		PipelineID:  p.ID,
		Warnings:    []Warning{},
		GeneratedAt: now,
	}

	for _, stage := range stageOrder {
		res := p.Result(stage)
		if res == nil {
			continue
		}
		m := res.Metrics
		r.Stages = append(r.Stages, StageRow{
			Stage:            stage,
			RunID:            res.RunID,
			SharpeRatio:      m.SharpeRatio,
			TotalReturn:      m.TotalReturn,
			AnnualizedReturn: m.AnnualizedReturn,
			MaxDrawdown:      m.MaxDrawdown,
			WinRate:          m.WinRate,
			TradeCount:       m.TradeCount,
			ProfitFactor:     m.ProfitFactor,
			Degradation:      res.Decision.Degradation,
			CompositeScore:   res.Decision.Score,
			Outcome:          res.Decision.Outcome,
			SoftFailOverride: res.SoftFailOverride,
		})
	}

	var executed []*StageResult
	for _, stage := range ExecutionStages {
		if res := p.Result(stage); res != nil {
			executed = append(executed, res)
		}
	}

	r.Averages, r.CompositeScore = averages(executed)
	r.ConsistencyScore = consistencyScore(executed)
	r.Warnings = append(r.Warnings, pol.warnings(p, executed)...)
	r.Recommendation = pol.Recommend(r.ConsistencyScore, r.CompositeScore, r.Warnings)
	r.Confidence = confidence(r.ConsistencyScore, r.CompositeScore, r.Warnings)

	start := p.CreatedAt
	if p.StartedAt != nil {
		start = *p.StartedAt
	}
	end := now
	if p.CompletedAt != nil {
		end = *p.CompletedAt
	}
	if end.After(start) {
		r.TotalDurationSeconds = end.Sub(start).Seconds()
	}
	return r
}

// Recommend maps the report scores and warnings to a deployment verdict
func (pol ReportPolicy) Recommend(consistency, composite float64, warnings []Warning) Recommendation {
	for _, w := range warnings {
		if w.Code.Blocking() {
			return RecommendDoNotDeploy
		}
	}
	if len(warnings) == 0 && consistency >= pol.DeployConsistency && composite >= pol.DeployComposite {
		return RecommendDeploy
	}
	return RecommendNeedsReview
}

func (pol ReportPolicy) warnings(p *Pipeline, executed []*StageResult) []Warning {
	var out []Warning

	for _, res := range p.orderedResults() {
		if res.SoftFailOverride {
			out = append(out, Warning{
				Code:    WarnSoftFailOverride,
				Stage:   res.Stage,
				Message: fmt.Sprintf("%s failed its gate and was approved in review: %s", res.Stage, res.Decision.Summary()),
			})
		}
	}

	for _, res := range executed {
		m := res.Metrics
		if d := res.Decision.Degradation; d != nil && *d > pol.HighDegradation {
			out = append(out, Warning{
				Code:    WarnHighDegradation,
				Stage:   res.Stage,
				Message: fmt.Sprintf("%s degraded %.1f%% from the previous stage", res.Stage, *d*100),
			})
		}
		if m.TradeCount < pol.MinTradeCount {
			out = append(out, Warning{
				Code:    WarnLowTradeCount,
				Stage:   res.Stage,
				Message: fmt.Sprintf("%s produced %d trades, fewer than %d needed for reliable statistics", res.Stage, m.TradeCount, pol.MinTradeCount),
			})
		}
		if m.TotalReturn < 0 {
			out = append(out, Warning{
				Code:    WarnNegativeReturn,
				Stage:   res.Stage,
				Message: fmt.Sprintf("%s returned %.2f%%", res.Stage, m.TotalReturn*100),
			})
		}
		if m.MaxDrawdown > pol.HighDrawdown {
			out = append(out, Warning{
				Code:    WarnHighDrawdown,
				Stage:   res.Stage,
				Message: fmt.Sprintf("%s drew down %.1f%%, above %.1f%%", res.Stage, m.MaxDrawdown*100, pol.HighDrawdown*100),
			})
		}
	}

	if w, ok := pol.overfitting(p); ok {
		out = append(out, w)
	}
	return out
}

func (pol ReportPolicy) overfitting(p *Pipeline) (Warning, bool) {
	hist := p.Result(StageHistorical)
	if hist == nil {
		return Warning{}, false
	}

	if hist.Metrics.SharpeRatio > 0 {
		for _, stage := range []Stage{StageLiveReplay, StagePaperTrade} {
			fwd := p.Result(stage)
			if fwd == nil {
				continue
			}
			if fwd.Metrics.SharpeRatio < hist.Metrics.SharpeRatio*pol.OverfitSharpeRetention {
				return Warning{
					Code:  WarnOverfittingSuspected,
					Stage: stage,
					Message: fmt.Sprintf("%s Sharpe %.2f kept less than %.0f%% of historical Sharpe %.2f",
						stage, fwd.Metrics.SharpeRatio, pol.OverfitSharpeRetention*100, hist.Metrics.SharpeRatio),
				}, true
			}
		}
	}

	if live := p.Result(StageLiveReplay); live != nil && hist.Decision.Score-live.Decision.Score > pol.OverfitScoreDrop {
		return Warning{
			Code:  WarnOverfittingSuspected,
			Stage: StageLiveReplay,
			Message: fmt.Sprintf("composite score fell from %.1f in HISTORICAL to %.1f in LIVE_REPLAY",
				hist.Decision.Score, live.Decision.Score),
		}, true
	}
	return Warning{}, false
}

func (p *Pipeline) orderedResults() []*StageResult {
	var out []*StageResult
	for _, stage := range stageOrder {
		if res := p.Result(stage); res != nil {
			out = append(out, res)
		}
	}
	return out
}

func averages(results []*StageResult) (AverageMetrics, float64) {
	var a AverageMetrics
	var composite float64
	if len(results) == 0 {
		return a, 0
	}
	for _, res := range results {
		m := res.Metrics
		a.SharpeRatio += m.SharpeRatio
		a.TotalReturn += m.TotalReturn
		a.MaxDrawdown += m.MaxDrawdown
		a.WinRate += m.WinRate
		a.ProfitFactor += m.ProfitFactor
		a.TradeCount += float64(m.TradeCount)
		composite += res.Decision.Score
	}
	n := float64(len(results))
	a.SharpeRatio /= n
	a.TotalReturn /= n
	a.MaxDrawdown /= n
	a.WinRate /= n
	a.ProfitFactor /= n
	a.TradeCount /= n
	return a, composite / n
}

// consistencyScore is 100 minus the coefficient of variation (capped at 1)
// of Sharpe, return and win rate across the execution stages, averaged.
func consistencyScore(results []*StageResult) float64 {
	if len(results) < 2 {
		return 100
	}

	series := [][]float64{
		make([]float64, 0, len(results)),
		make([]float64, 0, len(results)),
		make([]float64, 0, len(results)),
	}
	for _, res := range results {
		series[0] = append(series[0], res.Metrics.SharpeRatio)
		series[1] = append(series[1], res.Metrics.TotalReturn)
		series[2] = append(series[2], res.Metrics.WinRate)
	}

	total := 0.0
	for _, xs := range series {
		mean, variance := stat.PopMeanVariance(xs, nil)
		std := math.Sqrt(variance)
		var cv float64
		switch {
		case std == 0:
			cv = 0
		case mean == 0:
			cv = 1
		default:
			cv = math.Min(1, std/math.Abs(mean))
		}
		total += 100 * (1 - cv)
	}
	return total / float64(len(series))
}

func confidence(consistency, composite float64, warnings []Warning) float64 {
	c := 0.5*consistency + 0.5*composite - 10*float64(len(warnings))
	return math.Max(0, math.Min(100, c))
}
