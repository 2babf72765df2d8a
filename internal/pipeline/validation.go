package pipeline

import (
	"errors"
	"fmt"
	"math"
	"strings"
)

// ConfigError describes one invalid field of a pipeline creation request
type ConfigError struct {
	Field  string `json:"field"`
	Reason string `json:"reason"`
}

func (e ConfigError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

// ValidationErrors collects every ConfigError found in a request
type ValidationErrors []ConfigError

func (v ValidationErrors) Error() string {
	parts := make([]string, 0, len(v))
	for _, e := range v {
		parts = append(parts, e.Error())
	}
	return "invalid pipeline configuration: " + strings.Join(parts, "; ")
}

// IsConfigError reports whether err is a creation-time configuration error
func IsConfigError(err error) bool {
	var ve ValidationErrors
	if errors.As(err, &ve) {
		return true
	}
	var ce ConfigError
	return errors.As(err, &ce)
}

type validator struct {
	errs ValidationErrors
}

func (v *validator) add(field, format string, args ...interface{}) {
	v.errs = append(v.errs, ConfigError{Field: field, Reason: fmt.Sprintf(format, args...)})
}

func (v *validator) required(field, value string) {
	if strings.TrimSpace(value) == "" {
		v.add(field, "is required")
	}
}

func (v *validator) rangeF(field string, value *float64, lo, hi float64) {
	if value == nil {
		return
	}
	if math.IsNaN(*value) || math.IsInf(*value, 0) {
		v.add(field, "must be a finite number")
		return
	}
	if *value < lo || *value > hi {
		v.add(field, "must be between %g and %g, got %g", lo, hi, *value)
	}
}

func (v *validator) thresholds(prefix string, t Thresholds) {
	v.rangeF(prefix+".min_sharpe", t.MinSharpe, -100, 100)
	v.rangeF(prefix+".max_drawdown", t.MaxDrawdown, 0, 1)
	v.rangeF(prefix+".min_win_rate", t.MinWinRate, 0, 1)
	v.rangeF(prefix+".min_total_return", t.MinTotalReturn, -1, math.MaxFloat64)
	v.rangeF(prefix+".min_profit_factor", t.MinProfitFactor, 0, math.MaxFloat64)
	if t.MinTradeCount != nil && *t.MinTradeCount < 0 {
		v.add(prefix+".min_trade_count", "must not be negative")
	}
}

func (v *validator) backtest(prefix string, c BacktestConfig) {
	if !c.StartDate.IsZero() && !c.EndDate.IsZero() && !c.StartDate.Before(c.EndDate) {
		v.add(prefix+".end_date", "must be after start_date")
	}
	if c.InitialCapital < 0 {
		v.add(prefix+".initial_capital", "must not be negative")
	}
	if c.FeeRate < 0 || c.FeeRate >= 0.1 {
		v.add(prefix+".fee_rate", "must be in [0, 0.1), got %g", c.FeeRate)
	}
}

// ValidateCreateRequest checks a creation request and returns every problem
// at once as ValidationErrors, or nil.
func ValidateCreateRequest(req CreateRequest) error {
	v := &validator{}

	v.required("user_id", req.UserID)
	v.required("strategy_config_id", req.StrategyConfigID)
	v.required("exchange_key_id", req.ExchangeKeyID)

	sc := req.StageConfig
	opt := sc.Optimization
	if !opt.StartDate.IsZero() && !opt.EndDate.IsZero() && !opt.StartDate.Before(opt.EndDate) {
		v.add("stage_config.optimization.end_date", "must be after start_date")
	}
	if opt.TrainWindowDays < 0 {
		v.add("stage_config.optimization.train_window_days", "must not be negative")
	}
	if opt.TestWindowDays < 0 {
		v.add("stage_config.optimization.test_window_days", "must not be negative")
	}
	if opt.MaxIterations < 0 {
		v.add("stage_config.optimization.max_iterations", "must not be negative")
	}
	v.backtest("stage_config.historical", sc.Historical)
	v.backtest("stage_config.live_replay", sc.LiveReplay.BacktestConfig)
	if sc.LiveReplay.Pacing < 0 {
		v.add("stage_config.live_replay.pacing", "must not be negative")
	}
	if sc.PaperTrading.DurationHours < 0 {
		v.add("stage_config.paper_trading.duration_hours", "must not be negative")
	}
	if sc.PaperTrading.InitialCapital < 0 {
		v.add("stage_config.paper_trading.initial_capital", "must not be negative")
	}
	if sc.PaperTrading.StopOnDrawdown < 0 || sc.PaperTrading.StopOnDrawdown > 1 {
		v.add("stage_config.paper_trading.stop_on_drawdown", "must be between 0 and 1")
	}

	rules := req.ProgressionRules
	minImprovement := rules.Optimization.MinImprovement
	v.rangeF("progression_rules.optimization.min_improvement", &minImprovement, 0, 10000)
	v.thresholds("progression_rules.historical", rules.Historical)
	v.thresholds("progression_rules.live_replay", rules.LiveReplay)
	v.thresholds("progression_rules.paper_trading", rules.PaperTrading)
	v.rangeF("progression_rules.max_degradation", rules.MaxDegradation, 0, 1)
	v.rangeF("progression_rules.minimum_pipeline_score", rules.MinimumPipelineScore, 0, 100)
	for _, s := range rules.SoftFailStages {
		if !s.Valid() || s == StageCompleted {
			v.add("progression_rules.soft_fail_stages", "unknown stage %q", s)
		}
	}

	if len(v.errs) == 0 {
		return nil
	}
	return v.errs
}
