package backtest

import (
	"fmt"
	"math"
	"sort"
)

// Action is the side of a strategy signal. The reference engine trades long only.
type Action string

const (
	ActionBuy  Action = "BUY"
	ActionNone Action = "NONE"
)

// Signal is an entry request from a strategy. Zero exit levels fall back to
// the engine's default stop and target.
type Signal struct {
	Action     Action
	StopLoss   float64
	TakeProfit float64
	Reason     string
}

// Params are strategy parameters. Values decoded from JSON are float64.
type Params map[string]interface{}

// Float returns a numeric parameter or def
func (p Params) Float(key string, def float64) float64 {
	switch v := p[key].(type) {
	case float64:
		return v
	case float32:
		return float64(v)
	case int:
		return float64(v)
	case int64:
		return float64(v)
	}
	return def
}

// Int returns a numeric parameter rounded to an int, or def
func (p Params) Int(key string, def int) int {
	f := p.Float(key, math.NaN())
	if math.IsNaN(f) {
		return def
	}
	return int(math.Round(f))
}

// Merge returns a copy of p overlaid with each of the others in order
func (p Params) Merge(others ...map[string]interface{}) Params {
	out := make(Params, len(p))
	for k, v := range p {
		out[k] = v
	}
	for _, o := range others {
		for k, v := range o {
			out[k] = v
		}
	}
	return out
}

// StrategyFunc evaluates the bars up to and including index i
type StrategyFunc func(bars []Bar, i int, params Params) *Signal

// Definition is a registered strategy
type Definition struct {
	Name     string
	Defaults Params
	Evaluate StrategyFunc
}

var registry = map[string]Definition{
	"sma_crossover": {
		Name:     "sma_crossover",
		Defaults: Params{"fast_period": 10.0, "slow_period": 30.0, "stop_loss_pct": 2.0, "take_profit_pct": 4.0},
		Evaluate: smaCrossover,
	},
	"rsi_reversion": {
		Name:     "rsi_reversion",
		Defaults: Params{"period": 14.0, "oversold": 30.0, "stop_loss_pct": 2.0, "take_profit_pct": 3.0},
		Evaluate: rsiReversion,
	},
	"momentum": {
		Name:     "momentum",
		Defaults: Params{"lookback": 20.0, "threshold_pct": 2.0, "stop_loss_pct": 2.5, "take_profit_pct": 5.0},
		Evaluate: momentum,
	},
}

// Lookup returns a registered strategy
func Lookup(name string) (Definition, error) {
	def, ok := registry[name]
	if !ok {
		return Definition{}, fmt.Errorf("unknown strategy %q", name)
	}
	return def, nil
}

// Strategies returns the registered strategy names, sorted
func Strategies() []string {
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func exits(price float64, p Params) (float64, float64) {
	return price * (1 - p.Float("stop_loss_pct", 2)/100), price * (1 + p.Float("take_profit_pct", 4)/100)
}

// smaCrossover buys when the fast SMA crosses above the slow SMA
func smaCrossover(bars []Bar, i int, p Params) *Signal {
	fast, slow := p.Int("fast_period", 10), p.Int("slow_period", 30)
	if fast < 1 || slow <= fast || i < slow {
		return nil
	}

	fastMA, slowMA := sma(bars[:i+1], fast), sma(bars[:i+1], slow)
	prevFast, prevSlow := sma(bars[:i], fast), sma(bars[:i], slow)
	if prevFast <= prevSlow && fastMA > slowMA {
		stop, target := exits(bars[i].Close, p)
		return &Signal{
			Action:     ActionBuy,
			StopLoss:   stop,
			TakeProfit: target,
			Reason:     fmt.Sprintf("bullish SMA crossover: fast %.2f > slow %.2f", fastMA, slowMA),
		}
	}
	return nil
}

// rsiReversion buys when RSI recovers back above the oversold level
func rsiReversion(bars []Bar, i int, p Params) *Signal {
	period, oversold := p.Int("period", 14), p.Float("oversold", 30)
	if period < 2 || i < period+1 {
		return nil
	}

	prev, cur := rsi(bars[:i], period), rsi(bars[:i+1], period)
	if prev < oversold && cur >= oversold {
		stop, target := exits(bars[i].Close, p)
		return &Signal{
			Action:     ActionBuy,
			StopLoss:   stop,
			TakeProfit: target,
			Reason:     fmt.Sprintf("RSI recovered from oversold: %.1f", cur),
		}
	}
	return nil
}

// momentum buys when the rate of change over lookback exceeds the threshold
func momentum(bars []Bar, i int, p Params) *Signal {
	lookback, threshold := p.Int("lookback", 20), p.Float("threshold_pct", 2)
	if lookback < 1 || i < lookback {
		return nil
	}

	base := bars[i-lookback].Close
	if base <= 0 {
		return nil
	}
	roc := (bars[i].Close - base) / base * 100
	prevBase := bars[i-1].Close
	if roc > threshold && bars[i].Close > prevBase {
		stop, target := exits(bars[i].Close, p)
		return &Signal{
			Action:     ActionBuy,
			StopLoss:   stop,
			TakeProfit: target,
			Reason:     fmt.Sprintf("momentum %.2f%% over %d bars", roc, lookback),
		}
	}
	return nil
}

func sma(bars []Bar, period int) float64 {
	if len(bars) < period || period <= 0 {
		return 0
	}
	sum := 0.0
	for _, b := range bars[len(bars)-period:] {
		sum += b.Close
	}
	return sum / float64(period)
}

func rsi(bars []Bar, period int) float64 {
	if len(bars) < period+1 {
		return 50 // neutral
	}

	var gains, losses float64
	for i := len(bars) - period; i < len(bars); i++ {
		change := bars[i].Close - bars[i-1].Close
		if change > 0 {
			gains += change
		} else {
			losses -= change
		}
	}
	if losses == 0 {
		return 100
	}
	rs := gains / losses
	return 100 - 100/(1+rs)
}
