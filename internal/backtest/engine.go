package backtest

import (
	"context"
	"math"
	"time"

	"gonum.org/v1/gonum/stat"

	"strategy-pipeline/internal/pipeline"
	"strategy-pipeline/internal/scoring"
)

// Bar is one OHLCV candle
type Bar struct {
	OpenTime time.Time `json:"open_time"`
	Open     float64   `json:"open"`
	High     float64   `json:"high"`
	Low      float64   `json:"low"`
	Close    float64   `json:"close"`
	Volume   float64   `json:"volume"`
}

// Config holds simulation settings
type Config struct {
	InitialCapital   float64
	FeeRate          float64 // per side, 0.001 = 0.1%
	PositionFraction float64 // share of equity committed per trade
	Warmup           int     // bars skipped before the first signal

	// Default exits when the signal sets none, in percent of entry
	StopLossPercent   float64
	TakeProfitPercent float64

	// Paper trading stop conditions, zero disables
	StopOnDrawdown  float64
	StopAfterTrades int

	// Delay per bar for paced replay
	StepDelay time.Duration
}

// DefaultConfig returns the stock simulation settings
func DefaultConfig() Config {
	return Config{
		InitialCapital:    10000,
		FeeRate:           0.001,
		PositionFraction:  0.10,
		Warmup:            50,
		StopLossPercent:   2,
		TakeProfitPercent: 4,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.InitialCapital <= 0 {
		c.InitialCapital = d.InitialCapital
	}
	if c.FeeRate < 0 {
		c.FeeRate = 0
	}
	if c.PositionFraction <= 0 || c.PositionFraction > 1 {
		c.PositionFraction = d.PositionFraction
	}
	if c.Warmup < 0 {
		c.Warmup = 0
	}
	if c.StopLossPercent <= 0 {
		c.StopLossPercent = d.StopLossPercent
	}
	if c.TakeProfitPercent <= 0 {
		c.TakeProfitPercent = d.TakeProfitPercent
	}
	return c
}

// Position is an open long position
type Position struct {
	EntryIndex int64   `msgpack:"entry_index"`
	EntryPrice float64 `msgpack:"entry_price"`
	Quantity   float64 `msgpack:"quantity"`
	StopLoss   float64 `msgpack:"stop_loss"`
	TakeProfit float64 `msgpack:"take_profit"`
}

// State is everything Step mutates. It is what a checkpoint stores.
type State struct {
	Equity    float64   `msgpack:"equity"`
	Peak      float64   `msgpack:"peak"`
	Position  *Position `msgpack:"position"`
	TradePnLs []float64 `msgpack:"trade_pnls"` // net P&L per trade as a fraction of the position cost
	// Equity after each closed trade, starting with the initial capital
	EquityCurve []float64 `msgpack:"equity_curve"`
	Halted      bool      `msgpack:"halted"`
}

// Engine replays bars through a strategy. It implements checkpoint.Simulation:
// given the same bars and parameters, stepping from a restored State yields
// the same result as an uninterrupted run.
type Engine struct {
	bars     []Bar
	strategy StrategyFunc
	params   Params
	cfg      Config
	state    State
}

// NewEngine creates an engine over bars
func NewEngine(bars []Bar, strategy StrategyFunc, params Params, cfg Config) *Engine {
	e := &Engine{
		bars:     bars,
		strategy: strategy,
		params:   params,
		cfg:      cfg.withDefaults(),
	}
	e.Reset()
	return e
}

// Total returns the number of bars
func (e *Engine) Total() int64 { return int64(len(e.bars)) }

// State returns the checkpointable state
func (e *Engine) State() interface{} { return &e.state }

// Reset returns the engine to its initial state
func (e *Engine) Reset() {
	e.state = State{
		Equity:      e.cfg.InitialCapital,
		Peak:        e.cfg.InitialCapital,
		EquityCurve: []float64{e.cfg.InitialCapital},
	}
}

// Step processes bar i
func (e *Engine) Step(ctx context.Context, i int64) error {
	if e.cfg.StepDelay > 0 {
		t := time.NewTimer(e.cfg.StepDelay)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
	if e.state.Halted || i < int64(e.cfg.Warmup) {
		return nil
	}

	bar := e.bars[i]
	last := i == int64(len(e.bars))-1

	// Check exits first. A bar touching both levels is treated as a stop.
	if p := e.state.Position; p != nil {
		switch {
		case bar.Low <= p.StopLoss:
			e.closePosition(p.StopLoss)
		case bar.High >= p.TakeProfit:
			e.closePosition(p.TakeProfit)
		case last:
			e.closePosition(bar.Close)
		}
	}

	if e.state.Position == nil && !e.state.Halted && !last {
		if sig := e.strategy(e.bars[:i+1], int(i), e.params); sig != nil && sig.Action == ActionBuy {
			e.openPosition(i, bar.Close, sig)
		}
	}
	return nil
}

// Run steps every bar from the initial state
func (e *Engine) Run(ctx context.Context) error {
	for i := int64(0); i < e.Total(); i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := e.Step(ctx, i); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) openPosition(i int64, price float64, sig *Signal) {
	if price <= 0 {
		return
	}
	stop := sig.StopLoss
	if stop <= 0 || stop >= price {
		stop = price * (1 - e.cfg.StopLossPercent/100)
	}
	target := sig.TakeProfit
	if target <= price {
		target = price * (1 + e.cfg.TakeProfitPercent/100)
	}

	e.state.Position = &Position{
		EntryIndex: i,
		EntryPrice: price,
		Quantity:   e.state.Equity * e.cfg.PositionFraction / price,
		StopLoss:   stop,
		TakeProfit: target,
	}
}

func (e *Engine) closePosition(exitPrice float64) {
	p := e.state.Position
	e.state.Position = nil

	cost := p.EntryPrice * p.Quantity
	gross := (exitPrice - p.EntryPrice) * p.Quantity
	fees := (cost + exitPrice*p.Quantity) * e.cfg.FeeRate
	pnl := gross - fees

	e.state.Equity += pnl
	if e.state.Equity > e.state.Peak {
		e.state.Peak = e.state.Equity
	}
	e.state.TradePnLs = append(e.state.TradePnLs, pnl/cost)
	e.state.EquityCurve = append(e.state.EquityCurve, e.state.Equity)

	if e.cfg.StopAfterTrades > 0 && len(e.state.TradePnLs) >= e.cfg.StopAfterTrades {
		e.state.Halted = true
	}
	if e.cfg.StopOnDrawdown > 0 && e.state.Peak > 0 &&
		(e.state.Peak-e.state.Equity)/e.state.Peak >= e.cfg.StopOnDrawdown {
		e.state.Halted = true
	}
}

// Metrics computes the stage metrics of the simulated run
func (e *Engine) Metrics() pipeline.StageMetrics {
	s := e.state
	totalReturn := s.Equity/e.cfg.InitialCapital - 1

	m := pipeline.StageMetrics{
		SharpeRatio:      sharpe(s.TradePnLs),
		TotalReturn:      totalReturn,
		AnnualizedReturn: annualize(totalReturn, e.span()),
		MaxDrawdown:      scoring.MaxDrawdown(s.EquityCurve),
		TradePnLs:        append([]float64(nil), s.TradePnLs...),
		Periods:          e.periods(),
	}
	m.Enrich()
	return m
}

// Halted reports whether a stop condition ended the simulation early
func (e *Engine) Halted() bool { return e.state.Halted }

func (e *Engine) span() time.Duration {
	if len(e.bars) < 2 {
		return 0
	}
	return e.bars[len(e.bars)-1].OpenTime.Sub(e.bars[0].OpenTime)
}

// periods counts the weeks covered, the unit trade density is measured in
func (e *Engine) periods() int {
	weeks := int(e.span() / (7 * 24 * time.Hour))
	if weeks < 1 {
		return 1
	}
	return weeks
}

// sharpe is the per-trade Sharpe ratio with a zero risk-free rate
func sharpe(returns []float64) float64 {
	if len(returns) < 2 {
		return 0
	}
	mean, std := stat.MeanStdDev(returns, nil)
	if std == 0 || math.IsNaN(std) {
		return 0
	}
	return mean / std
}

func annualize(totalReturn float64, span time.Duration) float64 {
	years := span.Hours() / (24 * 365)
	if years <= 0 || totalReturn <= -1 {
		return totalReturn
	}
	r := math.Pow(1+totalReturn, 1/years) - 1
	if math.IsInf(r, 0) || math.IsNaN(r) {
		return totalReturn
	}
	return r
}
