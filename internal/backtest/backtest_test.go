package backtest

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"strategy-pipeline/internal/checkpoint"
	"strategy-pipeline/internal/logging"
	"strategy-pipeline/internal/pipeline"
)

type memStore struct {
	mu  sync.Mutex
	cps map[string]*checkpoint.Checkpoint
}

func newMemStore() *memStore {
	return &memStore{cps: map[string]*checkpoint.Checkpoint{}}
}

func (m *memStore) SaveCheckpoint(_ context.Context, runID string, state []byte, processed, total int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cps[runID] = &checkpoint.Checkpoint{
		RunID:                   runID,
		State:                   append([]byte(nil), state...),
		ProcessedTimestampCount: processed,
		TotalTimestampCount:     total,
		LastCheckpointAt:        time.Now(),
	}
	return nil
}

func (m *memStore) LoadCheckpoint(_ context.Context, runID string) (*checkpoint.Checkpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cps[runID], nil
}

func (m *memStore) ClearCheckpoint(_ context.Context, runID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.cps, runID)
	return nil
}

var epoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func syntheticBars(t *testing.T, symbol string, hours int) []Bar {
	t.Helper()
	bars, err := NewSyntheticSource().Bars(context.Background(), symbol, time.Hour, epoch, epoch.Add(time.Duration(hours)*time.Hour))
	require.NoError(t, err)
	require.Len(t, bars, hours)
	return bars
}

func flatBars(closes ...float64) []Bar {
	bars := make([]Bar, len(closes))
	for i, c := range closes {
		bars[i] = Bar{OpenTime: epoch.Add(time.Duration(i) * time.Hour), Open: c, High: c, Low: c, Close: c}
	}
	return bars
}

func buyAt(index int) StrategyFunc {
	return func(_ []Bar, i int, _ Params) *Signal {
		if i == index {
			return &Signal{Action: ActionBuy}
		}
		return nil
	}
}

func TestParseInterval(t *testing.T) {
	tests := []struct {
		in   string
		want time.Duration
		ok   bool
	}{
		{"1m", time.Minute, true},
		{"15m", 15 * time.Minute, true},
		{"4h", 4 * time.Hour, true},
		{"1d", 24 * time.Hour, true},
		{"1w", 7 * 24 * time.Hour, true},
		{"0h", 0, false},
		{"h", 0, false},
		{"5y", 0, false},
	}
	for _, tt := range tests {
		got, err := ParseInterval(tt.in)
		if !tt.ok {
			assert.Error(t, err, tt.in)
			continue
		}
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}
}

func TestSyntheticSource_Deterministic(t *testing.T) {
	src := NewSyntheticSource()
	ctx := context.Background()

	a, err := src.Bars(ctx, "BTCUSDT", time.Hour, epoch, epoch.Add(48*time.Hour))
	require.NoError(t, err)
	b, err := src.Bars(ctx, "BTCUSDT", time.Hour, epoch.Add(24*time.Hour), epoch.Add(72*time.Hour))
	require.NoError(t, err)

	// Overlapping windows agree bar for bar
	assert.Equal(t, a[24:], b[:24])
	for _, bar := range a {
		assert.LessOrEqual(t, bar.Low, bar.Open)
		assert.GreaterOrEqual(t, bar.High, bar.Close)
	}

	other, err := src.Bars(ctx, "ETHUSDT", time.Hour, epoch, epoch.Add(48*time.Hour))
	require.NoError(t, err)
	assert.NotEqual(t, a[0].Close, other[0].Close)

	_, err = src.Bars(ctx, "BTCUSDT", time.Minute, epoch, epoch.AddDate(5, 0, 0))
	assert.Error(t, err, "range over the bar limit")
}

func TestEngine_TakeProfitTrade(t *testing.T) {
	bars := flatBars(100, 100, 100, 100)
	bars[2].High = 105

	cfg := DefaultConfig()
	cfg.Warmup = 0
	e := NewEngine(bars, buyAt(1), nil, cfg)
	require.NoError(t, e.Run(context.Background()))

	// 10% of 10000 buys 10 units at 100, target 104
	state := e.State().(*State)
	assert.Nil(t, state.Position)
	require.Len(t, state.TradePnLs, 1)
	assert.InDelta(t, 10000+40-2.04, state.Equity, 1e-9)
	assert.InDelta(t, 37.96/1000, state.TradePnLs[0], 1e-12)

	m := e.Metrics()
	assert.Equal(t, 1, m.TradeCount)
	assert.Equal(t, 1.0, m.WinRate)
	assert.InDelta(t, 0.003796, m.TotalReturn, 1e-9)
	assert.Equal(t, 0.0, m.MaxDrawdown)
}

func TestEngine_StopLossAndEndOfData(t *testing.T) {
	t.Run("stop wins over target on the same bar", func(t *testing.T) {
		bars := flatBars(100, 100, 100)
		bars[2].High, bars[2].Low = 110, 90

		cfg := DefaultConfig()
		cfg.Warmup = 0
		e := NewEngine(bars, buyAt(0), nil, cfg)
		require.NoError(t, e.Run(context.Background()))

		m := e.Metrics()
		assert.Equal(t, 1, m.TradeCount)
		assert.Equal(t, 0.0, m.WinRate)
		assert.Greater(t, m.MaxDrawdown, 0.0)
	})

	t.Run("open position closes on the last bar", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Warmup = 0
		e := NewEngine(flatBars(100, 101, 102), buyAt(0), nil, cfg)
		require.NoError(t, e.Run(context.Background()))
		assert.Equal(t, 1, e.Metrics().TradeCount)
	})
}

func TestEngine_StopAfterTrades(t *testing.T) {
	always := func(_ []Bar, _ int, _ Params) *Signal { return &Signal{Action: ActionBuy} }
	bars := flatBars(100, 100, 100, 100, 100, 100)
	for i := 1; i < len(bars); i++ {
		bars[i].High = 110
	}

	cfg := DefaultConfig()
	cfg.Warmup = 0
	cfg.StopAfterTrades = 2
	e := NewEngine(bars, always, nil, cfg)
	require.NoError(t, e.Run(context.Background()))

	assert.True(t, e.Halted())
	assert.Equal(t, 2, e.Metrics().TradeCount)
}

func TestEngine_ResumeMatchesUninterruptedRun(t *testing.T) {
	bars := syntheticBars(t, "BTCUSDT", 3000)
	def, err := Lookup("sma_crossover")
	require.NoError(t, err)
	ctx := context.Background()

	reference := NewEngine(bars, def.Evaluate, def.Defaults, DefaultConfig())
	require.NoError(t, reference.Run(ctx))
	want := reference.Metrics()
	require.Greater(t, want.TradeCount, 0)

	store := newMemStore()
	driver := checkpoint.NewDriver(store, checkpoint.Options{EveryN: 500}, nil, logging.Nop())

	// Stop at the third checkpoint, as a crashed worker would
	polls := 0
	stopEarly := func(context.Context) bool {
		polls++
		return polls == 3
	}
	first := NewEngine(bars, def.Evaluate, def.Defaults, DefaultConfig())
	_, err = driver.Run(ctx, "run-1", first, stopEarly)
	require.ErrorIs(t, err, checkpoint.ErrCancelled)

	cp, err := store.LoadCheckpoint(ctx, "run-1")
	require.NoError(t, err)
	require.NotNil(t, cp)
	assert.Equal(t, int64(1500), cp.ProcessedTimestampCount)

	resumed := NewEngine(bars, def.Evaluate, def.Defaults, DefaultConfig())
	out, err := driver.Run(ctx, "run-1", resumed, nil)
	require.NoError(t, err)
	assert.True(t, out.Resumed)
	assert.Equal(t, int64(1500), out.ResumedFrom)
	assert.Equal(t, want, resumed.Metrics())

	cp, err = store.LoadCheckpoint(ctx, "run-1")
	require.NoError(t, err)
	assert.Nil(t, cp)
}

func TestStrategies_Registered(t *testing.T) {
	assert.Equal(t, []string{"momentum", "rsi_reversion", "sma_crossover"}, Strategies())
	_, err := Lookup("martingale")
	assert.Error(t, err)

	bars := syntheticBars(t, "SOLUSDT", 2000)
	for _, name := range Strategies() {
		def, err := Lookup(name)
		require.NoError(t, err)
		e := NewEngine(bars, def.Evaluate, def.Defaults, DefaultConfig())
		require.NoError(t, e.Run(context.Background()), name)
		assert.Greater(t, e.Metrics().TradeCount, 0, name)
	}
}

func TestParams(t *testing.T) {
	p := Params{"fast_period": 10.0, "label": "x"}
	assert.Equal(t, 10, p.Int("fast_period", 3))
	assert.Equal(t, 3, p.Int("missing", 3))
	assert.Equal(t, 1.5, p.Float("label", 1.5))

	merged := p.Merge(map[string]interface{}{"fast_period": 12.0}, nil)
	assert.Equal(t, 12, merged.Int("fast_period", 0))
	assert.Equal(t, 10, p.Int("fast_period", 0), "merge does not mutate")
}

func TestOptimize(t *testing.T) {
	bars := syntheticBars(t, "BTCUSDT", 2000)
	def, err := Lookup("sma_crossover")
	require.NoError(t, err)
	ctx := context.Background()

	t.Run("grid search never ends below its baseline", func(t *testing.T) {
		res, err := Optimize(ctx, bars, OptimizeRequest{Strategy: def, Config: DefaultConfig()})
		require.NoError(t, err)
		assert.GreaterOrEqual(t, res.BestScore, res.BaselineScore)
		// baseline, start of the pass, 4 factors per parameter
		assert.Equal(t, 2+4*len(def.Defaults), res.Evaluations)

		m := res.StageMetrics()
		assert.Equal(t, res.BestScore, m.BestScore)
		assert.Equal(t, res.BaselineScore, m.BaselineScore)
		assert.Contains(t, m.BestParameters, "fast_period")
	})

	t.Run("iteration cap", func(t *testing.T) {
		res, err := Optimize(ctx, bars, OptimizeRequest{Strategy: def, MaxIterations: 3, Config: DefaultConfig()})
		require.NoError(t, err)
		assert.Equal(t, 4, res.Evaluations)
	})

	t.Run("walk forward scores the held-out window", func(t *testing.T) {
		res, err := Optimize(ctx, bars, OptimizeRequest{
			Algorithm: AlgorithmWalkForward, Strategy: def, Objective: "total_return", Config: DefaultConfig(),
		})
		require.NoError(t, err)
		assert.Equal(t, res.Metrics.TotalReturn, res.BestScore)
	})

	t.Run("unknown algorithm", func(t *testing.T) {
		_, err := Optimize(ctx, bars, OptimizeRequest{Algorithm: "annealing", Strategy: def})
		assert.Error(t, err)
	})
}

func stageRequest(stage pipeline.Stage) pipeline.StageRequest {
	hist := pipeline.BacktestConfig{
		Symbol:    "BTCUSDT",
		Interval:  "1h",
		StartDate: epoch,
		EndDate:   epoch.AddDate(0, 3, 0),
	}
	return pipeline.StageRequest{
		PipelineID: "p-1",
		Stage:      stage,
		Config: pipeline.StageConfig{
			Optimization: pipeline.OptimizationConfig{
				Algorithm: AlgorithmGridSearch, StartDate: epoch, EndDate: epoch.AddDate(0, 2, 0), MaxIterations: 5,
			},
			Historical:   hist,
			LiveReplay:   pipeline.ReplayConfig{BacktestConfig: pipeline.BacktestConfig{Symbol: "BTCUSDT", Interval: "1h", StartDate: epoch.AddDate(0, 3, 0), EndDate: epoch.AddDate(0, 4, 0)}},
			PaperTrading: pipeline.PaperTradingConfig{Symbol: "BTCUSDT", DurationHours: 24 * 14},
		},
		OptimizedParameters: map[string]interface{}{"fast_period": 8.0},
	}
}

func TestExecutor_ExecuteStage(t *testing.T) {
	store := newMemStore()
	x := NewExecutor(NewSyntheticSource(), checkpoint.NewDriver(store, checkpoint.Options{EveryN: 250}, nil, logging.Nop()), logging.Nop())
	x.now = func() time.Time { return epoch.AddDate(0, 6, 0).Add(17 * time.Minute) }
	strat := &pipeline.StrategyConfig{ID: "s-1", Algorithm: "sma_crossover"}
	ctx := context.Background()

	for _, stage := range []pipeline.Stage{pipeline.StageOptimize, pipeline.StageHistorical, pipeline.StageLiveReplay, pipeline.StagePaperTrade} {
		t.Run(string(stage), func(t *testing.T) {
			res, err := x.ExecuteStage(ctx, StageInput{RunID: "run-" + string(stage), Request: stageRequest(stage), Strategy: strat})
			require.NoError(t, err)
			assert.Greater(t, res.Bars, 0)
			if stage == pipeline.StageOptimize {
				assert.Nil(t, res.Outcome)
				assert.GreaterOrEqual(t, res.Metrics.BestScore, res.Metrics.BaselineScore)
				return
			}
			require.NotNil(t, res.Outcome)
			assert.Equal(t, res.Outcome.Total, res.Outcome.Processed)
		})
	}

	t.Run("paper window ends at the last bar boundary", func(t *testing.T) {
		res, err := x.ExecuteStage(ctx, StageInput{RunID: "paper-2", Request: stageRequest(pipeline.StagePaperTrade), Strategy: strat})
		require.NoError(t, err)
		assert.Equal(t, 24*14, res.Bars)
	})

	t.Run("invalid input", func(t *testing.T) {
		_, err := x.ExecuteStage(ctx, StageInput{RunID: "bad", Request: stageRequest(pipeline.StageHistorical), Strategy: &pipeline.StrategyConfig{Algorithm: "nope"}})
		assert.ErrorIs(t, err, ErrInvalidInput)

		req := stageRequest(pipeline.StageHistorical)
		req.Config.Historical.Symbol = ""
		_, err = x.ExecuteStage(ctx, StageInput{RunID: "bad", Request: req, Strategy: strat})
		assert.ErrorIs(t, err, ErrInvalidInput)

		_, err = x.ExecuteStage(ctx, StageInput{RunID: "bad", Request: stageRequest(pipeline.StageCompleted), Strategy: strat})
		assert.ErrorIs(t, err, ErrInvalidInput)
	})
}

func TestExecutor_ExecuteJob(t *testing.T) {
	x := NewExecutor(NewSyntheticSource(), checkpoint.NewDriver(newMemStore(), checkpoint.Options{EveryN: 1000}, nil, logging.Nop()), logging.Nop())
	x.now = func() time.Time { return epoch.AddDate(0, 6, 0) }

	res, err := x.ExecuteJob(context.Background(), "job-1", JobSpec{
		Algorithm: AlgorithmWalkForward, Strategy: "momentum", Symbol: "ETHUSDT", Interval: "4h", LookbackDays: 120,
	})
	require.NoError(t, err)
	assert.Equal(t, 120*6, res.Bars)

	_, err = x.ExecuteJob(context.Background(), "job-2", JobSpec{Strategy: "momentum", Symbol: "ETHUSDT", Interval: "7x"})
	assert.ErrorIs(t, err, ErrInvalidInput)
}
