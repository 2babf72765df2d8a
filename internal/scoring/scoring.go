// Package scoring holds the pure performance functions used by the stage
// progression gate and the summary report. Nothing here performs I/O and every
// function returns a defined value for empty, constant or single-element input.
package scoring

import (
	"math"

	"gonum.org/v1/gonum/stat"
)

// StreakStats describes consecutive winning and losing trade runs
type StreakStats struct {
	LongestWin  int `json:"longest_win"`
	LongestLoss int `json:"longest_loss"`
	Current     int `json:"current"`
	CurrentSign int `json:"current_sign"` // +1 winning, -1 losing, 0 none
}

// WinRate returns the fraction of trades with positive P&L, in [0, 1]
func WinRate(trades []float64) float64 {
	trades = finite(trades)
	if len(trades) == 0 {
		return 0
	}

	wins := 0
	for _, pnl := range trades {
		if pnl > 0 {
			wins++
		}
	}
	return float64(wins) / float64(len(trades))
}

// Stability combines trade density (trades per period) and the inverse
// coefficient of variation of P&L into a score in [0, 100].
// Returns 0 for an empty sequence or zero periods.
func Stability(trades []float64, periods int) float64 {
	trades = finite(trades)
	if len(trades) == 0 || periods <= 0 {
		return 0
	}

	density := math.Min(1, float64(len(trades))/float64(periods)) * 100

	mean, std := meanStdDev(trades)
	var consistency float64
	switch {
	case std == 0:
		consistency = 100
	case mean == 0:
		consistency = 0
	default:
		cv := std / math.Abs(mean)
		consistency = 100 / (1 + cv)
	}

	return clamp(0.4*density+0.6*consistency, 0, 100)
}

// ReturnToDrawdown returns annualizedReturn / |maxDrawdown|, or 0 when the
// drawdown is zero and the ratio is undefined.
func ReturnToDrawdown(annualizedReturn, maxDrawdown float64) float64 {
	if maxDrawdown == 0 || !isFinite(maxDrawdown) || !isFinite(annualizedReturn) {
		return 0
	}
	return annualizedReturn / math.Abs(maxDrawdown)
}

// Streaks returns the longest winning and losing runs plus the current run.
// A flat (zero P&L) trade ends both kinds of run.
func Streaks(trades []float64) StreakStats {
	var s StreakStats
	wins, losses := 0, 0

	for _, pnl := range finite(trades) {
		switch {
		case pnl > 0:
			wins++
			losses = 0
		case pnl < 0:
			losses++
			wins = 0
		default:
			wins, losses = 0, 0
		}
		if wins > s.LongestWin {
			s.LongestWin = wins
		}
		if losses > s.LongestLoss {
			s.LongestLoss = losses
		}
	}

	switch {
	case wins > 0:
		s.Current, s.CurrentSign = wins, 1
	case losses > 0:
		s.Current, s.CurrentSign = losses, -1
	}
	return s
}

// RSquaredOfTrend fits cumulative returns against their index and returns the
// coefficient of determination in [0, 1]. Fewer than two points or a flat
// series return 0.
func RSquaredOfTrend(cumulativeReturns []float64) float64 {
	ys := finite(cumulativeReturns)
	if len(ys) < 2 {
		return 0
	}
	if stat.Variance(ys, nil) == 0 {
		return 0
	}

	xs := make([]float64, len(ys))
	for i := range xs {
		xs[i] = float64(i)
	}

	alpha, beta := stat.LinearRegression(xs, ys, nil, false)
	r2 := stat.RSquared(xs, ys, nil, alpha, beta)
	if !isFinite(r2) {
		return 0
	}
	return clamp(r2, 0, 1)
}

// CumulativeReturns returns the running sum of trade P&L
func CumulativeReturns(trades []float64) []float64 {
	trades = finite(trades)
	out := make([]float64, len(trades))
	sum := 0.0
	for i, pnl := range trades {
		sum += pnl
		out[i] = sum
	}
	return out
}

// ProfitFactor returns gross profit over gross loss. With no losing trades the
// gross profit itself is returned so the value stays finite.
func ProfitFactor(trades []float64) float64 {
	var grossProfit, grossLoss float64
	for _, pnl := range finite(trades) {
		if pnl > 0 {
			grossProfit += pnl
		} else {
			grossLoss -= pnl
		}
	}
	if grossLoss == 0 {
		return grossProfit
	}
	return grossProfit / grossLoss
}

// MaxDrawdown returns the largest peak-to-trough decline of an equity curve as
// a fraction of the peak, in [0, 1].
func MaxDrawdown(equity []float64) float64 {
	equity = finite(equity)
	if len(equity) == 0 {
		return 0
	}

	peak := equity[0]
	maxDD := 0.0
	for _, v := range equity {
		if v > peak {
			peak = v
		}
		if peak > 0 {
			if dd := (peak - v) / peak; dd > maxDD {
				maxDD = dd
			}
		}
	}
	return clamp(maxDD, 0, 1)
}

func meanStdDev(xs []float64) (float64, float64) {
	if len(xs) < 2 {
		if len(xs) == 1 {
			return xs[0], 0
		}
		return 0, 0
	}
	mean, std := stat.MeanStdDev(xs, nil)
	if !isFinite(std) {
		std = 0
	}
	return mean, std
}

func finite(xs []float64) []float64 {
	for _, x := range xs {
		if !isFinite(x) {
			out := make([]float64, 0, len(xs))
			for _, y := range xs {
				if isFinite(y) {
					out = append(out, y)
				}
			}
			return out
		}
	}
	return xs
}

func isFinite(x float64) bool {
	return !math.IsNaN(x) && !math.IsInf(x, 0)
}

func clamp(v, lo, hi float64) float64 {
	if math.IsNaN(v) {
		return lo
	}
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
