package scoring

// Component weights of the composite score
const (
	WeightRiskAdjusted = 0.4
	WeightConsistency  = 0.3
	WeightWinRate      = 0.3
)

// CompositeInput carries the metrics blended into the composite score
type CompositeInput struct {
	SharpeRatio      float64
	ReturnToDrawdown float64
	Stability        float64 // 0-100, 0 when unknown
	TrendRSquared    float64 // 0-1
	WinRate          float64 // 0-1
	HasTrades        bool    // Stability is meaningful only when trade P&L was available
}

// Normalizers are the thresholds each component is measured against.
// A component reaching twice its threshold scores full marks.
type Normalizers struct {
	MinSharpe  float64
	MinWinRate float64
}

// Default normalizers used when a pipeline leaves a threshold unset
const (
	DefaultMinSharpe  = 1.0
	DefaultMinWinRate = 0.5
)

// CompositeBreakdown exposes the normalized components next to the score
type CompositeBreakdown struct {
	Score        float64 `json:"score"`
	RiskAdjusted float64 `json:"risk_adjusted"`
	Consistency  float64 `json:"consistency"`
	WinQuality   float64 `json:"win_quality"`
}

// Composite returns the 0-100 blend of risk-adjusted return, consistency and
// win-rate quality.
func Composite(in CompositeInput, n Normalizers) float64 {
	return CompositeDetail(in, n).Score
}

// CompositeDetail is Composite with the per-component breakdown
func CompositeDetail(in CompositeInput, n Normalizers) CompositeBreakdown {
	minSharpe := n.MinSharpe
	if minSharpe <= 0 {
		minSharpe = DefaultMinSharpe
	}
	minWinRate := n.MinWinRate
	if minWinRate <= 0 {
		minWinRate = DefaultMinWinRate
	}

	sharpeComponent := clamp(safe(in.SharpeRatio)/(2*minSharpe), 0, 1)
	rtdComponent := clamp(safe(in.ReturnToDrawdown)/3, 0, 1)
	risk := 0.7*sharpeComponent + 0.3*rtdComponent

	r2 := clamp(safe(in.TrendRSquared), 0, 1)
	consistency := r2
	if in.HasTrades {
		consistency = 0.6*clamp(safe(in.Stability)/100, 0, 1) + 0.4*r2
	}

	win := clamp(safe(in.WinRate)/(2*minWinRate), 0, 1)

	score := 100 * (WeightRiskAdjusted*risk + WeightConsistency*consistency + WeightWinRate*win)
	return CompositeBreakdown{
		Score:        clamp(score, 0, 100),
		RiskAdjusted: risk,
		Consistency:  consistency,
		WinQuality:   win,
	}
}

func safe(v float64) float64 {
	if !isFinite(v) {
		return 0
	}
	return v
}
