package risk

import (
	"math"

	"github.com/Rajchodisetti/flowcore/internal/observ"
)

// VolatilityConfig configures realized volatility estimation
type VolatilityConfig struct {
	Lookback            int     `yaml:"lookback"`             // bars of returns kept (48)
	AnnualizationFactor float64 `yaml:"annualization_factor"` // bars per year (8760 for hourly bars)
	MinObservations     int     `yaml:"min_observations"`     // below this realized vol is 0
	EwmaLambda          float64 `yaml:"ewma_lambda"`          // RiskMetrics decay (0.94)
}

func (c VolatilityConfig) withDefaults() VolatilityConfig {
	if c.Lookback <= 1 {
		c.Lookback = 48
	}
	if c.AnnualizationFactor <= 0 {
		c.AnnualizationFactor = 24 * 365
	}
	if c.MinObservations < 2 {
		c.MinObservations = 2
	}
	if c.EwmaLambda <= 0 || c.EwmaLambda >= 1 {
		c.EwmaLambda = 0.94
	}
	return c
}

// Volatility keeps a rolling window of per-bar returns.
type Volatility struct {
	cfg     VolatilityConfig
	returns []float64
	head    int
	filled  int

	ewmaVar float64
	ewmaN   int
}

// NewVolatility creates an empty estimator
func NewVolatility(cfg VolatilityConfig) *Volatility {
	cfg = cfg.withDefaults()
	return &Volatility{
		cfg:     cfg,
		returns: make([]float64, cfg.Lookback),
	}
}

// Add records one bar return. Non-finite returns are dropped.
func (v *Volatility) Add(r float64) {
	if math.IsNaN(r) || math.IsInf(r, 0) {
		observ.IncCounter("volatility_returns_dropped_total", nil)
		return
	}
	v.returns[v.head] = r
	v.head = (v.head + 1) % len(v.returns)
	if v.filled < len(v.returns) {
		v.filled++
	}

	// σ²(t) = λσ²(t-1) + (1-λ)r²(t)
	if v.ewmaN == 0 {
		v.ewmaVar = r * r
	} else {
		v.ewmaVar = v.cfg.EwmaLambda*v.ewmaVar + (1-v.cfg.EwmaLambda)*r*r
	}
	v.ewmaN++
}

// Realized returns annualized sample standard deviation of the window, 0 until
// MinObservations returns have been seen.
func (v *Volatility) Realized() float64 {
	if v.filled < v.cfg.MinObservations {
		return 0
	}
	window := v.window()
	return standardDeviation(window) * math.Sqrt(v.cfg.AnnualizationFactor)
}

// EWMA returns the annualized exponentially weighted volatility. It reacts faster than
// Realized and is used as the "current" side of a volatility spike check.
func (v *Volatility) EWMA() float64 {
	if v.ewmaN == 0 {
		return 0
	}
	return math.Sqrt(v.ewmaVar) * math.Sqrt(v.cfg.AnnualizationFactor)
}

// Len returns the number of returns in the window
func (v *Volatility) Len() int { return v.filled }

// Returns copies the window oldest first
func (v *Volatility) Returns() []float64 { return v.window() }

// Reset clears all history
func (v *Volatility) Reset() {
	for i := range v.returns {
		v.returns[i] = 0
	}
	v.head, v.filled = 0, 0
	v.ewmaVar, v.ewmaN = 0, 0
}

func (v *Volatility) window() []float64 {
	out := make([]float64, 0, v.filled)
	start := (v.head - v.filled + len(v.returns)) % len(v.returns)
	for i := 0; i < v.filled; i++ {
		out = append(out, v.returns[(start+i)%len(v.returns)])
	}
	return out
}

func mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

func standardDeviation(values []float64) float64 {
	if len(values) < 2 {
		return 0
	}
	m := mean(values)
	variance := 0.0
	for _, v := range values {
		diff := v - m
		variance += diff * diff
	}
	variance /= float64(len(values) - 1)
	return math.Sqrt(variance)
}
