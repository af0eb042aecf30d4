package risk

import (
	"math"

	"github.com/Rajchodisetti/flowcore/internal/observ"
)

const minEquity = 1e-9

// EquityCurve tracks compounded equity and its all-time peak for drawdown stops.
type EquityCurve struct {
	equity      float64
	peak        float64
	maxDrawdown float64
}

// NewEquityCurve starts at equity 1.0
func NewEquityCurve() *EquityCurve {
	return &EquityCurve{equity: 1, peak: 1}
}

// Apply compounds one bar of fractional PnL. Non-finite values are ignored and
// equity never drops below a tiny positive floor.
func (e *EquityCurve) Apply(pnl float64) {
	if math.IsNaN(pnl) || math.IsInf(pnl, 0) {
		return
	}
	e.equity = math.Max(e.equity*(1+pnl), minEquity)
	if e.equity > e.peak {
		e.peak = e.equity
	}
	dd := e.Drawdown()
	if dd > e.maxDrawdown {
		e.maxDrawdown = dd
	}
	observ.SetGauge("equity", e.equity, nil)
	observ.SetGauge("equity_drawdown", dd, nil)
}

// Drawdown is the current fractional drawdown from peak, in [0,1)
func (e *EquityCurve) Drawdown() float64 {
	if e.peak <= 0 {
		return 0
	}
	return math.Max(0, (e.peak-e.equity)/e.peak)
}

// MaxDrawdown is the worst drawdown seen so far
func (e *EquityCurve) MaxDrawdown() float64 { return e.maxDrawdown }

// Equity returns current equity
func (e *EquityCurve) Equity() float64 { return e.equity }

// Peak returns the equity high-water mark
func (e *EquityCurve) Peak() float64 { return e.peak }
