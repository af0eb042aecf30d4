package risk

import (
	"math"
)

// HealthConfig sizes the rolling windows of a HealthTracker
type HealthConfig struct {
	BarsPerDay int `yaml:"bars_per_day"` // window for the rolling 1d Sharpe (24)
	ICWindow   int `yaml:"ic_window"`    // recent prediction/outcome pairs (48)
	ICBaseline int `yaml:"ic_baseline"`  // long-run pairs the recent IC is compared against (480)
}

func (c HealthConfig) withDefaults() HealthConfig {
	if c.BarsPerDay < 2 {
		c.BarsPerDay = 24
	}
	if c.ICWindow < 3 {
		c.ICWindow = 48
	}
	if c.ICBaseline < c.ICWindow {
		c.ICBaseline = c.ICWindow * 10
	}
	return c
}

// HealthTracker derives HealthMetrics from the bot's own PnL and predictions when no
// external monitoring layer supplies them.
type HealthTracker struct {
	cfg    HealthConfig
	pnl    []float64
	equity *EquityCurve

	preds    []float64
	outcomes []float64
}

// NewHealthTracker creates an empty tracker
func NewHealthTracker(cfg HealthConfig) *HealthTracker {
	return &HealthTracker{cfg: cfg.withDefaults(), equity: NewEquityCurve()}
}

// RecordPnL adds one bar of strategy PnL as a fraction of equity
func (t *HealthTracker) RecordPnL(pnl float64) {
	if math.IsNaN(pnl) || math.IsInf(pnl, 0) {
		return
	}
	t.pnl = appendBounded(t.pnl, pnl, t.cfg.BarsPerDay)
	t.equity.Apply(pnl)
}

// RecordPrediction pairs a directional prediction with the return that followed it
func (t *HealthTracker) RecordPrediction(pred, realized float64) {
	if math.IsNaN(pred) || math.IsInf(pred, 0) || math.IsNaN(realized) || math.IsInf(realized, 0) {
		return
	}
	t.preds = appendBounded(t.preds, pred, t.cfg.ICBaseline)
	t.outcomes = appendBounded(t.outcomes, realized, t.cfg.ICBaseline)
}

// Metrics returns the current health snapshot. Metrics without enough history are 0,
// which sits between every default pause floor and resume threshold.
func (t *HealthTracker) Metrics() HealthMetrics {
	return HealthMetrics{
		MaxDDToDate:  -t.equity.MaxDrawdown(),
		SharpeRoll1d: t.sharpe(),
		ICDrift:      t.icDrift(),
	}
}

func (t *HealthTracker) sharpe() float64 {
	if len(t.pnl) < 2 {
		return 0
	}
	sd := standardDeviation(t.pnl)
	if sd < 1e-12 {
		return 0
	}
	return mean(t.pnl) / sd * math.Sqrt(float64(t.cfg.BarsPerDay))
}

// icDrift is recent IC minus long-run IC
func (t *HealthTracker) icDrift() float64 {
	n := len(t.preds)
	if n < t.cfg.ICWindow {
		return 0
	}
	recent := pearson(t.preds[n-t.cfg.ICWindow:], t.outcomes[n-t.cfg.ICWindow:])
	baseline := pearson(t.preds, t.outcomes)
	return recent - baseline
}

func pearson(x, y []float64) float64 {
	if len(x) != len(y) || len(x) < 2 {
		return 0
	}
	mx, my := mean(x), mean(y)
	var sxy, sxx, syy float64
	for i := range x {
		dx, dy := x[i]-mx, y[i]-my
		sxy += dx * dy
		sxx += dx * dx
		syy += dy * dy
	}
	if sxx < 1e-18 || syy < 1e-18 {
		return 0
	}
	return sxy / math.Sqrt(sxx*syy)
}

func appendBounded(xs []float64, x float64, max int) []float64 {
	xs = append(xs, x)
	if len(xs) > max {
		xs = append(xs[:0:0], xs[len(xs)-max:]...)
	}
	return xs
}
