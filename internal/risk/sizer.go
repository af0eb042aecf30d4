// Package risk turns a chosen direction and conviction into an executable position and
// supervises the whole bot with a circuit breaker.
package risk

import (
	"math"

	"github.com/Rajchodisetti/flowcore/internal/observ"
)

// VetoReason explains why a position change was not executed as sized
type VetoReason string

const (
	VetoNone           VetoReason = "none"
	VetoCooldown       VetoReason = "cooldown"
	VetoImpact         VetoReason = "impact"
	VetoDrawdownStop   VetoReason = "drawdown_stop"
	VetoCircuitBreaker VetoReason = "circuit_breaker"
	VetoMaxDuration    VetoReason = "max_duration"
	VetoDegradedInput  VetoReason = "degraded_input"
)

// SizerConfig holds the sizing and execution gate parameters
type SizerConfig struct {
	PosMax      float64 `yaml:"pos_max"`       // |position| cap as a fraction (1.0)
	SigmaTarget float64 `yaml:"sigma_target"`  // annualized vol target (0.20)
	MaxVolScale float64 `yaml:"max_vol_scale"` // vol-target scale cap (2.0)
	VolEps      float64 `yaml:"vol_eps"`       // realized vol at or below this skips targeting

	CooldownBars int `yaml:"cooldown_bars"`

	BaseNotional     float64 `yaml:"base_notional"`
	ImpactK          float64 `yaml:"impact_k"`
	MaxImpactBpsHard float64 `yaml:"max_impact_bps_hard"`

	DDStop float64 `yaml:"dd_stop"` // equity drawdown that forces flat (0.20)

	Volatility VolatilityConfig `yaml:"volatility"`
}

// DefaultSizerConfig returns the production defaults
func DefaultSizerConfig() SizerConfig {
	return SizerConfig{
		PosMax:           1.0,
		SigmaTarget:      0.20,
		MaxVolScale:      2.0,
		VolEps:           1e-9,
		CooldownBars:     3,
		BaseNotional:     1000,
		ImpactK:          0.001,
		MaxImpactBpsHard: 25,
		DDStop:           0.20,
	}
}

func (c SizerConfig) withDefaults() SizerConfig {
	d := DefaultSizerConfig()
	if c.PosMax <= 0 {
		c.PosMax = d.PosMax
	}
	if c.SigmaTarget <= 0 {
		c.SigmaTarget = d.SigmaTarget
	}
	if c.MaxVolScale <= 0 {
		c.MaxVolScale = d.MaxVolScale
	}
	if c.VolEps <= 0 {
		c.VolEps = d.VolEps
	}
	if c.BaseNotional <= 0 {
		c.BaseNotional = d.BaseNotional
	}
	if c.MaxImpactBpsHard <= 0 {
		c.MaxImpactBpsHard = d.MaxImpactBpsHard
	}
	if c.DDStop <= 0 {
		c.DDStop = d.DDStop
	}
	return c
}

// Execution is the outcome of one sizing decision
type Execution struct {
	Target    float64       `json:"target"`   // what the sizer wanted
	Executed  float64       `json:"executed"` // position held after the gates
	Previous  float64       `json:"previous"`
	Veto      VetoReason    `json:"veto"`
	ImpactBps float64       `json:"impact_bps"`
	Cooldown  *CooldownInfo `json:"cooldown,omitempty"`
}

// Vetoed reports whether a gate blocked the sized target
func (e Execution) Vetoed() bool { return e.Veto != VetoNone && e.Veto != "" }

// Sizer holds RiskState: returns, realized vol, current position, last flip and equity.
type Sizer struct {
	cfg      SizerConfig
	vol      *Volatility
	cooldown *Cooldown
	equity   *EquityCurve
	position float64
}

// NewSizer creates a flat sizer
func NewSizer(cfg SizerConfig) *Sizer {
	cfg = cfg.withDefaults()
	return &Sizer{
		cfg:      cfg,
		vol:      NewVolatility(cfg.Volatility),
		cooldown: NewCooldown(cfg.CooldownBars),
		equity:   NewEquityCurve(),
	}
}

// TargetPosition sizes direction*alpha by volatility targeting and clamps to ±PosMax.
func (s *Sizer) TargetPosition(direction int, alpha float64) float64 {
	if direction == 0 || math.IsNaN(alpha) || math.IsInf(alpha, 0) {
		return 0
	}
	alpha = math.Min(math.Max(alpha, 0), 1)
	desired := float64(signOf(float64(direction))) * alpha

	if rv := s.vol.Realized(); rv > s.cfg.VolEps {
		desired *= math.Min(s.cfg.SigmaTarget/rv, s.cfg.MaxVolScale)
	}
	return math.Min(math.Max(desired, -s.cfg.PosMax), s.cfg.PosMax)
}

// ImpactBps estimates the market impact of trading delta position at price.
func (s *Sizer) ImpactBps(delta, price float64) float64 {
	if price <= 0 {
		return math.Inf(1)
	}
	qty := math.Abs(delta) * s.cfg.BaseNotional / price
	return s.cfg.ImpactK * qty * qty * price / s.cfg.BaseNotional * 1e4
}

// Execute sizes and gates a position change at bar. Gates run in order: drawdown stop,
// cooldown on flips, impact veto. A vetoed change keeps the current position.
func (s *Sizer) Execute(direction int, alpha, price float64, bar int) Execution {
	ex := Execution{Previous: s.position, Executed: s.position, Veto: VetoNone}

	if math.IsNaN(price) || math.IsInf(price, 0) || price <= 0 {
		ex.Veto = VetoDegradedInput
		s.recordVeto(ex)
		return ex
	}

	ex.Target = s.TargetPosition(direction, alpha)

	if s.DrawdownStopped() {
		ex.Executed = 0
		ex.Veto = VetoDrawdownStop
		s.position = 0
		s.recordVeto(ex)
		return ex
	}

	if ex.Target == s.position {
		return ex
	}

	flip := isFlip(s.position, ex.Target)
	if flip {
		ok, info := s.cooldown.CanFlip(bar)
		if !ok {
			ex.Veto = VetoCooldown
			ex.Cooldown = &info
			s.recordVeto(ex)
			return ex
		}
	}

	ex.ImpactBps = s.ImpactBps(ex.Target-s.position, price)
	if ex.ImpactBps > s.cfg.MaxImpactBpsHard {
		ex.Veto = VetoImpact
		s.recordVeto(ex)
		return ex
	}

	s.position = ex.Target
	ex.Executed = ex.Target
	if flip {
		s.cooldown.RecordFlip(bar)
	}
	observ.SetGauge("position", s.position, nil)
	observ.Observe("impact_bps", ex.ImpactBps, nil)
	return ex
}

// Flatten closes the position without running the gates. Used for circuit breaker and
// exit overrides, which must always be able to reduce risk.
func (s *Sizer) Flatten() float64 {
	prev := s.position
	s.position = 0
	observ.SetGauge("position", 0, nil)
	return prev
}

// ObserveReturn records the bar's asset return and compounds the held position into equity.
func (s *Sizer) ObserveReturn(r float64) {
	if math.IsNaN(r) || math.IsInf(r, 0) {
		return
	}
	s.vol.Add(r)
	s.equity.Apply(s.position * r)
	observ.SetGauge("realized_vol", s.vol.Realized(), nil)
}

// DrawdownStopped reports whether equity drawdown is past DDStop
func (s *Sizer) DrawdownStopped() bool { return s.equity.Drawdown() > s.cfg.DDStop }

// Position returns the currently held position fraction
func (s *Sizer) Position() float64 { return s.position }

// RealizedVol returns the annualized realized volatility
func (s *Sizer) RealizedVol() float64 { return s.vol.Realized() }

// MarketVol returns the fast and slow volatility estimates for spike detection, or nil
// before enough history exists.
func (s *Sizer) MarketVol() *MarketVol {
	avg := s.vol.Realized()
	if avg <= s.cfg.VolEps {
		return nil
	}
	return &MarketVol{CurrentVol: s.vol.EWMA(), AvgVol: avg}
}

// Equity exposes the equity curve
func (s *Sizer) Equity() *EquityCurve { return s.equity }

// Config returns the effective configuration
func (s *Sizer) Config() SizerConfig { return s.cfg }

func (s *Sizer) recordVeto(ex Execution) {
	observ.IncCounter("sizer_vetoes_total", map[string]string{"reason": string(ex.Veto)})
}

// SizerSnapshot is the persisted RiskState
type SizerSnapshot struct {
	Position    float64   `json:"position"`
	LastFlipBar int       `json:"last_flip_bar"`
	HasFlip     bool      `json:"has_flip"`
	Returns     []float64 `json:"returns"`
	Equity      float64   `json:"equity"`
	PeakEquity  float64   `json:"peak_equity"`
	MaxDrawdown float64   `json:"max_drawdown"`
}

// Snapshot captures the sizer state
func (s *Sizer) Snapshot() SizerSnapshot {
	return SizerSnapshot{
		Position:    s.position,
		LastFlipBar: s.cooldown.lastFlipBar,
		HasFlip:     s.cooldown.hasFlip,
		Returns:     s.vol.Returns(),
		Equity:      s.equity.equity,
		PeakEquity:  s.equity.peak,
		MaxDrawdown: s.equity.maxDrawdown,
	}
}

// RestoreSizer rebuilds a sizer from a snapshot. Implausible equity values fall back to
// a fresh curve.
func RestoreSizer(cfg SizerConfig, snap SizerSnapshot) *Sizer {
	s := NewSizer(cfg)
	if !math.IsNaN(snap.Position) && !math.IsInf(snap.Position, 0) {
		s.position = math.Min(math.Max(snap.Position, -s.cfg.PosMax), s.cfg.PosMax)
	}
	if snap.HasFlip {
		s.cooldown.RecordFlip(snap.LastFlipBar)
	}
	for _, r := range snap.Returns {
		s.vol.Add(r)
	}
	if snap.Equity > 0 && snap.PeakEquity >= snap.Equity {
		s.equity.equity = snap.Equity
		s.equity.peak = snap.PeakEquity
		s.equity.maxDrawdown = math.Max(snap.MaxDrawdown, s.equity.Drawdown())
	}
	return s
}
