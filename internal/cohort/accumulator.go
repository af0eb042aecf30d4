// Package cohort turns raw trade fills into per-bar "smart money vs retail" flow signals.
package cohort

import (
	"math"
	"time"

	"github.com/Rajchodisetti/flowcore/internal/observ"
)

// Side of a fill
type Side string

const (
	Buy  Side = "buy"
	Sell Side = "sell"
)

// Sign returns +1 for buys, -1 for sells and 0 for anything else.
func (s Side) Sign() float64 {
	switch s {
	case Buy:
		return 1
	case Sell:
		return -1
	default:
		return 0
	}
}

// Fill is one executed trade from the fills feed. Consumed once.
type Fill struct {
	Timestamp time.Time `json:"ts"`
	Address   string    `json:"address"`
	Side      Side      `json:"side"`
	Size      float64   `json:"size"`
	Price     float64   `json:"price"`
}

// Weights is the cohort membership of the fill's address. Each weight is 0 or 1
// and the cohorts are not exclusive.
type Weights struct {
	Pros     float64 `json:"pros"`
	Amateurs float64 `json:"amateurs"`
	Mood     float64 `json:"mood"`
}

// Signal is the accumulated flow per cohort
type Signal struct {
	Pros     float64 `json:"pros"`
	Amateurs float64 `json:"amateurs"`
	Mood     float64 `json:"mood"`
}

// Mode selects how fills are accumulated. Fixed for the lifetime of an Accumulator.
type Mode string

const (
	ModeRaw        Mode = "raw"
	ModeNormalized Mode = "normalized"
)

// Config configures an Accumulator
type Config struct {
	Mode     Mode
	Window   int           // raw mode: number of fills kept
	HalfLife time.Duration // normalized mode: exponential decay half-life
}

const (
	defaultWindow   = 200
	defaultHalfLife = 10 * time.Minute
)

// Accumulator holds the flow state for one timeframe-bot instance. Not safe for
// concurrent use; the per-bar loop owns it.
type Accumulator struct {
	cfg Config

	// raw mode
	window []Signal
	head   int
	filled int

	// normalized mode
	acc       Signal
	lastDecay time.Time
	adv20     float64
	degraded  bool
}

// New creates an accumulator, applying defaults for zero fields.
func New(cfg Config) *Accumulator {
	if cfg.Mode == "" {
		cfg.Mode = ModeNormalized
	}
	if cfg.Window <= 0 {
		cfg.Window = defaultWindow
	}
	if cfg.HalfLife <= 0 {
		cfg.HalfLife = defaultHalfLife
	}
	a := &Accumulator{cfg: cfg}
	if cfg.Mode == ModeRaw {
		a.window = make([]Signal, cfg.Window)
	}
	return a
}

// Mode reports the accumulation mode
func (a *Accumulator) Mode() Mode { return a.cfg.Mode }

// SetADV20 sets the normalization denominator for the current bar.
func (a *Accumulator) SetADV20(volume float64) {
	if math.IsNaN(volume) || math.IsInf(volume, 0) {
		volume = 0
	}
	a.adv20 = volume
	a.degraded = a.cfg.Mode == ModeNormalized && volume <= 0
	if a.degraded {
		observ.SetGauge("cohort_degraded", 1, nil)
	} else {
		observ.SetGauge("cohort_degraded", 0, nil)
	}
}

// ADV20 returns the current normalization denominator
func (a *Accumulator) ADV20() float64 { return a.adv20 }

// Degraded reports whether the last normalized contribution had no usable ADV20.
func (a *Accumulator) Degraded() bool { return a.degraded }

// UpdateFromFill accumulates side-signed size into the cohort buckets.
func (a *Accumulator) UpdateFromFill(f Fill, w Weights) {
	flow := f.Side.Sign() * f.Size
	if math.IsNaN(flow) || math.IsInf(flow, 0) {
		return
	}

	if a.cfg.Mode == ModeRaw {
		a.window[a.head] = Signal{Pros: flow * w.Pros, Amateurs: flow * w.Amateurs, Mood: flow * w.Mood}
		a.head = (a.head + 1) % len(a.window)
		if a.filled < len(a.window) {
			a.filled++
		}
		return
	}

	a.decayTo(f.Timestamp)
	if a.adv20 <= 0 {
		a.degraded = true
		observ.Throttled("cohort_adv20_missing", time.Minute, map[string]any{
			"address": f.Address,
			"size":    f.Size,
		})
		observ.IncCounter("cohort_degraded_fills_total", nil)
		return
	}
	norm := flow / a.adv20
	a.acc.Pros += norm * w.Pros
	a.acc.Amateurs += norm * w.Amateurs
	a.acc.Mood += norm * w.Mood
}

// Signal returns the current accumulated flow. In normalized mode this is the value
// as of the last decay point (last fill or bar close).
func (a *Accumulator) Signal() Signal {
	if a.cfg.Mode == ModeRaw {
		var s Signal
		for i := 0; i < a.filled; i++ {
			s.Pros += a.window[i].Pros
			s.Amateurs += a.window[i].Amateurs
			s.Mood += a.window[i].Mood
		}
		return s
	}
	return a.acc
}

// SignalAt decays the accumulator to ts and returns it.
func (a *Accumulator) SignalAt(ts time.Time) Signal {
	if a.cfg.Mode == ModeNormalized {
		a.decayTo(ts)
	}
	return a.Signal()
}

// CloseBar applies decay up to the bar close and publishes the signal gauges.
func (a *Accumulator) CloseBar(ts time.Time) Signal {
	s := a.SignalAt(ts)
	observ.SetGauge("cohort_signal", s.Pros, map[string]string{"cohort": "pros"})
	observ.SetGauge("cohort_signal", s.Amateurs, map[string]string{"cohort": "amateurs"})
	observ.SetGauge("cohort_signal", s.Mood, map[string]string{"cohort": "mood"})
	return s
}

// Len returns the number of fills held in the raw window
func (a *Accumulator) Len() int { return a.filled }

// Reset clears all accumulated flow but keeps the configuration.
func (a *Accumulator) Reset() {
	if a.cfg.Mode == ModeRaw {
		a.window = make([]Signal, a.cfg.Window)
	}
	a.head, a.filled = 0, 0
	a.acc = Signal{}
	a.lastDecay = time.Time{}
	a.degraded = false
}

// decayTo applies exp(-ln2*dt/halfLife) for the time elapsed since the last decay point.
// Timestamps older than the last decay point do not re-inflate the accumulator.
func (a *Accumulator) decayTo(ts time.Time) {
	if ts.IsZero() {
		return
	}
	if a.lastDecay.IsZero() {
		a.lastDecay = ts
		return
	}
	dt := ts.Sub(a.lastDecay)
	if dt <= 0 {
		return
	}
	f := math.Exp(-math.Ln2 * dt.Seconds() / a.cfg.HalfLife.Seconds())
	a.acc.Pros *= f
	a.acc.Amateurs *= f
	a.acc.Mood *= f
	a.lastDecay = ts
}
