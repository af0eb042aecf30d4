// Package bandit selects which signal source to trust each bar with Gaussian Thompson
// sampling, learning online from realized rewards.
package bandit

import (
	"fmt"
	"math"
	"math/rand/v2"
	"time"

	"github.com/Rajchodisetti/flowcore/internal/observ"
)

// Config tunes the bandit. Zero fields take defaults in New.
type Config struct {
	DrawdownThreshold float64         // freeze when drawdown exceeds this fraction (0.10)
	RecoveryThreshold float64         // unfreeze when drawdown falls below this (0.08)
	Epsilon           float64         // epsilon-greedy exploration probability, 0 disables
	Optimism          map[Arm]float64 // transient mean bump applied during selection only
	HistoryMax        int             // reward history bound (1000)
	MinHistoryForClip int             // history size before clipping kicks in (10)
	ClipSigma         float64         // clip half-width in global standard deviations (3)
}

// DefaultConfig returns the production defaults
func DefaultConfig() Config {
	return Config{
		DrawdownThreshold: 0.10,
		RecoveryThreshold: 0.08,
		HistoryMax:        1000,
		MinHistoryForClip: 10,
		ClipSigma:         3.0,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.DrawdownThreshold <= 0 {
		c.DrawdownThreshold = d.DrawdownThreshold
	}
	if c.RecoveryThreshold <= 0 || c.RecoveryThreshold >= c.DrawdownThreshold {
		c.RecoveryThreshold = math.Min(d.RecoveryThreshold, c.DrawdownThreshold*0.8)
	}
	if c.HistoryMax <= 0 {
		c.HistoryMax = d.HistoryMax
	}
	if c.MinHistoryForClip <= 0 {
		c.MinHistoryForClip = d.MinHistoryForClip
	}
	if c.ClipSigma <= 0 {
		c.ClipSigma = d.ClipSigma
	}
	return c
}

// Bandit is a 4-arm Thompson sampler with reward clipping and a drawdown freeze guard.
// It is owned by a single per-bar loop and is not safe for concurrent use.
type Bandit struct {
	cfg Config
	rng *rand.Rand

	arms [NumArms]ArmState

	history    []float64
	globalMean float64
	globalStd  float64

	frozen        bool
	freezeReason  string
	cumulativePnL float64
	peakPnL       float64
}

// New creates a fresh bandit. rng must not be nil; pass a seeded source for reproducible runs.
func New(cfg Config, rng *rand.Rand) *Bandit {
	cfg = cfg.withDefaults()
	if rng == nil {
		rng = rand.New(rand.NewPCG(uint64(time.Now().UnixNano()), 0x5eed))
	}
	b := &Bandit{
		cfg:     cfg,
		rng:     rng,
		history: make([]float64, 0, cfg.HistoryMax),
	}
	for i := range b.arms {
		b.arms[i] = newArmState()
	}
	return b
}

// Select picks one eligible arm. A frozen bandit never explores and returns the first
// eligible arm. With no eligible arm it returns ArmPros as a safe default; callers check
// eligibility before trading on the result.
func (b *Bandit) Select(eligible [NumArms]bool) Arm {
	candidates := make([]Arm, 0, NumArms)
	for _, a := range Arms {
		if eligible[a] {
			candidates = append(candidates, a)
		}
	}

	if b.frozen {
		observ.Throttled("bandit_select_frozen", time.Minute, map[string]any{
			"reason": b.freezeReason,
		})
		if len(candidates) == 0 {
			return ArmPros
		}
		return candidates[0]
	}

	if len(candidates) == 0 {
		return ArmPros
	}

	if b.cfg.Epsilon > 0 && b.rng.Float64() < b.cfg.Epsilon {
		chosen := candidates[b.rng.IntN(len(candidates))]
		observ.IncCounter("bandit_selections_total", map[string]string{"arm": chosen.String(), "how": "epsilon"})
		return chosen
	}

	best := ArmPros
	bestDraw := math.Inf(-1)
	for _, a := range Arms {
		s := b.arms[a]
		// optimism is read here and never written back to the arm
		mean := s.Mean + b.cfg.Optimism[a]
		std := math.Sqrt(math.Max(s.Variance, sampleVarFloor))
		draw := mean + std*b.rng.NormFloat64()
		if !eligible[a] {
			draw = math.Inf(-1)
		}
		if draw > bestDraw {
			best, bestDraw = a, draw
		}
	}
	if !eligible[best] {
		// every eligible draw was -Inf, which only happens on overflow
		best = candidates[0]
	}

	observ.IncCounter("bandit_selections_total", map[string]string{"arm": best.String(), "how": "thompson"})
	return best
}

// Update feeds a realized reward for arm. Invalid arms and non-finite rewards are ignored.
// A frozen bandit leaves arm posteriors and reward history untouched but keeps tracking
// PnL so that it can recover and unfreeze.
func (b *Bandit) Update(arm Arm, reward float64) {
	if !arm.Valid() || math.IsNaN(reward) || math.IsInf(reward, 0) {
		observ.Warn("bandit_update_ignored", map[string]any{"arm": int(arm), "reward": fmt.Sprint(reward)})
		return
	}

	if !b.frozen {
		used := b.clip(reward)
		b.pushHistory(reward)
		b.arms[arm].observe(used)

		observ.SetGauge("bandit_arm_mean", b.arms[arm].Mean, map[string]string{"arm": arm.String()})
		observ.SetGauge("bandit_arm_count", float64(b.arms[arm].Count), map[string]string{"arm": arm.String()})
		if used != reward {
			observ.IncCounter("bandit_rewards_clipped_total", map[string]string{"arm": arm.String()})
		}
	}

	b.cumulativePnL += reward
	b.peakPnL = math.Max(b.peakPnL, b.cumulativePnL)
	b.checkFreeze()
}

// clip bounds reward to mean ± ClipSigma*std of the history seen so far.
func (b *Bandit) clip(reward float64) float64 {
	n := len(b.history)
	if n < b.cfg.MinHistoryForClip {
		return reward
	}
	var sum float64
	for _, r := range b.history {
		sum += r
	}
	mean := sum / float64(n)
	var ss float64
	for _, r := range b.history {
		d := r - mean
		ss += d * d
	}
	std := math.Sqrt(ss / float64(n))
	b.globalMean, b.globalStd = mean, std

	lo := mean - b.cfg.ClipSigma*std
	hi := mean + b.cfg.ClipSigma*std
	return math.Min(math.Max(reward, lo), hi)
}

func (b *Bandit) pushHistory(reward float64) {
	if len(b.history) >= b.cfg.HistoryMax {
		copy(b.history, b.history[1:])
		b.history[len(b.history)-1] = reward
		return
	}
	b.history = append(b.history, reward)
}

// Drawdown is (peak - cumulative) / peak, or 0 while peak PnL is not positive.
func (b *Bandit) Drawdown() float64 {
	if b.peakPnL <= 0 {
		return 0
	}
	return (b.peakPnL - b.cumulativePnL) / b.peakPnL
}

// checkFreeze applies the ACTIVE/FROZEN hysteresis.
func (b *Bandit) checkFreeze() {
	dd := b.Drawdown()
	switch {
	case !b.frozen && dd > b.cfg.DrawdownThreshold:
		b.frozen = true
		b.freezeReason = fmt.Sprintf("drawdown %.2f%% exceeds %.2f%%", dd*100, b.cfg.DrawdownThreshold*100)
		observ.Warn("bandit_frozen", map[string]any{
			"drawdown":       dd,
			"threshold":      b.cfg.DrawdownThreshold,
			"cumulative_pnl": b.cumulativePnL,
			"peak_pnl":       b.peakPnL,
		})
		observ.IncCounter("bandit_freezes_total", nil)
		observ.SetGauge("bandit_frozen", 1, nil)

	case b.frozen && dd < b.cfg.RecoveryThreshold:
		observ.Log("bandit_unfrozen", map[string]any{
			"drawdown":           dd,
			"recovery_threshold": b.cfg.RecoveryThreshold,
			"was":                b.freezeReason,
		})
		b.frozen = false
		b.freezeReason = ""
		observ.SetGauge("bandit_frozen", 0, nil)
	}
	observ.SetGauge("bandit_drawdown", dd, nil)
}

// Frozen reports the freeze flag and its reason
func (b *Bandit) Frozen() (bool, string) {
	return b.frozen, b.freezeReason
}

// Arm returns a copy of one arm's state
func (b *Bandit) Arm(a Arm) ArmState {
	if !a.Valid() {
		return ArmState{}
	}
	return b.arms[a]
}

// PnL returns cumulative and peak PnL
func (b *Bandit) PnL() (cumulative, peak float64) {
	return b.cumulativePnL, b.peakPnL
}

// HistoryLen returns the number of rewards in the bounded history
func (b *Bandit) HistoryLen() int { return len(b.history) }

// Config returns the effective configuration
func (b *Bandit) Config() Config { return b.cfg }
