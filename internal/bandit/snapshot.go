package bandit

import (
	"errors"
	"fmt"
	"math/rand/v2"
)

// ErrSnapshotShape is returned by Restore when the snapshot does not describe this bandit's arms.
var ErrSnapshotShape = errors.New("bandit snapshot shape mismatch")

const snapshotVersion = 1

// ArmSnapshot is one arm in a Snapshot
type ArmSnapshot struct {
	Name string `json:"name"`
	ArmState
}

// Snapshot is the full, lossless bandit state for warm restarts.
type Snapshot struct {
	Version           int           `json:"version"`
	Arms              []ArmSnapshot `json:"arms"`
	RewardHistory     []float64     `json:"reward_history"`
	GlobalRewardMean  float64       `json:"global_reward_mean"`
	GlobalRewardStd   float64       `json:"global_reward_std"`
	Frozen            bool          `json:"frozen"`
	FreezeReason      string        `json:"freeze_reason,omitempty"`
	CumulativePnL     float64       `json:"cumulative_pnl"`
	PeakPnL           float64       `json:"peak_pnl"`
	DrawdownThreshold float64       `json:"drawdown_threshold"`
	RecoveryThreshold float64       `json:"recovery_threshold"`
}

// Snapshot captures the current state
func (b *Bandit) Snapshot() Snapshot {
	s := Snapshot{
		Version:           snapshotVersion,
		Arms:              make([]ArmSnapshot, 0, NumArms),
		RewardHistory:     append([]float64(nil), b.history...),
		GlobalRewardMean:  b.globalMean,
		GlobalRewardStd:   b.globalStd,
		Frozen:            b.frozen,
		FreezeReason:      b.freezeReason,
		CumulativePnL:     b.cumulativePnL,
		PeakPnL:           b.peakPnL,
		DrawdownThreshold: b.cfg.DrawdownThreshold,
		RecoveryThreshold: b.cfg.RecoveryThreshold,
	}
	for _, a := range Arms {
		s.Arms = append(s.Arms, ArmSnapshot{Name: a.String(), ArmState: b.arms[a]})
	}
	return s
}

// Restore rebuilds a bandit from a snapshot. On a shape mismatch it returns a fresh bandit
// together with an error wrapping ErrSnapshotShape, so callers can log and continue.
func Restore(s Snapshot, cfg Config, rng *rand.Rand) (*Bandit, error) {
	b := New(cfg, rng)

	if len(s.Arms) != NumArms {
		return b, fmt.Errorf("%w: got %d arms, want %d", ErrSnapshotShape, len(s.Arms), NumArms)
	}

	var arms [NumArms]ArmState
	var seen [NumArms]bool
	for i, as := range s.Arms {
		a := Arm(i)
		if as.Name != "" {
			parsed, err := ParseArm(as.Name)
			if err != nil {
				return b, fmt.Errorf("%w: %v", ErrSnapshotShape, err)
			}
			a = parsed
		}
		if seen[a] {
			return b, fmt.Errorf("%w: arm %s appears twice", ErrSnapshotShape, a)
		}
		seen[a] = true
		if as.Count < 0 {
			return b, fmt.Errorf("%w: arm %s has negative count", ErrSnapshotShape, a)
		}
		arms[a] = as.ArmState
	}

	if s.DrawdownThreshold > 0 && s.RecoveryThreshold > 0 && s.RecoveryThreshold < s.DrawdownThreshold {
		b.cfg.DrawdownThreshold = s.DrawdownThreshold
		b.cfg.RecoveryThreshold = s.RecoveryThreshold
	}

	b.arms = arms
	history := s.RewardHistory
	if len(history) > b.cfg.HistoryMax {
		history = history[len(history)-b.cfg.HistoryMax:]
	}
	b.history = append(make([]float64, 0, b.cfg.HistoryMax), history...)
	b.globalMean = s.GlobalRewardMean
	b.globalStd = s.GlobalRewardStd
	b.frozen = s.Frozen
	b.freezeReason = s.FreezeReason
	b.cumulativePnL = s.CumulativePnL
	b.peakPnL = s.PeakPnL
	return b, nil
}
