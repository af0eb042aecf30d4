// Package gate decides per bar which signal sources may trade and with what conviction.
package gate

import (
	"math"
)

// Mode selects the gating strategy used by the engine
type Mode string

const (
	ModeConsensus Mode = "consensus" // legacy mood/model consensus
	ModeBandit    Mode = "bandit"    // tri-class eligibility feeding the bandit
)

// Thresholds is the immutable gating configuration for one bot instance.
type Thresholds struct {
	SMin        float64 `json:"s_min"`        // |signal| floor for cohort arms and the model signal
	MMin        float64 `json:"m_min"`        // |mood| floor
	ConfMin     float64 `json:"conf_min"`     // blended/model-only confidence floor
	AlphaMin    float64 `json:"alpha_min"`    // alpha lower clamp
	PNNMin      float64 `json:"pnn_min"`      // minimum p_non_neutral for model arms
	ConfDirMin  float64 `json:"conf_dir_min"` // minimum directional confidence for model arms
	StrengthMin float64 `json:"strength_min"` // minimum |p_up - p_down| for model arms

	FlipMood       bool `json:"flip_mood"`
	FlipModel      bool `json:"flip_model"`
	AllowModelOnly bool `json:"allow_model_only"`

	// Exit rules for an open position
	ExitStrengthMin         float64 `json:"exit_strength_min"`
	MaxPositionDurationBars int     `json:"max_position_duration_bars"`
}

// DefaultThresholds mirrors the production defaults
func DefaultThresholds() Thresholds {
	return Thresholds{
		SMin:                    0.12,
		MMin:                    0.12,
		ConfMin:                 0.60,
		AlphaMin:                0.10,
		PNNMin:                  0.30,
		ConfDirMin:              0.60,
		StrengthMin:             0.10,
		AllowModelOnly:          true,
		ExitStrengthMin:         0.02,
		MaxPositionDurationBars: 48,
	}
}

// ModelOutput is the external classifier's tri-class output for one bar.
type ModelOutput struct {
	PUp      float64  `json:"p_up"`
	PDown    float64  `json:"p_down"`
	PNeutral float64  `json:"p_neutral"`
	SModel   float64  `json:"s_model"`
	SBMA     *float64 `json:"s_bma,omitempty"` // optional BMA ensemble signal; p_up-p_down when absent
}

const probSumTolerance = 0.02

// Neutral is the safe substitute for unusable model output
func Neutral() ModelOutput {
	return ModelOutput{PNeutral: 1}
}

// Sanitize returns a usable copy of m. If any probability is missing, non-finite or
// negative, or the probabilities do not sum to 1 within tolerance, it returns Neutral()
// and a short reason.
func (m ModelOutput) Sanitize() (ModelOutput, string) {
	for _, v := range []float64{m.PUp, m.PDown, m.PNeutral, m.SModel} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return Neutral(), "non_finite_model_output"
		}
	}
	if m.PUp < 0 || m.PDown < 0 || m.PNeutral < 0 {
		return Neutral(), "negative_probability"
	}
	if math.Abs(m.PUp+m.PDown+m.PNeutral-1) > probSumTolerance {
		return Neutral(), "probabilities_do_not_sum_to_one"
	}
	if m.SBMA != nil && (math.IsNaN(*m.SBMA) || math.IsInf(*m.SBMA, 0)) {
		m.SBMA = nil
	}
	return m, ""
}

// BMASignal returns the BMA arm signal
func (m ModelOutput) BMASignal() float64 {
	if m.SBMA != nil {
		return *m.SBMA
	}
	return m.PUp - m.PDown
}

// Result is the output of either gate
type Result struct {
	Direction int            `json:"direction"` // -1, 0, 1
	Alpha     float64        `json:"alpha"`     // [0,1]
	Details   map[string]any `json:"details"`
}

func sign(x float64) int {
	switch {
	case x > 0:
		return 1
	case x < 0:
		return -1
	default:
		return 0
	}
}

func clamp(x, lo, hi float64) float64 {
	if x < lo {
		return lo
	}
	if x > hi {
		return hi
	}
	return x
}
