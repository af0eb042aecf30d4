package gate

import (
	"math"

	"github.com/Rajchodisetti/flowcore/internal/bandit"
	"github.com/Rajchodisetti/flowcore/internal/cohort"
)

const denomEps = 1e-9

// TriClass is the per-bar output of the tri-class bandit gate.
type TriClass struct {
	Signals    [bandit.NumArms]float64 `json:"signals"`
	Eligible   [bandit.NumArms]bool    `json:"eligible"`
	Thresholds [bandit.NumArms]float64 `json:"thresholds"` // sign-gate floor for the chosen arm

	PNonNeutral float64 `json:"p_non_neutral"`
	ConfDir     float64 `json:"conf_dir"`
	Strength    float64 `json:"strength"`

	ConfModel  float64 `json:"conf_model"`
	AlphaModel float64 `json:"alpha_model"`

	Details map[string]any `json:"details"`
}

// AnyEligible reports whether at least one arm may be selected
func (tc TriClass) AnyEligible() bool {
	for _, e := range tc.Eligible {
		if e {
			return true
		}
	}
	return false
}

// ComputeSignalsAndEligibility evaluates every arm for this bar.
//
// Model arms are eligible only when directional confidence, non-neutral mass and
// |p_up - p_down| all clear their floors together; a model that looks confident only
// because p_neutral is near zero fails the strength floor. Cohort arms are eligible
// when |signal| >= SMin.
func ComputeSignalsAndEligibility(flow cohort.Signal, m ModelOutput, thr Thresholds) TriClass {
	clean, degraded := m.Sanitize()

	pnn := 1 - clean.PNeutral
	denom := clean.PUp + clean.PDown
	confDir := 0.0
	if denom > denomEps {
		confDir = math.Max(clean.PUp, clean.PDown) / denom
	}
	strength := math.Abs(clean.PUp - clean.PDown)

	modelMeta := clean.SModel
	modelBMA := clean.BMASignal()
	if thr.FlipModel {
		modelMeta, modelBMA = -modelMeta, -modelBMA
	}

	tc := TriClass{
		PNonNeutral: pnn,
		ConfDir:     confDir,
		Strength:    strength,
		ConfModel:   pnn * confDir,
	}
	tc.AlphaModel = clamp(tc.ConfModel, thr.AlphaMin, 1.0)

	tc.Signals[bandit.ArmPros] = finite(flow.Pros)
	tc.Signals[bandit.ArmAmateurs] = finite(flow.Amateurs)
	tc.Signals[bandit.ArmModelMeta] = modelMeta
	tc.Signals[bandit.ArmModelBMA] = modelBMA

	tc.Thresholds[bandit.ArmPros] = thr.SMin
	tc.Thresholds[bandit.ArmAmateurs] = thr.SMin

	modelOK := confDir >= thr.ConfDirMin && pnn >= thr.PNNMin && strength >= thr.StrengthMin
	tc.Eligible[bandit.ArmPros] = math.Abs(tc.Signals[bandit.ArmPros]) >= thr.SMin
	tc.Eligible[bandit.ArmAmateurs] = math.Abs(tc.Signals[bandit.ArmAmateurs]) >= thr.SMin
	tc.Eligible[bandit.ArmModelMeta] = modelOK
	tc.Eligible[bandit.ArmModelBMA] = modelOK

	tc.Details = map[string]any{
		"mode":      string(ModeBandit),
		"p_up":      m.PUp,
		"p_down":    m.PDown,
		"p_neutral": m.PNeutral,
		"s_model":   m.SModel,
		"pros":      flow.Pros,
		"amateurs":  flow.Amateurs,
		"mood":      flow.Mood,
	}
	if degraded != "" {
		tc.Details["degraded"] = degraded
	}
	return tc
}

// Decide turns the chosen arm into a direction and alpha. The arm's signal is sign-gated
// by its threshold; an ineligible arm never trades.
func (tc TriClass) Decide(arm bandit.Arm, thr Thresholds) Result {
	details := make(map[string]any, len(tc.Details)+4)
	for k, v := range tc.Details {
		details[k] = v
	}
	details["arm"] = arm.String()
	details["p_non_neutral"] = tc.PNonNeutral
	details["conf_dir"] = tc.ConfDir
	details["strength"] = tc.Strength

	if !arm.Valid() || !tc.Eligible[arm] {
		details["blocked"] = "arm_not_eligible"
		return Result{Details: details}
	}

	sig := tc.Signals[arm]
	if math.Abs(sig) < tc.Thresholds[arm] || sign(sig) == 0 {
		details["blocked"] = "signal_below_threshold"
		return Result{Details: details}
	}

	alpha := tc.AlphaModel
	if !arm.IsModel() {
		alpha = clamp(math.Abs(sig), thr.AlphaMin, 1.0)
	}
	details["signal"] = sig
	return Result{Direction: sign(sig), Alpha: alpha, Details: details}
}

func finite(x float64) float64 {
	if math.IsNaN(x) || math.IsInf(x, 0) {
		return 0
	}
	return x
}
