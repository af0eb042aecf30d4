package gate

import (
	"math"
)

// GateAndScore is the legacy consensus gate over the cohort mood and the model signal.
//
// Both magnitudes must clear their floors and agree in sign, with blended confidence
// 0.5*(|mood|+|model|) >= ConfMin. When mood is below its floor and AllowModelOnly is
// set, the model trades alone if |model| >= ConfMin. Direction always follows the model.
func GateAndScore(mood, model float64, thr Thresholds) Result {
	details := map[string]any{
		"mode":      string(ModeConsensus),
		"mood_raw":  mood,
		"model_raw": model,
	}
	if math.IsNaN(mood) || math.IsInf(mood, 0) {
		mood = 0
		details["degraded"] = "non_finite_mood"
	}
	if math.IsNaN(model) || math.IsInf(model, 0) {
		model = 0
		details["degraded"] = "non_finite_model"
	}

	if thr.FlipMood {
		mood = -mood
	}
	if thr.FlipModel {
		model = -model
	}
	details["mood"] = mood
	details["model"] = model

	moodOK := math.Abs(mood) >= thr.MMin
	modelOK := math.Abs(model) >= thr.SMin

	if moodOK && modelOK {
		if sign(mood) != sign(model) {
			details["blocked"] = "no_consensus"
			return Result{Details: details}
		}
		conf := 0.5 * (math.Abs(mood) + math.Abs(model))
		details["confidence"] = conf
		if conf < thr.ConfMin {
			details["blocked"] = "low_confidence"
			return Result{Details: details}
		}
		details["path"] = "consensus"
		return Result{
			Direction: sign(model),
			Alpha:     clamp(conf, thr.AlphaMin, 1.0),
			Details:   details,
		}
	}

	if thr.AllowModelOnly && !moodOK && math.Abs(model) >= thr.ConfMin {
		conf := math.Abs(model)
		details["confidence"] = conf
		details["path"] = "model_only"
		return Result{
			Direction: sign(model),
			Alpha:     clamp(conf, thr.AlphaMin, 1.0),
			Details:   details,
		}
	}

	switch {
	case !modelOK:
		details["blocked"] = "model_below_s_min"
	default:
		details["blocked"] = "mood_below_m_min"
	}
	return Result{Details: details}
}
