package bandit

import (
	"fmt"
	"math"
)

// Arm identifies one selectable signal source.
type Arm int

const (
	ArmPros Arm = iota
	ArmAmateurs
	ArmModelMeta
	ArmModelBMA

	NumArms = 4
)

// Arms lists every arm in index order
var Arms = [NumArms]Arm{ArmPros, ArmAmateurs, ArmModelMeta, ArmModelBMA}

func (a Arm) String() string {
	switch a {
	case ArmPros:
		return "pros"
	case ArmAmateurs:
		return "amateurs"
	case ArmModelMeta:
		return "model_meta"
	case ArmModelBMA:
		return "model_bma"
	default:
		return fmt.Sprintf("arm(%d)", int(a))
	}
}

// Valid reports whether a is one of the four arms
func (a Arm) Valid() bool { return a >= 0 && a < NumArms }

// IsModel reports whether the arm trades on classifier output rather than cohort flow.
func (a Arm) IsModel() bool {
	switch a {
	case ArmModelMeta, ArmModelBMA:
		return true
	default:
		return false
	}
}

// ParseArm maps a name back to its Arm
func ParseArm(name string) (Arm, error) {
	for _, a := range Arms {
		if a.String() == name {
			return a, nil
		}
	}
	return 0, fmt.Errorf("unknown arm %q", name)
}

// ArmState is the Gaussian posterior summary of one arm, maintained with Welford's algorithm.
type ArmState struct {
	Count    int     `json:"count"`
	Mean     float64 `json:"mean"`
	Variance float64 `json:"variance"`
	M2       float64 `json:"m2"`
}

const (
	varianceFloor  = 1e-6
	sampleVarFloor = 1e-9
	priorVariance  = 1.0
)

func newArmState() ArmState {
	return ArmState{Variance: priorVariance}
}

// observe folds x into the running mean and population variance.
func (s *ArmState) observe(x float64) {
	s.Count++
	delta := x - s.Mean
	s.Mean += delta / float64(s.Count)
	s.M2 += delta * (x - s.Mean)
	s.Variance = math.Max(s.M2/float64(s.Count), varianceFloor)
}
