// Package simulate generates synthetic visit populations and outcome data
// with known ground truth for validating the scoring and detection stages.
package simulate

import (
	"math"
	"math/rand/v2"
)

// OutcomeModel is the generating process for the binary outcome:
//
//	logit p = Intercept + Slope*score + Jump*1[score > Breakpoint]
//	        + SlopeChange*max(score-Breakpoint, 0) + Volume*volume
type OutcomeModel struct {
	Intercept   float64 `json:"intercept" yaml:"intercept"`
	Slope       float64 `json:"slope" yaml:"slope"`
	Jump        float64 `json:"jump" yaml:"jump"`
	SlopeChange float64 `json:"slope_change" yaml:"slope_change"`
	Breakpoint  float64 `json:"breakpoint" yaml:"breakpoint"`
	Volume      float64 `json:"volume" yaml:"volume"`
}

// DefaultOutcomeModel places a log-odds jump of 3 at score 0.40.
func DefaultOutcomeModel() OutcomeModel {
	return OutcomeModel{Intercept: -1.5, Slope: 1.0, Jump: 3.0, Breakpoint: 0.40}
}

// Linear reports whether the model has no breakpoint effect.
func (m OutcomeModel) Linear() bool {
	return m.Jump == 0 && m.SlopeChange == 0
}

// Logit returns the log-odds of a positive outcome.
func (m OutcomeModel) Logit(score, volume float64) float64 {
	v := m.Intercept + m.Slope*score + m.Volume*volume
	if score > m.Breakpoint {
		v += m.Jump + m.SlopeChange*(score-m.Breakpoint)
	}
	return v
}

// Probability returns the probability of a positive outcome.
func (m OutcomeModel) Probability(score, volume float64) float64 {
	return 1 / (1 + math.Exp(-m.Logit(score, volume)))
}

// Draw samples a 0/1 outcome.
func (m OutcomeModel) Draw(rng *rand.Rand, score, volume float64) int {
	if rng.Float64() < m.Probability(score, volume) {
		return 1
	}
	return 0
}
