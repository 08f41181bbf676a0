package threshold

import (
	"cmp"
	"math"
	"slices"
)

// Bin is one quantile group of the score with its observed outcome rate.
type Bin struct {
	Index  int     `json:"index" yaml:"index"`
	Lower  float64 `json:"lower" yaml:"lower"`
	Upper  float64 `json:"upper" yaml:"upper"`
	N      int     `json:"n" yaml:"n"`
	Events int     `json:"events" yaml:"events"`
	Rate   float64 `json:"rate" yaml:"rate"`
}

// Shape classifies the pattern of outcome rates across bins.
type Shape string

const (
	ShapeStep      Shape = "step"
	ShapeSigmoid   Shape = "sigmoid"
	ShapeLinear    Shape = "linear"
	ShapeFlat      Shape = "flat"
	ShapeIrregular Shape = "irregular"
)

// stepShare is the fraction of the total rise a single adjacent jump must
// carry for the pattern to count as a step.
const stepShare = 0.5

// dipTolerance is the largest fall between adjacent bins, as a fraction of the
// total rise, that still counts as rising.
const dipTolerance = 0.1

// QuantileBins splits observations into q groups of near-equal size by score
// rank and reports the outcome rate of each.
func QuantileBins(x, y []float64, q int) []Bin {
	n := len(x)
	if n == 0 || q < 1 {
		return nil
	}
	if q > n {
		q = n
	}

	idx := make([]int, n)
	for i := range idx {
		idx[i] = i
	}
	slices.SortStableFunc(idx, func(a, b int) int { return cmp.Compare(x[a], x[b]) })

	bins := make([]Bin, q)
	for b := range bins {
		lo, hi := b*n/q, (b+1)*n/q
		bin := Bin{Index: b, Lower: math.Inf(1), Upper: math.Inf(-1)}
		for _, i := range idx[lo:hi] {
			bin.N++
			if y[i] == 1 {
				bin.Events++
			}
			bin.Lower = math.Min(bin.Lower, x[i])
			bin.Upper = math.Max(bin.Upper, x[i])
		}
		bin.Rate = float64(bin.Events) / float64(bin.N)
		bins[b] = bin
	}
	return bins
}

// Classify reports the shape of the bin rates and whether they rise strictly
// from bin to bin. Small dips between adjacent bins are tolerated when
// classifying the shape. A strictly rising step or sigmoid pattern is what an
// activation threshold looks like.
func Classify(bins []Bin) (shape Shape, strictlyRising bool) {
	if len(bins) < 2 {
		return ShapeFlat, false
	}
	total := bins[len(bins)-1].Rate - bins[0].Rate
	diffs := make([]float64, len(bins)-1)
	strictlyRising = true
	rising := total >= 0
	for i := range diffs {
		diffs[i] = bins[i+1].Rate - bins[i].Rate
		if diffs[i] <= 0 {
			strictlyRising = false
		}
		if diffs[i] < -dipTolerance*total {
			rising = false
		}
	}

	switch {
	case !rising:
		return ShapeIrregular, false
	case total == 0:
		return ShapeFlat, false
	}

	peak := 0
	for i, d := range diffs {
		if d > diffs[peak] {
			peak = i
		}
	}
	if diffs[peak] >= stepShare*total {
		return ShapeStep, strictlyRising
	}
	eps := 0.05 * total
	if len(diffs) >= 3 && diffs[0] < diffs[peak]-eps && diffs[len(diffs)-1] < diffs[peak]-eps {
		return ShapeSigmoid, strictlyRising
	}
	return ShapeLinear, strictlyRising
}
