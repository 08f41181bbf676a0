// Package threshold decides whether the outcome responds to the score through
// an activation threshold or a plain linear log-odds term.
package threshold

import (
	"errors"
	"fmt"
	"math"
	"slices"
	"sort"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"gonum.org/v1/gonum/stat"
	"gonum.org/v1/gonum/stat/distuv"

	"github.com/sells-group/copresence/internal/model"
	"github.com/sells-group/copresence/internal/regress"
)

// ErrInsufficientData is returned when the sample is too small or the score
// too concentrated to place a breakpoint.
var ErrInsufficientData = errors.New("insufficient data for threshold detection")

// Verdicts.
const (
	VerdictLinear     = "linear_sufficient"
	VerdictBreakpoint = "breakpoint_detected"
)

// segmentedDF counts the jump, the slope change and the searched location.
const segmentedDF = 3

// minSide is the fewest observations allowed on either side of a candidate.
const minSide = 5

// Options configures detection.
type Options struct {
	Quantiles   int
	GridSteps   int
	RefineSteps int
	GridLow     float64
	GridHigh    float64
	Alpha       float64
	Fit         regress.Options
}

// DefaultOptions returns the detector defaults.
func DefaultOptions() Options {
	return Options{
		Quantiles:   5,
		GridSteps:   81,
		RefineSteps: 21,
		GridLow:     0.10,
		GridHigh:    0.90,
		Alpha:       0.01,
		Fit:         regress.DefaultOptions(),
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.Quantiles < 2 {
		o.Quantiles = d.Quantiles
	}
	if o.GridSteps < 2 {
		o.GridSteps = d.GridSteps
	}
	if o.RefineSteps < 1 {
		o.RefineSteps = d.RefineSteps
	}
	if !(o.GridLow > 0 && o.GridLow < o.GridHigh && o.GridHigh < 1) {
		o.GridLow, o.GridHigh = d.GridLow, d.GridHigh
	}
	if !(o.Alpha > 0 && o.Alpha < 1) {
		o.Alpha = d.Alpha
	}
	return o
}

// Result reports the detector outcome. The chosen breakpoint and the
// comparison statistic are filled in whichever verdict is reached.
type Result struct {
	Verdict    string  `json:"verdict" yaml:"verdict"`
	Breakpoint float64 `json:"breakpoint" yaml:"breakpoint"`
	// Statistic is the likelihood ratio 2(ll_segmented - ll_linear).
	Statistic float64 `json:"statistic" yaml:"statistic"`
	PValue    float64 `json:"p_value" yaml:"p_value"`
	DF        int     `json:"df" yaml:"df"`
	Alpha     float64 `json:"alpha" yaml:"alpha"`
	N         int     `json:"n" yaml:"n"`

	LinearLogLikelihood    float64 `json:"linear_log_likelihood" yaml:"linear_log_likelihood"`
	SegmentedLogLikelihood float64 `json:"segmented_log_likelihood" yaml:"segmented_log_likelihood"`
	LinearSlope            float64 `json:"linear_slope" yaml:"linear_slope"`
	Jump                   float64 `json:"jump" yaml:"jump"`
	SlopeBelow             float64 `json:"slope_below" yaml:"slope_below"`
	SlopeAbove             float64 `json:"slope_above" yaml:"slope_above"`
	Candidates             int     `json:"candidates" yaml:"candidates"`

	Bins []Bin `json:"bins" yaml:"bins"`
	// Shape and StrictlyRising describe the binned rates.
	Shape          Shape `json:"shape" yaml:"shape"`
	StrictlyRising bool  `json:"strictly_rising" yaml:"strictly_rising"`
}

// Detected reports whether a breakpoint was detected.
func (r *Result) Detected() bool { return r.Verdict == VerdictBreakpoint }

func (r *Result) String() string {
	if r.Detected() {
		return fmt.Sprintf("breakpoint detected at %.3f (LR=%.2f, df=%d, p=%.3g)", r.Breakpoint, r.Statistic, r.DF, r.PValue)
	}
	return fmt.Sprintf("linear sufficient (best breakpoint %.3f, LR=%.2f, df=%d, p=%.3g)", r.Breakpoint, r.Statistic, r.DF, r.PValue)
}

// Detect runs detection on the rows that carry an outcome.
func Detect(rows []model.ScoreRow, opts Options) (*Result, error) {
	var x, y []float64
	for _, r := range rows {
		if r.Outcome == nil {
			continue
		}
		x = append(x, r.Score)
		y = append(y, float64(*r.Outcome))
	}
	return DetectXY(x, y, opts)
}

// DetectXY compares a linear logistic fit of y on x with a segmented fit
//
//	logit p = b0 + b1*x + jump*1[x > c] + delta*max(x-c, 0)
//
// profiled over c on a grid between two score quantiles, then refined around
// the best grid point. The likelihood-ratio statistic is referred to a
// chi-square distribution with three degrees of freedom.
func DetectXY(x, y []float64, opts Options) (*Result, error) {
	opts = opts.withDefaults()
	n := len(x)
	if len(y) != n {
		return nil, eris.Errorf("threshold: %d scores but %d outcomes", n, len(y))
	}
	if need := minRows(opts); n < need {
		return nil, eris.Wrapf(ErrInsufficientData, "threshold: %d rows, need at least %d", n, need)
	}

	sorted := slices.Clone(x)
	slices.Sort(sorted)

	res := &Result{N: n, DF: segmentedDF, Alpha: opts.Alpha}
	res.Bins = QuantileBins(x, y, opts.Quantiles)
	res.Shape, res.StrictlyRising = Classify(res.Bins)

	lo := stat.Quantile(opts.GridLow, stat.Empirical, sorted, nil)
	hi := stat.Quantile(opts.GridHigh, stat.Empirical, sorted, nil)
	if !(hi > lo) {
		return nil, eris.Wrapf(ErrInsufficientData, "threshold: score has no spread between the %.2f and %.2f quantiles", opts.GridLow, opts.GridHigh)
	}

	linear, err := regress.Logistic(regress.Spec{
		Name:       "linear",
		Predictors: []string{regress.PredictorScore},
		Columns:    [][]float64{x},
	}, y, opts.Fit)
	if err != nil {
		return nil, eris.Wrap(err, "threshold: linear fit")
	}
	res.LinearLogLikelihood = linear.LogLikelihood
	res.LinearSlope = linear.Coefficients[1].Estimate

	s := &search{x: x, y: y, sorted: sorted, opts: opts.Fit}
	step := (hi - lo) / float64(opts.GridSteps-1)
	best := s.scan(lo, hi, opts.GridSteps, nil)
	if best == nil {
		return nil, eris.Wrapf(ErrInsufficientData, "threshold: no candidate breakpoint in [%.3f, %.3f] could be fitted", lo, hi)
	}
	best = s.scan(math.Max(lo, best.c-step), math.Min(hi, best.c+step), opts.RefineSteps, best)

	res.Candidates = s.evaluated
	res.Breakpoint = best.c
	res.SegmentedLogLikelihood = best.fit.LogLikelihood
	b := best.fit.Coefficients
	res.SlopeBelow = b[1].Estimate
	res.Jump = b[2].Estimate
	res.SlopeAbove = b[1].Estimate + b[3].Estimate

	res.Statistic = math.Max(0, 2*(res.SegmentedLogLikelihood-res.LinearLogLikelihood))
	res.PValue = distuv.ChiSquared{K: segmentedDF}.Survival(res.Statistic)
	res.Verdict = VerdictLinear
	if res.PValue < opts.Alpha {
		res.Verdict = VerdictBreakpoint
	}

	zap.L().Info("threshold: detection complete",
		zap.String("verdict", res.Verdict),
		zap.Float64("breakpoint", res.Breakpoint),
		zap.Float64("statistic", res.Statistic),
		zap.Float64("p_value", res.PValue),
		zap.String("shape", string(res.Shape)),
		zap.Int("candidates", res.Candidates),
	)
	return res, nil
}

func minRows(opts Options) int {
	return max(4*opts.Quantiles, 20)
}

type candidate struct {
	c   float64
	fit *regress.Fit
}

type search struct {
	x, y      []float64
	sorted    []float64
	opts      regress.Options
	evaluated int
}

// scan fits the segmented model at steps evenly spaced points of [lo, hi]
// and returns the best of those and incumbent.
func (s *search) scan(lo, hi float64, steps int, incumbent *candidate) *candidate {
	best := incumbent
	for k := 0; k < steps; k++ {
		c := lo
		if steps > 1 {
			c = lo + float64(k)*(hi-lo)/float64(steps-1)
		}
		fit, ok := s.fitAt(c)
		if !ok {
			continue
		}
		if best == nil || fit.LogLikelihood > best.fit.LogLikelihood {
			best = &candidate{c: c, fit: fit}
		}
	}
	return best
}

func (s *search) fitAt(c float64) (*regress.Fit, bool) {
	above := len(s.sorted) - sort.Search(len(s.sorted), func(i int) bool { return s.sorted[i] > c })
	if above < minSide || len(s.sorted)-above < minSide {
		return nil, false
	}

	n := len(s.x)
	ind := make([]float64, n)
	hinge := make([]float64, n)
	for i, v := range s.x {
		if v > c {
			ind[i] = 1
			hinge[i] = v - c
		}
	}

	s.evaluated++
	fit, err := regress.Logistic(regress.Spec{
		Name:       "segmented",
		Predictors: []string{regress.PredictorScore, "above", "hinge"},
		Columns:    [][]float64{s.x, ind, hinge},
	}, s.y, s.opts)
	if err != nil {
		zap.L().Debug("threshold: candidate fit failed", zap.Float64("breakpoint", c), zap.Error(err))
		return nil, false
	}
	return fit, true
}
