// Package regress fits logistic regressions by iteratively reweighted least
// squares and compares nested fits.
package regress

import (
	"math"

	"github.com/rotisserie/eris"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
	"gonum.org/v1/gonum/stat/distuv"
)

// InterceptName labels the intercept coefficient of every fit.
const InterceptName = "intercept"

const (
	minWeight     = 1e-10
	probClamp     = 1e-15
	separationEta = 30.0
	separationLL  = 1e-6
	maxCondition  = 1e13
	maxHalvings   = 20
)

// Options controls the IRLS solver.
type Options struct {
	MaxIterations int
	// Tolerance bounds the relative coefficient change that ends iteration.
	Tolerance float64
}

// DefaultOptions returns the solver defaults.
func DefaultOptions() Options {
	return Options{MaxIterations: 50, Tolerance: 1e-8}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.MaxIterations <= 0 {
		o.MaxIterations = d.MaxIterations
	}
	if o.Tolerance <= 0 {
		o.Tolerance = d.Tolerance
	}
	return o
}

// Spec names a logistic model and its predictor columns. An intercept is
// always added.
type Spec struct {
	Name       string
	Predictors []string
	Columns    [][]float64
}

// Coefficient is one fitted parameter with its Wald statistics.
type Coefficient struct {
	Name     string  `json:"name" yaml:"name"`
	Estimate float64 `json:"estimate" yaml:"estimate"`
	StdErr   float64 `json:"std_err" yaml:"std_err"`
	Z        float64 `json:"z" yaml:"z"`
	P        float64 `json:"p" yaml:"p"`
}

// Fit is a converged logistic regression.
type Fit struct {
	Model             string        `json:"model" yaml:"model"`
	N                 int           `json:"n" yaml:"n"`
	Coefficients      []Coefficient `json:"coefficients" yaml:"coefficients"`
	LogLikelihood     float64       `json:"log_likelihood" yaml:"log_likelihood"`
	NullLogLikelihood float64       `json:"null_log_likelihood" yaml:"null_log_likelihood"`
	// PseudoR2 is McFadden's 1 - ll/ll0 against the intercept-only fit on
	// the same sample.
	PseudoR2   float64 `json:"pseudo_r2" yaml:"pseudo_r2"`
	AIC        float64 `json:"aic" yaml:"aic"`
	Iterations int     `json:"iterations" yaml:"iterations"`
}

// Coefficient looks up a coefficient by predictor name.
func (f *Fit) Coefficient(name string) (Coefficient, bool) {
	for _, c := range f.Coefficients {
		if c.Name == name {
			return c, true
		}
	}
	return Coefficient{}, false
}

// Params returns the number of estimated parameters, intercept included.
func (f *Fit) Params() int { return len(f.Coefficients) }

// Logistic fits spec against the binary outcome y.
func Logistic(spec Spec, y []float64, opts Options) (*Fit, error) {
	opts = opts.withDefaults()
	n := len(y)
	p := len(spec.Predictors) + 1

	if len(spec.Columns) != len(spec.Predictors) {
		return nil, eris.Errorf("regress: %s: %d columns for %d predictors", spec.Name, len(spec.Columns), len(spec.Predictors))
	}
	for j, col := range spec.Columns {
		if len(col) != n {
			return nil, eris.Errorf("regress: %s: column %s has %d rows, outcome has %d", spec.Name, spec.Predictors[j], len(col), n)
		}
	}

	ll0, err := nullLogLikelihood(spec.Name, y)
	if err != nil {
		return nil, err
	}
	if n <= p {
		return nil, fitError(spec.Name, ErrSingularDesign, "%d rows for %d parameters", n, p)
	}

	X := mat.NewDense(n, p, nil)
	for i := 0; i < n; i++ {
		X.Set(i, 0, 1)
		for j, col := range spec.Columns {
			X.Set(i, j+1, col[i])
		}
	}

	beta, ll, iters, err := irls(spec.Name, X, y, opts)
	if err != nil {
		return nil, err
	}

	cov, err := covariance(spec.Name, X, beta)
	if err != nil {
		return nil, err
	}

	names := append([]string{InterceptName}, spec.Predictors...)
	coefs := make([]Coefficient, p)
	for j := range coefs {
		est := beta.AtVec(j)
		se := math.Sqrt(cov.At(j, j))
		z := est / se
		coefs[j] = Coefficient{
			Name:     names[j],
			Estimate: est,
			StdErr:   se,
			Z:        z,
			P:        2 * distuv.UnitNormal.Survival(math.Abs(z)),
		}
	}

	return &Fit{
		Model:             spec.Name,
		N:                 n,
		Coefficients:      coefs,
		LogLikelihood:     ll,
		NullLogLikelihood: ll0,
		PseudoR2:          1 - ll/ll0,
		AIC:               2*float64(p) - 2*ll,
		Iterations:        iters,
	}, nil
}

// irls runs Newton-Raphson on the logistic log-likelihood with step halving.
func irls(name string, X *mat.Dense, y []float64, opts Options) (*mat.VecDense, float64, int, error) {
	n, p := X.Dims()

	beta := mat.NewVecDense(p, nil)
	ybar := stat.Mean(y, nil)
	beta.SetVec(0, math.Log(ybar/(1-ybar)))

	eta := mat.NewVecDense(n, nil)
	eta.MulVec(X, beta)
	ll := logLikelihood(eta, y)

	next := mat.NewVecDense(p, nil)
	cand := mat.NewVecDense(p, nil)
	candEta := mat.NewVecDense(n, nil)

	for iter := 1; iter <= opts.MaxIterations; iter++ {
		info := make([]float64, p*p)
		score := make([]float64, p)
		for i := 0; i < n; i++ {
			e := eta.AtVec(i)
			mu := clampProb(sigmoid(e))
			w := math.Max(mu*(1-mu), minWeight)
			z := e + (y[i]-mu)/w
			row := X.RawRowView(i)
			for a := 0; a < p; a++ {
				score[a] += w * row[a] * z
				for b := a; b < p; b++ {
					info[a*p+b] += w * row[a] * row[b]
				}
			}
		}

		var chol mat.Cholesky
		if !chol.Factorize(mat.NewSymDense(p, info)) || chol.Cond() > maxCondition {
			if iter > 1 && separated(eta, ll) {
				return nil, 0, iter, fitError(name, ErrPerfectSeparation, "information matrix collapsed")
			}
			return nil, 0, iter, fitError(name, ErrSingularDesign, "information matrix not positive definite at iteration %d", iter)
		}
		if err := chol.SolveVecTo(next, mat.NewVecDense(p, score)); err != nil {
			return nil, 0, iter, fitError(name, ErrSingularDesign, "solve: %v", err)
		}

		step := 1.0
		var candLL float64
		for h := 0; ; h++ {
			for j := 0; j < p; j++ {
				b := beta.AtVec(j)
				cand.SetVec(j, b+step*(next.AtVec(j)-b))
			}
			candEta.MulVec(X, cand)
			candLL = logLikelihood(candEta, y)
			if candLL >= ll-1e-12*math.Abs(ll) || h == maxHalvings {
				break
			}
			step /= 2
		}

		delta := 0.0
		for j := 0; j < p; j++ {
			d := math.Abs(cand.AtVec(j)-beta.AtVec(j)) / (math.Abs(beta.AtVec(j)) + 0.1)
			delta = math.Max(delta, d)
		}

		beta.CopyVec(cand)
		eta.CopyVec(candEta)
		ll = candLL

		if delta < opts.Tolerance {
			if separated(eta, ll) {
				return nil, 0, iter, fitError(name, ErrPerfectSeparation, "log-likelihood %.3g", ll)
			}
			return beta, ll, iter, nil
		}
	}

	if separated(eta, ll) {
		return nil, 0, opts.MaxIterations, fitError(name, ErrPerfectSeparation, "linear predictor diverged")
	}
	return nil, 0, opts.MaxIterations, fitError(name, ErrNoConvergence, "%d iterations", opts.MaxIterations)
}

func covariance(name string, X *mat.Dense, beta *mat.VecDense) (*mat.SymDense, error) {
	n, p := X.Dims()
	eta := mat.NewVecDense(n, nil)
	eta.MulVec(X, beta)

	info := make([]float64, p*p)
	for i := 0; i < n; i++ {
		mu := clampProb(sigmoid(eta.AtVec(i)))
		w := math.Max(mu*(1-mu), minWeight)
		row := X.RawRowView(i)
		for a := 0; a < p; a++ {
			for b := a; b < p; b++ {
				info[a*p+b] += w * row[a] * row[b]
			}
		}
	}

	var chol mat.Cholesky
	if !chol.Factorize(mat.NewSymDense(p, info)) {
		return nil, fitError(name, ErrSingularDesign, "information matrix at solution")
	}
	var cov mat.SymDense
	if err := chol.InverseTo(&cov); err != nil {
		return nil, fitError(name, ErrSingularDesign, "invert information matrix: %v", err)
	}
	for j := 0; j < p; j++ {
		if v := cov.At(j, j); !(v > 0) || math.IsInf(v, 0) {
			return nil, fitError(name, ErrSingularDesign, "variance of parameter %d is %v", j, v)
		}
	}
	return &cov, nil
}

// nullLogLikelihood is the closed-form log-likelihood of the intercept-only
// model.
func nullLogLikelihood(name string, y []float64) (float64, error) {
	if len(y) == 0 {
		return 0, fitError(name, ErrDegenerateOutcome, "empty sample")
	}
	for i, v := range y {
		if v != 0 && v != 1 {
			return 0, eris.Errorf("regress: %s: outcome[%d] = %v is not binary", name, i, v)
		}
	}
	p := stat.Mean(y, nil)
	if p == 0 || p == 1 {
		return 0, fitError(name, ErrDegenerateOutcome, "all %d outcomes equal %v", len(y), p)
	}
	n := float64(len(y))
	return n * (p*math.Log(p) + (1-p)*math.Log(1-p)), nil
}

func logLikelihood(eta *mat.VecDense, y []float64) float64 {
	var ll float64
	for i, yi := range y {
		e := eta.AtVec(i)
		ll += yi*e - softplus(e)
	}
	return ll
}

func separated(eta *mat.VecDense, ll float64) bool {
	if ll > -separationLL {
		return true
	}
	for i := 0; i < eta.Len(); i++ {
		if math.Abs(eta.AtVec(i)) > separationEta {
			return true
		}
	}
	return false
}

func sigmoid(x float64) float64 {
	if x >= 0 {
		return 1 / (1 + math.Exp(-x))
	}
	e := math.Exp(x)
	return e / (1 + e)
}

// softplus is log(1 + e^x) without overflow.
func softplus(x float64) float64 {
	if x > 0 {
		return x + math.Log1p(math.Exp(-x))
	}
	return math.Log1p(math.Exp(x))
}

func clampProb(p float64) float64 {
	return math.Min(math.Max(p, probClamp), 1-probClamp)
}
