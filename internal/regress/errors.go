package regress

import (
	"errors"
	"fmt"
)

// ErrModelFit is the root of every degenerate-fit failure. Fits are never
// retried; the failure points at the data.
var ErrModelFit = errors.New("model fit failure")

// Refinements of ErrModelFit.
var (
	ErrPerfectSeparation = fmt.Errorf("%w: perfect separation", ErrModelFit)
	ErrSingularDesign    = fmt.Errorf("%w: singular design matrix", ErrModelFit)
	ErrDegenerateOutcome = fmt.Errorf("%w: outcome has a single value", ErrModelFit)
	ErrNoConvergence     = fmt.Errorf("%w: no convergence", ErrModelFit)
)

// FitError reports which model failed and why. It unwraps to one of the
// ErrModelFit refinements.
type FitError struct {
	Model  string
	Kind   error
	Detail string
}

func (e *FitError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("regress: %s: %v", e.Model, e.Kind)
	}
	return fmt.Sprintf("regress: %s: %v (%s)", e.Model, e.Kind, e.Detail)
}

func (e *FitError) Unwrap() error { return e.Kind }

func fitError(model string, kind error, format string, args ...any) error {
	return &FitError{Model: model, Kind: kind, Detail: fmt.Sprintf(format, args...)}
}
