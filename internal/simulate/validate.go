package simulate

import (
	"context"
	"math"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/copresence/internal/threshold"
)

// ValidateConfig configures repeated detector validation draws.
type ValidateConfig struct {
	Draws       int
	Table       TableConfig
	Detector    threshold.Options
	Tolerance   float64
	Concurrency int
}

// DefaultValidateConfig returns five draws against the default outcome model.
func DefaultValidateConfig() ValidateConfig {
	return ValidateConfig{
		Draws:       5,
		Table:       DefaultTableConfig(),
		Detector:    threshold.DefaultOptions(),
		Tolerance:   0.05,
		Concurrency: 4,
	}
}

// Draw is the detector outcome on one synthetic table.
type Draw struct {
	Seed       uint64  `json:"seed" yaml:"seed"`
	Verdict    string  `json:"verdict" yaml:"verdict"`
	Breakpoint float64 `json:"breakpoint" yaml:"breakpoint"`
	Statistic  float64 `json:"statistic" yaml:"statistic"`
	PValue     float64 `json:"p_value" yaml:"p_value"`
	Within     bool    `json:"within_tolerance" yaml:"within_tolerance"`
}

// Validation summarizes repeated draws.
type Validation struct {
	Model     OutcomeModel `json:"model" yaml:"model"`
	Tolerance float64      `json:"tolerance" yaml:"tolerance"`
	Draws     []Draw       `json:"draws" yaml:"draws"`
	// Detected counts draws with a breakpoint verdict.
	Detected int `json:"detected" yaml:"detected"`
	// Recovered counts detected draws whose breakpoint lies within
	// Tolerance of the true one.
	Recovered      int     `json:"recovered" yaml:"recovered"`
	MeanBreakpoint float64 `json:"mean_breakpoint" yaml:"mean_breakpoint"`
}

// Validate draws cfg.Draws score tables with consecutive seeds starting at
// cfg.Table.Seed and runs the detector on each.
func Validate(ctx context.Context, cfg ValidateConfig) (*Validation, error) {
	if cfg.Draws < 1 {
		return nil, eris.Errorf("simulate: draws must be >= 1, got %d", cfg.Draws)
	}
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}

	draws := make([]Draw, cfg.Draws)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(cfg.Concurrency)

	for i := range draws {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			tc := cfg.Table
			tc.Seed = cfg.Table.Seed + uint64(i)

			rows, err := ScoreTable(tc)
			if err != nil {
				return err
			}
			res, err := threshold.Detect(rows, cfg.Detector)
			if err != nil {
				return eris.Wrapf(err, "simulate: draw seed %d", tc.Seed)
			}
			draws[i] = Draw{
				Seed:       tc.Seed,
				Verdict:    res.Verdict,
				Breakpoint: res.Breakpoint,
				Statistic:  res.Statistic,
				PValue:     res.PValue,
				Within:     res.Detected() && math.Abs(res.Breakpoint-cfg.Table.Outcome.Breakpoint) <= cfg.Tolerance,
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	v := &Validation{Model: cfg.Table.Outcome, Tolerance: cfg.Tolerance, Draws: draws}
	var sum float64
	for _, d := range draws {
		sum += d.Breakpoint
		if d.Verdict == threshold.VerdictBreakpoint {
			v.Detected++
		}
		if d.Within {
			v.Recovered++
		}
	}
	v.MeanBreakpoint = sum / float64(len(draws))

	zap.L().Info("simulate: validation complete",
		zap.Int("draws", len(draws)),
		zap.Int("detected", v.Detected),
		zap.Int("recovered", v.Recovered),
		zap.Float64("true_breakpoint", cfg.Table.Outcome.Breakpoint),
		zap.Float64("mean_breakpoint", v.MeanBreakpoint),
	)
	return v, nil
}
