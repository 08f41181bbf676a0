// Package pipeline orchestrates a scoring run: ingest, per-layer
// co-presence construction, dyad aggregation, scoring, outcome models and
// threshold detection, with optional persistence of the results.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"slices"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/copresence/internal/aggregate"
	"github.com/sells-group/copresence/internal/config"
	"github.com/sells-group/copresence/internal/copresence"
	"github.com/sells-group/copresence/internal/ingest"
	"github.com/sells-group/copresence/internal/metrics"
	"github.com/sells-group/copresence/internal/model"
	"github.com/sells-group/copresence/internal/regress"
	"github.com/sells-group/copresence/internal/scorer"
	"github.com/sells-group/copresence/internal/store"
	"github.com/sells-group/copresence/internal/threshold"
	"github.com/sells-group/copresence/internal/visits"
)

// Phase names recorded on every run.
const (
	PhaseIngest    = "ingest"
	PhaseScore     = "score"
	PhasePersist   = "persist"
	PhaseModel     = "model"
	PhaseThreshold = "threshold"
)

// Pipeline runs the scoring stages against one configuration.
type Pipeline struct {
	cfg   *config.Config
	store store.Store
}

// New creates a pipeline. st may be nil, in which case nothing is persisted.
func New(cfg *config.Config, st store.Store) *Pipeline {
	return &Pipeline{cfg: cfg, store: st}
}

// Input names the files a run reads. DevicesPath is optional.
type Input struct {
	VisitsPath  string
	DevicesPath string
}

// ScoreResult is the output of the scoring stages.
type ScoreResult struct {
	Layers    []*copresence.LayerResult
	Dyads     []model.DyadSummary
	Histogram []int
	Table     scorer.Table
	Summary   scorer.Summary
}

// EdgesByLayer counts edges per layer.
func (s *ScoreResult) EdgesByLayer() map[model.Layer]int {
	out := make(map[model.Layer]int, len(s.Layers))
	for _, lr := range s.Layers {
		out[lr.Layer] = len(lr.Edges)
	}
	return out
}

// ModelResult holds the outcome models and the threshold verdict.
type ModelResult struct {
	Nested    *regress.NestedResult `json:"nested,omitempty" yaml:"nested,omitempty"`
	Threshold *threshold.Result     `json:"threshold,omitempty" yaml:"threshold,omitempty"`
}

// Result collects everything a run produced.
type Result struct {
	Run     *model.Run
	Params  model.RunParams
	Visits  ingest.Report
	Devices ingest.Report
	Score   *ScoreResult
	Model   *ModelResult
	Phases  []model.PhaseResult
}

// Summary condenses the result into its persisted form.
func (r *Result) Summary() (*model.RunSummary, error) {
	s := &model.RunSummary{
		VisitsRead:     r.Visits.Read,
		VisitsAccepted: r.Visits.Accepted,
		VisitsDropped:  r.Visits.Dropped,
		Phases:         r.Phases,
	}
	if r.Score != nil {
		s.EdgesByLayer = r.Score.EdgesByLayer()
		s.Dyads = len(r.Score.Dyads)
		s.ScoredDevices = len(r.Score.Table.Rows)
		s.UndefinedScores = len(r.Score.Table.Undefined)
		s.MeanScore = r.Score.Summary.Mean
	}
	if r.Model != nil {
		if r.Model.Nested != nil {
			raw, err := json.Marshal(r.Model.Nested)
			if err != nil {
				return nil, eris.Wrap(err, "pipeline: marshal models")
			}
			s.Models = raw
		}
		if r.Model.Threshold != nil {
			raw, err := json.Marshal(r.Model.Threshold)
			if err != nil {
				return nil, eris.Wrap(err, "pipeline: marshal threshold")
			}
			s.Threshold = raw
		}
	}
	return s, nil
}

// Layers normalizes configured layer names.
func Layers(names []string) []model.Layer {
	out := make([]model.Layer, 0, len(names))
	for _, n := range names {
		out = append(out, model.Layer(strings.ToLower(strings.TrimSpace(n))))
	}
	return out
}

// ModelOptions converts the model section into fit options.
func ModelOptions(c config.ModelConfig) regress.Options {
	return regress.Options{MaxIterations: c.MaxIterations, Tolerance: c.Tolerance}
}

// ThresholdOptions converts the threshold section into detector options.
func ThresholdOptions(t config.ThresholdConfig, m config.ModelConfig) threshold.Options {
	return threshold.Options{
		Quantiles:   t.Quantiles,
		GridSteps:   t.GridSteps,
		RefineSteps: t.RefineSteps,
		GridLow:     t.GridLowQuantile,
		GridHigh:    t.GridHighQuantile,
		Alpha:       t.Alpha,
		Fit:         ModelOptions(m),
	}
}

// Score builds every layer, aggregates dyads, scores low-class devices and
// joins the device covariates.
func (p *Pipeline) Score(ctx context.Context, vs *visits.Store, devices map[string]model.Device) (*ScoreResult, error) {
	builder, err := copresence.NewBuilder(p.cfg.Pipeline.Window(), p.cfg.Pipeline.LocationWorkers)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	layers, err := builder.BuildAll(ctx, vs, p.cfg.Pipeline.Concurrency)
	if err != nil {
		return nil, eris.Wrap(err, "pipeline: build layers")
	}
	metrics.ObserveStage("build", start)

	start = time.Now()
	edges := make([][]model.CoPresenceEdge, len(layers))
	for i, lr := range layers {
		edges[i] = lr.Edges
	}
	dyads, err := aggregate.Dyads(edges, vs.NumLayers())
	if err != nil {
		return nil, err
	}
	hist := aggregate.LayerHistogram(dyads, vs.NumLayers())
	metrics.ObserveStage("aggregate", start)

	start = time.Now()
	scores, err := scorer.Score(dyads, vs.NumLayers())
	if err != nil {
		return nil, err
	}
	table := scorer.Join(scores, devices, vs, lowDevices(vs, devices))
	summary := scorer.Describe(table.Rows)
	metrics.DevicesScored.Add(float64(len(table.Rows)))
	metrics.ScoresUndefined.Add(float64(len(table.Undefined)))
	elapsed := metrics.ObserveStage("score", start)

	zap.L().Info("pipeline: devices scored",
		zap.Int("dyads", len(dyads)),
		zap.Int("scored", summary.N),
		zap.Int("undefined", len(table.Undefined)),
		zap.Float64("mean_score", summary.Mean),
		zap.Duration("elapsed", elapsed),
	)

	return &ScoreResult{
		Layers:    layers,
		Dyads:     dyads,
		Histogram: hist,
		Table:     table,
		Summary:   summary,
	}, nil
}

// lowDevices lists every low-class device seen in the visits or the device
// file, without duplicates. The visits decide the class of a device they
// observed; a device file label that disagrees is ignored.
func lowDevices(vs *visits.Store, devices map[string]model.Device) []string {
	ids := vs.Devices(model.ClassLow)
	for id, d := range devices {
		if d.Class != model.ClassLow {
			continue
		}
		if c, seen := vs.Class(id); seen && c != model.ClassLow {
			zap.L().Warn("pipeline: device file class conflicts with visits",
				zap.String("device_id", id),
				zap.String("visits_class", string(c)),
			)
			continue
		}
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return slices.Compact(ids)
}

// FitModels fits the nested outcome models on rows carrying an outcome.
func (p *Pipeline) FitModels(rows []model.ScoreRow) (*regress.NestedResult, error) {
	if err := p.checkSample(rows); err != nil {
		return nil, err
	}
	res, err := regress.FitNested(rows, ModelOptions(p.cfg.Model))
	if err != nil {
		recordFitFailure(err)
		return nil, err
	}
	return res, nil
}

// DetectThreshold runs the breakpoint detector on rows carrying an outcome.
func (p *Pipeline) DetectThreshold(rows []model.ScoreRow) (*threshold.Result, error) {
	if err := p.checkSample(rows); err != nil {
		return nil, err
	}
	res, err := threshold.Detect(rows, ThresholdOptions(p.cfg.Threshold, p.cfg.Model))
	if err != nil {
		recordFitFailure(err)
		return nil, err
	}
	return res, nil
}

// Model fits the outcome models and runs threshold detection.
func (p *Pipeline) Model(rows []model.ScoreRow) (*ModelResult, error) {
	nested, err := p.FitModels(rows)
	if err != nil {
		return nil, err
	}
	th, err := p.DetectThreshold(rows)
	if err != nil {
		return nil, err
	}
	return &ModelResult{Nested: nested, Threshold: th}, nil
}

func (p *Pipeline) checkSample(rows []model.ScoreRow) error {
	n := 0
	for _, r := range rows {
		if r.Outcome != nil {
			n++
		}
	}
	if n < p.cfg.Model.MinSample {
		return eris.Wrapf(threshold.ErrInsufficientData,
			"pipeline: %d scored devices carry an outcome, need %d", n, p.cfg.Model.MinSample)
	}
	return nil
}

func recordFitFailure(err error) {
	var fe *regress.FitError
	if errors.As(err, &fe) {
		metrics.ModelFitFailures.WithLabelValues(fe.Model).Inc()
	}
}

// Run executes a full scoring run. Configuration is validated before any
// stage starts. When a store is attached the run, its scores and its dyads
// are persisted; a failing stage marks the run failed and returns the error.
func (p *Pipeline) Run(ctx context.Context, in Input) (*Result, error) {
	if err := p.cfg.Validate(); err != nil {
		return nil, err
	}
	if in.VisitsPath == "" {
		return nil, eris.Wrap(config.ErrInvalidConfiguration, "pipeline: visits path is required")
	}

	layers := Layers(p.cfg.Pipeline.Layers)
	res := &Result{
		Params: model.RunParams{
			VisitsPath:    in.VisitsPath,
			DevicesPath:   in.DevicesPath,
			WindowMinutes: p.cfg.Pipeline.WindowMinutes,
			Layers:        p.cfg.Pipeline.Layers,
		},
	}

	log := zap.L().With(zap.String("visits", in.VisitsPath))
	if p.store != nil {
		run, err := p.store.CreateRun(ctx, res.Params)
		if err != nil {
			return nil, eris.Wrap(err, "pipeline: create run")
		}
		res.Run = run
		log = log.With(zap.String("run_id", run.ID))
	}
	log.Info("pipeline: starting run", zap.Int("layers", len(layers)))

	trackPhase := func(name string, fn func() (map[string]any, error)) error {
		start := time.Now()
		meta, fnErr := fn()
		duration := time.Since(start).Milliseconds()

		pr := model.PhaseResult{Name: name, Duration: duration, Metadata: meta}
		if fnErr != nil {
			pr.Status = model.PhaseStatusFailed
			pr.Error = fnErr.Error()
			log.Error("pipeline: phase failed",
				zap.String("phase", name),
				zap.Int64("duration_ms", duration),
				zap.Error(fnErr),
			)
		} else {
			pr.Status = model.PhaseStatusComplete
			log.Info("pipeline: phase complete",
				zap.String("phase", name),
				zap.Int64("duration_ms", duration),
			)
		}
		res.Phases = append(res.Phases, pr)
		return fnErr
	}
	skipPhase := func(name, reason string) {
		res.Phases = append(res.Phases, model.PhaseResult{
			Name:     name,
			Status:   model.PhaseStatusSkipped,
			Metadata: map[string]any{"reason": reason},
		})
		log.Info("pipeline: phase skipped", zap.String("phase", name), zap.String("reason", reason))
	}

	// Phase 1: Ingest
	var vs *visits.Store
	var devices map[string]model.Device
	err := trackPhase(PhaseIngest, func() (map[string]any, error) {
		vv, rep, err := ingest.LoadVisits(ctx, in.VisitsPath, layers)
		if err != nil {
			return nil, err
		}
		res.Visits = rep
		if in.DevicesPath != "" {
			dd, drep, err := ingest.LoadDevices(ctx, in.DevicesPath, p.cfg.Model.MobilityMinQuintile)
			if err != nil {
				return nil, err
			}
			devices, res.Devices = dd, drep
		}
		vs = visits.New(layers, vv)
		return map[string]any{
			"visits_read":     rep.Read,
			"visits_accepted": rep.Accepted,
			"visits_dropped":  rep.DroppedTotal(),
			"devices":         len(devices),
		}, nil
	})
	if err != nil {
		return res, p.fail(ctx, res, err)
	}

	// Phase 2: Score
	err = trackPhase(PhaseScore, func() (map[string]any, error) {
		sr, err := p.Score(ctx, vs, devices)
		if err != nil {
			return nil, err
		}
		res.Score = sr
		return map[string]any{
			"dyads":     len(sr.Dyads),
			"scored":    len(sr.Table.Rows),
			"undefined": len(sr.Table.Undefined),
		}, nil
	})
	if err != nil {
		return res, p.fail(ctx, res, err)
	}

	// Phase 3: Persist scores before modeling, so a failed fit keeps them.
	if p.store == nil {
		skipPhase(PhasePersist, "no store")
	} else {
		err = trackPhase(PhasePersist, func() (map[string]any, error) {
			start := time.Now()
			if err := p.store.SaveScores(ctx, res.Run.ID, res.Score.Table.Rows); err != nil {
				return nil, err
			}
			if err := p.store.SaveDyads(ctx, res.Run.ID, res.Score.Dyads); err != nil {
				return nil, err
			}
			metrics.ObserveStage("persist", start)
			return map[string]any{
				"scores": len(res.Score.Table.Rows),
				"dyads":  len(res.Score.Dyads),
			}, nil
		})
		if err != nil {
			return res, p.fail(ctx, res, err)
		}
	}

	// Phase 4: Outcome models and threshold detection.
	rows := res.Score.Table.WithOutcome()
	if len(rows) == 0 {
		skipPhase(PhaseModel, "no outcomes")
		skipPhase(PhaseThreshold, "no outcomes")
	} else {
		res.Model = &ModelResult{}
		err = trackPhase(PhaseModel, func() (map[string]any, error) {
			start := time.Now()
			nested, err := p.FitModels(rows)
			if err != nil {
				return nil, err
			}
			metrics.ObserveStage("model", start)
			res.Model.Nested = nested
			return map[string]any{
				"n":                    nested.N,
				"pseudo_r2_combined":   nested.Combined.PseudoR2,
				"p_score_given_volume": nested.ScoreGivenVolume.P,
			}, nil
		})
		if err != nil {
			return res, p.fail(ctx, res, err)
		}

		err = trackPhase(PhaseThreshold, func() (map[string]any, error) {
			start := time.Now()
			th, err := p.DetectThreshold(rows)
			if err != nil {
				return nil, err
			}
			metrics.ObserveStage("threshold", start)
			res.Model.Threshold = th
			return map[string]any{
				"verdict":    th.Verdict,
				"breakpoint": th.Breakpoint,
				"statistic":  th.Statistic,
			}, nil
		})
		if err != nil {
			return res, p.fail(ctx, res, err)
		}
	}

	summary, err := res.Summary()
	if err != nil {
		return res, p.fail(ctx, res, err)
	}
	if p.store != nil {
		if err := p.store.CompleteRun(ctx, res.Run.ID, summary); err != nil {
			return res, eris.Wrap(err, "pipeline: complete run")
		}
		res.Run.Status = model.RunStatusComplete
		res.Run.Summary = summary
	}

	log.Info("pipeline: run complete",
		zap.Int("scored", summary.ScoredDevices),
		zap.Int("undefined", summary.UndefinedScores),
		zap.Float64("mean_score", summary.MeanScore),
	)
	return res, nil
}

// fail marks the run failed with whatever summary exists and returns
// runErr unchanged.
func (p *Pipeline) fail(ctx context.Context, res *Result, runErr error) error {
	if p.store == nil || res.Run == nil {
		return runErr
	}
	summary, err := res.Summary()
	if err != nil {
		summary = &model.RunSummary{Phases: res.Phases}
	}
	if err := p.store.FailRun(context.WithoutCancel(ctx), res.Run.ID, summary, runErr.Error()); err != nil {
		zap.L().Warn("pipeline: failed to mark run failed",
			zap.String("run_id", res.Run.ID),
			zap.Error(err),
		)
	}
	res.Run.Status = model.RunStatusFailed
	res.Run.Error = runErr.Error()
	return runErr
}
