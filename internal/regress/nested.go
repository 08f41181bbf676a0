package regress

import (
	"github.com/rotisserie/eris"
	"gonum.org/v1/gonum/stat/distuv"
	"go.uber.org/zap"

	"github.com/sells-group/copresence/internal/model"
)

// Model names of the nested comparison.
const (
	ModelVolumeOnly = "volume_only"
	ModelScoreOnly  = "score_only"
	ModelCombined   = "combined"
)

// Predictor names.
const (
	PredictorScore  = "score"
	PredictorVolume = "volume"
)

// LRTest is a likelihood-ratio comparison of a restricted model against a
// model that nests it.
type LRTest struct {
	Restricted string  `json:"restricted" yaml:"restricted"`
	Full       string  `json:"full" yaml:"full"`
	Statistic  float64 `json:"statistic" yaml:"statistic"`
	DF         int     `json:"df" yaml:"df"`
	P          float64 `json:"p" yaml:"p"`
}

// LikelihoodRatio tests full against restricted. Both fits must come from the
// same sample and full must have more parameters.
func LikelihoodRatio(restricted, full *Fit) (LRTest, error) {
	if restricted.N != full.N {
		return LRTest{}, eris.Errorf("regress: %s and %s fitted on different samples (%d vs %d)",
			restricted.Model, full.Model, restricted.N, full.N)
	}
	df := full.Params() - restricted.Params()
	if df < 1 {
		return LRTest{}, eris.Errorf("regress: %s does not nest %s", full.Model, restricted.Model)
	}
	stat := 2 * (full.LogLikelihood - restricted.LogLikelihood)
	if stat < 0 {
		stat = 0
	}
	return LRTest{
		Restricted: restricted.Model,
		Full:       full.Model,
		Statistic:  stat,
		DF:         df,
		P:          distuv.ChiSquared{K: float64(df)}.Survival(stat),
	}, nil
}

// NestedResult holds the three nested outcome models fitted on one sample.
type NestedResult struct {
	N          int  `json:"n" yaml:"n"`
	VolumeOnly *Fit `json:"volume_only" yaml:"volume_only"`
	ScoreOnly  *Fit `json:"score_only" yaml:"score_only"`
	Combined   *Fit `json:"combined" yaml:"combined"`
	// ScoreGivenVolume tests whether score adds to a volume-only model.
	ScoreGivenVolume LRTest `json:"score_given_volume" yaml:"score_given_volume"`
	// VolumeGivenScore tests whether volume adds to a score-only model.
	VolumeGivenScore LRTest `json:"volume_given_score" yaml:"volume_given_score"`
}

// FitNested fits volume-only, score-only and combined logistic models on the
// rows that carry an outcome. Volume is the device's total contact count.
// Every model sees the identical sample.
func FitNested(rows []model.ScoreRow, opts Options) (*NestedResult, error) {
	var score, volume, y []float64
	for _, r := range rows {
		if r.Outcome == nil {
			continue
		}
		score = append(score, r.Score)
		volume = append(volume, float64(r.TotalContactCount))
		y = append(y, float64(*r.Outcome))
	}
	if len(y) == 0 {
		return nil, fitError(ModelCombined, ErrDegenerateOutcome, "no rows carry an outcome")
	}

	specs := []Spec{
		{Name: ModelVolumeOnly, Predictors: []string{PredictorVolume}, Columns: [][]float64{volume}},
		{Name: ModelScoreOnly, Predictors: []string{PredictorScore}, Columns: [][]float64{score}},
		{Name: ModelCombined, Predictors: []string{PredictorScore, PredictorVolume}, Columns: [][]float64{score, volume}},
	}
	fits := make([]*Fit, len(specs))
	for i, spec := range specs {
		f, err := Logistic(spec, y, opts)
		if err != nil {
			return nil, err
		}
		fits[i] = f
	}

	res := &NestedResult{N: len(y), VolumeOnly: fits[0], ScoreOnly: fits[1], Combined: fits[2]}

	var err error
	if res.ScoreGivenVolume, err = LikelihoodRatio(res.VolumeOnly, res.Combined); err != nil {
		return nil, err
	}
	if res.VolumeGivenScore, err = LikelihoodRatio(res.ScoreOnly, res.Combined); err != nil {
		return nil, err
	}

	zap.L().Info("regress: nested models fitted",
		zap.Int("n", res.N),
		zap.Float64("r2_volume_only", res.VolumeOnly.PseudoR2),
		zap.Float64("r2_score_only", res.ScoreOnly.PseudoR2),
		zap.Float64("r2_combined", res.Combined.PseudoR2),
		zap.Float64("lr_score_given_volume", res.ScoreGivenVolume.Statistic),
		zap.Float64("p_score_given_volume", res.ScoreGivenVolume.P),
	)
	return res, nil
}
