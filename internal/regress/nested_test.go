package regress

import (
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/copresence/internal/model"
)

func nestedRows(n int, seed uint64) []model.ScoreRow {
	rng := rand.New(rand.NewPCG(seed, 99))
	rows := make([]model.ScoreRow, 0, n)
	for i := 0; i < n; i++ {
		score := 0.25 + 0.75*rng.Float64()
		contacts := 1 + rng.IntN(20)
		row := model.ScoreRow{SFBScore: model.SFBScore{
			Score:             score,
			NeighborCount:     contacts,
			TotalContactCount: contacts,
		}}
		// Every tenth device has no observed outcome.
		if i%10 != 0 {
			y := 0
			if rng.Float64() < sigmoid(-2+3*score) {
				y = 1
			}
			row.Outcome = &y
		}
		rows = append(rows, row)
	}
	return rows
}

func TestFitNested(t *testing.T) {
	rows := nestedRows(3000, 21)

	res, err := FitNested(rows, DefaultOptions())
	require.NoError(t, err)

	assert.Equal(t, 2700, res.N)
	for _, f := range []*Fit{res.VolumeOnly, res.ScoreOnly, res.Combined} {
		assert.Equal(t, res.N, f.N, f.Model)
		assert.Equal(t, res.VolumeOnly.NullLogLikelihood, f.NullLogLikelihood, f.Model)
	}
	assert.Equal(t, ModelVolumeOnly, res.VolumeOnly.Model)
	assert.Equal(t, ModelScoreOnly, res.ScoreOnly.Model)
	assert.Equal(t, ModelCombined, res.Combined.Model)

	assert.GreaterOrEqual(t, res.Combined.LogLikelihood, res.VolumeOnly.LogLikelihood-1e-9)
	assert.GreaterOrEqual(t, res.Combined.LogLikelihood, res.ScoreOnly.LogLikelihood-1e-9)
	assert.Greater(t, res.ScoreOnly.PseudoR2, res.VolumeOnly.PseudoR2)

	assert.Equal(t, 1, res.ScoreGivenVolume.DF)
	assert.Less(t, res.ScoreGivenVolume.P, 1e-6)
	assert.Equal(t, ModelVolumeOnly, res.ScoreGivenVolume.Restricted)
	assert.Equal(t, ModelCombined, res.ScoreGivenVolume.Full)

	score, ok := res.Combined.Coefficient(PredictorScore)
	require.True(t, ok)
	assert.InDelta(t, 3.0, score.Estimate, 0.6)
}

func TestFitNested_NoOutcomes(t *testing.T) {
	rows := []model.ScoreRow{{SFBScore: model.SFBScore{Score: 0.5, TotalContactCount: 2}}}
	_, err := FitNested(rows, DefaultOptions())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrDegenerateOutcome)
}

func TestLikelihoodRatio(t *testing.T) {
	restricted := &Fit{Model: "r", N: 100, LogLikelihood: -60, Coefficients: make([]Coefficient, 2)}
	full := &Fit{Model: "f", N: 100, LogLikelihood: -55, Coefficients: make([]Coefficient, 3)}

	lr, err := LikelihoodRatio(restricted, full)
	require.NoError(t, err)
	assert.InDelta(t, 10, lr.Statistic, 1e-12)
	assert.Equal(t, 1, lr.DF)
	assert.InDelta(t, 0.001565, lr.P, 1e-5)

	_, err = LikelihoodRatio(full, restricted)
	require.Error(t, err)

	other := &Fit{Model: "o", N: 90, LogLikelihood: -50, Coefficients: make([]Coefficient, 3)}
	_, err = LikelihoodRatio(restricted, other)
	require.Error(t, err)

	worse := &Fit{Model: "w", N: 100, LogLikelihood: -61, Coefficients: make([]Coefficient, 3)}
	lr, err = LikelihoodRatio(restricted, worse)
	require.NoError(t, err)
	assert.Equal(t, 0.0, lr.Statistic)
	assert.InDelta(t, 1.0, lr.P, 1e-12)
}
