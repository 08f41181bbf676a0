package simulate

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScoreTable_Consistent(t *testing.T) {
	cfg := DefaultTableConfig()
	cfg.Rows = 500

	rows, err := ScoreTable(cfg)
	require.NoError(t, err)
	require.Len(t, rows, 500)

	for _, r := range rows {
		assert.GreaterOrEqual(t, r.NeighborCount, 1)
		assert.GreaterOrEqual(t, r.TotalContactCount, r.NeighborCount)
		assert.LessOrEqual(t, r.TotalContactCount, cfg.NumLayers*r.NeighborCount)
		assert.InDelta(t, float64(r.TotalContactCount)/float64(cfg.NumLayers*r.NeighborCount), r.Score, 1e-12)
		assert.GreaterOrEqual(t, r.Score, 0.25)
		assert.LessOrEqual(t, r.Score, 1.0)
		require.NotNil(t, r.Outcome)
		assert.Contains(t, []int{0, 1}, *r.Outcome)
	}
}

func TestScoreTable_Reproducible(t *testing.T) {
	cfg := DefaultTableConfig()
	cfg.Rows = 50

	a, err := ScoreTable(cfg)
	require.NoError(t, err)
	b, err := ScoreTable(cfg)
	require.NoError(t, err)
	assert.Equal(t, a, b)

	cfg.Seed = 2
	c, err := ScoreTable(cfg)
	require.NoError(t, err)
	assert.NotEqual(t, a, c)
}

func TestScoreTable_InvalidConfig(t *testing.T) {
	_, err := ScoreTable(TableConfig{Rows: 0, NumLayers: 4, MaxNeighbors: 3})
	require.Error(t, err)
	_, err = ScoreTable(TableConfig{Rows: 10, NumLayers: 0, MaxNeighbors: 3})
	require.Error(t, err)
}
