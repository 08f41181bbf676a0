package scorer

import (
	"fmt"
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/copresence/internal/model"
)

func dyad(from, to string, shared int) model.DyadSummary {
	return model.DyadSummary{From: from, To: to, SharedLayerCount: shared}
}

func TestScore_EndToEndExample(t *testing.T) {
	// A and B share labor and consumption; B is A's only neighbor.
	scores, err := Score([]model.DyadSummary{dyad("A", "B", 2)}, 4)
	require.NoError(t, err)
	require.Len(t, scores, 1)

	assert.Equal(t, "A", scores[0].DeviceID)
	assert.InDelta(t, 0.5, scores[0].Score, 1e-12)
	assert.Equal(t, 1, scores[0].NeighborCount)
	assert.Equal(t, 2, scores[0].TotalContactCount)
}

func TestScore_AllLayersIsOne(t *testing.T) {
	scores, err := Score([]model.DyadSummary{
		dyad("A", "B", 4), dyad("A", "C", 4), dyad("A", "D", 4),
	}, 4)
	require.NoError(t, err)
	require.Len(t, scores, 1)
	assert.Equal(t, 1.0, scores[0].Score)
	assert.Equal(t, 12, scores[0].TotalContactCount)
}

func TestScore_SingleLayerIsOneOverL(t *testing.T) {
	scores, err := Score([]model.DyadSummary{
		dyad("A", "B", 1), dyad("A", "C", 1),
	}, 4)
	require.NoError(t, err)
	require.Len(t, scores, 1)
	assert.Equal(t, 0.25, scores[0].Score)
	assert.Equal(t, 2, scores[0].NeighborCount)
}

func TestScore_MixedNeighbors(t *testing.T) {
	scores, err := Score([]model.DyadSummary{
		dyad("A", "B", 1), dyad("A", "C", 3), dyad("X", "B", 2),
	}, 4)
	require.NoError(t, err)
	require.Len(t, scores, 2)

	assert.Equal(t, "A", scores[0].DeviceID)
	assert.InDelta(t, (0.25+0.75)/2, scores[0].Score, 1e-12)
	assert.Equal(t, 4, scores[0].TotalContactCount)
	assert.Equal(t, "X", scores[1].DeviceID)
	assert.InDelta(t, 0.5, scores[1].Score, 1e-12)
}

func TestScore_BoundedProperty(t *testing.T) {
	rng := rand.New(rand.NewPCG(3, 9))
	for _, L := range []int{1, 2, 4, 7} {
		var dyads []model.DyadSummary
		for i := 0; i < 40; i++ {
			for j := 0; j < rng.IntN(6); j++ {
				dyads = append(dyads, dyad(fmt.Sprintf("l%d", i), fmt.Sprintf("h%d", j), 1+rng.IntN(L)))
			}
		}
		scores, err := Score(dyads, L)
		require.NoError(t, err)

		lo, hi := Bounds(L)
		for _, s := range scores {
			assert.GreaterOrEqual(t, s.Score, lo-1e-12)
			assert.LessOrEqual(t, s.Score, hi+1e-12)
			assert.GreaterOrEqual(t, s.NeighborCount, 1)
			assert.GreaterOrEqual(t, s.TotalContactCount, s.NeighborCount)
		}
	}
}

func TestScore_NoDyadsNoScores(t *testing.T) {
	scores, err := Score(nil, 4)
	require.NoError(t, err)
	assert.Empty(t, scores)
}

func TestScore_Errors(t *testing.T) {
	_, err := Score(nil, 0)
	require.Error(t, err)

	_, err = Score([]model.DyadSummary{dyad("A", "B", 0)}, 4)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "outside [1, 4]")

	_, err = Score([]model.DyadSummary{dyad("A", "B", 5)}, 4)
	require.Error(t, err)

	_, err = Score([]model.DyadSummary{dyad("A", "B", 1), dyad("A", "B", 2)}, 4)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate dyad")
}
