package scorer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/copresence/internal/model"
)

type countMap map[string]int

func (c countMap) VisitCount(id string) int { return c[id] }

func ptrInt(v int) *int             { return &v }
func ptrFloat64(v float64) *float64 { return &v }

func TestJoin(t *testing.T) {
	scores := []model.SFBScore{
		{DeviceID: "A", Score: 0.5, NeighborCount: 1, TotalContactCount: 2},
		{DeviceID: "C", Score: 0.25, NeighborCount: 2, TotalContactCount: 2},
	}
	devices := map[string]model.Device{
		"A": {ID: "A", Class: model.ClassLow, Outcome: ptrInt(1), VisitVolume: ptrFloat64(40)},
		"C": {ID: "C", Class: model.ClassLow, Quintile: ptrInt(2)},
	}

	table := Join(scores, devices, countMap{"A": 3, "C": 7}, []string{"Z", "A", "C", "E"})

	require.Len(t, table.Rows, 2)
	assert.InDelta(t, 40, table.Rows[0].VisitVolume, 1e-9, "device volume wins")
	assert.Equal(t, 1, *table.Rows[0].Outcome)
	assert.InDelta(t, 7, table.Rows[1].VisitVolume, 1e-9, "store volume fallback")
	assert.Nil(t, table.Rows[1].Outcome)
	assert.Equal(t, 2, *table.Rows[1].Quintile)

	assert.Equal(t, []string{"E", "Z"}, table.Undefined)
	assert.Len(t, table.WithOutcome(), 1)
}

func TestJoin_NoUndefinedScoreLeaksIntoRows(t *testing.T) {
	table := Join(nil, nil, nil, []string{"lonely"})
	assert.Empty(t, table.Rows)
	assert.Equal(t, []string{"lonely"}, table.Undefined)
}

func TestDescribe(t *testing.T) {
	rows := []model.ScoreRow{
		{SFBScore: model.SFBScore{Score: 0.25}},
		{SFBScore: model.SFBScore{Score: 0.5}},
		{SFBScore: model.SFBScore{Score: 1.0}},
	}
	s := Describe(rows)
	assert.Equal(t, 3, s.N)
	assert.InDelta(t, 0.5833, s.Mean, 1e-3)
	assert.Equal(t, 0.25, s.Min)
	assert.Equal(t, 0.5, s.Median)
	assert.Equal(t, 1.0, s.Max)
	assert.Greater(t, s.StdDev, 0.0)

	assert.Equal(t, Summary{}, Describe(nil))

	single := Describe(rows[:1])
	assert.Equal(t, 0.0, single.StdDev)
}
