package pipeline

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/copresence/internal/config"
	"github.com/sells-group/copresence/internal/model"
	"github.com/sells-group/copresence/internal/simulate"
	"github.com/sells-group/copresence/internal/store"
	"github.com/sells-group/copresence/internal/threshold"
)

func testConfig() *config.Config {
	return &config.Config{
		Pipeline: config.PipelineConfig{
			WindowMinutes:   30,
			Layers:          config.DefaultLayers,
			Concurrency:     2,
			LocationWorkers: 2,
		},
		Model: config.ModelConfig{
			MobilityMinQuintile: 4,
			MaxIterations:       50,
			Tolerance:           1e-8,
			MinSample:           30,
		},
		Threshold: config.ThresholdConfig{
			Quantiles:        5,
			GridSteps:        81,
			RefineSteps:      21,
			GridLowQuantile:  0.10,
			GridHighQuantile: 0.90,
			Alpha:            0.01,
		},
	}
}

func testStore(t *testing.T) store.Store {
	t.Helper()
	st, err := store.Open(context.Background(), config.StoreConfig{
		Driver:      "sqlite",
		DatabaseURL: filepath.Join(t.TempDir(), "test.db"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

// Two devices meet on labor and consumption within the window.
const abVisits = `device_id,location_id,layer,timestamp,class_label
A,loc-1,labor,2024-03-01 09:00,low
B,loc-1,labor,2024-03-01 09:15,high
A,loc-2,consumption,2024-03-02 18:00,low
B,loc-2,consumption,2024-03-02 18:20,high
C,loc-3,civic,2024-03-03 10:00,low
B,loc-3,civic,2024-03-03 12:00,high
A,loc-4,education,2024-03-04 08:00,bogus
`

func TestRun_TwoDeviceExample(t *testing.T) {
	p := New(testConfig(), nil)
	res, err := p.Run(context.Background(), Input{VisitsPath: writeFile(t, "visits.csv", abVisits)})
	require.NoError(t, err)

	assert.Equal(t, 7, res.Visits.Read)
	assert.Equal(t, 6, res.Visits.Accepted)
	assert.Equal(t, 1, res.Visits.DroppedTotal())

	require.NotNil(t, res.Score)
	require.Len(t, res.Score.Dyads, 1)
	assert.Equal(t, model.DyadSummary{From: "A", To: "B", SharedLayerCount: 2}, res.Score.Dyads[0])

	require.Len(t, res.Score.Table.Rows, 1)
	row := res.Score.Table.Rows[0]
	assert.Equal(t, "A", row.DeviceID)
	assert.InDelta(t, 0.5, row.Score, 1e-12)
	assert.Equal(t, 1, row.NeighborCount)
	assert.Equal(t, 2, row.TotalContactCount)
	assert.Equal(t, float64(2), row.VisitVolume)

	// C met B two hours apart, outside the window.
	assert.Equal(t, []string{"C"}, res.Score.Table.Undefined)

	edges := res.Score.EdgesByLayer()
	assert.Equal(t, 1, edges["labor"])
	assert.Equal(t, 1, edges["consumption"])
	assert.Equal(t, 0, edges["civic"])
	assert.Equal(t, 0, edges["education"])
	assert.Equal(t, []int{0, 0, 1, 0, 0}, res.Score.Histogram)

	assert.Nil(t, res.Model)
	assert.Nil(t, res.Run)

	status := make(map[string]model.PhaseStatus)
	for _, ph := range res.Phases {
		status[ph.Name] = ph.Status
	}
	assert.Equal(t, model.PhaseStatusComplete, status[PhaseIngest])
	assert.Equal(t, model.PhaseStatusComplete, status[PhaseScore])
	assert.Equal(t, model.PhaseStatusSkipped, status[PhasePersist])
	assert.Equal(t, model.PhaseStatusSkipped, status[PhaseModel])
	assert.Equal(t, model.PhaseStatusSkipped, status[PhaseThreshold])
}

func TestRun_DeviceFileClassDefersToVisits(t *testing.T) {
	devices := writeFile(t, "devices.csv", `device_id,class_label
B,low
D,low
`)
	p := New(testConfig(), nil)
	res, err := p.Run(context.Background(), Input{
		VisitsPath:  writeFile(t, "visits.csv", abVisits),
		DevicesPath: devices,
	})
	require.NoError(t, err)

	// B is high in every visit. D has no visits, so it stays low and unscored.
	assert.Equal(t, []string{"C", "D"}, res.Score.Table.Undefined)
	require.Len(t, res.Score.Table.Rows, 1)
	assert.Equal(t, "A", res.Score.Table.Rows[0].DeviceID)
}

func TestRun_SimulatedPopulationMatchesTrueScores(t *testing.T) {
	popCfg := simulate.DefaultPopulationConfig()
	popCfg.PerStratum = 25
	popCfg.Outcome = nil
	pop, err := simulate.NewPopulation(popCfg)
	require.NoError(t, err)
	visitsPath, devicesPath, err := pop.WriteFiles(t.TempDir())
	require.NoError(t, err)

	st := testStore(t)
	p := New(testConfig(), st)
	res, err := p.Run(context.Background(), Input{VisitsPath: visitsPath, DevicesPath: devicesPath})
	require.NoError(t, err)

	require.Len(t, res.Score.Table.Rows, len(pop.TrueScores))
	assert.Empty(t, res.Score.Table.Undefined)
	for _, row := range res.Score.Table.Rows {
		assert.InDelta(t, pop.TrueScores[row.DeviceID], row.Score, 1e-12, row.DeviceID)
		assert.Equal(t, pop.Contacts[row.DeviceID], row.TotalContactCount, row.DeviceID)
	}

	ctx := context.Background()
	require.NotNil(t, res.Run)
	run, err := st.GetRun(ctx, res.Run.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusComplete, run.Status)
	require.NotNil(t, run.Summary)
	assert.Equal(t, len(pop.TrueScores), run.Summary.ScoredDevices)
	assert.Equal(t, len(res.Score.Dyads), run.Summary.Dyads)

	saved, err := st.ListScores(ctx, res.Run.ID)
	require.NoError(t, err)
	assert.Len(t, saved, len(pop.TrueScores))

	n, err := st.CountDyads(ctx, res.Run.ID)
	require.NoError(t, err)
	assert.Equal(t, len(res.Score.Dyads), n)
}

func TestRun_Idempotent(t *testing.T) {
	path := writeFile(t, "visits.csv", abVisits)
	p := New(testConfig(), nil)

	first, err := p.Run(context.Background(), Input{VisitsPath: path})
	require.NoError(t, err)
	second, err := p.Run(context.Background(), Input{VisitsPath: path})
	require.NoError(t, err)

	assert.Equal(t, first.Score.Dyads, second.Score.Dyads)
	assert.Equal(t, first.Score.Table, second.Score.Table)
}

func TestRun_InvalidConfigurationRunsNothing(t *testing.T) {
	cfg := testConfig()
	cfg.Pipeline.WindowMinutes = 0
	st := testStore(t)

	res, err := New(cfg, st).Run(context.Background(), Input{VisitsPath: "does-not-matter.csv"})
	require.Error(t, err)
	assert.ErrorIs(t, err, config.ErrInvalidConfiguration)
	assert.Nil(t, res)

	runs, err := st.ListRuns(context.Background(), store.RunFilter{})
	require.NoError(t, err)
	assert.Empty(t, runs)
}

func TestRun_MissingVisitsPath(t *testing.T) {
	_, err := New(testConfig(), nil).Run(context.Background(), Input{})
	assert.ErrorIs(t, err, config.ErrInvalidConfiguration)
}

func TestRun_MissingFileFailsRun(t *testing.T) {
	st := testStore(t)
	res, err := New(testConfig(), st).Run(context.Background(), Input{
		VisitsPath: filepath.Join(t.TempDir(), "missing.csv"),
	})
	require.Error(t, err)
	require.NotNil(t, res)
	require.NotNil(t, res.Run)

	run, err := st.GetRun(context.Background(), res.Run.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusFailed, run.Status)
	assert.NotEmpty(t, run.Error)
	require.NotNil(t, run.Summary)
	require.Len(t, run.Summary.Phases, 1)
	assert.Equal(t, model.PhaseStatusFailed, run.Summary.Phases[0].Status)
}

func TestRun_ModelFailureKeepsScores(t *testing.T) {
	popCfg := simulate.DefaultPopulationConfig()
	popCfg.PerStratum = 10
	pop, err := simulate.NewPopulation(popCfg)
	require.NoError(t, err)
	visitsPath, devicesPath, err := pop.WriteFiles(t.TempDir())
	require.NoError(t, err)

	cfg := testConfig()
	cfg.Model.MinSample = 1000
	st := testStore(t)

	res, err := New(cfg, st).Run(context.Background(), Input{VisitsPath: visitsPath, DevicesPath: devicesPath})
	require.Error(t, err)
	assert.ErrorIs(t, err, threshold.ErrInsufficientData)

	ctx := context.Background()
	run, err := st.GetRun(ctx, res.Run.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusFailed, run.Status)

	saved, err := st.ListScores(ctx, res.Run.ID)
	require.NoError(t, err)
	assert.Len(t, saved, len(pop.TrueScores))
}

func TestModel_SyntheticTable(t *testing.T) {
	rows, err := simulate.ScoreTable(simulate.DefaultTableConfig())
	require.NoError(t, err)

	res, err := New(testConfig(), nil).Model(rows)
	require.NoError(t, err)
	require.NotNil(t, res.Nested)
	require.NotNil(t, res.Threshold)

	assert.Equal(t, len(rows), res.Nested.N)
	assert.Equal(t, len(rows), res.Threshold.N)
	assert.Greater(t, res.Nested.ScoreOnly.PseudoR2, 0.0)
	assert.InDelta(t, 0.40, res.Threshold.Breakpoint, 0.1)
}

func TestModel_InsufficientSample(t *testing.T) {
	rows, err := simulate.ScoreTable(simulate.TableConfig{
		Seed: 3, Rows: 10, NumLayers: 4, MaxNeighbors: 5, Outcome: simulate.DefaultOutcomeModel(),
	})
	require.NoError(t, err)

	_, err = New(testConfig(), nil).Model(rows)
	assert.ErrorIs(t, err, threshold.ErrInsufficientData)
}

func TestResultSummary(t *testing.T) {
	rows, err := simulate.ScoreTable(simulate.DefaultTableConfig())
	require.NoError(t, err)
	p := New(testConfig(), nil)
	mr, err := p.Model(rows)
	require.NoError(t, err)

	res := &Result{Model: mr}
	s, err := res.Summary()
	require.NoError(t, err)
	assert.Contains(t, string(s.Models), `"combined"`)
	assert.Contains(t, string(s.Threshold), `"verdict"`)
}

func TestLayers(t *testing.T) {
	assert.Equal(t, []model.Layer{"labor", "civic"}, Layers([]string{" Labor ", "CIVIC"}))
}

func TestThresholdOptions(t *testing.T) {
	cfg := testConfig()
	opts := ThresholdOptions(cfg.Threshold, cfg.Model)
	assert.Equal(t, 5, opts.Quantiles)
	assert.Equal(t, 81, opts.GridSteps)
	assert.Equal(t, 0.01, opts.Alpha)
	assert.Equal(t, 50, opts.Fit.MaxIterations)
}
