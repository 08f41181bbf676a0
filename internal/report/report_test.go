package report

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/copresence/internal/ingest"
	"github.com/sells-group/copresence/internal/model"
	"github.com/sells-group/copresence/internal/pipeline"
	"github.com/sells-group/copresence/internal/regress"
	"github.com/sells-group/copresence/internal/scorer"
	"github.com/sells-group/copresence/internal/threshold"
)

func intPtr(v int) *int { return &v }

func sampleDocument() *Document {
	return &Document{
		RunID:  "run-1",
		Status: model.RunStatusComplete,
		Params: model.RunParams{VisitsPath: "visits.csv", WindowMinutes: 30, Layers: []string{"labor", "civic"}},
		Visits: ingest.Report{Read: 12345, Accepted: 12000, Dropped: map[string]int{"bad_timestamp": 300, "true": 45}},
		EdgesByLayer: map[model.Layer]int{
			"labor": 1500,
			"civic": 20,
		},
		Dyads:          1510,
		LayerHistogram: []int{0, 1500, 10},
		Scores:         scorer.Summary{N: 800, Mean: 0.62, StdDev: 0.1, Min: 0.5, Median: 0.6, Max: 1},
		Undefined:      40,
		Models: &regress.NestedResult{
			N: 800,
			VolumeOnly: &regress.Fit{Model: regress.ModelVolumeOnly, N: 800, PseudoR2: 0.01, Coefficients: []regress.Coefficient{
				{Name: regress.InterceptName, Estimate: -1}, {Name: regress.PredictorVolume, Estimate: 0.02},
			}},
			ScoreOnly: &regress.Fit{Model: regress.ModelScoreOnly, N: 800, PseudoR2: 0.08},
			Combined:  &regress.Fit{Model: regress.ModelCombined, N: 800, PseudoR2: 0.09},
			ScoreGivenVolume: regress.LRTest{
				Restricted: regress.ModelVolumeOnly, Full: regress.ModelCombined, Statistic: 60, DF: 1, P: 1e-14,
			},
		},
		Threshold: &threshold.Result{
			Verdict:    threshold.VerdictBreakpoint,
			Breakpoint: 0.41,
			Statistic:  42,
			PValue:     1e-9,
			DF:         3,
			Bins:       []threshold.Bin{{Index: 0, Lower: 0.25, Upper: 0.5, N: 400, Events: 80, Rate: 0.2}},
			Shape:      threshold.ShapeStep,
		},
		Phases: []model.PhaseResult{{Name: "ingest", Status: model.PhaseStatusComplete, Duration: 1200}},
	}
}

func TestParseFormat(t *testing.T) {
	for _, in := range []string{"table", "JSON", " yaml "} {
		_, err := ParseFormat(in)
		assert.NoError(t, err, in)
	}
	_, err := ParseFormat("xml")
	assert.Error(t, err)
}

func TestWriteTable(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Write(&buf, sampleDocument(), FormatTable))
	out := buf.String()

	assert.Contains(t, out, "run-1 (complete)")
	assert.Contains(t, out, "read 12,345, accepted 12,000, dropped 345")
	assert.Contains(t, out, "bad_timestamp")
	assert.Contains(t, out, "1,500")
	assert.Contains(t, out, "1:1,500  2:10")
	assert.Contains(t, out, "volume_only")
	assert.Contains(t, out, "volume=0.02")
	assert.Contains(t, out, "LR combined vs volume_only")
	assert.Contains(t, out, "breakpoint detected at 0.410")
	assert.Contains(t, out, "Bin shape: step")
	assert.Contains(t, out, "1,200ms")

	// Layers are listed alphabetically.
	assert.Less(t, strings.Index(out, "civic"), strings.Index(out, "labor  "))
}

func TestWriteJSON(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Write(&buf, sampleDocument(), FormatJSON))

	var got map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &got))
	assert.Equal(t, "run-1", got["run_id"])
	assert.Equal(t, float64(1510), got["dyads"])
	th := got["threshold"].(map[string]any)
	assert.Equal(t, threshold.VerdictBreakpoint, th["verdict"])
	assert.Equal(t, 0.41, th["breakpoint"])
}

func TestWriteYAML(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Write(&buf, sampleDocument(), FormatYAML))
	out := buf.String()

	assert.Contains(t, out, "run_id: run-1")
	assert.NotContains(t, out, "{")

	var got map[string]any
	require.NoError(t, yaml.Unmarshal(buf.Bytes(), &got))
	visits := got["visits"].(map[string]any)
	dropped := visits["dropped"].(map[string]any)
	// A string key that looks like a bool must survive the round trip.
	assert.Equal(t, 45, dropped["true"])
	assert.Equal(t, 12345, visits["read"])
}

func TestWriteUnknownFormat(t *testing.T) {
	assert.Error(t, Write(&bytes.Buffer{}, sampleDocument(), Format("xml")))
}

func TestFromResult(t *testing.T) {
	res := &pipeline.Result{
		Run:    &model.Run{ID: "abc", Status: model.RunStatusFailed, Error: "boom"},
		Params: model.RunParams{VisitsPath: "v.csv", DevicesPath: "d.csv"},
		Visits: ingest.Report{Read: 3, Accepted: 3},
		Score: &pipeline.ScoreResult{
			Dyads:     []model.DyadSummary{{From: "a", To: "b", SharedLayerCount: 2}},
			Histogram: []int{0, 0, 1},
			Table: scorer.Table{
				Rows:      []model.ScoreRow{{SFBScore: model.SFBScore{DeviceID: "a", Score: 0.5}}},
				Undefined: []string{"c"},
			},
			Summary: scorer.Summary{N: 1, Mean: 0.5},
		},
	}
	doc := FromResult(res)
	assert.Equal(t, "abc", doc.RunID)
	assert.Equal(t, model.RunStatusFailed, doc.Status)
	assert.Equal(t, "boom", doc.Error)
	require.NotNil(t, doc.Devices)
	assert.Equal(t, 1, doc.Dyads)
	assert.Equal(t, 1, doc.Undefined)
	assert.Equal(t, 0.5, doc.Scores.Mean)
	assert.Nil(t, doc.Models)
}

func TestFromRun(t *testing.T) {
	th := &threshold.Result{Verdict: threshold.VerdictLinear, Breakpoint: 0.3, DF: 3}
	raw, err := json.Marshal(th)
	require.NoError(t, err)

	run := &model.Run{
		ID:     "r1",
		Status: model.RunStatusComplete,
		Summary: &model.RunSummary{
			VisitsRead:      10,
			VisitsAccepted:  9,
			Dyads:           4,
			ScoredDevices:   3,
			UndefinedScores: 1,
			MeanScore:       0.7,
			Threshold:       raw,
		},
	}
	doc, err := FromRun(run)
	require.NoError(t, err)
	assert.Equal(t, 10, doc.Visits.Read)
	assert.Equal(t, 3, doc.Scores.N)
	assert.Nil(t, doc.Models)
	require.NotNil(t, doc.Threshold)
	assert.Equal(t, threshold.VerdictLinear, doc.Threshold.Verdict)

	run.Summary.Models = json.RawMessage(`{"n": "bad"}`)
	_, err = FromRun(run)
	assert.Error(t, err)
}

func TestFromRun_NoSummary(t *testing.T) {
	doc, err := FromRun(&model.Run{ID: "r2", Status: model.RunStatusRunning})
	require.NoError(t, err)
	assert.Equal(t, "r2", doc.RunID)
	assert.Zero(t, doc.Scores.N)
}

func TestWriteScoresCSV(t *testing.T) {
	rows := []model.ScoreRow{
		{
			SFBScore:    model.SFBScore{DeviceID: "a", Score: 0.5, NeighborCount: 1, TotalContactCount: 2},
			VisitVolume: 7,
			Quintile:    intPtr(4),
			Outcome:     intPtr(1),
		},
		{SFBScore: model.SFBScore{DeviceID: "b", Score: 0.25, NeighborCount: 2, TotalContactCount: 2}},
	}
	var buf bytes.Buffer
	require.NoError(t, WriteScoresCSV(&buf, rows))

	want := "device_id,score,neighbor_count,total_contact_count,visit_volume,quintile,outcome\n" +
		"a,0.5,1,2,7,4,1\n" +
		"b,0.25,2,2,0,,\n"
	assert.Equal(t, want, buf.String())
}

func TestSummary(t *testing.T) {
	s := Summary(sampleDocument())
	assert.Contains(t, s, "800 scored")
	assert.Contains(t, s, "breakpoint detected")
}
