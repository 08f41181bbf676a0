package scorer

import (
	"slices"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"github.com/sells-group/copresence/internal/model"
)

// VisitCounter reports observed visit volume per device.
type VisitCounter interface {
	VisitCount(deviceID string) int
}

// Table is the score table handed to modeling and reporting.
type Table struct {
	Rows []model.ScoreRow `json:"rows"`
	// Undefined lists low-class devices with no cross-class neighbor. They
	// are excluded from Rows.
	Undefined []string `json:"undefined"`
}

// Join attaches device covariates to each score. Visit volume comes from the
// device record when present, otherwise from the visit store. lowDevices is
// the population of low-class devices used to find undefined scores.
func Join(scores []model.SFBScore, devices map[string]model.Device, counter VisitCounter, lowDevices []string) Table {
	rows := make([]model.ScoreRow, 0, len(scores))
	scored := make(map[string]struct{}, len(scores))

	for _, s := range scores {
		scored[s.DeviceID] = struct{}{}
		row := model.ScoreRow{SFBScore: s}
		d, ok := devices[s.DeviceID]
		switch {
		case ok && d.VisitVolume != nil:
			row.VisitVolume = *d.VisitVolume
		case counter != nil:
			row.VisitVolume = float64(counter.VisitCount(s.DeviceID))
		}
		if ok {
			row.Quintile = d.Quintile
			if d.HasOutcome() {
				row.Outcome = d.Outcome
			}
		}
		rows = append(rows, row)
	}

	var undefined []string
	for _, id := range lowDevices {
		if _, ok := scored[id]; !ok {
			undefined = append(undefined, id)
		}
	}
	slices.Sort(undefined)

	return Table{Rows: rows, Undefined: undefined}
}

// WithOutcome returns the rows carrying a binary outcome.
func (t Table) WithOutcome() []model.ScoreRow {
	var out []model.ScoreRow
	for _, r := range t.Rows {
		if r.Outcome != nil {
			out = append(out, r)
		}
	}
	return out
}

// Summary describes the score distribution of a table.
type Summary struct {
	N      int     `json:"n"`
	Mean   float64 `json:"mean"`
	StdDev float64 `json:"std_dev"`
	Min    float64 `json:"min"`
	Median float64 `json:"median"`
	Max    float64 `json:"max"`
}

// Describe summarizes the scores of rows. An empty input yields the zero
// Summary; check N before reading the statistics.
func Describe(rows []model.ScoreRow) Summary {
	if len(rows) == 0 {
		return Summary{}
	}
	xs := make([]float64, len(rows))
	for i, r := range rows {
		xs[i] = r.Score
	}
	slices.Sort(xs)

	mean, std := stat.MeanStdDev(xs, nil)
	if len(xs) == 1 {
		std = 0
	}
	return Summary{
		N:      len(xs),
		Mean:   mean,
		StdDev: std,
		Min:    floats.Min(xs),
		Median: stat.Quantile(0.5, stat.Empirical, xs, nil),
		Max:    floats.Max(xs),
	}
}
