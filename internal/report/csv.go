package report

import (
	"encoding/csv"
	"io"
	"strconv"

	"github.com/rotisserie/eris"

	"github.com/sells-group/copresence/internal/model"
)

// ScoreColumns is the header of the score table CSV.
var ScoreColumns = []string{
	"device_id", "score", "neighbor_count", "total_contact_count", "visit_volume", "quintile", "outcome",
}

// WriteScoresCSV writes the score table. Missing quintiles and outcomes are
// left empty.
func WriteScoresCSV(w io.Writer, rows []model.ScoreRow) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(ScoreColumns); err != nil {
		return eris.Wrap(err, "report: write csv header")
	}
	for _, r := range rows {
		rec := []string{
			r.DeviceID,
			strconv.FormatFloat(r.Score, 'f', -1, 64),
			strconv.Itoa(r.NeighborCount),
			strconv.Itoa(r.TotalContactCount),
			strconv.FormatFloat(r.VisitVolume, 'f', -1, 64),
			optional(r.Quintile),
			optional(r.Outcome),
		}
		if err := cw.Write(rec); err != nil {
			return eris.Wrapf(err, "report: write csv row for %s", r.DeviceID)
		}
	}
	cw.Flush()
	return eris.Wrap(cw.Error(), "report: flush csv")
}

func optional(p *int) string {
	if p == nil {
		return ""
	}
	return strconv.Itoa(*p)
}
