// Package report renders run results for people and downstream tools.
package report

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"slices"
	"strings"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/copresence/internal/ingest"
	"github.com/sells-group/copresence/internal/model"
	"github.com/sells-group/copresence/internal/pipeline"
	"github.com/sells-group/copresence/internal/regress"
	"github.com/sells-group/copresence/internal/scorer"
	"github.com/sells-group/copresence/internal/threshold"
)

// Format selects an output encoding.
type Format string

const (
	FormatTable Format = "table"
	FormatJSON  Format = "json"
	FormatYAML  Format = "yaml"
)

// ParseFormat validates a format name.
func ParseFormat(s string) (Format, error) {
	switch f := Format(strings.ToLower(strings.TrimSpace(s))); f {
	case FormatTable, FormatJSON, FormatYAML:
		return f, nil
	default:
		return "", eris.Errorf("report: format must be table, json or yaml (got %q)", s)
	}
}

// Document is the rendered view of one run.
type Document struct {
	RunID          string                `json:"run_id,omitempty"`
	Status         model.RunStatus       `json:"status,omitempty"`
	Error          string                `json:"error,omitempty"`
	Params         model.RunParams       `json:"params"`
	Visits         ingest.Report         `json:"visits"`
	Devices        *ingest.Report        `json:"devices,omitempty"`
	EdgesByLayer   map[model.Layer]int   `json:"edges_by_layer,omitempty"`
	Dyads          int                   `json:"dyads"`
	LayerHistogram []int                 `json:"layer_histogram,omitempty"`
	Scores         scorer.Summary        `json:"scores"`
	Undefined      int                   `json:"undefined_scores"`
	Models         *regress.NestedResult `json:"models,omitempty"`
	Threshold      *threshold.Result     `json:"threshold,omitempty"`
	Phases         []model.PhaseResult   `json:"phases,omitempty"`
}

// FromResult builds a document from a finished or failed pipeline run.
func FromResult(res *pipeline.Result) *Document {
	doc := &Document{
		Params: res.Params,
		Visits: res.Visits,
		Phases: res.Phases,
	}
	if res.Run != nil {
		doc.RunID = res.Run.ID
		doc.Status = res.Run.Status
		doc.Error = res.Run.Error
	}
	if res.Params.DevicesPath != "" {
		d := res.Devices
		doc.Devices = &d
	}
	if res.Score != nil {
		doc.EdgesByLayer = res.Score.EdgesByLayer()
		doc.Dyads = len(res.Score.Dyads)
		doc.LayerHistogram = res.Score.Histogram
		doc.Scores = res.Score.Summary
		doc.Undefined = len(res.Score.Table.Undefined)
	}
	if res.Model != nil {
		doc.Models = res.Model.Nested
		doc.Threshold = res.Model.Threshold
	}
	return doc
}

// FromRun builds a document from a stored run. Stored runs keep only the
// summary, so the score distribution carries just the count and mean.
func FromRun(run *model.Run) (*Document, error) {
	doc := &Document{
		RunID:  run.ID,
		Status: run.Status,
		Error:  run.Error,
		Params: run.Params,
	}
	s := run.Summary
	if s == nil {
		return doc, nil
	}
	doc.Visits = ingest.Report{Read: s.VisitsRead, Accepted: s.VisitsAccepted, Dropped: s.VisitsDropped}
	doc.EdgesByLayer = s.EdgesByLayer
	doc.Dyads = s.Dyads
	doc.Scores = scorer.Summary{N: s.ScoredDevices, Mean: s.MeanScore}
	doc.Undefined = s.UndefinedScores
	doc.Phases = s.Phases

	if len(s.Models) > 0 {
		doc.Models = &regress.NestedResult{}
		if err := json.Unmarshal(s.Models, doc.Models); err != nil {
			return nil, eris.Wrapf(err, "report: decode models of run %s", run.ID)
		}
	}
	if len(s.Threshold) > 0 {
		doc.Threshold = &threshold.Result{}
		if err := json.Unmarshal(s.Threshold, doc.Threshold); err != nil {
			return nil, eris.Wrapf(err, "report: decode threshold of run %s", run.ID)
		}
	}
	return doc, nil
}

// Write renders doc to w in the given format.
func Write(w io.Writer, doc *Document, f Format) error {
	switch f {
	case FormatJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return eris.Wrap(enc.Encode(doc), "report: encode json")
	case FormatYAML:
		return writeYAML(w, doc)
	case FormatTable:
		return writeTable(w, doc)
	default:
		return eris.Errorf("report: unknown format %q", f)
	}
}

// writeYAML goes through JSON so the field names match the JSON output.
func writeYAML(w io.Writer, doc *Document) error {
	raw, err := json.Marshal(doc)
	if err != nil {
		return eris.Wrap(err, "report: encode json")
	}
	var node yaml.Node
	if err := yaml.Unmarshal(raw, &node); err != nil {
		return eris.Wrap(err, "report: decode json as yaml")
	}
	blockStyle(&node)

	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(&node); err != nil {
		return eris.Wrap(err, "report: encode yaml")
	}
	return eris.Wrap(enc.Close(), "report: close yaml encoder")
}

// blockStyle clears the flow and quoting styles JSON input carries.
func blockStyle(n *yaml.Node) {
	n.Style = 0
	for _, c := range n.Content {
		blockStyle(c)
	}
}

func writeTable(out io.Writer, doc *Document) error {
	p := message.NewPrinter(language.English)
	var buf bytes.Buffer
	w := tabwriter.NewWriter(&buf, 0, 0, 2, ' ', 0)

	if doc.RunID != "" {
		p.Fprintf(w, "Run:\t%s (%s)\n", doc.RunID, doc.Status)
	}
	if doc.Error != "" {
		p.Fprintf(w, "Error:\t%s\n", doc.Error)
	}
	p.Fprintf(w, "Visits file:\t%s\n", doc.Params.VisitsPath)
	if doc.Params.DevicesPath != "" {
		p.Fprintf(w, "Devices file:\t%s\n", doc.Params.DevicesPath)
	}
	p.Fprintf(w, "Window:\t%.1f min\n", doc.Params.WindowMinutes)
	p.Fprintf(w, "Visits:\tread %d, accepted %d, dropped %d\n",
		doc.Visits.Read, doc.Visits.Accepted, doc.Visits.DroppedTotal())
	for _, reason := range sortedKeys(doc.Visits.Dropped) {
		p.Fprintf(w, "  %s:\t%d\n", reason, doc.Visits.Dropped[reason])
	}
	if doc.Devices != nil {
		p.Fprintf(w, "Devices:\tread %d, accepted %d, dropped %d\n",
			doc.Devices.Read, doc.Devices.Accepted, doc.Devices.DroppedTotal())
	}
	_ = w.Flush()

	if len(doc.EdgesByLayer) > 0 {
		buf.WriteString("\n")
		w = tabwriter.NewWriter(&buf, 0, 0, 2, ' ', 0)
		p.Fprintln(w, "LAYER\tEDGES")
		p.Fprintln(w, "-----\t-----")
		for _, layer := range sortedKeys(doc.EdgesByLayer) {
			p.Fprintf(w, "%s\t%d\n", layer, doc.EdgesByLayer[layer])
		}
		_ = w.Flush()
	}

	buf.WriteString("\n")
	w = tabwriter.NewWriter(&buf, 0, 0, 2, ' ', 0)
	p.Fprintf(w, "Dyads:\t%d\n", doc.Dyads)
	if len(doc.LayerHistogram) > 1 {
		parts := make([]string, 0, len(doc.LayerHistogram)-1)
		for k := 1; k < len(doc.LayerHistogram); k++ {
			parts = append(parts, p.Sprintf("%d:%d", k, doc.LayerHistogram[k]))
		}
		p.Fprintf(w, "Shared layers:\t%s\n", strings.Join(parts, "  "))
	}
	p.Fprintf(w, "Scored devices:\t%d\n", doc.Scores.N)
	p.Fprintf(w, "Undefined scores:\t%d\n", doc.Undefined)
	if doc.Scores.N > 0 {
		s := doc.Scores
		p.Fprintf(w, "Score:\tmean %.3f, sd %.3f, min %.3f, median %.3f, max %.3f\n",
			s.Mean, s.StdDev, s.Min, s.Median, s.Max)
	}
	_ = w.Flush()

	if doc.Models != nil {
		buf.WriteString("\n")
		w = tabwriter.NewWriter(&buf, 0, 0, 2, ' ', 0)
		p.Fprintln(w, "MODEL\tN\tPSEUDO_R2\tAIC\tCOEFFICIENTS")
		p.Fprintln(w, "-----\t-\t---------\t---\t------------")
		for _, f := range []*regress.Fit{doc.Models.VolumeOnly, doc.Models.ScoreOnly, doc.Models.Combined} {
			if f == nil {
				continue
			}
			p.Fprintf(w, "%s\t%d\t%.4f\t%.1f\t%s\n", f.Model, f.N, f.PseudoR2, f.AIC, formatCoefficients(p, f.Coefficients))
		}
		_ = w.Flush()
		for _, lr := range []regress.LRTest{doc.Models.ScoreGivenVolume, doc.Models.VolumeGivenScore} {
			p.Fprintf(&buf, "LR %s vs %s: %.2f (df=%d, p=%.3g)\n", lr.Full, lr.Restricted, lr.Statistic, lr.DF, lr.P)
		}
	}

	if doc.Threshold != nil {
		th := doc.Threshold
		buf.WriteString("\n")
		p.Fprintf(&buf, "Threshold: %s\n", th.String())
		p.Fprintf(&buf, "Bin shape: %s (strictly rising: %t)\n", th.Shape, th.StrictlyRising)
		w = tabwriter.NewWriter(&buf, 0, 0, 2, ' ', 0)
		p.Fprintln(w, "BIN\tSCORE_RANGE\tN\tEVENTS\tRATE")
		p.Fprintln(w, "---\t-----------\t-\t------\t----")
		for _, b := range th.Bins {
			p.Fprintf(w, "%d\t%.3f-%.3f\t%d\t%d\t%.3f\n", b.Index+1, b.Lower, b.Upper, b.N, b.Events, b.Rate)
		}
		_ = w.Flush()
	}

	if len(doc.Phases) > 0 {
		buf.WriteString("\n")
		w = tabwriter.NewWriter(&buf, 0, 0, 2, ' ', 0)
		p.Fprintln(w, "PHASE\tSTATUS\tDURATION")
		p.Fprintln(w, "-----\t------\t--------")
		for _, ph := range doc.Phases {
			p.Fprintf(w, "%s\t%s\t%dms\n", ph.Name, ph.Status, ph.Duration)
		}
		_ = w.Flush()
	}

	_, err := out.Write(buf.Bytes())
	return eris.Wrap(err, "report: write table")
}

func formatCoefficients(p *message.Printer, cs []regress.Coefficient) string {
	parts := make([]string, len(cs))
	for i, c := range cs {
		parts[i] = p.Sprintf("%s=%.3f (se %.3f)", c.Name, c.Estimate, c.StdErr)
	}
	return strings.Join(parts, " ")
}

func sortedKeys[K ~string, V any](m map[K]V) []K {
	keys := make([]K, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

// Summary returns a one-line description of doc for log output.
func Summary(doc *Document) string {
	s := fmt.Sprintf("%d scored, %d undefined, %d dyads", doc.Scores.N, doc.Undefined, doc.Dyads)
	if doc.Threshold != nil {
		s += "; " + doc.Threshold.String()
	}
	return s
}
