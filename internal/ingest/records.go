package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/text/cases"

	"github.com/sells-group/copresence/internal/metrics"
	"github.com/sells-group/copresence/internal/model"
)

// ErrMalformedRecord marks a single input row that cannot become a record.
// Such rows are dropped and counted; they never abort a load.
var ErrMalformedRecord = errors.New("malformed record")

// Drop reasons reported in Report.Dropped.
const (
	ReasonMissingField  = "missing_field"
	ReasonBadTimestamp  = "bad_timestamp"
	ReasonUnknownLayer  = "unknown_layer"
	ReasonBadClass      = "bad_class"
	ReasonClassConflict = "class_conflict"
	ReasonBadNumber     = "bad_number"
	ReasonDuplicate     = "duplicate"
)

// Visit input columns.
const (
	ColDeviceID   = "device_id"
	ColLocationID = "location_id"
	ColLayer      = "layer"
	ColTimestamp  = "timestamp"
	ColClass      = "class_label"
)

// Device input columns.
const (
	ColOutcome     = "outcome"
	ColQuintile    = "quintile"
	ColVisitVolume = "visit_volume"
)

// MalformedError describes why a row was dropped.
type MalformedError struct {
	Line   int
	Reason string
	Detail string
}

func (e *MalformedError) Error() string {
	return fmt.Sprintf("line %d: %s: %s", e.Line, e.Reason, e.Detail)
}

func (e *MalformedError) Unwrap() error {
	return ErrMalformedRecord
}

func malformed(line int, reason, format string, args ...any) *MalformedError {
	return &MalformedError{Line: line, Reason: reason, Detail: fmt.Sprintf(format, args...)}
}

// Report counts what a load read, kept, and dropped.
type Report struct {
	Read     int            `json:"read"`
	Accepted int            `json:"accepted"`
	Dropped  map[string]int `json:"dropped,omitempty"`
}

// DroppedTotal returns the number of dropped rows across all reasons.
func (r Report) DroppedTotal() int {
	n := 0
	for _, c := range r.Dropped {
		n += c
	}
	return n
}

func (r *Report) drop(kind string, err error) {
	var me *MalformedError
	reason := "unknown"
	if errors.As(err, &me) {
		reason = me.Reason
	}
	if r.Dropped == nil {
		r.Dropped = make(map[string]int)
	}
	r.Dropped[reason]++
	zap.L().Warn("ingest: dropped malformed record",
		zap.String("kind", kind),
		zap.String("reason", reason),
		zap.Error(err),
	)
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02T15:04",
	"2006-01-02 15:04",
}

// maxEpochSeconds bounds epoch inputs to what time.Time holds as unix nanoseconds.
const maxEpochSeconds = float64(math.MaxInt64 / int64(time.Second))

// ParseTimestamp accepts RFC3339 and common ISO-like layouts (interpreted
// as UTC when no zone is given) as well as decimal unix epoch seconds.
func ParseTimestamp(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, eris.New("empty timestamp")
	}
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	if secs, err := parseEpoch(s); err == nil {
		whole := int64(secs)
		nanos := int64((secs - float64(whole)) * float64(time.Second))
		return time.Unix(whole, nanos).UTC(), nil
	}
	return time.Time{}, eris.Errorf("unrecognized timestamp %q", s)
}

// parseEpoch reads plain decimal seconds. Spellings such as NaN, Inf or hex
// floats are refused, as is anything outside maxEpochSeconds.
func parseEpoch(s string) (float64, error) {
	if strings.IndexFunc(s, func(r rune) bool { return !strings.ContainsRune("0123456789.+-eE", r) }) >= 0 {
		return 0, eris.Errorf("not a decimal number: %q", s)
	}
	secs, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, eris.Wrapf(err, "parse epoch %q", s)
	}
	if math.IsNaN(secs) || math.IsInf(secs, 0) || math.Abs(secs) > maxEpochSeconds {
		return 0, eris.Errorf("epoch %q out of range", s)
	}
	return secs, nil
}

// Normalizer folds free-text labels so "Labor", "LABOR " and "labor" match.
// It is not safe for concurrent use.
type Normalizer struct {
	caser cases.Caser
}

// NewNormalizer returns a Normalizer using Unicode case folding.
func NewNormalizer() *Normalizer {
	return &Normalizer{caser: cases.Fold()}
}

// Fold trims and case-folds s.
func (n *Normalizer) Fold(s string) string {
	return n.caser.String(strings.TrimSpace(s))
}

// ParseClass maps a class label to low/high.
func (n *Normalizer) ParseClass(s string) (model.Class, bool) {
	switch n.Fold(s) {
	case "low", "l", "0":
		return model.ClassLow, true
	case "high", "h", "1":
		return model.ClassHigh, true
	}
	return "", false
}

// VisitParser converts rows into visits for a fixed layer set.
type VisitParser struct {
	norm   *Normalizer
	layers map[string]model.Layer
}

// NewVisitParser returns a parser accepting only the given layers.
func NewVisitParser(layers []model.Layer) *VisitParser {
	norm := NewNormalizer()
	known := make(map[string]model.Layer, len(layers))
	for _, l := range layers {
		known[norm.Fold(string(l))] = l
	}
	return &VisitParser{norm: norm, layers: known}
}

// Parse builds a visit from a row. Failures are *MalformedError.
func (p *VisitParser) Parse(row Row) (model.Visit, error) {
	for _, col := range []string{ColDeviceID, ColLocationID, ColLayer, ColTimestamp, ColClass} {
		if row.Get(col) == "" {
			return model.Visit{}, malformed(row.Line, ReasonMissingField, "missing %s", col)
		}
	}

	layer, ok := p.layers[p.norm.Fold(row.Get(ColLayer))]
	if !ok {
		return model.Visit{}, malformed(row.Line, ReasonUnknownLayer, "layer %q", row.Get(ColLayer))
	}

	ts, err := ParseTimestamp(row.Get(ColTimestamp))
	if err != nil {
		return model.Visit{}, malformed(row.Line, ReasonBadTimestamp, "%v", err)
	}

	class, ok := p.norm.ParseClass(row.Get(ColClass))
	if !ok {
		return model.Visit{}, malformed(row.Line, ReasonBadClass, "class %q", row.Get(ColClass))
	}

	return model.Visit{
		DeviceID:   row.Get(ColDeviceID),
		LocationID: row.Get(ColLocationID),
		Layer:      layer,
		Timestamp:  ts,
		Class:      class,
	}, nil
}

// ReadVisits consumes a row stream into visits. A device keeps the first
// class label it is seen with; later visits carrying the other label are
// dropped as class conflicts.
func ReadVisits(rows <-chan Row, errCh <-chan error, layers []model.Layer) ([]model.Visit, Report, error) {
	parser := NewVisitParser(layers)
	classOf := make(map[string]model.Class)

	var visits []model.Visit
	var rep Report
	for row := range rows {
		rep.Read++
		v, err := parser.Parse(row)
		if err != nil {
			rep.drop("visit", err)
			continue
		}
		if prev, ok := classOf[v.DeviceID]; ok && prev != v.Class {
			rep.drop("visit", malformed(row.Line, ReasonClassConflict,
				"device %s seen as %s, row says %s", v.DeviceID, prev, v.Class))
			continue
		}
		classOf[v.DeviceID] = v.Class
		visits = append(visits, v)
		rep.Accepted++
	}
	if err := drain(errCh); err != nil {
		return nil, rep, eris.Wrap(err, "ingest: read visits")
	}
	return visits, rep, nil
}

// looseString takes a JSON string or a bare scalar such as an epoch number
// and keeps its text, so JSON rows go through the same parsers as CSV cells.
type looseString string

func (s *looseString) UnmarshalJSON(b []byte) error {
	if len(b) > 0 && b[0] == '"' {
		var v string
		if err := json.Unmarshal(b, &v); err != nil {
			return err
		}
		*s = looseString(v)
		return nil
	}
	if string(b) == "null" {
		*s = ""
		return nil
	}
	*s = looseString(b)
	return nil
}

// visitJSON mirrors the CSV visit columns for JSON input.
type visitJSON struct {
	DeviceID   looseString `json:"device_id"`
	LocationID looseString `json:"location_id"`
	Layer      looseString `json:"layer"`
	Timestamp  looseString `json:"timestamp"`
	Class      looseString `json:"class_label"`
}

func (v visitJSON) row(line int) Row {
	return Row{Line: line, Fields: map[string]string{
		ColDeviceID:   string(v.DeviceID),
		ColLocationID: string(v.LocationID),
		ColLayer:      string(v.Layer),
		ColTimestamp:  string(v.Timestamp),
		ColClass:      string(v.Class),
	}}
}

// LoadVisits reads visits from a CSV, TSV, XLSX, or JSON array file.
func LoadVisits(ctx context.Context, path string, layers []model.Layer) ([]model.Visit, Report, error) {
	var (
		visits []model.Visit
		rep    Report
		err    error
	)

	if strings.EqualFold(filepath.Ext(path), ".json") {
		f, openErr := os.Open(path)
		if openErr != nil {
			return nil, Report{}, eris.Wrapf(openErr, "ingest: open %s", path)
		}
		defer f.Close() //nolint:errcheck
		visits, rep, err = readVisitJSON(ctx, f, layers)
	} else {
		rows, errCh, closer, streamErr := StreamFile(ctx, path)
		if streamErr != nil {
			return nil, Report{}, streamErr
		}
		defer closer.Close() //nolint:errcheck
		visits, rep, err = ReadVisits(rows, errCh, layers)
	}
	if err != nil {
		return nil, rep, err
	}

	metrics.RecordsAccepted.WithLabelValues("visit").Add(float64(rep.Accepted))
	metrics.ObserveDropped("visit", rep.Dropped)
	zap.L().Info("ingest: visits loaded",
		zap.String("path", path),
		zap.Int("read", rep.Read),
		zap.Int("accepted", rep.Accepted),
		zap.Int("dropped", rep.DroppedTotal()),
	)
	return visits, rep, nil
}

func readVisitJSON(ctx context.Context, r io.Reader, layers []model.Layer) ([]model.Visit, Report, error) {
	rows, errCh := jsonRows[visitJSON](ctx, r)
	return ReadVisits(rows, errCh, layers)
}

// DeviceParser converts rows into devices.
type DeviceParser struct {
	norm        *Normalizer
	minQuintile int
}

// NewDeviceParser returns a parser deriving the binary outcome from the
// quintile when no explicit outcome is given: quintile >= minQuintile is 1.
func NewDeviceParser(minQuintile int) *DeviceParser {
	return &DeviceParser{norm: NewNormalizer(), minQuintile: minQuintile}
}

// Parse builds a device from a row. Failures are *MalformedError.
func (p *DeviceParser) Parse(row Row) (model.Device, error) {
	id := row.Get(ColDeviceID)
	if id == "" {
		return model.Device{}, malformed(row.Line, ReasonMissingField, "missing %s", ColDeviceID)
	}
	d := model.Device{ID: id}

	if raw := row.Get(ColClass); raw != "" {
		class, ok := p.norm.ParseClass(raw)
		if !ok {
			return model.Device{}, malformed(row.Line, ReasonBadClass, "class %q", raw)
		}
		d.Class = class
	}

	if raw := row.Get(ColOutcome); raw != "" {
		o, err := strconv.Atoi(raw)
		if err != nil || (o != 0 && o != 1) {
			return model.Device{}, malformed(row.Line, ReasonBadNumber, "outcome %q is not 0 or 1", raw)
		}
		d.Outcome = &o
	}

	if raw := row.Get(ColQuintile); raw != "" {
		q, err := strconv.Atoi(raw)
		if err != nil || q < 1 || q > 5 {
			return model.Device{}, malformed(row.Line, ReasonBadNumber, "quintile %q", raw)
		}
		d.Quintile = &q
	}

	if raw := row.Get(ColVisitVolume); raw != "" {
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil || v < 0 {
			return model.Device{}, malformed(row.Line, ReasonBadNumber, "visit_volume %q", raw)
		}
		d.VisitVolume = &v
	}

	p.deriveOutcome(&d)
	return d, nil
}

func (p *DeviceParser) deriveOutcome(d *model.Device) {
	if d.Outcome != nil || d.Quintile == nil {
		return
	}
	o := 0
	if *d.Quintile >= p.minQuintile {
		o = 1
	}
	d.Outcome = &o
}

// ReadDevices consumes a row stream into a device table keyed by id. A
// repeated device id keeps its first row.
func ReadDevices(rows <-chan Row, errCh <-chan error, minQuintile int) (map[string]model.Device, Report, error) {
	parser := NewDeviceParser(minQuintile)
	devices := make(map[string]model.Device)

	var rep Report
	for row := range rows {
		rep.Read++
		d, err := parser.Parse(row)
		if err != nil {
			rep.drop("device", err)
			continue
		}
		if _, dup := devices[d.ID]; dup {
			rep.drop("device", malformed(row.Line, ReasonDuplicate, "duplicate device %s", d.ID))
			continue
		}
		devices[d.ID] = d
		rep.Accepted++
	}
	if err := drain(errCh); err != nil {
		return nil, rep, eris.Wrap(err, "ingest: read devices")
	}
	return devices, rep, nil
}

// deviceJSON mirrors the CSV device columns for JSON input.
type deviceJSON struct {
	DeviceID    string   `json:"device_id"`
	Class       string   `json:"class_label"`
	Outcome     *int     `json:"outcome"`
	Quintile    *int     `json:"quintile"`
	VisitVolume *float64 `json:"visit_volume"`
}

func (d deviceJSON) row(line int) Row {
	f := map[string]string{ColDeviceID: d.DeviceID, ColClass: d.Class}
	if d.Outcome != nil {
		f[ColOutcome] = strconv.Itoa(*d.Outcome)
	}
	if d.Quintile != nil {
		f[ColQuintile] = strconv.Itoa(*d.Quintile)
	}
	if d.VisitVolume != nil {
		f[ColVisitVolume] = strconv.FormatFloat(*d.VisitVolume, 'f', -1, 64)
	}
	return Row{Line: line, Fields: f}
}

// LoadDevices reads devices from a CSV, TSV, XLSX, or JSON array file.
func LoadDevices(ctx context.Context, path string, minQuintile int) (map[string]model.Device, Report, error) {
	var (
		devices map[string]model.Device
		rep     Report
		err     error
	)

	if strings.EqualFold(filepath.Ext(path), ".json") {
		f, openErr := os.Open(path)
		if openErr != nil {
			return nil, Report{}, eris.Wrapf(openErr, "ingest: open %s", path)
		}
		defer f.Close() //nolint:errcheck
		devices, rep, err = readDeviceJSON(ctx, f, minQuintile)
	} else {
		rows, errCh, closer, streamErr := StreamFile(ctx, path)
		if streamErr != nil {
			return nil, Report{}, streamErr
		}
		defer closer.Close() //nolint:errcheck
		devices, rep, err = ReadDevices(rows, errCh, minQuintile)
	}
	if err != nil {
		return nil, rep, err
	}

	metrics.RecordsAccepted.WithLabelValues("device").Add(float64(rep.Accepted))
	metrics.ObserveDropped("device", rep.Dropped)
	zap.L().Info("ingest: devices loaded",
		zap.String("path", path),
		zap.Int("read", rep.Read),
		zap.Int("accepted", rep.Accepted),
		zap.Int("dropped", rep.DroppedTotal()),
	)
	return devices, rep, nil
}

func readDeviceJSON(ctx context.Context, r io.Reader, minQuintile int) (map[string]model.Device, Report, error) {
	rows, errCh := jsonRows[deviceJSON](ctx, r)
	return ReadDevices(rows, errCh, minQuintile)
}

// jsonRows decodes a JSON array into numbered rows. Line is the 1-based
// element index.
func jsonRows[T interface{ row(int) Row }](ctx context.Context, r io.Reader) (<-chan Row, <-chan error) {
	items, errCh := DecodeJSONArray[T](ctx, r)
	rows := make(chan Row)
	go func() {
		defer close(rows)
		line := 0
		for item := range items {
			line++
			rows <- item.row(line)
		}
	}()
	return rows, errCh
}
