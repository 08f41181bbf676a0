package simulate

import (
	"encoding/csv"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/copresence/internal/ingest"
)

// File names written by WriteFiles.
const (
	VisitsFile  = "visits.csv"
	DevicesFile = "devices.csv"
)

// WriteFiles writes the population as visits.csv and devices.csv in dir,
// readable by the ingest loaders. It returns the two paths.
func (p *Population) WriteFiles(dir string) (visitsPath, devicesPath string, err error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", "", eris.Wrapf(err, "simulate: create %s", dir)
	}
	visitsPath = filepath.Join(dir, VisitsFile)
	devicesPath = filepath.Join(dir, DevicesFile)

	if err := writeFile(visitsPath, p.WriteVisits); err != nil {
		return "", "", err
	}
	if err := writeFile(devicesPath, p.WriteDevices); err != nil {
		return "", "", err
	}
	return visitsPath, devicesPath, nil
}

func writeFile(path string, write func(io.Writer) error) error {
	f, err := os.Create(path)
	if err != nil {
		return eris.Wrapf(err, "simulate: create %s", path)
	}
	if err := write(f); err != nil {
		f.Close() //nolint:errcheck
		return err
	}
	return eris.Wrapf(f.Close(), "simulate: close %s", path)
}

// WriteVisits writes the visits as CSV.
func (p *Population) WriteVisits(w io.Writer) error {
	cw := csv.NewWriter(w)
	if err := cw.Write([]string{ingest.ColDeviceID, ingest.ColLocationID, ingest.ColLayer, ingest.ColTimestamp, ingest.ColClass}); err != nil {
		return eris.Wrap(err, "simulate: write visits header")
	}
	for _, v := range p.Visits {
		rec := []string{v.DeviceID, v.LocationID, string(v.Layer), v.Timestamp.UTC().Format(time.RFC3339Nano), string(v.Class)}
		if err := cw.Write(rec); err != nil {
			return eris.Wrap(err, "simulate: write visit")
		}
	}
	cw.Flush()
	return eris.Wrap(cw.Error(), "simulate: flush visits")
}

// WriteDevices writes the devices as CSV. Devices without an outcome get an
// empty outcome cell.
func (p *Population) WriteDevices(w io.Writer) error {
	cw := csv.NewWriter(w)
	if err := cw.Write([]string{ingest.ColDeviceID, ingest.ColClass, ingest.ColOutcome}); err != nil {
		return eris.Wrap(err, "simulate: write devices header")
	}
	for _, d := range p.Devices {
		outcome := ""
		if d.Outcome != nil {
			outcome = strconv.Itoa(*d.Outcome)
		}
		if err := cw.Write([]string{d.ID, string(d.Class), outcome}); err != nil {
			return eris.Wrap(err, "simulate: write device")
		}
	}
	cw.Flush()
	return eris.Wrap(cw.Error(), "simulate: flush devices")
}
