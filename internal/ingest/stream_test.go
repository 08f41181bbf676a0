package ingest

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tealeg/xlsx/v2"
)

func collectRows(t *testing.T, rowCh <-chan Row, errCh <-chan error) ([]Row, error) {
	t.Helper()
	var rows []Row
	for row := range rowCh {
		rows = append(rows, row)
	}
	return rows, drain(errCh)
}

func createTestXLSX(t *testing.T, rows [][]string) string {
	t.Helper()
	f := xlsx.NewFile()
	sheet, err := f.AddSheet("visits")
	require.NoError(t, err)
	for _, rowData := range rows {
		row := sheet.AddRow()
		for _, cellData := range rowData {
			cell := row.AddCell()
			cell.SetString(cellData)
		}
	}
	path := filepath.Join(t.TempDir(), "visits.xlsx")
	require.NoError(t, f.Save(path))
	return path
}

func TestStreamCSV_HeaderKeyed(t *testing.T) {
	input := "Device_ID, Layer ,timestamp\nd1,labor,2024-01-01T09:00:00Z\nd2,civic,2024-01-01T10:00:00Z\n"
	rowCh, errCh := StreamCSV(context.Background(), strings.NewReader(input), CSVOptions{})
	rows, err := collectRows(t, rowCh, errCh)
	require.NoError(t, err)
	require.Len(t, rows, 2)

	assert.Equal(t, 2, rows[0].Line)
	assert.Equal(t, "d1", rows[0].Get("device_id"))
	assert.Equal(t, "labor", rows[0].Get("layer"))
	assert.Equal(t, "civic", rows[1].Get("layer"))
	assert.Equal(t, "", rows[1].Get("missing"))
}

func TestStreamCSV_ShortRow(t *testing.T) {
	input := "a,b,c\n1,2\n"
	rowCh, errCh := StreamCSV(context.Background(), strings.NewReader(input), CSVOptions{})
	rows, err := collectRows(t, rowCh, errCh)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "2", rows[0].Get("b"))
	assert.Equal(t, "", rows[0].Get("c"))
}

func TestStreamCSV_BOMHeader(t *testing.T) {
	input := "\ufeffdevice_id,layer\nd1,labor\n"
	rowCh, errCh := StreamCSV(context.Background(), strings.NewReader(input), CSVOptions{})
	rows, err := collectRows(t, rowCh, errCh)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "d1", rows[0].Get("device_id"))
}

func TestStreamCSV_BadQuote(t *testing.T) {
	input := "a,b\n\"unterminated,2\n"
	rowCh, errCh := StreamCSV(context.Background(), strings.NewReader(input), CSVOptions{})
	_, err := collectRows(t, rowCh, errCh)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "csv: read row")
}

func TestStreamCSV_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	rowCh, errCh := StreamCSV(ctx, strings.NewReader("a\n1\n"), CSVOptions{})
	_, err := collectRows(t, rowCh, errCh)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "context cancelled")
}

func TestStreamXLSX(t *testing.T) {
	path := createTestXLSX(t, [][]string{
		{"device_id", "layer"},
		{"d1", "labor"},
		{"d2", "education"},
	})

	rowCh, errCh := StreamXLSX(context.Background(), path, XLSXOptions{})
	rows, err := collectRows(t, rowCh, errCh)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "d2", rows[1].Get("device_id"))
	assert.Equal(t, "education", rows[1].Get("layer"))
}

func TestStreamXLSX_MissingSheet(t *testing.T) {
	path := createTestXLSX(t, [][]string{{"a"}})

	rowCh, errCh := StreamXLSX(context.Background(), path, XLSXOptions{SheetName: "nope"})
	_, err := collectRows(t, rowCh, errCh)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `sheet "nope" not found`)
}

func TestDecodeJSONArray(t *testing.T) {
	type item struct {
		ID string `json:"id"`
	}
	outCh, errCh := DecodeJSONArray[item](context.Background(), strings.NewReader(`[{"id":"a"},{"id":"b"}]`))

	var got []string
	for it := range outCh {
		got = append(got, it.ID)
	}
	require.NoError(t, drain(errCh))
	assert.Equal(t, []string{"a", "b"}, got)
}

func TestDecodeJSONArray_NotArray(t *testing.T) {
	outCh, errCh := DecodeJSONArray[map[string]any](context.Background(), strings.NewReader(`{"id":"a"}`))
	for range outCh {
	}
	err := drain(errCh)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "expected '['")
}

func TestStreamFile_TSV(t *testing.T) {
	path := filepath.Join(t.TempDir(), "visits.tsv")
	require.NoError(t, os.WriteFile(path, []byte("device_id\tlayer\nd1\tcivic\n"), 0o644))

	rowCh, errCh, closer, err := StreamFile(context.Background(), path)
	require.NoError(t, err)
	defer closer.Close() //nolint:errcheck

	rows, err := collectRows(t, rowCh, errCh)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "civic", rows[0].Get("layer"))
}

func TestStreamFile_Unsupported(t *testing.T) {
	_, _, _, err := StreamFile(context.Background(), "visits.parquet")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported file type")
}

func TestStreamFile_Missing(t *testing.T) {
	_, _, _, err := StreamFile(context.Background(), filepath.Join(t.TempDir(), "nope.csv"))
	require.Error(t, err)
}
