// Package tabular reads small annotation tables (evaluation manifests, human
// gold sheets) from CSV or XLSX files.
package tabular

import (
	"encoding/csv"
	"os"
	"path/filepath"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/tealeg/xlsx/v2"
)

// Table is a header plus data rows. Header names are lower-cased and trimmed.
type Table struct {
	Header []string
	Rows   [][]string
	colIdx map[string]int
}

// Read loads a table, picking the parser from the file extension. XLSX files
// are read from their first sheet.
func Read(path string) (*Table, error) {
	var records [][]string
	var err error
	switch strings.ToLower(filepath.Ext(path)) {
	case ".xlsx":
		records, err = readXLSX(path)
	default:
		records, err = readCSV(path)
	}
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, eris.Errorf("tabular: %s has no header row", path)
	}
	return newTable(records[0], records[1:]), nil
}

func newTable(header []string, rows [][]string) *Table {
	t := &Table{colIdx: make(map[string]int, len(header))}
	for i, col := range header {
		col = strings.ToLower(strings.TrimSpace(strings.TrimPrefix(col, "\ufeff")))
		t.Header = append(t.Header, col)
		if _, dup := t.colIdx[col]; !dup {
			t.colIdx[col] = i
		}
	}
	for _, r := range rows {
		if isBlank(r) {
			continue
		}
		t.Rows = append(t.Rows, r)
	}
	return t
}

// Column returns the index of the first header matching one of the aliases.
func (t *Table) Column(aliases ...string) (int, bool) {
	for _, a := range aliases {
		if i, ok := t.colIdx[strings.ToLower(a)]; ok {
			return i, true
		}
	}
	return -1, false
}

// Get returns the trimmed cell of row under the first matching alias, or "".
func (t *Table) Get(row []string, aliases ...string) string {
	i, ok := t.Column(aliases...)
	if !ok || i >= len(row) {
		return ""
	}
	return strings.TrimSpace(row[i])
}

func readCSV(path string) ([][]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, eris.Wrap(err, "tabular: open csv")
	}
	defer f.Close()

	reader := csv.NewReader(f)
	reader.LazyQuotes = true
	reader.FieldsPerRecord = -1

	records, err := reader.ReadAll()
	if err != nil {
		return nil, eris.Wrap(err, "tabular: read csv")
	}
	return records, nil
}

func readXLSX(path string) ([][]string, error) {
	f, err := xlsx.OpenFile(path)
	if err != nil {
		return nil, eris.Wrap(err, "tabular: open xlsx")
	}
	if len(f.Sheets) == 0 {
		return nil, eris.Errorf("tabular: %s has no sheets", path)
	}

	sheet := f.Sheets[0]
	records := make([][]string, 0, len(sheet.Rows))
	for _, row := range sheet.Rows {
		if row == nil {
			continue
		}
		cells := make([]string, len(row.Cells))
		for j, cell := range row.Cells {
			cells[j] = cell.String()
		}
		records = append(records, cells)
	}
	return records, nil
}

// WriteCSV writes header and rows to path, replacing any existing file.
func WriteCSV(path string, header []string, rows [][]string) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return eris.Wrap(err, "tabular: create dir")
		}
	}
	f, err := os.Create(path)
	if err != nil {
		return eris.Wrap(err, "tabular: create csv")
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if err := w.Write(header); err != nil {
		return eris.Wrap(err, "tabular: write header")
	}
	if err := w.WriteAll(rows); err != nil {
		return eris.Wrap(err, "tabular: write rows")
	}
	return eris.Wrap(f.Sync(), "tabular: sync csv")
}

func isBlank(row []string) bool {
	for _, c := range row {
		if strings.TrimSpace(c) != "" {
			return false
		}
	}
	return true
}
