package tabular

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tealeg/xlsx/v2"
)

func createTestXLSX(t *testing.T, rows [][]string) string {
	t.Helper()
	f := xlsx.NewFile()
	sheet, err := f.AddSheet("cases")
	require.NoError(t, err)
	for _, rowData := range rows {
		row := sheet.AddRow()
		for _, cellData := range rowData {
			cell := row.AddCell()
			cell.SetString(cellData)
		}
	}
	path := filepath.Join(t.TempDir(), "cases.xlsx")
	require.NoError(t, f.Save(path))
	return path
}

func TestRead_CSV(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cases.csv")
	body := "\ufeffEntry_ID, entry_1_id ,entry_2_id\ncase-1,A,B\n,,\ncase-2,A,X\n"
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))

	tbl, err := Read(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"entry_id", "entry_1_id", "entry_2_id"}, tbl.Header)
	require.Len(t, tbl.Rows, 2)
	assert.Equal(t, "case-2", tbl.Get(tbl.Rows[1], "case_id", "entry_id"))
	assert.Equal(t, "X", tbl.Get(tbl.Rows[1], "ENTRY_2_ID"))
	assert.Equal(t, "", tbl.Get(tbl.Rows[1], "label"))

	_, ok := tbl.Column("label", "ground_truth")
	assert.False(t, ok)
}

func TestRead_XLSX(t *testing.T) {
	path := createTestXLSX(t, [][]string{
		{"case_id", "entry_a", "entry_b", "label"},
		{"case-1", "A", "B", "same"},
	})

	tbl, err := Read(path)
	require.NoError(t, err)
	require.Len(t, tbl.Rows, 1)
	assert.Equal(t, "same", tbl.Get(tbl.Rows[0], "label"))
}

func TestRead_Errors(t *testing.T) {
	_, err := Read(filepath.Join(t.TempDir(), "missing.csv"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "open csv")

	empty := filepath.Join(t.TempDir(), "empty.csv")
	require.NoError(t, os.WriteFile(empty, nil, 0o644))
	_, err = Read(empty)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no header row")
}

func TestWriteCSV_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out", "manifest.csv")
	require.NoError(t, WriteCSV(path, []string{"case_id", "label"}, [][]string{{"c1", "same"}, {"c2", "different"}}))

	tbl, err := Read(path)
	require.NoError(t, err)
	require.Len(t, tbl.Rows, 2)
	assert.Equal(t, "different", tbl.Get(tbl.Rows[1], "label"))
}
