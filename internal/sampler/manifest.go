package sampler

import (
	"fmt"

	"github.com/rotisserie/eris"

	"github.com/sells-group/disambench/internal/model"
	"github.com/sells-group/disambench/internal/tabular"
)

// ManifestRow is one evaluation case of a fixed manifest.
type ManifestRow struct {
	CaseID string
	EntryA string
	EntryB string
	Label  model.Label // empty when the manifest carries no label
}

var (
	caseIDColumns = []string{"case_id", "entry_id", "id"}
	entryAColumns = []string{"entry_a", "entry_1_id", "entry_a_id", "a"}
	entryBColumns = []string{"entry_b", "entry_2_id", "entry_b_id", "b"}
	labelColumns  = []string{"label", "ground_truth", "expected"}
)

// ReadManifest loads an evaluation-case manifest from a CSV or XLSX file.
func ReadManifest(path string) ([]ManifestRow, error) {
	tbl, err := tabular.Read(path)
	if err != nil {
		return nil, eris.Wrap(err, "sampler: read manifest")
	}
	for _, cols := range [][]string{entryAColumns, entryBColumns} {
		if _, ok := tbl.Column(cols...); !ok {
			return nil, eris.Errorf("sampler: manifest %s lacks a %q column", path, cols[0])
		}
	}

	rows := make([]ManifestRow, 0, len(tbl.Rows))
	for i, r := range tbl.Rows {
		row := ManifestRow{
			CaseID: tbl.Get(r, caseIDColumns...),
			EntryA: tbl.Get(r, entryAColumns...),
			EntryB: tbl.Get(r, entryBColumns...),
		}
		if row.EntryA == "" || row.EntryB == "" {
			return nil, &SamplingError{CaseID: row.CaseID, Reason: fmt.Sprintf("manifest row %d has an empty entry id", i+2)}
		}
		if raw := tbl.Get(r, labelColumns...); raw != "" {
			label, ok := model.ParseLabel(raw)
			if !ok {
				return nil, &SamplingError{CaseID: row.CaseID, Reason: fmt.Sprintf("manifest row %d has unknown label %q", i+2, raw)}
			}
			row.Label = label
		}
		rows = append(rows, row)
	}
	return rows, nil
}

// WriteManifest freezes sampled cases into a CSV manifest that FromManifest
// can replay.
func WriteManifest(path string, cases []model.ConflictCase) error {
	rows := make([][]string, 0, len(cases))
	for _, c := range cases {
		rows = append(rows, []string{c.ID, c.EntryA, c.EntryB, string(c.Label), string(c.Origin)})
	}
	return eris.Wrap(
		tabular.WriteCSV(path, []string{"case_id", "entry_a", "entry_b", "label", "origin"}, rows),
		"sampler: write manifest",
	)
}
