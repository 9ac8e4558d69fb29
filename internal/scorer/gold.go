// Package scorer turns human annotations into gold labels and scores
// results logs against them.
package scorer

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/disambench/internal/model"
	"github.com/sells-group/disambench/internal/tabular"
)

// GoldLabel is the reference judgment for one case.
type GoldLabel struct {
	CaseID      string      `json:"case_id"`
	Label       model.Label `json:"label"`
	Confidence  *float64    `json:"confidence,omitempty"`
	Explanation string      `json:"explanation,omitempty"`
}

var (
	goldCaseColumns        = []string{"entry_id", "case_id", "id"}
	goldDecisionColumns    = []string{"human_decision", "decision", "verdict", "label"}
	goldConfidenceColumns  = []string{"human_confidence", "confidence"}
	goldExplanationColumns = []string{"human_rationale", "rationale", "explanation"}
)

// GoldFromTable converts an annotation sheet into gold labels. Rows without
// a recognisable decision are skipped with a warning; a sheet missing the
// id or decision column is an error.
func GoldFromTable(tbl *tabular.Table) ([]GoldLabel, error) {
	if _, ok := tbl.Column(goldCaseColumns...); !ok {
		return nil, eris.Errorf("scorer: annotation sheet lacks an %q column", goldCaseColumns[0])
	}
	if _, ok := tbl.Column(goldDecisionColumns...); !ok {
		return nil, eris.Errorf("scorer: annotation sheet lacks a %q column", goldDecisionColumns[0])
	}

	labels := make([]GoldLabel, 0, len(tbl.Rows))
	for i, r := range tbl.Rows {
		id := tbl.Get(r, goldCaseColumns...)
		raw := tbl.Get(r, goldDecisionColumns...)
		label, ok := model.ParseLabel(raw)
		if id == "" || !ok {
			zap.L().Warn("scorer: skipping annotation row",
				zap.Int("row", i+2),
				zap.String("case_id", id),
				zap.String("decision", raw),
			)
			continue
		}
		labels = append(labels, GoldLabel{
			CaseID:      id,
			Label:       label,
			Confidence:  parseConfidence(tbl.Get(r, goldConfidenceColumns...)),
			Explanation: tbl.Get(r, goldExplanationColumns...),
		})
	}
	return labels, nil
}

// GoldFromCases uses the sampling labels of cases as gold.
func GoldFromCases(cases []model.ConflictCase) []GoldLabel {
	labels := make([]GoldLabel, 0, len(cases))
	for _, c := range cases {
		if c.Label == "" {
			continue
		}
		labels = append(labels, GoldLabel{CaseID: c.ID, Label: c.Label})
	}
	return labels
}

// parseConfidence accepts 0.8, 80, "80%" and the words high/medium/low.
func parseConfidence(s string) *float64 {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return nil
	}
	words := map[string]float64{"high": 0.9, "medium": 0.6, "low": 0.3}
	if v, ok := words[s]; ok {
		return &v
	}
	pct := strings.HasSuffix(s, "%")
	v, err := strconv.ParseFloat(strings.TrimSuffix(s, "%"), 64)
	if err != nil || math.IsNaN(v) {
		return nil
	}
	if pct || v > 1 {
		v /= 100
	}
	if v < 0 || v > 1 {
		return nil
	}
	return &v
}

// WriteGold writes labels as JSONL, one label per line.
func WriteGold(path string, labels []GoldLabel) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return eris.Wrap(err, "scorer: create gold dir")
		}
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, l := range labels {
		if err := enc.Encode(l); err != nil {
			return eris.Wrapf(err, "scorer: encode gold %s", l.CaseID)
		}
	}
	return eris.Wrap(os.WriteFile(path, buf.Bytes(), 0o644), "scorer: write gold")
}

// ReadGold loads gold labels. It accepts flat records and the keyed form
// {"<case_id>": {"verdict": ..., "confidence": ..., "explanation": ...}}.
// A later line for the same case replaces an earlier one.
func ReadGold(path string) (map[string]GoldLabel, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, eris.Wrap(err, "scorer: open gold")
	}
	defer f.Close() //nolint:errcheck

	gold := make(map[string]GoldLabel)
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 16<<20)
	line := 0
	for sc.Scan() {
		line++
		b := bytes.TrimSpace(sc.Bytes())
		if len(b) == 0 {
			continue
		}
		labels, err := decodeGoldLine(b)
		if err != nil {
			return nil, eris.Wrapf(err, "scorer: %s line %d", path, line)
		}
		for _, l := range labels {
			gold[l.CaseID] = l
		}
	}
	return gold, eris.Wrap(sc.Err(), "scorer: scan gold")
}

func decodeGoldLine(b []byte) ([]GoldLabel, error) {
	var flat GoldLabel
	if err := json.Unmarshal(b, &flat); err == nil && flat.CaseID != "" {
		label, ok := model.ParseLabel(string(flat.Label))
		if !ok {
			return nil, fmt.Errorf("case %s has unknown label %q", flat.CaseID, flat.Label)
		}
		flat.Label = label
		return []GoldLabel{flat}, nil
	}

	var keyed map[string]struct {
		Verdict     string          `json:"verdict"`
		Confidence  json.RawMessage `json:"confidence"`
		Explanation string          `json:"explanation"`
	}
	if err := json.Unmarshal(b, &keyed); err != nil {
		return nil, err
	}
	if len(keyed) == 0 {
		return nil, errors.New("empty gold record")
	}
	ids := make([]string, 0, len(keyed))
	for id := range keyed {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	out := make([]GoldLabel, 0, len(keyed))
	for _, id := range ids {
		v := keyed[id]
		label, ok := model.ParseLabel(v.Verdict)
		if !ok {
			return nil, fmt.Errorf("case %s has unknown verdict %q", id, v.Verdict)
		}
		out = append(out, GoldLabel{
			CaseID:      id,
			Label:       label,
			Confidence:  parseConfidence(strings.Trim(string(v.Confidence), `"`)),
			Explanation: v.Explanation,
		})
	}
	return out, nil
}
