package scorer

import (
	"sort"

	"github.com/sells-group/disambench/internal/model"
	"github.com/sells-group/disambench/internal/results"
)

// Outcome buckets for the confusion table.
const (
	OutcomeSame        = "same"
	OutcomeDifferent   = "different"
	OutcomeUnparseable = "unparseable"
	OutcomeFailed      = "failed"
)

// Metrics scores one (model, provider) against gold labels. Unparseable and
// failed results count as misses; gold cases without any result are listed
// in Missing and excluded from Accuracy.
type Metrics struct {
	Model       string `json:"model"`
	Provider    string `json:"provider"`
	GoldCases   int    `json:"gold_cases"`
	Evaluated   int    `json:"evaluated"`
	Correct     int    `json:"correct"`
	Unparseable int    `json:"unparseable"`
	Failed      int    `json:"failed"`

	Accuracy      float64 `json:"accuracy"`
	Coverage      float64 `json:"coverage"`
	SamePrecision float64 `json:"same_precision"`
	SameRecall    float64 `json:"same_recall"`
	SameF1        float64 `json:"same_f1"`

	// Confusion counts gold label -> outcome.
	Confusion map[model.Label]map[string]int `json:"confusion"`
	Missing   []string                       `json:"missing,omitempty"`
	// Extra counts results whose case has no gold label.
	Extra   int     `json:"extra"`
	CostUSD float64 `json:"cost_usd"`
}

// Evaluate scores every (model, provider) present in recs. Only the last
// record per triple is used. Output is sorted by model then provider.
func Evaluate(gold map[string]GoldLabel, recs []model.InferenceResult) []Metrics {
	byTarget := make(map[[2]string]map[string]model.InferenceResult)
	for _, r := range results.Latest(recs) {
		key := [2]string{r.Model, r.Provider}
		if byTarget[key] == nil {
			byTarget[key] = make(map[string]model.InferenceResult)
		}
		byTarget[key][r.CaseID] = r
	}

	keys := make([][2]string, 0, len(byTarget))
	for k := range byTarget {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i][0] != keys[j][0] {
			return keys[i][0] < keys[j][0]
		}
		return keys[i][1] < keys[j][1]
	})

	out := make([]Metrics, 0, len(keys))
	for _, k := range keys {
		out = append(out, score(k[0], k[1], gold, byTarget[k]))
	}
	return out
}

func score(modelName, provider string, gold map[string]GoldLabel, byCase map[string]model.InferenceResult) Metrics {
	m := Metrics{
		Model:     modelName,
		Provider:  provider,
		Confusion: map[model.Label]map[string]int{
			model.LabelSame:      {},
			model.LabelDifferent: {},
		},
	}

	var tp, fp, fn int
	for id, g := range gold {
		label, ok := model.ParseLabel(string(g.Label))
		if !ok {
			continue
		}
		g.Label = label
		m.GoldCases++

		r, ok := byCase[id]
		if !ok {
			m.Missing = append(m.Missing, id)
			continue
		}
		m.Evaluated++
		m.CostUSD += r.CostUSD

		outcome := outcomeOf(r)
		m.Confusion[g.Label][outcome]++
		switch outcome {
		case OutcomeUnparseable:
			m.Unparseable++
		case OutcomeFailed:
			m.Failed++
		}

		if r.Decision.Matches(g.Label) {
			m.Correct++
		}
		predSame := outcome == OutcomeSame
		goldSame := g.Label == model.LabelSame
		switch {
		case predSame && goldSame:
			tp++
		case predSame && !goldSame:
			fp++
		case !predSame && goldSame:
			fn++
		}
	}
	for id, r := range byCase {
		if _, ok := gold[id]; !ok {
			m.Extra++
			m.CostUSD += r.CostUSD
		}
	}
	sort.Strings(m.Missing)

	m.Accuracy = ratio(m.Correct, m.Evaluated)
	m.Coverage = ratio(m.Evaluated, m.GoldCases)
	m.SamePrecision = ratio(tp, tp+fp)
	m.SameRecall = ratio(tp, tp+fn)
	if p, r := m.SamePrecision, m.SameRecall; p+r > 0 {
		m.SameF1 = 2 * p * r / (p + r)
	}
	return m
}

func outcomeOf(r model.InferenceResult) string {
	switch {
	case r.Error != "":
		return OutcomeFailed
	case r.Decision == model.DecisionSame:
		return OutcomeSame
	case r.Decision == model.DecisionDifferent:
		return OutcomeDifferent
	default:
		return OutcomeUnparseable
	}
}

func ratio(n, d int) float64 {
	if d == 0 {
		return 0
	}
	return float64(n) / float64(d)
}
