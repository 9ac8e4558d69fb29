package model

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeInstance_LooseFields(t *testing.T) {
	t.Parallel()

	raw := `{
		"_id": "bt-1",
		"data": {
			"name": "samtools",
			"description": "Tools for SAM files",
			"repository": [{"url": "https://github.com/samtools/samtools", "kind": "github"}, "https://sourceforge.net/projects/samtools"],
			"webpage": "http://www.htslib.org",
			"license": ["MIT", {"name": "BSD", "url": "https://opensource.org/licenses/BSD-3-Clause"}],
			"authors": [{"name": "Heng Li", "type": "person"}, "Bob"],
			"publication": [{"doi":  "10.1093/bioinformatics/btp352"}],
			"source": ["biotools"]
		}
	}`
	var in Instance
	require.NoError(t, json.Unmarshal([]byte(raw), &in))

	e, err := DecodeInstance(in)
	require.NoError(t, err)

	assert.Equal(t, "bt-1", e.ID)
	assert.Equal(t, "samtools", e.Name)
	assert.Equal(t, []string{"Tools for SAM files"}, e.Description)
	require.Len(t, e.Repository, 2)
	assert.Equal(t, "github", e.Repository[0].Kind)
	assert.Equal(t, "https://sourceforge.net/projects/samtools", e.Repository[1].URL)
	assert.Equal(t, []string{"http://www.htslib.org"}, e.Webpage)
	assert.Equal(t, []License{{Name: "MIT"}, {Name: "BSD", URL: "https://opensource.org/licenses/BSD-3-Clause"}}, e.License)
	assert.Equal(t, []Author{{Name: "Heng Li", Type: "person"}, {Name: "Bob"}}, e.Authors)
	require.Len(t, e.Publication, 1)
	assert.JSONEq(t, `{"doi":"10.1093/bioinformatics/btp352"}`, string(e.Publication[0]))
	assert.Equal(t, `{"doi":"10.1093/bioinformatics/btp352"}`, string(e.Publication[0]))
}

func TestDecodeInstance_NullData(t *testing.T) {
	t.Parallel()

	e, err := DecodeInstance(Instance{ID: " x ", Data: json.RawMessage("null")})
	require.NoError(t, err)
	assert.Equal(t, "x", e.ID)
	assert.False(t, e.HasText())
}

func TestEntry_HasText(t *testing.T) {
	t.Parallel()

	assert.True(t, Entry{Name: "bwa"}.HasText())
	assert.True(t, Entry{Description: []string{"", "aligner"}}.HasText())
	assert.False(t, Entry{Name: "  ", Description: []string{" "}}.HasText())
}

func TestEntry_URLs(t *testing.T) {
	t.Parallel()

	e := Entry{
		Webpage:    []string{"https://a.org", " ", "https://a.org"},
		Repository: []Repository{{URL: "https://github.com/a/a"}, {URL: "https://a.org"}},
	}
	assert.Equal(t, []string{"https://a.org", "https://github.com/a/a"}, e.URLs())
}

func TestEntry_Equal(t *testing.T) {
	t.Parallel()

	a := Entry{ID: "1", Name: "bwa", Source: []string{"bioconda"}}
	b := a
	assert.True(t, a.Equal(b))
	b.Name = "bwa-mem"
	assert.False(t, a.Equal(b))
}

func TestParseLabel(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want Label
		ok   bool
	}{
		{"same", LabelSame, true},
		{" Same software ", LabelSame, true},
		{"different", LabelDifferent, true},
		{"Distinct", LabelDifferent, true},
		{"unclear", "", false},
		{"", "", false},
	}
	for _, tt := range tests {
		got, ok := ParseLabel(tt.in)
		assert.Equal(t, tt.ok, ok, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}
}

func TestCaseID_OrderIndependent(t *testing.T) {
	t.Parallel()

	id := CaseID("A", "B", LabelSame)
	assert.Equal(t, id, CaseID("B", "A", LabelSame))
	assert.NotEqual(t, id, CaseID("A", "B", LabelDifferent))
	assert.NotEqual(t, id, CaseID("A", "C", LabelSame))
	assert.Len(t, id, len("case-")+16)
	assert.Equal(t, PairKey("A", "B"), PairKey("B", "A"))
}

func TestDecision_Matches(t *testing.T) {
	t.Parallel()

	assert.True(t, DecisionSame.Matches(LabelSame))
	assert.True(t, DecisionDifferent.Matches(LabelDifferent))
	assert.False(t, DecisionSame.Matches(LabelDifferent))
	assert.False(t, DecisionUnparseable.Matches(LabelSame))
}

func TestInferenceResult_Succeeded(t *testing.T) {
	t.Parallel()

	assert.True(t, InferenceResult{Decision: DecisionUnparseable}.Succeeded())
	assert.False(t, InferenceResult{Decision: DecisionSame, Error: "boom"}.Succeeded())
	assert.False(t, InferenceResult{}.Succeeded())
}
