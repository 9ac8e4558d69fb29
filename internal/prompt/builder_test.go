package prompt

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/disambench/internal/model"
)

type mapSource map[string]model.Entry

func (m mapSource) Lookup(id string) (model.Entry, bool) {
	e, ok := m[id]
	return e, ok
}

func testSource() mapSource {
	return mapSource{
		"A": {
			ID:          "A",
			Name:        "bwa",
			Description: []string{"Burrows-Wheeler Aligner for short reads <fast>"},
			Repository:  []model.Repository{{URL: "https://github.com/lh3/bwa", Kind: "github"}},
			Source:      []string{"biotools"},
		},
		"B": {
			ID:          "B",
			Name:        "BWA",
			Description: []string{"Aligner"},
			Webpage:     []string{"http://bio-bwa.sourceforge.net"},
			Authors:     []model.Author{{Name: "Heng Li"}},
			Publication: []json.RawMessage{json.RawMessage(`{"doi":"10.1093/bioinformatics/btp324"}`)},
			Source:      []string{"bioconda"},
		},
		"X":     {ID: "X", Name: "bwa-mem2"},
		"EMPTY": {ID: "EMPTY", Webpage: []string{"https://example.org"}},
	}
}

func newTestBuilder(t *testing.T, opts ...Option) *Builder {
	t.Helper()
	b, err := NewBuilder(testSource(), opts...)
	require.NoError(t, err)
	return b
}

func TestParseStyle(t *testing.T) {
	for in, want := range map[string]Style{
		"chat":       StyleChat,
		"":           StyleChat,
		"Completion": StyleCompletion,
		"flattened":  StyleCompletion,
	} {
		got, err := ParseStyle(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := ParseStyle("xml")
	assert.Error(t, err)
}

func TestRender_Chat(t *testing.T) {
	b := newTestBuilder(t)
	c := model.ConflictCase{ID: "case-1", EntryA: "A", EntryB: "B", Label: model.LabelSame}

	seq, err := b.Render(c, StyleChat)
	require.NoError(t, err)

	assert.Equal(t, "case-1", seq.CaseID)
	assert.Equal(t, "chat", seq.Style)
	require.Len(t, seq.Messages, 2)
	assert.Equal(t, model.RoleSystem, seq.Messages[0].Role)
	assert.Contains(t, seq.Messages[0].Content, `"Same", "Different", "Unclear"`)
	assert.Equal(t, model.RoleUser, seq.Messages[1].Role)

	user := seq.Messages[1].Content
	assert.Contains(t, user, "The first software metadata entry:\n```json\n{\n  \"id\": \"A\"")
	assert.Contains(t, user, "<fast>", "html must not be escaped")
	assert.Contains(t, user, "https://github.com/lh3/bwa")
	assert.Contains(t, user, "10.1093/bioinformatics/btp324")
	assert.Less(t, strings.Index(user, `"id": "A"`), strings.Index(user, `"id": "B"`))
	assert.True(t, strings.HasSuffix(user, "outside the object."))
}

func TestRender_Deterministic(t *testing.T) {
	b := newTestBuilder(t)
	c := model.ConflictCase{ID: "case-1", EntryA: "A", EntryB: "B"}
	pages := []Page{{URL: "https://github.com/lh3/bwa", Text: "BWA is a software package"}}

	for _, style := range []Style{StyleChat, StyleCompletion} {
		first, err := b.RenderWithContext(c, style, pages)
		require.NoError(t, err)
		second, err := b.RenderWithContext(c, style, pages)
		require.NoError(t, err)

		a, _ := json.Marshal(first)
		bb, _ := json.Marshal(second)
		assert.Equal(t, string(a), string(bb))
	}
}

func TestRender_Completion(t *testing.T) {
	b := newTestBuilder(t)
	seq, err := b.Render(model.ConflictCase{ID: "case-2", EntryA: "A", EntryB: "X"}, StyleCompletion)
	require.NoError(t, err)

	require.Len(t, seq.Messages, 1)
	content := seq.Messages[0].Content
	assert.True(t, strings.HasPrefix(content, "### System\n"))
	assert.Contains(t, content, "\n\n### User\nThe first software metadata entry")
	assert.True(t, strings.HasSuffix(content, "\n\n### Assistant"))
}

func TestRender_Context(t *testing.T) {
	b := newTestBuilder(t)
	seq, err := b.RenderWithContext(model.ConflictCase{ID: "c", EntryA: "A", EntryB: "B"}, StyleChat, []Page{
		{URL: "https://github.com/lh3/bwa", Text: "  BWA README  "},
		{URL: "http://bio-bwa.sourceforge.net", Text: ""},
	})
	require.NoError(t, err)

	user := seq.Messages[1].Content
	assert.Contains(t, user, "Content from https://github.com/lh3/bwa:\n```\nBWA README\n```")
	assert.NotContains(t, user, "Content from http://bio-bwa.sourceforge.net")
}

func TestRender_NFC(t *testing.T) {
	src := testSource()
	src["N"] = model.Entry{ID: "N", Name: "Cafe\u0301"}
	b, err := NewBuilder(src)
	require.NoError(t, err)

	seq, err := b.Render(model.ConflictCase{ID: "c", EntryA: "A", EntryB: "N"}, StyleChat)
	require.NoError(t, err)
	assert.Contains(t, seq.Messages[1].Content, "Caf\u00e9")
	assert.NotContains(t, seq.Messages[1].Content, "\u0301")
}

func TestRender_Errors(t *testing.T) {
	b := newTestBuilder(t)

	tests := []struct {
		name string
		c    model.ConflictCase
		want string
	}{
		{"unknown entry", model.ConflictCase{ID: "c1", EntryA: "A", EntryB: "Q"}, `entry "Q" not found`},
		{"no text", model.ConflictCase{ID: "c2", EntryA: "EMPTY", EntryB: "A"}, "neither name nor description"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := b.Render(tt.c, StyleChat)
			var re *RenderError
			require.ErrorAs(t, err, &re)
			assert.Equal(t, tt.c.ID, re.CaseID)
			assert.Contains(t, re.Reason, tt.want)
		})
	}

	_, err := b.Render(model.ConflictCase{ID: "c3", EntryA: "A", EntryB: "B"}, Style("xml"))
	var re *RenderError
	require.ErrorAs(t, err, &re)
}

func TestRender_TokenBudget(t *testing.T) {
	b := newTestBuilder(t, WithMaxTokens(50))
	_, err := b.Render(model.ConflictCase{ID: "big", EntryA: "A", EntryB: "B"}, StyleChat)
	var re *RenderError
	require.ErrorAs(t, err, &re)
	assert.Contains(t, re.Reason, "budget is 50")

	b = newTestBuilder(t, WithMaxTokens(100000))
	_, err = b.Render(model.ConflictCase{ID: "big", EntryA: "A", EntryB: "B"}, StyleChat)
	assert.NoError(t, err)
}

func TestLoadTemplates_Override(t *testing.T) {
	path := filepath.Join(t.TempDir(), "templates.yaml")
	require.NoError(t, os.WriteFile(path, []byte("prompt:\n  system: \"Judge. Options: {{len .Verdicts}}\"\n  final: \"Answer now.\"\n"), 0o644))

	tmpl, err := LoadTemplates(path)
	require.NoError(t, err)

	b := newTestBuilder(t, WithTemplates(tmpl))
	seq, err := b.Render(model.ConflictCase{ID: "c", EntryA: "A", EntryB: "B"}, StyleChat)
	require.NoError(t, err)
	assert.Equal(t, "Judge. Options: 3", seq.Messages[0].Content)
	assert.True(t, strings.HasSuffix(seq.Messages[1].Content, "Answer now."))
	assert.Contains(t, seq.Messages[1].Content, "The second software metadata entry")
}

func TestLoadTemplates_Errors(t *testing.T) {
	_, err := LoadTemplates(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("prompt:\n  system: \"{{.Nope\"\n"), 0o644))
	_, err = LoadTemplates(path)
	assert.Error(t, err)
}

func TestFlatten(t *testing.T) {
	got := Flatten([]model.Message{
		{Role: model.RoleSystem, Content: " sys "},
		{Role: "tool", Content: "t"},
	})
	assert.Equal(t, "### System\nsys\n\n### Tool\nt\n\n### Assistant", got)
}

func TestEstimateTokens(t *testing.T) {
	assert.Equal(t, 0, EstimateTokens(nil))
	assert.Equal(t, 1, EstimateTokens([]model.Message{{Content: "abc"}}))
	assert.Equal(t, 2, EstimateTokens([]model.Message{{Content: "abcd"}, {Content: "é"}}))
}
