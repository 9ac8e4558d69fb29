package prompt

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/disambench/internal/model"
)

func testRecord(id string) Record {
	return Record{
		CaseID: id,
		Label:  model.LabelSame,
		EntryA: "A",
		EntryB: "B",
		Style:  string(StyleChat),
		Messages: []model.Message{
			{Role: model.RoleSystem, Content: "sys"},
			{Role: model.RoleUser, Content: "user"},
		},
	}
}

func TestLog_AppendIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out", "messages.jsonl")

	l, err := OpenLog(path)
	require.NoError(t, err)

	wrote, err := l.Append(testRecord("case-1"))
	require.NoError(t, err)
	assert.True(t, wrote)

	wrote, err = l.Append(testRecord("case-1"))
	require.NoError(t, err)
	assert.False(t, wrote)
	require.NoError(t, l.Close())

	// A re-opened log still knows the existing ids.
	l, err = OpenLog(path)
	require.NoError(t, err)
	assert.True(t, l.Has("case-1"))
	wrote, err = l.Append(testRecord("case-1"))
	require.NoError(t, err)
	assert.False(t, wrote)
	wrote, err = l.Append(testRecord("case-2"))
	require.NoError(t, err)
	assert.True(t, wrote)
	assert.Equal(t, 2, l.Len())
	require.NoError(t, l.Close())

	records, err := ReadLog(path)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, testRecord("case-1"), records[0])
	assert.Equal(t, "case-2", records[1].Sequence().CaseID)
}

func TestReadLog_LegacyAndBadLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "messages.jsonl")
	body := `{"k1": [{"role": "user", "content": "hello"}]}
{"k2": "### System\nsys\n\n### Assistant"}
not json

{"a": 1, "b": 2}
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))

	records, err := ReadLog(path)
	require.NoError(t, err)
	require.Len(t, records, 2)

	assert.Equal(t, "k1", records[0].CaseID)
	assert.Equal(t, string(StyleChat), records[0].Style)
	assert.Equal(t, "hello", records[0].Messages[0].Content)

	assert.Equal(t, "k2", records[1].CaseID)
	assert.Equal(t, string(StyleCompletion), records[1].Style)
	require.Len(t, records[1].Messages, 1)
	assert.Equal(t, model.RoleUser, records[1].Messages[0].Role)
}

func TestReadLog_Missing(t *testing.T) {
	_, err := ReadLog(filepath.Join(t.TempDir(), "nope.jsonl"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestNewRecord(t *testing.T) {
	c := model.ConflictCase{ID: "case-9", EntryA: "A", EntryB: "X", Label: model.LabelDifferent}
	seq := model.MessageSequence{CaseID: "case-9", Style: "completion", Messages: []model.Message{{Role: "user", Content: "x"}}}

	rec := NewRecord(c, seq)
	assert.Equal(t, model.LabelDifferent, rec.Label)
	assert.Equal(t, "X", rec.EntryB)
	assert.Equal(t, seq, rec.Sequence())
}
