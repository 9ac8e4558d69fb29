package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/disambench/internal/model"
)

func TestGoldFromSheet(t *testing.T) {
	path := filepath.Join(t.TempDir(), "annotations.csv")
	sheet := "entry_id,human_decision,human_confidence,human_rationale\n" +
		"c1,Same,high,same repository\n" +
		"c2,different,80%,distinct authors\n" +
		"c3,,,\n"
	require.NoError(t, os.WriteFile(path, []byte(sheet), 0o600))

	labels, err := goldFromSheet(path)
	require.NoError(t, err)
	require.Len(t, labels, 2)
	assert.Equal(t, "c1", labels[0].CaseID)
	assert.Equal(t, model.LabelSame, labels[0].Label)
	require.NotNil(t, labels[1].Confidence)
	assert.InDelta(t, 0.8, *labels[1].Confidence, 1e-9)
}

func TestGoldFromMessages(t *testing.T) {
	path := filepath.Join(t.TempDir(), "messages.jsonl")
	writeMessages(t, path,
		model.ConflictCase{ID: "c1", EntryA: "a", EntryB: "b", Label: model.LabelSame},
		model.ConflictCase{ID: "c2", EntryA: "a", EntryB: "c"},
	)

	labels, err := goldFromMessages(path)
	require.NoError(t, err)
	require.Len(t, labels, 1)
	assert.Equal(t, "c1", labels[0].CaseID)
}

func TestGoldFromMessages_MissingLog(t *testing.T) {
	_, err := goldFromMessages(filepath.Join(t.TempDir(), "absent.jsonl"))
	assert.Error(t, err)
}
