package main

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/disambench/internal/model"
	"github.com/sells-group/disambench/internal/prompt"
	"github.com/sells-group/disambench/internal/store"
)

func TestRunStatus(t *testing.T) {
	tests := []struct {
		name    string
		summary model.RunSummary
		err     error
		want    model.RunStatus
	}{
		{"clean", model.RunSummary{Attempted: 3, Succeeded: 3}, nil, model.RunStatusComplete},
		{"partial", model.RunSummary{Attempted: 3, Failed: 1}, nil, model.RunStatusPartial},
		{"interrupted", model.RunSummary{}, eris.Wrap(context.Canceled, "inference: run interrupted"), model.RunStatusInterrupted},
		{"failed", model.RunSummary{}, errors.New("boom"), model.RunStatusFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, runStatus(tt.summary, tt.err))
		})
	}
}

func TestSequencesOf(t *testing.T) {
	recs := []prompt.Record{
		{CaseID: "c1", Style: "chat", Messages: []model.Message{{Role: model.RoleUser, Content: "a"}}},
		{CaseID: "c2", Style: "chat"},
		{CaseID: "c3", Style: "completion"},
	}

	all := sequencesOf(recs, 0)
	require.Len(t, all, 3)
	assert.Equal(t, "c1", all[0].CaseID)
	assert.Equal(t, "a", all[0].Messages[0].Content)

	limited := sequencesOf(recs, 2)
	require.Len(t, limited, 2)
	assert.Equal(t, "c2", limited[1].CaseID)
}

func TestResultCollector(t *testing.T) {
	var c resultCollector
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.add(model.InferenceResult{CaseID: "c"})
		}()
	}
	wg.Wait()

	assert.Len(t, c.drain(), 20)
	assert.Empty(t, c.drain())
}

func TestFinishRun(t *testing.T) {
	ctx := context.Background()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "runs.db"))
	require.NoError(t, err)
	defer st.Close() //nolint:errcheck
	require.NoError(t, st.Migrate(ctx))

	run, err := st.CreateRun(ctx, model.Run{Provider: "together", Model: "m"})
	require.NoError(t, err)

	recs := []model.InferenceResult{
		{CaseID: "c1", Model: "m", Provider: "together", Decision: model.DecisionSame},
		{CaseID: "c2", Model: "m", Provider: "together", Decision: model.DecisionUnparseable},
		{CaseID: "c3", Model: "m", Provider: "together", Error: "timeout", ErrorKind: model.ErrorKindExhausted},
	}
	summary := model.RunSummary{Attempted: 3, Succeeded: 1, Unparseable: 1, Failed: 1}
	require.NoError(t, finishRun(ctx, st, run.ID, summary, nil, recs))

	got, err := st.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusPartial, got.Status)
	require.NotNil(t, got.Summary)
	assert.Equal(t, 3, got.Summary.Attempted)

	counts, err := st.DecisionCounts(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, counts["same"])
	assert.Equal(t, 1, counts["unparseable"])
	assert.Equal(t, 1, counts["error:exhausted_retries"])
}

func TestFinishRun_UnknownRun(t *testing.T) {
	ctx := context.Background()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "runs.db"))
	require.NoError(t, err)
	defer st.Close() //nolint:errcheck
	require.NoError(t, st.Migrate(ctx))

	err = finishRun(ctx, st, "missing", model.RunSummary{}, nil, nil)
	assert.ErrorIs(t, err, store.ErrNotFound)
}
