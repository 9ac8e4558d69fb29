package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/disambench/internal/inference"
	"github.com/sells-group/disambench/internal/model"
)

func TestGroupByTarget(t *testing.T) {
	recs := []model.InferenceResult{
		{CaseID: "c1", Model: "b", Provider: "together"},
		{CaseID: "c1", Model: "a", Provider: "together"},
		{CaseID: "c2", Model: "b", Provider: "together"},
		{CaseID: "c1", Model: "z", Provider: "anthropic"},
	}

	groups := groupByTarget(recs)
	require.Len(t, groups, 3)
	assert.Equal(t, inference.Target{Model: "z", Provider: "anthropic"}, groups[0].target)
	assert.Equal(t, inference.Target{Model: "a", Provider: "together"}, groups[1].target)
	assert.Equal(t, inference.Target{Model: "b", Provider: "together"}, groups[2].target)
	assert.Len(t, groups[2].recs, 2)
}

func TestSummarize(t *testing.T) {
	s := summarize([]model.InferenceResult{
		{Decision: model.DecisionSame, CostUSD: 0.01},
		{Decision: model.DecisionDifferent, CostUSD: 0.02},
		{Decision: model.DecisionUnparseable, CostUSD: 0.01},
		{Error: "status 400", ErrorKind: model.ErrorKindFatal},
	})
	assert.Equal(t, 4, s.Attempted)
	assert.Equal(t, 2, s.Succeeded)
	assert.Equal(t, 1, s.Unparseable)
	assert.Equal(t, 1, s.Failed)
	assert.InDelta(t, 0.04, s.CostUSD, 1e-9)
}
