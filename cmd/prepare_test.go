package main

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/sells-group/disambench/internal/config"
	"github.com/sells-group/disambench/internal/model"
	"github.com/sells-group/disambench/internal/prompt"
)

func TestEnrichOptions(t *testing.T) {
	opts := enrichOptions(config.EnrichConfig{
		UserAgent:       "bench/2",
		TimeoutSecs:     15,
		MaxRetries:      2,
		MaxChars:        1000,
		MaxPagesPerCase: 3,
		CacheTTLHours:   48,
		PerHostPerMin:   30,
	})
	assert.Equal(t, "bench/2", opts.UserAgent)
	assert.Equal(t, 15*time.Second, opts.Timeout)
	assert.Equal(t, 48*time.Hour, opts.CacheTTL)
	assert.Equal(t, 3, opts.MaxPagesPerCase)
	assert.InDelta(t, 30.0, opts.PerHostPerMin, 1e-9)
}

func TestCaseFromRecord(t *testing.T) {
	c := caseFromRecord(prompt.Record{CaseID: "c1", EntryA: "a", EntryB: "b", Label: model.LabelDifferent, Style: "chat"})
	assert.Equal(t, model.ConflictCase{ID: "c1", EntryA: "a", EntryB: "b", Label: model.LabelDifferent}, c)
}

func TestCountLabels(t *testing.T) {
	same, different := countLabels([]model.ConflictCase{
		{Label: model.LabelSame},
		{Label: model.LabelDifferent},
		{Label: model.LabelDifferent},
	})
	assert.Equal(t, 1, same)
	assert.Equal(t, 2, different)
}
