package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRunStatusValues(t *testing.T) {
	t.Parallel()

	tests := []struct {
		status RunStatus
		want   string
	}{
		{RunStatusRunning, "running"},
		{RunStatusComplete, "complete"},
		{RunStatusPartial, "partial"},
		{RunStatusFailed, "failed"},
		{RunStatusInterrupted, "interrupted"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, string(tt.status))
		})
	}
}

func TestRunFinished(t *testing.T) {
	t.Parallel()
	assert.False(t, Run{Status: RunStatusRunning}.Finished())
	assert.True(t, Run{Status: RunStatusPartial}.Finished())
}
