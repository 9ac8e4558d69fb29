package model

import "time"

// RunStatus represents the current state of an inference run.
type RunStatus string

const (
	RunStatusRunning     RunStatus = "running"
	RunStatusComplete    RunStatus = "complete"
	RunStatusPartial     RunStatus = "partial" // finished with per-case failures
	RunStatusFailed      RunStatus = "failed"
	RunStatusInterrupted RunStatus = "interrupted"
)

// RunSummary counts the outcomes of one run.
type RunSummary struct {
	Attempted   int     `json:"attempted"`
	Succeeded   int     `json:"succeeded"`
	Failed      int     `json:"failed"`
	Unparseable int     `json:"unparseable"`
	Skipped     int     `json:"skipped"`
	CostUSD     float64 `json:"cost_usd"`
	DurationMS  int64   `json:"duration_ms"`
}

// Run is one `infer` invocation recorded in the run ledger.
type Run struct {
	ID           string      `json:"id"`
	Provider     string      `json:"provider"`
	Model        string      `json:"model"`
	MessagesFile string      `json:"messages_file"`
	ResultsFile  string      `json:"results_file"`
	Status       RunStatus   `json:"status"`
	Summary      *RunSummary `json:"summary,omitempty"`
	Error        string      `json:"error,omitempty"`
	CreatedAt    time.Time   `json:"created_at"`
	UpdatedAt    time.Time   `json:"updated_at"`
}

// Finished reports whether the run reached a terminal status.
func (r Run) Finished() bool {
	return r.Status != RunStatusRunning
}
