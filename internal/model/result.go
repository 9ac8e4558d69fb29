package model

import "time"

// Decision is the judgment extracted from a model response.
type Decision string

const (
	DecisionSame        Decision = "same"
	DecisionDifferent   Decision = "different"
	DecisionUnparseable Decision = "unparseable"
)

// Matches reports whether the decision agrees with a ground-truth label.
// Unparseable never matches.
func (d Decision) Matches(l Label) bool {
	return (d == DecisionSame && l == LabelSame) || (d == DecisionDifferent && l == LabelDifferent)
}

// ErrorKind classifies a failed inference.
type ErrorKind string

const (
	ErrorKindFatal     ErrorKind = "fatal"
	ErrorKindExhausted ErrorKind = "exhausted_retries"
	ErrorKindCanceled  ErrorKind = "canceled"
)

// Usage reports token consumption of one call.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	CacheWriteTokens int `json:"cache_write_tokens,omitempty"`
	CacheReadTokens  int `json:"cache_read_tokens,omitempty"`
}

// InferenceResult is one logical record per (case, model, provider) attempt
// in the results log.
type InferenceResult struct {
	CaseID      string    `json:"case_id"`
	Model       string    `json:"model"`
	Provider    string    `json:"provider"`
	Decision    Decision  `json:"decision,omitempty"`
	Confidence  *float64  `json:"confidence,omitempty"`
	Explanation string    `json:"explanation,omitempty"`
	Features    []string  `json:"features,omitempty"`
	LatencyMS   int64     `json:"latency_ms"`
	Timestamp   time.Time `json:"timestamp"`
	Attempts    int       `json:"attempts"`
	Usage       Usage     `json:"usage"`
	CostUSD     float64   `json:"cost_usd,omitempty"`
	RawRef      string    `json:"raw_ref,omitempty"`
	Error       string    `json:"error,omitempty"`
	ErrorKind   ErrorKind `json:"error_kind,omitempty"`
}

// Succeeded reports whether the record holds an accepted decision.
func (r InferenceResult) Succeeded() bool {
	return r.Error == "" && r.Decision != ""
}

// TripleKey identifies a (case, model, provider) triple.
func TripleKey(caseID, model, provider string) string {
	return caseID + "\x00" + model + "\x00" + provider
}
