package config

import (
	"fmt"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/disambench/internal/inference"
	"github.com/sells-group/disambench/internal/prompt"
	"github.com/sells-group/disambench/internal/store"
)

// Command modes accepted by Validate.
const (
	ModePrepare  = "prepare"
	ModeSample   = "sample"
	ModeInfer    = "infer"
	ModeReplay   = "replay"
	ModeGold     = "gold"
	ModeEvaluate = "evaluate"
	ModeRuns     = "runs"
)

// Validate checks the settings a command mode depends on and reports every
// problem at once.
func (c *Config) Validate(mode string) error {
	var errs []string
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Sprintf(format, args...))
	}

	switch strings.ToLower(c.Store.Driver) {
	case "", store.DriverSQLite, store.DriverNone:
	case store.DriverPostgres:
		if c.Store.DatabaseURL == "" {
			add("store.database_url is required for the postgres driver")
		}
	default:
		add("store.driver %q is not one of sqlite, postgres, none", c.Store.Driver)
	}

	switch mode {
	case ModePrepare, ModeSample:
		if c.Inputs.Grouped == "" {
			add("inputs.grouped is required")
		}
		if c.Inputs.Disconnected == "" {
			add("inputs.disconnected is required")
		}
		if c.Sampling.Same < 0 || c.Sampling.Different < 0 {
			add("sampling.same and sampling.different must be >= 0")
		}
		if mode == ModePrepare {
			c.validatePrompt(add)
			if c.Inputs.Messages == "" {
				add("inputs.messages is required")
			}
			if c.Enrich.MaxChars < 0 || c.Enrich.MaxPagesPerCase < 0 {
				add("enrich.max_chars and enrich.max_pages_per_case must be >= 0")
			}
		}
	case ModeInfer:
		c.validateInference(add)
		if c.Inputs.Messages == "" {
			add("inputs.messages is required")
		}
		c.validateOutputs(add)
	case ModeReplay:
		c.validateOutputs(add)
	case ModeGold:
		if c.Outputs.GoldFile == "" {
			add("outputs.gold_file is required")
		}
	case ModeEvaluate:
		if c.Outputs.ResultsFile == "" {
			add("outputs.results_file is required")
		}
	case ModeRuns:
	default:
		add("unknown mode %q", mode)
	}

	if len(errs) > 0 {
		return eris.Errorf("config: %s", strings.Join(errs, "; "))
	}
	return nil
}

func (c *Config) validatePrompt(add func(string, ...any)) {
	switch prompt.Style(c.Prompt.Style) {
	case prompt.StyleChat, prompt.StyleCompletion:
	default:
		add("prompt.style %q is not one of chat, completion", c.Prompt.Style)
	}
	if c.Prompt.MaxTokens < 0 {
		add("prompt.max_tokens must be >= 0")
	}
}

func (c *Config) validateInference(add func(string, ...any)) {
	inf := c.Inference
	if !inference.KnownProvider(inf.Provider) {
		add("inference.provider %q is not one of %s", inf.Provider, strings.Join(inference.ProviderNames(), ", "))
	}
	if inf.Model == "" {
		add("inference.model is required")
	}
	if inf.TimeoutSecs <= 0 {
		add("inference.timeout_seconds must be > 0")
	}
	if inf.MaxRetries < 0 {
		add("inference.max_retries must be >= 0")
	}
	if inf.InitialBackoffMs < 0 || inf.MaxBackoffMs < 0 {
		add("inference backoff values must be >= 0")
	}
	if inf.Concurrency < 1 || inf.Concurrency > 64 {
		add("inference.concurrency must be between 1 and 64")
	}
	if inf.RequestsPerMinute < 0 {
		add("inference.requests_per_minute must be >= 0")
	}
	if inf.Temperature != nil && (*inf.Temperature < 0 || *inf.Temperature > 2) {
		add("inference.temperature must be between 0 and 2")
	}
	if inf.TopP != nil && (*inf.TopP <= 0 || *inf.TopP > 1) {
		add("inference.top_p must be in (0, 1]")
	}
	if inf.MaxTokens < 0 {
		add("inference.max_tokens must be >= 0")
	}
	if inf.CircuitThreshold < 0 {
		add("inference.circuit_threshold must be >= 0")
	}
}

func (c *Config) validateOutputs(add func(string, ...any)) {
	if c.Outputs.ResultsFile == "" {
		add("outputs.results_file is required")
	}
	if c.Outputs.RawResultsPath == "" {
		add("outputs.raw_results_path is required")
	}
}
