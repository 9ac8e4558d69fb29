package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/disambench/internal/config"
	"github.com/sells-group/disambench/internal/cost"
	"github.com/sells-group/disambench/internal/inference"
	"github.com/sells-group/disambench/internal/model"
	"github.com/sells-group/disambench/internal/prompt"
	"github.com/sells-group/disambench/internal/resilience"
	"github.com/sells-group/disambench/internal/results"
	"github.com/sells-group/disambench/internal/store"
)

var inferCmd = &cobra.Command{
	Use:   "infer",
	Short: "Send prepared prompts to a model and record the answers",
	Long: "Reads the message log and submits every case that has no result yet for the " +
		"configured model and provider. Raw responses are stored before they are parsed, " +
		"results are appended to the results log, and the run is recorded in the store. " +
		"Exits with status 2 when some cases failed.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		if err := applyInferFlags(cmd); err != nil {
			return err
		}
		if err := cfg.Validate(config.ModeInfer); err != nil {
			return err
		}
		inf := cfg.Inference

		provider, err := buildProvider(inf.Provider)
		if err != nil {
			return err
		}

		recs, err := prompt.ReadLog(cfg.Inputs.Messages)
		if err != nil {
			return eris.Wrap(err, "infer: read messages")
		}
		limit, _ := cmd.Flags().GetInt("limit")
		seqs := sequencesOf(recs, limit)
		if len(seqs) == 0 {
			fmt.Fprintln(os.Stderr, "No prepared cases found; run prepare first.")
			return nil
		}

		raw, err := results.NewRawStore(cfg.Outputs.RawResultsPath)
		if err != nil {
			return err
		}
		resLog, err := results.OpenLog(cfg.Outputs.ResultsFile, raw)
		if err != nil {
			return err
		}
		defer resLog.Close() //nolint:errcheck

		client := inference.NewClient([]inference.Provider{provider}, raw,
			inference.WithTimeout(time.Duration(inf.TimeoutSecs)*time.Second),
			inference.WithRetry(resilience.FromRetryConfig(inf.MaxRetries, inf.InitialBackoffMs, inf.MaxBackoffMs)),
			inference.WithParams(inference.Params{
				Temperature: inf.Temperature,
				TopP:        inf.TopP,
				MaxTokens:   inf.MaxTokens,
			}),
			inference.WithParser(newParser()),
			inference.WithCalculator(cost.NewCalculator(cfg.Rates())),
			inference.WithLimiters(resilience.NewLimiters(inf.RequestsPerMinute, 1)),
		)

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer closeStore(st)

		run, err := st.CreateRun(ctx, model.Run{
			Provider:     inf.Provider,
			Model:        inf.Model,
			MessagesFile: cfg.Inputs.Messages,
			ResultsFile:  cfg.Outputs.ResultsFile,
		})
		if err != nil {
			return eris.Wrap(err, "infer: create run")
		}

		var collector resultCollector
		runner := inference.NewRunner(client, resLog,
			inference.WithConcurrency(inf.Concurrency),
			inference.WithBreakers(resilience.NewBreakers(
				resilience.FromCircuitConfig(inf.CircuitThreshold, inf.CircuitCooldownSecs),
			)),
			inference.WithResultHook(collector.add),
		)

		target := inference.Target{Model: inf.Model, Provider: inf.Provider}
		summary, runErr := runner.Run(ctx, seqs, target)

		// The caller's context may already be canceled; bookkeeping still runs.
		finishCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
		defer cancel()
		if err := finishRun(finishCtx, st, run.ID, summary, runErr, collector.drain()); err != nil {
			zap.L().Error("recording run failed", zap.String("run_id", run.ID), zap.Error(err))
		}

		if err := printSummary(os.Stdout, run.ID, target, summary); err != nil {
			return err
		}

		if runErr != nil {
			return runErr
		}
		if summary.Failed > 0 {
			return &partialError{failed: summary.Failed}
		}
		return nil
	},
}

// resultCollector gathers results from runner goroutines for indexing.
type resultCollector struct {
	mu   sync.Mutex
	recs []model.InferenceResult
}

func (c *resultCollector) add(r model.InferenceResult) {
	c.mu.Lock()
	c.recs = append(c.recs, r)
	c.mu.Unlock()
}

func (c *resultCollector) drain() []model.InferenceResult {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := c.recs
	c.recs = nil
	return out
}

func applyInferFlags(cmd *cobra.Command) error {
	overrideString(cmd, "provider", &cfg.Inference.Provider)
	overrideString(cmd, "model", &cfg.Inference.Model)
	overrideString(cmd, "messages", &cfg.Inputs.Messages)
	overrideString(cmd, "results", &cfg.Outputs.ResultsFile)
	overrideString(cmd, "raw", &cfg.Outputs.RawResultsPath)
	overrideInt(cmd, "concurrency", &cfg.Inference.Concurrency)
	overrideInt(cmd, "max-retries", &cfg.Inference.MaxRetries)
	overrideInt(cmd, "timeout", &cfg.Inference.TimeoutSecs)
	overrideInt(cmd, "max-tokens", &cfg.Inference.MaxTokens)
	if cmd.Flags().Changed("rpm") {
		cfg.Inference.RequestsPerMinute, _ = cmd.Flags().GetFloat64("rpm")
	}
	for name, dst := range map[string]**float64{
		"temperature": &cfg.Inference.Temperature,
		"top-p":       &cfg.Inference.TopP,
	} {
		if !cmd.Flags().Changed(name) {
			continue
		}
		v, err := cmd.Flags().GetFloat64(name)
		if err != nil {
			return eris.Wrapf(err, "flag --%s", name)
		}
		*dst = &v
	}
	return nil
}

// buildProvider constructs the named provider and binds its credentials.
// Missing credentials surface as an AuthConfigError before any request.
func buildProvider(name string) (inference.Provider, error) {
	creds, err := inference.LoadCredentials(name)
	if err != nil {
		return nil, err
	}
	pc := cfg.Providers[name]
	p, err := inference.NewProvider(name, inference.ProviderConfig{
		BaseURL:           pc.BaseURL,
		Route:             pc.Route,
		TextGenerationURL: pc.TextGenerationURL,
		Referer:           pc.Referer,
		Title:             pc.Title,
		CacheTTL:          pc.CacheTTL,
	})
	if err != nil {
		return nil, err
	}
	if err := p.Authenticate(creds); err != nil {
		return nil, err
	}
	return p, nil
}

// sequencesOf returns the message sequences of the log in order, capped at
// limit when limit is positive.
func sequencesOf(recs []prompt.Record, limit int) []model.MessageSequence {
	seqs := make([]model.MessageSequence, 0, len(recs))
	for _, r := range recs {
		if limit > 0 && len(seqs) >= limit {
			break
		}
		seqs = append(seqs, r.Sequence())
	}
	return seqs
}

// runStatus maps the outcome of a run to its stored status.
func runStatus(summary model.RunSummary, runErr error) model.RunStatus {
	switch {
	case runErr != nil && (errors.Is(runErr, context.Canceled) || errors.Is(runErr, context.DeadlineExceeded)):
		return model.RunStatusInterrupted
	case runErr != nil:
		return model.RunStatusFailed
	case summary.Failed > 0:
		return model.RunStatusPartial
	default:
		return model.RunStatusComplete
	}
}

func finishRun(ctx context.Context, st store.Store, runID string, summary model.RunSummary, runErr error, recs []model.InferenceResult) error {
	var errs []error
	if len(recs) > 0 {
		n, err := st.IndexResults(ctx, runID, recs)
		if err != nil {
			errs = append(errs, err)
		} else {
			zap.L().Debug("results indexed", zap.String("run_id", runID), zap.Int64("rows", n))
		}
	}

	var errMsg string
	if runErr != nil {
		errMsg = runErr.Error()
	}
	if err := st.FinishRun(ctx, runID, runStatus(summary, runErr), &summary, errMsg); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func printSummary(w io.Writer, runID string, target inference.Target, s model.RunSummary) error {
	rows := [][]string{
		{"run", runID},
		{"provider", target.Provider},
		{"model", target.Model},
		{"attempted", strconv.Itoa(s.Attempted)},
		{"succeeded", strconv.Itoa(s.Succeeded)},
		{"unparseable", strconv.Itoa(s.Unparseable)},
		{"failed", strconv.Itoa(s.Failed)},
		{"skipped", strconv.Itoa(s.Skipped)},
		{"cost", formatUSD(s.CostUSD)},
		{"duration", (time.Duration(s.DurationMS) * time.Millisecond).String()},
	}
	return renderTable(w, []string{"Field", "Value"}, rows)
}

func init() {
	f := inferCmd.Flags()
	f.String("provider", "", "provider name (overrides inference.provider)")
	f.String("model", "", "model identifier (overrides inference.model)")
	f.String("messages", "", "message log path (overrides inputs.messages)")
	f.String("results", "", "results log path (overrides outputs.results_file)")
	f.String("raw", "", "raw response directory (overrides outputs.raw_results_path)")
	f.Int("concurrency", 0, "parallel in-flight cases")
	f.Int("max-retries", 0, "retries per case after the first attempt")
	f.Int("timeout", 0, "per-attempt timeout in seconds")
	f.Float64("rpm", 0, "requests per minute per provider (0 disables pacing)")
	f.Float64("temperature", 0, "sampling temperature")
	f.Float64("top-p", 0, "nucleus sampling probability")
	f.Int("max-tokens", 0, "completion token limit")
	f.Int("limit", 0, "only submit the first N prepared cases")
	rootCmd.AddCommand(inferCmd)
}
