package main

import (
	"fmt"
	"os"
	"sort"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/disambench/internal/config"
	"github.com/sells-group/disambench/internal/cost"
	"github.com/sells-group/disambench/internal/inference"
	"github.com/sells-group/disambench/internal/model"
	"github.com/sells-group/disambench/internal/results"
)

var replayCmd = &cobra.Command{
	Use:   "replay",
	Short: "Rebuild the results log from stored raw responses",
	Long: "Re-parses every stored raw response with the current decision grammar and pricing " +
		"and writes one result per case, model and provider. No provider is contacted.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		overrideString(cmd, "raw", &cfg.Outputs.RawResultsPath)
		overrideString(cmd, "out", &cfg.Outputs.ResultsFile)
		if err := cfg.Validate(config.ModeReplay); err != nil {
			return err
		}

		force, _ := cmd.Flags().GetBool("force")
		if _, err := os.Stat(cfg.Outputs.ResultsFile); err == nil && !force {
			return eris.Errorf("replay: %s exists; pass --force to replace it or --out to write elsewhere", cfg.Outputs.ResultsFile)
		}

		raw, err := results.NewRawStore(cfg.Outputs.RawResultsPath)
		if err != nil {
			return err
		}
		recs, err := results.Rebuild(raw, inference.ReplayParser(newParser(), cost.NewCalculator(cfg.Rates())))
		if err != nil {
			return eris.Wrap(err, "replay: rebuild")
		}
		if err := results.WriteAll(cfg.Outputs.ResultsFile, recs); err != nil {
			return err
		}

		groups := groupByTarget(recs)
		zap.L().Info("results rebuilt",
			zap.String("raw", cfg.Outputs.RawResultsPath),
			zap.String("out", cfg.Outputs.ResultsFile),
			zap.Int("results", len(recs)),
			zap.Int("targets", len(groups)),
		)

		if index, _ := cmd.Flags().GetBool("index"); index {
			st, err := initStore(ctx)
			if err != nil {
				return err
			}
			defer closeStore(st)
			for _, g := range groups {
				run, err := st.CreateRun(ctx, model.Run{
					Provider:    g.target.Provider,
					Model:       g.target.Model,
					ResultsFile: cfg.Outputs.ResultsFile,
				})
				if err != nil {
					return eris.Wrap(err, "replay: create run")
				}
				if err := finishRun(ctx, st, run.ID, summarize(g.recs), nil, g.recs); err != nil {
					return err
				}
			}
		}

		fmt.Fprintf(os.Stdout, "rebuilt %d results for %d model(s) -> %s\n", len(recs), len(groups), cfg.Outputs.ResultsFile)
		return nil
	},
}

type targetGroup struct {
	target inference.Target
	recs   []model.InferenceResult
}

// groupByTarget splits results by model and provider, sorted by both.
func groupByTarget(recs []model.InferenceResult) []targetGroup {
	idx := make(map[inference.Target]int)
	var out []targetGroup
	for _, r := range recs {
		t := inference.Target{Model: r.Model, Provider: r.Provider}
		i, ok := idx[t]
		if !ok {
			i = len(out)
			idx[t] = i
			out = append(out, targetGroup{target: t})
		}
		out[i].recs = append(out[i].recs, r)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].target.Provider != out[j].target.Provider {
			return out[i].target.Provider < out[j].target.Provider
		}
		return out[i].target.Model < out[j].target.Model
	})
	return out
}

// summarize derives run counters from a set of results.
func summarize(recs []model.InferenceResult) model.RunSummary {
	s := model.RunSummary{Attempted: len(recs)}
	for _, r := range recs {
		s.CostUSD += r.CostUSD
		switch {
		case r.Error != "":
			s.Failed++
		case r.Decision == model.DecisionUnparseable || r.Decision == "":
			s.Unparseable++
		default:
			s.Succeeded++
		}
	}
	return s
}

func init() {
	replayCmd.Flags().String("raw", "", "raw response directory (overrides outputs.raw_results_path)")
	replayCmd.Flags().String("out", "", "rebuilt results path (overrides outputs.results_file)")
	replayCmd.Flags().Bool("force", false, "replace an existing results file")
	replayCmd.Flags().Bool("index", false, "record the rebuilt results as runs in the store")
	rootCmd.AddCommand(replayCmd)
}
