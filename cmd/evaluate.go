package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/disambench/internal/config"
	"github.com/sells-group/disambench/internal/model"
	"github.com/sells-group/disambench/internal/results"
	"github.com/sells-group/disambench/internal/scorer"
)

var evaluateCmd = &cobra.Command{
	Use:   "evaluate [results.jsonl...]",
	Short: "Score model answers against gold labels",
	Long: "Scores the latest result per case for every model and provider found in the " +
		"results logs. Gold labels come from --gold, from outputs.gold_file when it exists, " +
		"or else from the sampling labels of the message log.",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := cfg.Validate(config.ModeEvaluate); err != nil {
			return err
		}

		goldPath, _ := cmd.Flags().GetString("gold")
		gold, source, err := loadGold(goldPath)
		if err != nil {
			return err
		}

		paths := args
		if len(paths) == 0 {
			paths = []string{cfg.Outputs.ResultsFile}
		}
		var recs []model.InferenceResult
		for _, p := range paths {
			r, err := results.ReadLog(p)
			if err != nil {
				return eris.Wrapf(err, "evaluate: read %s", p)
			}
			recs = append(recs, r...)
		}

		metrics := scorer.Evaluate(gold, recs)
		zap.L().Info("evaluation complete",
			zap.String("gold", source),
			zap.Int("gold_cases", len(gold)),
			zap.Int("results", len(recs)),
			zap.Int("targets", len(metrics)),
		)

		if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(metrics)
		}
		if len(metrics) == 0 {
			fmt.Fprintln(os.Stderr, "No results to evaluate.")
			return nil
		}
		if err := formatMetrics(os.Stdout, metrics); err != nil {
			return err
		}
		if showMissing, _ := cmd.Flags().GetBool("show-missing"); showMissing {
			printMissing(os.Stdout, metrics)
		}
		return nil
	},
}

// loadGold resolves the gold labels and reports where they came from.
func loadGold(explicit string) (map[string]scorer.GoldLabel, string, error) {
	if explicit != "" {
		gold, err := scorer.ReadGold(explicit)
		return gold, explicit, err
	}

	gold, err := scorer.ReadGold(cfg.Outputs.GoldFile)
	if err == nil {
		return gold, cfg.Outputs.GoldFile, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, "", err
	}

	labels, err := goldFromMessages(cfg.Inputs.Messages)
	if err != nil {
		return nil, "", err
	}
	out := make(map[string]scorer.GoldLabel, len(labels))
	for _, l := range labels {
		out[l.CaseID] = l
	}
	return out, cfg.Inputs.Messages, nil
}

func formatMetrics(w io.Writer, metrics []scorer.Metrics) error {
	header := []string{"Provider", "Model", "Evaluated", "Correct", "Accuracy", "Coverage",
		"Same P", "Same R", "Same F1", "Unparseable", "Failed", "Cost"}
	rows := make([][]string, 0, len(metrics))
	for _, m := range metrics {
		rows = append(rows, []string{
			m.Provider,
			m.Model,
			fmt.Sprintf("%d/%d", m.Evaluated, m.GoldCases),
			strconv.Itoa(m.Correct),
			formatPct(m.Accuracy),
			formatPct(m.Coverage),
			formatPct(m.SamePrecision),
			formatPct(m.SameRecall),
			formatPct(m.SameF1),
			strconv.Itoa(m.Unparseable),
			strconv.Itoa(m.Failed),
			formatUSD(m.CostUSD),
		})
	}
	return renderTable(w, header, rows)
}

func printMissing(w io.Writer, metrics []scorer.Metrics) {
	for _, m := range metrics {
		if len(m.Missing) == 0 {
			continue
		}
		fmt.Fprintf(w, "\n%s/%s: %d gold case(s) without a result\n", m.Provider, m.Model, len(m.Missing))
		for _, id := range m.Missing {
			fmt.Fprintf(w, "  %s\n", id)
		}
	}
}

func init() {
	evaluateCmd.Flags().String("gold", "", "gold label file")
	evaluateCmd.Flags().Bool("json", false, "print metrics as JSON")
	evaluateCmd.Flags().Bool("show-missing", false, "list gold cases that have no result")
	rootCmd.AddCommand(evaluateCmd)
}
