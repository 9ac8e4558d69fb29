package main

import (
	"fmt"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/disambench/internal/config"
	"github.com/sells-group/disambench/internal/model"
	"github.com/sells-group/disambench/internal/prompt"
	"github.com/sells-group/disambench/internal/scorer"
	"github.com/sells-group/disambench/internal/tabular"
)

var goldCmd = &cobra.Command{
	Use:   "gold [annotations.csv|annotations.xlsx]",
	Short: "Build the gold label file",
	Long: "Converts a human annotation sheet (CSV or XLSX) into the gold label file. With " +
		"--from-messages the sampling labels stored in the message log are used instead.",
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		overrideString(cmd, "out", &cfg.Outputs.GoldFile)
		if err := cfg.Validate(config.ModeGold); err != nil {
			return err
		}

		fromMessages, _ := cmd.Flags().GetBool("from-messages")
		var (
			labels []scorer.GoldLabel
			source string
			err    error
		)
		switch {
		case len(args) == 1:
			source = args[0]
			labels, err = goldFromSheet(source)
		case fromMessages:
			source = cfg.Inputs.Messages
			labels, err = goldFromMessages(source)
		default:
			return eris.New("gold: pass an annotation sheet or --from-messages")
		}
		if err != nil {
			return err
		}
		if len(labels) == 0 {
			return eris.Errorf("gold: no usable labels in %s", source)
		}

		if err := scorer.WriteGold(cfg.Outputs.GoldFile, labels); err != nil {
			return err
		}
		zap.L().Info("gold labels written",
			zap.String("source", source),
			zap.String("path", cfg.Outputs.GoldFile),
			zap.Int("labels", len(labels)),
		)
		fmt.Fprintf(os.Stdout, "wrote %d gold labels to %s\n", len(labels), cfg.Outputs.GoldFile)
		return nil
	},
}

func goldFromSheet(path string) ([]scorer.GoldLabel, error) {
	tbl, err := tabular.Read(path)
	if err != nil {
		return nil, err
	}
	return scorer.GoldFromTable(tbl)
}

func goldFromMessages(path string) ([]scorer.GoldLabel, error) {
	recs, err := prompt.ReadLog(path)
	if err != nil {
		return nil, eris.Wrap(err, "gold: read messages")
	}
	cases := make([]model.ConflictCase, 0, len(recs))
	for _, r := range recs {
		cases = append(cases, caseFromRecord(r))
	}
	return scorer.GoldFromCases(cases), nil
}

func init() {
	goldCmd.Flags().String("out", "", "gold label path (overrides outputs.gold_file)")
	goldCmd.Flags().Bool("from-messages", false, "use the sampling labels of the message log")
	rootCmd.AddCommand(goldCmd)
}
