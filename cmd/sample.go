package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/disambench/internal/config"
	"github.com/sells-group/disambench/internal/model"
	"github.com/sells-group/disambench/internal/sampler"
)

var sampleCmd = &cobra.Command{
	Use:   "sample",
	Short: "Sample conflict cases and write a manifest",
	Long: "Draws same-entity and different-entity cases from the grouped and disconnected " +
		"record files with a fixed seed and writes them as a CSV manifest that prepare can reuse.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		applySamplingFlags(cmd)
		if err := cfg.Validate(config.ModeSample); err != nil {
			return err
		}

		out, _ := cmd.Flags().GetString("out")
		_, cases, err := loadCases()
		if err != nil {
			return err
		}
		if err := sampler.WriteManifest(out, cases); err != nil {
			return err
		}

		same, different := countLabels(cases)
		zap.L().Info("manifest written",
			zap.String("path", out),
			zap.Int("same", same),
			zap.Int("different", different),
		)
		fmt.Fprintf(os.Stdout, "wrote %d cases (%d same, %d different) to %s\n", len(cases), same, different, out)
		return nil
	},
}

func countLabels(cases []model.ConflictCase) (same, different int) {
	for _, c := range cases {
		switch c.Label {
		case model.LabelSame:
			same++
		case model.LabelDifferent:
			different++
		}
	}
	return same, different
}

func init() {
	addSamplingFlags(sampleCmd)
	sampleCmd.Flags().String("out", "out/manifest.csv", "manifest output path")
	rootCmd.AddCommand(sampleCmd)
}
