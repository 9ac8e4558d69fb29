package main

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/disambench/internal/config"
	"github.com/sells-group/disambench/internal/enrich"
	"github.com/sells-group/disambench/internal/model"
	"github.com/sells-group/disambench/internal/prompt"
	"github.com/sells-group/disambench/internal/sampler"
)

// prepareStats counts what happened to each case during prepare.
type prepareStats struct {
	Cases    int
	Written  int
	Existing int
	Skipped  int
	Enriched int
}

var prepareCmd = &cobra.Command{
	Use:   "prepare",
	Short: "Render conflict cases into the message log",
	Long: "Samples (or reads a manifest of) conflict cases, renders each into a chat or " +
		"completion-style message sequence, and appends it to the message log. Cases already " +
		"in the log are left untouched, so prepare can be re-run safely.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		applySamplingFlags(cmd)
		overrideString(cmd, "messages", &cfg.Inputs.Messages)
		overrideString(cmd, "style", &cfg.Prompt.Style)
		overrideInt(cmd, "max-tokens", &cfg.Prompt.MaxTokens)
		if cmd.Flags().Changed("enrich") {
			cfg.Enrich.Enabled, _ = cmd.Flags().GetBool("enrich")
		}
		if err := cfg.Validate(config.ModePrepare); err != nil {
			return err
		}

		style, err := prompt.ParseStyle(cfg.Prompt.Style)
		if err != nil {
			return err
		}

		src, cases, err := loadCases()
		if err != nil {
			return err
		}
		if out, _ := cmd.Flags().GetString("manifest-out"); out != "" {
			if err := sampler.WriteManifest(out, cases); err != nil {
				return err
			}
		}

		builder, err := newBuilder(src)
		if err != nil {
			return err
		}

		var enricher *enrich.Enricher
		if cfg.Enrich.Enabled {
			st, err := initStore(ctx)
			if err != nil {
				return err
			}
			defer closeStore(st)
			if n, err := st.DeleteExpiredLinks(ctx); err != nil {
				zap.L().Warn("pruning link cache failed", zap.Error(err))
			} else if n > 0 {
				zap.L().Debug("expired links pruned", zap.Int("rows", n))
			}
			enricher = enrich.New(st, enrichOptions(cfg.Enrich))
		}

		log, err := prompt.OpenLog(cfg.Inputs.Messages)
		if err != nil {
			return err
		}
		defer log.Close() //nolint:errcheck

		stats := prepareStats{Cases: len(cases)}
		for _, c := range cases {
			if log.Has(c.ID) {
				stats.Existing++
				continue
			}

			var pages []prompt.Page
			if enricher != nil {
				a, _ := src.Lookup(c.EntryA)
				b, _ := src.Lookup(c.EntryB)
				if pages, err = enricher.Pages(ctx, a, b); err != nil {
					return eris.Wrap(err, "prepare: enrich")
				}
				if len(pages) > 0 {
					stats.Enriched++
				}
			}

			seq, err := builder.RenderWithContext(c, style, pages)
			if err != nil {
				var re *prompt.RenderError
				if errors.As(err, &re) {
					stats.Skipped++
					zap.L().Warn("case skipped", zap.String("case_id", re.CaseID), zap.String("reason", re.Reason))
					continue
				}
				return err
			}

			added, err := log.Append(prompt.NewRecord(c, seq))
			if err != nil {
				return err
			}
			if added {
				stats.Written++
			} else {
				stats.Existing++
			}
		}

		zap.L().Info("prepare complete",
			zap.String("messages", cfg.Inputs.Messages),
			zap.Int("cases", stats.Cases),
			zap.Int("written", stats.Written),
			zap.Int("existing", stats.Existing),
			zap.Int("skipped", stats.Skipped),
			zap.Int("enriched", stats.Enriched),
		)
		printPrepareStats(stats, cfg.Inputs.Messages)
		return nil
	},
}

func printPrepareStats(s prepareStats, path string) {
	fmt.Fprintf(os.Stdout, "%d cases: %d written, %d already present, %d skipped", s.Cases, s.Written, s.Existing, s.Skipped)
	if s.Enriched > 0 {
		fmt.Fprintf(os.Stdout, ", %d with page context", s.Enriched)
	}
	fmt.Fprintf(os.Stdout, " -> %s\n", path)
}

func enrichOptions(c config.EnrichConfig) enrich.Options {
	return enrich.Options{
		UserAgent:       c.UserAgent,
		Timeout:         time.Duration(c.TimeoutSecs) * time.Second,
		MaxRetries:      c.MaxRetries,
		MaxChars:        c.MaxChars,
		MaxPagesPerCase: c.MaxPagesPerCase,
		CacheTTL:        time.Duration(c.CacheTTLHours) * time.Hour,
		PerHostPerMin:   c.PerHostPerMin,
	}
}

// caseFromRecord restores the case a message-log record was rendered from.
func caseFromRecord(r prompt.Record) model.ConflictCase {
	return model.ConflictCase{ID: r.CaseID, EntryA: r.EntryA, EntryB: r.EntryB, Label: r.Label}
}

func init() {
	addSamplingFlags(prepareCmd)
	prepareCmd.Flags().String("messages", "", "message log path (overrides inputs.messages)")
	prepareCmd.Flags().String("manifest-out", "", "also write the case list as a manifest")
	prepareCmd.Flags().String("style", "", "prompt style: chat or completion")
	prepareCmd.Flags().Int("max-tokens", 0, "drop cases whose prompt exceeds this token estimate")
	prepareCmd.Flags().Bool("enrich", false, "fetch entry web pages as additional prompt context")
	rootCmd.AddCommand(prepareCmd)
}
