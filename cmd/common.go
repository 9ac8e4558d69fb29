package main

import (
	"context"
	"fmt"
	"io"

	"github.com/olekukonko/tablewriter"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/disambench/internal/decision"
	"github.com/sells-group/disambench/internal/model"
	"github.com/sells-group/disambench/internal/prompt"
	"github.com/sells-group/disambench/internal/records"
	"github.com/sells-group/disambench/internal/sampler"
	"github.com/sells-group/disambench/internal/store"
)

// initStore opens the configured run store and applies its migrations.
func initStore(ctx context.Context) (store.Store, error) {
	st, err := store.Open(ctx, cfg.Store.Driver, cfg.Store.DatabaseURL, &store.PoolConfig{
		MaxConns: cfg.Store.MaxConns,
		MinConns: cfg.Store.MinConns,
	})
	if err != nil {
		return nil, eris.Wrap(err, "open store")
	}
	return st, nil
}

// closeStore closes st and logs a failure instead of masking the command error.
func closeStore(st store.Store) {
	if err := st.Close(); err != nil {
		zap.L().Warn("closing store failed", zap.Error(err))
	}
}

func newParser() *decision.Parser {
	return decision.NewParser(cfg.Decision.Same, cfg.Decision.Different)
}

func newBuilder(src prompt.EntrySource) (*prompt.Builder, error) {
	opts := []prompt.Option{prompt.WithMaxTokens(cfg.Prompt.MaxTokens)}
	if cfg.Prompt.Templates != "" {
		t, err := prompt.LoadTemplates(cfg.Prompt.Templates)
		if err != nil {
			return nil, err
		}
		opts = append(opts, prompt.WithTemplates(t))
	}
	return prompt.NewBuilder(src, opts...)
}

// loadCases reads both record files and produces the case list, either from
// the configured manifest or by seeded sampling.
func loadCases() (*records.Store, []model.ConflictCase, error) {
	src, err := records.Load(cfg.Inputs.Grouped, cfg.Inputs.Disconnected)
	if err != nil {
		return nil, nil, err
	}

	if cfg.Inputs.Manifest != "" {
		rows, err := sampler.ReadManifest(cfg.Inputs.Manifest)
		if err != nil {
			return nil, nil, err
		}
		cases, err := sampler.FromManifest(src, rows)
		if err != nil {
			return nil, nil, err
		}
		zap.L().Info("cases loaded from manifest",
			zap.String("manifest", cfg.Inputs.Manifest),
			zap.Int("cases", len(cases)),
		)
		return src, cases, nil
	}

	cases, err := sampler.Sample(src, sampler.Options{
		Seed:       uint64(cfg.Sampling.Seed),
		Same:       cfg.Sampling.Same,
		Different:  cfg.Sampling.Different,
		CrossGroup: cfg.Sampling.CrossGroup,
	})
	if err != nil {
		return nil, nil, err
	}
	zap.L().Info("cases sampled",
		zap.Int64("seed", cfg.Sampling.Seed),
		zap.Int("cases", len(cases)),
		zap.Int("entries", src.Len()),
	)
	return src, cases, nil
}

// addSamplingFlags registers the flags shared by sample and prepare.
func addSamplingFlags(cmd *cobra.Command) {
	cmd.Flags().String("grouped", "", "grouped records file (overrides inputs.grouped)")
	cmd.Flags().String("disconnected", "", "disconnected records file (overrides inputs.disconnected)")
	cmd.Flags().String("manifest", "", "use a fixed case manifest instead of sampling")
	cmd.Flags().Int64("seed", 0, "sampling seed (overrides sampling.seed)")
	cmd.Flags().Int("same", 0, "number of same-entity cases")
	cmd.Flags().Int("different", 0, "number of different-entity cases")
	cmd.Flags().Bool("cross-group", false, "also draw different cases from entries of distinct groups")
}

func applySamplingFlags(cmd *cobra.Command) {
	overrideString(cmd, "grouped", &cfg.Inputs.Grouped)
	overrideString(cmd, "disconnected", &cfg.Inputs.Disconnected)
	overrideString(cmd, "manifest", &cfg.Inputs.Manifest)
	if cmd.Flags().Changed("seed") {
		cfg.Sampling.Seed, _ = cmd.Flags().GetInt64("seed")
	}
	overrideInt(cmd, "same", &cfg.Sampling.Same)
	overrideInt(cmd, "different", &cfg.Sampling.Different)
	if cmd.Flags().Changed("cross-group") {
		cfg.Sampling.CrossGroup, _ = cmd.Flags().GetBool("cross-group")
	}
}

func overrideString(cmd *cobra.Command, name string, dst *string) {
	if cmd.Flags().Changed(name) {
		*dst, _ = cmd.Flags().GetString(name)
	}
}

func overrideInt(cmd *cobra.Command, name string, dst *int) {
	if cmd.Flags().Changed(name) {
		*dst, _ = cmd.Flags().GetInt(name)
	}
}

// renderTable writes rows with a header using tablewriter.
func renderTable(w io.Writer, header []string, rows [][]string) error {
	table := tablewriter.NewWriter(w)
	hdr := make([]any, len(header))
	for i, h := range header {
		hdr[i] = h
	}
	table.Header(hdr...)
	for _, row := range rows {
		cells := make([]any, len(row))
		for i, c := range row {
			cells[i] = c
		}
		if err := table.Append(cells...); err != nil {
			return eris.Wrap(err, "render table")
		}
	}
	return table.Render()
}

func formatPct(v float64) string {
	return fmt.Sprintf("%.1f%%", v*100)
}

func formatUSD(v float64) string {
	return fmt.Sprintf("$%.4f", v)
}
