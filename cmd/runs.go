package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/disambench/internal/config"
	"github.com/sells-group/disambench/internal/model"
	"github.com/sells-group/disambench/internal/store"
)

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "Inspect inference run history",
	Long:  "Commands for listing, viewing, and summarizing inference runs recorded in the store.",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := rootCmd.PersistentPreRunE(cmd, args); err != nil {
			return err
		}
		return cfg.Validate(config.ModeRuns)
	},
}

// -- runs list --

var runsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List inference runs",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer closeStore(st)

		status, _ := cmd.Flags().GetString("status")
		provider, _ := cmd.Flags().GetString("provider")
		modelName, _ := cmd.Flags().GetString("model")
		limit, _ := cmd.Flags().GetInt("limit")

		runs, err := st.ListRuns(ctx, store.RunFilter{
			Status:   model.RunStatus(status),
			Provider: provider,
			Model:    modelName,
			Limit:    limit,
		})
		if err != nil {
			return eris.Wrap(err, "runs list")
		}

		if len(runs) == 0 {
			fmt.Fprintln(os.Stderr, "No runs found.")
			return nil
		}

		return formatRunsList(os.Stdout, runs)
	},
}

// -- runs show --

// runDetail is a run with the decision breakdown of its indexed results.
type runDetail struct {
	model.Run
	Decisions map[string]int `json:"decisions,omitempty"`
}

var runsShowCmd = &cobra.Command{
	Use:   "show <run-id>",
	Short: "Show full details of a run",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer closeStore(st)

		run, err := st.GetRun(ctx, args[0])
		if err != nil {
			return eris.Wrap(err, "runs show")
		}
		counts, err := st.DecisionCounts(ctx, run.ID)
		if err != nil {
			return eris.Wrap(err, "runs show")
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(runDetail{Run: *run, Decisions: counts})
	},
}

// -- runs stats --

var runsStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show aggregate run statistics",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer closeStore(st)

		runs, err := st.ListRuns(ctx, store.RunFilter{Limit: 10000})
		if err != nil {
			return eris.Wrap(err, "runs stats")
		}

		since, _ := cmd.Flags().GetDuration("since")
		if since > 0 {
			runs = runsSince(runs, time.Now().Add(-since))
		}

		formatRunStats(os.Stdout, computeRunStats(runs))
		return nil
	},
}

func init() {
	runsListCmd.Flags().String("status", "", "filter by run status (running, complete, partial, failed, interrupted)")
	runsListCmd.Flags().String("provider", "", "filter by provider")
	runsListCmd.Flags().String("model", "", "filter by model")
	runsListCmd.Flags().Int("limit", 50, "max number of runs to display")

	runsStatsCmd.Flags().Duration("since", 0, "only count runs created within this window (e.g. 24h, 168h)")

	runsCmd.AddCommand(runsListCmd)
	runsCmd.AddCommand(runsShowCmd)
	runsCmd.AddCommand(runsStatsCmd)
	rootCmd.AddCommand(runsCmd)
}

func runsSince(runs []model.Run, cutoff time.Time) []model.Run {
	out := runs[:0:0]
	for _, r := range runs {
		if !r.CreatedAt.Before(cutoff) {
			out = append(out, r)
		}
	}
	return out
}

// runStats holds aggregate statistics computed from a set of runs.
type runStats struct {
	Total       int
	Complete    int
	Partial     int
	Failed      int
	Interrupted int
	Running     int
	Cases       int
	CaseFailed  int
	CostUSD     float64
	AvgDurSecs  float64
}

// computeRunStats computes aggregate statistics from a list of runs.
func computeRunStats(runs []model.Run) runStats {
	var s runStats
	s.Total = len(runs)

	var totalDur time.Duration
	var durCount int

	for _, r := range runs {
		switch r.Status {
		case model.RunStatusComplete:
			s.Complete++
		case model.RunStatusPartial:
			s.Partial++
		case model.RunStatusFailed:
			s.Failed++
		case model.RunStatusInterrupted:
			s.Interrupted++
		default:
			s.Running++
		}
		if r.Summary != nil {
			s.Cases += r.Summary.Attempted
			s.CaseFailed += r.Summary.Failed
			s.CostUSD += r.Summary.CostUSD
		}
		if r.Finished() {
			totalDur += runDuration(r)
			durCount++
		}
	}

	if durCount > 0 {
		s.AvgDurSecs = totalDur.Seconds() / float64(durCount)
	}
	return s
}

// runDuration prefers the measured run time over the row timestamps.
func runDuration(r model.Run) time.Duration {
	if r.Summary != nil && r.Summary.DurationMS > 0 {
		return time.Duration(r.Summary.DurationMS) * time.Millisecond
	}
	return r.UpdatedAt.Sub(r.CreatedAt)
}

// formatRunsList writes a table of runs to w.
func formatRunsList(w io.Writer, runs []model.Run) error {
	rows := make([][]string, 0, len(runs))
	for _, r := range runs {
		cases, failed, cost := "", "", ""
		if r.Summary != nil {
			cases = strconv.Itoa(r.Summary.Attempted)
			failed = strconv.Itoa(r.Summary.Failed)
			cost = formatUSD(r.Summary.CostUSD)
		}
		dur := ""
		if r.Finished() {
			dur = runDuration(r).Round(time.Second).String()
		}

		modelName := r.Model
		if len(modelName) > 40 {
			modelName = modelName[:37] + "..."
		}

		rows = append(rows, []string{
			truncateID(r.ID),
			r.Provider,
			modelName,
			string(r.Status),
			cases,
			failed,
			cost,
			r.CreatedAt.Format("2006-01-02 15:04"),
			dur,
		})
	}
	return renderTable(w, []string{"ID", "Provider", "Model", "Status", "Cases", "Failed", "Cost", "Created", "Duration"}, rows)
}

// formatRunStats writes aggregate stats to w.
func formatRunStats(out io.Writer, s runStats) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintf(w, "Total runs:\t%d\n", s.Total)
	_, _ = fmt.Fprintf(w, "Complete:\t%d\n", s.Complete)
	_, _ = fmt.Fprintf(w, "Partial:\t%d\n", s.Partial)
	_, _ = fmt.Fprintf(w, "Failed:\t%d\n", s.Failed)
	_, _ = fmt.Fprintf(w, "Interrupted:\t%d\n", s.Interrupted)
	if s.Running > 0 {
		_, _ = fmt.Fprintf(w, "Running:\t%d\n", s.Running)
	}
	_, _ = fmt.Fprintf(w, "Cases attempted:\t%d\n", s.Cases)
	_, _ = fmt.Fprintf(w, "Cases failed:\t%d\n", s.CaseFailed)
	_, _ = fmt.Fprintf(w, "Total cost:\t%s\n", formatUSD(s.CostUSD))
	if s.AvgDurSecs > 0 {
		_, _ = fmt.Fprintf(w, "Avg duration:\t%.1fs\n", s.AvgDurSecs)
	}
	_ = w.Flush()
}

// truncateID returns the first 8 characters of a UUID for compact display.
func truncateID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
