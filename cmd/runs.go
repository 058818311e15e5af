package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/bid-analyzer/internal/model"
	"github.com/sells-group/bid-analyzer/internal/store"
)

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "Inspect analysis run history",
	Long:  "Commands for listing, viewing, and summarizing analysis runs.",
}

// -- runs list --

var runsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List analysis runs",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		stage, _ := cmd.Flags().GetString("stage")
		oppID, _ := cmd.Flags().GetString("opportunity-id")
		noticeID, _ := cmd.Flags().GetString("notice-id")
		limit, _ := cmd.Flags().GetInt("limit")

		runs, err := st.ListRuns(ctx, store.RunFilter{
			Stage:         model.Stage(stage),
			OpportunityID: oppID,
			NoticeID:      noticeID,
			Limit:         limit,
		})
		if err != nil {
			return eris.Wrap(err, "runs list")
		}

		if len(runs) == 0 {
			fmt.Fprintln(os.Stderr, "No runs found.")
			return nil
		}

		formatRunsList(os.Stdout, runs)
		return nil
	},
}

// -- runs show --

var runsShowCmd = &cobra.Command{
	Use:   "show <run-id>",
	Short: "Show full details of a run",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		run, err := st.GetRun(ctx, args[0])
		if err != nil {
			return eris.Wrap(err, "runs show")
		}
		cp, err := st.LoadCheckpoint(ctx, run.ID)
		if err != nil {
			return eris.Wrap(err, "runs show: checkpoint")
		}

		out := struct {
			*model.AnalysisRun
			LastCheckpoint *model.Stage `json:"last_checkpoint,omitempty"`
		}{AnalysisRun: run}
		if cp != nil {
			out.LastCheckpoint = &cp.Stage
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(out)
	},
}

// -- runs stats --

var runsStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show aggregate run statistics",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		since, _ := cmd.Flags().GetDuration("since")
		runs, err := st.ListRuns(ctx, store.RunFilter{Limit: 10000})
		if err != nil {
			return eris.Wrap(err, "runs stats")
		}

		formatRunStats(os.Stdout, computeRunStats(runs, since, time.Now()))
		return nil
	},
}

func init() {
	runsListCmd.Flags().String("stage", "", "filter by stage (acquiring, completed, failed, cancelled, ...)")
	runsListCmd.Flags().String("opportunity-id", "", "filter by opportunity id")
	runsListCmd.Flags().String("notice-id", "", "filter by notice id")
	runsListCmd.Flags().Int("limit", 50, "max number of runs to display")

	runsStatsCmd.Flags().Duration("since", 24*time.Hour, "time window for stats (e.g. 24h, 72h, 168h); 0 for all")

	runsCmd.AddCommand(runsListCmd)
	runsCmd.AddCommand(runsShowCmd)
	runsCmd.AddCommand(runsStatsCmd)
	rootCmd.AddCommand(runsCmd)
}

// runStats holds aggregate statistics computed from a set of runs.
type runStats struct {
	Total      int
	Completed  int
	Failed     int
	Cancelled  int
	Active     int
	WithErrors int
	ByKind     map[model.ErrorKind]int
	AvgDurSecs float64
}

// computeRunStats aggregates runs started within since of now. A zero
// since includes every run.
func computeRunStats(runs []model.AnalysisRun, since time.Duration, now time.Time) runStats {
	s := runStats{ByKind: make(map[model.ErrorKind]int)}

	var totalDur time.Duration
	var durCount int

	for _, r := range runs {
		if since > 0 && r.StartedAt.Before(now.Add(-since)) {
			continue
		}
		s.Total++
		switch r.Stage {
		case model.StageCompleted:
			s.Completed++
			if r.EndedAt != nil {
				totalDur += r.EndedAt.Sub(r.StartedAt)
				durCount++
			}
		case model.StageFailed:
			s.Failed++
		case model.StageCancelled:
			s.Cancelled++
		default:
			s.Active++
		}
		if len(r.Errors) > 0 {
			s.WithErrors++
		}
		for _, e := range r.Errors {
			s.ByKind[e.Kind]++
		}
	}

	if durCount > 0 {
		s.AvgDurSecs = totalDur.Seconds() / float64(durCount)
	}
	return s
}

// formatRunsList writes a tabular list of runs to w.
func formatRunsList(out io.Writer, runs []model.AnalysisRun) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tOPPORTUNITY\tSTAGE\tERRORS\tSTARTED\tDURATION")
	_, _ = fmt.Fprintln(w, "--\t-----------\t-----\t------\t-------\t--------")

	for _, r := range runs {
		dur := ""
		if r.EndedAt != nil {
			dur = r.EndedAt.Sub(r.StartedAt).Round(time.Second).String()
		}

		opp := r.OpportunityRef.String()
		if len(opp) > 30 {
			opp = opp[:27] + "..."
		}

		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\n",
			truncateID(r.ID),
			opp,
			r.Stage,
			len(r.Errors),
			r.StartedAt.Format("2006-01-02 15:04"),
			dur,
		)
	}
	_ = w.Flush()
}

// formatRunStats writes aggregate stats to w.
func formatRunStats(out io.Writer, s runStats) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintf(w, "Total runs:\t%d\n", s.Total)
	_, _ = fmt.Fprintf(w, "Completed:\t%d\n", s.Completed)
	_, _ = fmt.Fprintf(w, "Failed:\t%d\n", s.Failed)
	_, _ = fmt.Fprintf(w, "Cancelled:\t%d\n", s.Cancelled)
	_, _ = fmt.Fprintf(w, "Active:\t%d\n", s.Active)
	_, _ = fmt.Fprintf(w, "With errors:\t%d\n", s.WithErrors)
	for _, kind := range []model.ErrorKind{
		model.ErrorKindAcquisitionExhausted,
		model.ErrorKindParseFailure,
		model.ErrorKindServiceUnavailable,
		model.ErrorKindInternal,
	} {
		if n := s.ByKind[kind]; n > 0 {
			_, _ = fmt.Fprintf(w, "  %s:\t%d\n", kind, n)
		}
	}
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
