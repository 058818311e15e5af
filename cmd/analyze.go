package main

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/bid-analyzer/internal/model"
	"github.com/sells-group/bid-analyzer/internal/pipeline"
)

var (
	analyzeOpportunityID string
	analyzeNoticeID      string
)

var analyzeCmd = &cobra.Command{
	Use:   "analyze",
	Short: "Analyze a single opportunity and print the result",
	Long:  "Runs the full pipeline for one opportunity in the foreground. Ctrl-C cancels the run at its next stage boundary.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		key := model.NaturalKey{OpportunityID: analyzeOpportunityID, NoticeID: analyzeNoticeID}
		if err := key.Validate(); err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initPipeline(ctx, "analyze")
		if err != nil {
			return err
		}
		defer env.Close()

		status, err := analyzeOpportunity(ctx, env.Orchestrator, key)
		if err != nil {
			return err
		}
		return writeRunResult(os.Stdout, status)
	},
}

// analyzeOpportunity starts a run and waits for it. When ctx ends first the
// run is cancelled and its final status is still returned.
func analyzeOpportunity(ctx context.Context, o *pipeline.Orchestrator, key model.NaturalKey) (*pipeline.RunStatus, error) {
	run, err := o.StartRun(ctx, key)
	if err != nil {
		return nil, eris.Wrap(err, "start run")
	}
	zap.L().Info("analysis started", zap.String("run_id", run.ID), zap.String("opportunity", key.String()))

	status, err := o.Wait(ctx, run.ID)
	if err == nil {
		return status, nil
	}

	zap.L().Warn("interrupted, cancelling run", zap.String("run_id", run.ID))
	bg := context.WithoutCancel(ctx)
	if cerr := o.CancelRun(bg, run.ID); cerr != nil {
		zap.L().Debug("cancel run", zap.Error(cerr))
	}
	return o.Wait(bg, run.ID)
}

// writeRunResult prints the analysis for completed runs and the run status
// otherwise. Failed and cancelled runs return an error after printing.
func writeRunResult(w io.Writer, status *pipeline.RunStatus) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")

	if status.Run.Stage == model.StageCompleted && status.Result != nil {
		return enc.Encode(status.Result)
	}
	if err := enc.Encode(status); err != nil {
		return err
	}
	if status.Run.Stage != model.StageCompleted {
		return eris.Errorf("run %s ended %s", status.Run.ID, status.Run.Stage)
	}
	return nil
}

func init() {
	analyzeCmd.Flags().StringVar(&analyzeOpportunityID, "opportunity-id", "", "SAM.gov opportunity id")
	analyzeCmd.Flags().StringVar(&analyzeNoticeID, "notice-id", "", "SAM.gov notice id")
	rootCmd.AddCommand(analyzeCmd)
}
