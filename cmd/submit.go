package main

import (
	"encoding/json"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/bid-analyzer/internal/workflow"
)

var (
	submitOpportunityID string
	submitNoticeID      string
	submitWait          bool
)

var submitCmd = &cobra.Command{
	Use:   "submit",
	Short: "Submit an opportunity for analysis through Temporal",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		in := workflow.AnalyzeInput{OpportunityID: submitOpportunityID, NoticeID: submitNoticeID}
		if err := in.Key().Validate(); err != nil {
			return err
		}
		if err := cfg.Validate("worker"); err != nil {
			return err
		}

		c, err := dialTemporal()
		if err != nil {
			return err
		}
		defer c.Close()

		run, err := workflow.Submit(ctx, c, cfg.Temporal.TaskQueue, in)
		if err != nil {
			return eris.Wrap(err, "submit workflow")
		}
		if !submitWait {
			return nil
		}

		var out workflow.AnalyzeOutput
		if err := run.Get(ctx, &out); err != nil {
			return eris.Wrap(err, "workflow result")
		}
		zap.L().Info("workflow finished", zap.String("run_id", out.RunID), zap.String("stage", string(out.Stage)))

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(out)
	},
}

func init() {
	submitCmd.Flags().StringVar(&submitOpportunityID, "opportunity-id", "", "SAM.gov opportunity id")
	submitCmd.Flags().StringVar(&submitNoticeID, "notice-id", "", "SAM.gov notice id")
	submitCmd.Flags().BoolVar(&submitWait, "wait", false, "wait for the workflow and print its result")
	rootCmd.AddCommand(submitCmd)
}
