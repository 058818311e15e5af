// Package workflow runs opportunity analysis as a Temporal workflow so that
// submissions survive process restarts and are retried by the server.
package workflow

import (
	"context"
	"errors"
	"time"

	"go.temporal.io/sdk/activity"
	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/worker"
	"go.temporal.io/sdk/workflow"
	"go.uber.org/zap"

	"github.com/sells-group/bid-analyzer/internal/model"
	"github.com/sells-group/bid-analyzer/internal/pipeline"
)

// Error types that the workflow does not retry.
const (
	ErrTypeAlreadyRunning = "AlreadyRunning"
	ErrTypeMissingKey     = "MissingKey"
)

// AnalyzeInput names the opportunity to analyze.
type AnalyzeInput struct {
	OpportunityID string `json:"opportunity_id,omitempty"`
	NoticeID      string `json:"notice_id,omitempty"`
}

// Key returns the natural key of the input.
func (in AnalyzeInput) Key() model.NaturalKey {
	return model.NaturalKey{OpportunityID: in.OpportunityID, NoticeID: in.NoticeID}.Normalize()
}

// AnalyzeOutput summarises a finished run.
type AnalyzeOutput struct {
	RunID            string             `json:"run_id"`
	Stage            model.Stage        `json:"stage"`
	ResultRef        string             `json:"result_ref,omitempty"`
	Score            int                `json:"score"`
	RiskLevel        string             `json:"risk_level,omitempty"`
	RequirementCount int                `json:"requirement_count"`
	Errors           []model.StageError `json:"errors,omitempty"`
}

// Runner is the orchestrator surface the activity drives.
type Runner interface {
	StartRun(ctx context.Context, key model.NaturalKey) (*model.AnalysisRun, error)
	GetRunStatus(ctx context.Context, runID string) (*pipeline.RunStatus, error)
	CancelRun(ctx context.Context, runID string) error
}

// Activities holds the activity implementations.
type Activities struct {
	Runner Runner
	// PollInterval is the status poll and heartbeat period. Default 2s.
	PollInterval time.Duration
}

// AnalyzeOpportunity starts a run and heartbeats its stage until it is
// terminal. A cancelled activity cancels the run.
func (a *Activities) AnalyzeOpportunity(ctx context.Context, in AnalyzeInput) (*AnalyzeOutput, error) {
	log := activity.GetLogger(ctx)

	run, err := a.Runner.StartRun(ctx, in.Key())
	switch {
	case errors.Is(err, model.ErrMissingKey):
		return nil, temporal.NewNonRetryableApplicationError(err.Error(), ErrTypeMissingKey, err)
	case errors.Is(err, pipeline.ErrAlreadyRunning):
		return nil, temporal.NewNonRetryableApplicationError(err.Error(), ErrTypeAlreadyRunning, err)
	case err != nil:
		return nil, err
	}
	log.Info("analysis run started", "run_id", run.ID, "opportunity", in.Key().String())

	interval := a.PollInterval
	if interval <= 0 {
		interval = 2 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		status, err := a.Runner.GetRunStatus(ctx, run.ID)
		if err != nil {
			return nil, err
		}
		if status.Run.Stage.IsTerminal() {
			return summarize(status), nil
		}
		activity.RecordHeartbeat(ctx, string(status.Run.Stage))

		select {
		case <-ticker.C:
		case <-ctx.Done():
			if cerr := a.Runner.CancelRun(context.WithoutCancel(ctx), run.ID); cerr != nil && !errors.Is(cerr, pipeline.ErrAlreadyTerminal) {
				log.Warn("cancel analysis run", "run_id", run.ID, "error", cerr)
			}
			return nil, ctx.Err()
		}
	}
}

func summarize(status *pipeline.RunStatus) *AnalyzeOutput {
	out := &AnalyzeOutput{
		RunID:     status.Run.ID,
		Stage:     status.Run.Stage,
		ResultRef: status.Run.ResultRef,
		Errors:    status.Run.Errors,
	}
	if r := status.Result; r != nil {
		out.Score = r.Compliance.Score
		out.RiskLevel = r.Compliance.RiskLevel.String()
		out.RequirementCount = len(r.Requirements)
	}
	return out
}

// Activity bounds. A run heartbeats every PollInterval, well inside the
// heartbeat timeout.
const (
	activityTimeout  = 2 * time.Hour
	heartbeatTimeout = time.Minute
	activityAttempts = 3
)

// AnalyzeOpportunityWorkflow runs the analysis activity with retries.
func AnalyzeOpportunityWorkflow(ctx workflow.Context, in AnalyzeInput) (*AnalyzeOutput, error) {
	ctx = workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: activityTimeout,
		HeartbeatTimeout:    heartbeatTimeout,
		RetryPolicy: &temporal.RetryPolicy{
			InitialInterval:        10 * time.Second,
			BackoffCoefficient:     2.0,
			MaximumInterval:        5 * time.Minute,
			MaximumAttempts:        activityAttempts,
			NonRetryableErrorTypes: []string{ErrTypeAlreadyRunning, ErrTypeMissingKey},
		},
	})

	var a *Activities
	var out AnalyzeOutput
	if err := workflow.ExecuteActivity(ctx, a.AnalyzeOpportunity, in).Get(ctx, &out); err != nil {
		return nil, err
	}
	workflow.GetLogger(ctx).Info("analysis finished", "run_id", out.RunID, "stage", string(out.Stage))
	return &out, nil
}

// Register adds the workflow and activities to a worker.
func Register(r worker.Registry, acts *Activities) {
	r.RegisterWorkflow(AnalyzeOpportunityWorkflow)
	r.RegisterActivity(acts)
}

// WorkflowID is the id used for an opportunity's analysis workflow.
func WorkflowID(in AnalyzeInput) string {
	return "analyze-" + in.Key().String()
}

// Submit starts the analysis workflow on taskQueue.
func Submit(ctx context.Context, c client.Client, taskQueue string, in AnalyzeInput) (client.WorkflowRun, error) {
	if err := in.Key().Validate(); err != nil {
		return nil, err
	}
	run, err := c.ExecuteWorkflow(ctx, client.StartWorkflowOptions{
		ID:        WorkflowID(in),
		TaskQueue: taskQueue,
	}, AnalyzeOpportunityWorkflow, in)
	if err != nil {
		return nil, err
	}
	zap.L().Info("workflow: submitted",
		zap.String("workflow_id", run.GetID()),
		zap.String("run_id", run.GetRunID()),
	)
	return run, nil
}
