package workflow

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/testsuite"
	"go.uber.org/zap"

	"github.com/sells-group/bid-analyzer/internal/model"
	"github.com/sells-group/bid-analyzer/internal/pipeline"
)

type mockRunner struct{ mock.Mock }

func (m *mockRunner) StartRun(ctx context.Context, key model.NaturalKey) (*model.AnalysisRun, error) {
	args := m.Called(ctx, key)
	run, _ := args.Get(0).(*model.AnalysisRun)
	return run, args.Error(1)
}

func (m *mockRunner) GetRunStatus(ctx context.Context, runID string) (*pipeline.RunStatus, error) {
	args := m.Called(ctx, runID)
	st, _ := args.Get(0).(*pipeline.RunStatus)
	return st, args.Error(1)
}

func (m *mockRunner) CancelRun(ctx context.Context, runID string) error {
	return m.Called(ctx, runID).Error(0)
}

func TestAnalyzeOpportunityWorkflow(t *testing.T) {
	var s testsuite.WorkflowTestSuite
	env := s.NewTestWorkflowEnvironment()

	acts := &Activities{}
	env.RegisterActivity(acts)
	env.OnActivity(acts.AnalyzeOpportunity, mock.Anything, AnalyzeInput{NoticeID: "N-100"}).
		Return(&AnalyzeOutput{RunID: "run-1", Stage: model.StageCompleted, Score: 100, RiskLevel: "low"}, nil)

	env.ExecuteWorkflow(AnalyzeOpportunityWorkflow, AnalyzeInput{NoticeID: "N-100"})
	require.True(t, env.IsWorkflowCompleted())
	require.NoError(t, env.GetWorkflowError())

	var out AnalyzeOutput
	require.NoError(t, env.GetWorkflowResult(&out))
	assert.Equal(t, "run-1", out.RunID)
	assert.Equal(t, model.StageCompleted, out.Stage)
	assert.Equal(t, 100, out.Score)
}

func TestAnalyzeOpportunityWorkflow_AlreadyRunningIsNotRetried(t *testing.T) {
	var s testsuite.WorkflowTestSuite
	env := s.NewTestWorkflowEnvironment()

	acts := &Activities{}
	env.RegisterActivity(acts)
	var calls atomic.Int32
	env.OnActivity(acts.AnalyzeOpportunity, mock.Anything, mock.Anything).
		Return(func(context.Context, AnalyzeInput) (*AnalyzeOutput, error) {
			calls.Add(1)
			return nil, temporal.NewNonRetryableApplicationError("busy", ErrTypeAlreadyRunning, nil)
		})

	env.ExecuteWorkflow(AnalyzeOpportunityWorkflow, AnalyzeInput{NoticeID: "N-1"})
	require.True(t, env.IsWorkflowCompleted())
	err := env.GetWorkflowError()
	require.Error(t, err)

	var appErr *temporal.ApplicationError
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, ErrTypeAlreadyRunning, appErr.Type())
	assert.Equal(t, int32(1), calls.Load())
}

func TestAnalyzeOpportunityActivity(t *testing.T) {
	var s testsuite.WorkflowTestSuite
	env := s.NewTestActivityEnvironment()

	runner := &mockRunner{}
	runner.On("StartRun", mock.Anything, model.NaturalKey{OpportunityID: "OPP-1"}).
		Return(&model.AnalysisRun{ID: "run-1", Stage: model.StageIdle}, nil)
	runner.On("GetRunStatus", mock.Anything, "run-1").
		Return(&pipeline.RunStatus{Run: model.AnalysisRun{ID: "run-1", Stage: model.StageExtracting}}, nil).Twice()
	runner.On("GetRunStatus", mock.Anything, "run-1").
		Return(&pipeline.RunStatus{
			Run: model.AnalysisRun{
				ID: "run-1", Stage: model.StageCompleted, ResultRef: "rec-1",
				Errors: []model.StageError{{Stage: model.StageExtracting, Kind: model.ErrorKindParseFailure, Message: "bad json"}},
			},
			Result: &model.Analysis{
				Requirements: []model.Requirement{{Code: "REQ-001"}, {Code: "REQ-002"}},
				Compliance:   model.ComplianceAssessment{Score: 62, RiskLevel: model.RiskMedium},
			},
		}, nil)

	acts := &Activities{Runner: runner, PollInterval: 5 * time.Millisecond}
	env.RegisterActivity(acts)

	val, err := env.ExecuteActivity(acts.AnalyzeOpportunity, AnalyzeInput{OpportunityID: " OPP-1 "})
	require.NoError(t, err)

	var out AnalyzeOutput
	require.NoError(t, val.Get(&out))
	assert.Equal(t, "run-1", out.RunID)
	assert.Equal(t, model.StageCompleted, out.Stage)
	assert.Equal(t, "rec-1", out.ResultRef)
	assert.Equal(t, 62, out.Score)
	assert.Equal(t, "medium", out.RiskLevel)
	assert.Equal(t, 2, out.RequirementCount)
	require.Len(t, out.Errors, 1)
	runner.AssertExpectations(t)
}

func TestAnalyzeOpportunityActivity_StartErrors(t *testing.T) {
	tests := []struct {
		name    string
		err     error
		errType string
	}{
		{name: "already running", err: eris.Wrap(pipeline.ErrAlreadyRunning, "held by run-0"), errType: ErrTypeAlreadyRunning},
		{name: "missing key", err: model.ErrMissingKey, errType: ErrTypeMissingKey},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var s testsuite.WorkflowTestSuite
			env := s.NewTestActivityEnvironment()

			runner := &mockRunner{}
			runner.On("StartRun", mock.Anything, mock.Anything).Return(nil, tt.err)
			acts := &Activities{Runner: runner}
			env.RegisterActivity(acts)

			_, err := env.ExecuteActivity(acts.AnalyzeOpportunity, AnalyzeInput{NoticeID: "N-1"})
			require.Error(t, err)
			var appErr *temporal.ApplicationError
			require.True(t, errors.As(err, &appErr))
			assert.Equal(t, tt.errType, appErr.Type())
			assert.True(t, appErr.NonRetryable())
		})
	}
}

func TestWorkflowID(t *testing.T) {
	assert.Equal(t, "analyze-OPP-1", WorkflowID(AnalyzeInput{OpportunityID: "OPP-1", NoticeID: "N-1"}))
	assert.Equal(t, "analyze-N-1", WorkflowID(AnalyzeInput{NoticeID: " N-1 "}))
}

func TestNewLogger(t *testing.T) {
	l := NewLogger(zap.NewNop())
	l.Debug("debug", "k", 1)
	l.Info("info", "k", "v")
	l.Warn("warn")
	l.Error("error", "err", errors.New("boom"))
}
