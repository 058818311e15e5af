package monitoring

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/bid-analyzer/internal/model"
	"github.com/sells-group/bid-analyzer/internal/store"
)

// fakeRuns serves runs newest first with offset paging.
type fakeRuns struct {
	runs  []model.AnalysisRun
	err   error
	calls int
}

func (f *fakeRuns) ListRuns(_ context.Context, filter store.RunFilter) ([]model.AnalysisRun, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	if filter.Offset >= len(f.runs) {
		return nil, nil
	}
	end := min(filter.Offset+filter.Limit, len(f.runs))
	return f.runs[filter.Offset:end], nil
}

var testNow = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

func run(stage model.Stage, age time.Duration, errs ...model.ErrorKind) model.AnalysisRun {
	r := model.AnalysisRun{ID: fmt.Sprintf("run-%s-%s", stage, age), Stage: stage, StartedAt: testNow.Add(-age)}
	for _, k := range errs {
		r.Errors = append(r.Errors, model.StageError{Stage: model.StageExtracting, Kind: k})
	}
	return r
}

func newTestCollector(runs RunLister, stuck time.Duration) *Collector {
	c := NewCollector(runs, stuck)
	c.now = func() time.Time { return testNow }
	return c
}

func TestCollect(t *testing.T) {
	src := &fakeRuns{runs: []model.AnalysisRun{
		run(model.StageExtracting, 10*time.Minute),
		run(model.StageScoring, 3*time.Hour),
		run(model.StageCompleted, 4*time.Hour, model.ErrorKindServiceUnavailable),
		run(model.StageFailed, 5*time.Hour, model.ErrorKindServiceUnavailable, model.ErrorKindAcquisitionExhausted),
		run(model.StageCompleted, 6*time.Hour, model.ErrorKindParseFailure),
		run(model.StageCancelled, 7*time.Hour),
		// Outside the 24h window.
		run(model.StageFailed, 30*time.Hour),
	}}

	snap, err := newTestCollector(src, 2*time.Hour).Collect(context.Background(), 24)
	require.NoError(t, err)

	assert.Equal(t, 6, snap.RunsTotal)
	assert.Equal(t, 2, snap.RunsCompleted)
	assert.Equal(t, 1, snap.RunsFailed)
	assert.Equal(t, 1, snap.RunsCancelled)
	assert.Equal(t, 2, snap.RunsActive)
	assert.Equal(t, 1, snap.RunsStuck)
	assert.InDelta(t, 1.0/3.0, snap.FailRate, 0.0001)
	assert.Equal(t, 2, snap.ErrorsByKind[model.ErrorKindServiceUnavailable])
	assert.Equal(t, 1, snap.ErrorsByKind[model.ErrorKindAcquisitionExhausted])
	assert.Equal(t, 1, snap.ErrorsByKind[model.ErrorKindParseFailure])
	assert.Equal(t, 24, snap.LookbackHours)
	assert.Equal(t, testNow, snap.CollectedAt)
}

func TestCollect_Pages(t *testing.T) {
	var runs []model.AnalysisRun
	for i := range pageSize + 10 {
		runs = append(runs, run(model.StageCompleted, time.Duration(i)*time.Second))
	}
	src := &fakeRuns{runs: runs}

	snap, err := newTestCollector(src, 0).Collect(context.Background(), 24)
	require.NoError(t, err)
	assert.Equal(t, pageSize+10, snap.RunsTotal)
	assert.Equal(t, 2, src.calls)
	assert.Zero(t, snap.FailRate)
}

func TestCollect_StopsAtCutoff(t *testing.T) {
	var runs []model.AnalysisRun
	for i := range pageSize * 2 {
		runs = append(runs, run(model.StageCompleted, time.Duration(i)*time.Hour))
	}
	src := &fakeRuns{runs: runs}

	snap, err := newTestCollector(src, 0).Collect(context.Background(), 24)
	require.NoError(t, err)
	assert.Equal(t, 25, snap.RunsTotal)
	assert.Equal(t, 1, src.calls)
}

func TestCollect_Empty(t *testing.T) {
	snap, err := newTestCollector(&fakeRuns{}, time.Hour).Collect(context.Background(), 24)
	require.NoError(t, err)
	assert.Zero(t, snap.RunsTotal)
	assert.Zero(t, snap.FailRate)
	assert.Empty(t, snap.ErrorsByKind)
}

func TestCollect_ListError(t *testing.T) {
	_, err := newTestCollector(&fakeRuns{err: errors.New("db down")}, 0).Collect(context.Background(), 24)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "monitoring: list runs")
}
