// Package pipeline runs an opportunity through acquisition, classification,
// extraction, scoring and assembly, tracking each run's lifecycle.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/bid-analyzer/internal/acquire"
	"github.com/sells-group/bid-analyzer/internal/config"
	"github.com/sells-group/bid-analyzer/internal/extract"
	"github.com/sells-group/bid-analyzer/internal/model"
	"github.com/sells-group/bid-analyzer/internal/store"
)

var (
	// ErrRunNotFound is returned for run ids unknown to both the process and
	// the store.
	ErrRunNotFound = eris.New("pipeline: run not found")

	// ErrAlreadyTerminal is returned when cancelling a finished run.
	ErrAlreadyTerminal = eris.New("pipeline: run already terminal")
)

// Acquirer resolves the documents for an opportunity.
type Acquirer interface {
	Acquire(ctx context.Context, opp model.Opportunity) (*acquire.Result, error)
}

// Extractor derives requirements from classified documents.
type Extractor interface {
	Extract(ctx context.Context, docs []model.Document) (*extract.Output, error)
}

// Scorer computes the compliance assessment for combined document text.
type Scorer interface {
	Score(text string, requirementCount int) model.ComplianceAssessment
}

// ProgressFunc receives a snapshot of a run after every transition. It is
// called synchronously from the run goroutine.
type ProgressFunc func(model.AnalysisRun)

// RunStatus is the caller-visible state of a run.
type RunStatus struct {
	Run    model.AnalysisRun `json:"run"`
	Result *model.Analysis   `json:"result,omitempty"`
	// LastCheckpoint is the newest checkpointed stage for runs read back
	// from the store.
	LastCheckpoint model.Stage `json:"last_checkpoint,omitempty"`
}

// Options configures an Orchestrator.
type Options struct {
	// LockTTL is the distributed claim lifetime; claims are refreshed every
	// third of it while a run is active.
	LockTTL time.Duration
	// StatusRetention bounds how many finished runs stay in memory.
	StatusRetention int
	Progress        ProgressFunc
	Now             func() time.Time
}

// OptionsFromConfig builds Options from the pipeline config section.
func OptionsFromConfig(cfg config.PipelineConfig) Options {
	return Options{
		LockTTL:         time.Duration(cfg.LockTTLMins) * time.Minute,
		StatusRetention: cfg.StatusRetention,
	}
}

// Orchestrator starts runs and reports on them. Each run executes in its own
// goroutine, detached from the caller's context; cancellation is cooperative
// and observed at stage boundaries.
type Orchestrator struct {
	store     store.Store
	acquirer  Acquirer
	extractor Extractor
	scorer    Scorer
	registry  *Registry
	opts      Options

	mu    sync.Mutex
	runs  map[string]*runState
	order []string
	wg    sync.WaitGroup
}

// NewOrchestrator creates an Orchestrator. A nil registry gets a
// process-local one.
func NewOrchestrator(st store.Store, acq Acquirer, ext Extractor, sc Scorer, reg *Registry, opts Options) *Orchestrator {
	if reg == nil {
		reg = NewRegistry(nil)
	}
	if opts.StatusRetention <= 0 {
		opts.StatusRetention = 500
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Orchestrator{
		store:     st,
		acquirer:  acq,
		extractor: ext,
		scorer:    sc,
		registry:  reg,
		opts:      opts,
		runs:      make(map[string]*runState),
	}
}

type runState struct {
	mu     sync.Mutex
	run    model.AnalysisRun
	result *model.Analysis

	// writeMu orders store writes so a stale snapshot never lands last.
	writeMu   sync.Mutex
	cancelled atomic.Bool
	done      chan struct{}
}

func (s *runState) snapshot() model.AnalysisRun {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.run.Clone()
}

func (s *runState) status() *RunStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return &RunStatus{Run: s.run.Clone(), Result: s.result}
}

func (s *runState) addError(stage model.Stage, kind model.ErrorKind, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.run.Errors = append(s.run.Errors, model.StageError{Stage: stage, Kind: kind, Message: err.Error()})
}

// StartRun registers and launches a run for key. It returns
// ErrAlreadyRunning when any component of key has a non-terminal run.
func (o *Orchestrator) StartRun(ctx context.Context, key model.NaturalKey) (*model.AnalysisRun, error) {
	key = key.Normalize()
	if err := key.Validate(); err != nil {
		return nil, err
	}

	id := uuid.New().String()
	if err := o.registry.Claim(ctx, key, id); err != nil {
		return nil, err
	}

	st := &runState{
		run: model.AnalysisRun{
			ID:              id,
			OpportunityRef:  key,
			Stage:           model.StageIdle,
			CompletedStages: []model.Stage{},
			StartedAt:       o.opts.Now().UTC(),
		},
		done: make(chan struct{}),
	}
	if err := o.store.CreateRun(ctx, &st.run); err != nil {
		o.registry.Release(ctx, key, id)
		return nil, eris.Wrap(err, "pipeline: create run")
	}
	o.track(st)
	o.publish(st)

	runCtx := context.WithoutCancel(ctx)
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		o.execute(runCtx, st)
	}()

	snap := st.snapshot()
	return &snap, nil
}

// GetRunStatus returns the current state of a run, falling back to the
// store for runs this process no longer (or never) held.
func (o *Orchestrator) GetRunStatus(ctx context.Context, runID string) (*RunStatus, error) {
	if st, ok := o.lookup(runID); ok {
		return st.status(), nil
	}

	run, err := o.store.GetRun(ctx, runID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, eris.Wrapf(ErrRunNotFound, "run %s", runID)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "pipeline: get run %s", runID)
	}

	status := &RunStatus{Run: *run}
	if run.Stage == model.StageCompleted {
		rec, err := o.store.GetOpportunity(ctx, run.OpportunityRef)
		if err == nil && rec.Analysis != nil && rec.Analysis.RunID == runID {
			status.Result = rec.Analysis
		}
		return status, nil
	}
	cp, err := o.store.LoadCheckpoint(ctx, runID)
	if err != nil {
		zap.L().Debug("pipeline: load checkpoint", zap.String("run_id", runID), zap.Error(err))
	} else if cp != nil {
		status.LastCheckpoint = cp.Stage
	}
	return status, nil
}

// CancelRun requests cancellation. A run held by this process stops at its
// next stage boundary. A stored run with no live owner is marked cancelled
// directly; with a distributed registry the owning process picks up the
// flag at its next boundary instead.
func (o *Orchestrator) CancelRun(ctx context.Context, runID string) error {
	if st, ok := o.lookup(runID); ok {
		st.mu.Lock()
		if st.run.Stage.IsTerminal() {
			stage := st.run.Stage
			st.mu.Unlock()
			return eris.Wrapf(ErrAlreadyTerminal, "run %s is %s", runID, stage)
		}
		st.run.Cancelled = true
		st.cancelled.Store(true)
		st.mu.Unlock()

		o.persist(ctx, st)
		o.publish(st)
		return nil
	}

	run, err := o.store.GetRun(ctx, runID)
	if errors.Is(err, store.ErrNotFound) {
		return eris.Wrapf(ErrRunNotFound, "run %s", runID)
	}
	if err != nil {
		return eris.Wrapf(err, "pipeline: get run %s", runID)
	}
	if run.Stage.IsTerminal() {
		return eris.Wrapf(ErrAlreadyTerminal, "run %s is %s", runID, run.Stage)
	}

	run.Cancelled = true
	if o.registry.locker == nil {
		now := o.opts.Now().UTC()
		run.Stage = model.StageCancelled
		run.EndedAt = &now
	}
	return eris.Wrapf(o.store.UpdateRun(ctx, run), "pipeline: cancel run %s", runID)
}

// Wait blocks until a run held by this process is terminal or ctx ends,
// then returns its status. Runs not held here return their stored status.
func (o *Orchestrator) Wait(ctx context.Context, runID string) (*RunStatus, error) {
	st, ok := o.lookup(runID)
	if !ok {
		return o.GetRunStatus(ctx, runID)
	}
	select {
	case <-st.done:
		return st.status(), nil
	case <-ctx.Done():
		return nil, eris.Wrapf(ctx.Err(), "pipeline: wait for run %s", runID)
	}
}

// Shutdown requests cancellation of every active run and waits for them to
// reach a terminal stage or for ctx to end.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	for _, st := range o.runs {
		st.mu.Lock()
		if !st.run.Stage.IsTerminal() {
			st.run.Cancelled = true
			st.cancelled.Store(true)
		}
		st.mu.Unlock()
	}
	o.mu.Unlock()

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return eris.Wrap(ctx.Err(), "pipeline: shutdown")
	}
}

func (o *Orchestrator) lookup(runID string) (*runState, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	st, ok := o.runs[runID]
	return st, ok
}

// track adds st and evicts the oldest finished runs beyond the retention
// limit. Active runs are never evicted.
func (o *Orchestrator) track(st *runState) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.runs[st.run.ID] = st
	o.order = append(o.order, st.run.ID)

	if len(o.runs) <= o.opts.StatusRetention {
		return
	}
	kept := o.order[:0]
	for _, id := range o.order {
		old := o.runs[id]
		if len(o.runs) > o.opts.StatusRetention && old != st && isDone(old) {
			delete(o.runs, id)
			continue
		}
		kept = append(kept, id)
	}
	o.order = kept
}

func isDone(st *runState) bool {
	select {
	case <-st.done:
		return true
	default:
		return false
	}
}

func (o *Orchestrator) publish(st *runState) {
	if o.opts.Progress != nil {
		o.opts.Progress(st.snapshot())
	}
}

func (o *Orchestrator) persist(ctx context.Context, st *runState) {
	st.writeMu.Lock()
	defer st.writeMu.Unlock()
	snap := st.snapshot()
	if err := o.store.UpdateRun(ctx, &snap); err != nil {
		zap.L().Warn("pipeline: persist run", zap.String("run_id", snap.ID), zap.Error(err))
	}
}

func (o *Orchestrator) checkpoint(ctx context.Context, runID string, stage model.Stage, data any) {
	b, err := json.Marshal(data)
	if err != nil {
		zap.L().Warn("pipeline: marshal checkpoint", zap.String("run_id", runID), zap.Error(err))
		return
	}
	cp := model.Checkpoint{RunID: runID, Stage: stage, Data: b, CreatedAt: o.opts.Now().UTC()}
	if err := o.store.SaveCheckpoint(ctx, cp); err != nil {
		zap.L().Warn("pipeline: save checkpoint", zap.String("run_id", runID), zap.String("stage", string(stage)), zap.Error(err))
	}
}

// heartbeat refreshes the distributed claim until the returned func is
// called.
func (o *Orchestrator) heartbeat(ctx context.Context, key model.NaturalKey, runID string) func() {
	if o.registry.locker == nil || o.opts.LockTTL <= 0 {
		return func() {}
	}
	stop := make(chan struct{})
	go func() {
		t := time.NewTicker(o.opts.LockTTL / 3)
		defer t.Stop()
		for {
			select {
			case <-stop:
				return
			case <-t.C:
				if err := o.registry.Extend(ctx, key, runID); err != nil {
					zap.L().Warn("pipeline: extend run claim", zap.String("run_id", runID), zap.Error(err))
				}
			}
		}
	}()
	return func() { close(stop) }
}
