package pipeline

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/bid-analyzer/internal/acquire"
	"github.com/sells-group/bid-analyzer/internal/classify"
	"github.com/sells-group/bid-analyzer/internal/extract"
	"github.com/sells-group/bid-analyzer/internal/model"
	"github.com/sells-group/bid-analyzer/internal/scorer"
	"github.com/sells-group/bid-analyzer/internal/store"
)

// work is the partial output threaded through the stages of one run.
type work struct {
	opp          model.Opportunity
	title        string
	docs         []model.Document
	requirements []model.Requirement
	compliance   model.ComplianceAssessment
}

// stageFunc runs one stage. It returns the checkpoint payload and, only for
// the unrecoverable acquisition case, a fatal error.
type stageFunc func(ctx context.Context, st *runState, w *work) (any, error)

func (o *Orchestrator) execute(ctx context.Context, st *runState) {
	snap := st.snapshot()
	key, id := snap.OpportunityRef, snap.ID
	log := zap.L().With(zap.String("run_id", id), zap.String("opportunity", key.String()))
	log.Info("pipeline: run started")

	defer close(st.done)
	defer o.registry.Release(ctx, key, id)
	stopHeartbeat := o.heartbeat(ctx, key, id)
	defer stopHeartbeat()

	stages := []struct {
		stage model.Stage
		fn    stageFunc
	}{
		{model.StageAcquiring, o.acquireStage},
		{model.StageProcessing, o.processStage},
		{model.StageExtracting, o.extractStage},
		{model.StageScoring, o.scoreStage},
		{model.StageAssembling, o.assembleStage},
	}

	w := &work{}
	for _, s := range stages {
		if o.cancelRequested(ctx, st) {
			o.finish(ctx, st, model.StageCancelled)
			log.Info("pipeline: run cancelled", zap.String("before_stage", string(s.stage)))
			return
		}

		o.transition(ctx, st, s.stage)
		start := time.Now()
		data, err := s.fn(ctx, st, w)
		if err != nil {
			o.finish(ctx, st, model.StageFailed)
			log.Error("pipeline: run failed", zap.String("stage", string(s.stage)), zap.Error(err))
			return
		}
		o.checkpoint(ctx, id, s.stage, data)
		o.complete(ctx, st, s.stage)
		log.Info("pipeline: stage complete",
			zap.String("stage", string(s.stage)),
			zap.Int64("duration_ms", time.Since(start).Milliseconds()),
		)
	}

	o.finish(ctx, st, model.StageCompleted)
	final := st.snapshot()
	log.Info("pipeline: run completed",
		zap.Int("requirements", len(w.requirements)),
		zap.Int("score", w.compliance.Score),
		zap.Int("errors", len(final.Errors)),
	)
}

// cancelRequested checks the local flag and, for runs that another process
// may have cancelled through the store, the stored flag.
func (o *Orchestrator) cancelRequested(ctx context.Context, st *runState) bool {
	if st.cancelled.Load() {
		return true
	}
	if o.registry.locker == nil {
		return false
	}
	run, err := o.store.GetRun(ctx, st.snapshot().ID)
	if err != nil || !run.Cancelled {
		return false
	}
	st.mu.Lock()
	st.run.Cancelled = true
	st.mu.Unlock()
	st.cancelled.Store(true)
	return true
}

func (o *Orchestrator) transition(ctx context.Context, st *runState, stage model.Stage) {
	st.mu.Lock()
	st.run.Stage = stage
	st.mu.Unlock()
	o.persist(ctx, st)
	o.publish(st)
}

func (o *Orchestrator) complete(ctx context.Context, st *runState, stage model.Stage) {
	st.mu.Lock()
	st.run.CompletedStages = append(st.run.CompletedStages, stage)
	st.mu.Unlock()
	o.persist(ctx, st)
	o.publish(st)
}

func (o *Orchestrator) finish(ctx context.Context, st *runState, stage model.Stage) {
	now := o.opts.Now().UTC()
	st.mu.Lock()
	st.run.Stage = stage
	st.run.EndedAt = &now
	if stage == model.StageCancelled {
		st.run.Cancelled = true
	}
	st.mu.Unlock()
	o.persist(ctx, st)
	o.publish(st)
}

func (o *Orchestrator) acquireStage(ctx context.Context, st *runState, w *work) (any, error) {
	key := st.snapshot().OpportunityRef
	w.opp = o.loadOpportunity(ctx, key)

	res, err := o.acquirer.Acquire(ctx, w.opp)
	if res != nil {
		for _, a := range res.Attempts {
			for _, e := range a.Errs {
				st.addError(model.StageAcquiring, model.ErrorKindServiceUnavailable, e)
			}
		}
	}
	if err != nil {
		st.addError(model.StageAcquiring, errorKind(err), err)
		return nil, err
	}

	w.title = res.Title
	w.docs = res.Documents
	names := make([]string, len(w.docs))
	for i, d := range w.docs {
		names[i] = d.Name
	}
	return map[string]any{"tier": res.Tier, "title": res.Title, "documents": names}, nil
}

// loadOpportunity returns the stored opportunity for key, or a bare one
// carrying only the key when nothing is stored yet.
func (o *Orchestrator) loadOpportunity(ctx context.Context, key model.NaturalKey) model.Opportunity {
	rec, err := o.store.GetOpportunity(ctx, key)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			zap.L().Warn("pipeline: load opportunity", zap.String("opportunity", key.String()), zap.Error(err))
		}
		return model.Opportunity{OpportunityID: key.OpportunityID, NoticeID: key.NoticeID}
	}

	var opp model.Opportunity
	if rec.Opportunity != nil {
		opp = *rec.Opportunity
	}
	if opp.OpportunityID == "" {
		opp.OpportunityID = firstNonEmpty(rec.OpportunityID, key.OpportunityID)
	}
	if opp.NoticeID == "" {
		opp.NoticeID = firstNonEmpty(rec.NoticeID, key.NoticeID)
	}
	if opp.Title == "" {
		opp.Title = rec.Title
	}
	return opp
}

func (o *Orchestrator) processStage(_ context.Context, _ *runState, w *work) (any, error) {
	type classified struct {
		Name           string               `json:"name"`
		Origin         model.DocumentOrigin `json:"origin"`
		Classification model.Classification `json:"classification"`
		PageCount      int                  `json:"page_count"`
	}
	out := make([]classified, len(w.docs))
	for i := range w.docs {
		d := &w.docs[i]
		d.Classification = classify.Classify(d.Name, d.RawText)
		out[i] = classified{Name: d.Name, Origin: d.Origin, Classification: d.Classification, PageCount: d.PageCount}
	}
	return map[string]any{"documents": out}, nil
}

func (o *Orchestrator) extractStage(ctx context.Context, st *runState, w *work) (any, error) {
	out, err := o.extractor.Extract(ctx, w.docs)
	if err != nil {
		st.addError(model.StageExtracting, model.ErrorKindInternal, err)
		out = &extract.Output{}
	}
	for _, e := range out.Errs {
		st.addError(model.StageExtracting, errorKind(e), e)
	}

	w.requirements = out.Requirements
	groups := extract.GroupBySource(w.requirements)
	for i := range w.docs {
		w.docs[i].Requirements = groups[w.docs[i].Name]
	}
	reqs := w.requirements
	if reqs == nil {
		reqs = []model.Requirement{}
	}
	return map[string]any{"requirements": reqs}, nil
}

func (o *Orchestrator) scoreStage(_ context.Context, _ *runState, w *work) (any, error) {
	w.compliance = o.scorer.Score(scorer.CombinedText(w.docs), len(w.requirements))
	return map[string]any{"compliance": w.compliance}, nil
}

// assembleStage builds the artifact and upserts it. Persistence failures
// are recorded; the in-memory result is still reported.
func (o *Orchestrator) assembleStage(ctx context.Context, st *runState, w *work) (any, error) {
	snap := st.snapshot()
	analysis := Assemble(AssembleInput{
		RunID:        snap.ID,
		Opportunity:  w.opp,
		Title:        w.title,
		Documents:    w.docs,
		Requirements: w.requirements,
		Compliance:   w.compliance,
		GeneratedAt:  o.opts.Now(),
	})

	st.mu.Lock()
	st.result = &analysis
	st.mu.Unlock()

	rec, err := o.store.UpsertOpportunity(ctx, snap.OpportunityRef, model.OpportunityFields{
		Title:     analysis.OpportunityInfo.Title,
		Analysis:  &analysis,
		LastRunID: snap.ID,
	})
	if err != nil {
		st.addError(model.StageAssembling, model.ErrorKindInternal, err)
		return map[string]any{"documents_processed": analysis.DocumentsProcessed}, nil
	}
	if err := o.store.SaveRequirements(ctx, rec.ID, snap.ID, analysis.Requirements); err != nil {
		st.addError(model.StageAssembling, model.ErrorKindInternal, err)
	}

	st.mu.Lock()
	st.run.ResultRef = rec.ID
	st.mu.Unlock()
	return map[string]any{"result_ref": rec.ID, "documents_processed": analysis.DocumentsProcessed}, nil
}

func errorKind(err error) model.ErrorKind {
	switch {
	case errors.Is(err, acquire.ErrAcquisitionExhausted):
		return model.ErrorKindAcquisitionExhausted
	case errors.Is(err, extract.ErrParseFailure):
		return model.ErrorKindParseFailure
	case errors.Is(err, extract.ErrServiceUnavailable):
		return model.ErrorKindServiceUnavailable
	}
	return model.ErrorKindInternal
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
