package model

import (
	"slices"
	"time"
)

// Stage is a state in the analysis run lifecycle.
type Stage string

const (
	StageIdle       Stage = "idle"
	StageAcquiring  Stage = "acquiring"
	StageProcessing Stage = "processing"
	StageExtracting Stage = "extracting"
	StageScoring    Stage = "scoring"
	StageAssembling Stage = "assembling"
	StageCompleted  Stage = "completed"
	StageFailed     Stage = "failed"
	StageCancelled  Stage = "cancelled"
)

// PipelineStages returns the working stages in execution order.
func PipelineStages() []Stage {
	return []Stage{
		StageAcquiring,
		StageProcessing,
		StageExtracting,
		StageScoring,
		StageAssembling,
	}
}

// IsTerminal reports whether no further transitions are possible.
func (s Stage) IsTerminal() bool {
	switch s {
	case StageCompleted, StageFailed, StageCancelled:
		return true
	}
	return false
}

// ErrorKind classifies a recorded stage error.
type ErrorKind string

const (
	ErrorKindAcquisitionExhausted ErrorKind = "acquisition_exhausted"
	ErrorKindParseFailure         ErrorKind = "extraction_parse_failure"
	ErrorKindServiceUnavailable   ErrorKind = "external_service_unavailable"
	ErrorKindInternal             ErrorKind = "internal"
)

// StageError is a non-fatal (or the single fatal) error recorded on a run.
type StageError struct {
	Stage   Stage     `json:"stage"`
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
}

// AnalysisRun tracks one execution of the pipeline for an opportunity.
type AnalysisRun struct {
	ID              string       `json:"id"`
	OpportunityRef  NaturalKey   `json:"opportunity_ref"`
	Stage           Stage        `json:"stage"`
	CompletedStages []Stage      `json:"completed_stages"`
	Cancelled       bool         `json:"cancelled"`
	ResultRef       string       `json:"result_ref,omitempty"`
	Errors          []StageError `json:"errors,omitempty"`
	StartedAt       time.Time    `json:"started_at"`
	EndedAt         *time.Time   `json:"ended_at,omitempty"`
}

// Clone returns a deep copy safe to hand to other goroutines.
func (r AnalysisRun) Clone() AnalysisRun {
	out := r
	out.CompletedStages = slices.Clone(r.CompletedStages)
	out.Errors = slices.Clone(r.Errors)
	if r.EndedAt != nil {
		t := *r.EndedAt
		out.EndedAt = &t
	}
	return out
}

// Reached reports whether the run completed the given stage.
func (r AnalysisRun) Reached(s Stage) bool {
	return slices.Contains(r.CompletedStages, s)
}

// Checkpoint stores the partial output persisted after a completed stage.
type Checkpoint struct {
	RunID     string    `json:"run_id"`
	Stage     Stage     `json:"stage"`
	Data      []byte    `json:"data"`
	CreatedAt time.Time `json:"created_at"`
}
