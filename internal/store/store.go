// Package store persists opportunities, analysis runs, requirements and
// stage checkpoints.
package store

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/bid-analyzer/internal/model"
)

// ErrNotFound is returned when a record or run does not exist.
var ErrNotFound = eris.New("store: not found")

// RunFilter specifies criteria for listing runs.
type RunFilter struct {
	Stage         model.Stage `json:"stage,omitempty"`
	OpportunityID string      `json:"opportunity_id,omitempty"`
	NoticeID      string      `json:"notice_id,omitempty"`
	Limit         int         `json:"limit,omitempty"`
	Offset        int         `json:"offset,omitempty"`
}

// Store defines the persistence interface for the analysis pipeline.
type Store interface {
	// Opportunities. Lookups match opportunity_id OR notice_id.
	GetOpportunity(ctx context.Context, key model.NaturalKey) (*model.OpportunityRecord, error)
	UpsertOpportunity(ctx context.Context, key model.NaturalKey, fields model.OpportunityFields) (*model.OpportunityRecord, error)
	SaveRequirements(ctx context.Context, recordID, runID string, reqs []model.Requirement) error
	ListRequirements(ctx context.Context, recordID string) ([]model.Requirement, error)

	// Runs
	CreateRun(ctx context.Context, run *model.AnalysisRun) error
	// UpdateRun never clears a stored cancelled flag.
	UpdateRun(ctx context.Context, run *model.AnalysisRun) error
	GetRun(ctx context.Context, runID string) (*model.AnalysisRun, error)
	ListRuns(ctx context.Context, filter RunFilter) ([]model.AnalysisRun, error)

	// Checkpoints
	SaveCheckpoint(ctx context.Context, cp model.Checkpoint) error
	LoadCheckpoint(ctx context.Context, runID string) (*model.Checkpoint, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}

const defaultListLimit = 100

const recordColumns = `id, opportunity_id, notice_id, title, opportunity, analysis, documents_processed, compliance_score, risk_level, last_run_id, created_at, updated_at`

const runColumns = `id, opportunity_id, notice_id, stage, completed_stages, cancelled, result_ref, errors, started_at, ended_at`

type scannable interface {
	Scan(dest ...any) error
}

// keyClause builds "(opportunity_id = ? OR notice_id = ?)" for the present
// key components. ph renders the n-th placeholder (1-based).
func keyClause(key model.NaturalKey, ph func(n int) string) (string, []any, error) {
	key = key.Normalize()
	if err := key.Validate(); err != nil {
		return "", nil, err
	}
	var (
		conds []string
		args  []any
	)
	if key.OpportunityID != "" {
		args = append(args, key.OpportunityID)
		conds = append(conds, "opportunity_id = "+ph(len(args)))
	}
	if key.NoticeID != "" {
		args = append(args, key.NoticeID)
		conds = append(conds, "notice_id = "+ph(len(args)))
	}
	return "(" + strings.Join(conds, " OR ") + ")", args, nil
}

// lookupQuery selects the record for key. When the key matches two rows
// the one matching opportunity_id wins.
func lookupQuery(key model.NaturalKey, ph func(n int) string, suffix string) (string, []any, error) {
	where, args, err := keyClause(key, ph)
	if err != nil {
		return "", nil, err
	}
	order := " ORDER BY created_at"
	if id := key.Normalize().OpportunityID; id != "" {
		args = append(args, id)
		order = " ORDER BY CASE WHEN opportunity_id = " + ph(len(args)) + " THEN 0 ELSE 1 END, created_at"
	}
	q := "SELECT " + recordColumns + " FROM opportunities WHERE " + where + order + " LIMIT 1" + suffix
	return q, args, nil
}

// learnedKey returns the key parts an upsert added to a record that another
// row may already own. before is the record's key prior to the merge and
// after the merged key. When insert is true the lookup for searched matched
// no row, so none of its parts can be owned elsewhere.
func learnedKey(before, after, searched model.NaturalKey, insert bool) model.NaturalKey {
	learned := func(b, a, s string) string {
		if a == "" || a == b || (insert && a == s) {
			return ""
		}
		return a
	}
	return model.NaturalKey{
		OpportunityID: learned(before.OpportunityID, after.OpportunityID, searched.OpportunityID),
		NoticeID:      learned(before.NoticeID, after.NoticeID, searched.NoticeID),
	}
}

// duplicatesQuery selects the rows other than recordID that own a part of
// learned. ok is false when learned is empty.
func duplicatesQuery(learned model.NaturalKey, recordID string, ph func(n int) string, suffix string) (q string, args []any, ok bool) {
	if learned.Validate() != nil {
		return "", nil, false
	}
	where, keyArgs, err := keyClause(learned, func(n int) string { return ph(n + 1) })
	if err != nil {
		return "", nil, false
	}
	q = "SELECT " + recordColumns + " FROM opportunities WHERE id <> " + ph(1) + " AND " + where + " ORDER BY created_at" + suffix
	return q, append([]any{recordID}, keyArgs...), true
}

func scanRecord(row scannable) (*model.OpportunityRecord, error) {
	var (
		r                     model.OpportunityRecord
		oppID, noticeID       *string
		oppJSON, analysisJSON []byte
		score                 *int64
	)
	if err := row.Scan(&r.ID, &oppID, &noticeID, &r.Title, &oppJSON, &analysisJSON,
		&r.DocumentsProcessed, &score, &r.RiskLevel, &r.LastRunID, &r.CreatedAt, &r.UpdatedAt); err != nil {
		return nil, err
	}
	if oppID != nil {
		r.OpportunityID = *oppID
	}
	if noticeID != nil {
		r.NoticeID = *noticeID
	}
	if score != nil {
		v := int(*score)
		r.ComplianceScore = &v
	}
	if len(oppJSON) > 0 {
		r.Opportunity = &model.Opportunity{}
		if err := json.Unmarshal(oppJSON, r.Opportunity); err != nil {
			return nil, eris.Wrap(err, "store: unmarshal opportunity")
		}
	}
	if len(analysisJSON) > 0 {
		r.Analysis = &model.Analysis{}
		if err := json.Unmarshal(analysisJSON, r.Analysis); err != nil {
			return nil, eris.Wrap(err, "store: unmarshal analysis")
		}
	}
	return &r, nil
}

// recordValues returns the column values of r after id, in recordColumns
// order, ending with updated_at.
func recordValues(r *model.OpportunityRecord) ([]any, error) {
	oppJSON, err := marshalNullable(r.Opportunity)
	if err != nil {
		return nil, eris.Wrap(err, "store: marshal opportunity")
	}
	analysisJSON, err := marshalNullable(r.Analysis)
	if err != nil {
		return nil, eris.Wrap(err, "store: marshal analysis")
	}
	var score any
	if r.ComplianceScore != nil {
		score = int64(*r.ComplianceScore)
	}
	return []any{
		nullIfEmpty(r.OpportunityID),
		nullIfEmpty(r.NoticeID),
		r.Title,
		jsonArg(oppJSON),
		jsonArg(analysisJSON),
		r.DocumentsProcessed,
		score,
		r.RiskLevel,
		r.LastRunID,
		r.UpdatedAt,
	}, nil
}

func scanRun(row scannable) (*model.AnalysisRun, error) {
	var (
		r                      model.AnalysisRun
		stagesJSON, errorsJSON []byte
		endedAt                *time.Time
	)
	if err := row.Scan(&r.ID, &r.OpportunityRef.OpportunityID, &r.OpportunityRef.NoticeID, &r.Stage,
		&stagesJSON, &r.Cancelled, &r.ResultRef, &errorsJSON, &r.StartedAt, &endedAt); err != nil {
		return nil, err
	}
	r.EndedAt = endedAt
	if len(stagesJSON) > 0 {
		if err := json.Unmarshal(stagesJSON, &r.CompletedStages); err != nil {
			return nil, eris.Wrap(err, "store: unmarshal completed stages")
		}
	}
	if len(errorsJSON) > 0 {
		if err := json.Unmarshal(errorsJSON, &r.Errors); err != nil {
			return nil, eris.Wrap(err, "store: unmarshal run errors")
		}
	}
	if r.CompletedStages == nil {
		r.CompletedStages = []model.Stage{}
	}
	return &r, nil
}

// runValues returns the mutable run columns: stage, completed_stages,
// cancelled, result_ref, errors, ended_at.
func runValues(r *model.AnalysisRun) ([]any, error) {
	stages := r.CompletedStages
	if stages == nil {
		stages = []model.Stage{}
	}
	stagesJSON, err := json.Marshal(stages)
	if err != nil {
		return nil, eris.Wrap(err, "store: marshal completed stages")
	}
	errs := r.Errors
	if errs == nil {
		errs = []model.StageError{}
	}
	errorsJSON, err := json.Marshal(errs)
	if err != nil {
		return nil, eris.Wrap(err, "store: marshal run errors")
	}
	var ended any
	if r.EndedAt != nil {
		ended = r.EndedAt.UTC()
	}
	return []any{string(r.Stage), stagesJSON, r.Cancelled, r.ResultRef, errorsJSON, ended}, nil
}

func requirementRow(recordID, runID string, r model.Requirement) []any {
	return []any{recordID, r.Code, runID, r.Text, string(r.Category), r.Priority.String(), r.SourceDocument, string(r.Origin)}
}

var requirementColumns = []string{"record_id", "code", "run_id", "text", "category", "priority", "source_document", "origin"}

func scanRequirement(row scannable) (model.Requirement, error) {
	var (
		r             model.Requirement
		prio          string
		cat, origin   string
		recordID, run string
	)
	if err := row.Scan(&recordID, &r.Code, &run, &r.Text, &cat, &prio, &r.SourceDocument, &origin); err != nil {
		return r, err
	}
	r.Category = model.Category(cat)
	r.Origin = model.RequirementOrigin(origin)
	p, err := model.ParsePriority(prio)
	if err != nil {
		return r, err
	}
	r.Priority = p
	return r, nil
}

func marshalNullable[T any](v *T) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	return json.Marshal(v)
}

func jsonArg(b []byte) any {
	if b == nil {
		return nil
	}
	return b
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func listLimit(n int) int {
	if n <= 0 {
		return defaultListLimit
	}
	return n
}
