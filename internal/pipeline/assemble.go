package pipeline

import (
	"time"

	"github.com/sells-group/bid-analyzer/internal/model"
)

// ProposalStatusPending marks the proposal section as awaiting drafting.
const ProposalStatusPending = "pending"

// AssembleInput is everything the assembler reads.
type AssembleInput struct {
	RunID        string
	Opportunity  model.Opportunity
	Title        string
	Documents    []model.Document
	Requirements []model.Requirement
	Compliance   model.ComplianceAssessment
	GeneratedAt  time.Time
}

// Assemble builds the analysis artifact. Requirements and issues are always
// non-nil so they serialize as JSON arrays.
func Assemble(in AssembleInput) model.Analysis {
	reqs := in.Requirements
	if reqs == nil {
		reqs = []model.Requirement{}
	}
	compliance := in.Compliance
	if compliance.Issues == nil {
		compliance.Issues = []string{}
	}
	compliance.RequirementCount = len(reqs)

	title := in.Title
	if title == "" {
		title = in.Opportunity.Title
	}
	key := in.Opportunity.Key()

	docs := make([]model.DocumentSummary, 0, len(in.Documents))
	processed := 0
	for _, d := range in.Documents {
		if !d.Usable() {
			continue
		}
		processed++
		docs = append(docs, model.DocumentSummary{
			Name:             d.Name,
			Origin:           d.Origin,
			Classification:   d.Classification,
			PageCount:        d.PageCount,
			RequirementCount: len(d.Requirements),
		})
	}

	generated := in.GeneratedAt
	if generated.IsZero() {
		generated = time.Now()
	}

	return model.Analysis{
		RunID: in.RunID,
		OpportunityInfo: model.OpportunityInfo{
			OpportunityID: key.OpportunityID,
			NoticeID:      key.NoticeID,
			Title:         title,
			Agency:        in.Opportunity.Agency,
			NAICS:         in.Opportunity.NAICS,
		},
		Requirements:       reqs,
		CategoryCounts:     model.CountByCategory(reqs),
		Compliance:         compliance,
		Documents:          docs,
		DocumentsProcessed: processed,
		Proposal: model.ProposalPlaceholder{
			Status: ProposalStatusPending,
			Notes:  "Proposal drafting attaches here.",
		},
		GeneratedAt: generated.UTC(),
	}
}
