package pipeline

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/bid-analyzer/internal/model"
)

func TestAssemble_EmptyRequirementsSerializeAsArray(t *testing.T) {
	a := Assemble(AssembleInput{
		RunID:       "run-1",
		Opportunity: model.Opportunity{NoticeID: "N-1", Title: "Hotel Lodging RFQ"},
		Documents: []model.Document{
			{Name: "opportunity-title.txt", Origin: model.OriginTitle, RawText: "Hotel Lodging RFQ", PageCount: 1, Classification: model.ClassRFQ},
		},
		Compliance:  model.ComplianceAssessment{Score: 100, RiskLevel: model.RiskLow},
		GeneratedAt: time.Date(2026, 3, 1, 12, 0, 0, 0, time.FixedZone("EST", -5*3600)),
	})

	b, err := json.Marshal(a)
	require.NoError(t, err)

	var out map[string]any
	require.NoError(t, json.Unmarshal(b, &out))
	assert.Equal(t, []any{}, out["requirements"])
	assert.Equal(t, float64(1), out["documents_processed"])
	compliance := out["compliance"].(map[string]any)
	assert.Equal(t, []any{}, compliance["issues"])
	assert.Equal(t, "low", compliance["risk_level"])

	assert.Equal(t, "Hotel Lodging RFQ", a.OpportunityInfo.Title)
	assert.Equal(t, "N-1", a.OpportunityInfo.NoticeID)
	assert.Equal(t, ProposalStatusPending, a.Proposal.Status)
	assert.Equal(t, time.UTC, a.GeneratedAt.Location())
	assert.Len(t, a.CategoryCounts, len(model.Categories()))
}

func TestAssemble_CountsAndDocuments(t *testing.T) {
	reqs := []model.Requirement{
		{Code: "REQ-001", Text: "Provide 40 rooms", Category: model.CategoryCapacity, SourceDocument: "RFQ.pdf"},
		{Code: "REQ-002", Text: "Provide a projector", Category: model.CategoryAV, SourceDocument: "RFQ.pdf"},
		{Code: "REQ-003", Text: "Provide 10 suites", Category: model.CategoryCapacity, SourceDocument: "SOW.docx"},
	}
	a := Assemble(AssembleInput{
		RunID:       "run-2",
		Opportunity: model.Opportunity{OpportunityID: "OPP-2", Title: "Stored title", Agency: "GSA", NAICS: "721110"},
		Title:       "Fetched title",
		Documents: []model.Document{
			{Name: "RFQ.pdf", RawText: "text", Requirements: reqs[:2]},
			{Name: "scan.pdf", RawText: "   "},
			{Name: "SOW.docx", RawText: "text", Requirements: reqs[2:]},
		},
		Requirements: reqs,
	})

	assert.Equal(t, "Fetched title", a.OpportunityInfo.Title)
	assert.Equal(t, "GSA", a.OpportunityInfo.Agency)
	assert.Equal(t, 2, a.DocumentsProcessed)
	require.Len(t, a.Documents, 2)
	assert.Equal(t, 2, a.Documents[0].RequirementCount)
	assert.Equal(t, "SOW.docx", a.Documents[1].Name)
	assert.Equal(t, 2, a.CategoryCounts[model.CategoryCapacity])
	assert.Equal(t, 1, a.CategoryCounts[model.CategoryAV])
	assert.Equal(t, 0, a.CategoryCounts[model.CategoryDate])
	assert.Equal(t, 3, a.Compliance.RequirementCount)
	assert.False(t, a.GeneratedAt.IsZero())
}
