package model

import "time"

// OpportunityInfo identifies the analyzed opportunity in the artifact.
type OpportunityInfo struct {
	OpportunityID string `json:"opportunity_id,omitempty"`
	NoticeID      string `json:"notice_id,omitempty"`
	Title         string `json:"title"`
	Agency        string `json:"agency,omitempty"`
	NAICS         string `json:"naics,omitempty"`
}

// DocumentSummary describes one processed document without its text.
type DocumentSummary struct {
	Name             string         `json:"name"`
	Origin           DocumentOrigin `json:"origin"`
	Classification   Classification `json:"classification"`
	PageCount        int            `json:"page_count"`
	RequirementCount int            `json:"requirement_count"`
}

// ProposalPlaceholder marks where downstream proposal drafting attaches.
type ProposalPlaceholder struct {
	Status string `json:"status"`
	Notes  string `json:"notes,omitempty"`
}

// Analysis is the consolidated artifact persisted for an opportunity.
type Analysis struct {
	RunID              string               `json:"run_id"`
	OpportunityInfo    OpportunityInfo      `json:"opportunity_info"`
	Requirements       []Requirement        `json:"requirements"`
	CategoryCounts     map[Category]int     `json:"category_counts"`
	Compliance         ComplianceAssessment `json:"compliance"`
	Documents          []DocumentSummary    `json:"documents"`
	DocumentsProcessed int                  `json:"documents_processed"`
	Proposal           ProposalPlaceholder  `json:"proposal"`
	GeneratedAt        time.Time            `json:"generated_at"`
}
