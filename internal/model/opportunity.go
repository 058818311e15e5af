package model

import (
	"strings"
	"time"

	"github.com/rotisserie/eris"
)

// ErrMissingKey is returned when neither component of a natural key is set.
var ErrMissingKey = eris.New("opportunity key requires opportunity_id or notice_id")

// NaturalKey identifies an opportunity. At least one component must be set.
type NaturalKey struct {
	OpportunityID string `json:"opportunity_id,omitempty"`
	NoticeID      string `json:"notice_id,omitempty"`
}

// Normalize trims whitespace from both components.
func (k NaturalKey) Normalize() NaturalKey {
	return NaturalKey{
		OpportunityID: strings.TrimSpace(k.OpportunityID),
		NoticeID:      strings.TrimSpace(k.NoticeID),
	}
}

// Validate returns ErrMissingKey when the key identifies nothing.
func (k NaturalKey) Validate() error {
	k = k.Normalize()
	if k.OpportunityID == "" && k.NoticeID == "" {
		return ErrMissingKey
	}
	return nil
}

// LockKeys returns one registry key per present component so that two
// requests naming the same opportunity by different ids still collide.
func (k NaturalKey) LockKeys() []string {
	k = k.Normalize()
	var keys []string
	if k.OpportunityID != "" {
		keys = append(keys, "opportunity:"+k.OpportunityID)
	}
	if k.NoticeID != "" {
		keys = append(keys, "notice:"+k.NoticeID)
	}
	return keys
}

// String returns the preferred identifier for logs and file paths.
func (k NaturalKey) String() string {
	k = k.Normalize()
	if k.OpportunityID != "" {
		return k.OpportunityID
	}
	return k.NoticeID
}

// Attachment is a downloadable file listed by the opportunity source.
type Attachment struct {
	Name string `json:"name"`
	URL  string `json:"url"`
}

// Opportunity is a government-contracting solicitation as stored by the
// sync step. The pipeline treats it as read-only input.
type Opportunity struct {
	OpportunityID string            `json:"opportunity_id,omitempty"`
	NoticeID      string            `json:"notice_id,omitempty"`
	Title         string            `json:"title"`
	Agency        string            `json:"agency,omitempty"`
	NAICS         string            `json:"naics,omitempty"`
	PostedDate    *time.Time        `json:"posted_date,omitempty"`
	ResponseDate  *time.Time        `json:"response_date,omitempty"`
	ResourceLinks []string          `json:"resource_links,omitempty"`
	Attachments   []Attachment      `json:"attachments,omitempty"`
	FreeText      map[string]string `json:"free_text,omitempty"`
	Metadata      map[string]any    `json:"metadata,omitempty"`
}

// Key returns the opportunity's natural key.
func (o Opportunity) Key() NaturalKey {
	return NaturalKey{OpportunityID: o.OpportunityID, NoticeID: o.NoticeID}.Normalize()
}

// OpportunityRecord is the persisted form of an opportunity plus the fields
// written back by an analysis run.
type OpportunityRecord struct {
	ID                 string       `json:"id"`
	OpportunityID      string       `json:"opportunity_id,omitempty"`
	NoticeID           string       `json:"notice_id,omitempty"`
	Title              string       `json:"title"`
	Opportunity        *Opportunity `json:"opportunity,omitempty"`
	Analysis           *Analysis    `json:"analysis,omitempty"`
	DocumentsProcessed int          `json:"documents_processed"`
	ComplianceScore    *int         `json:"compliance_score,omitempty"`
	RiskLevel          string       `json:"risk_level,omitempty"`
	LastRunID          string       `json:"last_run_id,omitempty"`
	CreatedAt          time.Time    `json:"created_at"`
	UpdatedAt          time.Time    `json:"updated_at"`
}

// Key returns the record's natural key.
func (r OpportunityRecord) Key() NaturalKey {
	return NaturalKey{OpportunityID: r.OpportunityID, NoticeID: r.NoticeID}
}

// OpportunityFields are the values an upsert writes. Zero values mean
// "unchanged".
type OpportunityFields struct {
	OpportunityID string
	NoticeID      string
	Title         string
	Opportunity   *Opportunity
	Analysis      *Analysis
	LastRunID     string
}

// Merge applies f over r. Empty strings and nil pointers never overwrite a
// known value, so a later write can't erase a previously learned
// opportunity_id.
func (r *OpportunityRecord) Merge(f OpportunityFields) {
	if v := strings.TrimSpace(f.OpportunityID); v != "" {
		r.OpportunityID = v
	}
	if v := strings.TrimSpace(f.NoticeID); v != "" {
		r.NoticeID = v
	}
	if f.Title != "" {
		r.Title = f.Title
	}
	if f.Opportunity != nil {
		r.Opportunity = f.Opportunity
		if r.Title == "" {
			r.Title = f.Opportunity.Title
		}
	}
	if f.Analysis != nil {
		r.Analysis = f.Analysis
		r.DocumentsProcessed = f.Analysis.DocumentsProcessed
		score := f.Analysis.Compliance.Score
		r.ComplianceScore = &score
		r.RiskLevel = f.Analysis.Compliance.RiskLevel.String()
	}
	if f.LastRunID != "" {
		r.LastRunID = f.LastRunID
	}
}

// Absorb fills r's empty values from o, a second record of the same
// opportunity that is being folded into r. Values already on r win.
func (r *OpportunityRecord) Absorb(o OpportunityRecord) {
	if r.OpportunityID == "" {
		r.OpportunityID = o.OpportunityID
	}
	if r.NoticeID == "" {
		r.NoticeID = o.NoticeID
	}
	if r.Title == "" {
		r.Title = o.Title
	}
	if r.Opportunity == nil {
		r.Opportunity = o.Opportunity
	}
	if r.Analysis == nil && o.Analysis != nil {
		r.Analysis = o.Analysis
		r.DocumentsProcessed = o.DocumentsProcessed
		r.ComplianceScore = o.ComplianceScore
		r.RiskLevel = o.RiskLevel
	}
	if r.LastRunID == "" {
		r.LastRunID = o.LastRunID
	}
}
